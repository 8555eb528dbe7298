package widget

import (
	"context"
	"unicode/utf8"

	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// LabelType is the type tag of the built-in label.
const LabelType = "label"

// glyphWidth approximates the advance of one glyph as a fraction of the
// font size.
const glyphWidth = 0.6

var labelContract = MustContract(schemaDoc(
	[]string{"text"},
	`"text": {"type": "string"},
	"size": {"$ref": "#/definitions/size"},
	"color": {"$ref": "#/definitions/color"}`,
))

type labelFactory struct{}

// NewLabelFactory returns the factory for the built-in text label. Labels
// take no input.
func NewLabelFactory() Factory { return labelFactory{} }

func (labelFactory) Type() string { return LabelType }

func (labelFactory) Validate(attrs pkgplugin.Attributes) error {
	return labelContract.Validate(attrs)
}

func (labelFactory) New(ctx context.Context, attrs pkgplugin.Attributes) (Widget, error) {
	l := &label{}
	l.apply(attrs)
	return l, nil
}

type label struct {
	text  string
	size  float32
	color pkgplugin.Color
}

func (l *label) apply(attrs pkgplugin.Attributes) {
	l.text, _ = attrs.Text("text")
	l.size = float32(floatAttr(attrs, "size", 16))
	l.color = colorAttr(attrs, "color", pkgplugin.Color{R: 255, G: 255, B: 255, A: 255})
}

func (l *label) Dimensions() (float32, float32) {
	return float32(utf8.RuneCountInString(l.text)) * l.size * glyphWidth, l.size
}

func (l *label) Inputs() []pkgplugin.EventKind { return nil }

func (l *label) SetAttribute(ctx context.Context, key string, value pkgplugin.Value) error {
	attrs := pkgplugin.Attributes{
		"text":  pkgplugin.String(l.text),
		"size":  pkgplugin.Number(float64(l.size)),
		"color": l.color.Value(),
	}
	attrs[key] = value
	l.apply(attrs)
	return nil
}

func (l *label) Interact(ctx context.Context, ev pkgplugin.WidgetEvent) (*pkgplugin.Message, error) {
	return nil, nil
}

func (l *label) Render(ctx context.Context) ([]pkgplugin.Component, error) {
	return []pkgplugin.Component{{Shape: pkgplugin.Text(l.text, l.size, l.color)}}, nil
}

func (l *label) State(ctx context.Context) (pkgplugin.Attributes, error) { return nil, nil }

func (l *label) Restore(ctx context.Context, state pkgplugin.Attributes) error { return nil }

func (l *label) Close(ctx context.Context) error { return nil }
