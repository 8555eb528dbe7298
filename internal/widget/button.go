package widget

import (
	"context"
	"fmt"

	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// ButtonType is the type tag of the built-in button.
const ButtonType = "button"

// Button states.
const (
	ButtonIdle   = "idle"
	ButtonFocus  = "focus"
	ButtonActive = "active"
)

var buttonContract = MustContract(schemaDoc(
	[]string{"width", "height", "text", "idle_color", "focus_color", "active_color"},
	`"width": {"$ref": "#/definitions/size"},
	"height": {"$ref": "#/definitions/size"},
	"text": {"type": "string"},
	"font_size": {"$ref": "#/definitions/size"},
	"text_color": {"$ref": "#/definitions/color"},
	"idle_color": {"$ref": "#/definitions/color"},
	"focus_color": {"$ref": "#/definitions/color"},
	"active_color": {"$ref": "#/definitions/color"}`,
))

type buttonFactory struct{}

// NewButtonFactory returns the factory for the built-in button. A button
// is a labelled rectangle colored by its idle, focus or active state that
// emits "triggered" when released under the left mouse button.
func NewButtonFactory() Factory { return buttonFactory{} }

func (buttonFactory) Type() string { return ButtonType }

func (buttonFactory) Validate(attrs pkgplugin.Attributes) error {
	return buttonContract.Validate(attrs)
}

func (buttonFactory) New(ctx context.Context, attrs pkgplugin.Attributes) (Widget, error) {
	b := &button{state: ButtonIdle}
	b.apply(attrs)
	return b, nil
}

type button struct {
	width, height float32
	text          string
	fontSize      float32
	textColor     pkgplugin.Color
	colors        map[string]pkgplugin.Color
	state         string
}

func (b *button) apply(attrs pkgplugin.Attributes) {
	b.width = float32(floatAttr(attrs, "width", 0))
	b.height = float32(floatAttr(attrs, "height", 0))
	b.text, _ = attrs.Text("text")
	b.fontSize = float32(floatAttr(attrs, "font_size", 16))
	b.textColor = colorAttr(attrs, "text_color", pkgplugin.Color{R: 255, G: 255, B: 255, A: 255})
	b.colors = map[string]pkgplugin.Color{
		ButtonIdle:   colorAttr(attrs, "idle_color", pkgplugin.Color{A: 255}),
		ButtonFocus:  colorAttr(attrs, "focus_color", pkgplugin.Color{A: 255}),
		ButtonActive: colorAttr(attrs, "active_color", pkgplugin.Color{A: 255}),
	}
}

func (b *button) Dimensions() (float32, float32) { return b.width, b.height }

func (b *button) Inputs() []pkgplugin.EventKind {
	return []pkgplugin.EventKind{
		pkgplugin.InputKind(pkgplugin.InputSpec{Class: pkgplugin.InputPointer}),
		pkgplugin.InputKind(pkgplugin.InputSpec{Class: pkgplugin.InputMouseDown, Button: pkgplugin.MouseLeft}),
		pkgplugin.InputKind(pkgplugin.InputSpec{Class: pkgplugin.InputMouseUp, Button: pkgplugin.MouseLeft}),
	}
}

func (b *button) SetAttribute(ctx context.Context, key string, value pkgplugin.Value) error {
	attrs := b.attributes()
	attrs[key] = value
	b.apply(attrs)
	return nil
}

func (b *button) attributes() pkgplugin.Attributes {
	return pkgplugin.Attributes{
		"width":        pkgplugin.Number(float64(b.width)),
		"height":       pkgplugin.Number(float64(b.height)),
		"text":         pkgplugin.String(b.text),
		"font_size":    pkgplugin.Number(float64(b.fontSize)),
		"text_color":   b.textColor.Value(),
		"idle_color":   b.colors[ButtonIdle].Value(),
		"focus_color":  b.colors[ButtonFocus].Value(),
		"active_color": b.colors[ButtonActive].Value(),
	}
}

func (b *button) Interact(ctx context.Context, ev pkgplugin.WidgetEvent) (*pkgplugin.Message, error) {
	switch ev.Type {
	case pkgplugin.WidgetFocus:
		b.state = ButtonFocus
	case pkgplugin.WidgetBlur:
		b.state = ButtonIdle
	case pkgplugin.WidgetInput:
		if ev.Input == nil {
			return nil, nil
		}
		switch ev.Input.Class {
		case pkgplugin.InputPointer:
			if b.state == ButtonIdle {
				b.state = ButtonFocus
			}
		case pkgplugin.InputMouseDown:
			b.state = ButtonActive
		case pkgplugin.InputMouseUp:
			b.state = ButtonFocus
			msg := pkgplugin.NewMessage("triggered")
			return &msg, nil
		}
	}
	return nil, nil
}

func (b *button) Render(ctx context.Context) ([]pkgplugin.Component, error) {
	comps := []pkgplugin.Component{{Shape: pkgplugin.Rectangle(b.width, b.height, b.colors[b.state])}}
	if b.text != "" {
		comps = append(comps, pkgplugin.Component{
			Shape: pkgplugin.Text(b.text, b.fontSize, b.textColor),
			X:     b.fontSize / 2,
			Y:     (b.height - b.fontSize) / 2,
		})
	}
	return comps, nil
}

func (b *button) State(ctx context.Context) (pkgplugin.Attributes, error) {
	return pkgplugin.Attributes{"state": pkgplugin.String(b.state)}, nil
}

func (b *button) Restore(ctx context.Context, state pkgplugin.Attributes) error {
	s, ok := state.Text("state")
	if !ok {
		return nil
	}
	switch s {
	case ButtonIdle, ButtonFocus, ButtonActive:
		b.state = s
		return nil
	}
	return fmt.Errorf("button: unknown state %q", s)
}

func (b *button) Close(ctx context.Context) error { return nil }
