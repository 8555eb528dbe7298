// Package widget holds the widget registry: the single mutation authority
// for every on-screen widget, the built-in widget types and their
// construction contracts.
package widget

import (
	"context"

	"github.com/goatkit/ludo/internal/plugin"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// Widget is the runtime behaviour of one widget instance. The registry owns
// position, visibility and the attribute map; a Widget only knows its own
// size, inputs, state and drawing.
type Widget interface {
	// Dimensions returns the bounding box size.
	Dimensions() (w, h float32)
	// Inputs returns the raw input kinds the widget subscribed to at
	// construction.
	Inputs() []pkgplugin.EventKind
	// SetAttribute applies an attribute change. On error nothing changes.
	SetAttribute(ctx context.Context, key string, value pkgplugin.Value) error
	// Interact handles one event and may return a message for the owner.
	Interact(ctx context.Context, ev pkgplugin.WidgetEvent) (*pkgplugin.Message, error)
	// Render returns the components to draw, relative to the top-left corner.
	Render(ctx context.Context) ([]pkgplugin.Component, error)
	// State returns the serialisable internal state.
	State(ctx context.Context) (pkgplugin.Attributes, error)
	// Restore loads state previously returned by State.
	Restore(ctx context.Context, state pkgplugin.Attributes) error
	// Close releases the widget.
	Close(ctx context.Context) error
}

// Factory constructs widgets of one type tag.
type Factory interface {
	Type() string
	// Validate checks attributes against the type's contract.
	Validate(attrs pkgplugin.Attributes) error
	New(ctx context.Context, attrs pkgplugin.Attributes) (Widget, error)
}

// Drawable is one widget's render output in canvas coordinates.
type Drawable struct {
	ID         plugin.WidgetID       `json:"id"`
	X          float32               `json:"x"`
	Y          float32               `json:"y"`
	Components []pkgplugin.Component `json:"components"`
}

// Dispatch is a message, or a fault, a widget produced for its owner.
type Dispatch struct {
	ID      plugin.WidgetID
	Message *pkgplugin.Message
	Err     error
}

// Info is a read-only view of a widget.
type Info struct {
	ID         plugin.WidgetID
	Type       string
	Attributes pkgplugin.Attributes
	X, Y       float32
	W, H       float32
	Hidden     bool
}

// Saved is the persisted form of a widget.
type Saved struct {
	Owner      string               `json:"owner"`
	Name       string               `json:"name"`
	Type       string               `json:"type"`
	X          float32              `json:"x"`
	Y          float32              `json:"y"`
	Hidden     bool                 `json:"hidden,omitempty"`
	Attributes pkgplugin.Attributes `json:"attributes,omitempty"`
	State      pkgplugin.Attributes `json:"state,omitempty"`
}

// ID returns the widget id.
func (s Saved) ID() plugin.WidgetID {
	return plugin.WidgetID{Owner: s.Owner, Name: s.Name}
}

type instance struct {
	id      plugin.WidgetID
	typ     string
	attrs   pkgplugin.Attributes
	x, y    float32
	hidden  bool
	hovered bool
	w       Widget
}

func (in *instance) contains(x, y float32) bool {
	w, h := in.w.Dimensions()
	return x >= in.x && x < in.x+w && y >= in.y && y < in.y+h
}

func (in *instance) wantsPointer() bool {
	for _, k := range in.w.Inputs() {
		if k.Class == pkgplugin.ClassInput && k.Input != nil &&
			(pkgplugin.Input{Class: k.Input.Class}).IsPointer() {
			return true
		}
	}
	return false
}

func (in *instance) subscribed(raw pkgplugin.Input) bool {
	for _, k := range in.w.Inputs() {
		if k.MatchesInput(raw) {
			return true
		}
	}
	return false
}

func (in *instance) info() Info {
	w, h := in.w.Dimensions()
	return Info{ID: in.id, Type: in.typ, Attributes: in.attrs.Clone(), X: in.x, Y: in.y, W: w, H: h, Hidden: in.hidden}
}
