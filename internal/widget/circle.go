package widget

import (
	"context"
	"fmt"
	"strings"

	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// CircleType is the type tag of the built-in circle.
const CircleType = "circle"

var circleContract = MustContract(schemaDoc(
	[]string{"radius", "fill_color"},
	`"radius": {"$ref": "#/definitions/size"},
	"fill_color": {"$ref": "#/definitions/color"},
	"step": {"$ref": "#/definitions/size"}`,
))

type circleFactory struct{}

// NewCircleFactory returns the factory for the built-in keyboard-driven
// circle. WASD asks the owner to move it ("move" with dx, dy), Q and E
// shrink and grow it ("resized"), R, G and B shift a color channel and + and
// - change opacity ("recolored").
func NewCircleFactory() Factory { return circleFactory{} }

func (circleFactory) Type() string { return CircleType }

func (circleFactory) Validate(attrs pkgplugin.Attributes) error {
	return circleContract.Validate(attrs)
}

func (circleFactory) New(ctx context.Context, attrs pkgplugin.Attributes) (Widget, error) {
	c := &circle{}
	c.apply(attrs)
	return c, nil
}

const (
	channelStep = 16
	minRadius   = 1
)

type circle struct {
	radius float32
	color  pkgplugin.Color
	step   float32
}

func (c *circle) apply(attrs pkgplugin.Attributes) {
	c.radius = float32(floatAttr(attrs, "radius", 1))
	c.color = colorAttr(attrs, "fill_color", pkgplugin.Color{A: 255})
	c.step = float32(floatAttr(attrs, "step", 5))
}

func (c *circle) Dimensions() (float32, float32) { return 2 * c.radius, 2 * c.radius }

func (c *circle) Inputs() []pkgplugin.EventKind {
	return []pkgplugin.EventKind{pkgplugin.InputKind(pkgplugin.InputSpec{Class: pkgplugin.InputKeyDown})}
}

func (c *circle) SetAttribute(ctx context.Context, key string, value pkgplugin.Value) error {
	switch key {
	case "radius":
		r, _ := value.AsNumber()
		c.radius = float32(r)
	case "fill_color":
		col, err := pkgplugin.ParseColor(value)
		if err != nil {
			return err
		}
		c.color = col
	case "step":
		s, _ := value.AsNumber()
		c.step = float32(s)
	}
	return nil
}

func (c *circle) Interact(ctx context.Context, ev pkgplugin.WidgetEvent) (*pkgplugin.Message, error) {
	if ev.Type != pkgplugin.WidgetInput || ev.Input == nil || ev.Input.Class != pkgplugin.InputKeyDown {
		return nil, nil
	}
	var dx, dy float32
	for _, k := range ev.Input.Keys {
		switch strings.ToLower(k) {
		case "w":
			dy -= c.step
		case "s":
			dy += c.step
		case "a":
			dx -= c.step
		case "d":
			dx += c.step
		}
	}
	if dx != 0 || dy != 0 {
		msg := pkgplugin.NewMessage("move").
			With("dx", pkgplugin.Number(float64(dx))).
			With("dy", pkgplugin.Number(float64(dy)))
		return &msg, nil
	}

	for _, k := range ev.Input.Keys {
		switch strings.ToLower(k) {
		case "q":
			c.radius = max(c.radius-c.step, minRadius)
			return c.resized(), nil
		case "e":
			c.radius += c.step
			return c.resized(), nil
		case "r":
			c.color.R += channelStep
			return c.recolored(), nil
		case "g":
			c.color.G += channelStep
			return c.recolored(), nil
		case "b":
			c.color.B += channelStep
			return c.recolored(), nil
		case "+", "=":
			c.color.A = uint8(min(int(c.color.A)+channelStep, 255))
			return c.recolored(), nil
		case "-":
			c.color.A = uint8(max(int(c.color.A)-channelStep, 0))
			return c.recolored(), nil
		}
	}
	return nil, nil
}

func (c *circle) resized() *pkgplugin.Message {
	msg := pkgplugin.NewMessage("resized").With("radius", pkgplugin.Number(float64(c.radius)))
	return &msg
}

func (c *circle) recolored() *pkgplugin.Message {
	msg := pkgplugin.NewMessage("recolored").With("color", pkgplugin.String(c.color.Hex()))
	return &msg
}

func (c *circle) Render(ctx context.Context) ([]pkgplugin.Component, error) {
	// Circles are drawn from their center.
	return []pkgplugin.Component{{Shape: pkgplugin.Circle(c.radius, c.color), X: c.radius, Y: c.radius}}, nil
}

func (c *circle) State(ctx context.Context) (pkgplugin.Attributes, error) {
	return pkgplugin.Attributes{
		"radius": pkgplugin.Number(float64(c.radius)),
		"color":  pkgplugin.String(c.color.Hex()),
	}, nil
}

func (c *circle) Restore(ctx context.Context, state pkgplugin.Attributes) error {
	if r, ok := state.Float("radius"); ok {
		if r < minRadius {
			return fmt.Errorf("circle: radius %v out of range", r)
		}
		c.radius = float32(r)
	}
	if v, ok := state["color"]; ok {
		col, err := pkgplugin.ParseColor(v)
		if err != nil {
			return err
		}
		c.color = col
	}
	return nil
}

func (c *circle) Close(ctx context.Context) error { return nil }
