package plugin

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Color is an 8-bit RGBA color.
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
	A uint8 `json:"a"`
}

// Hex renders c as #rrggbbaa.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x%02x", c.R, c.G, c.B, c.A)
}

// Value renders c as a record value.
func (c Color) Value() Value {
	return Record(map[string]Value{
		"r": Number(float64(c.R)),
		"g": Number(float64(c.G)),
		"b": Number(float64(c.B)),
		"a": Number(float64(c.A)),
	})
}

// ParseColor accepts "#rrggbb", "#rrggbbaa" or a record with r, g, b and an
// optional a in 0..255.
func ParseColor(v Value) (Color, error) {
	if s, ok := v.AsString(); ok {
		return parseHexColor(s)
	}
	rec, ok := v.AsRecord()
	if !ok {
		return Color{}, fmt.Errorf("color must be a hex string or an {r,g,b,a} record, got %s", v.Kind())
	}
	c := Color{A: 255}
	for _, ch := range []struct {
		key      string
		dst      *uint8
		optional bool
	}{{"r", &c.R, false}, {"g", &c.G, false}, {"b", &c.B, false}, {"a", &c.A, true}} {
		f, present := rec[ch.key]
		if !present {
			if ch.optional {
				continue
			}
			return Color{}, fmt.Errorf("color: missing channel %q", ch.key)
		}
		n, ok := f.AsNumber()
		if !ok || n < 0 || n > 255 {
			return Color{}, fmt.Errorf("color: channel %q must be a number in 0..255", ch.key)
		}
		*ch.dst = uint8(n)
	}
	return c, nil
}

func parseHexColor(s string) (Color, error) {
	raw := strings.TrimPrefix(s, "#")
	if len(raw) != 6 && len(raw) != 8 {
		return Color{}, fmt.Errorf("color %q: want #rrggbb or #rrggbbaa", s)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return Color{}, fmt.Errorf("color %q: %w", s, err)
	}
	c := Color{R: b[0], G: b[1], B: b[2], A: 255}
	if len(b) == 4 {
		c.A = b[3]
	}
	return c, nil
}

// ShapeType is the variant of a Shape.
type ShapeType string

const (
	ShapeCircle    ShapeType = "circle"
	ShapeRectangle ShapeType = "rectangle"
	ShapeText      ShapeType = "text"
)

// Shape is a drawable primitive. Circle uses Radius, Rectangle uses Width
// and Height, Text uses Text and Height as the font size.
type Shape struct {
	Type   ShapeType `json:"type"`
	Radius float32   `json:"radius,omitempty"`
	Width  float32   `json:"width,omitempty"`
	Height float32   `json:"height,omitempty"`
	Text   string    `json:"text,omitempty"`
	Color  Color     `json:"color"`
}

// Circle builds a circle shape.
func Circle(radius float32, c Color) Shape {
	return Shape{Type: ShapeCircle, Radius: radius, Color: c}
}

// Rectangle builds a rectangle shape.
func Rectangle(w, h float32, c Color) Shape {
	return Shape{Type: ShapeRectangle, Width: w, Height: h, Color: c}
}

// Text builds a text shape.
func Text(s string, size float32, c Color) Shape {
	return Shape{Type: ShapeText, Text: s, Height: size, Color: c}
}

// Component is a shape positioned relative to the widget's top-left corner.
type Component struct {
	Shape Shape   `json:"shape"`
	X     float32 `json:"x"`
	Y     float32 `json:"y"`
}
