package widget

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/ludo/internal/plugin"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// spy records what it is sent. It subscribes to pointer movement.
type spy struct {
	w, h     float32
	events   []pkgplugin.WidgetEvent
	failWith error
	closed   bool
}

func (p *spy) Dimensions() (float32, float32) { return p.w, p.h }
func (p *spy) Inputs() []pkgplugin.EventKind {
	return []pkgplugin.EventKind{pkgplugin.InputKind(pkgplugin.InputSpec{Class: pkgplugin.InputPointer})}
}
func (p *spy) SetAttribute(context.Context, string, pkgplugin.Value) error { return nil }
func (p *spy) Interact(_ context.Context, ev pkgplugin.WidgetEvent) (*pkgplugin.Message, error) {
	p.events = append(p.events, ev)
	if p.failWith != nil {
		return nil, p.failWith
	}
	return nil, nil
}
func (p *spy) Render(context.Context) ([]pkgplugin.Component, error) {
	if p.failWith != nil {
		return nil, p.failWith
	}
	return []pkgplugin.Component{{Shape: pkgplugin.Rectangle(p.w, p.h, pkgplugin.Color{})}}, nil
}
func (p *spy) State(context.Context) (pkgplugin.Attributes, error) { return nil, nil }
func (p *spy) Restore(context.Context, pkgplugin.Attributes) error { return nil }
func (p *spy) Close(context.Context) error {
	p.closed = true
	return nil
}

type spyFactory struct {
	made []*spy
}

func (f *spyFactory) Type() string                              { return "spy" }
func (f *spyFactory) Validate(attrs pkgplugin.Attributes) error { return nil }
func (f *spyFactory) New(_ context.Context, attrs pkgplugin.Attributes) (Widget, error) {
	p := &spy{w: float32(floatAttr(attrs, "w", 10)), h: float32(floatAttr(attrs, "h", 10))}
	f.made = append(f.made, p)
	return p, nil
}

func buttonSpec(name string, x, y float32) pkgplugin.WidgetSpec {
	return pkgplugin.WidgetSpec{
		Name: name, Type: ButtonType, X: x, Y: y,
		Attributes: pkgplugin.Attributes{
			"width":        pkgplugin.Number(100),
			"height":       pkgplugin.Number(30),
			"text":         pkgplugin.String("OK"),
			"idle_color":   pkgplugin.String("#202020"),
			"focus_color":  pkgplugin.String("#404040"),
			"active_color": pkgplugin.Record(map[string]pkgplugin.Value{"r": pkgplugin.Number(9), "g": pkgplugin.Number(9), "b": pkgplugin.Number(9)}),
		},
	}
}

func TestCreateValidatesContract(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	spec := buttonSpec("btn", 0, 0)
	delete(spec.Attributes, "text")

	_, err := r.Create(ctx, "a", spec)
	var ce *plugin.ConstructionError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Error(), "text")
	_, exists := r.Get(plugin.WidgetID{Owner: "a", Name: "btn"})
	assert.False(t, exists)
	assert.Equal(t, 0, r.Len())

	tests := []struct {
		name string
		spec pkgplugin.WidgetSpec
	}{
		{"bad color", func() pkgplugin.WidgetSpec {
			s := buttonSpec("b1", 0, 0)
			s.Attributes["idle_color"] = pkgplugin.String("blue")
			return s
		}()},
		{"zero width", func() pkgplugin.WidgetSpec {
			s := buttonSpec("b2", 0, 0)
			s.Attributes["width"] = pkgplugin.Number(0)
			return s
		}()},
		{"circle without radius", pkgplugin.WidgetSpec{Name: "c", Type: CircleType, Attributes: pkgplugin.Attributes{"fill_color": pkgplugin.String("#ffffff")}}},
		{"label text not a string", pkgplugin.WidgetSpec{Name: "l", Type: LabelType, Attributes: pkgplugin.Attributes{"text": pkgplugin.Number(1)}}},
		{"unknown type", pkgplugin.WidgetSpec{Name: "x", Type: "slider"}},
		{"missing name", pkgplugin.WidgetSpec{Type: LabelType, Attributes: pkgplugin.Attributes{"text": pkgplugin.String("hi")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Create(ctx, "a", tt.spec)
			assert.ErrorAs(t, err, &ce)
		})
	}
	assert.Equal(t, 0, r.Len())
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	_, err := r.Create(ctx, "a", buttonSpec("btn", 0, 0))
	require.NoError(t, err)
	_, err = r.Create(ctx, "a", buttonSpec("btn", 50, 50))
	var ce *plugin.ConstructionError
	assert.ErrorAs(t, err, &ce)

	// Names are scoped per owner.
	_, err = r.Create(ctx, "b", buttonSpec("btn", 0, 0))
	assert.NoError(t, err)
}

func TestNonOwnerCannotMutate(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	id, err := r.Create(ctx, "owner", buttonSpec("btn", 5, 5))
	require.NoError(t, err)
	before, _ := r.Get(id)

	var notOwner *plugin.NotOwnerError
	assert.ErrorAs(t, r.UpdateAttribute(ctx, "intruder", id, "text", pkgplugin.String("pwned")), &notOwner)
	assert.ErrorAs(t, r.Move("intruder", id, 99, 99), &notOwner)
	assert.ErrorAs(t, r.Remove(ctx, "intruder", id), &notOwner)
	_, err = r.Attribute("intruder", id, "text")
	assert.ErrorAs(t, err, &notOwner)
	// Unknown widgets under someone else's name do not leak existence.
	assert.ErrorAs(t, r.Remove(ctx, "intruder", plugin.WidgetID{Owner: "owner", Name: "ghost"}), &notOwner)

	after, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestOwnerUpdates(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	id, err := r.Create(ctx, "owner", buttonSpec("btn", 0, 0))
	require.NoError(t, err)

	require.NoError(t, r.UpdateAttribute(ctx, "owner", id, "text", pkgplugin.String("Go")))
	v, err := r.Attribute("owner", id, "text")
	require.NoError(t, err)
	assert.True(t, v.Equal(pkgplugin.String("Go")))

	var noAttr *plugin.NoSuchAttributeError
	assert.ErrorAs(t, r.UpdateAttribute(ctx, "owner", id, "tooltip", pkgplugin.String("x")), &noAttr)
	_, err = r.Attribute("owner", id, "tooltip")
	assert.ErrorAs(t, err, &noAttr)

	// The contract still applies after construction.
	assert.Error(t, r.UpdateAttribute(ctx, "owner", id, "width", pkgplugin.Number(-1)))
	w, _ := r.Attribute("owner", id, "width")
	assert.True(t, w.Equal(pkgplugin.Number(100)))

	require.NoError(t, r.UpdateAttribute(ctx, "owner", id, HiddenKey, pkgplugin.Bool(true)))
	info, _ := r.Get(id)
	assert.True(t, info.Hidden)

	require.NoError(t, r.Move("owner", id, 40, 60))
	info, _ = r.Get(id)
	assert.Equal(t, float32(40), info.X)
	assert.Equal(t, float32(60), info.Y)

	var noWidget *plugin.NoSuchWidgetError
	assert.ErrorAs(t, r.Move("owner", plugin.WidgetID{Owner: "owner", Name: "ghost"}, 0, 0), &noWidget)

	require.NoError(t, r.Remove(ctx, "owner", id))
	assert.Equal(t, 0, r.Len())
}

func TestOverlappingWidgetsEachGetLocalPointer(t *testing.T) {
	ctx := context.Background()
	f := &spyFactory{}
	r := NewRegistry(WithFactory(f))

	_, err := r.Create(ctx, "a", pkgplugin.WidgetSpec{Name: "back", Type: "spy", X: 0, Y: 0, Attributes: pkgplugin.Attributes{"w": pkgplugin.Number(100), "h": pkgplugin.Number(100)}})
	require.NoError(t, err)
	_, err = r.Create(ctx, "b", pkgplugin.WidgetSpec{Name: "front", Type: "spy", X: 20, Y: 30, Attributes: pkgplugin.Attributes{"w": pkgplugin.Number(50), "h": pkgplugin.Number(50)}})
	require.NoError(t, err)
	_, err = r.Create(ctx, "a", pkgplugin.WidgetSpec{Name: "far", Type: "spy", X: 500, Y: 500})
	require.NoError(t, err)

	r.DispatchInput(ctx, pkgplugin.Input{Class: pkgplugin.InputPointer, X: 25, Y: 40})

	back, front, far := f.made[0], f.made[1], f.made[2]
	require.Len(t, back.events, 2)
	require.Len(t, front.events, 2)
	assert.Empty(t, far.events)

	assert.Equal(t, pkgplugin.WidgetFocus, back.events[0].Type)
	assert.Equal(t, pkgplugin.WidgetInput, back.events[1].Type)
	assert.Equal(t, float32(25), back.events[1].Input.X)
	assert.Equal(t, float32(40), back.events[1].Input.Y)

	assert.Equal(t, pkgplugin.WidgetFocus, front.events[0].Type)
	assert.Equal(t, float32(5), front.events[1].Input.X)
	assert.Equal(t, float32(10), front.events[1].Input.Y)

	// Leaving both produces a blur for each and no input.
	r.DispatchInput(ctx, pkgplugin.Input{Class: pkgplugin.InputPointer, X: 300, Y: 300})
	require.Len(t, back.events, 3)
	assert.Equal(t, pkgplugin.WidgetBlur, back.events[2].Type)
	require.Len(t, front.events, 3)
	assert.Equal(t, pkgplugin.WidgetBlur, front.events[2].Type)
}

func TestButtonTriggersOnMouseUp(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	id, err := r.Create(ctx, "a", buttonSpec("btn", 10, 10))
	require.NoError(t, err)

	out := r.DispatchInput(ctx, pkgplugin.Input{Class: pkgplugin.InputMouseDown, Button: pkgplugin.MouseLeft, X: 20, Y: 20})
	assert.Empty(t, out)

	out = r.DispatchInput(ctx, pkgplugin.Input{Class: pkgplugin.InputMouseUp, Button: pkgplugin.MouseLeft, X: 20, Y: 20})
	require.Len(t, out, 1)
	assert.Equal(t, id, out[0].ID)
	require.NotNil(t, out[0].Message)
	assert.Equal(t, "triggered", out[0].Message.Kind)

	// Outside the bounds nothing happens, other than the blur.
	out = r.DispatchInput(ctx, pkgplugin.Input{Class: pkgplugin.InputMouseUp, Button: pkgplugin.MouseLeft, X: 500, Y: 500})
	assert.Empty(t, out)

	// Right clicks are not subscribed.
	out = r.DispatchInput(ctx, pkgplugin.Input{Class: pkgplugin.InputMouseUp, Button: pkgplugin.MouseRight, X: 20, Y: 20})
	assert.Empty(t, out)
}

func TestButtonStateFollowsPointer(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	id, err := r.Create(ctx, "a", buttonSpec("btn", 0, 0))
	require.NoError(t, err)

	state := func() string {
		saved, err := r.Snapshot(ctx)
		require.NoError(t, err)
		for _, s := range saved {
			if s.ID() == id {
				st, _ := s.State.Text("state")
				return st
			}
		}
		return ""
	}

	assert.Equal(t, ButtonIdle, state())
	r.DispatchInput(ctx, pkgplugin.Input{Class: pkgplugin.InputPointer, X: 5, Y: 5})
	assert.Equal(t, ButtonFocus, state())
	r.DispatchInput(ctx, pkgplugin.Input{Class: pkgplugin.InputMouseDown, Button: pkgplugin.MouseLeft, X: 5, Y: 5})
	assert.Equal(t, ButtonActive, state())
	r.DispatchInput(ctx, pkgplugin.Input{Class: pkgplugin.InputPointer, X: 500, Y: 5})
	assert.Equal(t, ButtonIdle, state())
}

func TestHiddenWidgetsAreSkipped(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	spec := buttonSpec("btn", 0, 0)
	spec.Hidden = true
	_, err := r.Create(ctx, "a", spec)
	require.NoError(t, err)

	out := r.DispatchInput(ctx, pkgplugin.Input{Class: pkgplugin.InputMouseUp, Button: pkgplugin.MouseLeft, X: 5, Y: 5})
	assert.Empty(t, out)
	assert.Empty(t, r.Render(ctx))
}

func TestCircleKeys(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	_, err := r.Create(ctx, "a", pkgplugin.WidgetSpec{Name: "ball", Type: CircleType, Attributes: pkgplugin.Attributes{
		"radius":     pkgplugin.Number(10),
		"fill_color": pkgplugin.String("#000000ff"),
	}})
	require.NoError(t, err)

	key := func(keys ...string) *pkgplugin.Message {
		out := r.DispatchInput(ctx, pkgplugin.Input{Class: pkgplugin.InputKeyDown, Keys: keys})
		if len(out) == 0 {
			return nil
		}
		require.Len(t, out, 1)
		return out[0].Message
	}

	msg := key("w", "d")
	require.NotNil(t, msg)
	assert.Equal(t, "move", msg.Kind)
	dx, _ := msg.Attributes.Float("dx")
	dy, _ := msg.Attributes.Float("dy")
	assert.Equal(t, 5.0, dx)
	assert.Equal(t, -5.0, dy)

	msg = key("e")
	require.NotNil(t, msg)
	assert.Equal(t, "resized", msg.Kind)
	radius, _ := msg.Attributes.Float("radius")
	assert.Equal(t, 15.0, radius)

	msg = key("r")
	require.NotNil(t, msg)
	assert.Equal(t, "recolored", msg.Kind)
	color, _ := msg.Attributes.Text("color")
	assert.Equal(t, "#100000ff", color)

	msg = key("-")
	require.NotNil(t, msg)
	color, _ = msg.Attributes.Text("color")
	assert.Equal(t, "#100000ef", color)

	assert.Nil(t, key("x"))
	// The circle is not a pointer widget.
	assert.Empty(t, r.DispatchInput(ctx, pkgplugin.Input{Class: pkgplugin.InputMouseUp, X: 1, Y: 1}))
}

func TestWidgetFaultsSurfaceAsDispatch(t *testing.T) {
	ctx := context.Background()
	f := &spyFactory{}
	r := NewRegistry(WithFactory(f))
	id, err := r.Create(ctx, "owner", pkgplugin.WidgetSpec{Name: "bad", Type: "spy"})
	require.NoError(t, err)
	f.made[0].failWith = errors.New("out of bounds memory access")

	out := r.DispatchInput(ctx, pkgplugin.Input{Class: pkgplugin.InputPointer, X: 1, Y: 1})
	require.NotEmpty(t, out)
	assert.Equal(t, id, out[0].ID)
	var trap *plugin.TrapError
	require.ErrorAs(t, out[0].Err, &trap)
	assert.Equal(t, "owner", trap.Plugin)

	assert.Empty(t, r.Render(ctx))
	faults := r.DrainFaults()
	require.Len(t, faults, 1)
	assert.Equal(t, id, faults[0].ID)
	assert.Empty(t, r.DrainFaults())
}

func TestRemoveOwnedBy(t *testing.T) {
	ctx := context.Background()
	f := &spyFactory{}
	r := NewRegistry(WithFactory(f))
	for _, owner := range []string{"a", "b", "a"} {
		_, err := r.Create(ctx, owner, pkgplugin.WidgetSpec{Name: "w" + string(rune('0'+r.Len())), Type: "spy"})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, r.RemoveOwnedBy(ctx, "a"))
	assert.Equal(t, []plugin.WidgetID{{Owner: "b", Name: "w1"}}, r.IDs())
	assert.True(t, f.made[0].closed)
	assert.False(t, f.made[1].closed)
}

func TestRemoveType(t *testing.T) {
	ctx := context.Background()
	f := &spyFactory{}
	r := NewRegistry(WithFactory(f))
	id, err := r.Create(ctx, "a", pkgplugin.WidgetSpec{Name: "s", Type: "spy"})
	require.NoError(t, err)
	_, err = r.Create(ctx, "a", buttonSpec("ok", 0, 0))
	require.NoError(t, err)

	assert.Equal(t, 1, r.RemoveType(ctx, "spy"))
	assert.NotContains(t, r.Types(), "spy")
	assert.True(t, f.made[0].closed)
	assert.Equal(t, 1, r.Len())

	faults := r.DrainFaults()
	require.Len(t, faults, 1)
	assert.Equal(t, id, faults[0].ID)

	_, err = r.Create(ctx, "a", pkgplugin.WidgetSpec{Name: "again", Type: "spy"})
	var ce *plugin.ConstructionError
	assert.ErrorAs(t, err, &ce)
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	id, err := r.Create(ctx, "a", buttonSpec("btn", 1, 2))
	require.NoError(t, err)
	r.DispatchInput(ctx, pkgplugin.Input{Class: pkgplugin.InputMouseDown, Button: pkgplugin.MouseLeft, X: 5, Y: 5})
	require.NoError(t, r.Move("a", id, 30, 40))

	saved, err := r.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)

	// A fresh registry where the owner recreated its button at the default
	// position, plus nothing for "gone".
	fresh := NewRegistry()
	_, err = fresh.Create(ctx, "a", buttonSpec("btn", 1, 2))
	require.NoError(t, err)
	require.NoError(t, fresh.Restore(ctx, saved, map[string]bool{"a": true}))

	info, _ := fresh.Get(id)
	assert.Equal(t, float32(30), info.X)
	assert.Equal(t, float32(40), info.Y)
	again, err := fresh.Snapshot(ctx)
	require.NoError(t, err)
	st, _ := again[0].State.Text("state")
	assert.Equal(t, ButtonActive, st)

	// Widgets created at runtime are recreated for known owners only.
	empty := NewRegistry()
	require.NoError(t, empty.Restore(ctx, saved, map[string]bool{"other": true}))
	assert.Equal(t, 0, empty.Len())
	require.NoError(t, empty.Restore(ctx, saved, map[string]bool{"a": true}))
	assert.Equal(t, 1, empty.Len())
}
