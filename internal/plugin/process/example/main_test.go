package main

import (
	"context"
	"testing"

	"github.com/goatkit/ludo/pkg/plugin"
)

type memHost struct {
	store   map[string]plugin.Value
	emitted []plugin.Message
}

func (h *memHost) Emit(_ context.Context, msg plugin.Message) error {
	h.emitted = append(h.emitted, msg)
	return nil
}
func (h *memHost) StoreGet(_ context.Context, key string) (plugin.Value, bool, error) {
	v, ok := h.store[key]
	return v, ok, nil
}
func (h *memHost) StoreSet(_ context.Context, key string, v plugin.Value) error {
	h.store[key] = v
	return nil
}
func (h *memHost) StoreDelete(_ context.Context, key string) error {
	delete(h.store, key)
	return nil
}
func (h *memHost) Input(context.Context) (plugin.InputState, error) { return plugin.InputState{}, nil }
func (h *memHost) CreateWidget(context.Context, plugin.WidgetSpec) (plugin.WidgetID, error) {
	return plugin.WidgetID{}, nil
}
func (h *memHost) UpdateWidget(context.Context, plugin.WidgetID, string, plugin.Value) error {
	return nil
}
func (h *memHost) MoveWidget(context.Context, plugin.WidgetID, float32, float32) error { return nil }
func (h *memHost) RemoveWidget(context.Context, plugin.WidgetID) error                 { return nil }
func (h *memHost) WidgetAttribute(context.Context, plugin.WidgetID, string) (plugin.Value, error) {
	return plugin.Null(), nil
}
func (h *memHost) Log(context.Context, string, string, map[string]any) {}

func TestMetronomeRegistration(t *testing.T) {
	reg, err := Metronome{}.Init(context.Background(), &memHost{})
	if err != nil {
		t.Fatal(err)
	}
	if reg.Name != "metronome" {
		t.Errorf("name = %q", reg.Name)
	}
	if len(reg.Subscribe) != 1 || reg.Subscribe[0].Validate() != nil {
		t.Errorf("subscribe = %v", reg.Subscribe)
	}
	if len(reg.Publish) != 1 || reg.Publish[0] != "beat" {
		t.Errorf("publish = %v", reg.Publish)
	}
}

func TestMetronomeCountsBeats(t *testing.T) {
	ctx := context.Background()
	host := &memHost{store: map[string]plugin.Value{"beats": plugin.Number(0)}}
	for tick := uint64(1); tick <= 3; tick++ {
		if err := (Metronome{}).Run(ctx, host, plugin.NewTimerEvent(tick, plugin.TimerSpec{Mode: plugin.TimerAlways})); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := host.store["beats"].AsNumber(); n != 3 {
		t.Errorf("beats = %v, want 3", n)
	}
	if len(host.emitted) != 3 {
		t.Fatalf("emitted %d messages, want 3", len(host.emitted))
	}
	if n, _ := host.emitted[2].Attributes.Float("n"); n != 3 {
		t.Errorf("last beat n = %v", n)
	}
}

func TestMetronomeIgnoresOtherEvents(t *testing.T) {
	host := &memHost{store: map[string]plugin.Value{}}
	ev := plugin.Event{Type: plugin.EventPlugin, Tick: 1, Source: "other", Message: &plugin.Message{Kind: "x"}}
	if err := (Metronome{}).Run(context.Background(), host, ev); err != nil {
		t.Fatal(err)
	}
	if len(host.emitted) != 0 {
		t.Error("non-timer events must not emit")
	}
}
