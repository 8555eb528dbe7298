package plugin

import (
	"fmt"
	"sync"
)

// DetachedServices is a Services implementation with no engine behind it.
// It accepts every emission and keeps them for inspection, and rejects all
// widget operations. It is used to dry-run a plugin's Init outside a game.
type DetachedServices struct {
	mu        sync.Mutex
	published map[string][]Message
}

// NewDetachedServices creates a detached host.
func NewDetachedServices() *DetachedServices {
	return &DetachedServices{published: make(map[string][]Message)}
}

// Authorize accepts any non-empty kind.
func (d *DetachedServices) Authorize(plugin, kind string, buffered int) error {
	if kind == "" {
		return &UnauthorizedKindError{Plugin: plugin, Kind: kind}
	}
	return nil
}

// Publish records committed emissions.
func (d *DetachedServices) Publish(plugin string, msgs []Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.published[plugin] = append(d.published[plugin], msgs...)
}

// Published returns what plugin emitted.
func (d *DetachedServices) Published(plugin string) []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Message(nil), d.published[plugin]...)
}

func (d *DetachedServices) CreateWidget(owner string, spec WidgetSpec) (WidgetID, error) {
	return WidgetID{}, fmt.Errorf("widget %q: no widget registry attached", spec.Name)
}

func (d *DetachedServices) UpdateWidget(caller string, id WidgetID, key string, value Value) error {
	return &NoSuchWidgetError{Widget: id}
}

func (d *DetachedServices) MoveWidget(caller string, id WidgetID, x, y float32) error {
	return &NoSuchWidgetError{Widget: id}
}

func (d *DetachedServices) RemoveWidget(caller string, id WidgetID) error {
	return &NoSuchWidgetError{Widget: id}
}

func (d *DetachedServices) WidgetAttribute(caller string, id WidgetID, key string) (Value, error) {
	return Value{}, &NoSuchWidgetError{Widget: id}
}

func (d *DetachedServices) InputState() InputState { return InputState{} }
