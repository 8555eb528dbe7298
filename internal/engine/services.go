package engine

import (
	"context"

	"github.com/goatkit/ludo/internal/plugin"
)

// engineServices is the plugin.Services the engine hands to its plugin
// manager. Its methods run inside guest calls, while the engine mutex is
// held by Tick or Load, so they never take it.
type engineServices struct {
	e *Engine
}

var _ plugin.Services = (*engineServices)(nil)

// ctx is the context of the tick or load in progress.
func (s *engineServices) ctx() context.Context {
	if s.e.callCtx != nil {
		return s.e.callCtx
	}
	return context.Background()
}

func (s *engineServices) Authorize(name, kind string, buffered int) error {
	return s.e.router.Authorize(name, kind, buffered)
}

func (s *engineServices) Publish(name string, msgs []plugin.Message) {
	s.e.router.Commit(name, msgs)
}

func (s *engineServices) CreateWidget(owner string, spec plugin.WidgetSpec) (plugin.WidgetID, error) {
	return s.e.widgets.Create(s.ctx(), owner, spec)
}

func (s *engineServices) UpdateWidget(caller string, id plugin.WidgetID, key string, value plugin.Value) error {
	return s.e.widgets.UpdateAttribute(s.ctx(), caller, id, key, value)
}

func (s *engineServices) MoveWidget(caller string, id plugin.WidgetID, x, y float32) error {
	return s.e.widgets.Move(caller, id, x, y)
}

func (s *engineServices) RemoveWidget(caller string, id plugin.WidgetID) error {
	return s.e.widgets.Remove(s.ctx(), caller, id)
}

func (s *engineServices) WidgetAttribute(caller string, id plugin.WidgetID, key string) (plugin.Value, error) {
	return s.e.widgets.Attribute(caller, id, key)
}

func (s *engineServices) InputState() plugin.InputState {
	return s.e.input.state()
}
