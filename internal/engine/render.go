package engine

import (
	"context"
	"errors"

	"github.com/goatkit/ludo/internal/widget"
)

// Renderer draws frames. It is the boundary to whatever actually paints
// pixels; the engine never draws itself.
type Renderer interface {
	Draw(ctx context.Context, frame Frame) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, frame Frame) error

// Draw implements Renderer.
func (f RendererFunc) Draw(ctx context.Context, frame Frame) error { return f(ctx, frame) }

// Tee draws every frame with each renderer in turn. All renderers see the
// frame even if an earlier one fails.
func Tee(rs ...Renderer) Renderer {
	return RendererFunc(func(ctx context.Context, f Frame) error {
		var errs []error
		for _, r := range rs {
			if err := r.Draw(ctx, f); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Frame is the visible scene after a tick, in widget creation order.
type Frame struct {
	Tick    uint64            `json:"tick"`
	Widgets []widget.Drawable `json:"widgets"`
}

// Render builds the current frame and hands it to the configured renderer,
// if any. Widgets that fault while rendering are left out and their owners
// get an error message at the next tick.
func (e *Engine) Render(ctx context.Context) (Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	frame := Frame{Tick: e.tick, Widgets: e.widgets.Render(ctx)}
	if e.opts.Renderer == nil {
		return frame, nil
	}
	return frame, e.opts.Renderer.Draw(ctx, frame)
}
