package engine

import (
	"log/slog"
	"time"

	"github.com/goatkit/ludo/internal/plugin"
	"github.com/goatkit/ludo/internal/widget"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// Clock is the engine's source of wall time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type options struct {
	Logger    *slog.Logger
	Clock     Clock
	Quota     int
	Policy    pkgplugin.ResourcePolicy
	Denials   map[string][]string
	Logs      *plugin.LogBuffer
	Renderer  Renderer
	Factories []widget.Factory
}

// Option applies configuration to the engine.
type Option func(*options)

func defaultOptions() options {
	return options{
		Logger: slog.Default(),
		Clock:  systemClock{},
		Quota:  64,
		Policy: pkgplugin.DefaultResourcePolicy(),
		Logs:   plugin.DefaultLogBuffer(),
	}
}

// WithLogger injects the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithQuota sets the per-plugin per-tick emission cap. Zero disables it.
func WithQuota(n int) Option {
	return func(o *options) {
		o.Quota = n
	}
}

// WithPolicy sets the default resource policy for loaded plugins.
func WithPolicy(p pkgplugin.ResourcePolicy) Option {
	return func(o *options) {
		o.Policy = p
	}
}

// WithDenials forbids plugins from emitting kinds they declared, keyed by
// plugin name.
func WithDenials(d map[string][]string) Option {
	return func(o *options) {
		o.Denials = d
	}
}

// WithLogs sets the buffer plugin logs and traps are recorded in. A nil
// buffer keeps the default.
func WithLogs(b *plugin.LogBuffer) Option {
	return func(o *options) {
		if b != nil {
			o.Logs = b
		}
	}
}

// WithRenderer sets where Render sends frames.
func WithRenderer(r Renderer) Option {
	return func(o *options) {
		o.Renderer = r
	}
}

// WithWidgetFactory registers an extra widget type.
func WithWidgetFactory(f widget.Factory) Option {
	return func(o *options) {
		o.Factories = append(o.Factories, f)
	}
}
