// Package engine runs the game loop. Each tick collects raw input, lets the
// widget registry turn it into messages for widget owners, runs every
// plugin with pending events in dependency order and finally flushes the
// router so emissions reach subscribers on the next tick.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/goatkit/ludo/internal/event"
	"github.com/goatkit/ludo/internal/plugin"
	"github.com/goatkit/ludo/internal/widget"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// Phase is where a tick currently is.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseCollectingInput
	PhaseDispatchingWidgets
	PhaseRunningPlugins
	PhaseFlushing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCollectingInput:
		return "collecting_input"
	case PhaseDispatchingWidgets:
		return "dispatching_widgets"
	case PhaseRunningPlugins:
		return "running_plugins"
	case PhaseFlushing:
		return "flushing"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// Engine owns the plugin manager, the router and the widget registry.
// Tick, Load, Unload, Save and Restore are serialised by one mutex.
type Engine struct {
	mu      sync.Mutex
	opts    options
	logger  *slog.Logger
	metrics *engineMetrics

	manager *plugin.Manager
	router  *event.Router
	widgets *widget.Registry
	timers  *timerTable
	input   inputTracker
	order   []string
	types   map[string]widget.Factory

	inMu  sync.Mutex
	inbox []pkgplugin.Input

	phase   atomic.Int32
	tick    uint64
	callCtx context.Context

	sessionID    uuid.UUID
	sessionStart time.Time
	profileBase  time.Duration
}

// TickReport summarises one tick.
type TickReport struct {
	Tick      uint64
	Inputs    int
	Runs      int
	Delivered int
	Traps     []TrapReport
	Duration  time.Duration
}

// TrapReport names a plugin that trapped and the events it lost for the
// rest of the tick.
type TrapReport struct {
	Plugin  string
	Err     error
	Dropped int
}

// New creates an engine with no plugins loaded.
func New(opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	e := &Engine{
		opts:      o,
		logger:    o.Logger,
		metrics:   globalEngineMetrics(),
		timers:    newTimerTable(),
		input:     newInputTracker(),
		types:     make(map[string]widget.Factory),
		sessionID: uuid.New(),
	}
	e.sessionStart = o.Clock.Now()

	e.router = event.NewRouter(
		event.WithQuota(o.Quota),
		event.WithLogger(o.Logger),
		event.WithRejectHook(func(name, kind string, err error) {
			e.metrics.recordReject(name, rejectReason(err))
		}),
	)
	for name, tags := range o.Denials {
		for _, tag := range tags {
			e.router.Deny(name, tag)
		}
	}

	wopts := []widget.Option{widget.WithLogger(o.Logger)}
	for _, f := range o.Factories {
		wopts = append(wopts, widget.WithFactory(f))
	}
	e.widgets = widget.NewRegistry(wopts...)

	e.manager = plugin.NewManager(&engineServices{e: e},
		plugin.WithLogger(o.Logger),
		plugin.WithLogs(o.Logs),
		plugin.WithDefaultPolicy(o.Policy),
	)
	return e
}

func rejectReason(err error) string {
	var quota *plugin.QuotaExceededError
	var unauthorized *plugin.UnauthorizedKindError
	switch {
	case errors.As(err, &quota):
		return "quota"
	case errors.As(err, &unauthorized) && unauthorized.Denied:
		return "denied"
	default:
		return "undeclared"
	}
}

// Manager returns the plugin manager.
func (e *Engine) Manager() *plugin.Manager { return e.manager }

// Logs returns the buffer plugin logs and trap reports are kept in.
func (e *Engine) Logs() *plugin.LogBuffer { return e.opts.Logs }

// Router returns the event router.
func (e *Engine) Router() *event.Router { return e.router }

// Widgets returns the widget registry.
func (e *Engine) Widgets() *widget.Registry { return e.widgets }

// Phase returns the current tick phase. It may be read while a tick runs.
func (e *Engine) Phase() Phase { return Phase(e.phase.Load()) }

func (e *Engine) setPhase(p Phase) { e.phase.Store(int32(p)) }

// TickCount returns the number of the last completed tick.
func (e *Engine) TickCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

// SessionID identifies the current session. Restore starts a new one.
func (e *Engine) SessionID() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Order returns the plugin run order.
func (e *Engine) Order() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func (e *Engine) bind(ctx context.Context) func() {
	e.callCtx = ctx
	return func() { e.callCtx = nil }
}

// Load initialises p under name and wires its registration: subscriptions
// and publish set are declared and sealed, initial widgets created and
// timers armed. Any failure unloads the plugin again.
func (e *Engine) Load(ctx context.Context, name string, p plugin.Plugin, opts ...plugin.RegisterOption) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.bind(ctx)()

	reg, err := e.manager.Register(ctx, name, p, opts...)
	if err != nil {
		// Widgets created from inside a failed Init have no owner anymore.
		e.widgets.RemoveOwnedBy(ctx, name)
		return err
	}

	if err := e.wire(ctx, name, reg); err != nil {
		e.router.Remove(name)
		e.widgets.RemoveOwnedBy(ctx, name)
		e.timers.remove(name)
		if uerr := e.manager.Unregister(ctx, name); uerr != nil {
			e.logger.Warn("unregister after failed load", "plugin", name, "error", uerr)
		}
		e.reorder()
		return err
	}
	e.reorder()
	e.logger.Info("plugin loaded", "plugin", name, "order", e.order)
	return nil
}

func (e *Engine) wire(ctx context.Context, name string, reg plugin.Registration) error {
	e.router.Add(name)
	for _, k := range reg.Subscribe {
		if err := e.router.Subscribe(name, k); err != nil {
			return err
		}
	}
	for _, tag := range reg.Publish {
		if err := e.router.DeclarePublish(name, tag); err != nil {
			return err
		}
	}
	if err := e.router.DependOn(name, reg.Dependencies...); err != nil {
		return err
	}
	e.router.Seal(name)

	for _, spec := range reg.Widgets {
		if _, err := e.widgets.Create(ctx, name, spec); err != nil {
			return err
		}
	}
	e.timers.add(name, reg.Subscribe)
	return nil
}

func (e *Engine) reorder() {
	order, cyclic := e.router.Order(e.router.Declared())
	if cyclic {
		e.logger.Warn("plugin graph has a cycle, using declaration order to break it", "order", order)
	}
	e.order = order
}

// Unload shuts a plugin down and removes its tables, queue, timers and
// widgets.
func (e *Engine) Unload(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.bind(ctx)()

	e.router.Remove(name)
	removed := e.widgets.RemoveOwnedBy(ctx, name)
	e.timers.remove(name)
	e.reorder()
	if err := e.manager.Unregister(ctx, name); err != nil {
		return err
	}
	e.logger.Info("plugin unloaded", "plugin", name, "widgets_removed", removed)
	return nil
}

// PushInput queues raw input for the next tick. It does not wait for a
// running tick.
func (e *Engine) PushInput(in ...pkgplugin.Input) {
	e.inMu.Lock()
	defer e.inMu.Unlock()
	e.inbox = append(e.inbox, in...)
}

func (e *Engine) drainInput() []pkgplugin.Input {
	e.inMu.Lock()
	defer e.inMu.Unlock()
	out := e.inbox
	e.inbox = nil
	return out
}

// Tick advances the game by one step. Plugin traps do not fail the tick;
// they are listed in the report. The error is only set when ctx is done
// before the tick starts.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	if err := ctx.Err(); err != nil {
		return TickReport{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.bind(ctx)()
	defer e.setPhase(PhaseIdle)

	start := e.opts.Clock.Now()
	e.tick++
	tick := e.tick
	e.router.BeginTick(tick)
	e.opts.Logs.SetTick(tick)
	report := TickReport{Tick: tick}

	e.setPhase(PhaseCollectingInput)
	inputs := e.drainInput()
	for _, in := range inputs {
		e.input.apply(in)
	}
	report.Inputs = len(inputs)

	e.setPhase(PhaseDispatchingWidgets)
	e.deliverWidgetEvents(tick, e.widgets.DrainFaults())
	for _, in := range inputs {
		e.deliverWidgetEvents(tick, e.widgets.DispatchInput(ctx, in))
	}

	e.setPhase(PhaseRunningPlugins)
	now := e.opts.Clock.Now()
	session := now.Sub(e.sessionStart)
	for _, t := range e.timers.due(now, session, e.profileBase+session) {
		if err := e.router.Deliver(t.plugin, pkgplugin.NewTimerEvent(tick, t.spec)); err != nil {
			e.logger.Warn("timer delivery failed", "plugin", t.plugin, "timer", t.key, "error", err)
		}
	}
	for _, name := range e.order {
		e.runPlugin(ctx, tick, name, &report)
	}

	e.setPhase(PhaseFlushing)
	report.Delivered = e.router.FlushTick()

	report.Duration = e.opts.Clock.Now().Sub(start)
	e.metrics.observeTick(report.Duration, report.Delivered, e.widgets.Len())
	return report, nil
}

// runPlugin hands a plugin its pending events in arrival order. A trap
// disables the plugin for the rest of the tick and its remaining events are
// dropped.
func (e *Engine) runPlugin(ctx context.Context, tick uint64, name string, report *TickReport) {
	events := e.router.Pending(name)
	if len(events) == 0 {
		return
	}
	if !e.manager.Enabled(name) {
		e.logger.Debug("dropping events of disabled plugin", "plugin", name, "events", len(events))
		return
	}
	for i, ev := range events {
		err := e.manager.Run(ctx, tick, name, ev)
		report.Runs++
		if err == nil {
			e.metrics.recordRun(name, "ok")
			continue
		}
		dropped := len(events) - i - 1
		if plugin.IsTrap(err) {
			e.metrics.recordRun(name, "trap")
		} else {
			e.metrics.recordRun(name, "error")
		}
		report.Traps = append(report.Traps, TrapReport{Plugin: name, Err: err, Dropped: dropped})
		e.logger.Warn("plugin disabled for the rest of the tick",
			"plugin", name, "tick", tick, "dropped_events", dropped, "error", err)
		return
	}
}

// AddWidgetType registers a widget type at runtime. The engine releases it
// on RemoveWidgetType or Close.
func (e *Engine) AddWidgetType(f widget.Factory) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.widgets.RegisterFactory(f); err != nil {
		return err
	}
	e.types[f.Type()] = f
	e.logger.Info("widget type registered", "type", f.Type())
	return nil
}

// RemoveWidgetType drops a type added with AddWidgetType together with its
// live widgets. Their owners get an error message on the next tick.
func (e *Engine) RemoveWidgetType(ctx context.Context, tag string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.types[tag]
	if !ok {
		return fmt.Errorf("widget type %q was not added at runtime", tag)
	}
	delete(e.types, tag)
	removed := e.widgets.RemoveType(ctx, tag)
	e.logger.Info("widget type removed", "type", tag, "widgets_removed", removed)
	return closeFactory(ctx, f)
}

func closeFactory(ctx context.Context, f widget.Factory) error {
	if c, ok := f.(interface{ Close(context.Context) error }); ok {
		return c.Close(ctx)
	}
	return nil
}

// deliverWidgetEvents addresses widget messages and faults to the owners.
func (e *Engine) deliverWidgetEvents(tick uint64, ds []widget.Dispatch) {
	for _, d := range ds {
		var msg pkgplugin.Message
		switch {
		case d.Err != nil:
			msg = pkgplugin.NewMessage(pkgplugin.MessageKindError).
				With("error", pkgplugin.String(d.Err.Error()))
		case d.Message != nil:
			msg = *d.Message
		default:
			continue
		}
		ev := pkgplugin.NewWidgetMessage(tick, d.ID.Name, msg)
		if err := e.router.Deliver(d.ID.Owner, ev); err != nil {
			e.logger.Warn("widget message has no owner", "widget", d.ID.String(), "kind", msg.Kind, "error", err)
		}
	}
}

// Close shuts every plugin down and releases all widgets and widget
// factories that hold resources.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.manager.ShutdownAll(ctx)
	e.widgets.Close(ctx)
	factories := append([]widget.Factory(nil), e.opts.Factories...)
	for _, f := range e.types {
		factories = append(factories, f)
	}
	for _, f := range factories {
		err = errors.Join(err, closeFactory(ctx, f))
	}
	e.types = make(map[string]widget.Factory)
	for _, name := range e.router.Declared() {
		e.router.Remove(name)
	}
	e.order = nil
	return err
}
