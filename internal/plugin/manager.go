package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrPluginDisabled is returned when calling a disabled plugin.
var ErrPluginDisabled = errors.New("plugin disabled")

// Manager handles plugin lifecycle: loading, registration, and invocation.
// Every Init and Run goes through the plugin's SandboxedHostAPI so that its
// store writes and emissions are applied only when the call succeeds.
type Manager struct {
	mu      sync.RWMutex
	plugins map[string]*registeredPlugin
	order   []string
	svc     Services
	policy  ResourcePolicy
	logs    *LogBuffer
	logger  *slog.Logger
	metrics *pluginMetrics
}

type registeredPlugin struct {
	plugin       Plugin
	registration Registration
	sandbox      *SandboxedHostAPI
	store        *Store
	enabled      bool
	lastRunTick  uint64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithLogs sets the ring buffer plugin logs and trap reports are kept in.
func WithLogs(b *LogBuffer) ManagerOption {
	return func(m *Manager) { m.logs = b }
}

// WithDefaultPolicy sets the policy for plugins registered without one.
func WithDefaultPolicy(p ResourcePolicy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// NewManager creates a plugin manager backed by the given host services.
func NewManager(svc Services, opts ...ManagerOption) *Manager {
	m := &Manager{
		plugins: make(map[string]*registeredPlugin),
		svc:     svc,
		policy:  DefaultResourcePolicy(),
		logs:    DefaultLogBuffer(),
		logger:  slog.Default(),
		metrics: globalPluginMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterOption configures a single registration.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	policy *ResourcePolicy
}

// WithPolicy overrides the resource policy for one plugin.
func WithPolicy(p ResourcePolicy) RegisterOption {
	return func(o *registerOptions) { o.policy = &p }
}

// Register initializes a plugin under name and returns its registration.
// The caller wires the registration into the router and widget registry.
func (m *Manager) Register(ctx context.Context, name string, p Plugin, opts ...RegisterOption) (Registration, error) {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}
	policy := m.policy
	if o.policy != nil {
		policy = *o.policy
	}
	if err := policy.Validate(); err != nil {
		return Registration{}, &SandboxError{Plugin: name, Err: err}
	}

	m.mu.RLock()
	_, exists := m.plugins[name]
	m.mu.RUnlock()
	if exists {
		return Registration{}, fmt.Errorf("plugin %q already registered", name)
	}

	store := NewStore()
	rp := &registeredPlugin{
		plugin: p,
		store:  store,
		sandbox: NewSandboxedHostAPI(m.svc, name, store, policy,
			WithSandboxLogger(m.logger), WithLogBuffer(m.logs)),
		enabled: true,
	}

	var reg Registration
	err := m.invoke(ctx, rp, name, "init", func(ctx context.Context) error {
		var err error
		reg, err = p.Init(ctx, rp.sandbox)
		return err
	})
	// A plugin that never registers is released here.
	discard := func(err error) (Registration, error) {
		if serr := p.Shutdown(ctx); serr != nil {
			m.logger.Warn("plugin shutdown after failed init", "plugin", name, "error", serr)
		}
		return Registration{}, err
	}
	if err != nil {
		return discard(err)
	}
	if reg.Name != "" && reg.Name != name {
		return discard(&SandboxError{Plugin: name, Err: fmt.Errorf("registration names %q", reg.Name)})
	}
	if err := reg.Validate(); err != nil {
		return discard(&SandboxError{Plugin: name, Err: fmt.Errorf("invalid registration: %w", err)})
	}
	reg.Name = name
	store.Seed(reg.State)
	rp.registration = reg

	m.mu.Lock()
	_, exists = m.plugins[name]
	if !exists {
		m.plugins[name] = rp
		m.order = append(m.order, name)
		m.metrics.setLoaded(len(m.plugins))
	}
	m.mu.Unlock()
	if exists {
		return discard(fmt.Errorf("plugin %q already registered", name))
	}
	m.logger.Info("plugin registered", "plugin", name,
		"subscribe", len(reg.Subscribe), "publish", reg.Publish)
	return reg, nil
}

// Unregister shuts down and removes a plugin. The plugin is removed even if
// Shutdown fails.
func (m *Manager) Unregister(ctx context.Context, name string) error {
	m.mu.Lock()
	rp, exists := m.plugins[name]
	if exists {
		delete(m.plugins, name)
		m.order = removeName(m.order, name)
		m.metrics.setLoaded(len(m.plugins))
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("plugin %q: %w", name, ErrPluginNotFound)
	}
	if err := rp.plugin.Shutdown(ctx); err != nil {
		return fmt.Errorf("plugin %q shutdown failed: %w", name, err)
	}
	return nil
}

// Run delivers one event to a plugin. tick is the tick being executed; it
// becomes the plugin's LastRunTick whether or not the call traps.
func (m *Manager) Run(ctx context.Context, tick uint64, name string, ev Event) error {
	m.mu.Lock()
	rp, exists := m.plugins[name]
	if exists && rp.enabled && tick > rp.lastRunTick {
		rp.lastRunTick = tick
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("plugin %q: %w", name, ErrPluginNotFound)
	}
	if !rp.enabled {
		return fmt.Errorf("plugin %q: %w", name, ErrPluginDisabled)
	}
	return m.invoke(ctx, rp, name, "run", func(ctx context.Context) error {
		return rp.plugin.Run(ctx, rp.sandbox, ev)
	})
}

// invoke runs one guest call inside a sandbox transaction. Panics, returned
// errors, an exhausted host-call budget and a blown deadline all become a
// TrapError, and the call's buffered effects are discarded.
func (m *Manager) invoke(ctx context.Context, rp *registeredPlugin, name, call string, fn func(context.Context) error) error {
	if timeout := rp.sandbox.Policy().CallTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := m.metrics.recordCall(name, call)
	defer done()

	rp.sandbox.Begin()
	err := safeCall(ctx, fn)
	if err == nil {
		err = rp.sandbox.Exhausted()
	}
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		rp.sandbox.Commit()
		return nil
	}

	dropped := rp.sandbox.Rollback()
	var se *SandboxError
	if errors.As(err, &se) {
		return err
	}
	var te *TrapError
	if !errors.As(err, &te) {
		err = &TrapError{Plugin: name, Call: call, Err: err}
	}
	m.metrics.recordTrap(name, call, dropped)
	m.logs.Record(name, LevelError, err.Error(), map[string]any{"call": call, "dropped_emissions": dropped})
	m.logger.Warn("plugin trapped", "plugin", name, "call", call, "dropped_emissions", dropped, "error", err)
	return err
}

func safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Get returns a plugin by name.
func (m *Manager) Get(name string) (Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rp, exists := m.plugins[name]
	if !exists || !rp.enabled {
		return nil, false
	}
	return rp.plugin, true
}

// Names returns registered plugins in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Registration returns what the plugin declared at init.
func (m *Manager) Registration(name string) (Registration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rp, exists := m.plugins[name]
	if !exists {
		return Registration{}, false
	}
	return rp.registration, true
}

// Store returns the plugin's persistent store.
func (m *Manager) Store(name string) (*Store, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rp, exists := m.plugins[name]
	if !exists {
		return nil, false
	}
	return rp.store, true
}

// Stats returns the plugin's resource accounting.
func (m *Manager) Stats(name string) (StatsSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rp, exists := m.plugins[name]
	if !exists {
		return StatsSnapshot{}, false
	}
	return rp.sandbox.Stats(), true
}

// LastRunTick returns the last tick the plugin was invoked in.
func (m *Manager) LastRunTick(name string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rp, ok := m.plugins[name]; ok {
		return rp.lastRunTick
	}
	return 0
}

// RestoreLastRunTick sets LastRunTick from save data.
func (m *Manager) RestoreLastRunTick(name string, tick uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rp, ok := m.plugins[name]; ok {
		rp.lastRunTick = tick
	}
}

// Enable enables a previously disabled plugin.
func (m *Manager) Enable(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rp, exists := m.plugins[name]
	if !exists {
		return fmt.Errorf("plugin %q: %w", name, ErrPluginNotFound)
	}
	rp.enabled = true
	return nil
}

// Disable disables a plugin without unloading it.
func (m *Manager) Disable(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rp, exists := m.plugins[name]
	if !exists {
		return fmt.Errorf("plugin %q: %w", name, ErrPluginNotFound)
	}
	rp.enabled = false
	return nil
}

// Enabled reports whether the plugin is loaded and enabled.
func (m *Manager) Enabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rp, ok := m.plugins[name]
	return ok && rp.enabled
}

// ShutdownAll shuts down all plugins in reverse registration order.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for i := len(m.order) - 1; i >= 0; i-- {
		name := m.order[i]
		if err := m.plugins[name].plugin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("plugin %q: %w", name, err))
		}
	}

	m.plugins = make(map[string]*registeredPlugin)
	m.order = nil
	m.metrics.setLoaded(0)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
