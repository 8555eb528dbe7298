package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Services is what the engine provides to every sandbox. Calls carry the
// identity of the calling plugin; implementations must check it.
type Services interface {
	// Authorize checks whether plugin may emit kind, given that buffered
	// emissions from the current call are not yet in the outbox.
	Authorize(plugin, kind string, buffered int) error
	// Publish appends committed emissions to the outbox in order.
	Publish(plugin string, msgs []Message)

	CreateWidget(owner string, spec WidgetSpec) (WidgetID, error)
	UpdateWidget(caller string, id WidgetID, key string, value Value) error
	MoveWidget(caller string, id WidgetID, x, y float32) error
	RemoveWidget(caller string, id WidgetID) error
	WidgetAttribute(caller string, id WidgetID, key string) (Value, error)

	InputState() InputState
}

// SandboxedHostAPI is the HostAPI handed to one plugin. It scopes every call
// to that plugin, buffers emissions and store writes for the duration of a
// guest call, and enforces the host-call ceiling.
type SandboxedHostAPI struct {
	svc        Services
	pluginName string
	store      *Store
	logs       *LogBuffer
	logger     *slog.Logger

	policy ResourcePolicy

	mu        sync.Mutex
	tx        *StoreTx
	emits     []Message
	hostCalls int
	exhausted error

	// Accounting
	stats PluginStats
}

// PluginStats tracks resource usage for a plugin.
type PluginStats struct {
	Calls       atomic.Int64
	HostCalls   atomic.Int64
	Emits       atomic.Int64
	Rejected    atomic.Int64
	StoreReads  atomic.Int64
	StoreWrites atomic.Int64
	Traps       atomic.Int64
	LastCallAt  atomic.Int64 // unix millis
}

// StatsSnapshot returns a point-in-time copy of plugin stats.
type StatsSnapshot struct {
	PluginName  string `json:"plugin_name"`
	Calls       int64  `json:"calls"`
	HostCalls   int64  `json:"host_calls"`
	Emits       int64  `json:"emits"`
	Rejected    int64  `json:"rejected"`
	StoreReads  int64  `json:"store_reads"`
	StoreWrites int64  `json:"store_writes"`
	Traps       int64  `json:"traps"`
	LastCallAt  int64  `json:"last_call_at"`
}

// Snapshot returns a copy of the current stats.
func (s *PluginStats) Snapshot(name string) StatsSnapshot {
	return StatsSnapshot{
		PluginName:  name,
		Calls:       s.Calls.Load(),
		HostCalls:   s.HostCalls.Load(),
		Emits:       s.Emits.Load(),
		Rejected:    s.Rejected.Load(),
		StoreReads:  s.StoreReads.Load(),
		StoreWrites: s.StoreWrites.Load(),
		Traps:       s.Traps.Load(),
		LastCallAt:  s.LastCallAt.Load(),
	}
}

// SandboxOption configures a SandboxedHostAPI.
type SandboxOption func(*SandboxedHostAPI)

// WithSandboxLogger sets the structured logger plugin log lines go to.
func WithSandboxLogger(l *slog.Logger) SandboxOption {
	return func(s *SandboxedHostAPI) { s.logger = l }
}

// WithLogBuffer sets the ring buffer plugin log lines are kept in.
func WithLogBuffer(b *LogBuffer) SandboxOption {
	return func(s *SandboxedHostAPI) { s.logs = b }
}

// NewSandboxedHostAPI creates the host facade for one plugin.
func NewSandboxedHostAPI(svc Services, pluginName string, store *Store, policy ResourcePolicy, opts ...SandboxOption) *SandboxedHostAPI {
	s := &SandboxedHostAPI{
		svc:        svc,
		pluginName: pluginName,
		store:      store,
		policy:     policy,
		logger:     slog.Default(),
		logs:       DefaultLogBuffer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stats returns the resource accounting stats for this plugin.
func (s *SandboxedHostAPI) Stats() StatsSnapshot {
	return s.stats.Snapshot(s.pluginName)
}

// Policy returns the resource policy the plugin was loaded with.
func (s *SandboxedHostAPI) Policy() ResourcePolicy {
	return s.policy
}

// --- Call lifecycle ---

// Begin opens a guest call. Emissions and store writes are buffered until
// Commit or Rollback.
func (s *SandboxedHostAPI) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tx = s.store.Begin()
	s.emits = nil
	s.hostCalls = 0
	s.exhausted = nil
	s.stats.Calls.Add(1)
	s.stats.LastCallAt.Store(time.Now().UnixMilli())
}

// Commit applies the call's store writes and publishes its emissions.
func (s *SandboxedHostAPI) Commit() {
	s.mu.Lock()
	tx, emits := s.tx, s.emits
	s.tx, s.emits = nil, nil
	s.mu.Unlock()

	if tx != nil {
		tx.Commit()
	}
	if len(emits) > 0 {
		s.svc.Publish(s.pluginName, emits)
	}
}

// Rollback discards the call's store writes and emissions.
func (s *SandboxedHostAPI) Rollback() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := len(s.emits)
	if s.tx != nil {
		s.tx.Discard()
	}
	s.tx, s.emits = nil, nil
	s.stats.Traps.Add(1)
	return dropped
}

// Exhausted returns the ceiling error hit during the current call, if any.
func (s *SandboxedHostAPI) Exhausted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// enter accounts one host call. Must be called with s.mu held.
func (s *SandboxedHostAPI) enter(method string) error {
	if s.tx == nil {
		return fmt.Errorf("plugin %q: %s: %w", s.pluginName, method, ErrNoActiveCall)
	}
	if s.exhausted != nil {
		return s.exhausted
	}
	s.hostCalls++
	s.stats.HostCalls.Add(1)
	if limit := s.Policy().MaxHostCalls; limit > 0 && s.hostCalls > limit {
		s.exhausted = fmt.Errorf("plugin %q: %d host calls: %w", s.pluginName, limit, ErrHostCallLimit)
		return s.exhausted
	}
	return nil
}

// --- HostAPI ---

// Emit buffers a message for the outbox.
func (s *SandboxedHostAPI) Emit(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("emit"); err != nil {
		return err
	}
	if err := s.svc.Authorize(s.pluginName, msg.Kind, len(s.emits)); err != nil {
		s.stats.Rejected.Add(1)
		return err
	}
	s.emits = append(s.emits, Message{Kind: msg.Kind, Attributes: msg.Attributes.Clone()})
	s.stats.Emits.Add(1)
	return nil
}

// StoreGet reads from the plugin's store, seeing this call's own writes.
func (s *SandboxedHostAPI) StoreGet(ctx context.Context, key string) (Value, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("store_get"); err != nil {
		return Value{}, false, err
	}
	s.stats.StoreReads.Add(1)
	v, ok := s.tx.Get(key)
	return v, ok, nil
}

// StoreSet buffers a store write.
func (s *SandboxedHostAPI) StoreSet(ctx context.Context, key string, value Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("store_set"); err != nil {
		return err
	}
	if key == "" {
		return errors.New("store: empty key")
	}
	s.stats.StoreWrites.Add(1)
	s.tx.Set(key, value)
	return nil
}

// StoreDelete buffers a store delete.
func (s *SandboxedHostAPI) StoreDelete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("store_delete"); err != nil {
		return err
	}
	s.stats.StoreWrites.Add(1)
	s.tx.Delete(key)
	return nil
}

// Input returns the polled input state.
func (s *SandboxedHostAPI) Input(ctx context.Context) (InputState, error) {
	if err := s.account("input"); err != nil {
		return InputState{}, err
	}
	return s.svc.InputState(), nil
}

// CreateWidget creates a widget owned by this plugin.
func (s *SandboxedHostAPI) CreateWidget(ctx context.Context, spec WidgetSpec) (WidgetID, error) {
	if err := s.account("widget_create"); err != nil {
		return WidgetID{}, err
	}
	return s.svc.CreateWidget(s.pluginName, spec)
}

// UpdateWidget sets one attribute of a widget this plugin owns.
func (s *SandboxedHostAPI) UpdateWidget(ctx context.Context, id WidgetID, key string, value Value) error {
	if err := s.account("widget_update"); err != nil {
		return err
	}
	return s.svc.UpdateWidget(s.pluginName, id, key, value)
}

// MoveWidget repositions a widget this plugin owns.
func (s *SandboxedHostAPI) MoveWidget(ctx context.Context, id WidgetID, x, y float32) error {
	if err := s.account("widget_move"); err != nil {
		return err
	}
	return s.svc.MoveWidget(s.pluginName, id, x, y)
}

// RemoveWidget removes a widget this plugin owns.
func (s *SandboxedHostAPI) RemoveWidget(ctx context.Context, id WidgetID) error {
	if err := s.account("widget_remove"); err != nil {
		return err
	}
	return s.svc.RemoveWidget(s.pluginName, id)
}

// WidgetAttribute reads one attribute of a widget this plugin owns.
func (s *SandboxedHostAPI) WidgetAttribute(ctx context.Context, id WidgetID, key string) (Value, error) {
	if err := s.account("widget_attribute"); err != nil {
		return Value{}, err
	}
	return s.svc.WidgetAttribute(s.pluginName, id, key)
}

// Log records a plugin log line in the log buffer and the host logger.
// Logging does not count against the host-call ceiling.
func (s *SandboxedHostAPI) Log(ctx context.Context, level, message string, fields map[string]any) {
	if s.logs != nil {
		s.logs.Record(s.pluginName, level, message, fields)
	}
	attrs := make([]any, 0, 2+2*len(fields))
	attrs = append(attrs, "plugin", s.pluginName)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	s.logger.Log(ctx, slogLevel(level), message, attrs...)
}

// account runs enter for host calls that do not touch call-scoped state.
func (s *SandboxedHostAPI) account(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enter(method)
}

func slogLevel(level string) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
