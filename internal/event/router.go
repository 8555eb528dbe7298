// Package event routes messages between plugins. Plugins declare what they
// subscribe to and what they publish while they initialise; after that
// their tables are sealed. Emissions collect in a per-tick outbox and are
// delivered to subscribers when the tick is flushed, so no plugin ever sees
// an emission in the tick it was made.
package event

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/goatkit/ludo/internal/plugin"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// Router holds the capability tables, the outbox and one pending queue per
// plugin.
type Router struct {
	mu       sync.Mutex
	quota    int
	tick     uint64
	plugins  map[string]*entry
	declared []string
	denied   map[string]map[string]bool
	outbox   []outboxEntry
	logger   *slog.Logger
	onReject func(plugin, kind string, err error)
}

type entry struct {
	sealed        bool
	subscriptions []pkgplugin.EventKind
	publish       map[string]bool
	deps          []string
	queue         []pkgplugin.Event
	emitted       int
	quotaReported bool
}

type outboxEntry struct {
	source string
	msg    pkgplugin.Message
}

// Option configures a Router.
type Option func(*Router)

// WithQuota caps the emissions one plugin may make per tick. Zero disables
// the cap.
func WithQuota(n int) Option {
	return func(r *Router) { r.quota = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithRejectHook is called for every rejected emission.
func WithRejectHook(fn func(plugin, kind string, err error)) Option {
	return func(r *Router) { r.onReject = fn }
}

// NewRouter creates an empty router.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		plugins: make(map[string]*entry),
		denied:  make(map[string]map[string]bool),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add makes a plugin known to the router. Declaration order is the order of
// Add calls and breaks ties in Order.
func (r *Router) Add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(name)
}

func (r *Router) add(name string) *entry {
	e, ok := r.plugins[name]
	if !ok {
		e = &entry{publish: make(map[string]bool)}
		r.plugins[name] = e
		r.declared = append(r.declared, name)
	}
	return e
}

// open returns a plugin's entry if its tables may still change.
func (r *Router) open(name string) (*entry, error) {
	e := r.add(name)
	if e.sealed {
		return nil, fmt.Errorf("plugin %q: %w", name, plugin.ErrRegistrationClosed)
	}
	return e, nil
}

// Subscribe adds a subscription. Plugins may subscribe to timer and plugin
// kinds only; raw input goes to widgets.
func (r *Router) Subscribe(name string, kind pkgplugin.EventKind) error {
	if err := kind.Validate(); err != nil {
		return fmt.Errorf("plugin %q: %w", name, err)
	}
	if kind.Class == pkgplugin.ClassInput {
		return fmt.Errorf("plugin %q: plugins cannot subscribe to raw input", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.open(name)
	if err != nil {
		return err
	}
	key := kind.Key()
	for _, have := range e.subscriptions {
		if have.Key() == key {
			return nil
		}
	}
	e.subscriptions = append(e.subscriptions, kind)
	return nil
}

// DeclarePublish adds tag to the kinds a plugin may emit.
func (r *Router) DeclarePublish(name, tag string) error {
	if tag == "" {
		return fmt.Errorf("plugin %q: empty publish kind", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.open(name)
	if err != nil {
		return err
	}
	e.publish[tag] = true
	return nil
}

// DependOn records that name must run after deps within a tick.
func (r *Router) DependOn(name string, deps ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.open(name)
	if err != nil {
		return err
	}
	for _, d := range deps {
		if d != name && !slices.Contains(e.deps, d) {
			e.deps = append(e.deps, d)
		}
	}
	return nil
}

// Seal freezes a plugin's tables.
func (r *Router) Seal(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(name).sealed = true
}

// Sealed reports whether a plugin's tables are frozen.
func (r *Router) Sealed(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.plugins[name]
	return ok && e.sealed
}

// Deny forbids a plugin from emitting tag even if it declared it. Denials
// come from game configuration and may be set before the plugin loads.
func (r *Router) Deny(name, tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.denied[name] == nil {
		r.denied[name] = make(map[string]bool)
	}
	r.denied[name][tag] = true
}

// Subscriptions returns a plugin's subscriptions in declaration order.
func (r *Router) Subscriptions(name string) []pkgplugin.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.plugins[name]
	if !ok {
		return nil
	}
	return slices.Clone(e.subscriptions)
}

// Subscribers returns the plugins subscribed to kind, in declaration order.
func (r *Router) Subscribers(kind pkgplugin.EventKind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := kind.Key()
	var out []string
	for _, name := range r.declared {
		for _, k := range r.plugins[name].subscriptions {
			if k.Key() == key {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

// BeginTick resets the per-tick emission counters.
func (r *Router) BeginTick(tick uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tick = tick
	for _, e := range r.plugins {
		e.emitted = 0
		e.quotaReported = false
	}
}

// Authorize checks whether from may emit one more message of kind tag.
// buffered counts emissions from the current call that are not yet in the
// outbox. The first quota overflow per plugin per tick is logged.
func (r *Router) Authorize(from, tag string, buffered int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authorize(from, tag, buffered)
}

func (r *Router) authorize(from, tag string, buffered int) error {
	e, ok := r.plugins[from]
	var err error
	switch {
	case !ok || !e.publish[tag]:
		err = &plugin.UnauthorizedKindError{Plugin: from, Kind: tag}
		r.logger.Warn("unauthorized emission dropped", "plugin", from, "kind", tag)
	case r.denied[from][tag]:
		err = &plugin.UnauthorizedKindError{Plugin: from, Kind: tag, Denied: true}
		r.logger.Warn("denied emission dropped", "plugin", from, "kind", tag)
	case r.quota > 0 && e.emitted+buffered >= r.quota:
		err = &plugin.QuotaExceededError{Plugin: from, Limit: r.quota, Tick: r.tick}
		if !e.quotaReported {
			e.quotaReported = true
			r.logger.Warn("emission quota exceeded", "plugin", from, "limit", r.quota, "tick", r.tick)
		}
	default:
		return nil
	}
	if r.onReject != nil {
		r.onReject(from, tag, err)
	}
	return err
}

// Emit authorizes one message and appends it to the outbox.
func (r *Router) Emit(from string, msg pkgplugin.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorize(from, msg.Kind, 0); err != nil {
		return err
	}
	r.append(from, msg)
	return nil
}

// Commit appends messages that were authorized one by one during a guest
// call. Order is preserved.
func (r *Router) Commit(from string, msgs []pkgplugin.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.append(from, m)
	}
}

func (r *Router) append(from string, msg pkgplugin.Message) {
	r.outbox = append(r.outbox, outboxEntry{source: from, msg: msg})
	if e, ok := r.plugins[from]; ok {
		e.emitted++
	}
}

// Outbox returns the number of messages waiting for FlushTick.
func (r *Router) Outbox() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox)
}

// Deliver enqueues an event addressed to one plugin, such as a widget
// message or a timer.
func (r *Router) Deliver(name string, ev pkgplugin.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.plugins[name]
	if !ok {
		return fmt.Errorf("deliver to %q: %w", name, plugin.ErrPluginNotFound)
	}
	e.queue = append(e.queue, ev)
	return nil
}

// FlushTick moves the outbox into subscriber queues, in emission order.
// The source of a message never receives it. Returns the number of events
// delivered.
func (r *Router) FlushTick() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for _, o := range r.outbox {
		ev := pkgplugin.NewPluginMessage(r.tick, o.source, o.msg)
		for _, name := range r.declared {
			if name == o.source {
				continue
			}
			e := r.plugins[name]
			for _, k := range e.subscriptions {
				if k.Matches(ev) {
					e.queue = append(e.queue, ev)
					delivered++
					break
				}
			}
		}
	}
	r.outbox = nil
	return delivered
}

// Pending drains a plugin's queue in enqueue order.
func (r *Router) Pending(name string) []pkgplugin.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.plugins[name]
	if !ok {
		return nil
	}
	out := e.queue
	e.queue = nil
	return out
}

// Peek returns how many events are queued for a plugin.
func (r *Router) Peek(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.plugins[name]; ok {
		return len(e.queue)
	}
	return 0
}

// Clear drops every queued event and the outbox. Tables stay.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.plugins {
		e.queue = nil
	}
	r.outbox = nil
}

// Remove forgets a plugin: its tables, its queue and any of its emissions
// still in the outbox. Denials are configuration and stay.
func (r *Router) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[name]; !ok {
		return
	}
	delete(r.plugins, name)
	r.declared = slices.DeleteFunc(r.declared, func(n string) bool { return n == name })
	r.outbox = slices.DeleteFunc(r.outbox, func(o outboxEntry) bool { return o.source == name })
}

// Order returns names sorted so that publishers run before their
// subscribers and dependencies before their dependents. Ties keep the order
// of names. When the graph has a cycle, the earliest remaining name is taken
// to break it and cyclic is true. Unknown names keep their position
// relative to each other and have no edges.
func (r *Router) Order(names []string) (ordered []string, cyclic bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}
	edges := make([][]int, len(names))
	indeg := make([]int, len(names))
	seen := make(map[[2]int]bool)
	link := func(from, to int) {
		if from == to || seen[[2]int{from, to}] {
			return
		}
		seen[[2]int{from, to}] = true
		edges[from] = append(edges[from], to)
		indeg[to]++
	}

	for to, name := range names {
		e, ok := r.plugins[name]
		if !ok {
			continue
		}
		for _, d := range e.deps {
			if from, ok := index[d]; ok {
				link(from, to)
			}
		}
		for _, k := range e.subscriptions {
			if k.Class != pkgplugin.ClassPlugin {
				continue
			}
			for from, pub := range names {
				if pe, ok := r.plugins[pub]; ok && pe.publish[k.Tag] {
					link(from, to)
				}
			}
		}
	}

	done := make([]bool, len(names))
	ordered = make([]string, 0, len(names))
	for len(ordered) < len(names) {
		next := -1
		for i := range names {
			if !done[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			cyclic = true
			for i := range names {
				if !done[i] {
					next = i
					break
				}
			}
		}
		done[next] = true
		ordered = append(ordered, names[next])
		for _, to := range edges[next] {
			indeg[to]--
		}
	}
	return ordered, cyclic
}

// Declared returns every known plugin in declaration order.
func (r *Router) Declared() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.declared)
}
