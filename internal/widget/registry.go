package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goatkit/ludo/internal/plugin"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// HiddenKey is the reserved attribute that toggles visibility.
const HiddenKey = "hidden"

// Registry tracks every live widget. Mutating calls carry the caller's
// plugin name and are rejected unless it owns the widget.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	widgets   map[plugin.WidgetID]*instance
	order     []plugin.WidgetID
	faults    []Dispatch
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithFactory registers an extra widget type.
func WithFactory(f Factory) Option {
	return func(r *Registry) { r.factories[f.Type()] = f }
}

// NewRegistry creates a registry with the built-in button, circle and label
// types.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		widgets:   make(map[plugin.WidgetID]*instance),
		logger:    slog.Default(),
	}
	for _, f := range []Factory{NewButtonFactory(), NewCircleFactory(), NewLabelFactory()} {
		r.factories[f.Type()] = f
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterFactory adds a widget type. Tags are unique.
func (r *Registry) RegisterFactory(f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[f.Type()]; exists {
		return fmt.Errorf("widget type %q already registered", f.Type())
	}
	r.factories[f.Type()] = f
	return nil
}

// Types returns the registered type tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for t := range r.factories {
		tags = append(tags, t)
	}
	return tags
}

// Create validates spec against its type's contract and registers the
// widget under (owner, spec.Name). On any failure nothing is registered.
func (r *Registry) Create(ctx context.Context, owner string, spec pkgplugin.WidgetSpec) (plugin.WidgetID, error) {
	id := plugin.WidgetID{Owner: owner, Name: spec.Name}
	fail := func(err error) (plugin.WidgetID, error) {
		return plugin.WidgetID{}, &plugin.ConstructionError{Widget: id, Type: spec.Type, Err: err}
	}
	if owner == "" || spec.Name == "" {
		return fail(errors.New("owner and name are required"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.widgets[id]; exists {
		return fail(errors.New("a widget with this name already exists"))
	}
	f, ok := r.factories[spec.Type]
	if !ok {
		return fail(fmt.Errorf("unknown widget type %q", spec.Type))
	}
	attrs := spec.Attributes.Clone()
	if attrs == nil {
		attrs = pkgplugin.Attributes{}
	}
	delete(attrs, HiddenKey)
	if err := f.Validate(attrs); err != nil {
		return fail(err)
	}
	w, err := f.New(ctx, attrs)
	if err != nil {
		return fail(err)
	}

	r.widgets[id] = &instance{id: id, typ: spec.Type, attrs: attrs, x: spec.X, y: spec.Y, hidden: spec.Hidden, w: w}
	r.order = append(r.order, id)
	return id, nil
}

// lookup returns the widget if caller owns it. Must be called with r.mu held.
func (r *Registry) lookup(caller string, id plugin.WidgetID) (*instance, error) {
	in, ok := r.widgets[id]
	if !ok {
		if caller != id.Owner {
			return nil, &plugin.NotOwnerError{Caller: caller, Widget: id}
		}
		return nil, &plugin.NoSuchWidgetError{Widget: id}
	}
	if in.id.Owner != caller {
		return nil, &plugin.NotOwnerError{Caller: caller, Widget: id}
	}
	return in, nil
}

// UpdateAttribute changes one existing attribute. The new attribute set
// must still satisfy the type's contract.
func (r *Registry) UpdateAttribute(ctx context.Context, caller string, id plugin.WidgetID, key string, value pkgplugin.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, err := r.lookup(caller, id)
	if err != nil {
		return err
	}
	if key == HiddenKey {
		hidden, ok := value.AsBool()
		if !ok {
			return fmt.Errorf("widget %s: %q must be a bool", id, HiddenKey)
		}
		in.hidden = hidden
		return nil
	}
	if _, ok := in.attrs[key]; !ok {
		return &plugin.NoSuchAttributeError{Widget: id, Key: key}
	}

	next := in.attrs.Clone()
	next[key] = value
	if f, ok := r.factories[in.typ]; ok {
		if err := f.Validate(next); err != nil {
			return fmt.Errorf("widget %s: %w", id, err)
		}
	}
	if err := in.w.SetAttribute(ctx, key, value); err != nil {
		return fmt.Errorf("widget %s: %w", id, err)
	}
	in.attrs = next
	return nil
}

// Move sets the widget's top-left corner.
func (r *Registry) Move(caller string, id plugin.WidgetID, x, y float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, err := r.lookup(caller, id)
	if err != nil {
		return err
	}
	in.x, in.y = x, y
	return nil
}

// Attribute reads one attribute of a widget the caller owns. The reserved
// "hidden" key reads visibility.
func (r *Registry) Attribute(caller string, id plugin.WidgetID, key string) (pkgplugin.Value, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in, err := r.lookup(caller, id)
	if err != nil {
		return pkgplugin.Value{}, err
	}
	if key == HiddenKey {
		return pkgplugin.Bool(in.hidden), nil
	}
	v, ok := in.attrs[key]
	if !ok {
		return pkgplugin.Value{}, &plugin.NoSuchAttributeError{Widget: id, Key: key}
	}
	return v, nil
}

// Remove deletes a widget the caller owns.
func (r *Registry) Remove(ctx context.Context, caller string, id plugin.WidgetID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, err := r.lookup(caller, id)
	if err != nil {
		return err
	}
	r.drop(ctx, in)
	return nil
}

// RemoveOwnedBy deletes every widget owned by owner and returns how many.
func (r *Registry) RemoveOwnedBy(ctx context.Context, owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, id := range append([]plugin.WidgetID(nil), r.order...) {
		if id.Owner == owner {
			r.drop(ctx, r.widgets[id])
			removed++
		}
	}
	kept := r.faults[:0]
	for _, f := range r.faults {
		if f.ID.Owner != owner {
			kept = append(kept, f)
		}
	}
	r.faults = kept
	return removed
}

// RemoveType unregisters a widget type and deletes its live widgets. Each
// owner gets a fault for every widget it lost.
func (r *Registry) RemoveType(ctx context.Context, tag string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.factories, tag)
	removed := 0
	for _, id := range append([]plugin.WidgetID(nil), r.order...) {
		in := r.widgets[id]
		if in.typ != tag {
			continue
		}
		r.drop(ctx, in)
		r.faults = append(r.faults, Dispatch{ID: id, Err: fmt.Errorf("widget type %q was unloaded", tag)})
		removed++
	}
	return removed
}

func (r *Registry) drop(ctx context.Context, in *instance) {
	delete(r.widgets, in.id)
	for i, id := range r.order {
		if id == in.id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if err := in.w.Close(ctx); err != nil {
		r.logger.Warn("widget close failed", "widget", in.id.String(), "error", err)
	}
}

// Get returns a read-only view of a widget.
func (r *Registry) Get(id plugin.WidgetID) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.widgets[id]
	if !ok {
		return Info{}, false
	}
	return in.info(), true
}

// IDs returns live widget ids in creation order.
func (r *Registry) IDs() []plugin.WidgetID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]plugin.WidgetID(nil), r.order...)
}

// Len returns the number of live widgets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.widgets)
}

// DispatchInput offers one raw input to every visible widget, in creation
// order. Pointer-class input only reaches widgets whose bounds contain the
// point, translated into widget-local coordinates; entering and leaving a
// widget produce Focus and Blur. Overlapping widgets each get the input.
func (r *Registry) DispatchInput(ctx context.Context, raw pkgplugin.Input) []Dispatch {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Dispatch
	emit := func(in *instance, ev pkgplugin.WidgetEvent) {
		msg, err := in.w.Interact(ctx, ev)
		switch {
		case err != nil:
			out = append(out, Dispatch{ID: in.id, Err: r.trap(in, "interact", err)})
		case msg != nil:
			out = append(out, Dispatch{ID: in.id, Message: msg})
		}
	}

	for _, id := range append([]plugin.WidgetID(nil), r.order...) {
		in, ok := r.widgets[id]
		if !ok || in.hidden {
			continue
		}
		if !raw.IsPointer() {
			if in.subscribed(raw) {
				emit(in, pkgplugin.InputEvent(raw))
			}
			continue
		}

		inside := in.contains(raw.X, raw.Y)
		if in.wantsPointer() {
			if inside && !in.hovered {
				in.hovered = true
				emit(in, pkgplugin.FocusEvent())
			} else if !inside && in.hovered {
				in.hovered = false
				emit(in, pkgplugin.BlurEvent())
			}
		}
		if inside && in.subscribed(raw) {
			emit(in, pkgplugin.InputEvent(raw.Translate(in.x, in.y)))
		}
	}
	return out
}

func (r *Registry) trap(in *instance, call string, err error) error {
	var te *plugin.TrapError
	if errors.As(err, &te) {
		call, err = te.Call, te.Err
	}
	return &plugin.TrapError{Plugin: in.id.Owner, Call: "widget " + in.id.Name + " " + call, Err: err}
}

// Render returns the drawables of every visible widget in creation order.
// Widgets that fault while rendering are skipped and their fault is kept
// for DrainFaults.
func (r *Registry) Render(ctx context.Context) []Drawable {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Drawable, 0, len(r.order))
	for _, id := range r.order {
		in := r.widgets[id]
		if in.hidden {
			continue
		}
		comps, err := in.w.Render(ctx)
		if err != nil {
			r.faults = append(r.faults, Dispatch{ID: id, Err: r.trap(in, "render", err)})
			continue
		}
		out = append(out, Drawable{ID: id, X: in.x, Y: in.y, Components: comps})
	}
	return out
}

// DrainFaults returns and clears faults recorded outside of dispatch.
func (r *Registry) DrainFaults() []Dispatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.faults
	r.faults = nil
	return out
}

// Snapshot returns the persisted form of every widget in creation order.
func (r *Registry) Snapshot(ctx context.Context) ([]Saved, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Saved, 0, len(r.order))
	for _, id := range r.order {
		in := r.widgets[id]
		state, err := in.w.State(ctx)
		if err != nil {
			return nil, fmt.Errorf("widget %s state: %w", id, err)
		}
		out = append(out, Saved{
			Owner: id.Owner, Name: id.Name, Type: in.typ,
			X: in.x, Y: in.y, Hidden: in.hidden,
			Attributes: in.attrs.Clone(), State: state,
		})
	}
	return out, nil
}

// Restore applies saved widgets. Widgets that already exist with the same
// type get their position, visibility and state back; missing ones are
// recreated when their owner is among owners. Errors are collected and do
// not stop the remaining widgets.
func (r *Registry) Restore(ctx context.Context, saved []Saved, owners map[string]bool) error {
	var errs []error
	for _, s := range saved {
		id := s.ID()
		r.mu.RLock()
		in, exists := r.widgets[id]
		r.mu.RUnlock()

		if !exists {
			if !owners[s.Owner] {
				continue
			}
			if _, err := r.Create(ctx, s.Owner, pkgplugin.WidgetSpec{
				Name: s.Name, Type: s.Type, Attributes: s.Attributes, X: s.X, Y: s.Y, Hidden: s.Hidden,
			}); err != nil {
				errs = append(errs, err)
				continue
			}
			r.mu.RLock()
			in = r.widgets[id]
			r.mu.RUnlock()
		}

		r.mu.Lock()
		if in.typ != s.Type {
			r.mu.Unlock()
			errs = append(errs, fmt.Errorf("widget %s: saved type %q, live type %q", id, s.Type, in.typ))
			continue
		}
		in.x, in.y, in.hidden = s.X, s.Y, s.Hidden
		var err error
		if len(s.State) > 0 {
			err = in.w.Restore(ctx, s.State)
		}
		r.mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("widget %s restore: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases every widget.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range append([]plugin.WidgetID(nil), r.order...) {
		r.drop(ctx, r.widgets[id])
	}
}
