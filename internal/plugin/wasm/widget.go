package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goatkit/ludo/internal/widget"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// WidgetModule is a widget type implemented in WebAssembly. It is a
// widget.Factory: every widget created from it is a fresh instance of the
// compiled module.
type WidgetModule struct {
	rt       *moduleRuntime
	typeTag  string
	contract *widget.Contract
}

var _ widget.Factory = (*WidgetModule)(nil)

// LoadWidgetModule compiles a widget module under typeTag. The module must
// export memory, gk_malloc, gk_try_new, gk_interact, gk_render and gk_state.
// gk_set_attribute, gk_restore and gk_free are optional.
func LoadWidgetModule(ctx context.Context, typeTag string, wasmBytes []byte, opts ...LoadOption) (*WidgetModule, error) {
	o := defaultLoadOptions()
	for _, opt := range opts {
		opt(&o)
	}
	var contract *widget.Contract
	if len(o.schema) > 0 {
		c, err := widget.NewContract(o.schema)
		if err != nil {
			return nil, err
		}
		contract = c
	}
	mr, err := newModuleRuntime(ctx, typeTag, wasmBytes, o, exportTryNew, exportInteract, exportRender, exportState)
	if err != nil {
		return nil, err
	}
	return &WidgetModule{rt: mr, typeTag: typeTag, contract: contract}, nil
}

// Type returns the widget type tag.
func (m *WidgetModule) Type() string { return m.typeTag }

// Validate checks attributes against the module's schema. Modules without
// one accept anything and rely on gk_try_new.
func (m *WidgetModule) Validate(attrs pkgplugin.Attributes) error {
	if m.contract == nil {
		return nil
	}
	return m.contract.Validate(attrs)
}

// New instantiates the module and runs gk_try_new with attrs.
func (m *WidgetModule) New(ctx context.Context, attrs pkgplugin.Attributes) (widget.Widget, error) {
	w := &moduleWidget{guest: newGuest(m.rt, m.typeTag), attrs: attrs.Clone()}
	if _, err := w.ensure(ctx); err != nil {
		return nil, err
	}
	if err := w.construct(ctx); err != nil {
		_ = w.closeInstance(ctx)
		return nil, err
	}
	return w, nil
}

// Close releases the compiled module and every instance created from it.
func (m *WidgetModule) Close(ctx context.Context) error {
	return m.rt.close(ctx)
}

// moduleWidget is one widget backed by its own module instance. Widgets
// have no host API.
type moduleWidget struct {
	guest
	attrs         pkgplugin.Attributes
	width, height float32
	inputs        []pkgplugin.EventKind
	state         pkgplugin.Attributes
	// stale is set when the live instance was never constructed.
	stale bool
}

func (w *moduleWidget) construct(ctx context.Context) error {
	data, err := w.callJSON(ctx, exportTryNew, w.attrs)
	if err != nil {
		return err
	}
	var c widgetConstruction
	if err := json.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("decode gk_try_new result: %w", err)
	}
	if c.Error != "" {
		return errors.New(c.Error)
	}
	for _, k := range c.Inputs {
		if k.Class != pkgplugin.ClassInput || k.Input == nil {
			return fmt.Errorf("widgets subscribe to input only, got %s", k)
		}
	}
	w.width, w.height, w.inputs = c.Width, c.Height, c.Inputs
	return nil
}

// prepare replaces a closed or stale instance, rebuilding it from the
// current attributes and the last known state.
func (w *moduleWidget) prepare(ctx context.Context) error {
	revived, err := w.ensure(ctx)
	if err != nil || (!revived && !w.stale) {
		return err
	}
	if err := w.construct(ctx); err != nil {
		return err
	}
	w.stale = false
	if len(w.state) > 0 && w.rt.exports(exportRestore) {
		return w.restore(ctx, w.state)
	}
	return nil
}

func (w *moduleWidget) Dimensions() (float32, float32) { return w.width, w.height }

func (w *moduleWidget) Inputs() []pkgplugin.EventKind { return w.inputs }

// SetAttribute uses gk_set_attribute when exported. Otherwise the widget is
// rebuilt with the new attributes and its state carried over.
func (w *moduleWidget) SetAttribute(ctx context.Context, key string, value pkgplugin.Value) error {
	if err := w.prepare(ctx); err != nil {
		return err
	}
	next := w.attrs.Clone()
	next[key] = value

	if !w.rt.exports(exportSetAttribute) {
		return w.rebuild(ctx, next)
	}

	data, err := w.callJSON(ctx, exportSetAttribute, map[string]any{"key": key, "value": value})
	if err != nil {
		return err
	}
	if len(data) > 0 {
		var r widgetResize
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decode gk_set_attribute result: %w", err)
		}
		if r.Error != "" {
			return errors.New(r.Error)
		}
		if r.Width != nil {
			w.width = *r.Width
		}
		if r.Height != nil {
			w.height = *r.Height
		}
	}
	w.attrs = next
	return nil
}

func (w *moduleWidget) rebuild(ctx context.Context, next pkgplugin.Attributes) error {
	state, err := w.State(ctx)
	if err != nil {
		return err
	}
	prev := w.attrs
	w.attrs = next
	if err := w.reconstruct(ctx); err != nil {
		w.attrs = prev
		if rerr := w.reconstruct(ctx); rerr != nil {
			if w.logger != nil {
				w.logger.Warn("widget left unconstructed after failed rebuild", "module", w.name, "error", rerr)
			}
			return errors.Join(err, fmt.Errorf("restore previous attributes: %w", rerr))
		}
		return err
	}
	if len(state) > 0 && w.rt.exports(exportRestore) {
		return w.restore(ctx, state)
	}
	return nil
}

// reconstruct builds a fresh instance from the current attributes. Until
// it succeeds the widget is stale and the next call retries.
func (w *moduleWidget) reconstruct(ctx context.Context) error {
	_ = w.closeInstance(ctx)
	w.stale = true
	if _, err := w.ensure(ctx); err != nil {
		return err
	}
	if err := w.construct(ctx); err != nil {
		return err
	}
	w.stale = false
	return nil
}

func (w *moduleWidget) Interact(ctx context.Context, ev pkgplugin.WidgetEvent) (*pkgplugin.Message, error) {
	if err := w.prepare(ctx); err != nil {
		return nil, err
	}
	data, err := w.callJSON(ctx, exportInteract, ev)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	var msg pkgplugin.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode gk_interact result: %w", err)
	}
	if msg.Kind == "" {
		return nil, nil
	}
	return &msg, nil
}

func (w *moduleWidget) Render(ctx context.Context) ([]pkgplugin.Component, error) {
	if err := w.prepare(ctx); err != nil {
		return nil, err
	}
	data, err := w.callResult(ctx, exportRender)
	if err != nil || len(data) == 0 {
		return nil, err
	}
	var comps []pkgplugin.Component
	if err := json.Unmarshal(data, &comps); err != nil {
		return nil, fmt.Errorf("decode gk_render result: %w", err)
	}
	return comps, nil
}

func (w *moduleWidget) State(ctx context.Context) (pkgplugin.Attributes, error) {
	if err := w.prepare(ctx); err != nil {
		return nil, err
	}
	data, err := w.callResult(ctx, exportState)
	if err != nil || len(data) == 0 {
		return nil, err
	}
	var state pkgplugin.Attributes
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode gk_state result: %w", err)
	}
	w.state = state.Clone()
	return state, nil
}

// Restore passes saved state to gk_restore. Modules without it come back
// in their constructed state.
func (w *moduleWidget) Restore(ctx context.Context, state pkgplugin.Attributes) error {
	if err := w.prepare(ctx); err != nil {
		return err
	}
	w.state = state.Clone()
	if !w.rt.exports(exportRestore) {
		return nil
	}
	return w.restore(ctx, state)
}

func (w *moduleWidget) restore(ctx context.Context, state pkgplugin.Attributes) error {
	data, err := w.callJSON(ctx, exportRestore, state)
	if err != nil {
		return err
	}
	if msg, ok := decodeGuestError(data); ok {
		return errors.New(msg)
	}
	return nil
}

func (w *moduleWidget) Close(ctx context.Context) error {
	return w.closeInstance(ctx)
}
