package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/goatkit/ludo/internal/persistence"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// Save captures plugin stores, widget state and the profile clock. It runs
// between ticks, so no guest call is in flight.
func (e *Engine) Save(ctx context.Context) (*persistence.SaveFile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.opts.Clock.Now()
	sf := &persistence.SaveFile{
		Header: persistence.Header{
			Version:   persistence.Version,
			SessionID: e.sessionID,
			Tick:      e.tick,
			SavedAt:   now.UTC(),
		},
		Profile: persistence.Profile{
			Elapsed: pkgplugin.Duration(e.profileBase + now.Sub(e.sessionStart)),
			Fired:   e.timers.firedKeys(),
		},
		Plugins: make(map[string]persistence.PluginState),
	}
	for _, name := range e.manager.Names() {
		store, ok := e.manager.Store(name)
		if !ok {
			continue
		}
		sf.Plugins[name] = persistence.PluginState{
			Store:       store.Snapshot(),
			LastRunTick: e.manager.LastRunTick(name),
		}
	}
	widgets, err := e.widgets.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	sf.Widgets = widgets
	return sf, nil
}

// SaveTo saves into slot of store.
func (e *Engine) SaveTo(ctx context.Context, store persistence.Store, slot string) error {
	sf, err := e.Save(ctx)
	if err != nil {
		return err
	}
	if err := store.Save(ctx, slot, sf); err != nil {
		return err
	}
	e.logger.Info("game saved", "slot", slot, "tick", sf.Header.Tick, "plugins", len(sf.Plugins))
	return nil
}

// Restore applies a save to the loaded plugins. Saved state of plugins that
// are not loaded is ignored. Store keys from a plugin's registration that
// the save lacks keep their defaults. Restoring starts a new session:
// pending events are dropped and session timers re-arm.
func (e *Engine) Restore(ctx context.Context, sf *persistence.SaveFile) error {
	if err := sf.Validate(); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.bind(ctx)()

	owners := make(map[string]bool)
	for _, name := range e.manager.Names() {
		owners[name] = true
		ps, ok := sf.Plugins[name]
		if !ok {
			continue
		}
		store, _ := e.manager.Store(name)
		store.Restore(ps.Store)
		if reg, ok := e.manager.Registration(name); ok {
			store.Seed(reg.State)
		}
		e.manager.RestoreLastRunTick(name, ps.LastRunTick)
	}
	for name := range sf.Plugins {
		if !owners[name] {
			e.logger.Warn("save has state for a plugin that is not loaded", "plugin", name)
		}
	}

	widgetErr := e.widgets.Restore(ctx, sf.Widgets, owners)

	e.router.Clear()
	e.tick = sf.Header.Tick
	e.timers.restoreFired(sf.Profile.Fired)
	e.timers.resetSession()
	e.profileBase = sf.Profile.Elapsed.Std()
	e.sessionStart = e.opts.Clock.Now()
	e.sessionID = uuid.New()

	if widgetErr != nil {
		return fmt.Errorf("restore widgets: %w", widgetErr)
	}
	return nil
}

// LoadFrom restores slot of store.
func (e *Engine) LoadFrom(ctx context.Context, store persistence.Store, slot string) error {
	sf, err := store.Load(ctx, slot)
	if err != nil {
		return err
	}
	return e.Restore(ctx, sf)
}
