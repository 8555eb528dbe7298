// Package plugin defines the types shared between the ludo host and plugin
// authors: the guest Plugin interface, the HostAPI a running plugin calls
// back into, events, messages and values.
package plugin

import (
	"context"
	"fmt"
	"time"
)

// Plugin is the capability set every plugin module exposes, whether it runs
// natively or inside the WASM sandbox.
type Plugin interface {
	// Init is called exactly once at load. The returned registration fixes
	// the plugin's subscriptions and publish set for the session.
	Init(ctx context.Context, host HostAPI) (Registration, error)

	// Run is called once per pending event per tick. Emissions and store
	// writes made through host are applied only if Run returns nil.
	Run(ctx context.Context, host HostAPI, ev Event) error

	// Shutdown is called before unloading the plugin.
	Shutdown(ctx context.Context) error
}

// HostAPI is the host surface available to a plugin during Init and Run.
// Every call acts on behalf of the calling plugin only.
type HostAPI interface {
	// Emit queues a message for delivery to subscribers on the next tick.
	Emit(ctx context.Context, msg Message) error

	// Persistent store, private to the plugin.
	StoreGet(ctx context.Context, key string) (Value, bool, error)
	StoreSet(ctx context.Context, key string, value Value) error
	StoreDelete(ctx context.Context, key string) error

	// Input returns the current pointer and held-key state.
	Input(ctx context.Context) (InputState, error)

	// Widgets. Mutations are rejected unless the caller owns the widget.
	CreateWidget(ctx context.Context, spec WidgetSpec) (WidgetID, error)
	UpdateWidget(ctx context.Context, id WidgetID, key string, value Value) error
	MoveWidget(ctx context.Context, id WidgetID, x, y float32) error
	RemoveWidget(ctx context.Context, id WidgetID) error
	WidgetAttribute(ctx context.Context, id WidgetID, key string) (Value, error)

	// Logging
	Log(ctx context.Context, level, message string, fields map[string]any)
}

// InputState is the polled view of the input devices.
type InputState struct {
	X       float32       `json:"x"`
	Y       float32       `json:"y"`
	Keys    []string      `json:"keys,omitempty"`
	Buttons []MouseButton `json:"buttons,omitempty"`
}

// WidgetID identifies a widget. Names are unique per owner.
type WidgetID struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

func (id WidgetID) String() string { return id.Owner + "/" + id.Name }

// ResourcePolicy bounds what a single guest call may consume.
type ResourcePolicy struct {
	// MaxHostCalls caps host calls per guest call. Zero means unlimited.
	MaxHostCalls int `json:"max_host_calls" yaml:"max_host_calls"`
	// CallTimeout is the watchdog deadline for one guest call.
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`
	// MemoryLimitPages caps guest linear memory, in 64KiB pages.
	MemoryLimitPages uint32 `json:"memory_limit_pages" yaml:"memory_limit_pages"`
}

// DefaultResourcePolicy returns the policy used when neither the game config
// nor the plugin manifest overrides it.
func DefaultResourcePolicy() ResourcePolicy {
	return ResourcePolicy{
		MaxHostCalls:     1024,
		CallTimeout:      100 * time.Millisecond,
		MemoryLimitPages: 256,
	}
}

// Validate rejects negative limits.
func (p ResourcePolicy) Validate() error {
	if p.MaxHostCalls < 0 {
		return fmt.Errorf("max_host_calls must not be negative")
	}
	if p.CallTimeout < 0 {
		return fmt.Errorf("call_timeout must not be negative")
	}
	return nil
}
