package plugin

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistrationClosed is returned when a plugin tries to change its
	// subscriptions or publish set after Init returned.
	ErrRegistrationClosed = errors.New("registration closed")

	// ErrPluginNotFound is returned for operations on an unknown plugin.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrHostCallLimit is returned once a guest call has used up its host
	// call budget. The call is then treated as trapped.
	ErrHostCallLimit = errors.New("host call limit exceeded")

	// ErrNoActiveCall is returned when a plugin uses its host outside of
	// Init or Run.
	ErrNoActiveCall = errors.New("no active plugin call")
)

// SandboxError means a module could not be loaded or instantiated. It is
// fatal to that plugin only.
type SandboxError struct {
	Plugin string
	Err    error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("plugin %q: sandbox: %v", e.Plugin, e.Err)
}

func (e *SandboxError) Unwrap() error { return e.Err }

// TrapError means a guest faulted mid-call. Call names the entry point,
// e.g. "init", "run" or "interact".
type TrapError struct {
	Plugin string
	Call   string
	Err    error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("plugin %q: trap in %s: %v", e.Plugin, e.Call, e.Err)
}

func (e *TrapError) Unwrap() error { return e.Err }

// ConstructionError means widget attributes failed validation. Nothing was
// registered.
type ConstructionError struct {
	Widget WidgetID
	Type   string
	Err    error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("widget %s (%s): construction failed: %v", e.Widget, e.Type, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// NotOwnerError means a plugin tried to touch a widget it does not own.
type NotOwnerError struct {
	Caller string
	Widget WidgetID
}

func (e *NotOwnerError) Error() string {
	return fmt.Sprintf("plugin %q does not own widget %s", e.Caller, e.Widget)
}

// NoSuchAttributeError means the widget has no attribute with that key.
type NoSuchAttributeError struct {
	Widget WidgetID
	Key    string
}

func (e *NoSuchAttributeError) Error() string {
	return fmt.Sprintf("widget %s has no attribute %q", e.Widget, e.Key)
}

// NoSuchWidgetError means no live widget has that id.
type NoSuchWidgetError struct {
	Widget WidgetID
}

func (e *NoSuchWidgetError) Error() string {
	return fmt.Sprintf("no widget %s", e.Widget)
}

// UnauthorizedKindError means a plugin emitted a kind it did not declare, or
// one the game config denies it.
type UnauthorizedKindError struct {
	Plugin string
	Kind   string
	Denied bool
}

func (e *UnauthorizedKindError) Error() string {
	if e.Denied {
		return fmt.Sprintf("plugin %q: kind %q denied by configuration", e.Plugin, e.Kind)
	}
	return fmt.Sprintf("plugin %q: kind %q not declared in publish set", e.Plugin, e.Kind)
}

// QuotaExceededError means a plugin hit the per-tick emission cap. Further
// emissions are dropped until the next tick.
type QuotaExceededError struct {
	Plugin string
	Limit  int
	Tick   uint64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("plugin %q: emission quota of %d exceeded in tick %d", e.Plugin, e.Limit, e.Tick)
}

// IsTrap reports whether err is, or wraps, a TrapError.
func IsTrap(err error) bool {
	var te *TrapError
	return errors.As(err, &te)
}

// ErrorCode maps a host error to the stable code plugins branch on. WASM
// guests and process plugins see the same codes.
func ErrorCode(err error) string {
	var (
		notOwner     *NotOwnerError
		noWidget     *NoSuchWidgetError
		noAttr       *NoSuchAttributeError
		construction *ConstructionError
		unauthorized *UnauthorizedKindError
		quota        *QuotaExceededError
	)
	switch {
	case errors.As(err, &notOwner):
		return "not_owner"
	case errors.As(err, &noWidget):
		return "no_such_widget"
	case errors.As(err, &noAttr):
		return "no_such_attribute"
	case errors.As(err, &construction):
		return "construction"
	case errors.As(err, &unauthorized):
		return "unauthorized_kind"
	case errors.As(err, &quota):
		return "quota_exceeded"
	case errors.Is(err, ErrHostCallLimit):
		return "host_call_limit"
	case errors.Is(err, ErrNoActiveCall):
		return "no_active_call"
	}
	return "error"
}
