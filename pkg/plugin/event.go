package plugin

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EventClass is the family an EventKind belongs to.
type EventClass string

const (
	ClassTimer  EventClass = "timer"
	ClassInput  EventClass = "input"
	ClassPlugin EventClass = "plugin"
)

// TimerMode selects how a timer subscription fires.
type TimerMode string

const (
	// TimerDate fires once when wall-clock time passes At.
	TimerDate TimerMode = "date"
	// TimerSession fires once per session after After of session time.
	TimerSession TimerMode = "session"
	// TimerProfile fires once per save profile after After of accumulated
	// profile time.
	TimerProfile TimerMode = "profile"
	// TimerRepeat fires every After, at most Count times per session.
	TimerRepeat TimerMode = "repeat"
	// TimerAlways fires on every tick once session time has passed After.
	TimerAlways TimerMode = "always"
	// TimerCron fires on the first tick at or after each activation of the
	// Cron schedule, evaluated on the engine clock during the session.
	TimerCron TimerMode = "cron"
)

// Duration is a time.Duration that encodes as a Go duration string ("1.5s").
// It also decodes plain numbers, read as seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("duration: %w", err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration: expected string or number, got %s", string(data))
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// TimerSpec parameterises a timer subscription. The same spec is echoed back
// in the Timer event so a plugin can tell its timers apart.
type TimerSpec struct {
	Mode  TimerMode `json:"mode"`
	At    time.Time `json:"at,omitzero"`
	After Duration  `json:"after,omitempty"`
	Count int       `json:"count,omitempty"`
	// Cron is a standard five field expression or a descriptor such as
	// "@hourly" or "@every 30s".
	Cron string `json:"cron,omitempty"`
}

// Key identifies the timer within one plugin's subscriptions.
func (t TimerSpec) Key() string {
	switch t.Mode {
	case TimerDate:
		return "date@" + t.At.UTC().Format(time.RFC3339Nano)
	case TimerRepeat:
		return "repeat@" + t.After.Std().String() + "x" + strconv.Itoa(t.Count)
	case TimerCron:
		return "cron@" + t.Cron
	default:
		return string(t.Mode) + "@" + t.After.Std().String()
	}
}

// Validate checks that t carries what its mode needs.
func (t TimerSpec) Validate() error {
	switch t.Mode {
	case TimerDate:
		if t.At.IsZero() {
			return fmt.Errorf("date timer requires at")
		}
	case TimerSession, TimerProfile, TimerAlways:
		if t.After < 0 {
			return fmt.Errorf("%s timer: negative after", t.Mode)
		}
	case TimerRepeat:
		if t.After <= 0 {
			return fmt.Errorf("repeat timer requires a positive after")
		}
		if t.Count <= 0 {
			return fmt.Errorf("repeat timer requires a positive count")
		}
	case TimerCron:
		if _, err := t.Schedule(); err != nil {
			return fmt.Errorf("cron timer: %w", err)
		}
	default:
		return fmt.Errorf("unknown timer mode %q", t.Mode)
	}
	return nil
}

// Schedule parses Cron.
func (t TimerSpec) Schedule() (cron.Schedule, error) {
	if t.Cron == "" {
		return nil, fmt.Errorf("expression is required")
	}
	return cron.ParseStandard(t.Cron)
}

// InputClass is the class of a raw input item.
type InputClass string

const (
	InputPointer    InputClass = "pointer"
	InputMouseDown  InputClass = "mouse_down"
	InputMouseUp    InputClass = "mouse_up"
	InputMouseClick InputClass = "mouse_click"
	InputKeyDown    InputClass = "key_down"
	InputKeyUp      InputClass = "key_up"
	InputNextScene  InputClass = "next_scene"
)

// MouseButton names a mouse button.
type MouseButton string

const (
	MouseLeft   MouseButton = "left"
	MouseRight  MouseButton = "right"
	MouseMiddle MouseButton = "middle"
)

// Input is one raw input item. Pointer-class inputs carry coordinates, key
// inputs carry the key combination held at the time.
type Input struct {
	Class  InputClass  `json:"class"`
	X      float32     `json:"x,omitempty"`
	Y      float32     `json:"y,omitempty"`
	Button MouseButton `json:"button,omitempty"`
	Keys   []string    `json:"keys,omitempty"`
}

// IsPointer reports whether the input is positional.
func (in Input) IsPointer() bool {
	switch in.Class {
	case InputPointer, InputMouseDown, InputMouseUp, InputMouseClick:
		return true
	}
	return false
}

// Translate returns a copy of in shifted by (-dx, -dy).
func (in Input) Translate(dx, dy float32) Input {
	out := in
	out.X -= dx
	out.Y -= dy
	out.Keys = slices.Clone(in.Keys)
	return out
}

// InputSpec describes the raw inputs a widget wants to receive. An empty
// Keys or Button matches any.
type InputSpec struct {
	Class  InputClass  `json:"class"`
	Keys   []string    `json:"keys,omitempty"`
	Button MouseButton `json:"button,omitempty"`
}

// Matches reports whether in is covered by s.
func (s InputSpec) Matches(in Input) bool {
	if s.Class != in.Class {
		return false
	}
	if s.Button != "" && s.Button != in.Button {
		return false
	}
	if len(s.Keys) == 0 {
		return true
	}
	if len(s.Keys) != len(in.Keys) {
		return false
	}
	for _, k := range s.Keys {
		if !containsFold(in.Keys, k) {
			return false
		}
	}
	return true
}

func containsFold(keys []string, k string) bool {
	for _, have := range keys {
		if strings.EqualFold(have, k) {
			return true
		}
	}
	return false
}

// EventKind is the subscribe-time descriptor. Exactly one of Timer, Input or
// Tag is meaningful, selected by Class.
type EventKind struct {
	Class EventClass `json:"class"`
	Timer *TimerSpec `json:"timer,omitempty"`
	Input *InputSpec `json:"input,omitempty"`
	Tag   string     `json:"tag,omitempty"`
}

// TimerKind subscribes to a timer.
func TimerKind(spec TimerSpec) EventKind {
	return EventKind{Class: ClassTimer, Timer: &spec}
}

// InputKind subscribes to raw input.
func InputKind(spec InputSpec) EventKind {
	return EventKind{Class: ClassInput, Input: &spec}
}

// PluginKind subscribes to messages of the given kind emitted by plugins.
func PluginKind(tag string) EventKind {
	return EventKind{Class: ClassPlugin, Tag: tag}
}

// Validate checks the descriptor is well formed.
func (k EventKind) Validate() error {
	switch k.Class {
	case ClassTimer:
		if k.Timer == nil {
			return fmt.Errorf("timer kind without timer spec")
		}
		return k.Timer.Validate()
	case ClassInput:
		if k.Input == nil {
			return fmt.Errorf("input kind without input spec")
		}
		if k.Input.Class == "" {
			return fmt.Errorf("input kind without input class")
		}
		return nil
	case ClassPlugin:
		if k.Tag == "" {
			return fmt.Errorf("plugin kind without tag")
		}
		return nil
	default:
		return fmt.Errorf("unknown event class %q", k.Class)
	}
}

// Key is the routing-table discriminant for k.
func (k EventKind) Key() string {
	switch k.Class {
	case ClassTimer:
		if k.Timer == nil {
			return "timer:"
		}
		return "timer:" + k.Timer.Key()
	case ClassInput:
		if k.Input == nil {
			return "input:"
		}
		return "input:" + string(k.Input.Class)
	case ClassPlugin:
		return "plugin:" + k.Tag
	}
	return string(k.Class) + ":"
}

// Matches reports whether ev is deliverable to a subscriber of k. Widget
// events are addressed to the owner directly and never match a kind.
func (k EventKind) Matches(ev Event) bool {
	switch k.Class {
	case ClassTimer:
		return ev.Type == EventTimer && k.Timer != nil && ev.Timer != nil &&
			k.Timer.Key() == ev.Timer.Key()
	case ClassPlugin:
		return ev.Type == EventPlugin && ev.Message != nil && ev.Message.Kind == k.Tag
	}
	return false
}

// MatchesInput reports whether a raw input is deliverable to a widget
// subscribed with k.
func (k EventKind) MatchesInput(in Input) bool {
	return k.Class == ClassInput && k.Input != nil && k.Input.Matches(in)
}

// String renders the kind for logs.
func (k EventKind) String() string { return k.Key() }

// EventType is the variant of a delivered Event.
type EventType string

const (
	EventTimer  EventType = "timer"
	EventWidget EventType = "widget"
	EventPlugin EventType = "plugin"
)

// Event is the delivery payload handed to Plugin.Run. Tick is the tick the
// event was produced in.
type Event struct {
	Type    EventType  `json:"type"`
	Tick    uint64     `json:"tick"`
	Timer   *TimerSpec `json:"timer,omitempty"`
	Source  string     `json:"source,omitempty"`
	Message *Message   `json:"message,omitempty"`
}

// NewTimerEvent builds a timer event.
func NewTimerEvent(tick uint64, spec TimerSpec) Event {
	return Event{Type: EventTimer, Tick: tick, Timer: &spec}
}

// NewWidgetMessage builds the event an owner receives from one of its
// widgets. Source is the widget name.
func NewWidgetMessage(tick uint64, widget string, msg Message) Event {
	return Event{Type: EventWidget, Tick: tick, Source: widget, Message: &msg}
}

// NewPluginMessage builds the event a subscriber receives from another
// plugin. Source is the emitting plugin.
func NewPluginMessage(tick uint64, from string, msg Message) Event {
	return Event{Type: EventPlugin, Tick: tick, Source: from, Message: &msg}
}

// Kind returns the message kind carried by widget and plugin events.
func (ev Event) Kind() string {
	if ev.Message == nil {
		return ""
	}
	return ev.Message.Kind
}

// WidgetEventType is the variant of a WidgetEvent.
type WidgetEventType string

const (
	WidgetInput WidgetEventType = "input"
	WidgetFocus WidgetEventType = "focus"
	WidgetBlur  WidgetEventType = "blur"
)

// WidgetEvent is what a widget's Interact receives. Input coordinates are
// local to the widget, origin at its top-left corner.
type WidgetEvent struct {
	Type  WidgetEventType `json:"type"`
	Input *Input          `json:"input,omitempty"`
}

// InputEvent wraps a raw input for a widget.
func InputEvent(in Input) WidgetEvent {
	return WidgetEvent{Type: WidgetInput, Input: &in}
}

// FocusEvent is sent when the pointer enters a widget.
func FocusEvent() WidgetEvent { return WidgetEvent{Type: WidgetFocus} }

// BlurEvent is sent when the pointer leaves a widget.
func BlurEvent() WidgetEvent { return WidgetEvent{Type: WidgetBlur} }
