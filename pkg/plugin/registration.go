package plugin

import (
	"errors"
	"fmt"
)

// Registration is what a plugin returns from Init.
type Registration struct {
	// Name, if set, must match the name the plugin was loaded under.
	Name string `json:"name,omitempty"`

	// Subscribe lists the timer and plugin kinds the plugin receives. Input
	// kinds are not allowed here; raw input only reaches widgets.
	Subscribe []EventKind `json:"subscribe,omitempty"`

	// Publish lists the message kinds the plugin may emit.
	Publish []string `json:"publish,omitempty"`

	// Dependencies are plugins that should run before this one each tick.
	Dependencies []string `json:"dependencies,omitempty"`

	// State seeds the persistent store for keys not already present.
	State Attributes `json:"state,omitempty"`

	// Widgets are created on the plugin's behalf once Init returns.
	Widgets []WidgetSpec `json:"widgets,omitempty"`
}

// Validate checks every declared kind and widget spec.
func (r Registration) Validate() error {
	var errs []error
	for i, k := range r.Subscribe {
		if err := k.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("subscribe[%d]: %w", i, err))
			continue
		}
		if k.Class == ClassInput {
			errs = append(errs, fmt.Errorf("subscribe[%d]: plugins cannot subscribe to raw input", i))
		}
	}
	for i, tag := range r.Publish {
		if tag == "" {
			errs = append(errs, fmt.Errorf("publish[%d]: empty kind", i))
		}
	}
	seen := make(map[string]bool, len(r.Widgets))
	for i, w := range r.Widgets {
		if w.Name == "" || w.Type == "" {
			errs = append(errs, fmt.Errorf("widgets[%d]: name and type are required", i))
			continue
		}
		if seen[w.Name] {
			errs = append(errs, fmt.Errorf("widgets[%d]: duplicate name %q", i, w.Name))
		}
		seen[w.Name] = true
	}
	return errors.Join(errs...)
}

// WidgetSpec describes a widget to create.
type WidgetSpec struct {
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Attributes Attributes `json:"attributes,omitempty"`
	X          float32    `json:"x"`
	Y          float32    `json:"y"`
	Hidden     bool       `json:"hidden,omitempty"`
}
