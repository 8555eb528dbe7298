package engine

import (
	"slices"
	"strings"

	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// inputTracker folds raw input into the state plugins poll: pointer
// position, held keys and held buttons.
type inputTracker struct {
	x, y    float32
	keys    map[string]bool
	buttons map[pkgplugin.MouseButton]bool
}

func newInputTracker() inputTracker {
	return inputTracker{keys: make(map[string]bool), buttons: make(map[pkgplugin.MouseButton]bool)}
}

func (t *inputTracker) apply(in pkgplugin.Input) {
	if in.IsPointer() {
		t.x, t.y = in.X, in.Y
	}
	switch in.Class {
	case pkgplugin.InputKeyDown:
		for _, k := range in.Keys {
			t.keys[strings.ToLower(k)] = true
		}
	case pkgplugin.InputKeyUp:
		for _, k := range in.Keys {
			delete(t.keys, strings.ToLower(k))
		}
	case pkgplugin.InputMouseDown:
		if in.Button != "" {
			t.buttons[in.Button] = true
		}
	case pkgplugin.InputMouseUp:
		delete(t.buttons, in.Button)
	}
}

func (t *inputTracker) state() pkgplugin.InputState {
	st := pkgplugin.InputState{X: t.x, Y: t.y}
	for k := range t.keys {
		st.Keys = append(st.Keys, k)
	}
	slices.Sort(st.Keys)
	for b := range t.buttons {
		st.Buttons = append(st.Buttons, b)
	}
	slices.Sort(st.Buttons)
	return st
}
