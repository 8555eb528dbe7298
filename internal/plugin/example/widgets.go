package example

import (
	"context"
	"fmt"

	"github.com/goatkit/ludo/internal/plugin"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// Clicker owns a button and counts how often it is triggered. Every click
// relabels the button and is re-emitted as "clicked". Name must match the
// name the plugin is loaded under; it defaults to "clicker".
type Clicker struct {
	Name string
	X, Y float32
}

// Init implements plugin.Plugin.
func (c *Clicker) Init(ctx context.Context, host plugin.HostAPI) (plugin.Registration, error) {
	return plugin.Registration{
		Publish: []string{"clicked"},
		State:   plugin.Attributes{"clicks": pkgplugin.Number(0)},
		Widgets: []plugin.WidgetSpec{{
			Name: "btn",
			Type: "button",
			X:    c.X,
			Y:    c.Y,
			Attributes: plugin.Attributes{
				"width":        pkgplugin.Number(120),
				"height":       pkgplugin.Number(40),
				"text":         pkgplugin.String("Click me"),
				"idle_color":   pkgplugin.String("#3050a0"),
				"focus_color":  pkgplugin.String("#4070d0"),
				"active_color": pkgplugin.String("#20306a"),
			},
		}},
	}, nil
}

// Run implements plugin.Plugin.
func (c *Clicker) Run(ctx context.Context, host plugin.HostAPI, ev plugin.Event) error {
	if ev.Type != pkgplugin.EventWidget || ev.Source != "btn" || ev.Kind() != "triggered" {
		return nil
	}
	clicks, err := increment(ctx, host, "clicks")
	if err != nil {
		return err
	}
	id := plugin.WidgetID{Owner: ownerName(c.Name, "clicker"), Name: "btn"}
	label := pkgplugin.String(fmt.Sprintf("Clicked %d", int(clicks)))
	if err := host.UpdateWidget(ctx, id, "text", label); err != nil {
		host.Log(ctx, plugin.LevelWarn, "relabel failed", map[string]any{"error": err.Error()})
	}
	return host.Emit(ctx, pkgplugin.NewMessage("clicked").With("clicks", pkgplugin.Number(clicks)))
}

// Shutdown implements plugin.Plugin.
func (c *Clicker) Shutdown(ctx context.Context) error { return nil }

// Mover owns a keyboard-driven circle and follows its "move" messages. Name
// defaults to "mover".
type Mover struct {
	Name string
	X, Y float32
}

// Init implements plugin.Plugin.
func (m *Mover) Init(ctx context.Context, host plugin.HostAPI) (plugin.Registration, error) {
	return plugin.Registration{
		State: plugin.Attributes{
			"x": pkgplugin.Number(float64(m.X)),
			"y": pkgplugin.Number(float64(m.Y)),
		},
		Widgets: []plugin.WidgetSpec{{
			Name: "ball",
			Type: "circle",
			X:    m.X,
			Y:    m.Y,
			Attributes: plugin.Attributes{
				"radius":     pkgplugin.Number(20),
				"fill_color": pkgplugin.String("#e04040"),
			},
		}},
	}, nil
}

// Run implements plugin.Plugin.
func (m *Mover) Run(ctx context.Context, host plugin.HostAPI, ev plugin.Event) error {
	if ev.Type != pkgplugin.EventWidget || ev.Source != "ball" || ev.Kind() != "move" {
		return nil
	}
	dx, _ := ev.Message.Attributes.Float("dx")
	dy, _ := ev.Message.Attributes.Float("dy")

	xv, _, err := host.StoreGet(ctx, "x")
	if err != nil {
		return err
	}
	yv, _, err := host.StoreGet(ctx, "y")
	if err != nil {
		return err
	}
	x, _ := xv.AsNumber()
	y, _ := yv.AsNumber()
	x, y = x+dx, y+dy

	if err := host.MoveWidget(ctx, plugin.WidgetID{Owner: ownerName(m.Name, "mover"), Name: "ball"}, float32(x), float32(y)); err != nil {
		return err
	}
	if err := host.StoreSet(ctx, "x", pkgplugin.Number(x)); err != nil {
		return err
	}
	return host.StoreSet(ctx, "y", pkgplugin.Number(y))
}

// Shutdown implements plugin.Plugin.
func (m *Mover) Shutdown(ctx context.Context) error { return nil }

func ownerName(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
