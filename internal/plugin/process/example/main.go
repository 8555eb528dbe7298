// Command example is a native ludo plugin that runs as its own process.
//
// Build: go build -o plugins/metronome/metronome ./internal/plugin/process/example
//
// and place a manifest next to it:
//
//	plugins/metronome/
//	  metronome.yaml   # name: metronome, kind: process, exec: metronome
//	  metronome        # the executable
//
// Every tick it counts a beat in its store and emits a "beat" message.
// Updating the binary triggers a hot reload like any other module.
package main

import (
	"context"
	"fmt"

	"github.com/goatkit/ludo/pkg/plugin"
	"github.com/goatkit/ludo/pkg/plugin/rpcplugin"
)

// Metronome emits one "beat" per tick.
type Metronome struct{}

// Init implements plugin.Plugin.
func (Metronome) Init(ctx context.Context, host plugin.HostAPI) (plugin.Registration, error) {
	return plugin.Registration{
		Name:      "metronome",
		Subscribe: []plugin.EventKind{plugin.TimerKind(plugin.TimerSpec{Mode: plugin.TimerAlways})},
		Publish:   []string{"beat"},
		State:     plugin.Attributes{"beats": plugin.Number(0)},
	}, nil
}

// Run implements plugin.Plugin.
func (Metronome) Run(ctx context.Context, host plugin.HostAPI, ev plugin.Event) error {
	if ev.Type != plugin.EventTimer {
		return nil
	}
	v, _, err := host.StoreGet(ctx, "beats")
	if err != nil {
		return fmt.Errorf("read beats: %w", err)
	}
	n, _ := v.AsNumber()
	n++
	if err := host.StoreSet(ctx, "beats", plugin.Number(n)); err != nil {
		return err
	}
	return host.Emit(ctx, plugin.Message{
		Kind:       "beat",
		Attributes: plugin.Attributes{"n": plugin.Number(n), "tick": plugin.Number(float64(ev.Tick))},
	})
}

// Shutdown implements plugin.Plugin.
func (Metronome) Shutdown(context.Context) error { return nil }

func main() {
	rpcplugin.Serve(Metronome{})
}
