package example

import (
	"context"
	"time"

	"github.com/goatkit/ludo/internal/plugin"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// Ping emits a "ping" every Interval and counts the pongs it gets back.
type Ping struct {
	Interval time.Duration
	Rounds   int
}

// NewPing creates a ping plugin that fires rounds times, interval apart.
func NewPing(interval time.Duration, rounds int) *Ping {
	return &Ping{Interval: interval, Rounds: rounds}
}

func (p *Ping) timer() pkgplugin.TimerSpec {
	return pkgplugin.TimerSpec{Mode: pkgplugin.TimerRepeat, After: pkgplugin.Duration(p.Interval), Count: p.Rounds}
}

// Init implements plugin.Plugin.
func (p *Ping) Init(ctx context.Context, host plugin.HostAPI) (plugin.Registration, error) {
	host.Log(ctx, plugin.LevelInfo, "ping ready", map[string]any{"interval": p.Interval.String()})
	return plugin.Registration{
		Subscribe: []plugin.EventKind{pkgplugin.TimerKind(p.timer()), pkgplugin.PluginKind("pong")},
		Publish:   []string{"ping"},
		State: plugin.Attributes{
			"sent":     pkgplugin.Number(0),
			"received": pkgplugin.Number(0),
		},
	}, nil
}

// Run implements plugin.Plugin.
func (p *Ping) Run(ctx context.Context, host plugin.HostAPI, ev plugin.Event) error {
	switch ev.Type {
	case pkgplugin.EventTimer:
		sent, err := increment(ctx, host, "sent")
		if err != nil {
			return err
		}
		return host.Emit(ctx, pkgplugin.NewMessage("ping").With("seq", pkgplugin.Number(sent)))
	case pkgplugin.EventPlugin:
		_, err := increment(ctx, host, "received")
		return err
	}
	return nil
}

// Shutdown implements plugin.Plugin.
func (p *Ping) Shutdown(ctx context.Context) error { return nil }

// Pong answers every ping with a pong carrying the same sequence number.
type Pong struct{}

// Init implements plugin.Plugin.
func (Pong) Init(ctx context.Context, host plugin.HostAPI) (plugin.Registration, error) {
	return plugin.Registration{
		Subscribe:    []plugin.EventKind{pkgplugin.PluginKind("ping")},
		Publish:      []string{"pong"},
		Dependencies: []string{"ping"},
	}, nil
}

// Run implements plugin.Plugin.
func (Pong) Run(ctx context.Context, host plugin.HostAPI, ev plugin.Event) error {
	if ev.Type != pkgplugin.EventPlugin {
		return nil
	}
	reply := pkgplugin.NewMessage("pong")
	if seq, ok := ev.Message.Attribute("seq"); ok {
		reply = reply.With("seq", seq)
	}
	if _, err := increment(ctx, host, "answered"); err != nil {
		return err
	}
	return host.Emit(ctx, reply)
}

// Shutdown implements plugin.Plugin.
func (Pong) Shutdown(ctx context.Context) error { return nil }

// increment adds one to a numeric store key and returns the new value.
func increment(ctx context.Context, host plugin.HostAPI, key string) (float64, error) {
	v, _, err := host.StoreGet(ctx, key)
	if err != nil {
		return 0, err
	}
	n, _ := v.AsNumber()
	n++
	return n, host.StoreSet(ctx, key, pkgplugin.Number(n))
}
