// Package example provides native plugin implementations used by tests and
// by the demo scene of the ludo command. Real plugins ship as WASM modules.
package example

import (
	"context"
	"sync"

	"github.com/goatkit/ludo/internal/plugin"
)

// Scripted is a plugin whose registration and behaviour are supplied by the
// caller. It records every event it receives.
type Scripted struct {
	Reg    plugin.Registration
	OnInit func(ctx context.Context, host plugin.HostAPI) error
	OnRun  func(ctx context.Context, host plugin.HostAPI, ev plugin.Event) error

	mu       sync.Mutex
	events   []plugin.Event
	shutdown bool
}

// Init implements plugin.Plugin.
func (p *Scripted) Init(ctx context.Context, host plugin.HostAPI) (plugin.Registration, error) {
	if p.OnInit != nil {
		if err := p.OnInit(ctx, host); err != nil {
			return plugin.Registration{}, err
		}
	}
	return p.Reg, nil
}

// Run implements plugin.Plugin.
func (p *Scripted) Run(ctx context.Context, host plugin.HostAPI, ev plugin.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	if p.OnRun != nil {
		return p.OnRun(ctx, host, ev)
	}
	return nil
}

// Shutdown implements plugin.Plugin.
func (p *Scripted) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = true
	return nil
}

// Events returns what Run received, in order.
func (p *Scripted) Events() []plugin.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]plugin.Event(nil), p.events...)
}

// EventsInTick returns the events Run received that were produced in tick.
func (p *Scripted) EventsInTick(tick uint64) []plugin.Event {
	var out []plugin.Event
	for _, ev := range p.Events() {
		if ev.Tick == tick {
			out = append(out, ev)
		}
	}
	return out
}

// Reset forgets recorded events.
func (p *Scripted) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// IsShutdown reports whether Shutdown was called.
func (p *Scripted) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}
