package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goatkit/ludo/internal/plugin"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// WASMPlugin is a plugin compiled to WebAssembly. It implements
// plugin.Plugin; the host API is only reachable while Init or Run is
// executing.
type WASMPlugin struct {
	guest
	mu           sync.Mutex
	registration pkgplugin.Registration
}

var _ plugin.Plugin = (*WASMPlugin)(nil)

// Load compiles wasmBytes and instantiates it. The module must export
// memory, gk_malloc, gk_init and gk_run; gk_free is optional.
func Load(ctx context.Context, name string, wasmBytes []byte, opts ...LoadOption) (*WASMPlugin, error) {
	o := defaultLoadOptions()
	for _, opt := range opts {
		opt(&o)
	}
	mr, err := newModuleRuntime(ctx, name, wasmBytes, o, exportInit, exportRun)
	if err != nil {
		return nil, err
	}
	p := &WASMPlugin{guest: newGuest(mr, name)}
	if _, err := p.ensure(ctx); err != nil {
		_ = mr.close(ctx)
		return nil, err
	}
	return p, nil
}

// LoadFromFile loads a module from disk. The plugin is named after the file.
func LoadFromFile(ctx context.Context, path string, opts ...LoadOption) (*WASMPlugin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Load(ctx, name, data, opts...)
}

// Name returns the name the plugin was loaded under.
func (p *WASMPlugin) Name() string { return p.name }

// Registration returns what gk_init declared, once Init has run.
func (p *WASMPlugin) Registration() pkgplugin.Registration { return p.registration }

// Init calls gk_init and decodes the registration. A guest that omits its
// name gets the load name.
func (p *WASMPlugin) Init(ctx context.Context, host pkgplugin.HostAPI) (pkgplugin.Registration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.ensure(ctx); err != nil {
		return pkgplugin.Registration{}, err
	}
	p.host = host
	defer func() { p.host = nil }()

	data, err := p.callResult(ctx, exportInit)
	if err != nil {
		return pkgplugin.Registration{}, err
	}
	if len(data) == 0 {
		return pkgplugin.Registration{}, &plugin.SandboxError{Plugin: p.name, Err: errors.New("gk_init returned no registration")}
	}
	if msg, ok := decodeGuestError(data); ok {
		return pkgplugin.Registration{}, fmt.Errorf("gk_init: %s", msg)
	}

	var reg pkgplugin.Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return pkgplugin.Registration{}, &plugin.SandboxError{Plugin: p.name, Err: fmt.Errorf("decode registration: %w", err)}
	}
	if reg.Name == "" {
		reg.Name = p.name
	}
	p.registration = reg
	return reg, nil
}

// Run passes one event to gk_run. A guest returning {"error": "..."} fails
// the call, which discards its emissions and store writes.
//
// An instance closed by a watchdog is replaced before the call. gk_init is
// not run again, so guest globals start from their initial values.
func (p *WASMPlugin) Run(ctx context.Context, host pkgplugin.HostAPI, ev pkgplugin.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.ensure(ctx); err != nil {
		return err
	}
	p.host = host
	defer func() { p.host = nil }()

	data, err := p.callJSON(ctx, exportRun, ev)
	if err != nil {
		return err
	}
	if msg, ok := decodeGuestError(data); ok {
		return fmt.Errorf("gk_run: %s", msg)
	}
	return nil
}

// Shutdown closes the instance and its runtime. The plugin is unusable
// afterwards.
func (p *WASMPlugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rt == nil {
		return nil
	}
	rt := p.rt
	p.rt, p.module, p.gkMalloc, p.gkFree = nil, nil, nil, nil
	return rt.close(ctx)
}
