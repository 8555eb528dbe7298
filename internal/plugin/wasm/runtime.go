// Package wasm runs plugins and widget types compiled to WebAssembly inside
// a wazero sandbox. Each loaded module gets its own runtime with a memory
// ceiling, and every guest call runs under a watchdog deadline.
package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/goatkit/ludo/internal/plugin"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

type loadOptions struct {
	memoryLimitPages uint32
	callTimeout      time.Duration
	logger           *slog.Logger
	schema           []byte
}

// LoadOption configures how a module is loaded.
type LoadOption func(*loadOptions)

func defaultLoadOptions() loadOptions {
	p := pkgplugin.DefaultResourcePolicy()
	return loadOptions{
		memoryLimitPages: p.MemoryLimitPages,
		callTimeout:      p.CallTimeout,
		logger:           slog.Default(),
	}
}

// WithMemoryLimit caps guest linear memory, in 64KiB pages.
func WithMemoryLimit(pages uint32) LoadOption {
	return func(o *loadOptions) { o.memoryLimitPages = pages }
}

// WithCallTimeout sets the watchdog deadline for each guest call.
func WithCallTimeout(d time.Duration) LoadOption {
	return func(o *loadOptions) { o.callTimeout = d }
}

// WithPolicy applies the memory and time limits of a resource policy. The
// host call ceiling is enforced by the sandboxed host API, not here.
func WithPolicy(p pkgplugin.ResourcePolicy) LoadOption {
	return func(o *loadOptions) {
		o.memoryLimitPages = p.MemoryLimitPages
		o.callTimeout = p.CallTimeout
	}
}

// WithLogger sets the logger used for guest logs that have no host API.
func WithLogger(l *slog.Logger) LoadOption {
	return func(o *loadOptions) { o.logger = l }
}

// WithSchema attaches a JSON schema contract to a widget module.
func WithSchema(schemaJSON []byte) LoadOption {
	return func(o *loadOptions) { o.schema = schemaJSON }
}

// moduleRuntime is one compiled module and the wazero runtime it lives in.
// Instances are created from it on demand.
type moduleRuntime struct {
	name     string
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	opts     loadOptions
}

func newModuleRuntime(ctx context.Context, name string, wasmBytes []byte, opts loadOptions, required ...string) (*moduleRuntime, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if opts.memoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(opts.memoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	fail := func(err error) (*moduleRuntime, error) {
		_ = rt.Close(ctx)
		return nil, &plugin.SandboxError{Plugin: name, Err: err}
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return fail(fmt.Errorf("instantiate wasi: %w", err))
	}
	_, err := rt.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, fnPtr, fnLen, argsPtr, argsLen uint32) uint64 {
			g := guestFrom(ctx)
			if g == nil {
				return 0
			}
			return g.hostCall(ctx, fnPtr, fnLen, argsPtr, argsLen)
		}).
		Export("host_call").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, level, ptr, length uint32) {
			if g := guestFrom(ctx); g != nil {
				g.hostLog(ctx, level, ptr, length)
			}
		}).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		return fail(fmt.Errorf("instantiate host module: %w", err))
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fail(fmt.Errorf("compile: %w", err))
	}
	if _, ok := compiled.ExportedMemories()[exportMemory]; !ok {
		return fail(fmt.Errorf("missing export %q", exportMemory))
	}
	funcs := compiled.ExportedFunctions()
	var missing []error
	for _, name := range append([]string{exportMalloc}, required...) {
		if _, ok := funcs[name]; !ok {
			missing = append(missing, fmt.Errorf("missing export %q", name))
		}
	}
	if len(missing) > 0 {
		return fail(errors.Join(missing...))
	}

	return &moduleRuntime{name: name, rt: rt, compiled: compiled, opts: opts}, nil
}

func (mr *moduleRuntime) exports(name string) bool {
	_, ok := mr.compiled.ExportedFunctions()[name]
	return ok
}

func (mr *moduleRuntime) close(ctx context.Context) error {
	return mr.rt.Close(ctx)
}

// guest is one live module instance and the host state its imports need.
type guest struct {
	name        string
	rt          *moduleRuntime
	module      api.Module
	gkMalloc    api.Function
	gkFree      api.Function
	host        plugin.HostAPI
	logger      *slog.Logger
	callTimeout time.Duration
}

func newGuest(mr *moduleRuntime, name string) guest {
	return guest{name: name, rt: mr, logger: mr.opts.logger, callTimeout: mr.opts.callTimeout}
}

type guestKey struct{}

func withGuest(ctx context.Context, g *guest) context.Context {
	return context.WithValue(ctx, guestKey{}, g)
}

func guestFrom(ctx context.Context) *guest {
	g, _ := ctx.Value(guestKey{}).(*guest)
	return g
}

// ensure makes sure there is a live instance. It reports whether a closed
// instance was replaced.
func (g *guest) ensure(ctx context.Context) (revived bool, err error) {
	if g.module != nil && !g.module.IsClosed() {
		return false, nil
	}
	if g.rt == nil {
		return false, &plugin.SandboxError{Plugin: g.name, Err: errors.New("no compiled module")}
	}
	revived = g.module != nil

	cfg := wazero.NewModuleConfig().WithName("").WithStartFunctions("_initialize")
	mod, err := g.rt.rt.InstantiateModule(withGuest(ctx, g), g.rt.compiled, cfg)
	if err != nil {
		return false, &plugin.SandboxError{Plugin: g.name, Err: fmt.Errorf("instantiate: %w", err)}
	}
	g.module = mod
	g.gkMalloc = mod.ExportedFunction(exportMalloc)
	g.gkFree = mod.ExportedFunction(exportFree)
	if revived && g.logger != nil {
		g.logger.Warn("wasm instance re-instantiated", "module", g.name)
	}
	return revived, nil
}

func (g *guest) closeInstance(ctx context.Context) error {
	if g.module == nil {
		return nil
	}
	err := g.module.Close(ctx)
	g.module, g.gkMalloc, g.gkFree = nil, nil, nil
	return err
}

// call invokes an export under the watchdog deadline. Any guest fault comes
// back as a TrapError.
func (g *guest) call(ctx context.Context, export string, params ...uint64) (uint64, error) {
	if g.module == nil {
		return 0, &plugin.SandboxError{Plugin: g.name, Err: errors.New("module not instantiated")}
	}
	fn := g.module.ExportedFunction(export)
	if fn == nil {
		return 0, &plugin.SandboxError{Plugin: g.name, Err: fmt.Errorf("missing export %q", export)}
	}

	if err := ctx.Err(); err != nil {
		return 0, g.trap(export, err)
	}
	ctx, cancel := g.deadline(ctx)
	defer cancel()
	res, err := fn.Call(ctx, params...)
	if err != nil {
		return 0, g.trap(export, err)
	}
	if len(res) == 0 {
		return 0, nil
	}
	return res[0], nil
}

// deadline bounds ctx by the watchdog timeout. Every entry into the guest,
// gk_malloc and gk_free included, runs under it.
func (g *guest) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = withGuest(ctx, g)
	if g.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.callTimeout)
}

func (g *guest) trap(export string, err error) error {
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		case sys.ExitCodeContextCanceled:
			err = fmt.Errorf("%w: %w", context.Canceled, err)
		}
	}
	return &plugin.TrapError{Plugin: g.name, Call: export, Err: err}
}

// callJSON writes payload into guest memory, calls export with it and
// returns the guest's result bytes.
func (g *guest) callJSON(ctx context.Context, export string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s argument: %w", export, err)
	}
	packed, err := g.writeBytes(ctx, data)
	if err != nil {
		return nil, g.trap(export, err)
	}
	ptr, length := unpack(packed)

	res, err := g.call(ctx, export, uint64(ptr), uint64(length))
	if err != nil {
		_ = g.free(ctx, ptr)
		return nil, err
	}
	if err := g.free(ctx, ptr); err != nil {
		return nil, g.trap(export, err)
	}
	return g.takeResult(ctx, export, res)
}

// callResult calls an export without arguments and returns its result.
func (g *guest) callResult(ctx context.Context, export string) ([]byte, error) {
	res, err := g.call(ctx, export)
	if err != nil {
		return nil, err
	}
	return g.takeResult(ctx, export, res)
}

// takeResult copies a packed guest buffer out and frees it.
func (g *guest) takeResult(ctx context.Context, export string, packed uint64) ([]byte, error) {
	if packed == 0 {
		return nil, nil
	}
	ptr, length := unpack(packed)
	data, ok := g.readBytes(ptr, length)
	if !ok {
		return nil, g.trap(export, fmt.Errorf("result [%d, +%d) out of bounds", ptr, length))
	}
	if err := g.free(ctx, ptr); err != nil {
		return nil, g.trap(export, err)
	}
	return data, nil
}

func (g *guest) readBytes(ptr, length uint32) ([]byte, bool) {
	if g.module == nil {
		return nil, false
	}
	mem := g.module.Memory()
	if mem == nil {
		return nil, false
	}
	b, ok := mem.Read(ptr, length)
	if !ok {
		return nil, false
	}
	return bytes.Clone(b), true
}

func (g *guest) readString(ptr, length uint32) (string, bool) {
	b, ok := g.readBytes(ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}

// writeBytes copies data into a gk_malloc'd guest buffer and returns it
// packed. Empty data needs no buffer and packs to zero.
func (g *guest) writeBytes(ctx context.Context, data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if g.module == nil || g.gkMalloc == nil {
		return 0, errors.New("module not instantiated")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ctx, cancel := g.deadline(ctx)
	defer cancel()
	res, err := g.gkMalloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", exportMalloc, err)
	}
	if len(res) == 0 {
		return 0, fmt.Errorf("%s returned nothing", exportMalloc)
	}
	ptr := uint32(res[0])
	if !g.module.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("%s buffer [%d, +%d) out of bounds", exportMalloc, ptr, len(data))
	}
	return pack(ptr, uint32(len(data))), nil
}

// writeJSON answers a host call. A guest that cannot take the answer gets
// zero, and the failure is logged.
func (g *guest) writeJSON(ctx context.Context, v any) uint64 {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(respond(nil, err))
	}
	packed, err := g.writeBytes(ctx, data)
	if err != nil && g.logger != nil {
		g.logger.Warn("host call response dropped", "module", g.name, "error", err)
	}
	return packed
}

func (g *guest) free(ctx context.Context, ptr uint32) error {
	if g.gkFree == nil || ptr == 0 || g.module == nil || g.module.IsClosed() {
		return nil
	}
	ctx, cancel := g.deadline(ctx)
	defer cancel()
	if _, err := g.gkFree.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("%s: %w", exportFree, err)
	}
	return nil
}

// hostCall serves gk.host_call. The response envelope is written into
// guest memory; the guest owns it afterwards.
func (g *guest) hostCall(ctx context.Context, fnPtr, fnLen, argsPtr, argsLen uint32) uint64 {
	if g.host == nil {
		return 0
	}
	fn, ok := g.readString(fnPtr, fnLen)
	if !ok {
		return g.writeJSON(ctx, respond(nil, errors.New("function name out of bounds")))
	}
	args, ok := g.readBytes(argsPtr, argsLen)
	if !ok {
		return g.writeJSON(ctx, respond(nil, errors.New("arguments out of bounds")))
	}
	result, err := g.dispatchHostCall(ctx, fn, args)
	return g.writeJSON(ctx, respond(result, err))
}

func (g *guest) hostLog(ctx context.Context, level, ptr, length uint32) {
	msg, ok := g.readString(ptr, length)
	if !ok {
		return
	}
	lvl, ok := logLevels[level]
	if !ok {
		lvl = plugin.LevelInfo
	}
	if g.host != nil {
		g.host.Log(ctx, lvl, msg, nil)
		return
	}
	if g.logger != nil {
		g.logger.Log(ctx, slogLevel(lvl), msg, "module", g.name)
	}
}

func slogLevel(level string) slog.Level {
	switch level {
	case plugin.LevelDebug:
		return slog.LevelDebug
	case plugin.LevelWarn:
		return slog.LevelWarn
	case plugin.LevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

func decodeArgs(fn string, args []byte, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%s: invalid arguments: %w", fn, err)
	}
	return nil
}

func (g *guest) dispatchHostCall(ctx context.Context, fn string, args []byte) (any, error) {
	switch fn {
	case callEmit:
		var msg pkgplugin.Message
		if err := decodeArgs(fn, args, &msg); err != nil {
			return nil, err
		}
		return nil, g.host.Emit(ctx, msg)

	case callStoreGet:
		var a keyArgs
		if err := decodeArgs(fn, args, &a); err != nil {
			return nil, err
		}
		v, found, err := g.host.StoreGet(ctx, a.Key)
		if err != nil {
			return nil, err
		}
		return storeGetResult{Value: v, Found: found}, nil

	case callStoreSet:
		var a storeSetArgs
		if err := decodeArgs(fn, args, &a); err != nil {
			return nil, err
		}
		return nil, g.host.StoreSet(ctx, a.Key, a.Value)

	case callStoreDelete:
		var a keyArgs
		if err := decodeArgs(fn, args, &a); err != nil {
			return nil, err
		}
		return nil, g.host.StoreDelete(ctx, a.Key)

	case callInput:
		return g.host.Input(ctx)

	case callWidgetCreate:
		var spec pkgplugin.WidgetSpec
		if err := decodeArgs(fn, args, &spec); err != nil {
			return nil, err
		}
		return g.host.CreateWidget(ctx, spec)

	case callWidgetUpdate:
		var a widgetUpdateArgs
		if err := decodeArgs(fn, args, &a); err != nil {
			return nil, err
		}
		return nil, g.host.UpdateWidget(ctx, a.ID, a.Key, a.Value)

	case callWidgetMove:
		var a widgetMoveArgs
		if err := decodeArgs(fn, args, &a); err != nil {
			return nil, err
		}
		return nil, g.host.MoveWidget(ctx, a.ID, a.X, a.Y)

	case callWidgetRemove:
		var a widgetIDArgs
		if err := decodeArgs(fn, args, &a); err != nil {
			return nil, err
		}
		return nil, g.host.RemoveWidget(ctx, a.ID)

	case callWidgetAttribute:
		var a widgetAttributeArgs
		if err := decodeArgs(fn, args, &a); err != nil {
			return nil, err
		}
		return g.host.WidgetAttribute(ctx, a.ID, a.Key)
	}
	return nil, fmt.Errorf("unknown host function %q", fn)
}
