// Package loader discovers modules in the plugin directory and hands them to
// the engine. A .wasm file loads as a sandboxed plugin on its own; a
// <name>.yaml manifest next to it can rename it, tighten its resource
// policy, declare a widget module (with an optional <name>.schema.json
// contract) or point at a native executable run as a process plugin.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/goatkit/ludo/internal/plugin"
	"github.com/goatkit/ludo/internal/plugin/process"
	"github.com/goatkit/ludo/internal/plugin/signing"
	"github.com/goatkit/ludo/internal/plugin/wasm"
	"github.com/goatkit/ludo/internal/widget"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// Host receives loaded modules. *engine.Engine implements it.
type Host interface {
	Load(ctx context.Context, name string, p plugin.Plugin, opts ...plugin.RegisterOption) error
	Unload(ctx context.Context, name string) error
	AddWidgetType(f widget.Factory) error
	RemoveWidgetType(ctx context.Context, tag string) error
}

// DiscoveredModule holds info about a module found in the plugin directory.
type DiscoveredModule struct {
	Manifest pkgplugin.PluginManifest
	Path     string // module file
	Schema   string // widget contract, empty if none
	Loaded   bool
	LoadedAt time.Time
}

// Name is the plugin name or, for widget modules, the manifest name.
func (d *DiscoveredModule) Name() string { return d.Manifest.Name }

// Loader handles discovery and loading of modules from the filesystem.
type Loader struct {
	pluginDir string
	host      Host
	logger    *slog.Logger
	verifier  *signing.Verifier
	ceiling   pkgplugin.ResourcePolicy

	// Lazy loading
	mu         sync.Mutex
	discovered map[string]*DiscoveredModule
	lazy       bool

	// Hot reload
	watcher       *fsnotify.Watcher
	watchCtx      context.Context
	watchCancel   context.CancelFunc
	watchMu       sync.Mutex
	debounce      map[string]*time.Timer
	debounceDelay time.Duration
	onChange      func(name string, err error)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLazyLoading makes LoadAll only discover modules. They load on
// EnsureLoaded.
func WithLazyLoading() LoaderOption {
	return func(l *Loader) { l.lazy = true }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// WithVerifier checks module signatures before loading.
func WithVerifier(v *signing.Verifier) LoaderOption {
	return func(l *Loader) { l.verifier = v }
}

// WithCeiling sets the resource ceiling manifests are clamped to.
func WithCeiling(p pkgplugin.ResourcePolicy) LoaderOption {
	return func(l *Loader) { l.ceiling = p }
}

// WithDebounce sets how long the watcher waits for a file to settle.
func WithDebounce(d time.Duration) LoaderOption {
	return func(l *Loader) { l.debounceDelay = d }
}

// WithChangeHook is called after the watcher applied a change.
func WithChangeHook(fn func(name string, err error)) LoaderOption {
	return func(l *Loader) { l.onChange = fn }
}

// NewLoader creates a loader for pluginDir.
func NewLoader(pluginDir string, host Host, opts ...LoaderOption) *Loader {
	l := &Loader{
		pluginDir:     pluginDir,
		host:          host,
		logger:        slog.Default(),
		ceiling:       pkgplugin.DefaultResourcePolicy(),
		discovered:    make(map[string]*DiscoveredModule),
		debounce:      make(map[string]*time.Timer),
		debounceDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DiscoverAll scans the plugin directory and records available modules
// without loading them. A missing directory is created.
func (l *Loader) DiscoverAll() (int, error) {
	if _, err := os.Stat(l.pluginDir); os.IsNotExist(err) {
		l.logger.Info("plugin directory does not exist, creating", "path", l.pluginDir)
		if err := os.MkdirAll(l.pluginDir, 0o755); err != nil {
			return 0, fmt.Errorf("create plugin dir: %w", err)
		}
		return 0, nil
	}

	found, err := l.scan()
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, d := range found {
		if prev, ok := l.discovered[name]; ok {
			d.Loaded, d.LoadedAt = prev.Loaded, prev.LoadedAt
		}
		l.discovered[name] = d
	}
	return len(found), err
}

// scan walks the directory. Manifests are read first so a manifest can
// claim a module with a different file name.
func (l *Loader) scan() (map[string]*DiscoveredModule, error) {
	var manifests, modules []string
	err := filepath.WalkDir(l.pluginDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if hidden(path, l.pluginDir) {
				return filepath.SkipDir
			}
			return nil
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			manifests = append(manifests, path)
		case ".wasm":
			modules = append(modules, path)
		}
		return nil
	})

	var errs []error
	if err != nil {
		errs = append(errs, fmt.Errorf("walk plugin dir: %w", err))
	}
	found := make(map[string]*DiscoveredModule)
	claimed := make(map[string]bool)
	add := func(m pkgplugin.PluginManifest, path string) {
		if prev, dup := found[m.Name]; dup {
			errs = append(errs, fmt.Errorf("module name %q used by %s and %s", m.Name, prev.Path, path))
			return
		}
		d := &DiscoveredModule{Manifest: m, Path: path}
		if m.Kind == pkgplugin.ModuleWidget {
			schema := filepath.Join(filepath.Dir(path), m.Name+".schema.json")
			if _, err := os.Stat(schema); err == nil {
				d.Schema = schema
			}
		}
		found[m.Name] = d
		claimed[path] = true
		l.logger.Debug("discovered module", "name", m.Name, "kind", m.Kind, "path", path)
	}

	for _, path := range manifests {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read manifest %s: %w", filepath.Base(path), err))
			continue
		}
		m, err := pkgplugin.ParseManifest(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		add(m, filepath.Join(filepath.Dir(path), m.Module()))
	}
	for _, path := range modules {
		if claimed[path] {
			continue
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		add(pkgplugin.PluginManifest{Name: name, Kind: pkgplugin.ModulePlugin}, path)
	}
	return found, errors.Join(errs...)
}

// Discovered returns the sorted names of discovered modules.
func (l *Loader) Discovered() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]string, 0, len(l.discovered))
	for name := range l.discovered {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// DiscoveredModules returns detailed info about discovered modules, sorted
// by name.
func (l *Loader) DiscoveredModules() []DiscoveredModule {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]DiscoveredModule, 0, len(l.discovered))
	for _, d := range l.discovered {
		result = append(result, *d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// EnsureLoaded loads a discovered module if it is not loaded yet.
func (l *Loader) EnsureLoaded(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, exists := l.discovered[name]
	if !exists {
		return fmt.Errorf("module %q not discovered", name)
	}
	if d.Loaded {
		return nil
	}
	l.logger.Info("lazy loading module", "name", name)
	return l.load(ctx, d)
}

// LoadAll discovers every module and loads it. Widget modules load first so
// plugins can create their widgets during Init. With lazy loading enabled
// nothing is loaded. Returns the number of modules loaded (or discovered)
// and every error encountered; one bad module does not stop the others.
func (l *Loader) LoadAll(ctx context.Context) (int, []error) {
	count, err := l.DiscoverAll()
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	if l.lazy {
		l.logger.Info("lazy loading enabled", "discovered", count)
		return count, errs
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pending := make([]*DiscoveredModule, 0, len(l.discovered))
	for _, d := range l.discovered {
		if !d.Loaded {
			pending = append(pending, d)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		wi := pending[i].Manifest.Kind == pkgplugin.ModuleWidget
		wj := pending[j].Manifest.Kind == pkgplugin.ModuleWidget
		if wi != wj {
			return wi
		}
		return pending[i].Name() < pending[j].Name()
	})

	loaded := 0
	for _, d := range pending {
		if err := l.load(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", filepath.Base(d.Path), err))
			continue
		}
		loaded++
	}
	return loaded, errs
}

// load reads, verifies and registers one module. Must be called with l.mu
// held.
func (l *Loader) load(ctx context.Context, d *DiscoveredModule) error {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return fmt.Errorf("read module: %w", err)
	}
	if err := l.verifier.Check(d.Path, data); err != nil {
		return err
	}

	m := d.Manifest
	policy := m.Policy(l.ceiling)
	opts := []wasm.LoadOption{wasm.WithPolicy(policy), wasm.WithLogger(l.logger)}

	switch m.Kind {
	case pkgplugin.ModuleWidget:
		if d.Schema != "" {
			schema, err := os.ReadFile(d.Schema)
			if err != nil {
				return fmt.Errorf("read schema: %w", err)
			}
			opts = append(opts, wasm.WithSchema(schema))
		}
		mod, err := wasm.LoadWidgetModule(ctx, m.TypeTag(), data, opts...)
		if err != nil {
			return fmt.Errorf("load wasm: %w", err)
		}
		if err := l.host.AddWidgetType(mod); err != nil {
			_ = mod.Close(ctx)
			return fmt.Errorf("register widget type: %w", err)
		}
		l.logger.Info("loaded widget module", "name", m.Name, "type", m.TypeTag(), "version", m.Version)

	case pkgplugin.ModuleProcess:
		p, err := process.Load(ctx, m.Name, d.Path,
			process.WithPolicy(policy), process.WithLogger(l.logger))
		if err != nil {
			return fmt.Errorf("start process: %w", err)
		}
		if err := l.register(ctx, m, p, policy); err != nil {
			return err
		}

	default:
		p, err := wasm.Load(ctx, m.Name, data, opts...)
		if err != nil {
			return fmt.Errorf("load wasm: %w", err)
		}
		if err := l.register(ctx, m, p, policy); err != nil {
			return err
		}
	}

	d.Loaded = true
	d.LoadedAt = time.Now()
	return nil
}

func (l *Loader) register(ctx context.Context, m pkgplugin.PluginManifest, p plugin.Plugin, policy pkgplugin.ResourcePolicy) error {
	if err := l.host.Load(ctx, m.Name, p, plugin.WithPolicy(policy)); err != nil {
		_ = p.Shutdown(ctx)
		return fmt.Errorf("register: %w", err)
	}
	l.logger.Info("loaded plugin module", "name", m.Name, "kind", m.Kind, "version", m.Version,
		"max_host_calls", policy.MaxHostCalls, "call_timeout", policy.CallTimeout)
	return nil
}

// unload must be called with l.mu held.
func (l *Loader) unload(ctx context.Context, d *DiscoveredModule) error {
	if !d.Loaded {
		return nil
	}
	d.Loaded = false
	if d.Manifest.Kind == pkgplugin.ModuleWidget {
		return l.host.RemoveWidgetType(ctx, d.Manifest.TypeTag())
	}
	return l.host.Unload(ctx, d.Manifest.Name)
}

// Unload removes a loaded module.
func (l *Loader) Unload(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.discovered[name]
	if !ok || !d.Loaded {
		return fmt.Errorf("module %q: %w", name, plugin.ErrPluginNotFound)
	}
	return l.unload(ctx, d)
}

// Reload rescans the directory and replaces name with what is on disk now.
// A module that disappeared is unloaded and forgotten.
func (l *Loader) Reload(ctx context.Context, name string) error {
	found, scanErr := l.scan()

	l.mu.Lock()
	defer l.mu.Unlock()

	prev, known := l.discovered[name]
	next, exists := found[name]
	if known {
		if err := l.unload(ctx, prev); err != nil {
			l.logger.Warn("unload before reload failed", "name", name, "error", err)
		}
	}
	if !exists {
		delete(l.discovered, name)
		if !known {
			if scanErr != nil {
				return scanErr
			}
			return fmt.Errorf("module %q not found in %s", name, l.pluginDir)
		}
		l.logger.Info("module removed", "name", name)
		return nil
	}
	l.discovered[name] = next
	return l.load(ctx, next)
}

// WatchDir reloads modules when their files are created, modified or
// removed.
func (l *Loader) WatchDir(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(l.pluginDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch plugin dir: %w", err)
	}
	_ = filepath.WalkDir(l.pluginDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == l.pluginDir {
			return nil
		}
		if hidden(path, l.pluginDir) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})

	l.watchMu.Lock()
	l.watcher = watcher
	l.watchCtx, l.watchCancel = context.WithCancel(ctx)
	l.watchMu.Unlock()

	l.logger.Info("hot reload enabled", "path", l.pluginDir)
	go l.watchLoop(l.watchCtx, watcher)
	return nil
}

// StopWatch stops the file watcher and pending reloads.
func (l *Loader) StopWatch() {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	if l.watchCancel != nil {
		l.watchCancel()
	}
	if l.watcher != nil {
		l.watcher.Close()
		l.watcher = nil
	}
	for path, timer := range l.debounce {
		timer.Stop()
		delete(l.debounce, path)
	}
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			l.handleFSEvent(ctx, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

// moduleName maps a changed file to the module it belongs to. Known module
// files and their signatures match by path, since a manifest may name a
// file that differs from the module name.
func (l *Loader) moduleName(path string) (string, bool) {
	l.mu.Lock()
	for name, d := range l.discovered {
		if d.Path == path || d.Path+".sig" == path {
			l.mu.Unlock()
			return name, true
		}
	}
	l.mu.Unlock()

	base := filepath.Base(path)
	lower := strings.ToLower(base)
	for _, suffix := range []string{".wasm.sig", ".schema.json", ".wasm", ".yaml", ".yml"} {
		if strings.HasSuffix(lower, suffix) {
			return base[:len(base)-len(suffix)], true
		}
	}
	return "", false
}

// moduleDir handles directories appearing or disappearing, as an installed
// bundle does. A new directory is watched and treated as the module of the
// same name.
func (l *Loader) moduleDir(event fsnotify.Event) (string, bool) {
	base := filepath.Base(event.Name)
	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() {
			return "", false
		}
		l.watchMu.Lock()
		if l.watcher != nil {
			if err := l.watcher.Add(event.Name); err != nil {
				l.logger.Warn("cannot watch new directory", "path", event.Name, "error", err)
			}
		}
		l.watchMu.Unlock()
		return base, true
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		l.mu.Lock()
		_, known := l.discovered[base]
		l.mu.Unlock()
		return base, known
	}
	return "", false
}

// hidden reports whether path, below root, is or sits in a dot directory.
// Bundle installs stage their files in one.
func hidden(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") && part != ".." {
			return true
		}
	}
	return false
}

// handleFSEvent debounces rapid changes, e.g. during a build.
func (l *Loader) handleFSEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	if hidden(event.Name, l.pluginDir) {
		return
	}
	name, ok := l.moduleName(event.Name)
	if !ok {
		name, ok = l.moduleDir(event)
	}
	if !ok {
		return
	}

	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if timer, exists := l.debounce[name]; exists {
		timer.Stop()
	}
	l.debounce[name] = time.AfterFunc(l.debounceDelay, func() {
		l.processChange(ctx, name)
	})
}

// processChange applies what is on disk after the debounce.
func (l *Loader) processChange(ctx context.Context, name string) {
	l.watchMu.Lock()
	delete(l.debounce, name)
	l.watchMu.Unlock()
	if ctx.Err() != nil {
		return
	}

	l.logger.Info("module changed, reloading", "name", name)
	err := l.Reload(ctx, name)
	if err != nil {
		l.logger.Error("failed to reload module", "name", name, "error", err)
	}
	if l.onChange != nil {
		l.onChange(name, err)
	}
}
