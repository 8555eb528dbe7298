package loader_test

import (
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/ludo/internal/engine"
	"github.com/goatkit/ludo/internal/plugin"
	"github.com/goatkit/ludo/internal/plugin/loader"
	"github.com/goatkit/ludo/internal/plugin/signing"
	"github.com/goatkit/ludo/internal/plugin/wasm/wasmtest"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

const greeterReg = `{"publish":["hi"],"state":{"greetings":0}}`

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e := engine.New(engine.WithLogs(plugin.NewLogBuffer(100)))
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func gemModule() []byte {
	return wasmtest.Widget(
		`{"width":12,"height":12}`,
		`[{"shape":{"type":"circle","radius":6,"color":{"r":0,"g":200,"b":90,"a":255}},"x":6,"y":6}]`,
		`{}`,
	)
}

func TestLoadAll(t *testing.T) {
	ctx := context.Background()

	t.Run("EmptyDir", func(t *testing.T) {
		l := loader.NewLoader(t.TempDir(), newEngine(t))
		count, errs := l.LoadAll(ctx)
		assert.Equal(t, 0, count)
		assert.Empty(t, errs)
	})

	t.Run("NonExistentDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "does-not-exist")
		l := loader.NewLoader(dir, newEngine(t))
		count, errs := l.LoadAll(ctx)
		assert.Equal(t, 0, count)
		assert.Empty(t, errs)
		assert.DirExists(t, dir)
	})

	t.Run("InvalidWASM", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "invalid.wasm", []byte("not valid wasm"))
		e := newEngine(t)

		count, errs := loader.NewLoader(dir, e).LoadAll(ctx)
		assert.Equal(t, 0, count)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), "invalid.wasm")
		assert.Empty(t, e.Manager().Names())
	})

	t.Run("SkipsOtherFiles", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "readme.txt", []byte("readme"))
		writeFile(t, dir, "config.json", []byte("{}"))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "subdir"), 0o755))

		count, errs := loader.NewLoader(dir, newEngine(t)).LoadAll(ctx)
		assert.Equal(t, 0, count)
		assert.Empty(t, errs)
	})

	t.Run("PluginWithoutManifest", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "nested/greeter.wasm", wasmtest.Plugin(greeterReg))
		e := newEngine(t)

		count, errs := loader.NewLoader(dir, e).LoadAll(ctx)
		require.Empty(t, errs)
		assert.Equal(t, 1, count)
		assert.Equal(t, []string{"greeter"}, e.Manager().Names())

		store, ok := e.Manager().Store("greeter")
		require.True(t, ok)
		v, ok := store.Get("greetings")
		require.True(t, ok)
		assert.True(t, v.Equal(pkgplugin.Number(0)))
	})

	t.Run("OneBadModuleDoesNotStopOthers", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "greeter.wasm", wasmtest.Plugin(greeterReg))
		writeFile(t, dir, "broken.wasm", []byte("garbage"))
		e := newEngine(t)

		count, errs := loader.NewLoader(dir, e).LoadAll(ctx)
		assert.Equal(t, 1, count)
		assert.Len(t, errs, 1)
		assert.Equal(t, []string{"greeter"}, e.Manager().Names())
	})
}

func TestManifest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "builds/hello-v2.wasm", wasmtest.Plugin(greeterReg))
	writeFile(t, dir, "greeter.yaml", []byte(`
name: greeter
version: 2.0.0
wasm: builds/hello-v2.wasm
resources:
  max_host_calls: 16
  call_timeout: 20ms
`))
	e := newEngine(t)
	l := loader.NewLoader(dir, e)

	count, errs := l.LoadAll(ctx)
	require.Empty(t, errs)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"greeter"}, e.Manager().Names())

	mods := l.DiscoveredModules()
	require.Len(t, mods, 1, "the module file is claimed by its manifest")
	assert.Equal(t, "2.0.0", mods[0].Manifest.Version)
	assert.True(t, mods[0].Loaded)
	assert.Equal(t, 16, mods[0].Manifest.Resources.MaxHostCalls)
}

func TestManifestErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", []byte("name: [unterminated"))
	writeFile(t, dir, "odd.yaml", []byte("name: odd\nkind: gadget\n"))
	writeFile(t, dir, "a.yaml", []byte("name: twin\nwasm: a.wasm\n"))
	writeFile(t, dir, "b.yaml", []byte("name: twin\nwasm: b.wasm\n"))
	writeFile(t, dir, "a.wasm", wasmtest.Plugin(`{}`))
	writeFile(t, dir, "b.wasm", wasmtest.Plugin(`{}`))

	_, errs := loader.NewLoader(dir, newEngine(t)).LoadAll(ctx)
	require.NotEmpty(t, errs)
	joined := errs[0].Error()
	assert.Contains(t, joined, "bad.yaml")
	assert.Contains(t, joined, "unknown kind")
	assert.Contains(t, joined, `"twin"`)
}

func TestWidgetModules(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "gem.wasm", gemModule())
	writeFile(t, dir, "gem.yaml", []byte("name: gem\nkind: widget\n"))
	writeFile(t, dir, "gem.schema.json", []byte(`{"type":"object","required":["facets"]}`))
	// Loads after the widget type even though it sorts first.
	writeFile(t, dir, "collector.wasm", wasmtest.Plugin(
		`{"widgets":[{"name":"g1","type":"gem","x":4,"y":5,"attributes":{"facets":6}}]}`))

	e := newEngine(t)
	l := loader.NewLoader(dir, e)
	count, errs := l.LoadAll(ctx)
	require.Empty(t, errs)
	assert.Equal(t, 2, count)
	assert.Contains(t, e.Widgets().Types(), "gem")

	id := plugin.WidgetID{Owner: "collector", Name: "g1"}
	info, ok := e.Widgets().Get(id)
	require.True(t, ok)
	assert.Equal(t, float32(4), info.X)

	frame, err := e.Render(ctx)
	require.NoError(t, err)
	require.Len(t, frame.Widgets, 1)
	assert.Equal(t, float32(6), frame.Widgets[0].Components[0].Shape.Radius)

	// The schema is enforced for widgets created later too.
	_, err = e.Widgets().Create(ctx, "collector", pkgplugin.WidgetSpec{Name: "g2", Type: "gem"})
	var ce *plugin.ConstructionError
	assert.ErrorAs(t, err, &ce)

	// Unloading the type takes its widgets along.
	require.NoError(t, l.Unload(ctx, "gem"))
	assert.NotContains(t, e.Widgets().Types(), "gem")
	_, ok = e.Widgets().Get(id)
	assert.False(t, ok)
}

func TestSignedModules(t *testing.T) {
	ctx := context.Background()
	pub, priv, err := signing.GenerateKeyPair()
	require.NoError(t, err)

	dir := t.TempDir()
	path := writeFile(t, dir, "greeter.wasm", wasmtest.Plugin(greeterReg))

	e := newEngine(t)
	l := loader.NewLoader(dir, e, loader.WithVerifier(signing.NewVerifier(true, nil)))
	_, errs := l.LoadAll(ctx)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], signing.ErrUnsigned)
	assert.Empty(t, e.Manager().Names())

	require.NoError(t, signing.SignFile(path, signing.SignaturePath(path), priv))

	untrusted := loader.NewLoader(dir, e, loader.WithVerifier(signing.NewVerifier(true, nil)))
	_, errs = untrusted.LoadAll(ctx)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], signing.ErrUntrusted)

	trusted := loader.NewLoader(dir, e, loader.WithVerifier(signing.NewVerifier(true, []ed25519.PublicKey{pub})))
	count, errs := trusted.LoadAll(ctx)
	require.Empty(t, errs)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"greeter"}, e.Manager().Names())
}

func TestLazyLoading(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "greeter.wasm", wasmtest.Plugin(greeterReg))
	e := newEngine(t)
	l := loader.NewLoader(dir, e, loader.WithLazyLoading())

	count, errs := l.LoadAll(ctx)
	require.Empty(t, errs)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"greeter"}, l.Discovered())
	assert.Empty(t, e.Manager().Names())

	require.NoError(t, l.EnsureLoaded(ctx, "greeter"))
	assert.Equal(t, []string{"greeter"}, e.Manager().Names())
	require.NoError(t, l.EnsureLoaded(ctx, "greeter"), "second call is a no-op")

	assert.Error(t, l.EnsureLoaded(ctx, "nobody"))
}

func TestUnloadAndReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeFile(t, dir, "greeter.wasm", wasmtest.Plugin(greeterReg))
	e := newEngine(t)
	l := loader.NewLoader(dir, e)
	_, errs := l.LoadAll(ctx)
	require.Empty(t, errs)

	require.NoError(t, l.Unload(ctx, "greeter"))
	assert.Empty(t, e.Manager().Names())
	assert.ErrorIs(t, l.Unload(ctx, "greeter"), plugin.ErrPluginNotFound)

	require.NoError(t, l.Reload(ctx, "greeter"))
	assert.Equal(t, []string{"greeter"}, e.Manager().Names())

	// New registration on disk.
	writeFile(t, dir, "greeter.wasm", wasmtest.Plugin(`{"publish":["hi"],"state":{"greetings":0,"mood":"cheerful"}}`))
	require.NoError(t, l.Reload(ctx, "greeter"))
	store, _ := e.Manager().Store("greeter")
	_, ok := store.Get("mood")
	assert.True(t, ok)

	require.NoError(t, os.Remove(path))
	require.NoError(t, l.Reload(ctx, "greeter"))
	assert.Empty(t, e.Manager().Names())
	assert.Empty(t, l.Discovered())

	assert.Error(t, l.Reload(ctx, "greeter"))
}

func TestWatchDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e := newEngine(t)

	changes := make(chan error, 8)
	l := loader.NewLoader(dir, e,
		loader.WithDebounce(20*time.Millisecond),
		loader.WithChangeHook(func(name string, err error) {
			if name == "greeter" {
				changes <- err
			}
		}),
	)
	require.NoError(t, l.WatchDir(ctx))
	t.Cleanup(l.StopWatch)

	wait := func() error {
		t.Helper()
		select {
		case err := <-changes:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("watcher did not react")
			return nil
		}
	}

	path := writeFile(t, dir, "greeter.wasm", wasmtest.Plugin(greeterReg))
	require.NoError(t, wait())
	assert.Equal(t, []string{"greeter"}, e.Manager().Names())

	require.NoError(t, os.Remove(path))
	require.NoError(t, wait())
	assert.Empty(t, e.Manager().Names())
}

func TestWatchDirInvalidDir(t *testing.T) {
	l := loader.NewLoader(filepath.Join(t.TempDir(), "missing"), newEngine(t))
	assert.Error(t, l.WatchDir(context.Background()))
}

func TestWatchDirFollowsNewDirectories(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e := newEngine(t)

	changes := make(chan string, 8)
	l := loader.NewLoader(dir, e,
		loader.WithDebounce(50*time.Millisecond),
		loader.WithChangeHook(func(name string, err error) {
			if err == nil {
				changes <- name
			}
		}),
	)
	require.NoError(t, l.WatchDir(ctx))
	t.Cleanup(l.StopWatch)

	// Staged in a dot directory, then moved into place as one directory.
	staging := filepath.Join(dir, ".install-1")
	writeFile(t, staging, "greeter.wasm", wasmtest.Plugin(greeterReg))
	require.NoError(t, os.Rename(staging, filepath.Join(dir, "greeter")))

	select {
	case name := <-changes:
		assert.Equal(t, "greeter", name)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not react")
	}
	assert.Equal(t, []string{"greeter"}, e.Manager().Names())
}

func TestDiscoverSkipsDotDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".install-1/greeter.wasm", wasmtest.Plugin(greeterReg))
	count, errs := loader.NewLoader(dir, newEngine(t)).LoadAll(context.Background())
	assert.Empty(t, errs)
	assert.Equal(t, 0, count)
}

func TestProcessManifest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "metronome.yaml", []byte("name: metronome\nkind: process\nexec: bin/metronome\n"))
	writeFile(t, dir, "bin/metronome", []byte("not a program"))

	l := loader.NewLoader(dir, newEngine(t))
	count, errs := l.LoadAll(ctx)
	assert.Equal(t, 0, count)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "not executable")

	mods := l.DiscoveredModules()
	require.Len(t, mods, 1)
	assert.Equal(t, pkgplugin.ModuleProcess, mods[0].Manifest.Kind)
	assert.Equal(t, filepath.Join(dir, "bin", "metronome"), mods[0].Path)
	assert.False(t, mods[0].Loaded)
}

func TestProcessManifestRequiresSignature(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "metronome.yaml", []byte("name: metronome\nkind: process\n"))
	exe := writeFile(t, dir, "metronome", []byte("#!/bin/sh\n"))
	require.NoError(t, os.Chmod(exe, 0o755))

	pub, _, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	l := loader.NewLoader(dir, newEngine(t),
		loader.WithVerifier(signing.NewVerifier(true, []ed25519.PublicKey{pub})))
	_, errs := l.LoadAll(ctx)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], signing.ErrUnsigned)
}
