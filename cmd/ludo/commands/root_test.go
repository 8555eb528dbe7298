package commands

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/ludo/internal/persistence"
	"github.com/goatkit/ludo/internal/plugin/wasm/wasmtest"
)

// execute runs a fresh root command and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "ludo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRootCommandShowsHelpWhenNoSubcommand(t *testing.T) {
	out, err := execute(t)
	assert.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "run")
	assert.Contains(t, out, "check")
}

func TestRootCommandRejectsUnknownFlags(t *testing.T) {
	_, err := execute(t, "--unknown-flag", "value")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestInvalidConfigIsFatal(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "tick:\n  rate: 0\n")
	_, err := execute(t, "--config", cfg, "run", "--ticks", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tick.rate")
}

func TestKeygenSignAndCheck(t *testing.T) {
	dir := t.TempDir()
	plugins := filepath.Join(dir, "plugins")
	require.NoError(t, os.MkdirAll(plugins, 0o755))
	module := filepath.Join(plugins, "greeter.wasm")
	require.NoError(t, os.WriteFile(module, wasmtest.Plugin(`{"publish":["hi"]}`), 0o644))

	keyBase := filepath.Join(dir, "dev")
	_, err := execute(t, "keygen", "--out", keyBase)
	require.NoError(t, err)
	pub, err := os.ReadFile(keyBase + ".pub")
	require.NoError(t, err)

	cfg := writeConfig(t, dir, `
plugins:
  dir: `+plugins+`
  require_signed: true
  trusted_keys: ["`+strings.TrimSpace(string(pub))+`"]
`)

	out, err := execute(t, "--config", cfg, "check")
	require.Error(t, err, "unsigned module must fail the check")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "not signed")

	out, err = execute(t, "sign", "--key", keyBase+".key", module)
	require.NoError(t, err)
	assert.Contains(t, out, "greeter.wasm.sig")

	out, err = execute(t, "--config", cfg, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "greeter")
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "publish=[hi]")
}

func TestSignRequiresKey(t *testing.T) {
	_, err := execute(t, "sign", "module.wasm")
	assert.Error(t, err)
}

func TestRunSavesAndRestores(t *testing.T) {
	dir := t.TempDir()
	saves := filepath.Join(dir, "saves")
	cfg := writeConfig(t, dir, `
tick:
  rate: 500
plugins:
  dir: `+filepath.Join(dir, "plugins")+`
save:
  backend: file
  location: `+saves+`
  slot: demo
`)

	_, err := execute(t, "--config", cfg, "run", "--demo", "--ticks", "3", "--save-on-exit")
	require.NoError(t, err)

	store, err := persistence.NewFileStore(saves)
	require.NoError(t, err)
	sf, err := store.Load(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), sf.Header.Tick)
	assert.Contains(t, sf.Plugins, "mover")
	assert.Contains(t, sf.Plugins, "clicker")
	assert.Len(t, sf.Widgets, 2)

	_, err = execute(t, "--config", cfg, "run", "--demo", "--restore", "--ticks", "2", "--save-on-exit")
	require.NoError(t, err)
	sf, err = store.Load(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), sf.Header.Tick, "restored at tick 3, ran two more")
}

func TestPackAndInstall(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "greeter.yaml"), []byte("name: greeter\nversion: 1.2.0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "greeter.wasm"), wasmtest.Plugin(`{"publish":["hi"]}`), 0o644))

	bundle := filepath.Join(dir, "greeter.zip")
	out, err := execute(t, "pack", "--out", bundle, filepath.Join(src, "greeter.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "packed greeter")

	plugins := filepath.Join(dir, "plugins")
	cfg := writeConfig(t, dir, "plugins:\n  dir: "+plugins+"\n")
	out, err = execute(t, "--config", cfg, "install", bundle)
	require.NoError(t, err)
	assert.Contains(t, out, "installed greeter")

	out, err = execute(t, "--config", cfg, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "1.2.0")
	assert.Contains(t, out, "publish=[hi]")
}
