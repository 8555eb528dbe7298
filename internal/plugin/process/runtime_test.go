package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/ludo/internal/engine"
	"github.com/goatkit/ludo/internal/plugin"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
	"github.com/goatkit/ludo/pkg/plugin/rpcplugin"
)

// counter runs inside the fake process. Events with Source "slow" hang
// past the watchdog; Source "fail" makes Run fail.
type counter struct {
	inits    atomic.Int32
	initErrs atomic.Int32
}

func (c *counter) Init(ctx context.Context, host pkgplugin.HostAPI) (pkgplugin.Registration, error) {
	c.inits.Add(1)
	if err := host.StoreSet(ctx, "booted", pkgplugin.Bool(true)); err != nil {
		c.initErrs.Add(1)
	}
	return pkgplugin.Registration{
		Subscribe: []pkgplugin.EventKind{pkgplugin.TimerKind(pkgplugin.TimerSpec{Mode: pkgplugin.TimerAlways})},
		Publish:   []string{"count"},
		State:     pkgplugin.Attributes{"n": pkgplugin.Number(0)},
	}, nil
}

func (c *counter) Run(ctx context.Context, host pkgplugin.HostAPI, ev pkgplugin.Event) error {
	switch ev.Source {
	case "slow":
		time.Sleep(time.Second)
		return nil
	case "fail":
		return errors.New("refusing")
	case "steal":
		return host.UpdateWidget(ctx, pkgplugin.WidgetID{Owner: "someone", Name: "w"}, "k", pkgplugin.Number(1))
	}
	v, _, err := host.StoreGet(ctx, "n")
	if err != nil {
		return err
	}
	n, _ := v.AsNumber()
	if err := host.StoreSet(ctx, "n", pkgplugin.Number(n+1)); err != nil {
		return err
	}
	return host.Emit(ctx, pkgplugin.Message{Kind: "count", Attributes: pkgplugin.Attributes{"n": pkgplugin.Number(n + 1)}})
}

func (c *counter) Shutdown(context.Context) error { return nil }

// inProcess launches impl over an in-memory go-plugin connection.
func inProcess(t *testing.T, impl pkgplugin.Plugin, launches *atomic.Int32) launcher {
	return func(ctx context.Context) (*conn, error) {
		launches.Add(1)
		client, _ := goplugin.TestPluginRPCConn(t, rpcplugin.PluginMap(impl), nil)
		raw, err := client.Dispense(rpcplugin.PluginName)
		if err != nil {
			return nil, err
		}
		return &conn{rpc: raw.(*rpcplugin.Client), kill: func() { _ = client.Close() }}, nil
	}
}

func newTestPlugin(t *testing.T, impl pkgplugin.Plugin, timeout time.Duration) (*ProcessPlugin, *atomic.Int32) {
	t.Helper()
	var launches atomic.Int32
	o := defaultLoadOptions()
	o.callTimeout = timeout
	p, err := newProcessPlugin(context.Background(), "counter", o, inProcess(t, impl, &launches))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, &launches
}

// memHost records what the plugin did through its HostAPI.
type memHost struct {
	store   map[string]pkgplugin.Value
	emitted []pkgplugin.Message
}

func newMemHost() *memHost { return &memHost{store: map[string]pkgplugin.Value{}} }

func (h *memHost) Emit(_ context.Context, msg pkgplugin.Message) error {
	h.emitted = append(h.emitted, msg)
	return nil
}
func (h *memHost) StoreGet(_ context.Context, key string) (pkgplugin.Value, bool, error) {
	v, ok := h.store[key]
	return v, ok, nil
}
func (h *memHost) StoreSet(_ context.Context, key string, v pkgplugin.Value) error {
	h.store[key] = v
	return nil
}
func (h *memHost) StoreDelete(_ context.Context, key string) error {
	delete(h.store, key)
	return nil
}
func (h *memHost) Input(context.Context) (pkgplugin.InputState, error) {
	return pkgplugin.InputState{X: 3, Y: 4}, nil
}
func (h *memHost) CreateWidget(_ context.Context, spec pkgplugin.WidgetSpec) (pkgplugin.WidgetID, error) {
	return pkgplugin.WidgetID{Owner: "counter", Name: spec.Name}, nil
}
func (h *memHost) UpdateWidget(_ context.Context, id pkgplugin.WidgetID, _ string, _ pkgplugin.Value) error {
	return &plugin.NotOwnerError{Caller: "counter", Widget: id}
}
func (h *memHost) MoveWidget(context.Context, pkgplugin.WidgetID, float32, float32) error { return nil }
func (h *memHost) RemoveWidget(context.Context, pkgplugin.WidgetID) error                 { return nil }
func (h *memHost) WidgetAttribute(context.Context, pkgplugin.WidgetID, string) (pkgplugin.Value, error) {
	return pkgplugin.String("red"), nil
}
func (h *memHost) Log(context.Context, string, string, map[string]any) {}

func timerEvent(tick uint64, source string) pkgplugin.Event {
	ev := pkgplugin.NewTimerEvent(tick, pkgplugin.TimerSpec{Mode: pkgplugin.TimerAlways})
	ev.Source = source
	return ev
}

func TestInitAndRun(t *testing.T) {
	ctx := context.Background()
	impl := &counter{}
	p, _ := newTestPlugin(t, impl, time.Second)
	host := newMemHost()

	reg, err := p.Init(ctx, host)
	require.NoError(t, err)
	assert.Equal(t, "counter", reg.Name, "defaults to the load name")
	assert.Equal(t, []string{"count"}, reg.Publish)
	require.Len(t, reg.Subscribe, 1)
	assert.Equal(t, pkgplugin.TimerAlways, reg.Subscribe[0].Timer.Mode)
	assert.Equal(t, pkgplugin.Bool(true), host.store["booted"], "host is reachable during init")

	for tick := uint64(1); tick <= 2; tick++ {
		require.NoError(t, p.Run(ctx, host, timerEvent(tick, "")))
	}
	assert.Equal(t, pkgplugin.Number(2), host.store["n"])
	require.Len(t, host.emitted, 2)
	assert.Equal(t, "count", host.emitted[1].Kind)
	assert.Equal(t, reg, p.Registration())
}

func TestRunReportsPluginErrors(t *testing.T) {
	ctx := context.Background()
	p, launches := newTestPlugin(t, &counter{}, time.Second)
	host := newMemHost()
	_, err := p.Init(ctx, host)
	require.NoError(t, err)

	err = p.Run(ctx, host, timerEvent(1, "fail"))
	var remote *rpcplugin.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "refusing", remote.Message)
	assert.False(t, plugin.IsTrap(err))
	assert.True(t, p.Running(), "a failed run keeps the process")
	assert.Equal(t, int32(1), launches.Load())
}

func TestHostErrorsReachThePlugin(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPlugin(t, &counter{}, time.Second)
	host := newMemHost()
	_, err := p.Init(ctx, host)
	require.NoError(t, err)

	err = p.Run(ctx, host, timerEvent(1, "steal"))
	var remote *rpcplugin.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "does not own widget")
}

func TestWatchdogRestartsProcess(t *testing.T) {
	ctx := context.Background()
	impl := &counter{}
	p, launches := newTestPlugin(t, impl, 100*time.Millisecond)
	host := newMemHost()
	_, err := p.Init(ctx, host)
	require.NoError(t, err)

	err = p.Run(ctx, host, timerEvent(1, "slow"))
	var trap *plugin.TrapError
	require.ErrorAs(t, err, &trap)
	assert.Equal(t, "run", trap.Call)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, p.Running())

	require.NoError(t, p.Run(ctx, host, timerEvent(2, "")))
	assert.True(t, p.Running())
	assert.Equal(t, int32(2), launches.Load())
	assert.Equal(t, int32(2), impl.inits.Load(), "replacement process is initialised")
	assert.Equal(t, int32(1), impl.initErrs.Load(), "no host during re-init")
	assert.Equal(t, pkgplugin.Number(1), host.store["n"])
}

func TestHostServerWithoutCall(t *testing.T) {
	var s hostServer
	var resp rpcplugin.HostResponse
	require.NoError(t, s.Call(rpcplugin.HostRequest{Method: rpcplugin.CallInput}, &resp))
	assert.Equal(t, "no_active_call", resp.Code)

	unbind := s.bind(context.Background(), newMemHost())
	require.NoError(t, s.Call(rpcplugin.HostRequest{Method: rpcplugin.CallInput, Args: []byte(`{}`)}, &resp))
	assert.Empty(t, resp.Error)
	assert.JSONEq(t, `{"x":3,"y":4}`, string(resp.Result))

	require.NoError(t, s.Call(rpcplugin.HostRequest{Method: "teleport"}, &resp))
	assert.Contains(t, resp.Error, "unknown host function")

	unbind()
	require.NoError(t, s.Call(rpcplugin.HostRequest{Method: rpcplugin.CallInput}, &resp))
	assert.Equal(t, "no_active_call", resp.Code)
}

func TestLoadRejectsNonExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644))

	_, err := Load(context.Background(), "plain", path)
	var sandbox *plugin.SandboxError
	assert.ErrorAs(t, err, &sandbox)

	_, err = Load(context.Background(), "missing", filepath.Join(dir, "missing"))
	assert.ErrorAs(t, err, &sandbox)
}

func TestProcessPluginInEngine(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPlugin(t, &counter{}, time.Second)
	e := engine.New(engine.WithLogs(plugin.NewLogBuffer(10)))
	t.Cleanup(func() { _ = e.Close(ctx) })

	require.NoError(t, e.Load(ctx, "counter", p))
	for i := 0; i < 3; i++ {
		_, err := e.Tick(ctx)
		require.NoError(t, err)
	}
	s, ok := e.Manager().Store("counter")
	require.True(t, ok)
	n, _ := s.Get("n")
	assert.Equal(t, pkgplugin.Number(3), n)
}

// TestExampleBinary builds the example plugin and runs it as a real
// process.
func TestExampleBinary(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a binary")
	}
	_, filename, _, _ := runtime.Caller(0)
	repoRoot := filepath.Join(filepath.Dir(filename), "..", "..", "..")
	bin := filepath.Join(t.TempDir(), "metronome")
	if runtime.GOOS == "windows" {
		bin += ".exe"
	}
	cmd := exec.Command("go", "build", "-o", bin, "./internal/plugin/process/example")
	cmd.Dir = repoRoot
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "build example plugin:\n%s", out)

	ctx := context.Background()
	p, err := Load(ctx, "metronome", bin, WithCallTimeout(5*time.Second))
	require.NoError(t, err)
	defer p.Shutdown(ctx)

	host := newMemHost()
	reg, err := p.Init(ctx, host)
	require.NoError(t, err)
	assert.Equal(t, "metronome", reg.Name)
	host.store["beats"] = pkgplugin.Number(0)

	require.NoError(t, p.Run(ctx, host, timerEvent(1, "")))
	assert.Equal(t, pkgplugin.Number(1), host.store["beats"])
	require.Len(t, host.emitted, 1)
	assert.Equal(t, "beat", host.emitted[0].Kind)
}
