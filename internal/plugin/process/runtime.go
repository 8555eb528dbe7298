// Package process runs native plugins as separate OS processes. The host
// side speaks the pkg/plugin/rpcplugin protocol through hashicorp/go-plugin;
// the plugin sees the same HostAPI as a WASM guest, enforced by the same
// sandboxed host API on this side of the connection.
//
// Processes get the call watchdog but no memory cap. A call that times out
// or loses its connection is a trap: the process is killed and a fresh one
// is started, without its Init registration, before the next call.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/goatkit/ludo/internal/plugin"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
	"github.com/goatkit/ludo/pkg/plugin/rpcplugin"
)

type loadOptions struct {
	callTimeout  time.Duration
	startTimeout time.Duration
	logger       *slog.Logger
}

// LoadOption configures how a plugin process is started.
type LoadOption func(*loadOptions)

func defaultLoadOptions() loadOptions {
	return loadOptions{
		callTimeout:  pkgplugin.DefaultResourcePolicy().CallTimeout,
		startTimeout: 10 * time.Second,
		logger:       slog.Default(),
	}
}

// WithCallTimeout sets the watchdog deadline for each call.
func WithCallTimeout(d time.Duration) LoadOption {
	return func(o *loadOptions) { o.callTimeout = d }
}

// WithStartTimeout bounds the go-plugin handshake.
func WithStartTimeout(d time.Duration) LoadOption {
	return func(o *loadOptions) { o.startTimeout = d }
}

// WithPolicy applies the time limit of a resource policy. Memory limits do
// not apply to processes; the host call ceiling is enforced by the
// sandboxed host API.
func WithPolicy(p pkgplugin.ResourcePolicy) LoadOption {
	return func(o *loadOptions) { o.callTimeout = p.CallTimeout }
}

// WithLogger sets the logger for process and handshake output.
func WithLogger(l *slog.Logger) LoadOption {
	return func(o *loadOptions) { o.logger = l }
}

// conn is one running plugin process.
type conn struct {
	rpc  *rpcplugin.Client
	kill func()
}

type launcher func(ctx context.Context) (*conn, error)

// ProcessPlugin is a plugin running in its own process. It implements
// plugin.Plugin.
type ProcessPlugin struct {
	name   string
	opts   loadOptions
	launch launcher
	hosts  *hostServer

	mu           sync.Mutex
	conn         *conn
	initialised  bool
	registration pkgplugin.Registration
}

var _ plugin.Plugin = (*ProcessPlugin)(nil)

// Load starts the executable at path and completes the handshake. Init is
// not called until the plugin is registered.
func Load(ctx context.Context, name, path string, opts ...LoadOption) (*ProcessPlugin, error) {
	o := defaultLoadOptions()
	for _, opt := range opts {
		opt(&o)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, &plugin.SandboxError{Plugin: name, Err: err}
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return nil, &plugin.SandboxError{Plugin: name, Err: fmt.Errorf("%s is not executable", path)}
	}
	return newProcessPlugin(ctx, name, o, execLauncher(name, path, o))
}

func newProcessPlugin(ctx context.Context, name string, o loadOptions, launch launcher) (*ProcessPlugin, error) {
	p := &ProcessPlugin{name: name, opts: o, launch: launch, hosts: &hostServer{}}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensure(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func execLauncher(name, path string, o loadOptions) launcher {
	return func(ctx context.Context) (*conn, error) {
		cmd := exec.Command(path)
		applyProcessSandbox(cmd, name, o.logger)

		client := goplugin.NewClient(&goplugin.ClientConfig{
			HandshakeConfig:  rpcplugin.Handshake,
			Plugins:          rpcplugin.PluginMap(nil),
			Cmd:              cmd,
			Logger:           newHCLogger(name, o.logger),
			AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
			StartTimeout:     o.startTimeout,
			// The sandbox decides the environment.
			SkipHostEnv: true,
		})
		rpcClient, err := client.Client()
		if err != nil {
			client.Kill()
			return nil, fmt.Errorf("start: %w", err)
		}
		raw, err := rpcClient.Dispense(rpcplugin.PluginName)
		if err != nil {
			client.Kill()
			return nil, fmt.Errorf("dispense: %w", err)
		}
		impl, ok := raw.(*rpcplugin.Client)
		if !ok {
			client.Kill()
			return nil, fmt.Errorf("unexpected plugin client %T", raw)
		}
		return &conn{rpc: impl, kill: client.Kill}, nil
	}
}

// ensure starts a process if none is running. A replacement process for
// an initialised plugin is initialised again with no host bound, and its
// registration is ignored. Must be called with p.mu held.
func (p *ProcessPlugin) ensure(ctx context.Context) error {
	if p.conn != nil {
		return nil
	}
	c, err := p.launch(ctx)
	if err != nil {
		return &plugin.SandboxError{Plugin: p.name, Err: err}
	}
	p.conn = c
	if !p.initialised {
		return nil
	}

	p.opts.logger.Warn("plugin process restarted", "plugin", p.name)
	callCtx, cancel := p.withDeadline(ctx)
	defer cancel()
	if _, err := c.rpc.Init(callCtx, p.hosts); err != nil {
		p.stop()
		return &plugin.SandboxError{Plugin: p.name, Err: fmt.Errorf("re-init: %w", err)}
	}
	return nil
}

func (p *ProcessPlugin) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.callTimeout > 0 {
		return context.WithTimeout(ctx, p.opts.callTimeout)
	}
	return context.WithCancel(ctx)
}

// stop kills the process. Must be called with p.mu held.
func (p *ProcessPlugin) stop() {
	if p.conn == nil {
		return
	}
	p.conn.kill()
	p.conn = nil
}

// invoke runs fn against the process under the watchdog with host bound.
// Failures the plugin reported itself pass through; anything else kills
// the process and comes back as a TrapError.
func (p *ProcessPlugin) invoke(ctx context.Context, call string, host pkgplugin.HostAPI, fn func(context.Context, *rpcplugin.Client) error) error {
	if err := p.ensure(ctx); err != nil {
		return err
	}
	callCtx, cancel := p.withDeadline(ctx)
	defer cancel()
	unbind := p.hosts.bind(callCtx, host)
	defer unbind()

	err := fn(callCtx, p.conn.rpc)
	var remote *rpcplugin.RemoteError
	if err == nil || errors.As(err, &remote) {
		return err
	}
	p.stop()
	return &plugin.TrapError{Plugin: p.name, Call: call, Err: err}
}

// Init implements plugin.Plugin.
func (p *ProcessPlugin) Init(ctx context.Context, host pkgplugin.HostAPI) (pkgplugin.Registration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var reg pkgplugin.Registration
	err := p.invoke(ctx, "init", host, func(ctx context.Context, c *rpcplugin.Client) error {
		var err error
		reg, err = c.Init(ctx, p.hosts)
		return err
	})
	if err != nil {
		return pkgplugin.Registration{}, err
	}
	if reg.Name == "" {
		reg.Name = p.name
	}
	p.initialised = true
	p.registration = reg
	return reg, nil
}

// Run implements plugin.Plugin.
func (p *ProcessPlugin) Run(ctx context.Context, host pkgplugin.HostAPI, ev pkgplugin.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invoke(ctx, "run", host, func(ctx context.Context, c *rpcplugin.Client) error {
		return c.Run(ctx, ev)
	})
}

// Shutdown asks the plugin to clean up and kills the process.
func (p *ProcessPlugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	callCtx, cancel := p.withDeadline(ctx)
	defer cancel()
	err := p.conn.rpc.Shutdown(callCtx)
	p.stop()
	return err
}

// Registration returns what Init returned.
func (p *ProcessPlugin) Registration() pkgplugin.Registration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registration
}

// Running reports whether a process is currently up.
func (p *ProcessPlugin) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// newHCLogger routes go-plugin's own logging into slog.
func newHCLogger(name string, logger *slog.Logger) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:        "plugin." + name,
		Output:      &logWriter{logger: logger, plugin: name},
		Level:       hclog.Warn,
		DisableTime: true,
	})
}

type logWriter struct {
	logger *slog.Logger
	plugin string
}

func (w *logWriter) Write(b []byte) (int, error) {
	msg := string(b)
	for len(msg) > 0 && (msg[len(msg)-1] == '\n' || msg[len(msg)-1] == '\r') {
		msg = msg[:len(msg)-1]
	}
	if msg != "" {
		w.logger.Warn(msg, "plugin", w.plugin, "source", "go-plugin")
	}
	return len(b), nil
}
