package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/goatkit/ludo/internal/config"
	"github.com/goatkit/ludo/internal/engine"
	"github.com/goatkit/ludo/internal/persistence"
	"github.com/goatkit/ludo/internal/plugin/example"
	"github.com/goatkit/ludo/internal/plugin/loader"
	"github.com/goatkit/ludo/internal/plugin/signing"
)

type runOptions struct {
	maxTicks   uint64
	demo       bool
	restore    bool
	saveOnExit bool
}

func newRunCmd() *cobra.Command {
	var (
		opts        runOptions
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load the plugin directory and run the game loop",
		Long: `Load every module in the plugin directory and tick until interrupted.

With --restore the configured save slot is loaded first. The game is saved
to the same slot every save.autosave_every and when the loop stops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Addr = metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGame(ctx, cfg, logger, opts)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and the /frames stream on this address (overrides metrics.addr)")
	cmd.Flags().Uint64Var(&opts.maxTicks, "ticks", 0, "stop after this many ticks (0 runs until interrupted)")
	cmd.Flags().BoolVar(&opts.demo, "demo", false, "load the built-in demo plugins")
	cmd.Flags().BoolVar(&opts.restore, "restore", false, "restore the configured save slot before the first tick")
	cmd.Flags().BoolVar(&opts.saveOnExit, "save-on-exit", false, "save to the configured slot when the loop stops")
	return cmd
}

func runGame(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts runOptions) error {
	var renderer engine.Renderer = logRenderer(logger)
	var frames *engine.FrameStream
	if cfg.Metrics.Addr != "" {
		frames = engine.NewFrameStream()
		renderer = engine.Tee(renderer, frames)
	}
	e := engine.New(
		engine.WithLogger(logger),
		engine.WithQuota(cfg.Tick.Quota),
		engine.WithPolicy(cfg.Sandbox.Policy()),
		engine.WithDenials(cfg.Plugins.Deny),
		engine.WithRenderer(renderer),
	)
	defer func() {
		if err := e.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("engine close", "error", err)
		}
	}()

	if opts.demo {
		if err := loadDemo(ctx, e); err != nil {
			return fmt.Errorf("load demo: %w", err)
		}
	}

	l, err := newLoader(cfg, e, logger)
	if err != nil {
		return err
	}
	n, errs := l.LoadAll(ctx)
	for _, err := range errs {
		logger.Warn("module not loaded", "error", err)
	}
	logger.Info("plugin directory loaded", "dir", cfg.Plugins.Dir, "modules", n, "failed", len(errs))

	if cfg.Plugins.Watch {
		if err := l.WatchDir(ctx); err != nil {
			return err
		}
		defer l.StopWatch()
	}

	var store persistence.Store
	saving := cfg.Save.AutosaveEvery > 0 || opts.saveOnExit
	if saving || opts.restore {
		store, err = persistence.Open(ctx, cfg.Save.Backend, cfg.Save.Location)
		if err != nil {
			return fmt.Errorf("open save store: %w", err)
		}
		defer store.Close()
	}
	if opts.restore {
		err := e.LoadFrom(ctx, store, cfg.Save.Slot)
		switch {
		case errors.Is(err, persistence.ErrSlotNotFound):
			logger.Info("no save to restore, starting fresh", "slot", cfg.Save.Slot)
		case err != nil:
			return fmt.Errorf("restore %s: %w", cfg.Save.Slot, err)
		default:
			logger.Info("game restored", "slot", cfg.Save.Slot, "tick", e.TickCount())
		}
	}

	if cfg.Metrics.Addr != "" {
		stopMetrics := serveMetrics(cfg.Metrics.Addr, frames, logger)
		defer stopMetrics()
	}

	lo := engine.LoopOptions{
		Interval: cfg.Tick.Interval(),
		MaxTicks: opts.maxTicks,
		OnTick: func(r engine.TickReport) {
			for _, trap := range r.Traps {
				logger.Warn("plugin trapped", "tick", r.Tick, "plugin", trap.Plugin, "dropped", trap.Dropped, "error", trap.Err)
			}
		},
	}
	if saving {
		lo.Store, lo.Slot, lo.AutosaveEvery = store, cfg.Save.Slot, cfg.Save.AutosaveEvery
	}
	logger.Info("game loop started", "rate", cfg.Tick.Rate, "plugins", e.Order())
	err = e.RunLoop(ctx, lo)
	logger.Info("game loop stopped", "tick", e.TickCount())
	return err
}

func newLoader(cfg *config.Config, e *engine.Engine, logger *slog.Logger) (*loader.Loader, error) {
	keys, err := signing.ParsePublicKeys(cfg.Plugins.TrustedKeys)
	if err != nil {
		return nil, fmt.Errorf("plugins.trusted_keys: %w", err)
	}
	return loader.NewLoader(cfg.Plugins.Dir, e,
		loader.WithLogger(logger),
		loader.WithVerifier(signing.NewVerifier(cfg.Plugins.RequireSigned, keys)),
		loader.WithCeiling(cfg.Sandbox.Policy()),
	), nil
}

// loadDemo loads the native example plugins: a ping/pong pair, a button
// and a keyboard driven circle.
func loadDemo(ctx context.Context, e *engine.Engine) error {
	if err := e.Load(ctx, "ping", example.NewPing(time.Second, 10)); err != nil {
		return err
	}
	if err := e.Load(ctx, "pong", example.Pong{}); err != nil {
		return err
	}
	if err := e.Load(ctx, "clicker", &example.Clicker{X: 20, Y: 20}); err != nil {
		return err
	}
	return e.Load(ctx, "mover", &example.Mover{X: 200, Y: 150})
}

// logRenderer stands in for a real renderer and logs each frame at debug
// level.
func logRenderer(logger *slog.Logger) engine.Renderer {
	return engine.RendererFunc(func(ctx context.Context, f engine.Frame) error {
		logger.Debug("frame", "tick", f.Tick, "widgets", len(f.Widgets))
		return nil
	})
}

// serveMetrics serves prometheus metrics on /metrics and the live frame
// stream on /frames.
func serveMetrics(addr string, frames http.Handler, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/frames", frames)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
