package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/goatkit/ludo/internal/engine"
	"github.com/goatkit/ludo/internal/plugin"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and dry-run every module in the plugin directory",
		Long: `Load the config, then load every module into a throwaway engine: signatures
are verified, manifests parsed, widget contracts compiled and each plugin's
init is run. Warnings plugins logged during init are listed after the table.
Nothing is ticked and nothing is saved.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			e := engine.New(
				engine.WithLogger(logger),
				engine.WithLogs(plugin.NewLogBuffer(200)),
				engine.WithPolicy(cfg.Sandbox.Policy()),
				engine.WithDenials(cfg.Plugins.Deny),
			)
			defer e.Close(context.WithoutCancel(ctx))

			l, err := newLoader(cfg, e, logger)
			if err != nil {
				return err
			}
			_, errs := l.LoadAll(ctx)

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKIND\tVERSION\tSTATUS\tDETAILS")
			for _, m := range l.DiscoveredModules() {
				status, details := "failed", ""
				if m.Loaded {
					status = "ok"
					details = describe(e, m.Manifest)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.Name(), m.Manifest.Kind, orDash(m.Manifest.Version), status, details)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, entry := range e.Logs().Entries(plugin.LogQuery{MinLevel: plugin.LevelWarn}) {
				fmt.Fprintf(out, "%s %s: %s\n", entry.Level, entry.Plugin, entry.Message)
			}
			for _, err := range errs {
				fmt.Fprintln(out, "error:", err)
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d module(s) failed", len(errs))
			}
			return nil
		},
	}
}

func describe(e *engine.Engine, m pkgplugin.PluginManifest) string {
	if m.Kind == pkgplugin.ModuleWidget {
		return "type " + m.TypeTag()
	}
	reg, ok := e.Manager().Registration(m.Name)
	if !ok {
		return ""
	}
	subs := make([]string, len(reg.Subscribe))
	for i, k := range reg.Subscribe {
		subs[i] = k.String()
	}
	return fmt.Sprintf("subscribe=[%s] publish=[%s] widgets=%d",
		strings.Join(subs, ","), strings.Join(reg.Publish, ","), len(reg.Widgets))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
