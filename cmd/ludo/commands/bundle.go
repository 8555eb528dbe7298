package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goatkit/ludo/internal/plugin/packaging"
)

func newPackCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "pack <manifest.yaml>",
		Short: "Bundle a module, its manifest and sidecars into a zip file",
		Long: `Bundle the module named by a manifest together with the manifest, the
module's .sig signature and the widget schema, when present. Sign the module
before packing if the game requires signed modules.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0])) + ".zip"
			}
			b, err := packaging.Pack(args[0], out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "packed %s (%s): %s\n", b.Manifest.Name, strings.Join(b.Files, ", "), out)
			if !b.Signed {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: module is not signed")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "bundle path (default <manifest name>.zip)")
	return cmd
}

func newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <bundle.zip>...",
		Short: "Install module bundles into the plugin directory",
		Long: `Unpack bundles into plugins.dir/<name>, replacing earlier installs. A
running game with plugins.watch enabled loads them on the fly. Signatures are
checked when the module is loaded, not here.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			for _, bundle := range args {
				b, err := packaging.Install(bundle, cfg.Plugins.Dir)
				if err != nil {
					return fmt.Errorf("%s: %w", bundle, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "installed %s into %s\n", b.Manifest.Name, filepath.Join(cfg.Plugins.Dir, b.Manifest.Name))
			}
			return nil
		},
	}
}
