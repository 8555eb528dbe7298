package commands

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goatkit/ludo/internal/plugin/signing"
)

func newKeygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 key pair for signing modules",
		Long: `Generate a key pair. The public key goes into plugins.trusted_keys; the
private key signs modules with "ludo sign". With --out the keys are written
to <out>.pub and <out>.key, otherwise both are printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := signing.GenerateKeyPair()
			if err != nil {
				return err
			}
			pubHex, privHex := hex.EncodeToString(pub), hex.EncodeToString(priv)
			if out == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "public: ", pubHex)
				fmt.Fprintln(cmd.OutOrStdout(), "private:", privHex)
				return nil
			}
			if err := os.WriteFile(out+".pub", []byte(pubHex+"\n"), 0o644); err != nil {
				return err
			}
			if err := os.WriteFile(out+".key", []byte(privHex+"\n"), 0o600); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "public key:", pubHex)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write <out>.pub and <out>.key instead of printing")
	return cmd
}

func newSignCmd() *cobra.Command {
	var keyPath string
	cmd := &cobra.Command{
		Use:   "sign <module.wasm>...",
		Short: "Sign modules with a private key from keygen",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := readPrivateKey(keyPath)
			if err != nil {
				return err
			}
			for _, module := range args {
				sig := signing.SignaturePath(module)
				if err := signing.SignFile(module, sig, priv); err != nil {
					return fmt.Errorf("%s: %w", module, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "signed", module, "->", sig)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&keyPath, "key", "k", "", "private key file written by keygen")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key: expected %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}
