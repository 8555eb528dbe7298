//go:build linux

package process

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// applyProcessSandbox restricts the plugin process: it dies with the host
// and starts from a minimal environment with its own home directory, so
// host secrets in the environment do not leak.
func applyProcessSandbox(cmd *exec.Cmd, name string, logger *slog.Logger) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	cmd.Env = pluginEnv(name, logger)
}

func pluginEnv(name string, logger *slog.Logger) []string {
	env := []string{"PATH=/usr/local/bin:/usr/bin:/bin"}

	home := filepath.Join(os.TempDir(), "ludo-plugin-"+name)
	if err := os.MkdirAll(home, 0o700); err != nil {
		logger.Warn("plugin home not created, using temp dir", "plugin", name, "error", err)
		home = os.TempDir()
	}
	env = append(env, "HOME="+home, "TMPDIR="+home)

	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, "TZ="+tz)
	}
	return env
}
