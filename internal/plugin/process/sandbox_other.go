//go:build !linux

package process

import (
	"log/slog"
	"os/exec"
	"runtime"
)

// applyProcessSandbox only warns: there is no process isolation outside
// Linux and the plugin runs with the host's environment.
func applyProcessSandbox(cmd *exec.Cmd, name string, logger *slog.Logger) {
	logger.Warn("plugin process sandboxing not available", "os", runtime.GOOS, "plugin", name)
}
