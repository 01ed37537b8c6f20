package installer

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dorcha-inc/toolhost/internal/core"
)

// DefaultNpmTimeout bounds a node dependency install
const DefaultNpmTimeout = 10 * time.Minute

// NpmDepsInstaller installs node backend dependencies with npm
type NpmDepsInstaller struct {
	npmPath  string
	executor *core.ProcessExecutor
}

// NewNpmDepsInstaller creates a node dependency installer running npmPath
func NewNpmDepsInstaller(npmPath string, runner core.CommandRunner, clock clockwork.Clock) *NpmDepsInstaller {
	if npmPath == "" {
		npmPath = "npm"
	}
	if runner == nil {
		runner = core.NewExecCommandRunner()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &NpmDepsInstaller{
		npmPath:  npmPath,
		executor: core.NewProcessExecutorWithClockAndRunner(DefaultNpmTimeout, clock, runner),
	}
}

// InstallNodeDeps runs `npm install --omit=dev` in dir
func (n *NpmDepsInstaller) InstallNodeDeps(ctx context.Context, toolID string, dir string) error {
	zap.L().Info("Installing node dependencies", zap.String("tool", toolID), zap.String("dir", dir))

	result, err := n.executor.Execute(ctx, core.ExecSpec{
		Name: n.npmPath,
		Args: []string{"install", "--omit=dev", "--no-audit", "--no-fund"},
		Env:  os.Environ(),
		Dir:  dir,
	})
	if err != nil {
		return fmt.Errorf("failed to run npm: %w", err)
	}
	if !result.Success() {
		return fmt.Errorf("npm install exited with code %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

var _ NodeDepsInstaller = &NpmDepsInstaller{}
