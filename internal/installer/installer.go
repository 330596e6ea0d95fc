// Package installer resolves and installs package requirements into a
// worker's environment, adapted from cillow's install_requirements: it
// picks uv over pip when both are on PATH, writes the requirement list
// to a temp file instead of the command line (so no requirement string
// ever becomes part of an argv token get reinterpreted by a shell), and
// passes --python <environment> for anything other than the system
// environment.
package installer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/synacktraa/cillow/internal/shell"
	"github.com/synacktraa/cillow/internal/wire"
)

// Command returns the package manager invocation to use: uv if present
// on PATH, otherwise pip.
func Command() []string {
	if _, err := exec.LookPath("uv"); err == nil {
		return []string{"uv", "pip", "install"}
	}
	return []string{"pip", "install"}
}

// Install writes requirements to a temporary manifest and installs them
// via Command(), streaming output lines to onLine as they arrive.
func Install(ctx context.Context, sh *shell.Shell, env wire.Environment, requirements []string, onLine func(line string)) error {
	manifest, err := os.CreateTemp("", "cillow-requirements-*.txt")
	if err != nil {
		return fmt.Errorf("create requirements manifest: %w", err)
	}
	defer os.Remove(manifest.Name())
	defer manifest.Close()

	if _, err := manifest.WriteString(strings.Join(requirements, "\n")); err != nil {
		return fmt.Errorf("write requirements manifest: %w", err)
	}
	if err := manifest.Sync(); err != nil {
		return fmt.Errorf("flush requirements manifest: %w", err)
	}

	argv := append([]string{}, Command()...)
	if !env.IsSystem() {
		argv = append(argv, "--python", string(env))
	}
	argv = append(argv, "-r", manifest.Name())

	return sh.Stream(ctx, argv, nil, onLine)
}
