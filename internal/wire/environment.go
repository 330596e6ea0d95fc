// Package wire defines the request/response wire protocol shared by the
// broker and its clients: the Environment identifier, the Request and
// ResponseFrame tagged unions, the envelope used to carry multi-part
// messages, and the msgpack codec that serializes all of it.
package wire

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SystemEnvironment is the sentinel value meaning "use the broker host's
// default language installation".
const SystemEnvironment Environment = "$system"

// DockerImagePrefix marks an environment as "run this worker inside the
// named Docker image" rather than a host filesystem installation. A
// worker pool configured with the docker backend dispatches such
// environments to it instead of spawning a bare child process.
const DockerImagePrefix = "docker_image:"

// ErrInvalidEnvironment is returned by Validate when the environment does
// not resolve to the system sentinel or a directory containing
// lib/site-packages.
var ErrInvalidEnvironment = errors.New("environment is invalid or not found")

// Environment identifies a language installation: either SystemEnvironment
// or an absolute, user-expanded filesystem path containing lib/site-packages.
// Equality is by normalized path for filesystem variants and by tag for
// SystemEnvironment, which falls out of comparing the underlying string.
type Environment string

// Validate normalizes and checks the environment, resolving "~" and
// relative components. It returns ErrInvalidEnvironment if a non-system
// path does not contain lib/site-packages.
func (e Environment) Validate() (Environment, error) {
	if e == "" {
		e = SystemEnvironment
	}
	if e == SystemEnvironment {
		return e, nil
	}
	if e.IsDockerImage() {
		return e, nil
	}

	expanded := string(e)
	if strings.HasPrefix(expanded, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidEnvironment, err)
		}
		expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~"))
	}

	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEnvironment, err)
	}

	siteInfo, err := os.Stat(filepath.Join(abs, "lib", "site-packages"))
	if err != nil || !siteInfo.IsDir() {
		return "", fmt.Errorf("%w: %q", ErrInvalidEnvironment, abs)
	}
	return Environment(abs), nil
}

// SitePackages returns the lib/site-packages directory for a non-system
// environment. Callers must validate the environment first.
func (e Environment) SitePackages() string {
	return filepath.Join(string(e), "lib", "site-packages")
}

// IsSystem reports whether e is the system sentinel.
func (e Environment) IsSystem() bool {
	return e == SystemEnvironment
}

// IsDockerImage reports whether e names a Docker image rather than a
// host filesystem installation.
func (e Environment) IsDockerImage() bool {
	return strings.HasPrefix(string(e), DockerImagePrefix)
}

// ImageName returns the Docker image name for a docker-image
// environment. Callers must check IsDockerImage first.
func (e Environment) ImageName() string {
	return strings.TrimPrefix(string(e), DockerImagePrefix)
}
