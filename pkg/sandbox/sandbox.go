// Package sandbox transforms compiler invocations so that they execute
// inside the environment a client requested: directly on the host, inside a
// schroot profile or inside a running docker container. An optional
// operator-configured wrapper command is prepended in all cases.
package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	shellwords "github.com/mattn/go-shellwords"
)

// ShellEnvironment rewrites a compiler invocation to run inside a sandbox.
type ShellEnvironment interface {
	// Transform returns the argv that executes argv inside the
	// environment with cwd as working directory.
	Transform(argv []string, cwd string) []string
}

// Host is the identity environment: commands run directly on the server.
type Host struct{}

func (Host) Transform(argv []string, _ string) []string {
	return argv
}

// Schroot executes commands inside a named schroot profile.
type Schroot struct {
	// Profile is the schroot profile name.
	Profile string
}

func (s Schroot) Transform(argv []string, _ string) []string {
	return append([]string{"schroot", "-c", s.Profile, "--"}, argv...)
}

// Docker executes commands inside a running container.
type Docker struct {
	// Container is the container name.
	Container string
}

func (d Docker) Transform(argv []string, cwd string) []string {
	transformed := []string{"docker", "exec"}
	if cwd != "" {
		transformed = append(transformed, "--workdir", cwd)
	}
	transformed = append(transformed, d.Container)
	return append(transformed, argv...)
}

// Wrapped prepends an operator-configured command prefix (e.g. "nice -n 19"
// or "ccache") to whatever the inner environment produces.
type Wrapped struct {
	Prefix []string
	Inner  ShellEnvironment
}

func (w Wrapped) Transform(argv []string, cwd string) []string {
	return append(append([]string{}, w.Prefix...), w.Inner.Transform(argv, cwd)...)
}

// ParseWrapper splits a configured wrapper command string into its argv
// prefix. An empty string yields nil.
func ParseWrapper(wrapper string) ([]string, error) {
	if strings.TrimSpace(wrapper) == "" {
		return nil, nil
	}
	prefix, err := shellwords.Parse(wrapper)
	if err != nil {
		return nil, fmt.Errorf("invalid compiler wrapper %q: %w", wrapper, err)
	}
	return prefix, nil
}

// IsSchrootAvailable reports whether schroot is installed on the server.
func IsSchrootAvailable() bool {
	_, err := exec.LookPath("schroot")
	return err == nil
}

// IsDockerAvailable reports whether docker is installed on the server.
func IsDockerAvailable() bool {
	_, err := exec.LookPath("docker")
	return err == nil
}

var schrootProfilePattern = regexp.MustCompile(`(?i)chroot:(.*)`)

// SchrootProfiles lists the schroot profiles available on the server.
func SchrootProfiles(ctx context.Context) ([]string, error) {
	output, err := exec.CommandContext(ctx, "schroot", "-l").Output()
	if err != nil {
		return nil, fmt.Errorf("unable to list schroot profiles: %w", err)
	}

	var profiles []string
	for _, match := range schrootProfilePattern.FindAllStringSubmatch(string(output), -1) {
		profiles = append(profiles, strings.TrimSpace(match[1]))
	}
	return profiles, nil
}

// IsDockerContainerRunning checks that the requested container exists and
// runs.
func IsDockerContainerRunning(ctx context.Context, container string) bool {
	output, err := exec.CommandContext(
		ctx, "docker", "container", "inspect", "-f", "{{.State.Running}}", container,
	).Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(output), "true")
}
