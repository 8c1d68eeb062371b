package server

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/celonis/homcc/pkg/arguments"
)

// Workspace is the ephemeral per-job directory tree in which the client's
// absolute paths are mirrored: /a/b/x.h becomes <instanceDir>/a/b/x.h.
// Relative paths are anchored to the mapped working directory.
type Workspace struct {
	// instanceDir is the job's root, <base>/homcc/<uuid>.
	instanceDir string
	// cwd is the client's working directory.
	cwd string
	// mappedCwd is the client working directory mirrored under
	// instanceDir.
	mappedCwd string
}

// NewWorkspace creates the instance directory for one job. An empty base
// uses the system temp directory.
func NewWorkspace(base, cwd string) (*Workspace, error) {
	if base == "" {
		base = os.TempDir()
	}

	instanceDir := filepath.Join(base, "homcc", uuid.New().String())
	w := &Workspace{instanceDir: instanceDir, cwd: cwd}
	w.mappedCwd = w.MapPath(cwd)

	if err := os.MkdirAll(w.mappedCwd, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create instance directory: %w", err)
	}
	return w, nil
}

// InstanceDir returns the job's root directory.
func (w *Workspace) InstanceDir() string {
	return w.instanceDir
}

// MappedCwd returns the client working directory mirrored into the
// instance directory.
func (w *Workspace) MappedCwd() string {
	return w.mappedCwd
}

// MapPath translates a client path into the workspace.
func (w *Workspace) MapPath(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Join(w.instanceDir, path[1:])
	}
	return filepath.Join(w.mappedCwd, path)
}

// MapArguments rewrites all path-bearing arguments: include flags, source
// files and output targets.
func (w *Workspace) MapArguments(a *arguments.Arguments) *arguments.Arguments {
	args := a.Args()
	mapped := []string{args[0]}

	pathValueArgs := append([]string{"-o"}, arguments.IncludeArgs...)

	for i := 1; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "-") {
			mapped = append(mapped, w.mapFlag(arg, pathValueArgs))
			// a bare flag whose path follows as the next argument
			if contains(pathValueArgs, arg) && i+1 < len(args) {
				i++
				mapped = append(mapped, w.MapPath(args[i]))
			}
			continue
		}

		mapped = append(mapped, w.MapPath(arg))
	}

	result, _ := arguments.New(mapped)
	return result
}

// mapFlag rewrites a combined flag like -Iinclude or -omain.o; bare flags
// pass through.
func (w *Workspace) mapFlag(arg string, pathValueArgs []string) string {
	for _, prefix := range pathValueArgs {
		if arg != prefix && strings.HasPrefix(arg, prefix) {
			return prefix + w.MapPath(arg[len(prefix):])
		}
	}
	return arg
}

// MapDependencies translates the client's dependency paths, preserving the
// digests.
func (w *Workspace) MapDependencies(dependencies map[string]string) map[string]string {
	mapped := make(map[string]string, len(dependencies))
	for path, digest := range dependencies {
		mapped[w.MapPath(path)] = digest
	}
	return mapped
}

// WriteDependency persists a dependency's bytes at its mapped path.
func (w *Workspace) WriteDependency(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("unable to create dependency directory: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("unable to write dependency %s: %w", path, err)
	}
	return nil
}

// LinkDependency materializes a cached file at the dependency's mapped
// path, hard-linking where possible and copying otherwise.
func (w *Workspace) LinkDependency(cachedPath, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("unable to create dependency directory: %w", err)
	}

	if err := os.Link(cachedPath, path); err == nil {
		return nil
	}

	source, err := os.Open(cachedPath)
	if err != nil {
		return fmt.Errorf("unable to copy cached dependency: %w", err)
	}
	defer source.Close()

	target, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to copy cached dependency: %w", err)
	}
	defer target.Close()

	if _, err := io.Copy(target, source); err != nil {
		return fmt.Errorf("unable to copy cached dependency: %w", err)
	}
	return nil
}

// Close removes the instance directory regardless of job outcome.
func (w *Workspace) Close() error {
	return os.RemoveAll(w.instanceDir)
}

func contains(list []string, value string) bool {
	for _, current := range list {
		if current == value {
			return true
		}
	}
	return false
}
