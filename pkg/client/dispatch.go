// Package client implements the homcc dispatcher: preprocess locally, pick
// a remote host under weighted load, run the wire exchange, and fall back
// to other hosts or to local compilation according to the error taxonomy.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/celonis/homcc/pkg/arguments"
	"github.com/celonis/homcc/pkg/config"
	"github.com/celonis/homcc/pkg/hashing"
	"github.com/celonis/homcc/pkg/host"
	"github.com/celonis/homcc/pkg/logging"
	"github.com/celonis/homcc/pkg/sandbox"
	"github.com/celonis/homcc/pkg/selection"
	"github.com/celonis/homcc/pkg/slots"
	"github.com/celonis/homcc/pkg/statefile"
)

// Dispatcher runs one compiler invocation end to end.
type Dispatcher struct {
	Log    logging.Logger
	Config config.Client
	// Ledger is the machine-wide slot ledger.
	Ledger *slots.Ledger
	// StateDir overrides the distcc-compatible state directory; empty
	// uses the default.
	StateDir string
	// Stdout and Stderr receive the compiler's output verbatim.
	Stdout io.Writer
	Stderr io.Writer
}

// Run compiles args, remotely when possible, and returns the compiler exit
// code.
func (d *Dispatcher) Run(ctx context.Context, args *arguments.Arguments, hosts []host.Host) (int, error) {
	state, err := d.newStateFile(args, host.Localhost())
	if err != nil {
		return 0, err
	}
	defer state.Close()

	if err := state.SetPhase(statefile.PhaseStartup); err != nil {
		d.Log.Debugf("unable to update state file: %v", err)
	}

	// unsendable and linking-only invocations stay local
	if !args.IsSendable() || args.IsLinkingOnly() {
		return d.compileLocally(ctx, args, state)
	}

	var remoteHosts []host.Host
	localhost := host.Localhost()
	for _, h := range hosts {
		if h.IsLocal() {
			localhost = h
			continue
		}
		remoteHosts = append(remoteHosts, h)
	}

	dependencies, err := d.preprocess(ctx, args, state)
	if err != nil {
		return 0, err
	}

	code, err := d.compileRemotely(ctx, args, dependencies, remoteHosts, state)
	if err == nil {
		return code, nil
	}

	if errors.Is(err, ErrRetryableRemoteCompilation) {
		d.Log.Warnf("remote compilation failed transiently, retrying locally: %v", err)
		return d.compileLocallyOn(ctx, args, localhost, state)
	}

	var remoteError *RemoteCompilationError
	if errors.As(err, &remoteError) {
		// a hard compiler failure would fail locally too; surface it
		fmt.Fprint(d.Stdout, remoteError.Stdout)
		fmt.Fprint(d.Stderr, remoteError.Stderr)
		return remoteError.ReturnCode, nil
	}

	if errors.Is(err, selection.ErrNoMoreHosts) || errors.Is(err, selection.ErrRemoteHostsFailure) {
		if d.Config.NoLocalCompilation {
			return 0, fmt.Errorf("%w: %v", ErrNoLocalCompilation, err)
		}
		d.Log.Warnf("falling back to local compilation: %v", err)
		return d.compileLocallyOn(ctx, args, localhost, state)
	}

	return 0, err
}

// preprocess obtains the dependency closure under the local preprocessing
// slot and hashes every dependency.
func (d *Dispatcher) preprocess(ctx context.Context, args *arguments.Arguments, state *statefile.StateFile) (map[string]string, error) {
	slot, err := d.Ledger.Acquire(ctx, host.PreprocessingLocalhost(), slots.DefaultPreprocessingTimeout)
	if err != nil {
		return nil, err
	}
	defer slot.Release()

	if err := state.SetPhase(statefile.PhasePreprocess); err != nil {
		d.Log.Debugf("unable to update state file: %v", err)
	}

	closure, err := d.dependencyClosure(ctx, args)
	if err != nil {
		return nil, err
	}

	dependencies := make(map[string]string, len(closure))
	for _, dependency := range closure {
		digest, err := hashing.DigestFile(dependency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPreprocessing, err)
		}
		dependencies[dependency] = digest
	}

	d.Log.Debugf("found %d dependencies", len(dependencies))
	return dependencies, nil
}

// dependencyClosure runs the preprocessor's dependency listing mode and
// returns the absolute paths of the transitive header set, sources
// included, without the excluded prefixes.
func (d *Dispatcher) dependencyClosure(ctx context.Context, args *arguments.Arguments) ([]string, error) {
	finding, sideFile := args.DependencyFinding()
	result, err := finding.Execute(ctx, "", d.shellEnvironment())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPreprocessing, err)
	}
	if result.ReturnCode != 0 {
		fmt.Fprint(d.Stderr, result.Stderr)
		return nil, fmt.Errorf("%w: preprocessor exited with %d", ErrPreprocessing, result.ReturnCode)
	}

	rule := result.Stdout
	if sideFile != "" && sideFile != "-" {
		content, err := readFile(sideFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPreprocessing, err)
		}
		rule = content
	}

	var closure []string
	for _, dependency := range arguments.ParseDependencies(rule) {
		absolute, err := filepath.Abs(dependency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPreprocessing, err)
		}
		if d.isExcluded(absolute) {
			continue
		}
		closure = append(closure, absolute)
	}
	return closure, nil
}

// ScanIncludes returns the invocation's dependency closure without
// compiling, with the source files themselves filtered out.
func (d *Dispatcher) ScanIncludes(ctx context.Context, args *arguments.Arguments) ([]string, error) {
	closure, err := d.dependencyClosure(ctx, args)
	if err != nil {
		return nil, err
	}

	sources := make(map[string]bool)
	for _, source := range args.SourceFiles() {
		if absolute, err := filepath.Abs(source); err == nil {
			sources[absolute] = true
		}
	}

	var includes []string
	for _, dependency := range closure {
		if !sources[dependency] {
			includes = append(includes, dependency)
		}
	}
	return includes, nil
}

// isExcluded reports whether a dependency lives under a prefix assumed
// present on every compilation host.
func (d *Dispatcher) isExcluded(path string) bool {
	for _, prefix := range d.Config.ExcludedDependencyPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// compileRemotely iterates the weighted host selector, acquiring a remote
// slot per host and moving on at every per-host failure.
func (d *Dispatcher) compileRemotely(
	ctx context.Context,
	args *arguments.Arguments,
	dependencies map[string]string,
	hosts []host.Host,
	state *statefile.StateFile,
) (int, error) {
	selector, err := selection.New(hosts, d.Config.RemoteCompilationTries)
	if err != nil {
		return 0, err
	}

	var failed []string
	for {
		h, err := selector.Next()
		if err != nil {
			if len(failed) > 0 {
				d.Log.Errorf("failed to compile %s remotely on hosts: %s",
					strings.Join(args.SourceFiles(), " "), strings.Join(failed, ", "))
			}
			return 0, err
		}

		code, err := d.compileRemotelyOn(ctx, args, dependencies, h, state)
		if err == nil {
			return code, nil
		}

		// per-host recoverable failures move on to the next host;
		// everything else propagates
		switch {
		case errors.Is(err, slots.ErrSlotsExhausted):
			d.Log.Debugf("%v", err)
		case errors.Is(err, ErrHostNameResolution):
			d.Log.Warnf("could not resolve host name of %s, could be a DNS issue?", h.Name)
		case errors.Is(err, ErrHostRefused),
			errors.Is(err, ErrUnexpectedMessageType),
			errors.Is(err, ErrUnsupportedTransport):
			d.Log.Warnf("lost host %s: %v", h.Name, err)
		default:
			return 0, err
		}
		failed = append(failed, h.String())
	}
}

// compileRemotelyOn acquires the host's slot and runs the exchange while it
// is held.
func (d *Dispatcher) compileRemotelyOn(
	ctx context.Context,
	args *arguments.Arguments,
	dependencies map[string]string,
	h host.Host,
	state *statefile.StateFile,
) (int, error) {
	slot, err := d.Ledger.TryAcquire(h)
	if err != nil {
		return 0, err
	}
	defer slot.Release()

	return d.compileRemotelyAt(ctx, args, dependencies, h, state)
}

// newStateFile creates the per-process monitor record.
func (d *Dispatcher) newStateFile(args *arguments.Arguments, h host.Host) (*statefile.StateFile, error) {
	dir := d.StateDir
	if dir == "" {
		defaultDir, err := statefile.DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = defaultDir
	}
	return statefile.New(args, h, dir)
}

func (d *Dispatcher) shellEnvironment() sandbox.ShellEnvironment {
	return sandbox.Host{}
}

func (d *Dispatcher) forwardOutput(result arguments.ExecutionResult) {
	fmt.Fprint(d.Stdout, result.Stdout)
	fmt.Fprint(d.Stderr, result.Stderr)
}
