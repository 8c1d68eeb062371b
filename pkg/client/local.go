package client

import (
	"context"
	"os"

	"github.com/celonis/homcc/pkg/arguments"
	"github.com/celonis/homcc/pkg/host"
	"github.com/celonis/homcc/pkg/slots"
	"github.com/celonis/homcc/pkg/statefile"
)

// compileLocally runs args on this machine under the default local
// compilation slot.
func (d *Dispatcher) compileLocally(ctx context.Context, args *arguments.Arguments, state *statefile.StateFile) (int, error) {
	return d.compileLocallyOn(ctx, args, host.Localhost(), state)
}

// compileLocallyOn runs args under localhost's slot, blocking with the
// inverse exponential backoff until one frees up.
func (d *Dispatcher) compileLocallyOn(ctx context.Context, args *arguments.Arguments, localhost host.Host, state *statefile.StateFile) (int, error) {
	slot, err := d.Ledger.Acquire(ctx, localhost, slots.DefaultCompilationTimeout)
	if err != nil {
		return 0, err
	}
	defer slot.Release()

	if err := state.SetPhase(statefile.PhaseCompile); err != nil {
		d.Log.Debugf("unable to update state file: %v", err)
	}

	d.Log.Debugf("compiling locally: %q", args.String())
	result, err := args.Execute(ctx, "", d.shellEnvironment())
	if err != nil {
		return 0, err
	}

	d.forwardOutput(result)
	return result.ReturnCode, nil
}

// readFile reads a dependency side file produced by the preprocessor.
func readFile(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}
