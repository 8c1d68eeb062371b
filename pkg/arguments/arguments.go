// Package arguments models the compiler argv homcc wraps: the queries the
// dispatcher and the server need (sendability, linking, outputs, source
// files) and the derived commands (dependency finding, compile-only,
// linking). Transformations never mutate; they return new instances.
package arguments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/celonis/homcc/pkg/sandbox"
)

// ExTempFail is the reserved compiler return code meaning "transient
// failure, retry locally" (sysexits.h EX_TEMPFAIL).
const ExTempFail = 75

const (
	noAssemblyArg = "-S"
	noLinkingArg  = "-c"
	outputArg     = "-o"

	// preprocessorTarget is the dummy make target used when asking the
	// preprocessor for the dependency closure on stdout.
	preprocessorTarget = "$(homcc)"
)

// IncludeArgs lists the flags whose values are include paths and need
// server-side translation.
var IncludeArgs = []string{"-I", "-isysroot", "-isystem"}

// preprocessorArgs are flags that make the invocation preprocessor-only and
// therefore unsendable.
var preprocessorArgs = []string{"-E", "-M", "-MM"}

// dependencySideEffectArgs are flags that emit make dependency files as a
// compilation side effect. They run locally during preprocessing and are
// stripped from the remote argv.
var dependencySideEffectArgs = []string{"-MD", "-MMD", "-MG", "-MP"}

// dependencyValueArgs are dependency flags that consume a value argument.
var dependencyValueArgs = []string{"-MF", "-MT", "-MQ"}

var sourceFilePattern = regexp.MustCompile(`^\S+\.(c|cc|cp|cpp|cxx|c\+\+|i|ii)$`)

// ErrNoCompiler indicates an argv without a compiler.
var ErrNoCompiler = errors.New("no compiler specified")

// ExecutionResult is what executing arguments produces.
type ExecutionResult struct {
	ReturnCode int
	Stdout     string
	Stderr     string
}

// Arguments is an immutable compiler argv.
type Arguments struct {
	args []string
}

// New wraps argv; the first element must be the compiler.
func New(args []string) (*Arguments, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, ErrNoCompiler
	}
	return &Arguments{args: slices.Clone(args)}, nil
}

// From builds arguments from a compiler and its flags.
func From(compiler string, args ...string) *Arguments {
	return &Arguments{args: append([]string{compiler}, args...)}
}

// Args returns a copy of the argv.
func (a *Arguments) Args() []string {
	return slices.Clone(a.args)
}

// Compiler returns the compiler, argv[0].
func (a *Arguments) Compiler() string {
	return a.args[0]
}

func (a *Arguments) String() string {
	return strings.Join(a.args, " ")
}

func (a *Arguments) copy() *Arguments {
	return &Arguments{args: slices.Clone(a.args)}
}

// HasArg reports whether arg is present.
func (a *Arguments) HasArg(arg string) bool {
	return slices.Contains(a.args[1:], arg)
}

// IsSendable reports whether the argv produces an object file worth
// compiling remotely. Preprocessor-only and no-assembly invocations are
// compiled locally.
func (a *Arguments) IsSendable() bool {
	for _, arg := range a.args[1:] {
		if arg == noAssemblyArg || slices.Contains(preprocessorArgs, arg) {
			return false
		}
	}
	return true
}

// IsLinking reports whether the invocation links.
func (a *Arguments) IsLinking() bool {
	return !a.HasArg(noLinkingArg)
}

// IsLinkingOnly reports whether the invocation has nothing to compile and
// only links already-built inputs.
func (a *Arguments) IsLinkingOnly() bool {
	return a.IsLinking() && len(a.SourceFiles()) == 0
}

// Output returns the last specified output target, or "".
func (a *Arguments) Output() string {
	output := ""
	for i := 1; i < len(a.args); i++ {
		arg := a.args[i]
		if !strings.HasPrefix(arg, outputArg) {
			continue
		}
		if arg == outputArg {
			if i+1 < len(a.args) {
				i++
				output = a.args[i]
			}
		} else {
			output = arg[len(outputArg):]
		}
	}
	return output
}

// SourceFiles extracts the files to be compiled.
func (a *Arguments) SourceFiles() []string {
	var sources []string

	valueArgs := append(append([]string{outputArg}, IncludeArgs...), dependencyValueArgs...)
	skipNext := false
	for _, arg := range a.args[1:] {
		if skipNext {
			skipNext = false
			continue
		}
		if strings.HasPrefix(arg, "-") {
			skipNext = slices.Contains(valueArgs, arg)
			continue
		}
		if sourceFilePattern.MatchString(strings.ToLower(arg)) {
			sources = append(sources, arg)
		}
	}

	return sources
}

// AddArg appends arg.
func (a *Arguments) AddArg(arg string) *Arguments {
	next := a.copy()
	next.args = append(next.args, arg)
	return next
}

// RemoveArg drops every occurrence of arg.
func (a *Arguments) RemoveArg(arg string) *Arguments {
	next := &Arguments{args: []string{a.args[0]}}
	for _, current := range a.args[1:] {
		if current != arg {
			next.args = append(next.args, current)
		}
	}
	return next
}

// RemoveOutputArgs drops all output related arguments.
func (a *Arguments) RemoveOutputArgs() *Arguments {
	next := &Arguments{args: []string{a.args[0]}}
	for i := 1; i < len(a.args); i++ {
		arg := a.args[i]
		if strings.HasPrefix(arg, outputArg) {
			if arg == outputArg {
				i++ // skip the output target
			}
			continue
		}
		next.args = append(next.args, arg)
	}
	return next
}

// SetOutput replaces the output target.
func (a *Arguments) SetOutput(output string) *Arguments {
	return a.RemoveOutputArgs().AddArg(outputArg + output)
}

// NoLinking turns the invocation into a compile-only one.
func (a *Arguments) NoLinking() *Arguments {
	return a.RemoveOutputArgs().AddArg(noLinkingArg)
}

// NormalizeCompiler reduces an absolute compiler path to its base name so
// the server resolves it against its own PATH, e.g. /usr/bin/g++ -> g++.
func (a *Arguments) NormalizeCompiler() *Arguments {
	next := a.copy()
	next.args[0] = filepath.Base(next.args[0])
	return next
}

// RemoveLocalArgs strips the flags that must not run remotely: make
// dependency side effects are produced by the local preprocessing run.
func (a *Arguments) RemoveLocalArgs() *Arguments {
	next := &Arguments{args: []string{a.args[0]}}
	for i := 1; i < len(a.args); i++ {
		arg := a.args[i]
		if slices.Contains(dependencySideEffectArgs, arg) {
			continue
		}
		if slices.Contains(dependencyValueArgs, arg) {
			i++ // skip the flag's value
			continue
		}
		next.args = append(next.args, arg)
	}
	return next
}

// DependencyFinding derives the preprocessor command that emits the header
// closure. The returned file name is the side-channel dependency file the
// closure must be read from; it is empty when the closure arrives on
// stdout.
func (a *Arguments) DependencyFinding() (*Arguments, string) {
	finding := a.RemoveArg(noLinkingArg).RemoveOutputArgs()

	sideEffects := false
	for _, arg := range dependencySideEffectArgs {
		if finding.HasArg(arg) {
			sideEffects = true
			break
		}
	}

	if sideEffects {
		// keep the user's -MD/-MF flags so the dependency file side
		// effect happens during preprocessing, but stop after it
		return finding.AddArg("-E"), a.dependencyFile()
	}

	return finding.AddArg("-MM").AddArg("-MT").AddArg(preprocessorTarget), ""
}

// dependencyFile returns the file -MF points at, or "".
func (a *Arguments) dependencyFile() string {
	for i := 1; i < len(a.args)-1; i++ {
		if a.args[i] == "-MF" {
			return a.args[i+1]
		}
	}
	return ""
}

// ReplaceSourceFilesWithObjectFiles swaps each source file for its object
// file, producing the local linking command.
func (a *Arguments) ReplaceSourceFilesWithObjectFiles(objects map[string]string) *Arguments {
	next := a.copy()
	for i, arg := range next.args[1:] {
		if object, ok := objects[arg]; ok {
			next.args[i+1] = object
		}
	}
	return next
}

// Execute runs the argv, transformed by env, in cwd. A non-zero compiler
// exit is not an error; it is reported through the result's return code.
func (a *Arguments) Execute(ctx context.Context, cwd string, env sandbox.ShellEnvironment) (ExecutionResult, error) {
	return a.ExecuteWithEnv(ctx, cwd, env, nil)
}

// ExecuteWithEnv additionally restricts the subprocess environment; a nil
// environ inherits the caller's.
func (a *Arguments) ExecuteWithEnv(ctx context.Context, cwd string, env sandbox.ShellEnvironment, environ []string) (ExecutionResult, error) {
	argv := env.Transform(a.args, cwd)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = environ

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ExecutionResult{ReturnCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return ExecutionResult{}, fmt.Errorf("unable to execute %s: %w", argv[0], err)
		}
		result.ReturnCode = exitError.ExitCode()
	}
	return result, nil
}

// ParseDependencies extracts the normalized dependency paths from a make
// rule emitted by the preprocessor, dropping targets and line
// continuations.
func ParseDependencies(rule string) []string {
	var dependencies []string
	for _, line := range strings.Split(rule, "\n") {
		// drop the rule target, e.g. "main.o:" or the dummy "$(homcc):"
		if parts := strings.Split(line, ":"); len(parts) == 2 {
			line = parts[1]
		}
		line = strings.TrimSuffix(strings.TrimSpace(line), "\\")
		for _, field := range strings.Fields(line) {
			if field == preprocessorTarget || field == ":" {
				continue
			}
			dependencies = append(dependencies, filepath.Clean(field))
		}
	}
	return dependencies
}
