package arguments

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/celonis/homcc/pkg/sandbox"
)

// ErrTargetInference indicates that the local compiler's target triple
// could not be determined.
var ErrTargetInference = errors.New("unable to infer compiler target triple")

// Compiler abstracts over the differences between compiler families that
// matter for cross compilation.
type Compiler interface {
	// TargetTriple asks the local compiler for the triple it produces
	// code for, e.g. x86_64-linux-gnu.
	TargetTriple(ctx context.Context) (string, error)
	// WithTarget returns arguments that compile for target. An existing
	// explicit target is never overwritten.
	WithTarget(a *Arguments, target string) *Arguments
}

// CompilerFor resolves the compiler family from the compiler's name. Any
// unrecognized compiler is treated like gcc, whose conventions the common
// vendor wrappers follow.
func CompilerFor(compiler string) Compiler {
	base := filepath.Base(compiler)
	if strings.HasPrefix(base, "clang") {
		return clang{compiler: compiler}
	}
	return gcc{compiler: compiler}
}

type gcc struct {
	compiler string
}

func (g gcc) TargetTriple(ctx context.Context) (string, error) {
	result, err := From(g.compiler, "-dumpmachine").Execute(ctx, "", sandbox.Host{})
	if err != nil || result.ReturnCode != 0 {
		return "", fmt.Errorf("%w for %s", ErrTargetInference, g.compiler)
	}
	return strings.TrimSpace(result.Stdout), nil
}

// WithTarget substitutes the cross compiler binary, e.g. g++ becomes
// x86_64-linux-gnu-g++.
func (g gcc) WithTarget(a *Arguments, target string) *Arguments {
	if strings.HasPrefix(filepath.Base(a.Compiler()), target+"-") {
		return a
	}
	next := a.copy()
	next.args[0] = target + "-" + filepath.Base(a.Compiler())
	return next
}

type clang struct {
	compiler string
}

var clangTargetPattern = regexp.MustCompile(`(?i)Target:\s*(\S+)`)

func (c clang) TargetTriple(ctx context.Context) (string, error) {
	result, err := From(c.compiler, "--version").Execute(ctx, "", sandbox.Host{})
	if err != nil || result.ReturnCode != 0 {
		return "", fmt.Errorf("%w for %s", ErrTargetInference, c.compiler)
	}

	match := clangTargetPattern.FindStringSubmatch(result.Stdout)
	if match == nil {
		return "", fmt.Errorf("%w for %s: no target in version output", ErrTargetInference, c.compiler)
	}
	return match[1], nil
}

// WithTarget passes --target, which clang accepts for any triple.
func (c clang) WithTarget(a *Arguments, target string) *Arguments {
	for _, arg := range a.args[1:] {
		if strings.HasPrefix(arg, "--target=") || arg == "-target" {
			return a
		}
	}
	return a.AddArg("--target=" + target)
}
