// homcc is the client: it wraps a compiler invocation, ships the
// preprocessed translation units to a remote homccd and links locally.
// All argv that is not one of the informational flags is forwarded to the
// wrapped compiler verbatim.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	sysinfo "github.com/elastic/go-sysinfo"

	"github.com/celonis/homcc/pkg/arguments"
	"github.com/celonis/homcc/pkg/client"
	"github.com/celonis/homcc/pkg/config"
	"github.com/celonis/homcc/pkg/host"
	"github.com/celonis/homcc/pkg/logging"
	"github.com/celonis/homcc/pkg/slots"
)

const (
	version = "0.1.0"

	// exUsage is sysexits.h EX_USAGE, returned on a detected recursive
	// self-invocation.
	exUsage = 64

	// recursionMarker is printed on stderr when homcc detects that the
	// compiler it wraps is homcc itself. homcc does not look for the marker
	// in a wrapped compiler's output.
	recursionMarker = "_HOMCC_CALLED_RECURSIVELY"

	usage = `Usage: homcc [INFO FLAG] | COMPILER [COMPILER ARGUMENTS...]

homcc distributes compilation jobs to remote hosts and links locally.

Informational flags:
  --help            show this help and exit
  --version         show version information and exit
  --show-hosts      show the configured hosts and exit
  -j                show the configured concurrency level and exit
  --scan-includes   show the dependency closure of the invocation and exit
`
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return exUsage
	}

	switch os.Args[1] {
	case "--help":
		fmt.Print(usage)
		return 0
	case "--version":
		printVersion()
		return 0
	case "--show-hosts":
		return showHosts()
	case "-j":
		return showConcurrency()
	}

	cfg, err := config.LoadClient(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "homcc: %v\n", err)
		return 1
	}

	level := cfg.LogLevel
	if level == "" {
		// a compiler wrapper should stay quiet unless something is wrong
		level = "WARNING"
	}
	log, err := logging.New(level, cfg.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "homcc: %v\n", err)
		return 1
	}

	scanIncludes := false
	argv := os.Args[1:]
	if argv[0] == "--scan-includes" {
		scanIncludes = true
		argv = argv[1:]
	}

	args, err := arguments.New(argv)
	if err != nil {
		fmt.Fprint(os.Stderr, usage)
		return exUsage
	}

	if isRecursiveInvocation(args.Compiler()) {
		fmt.Fprintln(os.Stderr, recursionMarker)
		return exUsage
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ledger, err := slots.NewLedger(log, "")
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}

	dispatcher := &client.Dispatcher{
		Log:    log,
		Config: cfg,
		Ledger: ledger,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}

	if scanIncludes {
		return runScanIncludes(ctx, dispatcher, args)
	}

	hosts, err := host.Load(nil)
	if err != nil {
		if !errors.Is(err, host.ErrNoHosts) {
			log.Errorf("%v", err)
			return 1
		}
		log.Debugf("no hosts configured, compiling locally")
		hosts = nil
	}

	code, err := dispatcher.Run(ctx, args, hosts)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}
	return code
}

// isRecursiveInvocation reports whether the wrapped compiler resolves to
// this very binary, e.g. through a cc -> homcc symlink.
func isRecursiveInvocation(compiler string) bool {
	if filepath.Base(compiler) == "homcc" {
		return true
	}

	resolved, err := exec.LookPath(compiler)
	if err != nil {
		return false
	}
	self, err := os.Executable()
	if err != nil {
		return false
	}

	resolvedInfo, err := os.Stat(resolved)
	if err != nil {
		return false
	}
	selfInfo, err := os.Stat(self)
	if err != nil {
		return false
	}
	return os.SameFile(resolvedInfo, selfInfo)
}

func printVersion() {
	fmt.Printf("homcc %s\n", version)
	if h, err := sysinfo.Host(); err == nil {
		info := h.Info()
		fmt.Printf("running on %s/%s (%s)\n", info.OS.Name, info.Architecture, info.KernelVersion)
	}
}

func showHosts() int {
	lines, err := host.LoadLines(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "homcc: %v\n", err)
		return 1
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return 0
}

// showConcurrency prints the total concurrency level: the summed job
// limits of all configured hosts.
func showConcurrency() int {
	hosts, err := host.Load(nil)
	if err != nil && !errors.Is(err, host.ErrNoHosts) {
		fmt.Fprintf(os.Stderr, "homcc: %v\n", err)
		return 1
	}

	total := 0
	for _, h := range hosts {
		total += h.Limit
	}
	fmt.Println(total)
	return 0
}

func runScanIncludes(ctx context.Context, dispatcher *client.Dispatcher, args *arguments.Arguments) int {
	includes, err := dispatcher.ScanIncludes(ctx, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "homcc: %v\n", err)
		return 1
	}

	sort.Strings(includes)
	fmt.Println(strings.Join(includes, "\n"))
	return 0
}
