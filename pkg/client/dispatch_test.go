package client

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/celonis/homcc/pkg/arguments"
	"github.com/celonis/homcc/pkg/config"
	"github.com/celonis/homcc/pkg/host"
	"github.com/celonis/homcc/pkg/logging"
	"github.com/celonis/homcc/pkg/server"
	"github.com/celonis/homcc/pkg/slots"
	"github.com/stretchr/testify/require"
)

// fakeCompiler acts as the test compiler on both sides of the wire. In
// dependency-listing mode it reports the project closure, shipping the
// .remote-code control file along when present. A run that sees
// .remote-code but not the client-only .local marker is a server-side run
// and exits with the stored code; all other runs succeed and record the
// directory they compiled in.
const fakeCompiler = `#!/bin/sh
case "$*" in
*-MM*)
	extra=""
	[ -f .remote-code ] && extra=" .remote-code"
	echo "\$(homcc): src/main.cpp include/foo.h$extra"
	exit 0
	;;
esac
if [ ! -f .local ] && [ -f .remote-code ]; then
	echo "remote compiler unavailable" >&2
	exit "$(cat .remote-code)"
fi
out=""
prev=""
for a in "$@"; do
	if [ "$prev" = "-o" ]; then out="$a"; fi
	case "$a" in -o?*) out="${a#-o}";; esac
	prev="$a"
done
[ -n "$out" ] && echo "ELF from $PWD" > "$out"
exit 0
`

type dispatchFixture struct {
	dispatcher *Dispatcher
	fakecc     string
	stdout     *bytes.Buffer
	stderr     *bytes.Buffer
}

// newDispatchFixture creates a project directory (and chdirs into it) with
// the sources the fake compiler reports as its closure.
func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()

	project := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(project, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(project, "include"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(project, "src", "main.cpp"), []byte("int main() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(project, "include", "foo.h"), []byte("#pragma once\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(project, ".local"), nil, 0o644))
	t.Chdir(project)

	fakecc := filepath.Join(project, "fakecc")
	require.NoError(t, os.WriteFile(fakecc, []byte(fakeCompiler), 0o755))

	// the compiler is normalized to its base name before being sent, so
	// the server side must resolve it through PATH
	t.Setenv("PATH", project+string(os.PathListSeparator)+os.Getenv("PATH"))

	log, err := logging.New("ERROR", false)
	require.NoError(t, err)

	ledger, err := slots.NewLedger(log, t.TempDir())
	require.NoError(t, err)

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	return &dispatchFixture{
		dispatcher: &Dispatcher{
			Log: log,
			Config: config.Client{
				CompilationRequestTimeout:  config.DefaultCompilationRequestTimeout,
				EstablishConnectionTimeout: config.DefaultEstablishConnectionTimeout,
				RemoteCompilationTries:     config.DefaultRemoteCompilationTries,
				ExcludedDependencyPrefixes: config.DefaultExcludedDependencyPrefixes(),
			},
			Ledger:   ledger,
			StateDir: t.TempDir(),
			Stdout:   stdout,
			Stderr:   stderr,
		},
		fakecc: fakecc,
		stdout: stdout,
		stderr: stderr,
	}
}

// startServer runs a real homccd on a loopback listener and returns its
// host line.
func startServer(t *testing.T) host.Host {
	t.Helper()

	log, err := logging.New("ERROR", false)
	require.NoError(t, err)

	daemon, err := server.New(log, config.Server{MaxDependencyCacheSize: 1 << 20}, t.TempDir())
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = daemon.Serve(ctx, listener)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	port := listener.Addr().(*net.TCPAddr).Port
	h := host.Host{Kind: host.KindTCP, Name: "127.0.0.1", Port: port, Limit: 4}
	return h
}

// deadHost returns a host whose port refuses connections.
func deadHost(t *testing.T) host.Host {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return host.Host{Kind: host.KindTCP, Name: "127.0.0.1", Port: port, Limit: 2}
}

func (f *dispatchFixture) run(t *testing.T, hosts []host.Host, args ...string) (int, error) {
	t.Helper()
	parsed, err := arguments.New(append([]string{f.fakecc}, args...))
	require.NoError(t, err)
	return f.dispatcher.Run(context.Background(), parsed, hosts)
}

func TestRemoteCompilation(t *testing.T) {
	f := newDispatchFixture(t)
	h := startServer(t)

	code, err := f.run(t, []host.Host{h}, "-c", "src/main.cpp", "-o", "main.o")
	require.NoError(t, err)
	require.Zero(t, code)

	// the object was produced inside the server's instance directory and
	// written back by the client
	content, err := os.ReadFile("main.o")
	require.NoError(t, err)
	require.Contains(t, string(content), string(filepath.Separator)+"homcc"+string(filepath.Separator))
}

func TestUnsendableCompilesLocally(t *testing.T) {
	f := newDispatchFixture(t)

	code, err := f.run(t, nil, "-S", "src/main.cpp", "-o", "main.o")
	require.NoError(t, err)
	require.Zero(t, code)

	_, statErr := os.Stat("main.o")
	require.NoError(t, statErr)
}

func TestHostExhaustionFallsBackLocally(t *testing.T) {
	f := newDispatchFixture(t)

	hosts := []host.Host{deadHost(t), deadHost(t)}
	code, err := f.run(t, hosts, "-c", "src/main.cpp", "-o", "main.o")
	require.NoError(t, err)
	require.Zero(t, code)

	_, statErr := os.Stat("main.o")
	require.NoError(t, statErr)
}

func TestNoLocalCompilationFails(t *testing.T) {
	f := newDispatchFixture(t)
	f.dispatcher.Config.NoLocalCompilation = true

	_, err := f.run(t, []host.Host{deadHost(t)}, "-c", "src/main.cpp", "-o", "main.o")
	require.ErrorIs(t, err, ErrNoLocalCompilation)
}

func TestSlotsExhaustedMovesOn(t *testing.T) {
	f := newDispatchFixture(t)

	h := deadHost(t)
	h.Limit = 1

	// another client of this machine already holds the host's only slot
	held, err := f.dispatcher.Ledger.TryAcquire(h)
	require.NoError(t, err)
	defer held.Release()

	code, err := f.run(t, []host.Host{h}, "-c", "src/main.cpp", "-o", "main.o")
	require.NoError(t, err)
	require.Zero(t, code)
}

func TestHardRemoteFailureSurfacesExitCode(t *testing.T) {
	f := newDispatchFixture(t)
	// the remote compiler exits 1: a hard failure that must not fall back
	require.NoError(t, os.WriteFile(".remote-code", []byte("1"), 0o644))

	h := startServer(t)
	code, err := f.run(t, []host.Host{h}, "-c", "src/main.cpp", "-o", "main.o")
	require.NoError(t, err)
	require.Equal(t, 1, code)
	require.Contains(t, f.stderr.String(), "remote compiler unavailable")
}

func TestTempFailRetriesLocally(t *testing.T) {
	f := newDispatchFixture(t)
	// the remote compiler signals EX_TEMPFAIL; the job must be retried
	// locally and succeed there
	require.NoError(t, os.WriteFile(".remote-code", []byte("75"), 0o644))

	h := startServer(t)
	code, err := f.run(t, []host.Host{h}, "-c", "src/main.cpp", "-o", "main.o")
	require.NoError(t, err)
	require.Zero(t, code)

	content, err := os.ReadFile("main.o")
	require.NoError(t, err)
	require.NotContains(t, string(content), string(filepath.Separator)+"homcc"+string(filepath.Separator))
}

func TestScanIncludes(t *testing.T) {
	f := newDispatchFixture(t)

	parsed, err := arguments.New([]string{f.fakecc, "-c", "src/main.cpp"})
	require.NoError(t, err)

	includes, err := f.dispatcher.ScanIncludes(context.Background(), parsed)
	require.NoError(t, err)

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(cwd, "include", "foo.h")}, includes)
}
