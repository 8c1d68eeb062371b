package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/celonis/homcc/pkg/arguments"
	"github.com/celonis/homcc/pkg/cache"
	"github.com/celonis/homcc/pkg/compression"
	"github.com/celonis/homcc/pkg/hashing"
	"github.com/celonis/homcc/pkg/logging"
	"github.com/celonis/homcc/pkg/protocol"
	"github.com/celonis/homcc/pkg/sandbox"
	"github.com/celonis/homcc/pkg/stats"
)

var (
	// errUnexpectedMessage indicates a message the state machine cannot
	// accept in its current state.
	errUnexpectedMessage = errors.New("unexpected message type")
	// errHashMismatch indicates a dependency reply whose digest does not
	// match the requested one.
	errHashMismatch = errors.New("dependency hash mismatch")
)

// sessionState enumerates the per-connection state machine.
type sessionState int

const (
	stateAwaitArguments sessionState = iota
	stateNegotiateDeps
	stateAwaitReply
	stateCompile
	stateRespondResult
	stateDone
)

// neededDep is a dependency still to be requested from the client.
type neededDep struct {
	path   string
	digest string
}

// job is the per-connection compile job, passed by value through the state
// machine transitions.
type job struct {
	workspace *Workspace
	// clientArgs are the arguments as the client sent them.
	clientArgs *arguments.Arguments
	// mappedArgs are the arguments translated into the workspace and
	// stripped to compile-only.
	mappedArgs *arguments.Arguments
	// mappedDependencies maps workspace paths to digests.
	mappedDependencies map[string]string
	// needed lists the dependencies to request, in deterministic order.
	needed []neededDep
	// requested is the digest currently in flight.
	requested string
	// compression is the connection codec.
	compression compression.Algorithm
	// env is the sandbox the compiler runs in.
	env sandbox.ShellEnvironment
	// result is the compiler outcome carried into stateRespondResult.
	result arguments.ExecutionResult
	// objects are the compiled object files collected after the compile.
	objects []protocol.ObjectFile
}

// Session serves one accepted connection through the compile job state
// machine: argument receipt, dependency negotiation, compilation, result
// streaming.
type Session struct {
	log     logging.Logger
	cache   *cache.Cache
	tracker *stats.Tracker
	conn    net.Conn
	reader  *protocol.Reader
	// baseDir roots the instance directories; empty means the system
	// temp directory.
	baseDir string
	// wrapper is the operator-configured compiler command prefix.
	wrapper []string
}

// NewSession wraps an accepted connection.
func NewSession(log logging.Logger, c *cache.Cache, tracker *stats.Tracker, conn net.Conn, baseDir string, wrapper []string) *Session {
	return &Session{
		log:     log,
		cache:   c,
		tracker: tracker,
		conn:    conn,
		reader:  protocol.NewReader(conn),
		baseDir: baseDir,
		wrapper: wrapper,
	}
}

// Handle drives the connection until the job is done or fails. The
// connection and the instance directory are cleaned up in every case.
func (s *Session) Handle(ctx context.Context) error {
	defer s.conn.Close()

	// unblock reads when the server shuts down
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-done:
		}
	}()

	current := job{}
	defer func() {
		if current.workspace != nil {
			if err := current.workspace.Close(); err != nil {
				s.log.Warnf("unable to remove instance directory: %v", err)
			}
		}
	}()

	state := stateAwaitArguments
	for state != stateDone {
		var err error
		switch state {
		case stateAwaitArguments:
			current, state, err = s.awaitArguments(ctx)
		case stateNegotiateDeps:
			current, state, err = s.negotiateDeps(current)
		case stateAwaitReply:
			current, state, err = s.awaitReply(current)
		case stateCompile:
			current, state, err = s.compile(ctx, current)
		case stateRespondResult:
			current, state, err = s.respondResult(current)
		}
		if err != nil {
			s.tracker.Jobs.WithLabelValues("protocol_error").Inc()
			return err
		}
	}

	return nil
}

// awaitArguments receives the initial argument message and builds the job.
func (s *Session) awaitArguments(ctx context.Context) (job, sessionState, error) {
	received, err := s.reader.Receive()
	if err != nil {
		if errors.Is(err, io.EOF) {
			// the client went away before starting a job
			return job{}, stateDone, nil
		}
		return job{}, stateDone, fmt.Errorf("receiving arguments: %w", err)
	}

	message, ok := received.(*protocol.ArgumentMessage)
	if !ok {
		return job{}, stateDone, fmt.Errorf("%w: got %s, want %s", errUnexpectedMessage, received.Type(), protocol.TypeArgument)
	}

	s.log.Debugf("handling job for %q in %q", strings.Join(message.Arguments, " "), message.Cwd)
	s.reader.SetCompression(message.Compression)

	env, refusal := s.selectEnvironment(ctx, message)
	if refusal != "" {
		s.tracker.Jobs.WithLabelValues("refused").Inc()
		_ = protocol.Send(s.conn, &protocol.ConnectionRefusedMessage{Info: refusal})
		return job{}, stateDone, nil
	}

	clientArgs, err := arguments.New(message.Arguments)
	if err != nil {
		return job{}, stateDone, fmt.Errorf("rejecting argument message: %w", err)
	}

	workspace, err := NewWorkspace(s.baseDir, message.Cwd)
	if err != nil {
		return job{}, stateDone, err
	}

	mappedArgs := clientArgs
	if message.Target != "" {
		mappedArgs = arguments.CompilerFor(mappedArgs.Compiler()).WithTarget(mappedArgs, message.Target)
	}
	mappedArgs = workspace.MapArguments(mappedArgs)
	if mappedArgs.IsLinking() {
		// the server never links; the client links locally from the
		// returned object files
		mappedArgs = mappedArgs.NoLinking()
	}

	current := job{
		workspace:          workspace,
		clientArgs:         clientArgs,
		mappedArgs:         mappedArgs,
		mappedDependencies: workspace.MapDependencies(message.Dependencies),
		compression:        message.Compression,
		env:                env,
	}

	if err := s.resolveDependencies(&current); err != nil {
		return current, stateDone, err
	}

	return current, stateNegotiateDeps, nil
}

// selectEnvironment picks the sandbox the client requested; a non-empty
// refusal means the request cannot be served.
func (s *Session) selectEnvironment(ctx context.Context, message *protocol.ArgumentMessage) (sandbox.ShellEnvironment, string) {
	var env sandbox.ShellEnvironment = sandbox.Host{}

	switch {
	case message.SchrootProfile != "":
		if !sandbox.IsSchrootAvailable() {
			return nil, "schroot is not available on this server"
		}
		env = sandbox.Schroot{Profile: message.SchrootProfile}
	case message.DockerContainer != "":
		if !sandbox.IsDockerAvailable() {
			return nil, "docker is not available on this server"
		}
		if !sandbox.IsDockerContainerRunning(ctx, message.DockerContainer) {
			return nil, fmt.Sprintf("docker container %q is not running", message.DockerContainer)
		}
		env = sandbox.Docker{Container: message.DockerContainer}
	}

	if len(s.wrapper) > 0 {
		env = sandbox.Wrapped{Prefix: s.wrapper, Inner: env}
	}
	return env, ""
}

// resolveDependencies links cached dependencies into the workspace and
// collects the missing ones in deterministic order.
func (s *Session) resolveDependencies(current *job) error {
	paths := make([]string, 0, len(current.mappedDependencies))
	for path := range current.mappedDependencies {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		digest := current.mappedDependencies[path]
		if cachedPath, ok := s.cache.Get(digest); ok {
			if err := current.workspace.LinkDependency(cachedPath, path); err != nil {
				return err
			}
			s.tracker.CacheHits.Inc()
			continue
		}
		current.needed = append(current.needed, neededDep{path: path, digest: digest})
	}

	return nil
}

// negotiateDeps requests the first remaining dependency, or proceeds to the
// compilation once none are missing.
func (s *Session) negotiateDeps(current job) (job, sessionState, error) {
	if len(current.needed) == 0 {
		return current, stateCompile, nil
	}

	current.requested = current.needed[0].digest
	s.tracker.DependencyRequests.Inc()
	if err := protocol.Send(s.conn, &protocol.DependencyRequestMessage{Sha1Sum: current.requested}); err != nil {
		return current, stateDone, err
	}
	return current, stateAwaitReply, nil
}

// awaitReply verifies and stores one requested dependency.
func (s *Session) awaitReply(current job) (job, sessionState, error) {
	received, err := s.reader.Receive()
	if err != nil {
		return current, stateDone, fmt.Errorf("receiving dependency: %w", err)
	}

	message, ok := received.(*protocol.DependencyReplyMessage)
	if !ok {
		return current, stateDone, fmt.Errorf("%w: got %s, want %s", errUnexpectedMessage, received.Type(), protocol.TypeDependencyReply)
	}

	content, err := message.Data()
	if err != nil {
		return current, stateDone, err
	}

	if digest := hashing.Digest(content); digest != current.requested {
		return current, stateDone, fmt.Errorf("%w: requested %s, received %s", errHashMismatch, current.requested, digest)
	}

	cachedPath, err := s.cache.Put(current.requested, content)
	if err != nil && !errors.Is(err, cache.ErrBlobTooLarge) {
		return current, stateDone, err
	}

	// satisfy every pending path that shares this digest
	remaining := current.needed[:0]
	for _, dep := range current.needed {
		if dep.digest != current.requested {
			remaining = append(remaining, dep)
			continue
		}
		if cachedPath != "" {
			err = current.workspace.LinkDependency(cachedPath, dep.path)
		} else {
			err = current.workspace.WriteDependency(dep.path, content)
		}
		if err != nil {
			return current, stateDone, err
		}
	}
	current.needed = remaining
	current.requested = ""

	return current, stateNegotiateDeps, nil
}

// compile executes the compiler inside the sandbox at the mapped working
// directory and collects the produced object files.
func (s *Session) compile(ctx context.Context, current job) (job, sessionState, error) {
	s.log.Infof("compiling %q", current.mappedArgs.String())

	// the compiler only sees what the sandbox layer requires
	environ := []string{"PATH=" + os.Getenv("PATH")}
	result, err := current.mappedArgs.ExecuteWithEnv(ctx, current.workspace.MappedCwd(), current.env, environ)
	if err != nil {
		// the compiler could not be run at all; tell the client to
		// retry locally
		s.log.Warnf("unable to execute compiler: %v", err)
		current.result = arguments.ExecutionResult{ReturnCode: arguments.ExTempFail, Stderr: err.Error()}
		return current, stateRespondResult, nil
	}

	current.result = result
	if result.ReturnCode != 0 {
		s.log.Debugf("compiler exited with %d: %s", result.ReturnCode, result.Stderr)
		return current, stateRespondResult, nil
	}

	objects, err := s.collectObjectFiles(current)
	if err != nil {
		s.log.Warnf("unable to collect object files: %v", err)
		current.result = arguments.ExecutionResult{ReturnCode: arguments.ExTempFail, Stderr: err.Error()}
		return current, stateRespondResult, nil
	}
	current.objects = objects

	return current, stateRespondResult, nil
}

// collectObjectFiles reads the compiler outputs and names them with paths
// valid on the client.
func (s *Session) collectObjectFiles(current job) ([]protocol.ObjectFile, error) {
	type output struct {
		clientName string
		serverPath string
	}
	var outputs []output

	if out := current.clientArgs.Output(); out != "" && !current.clientArgs.IsLinking() {
		outputs = append(outputs, output{clientName: out, serverPath: current.workspace.MapPath(out)})
	} else {
		for _, source := range current.clientArgs.SourceFiles() {
			name := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source)) + ".o"
			outputs = append(outputs, output{
				clientName: name,
				serverPath: filepath.Join(current.workspace.MappedCwd(), name),
			})
		}
	}

	objects := make([]protocol.ObjectFile, 0, len(outputs))
	for _, out := range outputs {
		content, err := os.ReadFile(out.serverPath)
		if err != nil {
			return nil, fmt.Errorf("missing object file %s: %w", out.serverPath, err)
		}
		object, err := protocol.NewObjectFile(out.clientName, content, current.compression)
		if err != nil {
			return nil, err
		}
		objects = append(objects, object)
	}

	s.log.Infof("sending back %d object files", len(objects))
	return objects, nil
}

// respondResult streams the compilation outcome back to the client.
func (s *Session) respondResult(current job) (job, sessionState, error) {
	message := &protocol.CompilationResultMessage{
		ObjectFiles: current.objects,
		Stdout:      current.result.Stdout,
		Stderr:      current.result.Stderr,
		ReturnCode:  current.result.ReturnCode,
		Compression: current.compression,
	}

	if err := protocol.Send(s.conn, message); err != nil {
		return current, stateDone, err
	}

	if current.result.ReturnCode == 0 {
		s.tracker.Jobs.WithLabelValues("ok").Inc()
	} else {
		s.tracker.Jobs.WithLabelValues("compiler_error").Inc()
	}
	return current, stateDone, nil
}
