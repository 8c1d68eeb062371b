package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/celonis/homcc/pkg/arguments"
	"github.com/celonis/homcc/pkg/compression"
	"github.com/celonis/homcc/pkg/host"
	"github.com/celonis/homcc/pkg/protocol"
	"github.com/celonis/homcc/pkg/statefile"
)

// compileRemotelyAt runs one complete exchange with a single host: connect,
// send arguments, serve dependency requests, receive the result, write the
// object files and link locally if the original invocation asked for it.
// It returns the compiler's exit code.
func (d *Dispatcher) compileRemotelyAt(
	ctx context.Context,
	args *arguments.Arguments,
	dependencies map[string]string,
	h host.Host,
	state *statefile.StateFile,
) (int, error) {
	if h.Kind != host.KindTCP {
		return 0, fmt.Errorf("%w: cannot dial %s host %s", ErrUnsupportedTransport, h.Kind, h.Name)
	}

	algorithm := h.Compression
	if algorithm == compression.None && d.Config.Compression != "" {
		configured, err := compression.FromName(d.Config.Compression)
		if err != nil {
			d.Log.Warnf("%v; compiling without compression", err)
		}
		algorithm = configured
	}

	if err := state.SetPhase(statefile.PhaseConnect); err != nil {
		d.Log.Debugf("unable to update state file: %v", err)
	}

	conn, err := d.dial(ctx, h)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	// the whole exchange after connect runs under one deadline; expiry is
	// fatal for the job so the operator sees a misbehaving host
	deadline := time.Now().Add(d.Config.CompilationRequestTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, err
	}

	remoteArgs := args.RemoveLocalArgs().NormalizeCompiler()

	target := ""
	if triple, err := arguments.CompilerFor(args.Compiler()).TargetTriple(ctx); err == nil {
		target = triple
	} else {
		d.Log.Warnf("could not infer the local target triple, the remote host may produce code for a different architecture: %v", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return 0, err
	}

	if err := state.SetPhase(statefile.PhaseCompile); err != nil {
		d.Log.Debugf("unable to update state file: %v", err)
	}

	if err := protocol.Send(conn, &protocol.ArgumentMessage{
		Arguments:       remoteArgs.Args(),
		Cwd:             cwd,
		Dependencies:    dependencies,
		Target:          target,
		SchrootProfile:  d.Config.SchrootProfile,
		DockerContainer: d.Config.DockerContainer,
		Compression:     algorithm,
	}); err != nil {
		return 0, d.classifyConnError(err)
	}

	// invert the dependency map so requested digests resolve to paths
	byDigest := make(map[string]string, len(dependencies))
	for path, digest := range dependencies {
		byDigest[digest] = path
	}

	reader := protocol.NewReader(conn)
	reader.SetCompression(algorithm)

	for {
		received, err := reader.Receive()
		if err != nil {
			return 0, d.classifyConnError(err)
		}

		switch message := received.(type) {
		case *protocol.ConnectionRefusedMessage:
			return 0, fmt.Errorf("%w: %s", ErrHostRefused, message.Info)

		case *protocol.DependencyRequestMessage:
			path, ok := byDigest[message.Sha1Sum]
			if !ok {
				return 0, fmt.Errorf("%w: server requested unknown dependency %s", ErrUnexpectedMessageType, message.Sha1Sum)
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return 0, fmt.Errorf("unable to stream dependency %s: %w", path, err)
			}
			reply, err := protocol.NewDependencyReplyMessage(content, algorithm)
			if err != nil {
				return 0, err
			}
			if err := protocol.Send(conn, reply); err != nil {
				return 0, d.classifyConnError(err)
			}

		case *protocol.CompilationResultMessage:
			return d.handleResult(ctx, args, message)

		default:
			return 0, fmt.Errorf("%w: %s", ErrUnexpectedMessageType, received.Type())
		}
	}
}

// dial opens the TCP connection under the configured connect timeout.
func (d *Dispatcher) dial(ctx context.Context, h host.Host) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Config.EstablishConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", h.Addr())
	if err == nil {
		return conn, nil
	}

	var dnsError *net.DNSError
	if errors.As(err, &dnsError) {
		return nil, fmt.Errorf("%w: %s", ErrHostNameResolution, h.Name)
	}
	return nil, fmt.Errorf("%w: %v", ErrHostRefused, err)
}

// classifyConnError folds deadline expiry into the fatal request timeout;
// everything else on an established connection is a per-host failure.
func (d *Dispatcher) classifyConnError(err error) error {
	var netError net.Error
	if errors.As(err, &netError) && netError.Timeout() {
		return fmt.Errorf("%w after %s", ErrRemoteCompilationTimeout, d.Config.CompilationRequestTimeout)
	}
	return fmt.Errorf("%w: %v", ErrHostRefused, err)
}

// handleResult consumes the compilation result: surface failures, persist
// object files and link locally when the original invocation linked.
func (d *Dispatcher) handleResult(ctx context.Context, args *arguments.Arguments, message *protocol.CompilationResultMessage) (int, error) {
	if message.Stdout != "" {
		d.Log.Debugf("host stdout:\n%s", message.Stdout)
	}

	if message.ReturnCode != 0 {
		if message.ReturnCode == arguments.ExTempFail {
			return 0, fmt.Errorf("%w: %s", ErrRetryableRemoteCompilation, message.Stderr)
		}
		return 0, &RemoteCompilationError{
			ReturnCode: message.ReturnCode,
			Stdout:     message.Stdout,
			Stderr:     message.Stderr,
		}
	}

	objectsBySource := make(map[string]string, len(message.ObjectFiles))
	for i := range message.ObjectFiles {
		file := &message.ObjectFiles[i]
		content, err := file.Data()
		if err != nil {
			return 0, err
		}
		d.Log.Debugf("writing file %s", file.FileName)
		if err := os.WriteFile(file.FileName, content, 0o644); err != nil {
			return 0, fmt.Errorf("unable to write %s: %w", file.FileName, err)
		}
	}

	if !args.IsLinking() {
		return 0, nil
	}

	for _, source := range args.SourceFiles() {
		want := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source)) + ".o"
		for i := range message.ObjectFiles {
			if filepath.Base(message.ObjectFiles[i].FileName) == want {
				objectsBySource[source] = message.ObjectFiles[i].FileName
				break
			}
		}
	}

	code, err := d.linkObjectFiles(ctx, args, objectsBySource)

	// the intermediate object files only existed for the link
	for _, object := range objectsBySource {
		d.Log.Debugf("deleting object file %s", object)
		_ = os.Remove(object)
	}
	return code, err
}

// linkObjectFiles executes the linking command locally from the returned
// object files.
func (d *Dispatcher) linkObjectFiles(ctx context.Context, args *arguments.Arguments, objectsBySource map[string]string) (int, error) {
	if len(objectsBySource) != len(args.SourceFiles()) {
		d.Log.Errorf(
			"wanted to build %d source files, but got %d object files back from the server",
			len(args.SourceFiles()), len(objectsBySource),
		)
	}

	linking := args.ReplaceSourceFilesWithObjectFiles(objectsBySource)
	d.Log.Debugf("linking %q", linking.String())

	result, err := linking.Execute(ctx, "", d.shellEnvironment())
	if err != nil {
		return 0, err
	}
	d.forwardOutput(result)
	return result.ReturnCode, nil
}
