package client

import (
	"errors"
	"fmt"
)

var (
	// ErrHostRefused indicates the server sent a ConnectionRefusedMessage
	// or refused the TCP connection; recoverable per host.
	ErrHostRefused = errors.New("host refused the connection")
	// ErrHostNameResolution indicates a DNS failure; recoverable per
	// host.
	ErrHostNameResolution = errors.New("host name could not be resolved")
	// ErrUnexpectedMessageType indicates a protocol violation by the
	// server; recoverable per host.
	ErrUnexpectedMessageType = errors.New("received message of unexpected type")
	// ErrUnsupportedTransport indicates a host kind the client cannot
	// dial; recoverable per host.
	ErrUnsupportedTransport = errors.New("unsupported host transport")

	// ErrRemoteCompilationTimeout indicates the whole-request deadline
	// expired after connecting. It is fatal on purpose: a silently slow
	// fleet should be loud enough to investigate, not hidden by local
	// fallbacks.
	ErrRemoteCompilationTimeout = errors.New("remote compilation request timed out")
	// ErrRetryableRemoteCompilation indicates the server returned
	// EX_TEMPFAIL; the job is retried locally.
	ErrRetryableRemoteCompilation = errors.New("remote compilation failed transiently")
	// ErrPreprocessing indicates the local preprocessor failed; fatal.
	ErrPreprocessing = errors.New("preprocessing failed")
	// ErrNoLocalCompilation indicates all hosts failed and the
	// configuration forbids the local fallback.
	ErrNoLocalCompilation = errors.New("remote hosts failed and local compilation is disabled")
)

// RemoteCompilationError is a hard, non-transient compiler failure on the
// server. The client surfaces the return code as its own and prints the
// stderr verbatim.
type RemoteCompilationError struct {
	ReturnCode int
	Stdout     string
	Stderr     string
}

func (e *RemoteCompilationError) Error() string {
	return fmt.Sprintf("remote compilation failed with return code %d", e.ReturnCode)
}
