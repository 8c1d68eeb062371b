// Package server implements homccd: a TCP daemon that accepts compile jobs,
// negotiates the dependency set with each client, materializes a sandboxed
// working tree, runs the compiler and streams the results back.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/celonis/homcc/pkg/cache"
	"github.com/celonis/homcc/pkg/config"
	"github.com/celonis/homcc/pkg/logging"
	"github.com/celonis/homcc/pkg/protocol"
	"github.com/celonis/homcc/pkg/sandbox"
	"github.com/celonis/homcc/pkg/stats"
)

// Server accepts connections and serves one compile job per connection.
// Sessions share only the dependency cache; all other state is
// per-connection.
type Server struct {
	log     logging.Logger
	cache   *cache.Cache
	tracker *stats.Tracker
	limit   int
	baseDir string
	wrapper []string
	active  atomic.Int64
}

// New builds a server from its configuration. baseDir roots the cache and
// the per-job instance directories; empty means the system temp directory.
func New(log logging.Logger, cfg config.Server, baseDir string) (*Server, error) {
	limit := cfg.Limit
	if limit <= 0 {
		// mirror the usual distcc sizing: all cores plus a few to keep
		// the compiler busy while connections drain
		limit = runtime.NumCPU() + 2
	}

	wrapper, err := sandbox.ParseWrapper(cfg.CompilerWrapper)
	if err != nil {
		return nil, err
	}

	dependencyCache, err := cache.New(logging.WithComponent(log, "cache"), baseDir, cfg.MaxDependencyCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		log:     log,
		cache:   dependencyCache,
		limit:   limit,
		baseDir: baseDir,
		wrapper: wrapper,
	}
	s.tracker = stats.NewTracker(
		func() float64 { return float64(dependencyCache.Len()) },
		func() float64 { return float64(dependencyCache.Size()) },
	)
	return s, nil
}

// Tracker exposes the server's metrics for the daemon's /metrics endpoint.
func (s *Server) Tracker() *stats.Tracker {
	return s.tracker
}

// Serve accepts connections on listener until ctx is done. Each connection
// is served on its own goroutine; connections beyond the job limit are
// refused with a ConnectionRefusedMessage.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.log.Infof("serving on %s with job limit %d", listener.Addr(), s.limit)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})

	for {
		conn, err := listener.Accept()
		if err != nil {
			// closing the listener is the regular shutdown path
			if ctx.Err() != nil {
				err = nil
			}
			_ = group.Wait()
			return err
		}

		if s.active.Load() >= int64(s.limit) {
			s.log.Warnf("refusing connection from %s: job limit %d reached", conn.RemoteAddr(), s.limit)
			s.tracker.Jobs.WithLabelValues("refused").Inc()
			_ = protocol.Send(conn, &protocol.ConnectionRefusedMessage{
				Info: fmt.Sprintf("job limit of %d reached", s.limit),
			})
			conn.Close()
			continue
		}

		s.active.Add(1)
		s.tracker.ActiveJobs.Inc()
		group.Go(func() error {
			defer func() {
				s.active.Add(-1)
				s.tracker.ActiveJobs.Dec()
			}()

			session := NewSession(logging.WithComponent(s.log, "session"), s.cache, s.tracker, conn, s.baseDir, s.wrapper)
			if err := session.Handle(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
				s.log.Warnf("session for %s failed: %v", conn.RemoteAddr(), err)
			}
			return nil
		})
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context, cfg config.Server) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Address, cfg.Port))
	if err != nil {
		return fmt.Errorf("unable to listen on %s:%d: %w", cfg.Address, cfg.Port, err)
	}
	return s.Serve(ctx, listener)
}
