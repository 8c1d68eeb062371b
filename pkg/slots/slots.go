// Package slots bounds the number of concurrently running jobs per logical
// host across all client processes on one machine. Each host id owns a
// ledger file holding the pids of current slot holders; every operation
// runs under an exclusive flock, which also makes creation atomic (no
// create-then-initialize race as with Sys-V semaphores). Holders whose
// process has died are pruned on every operation, so crashed clients cannot
// leak slots.
package slots

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	sysinfo "github.com/elastic/go-sysinfo"
	"golang.org/x/sys/unix"

	"github.com/celonis/homcc/pkg/host"
	"github.com/celonis/homcc/pkg/logging"
)

const (
	// DefaultCompilationTimeout is the initial acquire timeout for local
	// compilation slots.
	DefaultCompilationTimeout = 10 * time.Second
	// DefaultPreprocessingTimeout is the initial acquire timeout for
	// local preprocessing slots.
	DefaultPreprocessingTimeout = 3 * time.Second

	// pollInterval is the retry cadence while waiting on a slot.
	pollInterval = 100 * time.Millisecond
	// minTimeout floors the inverse exponential backoff.
	minTimeout = 250 * time.Millisecond
)

// ErrSlotsExhausted indicates that all slots of a host are occupied on this
// machine.
var ErrSlotsExhausted = errors.New("all slots occupied")

// Ledger manages the per-host slot files of one machine.
type Ledger struct {
	log logging.Logger
	dir string
}

// NewLedger creates a ledger rooted at dir; an empty dir uses the
// machine-wide default under the system temp directory.
func NewLedger(log logging.Logger, dir string) (*Ledger, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "homcc", "slots")
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("unable to create slot ledger directory: %w", err)
	}
	return &Ledger{log: log, dir: dir}, nil
}

// Slot is one held unit of per-host concurrency. Releasing twice is a safe
// no-op.
type Slot struct {
	ledger *Ledger
	host   host.Host

	mu       sync.Mutex
	released bool
}

// TryAcquire attempts a non-blocking acquisition of a slot on h, raising
// ErrSlotsExhausted on contention so the dispatcher can move on to the next
// host.
func (l *Ledger) TryAcquire(h host.Host) (*Slot, error) {
	err := l.withLedger(h, func(holders []uint64) ([]uint64, error) {
		if len(holders) >= h.Limit {
			return holders, fmt.Errorf("%w: host %s has all %d slots taken", ErrSlotsExhausted, h.String(), h.Limit)
		}
		return append(holders, uint64(os.Getpid())), nil
	})
	if err != nil {
		return nil, err
	}
	return &Slot{ledger: l, host: h}, nil
}

// Acquire blocks until a slot on h is free. The initial attempt times out
// after initialTimeout; each subsequent attempt uses two thirds of the
// previous one, so newer waiters get shorter deadlines while older ones
// keep their longer windows, approximating FIFO admission under contention.
func (l *Ledger) Acquire(ctx context.Context, h host.Host, initialTimeout time.Duration) (*Slot, error) {
	timeout := initialTimeout
	for {
		slot, err := l.acquireWithin(ctx, h, timeout)
		if err == nil {
			return slot, nil
		}
		if !errors.Is(err, ErrSlotsExhausted) {
			return nil, err
		}

		l.log.Debugf("slot acquisition for %s timed out after %s, backing off", h.String(), timeout)
		timeout = timeout * 2 / 3
		if timeout < minTimeout {
			timeout = minTimeout
		}
	}
}

// acquireWithin polls TryAcquire until timeout expires.
func (l *Ledger) acquireWithin(ctx context.Context, h host.Host, timeout time.Duration) (*Slot, error) {
	deadline := time.Now().Add(timeout)
	for {
		slot, err := l.TryAcquire(h)
		if err == nil {
			return slot, nil
		}
		if !errors.Is(err, ErrSlotsExhausted) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release frees the slot and removes the ledger file when no holders
// remain.
func (s *Slot) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true

	pid := uint64(os.Getpid())
	return s.ledger.withLedger(s.host, func(holders []uint64) ([]uint64, error) {
		for i, holder := range holders {
			if holder == pid {
				return append(holders[:i], holders[i+1:]...), nil
			}
		}
		return holders, nil
	})
}

// Holders returns the number of live slot holders for h.
func (l *Ledger) Holders(h host.Host) (int, error) {
	count := 0
	err := l.withLedger(h, func(holders []uint64) ([]uint64, error) {
		count = len(holders)
		return holders, nil
	})
	return count, err
}

// path names the ledger file of a host.
func (l *Ledger) path(h host.Host) string {
	return filepath.Join(l.dir, fmt.Sprintf("slots_%d", h.ID()))
}

// withLedger runs update over the flocked holder list of h, pruning dead
// holders first and persisting the returned list. An empty list removes the
// file.
func (l *Ledger) withLedger(h host.Host, update func(holders []uint64) ([]uint64, error)) error {
	path := l.path(h)

	file, err := l.lockLedger(h, path)
	if err != nil {
		return err
	}
	defer file.Close()
	defer unix.Flock(int(file.Fd()), unix.LOCK_UN)

	holders, err := readHolders(file)
	if err != nil {
		return err
	}
	holders = l.pruneDead(holders)

	updated, err := update(holders)
	if err != nil {
		return err
	}

	if len(updated) == 0 {
		// no holders left: drop the ledger file so the machine state
		// stays clean
		return os.Remove(path)
	}
	return writeHolders(file, updated)
}

// lockLedger opens and flocks the ledger file, guarding against the race
// where another process removes the file between our open and our lock: a
// lock held on an unlinked inode would not exclude a process that re-created
// the path, so the open is retried until path and descriptor agree.
func (l *Ledger) lockLedger(h host.Host, path string) (*os.File, error) {
	for {
		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
		if err != nil {
			return nil, fmt.Errorf("unable to open slot ledger for %s: %w", h.String(), err)
		}

		if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
			file.Close()
			return nil, fmt.Errorf("unable to lock slot ledger for %s: %w", h.String(), err)
		}

		opened, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, err
		}
		current, err := os.Stat(path)
		if err == nil && os.SameFile(opened, current) {
			return file, nil
		}

		// the locked inode is no longer (or not yet) the one at path
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
	}
}

func readHolders(file *os.File) ([]uint64, error) {
	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("unable to read slot ledger: %w", err)
	}

	holders := make([]uint64, 0, len(content)/8)
	for i := 0; i+8 <= len(content); i += 8 {
		holders = append(holders, binary.LittleEndian.Uint64(content[i:]))
	}
	return holders, nil
}

func writeHolders(file *os.File, holders []uint64) error {
	content := make([]byte, 8*len(holders))
	for i, holder := range holders {
		binary.LittleEndian.PutUint64(content[8*i:], holder)
	}

	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("unable to truncate slot ledger: %w", err)
	}
	if _, err := file.WriteAt(content, 0); err != nil {
		return fmt.Errorf("unable to write slot ledger: %w", err)
	}
	return nil
}

// pruneDead drops holders whose process no longer exists.
func (l *Ledger) pruneDead(holders []uint64) []uint64 {
	alive := holders[:0]
	for _, holder := range holders {
		if processExists(int(holder)) {
			alive = append(alive, holder)
		} else {
			l.log.Debugf("pruning dead slot holder pid %d", holder)
		}
	}
	return alive
}

func processExists(pid int) bool {
	process, err := sysinfo.Process(pid)
	if err != nil {
		return false
	}
	_, err = process.Info()
	return err == nil
}
