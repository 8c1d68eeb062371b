// Package statefile maintains the per-process binary state record consumed
// by distcc-compatible monitors. The record layout mirrors distcc's
// dcc_task_state struct:
//
//	struct dcc_task_state {
//	    size_t struct_size;
//	    unsigned long magic;
//	    unsigned long cpid;
//	    char file[128];
//	    char host[128];
//	    int slot;
//	    enum dcc_phase curr_phase;
//	    struct dcc_task_state *next;
//	};
//
// packed with native (little-endian, 64-bit) layout. Each phase change
// atomically overwrites the file; it is unlinked on exit. Observers must
// treat records of dead pids as stale.
package statefile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sysinfo "github.com/elastic/go-sysinfo"

	"github.com/celonis/homcc/pkg/arguments"
	"github.com/celonis/homcc/pkg/host"
)

// Phase is the client's current compilation phase, bit-compatible with
// distcc's dcc_phase values.
type Phase int32

const (
	PhaseStartup    Phase = 0
	PhaseConnect    Phase = 2
	PhasePreprocess Phase = 3
	PhaseCompile    Phase = 5
)

const (
	// StructSize is the on-disk record length.
	StructSize = 296
	// stateMagic marks a valid record. Its hex digits spell "DIH\0" as in
	// distcc; stored as a little-endian unsigned long its bytes are "\0HID".
	stateMagic = 0x44_49_48_00
	// nextTaskState fills the unused dcc_task_state *next pointer.
	nextTaskState = 0xFF_FF_FF_FF_FF_FF_FF_FF

	fieldLength = 128
	filePrefix  = "binstate"
)

// ErrTruncated indicates a record shorter than the struct layout.
var ErrTruncated = errors.New("truncated state file record")

// DefaultDir returns the state directory shared with distcc's monitors,
// ~/.distcc/state.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("unable to locate state directory: %w", err)
	}
	return filepath.Join(home, ".distcc", "state"), nil
}

// StateFile tracks one client process's compilation phase on disk.
type StateFile struct {
	// Pid is the client process id.
	Pid uint64
	// SourceBaseFilename is the base name of the first source file, or
	// the output target for linking-only invocations.
	SourceBaseFilename string
	// Hostname is the host the job runs on.
	Hostname string
	// Slot is the host slot, currently always zero.
	Slot int32
	// Phase is the last written phase.
	Phase Phase

	path string
}

// New creates the state record for the current process at
// <dir>/binstate_<pid>. Nothing is written until the first SetPhase call.
func New(args *arguments.Arguments, h host.Host, dir string) (*StateFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create state directory: %w", err)
	}

	monitored := ""
	if sources := args.SourceFiles(); len(sources) > 0 {
		monitored = filepath.Base(sources[0])
	} else if output := args.Output(); output != "" {
		monitored = output
	}

	pid := uint64(os.Getpid())
	return &StateFile{
		Pid:                pid,
		SourceBaseFilename: monitored,
		Hostname:           h.Name,
		path:               filepath.Join(dir, fmt.Sprintf("%s_%d", filePrefix, pid)),
	}, nil
}

// SetPhase records the phase transition with an atomic overwrite.
func (s *StateFile) SetPhase(phase Phase) error {
	s.Phase = phase

	temp, err := os.CreateTemp(filepath.Dir(s.path), filePrefix+"-*")
	if err != nil {
		return fmt.Errorf("unable to write state file: %w", err)
	}
	if _, err := temp.Write(s.Encode()); err != nil {
		temp.Close()
		os.Remove(temp.Name())
		return fmt.Errorf("unable to write state file: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(temp.Name())
		return fmt.Errorf("unable to write state file: %w", err)
	}
	if err := os.Rename(temp.Name(), s.path); err != nil {
		os.Remove(temp.Name())
		return fmt.Errorf("unable to write state file: %w", err)
	}
	return nil
}

// Close removes the record. It is safe to call on a never-written record.
func (s *StateFile) Close() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Path returns the record's location.
func (s *StateFile) Path() string {
	return s.path
}

// Encode renders the fixed-layout record.
func (s *StateFile) Encode() []byte {
	buf := make([]byte, StructSize)

	binary.LittleEndian.PutUint64(buf[0:], StructSize)
	binary.LittleEndian.PutUint64(buf[8:], stateMagic)
	binary.LittleEndian.PutUint64(buf[16:], s.Pid)
	copy(buf[24:24+fieldLength-1], s.SourceBaseFilename)
	copy(buf[152:152+fieldLength-1], s.Hostname)
	binary.LittleEndian.PutUint32(buf[280:], uint32(s.Slot))
	binary.LittleEndian.PutUint32(buf[284:], uint32(s.Phase))
	binary.LittleEndian.PutUint64(buf[288:], nextTaskState)

	return buf
}

// Decode parses a record, e.g. for monitoring. Oversized buffers are
// tolerated; short ones yield ErrTruncated.
func Decode(buf []byte) (*StateFile, error) {
	if len(buf) < StructSize {
		return nil, ErrTruncated
	}
	if binary.LittleEndian.Uint64(buf[8:]) != stateMagic {
		return nil, fmt.Errorf("state file record has bad magic %#x", binary.LittleEndian.Uint64(buf[8:]))
	}

	return &StateFile{
		Pid:                binary.LittleEndian.Uint64(buf[16:]),
		SourceBaseFilename: cString(buf[24 : 24+fieldLength]),
		Hostname:           cString(buf[152 : 152+fieldLength]),
		Slot:               int32(binary.LittleEndian.Uint32(buf[280:])),
		Phase:              Phase(binary.LittleEndian.Uint32(buf[284:])),
	}, nil
}

func cString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// IsStale reports whether a record belongs to a process that no longer
// exists.
func IsStale(s *StateFile) bool {
	process, err := sysinfo.Process(int(s.Pid))
	if err != nil {
		return true
	}
	if _, err := process.Info(); err != nil {
		return true
	}
	return false
}
