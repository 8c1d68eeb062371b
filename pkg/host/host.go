// Package host models compilation hosts: the routing targets the client
// dispatches jobs to, their textual grammar and the stable ids used to name
// per-host resources across processes.
package host

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"strconv"

	"github.com/celonis/homcc/pkg/compression"
)

// Kind distinguishes host connection types.
type Kind string

const (
	// KindLocal marks the local machine.
	KindLocal Kind = "localhost"
	// KindTCP marks a remote host reached over plain TCP.
	KindTCP Kind = "TCP"
	// KindSSH marks a remote host reached through an SSH tunnel.
	KindSSH Kind = "SSH"
)

const (
	// DefaultPort is the TCP port homccd listens on.
	DefaultPort = 3126
	// DefaultRemoteLimit is the job limit assumed for hosts without an
	// explicit /LIMIT suffix.
	DefaultRemoteLimit = 2
	// defaultLocalLimit enables a minor level of concurrency when the CPU
	// count cannot be determined.
	defaultLocalLimit = 4
	// localhostName is the reserved host name marking local execution.
	localhostName = "localhost"
)

// ErrParse indicates an unparsable host string.
var ErrParse = errors.New("unable to parse host")

// Host is one routing target.
type Host struct {
	// Kind is the connection type.
	Kind Kind
	// Name is the host name or address.
	Name string
	// Limit bounds the number of concurrent jobs dispatched to this host
	// from one client machine.
	Limit int
	// Port is the TCP port, meaningful for KindTCP only.
	Port int
	// User is the login name, meaningful for KindSSH only.
	User string
	// Compression is the payload codec preferred for this host.
	Compression compression.Algorithm
}

// IsLocal reports whether jobs for this host run on the local machine.
func (h Host) IsLocal() bool {
	return h.Kind == KindLocal || h.Name == localhostName
}

// String renders the canonical textual form the host id is derived from.
func (h Host) String() string {
	switch h.Kind {
	case KindLocal:
		return fmt.Sprintf("%s_%d", h.Name, h.Limit)
	case KindTCP:
		return fmt.Sprintf("tcp_%s_%d_%d", h.Name, h.Port, h.Limit)
	case KindSSH:
		return fmt.Sprintf("ssh_%s_%s_%d", h.User, h.Name, h.Limit)
	}
	return h.Name
}

// Addr returns the dialable "name:port" form of a TCP host.
func (h Host) Addr() string {
	return fmt.Sprintf("%s:%d", h.Name, h.Port)
}

// ID derives the stable 16-bit host id naming the per-host slot ledger
// shared by all client processes. It truncates the sha1 of the canonical
// textual form; collisions are acceptable for typical fleet sizes.
func (h Host) ID() uint16 {
	sum := sha1.Sum([]byte(h.String()))
	return binary.BigEndian.Uint16(sum[:2])
}

// localConcurrency returns the number of jobs the local machine should run
// concurrently by default.
func localConcurrency() int {
	if cpus := runtime.NumCPU(); cpus > 0 {
		return cpus
	}
	return defaultLocalLimit
}

// Localhost returns the local compilation host with the default limit.
func Localhost() Host {
	return LocalhostWithLimit(localConcurrency())
}

// LocalhostWithLimit returns the local compilation host with an explicit
// limit.
func LocalhostWithLimit(limit int) Host {
	return Host{Kind: KindLocal, Name: localhostName, Limit: limit}
}

// PreprocessingLocalhost returns the logical host bounding concurrent local
// preprocessing jobs. It is distinct from the compilation localhost so both
// pools are limited independently.
func PreprocessingLocalhost() Host {
	return Host{Kind: KindLocal, Name: "localhost-preprocess", Limit: localConcurrency()}
}

// The grammar is matched in stages, mirroring the accepted host line forms:
// an optional #COMMENT and ,COMPRESSION suffix, then one of NAME,
// NAME/LIMIT, NAME:PORT[/LIMIT], [IPv6]:PORT[/LIMIT], @NAME[/LIMIT] or
// USER@NAME[/LIMIT].
var (
	commentPattern     = regexp.MustCompile(`^(\S+)#(\S+)$`)
	compressionPattern = regexp.MustCompile(`^(\S+),(\S+)$`)
	portLimitPattern   = regexp.MustCompile(`^(([\w./-]+)|\[(\S+)]):(\d+)(/(\d+))?$`)
	userAtHostPattern  = regexp.MustCompile(`^(\w+)@([\w.:/-]+)$`)
	atHostPattern      = regexp.MustCompile(`^@([\w.:/-]+)$`)
	namePattern        = regexp.MustCompile(`^[\w.:/-]+$`)
	limitPattern       = regexp.MustCompile(`^(\S+)/(\d+)$`)
)

// Parse parses a single host line.
func Parse(line string) (Host, error) {
	parsed := Host{Limit: DefaultRemoteLimit, Port: DefaultPort}
	text := line

	if match := commentPattern.FindStringSubmatch(text); match != nil {
		text = match[1]
	}

	if match := compressionPattern.FindStringSubmatch(text); match != nil {
		algorithm, err := compression.FromName(match[2])
		if err != nil {
			return Host{}, fmt.Errorf("%w %q: %w", ErrParse, line, err)
		}
		text = match[1]
		parsed.Compression = algorithm
	}

	// NAME:PORT[/LIMIT] and [IPv6]:PORT[/LIMIT] are matched first since
	// their colon would otherwise confuse the name grammar.
	if match := portLimitPattern.FindStringSubmatch(text); match != nil {
		parsed.Kind = KindTCP
		if match[2] != "" {
			parsed.Name = match[2]
		} else {
			parsed.Name = match[3]
		}
		parsed.Port, _ = strconv.Atoi(match[4])
		if match[6] != "" {
			parsed.Limit, _ = strconv.Atoi(match[6])
		}
		return normalize(parsed), nil
	}

	switch {
	case userAtHostPattern.MatchString(text):
		match := userAtHostPattern.FindStringSubmatch(text)
		parsed.Kind = KindSSH
		parsed.User = match[1]
		text = match[2]
	case atHostPattern.MatchString(text):
		match := atHostPattern.FindStringSubmatch(text)
		parsed.Kind = KindSSH
		text = match[1]
	case namePattern.MatchString(text):
		parsed.Kind = KindTCP
	default:
		return Host{}, fmt.Errorf("%w %q", ErrParse, line)
	}

	if match := limitPattern.FindStringSubmatch(text); match != nil {
		text = match[1]
		parsed.Limit, _ = strconv.Atoi(match[2])
	}

	parsed.Name = text
	return normalize(parsed), nil
}

// normalize turns the reserved localhost name into a local host regardless
// of how the line categorized it.
func normalize(h Host) Host {
	if h.Name == localhostName {
		h.Kind = KindLocal
	}
	return h
}
