// Package selection picks remote compilation hosts at random, weighted by
// their declared job limits. Hosts with more capacity are proportionally
// more likely to be drawn; drawing is without replacement so a failed host
// is never retried within one dispatch.
package selection

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/celonis/homcc/pkg/host"
)

var (
	// ErrNoMoreHosts signals a cleanly exhausted pool.
	ErrNoMoreHosts = errors.New("all hosts exhausted")
	// ErrRemoteHostsFailure signals that the try budget ran out before a
	// host succeeded.
	ErrRemoteHostsFailure = errors.New("remote hosts failed")
)

// Selector draws hosts from a shrinking pool.
type Selector struct {
	hosts []host.Host
	tries int
	count int
	rand  *rand.Rand
}

// New creates a selector over remote hosts. tries bounds the number of
// draws; zero means unbounded. Local hosts are rejected and hosts without
// capacity are dropped.
func New(hosts []host.Host, tries int) (*Selector, error) {
	return newWithRand(hosts, tries, nil)
}

// newWithRand allows tests to inject a seeded source.
func newWithRand(hosts []host.Host, tries int, source *rand.Rand) (*Selector, error) {
	if tries < 0 {
		return nil, fmt.Errorf("amount of tries must not be negative, but was %d", tries)
	}

	pool := make([]host.Host, 0, len(hosts))
	for _, h := range hosts {
		if h.IsLocal() {
			return nil, errors.New("selecting localhost is not permitted")
		}
		if h.Limit > 0 {
			pool = append(pool, h)
		}
	}

	return &Selector{hosts: pool, tries: tries, rand: source}, nil
}

// Len returns the number of hosts remaining in the pool.
func (s *Selector) Len() int {
	return len(s.hosts)
}

// Next draws one host with probability proportional to its limit and
// removes it from the pool. It returns ErrNoMoreHosts once the pool is
// empty and ErrRemoteHostsFailure once the try budget is spent.
func (s *Selector) Next() (host.Host, error) {
	if len(s.hosts) == 0 {
		return host.Host{}, ErrNoMoreHosts
	}

	s.count++
	if s.tries > 0 && s.count > s.tries {
		return host.Host{}, fmt.Errorf("%w: %d hosts refused the connection", ErrRemoteHostsFailure, s.tries)
	}

	total := 0
	for _, h := range s.hosts {
		total += h.Limit
	}

	draw := s.intn(total)
	index := 0
	for i, h := range s.hosts {
		draw -= h.Limit
		if draw < 0 {
			index = i
			break
		}
	}

	drawn := s.hosts[index]
	s.hosts = append(s.hosts[:index], s.hosts[index+1:]...)
	return drawn, nil
}

func (s *Selector) intn(n int) int {
	if s.rand != nil {
		return s.rand.Intn(n)
	}
	return rand.Intn(n)
}
