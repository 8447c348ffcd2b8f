// Package rotate implements the periodic upstream-cycling scheduler
// (C10, §4.10).
package rotate

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/narrowmargin/peanutpod/internal/pool"
	"github.com/narrowmargin/peanutpod/internal/upstream"
)

// Scheduler cycles through a snapshot of the pool's available entries,
// publishing one to the upstream registry every interval.
type Scheduler struct {
	Store    *pool.Store
	Registry *upstream.Registry
	Logger   func(format string, args ...any)

	mu       sync.Mutex
	snapshot []pool.Entry
	index    int
	ticker   *time.Ticker
	stop     chan struct{}
	enabled  bool
}

// NewScheduler builds a Scheduler over store and registry.
func NewScheduler(store *pool.Store, registry *upstream.Registry) *Scheduler {
	return &Scheduler{Store: store, Registry: registry, Logger: func(string, ...any) {}}
}

// Enabled reports whether rotation is currently running.
func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Enable snapshots the pool's available entries, publishes the first
// one immediately, then advances every interval (§4.10). It fails if
// the pool has no available entries. Re-enabling after a Disable
// within the same process resumes from the last index rather than
// restarting at 0 (the §4.14 resume supplement); a fresh process
// always starts at 0 since index is zero-valued on construction.
func (s *Scheduler) Enable(interval time.Duration) error {
	if interval < time.Second {
		return fmt.Errorf("rotate: interval must be at least 1s, got %s", interval)
	}

	snapshot := s.Store.Available()
	if len(snapshot) == 0 {
		return fmt.Errorf("rotate: no available pool entries to rotate through")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled {
		s.stopLocked()
	}

	s.snapshot = snapshot
	if s.index >= len(s.snapshot) {
		s.index = 0
	}
	s.publishLocked()

	s.ticker = time.NewTicker(interval)
	s.stop = make(chan struct{})
	s.enabled = true
	go s.run(s.ticker, s.stop)
	return nil
}

// Disable stops the timer. The last-published upstream remains active
// (§4.10).
func (s *Scheduler) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if !s.enabled {
		return
	}
	close(s.stop)
	s.ticker.Stop()
	s.enabled = false
}

func (s *Scheduler) run(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			if len(s.snapshot) > 0 {
				s.index = (s.index + 1) % len(s.snapshot)
				s.publishLocked()
			}
			s.mu.Unlock()
		case <-stop:
			return
		}
	}
}

func (s *Scheduler) publishLocked() {
	entry := s.snapshot[s.index]
	desc, err := descriptorFromEntry(entry)
	if err != nil {
		s.Logger("rotate: skipping %s: %v", entry.Address, err)
		return
	}
	s.Registry.Publish(desc)
	s.Logger("rotate: publishing %s", desc)
}

func descriptorFromEntry(e pool.Entry) (upstream.Descriptor, error) {
	host, portStr, err := net.SplitHostPort(e.Address)
	if err != nil {
		return upstream.Descriptor{}, fmt.Errorf("rotate: bad address %q: %w", e.Address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return upstream.Descriptor{}, fmt.Errorf("rotate: bad port in %q: %w", e.Address, err)
	}
	return upstream.Descriptor{Scheme: upstream.Scheme(lowerScheme(e.Scheme)), Host: host, Port: port}, nil
}

func lowerScheme(scheme string) string {
	out := make([]byte, len(scheme))
	for i := 0; i < len(scheme); i++ {
		c := scheme[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
