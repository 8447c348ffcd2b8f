// Package control implements the serialized command surface (C11):
// import, retest, start/stop listeners, switch upstream, enable/disable
// rotation.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/narrowmargin/peanutpod/internal/httpproxy"
	"github.com/narrowmargin/peanutpod/internal/logging"
	"github.com/narrowmargin/peanutpod/internal/pool"
	"github.com/narrowmargin/peanutpod/internal/probe"
	"github.com/narrowmargin/peanutpod/internal/rotate"
	"github.com/narrowmargin/peanutpod/internal/socks5"
	"github.com/narrowmargin/peanutpod/internal/upstream"
	"github.com/narrowmargin/peanutpod/internal/validate"
)

// ChainMode selects single-hop vs. a future multi-hop chain. Only
// SingleHop is implemented (§9 open question 4 / DESIGN.md decision 4).
type ChainMode string

const (
	SingleHop ChainMode = "single-hop"
	MultiHop  ChainMode = "multi-hop"
)

// Status is the read-only snapshot returned by GET /v1/status.
type Status struct {
	Entries          []pool.Entry
	Upstream         upstream.Descriptor
	ListenersRunning bool
	ChainMode        ChainMode
	RotationEnabled  bool
}

// Controller serializes every structural change to the running system
// (§4.11: "at most one structural change in flight") behind a single
// mutex, the same single-owner-over-shared-mutable-state shape §9
// recommends for the registry and pool store.
type Controller struct {
	mu sync.Mutex

	Store     *pool.Store
	Registry  *upstream.Registry
	Validator *validate.Validator
	Scheduler *rotate.Scheduler
	SOCKS5    *socks5.Listener
	HTTP      *httpproxy.Listener
	Exporter  pool.Exporter
	Logger    *logging.Logger

	chainMode        ChainMode
	listenersRunning bool
}

// New builds a Controller wired to the given components.
func New(store *pool.Store, registry *upstream.Registry, validator *validate.Validator, scheduler *rotate.Scheduler, socksListener *socks5.Listener, httpListener *httpproxy.Listener, exporter pool.Exporter, logger *logging.Logger) *Controller {
	return &Controller{
		Store:     store,
		Registry:  registry,
		Validator: validator,
		Scheduler: scheduler,
		SOCKS5:    socksListener,
		HTTP:      httpListener,
		Exporter:  exporter,
		Logger:    logger,
		chainMode: SingleHop,
	}
}

// Status returns a snapshot of pool, upstream and listener state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Entries:          c.Store.Snapshot(),
		Upstream:         c.Registry.Read(),
		ListenersRunning: c.listenersRunning,
		ChainMode:        c.chainMode,
		RotationEnabled:  c.Scheduler.Enabled(),
	}
}

// Import parses and validates a batch of candidate proxies, merging
// the results into the pool (§4.2 → §4.4 data flow).
func (c *Controller) Import(ctx context.Context, raw []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := make([]probe.Candidate, 0, len(raw))
	for _, r := range raw {
		cand, err := probe.ParseCandidate(r)
		if err != nil {
			c.Logger.Printf("control: skipping invalid candidate %q: %v", r, err)
			continue
		}
		candidates = append(candidates, cand)
	}
	if len(candidates) == 0 {
		return fmt.Errorf("control: no valid candidates in import batch")
	}

	results := c.Validator.Run(ctx, candidates, func(completed, total int, result *probe.Result) {
		c.Logger.Printf("control: validated %d/%d", completed, total)
	})
	for i := range results {
		results[i].Score, _, _, _ = scoreOf(results[i])
	}
	return c.Store.Merge(results, c.Logger.Eviction)
}

// Retest re-validates either the whole pool or, per the §4.14
// supplement, only its currently-unavailable entries.
func (c *Controller) Retest(ctx context.Context, unavailableOnly bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := c.Store.Snapshot()
	candidates := make([]probe.Candidate, 0, len(snapshot))
	for _, e := range snapshot {
		if unavailableOnly && e.Status != pool.Unavailable {
			continue
		}
		cand, err := entryCandidate(e)
		if err != nil {
			continue
		}
		candidates = append(candidates, cand)
	}
	if len(candidates) == 0 {
		return nil
	}

	results := c.Validator.Run(ctx, candidates, nil)
	for i := range results {
		results[i].Score, _, _, _ = scoreOf(results[i])
	}
	return c.Store.Merge(results, c.Logger.Eviction)
}

// StartListeners binds both the SOCKS5 and HTTP listeners.
func (c *Controller) StartListeners() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listenersRunning {
		return nil
	}
	if err := c.SOCKS5.Start(); err != nil {
		return err
	}
	if err := c.HTTP.Start(); err != nil {
		c.SOCKS5.Stop()
		return err
	}
	c.listenersRunning = true
	return nil
}

// StopListeners closes both listening sockets. In-flight pipes drain
// naturally (§5); they are not severed.
func (c *Controller) StopListeners() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.listenersRunning {
		return nil
	}
	err1 := c.SOCKS5.Stop()
	err2 := c.HTTP.Stop()
	c.listenersRunning = false
	if err1 != nil {
		return err1
	}
	return err2
}

// SwitchUpstream publishes a new upstream descriptor immediately,
// outside of any rotation schedule.
func (c *Controller) SwitchUpstream(desc upstream.Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Registry.Publish(desc)
	c.Logger.Printf("control: switched upstream to %s", desc)
}

// EnableRotation starts the rotation scheduler. It is only permitted
// in single-hop mode (§4.10).
func (c *Controller) EnableRotation(interval time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainMode != SingleHop {
		return fmt.Errorf("control: rotation is only permitted in single-hop mode")
	}
	return c.Scheduler.Enable(interval)
}

// DisableRotation stops the rotation scheduler; the last-published
// upstream remains active.
func (c *Controller) DisableRotation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Scheduler.Disable()
}

// SetChainMode switches between single-hop and multi-hop. Only
// SingleHop is implemented; anything else errors (§9 open question 4).
// Per §4.11, a mode switch while listeners are running implies
// stopping them first; confirm must be true for that case.
func (c *Controller) SetChainMode(mode ChainMode, confirm bool) error {
	if mode != SingleHop {
		return fmt.Errorf("control: chain mode %q is not implemented", mode)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listenersRunning && mode != c.chainMode {
		if !confirm {
			return fmt.Errorf("control: switching chain mode while listeners are running requires confirmation")
		}
		c.mu.Unlock()
		c.StopListeners()
		c.mu.Lock()
	}
	c.chainMode = mode
	return nil
}

// Export writes the current pool via the configured Exporter.
func (c *Controller) Export() (string, error) {
	return c.Exporter.Export(c.Store.Snapshot())
}

func scoreOf(r probe.Result) (float64, float64, float64, float64) {
	return validate.Score(r)
}

func entryCandidate(e pool.Entry) (probe.Candidate, error) {
	return probe.ParseCandidate(fmt.Sprintf("%s://%s", lowerScheme(e.Scheme), e.Address))
}

func lowerScheme(scheme string) string {
	out := make([]byte, len(scheme))
	for i := 0; i < len(scheme); i++ {
		b := scheme[i]
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		out[i] = b
	}
	return string(out)
}
