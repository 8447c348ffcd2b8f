package validate

import (
	"context"
	"sync"

	"github.com/narrowmargin/peanutpod/internal/probe"
)

// DefaultConcurrency is the maximum number of probes in flight at once
// (§4.2).
const DefaultConcurrency = 50

// ProgressFunc is invoked once per candidate, in completion order, not
// submission order. result is nil when the probe panicked or otherwise
// could not produce an outcome; the batch continues regardless.
type ProgressFunc func(completed, total int, result *probe.Result)

// Validator is the bounded-concurrency scheduler that fans probe.Prober
// out across a batch of candidates.
type Validator struct {
	Prober      *probe.Prober
	Concurrency int
}

// NewValidator builds a Validator with the default concurrency limit.
func NewValidator(p *probe.Prober) *Validator {
	return &Validator{Prober: p, Concurrency: DefaultConcurrency}
}

// Run validates every candidate, calling sink as each terminal outcome
// arrives, and returns once all candidates have one. A nil sink is
// allowed for callers that only want the aggregated slice.
func (v *Validator) Run(ctx context.Context, candidates []probe.Candidate, sink ProgressFunc) []probe.Result {
	concurrency := v.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	total := len(candidates)
	results := make([]probe.Result, 0, total)

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		completed int
	)
	sem := make(chan struct{}, concurrency)

	for _, c := range candidates {
		c := c
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			result := v.safeValidate(ctx, c)

			mu.Lock()
			completed++
			if result != nil {
				results = append(results, *result)
			}
			n := completed
			mu.Unlock()

			if sink != nil {
				sink(n, total, result)
			}
		}()
	}

	wg.Wait()
	return results
}

// safeValidate recovers from a panicking probe so one bad candidate
// cannot abort the batch (§4.2 "individual probe exceptions... do not
// abort the batch"), the same defensive shape as
// pkg/wlpb/wlpb.go:Run's ticker-loop recover.
func (v *Validator) safeValidate(ctx context.Context, c probe.Candidate) (result *probe.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
		}
	}()
	out := v.Prober.Validate(ctx, c)
	return &out
}
