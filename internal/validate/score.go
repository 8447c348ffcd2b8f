// Package validate fans probes out across candidates (the bounded-
// concurrency scheduler) and turns a ProbeResult into a composite score.
package validate

import (
	"math"

	"github.com/narrowmargin/peanutpod/internal/probe"
)

// latencyScore bands round-trip latency into a 0-100 sub-score per §4.3.
func latencyScore(latencyMS float64) float64 {
	seconds := latencyMS / 1000
	switch {
	case seconds <= 0.5:
		return 100
	case seconds <= 1:
		return 80
	case seconds <= 2:
		return 60
	case seconds <= 5:
		return 40
	default:
		return 20
	}
}

// anonymityScore bands the anonymity class into a 0-100 sub-score.
func anonymityScore(a probe.Anonymity) float64 {
	switch a {
	case probe.Elite:
		return 100
	case probe.Anonymous:
		return 70
	case probe.Transparent:
		return 40
	default:
		return 0
	}
}

// throughputScore bands measured Mbps into a 0-100 sub-score. The weight
// constants present in the original source (LATENCY_WEIGHT etc.) are
// unused dead code there and are not reproduced here.
func throughputScore(mbps float64) float64 {
	switch {
	case mbps <= 0:
		return 0
	case mbps >= 50:
		return 100
	case mbps >= 10:
		return 80
	case mbps >= 5:
		return 60
	default:
		return 40
	}
}

// Score computes the composite 0..300 score for a ProbeResult and
// returns the individual sub-scores alongside it for callers that want
// to show a breakdown.
func Score(r probe.Result) (total, latency, anonymity, throughput float64) {
	latency = latencyScore(r.LatencyMS)
	anonymity = anonymityScore(r.Anonymity)
	throughput = throughputScore(r.ThroughputMbps)
	total = roundTo1(latency + anonymity + throughput)
	return total, latency, anonymity, throughput
}

func roundTo1(v float64) float64 {
	return math.Round(v*10) / 10
}
