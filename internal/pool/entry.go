// Package pool merges validation results into a scored, persisted set
// of proxy records (§4.4).
package pool

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/narrowmargin/peanutpod/internal/probe"
)

// Status is a PoolEntry's availability, derived from its most recent
// probe (§3: "status = available ⇔ fail_count = 0 ⇔ last probe
// reported reachable").
type Status string

const (
	Available   Status = "available"
	Unavailable Status = "unavailable"
)

// Entry is a persisted pool record. Field names and types are the Go
// shape from §3; MarshalJSON/UnmarshalJSON translate to and from the
// documented on-disk schema in §6, which uses Chinese status/anonymity
// labels.
type Entry struct {
	Status     Status
	Score      float64
	Anonymity  probe.Anonymity
	Scheme     string
	Address    string
	LatencyText string
	SpeedText  string
	Country    string
	City       string
	FailCount  uint32
}

// Key is the pool merge key: UPPER(scheme) + "://" + address (§4.4).
func (e Entry) Key() string {
	return fmt.Sprintf("%s://%s", upperScheme(e.Scheme), e.Address)
}

func upperScheme(scheme string) string {
	out := make([]byte, len(scheme))
	for i := 0; i < len(scheme); i++ {
		c := scheme[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

var statusLabels = map[Status]string{
	Available:   "可用",
	Unavailable: "不可用",
}

var labelStatus = map[string]Status{
	"可用":  Available,
	"不可用": Unavailable,
}

var anonymityLabels = map[probe.Anonymity]string{
	probe.Elite:       "高匿",
	probe.Anonymous:   "普匿",
	probe.Transparent: "透明",
}

var labelAnonymity = map[string]probe.Anonymity{
	"高匿": probe.Elite,
	"普匿": probe.Anonymous,
	"透明": probe.Transparent,
	"":   "",
}

// wireEntry mirrors the exact on-disk field set and order from §6.
type wireEntry struct {
	Status    string  `json:"status"`
	Score     float64 `json:"score"`
	Anonymity string  `json:"anonymity"`
	Protocol  string  `json:"protocol"`
	Address   string  `json:"address"`
	Latency   string  `json:"latency"`
	Speed     string  `json:"speed"`
	Country   string  `json:"country"`
	City      string  `json:"city"`
	FailCount uint32  `json:"fail_count"`
}

// MarshalJSON emits the documented pool-file schema (§6).
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEntry{
		Status:    statusLabels[e.Status],
		Score:     e.Score,
		Anonymity: anonymityLabels[e.Anonymity],
		Protocol:  upperScheme(e.Scheme),
		Address:   e.Address,
		Latency:   e.LatencyText,
		Speed:     e.SpeedText,
		Country:   e.Country,
		City:      e.City,
		FailCount: e.FailCount,
	})
}

// UnmarshalJSON parses the documented pool-file schema. An entry
// missing fail_count is treated as 0, per §6.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("pool: decode entry: %w", err)
	}

	e.Status = labelStatus[w.Status]
	e.Score = w.Score
	e.Anonymity = labelAnonymity[w.Anonymity]
	e.Scheme = strings.ToLower(w.Protocol)
	e.Address = w.Address
	e.LatencyText = w.Latency
	e.SpeedText = w.Speed
	e.Country = w.Country
	e.City = w.City
	e.FailCount = w.FailCount
	return nil
}

// FromResult builds an Entry from a probe outcome, formatting latency
// and speed text the way the original pool file does.
func FromResult(r probe.Result) Entry {
	e := Entry{
		Score:     r.Score,
		Anonymity: r.Anonymity,
		Scheme:    r.Candidate.Scheme,
		Address:   r.Candidate.Address(),
		Country:   r.Country,
		City:      r.City,
	}
	if r.Reachable {
		e.Status = Available
		e.LatencyText = fmt.Sprintf("%.1fms", r.LatencyMS)
		if r.ThroughputMbps > 0 {
			e.SpeedText = fmt.Sprintf("%.1f MB/s", r.ThroughputMbps)
		}
	} else {
		e.Status = Unavailable
	}
	return e
}
