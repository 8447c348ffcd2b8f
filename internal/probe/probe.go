package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// retry runs fn up to attempts times with a fixed backoff between
// attempts, returning the first success or the last error. Every probe
// in this package shares this shape (§9 "retry loop shape").
func retry[T any](attempts int, backoff time.Duration, fn func() (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}
		if attempt < attempts {
			time.Sleep(backoff)
		}
	}
	return result, err
}

var geoPattern = regexp.MustCompile(`来自于：(\S+)\s+(\S+\s+\S+)`)

// Prober runs the four single-candidate checks against a set of fixed
// reference targets, dialing each one through the candidate's own
// proxy transport.
type Prober struct {
	Targets  Targets
	PublicIP *PublicIP
	UserAgents *userAgentPool
}

// NewProber builds a Prober wired to real reference endpoints and a
// lazily-refreshed public IP baseline.
func NewProber(targets Targets, publicIP *PublicIP) *Prober {
	return &Prober{Targets: targets, PublicIP: publicIP, UserAgents: defaultUserAgents}
}

// transportFor builds an http.Client that dials every request through
// the candidate proxy, the same approach as wlpb.makeRequest's
// http.Transport{Proxy: http.ProxyURL(...)}.
func transportFor(c Candidate, timeout time.Duration) (*http.Client, error) {
	proxyURL, err := url.Parse(c.String())
	if err != nil {
		return nil, fmt.Errorf("probe: bad candidate url: %w", err)
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}, nil
}

func (p *Prober) get(ctx context.Context, client *http.Client, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("probe: build request: %w", err)
	}
	req.Header.Set("User-Agent", p.UserAgents.Get())
	return client.Do(req)
}

// Connectivity performs the reachability/latency probe (§4.1.1): up to
// 3 attempts, 2s timeout each, 500ms backoff. Returns the measured
// round-trip latency of the successful attempt.
func (p *Prober) Connectivity(ctx context.Context, c Candidate) (time.Duration, error) {
	client, err := transportFor(c, ConnectivityTimeout)
	if err != nil {
		return 0, err
	}

	return retry(MaxAttempts, RetryBackoff, func() (time.Duration, error) {
		start := time.Now()
		resp, err := p.get(ctx, client, p.Targets.LatencyURL)
		if err != nil {
			return 0, fmt.Errorf("probe: connectivity: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		elapsed := time.Since(start)
		if resp.StatusCode != http.StatusOK {
			return 0, fmt.Errorf("probe: connectivity: unexpected status %d", resp.StatusCode)
		}
		return elapsed, nil
	})
}

// anonymityEcho is the shape of the header-echo endpoint's JSON body:
// the origin IP(s) that reached it and the request headers it saw,
// including any X-Forwarded-For or Via a proxy hop added.
type anonymityEcho struct {
	Origin  string            `json:"origin"`
	Headers map[string]string `json:"headers"`
}

// headerValue looks up key in headers case-insensitively, since JSON
// echo services don't agree on header casing.
func headerValue(headers map[string]string, key string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// originIPs returns the IP(s) that reached the echo endpoint, preferring
// the X-Forwarded-For header (which a transparent proxy fills in with
// the real client IP even while rewriting origin) and falling back to
// origin only when that header is missing or empty.
func originIPs(echo anonymityEcho) []string {
	if fwd, ok := headerValue(echo.Headers, "X-Forwarded-For"); ok && fwd != "" {
		return splitAndTrim(fwd)
	}
	return splitAndTrim(echo.Origin)
}

// Anonymity classifies the candidate per §4.1.2: Transparent if the
// host's own public IP leaks through, Anonymous if more than one IP (or
// a Via header) is visible, Elite otherwise.
func (p *Prober) Anonymity(ctx context.Context, c Candidate) (Anonymity, error) {
	client, err := transportFor(c, AnonymityTimeout)
	if err != nil {
		return Unknown, err
	}

	publicIP, ipErr := p.PublicIP.Get(ctx)

	echo, err := retry(MaxAttempts, RetryBackoff, func() (anonymityEcho, error) {
		resp, err := p.get(ctx, client, p.Targets.AnonymityURL)
		if err != nil {
			return anonymityEcho{}, fmt.Errorf("probe: anonymity: %w", err)
		}
		defer resp.Body.Close()
		var out anonymityEcho
		if err := decodeJSON(resp.Body, &out); err != nil {
			return anonymityEcho{}, fmt.Errorf("probe: anonymity decode: %w", err)
		}
		return out, nil
	})
	if err != nil {
		return Unknown, err
	}

	ips := originIPs(echo)
	if ipErr == nil && publicIP != "" {
		for _, ip := range ips {
			if ip == publicIP {
				return Transparent, nil
			}
		}
	}
	_, hasVia := headerValue(echo.Headers, "Via")
	if len(ips) > 1 || hasVia {
		return Anonymous, nil
	}
	return Elite, nil
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Geo performs the geolocation probe (§4.1.3). A parse failure yields
// empty strings, not an error — geo data is best-effort.
func (p *Prober) Geo(ctx context.Context, c Candidate) (country, city string) {
	client, err := transportFor(c, GeoTimeout)
	if err != nil {
		return "", ""
	}

	body, err := retry(MaxAttempts, RetryBackoff, func() (string, error) {
		resp, err := p.get(ctx, client, p.Targets.GeoURL)
		if err != nil {
			return "", fmt.Errorf("probe: geo: %w", err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return "", fmt.Errorf("probe: geo read: %w", err)
		}
		return string(raw), nil
	})
	if err != nil {
		return "", ""
	}

	m := geoPattern.FindStringSubmatch(body)
	if m == nil {
		return "", ""
	}
	region := strings.Fields(m[2])
	if len(region) == 2 {
		return m[1], region[1]
	}
	return m[1], m[2]
}

// Throughput streams the latency target's body and computes mbps per
// §4.1.4, including the ×1000 factor inherited from the original
// implementation (see DESIGN.md open question 1). Only called when the
// connectivity latency was ≤ MaxThroughputLatency.
func (p *Prober) Throughput(ctx context.Context, c Candidate) (float64, error) {
	client, err := transportFor(c, ThroughputTimeout)
	if err != nil {
		return 0, err
	}

	return retry(MaxAttempts, RetryBackoff, func() (float64, error) {
		start := time.Now()
		resp, err := p.get(ctx, client, p.Targets.LatencyURL)
		if err != nil {
			return 0, fmt.Errorf("probe: throughput: %w", err)
		}
		defer resp.Body.Close()

		var total int64
		buf := make([]byte, ThroughputChunk)
		for {
			n, readErr := resp.Body.Read(buf)
			total += int64(n)
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return 0, fmt.Errorf("probe: throughput read: %w", readErr)
			}
		}

		seconds := time.Since(start).Seconds()
		if seconds <= 0 {
			return 0, nil
		}
		mbps := (float64(total) / seconds) * 8 / 1_000_000 * 1000
		return roundTo1(mbps), nil
	})
}

func roundTo1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

// Validate runs all four probes for one candidate in the order and
// parallelism §4.1 specifies: connectivity first (skip everything else
// on failure), then geo+anonymity in parallel, then throughput if
// latency allows.
func (p *Prober) Validate(ctx context.Context, c Candidate) Result {
	result := Result{Candidate: c}

	latency, err := p.Connectivity(ctx, c)
	if err != nil {
		result.Reachable = false
		return result
	}
	result.Reachable = true
	result.LatencyMS = float64(latency.Microseconds()) / 1000

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		result.Country, result.City = p.Geo(ctx, c)
	}()
	go func() {
		defer wg.Done()
		anon, err := p.Anonymity(ctx, c)
		if err != nil {
			anon = Unknown
		}
		result.Anonymity = anon
	}()
	wg.Wait()

	if result.LatencyMS <= MaxThroughputLatency {
		if mbps, err := p.Throughput(ctx, c); err == nil {
			result.ThroughputMbps = mbps
		}
	}

	return result
}

func decodeJSON(r io.Reader, v *anonymityEcho) error {
	return json.NewDecoder(r).Decode(v)
}
