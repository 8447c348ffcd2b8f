package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// PublicIP is a lazily-fetched, refreshable baseline of the host's own
// public IP, used by the anonymity classifier to detect a transparent
// proxy. It refreshes on demand rather than once at startup, so a long
// session doesn't drift if the host's address changes (§9 open question).
type PublicIP struct {
	mu        sync.Mutex
	value     string
	fetchedAt time.Time
	ttl       time.Duration
	client    *http.Client
	url       string
}

// NewPublicIP builds a PublicIP baseline that refreshes at most once per
// ttl. A ttl of 0 means "fetch once and cache forever."
func NewPublicIP(client *http.Client, echoURL string, ttl time.Duration) *PublicIP {
	if client == nil {
		client = http.DefaultClient
	}
	return &PublicIP{client: client, url: echoURL, ttl: ttl}
}

// Get returns the cached value, refreshing it first if it is stale or
// has never been fetched.
func (p *PublicIP) Get(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.value != "" && (p.ttl == 0 || time.Since(p.fetchedAt) < p.ttl) {
		return p.value, nil
	}

	ip, err := p.fetch(ctx)
	if err != nil {
		if p.value != "" {
			// Stale value beats no value; the classifier still works,
			// just against a possibly-outdated baseline.
			return p.value, nil
		}
		return "", err
	}

	p.value = ip
	p.fetchedAt = time.Now()
	return p.value, nil
}

// fetch hits the same header-echo endpoint used for per-candidate
// anonymity checks and extracts the baseline IP the same way: prefer
// X-Forwarded-For, fall back to origin, and take the first address.
func (p *PublicIP) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return "", fmt.Errorf("probe: public ip request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("probe: public ip fetch: %w", err)
	}
	defer resp.Body.Close()

	var echo anonymityEcho
	if err := json.NewDecoder(resp.Body).Decode(&echo); err != nil {
		return "", fmt.Errorf("probe: public ip decode: %w", err)
	}
	ips := originIPs(echo)
	if len(ips) == 0 {
		return "", fmt.Errorf("probe: public ip: no address in response")
	}
	return ips[0], nil
}
