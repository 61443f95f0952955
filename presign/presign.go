// Package presign holds a thread-safe, TTL-bounded cache for a single
// refreshable presigned URL.
//
// Ported near verbatim from the Python client's PresignedURLProvider
// (nominal/core/_utils/multipart_downloader.py): the fetch function runs
// under the lock so concurrent callers collapse into one refresh, and the
// cached deadline is ttl-skew in the future so a returned URL is always
// valid for at least skew past the moment it's handed out.
package presign

import (
	"sync"
	"time"
)

// FetchFunc retrieves a fresh presigned URL from the signing service.
type FetchFunc func() (string, error)

// Provider is a mutex-guarded cache of a single presigned URL.
type Provider struct {
	fetch FetchFunc
	ttl   time.Duration
	skew  time.Duration

	mu       sync.Mutex
	url      string
	deadline time.Time
	valid    bool

	now func() time.Time // overridable for tests
}

// New builds a Provider that calls fetch to obtain a URL valid for ttl,
// reserving skew of that TTL as a safety margin.
func New(fetch FetchFunc, ttl, skew time.Duration) *Provider {
	return &Provider{fetch: fetch, ttl: ttl, skew: skew, now: time.Now}
}

// Get returns the cached URL if it is still fresh and force is false;
// otherwise it calls fetch, caches the result with a new deadline, and
// returns it. fetch is invoked under the lock so concurrent callers never
// trigger duplicate refreshes.
func (p *Provider) Get(force bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if !force && p.valid && now.Before(p.deadline) {
		return p.url, nil
	}

	url, err := p.fetch()
	if err != nil {
		return "", err
	}

	margin := p.ttl - p.skew
	if margin < 0 {
		margin = 0
	}
	p.url = url
	p.deadline = now.Add(margin)
	p.valid = true
	return p.url, nil
}

// Invalidate clears the cached URL so the next Get refetches.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.valid = false
}
