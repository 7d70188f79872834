package cloudflare

import (
	"sort"
	"sync"
	"time"

	cf "github.com/cloudflare/cloudflare-go"
)

// DefaultEdgeTTL is how long fetched edge ranges are trusted.
const DefaultEdgeTTL = 24 * time.Hour

// EdgeRanges caches the published Cloudflare edge IP ranges.
type EdgeRanges struct {
	TTL   time.Duration
	Fetch func() (cf.IPRanges, error)
	Now   func() time.Time

	mu      sync.Mutex
	cidrs   []string
	fetched time.Time
}

// NewEdgeRanges returns a cache backed by the public ranges endpoint.
func NewEdgeRanges() *EdgeRanges {
	return &EdgeRanges{TTL: DefaultEdgeTTL, Fetch: cf.IPs, Now: time.Now}
}

// CIDRs returns the cached ranges, refreshing them once the TTL has passed.
// A failed refresh returns the stale ranges, if any, alongside the error.
func (e *EdgeRanges) CIDRs() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	ttl := e.TTL
	if ttl <= 0 {
		ttl = DefaultEdgeTTL
	}
	if e.cidrs != nil && now().Sub(e.fetched) < ttl {
		return append([]string(nil), e.cidrs...), nil
	}

	ranges, err := e.Fetch()
	if err != nil {
		return append([]string(nil), e.cidrs...), err
	}
	cidrs := make([]string, 0, len(ranges.IPv4CIDRs)+len(ranges.IPv6CIDRs))
	cidrs = append(cidrs, ranges.IPv4CIDRs...)
	cidrs = append(cidrs, ranges.IPv6CIDRs...)
	sort.Strings(cidrs)
	e.cidrs = cidrs
	e.fetched = now()
	return append([]string(nil), cidrs...), nil
}
