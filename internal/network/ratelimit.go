package network

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const defaultLimiterHosts = 4096

// HostLimiter is a token bucket per source host. Buckets for the least
// recently seen hosts are evicted once more than the configured number of
// hosts are tracked.
type HostLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *lru.Cache[string, *rate.Limiter]
}

func NewHostLimiter(perSecond float64, burst, hosts int) (*HostLimiter, error) {
	if hosts <= 0 {
		hosts = defaultLimiterHosts
	}
	cache, err := lru.New[string, *rate.Limiter](hosts)
	if err != nil {
		return nil, err
	}
	return &HostLimiter{limit: rate.Limit(perSecond), burst: burst, buckets: cache}, nil
}

func (h *HostLimiter) Allow(host string) bool {
	if h == nil || h.limit <= 0 {
		return true
	}
	lim, ok := h.buckets.Get(host)
	if !ok {
		lim = rate.NewLimiter(h.limit, h.burst)
		if prev, found, _ := h.buckets.PeekOrAdd(host, lim); found {
			lim = prev
		}
	}
	return lim.Allow()
}
