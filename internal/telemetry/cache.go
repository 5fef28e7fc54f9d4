package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kubilitics/kubilitics-reasoner/internal/metrics"
)

// CachedProvider memoizes successful payloads of an underlying metrics and
// logs provider. Entries expire after ttl. Failures are never cached.
type CachedProvider struct {
	metrics MetricsProvider
	logs    LogsProvider
	cache   *expirable.LRU[string, any]
}

// NewCachedProvider wraps m and l. Either may be nil.
func NewCachedProvider(m MetricsProvider, l LogsProvider, size int, ttl time.Duration) *CachedProvider {
	if size <= 0 {
		size = 256
	}
	if m == nil {
		m = Noop{}
	}
	if l == nil {
		l = Noop{}
	}
	return &CachedProvider{
		metrics: m,
		logs:    l,
		cache:   expirable.NewLRU[string, any](size, nil, ttl),
	}
}

func (c *CachedProvider) FetchMetrics(ctx context.Context, q Query) (any, error) {
	return c.fetch(ctx, "metrics", q, c.metrics.FetchMetrics)
}

func (c *CachedProvider) FetchLogs(ctx context.Context, q Query) (any, error) {
	return c.fetch(ctx, "logs", q, c.logs.FetchLogs)
}

// Len returns the number of live entries.
func (c *CachedProvider) Len() int { return c.cache.Len() }

func (c *CachedProvider) fetch(ctx context.Context, kind string, q Query, next func(context.Context, Query) (any, error)) (any, error) {
	key := cacheKey(kind, q)
	if v, ok := c.cache.Get(key); ok {
		metrics.TelemetryCacheTotal.WithLabelValues("hit").Inc()
		return v, nil
	}
	metrics.TelemetryCacheTotal.WithLabelValues("miss").Inc()

	v, err := next(ctx, q)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, v)
	return v, nil
}

// cacheKey separates entries per credential without keeping the credential
// itself in memory.
func cacheKey(kind string, q Query) string {
	cred := ""
	if q.Credential != "" {
		sum := sha256.Sum256([]byte(q.Credential))
		cred = hex.EncodeToString(sum[:8])
	}
	return strings.Join([]string{
		kind, string(q.Requirement), q.ServiceID, strings.Join(q.Services, ","), q.Window.String(), cred,
	}, "|")
}
