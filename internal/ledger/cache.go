package ledger

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"zkescrow/internal/domain"
)

// Cached memoizes job views and DID controllers for a short TTL. Guard
// predicates (expiry, ban) always go to the node.
type Cached struct {
	*Client
	jobs        *expirable.LRU[uint64, domain.JobView]
	controllers *expirable.LRU[string, string]
}

// NewCached wraps c; a non-positive size or ttl disables caching.
func NewCached(c *Client, size int, ttl time.Duration) *Cached {
	out := &Cached{Client: c}
	if size > 0 && ttl > 0 {
		out.jobs = expirable.NewLRU[uint64, domain.JobView](size, nil, ttl)
		out.controllers = expirable.NewLRU[string, string](size, nil, ttl)
	}
	return out
}

func (c *Cached) GetJob(ctx context.Context, jobID uint64) (domain.JobView, error) {
	if c.jobs != nil {
		if j, ok := c.jobs.Get(jobID); ok {
			return j, nil
		}
	}
	j, err := c.Client.GetJob(ctx, jobID)
	if err != nil {
		return j, err
	}
	if c.jobs != nil {
		c.jobs.Add(jobID, j)
	}
	return j, nil
}

func (c *Cached) ResolveControllerByHash(ctx context.Context, didHash string) (string, error) {
	if c.controllers != nil {
		if v, ok := c.controllers.Get(didHash); ok {
			return v, nil
		}
	}
	v, err := c.Client.ResolveControllerByHash(ctx, didHash)
	if err != nil {
		return v, err
	}
	if c.controllers != nil && v != "" {
		c.controllers.Add(didHash, v)
	}
	return v, nil
}

// Forget drops a cached job, used after a submission touches it.
func (c *Cached) Forget(jobID uint64) {
	if c.jobs != nil {
		c.jobs.Remove(jobID)
	}
}
