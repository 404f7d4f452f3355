package iam

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedDecision is one effective-permission cache entry. Entries are
// derived state only: always re-derivable from the graph and safe to drop
// entirely.
type CachedDecision struct {
	Allowed    bool      `json:"allowed"`
	Scope      Scope     `json:"scope,omitempty"`
	ComputedAt time.Time `json:"computed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry. Expired entries
// are treated as misses and lazily overwritten, never eagerly swept.
func (d *CachedDecision) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

// DecisionCache stores computed decisions and navigation projections per
// (user, company). Invalidation is wholesale per key pair; there is no
// partial-key invalidation, trading precision for correctness.
//
// Implementations are best-effort: a get error is a miss, a set error
// only costs the next caller a recompute. Invalidate, by contrast, sits
// on the mutation path and its errors must propagate.
type DecisionCache interface {
	GetView(ctx context.Context, userID, companyID, viewID int64) (*CachedDecision, error)
	SetView(ctx context.Context, userID, companyID, viewID int64, decision CachedDecision) error

	GetFeature(ctx context.Context, userID, companyID int64, featureKey, action string) (*CachedDecision, error)
	SetFeature(ctx context.Context, userID, companyID int64, featureKey, action string, decision CachedDecision) error

	// Navigation projections ride the same TTL and invalidation triggers.
	GetNavigation(ctx context.Context, userID, companyID int64) ([]byte, error)
	SetNavigation(ctx context.Context, userID, companyID int64, payload []byte, ttl time.Duration) error

	// Invalidate drops every entry for one (user, company) pair.
	Invalidate(ctx context.Context, userID, companyID int64) error

	// InvalidateCompany drops every entry for one company, used when a
	// tenant-wide input such as module enablement changes.
	InvalidateCompany(ctx context.Context, companyID int64) error

	// InvalidateAll drops everything, used when the menu definition is
	// replaced.
	InvalidateAll(ctx context.Context) error

	Close() error
}

// memory cache key shapes; navigation entries reuse viewKey with viewID 0.
type viewKey struct {
	userID    int64
	companyID int64
	viewID    int64
}

type featureKey struct {
	userID     int64
	companyID  int64
	featureKey string
	action     string
}

type navPayload struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryDecisionCache keeps decisions in expirable LRU caches sized for a
// single process. The LRU TTL doubles as a backstop; the embedded
// ExpiresAt is still checked so Invalidate-then-expire races resolve to a
// miss.
type MemoryDecisionCache struct {
	views    *lru.LRU[viewKey, CachedDecision]
	features *lru.LRU[featureKey, CachedDecision]
	nav      *lru.LRU[viewKey, navPayload]
}

// NewMemoryDecisionCache creates an in-process decision cache. size bounds
// each of the three internal caches; zero or negative falls back to 4096.
func NewMemoryDecisionCache(size int, ttl time.Duration) *MemoryDecisionCache {
	if size <= 0 {
		size = 4096
	}
	return &MemoryDecisionCache{
		views:    lru.NewLRU[viewKey, CachedDecision](size, nil, ttl),
		features: lru.NewLRU[featureKey, CachedDecision](size, nil, ttl),
		nav:      lru.NewLRU[viewKey, navPayload](size, nil, ttl),
	}
}

// GetView returns a cached view decision or nil on miss
func (c *MemoryDecisionCache) GetView(_ context.Context, userID, companyID, viewID int64) (*CachedDecision, error) {
	decision, ok := c.views.Get(viewKey{userID, companyID, viewID})
	if !ok || decision.Expired(time.Now()) {
		return nil, nil
	}
	return &decision, nil
}

// SetView stores a view decision
func (c *MemoryDecisionCache) SetView(_ context.Context, userID, companyID, viewID int64, decision CachedDecision) error {
	c.views.Add(viewKey{userID, companyID, viewID}, decision)
	return nil
}

// GetFeature returns a cached feature decision or nil on miss
func (c *MemoryDecisionCache) GetFeature(_ context.Context, userID, companyID int64, fk, action string) (*CachedDecision, error) {
	decision, ok := c.features.Get(featureKey{userID, companyID, fk, action})
	if !ok || decision.Expired(time.Now()) {
		return nil, nil
	}
	return &decision, nil
}

// SetFeature stores a feature decision
func (c *MemoryDecisionCache) SetFeature(_ context.Context, userID, companyID int64, fk, action string, decision CachedDecision) error {
	c.features.Add(featureKey{userID, companyID, fk, action}, decision)
	return nil
}

// GetNavigation returns a cached navigation payload or nil on miss
func (c *MemoryDecisionCache) GetNavigation(_ context.Context, userID, companyID int64) ([]byte, error) {
	entry, ok := c.nav.Get(viewKey{userID, companyID, 0})
	if !ok || !time.Now().Before(entry.expiresAt) {
		return nil, nil
	}
	return entry.payload, nil
}

// SetNavigation stores a navigation payload
func (c *MemoryDecisionCache) SetNavigation(_ context.Context, userID, companyID int64, payload []byte, ttl time.Duration) error {
	c.nav.Add(viewKey{userID, companyID, 0}, navPayload{
		payload:   payload,
		expiresAt: time.Now().Add(ttl),
	})
	return nil
}

// Invalidate drops every entry for one (user, company) pair
func (c *MemoryDecisionCache) Invalidate(_ context.Context, userID, companyID int64) error {
	for _, key := range c.views.Keys() {
		if key.userID == userID && key.companyID == companyID {
			c.views.Remove(key)
		}
	}
	for _, key := range c.features.Keys() {
		if key.userID == userID && key.companyID == companyID {
			c.features.Remove(key)
		}
	}
	c.nav.Remove(viewKey{userID, companyID, 0})
	return nil
}

// InvalidateCompany drops every entry for one company
func (c *MemoryDecisionCache) InvalidateCompany(_ context.Context, companyID int64) error {
	for _, key := range c.views.Keys() {
		if key.companyID == companyID {
			c.views.Remove(key)
		}
	}
	for _, key := range c.features.Keys() {
		if key.companyID == companyID {
			c.features.Remove(key)
		}
	}
	for _, key := range c.nav.Keys() {
		if key.companyID == companyID {
			c.nav.Remove(key)
		}
	}
	return nil
}

// InvalidateAll drops everything
func (c *MemoryDecisionCache) InvalidateAll(_ context.Context) error {
	c.views.Purge()
	c.features.Purge()
	c.nav.Purge()
	return nil
}

// Close purges the caches
func (c *MemoryDecisionCache) Close() error {
	return c.InvalidateAll(context.Background())
}

// NopDecisionCache misses on every get. It exists to demonstrate that the
// cache is strictly a latency layer: correctness holds with no cache at
// all.
type NopDecisionCache struct{}

func (NopDecisionCache) GetView(context.Context, int64, int64, int64) (*CachedDecision, error) {
	return nil, nil
}

func (NopDecisionCache) SetView(context.Context, int64, int64, int64, CachedDecision) error {
	return nil
}

func (NopDecisionCache) GetFeature(context.Context, int64, int64, string, string) (*CachedDecision, error) {
	return nil, nil
}

func (NopDecisionCache) SetFeature(context.Context, int64, int64, string, string, CachedDecision) error {
	return nil
}

func (NopDecisionCache) GetNavigation(context.Context, int64, int64) ([]byte, error) {
	return nil, nil
}

func (NopDecisionCache) SetNavigation(context.Context, int64, int64, []byte, time.Duration) error {
	return nil
}

func (NopDecisionCache) Invalidate(context.Context, int64, int64) error { return nil }

func (NopDecisionCache) InvalidateCompany(context.Context, int64) error { return nil }

func (NopDecisionCache) InvalidateAll(context.Context) error { return nil }

func (NopDecisionCache) Close() error { return nil }

// decisionKey renders the composite cache key used by the redis backend
func decisionKey(companyID, userID int64) string {
	return fmt.Sprintf("iam:decisions:%d:%d", companyID, userID)
}
