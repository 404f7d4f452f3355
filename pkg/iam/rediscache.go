package iam

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisDecisionCache keeps all decisions for one (user, company) pair in a
// single hash, so wholesale invalidation is one DEL. Per-entry expiry rides
// inside the JSON value and is checked lazily on read; the hash itself gets
// a TTL so abandoned pairs age out of redis on their own.
type RedisDecisionCache struct {
	client  *redis.Client
	hashTTL time.Duration
}

// NewRedisDecisionCache creates a redis-backed decision cache. hashTTL
// bounds how long an untouched hash survives; it must exceed the decision
// TTL or entries would vanish before they expire.
func NewRedisDecisionCache(client *redis.Client, hashTTL time.Duration) *RedisDecisionCache {
	if hashTTL <= 0 {
		hashTTL = time.Hour
	}
	return &RedisDecisionCache{client: client, hashTTL: hashTTL}
}

func viewField(viewID int64) string {
	return fmt.Sprintf("view:%d", viewID)
}

func featureField(featureKey, action string) string {
	return fmt.Sprintf("feature:%s:%s", featureKey, action)
}

const navigationField = "navigation"

// navEnvelope wraps the navigation payload with its expiry, since raw
// bytes carry no timestamp of their own.
type navEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func (c *RedisDecisionCache) getDecision(ctx context.Context, key, field string) (*CachedDecision, error) {
	raw, err := c.client.HGet(ctx, key, field).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached decision: %w", err)
	}
	var decision CachedDecision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return nil, fmt.Errorf("failed to decode cached decision: %w", err)
	}
	if decision.Expired(time.Now().UTC()) {
		return nil, nil
	}
	return &decision, nil
}

func (c *RedisDecisionCache) setDecision(ctx context.Context, key, field string, decision CachedDecision) error {
	raw, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, field, raw)
	pipe.Expire(ctx, key, c.hashTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write cached decision: %w", err)
	}
	return nil
}

// GetView returns a cached view decision or nil on miss
func (c *RedisDecisionCache) GetView(ctx context.Context, userID, companyID, viewID int64) (*CachedDecision, error) {
	return c.getDecision(ctx, decisionKey(companyID, userID), viewField(viewID))
}

// SetView stores a view decision
func (c *RedisDecisionCache) SetView(ctx context.Context, userID, companyID, viewID int64, decision CachedDecision) error {
	return c.setDecision(ctx, decisionKey(companyID, userID), viewField(viewID), decision)
}

// GetFeature returns a cached feature decision or nil on miss
func (c *RedisDecisionCache) GetFeature(ctx context.Context, userID, companyID int64, featureKey, action string) (*CachedDecision, error) {
	return c.getDecision(ctx, decisionKey(companyID, userID), featureField(featureKey, action))
}

// SetFeature stores a feature decision
func (c *RedisDecisionCache) SetFeature(ctx context.Context, userID, companyID int64, featureKey, action string, decision CachedDecision) error {
	return c.setDecision(ctx, decisionKey(companyID, userID), featureField(featureKey, action), decision)
}

// GetNavigation returns a cached navigation payload or nil on miss
func (c *RedisDecisionCache) GetNavigation(ctx context.Context, userID, companyID int64) ([]byte, error) {
	raw, err := c.client.HGet(ctx, decisionKey(companyID, userID), navigationField).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached navigation: %w", err)
	}
	var envelope navEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode cached navigation: %w", err)
	}
	if !time.Now().UTC().Before(envelope.ExpiresAt) {
		return nil, nil
	}
	return envelope.Payload, nil
}

// SetNavigation stores a navigation payload
func (c *RedisDecisionCache) SetNavigation(ctx context.Context, userID, companyID int64, payload []byte, ttl time.Duration) error {
	raw, err := json.Marshal(navEnvelope{
		Payload:   json.RawMessage(payload),
		ExpiresAt: time.Now().UTC().Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to encode navigation: %w", err)
	}
	key := decisionKey(companyID, userID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, navigationField, raw)
	pipe.Expire(ctx, key, c.hashTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write cached navigation: %w", err)
	}
	return nil
}

// Invalidate drops every decision for one (user, company) pair
func (c *RedisDecisionCache) Invalidate(ctx context.Context, userID, companyID int64) error {
	if err := c.client.Del(ctx, decisionKey(companyID, userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate decisions: %w", err)
	}
	return nil
}

// InvalidateCompany drops every decision for one company
func (c *RedisDecisionCache) InvalidateCompany(ctx context.Context, companyID int64) error {
	return c.deleteByPattern(ctx, fmt.Sprintf("iam:decisions:%d:*", companyID))
}

// InvalidateAll flushes the whole decision cache
func (c *RedisDecisionCache) InvalidateAll(ctx context.Context) error {
	return c.deleteByPattern(ctx, "iam:decisions:*")
}

func (c *RedisDecisionCache) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan decision keys: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete decision keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close releases the redis connection
func (c *RedisDecisionCache) Close() error {
	return c.client.Close()
}
