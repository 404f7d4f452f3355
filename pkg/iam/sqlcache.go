package iam

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLDecisionCache stores decisions in the effective-permission tables,
// with expires_at used purely as a filter predicate on read. Expired rows
// are overwritten lazily; the background sweeper only reclaims space.
type SQLDecisionCache struct {
	db *sql.DB
}

// NewSQLDecisionCache creates a database-backed decision cache
func NewSQLDecisionCache(db *sql.DB) *SQLDecisionCache {
	return &SQLDecisionCache{db: db}
}

// GetView returns a cached view decision or nil on miss
func (c *SQLDecisionCache) GetView(ctx context.Context, userID, companyID, viewID int64) (*CachedDecision, error) {
	query := `
		SELECT allowed, computed_at, expires_at
		FROM effective_view_permissions
		WHERE user_id = $1 AND company_id = $2 AND view_id = $3 AND expires_at > $4
	`
	var decision CachedDecision
	err := c.db.QueryRowContext(ctx, query, userID, companyID, viewID, time.Now().UTC()).Scan(
		&decision.Allowed, &decision.ComputedAt, &decision.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read view decision: %w", err)
	}
	return &decision, nil
}

// SetView stores a view decision, overwriting any previous row
func (c *SQLDecisionCache) SetView(ctx context.Context, userID, companyID, viewID int64, decision CachedDecision) error {
	// Delete-then-insert keeps the upsert portable across postgres and
	// sqlite; entries are independent so the non-atomic pair is harmless.
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM effective_view_permissions WHERE user_id = $1 AND company_id = $2 AND view_id = $3`,
		userID, companyID, viewID)
	if err != nil {
		return fmt.Errorf("failed to clear view decision: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO effective_view_permissions (user_id, company_id, view_id, allowed, computed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, userID, companyID, viewID, decision.Allowed, decision.ComputedAt, decision.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to write view decision: %w", err)
	}
	return nil
}

// GetFeature returns a cached feature decision or nil on miss
func (c *SQLDecisionCache) GetFeature(ctx context.Context, userID, companyID int64, featureKey, action string) (*CachedDecision, error) {
	query := `
		SELECT allowed, scope, computed_at, expires_at
		FROM effective_feature_permissions
		WHERE user_id = $1 AND company_id = $2 AND feature_key = $3 AND action = $4 AND expires_at > $5
	`
	var decision CachedDecision
	var scope sql.NullString
	err := c.db.QueryRowContext(ctx, query, userID, companyID, featureKey, action, time.Now().UTC()).Scan(
		&decision.Allowed, &scope, &decision.ComputedAt, &decision.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read feature decision: %w", err)
	}
	decision.Scope = Scope(scope.String)
	return &decision, nil
}

// SetFeature stores a feature decision, overwriting any previous row
func (c *SQLDecisionCache) SetFeature(ctx context.Context, userID, companyID int64, featureKey, action string, decision CachedDecision) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM effective_feature_permissions WHERE user_id = $1 AND company_id = $2 AND feature_key = $3 AND action = $4`,
		userID, companyID, featureKey, action)
	if err != nil {
		return fmt.Errorf("failed to clear feature decision: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO effective_feature_permissions (user_id, company_id, feature_key, action, allowed, scope, computed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, userID, companyID, featureKey, action, decision.Allowed, string(decision.Scope),
		decision.ComputedAt, decision.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to write feature decision: %w", err)
	}
	return nil
}

// GetNavigation returns a cached navigation payload or nil on miss
func (c *SQLDecisionCache) GetNavigation(ctx context.Context, userID, companyID int64) ([]byte, error) {
	query := `
		SELECT payload
		FROM navigation_cache
		WHERE user_id = $1 AND company_id = $2 AND expires_at > $3
	`
	var payload []byte
	err := c.db.QueryRowContext(ctx, query, userID, companyID, time.Now().UTC()).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read navigation cache: %w", err)
	}
	return payload, nil
}

// SetNavigation stores a navigation payload
func (c *SQLDecisionCache) SetNavigation(ctx context.Context, userID, companyID int64, payload []byte, ttl time.Duration) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM navigation_cache WHERE user_id = $1 AND company_id = $2`,
		userID, companyID)
	if err != nil {
		return fmt.Errorf("failed to clear navigation cache: %w", err)
	}
	now := time.Now().UTC()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO navigation_cache (user_id, company_id, payload, computed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, userID, companyID, payload, now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to write navigation cache: %w", err)
	}
	return nil
}

// Invalidate drops every entry for one (user, company) pair
func (c *SQLDecisionCache) Invalidate(ctx context.Context, userID, companyID int64) error {
	for _, query := range []string{
		`DELETE FROM effective_view_permissions WHERE user_id = $1 AND company_id = $2`,
		`DELETE FROM effective_feature_permissions WHERE user_id = $1 AND company_id = $2`,
		`DELETE FROM navigation_cache WHERE user_id = $1 AND company_id = $2`,
	} {
		if _, err := c.db.ExecContext(ctx, query, userID, companyID); err != nil {
			return fmt.Errorf("failed to invalidate decisions: %w", err)
		}
	}
	return nil
}

// InvalidateCompany drops every entry for one company
func (c *SQLDecisionCache) InvalidateCompany(ctx context.Context, companyID int64) error {
	for _, query := range []string{
		`DELETE FROM effective_view_permissions WHERE company_id = $1`,
		`DELETE FROM effective_feature_permissions WHERE company_id = $1`,
		`DELETE FROM navigation_cache WHERE company_id = $1`,
	} {
		if _, err := c.db.ExecContext(ctx, query, companyID); err != nil {
			return fmt.Errorf("failed to invalidate company decisions: %w", err)
		}
	}
	return nil
}

// InvalidateAll drops everything
func (c *SQLDecisionCache) InvalidateAll(ctx context.Context) error {
	for _, query := range []string{
		`DELETE FROM effective_view_permissions`,
		`DELETE FROM effective_feature_permissions`,
		`DELETE FROM navigation_cache`,
	} {
		if _, err := c.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to flush decision cache: %w", err)
		}
	}
	return nil
}

// SweepExpired deletes rows past their expiry. Best-effort housekeeping
// run from the background sweeper; correctness never depends on it.
func (c *SQLDecisionCache) SweepExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	var total int64
	for _, query := range []string{
		`DELETE FROM effective_view_permissions WHERE expires_at <= $1`,
		`DELETE FROM effective_feature_permissions WHERE expires_at <= $1`,
		`DELETE FROM navigation_cache WHERE expires_at <= $1`,
	} {
		result, err := c.db.ExecContext(ctx, query, now)
		if err != nil {
			return total, fmt.Errorf("failed to sweep expired decisions: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// Close is a no-op; the database handle is shared and owned by the caller
func (c *SQLDecisionCache) Close() error {
	return nil
}
