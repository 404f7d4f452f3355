package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DBRecorder persists audit entries to PostgreSQL and enforces the global
// entry cap on every write.
type DBRecorder struct {
	db  *sql.DB
	cap int

	// onEvict, when set, observes how many entries a write evicted.
	onEvict func(n int64)
}

// NewDBRecorder creates a database-backed recorder. maxEntries bounds the
// log globally; zero or negative falls back to 10000.
func NewDBRecorder(db *sql.DB, maxEntries int) (*DBRecorder, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}

	r := &DBRecorder{db: db, cap: maxEntries}
	if err := r.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_log table: %w", err)
	}
	return r, nil
}

// OnEvict registers a callback observing capacity evictions
func (r *DBRecorder) OnEvict(fn func(n int64)) {
	r.onEvict = fn
}

func (r *DBRecorder) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		company_id BIGINT NOT NULL,
		actor_id BIGINT NOT NULL,
		action VARCHAR(100) NOT NULL,
		entity_type VARCHAR(50) NOT NULL,
		entity_id BIGINT NOT NULL,
		added_count INTEGER NOT NULL DEFAULT 0,
		removed_count INTEGER NOT NULL DEFAULT 0,
		allow_count INTEGER NOT NULL DEFAULT 0,
		deny_count INTEGER NOT NULL DEFAULT 0,
		changes JSONB,
		metadata JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_log_company_id ON audit_log(company_id);
	CREATE INDEX IF NOT EXISTS idx_audit_log_actor_id ON audit_log(actor_id);
	CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action);
	CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(entity_type, entity_id);
	`

	_, err := r.db.Exec(query)
	return err
}

// Record appends one entry and trims the log to the cap, oldest first. The
// trim is part of the same call so the cap holds after every successful
// write, even when the evicted entries belong to other tenants.
func (r *DBRecorder) Record(ctx context.Context, entry *Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var changesJSON, metadataJSON []byte
	var err error
	if entry.Changes != nil {
		if changesJSON, err = json.Marshal(entry.Changes); err != nil {
			return fmt.Errorf("failed to marshal changes: %w", err)
		}
	}
	if entry.Metadata != nil {
		if metadataJSON, err = json.Marshal(entry.Metadata); err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	var addedCount, removedCount, allowCount, denyCount int
	if entry.Changes != nil {
		addedCount = entry.Changes.AddedCount
		removedCount = entry.Changes.RemovedCount
		allowCount = entry.Changes.AllowCount
		denyCount = entry.Changes.DenyCount
	}

	query := `
		INSERT INTO audit_log (
			timestamp, company_id, actor_id, action, entity_type, entity_id,
			added_count, removed_count, allow_count, deny_count, changes, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`

	err = r.db.QueryRowContext(ctx, query,
		entry.Timestamp, entry.CompanyID, entry.ActorID, entry.Action,
		entry.EntityType, entry.EntityID,
		addedCount, removedCount, allowCount, denyCount,
		nullableJSON(changesJSON), nullableJSON(metadataJSON),
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE id NOT IN (SELECT id FROM audit_log ORDER BY id DESC LIMIT $1)`,
		r.cap,
	)
	if err != nil {
		return fmt.Errorf("failed to enforce audit cap: %w", err)
	}
	if r.onEvict != nil {
		if evicted, err := result.RowsAffected(); err == nil && evicted > 0 {
			r.onEvict(evicted)
		}
	}

	return nil
}

// Search returns matching entries, newest first
func (r *DBRecorder) Search(ctx context.Context, filter Filter) ([]*Entry, error) {
	query := `
		SELECT id, timestamp, company_id, actor_id, action, entity_type, entity_id, changes, metadata
		FROM audit_log
		WHERE 1=1
	`

	args := []interface{}{}
	argCount := 1

	if filter.CompanyID != nil {
		query += fmt.Sprintf(" AND company_id = $%d", argCount)
		args = append(args, *filter.CompanyID)
		argCount++
	}
	if filter.ActorID != nil {
		query += fmt.Sprintf(" AND actor_id = $%d", argCount)
		args = append(args, *filter.ActorID)
		argCount++
	}
	if filter.EntityType != "" {
		query += fmt.Sprintf(" AND entity_type = $%d", argCount)
		args = append(args, string(filter.EntityType))
		argCount++
	}
	if len(filter.Actions) > 0 {
		query += fmt.Sprintf(" AND action = ANY($%d)", argCount)
		actionStrs := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actionStrs[i] = string(a)
		}
		args = append(args, pq.Array(actionStrs))
		argCount++
	}
	if filter.Start != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *filter.Start)
		argCount++
	}
	if filter.End != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, *filter.End)
		argCount++
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0)
	for rows.Next() {
		entry := &Entry{}
		var changesJSON, metadataJSON []byte

		err := rows.Scan(
			&entry.ID, &entry.Timestamp, &entry.CompanyID, &entry.ActorID,
			&entry.Action, &entry.EntityType, &entry.EntityID,
			&changesJSON, &metadataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		if len(changesJSON) > 0 {
			entry.Changes = &ChangeSet{}
			if err := json.Unmarshal(changesJSON, entry.Changes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
			}
		}
		if len(metadataJSON) > 0 {
			entry.Metadata = make(map[string]interface{})
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return entries, nil
}

// Stats aggregates entries for an optional company and time range
func (r *DBRecorder) Stats(ctx context.Context, companyID *int64, start, end *time.Time) (*Stats, error) {
	stats := &Stats{
		ByAction:     make(map[Action]int64),
		ByEntityType: make(map[EntityType]int64),
	}

	whereClause := "WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	if companyID != nil {
		whereClause += fmt.Sprintf(" AND company_id = $%d", argCount)
		args = append(args, *companyID)
		argCount++
	}
	if start != nil {
		whereClause += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *start)
		argCount++
	}
	if end != nil {
		whereClause += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, *end)
	}

	err := r.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*), COUNT(DISTINCT actor_id), COALESCE(SUM(allow_count), 0), COALESCE(SUM(deny_count), 0) FROM audit_log %s`, whereClause),
		args...,
	).Scan(&stats.TotalEntries, &stats.UniqueActors, &stats.AllowedTotal, &stats.DeniedTotal)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit stats: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf("SELECT action, COUNT(*) FROM audit_log %s GROUP BY action", whereClause),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate by action: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var action Action
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		stats.ByAction[action] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.QueryContext(ctx,
		fmt.Sprintf("SELECT entity_type, COUNT(*) FROM audit_log %s GROUP BY entity_type", whereClause),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate by entity type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var entityType EntityType
		var count int64
		if err := rows.Scan(&entityType, &count); err != nil {
			return nil, err
		}
		stats.ByEntityType[entityType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

// Close is a no-op; the database handle is shared and owned by the caller
func (r *DBRecorder) Close() error {
	return nil
}

// nullableJSON maps empty JSON to NULL so JSONB columns stay clean
func nullableJSON(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	return data
}
