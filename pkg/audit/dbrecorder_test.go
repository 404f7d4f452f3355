package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

func TestNewDBRecorder(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_log").WillReturnResult(sqlmock.NewResult(0, 0))

		recorder, err := NewDBRecorder(db, 10000)
		require.NoError(t, err)
		assert.NotNil(t, recorder)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil database", func(t *testing.T) {
		recorder, err := NewDBRecorder(nil, 10000)
		assert.Error(t, err)
		assert.Nil(t, recorder)
		assert.Contains(t, err.Error(), "database connection is required")
	})

	t.Run("defaults cap", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_log").WillReturnResult(sqlmock.NewResult(0, 0))

		recorder, err := NewDBRecorder(db, 0)
		require.NoError(t, err)
		assert.Equal(t, 10000, recorder.cap)
	})

	t.Run("table creation error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_log").WillReturnError(errors.New("table creation failed"))

		recorder, err := NewDBRecorder(db, 10000)
		assert.Error(t, err)
		assert.Nil(t, recorder)
		assert.Contains(t, err.Error(), "failed to ensure audit_log table")
	})
}

func TestDBRecorder_Record(t *testing.T) {
	t.Run("success with changes", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		recorder := &DBRecorder{db: db, cap: 10000}
		ctx := context.Background()

		changes := &ChangeSet{
			Added:        []string{"view:12"},
			Removed:      []string{"view:9"},
			AddedCount:   1,
			RemovedCount: 1,
			AllowCount:   1,
			DenyCount:    0,
		}
		changesJSON, _ := json.Marshal(changes)

		entry := &Entry{
			Timestamp:  time.Now().UTC(),
			CompanyID:  42,
			ActorID:    7,
			Action:     ActionViewPermissionsReplace,
			EntityType: EntityUserLevel,
			EntityID:   3,
			Changes:    changes,
		}

		mock.ExpectQuery("INSERT INTO audit_log").
			WithArgs(
				sqlmock.AnyArg(), entry.CompanyID, entry.ActorID,
				entry.Action, entry.EntityType, entry.EntityID,
				1, 1, 1, 0,
				changesJSON, nil,
			).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))
		mock.ExpectExec("DELETE FROM audit_log").
			WithArgs(10000).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := recorder.Record(ctx, entry)
		assert.NoError(t, err)
		assert.Equal(t, int64(5), entry.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cap eviction observed", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		recorder := &DBRecorder{db: db, cap: 100}
		var evicted int64
		recorder.OnEvict(func(n int64) { evicted += n })

		mock.ExpectQuery("INSERT INTO audit_log").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(101))
		mock.ExpectExec("DELETE FROM audit_log").
			WithArgs(100).
			WillReturnResult(sqlmock.NewResult(0, 3))

		entry := &Entry{
			CompanyID:  1,
			ActorID:    2,
			Action:     ActionRoleCreate,
			EntityType: EntityUserLevel,
			EntityID:   9,
		}
		err := recorder.Record(context.Background(), entry)
		assert.NoError(t, err)
		assert.Equal(t, int64(3), evicted)
		assert.False(t, entry.Timestamp.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		recorder := &DBRecorder{db: db, cap: 10000}

		mock.ExpectQuery("INSERT INTO audit_log").WillReturnError(errors.New("connection lost"))

		err := recorder.Record(context.Background(), &Entry{
			CompanyID: 1, ActorID: 2, Action: ActionRoleCreate,
			EntityType: EntityUserLevel, EntityID: 1,
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert audit entry")
	})
}

func TestDBRecorder_Search(t *testing.T) {
	t.Run("filters by company actor and actions", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		recorder := &DBRecorder{db: db, cap: 10000}
		companyID := int64(42)
		actorID := int64(7)
		now := time.Now().UTC()

		changes := &ChangeSet{AddedCount: 2, AllowCount: 2}
		changesJSON, _ := json.Marshal(changes)

		rows := sqlmock.NewRows([]string{
			"id", "timestamp", "company_id", "actor_id", "action",
			"entity_type", "entity_id", "changes", "metadata",
		}).AddRow(int64(9), now, companyID, actorID,
			string(ActionRoleCreate), string(EntityUserLevel), int64(3),
			changesJSON, nil)

		mock.ExpectQuery("SELECT id, timestamp, company_id, actor_id").
			WithArgs(companyID, actorID, pq.Array([]string{string(ActionRoleCreate)}), 50).
			WillReturnRows(rows)

		entries, err := recorder.Search(context.Background(), Filter{
			CompanyID: &companyID,
			ActorID:   &actorID,
			Actions:   []Action{ActionRoleCreate},
			Limit:     50,
		})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, int64(9), entries[0].ID)
		assert.Equal(t, companyID, entries[0].CompanyID)
		require.NotNil(t, entries[0].Changes)
		assert.Equal(t, 2, entries[0].Changes.AddedCount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		recorder := &DBRecorder{db: db, cap: 10000}
		mock.ExpectQuery("SELECT id, timestamp").WillReturnError(errors.New("bad query"))

		entries, err := recorder.Search(context.Background(), Filter{})
		assert.Error(t, err)
		assert.Nil(t, entries)
	})
}

func TestDBRecorder_Stats(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	recorder := &DBRecorder{db: db, cap: 10000}
	companyID := int64(42)

	mock.ExpectQuery(`SELECT COUNT\(\*\), COUNT\(DISTINCT actor_id\)`).
		WithArgs(companyID).
		WillReturnRows(sqlmock.NewRows([]string{"count", "actors", "allowed", "denied"}).
			AddRow(int64(12), int64(3), int64(20), int64(5)))
	mock.ExpectQuery("SELECT action, COUNT").
		WithArgs(companyID).
		WillReturnRows(sqlmock.NewRows([]string{"action", "count"}).
			AddRow(string(ActionRoleCreate), int64(4)).
			AddRow(string(ActionUserRolesReplace), int64(8)))
	mock.ExpectQuery("SELECT entity_type, COUNT").
		WithArgs(companyID).
		WillReturnRows(sqlmock.NewRows([]string{"entity_type", "count"}).
			AddRow(string(EntityUserLevel), int64(4)).
			AddRow(string(EntityUser), int64(8)))

	stats, err := recorder.Stats(context.Background(), &companyID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12), stats.TotalEntries)
	assert.Equal(t, int64(3), stats.UniqueActors)
	assert.Equal(t, int64(20), stats.AllowedTotal)
	assert.Equal(t, int64(5), stats.DeniedTotal)
	assert.Equal(t, int64(4), stats.ByAction[ActionRoleCreate])
	assert.Equal(t, int64(8), stats.ByEntityType[EntityUser])
	assert.NoError(t, mock.ExpectationsWereMet())
}
