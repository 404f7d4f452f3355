package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemRecorder_Record(t *testing.T) {
	recorder := NewMemRecorder(100)
	ctx := context.Background()

	entry := &Entry{
		CompanyID:  42,
		ActorID:    7,
		Action:     ActionRoleCreate,
		EntityType: EntityUserLevel,
		EntityID:   3,
	}
	require.NoError(t, recorder.Record(ctx, entry))
	assert.Equal(t, int64(1), entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
}

func TestMemRecorder_CapEvictsOldestFirst(t *testing.T) {
	recorder := NewMemRecorder(10)
	ctx := context.Background()

	var evicted int64
	recorder.OnEvict(func(n int64) { evicted += n })

	// Mix tenants so eviction provably ignores company boundaries.
	for i := 0; i < 25; i++ {
		err := recorder.Record(ctx, &Entry{
			CompanyID:  int64(i%3 + 1),
			ActorID:    int64(i),
			Action:     ActionUserRolesReplace,
			EntityType: EntityUser,
			EntityID:   int64(i),
		})
		require.NoError(t, err)
	}

	assert.Equal(t, int64(15), evicted)

	entries, err := recorder.Search(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 10)

	// Newest first: IDs 25 down to 16; everything older is gone.
	assert.Equal(t, int64(25), entries[0].ID)
	assert.Equal(t, int64(16), entries[len(entries)-1].ID)
}

func TestMemRecorder_Search(t *testing.T) {
	recorder := NewMemRecorder(100)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		action := ActionRoleCreate
		if i%2 == 0 {
			action = ActionModuleToggle
		}
		require.NoError(t, recorder.Record(ctx, &Entry{
			CompanyID:  int64(i%2 + 1),
			ActorID:    int64(100 + i),
			Action:     action,
			EntityType: EntityModule,
			EntityID:   int64(i),
		}))
	}

	t.Run("by company", func(t *testing.T) {
		companyID := int64(1)
		entries, err := recorder.Search(ctx, Filter{CompanyID: &companyID})
		require.NoError(t, err)
		assert.Len(t, entries, 3)
		for _, e := range entries {
			assert.Equal(t, companyID, e.CompanyID)
		}
	})

	t.Run("by action", func(t *testing.T) {
		entries, err := recorder.Search(ctx, Filter{Actions: []Action{ActionModuleToggle}})
		require.NoError(t, err)
		assert.Len(t, entries, 3)
	})

	t.Run("limit and offset", func(t *testing.T) {
		entries, err := recorder.Search(ctx, Filter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		// Newest first, skipping the newest one.
		assert.Equal(t, int64(5), entries[0].ID)
		assert.Equal(t, int64(4), entries[1].ID)
	})

	t.Run("offset past end", func(t *testing.T) {
		entries, err := recorder.Search(ctx, Filter{Offset: 50})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("time range", func(t *testing.T) {
		future := time.Now().Add(time.Hour)
		entries, err := recorder.Search(ctx, Filter{Start: &future})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestMemRecorder_Stats(t *testing.T) {
	recorder := NewMemRecorder(100)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, recorder.Record(ctx, &Entry{
			CompanyID:  1,
			ActorID:    int64(i % 2),
			Action:     ActionViewPermissionsReplace,
			EntityType: EntityUserLevel,
			EntityID:   int64(i),
			Changes:    &ChangeSet{AllowCount: 2, DenyCount: 1},
		}))
	}
	require.NoError(t, recorder.Record(ctx, &Entry{
		CompanyID:  2,
		ActorID:    99,
		Action:     ActionRoleDelete,
		EntityType: EntityUserLevel,
		EntityID:   5,
	}))

	companyID := int64(1)
	stats, err := recorder.Stats(ctx, &companyID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalEntries)
	assert.Equal(t, int64(2), stats.UniqueActors)
	assert.Equal(t, int64(8), stats.AllowedTotal)
	assert.Equal(t, int64(4), stats.DeniedTotal)
	assert.Equal(t, int64(4), stats.ByAction[ActionViewPermissionsReplace])

	all, err := recorder.Stats(ctx, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), all.TotalEntries)
}

func TestMemRecorder_ConcurrentRecord(t *testing.T) {
	recorder := NewMemRecorder(50)
	ctx := context.Background()

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			done <- recorder.Record(ctx, &Entry{
				CompanyID:  1,
				ActorID:    int64(i),
				Action:     ActionRoleUpdate,
				EntityType: EntityUserLevel,
				EntityID:   int64(i),
			})
		}(i)
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-done, fmt.Sprintf("record %d", i))
	}

	entries, err := recorder.Search(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}
