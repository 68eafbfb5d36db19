package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/models"
)

func openTestStore(t *testing.T, dim int) *SQLiteStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), dim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_VectorCRUD(t *testing.T) {
	store := openTestStore(t, 3)
	ctx := context.Background()

	id, err := store.Insert(ctx, []float32{3, 4, 0}, map[string]any{"k": "v"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4, 0}, got.Embedding)
	assert.InDelta(t, 5.0, got.Norm, 1e-9)
	assert.Equal(t, "v", got.Metadata["k"])
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, store.Update(ctx, id, map[string]any{"k": "w"}))
	got, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "w", got.Metadata["k"])

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, store.Delete(ctx, id))
	_, err = store.Get(ctx, id)
	assert.ErrorIs(t, err, dberr.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, id), dberr.ErrNotFound)
	assert.ErrorIs(t, store.Update(ctx, id, nil), dberr.ErrNotFound)
}

func TestSQLiteStore_DimensionEnforced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dim.db")
	store, err := Open(path, 3)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Insert(ctx, []float32{1, 2}, nil)
	assert.ErrorIs(t, err, dberr.ErrInvalidDimension)
	require.NoError(t, store.Close())

	_, err = Open(path, 4)
	assert.ErrorIs(t, err, dberr.ErrInvalidDimension)

	reopened, err := Open(path, 0)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 3, reopened.Dimension())

	_, err = Open(filepath.Join(t.TempDir(), "fresh.db"), 0)
	assert.ErrorIs(t, err, dberr.ErrInvalidArgument)
}

func TestSQLiteStore_InsertWithIDDuplicate(t *testing.T) {
	store := openTestStore(t, 2)
	ctx := context.Background()
	rec := &models.VectorRecord{ID: "a", Embedding: []float32{1, 0}}
	require.NoError(t, store.InsertWithID(ctx, rec))
	err := store.InsertWithID(ctx, &models.VectorRecord{ID: "a", Embedding: []float32{0, 1}})
	assert.ErrorIs(t, err, dberr.ErrDuplicateID)
	assert.False(t, dberr.IsTransient(err))
}

func TestSQLiteStore_DurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.db")
	store, err := Open(path, 2)
	require.NoError(t, err)
	id, err := store.Insert(context.Background(), []float32{1, 1}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path, 2)
	require.NoError(t, err)
	defer reopened.Close()
	_, err = reopened.Get(context.Background(), id)
	require.NoError(t, err)
}

func TestSQLiteStore_ScanOrderAndPredicate(t *testing.T) {
	store := openTestStore(t, 1)
	ctx := context.Background()
	for i, id := range []string{"x", "y", "z"} {
		require.NoError(t, store.InsertWithID(ctx, &models.VectorRecord{
			ID:        id,
			Embedding: []float32{float32(i)},
			Metadata:  map[string]any{"even": i%2 == 0},
		}))
	}
	var all []string
	for rec, err := range store.Scan(ctx, nil) {
		require.NoError(t, err)
		all = append(all, rec.ID)
	}
	assert.Equal(t, []string{"x", "y", "z"}, all)

	var even []string
	for rec, err := range store.Scan(ctx, func(r *models.VectorRecord) bool { return r.Metadata["even"] == true }) {
		require.NoError(t, err)
		even = append(even, rec.ID)
	}
	assert.Equal(t, []string{"x", "z"}, even)

	// early break must not leak the cursor
	for range store.Scan(ctx, nil) {
		break
	}
	_, err := store.Insert(ctx, []float32{9}, nil)
	require.NoError(t, err)
}

func TestSQLiteStore_ConcurrentReadersDuringWrites(t *testing.T) {
	store := openTestStore(t, 2)
	ctx := context.Background()
	seed, err := store.Insert(ctx, []float32{1, 0}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := store.Insert(ctx, []float32{0, float32(i)}, nil); err != nil {
					errs <- err
				}
			}
		}()
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := store.Get(ctx, seed); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 41, n)
}

func TestSQLiteStore_SessionsAndExperiences(t *testing.T) {
	store := openTestStore(t, 2)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	sess := &models.Session{ID: "s1", UserID: "u", SessionType: "coding", Status: models.SessionActive,
		Algorithm: "q_learning", PolicyRef: "p1", StartedAt: now}
	require.NoError(t, store.SaveSession(ctx, sess))

	exp := &models.Experience{ID: "e1", SessionID: "s1", ToolName: "grep", Action: "grep",
		Reward: 0.5, Breakdown: models.RewardBreakdown{Combined: 0.75}, Timestamp: now}
	require.NoError(t, store.SaveExperience(ctx, exp))

	orphan := &models.Experience{ID: "e2", SessionID: "missing", Action: "x", Timestamp: now}
	assert.ErrorIs(t, store.SaveExperience(ctx, orphan), dberr.ErrNotFound)

	require.NoError(t, store.SaveExperience(ctx, &models.Experience{ID: "e3", SessionID: "s1", Action: "y", Timestamp: now}))
	require.NoError(t, store.DeleteExperience(ctx, "e3"))
	assert.ErrorIs(t, store.DeleteExperience(ctx, "e3"), dberr.ErrNotFound)
	_, err := store.GetExperience(ctx, "e3")
	assert.ErrorIs(t, err, dberr.ErrNotFound)

	require.NoError(t, store.UpdateExperienceReward(ctx, "e1", 0.9, models.RewardBreakdown{Combined: 0.95}))
	got, err := store.GetExperience(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 0.9, got.Reward)
	assert.Equal(t, 0.95, got.Breakdown.Combined)

	list, err := store.ListExperiences(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	n, err := store.CountExperiences(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	ended := now.Add(time.Minute)
	sess.Status = models.SessionEnded
	sess.EndedAt = &ended
	policy := &PolicyBlob{Ref: "p1", SessionID: "s1", Algorithm: "q_learning", Data: []byte(`{"q":1}`)}
	require.NoError(t, store.SaveSessionWithPolicy(ctx, sess, policy))

	loaded, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, loaded.Status)
	require.NotNil(t, loaded.EndedAt)

	open, err := store.ListSessions(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, open)
	all, err := store.ListSessions(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	p, err := store.LoadPolicy(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, policy.Data, p.Data)
	_, err = store.LoadPolicy(ctx, "nope")
	assert.ErrorIs(t, err, dberr.ErrNotFound)
}

func TestSQLiteStore_Clear(t *testing.T) {
	store := openTestStore(t, 2)
	ctx := context.Background()
	n, err := store.Clear(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.InsertWithID(ctx, &models.VectorRecord{ID: id, Embedding: []float32{1, 0}}))
	}
	n, err = store.Clear(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	require.NoError(t, store.InsertWithID(ctx, &models.VectorRecord{ID: "a", Embedding: []float32{0, 1}}))
}

func TestSQLiteStore_Quantizer(t *testing.T) {
	store := openTestStore(t, 2)
	ctx := context.Background()
	_, err := store.LoadQuantizer(ctx)
	assert.ErrorIs(t, err, dberr.ErrNotFound)
	require.NoError(t, store.SaveQuantizer(ctx, []byte("state-1")))
	require.NoError(t, store.SaveQuantizer(ctx, []byte("state-2")))
	state, err := store.LoadQuantizer(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("state-2"), state)
}

func TestSQLiteStore_DiskUsage(t *testing.T) {
	store := openTestStore(t, 2)
	_, err := store.Insert(context.Background(), []float32{1, 2}, nil)
	require.NoError(t, err)
	n, err := store.DiskUsage()
	require.NoError(t, err)
	assert.Greater(t, n, int64(0))
}
