package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/hotswap/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func createTestRun(t *testing.T, store Store, id string, started time.Time) *domain.RunRecord {
	t.Helper()
	run := &domain.RunRecord{
		ID:        id,
		Platform:  "linux",
		Status:    string(domain.StageNotStarted),
		StartedAt: started,
	}
	require.NoError(t, store.CreateRun(context.Background(), run))
	return run
}

// =============================================================================
// Run Tests
// =============================================================================

func TestCreateAndGetRun(t *testing.T) {
	store := setupTestStore(t)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	createTestRun(t, store, "run-1", started)

	got, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "linux", got.Platform)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Nil(t, got.FinishedAt)
}

func TestCreateRun_DuplicateID(t *testing.T) {
	store := setupTestStore(t)
	createTestRun(t, store, "run-1", time.Now())

	err := store.CreateRun(context.Background(), &domain.RunRecord{ID: "run-1", Platform: "linux", Status: "x", StartedAt: time.Now()})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestGetRun_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinishRun(t *testing.T) {
	store := setupTestStore(t)
	run := createTestRun(t, store, "run-1", time.Now())

	finished := time.Now().UTC()
	run.Status = string(domain.StageFailed)
	run.FailedStage = string(domain.StageVerifyingInstall)
	run.ExitCode = domain.ExitVerifyInstall
	run.Version = "1.31.4"
	run.Error = "installed artifact is 0 bytes"
	run.FinishedAt = &finished
	require.NoError(t, store.FinishRun(context.Background(), run))

	got, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.StageFailed), got.Status)
	assert.Equal(t, string(domain.StageVerifyingInstall), got.FailedStage)
	assert.Equal(t, domain.ExitVerifyInstall, got.ExitCode)
	assert.Equal(t, "1.31.4", got.Version)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(finished))
}

func TestFinishRun_NotFound(t *testing.T) {
	store := setupTestStore(t)

	err := store.FinishRun(context.Background(), &domain.RunRecord{ID: "missing", StartedAt: time.Now()})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRuns_NewestFirst(t *testing.T) {
	store := setupTestStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	createTestRun(t, store, "old", base)
	createTestRun(t, store, "newer", base.Add(500*time.Millisecond))
	createTestRun(t, store, "newest", base.Add(time.Second))

	runs, err := store.ListRuns(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "newest", runs[0].ID)
	assert.Equal(t, "newer", runs[1].ID)

	all, err := store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// =============================================================================
// Stage Tests
// =============================================================================

func TestRecordAndListStages(t *testing.T) {
	store := setupTestStore(t)
	createTestRun(t, store, "run-1", time.Now())

	start := time.Now().UTC()
	records := []domain.StageRecord{
		{Stage: domain.StageStopping, StartedAt: start, FinishedAt: start.Add(time.Second)},
		{Stage: domain.StageConfiguring, StartedAt: start.Add(time.Second), FinishedAt: start.Add(time.Second), Skipped: true},
		{Stage: domain.StageBuilding, StartedAt: start.Add(time.Second), FinishedAt: start.Add(time.Minute), Error: "exit 2"},
	}
	for _, rec := range records {
		require.NoError(t, store.RecordStage(context.Background(), "run-1", rec))
	}

	got, err := store.ListStages(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, domain.StageStopping, got[0].Stage)
	assert.True(t, got[1].Skipped)
	assert.Equal(t, "exit 2", got[2].Error)
	assert.Equal(t, time.Minute-time.Second, got[2].Duration())
}

func TestRecordStage_UnknownRun(t *testing.T) {
	store := setupTestStore(t)

	err := store.RecordStage(context.Background(), "missing", domain.StageRecord{Stage: domain.StageStopping, StartedAt: time.Now(), FinishedAt: time.Now()})
	assert.ErrorIs(t, err, ErrForeignKey)
}

func TestStoreError_Message(t *testing.T) {
	err := NewStoreError("GetRun", "abc", "run not found", ErrNotFound)
	assert.Equal(t, "GetRun run abc: run not found", err.Error())
	assert.ErrorIs(t, err, ErrNotFound)

	noID := NewStoreError("NewSQLiteStore", "", "failed to ping database", ErrConnectionFailed)
	assert.Equal(t, "NewSQLiteStore: failed to ping database", noID.Error())
}
