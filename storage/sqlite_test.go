package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgvmax_archiver/models"
)

func newTestLedger(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunLifecycle(t *testing.T) {
	store := newTestLedger(t)

	run := &models.RefreshRun{
		CycleID:   "c-1",
		Dataset:   "tgvmax",
		StartedAt: time.Now().Add(-time.Minute),
		Status:    models.RunStatusRunning,
	}
	id, err := store.CreateRun(run)
	require.NoError(t, err)
	run.ID = id

	now := time.Now()
	run.FinishedAt = &now
	run.CapturedAt = &now
	run.Status = models.RunStatusCompleted
	run.RowsFetched = 10
	run.RowsInserted = 4
	run.RowsTotal = 40
	run.Partitions = 3
	require.NoError(t, store.UpdateRun(run))

	runs, err := store.GetRecentRuns("tgvmax", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	got := runs[0]
	assert.Equal(t, "c-1", got.CycleID)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.EqualValues(t, 4, got.RowsInserted)
	assert.Equal(t, 3, got.Partitions)
	require.NotNil(t, got.FinishedAt)
	require.NotNil(t, got.CapturedAt)
	assert.Empty(t, got.Error)
}

func TestRecentRunsNewestFirst(t *testing.T) {
	store := newTestLedger(t)
	base := time.Now().Add(-time.Hour)

	for i, cycle := range []string{"a", "b", "c"} {
		_, err := store.CreateRun(&models.RefreshRun{
			CycleID:   cycle,
			Dataset:   "tgvmax",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Status:    models.RunStatusRunning,
		})
		require.NoError(t, err)
	}

	runs, err := store.GetRecentRuns("tgvmax", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].CycleID)
	assert.Equal(t, "b", runs[1].CycleID)
	assert.Nil(t, runs[0].FinishedAt)
}

func TestRunLogs(t *testing.T) {
	store := newTestLedger(t)
	id, err := store.CreateRun(&models.RefreshRun{CycleID: "x", Dataset: "tgvmax", StartedAt: time.Now(), Status: models.RunStatusRunning})
	require.NoError(t, err)

	require.NoError(t, store.Log(&id, models.LogLevelInfo, "fetching", "tgvmax"))
	require.NoError(t, store.Log(&id, models.LogLevelError, "boom", "tgvmax"))

	logs, err := store.GetRunLogs(id)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "fetching", logs[0].Message)
	assert.Equal(t, models.LogLevelError, logs[1].Level)
}

func TestCommandQueue(t *testing.T) {
	store := newTestLedger(t)

	_, err := store.EnqueueCommand(models.CmdPause, nil)
	require.NoError(t, err)
	_, err = store.EnqueueCommand(models.CmdRefreshNow, &models.CommandParams{Force: true})
	require.NoError(t, err)

	cmds, err := store.GetPendingCommands()
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, models.CmdPause, cmds[0].Command)

	params, err := store.ParseCommandParams(&cmds[0])
	require.NoError(t, err)
	assert.False(t, params.Force)

	params, err = store.ParseCommandParams(&cmds[1])
	require.NoError(t, err)
	assert.True(t, params.Force)

	require.NoError(t, store.MarkCommandProcessed(cmds[0].ID))
	cmds, err = store.GetPendingCommands()
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, models.CmdRefreshNow, cmds[0].Command)

	require.NoError(t, store.ResetAllData())
	cmds, err = store.GetPendingCommands()
	require.NoError(t, err)
	assert.Empty(t, cmds)
}
