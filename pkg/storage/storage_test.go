package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayrun/relayrun/pkg/models"
	"github.com/relayrun/relayrun/pkg/runnerdata"
	"github.com/relayrun/relayrun/pkg/storage"
)

func TestRowLifecycle(t *testing.T) {
	store := storage.NewMockStore()

	_, err := store.GetRow(1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	d := runnerdata.New("calc")
	d.Tasks = []runnerdata.Task{runnerdata.Shell("echo hi")}
	id, err := store.WriteRow(models.Row{Label: "calc", Data: models.RowData{Runner: d}})
	require.NoError(t, err)

	// mutating the original must not reach the stored copy
	d.Tasks[0].Command = "rm -rf /"
	row, err := store.GetRow(id)
	require.NoError(t, err)
	assert.Equal(t, "echo hi", row.Data.Runner.Tasks[0].Command)

	status := models.SubmitStatus
	name := "local:test"
	require.NoError(t, store.UpdateRow(id, models.RowUpdate{Status: &status, Runner: &name}))
	row, err = store.GetRow(id)
	require.NoError(t, err)
	assert.Equal(t, models.SubmitStatus, row.Status)
	assert.Equal(t, "calc", row.Label, "untouched fields survive partial updates")

	err = store.UpdateRow(99, models.RowUpdate{Status: &status})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestKeyValueMerge(t *testing.T) {
	store := storage.NewMockStore()
	id, err := store.WriteRow(models.Row{})
	require.NoError(t, err)

	require.NoError(t, store.UpdateRow(id, models.RowUpdate{
		KeyValues: map[string]interface{}{"energy": -1.5, "steps": 10.0},
	}))
	require.NoError(t, store.UpdateRow(id, models.RowUpdate{
		KeyValues: map[string]interface{}{"energy": -2.0},
	}))

	row, err := store.GetRow(id)
	require.NoError(t, err)
	assert.Equal(t, -2.0, row.Data.KeyValues["energy"])
	assert.Equal(t, 10.0, row.Data.KeyValues["steps"])
}

func TestSelectIDsOrderedAndFiltered(t *testing.T) {
	store := storage.NewMockStore()
	submit := models.SubmitStatus
	mine := "local:test"
	other := "slurm:other"
	for _, runner := range []string{mine, other, mine} {
		id, err := store.WriteRow(models.Row{})
		require.NoError(t, err)
		r := runner
		require.NoError(t, store.UpdateRow(id, models.RowUpdate{Status: &submit, Runner: &r}))
	}

	ids, err := store.SelectIDs(models.SubmitStatus, mine)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ids)

	count, err := store.CountRows(models.SubmitStatus, mine)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRegistrations(t *testing.T) {
	store := storage.NewMockStore()
	reg := models.Registration{
		Name:     "local:test",
		Settings: models.RunnerSettings{MaxJobs: 5, CycleTime: 30},
	}
	require.NoError(t, store.SaveRegistration(reg))

	got, err := store.GetRegistration("local:test")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Settings.MaxJobs)

	require.NoError(t, store.SetRunning("local:test", true))
	require.NoError(t, store.RequestStop("local:test"))
	got, err = store.GetRegistration("local:test")
	require.NoError(t, err)
	assert.True(t, got.Running)
	assert.True(t, got.ExplicitStop)

	// clearing the running flag also clears a pending stop request
	require.NoError(t, store.SetRunning("local:test", false))
	got, err = store.GetRegistration("local:test")
	require.NoError(t, err)
	assert.False(t, got.Running)
	assert.False(t, got.ExplicitStop)

	require.NoError(t, store.DeleteRegistration("local:test"))
	_, err = store.GetRegistration("local:test")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Error(t, store.RequestStop("local:test"))
	assert.NoError(t, store.SetRunning("local:test", false))
}
