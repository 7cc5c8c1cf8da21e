package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_storage "github.com/relayrun/relayrun/internal/storage"
	"github.com/relayrun/relayrun/internal/testutil"
	"github.com/relayrun/relayrun/pkg/models"
	"github.com/relayrun/relayrun/pkg/runnerdata"
	"github.com/relayrun/relayrun/pkg/storage"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	newTestStore := func(t *testing.T) storage.Store {
		store, err := internal_storage.InitStore(testDB.ConnStr)
		require.NoError(t, err)
		t.Cleanup(func() {
			_, err := testDB.DB.Exec("TRUNCATE TABLE rows RESTART IDENTITY")
			assert.NoError(t, err)
			_, err = testDB.DB.Exec("TRUNCATE TABLE runners")
			assert.NoError(t, err)
			store.Close()
		})
		return store
	}

	t.Run("RowLifecycle", func(t *testing.T) {
		store := newTestStore(t)

		_, err := store.GetRow(1)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		d := runnerdata.New("relax")
		d.Tasks = []runnerdata.Task{runnerdata.Shell("echo hi")}
		id, err := store.WriteRow(models.Row{
			Label:   "relax",
			Payload: []byte(`{"positions": [0, 0, 0]}`),
			Data:    models.RowData{Runner: d},
		})
		require.NoError(t, err)

		row, err := store.GetRow(id)
		require.NoError(t, err)
		assert.Equal(t, "relax", row.Label)
		assert.JSONEq(t, `{"positions": [0, 0, 0]}`, string(row.Payload))
		require.NotNil(t, row.Data.Runner)
		assert.Equal(t, "echo hi", row.Data.Runner.Tasks[0].Command)

		status := models.SubmitStatus
		name := "local:test"
		require.NoError(t, store.UpdateRow(id, models.RowUpdate{Status: &status, Runner: &name}))
		row, err = store.GetRow(id)
		require.NoError(t, err)
		assert.Equal(t, models.SubmitStatus, row.Status)
		assert.Equal(t, "local:test", row.Runner)
		assert.Equal(t, "relax", row.Label, "untouched columns survive partial updates")

		err = store.UpdateRow(99, models.RowUpdate{Status: &status})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("KeyValueMerge", func(t *testing.T) {
		store := newTestStore(t)
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
	})

	t.Run("SelectAndCount", func(t *testing.T) {
		store := newTestStore(t)
		submit := models.SubmitStatus
		mine := "local:test"
		other := "slurm:other"
		for _, runnerName := range []string{mine, other, mine} {
			id, err := store.WriteRow(models.Row{})
			require.NoError(t, err)
			r := runnerName
			require.NoError(t, store.UpdateRow(id, models.RowUpdate{Status: &submit, Runner: &r}))
		}

		ids, err := store.SelectIDs(models.SubmitStatus, mine)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 3}, ids)

		count, err := store.CountRows(models.SubmitStatus, mine)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		maxID, err := store.MaxRowID()
		require.NoError(t, err)
		assert.EqualValues(t, 3, maxID)

		empty, err := store.SelectIDs(models.RunningStatus, mine)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("Registrations", func(t *testing.T) {
		store := newTestStore(t)
		pre := runnerdata.New("pre")
		pre.Files["env.sh"] = "module load vasp"
		require.NoError(t, store.SaveRegistration(models.Registration{
			Name: "local:test",
			Settings: models.RunnerSettings{
				MaxJobs:     5,
				CycleTime:   30,
				RunFolder:   "/tmp/runs",
				PreTaskData: pre,
			},
		}))

		reg, err := store.GetRegistration("local:test")
		require.NoError(t, err)
		assert.Equal(t, 5, reg.Settings.MaxJobs)
		require.NotNil(t, reg.Settings.PreTaskData)
		assert.Equal(t, "module load vasp", reg.Settings.PreTaskData.Files["env.sh"])

		// upsert keeps one record per name
		require.NoError(t, store.SaveRegistration(models.Registration{
			Name:     "local:test",
			Settings: models.RunnerSettings{MaxJobs: 9},
		}))
		regs, err := store.ListRegistrations()
		require.NoError(t, err)
		require.Len(t, regs, 1)
		assert.Equal(t, 9, regs[0].Settings.MaxJobs)

		require.NoError(t, store.SetRunning("local:test", true))
		require.NoError(t, store.RequestStop("local:test"))
		reg, err = store.GetRegistration("local:test")
		require.NoError(t, err)
		assert.True(t, reg.Running)
		assert.True(t, reg.ExplicitStop)

		require.NoError(t, store.SetRunning("local:test", false))
		reg, err = store.GetRegistration("local:test")
		require.NoError(t, err)
		assert.False(t, reg.Running)
		assert.False(t, reg.ExplicitStop, "stop request cleared with the running flag")

		require.NoError(t, store.DeleteRegistration("local:test"))
		_, err = store.GetRegistration("local:test")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, store.RequestStop("local:test"), storage.ErrNotFound)
		assert.NoError(t, store.SetRunning("local:test", false))
	})
}
