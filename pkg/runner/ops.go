package runner

import (
	"github.com/pkg/errors"

	"github.com/relayrun/relayrun/pkg/backend"
	"github.com/relayrun/relayrun/pkg/models"
	"github.com/relayrun/relayrun/pkg/storage"
)

// SubmitRow queues a row for the named runner. The runner's poll loop picks
// it up on its next submission sweep.
func SubmitRow(store storage.Store, id int64, runnerName string) error {
	if !backend.KnownType(runnerName) {
		return errors.Errorf("runner %q: type %q not in %v", runnerName, backend.TypeOf(runnerName), backend.Types)
	}
	status := models.SubmitStatus
	return store.UpdateRow(id, models.RowUpdate{Status: &status, Runner: &runnerName})
}

// CancelRow records a cancel directive on a row. The owning runner's cancel
// sweep actuates it; the row then settles to failed.
func CancelRow(store storage.Store, id int64) error {
	status := models.CancelStatus
	return store.UpdateRow(id, models.RowUpdate{Status: &status})
}

// RowStatus returns a row's current status.
func RowStatus(store storage.Store, id int64) (models.Status, error) {
	row, err := store.GetRow(id)
	if err != nil {
		return "", err
	}
	return row.Status, nil
}

// ListRunners returns all registrations on the store.
func ListRunners(store storage.Store) ([]models.Registration, error) {
	return store.ListRegistrations()
}

// StopRunner asks a running runner to stop before its next cycle.
func StopRunner(store storage.Store, name string) error {
	reg, err := store.GetRegistration(name)
	if err != nil {
		return errors.Wrapf(err, "runner %q", name)
	}
	if !reg.Running {
		return errors.Errorf("runner %q is not running", name)
	}
	return store.RequestStop(name)
}

// RemoveRunner deletes a registration. A running runner is only removed
// with force; its spool loop notices the missing registration and stops.
func RemoveRunner(store storage.Store, name string, force bool) error {
	reg, err := store.GetRegistration(name)
	if err != nil {
		return errors.Wrapf(err, "runner %q", name)
	}
	if reg.Running && !force {
		return errors.Errorf("runner %q is running", name)
	}
	return store.DeleteRegistration(name)
}
