package storage

import (
	"github.com/pkg/errors"

	"github.com/relayrun/relayrun/pkg/models"
)

// ErrNotFound is returned when a row or registration does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the record-store operations the runner and relay need.
// Every mutation is a targeted per-row (or per-registration) update and must
// be atomic on its own; there are no cross-row transactions.
type Store interface {
	// Row operations
	GetRow(id int64) (models.Row, error)
	WriteRow(row models.Row) (int64, error)
	UpdateRow(id int64, upd models.RowUpdate) error
	// SelectIDs returns ids of rows matching the exact status and, when
	// runner is non-empty, the runner tag, in id order.
	SelectIDs(status models.Status, runner string) ([]int64, error)
	CountRows(status models.Status, runner string) (int, error)
	MaxRowID() (int64, error)

	// Runner registrations
	GetRegistration(name string) (models.Registration, error)
	SaveRegistration(reg models.Registration) error
	ListRegistrations() ([]models.Registration, error)
	DeleteRegistration(name string) error
	SetRunning(name string, running bool) error
	RequestStop(name string) error

	Close() error
}
