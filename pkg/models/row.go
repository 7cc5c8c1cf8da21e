package models

import (
	"encoding/json"
	"time"

	"github.com/relayrun/relayrun/pkg/runnerdata"
)

type Status string

const (
	UnsetStatus   Status = ""        // row written but never submitted
	SubmitStatus  Status = "submit"  // queued for the runner
	RunningStatus Status = "running" // handed to the execution backend
	DoneStatus    Status = "done"    // finished, results merged back
	FailedStatus  Status = "failed"  // failed, may be retried
	CancelStatus  Status = "cancel"  // cancel requested, consumed by the runner
)

// Row is a single persisted unit of work: an opaque simulation payload plus
// the runner bookkeeping stored under Data.
type Row struct {
	ID        int64           `json:"id" db:"id"`
	Status    Status          `json:"status" db:"status"`           // lifecycle state
	Runner    string          `json:"runner,omitempty" db:"runner"` // "<backend-type>:<name>" tag
	Label     string          `json:"label,omitempty" db:"label"`
	RunName   string          `json:"run_name,omitempty" db:"run_name"` // display tag of the last submission
	Payload   json.RawMessage `json:"payload,omitempty" db:"payload"`   // opaque scientific payload
	Data      RowData         `json:"data" db:"-"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// RowData is the mutable document attached to a row. Runner holds the task
// bundle; KeyValues collects result fields merged back after a run.
type RowData struct {
	Runner    *runnerdata.RunnerData `json:"runner,omitempty"`
	KeyValues map[string]interface{} `json:"key_value_pairs,omitempty"`
}

// RowUpdate is a partial per-row update; nil fields are left untouched.
// The store applies it as a single atomic statement.
type RowUpdate struct {
	Status    *Status
	Runner    *string
	Label     *string
	RunName   *string
	Payload   json.RawMessage
	Data      *RowData
	KeyValues map[string]interface{}
}
