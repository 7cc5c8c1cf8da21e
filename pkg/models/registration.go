package models

import (
	"time"

	"github.com/relayrun/relayrun/pkg/runnerdata"
)

// Registration is the durable record a runner engine owns in the store.
// Settings persist across restarts; Running and ExplicitStop drive the
// start/stop handshake between the CLI and the spool loop.
type Registration struct {
	Name         string         `json:"name"` // "<backend-type>:<name>"
	Settings     RunnerSettings `json:"settings"`
	Running      bool           `json:"running"`
	ExplicitStop bool           `json:"explicit_stop"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// RunnerSettings are the engine knobs stored with a registration.
type RunnerSettings struct {
	MaxJobs     int                    `json:"max_jobs"`
	CycleTime   int                    `json:"cycle_time"` // seconds between spool cycles
	KeepRun     bool                   `json:"keep_run"`
	RunFolder   string                 `json:"run_folder"`
	MultiFail   int                    `json:"multi_fail"` // max automatic resubmissions
	Interpreter string                 `json:"interpreter"`
	PreTaskData *runnerdata.RunnerData `json:"pre_task_data,omitempty"`
}
