// Package runner implements the polling engine that drives rows through
// their lifecycle: failed rows are re-queued while retries remain, cancel
// directives are actuated, running jobs are reconciled against the backend,
// and ready submit rows are staged and launched. The engine keeps no job
// table in memory; every cycle re-derives truth from the record store and
// the job-handle file in each row's working directory.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/relayrun/relayrun/pkg/backend"
	"github.com/relayrun/relayrun/pkg/models"
	"github.com/relayrun/relayrun/pkg/runnerdata"
	"github.com/relayrun/relayrun/pkg/storage"
)

// Logger is the logging sink injected into the engine.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config holds the engine knobs. Name must carry the backend-type prefix
// ("slurm:production"); NewRunner adds it when missing.
type Config struct {
	Name        string
	MaxJobs     int
	CycleTime   time.Duration
	KeepRun     bool
	RunFolder   string
	MultiFail   int // maximum automatic resubmissions per row
	Interpreter string
	PreTaskData *runnerdata.RunnerData
}

// Runner is the engine for one logical runner name. Exactly one Runner per
// name may spool at a time; the registration's running flag guards that.
type Runner struct {
	cfg     Config
	store   storage.Store
	backend backend.Backend
	logger  Logger
}

func NewRunner(cfg Config, store storage.Store, be backend.Backend, logger Logger) (*Runner, error) {
	if cfg.Name == "" {
		return nil, errors.New("runner name cannot be empty")
	}
	if !strings.HasPrefix(cfg.Name, be.Type()+":") {
		cfg.Name = be.Type() + ":" + cfg.Name
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 50
	}
	if cfg.CycleTime <= 0 {
		cfg.CycleTime = 30 * time.Second
	}
	if cfg.RunFolder == "" {
		cfg.RunFolder = "."
	}
	abs, err := filepath.Abs(cfg.RunFolder)
	if err != nil {
		return nil, errors.Wrap(err, "resolve run folder")
	}
	cfg.RunFolder = abs
	if cfg.PreTaskData != nil {
		if err := cfg.PreTaskData.Validate(true); err != nil {
			return nil, errors.Wrap(err, "pre-task data")
		}
	}
	return &Runner{cfg: cfg, store: store, backend: be, logger: logger}, nil
}

// LoadConfig reads a previously registered runner's settings back from the
// store.
func LoadConfig(name string, store storage.Store) (Config, error) {
	reg, err := store.GetRegistration(name)
	if err != nil {
		return Config{}, errors.Wrapf(err, "runner %q", name)
	}
	s := reg.Settings
	return Config{
		Name:        reg.Name,
		MaxJobs:     s.MaxJobs,
		CycleTime:   time.Duration(s.CycleTime) * time.Second,
		KeepRun:     s.KeepRun,
		RunFolder:   s.RunFolder,
		MultiFail:   s.MultiFail,
		Interpreter: s.Interpreter,
		PreTaskData: s.PreTaskData,
	}, nil
}

// Register attaches the runner to the store. With update false an existing
// registration is an error; a registration marked running is always one.
func (r *Runner) Register(update bool) error {
	existing, err := r.store.GetRegistration(r.cfg.Name)
	switch {
	case err == nil:
		if !update {
			return errors.Errorf("runner %q exists, pass update to overwrite", r.cfg.Name)
		}
		if existing.Running {
			return errors.Errorf("runner %q already running", r.cfg.Name)
		}
	case errors.Is(err, storage.ErrNotFound):
		// first registration
	default:
		return err
	}
	return r.store.SaveRegistration(models.Registration{
		Name: r.cfg.Name,
		Settings: models.RunnerSettings{
			MaxJobs:     r.cfg.MaxJobs,
			CycleTime:   int(r.cfg.CycleTime / time.Second),
			KeepRun:     r.cfg.KeepRun,
			RunFolder:   r.cfg.RunFolder,
			MultiFail:   r.cfg.MultiFail,
			Interpreter: r.cfg.Interpreter,
			PreTaskData: r.cfg.PreTaskData,
		},
	})
}

func (r *Runner) Name() string { return r.cfg.Name }

// Spool runs the poll loop: one pass of the four sweeps per cycle. With
// endless false a single pass is done (used in tests). The running flag is
// always cleared on the way out, whatever the exit path.
func (r *Runner) Spool(ctx context.Context, endless bool) (err error) {
	if err := r.Register(true); err != nil {
		return err
	}
	if err := r.store.SetRunning(r.cfg.Name, true); err != nil {
		return err
	}
	defer func() {
		if unsetErr := r.store.SetRunning(r.cfg.Name, false); unsetErr != nil {
			r.logger.Errorf("Failed to clear running flag for %q: %v", r.cfg.Name, unsetErr)
			if err == nil {
				err = unsetErr
			}
		}
	}()

	for {
		reg, regErr := r.store.GetRegistration(r.cfg.Name)
		if errors.Is(regErr, storage.ErrNotFound) {
			r.logger.Infof("Runner removed from store with force, stopping")
			return nil
		}
		if regErr != nil {
			return regErr
		}
		if reg.ExplicitStop {
			r.logger.Infof("Encountered stop request, stopping")
			return nil
		}

		r.logger.Infof("Searching failed jobs")
		if err := r.retrySweep(); err != nil {
			return err
		}
		r.logger.Infof("Cancelling jobs, if jobs to cancel")
		if err := r.cancelSweep(); err != nil {
			return err
		}
		r.logger.Infof("Updating running status")
		if err := r.reconcileRunning(); err != nil {
			return err
		}
		r.logger.Infof("Submitting")
		if err := r.submitSweep(); err != nil {
			return err
		}

		if !endless {
			return nil
		}
		r.logger.Infof("Sleeping for %s", r.cfg.CycleTime)
		select {
		case <-ctx.Done():
			r.logger.Infof("Interrupted, stopping")
			return nil
		case <-time.After(r.cfg.CycleTime):
		}
	}
}

// retrySweep re-queues failed rows that still have retries left. A failed
// row seen without a fail count is treated as already exhausted: only
// failures counted by the reconcile sweep earn automatic resubmission.
func (r *Runner) retrySweep() error {
	ids, err := r.store.SelectIDs(models.FailedStatus, r.cfg.Name)
	if err != nil {
		return err
	}
	for _, id := range ids {
		row, err := r.store.GetRow(id)
		if err != nil {
			r.logger.Errorf("Retry sweep: row %d: %v", id, err)
			continue
		}
		d := row.Data.Runner
		if d == nil {
			d = &runnerdata.RunnerData{}
			row.Data.Runner = d
		}
		if d.FailCount == 0 {
			d.FailCount = r.cfg.MultiFail + 1
		}
		if d.FailCount > r.cfg.MultiFail {
			continue
		}
		r.logger.Debugf("re-submitted: %d", id)
		status := models.SubmitStatus
		if err := r.store.UpdateRow(id, models.RowUpdate{Status: &status, Data: &row.Data}); err != nil {
			r.logger.Errorf("Retry sweep: update row %d: %v", id, err)
		}
	}
	return nil
}

// cancelSweep actuates cancel directives. The row settles to failed either
// way; the log records whether a live job was actually cancelled.
func (r *Runner) cancelSweep() error {
	ids, err := r.store.SelectIDs(models.CancelStatus, r.cfg.Name)
	if err != nil {
		return err
	}
	for _, id := range ids {
		row, err := r.store.GetRow(id)
		if err != nil {
			r.logger.Errorf("Cancel sweep: row %d: %v", id, err)
			continue
		}
		var logMsg string
		if jobID, ok := r.jobID(id); ok {
			r.backend.Cancel(r.workdir(id), jobID)
			logMsg = tsLine("Cancelled by user")
		} else {
			logMsg = tsLine("Cancelled by user, no job was running")
		}
		r.failRow(id, &row, logMsg, false)
		r.logger.Infof("Cancelled %d", id)
	}
	return nil
}

// reconcileRunning polls every running row's job. A missing job-handle file
// means the job was orphaned (engine crash, manual cleanup); the row fails
// with its history intact and the retry sweep takes it from there.
func (r *Runner) reconcileRunning() error {
	ids, err := r.store.SelectIDs(models.RunningStatus, r.cfg.Name)
	if err != nil {
		return err
	}
	for _, id := range ids {
		row, err := r.store.GetRow(id)
		if err != nil {
			r.logger.Errorf("Reconcile: row %d: %v", id, err)
			continue
		}
		var status models.Status
		var logMsg string
		jobID, ok := r.jobID(id)
		if !ok {
			status, logMsg = models.FailedStatus, tsLine("Job id lost")
		} else {
			status, logMsg = r.backend.Poll(r.workdir(id), jobID)
		}
		if status == models.RunningStatus {
			continue
		}

		if status == models.DoneStatus {
			result, err := r.readResult(id)
			if err != nil {
				status = models.FailedStatus
				logMsg += tsLine(fmt.Sprintf("Reading result failed: %v", err))
			} else {
				r.completeRow(id, &row, result, logMsg)
			}
		}
		if status == models.FailedStatus {
			r.failRow(id, &row, logMsg, true)
		}
		r.logger.Infof("Id %d finished with status: %s", id, status)
	}
	return nil
}

// runResult is what the task harness leaves behind in payload.json: the
// replacement payload plus any result fields to merge into the row.
type runResult struct {
	Payload   json.RawMessage        `json:"payload"`
	KeyValues map[string]interface{} `json:"key_value_pairs,omitempty"`
}

func (r *Runner) readResult(id int64) (*runResult, error) {
	raw, err := os.ReadFile(filepath.Join(r.workdir(id), payloadFile))
	if err != nil {
		return nil, err
	}
	var result runResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *Runner) completeRow(id int64, row *models.Row, result *runResult, logMsg string) {
	d := ensureData(row)
	d.AppendLog(logMsg)
	status := models.DoneStatus
	upd := models.RowUpdate{
		Status:    &status,
		Data:      &row.Data,
		KeyValues: result.KeyValues,
	}
	if result.Payload != nil {
		upd.Payload = result.Payload
	}
	if err := r.store.UpdateRow(id, upd); err != nil {
		r.logger.Errorf("Reconcile: update row %d: %v", id, err)
		return
	}
	// best-effort cleanup; the persisted status is already correct
	if !r.cfg.KeepRun && !d.KeepRun {
		if err := os.RemoveAll(r.workdir(id)); err != nil {
			r.logger.Errorf("Cleanup of %s failed: %v", r.workdir(id), err)
		}
	}
}

// failRow marks the row failed, appending logMsg to its audit trail.
// countFailure increments the fail count so the retry sweep can see it.
func (r *Runner) failRow(id int64, row *models.Row, logMsg string, countFailure bool) {
	d := ensureData(row)
	if countFailure {
		d.FailCount++
	}
	d.AppendLog(logMsg)
	status := models.FailedStatus
	if err := r.store.UpdateRow(id, models.RowUpdate{Status: &status, Data: &row.Data}); err != nil {
		r.logger.Errorf("Update row %d to failed: %v", id, err)
	}
}

// submitSweep launches ready submit rows, newest-admitted last, while the
// concurrency cap allows. Rows with pending parents are skipped, not
// failed; malformed bundles fail permanently with no backend invocation.
func (r *Runner) submitSweep() error {
	running, err := r.store.CountRows(models.RunningStatus, r.cfg.Name)
	if err != nil {
		return err
	}
	ids, err := r.store.SelectIDs(models.SubmitStatus, r.cfg.Name)
	if err != nil {
		return err
	}
	sent := 0
	for _, id := range ids {
		if sent >= r.cfg.MaxJobs-running {
			r.logger.Debugf("max jobs; break")
			break
		}
		row, err := r.store.GetRow(id)
		if err != nil {
			r.logger.Errorf("Submit sweep: row %d: %v", id, err)
			continue
		}
		r.logger.Debugf("submit %d", id)

		d := row.Data.Runner
		verr := d.Validate(false)
		if verr != nil {
			// malformed data is never retried
			r.logger.Infof("Runner data corrupt/missing for %d: %v", id, verr)
			ed := ensureData(&row)
			ed.FailCount = r.cfg.MultiFail + 1
			ed.AppendLog(tsLine(verr.Error()))
			status := models.FailedStatus
			if err := r.store.UpdateRow(id, models.RowUpdate{Status: &status, Data: &row.Data}); err != nil {
				r.logger.Errorf("Submit sweep: update row %d: %v", id, err)
			}
			continue
		}

		parentPayloads, pending, err := r.collectParents(d.Parents)
		if err != nil {
			r.failRow(id, &row, tsLine(err.Error()), false)
			continue
		}
		if pending {
			r.logger.Debugf("parents pending for %d", id)
			continue
		}

		merged := d.Merge(r.cfg.PreTaskData)
		wd := r.workdir(id)
		if err := os.MkdirAll(wd, 0o755); err != nil {
			r.failRow(id, &row, tsLine(fmt.Sprintf("Preparing run folder failed: %v", err)), false)
			continue
		}
		scripts, err := stageRun(wd, row.Payload, parentPayloads, merged)
		if err != nil {
			r.failRow(id, &row, tsLine(fmt.Sprintf("Staging run failed: %v", err)), false)
			continue
		}

		jobID, logMsg := r.backend.Submit(wd, scripts, merged.SchedulerOptions)
		status := models.FailedStatus
		if jobID != "" {
			r.logger.Debugf("submitting success %s", jobID)
			if err := r.writeJobID(id, jobID); err != nil {
				logMsg += tsLine(fmt.Sprintf("Persisting job id failed: %v", err))
			} else {
				status = models.RunningStatus
				sent++
			}
		} else {
			r.logger.Debugf("submitting failed for %d", id)
		}
		d.AppendLog(logMsg)
		runName := d.Name
		if err := r.store.UpdateRow(id, models.RowUpdate{
			Status:  &status,
			RunName: &runName,
			Data:    &row.Data,
		}); err != nil {
			r.logger.Errorf("Submit sweep: update row %d: %v", id, err)
			continue
		}
		outcome := "successful"
		if status == models.FailedStatus {
			outcome = "failed"
		}
		r.logger.Infof("ID %d submission: %s", id, outcome)
	}
	return nil
}

// collectParents gathers parent payloads in order. pending is true when a
// parent has not reached done yet; a missing parent row is an error.
func (r *Runner) collectParents(parents []int64) (payloads []json.RawMessage, pending bool, err error) {
	for _, pid := range parents {
		parent, err := r.store.GetRow(pid)
		if err != nil {
			return nil, false, errors.Wrapf(err, "parent %d", pid)
		}
		if parent.Status != models.DoneStatus {
			return nil, true, nil
		}
		payloads = append(payloads, parent.Payload)
	}
	return payloads, false, nil
}

// StatusReport returns the row ids per status for this runner.
func (r *Runner) StatusReport() (map[models.Status][]int64, error) {
	report := map[models.Status][]int64{}
	for _, status := range []models.Status{
		models.DoneStatus, models.RunningStatus, models.FailedStatus,
		models.CancelStatus, models.SubmitStatus,
	} {
		ids, err := r.store.SelectIDs(status, r.cfg.Name)
		if err != nil {
			return nil, err
		}
		report[status] = ids
	}
	return report, nil
}

func (r *Runner) workdir(id int64) string {
	return filepath.Join(r.cfg.RunFolder, strconv.FormatInt(id, 10))
}

// jobID resolves the backend job handle for a row from its job-handle file.
func (r *Runner) jobID(id int64) (string, bool) {
	raw, err := os.ReadFile(filepath.Join(r.workdir(id), jobIDFile))
	if err != nil {
		return "", false
	}
	jobID := strings.TrimSpace(string(raw))
	return jobID, jobID != ""
}

func (r *Runner) writeJobID(id int64, jobID string) error {
	return os.WriteFile(filepath.Join(r.workdir(id), jobIDFile), []byte(jobID), 0o644)
}

func ensureData(row *models.Row) *runnerdata.RunnerData {
	if row.Data.Runner == nil {
		row.Data.Runner = &runnerdata.RunnerData{}
	}
	return row.Data.Runner
}

func tsLine(msg string) string {
	return time.Now().Format("2006-01-02 15:04:05") + "\n" + msg + "\n"
}
