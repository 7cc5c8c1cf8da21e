// Package backend wraps the physical execution mechanisms a runner can
// delegate job launches to. Invocation failures are never returned as
// errors; they come back as an empty job handle or a failed status with a
// diagnostic log line, and the engine decides what to do with the row.
package backend

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/relayrun/relayrun/pkg/models"
)

// Backend is the capability interface over one execution mechanism.
type Backend interface {
	// Submit writes a backend-specific launch script into workdir and
	// starts the job. An empty job handle means the launch failed; the
	// returned log records what happened either way.
	Submit(workdir string, scripts []string, schedulerOptions map[string]interface{}) (jobID string, log string)
	// Cancel is a no-op if the handle no longer resolves to a live job.
	Cancel(workdir, jobID string)
	// Poll reports running, done or failed for a previously submitted job.
	Poll(workdir, jobID string) (models.Status, string)
	// Type is the runner-name prefix this backend registers under.
	Type() string
}

const (
	SlurmType = "slurm"
	LocalType = "local"
)

// Types lists the known backend types, i.e. valid runner-name prefixes.
var Types = []string{SlurmType, LocalType}

// New builds a backend of the given type. interpreter is the shebang line
// written at the top of every launch script.
func New(typ, interpreter string) (Backend, error) {
	switch typ {
	case SlurmType:
		return NewSlurm(interpreter), nil
	case LocalType:
		return NewLocal(interpreter), nil
	}
	return nil, errors.Errorf("unknown backend type %q, expected one of %v", typ, Types)
}

// TypeOf extracts the backend type from a "<type>:<name>" runner name.
func TypeOf(runnerName string) string {
	return strings.SplitN(runnerName, ":", 2)[0]
}

// KnownType reports whether the runner name carries a known backend prefix.
func KnownType(runnerName string) bool {
	typ := TypeOf(runnerName)
	for _, t := range Types {
		if t == typ {
			return true
		}
	}
	return false
}

func stamp(msg string) string {
	return time.Now().Format("2006-01-02 15:04:05") + "\n" + msg + "\n"
}
