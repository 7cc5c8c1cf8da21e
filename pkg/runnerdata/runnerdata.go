package runnerdata

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"
)

type TaskType string

const (
	ShellTask  TaskType = "shell"
	PythonTask TaskType = "python"
)

// Filenames the staging step writes itself; user files must not collide.
var reservedFiles = map[string]bool{
	"run.sh":       true,
	"batch.slrm":   true,
	"job.id":       true,
	"status.txt":   true,
	"payload.json": true,
	"taskrun.py":   true,
}

// Task is one unit of work executed inside a row's working directory:
// either a shell command or a python entry point shipped in Files.
type Task struct {
	Type        TaskType               `json:"type"`
	Command     string                 `json:"command"` // shell command line, or python filename
	Params      map[string]interface{} `json:"params,omitempty"`
	Interpreter string                 `json:"interpreter,omitempty"` // e.g. "python3", "mpirun -n 4 python3"
}

func Shell(command string) Task {
	return Task{Type: ShellTask, Command: command}
}

func Python(filename string, params map[string]interface{}, interpreter string) Task {
	return Task{Type: PythonTask, Command: filename, Params: params, Interpreter: interpreter}
}

// RunnerData is the task bundle attached to a row: what to run, the files it
// needs, the rows it depends on, and the audit trail of previous attempts.
type RunnerData struct {
	Name             string                 `json:"name,omitempty"`
	SchedulerOptions map[string]interface{} `json:"scheduler_options,omitempty"`
	Parents          []int64                `json:"parents,omitempty"`
	Tasks            []Task                 `json:"tasks,omitempty"`
	Files            map[string]string      `json:"files,omitempty"` // content, or "data:application/octet-stream;base64,..." for bytes
	KeepRun          bool                   `json:"keep_run,omitempty"`
	FailCount        int                    `json:"fail_count,omitempty"`
	Log              string                 `json:"log,omitempty"`
}

func New(name string) *RunnerData {
	return &RunnerData{
		Name:             name,
		SchedulerOptions: map[string]interface{}{},
		Files:            map[string]string{},
	}
}

// ValidationError reports a malformed bundle. It is fatal at submission
// time: the row fails with no retries.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "runner data: " + e.Reason
}

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: errors.Errorf(format, args...).Error()}
}

// IsValidationError reports whether err is a bundle validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PyFilename normalizes a python task filename to its ".py" form.
func PyFilename(name string) string {
	if strings.HasSuffix(name, ".py") {
		return name
	}
	return name + ".py"
}

// Module strips the ".py" suffix to get the importable module name.
func Module(name string) string {
	return strings.TrimSuffix(name, ".py")
}

// Validate checks the bundle before it is committed or submitted.
// allowEmptyTasks is only set when validating an engine's pre-task bundle,
// which may legitimately carry no tasks of its own.
func (d *RunnerData) Validate(allowEmptyTasks bool) error {
	if d == nil {
		return invalid("no runner data")
	}
	for name := range d.Files {
		if reservedFiles[name] {
			return invalid("file name %q is reserved", name)
		}
	}
	if len(d.Tasks) == 0 && !allowEmptyTasks {
		return invalid("tasks empty")
	}
	for i, task := range d.Tasks {
		switch task.Type {
		case ShellTask:
			if task.Command == "" {
				return invalid("task %d: shell command empty", i)
			}
		case PythonTask:
			if task.Command == "" {
				return invalid("task %d: python filename empty", i)
			}
			if _, ok := d.Files[PyFilename(task.Command)]; !ok {
				return invalid("task %d: file %q not in files", i, PyFilename(task.Command))
			}
		default:
			return invalid("task %d: type should be either 'shell' or 'python', got %q", i, task.Type)
		}
	}
	return nil
}

// Merge layers an engine's pre-task bundle under d: pre tasks run first,
// pre files and scheduler options fill in without overriding d's own.
func (d *RunnerData) Merge(pre *RunnerData) *RunnerData {
	if pre == nil {
		return d
	}
	merged := *d
	merged.SchedulerOptions = map[string]interface{}{}
	for k, v := range d.SchedulerOptions {
		merged.SchedulerOptions[k] = v
	}
	for k, v := range pre.SchedulerOptions {
		merged.SchedulerOptions[k] = v
	}
	merged.Files = map[string]string{}
	for k, v := range d.Files {
		merged.Files[k] = v
	}
	for k, v := range pre.Files {
		merged.Files[k] = v
	}
	merged.Tasks = append(append([]Task{}, pre.Tasks...), d.Tasks...)
	return &merged
}

// AppendLog appends a timestamped line to the bundle's audit trail.
func (d *RunnerData) AppendLog(line string) {
	d.Log += line
	if !strings.HasSuffix(d.Log, "\n") {
		d.Log += "\n"
	}
}

func (d *RunnerData) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(d)
}

func Decode(r io.Reader) (*RunnerData, error) {
	var d RunnerData
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, errors.Wrap(err, "decode runner data")
	}
	return &d, nil
}
