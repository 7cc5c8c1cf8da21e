package runner

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	"github.com/pkg/errors"

	"github.com/relayrun/relayrun/pkg/runnerdata"
)

const (
	jobIDFile   = "job.id"
	payloadFile = "payload.json"
	harnessFile = "taskrun.py"

	// files with this prefix are decoded and written as raw bytes
	base64Prefix = "data:application/octet-stream;base64,"
)

// taskrunHarness is staged into every working directory. For each python
// task it loads payload.json and the task's params file, calls the task
// module's main(payload, parents, **params), and writes the replacement
// payload back to payload.json.
//
//go:embed taskrun.py
var taskrunHarness string

// stageRun populates a row's working directory: user files, the input
// payload, the python harness and per-task params files. It returns the
// shell lines the backend should run, one per task.
func stageRun(workdir string, payload json.RawMessage, parents []json.RawMessage, d *runnerdata.RunnerData) ([]string, error) {
	for name, content := range d.Files {
		var raw []byte
		if strings.HasPrefix(content, base64Prefix) {
			decoded, err := base64.StdEncoding.DecodeString(content[len(base64Prefix):])
			if err != nil {
				return nil, errors.Wrapf(err, "decode file %q", name)
			}
			raw = decoded
		} else {
			raw = []byte(content)
		}
		if err := os.WriteFile(filepath.Join(workdir, name), raw, 0o644); err != nil {
			return nil, errors.Wrapf(err, "write file %q", name)
		}
	}

	if err := writeInputPayload(workdir, payload, parents); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(workdir, harnessFile), []byte(taskrunHarness), 0o644); err != nil {
		return nil, errors.Wrap(err, "write harness")
	}

	scripts := make([]string, 0, len(d.Tasks))
	pyRun := 0
	for _, task := range d.Tasks {
		switch task.Type {
		case runnerdata.ShellTask:
			scripts = append(scripts, task.Command)
		case runnerdata.PythonTask:
			params := task.Params
			if params == nil {
				params = map[string]interface{}{}
			}
			raw, err := json.Marshal(params)
			if err != nil {
				return nil, errors.Wrapf(err, "encode params for %q", task.Command)
			}
			paramsName := fmt.Sprintf("params%d.json", pyRun)
			if err := os.WriteFile(filepath.Join(workdir, paramsName), raw, 0o644); err != nil {
				return nil, errors.Wrapf(err, "write %s", paramsName)
			}
			interpreter := task.Interpreter
			if interpreter == "" {
				interpreter = "python"
			}
			scripts = append(scripts, fmt.Sprintf("%s %s %s %d > run%d.out",
				interpreter, harnessFile, runnerdata.Module(task.Command), pyRun, pyRun))
			pyRun++
		}
	}
	return scripts, nil
}

func writeInputPayload(workdir string, payload json.RawMessage, parents []json.RawMessage) error {
	if payload == nil {
		payload = json.RawMessage("null")
	}
	if parents == nil {
		parents = []json.RawMessage{}
	}
	input := struct {
		Payload json.RawMessage   `json:"payload"`
		Parents []json.RawMessage `json:"parents"`
	}{payload, parents}
	raw, err := json.Marshal(input)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}
	return os.WriteFile(filepath.Join(workdir, payloadFile), raw, 0o644)
}
