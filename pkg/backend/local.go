package backend

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/relayrun/relayrun/pkg/models"
)

const (
	localScript  = "run.sh"
	localOutFile = "run.out"
	// sentinel the launch script writes on clean completion; process exit
	// without it means the script aborted partway
	statusFile = "status.txt"
)

// Local runs launch scripts as bare processes on the current machine. The
// process id is the job handle; completion is detected by process exit plus
// the status sentinel file.
type Local struct {
	interpreter string
}

func NewLocal(interpreter string) *Local {
	if interpreter == "" {
		interpreter = "#!/bin/bash"
	}
	return &Local{interpreter: interpreter}
}

func (l *Local) Type() string { return LocalType }

func (l *Local) Submit(workdir string, scripts []string, schedulerOptions map[string]interface{}) (string, string) {
	logMsg := stamp("Submission using local scheduler")

	if err := os.WriteFile(filepath.Join(workdir, statusFile), []byte("start\n"), 0o644); err != nil {
		return "", logMsg + fmt.Sprintf("Submission failed: %v\n", err)
	}

	var sb strings.Builder
	sb.WriteString(l.interpreter + "\n")
	sb.WriteString("set -e\n")
	sb.WriteString(strings.Join(scripts, "\n"))
	sb.WriteString("\necho done > " + statusFile + "\n")

	if err := os.WriteFile(filepath.Join(workdir, localScript), []byte(sb.String()), 0o755); err != nil {
		return "", logMsg + fmt.Sprintf("Submission failed: %v\n", err)
	}

	outFile, err := os.Create(filepath.Join(workdir, localOutFile))
	if err != nil {
		return "", logMsg + fmt.Sprintf("Submission failed: %v\n", err)
	}
	defer outFile.Close()

	cmd := exec.Command("./" + localScript)
	cmd.Dir = workdir
	cmd.Stdout = outFile
	cmd.Stderr = outFile
	if err := cmd.Start(); err != nil {
		return "", logMsg + fmt.Sprintf("Submission failed: %v\n", err)
	}
	pid := cmd.Process.Pid
	// detach; the poll sweep picks the process up again by pid
	if err := cmd.Process.Release(); err != nil {
		return "", logMsg + fmt.Sprintf("Submission failed: %v\n", err)
	}
	return strconv.Itoa(pid), logMsg + fmt.Sprintf("Submitted job %d\n", pid)
}

func (l *Local) Cancel(workdir, jobID string) {
	pid, err := strconv.ParseInt(jobID, 10, 32)
	if err != nil {
		return
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		// already gone
		return
	}
	_ = proc.Kill()
}

func (l *Local) Poll(workdir, jobID string) (models.Status, string) {
	pid, err := strconv.ParseInt(jobID, 10, 32)
	if err != nil {
		return models.FailedStatus, stamp(fmt.Sprintf("bad job id %q: %v", jobID, err))
	}

	exited := false
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		exited = true
	} else {
		running, err := proc.IsRunning()
		if err != nil || !running {
			exited = true
		} else if statuses, err := proc.Status(); err == nil {
			for _, st := range statuses {
				if st == process.Zombie {
					exited = true
				}
			}
		}
	}
	if !exited {
		return models.RunningStatus, ""
	}

	sentinel, err := os.ReadFile(filepath.Join(workdir, statusFile))
	if err != nil || strings.TrimSpace(string(sentinel)) != "done" {
		return models.FailedStatus, stamp("Job failed")
	}
	return models.DoneStatus, stamp("Job finished.")
}
