package backend

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/relayrun/relayrun/pkg/models"
)

// slurm job states as listed in the squeue man page, mapped to a row status
// and the man page's explanation for the audit log.
var slurmStateMap = map[string][2]string{
	"CANCELLED":   {"failed", "Job was explicitly cancelled by the user or system administrator."},
	"COMPLETED":   {"done", "Job has terminated all processes on all nodes."},
	"CONFIGURING": {"running", "Job has been allocated resources, but is waiting for them to become ready for use."},
	"COMPLETING":  {"running", "Job is in the process of completing. Some processes on some nodes may still be active."},
	"FAILED":      {"failed", "Job terminated with non-zero exit code or other failure condition."},
	"NODE_FAIL":   {"failed", "Job terminated due to failure of one or more allocated resources."},
	"PENDING":     {"running", "Job is awaiting resource allocation."},
	"PREEMPTED":   {"failed", "Job terminated due to preemption."},
	"RUNNING":     {"running", "Job currently has an allocation."},
	"SUSPENDED":   {"running", "Job has an allocation, but execution has been suspended."},
	"TIMEOUT":     {"failed", "Job terminated upon reaching its time limit."},
}

const slurmScript = "batch.slrm"

// Slurm submits launch scripts through sbatch and tracks them with sacct.
type Slurm struct {
	interpreter string
}

func NewSlurm(interpreter string) *Slurm {
	if interpreter == "" {
		interpreter = "#!/bin/bash"
	}
	return &Slurm{interpreter: interpreter}
}

func (s *Slurm) Type() string { return SlurmType }

func (s *Slurm) Submit(workdir string, scripts []string, schedulerOptions map[string]interface{}) (string, string) {
	logMsg := stamp("Submission using slurm scheduler")

	var sb strings.Builder
	sb.WriteString(s.interpreter + "\n")
	for key, value := range schedulerOptions {
		sep := " "
		if strings.HasPrefix(key, "--") {
			sep = "="
		}
		fmt.Fprintf(&sb, "#SBATCH %s%s%v\n", key, sep, value)
	}
	sb.WriteString("\nset -e\n")
	sb.WriteString(strings.Join(scripts, "\n"))
	sb.WriteString("\n")

	if err := os.WriteFile(filepath.Join(workdir, slurmScript), []byte(sb.String()), 0o644); err != nil {
		return "", logMsg + fmt.Sprintf("Submission failed: %v\n", err)
	}

	cmd := exec.Command("sbatch", slurmScript)
	cmd.Dir = workdir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", logMsg + fmt.Sprintf("Submission failed: %s%v\n", out, err)
	}
	// sbatch prints "Submitted batch job <id>"
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", logMsg + fmt.Sprintf("Submission failed: unexpected sbatch output %q\n", out)
	}
	jobID := fields[len(fields)-1]
	return jobID, logMsg + fmt.Sprintf("Submitted batch job %s\n", jobID)
}

func (s *Slurm) Cancel(workdir, jobID string) {
	if jobID == "" {
		return
	}
	// scancel on an unknown job exits non-zero; either way there is
	// nothing left to do
	_ = exec.Command("scancel", jobID).Run()
}

func (s *Slurm) Poll(workdir, jobID string) (models.Status, string) {
	cmd := exec.Command("sacct", "-j", jobID,
		"--format", "JobName", "--format", "State", "--format", "End",
		"--format", "Elapsed", "--format", "CPUTime", "--parsable")
	out, err := cmd.Output()
	if err != nil {
		return models.FailedStatus, stamp(fmt.Sprintf("sacct failed: %v", err))
	}
	return parseSacct(string(out))
}

// parseSacct maps sacct --parsable output to a status. sacct output drifts
// between versions, so short or trailing garbage lines are skipped; a state
// missing from the map fails the job with a diagnostic instead of guessing.
func parseSacct(out string) (models.Status, string) {
	lines := strings.Split(out, "\n")
	if len(lines) < 2 {
		return models.FailedStatus, stamp(fmt.Sprintf("unexpected sacct output %q", out))
	}
	endTime := ""
	cpuTime := ""
	var states []string
	for _, line := range lines[1:] {
		fields := strings.Split(line, "|")
		if len(fields) < 5 || strings.TrimSpace(fields[1]) == "" {
			continue
		}
		if endTime == "" {
			endTime = strings.ReplaceAll(fields[2], "T", " ")
			cpuTime = fields[4]
		}
		states = append(states, strings.Fields(fields[1])[0])
	}
	if len(states) == 0 {
		return models.FailedStatus, stamp(fmt.Sprintf("no job state in sacct output %q", out))
	}

	mapped := make([]string, len(states))
	for i, state := range states {
		entry, ok := slurmStateMap[state]
		if !ok {
			return models.FailedStatus, endTime + "\nUndefined slurm state: " + state + "\n"
		}
		mapped[i] = entry[0]
	}
	for i, m := range mapped {
		if m == "failed" {
			return models.FailedStatus, fmt.Sprintf("%s\n%s %s\n", endTime, states[i], slurmStateMap[states[i]][1])
		}
	}
	for _, m := range mapped {
		if m == "running" {
			return models.RunningStatus, ""
		}
	}
	return models.DoneStatus, fmt.Sprintf("%s\nJob finished.\nWall time=%s\n", endTime, cpuTime)
}
