package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"
)

var slurmSubmitted = regexp.MustCompile(`Submitted batch job (\d+)`)

// Slurm drives SLURM through sbatch, squeue and scancel.
type Slurm struct {
	cliBackend
}

// NewSlurm is the Factory for the "slurm" backend.
func NewSlurm(opts Options) (Adapter, error) {
	return &Slurm{cliBackend: newCLIBackend("slurm", opts)}, nil
}

// Name implements Adapter.
func (s *Slurm) Name() string { return "slurm" }

// Ready checks that the SLURM client tools are installed.
func (s *Slurm) Ready(ctx context.Context) error {
	return lookTools("sbatch", "squeue", "scancel")
}

// Render implements Adapter.
func (s *Slurm) Render(opts ScriptOptions) (string, error) {
	if len(opts.RunCommand) == 0 {
		return "", fmt.Errorf("run command is required")
	}

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=%s\n", jobName(opts.RunName))
	fmt.Fprintf(&b, "#SBATCH --output=%s\n", opts.outputFile())
	if opts.TaskCount != nil {
		fmt.Fprintf(&b, "#SBATCH --ntasks=%d\n", *opts.TaskCount)
	}
	if opts.NodeCount != nil {
		fmt.Fprintf(&b, "#SBATCH --nodes=%d\n", *opts.NodeCount)
	}
	if opts.NotifyEmail != "" {
		fmt.Fprintf(&b, "#SBATCH --mail-user=%s\n", opts.NotifyEmail)
		b.WriteString("#SBATCH --mail-type=ALL\n")
	}
	b.WriteString("\n")
	b.WriteString(shellquote.Join(opts.RunCommand...))
	b.WriteString("\n")
	return b.String(), nil
}

// Submit implements Adapter.
func (s *Slurm) Submit(ctx context.Context, runDir string) (string, error) {
	res, err := s.run(ctx, runDir, "sbatch", ScriptName)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("sbatch exited %d: %s", res.ExitCode, strings.TrimSpace(res.Output))
	}
	return parseJobNum(slurmSubmitted, "sbatch", res.Output)
}

// Status implements Adapter.
func (s *Slurm) Status(ctx context.Context, jobNum string) (Status, error) {
	res, err := s.run(ctx, "", "squeue", "-h", "-j", jobNum, "-o", "%T")
	if err != nil {
		return StatusFailed, err
	}
	if !res.Success() {
		// squeue rejects ids that already left the queue.
		if strings.Contains(res.Output, "Invalid job id") {
			return StatusNoInfo, nil
		}
		return StatusFailed, fmt.Errorf("squeue exited %d: %s", res.ExitCode, strings.TrimSpace(res.Output))
	}

	state := strings.TrimSpace(res.Output)
	if state == "" {
		return StatusNoInfo, nil
	}
	// Job arrays report one line per task; the first line is representative.
	if i := strings.IndexByte(state, '\n'); i >= 0 {
		state = strings.TrimSpace(state[:i])
	}
	return slurmStatus(state), nil
}

func slurmStatus(state string) Status {
	switch strings.ToUpper(state) {
	case "RUNNING", "COMPLETING", "SUSPENDED", "STAGE_OUT":
		return StatusRunning
	case "COMPLETED":
		return StatusDone
	case "FAILED", "CANCELLED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY",
		"BOOT_FAIL", "DEADLINE", "PREEMPTED", "REVOKED", "SPECIAL_EXIT":
		return StatusFailed
	default:
		// PENDING, CONFIGURING, REQUEUED, RESIZING and anything new.
		return StatusQueued
	}
}

// Cancel implements Adapter.
func (s *Slurm) Cancel(ctx context.Context, jobNum string) error {
	res, err := s.run(ctx, "", "scancel", jobNum)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("scancel exited %d: %s", res.ExitCode, strings.TrimSpace(res.Output))
	}
	s.logger.Info("Cancelled job", "jobNum", jobNum)
	return nil
}
