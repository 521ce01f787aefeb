package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"
)

var sgeSubmitted = regexp.MustCompile(`Your job (\d+)`)

// SGE drives Sun/Univa Grid Engine through qsub, qstat and qdel.
type SGE struct {
	cliBackend
	parallelEnv string
}

// NewSGE is the Factory for the "sge" backend.
func NewSGE(opts Options) (Adapter, error) {
	pe := opts.SGEParallelEnv
	if pe == "" {
		pe = "orte"
	}
	return &SGE{cliBackend: newCLIBackend("sge", opts), parallelEnv: pe}, nil
}

// Name implements Adapter.
func (s *SGE) Name() string { return "sge" }

// Ready checks that the Grid Engine client tools are installed.
func (s *SGE) Ready(ctx context.Context) error {
	return lookTools("qsub", "qstat", "qdel")
}

// Render implements Adapter. Grid Engine has no node-count request; the
// parallel environment decides placement, so NodeCount is not rendered.
func (s *SGE) Render(opts ScriptOptions) (string, error) {
	if len(opts.RunCommand) == 0 {
		return "", fmt.Errorf("run command is required")
	}

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#$ -N %s\n", jobName(opts.RunName))
	b.WriteString("#$ -S /bin/bash\n")
	b.WriteString("#$ -cwd\n")
	b.WriteString("#$ -j y\n")
	fmt.Fprintf(&b, "#$ -o %s\n", opts.outputFile())
	if opts.TaskCount != nil {
		fmt.Fprintf(&b, "#$ -pe %s %d\n", s.parallelEnv, *opts.TaskCount)
	}
	if opts.NodeCount != nil {
		s.logger.Debug("Ignoring node count, not supported by grid engine", "nodes", *opts.NodeCount)
	}
	if opts.NotifyEmail != "" {
		fmt.Fprintf(&b, "#$ -M %s\n", opts.NotifyEmail)
		b.WriteString("#$ -m bea\n")
	}
	b.WriteString("\n")
	b.WriteString(shellquote.Join(opts.RunCommand...))
	b.WriteString("\n")
	return b.String(), nil
}

// Submit implements Adapter.
func (s *SGE) Submit(ctx context.Context, runDir string) (string, error) {
	res, err := s.run(ctx, runDir, "qsub", ScriptName)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("qsub exited %d: %s", res.ExitCode, strings.TrimSpace(res.Output))
	}
	return parseJobNum(sgeSubmitted, "qsub", res.Output)
}

// Status implements Adapter. qstat lists only jobs still known to the
// scheduler, so a missing row is StatusNoInfo.
func (s *SGE) Status(ctx context.Context, jobNum string) (Status, error) {
	res, err := s.run(ctx, "", "qstat")
	if err != nil {
		return StatusFailed, err
	}
	if !res.Success() {
		return StatusFailed, fmt.Errorf("qstat exited %d: %s", res.ExitCode, strings.TrimSpace(res.Output))
	}

	for _, line := range strings.Split(res.Output, "\n") {
		fields := strings.Fields(line)
		// job-ID prior name user state submit/start-at ...
		if len(fields) < 5 || fields[0] != jobNum {
			continue
		}
		return sgeStatus(fields[4]), nil
	}
	return StatusNoInfo, nil
}

func sgeStatus(state string) Status {
	switch {
	case strings.Contains(state, "E"), strings.Contains(state, "d"):
		return StatusFailed
	case strings.ContainsAny(state, "rtRsST"):
		return StatusRunning
	default:
		// qw, hqw, w, h
		return StatusQueued
	}
}

// Cancel implements Adapter.
func (s *SGE) Cancel(ctx context.Context, jobNum string) error {
	res, err := s.run(ctx, "", "qdel", jobNum)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("qdel exited %d: %s", res.ExitCode, strings.TrimSpace(res.Output))
	}
	s.logger.Info("Cancelled job", "jobNum", jobNum)
	return nil
}
