package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"pce/internal/job"
	"pce/internal/module"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

type selftestOptions struct {
	modID       int
	jobID       int
	username    string
	runName     string
	params      []string
	timeout     time.Duration
	interval    time.Duration
	assumeReady bool
	keep        bool
}

func selftestCmd(a *app) *cobra.Command {
	opts := selftestOptions{}
	cmd := &cobra.Command{
		Use:   "selftest <module-path>",
		Short: "Install, deploy and run a module end to end on this PCE",
		Long: `selftest installs the module at <module-path> under a scratch id, deploys
it, launches one job, polls it until it finishes and deletes both again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			l, err := a.local()
			if err != nil {
				return err
			}
			defer l.close()
			return runSelftest(cmd.Context(), l, path, opts)
		},
	}
	cmd.Flags().IntVar(&opts.modID, "mod-id", 999999, "Scratch module id")
	cmd.Flags().IntVar(&opts.jobID, "job-id", 999999, "Scratch job id")
	cmd.Flags().StringVar(&opts.username, "username", "selftest", "User the job runs for")
	cmd.Flags().StringVar(&opts.runName, "run-name", "selftest", "Run name of the job")
	cmd.Flags().StringArrayVarP(&opts.params, "param", "p", nil, "Run parameter as section.key=value (repeatable)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Minute, "Give up polling after this long")
	cmd.Flags().DurationVar(&opts.interval, "interval", 5*time.Second, "Time between status polls")
	cmd.Flags().BoolVar(&opts.assumeReady, "assume-ready", false, "Mark a module that requires admin action as ready")
	cmd.Flags().BoolVar(&opts.keep, "keep", false, "Keep the module and job afterwards")
	return cmd
}

func runSelftest(ctx context.Context, l *local, path string, opts selftestOptions) error {
	params, err := parseParams(opts.params)
	if err != nil {
		return err
	}
	if v, err := l.modules.Get(ctx, opts.modID); err != nil {
		return err
	} else if v.State != module.StateDoesNotExist {
		return fmt.Errorf("module %d already exists (%s); pick another --mod-id", opts.modID, v.State)
	}
	if v, err := l.jobs.Get(ctx, opts.jobID); err != nil {
		return err
	} else if v.State != job.StateDoesNotExist {
		return fmt.Errorf("job %d already exists (%s); pick another --job-id", opts.jobID, v.State)
	}

	pterm.DefaultSection.Printfln("Self test of %s", path)
	results := pterm.TableData{{"STEP", "STATE", "DETAIL"}}
	step := func(name string, state string, detail string, ok bool) {
		results = append(results, []string{name, state, oneLine(detail)})
		if ok {
			pterm.Success.Printfln("%s: %s", name, state)
		} else {
			pterm.Error.Printfln("%s: %s %s", name, state, detail)
		}
	}
	report := func(err error) error {
		pterm.Println()
		pterm.DefaultTable.WithHasHeader().WithData(results).Render()
		return err
	}
	failed := errors.New("self test failed")

	defer func() {
		if opts.keep {
			pterm.Info.Printfln("Keeping module %d and job %d", opts.modID, opts.jobID)
			return
		}
		cleanup := context.WithoutCancel(ctx)
		if res, err := l.jobs.Delete(cleanup, opts.jobID); err != nil {
			pterm.Warning.Printfln("Delete job %d: %v", opts.jobID, err)
		} else {
			pterm.Info.Printfln("Job %d: %s", opts.jobID, res)
		}
		if res, err := l.modules.Delete(cleanup, opts.modID); err != nil {
			pterm.Warning.Printfln("Delete module %d: %v", opts.modID, err)
		} else {
			pterm.Info.Printfln("Module %d: %s", opts.modID, res)
		}
	}()

	mv, err := l.modules.Install(ctx, module.InstallRequest{
		ModID:          opts.modID,
		ModName:        "selftest",
		SourceLocation: module.SourceLocation{Type: "local", Path: path},
	})
	if err != nil {
		step("install", "error", err.Error(), false)
		return report(err)
	}
	step("install", string(mv.State), mv.Error, mv.State == module.StateInstalled)
	if mv.State != module.StateInstalled {
		return report(failed)
	}

	mv, err = l.modules.Deploy(ctx, opts.modID)
	if err != nil {
		step("deploy", "error", err.Error(), false)
		return report(err)
	}
	if mv.State == module.StateAdminRequired && opts.assumeReady {
		step("deploy", string(mv.State), mv.Error, true)
		if mv, err = l.modules.MarkReady(ctx, opts.modID); err != nil {
			step("ready", "error", err.Error(), false)
			return report(err)
		}
	}
	step("deploy", string(mv.State), mv.Error, mv.State == module.StateReady)
	if mv.State != module.StateReady {
		return report(failed)
	}

	jv, err := l.jobs.Launch(ctx, job.LaunchRequest{
		JobID:     opts.jobID,
		ModID:     opts.modID,
		Username:  opts.username,
		RunName:   opts.runName,
		RunParams: params,
	})
	if err != nil && jv.JobID == 0 {
		step("launch", "error", err.Error(), false)
		return report(err)
	}
	step("launch", string(jv.State), jv.Error, err == nil)
	if err != nil || jv.State.Terminal() {
		return report(failed)
	}

	jv, err = pollJob(ctx, l, opts)
	if err != nil {
		step("run", string(jv.State), err.Error(), false)
		return report(err)
	}
	step("run", string(jv.State), jv.Error, jv.State == job.StateDone)
	if jv.State != job.StateDone {
		return report(failed)
	}
	if jv.Output != "" {
		pterm.DefaultBox.WithTitle("Output").Println(jv.Output)
	}
	return report(nil)
}

func pollJob(ctx context.Context, l *local, opts selftestOptions) (job.View, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Waiting for job %d", opts.jobID))
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	var last job.View
	for {
		v, err := l.jobs.Status(ctx, opts.jobID)
		if err != nil {
			spinner.Fail(err.Error())
			return last, err
		}
		last = v
		spinner.UpdateText(fmt.Sprintf("Job %d: %s %s", opts.jobID, v.State, oneLine(v.ModStatusOutput)))
		if v.State.Terminal() || v.State == job.StateDoesNotExist {
			spinner.Success(fmt.Sprintf("Job %d: %s", opts.jobID, v.State))
			return v, nil
		}

		select {
		case <-ctx.Done():
			spinner.Fail("Timed out")
			return last, fmt.Errorf("job %d still %s after %s", opts.jobID, last.State, opts.timeout)
		case <-ticker.C:
		}
	}
}
