// Package cmd holds the pcectl command tree.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"pce/internal/config"
	"pce/internal/dispatcher"
	"pce/internal/job"
	"pce/internal/module"
	"pce/internal/scheduler"
	"pce/internal/scriptexec"
	"pce/internal/statestore"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// app carries the flags shared by every command.
type app struct {
	configPath string
	jsonOut    bool
	verbose    bool
}

// RootCmd is the root Cobra command that gets called from the main func.
func RootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "pcectl",
		Short:         "pcectl manages modules and jobs on a PCE.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "error"
			if a.verbose {
				level = "debug"
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(level)})))
		},
	}
	cmd.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("PCE_CONFIG"), "Path to the YAML config file (env PCE_CONFIG)")
	cmd.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "Print results as JSON")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log to stderr at debug level")

	cmd.AddCommand(
		moduleCmd(a),
		jobCmd(a),
		selftestCmd(a),
		remoteCmd(a),
	)

	return cmd
}

func (a *app) loadConfig() (*config.Config, error) {
	return config.Load(a.configPath)
}

// local is an in-process PCE: the same orchestrators the service runs,
// sharing its state directory through file locks.
type local struct {
	cfg     *config.Config
	modules *module.Orchestrator
	jobs    *job.Orchestrator
	disp    *dispatcher.MemoryDispatcher
	sched   scheduler.Adapter
}

func (a *app) local() (*local, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := statestore.New(cfg.StateDir())
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.DefaultRegistry().New(cfg.Scheduler.Backend, scheduler.Options{
		CommandTimeout: cfg.Scheduler.CommandTimeout,
		SGEParallelEnv: cfg.Scheduler.SGEParallelEnv,
		DockerImage:    cfg.Scheduler.DockerImage,
	})
	if err != nil {
		return nil, err
	}
	runner := scriptexec.NewExecRunner(cfg.ScriptTimeout)
	modules, err := module.NewOrchestrator(module.Config{
		Store:         store,
		Runner:        runner,
		ModulesDir:    cfg.ModulesDir(),
		ScriptTimeout: cfg.ScriptTimeout,
	})
	if err != nil {
		return nil, err
	}
	disp := dispatcher.NewMemory(dispatcher.ConfigFrom(cfg), nil)
	jobs, err := job.NewOrchestrator(job.Config{
		Store:         store,
		Modules:       modules,
		Scheduler:     sched,
		Dispatcher:    disp,
		Runner:        runner,
		UsersDir:      cfg.UsersDir(),
		ScriptTimeout: cfg.ScriptTimeout,
		NotifyEmail:   cfg.Scheduler.NotifyEmail,
	})
	if err != nil {
		disp.Close(context.Background())
		return nil, err
	}
	return &local{cfg: cfg, modules: modules, jobs: jobs, disp: disp, sched: sched}, nil
}

// close waits for any postprocess handed off during the command.
func (l *local) close() {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ScriptTimeout+time.Minute)
	defer cancel()
	if err := l.disp.Close(ctx); err != nil {
		pterm.Warning.Printfln("Postprocess did not finish: %v", err)
	}
	if c, ok := l.sched.(io.Closer); ok {
		c.Close()
	}
}

// print writes v as indented JSON.
func (a *app) print(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func parseID(name, arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, arg)
	}
	return id, nil
}
