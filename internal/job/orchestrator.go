// Package job drives jobs through launch (init, preprocess, schedule),
// scheduler-driven refresh, asynchronous postprocessing and deletion.
//
// Each stage holds the job's record lock only while it reads or updates the
// record. Module scripts and scheduler commands run with the lock released,
// and the stage re-checks the record after relocking: a delete requested in
// the meantime is carried out by the stage itself.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"pce/internal/apperrors"
	"pce/internal/dispatcher"
	"pce/internal/module"
	"pce/internal/observability"
	"pce/internal/scheduler"
	"pce/internal/scriptexec"
	"pce/internal/statestore"
	"regexp"
	"strings"
	"time"
)

// Kind is the statestore kind of job records.
const Kind = "jobs"

// maxResultSize caps how much of the result file is stored in the record.
const maxResultSize = 1 << 20

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@-]*$`)
	runNamePattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
)

// Modules is the view of the module orchestrator a job needs.
type Modules interface {
	Get(ctx context.Context, modID int) (module.View, error)
}

// Config holds the orchestrator's dependencies.
type Config struct {
	Store         *statestore.Store
	Modules       Modules
	Scheduler     scheduler.Adapter
	Dispatcher    dispatcher.Dispatcher
	Runner        scriptexec.Runner
	UsersDir      string                 // Parent of per-user run directories
	ScriptTimeout time.Duration          // Bound on module scripts
	NotifyEmail   string                 // Optional scheduler mail notification
	Metrics       *observability.Metrics // Optional
}

// Orchestrator drives job state transitions.
type Orchestrator struct {
	store         *statestore.Store
	modules       Modules
	sched         scheduler.Adapter
	dispatcher    dispatcher.Dispatcher
	runner        scriptexec.Runner
	usersDir      string
	scriptTimeout time.Duration
	notifyEmail   string
	metrics       *observability.Metrics
}

// NewOrchestrator creates a job orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("store is required")
	case cfg.Modules == nil:
		return nil, fmt.Errorf("modules is required")
	case cfg.Scheduler == nil:
		return nil, fmt.Errorf("scheduler is required")
	case cfg.Dispatcher == nil:
		return nil, fmt.Errorf("dispatcher is required")
	case cfg.UsersDir == "":
		return nil, fmt.Errorf("users dir is required")
	}
	runner := cfg.Runner
	if runner == nil {
		runner = scriptexec.NewExecRunner(cfg.ScriptTimeout)
	}
	return &Orchestrator{
		store:         cfg.Store,
		modules:       cfg.Modules,
		sched:         cfg.Scheduler,
		dispatcher:    cfg.Dispatcher,
		runner:        runner,
		usersDir:      cfg.UsersDir,
		scriptTimeout: cfg.ScriptTimeout,
		notifyEmail:   cfg.NotifyEmail,
		metrics:       cfg.Metrics,
	}, nil
}

type handle = statestore.Handle[Record, *Record]

func (o *Orchestrator) open(ctx context.Context, jobID int) (*handle, error) {
	return statestore.Open[Record](ctx, o.store, Kind, jobID)
}

// Launch runs Init, Preprocess and Schedule. It stops at the first stage
// that leaves the job in a failed state and returns the job as it stands.
func (o *Orchestrator) Launch(ctx context.Context, req LaunchRequest) (View, error) {
	v, err := o.Init(ctx, req)
	if err != nil || v.State != StateSettingUpLaunch {
		return v, err
	}
	if v, err = o.Preprocess(ctx, req.JobID); err != nil || v.State != StatePreprocessing {
		return v, err
	}
	return o.Schedule(ctx, req.JobID)
}

// Init creates the job record and prepares its run directory. The module
// must be Ready; its state is read under the module lock while the job lock
// is held.
func (o *Orchestrator) Init(ctx context.Context, req LaunchRequest) (View, error) {
	if err := validateLaunch(req); err != nil {
		return View{}, err
	}
	logger := slog.With("jobId", req.JobID, "modId", req.ModID, "user", req.Username)

	h, err := o.open(ctx, req.JobID)
	if err != nil {
		return View{}, err
	}
	if h.Rec.Live() {
		h.Close()
		return View{}, apperrors.Precondition("job", apperrors.ReasonAlreadyLaunched, "job already launched")
	}

	mod, err := o.modules.Get(ctx, req.ModID)
	if err != nil {
		h.Close()
		return View{}, err
	}
	if mod.State != module.StateReady {
		o.setFailed(ctx, h, req, StateLaunchFailed, fmt.Sprintf("module %d is not ready (state %q)", req.ModID, mod.State))
		v, err := commit(h)
		if err != nil {
			return View{}, err
		}
		logger.Warn("Launch refused, module not ready", "moduleState", mod.State)
		return v, apperrors.Precondition("module", apperrors.ReasonModuleNotReady, v.Error)
	}

	meta, err := module.LoadMetadata(mod.InstalledPath)
	if err != nil {
		o.setFailed(ctx, h, req, StateLaunchFailed, err.Error())
		return commit(h)
	}
	params, err := meta.ValidateParams(req.RunParams)
	if err != nil {
		// Nothing is recorded for rejected parameters.
		h.Close()
		return View{}, err
	}

	runDir := filepath.Join(o.usersDir, req.Username, fmt.Sprintf("%s_%d", mod.ModName, req.ModID), req.RunName)
	*h.Rec = Record{
		JobID:    req.JobID,
		ModID:    req.ModID,
		Username: req.Username,
		RunName:  req.RunName,
		RunDir:   runDir,
		State:    StateSettingUpLaunch,
	}
	if err := h.Close(); err != nil {
		return View{}, err
	}
	o.recordTransition(ctx, StateSettingUpLaunch)

	ctx = context.WithoutCancel(ctx)
	setupErr := setupRunDir(ctx, mod.InstalledPath, runDir, params)

	h, err = o.open(ctx, req.JobID)
	if err != nil {
		return View{}, err
	}
	if h.Rec.MarkedForDeletion {
		return View{}, o.teardown(ctx, h, logger)
	}
	if setupErr != nil {
		logger.Error("Failed to set up run directory", "runDir", runDir, "error", setupErr)
		h.Rec.State = StateLaunchFailed
		h.Rec.Error = setupErr.Error()
		o.recordTransition(ctx, StateLaunchFailed)
		return commit(h)
	}
	logger.Info("Run directory ready", "runDir", runDir)
	return commit(h)
}

func validateLaunch(req LaunchRequest) error {
	switch {
	case req.JobID <= 0:
		return apperrors.Validation("job_id", "job_id must be a positive integer")
	case req.ModID <= 0:
		return apperrors.Validation("mod_id", "mod_id must be a positive integer")
	case !usernamePattern.MatchString(req.Username):
		return apperrors.Validation("username", "username must be alphanumeric (dots, hyphens, underscores and @ allowed)")
	case !runNamePattern.MatchString(req.RunName):
		return apperrors.Validation("run_name", "run_name must be alphanumeric (dots, hyphens and underscores allowed)")
	}
	return nil
}

// setupRunDir copies the installed module into runDir unless it already
// exists, then writes the run parameters.
func setupRunDir(ctx context.Context, installed, runDir string, params module.Params) error {
	if _, err := os.Stat(runDir); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(runDir), 0o755); err != nil {
			return fmt.Errorf("failed to create user dir: %w", err)
		}
		if err := module.CopyTree(ctx, installed, runDir); err != nil {
			return fmt.Errorf("failed to copy module into run dir: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to stat run dir: %w", err)
	}
	return WriteRunParams(filepath.Join(runDir, RunParamsFile), params)
}

// Preprocess runs the module's preprocess script in the run directory.
func (o *Orchestrator) Preprocess(ctx context.Context, jobID int) (View, error) {
	logger := slog.With("jobId", jobID)
	h, err := o.open(ctx, jobID)
	if err != nil {
		return View{}, err
	}
	if h.Rec.MarkedForDeletion {
		return View{}, o.teardown(ctx, h, logger)
	}
	if h.Rec.State != StateSettingUpLaunch {
		return View{}, invalidTransition(h, "preprocess")
	}
	h.Rec.State = StatePreprocessing
	runDir := h.Rec.RunDir
	if err := h.Close(); err != nil {
		return View{}, err
	}
	o.recordTransition(ctx, StatePreprocessing)

	ctx = context.WithoutCancel(ctx)
	logger.Info("Preprocessing", "runDir", runDir)
	ok, msg := o.runScript(ctx, runDir, module.PreprocessScript, "preprocess.log")

	h, err = o.open(ctx, jobID)
	if err != nil {
		return View{}, err
	}
	if h.Rec.MarkedForDeletion {
		return View{}, o.teardown(ctx, h, logger)
	}
	if !ok {
		logger.Warn("Preprocess failed", "error", msg)
		h.Rec.State = StatePreprocessFailed
		h.Rec.Error = msg
		o.recordTransition(ctx, StatePreprocessFailed)
	}
	return commit(h)
}

// Schedule renders the batch script and submits it to the scheduler.
func (o *Orchestrator) Schedule(ctx context.Context, jobID int) (View, error) {
	logger := slog.With("jobId", jobID, "backend", o.sched.Name())
	h, err := o.open(ctx, jobID)
	if err != nil {
		return View{}, err
	}
	if h.Rec.MarkedForDeletion {
		return View{}, o.teardown(ctx, h, logger)
	}
	if h.Rec.State != StatePreprocessing {
		return View{}, invalidTransition(h, "schedule")
	}
	runDir, runName := h.Rec.RunDir, h.Rec.RunName
	if err := h.Close(); err != nil {
		return View{}, err
	}

	ctx = context.WithoutCancel(ctx)
	jobNum, schedErr := o.submit(ctx, runDir, runName)

	h, err = o.open(ctx, jobID)
	if err != nil {
		return View{}, err
	}
	if h.Rec.MarkedForDeletion {
		if schedErr == nil {
			o.cancel(ctx, jobNum, logger)
		}
		return View{}, o.teardown(ctx, h, logger)
	}
	if schedErr != nil {
		logger.Error("Schedule failed", "error", schedErr)
		h.Rec.State = StateScheduleFailed
		h.Rec.Error = schedErr.Error()
	} else {
		logger.Info("Job scheduled", "schedulerJobNum", jobNum)
		h.Rec.State = StateScheduled
		h.Rec.SchedulerJobNum = jobNum
	}
	o.recordTransition(ctx, h.Rec.State)
	return commit(h)
}

func (o *Orchestrator) submit(ctx context.Context, runDir, runName string) (string, error) {
	opts := scheduler.ScriptOptions{
		RunName:     runName,
		RunCommand:  []string{module.RunScript},
		NotifyEmail: o.notifyEmail,
	}
	meta, err := module.LoadMetadata(runDir)
	if err != nil {
		return "", err
	}
	if params, err := ReadRunParams(filepath.Join(runDir, RunParamsFile), meta); err == nil {
		opts.TaskCount = intParam(params, "onramp", "np")
		opts.NodeCount = intParam(params, "onramp", "nodes")
	}

	script, err := o.sched.Render(opts)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(runDir, scheduler.ScriptName), []byte(script), 0o755); err != nil {
		return "", fmt.Errorf("failed to write batch script: %w", err)
	}

	start := time.Now()
	jobNum, err := o.sched.Submit(ctx, runDir)
	o.recordScheduler(ctx, "submit", err == nil, start)
	return jobNum, err
}

// Refresh asks the scheduler about a scheduled job and advances its state.
// A job in Postprocessing has its postprocess queued again, which is a no-op
// while one is in flight. Jobs in any other state are left alone.
func (o *Orchestrator) Refresh(ctx context.Context, jobID int) error {
	logger := slog.With("jobId", jobID, "backend", o.sched.Name())
	h, err := o.open(ctx, jobID)
	if err != nil {
		return err
	}
	prev := h.Rec.State
	jobNum, runDir := h.Rec.SchedulerJobNum, h.Rec.RunDir
	if err := h.Close(); err != nil {
		return err
	}
	if prev == StatePostprocessing {
		o.dispatchPostprocess(jobID, logger)
		return nil
	}
	if !prev.Scheduled() {
		return nil
	}

	start := time.Now()
	status, statusErr := o.sched.Status(ctx, jobNum)
	o.recordScheduler(ctx, "status", statusErr == nil, start)

	var statusOutput string
	if statusErr == nil && status == scheduler.StatusRunning {
		statusOutput = o.moduleStatus(ctx, runDir)
	}

	h, err = o.open(ctx, jobID)
	if err != nil {
		return err
	}
	if h.Rec.State != prev {
		// Another refresh or a delete got there first.
		return h.Close()
	}

	next := prev
	switch {
	case statusErr != nil:
		logger.Warn("Scheduler status failed", "schedulerJobNum", jobNum, "error", statusErr)
		next = StateRunFailed
		h.Rec.Error = statusErr.Error()
	case status == scheduler.StatusDone, status == scheduler.StatusNoInfo:
		next = StatePostprocessing
	case status == scheduler.StatusFailed:
		next = StateRunFailed
		h.Rec.Error = fmt.Sprintf("scheduler job %s failed", jobNum)
	case status == scheduler.StatusRunning:
		next = StateRunning
		h.Rec.ModStatusOutput = statusOutput
	case status == scheduler.StatusQueued:
		next = StateQueued
	}
	h.Rec.State = next
	if err := h.Close(); err != nil {
		return err
	}
	if next != prev {
		logger.Info("Job state changed", "from", prev, "to", next)
		o.recordTransition(ctx, next)
	}
	if next == StatePostprocessing {
		o.dispatchPostprocess(jobID, logger)
	}
	return nil
}

// moduleStatus runs the module's status script. A missing script yields no output.
func (o *Orchestrator) moduleStatus(ctx context.Context, runDir string) string {
	script := filepath.Join(runDir, module.StatusScript)
	if _, err := os.Stat(script); err != nil {
		return ""
	}
	start := time.Now()
	res, err := o.runner.Run(ctx, scriptexec.Command{
		Name:    script,
		Dir:     runDir,
		Timeout: o.scriptTimeout,
	})
	o.recordScript(ctx, module.StatusScript, err == nil && res.Success(), start)
	if err != nil || res == nil {
		return ""
	}
	return strings.TrimSpace(res.Output)
}

func (o *Orchestrator) dispatchPostprocess(jobID int, logger *slog.Logger) {
	err := o.dispatcher.Dispatch(&dispatcher.Task{
		Name: "postprocess",
		Key:  fmt.Sprintf("postprocess/%d", jobID),
		Run: func(ctx context.Context) error {
			_, err := o.Postprocess(ctx, jobID)
			switch apperrors.ReasonOf(err) {
			case apperrors.ReasonDeleted, apperrors.ReasonInvalidTransition:
				// Deleted meanwhile, or an earlier run already finished it.
				return nil
			}
			return err
		},
	})
	if err != nil {
		logger.Error("Failed to dispatch postprocess", "error", err)
	}
}

// Postprocess runs the module's postprocess script and stores the result
// file as the job output.
func (o *Orchestrator) Postprocess(ctx context.Context, jobID int) (View, error) {
	logger := slog.With("jobId", jobID)
	h, err := o.open(ctx, jobID)
	if err != nil {
		return View{}, err
	}
	if h.Rec.MarkedForDeletion {
		return View{}, o.teardown(ctx, h, logger)
	}
	if h.Rec.State != StatePostprocessing {
		return View{}, invalidTransition(h, "postprocess")
	}
	runDir := h.Rec.RunDir
	if err := h.Close(); err != nil {
		return View{}, err
	}

	ctx = context.WithoutCancel(ctx)
	logger.Info("Postprocessing", "runDir", runDir)
	ok, msg := o.runScript(ctx, runDir, module.PostprocessScript, "postprocess.log")
	var output string
	if ok {
		output, err = readResult(runDir)
		if err != nil {
			ok, msg = false, err.Error()
		}
	}

	h, err = o.open(ctx, jobID)
	if err != nil {
		return View{}, err
	}
	if h.Rec.MarkedForDeletion {
		return View{}, o.teardown(ctx, h, logger)
	}
	if !ok {
		logger.Warn("Postprocess failed", "error", msg)
		h.Rec.State = StatePostprocessFailed
		h.Rec.Error = msg
	} else {
		logger.Info("Job done")
		h.Rec.State = StateDone
		h.Rec.Output = output
	}
	o.recordTransition(ctx, h.Rec.State)
	return commit(h)
}

// readResult returns the module's result file. A missing file is empty output.
func readResult(runDir string) (string, error) {
	meta, err := module.LoadMetadata(runDir)
	if err != nil {
		return "", err
	}
	f, err := os.Open(filepath.Join(runDir, meta.ResultFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open result file: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxResultSize))
	if err != nil {
		return "", fmt.Errorf("failed to read result file: %w", err)
	}
	return string(data), nil
}

// runScript runs a module script from the run directory, logging its output
// under log/. A missing script succeeds. On failure the message carries the
// exit status and output.
func (o *Orchestrator) runScript(ctx context.Context, runDir, script, logName string) (bool, string) {
	path := filepath.Join(runDir, script)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return true, ""
	}
	start := time.Now()
	res, err := o.runner.Run(ctx, scriptexec.Command{
		Name:    path,
		Dir:     runDir,
		Timeout: o.scriptTimeout,
		LogPath: filepath.Join(runDir, "log", logName),
	})
	o.recordScript(ctx, script, err == nil && res.Success(), start)
	switch {
	case err != nil:
		msg := err.Error()
		if res != nil && res.Output != "" {
			msg += ": " + res.Output
		}
		return false, msg
	case !res.Success():
		return false, fmt.Sprintf("%s exited %d: %s", script, res.ExitCode, res.Output)
	}
	return true, ""
}

// Status refreshes the job and returns it.
func (o *Orchestrator) Status(ctx context.Context, jobID int) (View, error) {
	if err := o.Refresh(ctx, jobID); err != nil {
		return View{}, err
	}
	return o.Get(ctx, jobID)
}

// Get returns a snapshot of the job with its visible files. An unknown job
// is reported with StateDoesNotExist rather than an error.
func (o *Orchestrator) Get(ctx context.Context, jobID int) (View, error) {
	h, err := o.open(ctx, jobID)
	if err != nil {
		return View{}, err
	}
	v := h.Rec.View()
	v.JobID = jobID
	if err := h.Close(); err != nil {
		return View{}, err
	}
	if v.State.early() {
		return v, nil
	}
	meta, err := module.LoadMetadata(v.RunDir)
	if err != nil {
		slog.Warn("Failed to load module metadata", "jobId", jobID, "error", err)
		return v, nil
	}
	files, err := listVisibleFiles(v.RunDir, meta.VisibleFiles, jobID)
	if err != nil {
		slog.Warn("Failed to list visible files", "jobId", jobID, "error", err)
		return v, nil
	}
	v.VisibleFiles = files
	return v, nil
}

// List returns all jobs.
func (o *Orchestrator) List(ctx context.Context) ([]View, error) {
	ids, err := o.store.IDs(Kind)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(ids))
	for _, id := range ids {
		v, err := o.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if v.State == StateDoesNotExist {
			continue
		}
		views = append(views, v)
	}
	return views, nil
}

// FilePath resolves rel to an absolute path inside the job's run directory.
// Only files matching the module's visible file patterns are served.
func (o *Orchestrator) FilePath(ctx context.Context, jobID int, rel string) (string, error) {
	clean, ok := cleanRel(rel)
	if !ok {
		return "", apperrors.Validation("path", "path must be relative to the run directory")
	}
	v, err := o.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if v.State.early() {
		return "", apperrors.NotFound("job file", fmt.Sprintf("%d/%s", jobID, clean))
	}
	meta, err := module.LoadMetadata(v.RunDir)
	if err != nil {
		return "", apperrors.Internal("job.files", err)
	}
	if !matchVisible(meta.VisibleFiles, clean) {
		return "", apperrors.NotFound("job file", fmt.Sprintf("%d/%s", jobID, clean))
	}
	path := filepath.Join(v.RunDir, filepath.FromSlash(clean))
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return "", apperrors.NotFound("job file", fmt.Sprintf("%d/%s", jobID, clean))
	}
	return path, nil
}

// Delete cancels the job at the scheduler if needed, removes its run
// directory and its record. While a stage is running a module script the
// job is only marked, and that stage tears it down when it finishes.
func (o *Orchestrator) Delete(ctx context.Context, jobID int) (DeleteResult, error) {
	logger := slog.With("jobId", jobID)
	h, err := o.open(ctx, jobID)
	if err != nil {
		return "", err
	}
	switch {
	case !h.Rec.Live():
		return DoesNotExist, h.Close()
	case h.Rec.State.transitional():
		h.Rec.MarkedForDeletion = true
		logger.Info("Job marked for deletion", "state", h.Rec.State)
		return MarkedForDeletion, h.Close()
	case h.Rec.State.Scheduled():
		o.cancel(ctx, h.Rec.SchedulerJobNum, logger)
	}
	o.removeRunDir(h.Rec, logger)
	*h.Rec = Record{}
	if err := h.Close(); err != nil {
		return "", err
	}
	logger.Info("Job deleted")
	return Deleted, nil
}

// Resume recovers jobs a restart left in a transitional state. Jobs marked
// for deletion are torn down, jobs cut off during init or preprocess are
// failed, and postprocessing is queued again. It returns the number of jobs
// recovered.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	ids, err := o.store.IDs(Kind)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		ok, err := o.resumeOne(ctx, id)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (o *Orchestrator) resumeOne(ctx context.Context, jobID int) (bool, error) {
	logger := slog.With("jobId", jobID)
	h, err := o.open(ctx, jobID)
	if err != nil {
		return false, err
	}
	state := h.Rec.State
	switch {
	case state == StatePostprocessing:
		if err := h.Close(); err != nil {
			return false, err
		}
		o.dispatchPostprocess(jobID, logger)
		return true, nil
	case !state.transitional():
		return false, h.Close()
	case h.Rec.MarkedForDeletion:
		if err := o.teardown(ctx, h, logger); apperrors.ReasonOf(err) != apperrors.ReasonDeleted {
			return false, err
		}
		return true, nil
	}

	failed := StateLaunchFailed
	if state == StatePreprocessing {
		failed = StatePreprocessFailed
	}
	h.Rec.State = failed
	h.Rec.Error = fmt.Sprintf("interrupted by restart during %s", state)
	if err := h.Close(); err != nil {
		return false, err
	}
	logger.Warn("Job interrupted by restart", "from", state, "to", failed)
	o.recordTransition(ctx, failed)
	return true, nil
}

func (o *Orchestrator) cancel(ctx context.Context, jobNum string, logger *slog.Logger) {
	if jobNum == "" {
		return
	}
	start := time.Now()
	err := o.sched.Cancel(ctx, jobNum)
	o.recordScheduler(ctx, "cancel", err == nil, start)
	if err != nil {
		logger.Warn("Failed to cancel scheduler job", "schedulerJobNum", jobNum, "error", err)
	}
}

// teardown finishes a deletion requested while a stage ran. It removes the
// run directory, clears the record, releases h and returns the error the
// interrupted stage reports.
func (o *Orchestrator) teardown(ctx context.Context, h *handle, logger *slog.Logger) error {
	if h.Rec.State.Scheduled() {
		o.cancel(ctx, h.Rec.SchedulerJobNum, logger)
	}
	o.removeRunDir(h.Rec, logger)
	*h.Rec = Record{}
	if err := h.Close(); err != nil {
		return err
	}
	logger.Info("Job deleted after marked stage finished")
	return apperrors.Precondition("job", apperrors.ReasonDeleted, "job was deleted while the stage ran")
}

func (o *Orchestrator) removeRunDir(rec *Record, logger *slog.Logger) {
	if rec.RunDir == "" || filepath.Base(rec.RunDir) != rec.RunName {
		return
	}
	if err := os.RemoveAll(rec.RunDir); err != nil {
		logger.Warn("Failed to remove run dir", "runDir", rec.RunDir, "error", err)
	}
}

// setFailed records a launch that failed before a run dir was chosen.
func (o *Orchestrator) setFailed(ctx context.Context, h *handle, req LaunchRequest, state State, msg string) {
	*h.Rec = Record{
		JobID:    req.JobID,
		ModID:    req.ModID,
		Username: req.Username,
		RunName:  req.RunName,
		State:    state,
		Error:    msg,
	}
	o.recordTransition(ctx, state)
}

func invalidTransition(h *handle, stage string) error {
	state := h.Rec.View().State
	h.Close()
	return apperrors.Precondition("job", apperrors.ReasonInvalidTransition,
		fmt.Sprintf("cannot %s job in state %q", stage, state))
}

// commit releases h and returns the view it persisted.
func commit(h *handle) (View, error) {
	v := h.Rec.View()
	if err := h.Close(); err != nil {
		return View{}, err
	}
	return v, nil
}

func (o *Orchestrator) recordTransition(ctx context.Context, state State) {
	if o.metrics != nil {
		o.metrics.RecordTransition(ctx, Kind, string(state))
	}
}

func (o *Orchestrator) recordScript(ctx context.Context, script string, success bool, start time.Time) {
	if o.metrics != nil {
		o.metrics.RecordScript(ctx, script, success, time.Since(start).Seconds())
	}
}

func (o *Orchestrator) recordScheduler(ctx context.Context, op string, success bool, start time.Time) {
	if o.metrics != nil {
		o.metrics.RecordSchedulerCommand(ctx, o.sched.Name(), op, success, time.Since(start).Seconds())
	}
}
