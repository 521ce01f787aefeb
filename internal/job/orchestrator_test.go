package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"pce/internal/apperrors"
	"pce/internal/dispatcher"
	"pce/internal/module"
	"pce/internal/scheduler"
	"pce/internal/scriptexec"
	"pce/internal/statestore"
	"pce/internal/testutil"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScheduler records calls and returns canned answers.
type fakeScheduler struct {
	mu        sync.Mutex
	submitErr error
	status    scheduler.Status
	statusErr error
	submitted []string
	cancelled []string
	lastOpts  scheduler.ScriptOptions
}

func (f *fakeScheduler) Name() string { return "fake" }

func (f *fakeScheduler) Render(opts scheduler.ScriptOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOpts = opts
	return "#!/bin/bash\n" + strings.Join(opts.RunCommand, " ") + "\n", nil
}

func (f *fakeScheduler) Submit(ctx context.Context, runDir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, runDir)
	return fmt.Sprintf("%d", 1000+len(f.submitted)), nil
}

func (f *fakeScheduler) Status(ctx context.Context, jobNum string) (scheduler.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return scheduler.StatusFailed, f.statusErr
	}
	return f.status, nil
}

func (f *fakeScheduler) Cancel(ctx context.Context, jobNum string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobNum)
	return nil
}

func (f *fakeScheduler) set(status scheduler.Status, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.statusErr = status, err
}

func (f *fakeScheduler) cancelledJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

const defaultMetadata = `result_file: output.txt
visible_files:
  - output.txt
  - "plots/*.png"
params:
  sim:
    steps:
      type: int
      min: 1
      default: 10
`

// moduleFiles are the files of the test module, keyed by relative path.
func moduleFiles() map[string]string {
	return map[string]string{
		module.RunScript:         "#!/bin/sh\necho run\n",
		module.PreprocessScript:  "#!/bin/sh\necho preprocessing\n",
		module.StatusScript:      "#!/bin/sh\necho 50%\n",
		module.PostprocessScript: "#!/bin/sh\necho result > output.txt\nmkdir -p plots\necho png > plots/a.png\n",
		module.MetadataFile:      defaultMetadata,
	}
}

type testEnv struct {
	jobs    *Orchestrator
	modules *module.Orchestrator
	sched   *fakeScheduler
	store   *statestore.Store
	disp    *dispatcher.MemoryDispatcher
	root    string
}

type envOption func(*envConfig)

type envConfig struct {
	files  map[string]string
	runner scriptexec.Runner
	ready  bool
}

func withFile(path, content string) envOption {
	return func(c *envConfig) { c.files[path] = content }
}

func withoutFile(path string) envOption {
	return func(c *envConfig) { delete(c.files, path) }
}

func withRunner(r scriptexec.Runner) envOption {
	return func(c *envConfig) { c.runner = r }
}

func notReady() envOption {
	return func(c *envConfig) { c.ready = false }
}

// newEnv installs module 1 ("demo") and, unless notReady is given, deploys it.
func newEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{files: moduleFiles(), ready: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	root := t.TempDir()
	src := filepath.Join(root, "src")
	for rel, content := range cfg.files {
		path := filepath.Join(src, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		mode := os.FileMode(0o644)
		if strings.HasPrefix(rel, "bin/") {
			mode = 0o755
		}
		require.NoError(t, os.WriteFile(path, []byte(content), mode))
	}

	store, err := statestore.New(filepath.Join(root, "state"))
	require.NoError(t, err)
	modules, err := module.NewOrchestrator(module.Config{
		Store:         store,
		ModulesDir:    filepath.Join(root, "modules"),
		ScriptTimeout: 10 * time.Second,
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = modules.Install(ctx, module.InstallRequest{
		ModID:          1,
		ModName:        "demo",
		SourceLocation: module.SourceLocation{Type: "local", Path: src},
	})
	require.NoError(t, err)
	if cfg.ready {
		v, err := modules.Deploy(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, module.StateReady, v.State)
	}

	disp := dispatcher.NewMemory(dispatcher.MemoryConfig{BufferSize: 8, Workers: 1}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		disp.Close(ctx)
	})

	runner := cfg.runner
	if runner == nil {
		runner = scriptexec.NewExecRunner(10 * time.Second)
	}
	sched := &fakeScheduler{status: scheduler.StatusQueued}
	jobs, err := NewOrchestrator(Config{
		Store:         store,
		Modules:       modules,
		Scheduler:     sched,
		Dispatcher:    disp,
		Runner:        runner,
		UsersDir:      filepath.Join(root, "users"),
		ScriptTimeout: 10 * time.Second,
	})
	require.NoError(t, err)

	return &testEnv{jobs: jobs, modules: modules, sched: sched, store: store, disp: disp, root: root}
}

// waitForState polls the job until it reaches want.
func (e *testEnv) waitForState(t *testing.T, jobID int, want State) {
	t.Helper()
	testutil.MustWaitForValue(t, func() (State, error) {
		v, err := e.jobs.Get(context.Background(), jobID)
		return v.State, err
	}, want)
}

func launchReq(jobID int) LaunchRequest {
	return LaunchRequest{
		JobID:     jobID,
		ModID:     1,
		Username:  "alice",
		RunName:   fmt.Sprintf("run%d", jobID),
		RunParams: module.Params{"onramp": {"np": 4}},
	}
}

func TestLaunch_Success(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()

	v, err := env.jobs.Launch(ctx, launchReq(1))
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, v.State)
	assert.Equal(t, "1001", v.SchedulerJobNum)
	assert.Equal(t, filepath.Join(env.root, "users", "alice", "demo_1", "run1"), v.RunDir)

	// Run dir holds the module copy, params, batch script and preprocess log.
	assert.FileExists(t, filepath.Join(v.RunDir, module.RunScript))
	assert.FileExists(t, filepath.Join(v.RunDir, scheduler.ScriptName))
	logData, err := os.ReadFile(filepath.Join(v.RunDir, "log", "preprocess.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "preprocessing")

	params, err := ReadRunParams(filepath.Join(v.RunDir, RunParamsFile), nil)
	require.NoError(t, err)
	assert.Equal(t, "4", params["onramp"]["np"])
	assert.Equal(t, "10", params["sim"]["steps"], "defaults are written")

	require.NotNil(t, env.sched.lastOpts.TaskCount)
	assert.Equal(t, 4, *env.sched.lastOpts.TaskCount)
	assert.Nil(t, env.sched.lastOpts.NodeCount)
	assert.Equal(t, []string{module.RunScript}, env.sched.lastOpts.RunCommand)

	got, err := env.jobs.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, got.State)
	assert.Empty(t, got.VisibleFiles)
}

func TestInit_ModuleNotReady(t *testing.T) {
	t.Parallel()
	env := newEnv(t, notReady())
	ctx := context.Background()

	v, err := env.jobs.Launch(ctx, launchReq(1))
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonModuleNotReady, apperrors.ReasonOf(err))
	assert.Equal(t, StateLaunchFailed, v.State)
	assert.Contains(t, v.Error, "not ready")

	// Failure is terminal for this job id.
	_, err = env.jobs.Init(ctx, launchReq(1))
	assert.Equal(t, apperrors.ReasonAlreadyLaunched, apperrors.ReasonOf(err))

	// Unknown modules are not Ready either.
	req := launchReq(2)
	req.ModID = 99
	v, err = env.jobs.Init(ctx, req)
	assert.Equal(t, apperrors.ReasonModuleNotReady, apperrors.ReasonOf(err))
	assert.Equal(t, StateLaunchFailed, v.State)
}

func TestInit_ModuleNotReady_AnyParams(t *testing.T) {
	t.Parallel()
	env := newEnv(t, notReady())
	ctx := context.Background()

	paramSets := []module.Params{
		nil,
		{},
		{"onramp": {"np": 4}},
		{"sim": {"steps": 0}},
		{"sim": {"mode": "bogus"}},
		{"unknown": {"x": "y"}},
	}
	for i, params := range paramSets {
		req := launchReq(i + 1)
		req.RunParams = params
		v, err := env.jobs.Launch(ctx, req)
		assert.Equal(t, apperrors.ReasonModuleNotReady, apperrors.ReasonOf(err), "params %v", params)
		assert.Equal(t, StateLaunchFailed, v.State, "params %v", params)

		got, err := env.jobs.Status(ctx, req.JobID)
		require.NoError(t, err)
		assert.Equal(t, StateLaunchFailed, got.State)
	}
	assert.Empty(t, env.sched.submitted)
}

func TestLaunch_NoParamsRunsToDone(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()

	v, err := env.jobs.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StateDoesNotExist, v.State)

	req := launchReq(1)
	req.RunName = "first"
	req.RunParams = nil
	v, err = env.jobs.Launch(ctx, req)
	require.NoError(t, err)
	require.Equal(t, StateScheduled, v.State)

	env.sched.set(scheduler.StatusDone, nil)
	_, err = env.jobs.Status(ctx, 1)
	require.NoError(t, err)
	env.waitForState(t, 1, StateDone)

	v, err = env.jobs.Get(ctx, 1)
	require.NoError(t, err)
	result, err := os.ReadFile(filepath.Join(v.RunDir, "output.txt"))
	require.NoError(t, err)
	assert.Equal(t, string(result), v.Output)
}

func TestInit_RejectsInvalidRunParams(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()

	req := launchReq(1)
	req.RunParams = module.Params{"sim": {"steps": 0}}
	_, err := env.jobs.Launch(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, apperrors.ReasonRunparamsInvalid, apperrors.ReasonOf(err))

	v, err := env.jobs.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StateDoesNotExist, v.State, "no record is written")
}

func TestInit_Validation(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	tests := []struct {
		name  string
		mod   func(*LaunchRequest)
		field string
	}{
		{"zero job id", func(r *LaunchRequest) { r.JobID = 0 }, "job_id"},
		{"zero mod id", func(r *LaunchRequest) { r.ModID = 0 }, "mod_id"},
		{"bad username", func(r *LaunchRequest) { r.Username = "../root" }, "username"},
		{"bad run name", func(r *LaunchRequest) { r.RunName = "a/b" }, "run_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := launchReq(1)
			tt.mod(&req)
			_, err := env.jobs.Init(context.Background(), req)
			var appErr *apperrors.Error
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.field, appErr.Field)
		})
	}
}

func TestPreprocess_Failure(t *testing.T) {
	t.Parallel()
	env := newEnv(t, withFile(module.PreprocessScript, "#!/bin/sh\necho bad input\nexit 3\n"))

	v, err := env.jobs.Launch(context.Background(), launchReq(1))
	require.NoError(t, err)
	assert.Equal(t, StatePreprocessFailed, v.State)
	assert.Contains(t, v.Error, "exited 3")
	assert.Contains(t, v.Error, "bad input")
	assert.Empty(t, env.sched.submitted, "nothing is submitted after a failed preprocess")
}

func TestPreprocess_MissingScript(t *testing.T) {
	t.Parallel()
	env := newEnv(t, withoutFile(module.PreprocessScript))

	v, err := env.jobs.Launch(context.Background(), launchReq(1))
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, v.State)
}

func TestSchedule_Failure(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	env.sched.submitErr = errors.New("sbatch: error: invalid partition")

	v, err := env.jobs.Launch(context.Background(), launchReq(1))
	require.NoError(t, err)
	assert.Equal(t, StateScheduleFailed, v.State)
	assert.Contains(t, v.Error, "invalid partition")
	assert.Empty(t, v.SchedulerJobNum)
}

func TestStageOrder(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()

	_, err := env.jobs.Schedule(ctx, 5)
	assert.Equal(t, apperrors.ReasonInvalidTransition, apperrors.ReasonOf(err))

	v, err := env.jobs.Init(ctx, launchReq(5))
	require.NoError(t, err)
	require.Equal(t, StateSettingUpLaunch, v.State)

	_, err = env.jobs.Schedule(ctx, 5)
	assert.Equal(t, apperrors.ReasonInvalidTransition, apperrors.ReasonOf(err))
	_, err = env.jobs.Postprocess(ctx, 5)
	assert.Equal(t, apperrors.ReasonInvalidTransition, apperrors.ReasonOf(err))
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    scheduler.Status
		statusErr error
		want      State
		wantError string
	}{
		{"queued", scheduler.StatusQueued, nil, StateQueued, ""},
		{"running", scheduler.StatusRunning, nil, StateRunning, ""},
		{"failed", scheduler.StatusFailed, nil, StateRunFailed, "failed"},
		{"adapter error", "", errors.New("squeue: connection refused"), StateRunFailed, "connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newEnv(t)
			ctx := context.Background()
			_, err := env.jobs.Launch(ctx, launchReq(1))
			require.NoError(t, err)

			env.sched.set(tt.status, tt.statusErr)
			v, err := env.jobs.Status(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.State)
			if tt.wantError != "" {
				assert.Contains(t, v.Error, tt.wantError)
			}
			if tt.want == StateRunning {
				assert.Equal(t, "50%", v.ModStatusOutput)
			}
		})
	}
}

func TestRefresh_IgnoresUnscheduledJobs(t *testing.T) {
	t.Parallel()
	env := newEnv(t, withFile(module.PreprocessScript, "#!/bin/sh\nexit 1\n"))
	ctx := context.Background()

	_, err := env.jobs.Launch(ctx, launchReq(1))
	require.NoError(t, err)
	env.sched.set(scheduler.StatusDone, nil)

	v, err := env.jobs.Status(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatePreprocessFailed, v.State)

	v, err = env.jobs.Status(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, StateDoesNotExist, v.State)
}

func TestRefresh_CompletionRunsPostprocess(t *testing.T) {
	t.Parallel()
	for _, status := range []scheduler.Status{scheduler.StatusDone, scheduler.StatusNoInfo} {
		t.Run(string(status), func(t *testing.T) {
			t.Parallel()
			env := newEnv(t)
			ctx := context.Background()
			_, err := env.jobs.Launch(ctx, launchReq(1))
			require.NoError(t, err)

			env.sched.set(status, nil)
			v, err := env.jobs.Status(ctx, 1)
			require.NoError(t, err)
			assert.Contains(t, []State{StatePostprocessing, StateDone}, v.State)

			env.waitForState(t, 1, StateDone)

			v, err = env.jobs.Get(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, "result\n", v.Output)
			require.Len(t, v.VisibleFiles, 2)
			assert.Equal(t, "output.txt", v.VisibleFiles[0].Name)
			assert.Equal(t, "/v1/jobs/1/files/output.txt", v.VisibleFiles[0].URL)
			assert.Equal(t, int64(len("result\n")), v.VisibleFiles[0].Size)
			assert.Equal(t, "plots/a.png", v.VisibleFiles[1].Name)
		})
	}
}

func TestPostprocess_Failure(t *testing.T) {
	t.Parallel()
	env := newEnv(t, withFile(module.PostprocessScript, "#!/bin/sh\necho no data\nexit 2\n"))
	ctx := context.Background()
	_, err := env.jobs.Launch(ctx, launchReq(1))
	require.NoError(t, err)

	env.sched.set(scheduler.StatusDone, nil)
	_, err = env.jobs.Status(ctx, 1)
	require.NoError(t, err)

	env.waitForState(t, 1, StatePostprocessFailed)

	v, err := env.jobs.Get(ctx, 1)
	require.NoError(t, err)
	assert.Contains(t, v.Error, "no data")
	assert.Empty(t, v.Output)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()

	res, err := env.jobs.Delete(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, DoesNotExist, res)

	v, err := env.jobs.Launch(ctx, launchReq(7))
	require.NoError(t, err)
	require.Equal(t, StateScheduled, v.State)

	res, err = env.jobs.Delete(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, Deleted, res)
	assert.Equal(t, []string{"1001"}, env.sched.cancelledJobs())
	assert.NoDirExists(t, v.RunDir)

	got, err := env.jobs.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, StateDoesNotExist, got.State)

	res, err = env.jobs.Delete(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, DoesNotExist, res)
}

func TestDelete_Running(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()

	_, err := env.jobs.Launch(ctx, launchReq(3))
	require.NoError(t, err)
	env.sched.set(scheduler.StatusRunning, nil)
	v, err := env.jobs.Status(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, StateRunning, v.State)

	res, err := env.jobs.Delete(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, Deleted, res)
	assert.Equal(t, []string{v.SchedulerJobNum}, env.sched.cancelledJobs())
	assert.NoDirExists(t, v.RunDir)

	got, err := env.jobs.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, StateDoesNotExist, got.State)

	res, err = env.jobs.Delete(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, DoesNotExist, res)
}

func TestDelete_FailedJobIsNotCancelled(t *testing.T) {
	t.Parallel()
	env := newEnv(t, withFile(module.PreprocessScript, "#!/bin/sh\nexit 1\n"))
	ctx := context.Background()

	_, err := env.jobs.Launch(ctx, launchReq(1))
	require.NoError(t, err)
	res, err := env.jobs.Delete(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Deleted, res)
	assert.Empty(t, env.sched.cancelledJobs())
}

func TestDelete_DuringPreprocess(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	exec := scriptexec.NewExecRunner(10 * time.Second)
	runner := scriptexec.RunnerFunc(func(ctx context.Context, cmd scriptexec.Command) (*scriptexec.Result, error) {
		if strings.HasSuffix(cmd.Name, module.PreprocessScript) {
			close(started)
			<-release
		}
		return exec.Run(ctx, cmd)
	})
	env := newEnv(t, withRunner(runner))
	ctx := context.Background()

	type result struct {
		v   View
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := env.jobs.Launch(ctx, launchReq(1))
		done <- result{v, err}
	}()

	<-started
	res, err := env.jobs.Delete(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, MarkedForDeletion, res)

	v, err := env.jobs.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatePreprocessing, v.State, "marked job keeps its state")
	runDir := v.RunDir

	close(release)
	out := <-done
	assert.Equal(t, apperrors.ReasonDeleted, apperrors.ReasonOf(out.err))

	v, err = env.jobs.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StateDoesNotExist, v.State)
	assert.NoDirExists(t, runDir)
	assert.Empty(t, env.sched.submitted, "deleted job is never submitted")
}

func TestRunDirReuse(t *testing.T) {
	t.Parallel()
	env := newEnv(t, withFile(module.PreprocessScript, "#!/bin/sh\necho x >> marker\n"))
	ctx := context.Background()

	first := launchReq(1)
	first.RunName = "shared"
	v1, err := env.jobs.Launch(ctx, first)
	require.NoError(t, err)

	second := launchReq(2)
	second.RunName = "shared"
	second.RunParams = module.Params{"onramp": {"np": 8}}
	v2, err := env.jobs.Launch(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, v1.RunDir, v2.RunDir)
	data, err := os.ReadFile(filepath.Join(v2.RunDir, "marker"))
	require.NoError(t, err)
	assert.Equal(t, "x\nx\n", string(data), "existing run dir is reused")

	params, err := ReadRunParams(filepath.Join(v2.RunDir, RunParamsFile), nil)
	require.NoError(t, err)
	assert.Equal(t, "8", params["onramp"]["np"], "params are rewritten")
}

func TestList(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()

	for _, id := range []int{3, 1, 2} {
		_, err := env.jobs.Launch(ctx, launchReq(id))
		require.NoError(t, err)
	}
	views, err := env.jobs.List(ctx)
	require.NoError(t, err)
	require.Len(t, views, 3)
	for i, v := range views {
		assert.Equal(t, i+1, v.JobID)
		assert.Equal(t, "alice", v.Username)
	}
}

func TestFilePath(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()
	_, err := env.jobs.Launch(ctx, launchReq(1))
	require.NoError(t, err)

	env.sched.set(scheduler.StatusDone, nil)
	_, err = env.jobs.Status(ctx, 1)
	require.NoError(t, err)
	env.waitForState(t, 1, StateDone)

	path, err := env.jobs.FilePath(ctx, 1, "plots/a.png")
	require.NoError(t, err)
	assert.FileExists(t, path)

	tests := []struct {
		name string
		rel  string
		want error
	}{
		{"traversal", "../../etc/passwd", apperrors.ErrValidation},
		{"absolute", "/etc/passwd", apperrors.ErrValidation},
		{"not visible", module.RunScript, apperrors.ErrNotFound},
		{"missing", "plots/b.png", apperrors.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.jobs.FilePath(ctx, 1, tt.rel)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err = env.jobs.FilePath(ctx, 99, "output.txt")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestResume(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()
	_, err := env.jobs.Launch(ctx, launchReq(1))
	require.NoError(t, err)

	// Simulate a restart that left the job between refresh and postprocess.
	err = statestore.With(ctx, env.store, Kind, 1, func(r *Record) error {
		r.State = StatePostprocessing
		return nil
	})
	require.NoError(t, err)

	n, err := env.jobs.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	env.waitForState(t, 1, StateDone)
}

func TestResume_TearsDownMarkedJobs(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()
	v, err := env.jobs.Launch(ctx, launchReq(1))
	require.NoError(t, err)
	runDir := v.RunDir
	require.DirExists(t, runDir)

	// A delete arrived while preprocess ran, and the process died before
	// the stage could finish it.
	err = statestore.With(ctx, env.store, Kind, 1, func(r *Record) error {
		r.State = StatePreprocessing
		r.SchedulerJobNum = ""
		r.MarkedForDeletion = true
		return nil
	})
	require.NoError(t, err)

	n, err := env.jobs.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err = env.jobs.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StateDoesNotExist, v.State)
	assert.NoDirExists(t, runDir)
	assert.Empty(t, env.sched.cancelledJobs())

	// The job id is free again.
	v, err = env.jobs.Launch(ctx, launchReq(1))
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, v.State)
}

func TestResume_FailsInterruptedStages(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from State
		want State
	}{
		{StateSettingUpLaunch, StateLaunchFailed},
		{StatePreprocessing, StatePreprocessFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			t.Parallel()
			env := newEnv(t)
			ctx := context.Background()
			_, err := env.jobs.Launch(ctx, launchReq(1))
			require.NoError(t, err)
			err = statestore.With(ctx, env.store, Kind, 1, func(r *Record) error {
				r.State = tt.from
				r.SchedulerJobNum = ""
				return nil
			})
			require.NoError(t, err)

			n, err := env.jobs.Resume(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			v, err := env.jobs.Get(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.State)
			assert.Contains(t, v.Error, "interrupted by restart")

			// A failed job is deleted outright.
			res, err := env.jobs.Delete(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, Deleted, res)
		})
	}
}

func TestResume_LeavesSettledJobs(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()
	_, err := env.jobs.Launch(ctx, launchReq(1))
	require.NoError(t, err)

	n, err := env.jobs.Resume(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	v, err := env.jobs.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, v.State)
}

func TestRefresh_RequeuesPostprocessing(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()
	_, err := env.jobs.Launch(ctx, launchReq(1))
	require.NoError(t, err)

	// Postprocessing with no task behind it, as after a dropped dispatch.
	err = statestore.With(ctx, env.store, Kind, 1, func(r *Record) error {
		r.State = StatePostprocessing
		return nil
	})
	require.NoError(t, err)

	v, err := env.jobs.Status(ctx, 1)
	require.NoError(t, err)
	assert.Contains(t, []State{StatePostprocessing, StateDone}, v.State)

	env.waitForState(t, 1, StateDone)
	assert.Empty(t, env.sched.cancelledJobs())
}

func TestRefresh_FinishesMarkedPostprocessing(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()
	v, err := env.jobs.Launch(ctx, launchReq(1))
	require.NoError(t, err)
	runDir := v.RunDir

	err = statestore.With(ctx, env.store, Kind, 1, func(r *Record) error {
		r.State = StatePostprocessing
		return nil
	})
	require.NoError(t, err)

	res, err := env.jobs.Delete(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, MarkedForDeletion, res)

	_, err = env.jobs.Status(ctx, 1)
	require.NoError(t, err)
	env.waitForState(t, 1, StateDoesNotExist)
	assert.NoDirExists(t, runDir)
}

func TestRunParamsFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), RunParamsFile)
	err := WriteRunParams(path, module.Params{
		"onramp": {"np": 4, "nodes": 2},
		"sim":    {"mode": "fast", "verbose": true},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[onramp]")
	assert.Contains(t, string(data), "[sim]")

	params, err := ReadRunParams(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, *intParam(params, "onramp", "np"))
	assert.Equal(t, 2, *intParam(params, "onramp", "nodes"))
	assert.Nil(t, intParam(params, "sim", "mode"))
	assert.Nil(t, intParam(params, "sim", "missing"))
	assert.Equal(t, "true", params["sim"]["verbose"])
}

func TestRunParams_RoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, module.MetadataFile), []byte(`params:
  sim:
    steps:
      type: int
      default: 10
    ratio:
      type: float
    verbose:
      type: bool
    mode:
      type: string
      choices: [fast, slow]
`), 0o644))
	meta, err := module.LoadMetadata(dir)
	require.NoError(t, err)

	validated, err := meta.ValidateParams(module.Params{
		"onramp": {"np": 4, "nodes": "2"},
		"sim":    {"ratio": 0.25, "verbose": "true", "mode": "fast"},
		"extra":  {"label": "x", "count": 7},
	})
	require.NoError(t, err)

	path := filepath.Join(dir, RunParamsFile)
	require.NoError(t, WriteRunParams(path, validated))
	readBack, err := ReadRunParams(path, meta)
	require.NoError(t, err)
	assert.Equal(t, validated, readBack)
	assert.Equal(t, 4, readBack["onramp"]["np"])
	assert.Equal(t, true, readBack["sim"]["verbose"])
}

func TestLaunch_RunParamsReadBackTyped(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()

	v, err := env.jobs.Launch(ctx, launchReq(1))
	require.NoError(t, err)

	meta, err := module.LoadMetadata(v.RunDir)
	require.NoError(t, err)
	params, err := ReadRunParams(filepath.Join(v.RunDir, RunParamsFile), meta)
	require.NoError(t, err)
	assert.Equal(t, module.Params{"onramp": {"np": 4}, "sim": {"steps": 10}}, params)
}
