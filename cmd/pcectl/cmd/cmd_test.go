package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"pce/internal/config"
	"pce/internal/dispatcher"
	"pce/internal/job"
	"pce/internal/module"
	"pce/internal/pceclient"
	"pce/internal/scheduler"
	"pce/internal/statestore"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	t.Parallel()

	params, err := parseParams([]string{"onramp.np=4", "sim.steps=10", "sim.name=a=b"})
	require.NoError(t, err)
	assert.Equal(t, module.Params{
		"onramp": {"np": "4"},
		"sim":    {"steps": "10", "name": "a=b"},
	}, params)

	for _, bad := range []string{"np=4", "onramp.np", ".np=1", "onramp.=1"} {
		_, err := parseParams([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestParseID(t *testing.T) {
	t.Parallel()

	id, err := parseID("job-id", "42")
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	for _, bad := range []string{"0", "-1", "x", ""} {
		_, err := parseID("job-id", bad)
		assert.Error(t, err, bad)
	}
}

func TestModuleListJSON(t *testing.T) {
	root := t.TempDir()
	cfgPath := filepath.Join(root, "pce.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("root: "+root+"\n"), 0o644))

	var out bytes.Buffer
	cmd := RootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", cfgPath, "--json", "module", "list"})
	require.NoError(t, cmd.Execute())

	var views []module.View
	require.NoError(t, json.Unmarshal(out.Bytes(), &views))
	assert.Empty(t, views)
}

func TestModuleGet_InvalidID(t *testing.T) {
	cmd := RootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"module", "get", "abc"})
	assert.ErrorContains(t, cmd.Execute(), "mod-id must be a positive integer")
}

// doneScheduler reports every submitted job as finished.
type doneScheduler struct{}

func (doneScheduler) Name() string { return "done" }
func (doneScheduler) Render(opts scheduler.ScriptOptions) (string, error) {
	return "#!/bin/sh\n", nil
}
func (doneScheduler) Submit(ctx context.Context, runDir string) (string, error) { return "1", nil }
func (doneScheduler) Status(ctx context.Context, jobNum string) (scheduler.Status, error) {
	return scheduler.StatusDone, nil
}
func (doneScheduler) Cancel(ctx context.Context, jobNum string) error { return nil }

func newTestLocal(t *testing.T) *local {
	t.Helper()
	root := t.TempDir()
	store, err := statestore.New(filepath.Join(root, "state"))
	require.NoError(t, err)
	modules, err := module.NewOrchestrator(module.Config{
		Store:         store,
		ModulesDir:    filepath.Join(root, "modules"),
		ScriptTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	disp := dispatcher.NewMemory(dispatcher.MemoryConfig{BufferSize: 8, Workers: 1}, nil)
	jobs, err := job.NewOrchestrator(job.Config{
		Store:         store,
		Modules:       modules,
		Scheduler:     doneScheduler{},
		Dispatcher:    disp,
		UsersDir:      filepath.Join(root, "users"),
		ScriptTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	return &local{
		cfg:     &config.Config{ScriptTimeout: 10 * time.Second},
		modules: modules,
		jobs:    jobs,
		disp:    disp,
		sched:   doneScheduler{},
	}
}

func writeModule(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	}
	return dir
}

func selftestOpts() selftestOptions {
	return selftestOptions{
		modID:    7,
		jobID:    8,
		username: "selftest",
		runName:  "selftest",
		timeout:  10 * time.Second,
		interval: 20 * time.Millisecond,
	}
}

func TestSelftest_Pass(t *testing.T) {
	pterm.DisableOutput()
	t.Cleanup(pterm.EnableOutput)

	l := newTestLocal(t)
	defer l.close()
	path := writeModule(t, map[string]string{
		module.RunScript:         "#!/bin/sh\necho run\n",
		module.PostprocessScript: "#!/bin/sh\necho ok > output.txt\n",
	})

	ctx := context.Background()
	require.NoError(t, runSelftest(ctx, l, path, selftestOpts()))

	mv, err := l.modules.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, module.StateDoesNotExist, mv.State)
	jv, err := l.jobs.Get(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, job.StateDoesNotExist, jv.State)
}

func TestSelftest_PreprocessFails(t *testing.T) {
	pterm.DisableOutput()
	t.Cleanup(pterm.EnableOutput)

	l := newTestLocal(t)
	defer l.close()
	path := writeModule(t, map[string]string{
		module.PreprocessScript: "#!/bin/sh\necho nope\nexit 3\n",
	})

	opts := selftestOpts()
	opts.keep = true
	ctx := context.Background()
	assert.Error(t, runSelftest(ctx, l, path, opts))

	jv, err := l.jobs.Get(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, job.StatePreprocessFailed, jv.State)
}

func TestSelftest_RefusesExistingModule(t *testing.T) {
	pterm.DisableOutput()
	t.Cleanup(pterm.EnableOutput)

	l := newTestLocal(t)
	defer l.close()
	path := writeModule(t, map[string]string{module.RunScript: "#!/bin/sh\n"})
	ctx := context.Background()
	_, err := l.modules.Install(ctx, module.InstallRequest{
		ModID: 7, ModName: "other", SourceLocation: module.SourceLocation{Type: "local", Path: path},
	})
	require.NoError(t, err)

	assert.ErrorContains(t, runSelftest(ctx, l, path, selftestOpts()), "already exists")
}

func TestRemoteWatchOnce(t *testing.T) {
	root := t.TempDir()
	cfgPath := filepath.Join(root, "pce.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("root: "+root+"\nserver:\n  http_timeout: 1s\n"), 0o644))

	run := func(args ...string) []byte {
		var out bytes.Buffer
		cmd := RootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs(append([]string{"--config", cfgPath, "--json"}, args...))
		require.NoError(t, cmd.Execute())
		return out.Bytes()
	}

	var pce pceclient.PCE
	require.NoError(t, json.Unmarshal(run("remote", "pce", "add", "dead", "http://127.0.0.1:1"), &pce))

	var res pceclient.SweepResult
	require.NoError(t, json.Unmarshal(run("remote", "watch", "--once"), &res))
	require.Len(t, res.PCEs, 1)
	assert.Equal(t, pce.ID, res.PCEs[0].PCEID)
	assert.Equal(t, pceclient.Unreachable, res.PCEs[0].State)
	assert.Equal(t, 1, res.PCEs[0].Failed)
}

func TestRemoteWatch_InvalidInterval(t *testing.T) {
	cmd := RootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"remote", "watch", "--interval", "0s"})
	assert.ErrorContains(t, cmd.Execute(), "--interval must be positive")
}
