// Package scheduler abstracts the batch scheduler a PCE submits jobs to.
//
// Each backend renders a batch script in its own dialect, submits it from a
// run directory, reports coarse status for the scheduler-assigned job number
// and cancels it. Backends are looked up by name in a Registry so new ones can
// be added without touching the job orchestrator.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"pce/internal/apperrors"
	"pce/internal/scriptexec"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
)

// ScriptName is the batch script written into every run directory.
const ScriptName = "script.sh"

// DefaultOutputFile receives the run's stdout/stderr.
const DefaultOutputFile = "output.txt"

// Status is the coarse scheduler-side state of a submitted job.
type Status string

const (
	StatusQueued  Status = "Queued"
	StatusRunning Status = "Running"
	StatusDone    Status = "Done"
	StatusFailed  Status = "Failed"
	// StatusNoInfo means the scheduler no longer knows the job id. Callers
	// treat it as completion since finished jobs age out of the queue.
	StatusNoInfo Status = "NoInfo"
)

// ScriptOptions parameterises a rendered batch script.
type ScriptOptions struct {
	RunName     string
	RunCommand  []string // Payload, relative to the run directory (e.g. ["bin/onramp_run"])
	TaskCount   *int     // Omitted from the script when nil
	NodeCount   *int     // Omitted from the script when nil
	NotifyEmail string
	OutputFile  string // Defaults to DefaultOutputFile
}

func (o ScriptOptions) outputFile() string {
	if o.OutputFile == "" {
		return DefaultOutputFile
	}
	return o.OutputFile
}

// Adapter drives one batch scheduler.
type Adapter interface {
	// Name returns the registry name of the backend.
	Name() string

	// Render returns the batch script text for opts.
	Render(opts ScriptOptions) (string, error)

	// Submit submits ScriptName from runDir and returns the scheduler job number.
	Submit(ctx context.Context, runDir string) (string, error)

	// Status returns the scheduler state of jobNum. An unknown job number is
	// StatusNoInfo with a nil error; a transport or tool failure is
	// StatusFailed with a non-nil error.
	Status(ctx context.Context, jobNum string) (Status, error)

	// Cancel removes jobNum from the scheduler.
	Cancel(ctx context.Context, jobNum string) error
}

// Options carries the dependencies a backend factory may need.
type Options struct {
	Runner         scriptexec.Runner
	CommandTimeout time.Duration
	SGEParallelEnv string
	DockerImage    string
}

// Factory builds an adapter.
type Factory func(opts Options) (Adapter, error)

// Registry maps backend names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("slurm", NewSlurm)
	r.Register("sge", NewSGE)
	r.Register("docker", NewDocker)
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = f
}

// New builds the adapter registered under name.
func (r *Registry) New(name string, opts Options) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.Validation("scheduler.backend",
			fmt.Sprintf("unknown scheduler backend %q (available: %s)", name, strings.Join(r.Names(), ", ")))
	}
	if opts.Runner == nil {
		opts.Runner = scriptexec.NewExecRunner(opts.CommandTimeout)
	}
	return f(opts)
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// cliBackend holds what the command-line scheduler backends share.
type cliBackend struct {
	runner  scriptexec.Runner
	timeout time.Duration
	logger  *slog.Logger
}

func newCLIBackend(name string, opts Options) cliBackend {
	return cliBackend{
		runner:  opts.Runner,
		timeout: opts.CommandTimeout,
		logger:  slog.With("component", "scheduler", "backend", name),
	}
}

// run executes a scheduler tool. A start failure or timeout is an error; a
// non-zero exit is returned in the result for the caller to interpret.
func (b cliBackend) run(ctx context.Context, dir, name string, args ...string) (*scriptexec.Result, error) {
	res, err := b.runner.Run(ctx, scriptexec.Command{
		Name:    name,
		Args:    args,
		Dir:     dir,
		Timeout: b.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}

// lookTools reports the first of tools missing from PATH.
func lookTools(tools ...string) error {
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			return fmt.Errorf("%s not found in PATH: %w", tool, err)
		}
	}
	return nil
}

// parseJobNum extracts the first capture group of re from tool output.
func parseJobNum(re *regexp.Regexp, tool, output string) (string, error) {
	m := re.FindStringSubmatch(output)
	if m == nil {
		return "", fmt.Errorf("%s: no job number in output: %q", tool, strings.TrimSpace(output))
	}
	return m[1], nil
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// jobName makes a run name safe for scheduler directives.
func jobName(runName string) string {
	name := unsafeNameChars.ReplaceAllString(runName, "_")
	if name == "" {
		return "onramp"
	}
	return name
}
