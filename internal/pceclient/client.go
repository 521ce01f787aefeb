// Package pceclient reconciles the Server's record of modules and jobs with
// the PCEs that run them. The PCE is polled; it never calls back.
package pceclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"pce/internal/job"
	"pce/internal/module"
	"pce/internal/observability"
	"pce/pkg/backoff"
	"pce/pkg/circuitbreaker"
	"strconv"
	"time"

	"github.com/moby/sys/atomicwriter"
)

// Config holds the dependencies of a Client.
type Config struct {
	Store      Store
	HTTPClient *http.Client // Defaults to NewHTTPClient(30s)
	OutputDir  string       // Where job output files are written
	Retries    int          // Attempts per call, default 3
	Backoff    *backoff.Config
	Breaker    circuitbreaker.Config
	Metrics    *observability.Metrics
}

// Client is the Server-side PCE client.
type Client struct {
	store     Store
	outputDir string
	transport *transport
	metrics   *observability.Metrics
}

// ModuleSpec names a module and where the PCE should fetch it from.
type ModuleSpec struct {
	ModName        string
	SourceLocation module.SourceLocation
}

// JobData carries the launch parameters of a job.
type JobData struct {
	PCEID     int
	Username  string
	RunName   string
	RunParams module.Params
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, errors.New("pceclient: store is required")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("pceclient: output dir is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(30 * time.Second)
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 3
	}
	return &Client{
		store:     cfg.Store,
		outputDir: cfg.OutputDir,
		metrics:   cfg.Metrics,
		transport: &transport{
			client:   httpClient,
			retries:  retries,
			backoff:  cfg.Backoff,
			breakers: circuitbreaker.NewRegistry(cfg.Breaker),
		},
	}, nil
}

// RefreshModule fetches one module's state from its PCE and stores the
// mapped code. When the PCE is unreachable or its answer unusable the last
// known row is kept, flagged stale, and returned with the error.
func (c *Client) RefreshModule(ctx context.Context, pceID, modID int) (ModuleRow, error) {
	log := slog.With("component", "pceclient", "pceId", pceID, "modId", modID)

	pce, err := c.store.GetPCE(ctx, pceID)
	if err != nil {
		return ModuleRow{}, err
	}

	op := "GET /v1/modules/" + strconv.Itoa(modID)
	var v module.View
	err = c.transport.do(ctx, pce, http.MethodGet, "/v1/modules/"+strconv.Itoa(modID), nil, &v)
	var row ModuleRow
	if err == nil {
		if row, err = moduleRow(pceID, modID, v); err != nil {
			err = degraded(op, err)
		}
	}
	c.record(ctx, "refresh_module", err)
	if err != nil {
		if IsUnreachable(err) {
			log.Warn("Keeping last known module state", "error", err)
			return c.staleModule(ctx, pceID, modID, err)
		}
		return ModuleRow{}, err
	}
	c.markReachable(ctx, pceID)

	if err := c.store.UpsertModule(ctx, row); err != nil {
		return ModuleRow{}, err
	}
	log.Debug("Module refreshed", "state", row.State)
	return row, nil
}

// RefreshAllModules fetches every module on a PCE. Known modules the PCE no
// longer reports are kept with state ModuleDoesNotExist.
func (c *Client) RefreshAllModules(ctx context.Context, pceID int) ([]ModuleRow, error) {
	log := slog.With("component", "pceclient", "pceId", pceID)

	pce, err := c.store.GetPCE(ctx, pceID)
	if err != nil {
		return nil, err
	}

	var views []module.View
	err = c.transport.do(ctx, pce, http.MethodGet, "/v1/modules", nil, &views)
	c.record(ctx, "refresh_modules", err)
	if err != nil {
		if IsUnreachable(err) {
			log.Warn("Keeping last known module states", "error", err)
			c.reconcileFailed(ctx, pceID, err)
			if serr := c.store.MarkModulesStale(ctx, pceID); serr != nil {
				return nil, errors.Join(err, serr)
			}
			rows, lerr := c.store.ListModules(ctx, pceID)
			return rows, errors.Join(err, lerr)
		}
		return nil, err
	}
	c.markReachable(ctx, pceID)

	known, err := c.store.ListModules(ctx, pceID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool, len(views))
	for _, v := range views {
		row, err := moduleRow(pceID, v.ModID, v)
		if err != nil {
			log.Warn("Skipping module with unknown state", "modId", v.ModID, "error", err)
			continue
		}
		if err := c.store.UpsertModule(ctx, row); err != nil {
			return nil, err
		}
		seen[v.ModID] = true
	}
	for _, row := range known {
		if seen[row.ModID] {
			continue
		}
		row.State, row.Error, row.Stale = ModuleDoesNotExist, "", false
		if err := c.store.UpsertModule(ctx, row); err != nil {
			return nil, err
		}
	}
	return c.store.ListModules(ctx, pceID)
}

// RefreshJob fetches a job's state from its PCE, writes its output to
// <OutputDir>/<jobID>.txt and stores the mapped code. When the PCE is
// unreachable or its answer unusable the last known state is kept and the
// row is flagged stale.
func (c *Client) RefreshJob(ctx context.Context, jobID int) (JobRow, error) {
	log := slog.With("component", "pceclient", "jobId", jobID)

	row, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return JobRow{}, err
	}
	pce, err := c.store.GetPCE(ctx, row.PCEID)
	if err != nil {
		return JobRow{}, err
	}

	op := "GET /v1/jobs/" + strconv.Itoa(jobID)
	var v job.View
	err = c.transport.do(ctx, pce, http.MethodGet, "/v1/jobs/"+strconv.Itoa(jobID), nil, &v)
	code, ok := 0, false
	if err == nil {
		if code, ok = JobCode(v.State); !ok {
			err = degraded(op, fmt.Errorf("job %d: unknown state %q", jobID, v.State))
		}
	}
	c.record(ctx, "refresh_job", err)
	if err != nil {
		if IsUnreachable(err) {
			log.Warn("Keeping last known job state", "pceId", pce.ID, "error", err)
			c.reconcileFailed(ctx, pce.ID, err)
			row.Stale = true
			if uerr := c.store.UpdateJob(ctx, row); uerr != nil {
				return row, errors.Join(err, uerr)
			}
		}
		return row, err
	}
	c.markReachable(ctx, pce.ID)

	row.State = code
	row.Error = v.Error
	row.SchedulerJobNum = v.SchedulerJobNum
	row.Stale = false
	if v.Output != "" {
		path := filepath.Join(c.outputDir, strconv.Itoa(jobID)+".txt")
		if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
			return row, err
		}
		if err := atomicwriter.WriteFile(path, []byte(v.Output), 0o644); err != nil {
			return row, fmt.Errorf("failed to write job output: %w", err)
		}
		row.OutputPath = path
	}
	if err := c.store.UpdateJob(ctx, row); err != nil {
		return row, err
	}
	log.Debug("Job refreshed", "state", row.State)
	return row, nil
}

// InstallAndDeploy brings a module to deployed on a PCE, skipping steps the
// PCE has already taken, then refreshes the module row.
func (c *Client) InstallAndDeploy(ctx context.Context, pceID, modID int, spec ModuleSpec) (ModuleRow, error) {
	log := slog.With("component", "pceclient", "pceId", pceID, "modId", modID)

	row, err := c.RefreshModule(ctx, pceID, modID)
	if err != nil {
		return row, err
	}
	pce, err := c.store.GetPCE(ctx, pceID)
	if err != nil {
		return row, err
	}

	if row.State < ModuleInstalled {
		req := module.InstallRequest{ModID: modID, ModName: spec.ModName, SourceLocation: spec.SourceLocation}
		err := c.transport.do(ctx, pce, http.MethodPost, "/v1/modules", req, nil)
		c.record(ctx, "install", err)
		switch {
		case IsConflict(err):
			log.Info("Install skipped", "reason", err)
		case err != nil:
			return c.afterFailure(ctx, row, err)
		}
	}
	if row.State < ModuleDeployInProgress {
		err := c.transport.do(ctx, pce, http.MethodPost, "/v1/modules/"+strconv.Itoa(modID)+"/deploy", nil, nil)
		c.record(ctx, "deploy", err)
		switch {
		case IsConflict(err):
			log.Info("Deploy skipped", "reason", err)
		case err != nil:
			return c.afterFailure(ctx, row, err)
		}
	}
	return c.RefreshModule(ctx, pceID, modID)
}

// LaunchJob records a job on the Server and launches it on its PCE. A new
// row is launched at once. An existing row is launched again only when its
// PCE reports the job does not exist, which covers a first launch that never
// arrived. The job is refreshed either way.
func (c *Client) LaunchJob(ctx context.Context, userID, workspaceID, modID int, data JobData) (JobRow, error) {
	log := slog.With("component", "pceclient", "pceId", data.PCEID, "modId", modID, "runName", data.RunName)

	pce, err := c.store.GetPCE(ctx, data.PCEID)
	if err != nil {
		return JobRow{}, err
	}
	row, created, err := c.store.GetOrCreateJob(ctx, JobRow{
		UserID:      userID,
		WorkspaceID: workspaceID,
		PCEID:       data.PCEID,
		ModID:       modID,
		RunName:     data.RunName,
	})
	if err != nil {
		return JobRow{}, err
	}
	log = log.With("jobId", row.ID)

	if !created {
		current, err := c.RefreshJob(ctx, row.ID)
		if err != nil || current.State != JobDoesNotExist {
			log.Debug("Job already exists", "state", current.State)
			return current, err
		}
		log.Info("Job missing on PCE, launching again")
	}

	req := job.LaunchRequest{
		JobID:     row.ID,
		ModID:     modID,
		Username:  data.Username,
		RunName:   data.RunName,
		RunParams: data.RunParams,
	}
	launchErr := c.transport.do(ctx, pce, http.MethodPost, "/v1/jobs", req, nil)
	c.record(ctx, "launch", launchErr)
	switch {
	case IsConflict(launchErr):
		// The PCE keeps a failed launch record; refresh picks it up.
		log.Info("Launch refused", "reason", launchErr)
		launchErr = nil
	case launchErr == nil:
		log.Info("Job launched")
	}

	refreshed, err := c.RefreshJob(ctx, row.ID)
	if launchErr != nil {
		return refreshed, launchErr
	}
	return refreshed, err
}

// PCESweep is the outcome of one sweep for one PCE.
type PCESweep struct {
	PCEID   int
	Name    string
	State   int    // pce row state after the sweep
	Breaker string // circuit breaker state
	Modules int    // module rows refreshed
	Jobs    int    // active jobs refreshed
	Failed  int    // refreshes that returned an error
	Error   string // first error seen
}

// SweepResult reports one reconciliation pass over every registered PCE.
type SweepResult struct {
	PCEs     []PCESweep
	Breakers circuitbreaker.Stats
}

// Sweep refreshes the modules of every PCE and every job that has not
// reached a final state. Failures are reported per PCE and do not stop the
// sweep; only store errors and cancellation are returned.
func (c *Client) Sweep(ctx context.Context) (SweepResult, error) {
	pces, err := c.store.ListPCEs(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	byID := make(map[int]*PCESweep, len(pces))
	result := SweepResult{PCEs: make([]PCESweep, len(pces))}
	fail := func(s *PCESweep, err error) {
		s.Failed++
		if s.Error == "" {
			s.Error = err.Error()
		}
	}

	for i, pce := range pces {
		s := &result.PCEs[i]
		s.PCEID, s.Name = pce.ID, pce.Name
		byID[pce.ID] = s
		rows, err := c.RefreshAllModules(ctx, pce.ID)
		s.Modules = len(rows)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			fail(s, err)
		}
	}

	jobs, err := c.store.ListActiveJobs(ctx)
	if err != nil {
		return result, err
	}
	for _, j := range jobs {
		s, ok := byID[j.PCEID]
		if !ok {
			continue
		}
		s.Jobs++
		if _, err := c.RefreshJob(ctx, j.ID); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			fail(s, err)
		}
	}

	for i := range result.PCEs {
		s := &result.PCEs[i]
		if pce, err := c.store.GetPCE(ctx, s.PCEID); err == nil {
			s.State = pce.State
		}
		s.Breaker = c.transport.breakers.Get(strconv.Itoa(s.PCEID)).State().String()
	}
	result.Breakers = c.transport.breakers.Stats()
	slog.Info("Sweep finished", "component", "pceclient", "pces", len(pces), "activeJobs", len(jobs),
		"openBreakers", result.Breakers.OpenKeys)
	return result, nil
}

func (c *Client) afterFailure(ctx context.Context, row ModuleRow, err error) (ModuleRow, error) {
	if IsUnreachable(err) {
		return c.staleModule(ctx, row.PCEID, row.ModID, err)
	}
	return row, err
}

func moduleRow(pceID, modID int, v module.View) (ModuleRow, error) {
	code, ok := ModuleCode(v.State)
	if !ok {
		return ModuleRow{}, fmt.Errorf("module %d: unknown state %q", modID, v.State)
	}
	return ModuleRow{PCEID: pceID, ModID: modID, State: code, Error: v.Error}, nil
}

// staleModule records a failed module refresh and returns the kept row.
func (c *Client) staleModule(ctx context.Context, pceID, modID int, err error) (ModuleRow, error) {
	c.reconcileFailed(ctx, pceID, err)
	fallback := ModuleRow{PCEID: pceID, ModID: modID, State: Unreachable, Stale: true}
	if serr := c.store.MarkModulesStale(ctx, pceID, modID); serr != nil {
		return fallback, errors.Join(err, serr)
	}
	row, gerr := c.store.GetModule(ctx, pceID, modID)
	if gerr != nil {
		return fallback, errors.Join(err, gerr)
	}
	return row, err
}

// reconcileFailed sets the pce row state for a failed call.
func (c *Client) reconcileFailed(ctx context.Context, pceID int, err error) {
	state := Unreachable
	if IsDegraded(err) {
		state = PCEDegraded
	}
	c.setPCEState(ctx, pceID, state)
}

func (c *Client) markReachable(ctx context.Context, pceID int) {
	c.setPCEState(ctx, pceID, PCEReachable)
}

func (c *Client) setPCEState(ctx context.Context, pceID, state int) {
	if err := c.store.SetPCEState(ctx, pceID, state); err != nil {
		slog.Error("Failed to update pce state", "component", "pceclient", "pceId", pceID, "error", err)
	}
}

func (c *Client) record(ctx context.Context, op string, err error) {
	if c.metrics != nil {
		c.metrics.RecordReconcile(ctx, op, err == nil || !IsUnreachable(err))
	}
}
