// Package module manages the lifecycle of modules installed on a PCE:
// checkout from a source, deployment through the module's deploy script and
// the optional administrator sign-off.
//
// Every transition is made under the module's record lock. External work
// (checkout, deploy script) runs with the lock released; the record is
// re-read afterwards and a deletion requested in the meantime is honoured.
package module

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"pce/internal/apperrors"
	"pce/internal/observability"
	"pce/internal/scriptexec"
	"pce/internal/statestore"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Kind is the statestore kind of module records.
const Kind = "modules"

// Deploy script exit codes.
const (
	deployExitReady         = 0
	deployExitAdminRequired = 1
)

var modNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// DeleteResult reports what Delete did.
type DeleteResult string

const (
	Deleted           DeleteResult = "Deleted"
	MarkedForDeletion DeleteResult = "MarkedForDeletion"
	DoesNotExist      DeleteResult = "DoesNotExist"
)

// Config holds the orchestrator's dependencies.
type Config struct {
	Store         *statestore.Store
	Runner        scriptexec.Runner
	Sources       *Sources               // Defaults to DefaultSources()
	ModulesDir    string                 // Default parent dir for installs
	ScriptTimeout time.Duration          // Bound on the deploy script
	Metrics       *observability.Metrics // Optional
}

// Orchestrator drives module state transitions.
type Orchestrator struct {
	store         *statestore.Store
	runner        scriptexec.Runner
	sources       *Sources
	modulesDir    string
	scriptTimeout time.Duration
	metrics       *observability.Metrics
}

// NewOrchestrator creates a module orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.ModulesDir == "" {
		return nil, fmt.Errorf("modules dir is required")
	}
	runner := cfg.Runner
	if runner == nil {
		runner = scriptexec.NewExecRunner(cfg.ScriptTimeout)
	}
	sources := cfg.Sources
	if sources == nil {
		sources = DefaultSources()
	}
	return &Orchestrator{
		store:         cfg.Store,
		runner:        runner,
		sources:       sources,
		modulesDir:    cfg.ModulesDir,
		scriptTimeout: cfg.ScriptTimeout,
		metrics:       cfg.Metrics,
	}, nil
}

type handle = statestore.Handle[Record, *Record]

func (o *Orchestrator) open(ctx context.Context, modID int) (*handle, error) {
	return statestore.Open[Record](ctx, o.store, Kind, modID)
}

// Install checks out a module and records it as Installed, or as
// CheckoutFailed with the error. A failed checkout may be retried.
func (o *Orchestrator) Install(ctx context.Context, req InstallRequest) (View, error) {
	if err := o.validateInstall(req); err != nil {
		return View{}, err
	}
	src, err := o.sources.Get(req.SourceLocation.Type)
	if err != nil {
		return View{}, err
	}

	logger := slog.With("modId", req.ModID, "modName", req.ModName, "source", req.SourceLocation.Type)

	parent := req.TargetParentDir
	if parent == "" {
		parent = o.modulesDir
	}
	dst, err := filepath.Abs(filepath.Join(parent, fmt.Sprintf("%s_%d", req.ModName, req.ModID)))
	if err != nil {
		return View{}, apperrors.Validation("install_location", err.Error())
	}

	h, err := o.open(ctx, req.ModID)
	if err != nil {
		return View{}, err
	}
	switch st := h.Rec.State; {
	case st == StateCheckoutInProgress:
		h.Close()
		return View{}, apperrors.Precondition("module", apperrors.ReasonAlreadyInProgress, "module checkout already in progress")
	case st.installed():
		h.Close()
		return View{}, apperrors.Precondition("module", apperrors.ReasonAlreadyInstalled, "module already installed")
	}
	*h.Rec = Record{
		ModID:          req.ModID,
		ModName:        req.ModName,
		InstalledPath:  dst,
		State:          StateCheckoutInProgress,
		SourceLocation: req.SourceLocation,
	}
	if err := h.Close(); err != nil {
		return View{}, err
	}
	o.recordTransition(ctx, StateCheckoutInProgress)

	// The record now says a checkout is running; finish it even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	logger.Info("Checking out module", "path", dst)
	if err := os.RemoveAll(dst); err != nil {
		logger.Warn("Failed to clear previous checkout", "error", err)
	}
	checkoutErr := src.Checkout(ctx, req.SourceLocation, dst)

	h, err = o.open(ctx, req.ModID)
	if err != nil {
		return View{}, err
	}
	if h.Rec.MarkedForDeletion {
		return View{}, o.teardown(h, logger)
	}
	if checkoutErr != nil {
		logger.Error("Module checkout failed", "error", checkoutErr)
		h.Rec.State = StateCheckoutFailed
		h.Rec.Error = checkoutErr.Error()
	} else {
		logger.Info("Module installed")
		h.Rec.State = StateInstalled
		h.Rec.Error = ""
	}
	o.recordTransition(ctx, h.Rec.State)
	return commit(h)
}

func (o *Orchestrator) validateInstall(req InstallRequest) error {
	if req.ModID <= 0 {
		return apperrors.Validation("mod_id", "mod_id must be a positive integer")
	}
	if !modNamePattern.MatchString(req.ModName) {
		return apperrors.Validation("mod_name", "mod_name must be alphanumeric (dots, hyphens and underscores allowed)")
	}
	if req.SourceLocation.Path == "" {
		return apperrors.Validation("source_location.path", "source path is required")
	}
	return nil
}

// Deploy runs the module's deploy script. Exit 0 makes the module Ready,
// exit 1 means an administrator must finish deployment, anything else is a
// failure. A module without a deploy script is Ready immediately.
func (o *Orchestrator) Deploy(ctx context.Context, modID int) (View, error) {
	h, err := o.open(ctx, modID)
	if err != nil {
		return View{}, err
	}
	switch h.Rec.State {
	case StateInstalled, StateDeployFailed:
	case StateDeployInProgress:
		h.Close()
		return View{}, apperrors.Precondition("module", apperrors.ReasonAlreadyDeploying, "module deploy already in progress")
	case StateAdminRequired, StateReady:
		h.Close()
		return View{}, apperrors.Precondition("module", apperrors.ReasonAlreadyDeployed, "module already deployed")
	default:
		h.Close()
		return View{}, apperrors.Precondition("module", apperrors.ReasonNotInstalled, "module is not installed")
	}
	h.Rec.State = StateDeployInProgress
	h.Rec.Error = ""
	path := h.Rec.InstalledPath
	if err := h.Close(); err != nil {
		return View{}, err
	}
	o.recordTransition(ctx, StateDeployInProgress)

	ctx = context.WithoutCancel(ctx)
	logger := slog.With("modId", modID)
	logger.Info("Deploying module", "path", path)
	state, msg := o.runDeploy(ctx, path)

	h, err = o.open(ctx, modID)
	if err != nil {
		return View{}, err
	}
	if h.Rec.MarkedForDeletion {
		return View{}, o.teardown(h, logger)
	}
	h.Rec.State = state
	h.Rec.Error = msg
	logger.Info("Module deploy finished", "state", state)
	o.recordTransition(ctx, state)
	return commit(h)
}

func (o *Orchestrator) runDeploy(ctx context.Context, path string) (State, string) {
	script := filepath.Join(path, DeployScript)
	if _, err := os.Stat(script); errors.Is(err, os.ErrNotExist) {
		return StateReady, ""
	}
	res, err := o.runner.Run(ctx, scriptexec.Command{
		Name:    script,
		Dir:     path,
		Timeout: o.scriptTimeout,
	})
	if err != nil {
		msg := err.Error()
		if res != nil && res.Output != "" {
			msg += ": " + res.Output
		}
		return StateDeployFailed, msg
	}
	switch res.ExitCode {
	case deployExitReady:
		return StateReady, ""
	case deployExitAdminRequired:
		return StateAdminRequired, res.Output
	default:
		return StateDeployFailed, fmt.Sprintf("deploy exited %d: %s", res.ExitCode, res.Output)
	}
}

// MarkReady records that an administrator completed deployment.
func (o *Orchestrator) MarkReady(ctx context.Context, modID int) (View, error) {
	h, err := o.open(ctx, modID)
	if err != nil {
		return View{}, err
	}
	if h.Rec.State != StateAdminRequired {
		h.Close()
		return View{}, apperrors.Precondition("module", apperrors.ReasonInvalidTransition,
			fmt.Sprintf("cannot mark module ready from state %q", h.Rec.View().State))
	}
	h.Rec.State = StateReady
	h.Rec.Error = ""
	o.recordTransition(ctx, StateReady)
	return commit(h)
}

// Get returns a snapshot of the module. An unknown module is reported with
// StateDoesNotExist rather than an error.
func (o *Orchestrator) Get(ctx context.Context, modID int) (View, error) {
	h, err := o.open(ctx, modID)
	if err != nil {
		return View{}, err
	}
	defer h.Close()
	v := h.Rec.View()
	v.ModID = modID
	return v, nil
}

// List returns all modules, optionally restricted to the given states.
func (o *Orchestrator) List(ctx context.Context, states ...State) ([]View, error) {
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
		if len(states) > 0 && !slices.Contains(states, v.State) {
			continue
		}
		views = append(views, v)
	}
	return views, nil
}

// Delete removes the installed tree and the record. While a checkout or
// deploy is running the module is only marked, and the running operation
// tears it down when it finishes.
func (o *Orchestrator) Delete(ctx context.Context, modID int) (DeleteResult, error) {
	h, err := o.open(ctx, modID)
	if err != nil {
		return "", err
	}

	logger := slog.With("modId", modID)
	switch {
	case !h.Rec.Live():
		return DoesNotExist, h.Close()
	case h.Rec.State.busy():
		h.Rec.MarkedForDeletion = true
		logger.Info("Module marked for deletion", "state", h.Rec.State)
		return MarkedForDeletion, h.Close()
	}
	o.removeTree(h.Rec, logger)
	*h.Rec = Record{}
	if err := h.Close(); err != nil {
		return "", err
	}
	logger.Info("Module deleted")
	return Deleted, nil
}

// teardown finishes a deletion requested while an operation ran. It removes
// the installed tree, clears the record, releases h and returns the error the
// interrupted operation reports.
func (o *Orchestrator) teardown(h *handle, logger *slog.Logger) error {
	o.removeTree(h.Rec, logger)
	*h.Rec = Record{}
	if err := h.Close(); err != nil {
		return err
	}
	logger.Info("Module deleted after marked operation finished")
	return apperrors.Precondition("module", apperrors.ReasonDeleted, "module was deleted while the operation ran")
}

func (o *Orchestrator) removeTree(rec *Record, logger *slog.Logger) {
	path := rec.InstalledPath
	if path == "" || !strings.HasPrefix(filepath.Base(path), rec.ModName+"_") {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		logger.Warn("Failed to remove module tree", "path", path, "error", err)
	}
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
