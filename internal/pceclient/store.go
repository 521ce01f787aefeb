package pceclient

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store lookups for missing rows.
var ErrNotFound = errors.New("row not found")

// PCE is a registered compute environment.
type PCE struct {
	ID        int
	Name      string
	BaseURL   string
	State     int // PCEReachable, PCEDegraded, Unreachable or 0 before first contact
	UpdatedAt time.Time
}

// ModuleRow is the Server's view of a module on one PCE.
type ModuleRow struct {
	PCEID     int
	ModID     int
	State     int
	Error     string
	Stale     bool // State is the last known one; the latest refresh failed
	UpdatedAt time.Time
}

// JobRow is the Server's record of a job. ID is also the PCE's job id.
type JobRow struct {
	ID              int
	UserID          int
	WorkspaceID     int
	PCEID           int
	ModID           int
	RunName         string
	State           int
	Error           string
	SchedulerJobNum string
	OutputPath      string
	Stale           bool
	UpdatedAt       time.Time
}

// Store is the Server's system of record for PCEs, modules and jobs.
type Store interface {
	AddPCE(ctx context.Context, pce PCE) (PCE, error)
	GetPCE(ctx context.Context, id int) (PCE, error)
	ListPCEs(ctx context.Context) ([]PCE, error)
	SetPCEState(ctx context.Context, id, state int) error

	GetModule(ctx context.Context, pceID, modID int) (ModuleRow, error)
	ListModules(ctx context.Context, pceID int) ([]ModuleRow, error)
	UpsertModule(ctx context.Context, row ModuleRow) error
	// MarkModulesStale flags the given modules of a PCE, or all of them when
	// modIDs is empty, as stale. Unknown modules are recorded as Unreachable.
	MarkModulesStale(ctx context.Context, pceID int, modIDs ...int) error

	// GetOrCreateJob returns the job keyed by (user, workspace, PCE,
	// module, run name), creating it when absent. created reports which.
	GetOrCreateJob(ctx context.Context, row JobRow) (job JobRow, created bool, err error)
	GetJob(ctx context.Context, id int) (JobRow, error)
	// ListActiveJobs returns jobs whose state is not final.
	ListActiveJobs(ctx context.Context) ([]JobRow, error)
	UpdateJob(ctx context.Context, row JobRow) error

	Close() error
}
