package job

import "pce/internal/module"

// State is the lifecycle state of a job.
type State string

const (
	StateUnknown           State = "Unknown"
	StateSettingUpLaunch   State = "Setting up launch"
	StateLaunchFailed      State = "Launch failed"
	StatePreprocessing     State = "Preprocessing"
	StatePreprocessFailed  State = "Preprocess failed"
	StateScheduled         State = "Scheduled"
	StateScheduleFailed    State = "Schedule failed"
	StateQueued            State = "Queued"
	StateRunning           State = "Running"
	StateRunFailed         State = "Run failed"
	StatePostprocessing    State = "Postprocessing"
	StatePostprocessFailed State = "Postprocess failed"
	StateDone              State = "Done"

	// StateDoesNotExist is reported for jobs without a record. It is never persisted.
	StateDoesNotExist State = "Does not exist"
)

// Scheduled reports whether the job is known to the batch scheduler.
func (s State) Scheduled() bool {
	return s == StateScheduled || s == StateQueued || s == StateRunning
}

// transitional reports whether a stage is running an external process for the job.
func (s State) transitional() bool {
	return s == StateSettingUpLaunch || s == StatePreprocessing || s == StatePostprocessing
}

// early reports whether the run directory may not be populated yet.
func (s State) early() bool {
	switch s {
	case StateUnknown, StateSettingUpLaunch, StateLaunchFailed, StateDoesNotExist, "":
		return true
	}
	return false
}

// Terminal reports whether no further transition will happen without a delete.
func (s State) Terminal() bool {
	switch s {
	case StateLaunchFailed, StatePreprocessFailed, StateScheduleFailed, StateRunFailed,
		StatePostprocessFailed, StateDone:
		return true
	}
	return false
}

// Record is the persisted state of one job.
type Record struct {
	JobID           int    `json:"job_id"`
	ModID           int    `json:"mod_id"`
	Username        string `json:"username"`
	RunName         string `json:"run_name"`
	RunDir          string `json:"run_dir"`
	State           State  `json:"state"`
	Error           string `json:"error"`
	SchedulerJobNum string `json:"scheduler_job_num"`
	ModStatusOutput string `json:"mod_status_output"`
	Output          string `json:"output"`

	MarkedForDeletion bool `json:"_marked_for_deletion,omitempty"`
}

// Live implements statestore.Record.
func (r *Record) Live() bool {
	return r.State != "" && r.State != StateDoesNotExist
}

// VisibleFile is a file in the run directory exposed to the job's owner.
type VisibleFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// View is the externally visible form of a Record.
type View struct {
	JobID           int           `json:"job_id"`
	ModID           int           `json:"mod_id"`
	Username        string        `json:"username"`
	RunName         string        `json:"run_name"`
	RunDir          string        `json:"run_dir"`
	State           State         `json:"state"`
	Error           string        `json:"error"`
	SchedulerJobNum string        `json:"scheduler_job_num"`
	ModStatusOutput string        `json:"mod_status_output"`
	Output          string        `json:"output"`
	VisibleFiles    []VisibleFile `json:"visible_files"`
}

// View returns a copy of r without internal fields. Visible files are
// filled in by the orchestrator.
func (r *Record) View() View {
	if !r.Live() {
		return View{JobID: r.JobID, State: StateDoesNotExist, VisibleFiles: []VisibleFile{}}
	}
	return View{
		JobID:           r.JobID,
		ModID:           r.ModID,
		Username:        r.Username,
		RunName:         r.RunName,
		RunDir:          r.RunDir,
		State:           r.State,
		Error:           r.Error,
		SchedulerJobNum: r.SchedulerJobNum,
		ModStatusOutput: r.ModStatusOutput,
		Output:          r.Output,
		VisibleFiles:    []VisibleFile{},
	}
}

// LaunchRequest describes a new job.
type LaunchRequest struct {
	JobID     int           `json:"job_id"`
	ModID     int           `json:"mod_id"`
	Username  string        `json:"username"`
	RunName   string        `json:"run_name"`
	RunParams module.Params `json:"runparams"`
}

// DeleteResult reports what Delete did.
type DeleteResult string

const (
	Deleted           DeleteResult = "Deleted"
	MarkedForDeletion DeleteResult = "MarkedForDeletion"
	DoesNotExist      DeleteResult = "DoesNotExist"
)
