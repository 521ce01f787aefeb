package pceclient

import (
	"pce/internal/job"
	"pce/internal/module"
)

// Integer state codes stored by the Server. Negative codes are failures.
const (
	// Unreachable is the pce row state after a failed call, and the state of
	// a module row first seen while its PCE was unreachable.
	Unreachable = -99

	// PCEDegraded is the pce row state after an answer that could not be used.
	PCEDegraded = -97

	// PCEReachable is the pce row state after a successful call.
	PCEReachable = 1
)

// Module state codes.
const (
	ModuleDoesNotExist       = 0
	ModuleCheckoutInProgress = 1
	ModuleCheckoutFailed     = -1
	ModuleInstalled          = 2
	ModuleDeployInProgress   = 3
	ModuleDeployFailed       = -2
	ModuleAdminRequired      = 4
	ModuleReady              = 5
)

// Job state codes.
const (
	JobUnknown           = 0
	JobSettingUpLaunch   = 1
	JobLaunchFailed      = -1
	JobPreprocessing     = 2
	JobPreprocessFailed  = -2
	JobScheduled         = 3
	JobScheduleFailed    = -3
	JobQueued            = 4
	JobRunning           = 5
	JobRunFailed         = -4
	JobPostprocessing    = 6
	JobPostprocessFailed = -5
	JobDone              = 7
	JobDoesNotExist      = -98
)

var moduleCodes = map[module.State]int{
	module.StateDoesNotExist:       ModuleDoesNotExist,
	module.StateCheckoutInProgress: ModuleCheckoutInProgress,
	module.StateCheckoutFailed:     ModuleCheckoutFailed,
	module.StateInstalled:          ModuleInstalled,
	module.StateDeployInProgress:   ModuleDeployInProgress,
	module.StateDeployFailed:       ModuleDeployFailed,
	module.StateAdminRequired:      ModuleAdminRequired,
	module.StateReady:              ModuleReady,
}

var jobCodes = map[job.State]int{
	job.StateUnknown:           JobUnknown,
	job.StateSettingUpLaunch:   JobSettingUpLaunch,
	job.StateLaunchFailed:      JobLaunchFailed,
	job.StatePreprocessing:     JobPreprocessing,
	job.StatePreprocessFailed:  JobPreprocessFailed,
	job.StateScheduled:         JobScheduled,
	job.StateScheduleFailed:    JobScheduleFailed,
	job.StateQueued:            JobQueued,
	job.StateRunning:           JobRunning,
	job.StateRunFailed:         JobRunFailed,
	job.StatePostprocessing:    JobPostprocessing,
	job.StatePostprocessFailed: JobPostprocessFailed,
	job.StateDone:              JobDone,
	job.StateDoesNotExist:      JobDoesNotExist,
}

// ModuleCode maps a PCE module state to its Server code. Unknown text
// reports false.
func ModuleCode(state module.State) (int, bool) {
	code, ok := moduleCodes[state]
	return code, ok
}

// JobCode maps a PCE job state to its Server code. An empty state is
// Unknown; other unknown text reports false.
func JobCode(state job.State) (int, bool) {
	if state == "" {
		return JobUnknown, true
	}
	code, ok := jobCodes[state]
	return code, ok
}
