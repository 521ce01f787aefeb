package module

import "slices"

// State is the lifecycle state of an installed module.
type State string

const (
	StateDoesNotExist       State = "Does not exist"
	StateCheckoutInProgress State = "Checkout in progress"
	StateCheckoutFailed     State = "Checkout failed"
	StateInstalled          State = "Installed"
	StateDeployInProgress   State = "Deploy in progress"
	StateDeployFailed       State = "Deploy failed"
	StateAdminRequired      State = "Admin required"
	StateReady              State = "Module ready"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateDoesNotExist,
	StateCheckoutInProgress,
	StateCheckoutFailed,
	StateInstalled,
	StateDeployInProgress,
	StateDeployFailed,
	StateAdminRequired,
	StateReady,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return slices.Contains(AllStates, s)
}

// installed reports whether checkout has completed, regardless of deploy progress.
func (s State) installed() bool {
	switch s {
	case StateInstalled, StateDeployInProgress, StateDeployFailed, StateAdminRequired, StateReady:
		return true
	}
	return false
}

// busy reports whether an external process is running on behalf of the module.
func (s State) busy() bool {
	return s == StateCheckoutInProgress || s == StateDeployInProgress
}

// SourceLocation identifies where a module's files are checked out from.
type SourceLocation struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// Record is the persisted state of one module.
type Record struct {
	ModID          int            `json:"mod_id"`
	ModName        string         `json:"mod_name"`
	InstalledPath  string         `json:"installed_path"`
	State          State          `json:"state"`
	Error          string         `json:"error"`
	SourceLocation SourceLocation `json:"source_location"`

	MarkedForDeletion bool `json:"_marked_for_deletion,omitempty"`
}

// Live implements statestore.Record.
func (r *Record) Live() bool {
	return r.State != "" && r.State != StateDoesNotExist
}

// View is the externally visible form of a Record.
type View struct {
	ModID          int            `json:"mod_id"`
	ModName        string         `json:"mod_name"`
	InstalledPath  string         `json:"installed_path"`
	State          State          `json:"state"`
	Error          string         `json:"error"`
	SourceLocation SourceLocation `json:"source_location"`
}

// View returns a copy of r without internal fields.
func (r *Record) View() View {
	if !r.Live() {
		return View{ModID: r.ModID, State: StateDoesNotExist}
	}
	return View{
		ModID:          r.ModID,
		ModName:        r.ModName,
		InstalledPath:  r.InstalledPath,
		State:          r.State,
		Error:          r.Error,
		SourceLocation: r.SourceLocation,
	}
}

// InstallRequest describes a module checkout.
type InstallRequest struct {
	ModID           int            `json:"mod_id"`
	ModName         string         `json:"mod_name"`
	SourceLocation  SourceLocation `json:"source_location"`
	TargetParentDir string         `json:"install_location,omitempty"` // Defaults to the configured modules dir
}
