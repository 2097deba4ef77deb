package framework

// State is the lifecycle state of a bundle.
// Valid transitions:
//
//	Installed -> Starting, Uninstalled
//	Starting  -> Active, Installed
//	Active    -> Stopping
//	Stopping  -> Installed
//	Uninstalled -> (terminal)
type State string

const (
	StateInstalled   State = "installed"
	StateStarting    State = "starting"
	StateActive      State = "active"
	StateStopping    State = "stopping"
	StateUninstalled State = "uninstalled"
)

var validTransitions = map[State]map[State]bool{
	StateInstalled: {
		StateStarting:    true,
		StateUninstalled: true,
	},
	StateStarting: {
		StateActive: true,
		// A failed activator leaves the bundle installed.
		StateInstalled: true,
	},
	StateActive: {
		StateStopping: true,
	},
	StateStopping: {
		StateInstalled: true,
	},
	StateUninstalled: {},
}

func (s State) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized State value.
func (s State) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to target is allowed.
func (s State) CanTransitionTo(target State) bool {
	return validTransitions[s][target]
}

// hasContext reports whether a bundle in state s may use its Context.
func (s State) hasContext() bool {
	return s == StateStarting || s == StateActive || s == StateStopping
}
