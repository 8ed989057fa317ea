package nvmedrv

// State is a step of the driver lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateCapabilitiesRead
	StateAdminQueueCreated
	StateControllerEnabling
	StateControllerReady
	StateNamespacesDiscovered
	StateIOQueuesProvisioned
	StateOperational
	StateFaulted
	StateShuttingDown
	StateStopped
)

var stateNames = [...]string{
	StateUninitialized:        "Uninitialized",
	StateCapabilitiesRead:     "CapabilitiesRead",
	StateAdminQueueCreated:    "AdminQueueCreated",
	StateControllerEnabling:   "ControllerEnabling",
	StateControllerReady:      "ControllerReady",
	StateNamespacesDiscovered: "NamespacesDiscovered",
	StateIOQueuesProvisioned:  "IoQueuesProvisioned",
	StateOperational:          "Operational",
	StateFaulted:              "Faulted",
	StateShuttingDown:         "ShuttingDown",
	StateStopped:              "Stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}

	return stateNames[s]
}
