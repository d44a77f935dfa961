package deploy

import "fmt"

// DeploymentStatus is a Nomad deployment status.
type DeploymentStatus string

const (
	StatusInitializing DeploymentStatus = "initializing"
	StatusPending      DeploymentStatus = "pending"
	StatusRunning      DeploymentStatus = "running"
	StatusPaused       DeploymentStatus = "paused"
	StatusBlocked      DeploymentStatus = "blocked"
	StatusUnblocking   DeploymentStatus = "unblocking"
	StatusSuccessful   DeploymentStatus = "successful"
	StatusFailed       DeploymentStatus = "failed"
	StatusCancelled    DeploymentStatus = "cancelled"
)

// validTransitions maps from-status to allowed to-statuses
var validTransitions = map[DeploymentStatus]map[DeploymentStatus]bool{
	StatusInitializing: {
		StatusPending:   true,
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusPending: {
		StatusRunning:   true, // promoted or auto-started
		StatusPaused:    true,
		StatusFailed:    true,
		StatusCancelled: true, // superseded by a newer job version
	},
	StatusRunning: {
		StatusPaused:     true,
		StatusBlocked:    true, // multiregion: waiting on peers
		StatusSuccessful: true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusPaused: {
		StatusRunning:   true,
		StatusPending:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusBlocked: {
		StatusUnblocking: true,
		StatusRunning:    true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusUnblocking: {
		StatusRunning:    true,
		StatusSuccessful: true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	// Terminal
	StatusSuccessful: {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// ValidateTransition checks if a status change is one Nomad can make.
func ValidateTransition(from, to DeploymentStatus) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source status: %s", from)
	}
	if _, known := validTransitions[to]; !known {
		return fmt.Errorf("unknown target status: %s", to)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal reports whether the deployment is over.
func (s DeploymentStatus) IsTerminal() bool {
	return s == StatusSuccessful || s == StatusFailed || s == StatusCancelled
}
