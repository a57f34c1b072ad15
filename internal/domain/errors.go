// Package domain contains the core models of the promotion cascade: runs,
// nodes, crowd tasks and the catalogs they draw from.
package domain

import "errors"

var (
	// ErrNotFound is returned when an entity is not found or a conditional
	// update matched no row.
	ErrNotFound = errors.New("entity not found")
	// ErrInvalidTransition is returned for a run status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRunTerminal is returned when mutating a run that already finished.
	ErrRunTerminal = errors.New("run is in a terminal state")
	// ErrRunActive is returned when a project already has an unfinished run.
	ErrRunActive = errors.New("project already has an active run")
	// ErrInvalidProject is returned when a project cannot be promoted.
	ErrInvalidProject = errors.New("invalid project")
	// ErrClaimLost means another worker won the conditional update.
	ErrClaimLost = errors.New("claim lost to another worker")
	// ErrNoWork means there is nothing claimable right now.
	ErrNoWork = errors.New("no work available")
)
