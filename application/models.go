package application

import "time"

// State represents a creator application's acceptance state.
type State string

const (
	StateApplied  State = "applied"
	StateAccepted State = "accepted"
	StateRejected State = "rejected"
)

// Record mirrors the applications table.
type Record struct {
	ID              string
	CollaborationID string
	CreatorID       string
	State           State
	Message         *string
	CreatedAt       time.Time
	DecidedAt       *time.Time
}
