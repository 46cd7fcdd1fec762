package collaboration

import "time"

// Phase represents the lifecycle of a collaboration.
type Phase string

const (
	PhaseOpen       Phase = "open"
	PhaseInProgress Phase = "in_progress"
	PhaseCompleted  Phase = "completed"
	PhaseCancelled  Phase = "cancelled"
	PhaseDisputed   Phase = "disputed"
)

// Valid reports whether p names one of the lifecycle phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseOpen, PhaseInProgress, PhaseCompleted, PhaseCancelled, PhaseDisputed:
		return true
	}
	return false
}

// EscrowState tracks where the escrowed funds currently sit.
type EscrowState string

const (
	EscrowHeld              EscrowState = "held"
	EscrowReleasedToBrand   EscrowState = "released_to_brand"
	EscrowReleasedToCreator EscrowState = "released_to_creator"
)

// Record mirrors the collaborations table.
type Record struct {
	ID                string
	BrandID           string
	Title             string
	Description       *string
	Phase             Phase
	EscrowAmountCents int64
	EscrowState       EscrowState
	MessagingEnabled  bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Filters narrows List results.
type Filters struct {
	BrandID  string
	Phase    Phase
	Page     int
	PageSize int
}
