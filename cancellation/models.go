package cancellation

import "time"

// Outcome is decided once, from the collaboration's phase at request time.
type Outcome string

const (
	OutcomeImmediateRefund    Outcome = "immediate_refund"
	OutcomePendingAdminReview Outcome = "pending_admin_review"
)

// State represents the lifecycle of a cancellation request.
type State string

const (
	StatePending  State = "pending"
	StateResolved State = "resolved"
)

// Reason enumerates why the cancellation was requested.
type Reason string

const (
	ReasonBrandChangedRequirements Reason = "brand_changed_requirements"
	ReasonInfluencerUnavailable    Reason = "influencer_unavailable"
	ReasonBudgetIssues             Reason = "budget_issues"
	ReasonTimelineConflict         Reason = "timeline_conflict"
	ReasonQualityConcerns          Reason = "quality_concerns"
	ReasonMutualAgreement          Reason = "mutual_agreement"
	ReasonOther                    Reason = "other"
)

// Record mirrors the cancellation_requests table.
type Record struct {
	ID              string
	CollaborationID string
	RequesterID     string
	Reason          Reason
	Details         *string
	Outcome         Outcome
	State           State
	RequestedAt     time.Time
	ResolvedAt      *time.Time
}

// ValidReason reports whether the reason code is one of the known values.
func ValidReason(r Reason) bool {
	switch r {
	case ReasonBrandChangedRequirements, ReasonInfluencerUnavailable, ReasonBudgetIssues,
		ReasonTimelineConflict, ReasonQualityConcerns, ReasonMutualAgreement, ReasonOther:
		return true
	default:
		return false
	}
}
