package dispute

import "time"

// State represents the lifecycle of a dispute record.
type State string

const (
	StateOpen     State = "open"
	StateResolved State = "resolved"
)

// Reason enumerates why a party opened the dispute.
type Reason string

const (
	ReasonContentNotDelivered Reason = "content_not_delivered"
	ReasonQualityIssues       Reason = "quality_issues"
	ReasonDeadlineMissed      Reason = "deadline_missed"
	ReasonBrandUnresponsive   Reason = "brand_unresponsive"
	ReasonPaymentConcern      Reason = "payment_concern"
	ReasonOther               Reason = "other"
)

// Disposition is the fund side of a resolution outcome. Resolving a dispute
// never unfreezes funds implicitly; the arbitrator states where they go.
type Disposition string

const (
	DispositionReleaseToCreator Disposition = "release_to_creator"
	DispositionRefundToBrand    Disposition = "refund_to_brand"
)

// Record mirrors the disputes table.
type Record struct {
	ID              string
	CollaborationID string
	OpenerID        string
	OpenerRole      string
	Reason          Reason
	Details         string
	State           State
	Outcome         *string
	PriorPhase      string
	OpenedAt        time.Time
	ResolvedAt      *time.Time
}

// ValidReason reports whether the reason code is one of the known values.
func ValidReason(r Reason) bool {
	switch r {
	case ReasonContentNotDelivered, ReasonQualityIssues, ReasonDeadlineMissed,
		ReasonBrandUnresponsive, ReasonPaymentConcern, ReasonOther:
		return true
	default:
		return false
	}
}
