package review

import "time"

// AuthorRole identifies which side of the collaboration wrote the review.
type AuthorRole string

const (
	AuthorBrand   AuthorRole = "brand"
	AuthorCreator AuthorRole = "creator"
)

// RevealState is a property of the review pair: both reviews flip to revealed
// together, or a lone review flips unilaterally when the timeout fires.
type RevealState string

const (
	RevealHidden   RevealState = "hidden"
	RevealRevealed RevealState = "revealed"
)

// Record mirrors the reviews table. Content is append-only: nothing but the
// reveal state changes after submission.
type Record struct {
	ID            string
	ApplicationID string
	AuthorID      string
	AuthorRole    AuthorRole
	Rating        int
	Comment       *string
	RevealState   RevealState
	SubmittedAt   time.Time
	RevealedAt    *time.Time
}

// PendingItem is one completed-but-unreviewed participation, used to drive
// the reminder UI.
type PendingItem struct {
	ApplicationID   string
	CollaborationID string
	Title           string
	Role            AuthorRole
	CounterpartyID  string
	CompletedAt     time.Time
}

// Job mirrors the reveal_jobs table: a durable timer keyed by application.
type Job struct {
	ApplicationID string
	RunAt         time.Time
	Attempts      int
}
