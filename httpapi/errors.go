package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"

	"collabflow/application"
	"collabflow/auth"
	"collabflow/cancellation"
	"collabflow/collaboration"
	"collabflow/dispute"
	"collabflow/review"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, detail string) {
	writeJSON(w, code, map[string]any{
		"error":  errCode,
		"detail": detail,
	})
}

// writeDomainError maps domain sentinels onto the error taxonomy: validation
// 400, forbidden 403, not found 404, conflicts 409, frozen funds 423.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, review.ErrInvalidRating),
		errors.Is(err, dispute.ErrEmptyDetails),
		errors.Is(err, dispute.ErrInvalidReason),
		errors.Is(err, dispute.ErrInvalidDisposition),
		errors.Is(err, cancellation.ErrInvalidReason),
		errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())

	// Malformed uuids and enum literals reach Postgres as cast errors; they
	// are caller input problems, not server faults.
	case isPgCode(err, "22P02"):
		writeError(w, http.StatusBadRequest, "validation_error", "malformed identifier or enum value")

	case errors.Is(err, review.ErrForbidden),
		errors.Is(err, dispute.ErrForbidden),
		errors.Is(err, cancellation.ErrForbidden),
		errors.Is(err, collaboration.ErrForbidden),
		errors.Is(err, application.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "caller is not a party to this collaboration")

	case errors.Is(err, collaboration.ErrNotFound),
		errors.Is(err, application.ErrNotFound),
		errors.Is(err, review.ErrApplicationNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, cancellation.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())

	case errors.Is(err, review.ErrDuplicateSubmission),
		errors.Is(err, review.ErrNotReviewable),
		errors.Is(err, dispute.ErrAlreadyDisputed),
		errors.Is(err, dispute.ErrInvalidPhase),
		errors.Is(err, dispute.ErrAlreadyResolved),
		errors.Is(err, cancellation.ErrInvalidPhaseForCancellation),
		errors.Is(err, cancellation.ErrPendingRequestExists),
		errors.Is(err, cancellation.ErrAlreadyResolved),
		errors.Is(err, application.ErrDuplicateApplication),
		errors.Is(err, application.ErrCollaborationNotOpen),
		errors.Is(err, application.ErrAlreadyDecided),
		errors.Is(err, collaboration.ErrInvalidPhase),
		errors.Is(err, collaboration.ErrEscrowAlreadyReleased),
		errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "conflict", err.Error())

	case errors.Is(err, collaboration.ErrFundsFrozen):
		writeError(w, http.StatusLocked, "funds_frozen", err.Error())

	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())

	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed request body")
		return false
	}
	return true
}
