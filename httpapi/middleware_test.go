package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"collabflow/auth"
	"collabflow/cancellation"
	"collabflow/collaboration"
	"collabflow/dispute"
	"collabflow/review"
)

type fakeVerifier struct {
	userID string
	role   auth.Role
	err    error
}

func (f fakeVerifier) VerifyToken(token string) (string, auth.Role, error) {
	if f.err != nil {
		return "", "", f.err
	}
	return f.userID, f.role, nil
}

func TestAuthenticate_MissingToken(t *testing.T) {
	a := &API{tokens: fakeVerifier{}}
	handler := a.Authenticate(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/api/reviews", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticate_InvalidToken(t *testing.T) {
	a := &API{tokens: fakeVerifier{err: errors.New("expired")}}
	handler := a.Authenticate(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/reviews", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticate_AttachesIdentity(t *testing.T) {
	a := &API{tokens: fakeVerifier{userID: "user-1", role: auth.RoleBrand}}

	var got Identity
	handler := a.Authenticate(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/reviews", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got.UserID != "user-1" || got.Role != auth.RoleBrand {
		t.Fatalf("unexpected identity %+v", got)
	}
}

func TestRequireAdmin(t *testing.T) {
	a := &API{tokens: fakeVerifier{userID: "user-1", role: auth.RoleCreator}}
	handler := a.RequireAdmin(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run for non-admin")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/disputes/d1/resolve", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	a = &API{tokens: fakeVerifier{userID: "admin-1", role: auth.RoleAdmin}}
	ran := false
	handler = a.RequireAdmin(func(w http.ResponseWriter, r *http.Request) {
		ran = true
		w.WriteHeader(http.StatusOK)
	})

	req = httptest.NewRequest(http.MethodPost, "/api/disputes/d1/resolve", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec = httptest.NewRecorder()
	handler(rec, req)

	if !ran || rec.Code != http.StatusOK {
		t.Fatalf("expected admin to pass, ran=%v code=%d", ran, rec.Code)
	}
}

func TestRequestID_Propagates(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "fixed-id")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "fixed-id" {
		t.Fatalf("expected caller id preserved, got %q", got)
	}
}

func TestWriteDomainError_Taxonomy(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{review.ErrInvalidRating, http.StatusBadRequest},
		{review.ErrForbidden, http.StatusForbidden},
		{collaboration.ErrNotFound, http.StatusNotFound},
		{review.ErrDuplicateSubmission, http.StatusConflict},
		{dispute.ErrAlreadyDisputed, http.StatusConflict},
		{cancellation.ErrInvalidPhaseForCancellation, http.StatusConflict},
		{collaboration.ErrFundsFrozen, http.StatusLocked},
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{fmt.Errorf("collaboration: get: %w", &pgconn.PgError{Code: "22P02"}), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeDomainError(rec, tc.err)
		if rec.Code != tc.code {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.code, rec.Code)
		}

		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Errorf("%v: invalid body: %v", tc.err, err)
		}
		if body["error"] == "" {
			t.Errorf("%v: expected error code in body", tc.err)
		}
	}
}

func TestListCollaborations_RejectsUnknownPhase(t *testing.T) {
	a := &API{}
	req := httptest.NewRequest(http.MethodGet, "/api/collaborations?phase=active", nil)
	rec := httptest.NewRecorder()

	a.ListCollaborations(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown phase, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body["error"] != "validation_error" {
		t.Errorf("expected validation_error, got %v", body["error"])
	}
}
