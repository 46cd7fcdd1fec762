package httpapi

import (
	"net/http"
	"strconv"

	"collabflow/application"
	"collabflow/auth"
	"collabflow/cancellation"
	"collabflow/collaboration"
	"collabflow/dispute"
	"collabflow/review"
)

// --- auth ---

func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := a.authSvc.Register(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"user_id":   user.ID,
		"email":     user.Email,
		"full_name": user.FullName,
		"role":      user.Role,
	})
}

func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := a.authSvc.Login(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":   res.Token,
		"user_id": res.User.ID,
		"role":    res.User.Role,
	})
}

// --- collaborations ---

func (a *API) ListCollaborations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	phase := collaboration.Phase(q.Get("phase"))
	if phase != "" && !phase.Valid() {
		writeError(w, http.StatusBadRequest, "validation_error", "unknown phase filter")
		return
	}
	filters := collaboration.Filters{
		Phase:   phase,
		BrandID: q.Get("brand_id"),
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filters.Page = page
	}
	if size, err := strconv.Atoi(q.Get("page_size")); err == nil {
		filters.PageSize = size
	}

	res, err := a.collabs.List(r.Context(), filters)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]map[string]any, 0, len(res.Items))
	for _, rec := range res.Items {
		items = append(items, collabJSON(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": res.Total,
	})
}

func (a *API) GetCollaboration(w http.ResponseWriter, r *http.Request) {
	rec, err := a.collabs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collabJSON(rec))
}

func (a *API) CreateCollaboration(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	if identity.Role != auth.RoleBrand {
		writeError(w, http.StatusForbidden, "forbidden", "only brands create collaborations")
		return
	}

	var req struct {
		Title             string `json:"title"`
		Description       string `json:"description"`
		EscrowAmountCents int64  `json:"escrow_amount_cents"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	rec, err := a.collabs.Create(r.Context(), collaboration.CreateParams{
		BrandID:           identity.UserID,
		Title:             req.Title,
		Description:       req.Description,
		EscrowAmountCents: req.EscrowAmountCents,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, collabJSON(rec))
}

func (a *API) CompleteCollaboration(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())

	rec, err := a.collabs.Complete(r.Context(), r.PathValue("id"), identity.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collabJSON(rec))
}

func (a *API) ReleaseFunds(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())

	rec, err := a.collabs.ReleaseFunds(r.Context(), r.PathValue("id"), identity.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collabJSON(rec))
}

// --- applications ---

func (a *API) Apply(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	if identity.Role != auth.RoleCreator {
		writeError(w, http.StatusForbidden, "forbidden", "only creators apply to collaborations")
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	rec, err := a.applications.Apply(r.Context(), application.ApplyParams{
		CollaborationID: r.PathValue("id"),
		CreatorID:       identity.UserID,
		Message:         req.Message,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"application_id": rec.ID,
		"state":          rec.State,
	})
}

func (a *API) ListApplications(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())

	recs, err := a.applications.ListForCollaboration(r.Context(), r.PathValue("id"), identity.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		items = append(items, map[string]any{
			"application_id": rec.ID,
			"creator_id":     rec.CreatorID,
			"state":          rec.State,
			"created_at":     rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *API) DecideApplication(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())

	var req struct {
		Accept bool `json:"accept"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	rec, err := a.applications.Decide(r.Context(), application.DecideParams{
		ApplicationID: r.PathValue("id"),
		BrandID:       identity.UserID,
		Accept:        req.Accept,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"application_id": rec.ID,
		"state":          rec.State,
	})
}

// --- reviews ---

func (a *API) SubmitReview(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())

	var req struct {
		ApplicationID string `json:"application_id"`
		Rating        int    `json:"rating"`
		Comment       string `json:"comment"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := a.reviews.Submit(r.Context(), review.SubmitParams{
		ApplicationID: req.ApplicationID,
		AuthorID:      identity.UserID,
		Rating:        req.Rating,
		Comment:       req.Comment,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"review_id":     res.Review.ID,
		"reveal_state":  res.Review.RevealState,
		"pair_revealed": res.PairRevealed,
	})
}

func (a *API) PendingReviews(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())

	items, err := a.reviews.PendingFor(r.Context(), identity.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"application": map[string]any{
				"application_id": item.ApplicationID,
				"role":           item.Role,
			},
			"collaboration": map[string]any{
				"collaboration_id": item.CollaborationID,
				"title":            item.Title,
				"completed_at":     item.CompletedAt,
			},
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) ListReviews(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())

	recs, err := a.reviews.ListForApplication(r.Context(), r.PathValue("id"), identity.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		item := map[string]any{
			"review_id":    rec.ID,
			"author_role":  rec.AuthorRole,
			"rating":       rec.Rating,
			"reveal_state": rec.RevealState,
			"submitted_at": rec.SubmittedAt,
		}
		if rec.Comment != nil {
			item["comment"] = *rec.Comment
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

// --- disputes ---

func (a *API) OpenDispute(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())

	var req struct {
		Reason  string `json:"reason"`
		Details string `json:"details"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	rec, err := a.disputes.Open(r.Context(), dispute.OpenParams{
		CollaborationID: r.PathValue("collabId"),
		OpenerID:        identity.UserID,
		Reason:          dispute.Reason(req.Reason),
		Details:         req.Details,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"dispute_id": rec.ID,
		"state":      rec.State,
	})
}

func (a *API) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())

	var req struct {
		Disposition string `json:"disposition"`
		Note        string `json:"note"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	rec, err := a.disputes.Resolve(r.Context(), dispute.ResolveParams{
		DisputeID:   r.PathValue("id"),
		ResolverID:  identity.UserID,
		Disposition: dispute.Disposition(req.Disposition),
		Note:        req.Note,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"dispute_id": rec.ID,
		"state":      rec.State,
		"outcome":    rec.Outcome,
	})
}

// --- cancellations ---

func (a *API) RequestCancellation(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())

	var req struct {
		Reason  string `json:"reason"`
		Details string `json:"details"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := a.cancellations.Request(r.Context(), cancellation.RequestParams{
		CollaborationID: r.PathValue("id"),
		RequesterID:     identity.UserID,
		Reason:          cancellation.Reason(req.Reason),
		Details:         req.Details,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	message := "cancellation request pending admin review; funds remain in escrow"
	if res.Request.Outcome == cancellation.OutcomeImmediateRefund {
		message = "collaboration cancelled with full refund"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": res.Request.ID,
		"outcome":    res.Request.Outcome,
		"message":    message,
	})
}

func (a *API) ResolveCancellation(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())

	var req struct {
		Approve bool `json:"approve"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	rec, err := a.cancellations.Resolve(r.Context(), cancellation.ResolveParams{
		RequestID:  r.PathValue("id"),
		ResolverID: identity.UserID,
		Approve:    req.Approve,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": rec.ID,
		"state":      rec.State,
	})
}

func collabJSON(rec collaboration.Record) map[string]any {
	item := map[string]any{
		"collaboration_id":    rec.ID,
		"brand_id":            rec.BrandID,
		"title":               rec.Title,
		"phase":               rec.Phase,
		"escrow_amount_cents": rec.EscrowAmountCents,
		"escrow_state":        rec.EscrowState,
		"messaging_enabled":   rec.MessagingEnabled,
		"created_at":          rec.CreatedAt,
	}
	if rec.Description != nil {
		item["description"] = *rec.Description
	}
	return item
}
