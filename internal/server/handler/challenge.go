package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/MOMISBACK/pactengine/internal/domain"
	"github.com/MOMISBACK/pactengine/internal/service"
)

// ChallengeService is the lifecycle surface the challenge handler needs.
type ChallengeService interface {
	Create(ctx context.Context, in service.CreateInput) (domain.Challenge, error)
	Sign(ctx context.Context, id, userID string) (domain.Challenge, error)
	Refuse(ctx context.Context, id, userID string) (domain.Challenge, error)
	Update(ctx context.Context, id, userID string, in service.UpdateInput) (domain.Challenge, error)
	Get(ctx context.Context, id string) (domain.Challenge, error)
	Current(ctx context.Context, userID string, slot domain.Slot) (domain.Challenge, error)
	Pending(ctx context.Context, userID string) ([]domain.Challenge, error)
	History(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Challenge, error)
	RefreshProgress(ctx context.Context, id string) (domain.Challenge, error)
	Finalize(ctx context.Context, id string) (domain.Challenge, error)
	Cancel(ctx context.Context, id, userID string) (domain.Challenge, error)
	Delete(ctx context.Context, id, userID string) error
}

// ChallengeHandler serves /api/challenges.
type ChallengeHandler struct {
	challenges ChallengeService
	logger     *slog.Logger
}

// NewChallengeHandler creates a ChallengeHandler.
func NewChallengeHandler(challenges ChallengeService, logger *slog.Logger) *ChallengeHandler {
	return &ChallengeHandler{
		challenges: challenges,
		logger:     logHandler(logger, "challenge"),
	}
}

// challengeView adds the derived invitation facet to a challenge.
type challengeView struct {
	domain.Challenge
	InvitationStatus domain.InvitationStatus `json:"invitation_status"`
}

func viewOf(c domain.Challenge) challengeView {
	return challengeView{Challenge: c, InvitationStatus: c.InvitationStatus()}
}

type listChallengesResponse struct {
	Challenges []challengeView `json:"challenges"`
}

func viewsOf(cs []domain.Challenge) listChallengesResponse {
	out := make([]challengeView, 0, len(cs))
	for _, c := range cs {
		out = append(out, viewOf(c))
	}
	return listChallengesResponse{Challenges: out}
}

// Create opens a solo challenge or a duo invitation for the caller.
// POST /api/challenges
func (h *ChallengeHandler) Create(w http.ResponseWriter, r *http.Request) {
	user, ok := callerID(w, r)
	if !ok {
		return
	}
	var in service.CreateInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.CreatorID = user

	c, err := h.challenges.Create(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, h.logger, "create challenge", err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(c))
}

// Get returns one challenge the caller takes part in.
// GET /api/challenges/{id}
func (h *ChallengeHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, ok := callerID(w, r)
	if !ok {
		return
	}
	c, err := h.challenges.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get challenge", err)
		return
	}
	if !c.IsParticipant(user) {
		writeServiceError(w, r, h.logger, "get challenge", domain.ErrNotAParticipant)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}

// Current returns the caller's active challenge, optionally in one slot.
// GET /api/challenges/current?slot=p1
func (h *ChallengeHandler) Current(w http.ResponseWriter, r *http.Request) {
	user, ok := callerID(w, r)
	if !ok {
		return
	}
	c, err := h.challenges.Current(r.Context(), user, domain.Slot(r.URL.Query().Get("slot")))
	if err != nil {
		writeServiceError(w, r, h.logger, "current challenge", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}

// Pending lists invitations involving the caller.
// GET /api/challenges/pending
func (h *ChallengeHandler) Pending(w http.ResponseWriter, r *http.Request) {
	user, ok := callerID(w, r)
	if !ok {
		return
	}
	cs, err := h.challenges.Pending(r.Context(), user)
	if err != nil {
		writeServiceError(w, r, h.logger, "list pending", err)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(cs))
}

// History lists the caller's finished challenges.
// GET /api/challenges/history?limit=50&offset=0&since=...&until=...
func (h *ChallengeHandler) History(w http.ResponseWriter, r *http.Request) {
	user, ok := callerID(w, r)
	if !ok {
		return
	}
	cs, err := h.challenges.History(r.Context(), user, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list history", err)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(cs))
}

// Update changes the terms of a pending challenge.
// PATCH /api/challenges/{id}
func (h *ChallengeHandler) Update(w http.ResponseWriter, r *http.Request) {
	user, ok := callerID(w, r)
	if !ok {
		return
	}
	var in service.UpdateInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := h.challenges.Update(r.Context(), pathParam(r, "id"), user, in)
	if err != nil {
		writeServiceError(w, r, h.logger, "update challenge", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}

// Sign accepts a duo invitation and holds the caller's stake.
// POST /api/challenges/{id}/sign
func (h *ChallengeHandler) Sign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "sign challenge", h.challenges.Sign)
}

// Refuse declines a duo invitation.
// POST /api/challenges/{id}/refuse
func (h *ChallengeHandler) Refuse(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "refuse challenge", h.challenges.Refuse)
}

// Cancel cancels a pending or active challenge.
// POST /api/challenges/{id}/cancel
func (h *ChallengeHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel challenge", h.challenges.Cancel)
}

// Refresh recomputes progress and settles when the outcome is decided.
// POST /api/challenges/{id}/refresh
func (h *ChallengeHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.participantOp(w, r, "refresh progress", h.challenges.RefreshProgress)
}

// Finalize forces an evaluation of a challenge's outcome.
// POST /api/challenges/{id}/finalize
func (h *ChallengeHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	h.participantOp(w, r, "finalize challenge", h.challenges.Finalize)
}

// Delete withdraws the caller from a challenge and removes it.
// DELETE /api/challenges/{id}
func (h *ChallengeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user, ok := callerID(w, r)
	if !ok {
		return
	}
	id := pathParam(r, "id")
	if err := h.challenges.Delete(r.Context(), id, user); err != nil {
		writeServiceError(w, r, h.logger, "delete challenge", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "deleted",
		"challenge_id": id,
	})
}

func (h *ChallengeHandler) transition(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, id, userID string) (domain.Challenge, error),
) {
	user, ok := callerID(w, r)
	if !ok {
		return
	}
	c, err := fn(r.Context(), pathParam(r, "id"), user)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}

// participantOp runs an id-only operation after checking the caller takes
// part in the challenge.
func (h *ChallengeHandler) participantOp(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, id string) (domain.Challenge, error),
) {
	user, ok := callerID(w, r)
	if !ok {
		return
	}
	id := pathParam(r, "id")
	c, err := h.challenges.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	if !c.IsParticipant(user) {
		writeServiceError(w, r, h.logger, op, domain.ErrNotAParticipant)
		return
	}
	c, err = fn(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}
