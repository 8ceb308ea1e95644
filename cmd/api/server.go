package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/logging"
	"escrowflow/resolution"
	"escrowflow/review"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

type releaser interface {
	Release(ctx context.Context, req review.ReleaseRequest) (review.ReleaseResult, error)
}

type disputeService interface {
	Open(ctx context.Context, p dispute.OpenParams) (dispute.Dispute, error)
	Close(ctx context.Context, p dispute.CloseParams) (dispute.Dispute, error)
	Get(ctx context.Context, disputeID, actorID string) (dispute.Dispute, error)
	Timeline(ctx context.Context, disputeID, actorID string) ([]dispute.Event, error)
}

type resolutionService interface {
	Respond(ctx context.Context, p resolution.RespondParams) (resolution.RespondResult, error)
	Propose(ctx context.Context, p resolution.ProposeParams) (resolution.Resolution, error)
	Appeal(ctx context.Context, p resolution.AppealParams) (resolution.Resolution, error)
	AdoptCounterProposal(ctx context.Context, p resolution.CounterDecisionParams) (resolution.Resolution, error)
	DeclineCounterProposal(ctx context.Context, p resolution.CounterDecisionParams) (resolution.CounterProposal, error)
	Get(ctx context.Context, resolutionID, actorID string) (resolution.Resolution, error)
}

type tokenVerifier interface {
	VerifyToken(token string) (auth.Identity, error)
}

// Server exposes the escrow, dispute and resolution operations over JSON.
type Server struct {
	releases    releaser
	disputes    disputeService
	resolutions resolutionService
	tokens      tokenVerifier
	metrics     http.Handler
	ping        func(ctx context.Context) error
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Group(func(api chi.Router) {
		api.Use(s.authenticate)
		api.Post("/release-escrow", s.handleReleaseEscrow)
		api.Post("/respond-to-resolution", s.handleRespond)

		api.Post("/disputes", s.handleOpenDispute)
		api.Get("/disputes/{id}", s.handleGetDispute)
		api.Post("/disputes/{id}/close", s.handleCloseDispute)
		api.Get("/disputes/{id}/timeline", s.handleTimeline)
		api.Post("/disputes/{id}/resolutions", s.handlePropose)

		api.Get("/resolutions/{id}", s.handleGetResolution)
		api.Post("/resolutions/{id}/appeal", s.handleAppeal)

		api.Post("/counter-proposals/{id}/adopt", s.handleAdoptCounter)
		api.Post("/counter-proposals/{id}/decline", s.handleDeclineCounter)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logging.WithAttrs(r.Context(), slog.String("request_id", middleware.GetReqID(r.Context())))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		logging.Info(ctx, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" || s.tokens == nil {
			writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		id, err := s.tokens.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, id.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, id.Role)
		ctx = logging.WithAttrs(ctx, slog.String("user_id", id.UserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyUserID).(string)
	return id, ok && id != ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type reviewInput struct {
	Rating  int    `json:"rating"`
	Title   string `json:"title"`
	Comment string `json:"comment"`
}

type releaseEscrowRequest struct {
	MilestoneID string       `json:"milestoneId"`
	Notes       string       `json:"notes"`
	Review      *reviewInput `json:"review"`
	Override    bool         `json:"override"`
}

type releaseEscrowResponse struct {
	Success       bool              `json:"success"`
	Message       string            `json:"message"`
	ReviewCreated bool              `json:"reviewCreated"`
	Milestone     milestoneResponse `json:"milestone"`
}

func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	var req releaseEscrowRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", "invalid request body")
		return
	}
	if strings.TrimSpace(req.MilestoneID) == "" {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "milestoneId is required")
		return
	}
	if !validID(req.MilestoneID) {
		writeNotFound(w, r)
		return
	}

	rr := review.ReleaseRequest{
		MilestoneID: req.MilestoneID,
		ActorID:     userID,
		Notes:       req.Notes,
		Override:    req.Override,
	}
	if req.Review != nil {
		rr.Review = &review.Input{Rating: req.Review.Rating, Title: req.Review.Title, Comment: req.Review.Comment}
	}

	result, err := s.releases.Release(r.Context(), rr)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	message := "Funds released to the professional's pending payout"
	if req.Override {
		message = "Funds released by admin override"
	}
	writeJSON(w, http.StatusOK, releaseEscrowResponse{
		Success:       true,
		Message:       message,
		ReviewCreated: result.ReviewCreated,
		Milestone:     toMilestoneResponse(result.Milestone),
	})
}

type counterProposalInput struct {
	Text                 string           `json:"text"`
	ProposedAmount       *decimal.Decimal `json:"proposedAmount"`
	ProposedTimelineDays *int             `json:"proposedTimelineDays"`
}

type respondRequest struct {
	ResolutionID    string                `json:"resolutionId"`
	Response        string                `json:"response"`
	CounterProposal *counterProposalInput `json:"counterProposal"`
}

type respondResponse struct {
	Success         bool                     `json:"success"`
	Resolution      resolutionResponse       `json:"resolution"`
	BothAgreed      bool                     `json:"bothAgreed"`
	CounterProposal *counterProposalResponse `json:"counterProposal,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	var req respondRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", "invalid request body")
		return
	}
	if strings.TrimSpace(req.ResolutionID) == "" {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "resolutionId is required")
		return
	}
	if !validID(req.ResolutionID) {
		writeNotFound(w, r)
		return
	}

	p := resolution.RespondParams{
		ResolutionID: req.ResolutionID,
		ActorID:      userID,
		Response:     resolution.PartyStatus(req.Response),
	}
	if req.CounterProposal != nil {
		p.CounterProposal = &resolution.CounterProposalInput{
			Text:                 req.CounterProposal.Text,
			ProposedAmount:       req.CounterProposal.ProposedAmount,
			ProposedTimelineDays: req.CounterProposal.ProposedTimelineDays,
		}
	}

	result, err := s.resolutions.Respond(r.Context(), p)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := respondResponse{
		Success:    true,
		Resolution: toResolutionResponse(result.Resolution),
		BothAgreed: result.BothAgreed,
	}
	if result.CounterProposal != nil {
		cp := toCounterProposalResponse(*result.CounterProposal)
		resp.CounterProposal = &cp
	}
	writeJSON(w, http.StatusOK, resp)
}

type openDisputeRequest struct {
	JobID       string  `json:"jobId"`
	MilestoneID *string `json:"milestoneId"`
	Type        string  `json:"type"`
	Reason      string  `json:"reason"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	var req openDisputeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", "invalid request body")
		return
	}
	if req.MilestoneID != nil && strings.TrimSpace(*req.MilestoneID) == "" {
		req.MilestoneID = nil
	}
	if (req.JobID != "" && !validID(req.JobID)) || (req.MilestoneID != nil && !validID(*req.MilestoneID)) {
		writeNotFound(w, r)
		return
	}

	d, err := s.disputes.Open(r.Context(), dispute.OpenParams{
		JobID:       req.JobID,
		MilestoneID: req.MilestoneID,
		ActorID:     userID,
		Type:        req.Type,
		Reason:      req.Reason,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "dispute": toDisputeResponse(d)})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	d, err := s.disputes.Get(r.Context(), id, userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispute": toDisputeResponse(d)})
}

type closeDisputeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCloseDispute(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req closeDisputeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", "invalid request body")
		return
	}
	d, err := s.disputes.Close(r.Context(), dispute.CloseParams{
		DisputeID: id,
		ActorID:   userID,
		Reason:    req.Reason,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "dispute": toDisputeResponse(d)})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	events, err := s.disputes.Timeline(r.Context(), id, userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]eventResponse, 0, len(events))
	for _, e := range events {
		items = append(items, toEventResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type proposeRequest struct {
	MilestoneID *string          `json:"milestoneId"`
	Outcome     string           `json:"outcome"`
	Amount      *decimal.Decimal `json:"amount"`
	Terms       string           `json:"terms"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req proposeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", "invalid request body")
		return
	}
	if req.MilestoneID != nil && !validID(*req.MilestoneID) {
		writeNotFound(w, r)
		return
	}
	res, err := s.resolutions.Propose(r.Context(), resolution.ProposeParams{
		DisputeID:   id,
		ActorID:     userID,
		MilestoneID: req.MilestoneID,
		Outcome:     resolution.Outcome(req.Outcome),
		Amount:      req.Amount,
		Terms:       req.Terms,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "resolution": toResolutionResponse(res)})
}

func (s *Server) handleGetResolution(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := s.resolutions.Get(r.Context(), id, userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolution": toResolutionResponse(res)})
}

type appealRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAppeal(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req appealRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", "invalid request body")
		return
	}
	res, err := s.resolutions.Appeal(r.Context(), resolution.AppealParams{
		ResolutionID: id,
		ActorID:      userID,
		Reason:       req.Reason,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "resolution": toResolutionResponse(res)})
}

func (s *Server) handleAdoptCounter(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := s.resolutions.AdoptCounterProposal(r.Context(), resolution.CounterDecisionParams{
		CounterProposalID: id,
		ActorID:           userID,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "resolution": toResolutionResponse(res)})
}

func (s *Server) handleDeclineCounter(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	cp, err := s.resolutions.DeclineCounterProposal(r.Context(), resolution.CounterDecisionParams{
		CounterProposalID: id,
		ActorID:           userID,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "counterProposal": toCounterProposalResponse(cp)})
}

// writeServiceError maps domain errors onto status codes. The review-required
// message is returned verbatim so clients can show it.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classify(err)
	if status >= http.StatusInternalServerError {
		logging.Error(r.Context(), "request failed", logging.Err(err))
	}
	writeError(w, r, status, code, message)
}

func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, review.ErrReviewRequired):
		return http.StatusUnprocessableEntity, "REVIEW_REQUIRED", err.Error()
	case errors.Is(err, review.ErrInvalidRating):
		return http.StatusUnprocessableEntity, "INVALID_RATING", "rating must be between 1 and 5"
	case errors.Is(err, review.ErrUnauthorized),
		errors.Is(err, dispute.ErrForbidden),
		errors.Is(err, resolution.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "not allowed to perform this action"
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, resolution.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "not found"
	case errors.Is(err, escrow.ErrReasonRequired),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidSource),
		errors.Is(err, dispute.ErrInvalidInput),
		errors.Is(err, resolution.ErrInvalidInput):
		return http.StatusBadRequest, "BAD_REQUEST", err.Error()
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, dispute.ErrInvalidState),
		errors.Is(err, resolution.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE", err.Error()
	default:
		return http.StatusInternalServerError, "INTERNAL", "internal error"
	}
}
