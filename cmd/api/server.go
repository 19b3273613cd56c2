package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"errandflow/auth"
	"errandflow/board"
	"errandflow/dispute"
	"errandflow/errand"
	"errandflow/rating"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

type lifecycleService interface {
	CreateRequest(ctx context.Context, actor errand.Actor, payload errand.Payload) (errand.Request, error)
	UpdateDetails(ctx context.Context, actor errand.Actor, requestID string, payload errand.Payload) (errand.Request, error)
	Apply(ctx context.Context, actor errand.Actor, requestID string) (errand.Request, error)
	Accept(ctx context.Context, actor errand.Actor, requestID, applicantID string) (errand.Request, error)
	StartPurchasing(ctx context.Context, actor errand.Actor, requestID string) (errand.Request, error)
	StartDelivering(ctx context.Context, actor errand.Actor, requestID string) (errand.Request, error)
	SubmitProof(ctx context.Context, actor errand.Actor, requestID, proofReference string) (errand.Request, error)
	Confirm(ctx context.Context, actor errand.Actor, requestID string) (errand.Request, error)
	Cancel(ctx context.Context, actor errand.Actor, requestID string) (errand.Request, error)
}

type boardService interface {
	OpenJobs(ctx context.Context, viewer errand.Actor) ([]board.OpenJob, error)
	ActiveJob(ctx context.Context, viewer errand.Actor) (*errand.Request, error)
	MyRequests(ctx context.Context, viewer errand.Actor) ([]board.RequestView, error)
}

type disputeService interface {
	Open(ctx context.Context, actor errand.Actor, requestID, reason string) (errand.Request, error)
	Resolve(ctx context.Context, requestID string, outcome dispute.Outcome) (errand.Request, error)
	History(ctx context.Context, requestID string) ([]dispute.Record, error)
}

type ratingService interface {
	Rate(ctx context.Context, actor errand.Actor, requestID string, score int, comment string) (rating.Record, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// Server exposes the lifecycle commands over HTTP.
type Server struct {
	authService   authService
	lifecycle     lifecycleService
	boardService  boardService
	resolver      disputeService
	ratingService ratingService
	arbiterToken  string
	log           zerolog.Logger
}

// Routes wires every command of the public surface onto a mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	mux.Handle("POST /api/requests", s.authed(s.handleCreateRequest))
	mux.Handle("GET /api/requests", s.authed(s.handleMyRequests))
	mux.Handle("PATCH /api/requests/{id}", s.authed(s.handleUpdateRequest))
	mux.Handle("POST /api/requests/{id}/apply", s.authed(s.handleApply))
	mux.Handle("POST /api/requests/{id}/accept", s.authed(s.handleAccept))
	mux.Handle("POST /api/requests/{id}/purchasing", s.authed(s.handleStartPurchasing))
	mux.Handle("POST /api/requests/{id}/delivering", s.authed(s.handleStartDelivering))
	mux.Handle("POST /api/requests/{id}/proof", s.authed(s.handleSubmitProof))
	mux.Handle("POST /api/requests/{id}/confirm", s.authed(s.handleConfirm))
	mux.Handle("POST /api/requests/{id}/cancel", s.authed(s.handleCancel))
	mux.Handle("POST /api/requests/{id}/dispute", s.authed(s.handleDispute))
	mux.Handle("GET /api/requests/{id}/disputes", s.authed(s.handleDisputeHistory))
	mux.Handle("POST /api/requests/{id}/rating", s.authed(s.handleRate))
	mux.HandleFunc("POST /api/requests/{id}/resolve", s.handleResolve)

	mux.Handle("GET /api/jobs", s.authed(s.handleOpenJobs))
	mux.Handle("GET /api/jobs/active", s.authed(s.handleActiveJob))

	return mux
}

// authed authenticates the bearer token and stashes the actor in the context.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, role, err := s.authService.VerifyToken(tokenString)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	})
}

func actorFrom(r *http.Request) errand.Actor {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return errand.Actor{ID: userID, Role: errand.Role(role)}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrDuplicateEmail) {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":    user.ID,
		"email": user.Email,
		"role":  user.Role,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user": map[string]any{
			"id":    result.User.ID,
			"email": result.User.Email,
			"role":  result.User.Role,
		},
	})
}

type payloadBody struct {
	Details         string `json:"details"`
	PickupLocation  string `json:"pickupLocation"`
	DropoffLocation string `json:"dropoffLocation"`
	Price           int64  `json:"price"`
}

func (b payloadBody) toPayload() errand.Payload {
	return errand.Payload{
		Details:         b.Details,
		PickupLocation:  b.PickupLocation,
		DropoffLocation: b.DropoffLocation,
		Price:           b.Price,
	}
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body payloadBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}

	req, err := s.lifecycle.CreateRequest(r.Context(), actorFrom(r), body.toPayload())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, requestResponseFrom(req))
}

func (s *Server) handleUpdateRequest(w http.ResponseWriter, r *http.Request) {
	var body payloadBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}

	req, err := s.lifecycle.UpdateDetails(r.Context(), actorFrom(r), r.PathValue("id"), body.toPayload())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponseFrom(req))
}

func (s *Server) handleMyRequests(w http.ResponseWriter, r *http.Request) {
	views, err := s.boardService.MyRequests(r.Context(), actorFrom(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	items := make([]requestViewResponse, 0, len(views))
	for _, v := range views {
		items = append(items, requestViewResponseFrom(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(ctx context.Context, actor errand.Actor, id string) (errand.Request, error) {
		return s.lifecycle.Apply(ctx, actor, id)
	})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ApplicantID string `json:"applicantId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}

	req, err := s.lifecycle.Accept(r.Context(), actorFrom(r), r.PathValue("id"), body.ApplicantID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponseFrom(req))
}

func (s *Server) handleStartPurchasing(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(ctx context.Context, actor errand.Actor, id string) (errand.Request, error) {
		return s.lifecycle.StartPurchasing(ctx, actor, id)
	})
}

func (s *Server) handleStartDelivering(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(ctx context.Context, actor errand.Actor, id string) (errand.Request, error) {
		return s.lifecycle.StartDelivering(ctx, actor, id)
	})
}

func (s *Server) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProofReference string `json:"proofReference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}

	req, err := s.lifecycle.SubmitProof(r.Context(), actorFrom(r), r.PathValue("id"), body.ProofReference)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponseFrom(req))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(ctx context.Context, actor errand.Actor, id string) (errand.Request, error) {
		return s.lifecycle.Confirm(ctx, actor, id)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(ctx context.Context, actor errand.Actor, id string) (errand.Request, error) {
		return s.lifecycle.Cancel(ctx, actor, id)
	})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}

	req, err := s.resolver.Open(r.Context(), actorFrom(r), r.PathValue("id"), body.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponseFrom(req))
}

func (s *Server) handleDisputeHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.resolver.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	items := make([]disputeResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, disputeResponseFrom(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleResolve is invoked by the external arbitration capability, not a
// marketplace user; it authenticates with a shared token instead of a session.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.arbiterToken == "" || r.Header.Get("X-Arbiter-Token") != s.arbiterToken {
		writeJSONError(w, http.StatusUnauthorized, "invalid arbiter token")
		return
	}

	var body struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}

	req, err := s.resolver.Resolve(r.Context(), r.PathValue("id"), dispute.Outcome(body.Outcome))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponseFrom(req))
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Score   int    `json:"score"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}

	rec, err := s.ratingService.Rate(r.Context(), actorFrom(r), r.PathValue("id"), body.Score, body.Comment)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        rec.ID,
		"requestId": rec.RequestID,
		"score":     rec.Score,
	})
}

func (s *Server) handleOpenJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.boardService.OpenJobs(r.Context(), actorFrom(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	items := make([]openJobResponse, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, openJobResponse{
			Request:    requestResponseFrom(j.Request),
			Actionable: j.Actionable,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleActiveJob(w http.ResponseWriter, r *http.Request) {
	req, err := s.boardService.ActiveJob(r.Context(), actorFrom(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if req == nil {
		writeJSON(w, http.StatusOK, map[string]any{"active": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": requestResponseFrom(*req)})
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, errand.Actor, string) (errand.Request, error)) {
	req, err := fn(r.Context(), actorFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponseFrom(req))
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errand.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errand.ErrForbidden):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, errand.ErrValidation),
		errors.Is(err, dispute.ErrInvalidOutcome),
		errors.Is(err, rating.ErrInvalidScore),
		errors.Is(err, rating.ErrNotRateable),
		errors.Is(err, rating.ErrNotParticipant):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errand.ErrInvalidTransition),
		errors.Is(err, errand.ErrAlreadyActive),
		errors.Is(err, errand.ErrConflict),
		errors.Is(err, dispute.ErrAlreadyOpen),
		errors.Is(err, rating.ErrDuplicate):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		s.internalError(w, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("request failed")
	writeJSONError(w, http.StatusInternalServerError, "internal error")
}

type requestResponse struct {
	ID              string  `json:"id"`
	RequesterID     string  `json:"requesterId"`
	RunnerID        *string `json:"runnerId,omitempty"`
	Details         string  `json:"details"`
	PickupLocation  string  `json:"pickupLocation"`
	DropoffLocation string  `json:"dropoffLocation"`
	Price           int64   `json:"price"`
	Status          string  `json:"status"`
	ProofReference  *string `json:"proofReference,omitempty"`
	DisputeReason   *string `json:"disputeReason,omitempty"`
	CreatedAt       string  `json:"createdAt"`
	UpdatedAt       string  `json:"updatedAt"`
}

func requestResponseFrom(req errand.Request) requestResponse {
	return requestResponse{
		ID:              req.ID,
		RequesterID:     req.RequesterID,
		RunnerID:        req.RunnerID,
		Details:         req.Details,
		PickupLocation:  req.PickupLocation,
		DropoffLocation: req.DropoffLocation,
		Price:           req.Price,
		Status:          string(req.Status),
		ProofReference:  req.ProofReference,
		DisputeReason:   req.DisputeReason,
		CreatedAt:       req.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       req.UpdatedAt.Format(time.RFC3339),
	}
}

type requestViewResponse struct {
	requestResponse
	NextActions []string `json:"nextActions"`
}

func requestViewResponseFrom(v board.RequestView) requestViewResponse {
	actions := make([]string, 0, len(v.NextActions))
	for _, e := range v.NextActions {
		actions = append(actions, string(e))
	}
	return requestViewResponse{
		requestResponse: requestResponseFrom(v.Request),
		NextActions:     actions,
	}
}

type openJobResponse struct {
	Request    requestResponse `json:"request"`
	Actionable bool            `json:"actionable"`
}

type disputeResponse struct {
	ID         string  `json:"id"`
	RequestID  string  `json:"requestId"`
	Reason     string  `json:"reason"`
	Status     string  `json:"status"`
	Outcome    *string `json:"outcome,omitempty"`
	CreatedAt  string  `json:"createdAt"`
	ResolvedAt *string `json:"resolvedAt,omitempty"`
}

func disputeResponseFrom(rec dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:        rec.ID,
		RequestID: rec.RequestID,
		Reason:    rec.Reason,
		Status:    string(rec.Status),
		Outcome:   rec.Outcome,
		CreatedAt: rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.ResolvedAt != nil {
		formatted := rec.ResolvedAt.Format(time.RFC3339)
		resp.ResolvedAt = &formatted
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
