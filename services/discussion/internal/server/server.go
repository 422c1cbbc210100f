package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"discussmatch/internal/servicetoken"
	"discussmatch/internal/util"
	"discussmatch/pkg/conversation"
	"discussmatch/pkg/domain"
	"discussmatch/pkg/matcher"
	"discussmatch/pkg/scoring"
	"discussmatch/pkg/store"
	"discussmatch/services/discussion/internal/app"
)

// UserIDHeader carries the caller identity set by the upstream gateway.
const UserIDHeader = "X-User-Id"

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                         *app.App
	TrustedProxyCIDRs           []string
	InternalJWTKeyID            string
	InternalJWTPublicKeyPath    string
	InternalJWTVerifyPublicKeys map[string]string
	InternalJWTAllowedIssuers   []string
}

// Server exposes HTTP endpoints for the discussion service.
type Server struct {
	app            *app.App
	internalVerify *servicetoken.Verifier
	trusted        *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured. Internal routes stay
// closed when no verification key is configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:     cfg.App,
		trusted: trusted,
		mux:     http.NewServeMux(),
	}
	if strings.TrimSpace(cfg.InternalJWTPublicKeyPath) != "" || len(cfg.InternalJWTVerifyPublicKeys) > 0 {
		s.internalVerify, err = servicetoken.NewVerifier(servicetoken.VerifierOptions{
			PublicKeyPath:  cfg.InternalJWTPublicKeyPath,
			PublicKeys:     cfg.InternalJWTVerifyPublicKeys,
			DefaultKeyID:   cfg.InternalJWTKeyID,
			Audience:       servicetoken.Audience,
			AllowedIssuers: cfg.InternalJWTAllowedIssuers,
			Leeway:         servicetoken.DefaultLeeway,
		})
		if err != nil {
			return nil, err
		}
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("discussion", s.trusted, util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/internal/points", servicetoken.Require(s.internalVerify, writeError, http.HandlerFunc(s.handleInternalPoints)))
	s.mux.Handle("/internal/points/jobs/", servicetoken.Require(s.internalVerify, writeError, http.HandlerFunc(s.handleInternalJob)))

	// topics and matching
	s.mux.Handle("/topics", s.withUser(s.handleTopics))
	s.mux.Handle("/topics/", s.withUser(s.handleTopicByID))

	// conversations
	s.mux.Handle("/conversations", s.withUser(s.handleConversations))
	s.mux.Handle("/conversations/", s.withUser(s.handleConversationByID))
	s.mux.Handle("/invitations", s.withUser(s.handleInvitations))

	// profiles
	s.mux.Handle("/profiles/", s.withUser(s.handleProfile))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", userID))
		next(w, r.WithContext(ctx), userID)
	})
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request, _ string) {
	switch r.Method {
	case http.MethodGet:
		topics, err := s.app.ListTopics(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": topics,
			"count": len(topics),
		})
	case http.MethodPost:
		var req app.TopicInput
		if !decodeJSON(w, r, &req) {
			return
		}
		topic, err := s.app.SaveTopic(r.Context(), req)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, topic)
	default:
		methodNotAllowed(w)
	}
}

// /topics/{id}, /topics/{id}/opinion or /topics/{id}/matches
func (s *Server) handleTopicByID(w http.ResponseWriter, r *http.Request, userID string) {
	id, action, ok := splitPath(r.URL.Path, "/topics/")
	if !ok {
		notFound(w, "not found")
		return
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		topic, found, err := s.app.GetTopic(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		if !found {
			notFound(w, "topic not found")
			return
		}
		writeJSON(w, http.StatusOK, topic)
	case "opinion":
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		var req app.OpinionInput
		if !decodeJSON(w, r, &req) {
			return
		}
		opinion, err := s.app.RecordOpinion(r.Context(), userID, id, req)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, opinion)
	case "matches":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		res, err := s.app.FindMatches(r.Context(), userID, id, r.URL.Query().Get("category"))
		if err != nil {
			writeAppError(w, err)
			return
		}
		if res.Reason == app.ReasonNoOpinion {
			writeError(w, http.StatusConflict, "opinion required before matching")
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.app.ListConversations(r.Context(), userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": items,
			"count": len(items),
		})
	case http.MethodPost:
		var req app.InvitationRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		view, err := s.app.CreateInvitation(r.Context(), userID, req)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
	default:
		methodNotAllowed(w)
	}
}

// /conversations/{id} or /conversations/{id}/{action}
func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, userID string) {
	id, action, ok := splitPath(r.URL.Path, "/conversations/")
	if !ok {
		notFound(w, "not found")
		return
	}
	if action == "" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		view, err := s.app.GetConversation(r.Context(), id, userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	ctx := r.Context()
	var (
		view conversation.View
		err  error
	)
	switch action {
	case "accept":
		view, err = s.app.AcceptInvitation(ctx, id, userID)
	case "reject":
		view, err = s.app.RejectInvitation(ctx, id, userID)
	case "start":
		view, err = s.app.StartConversation(ctx, id, userID)
	case "request-completion":
		view, err = s.app.RequestCompletion(ctx, id, userID)
	case "complete":
		var req app.CompletionRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		view, err = s.app.CompleteConversation(ctx, id, userID, req)
	case "ai-feedback":
		var req aiFeedbackRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		view, err = s.app.AddAIFeedback(ctx, id, userID, req.Suggestions)
	default:
		notFound(w, "not found")
		return
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type aiFeedbackRequest struct {
	Suggestions []domain.Suggestion `json:"suggestions"`
}

func (s *Server) handleInvitations(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	inv, err := s.app.ListInvitations(r.Context(), userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

type profileRequest struct {
	DisplayName string `json:"displayName"`
	AvatarColor string `json:"avatarColor"`
}

// /profiles/me or /profiles/{userId}
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, userID string) {
	target, action, ok := splitPath(r.URL.Path, "/profiles/")
	if !ok || action != "" {
		notFound(w, "not found")
		return
	}
	if target == "me" {
		target = userID
		if r.Method == http.MethodPut {
			var req profileRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			profile, err := s.app.UpdateProfile(r.Context(), userID, scoring.ProfileDetails{
				DisplayName: req.DisplayName,
				AvatarColor: req.AvatarColor,
			})
			if err != nil {
				writeAppError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, profile)
			return
		}
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	profile, found, err := s.app.GetProfile(r.Context(), target)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !found {
		notFound(w, "profile not found")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type pointsRequest struct {
	UserID   string `json:"userId"`
	Points   int    `json:"points"`
	Category string `json:"category"`
}

func (s *Server) handleInternalPoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req pointsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if caller, ok := servicetoken.CallerFromContext(r.Context()); ok {
		util.LoggerFromContext(r.Context()).Info("internal award requested",
			"caller", caller.Service,
			"user_id", req.UserID,
			"points", req.Points,
		)
	}
	res, err := s.app.AwardPoints(r.Context(), req.UserID, req.Points, req.Category)
	if err != nil {
		writeAppError(w, err)
		return
	}
	status := http.StatusOK
	if res.Job != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// /internal/points/jobs/{id}
func (s *Server) handleInternalJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id, action, ok := splitPath(r.URL.Path, "/internal/points/jobs/")
	if !ok || action != "" {
		notFound(w, "not found")
		return
	}
	job, found, err := s.app.GetAwardJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		notFound(w, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// splitPath returns the id and optional single action segment after prefix.
func splitPath(path, prefix string) (string, string, bool) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	parts := strings.Split(rest, "/")
	if parts[0] == "" || len(parts) > 2 {
		return "", "", false
	}
	if len(parts) == 1 {
		return parts[0], "", true
	}
	return parts[0], parts[1], true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

// writeAppError maps core errors onto HTTP statuses. Profile failures are
// checked before generic store failures because they wrap them.
func writeAppError(w http.ResponseWriter, err error) {
	var storeErr *store.Error
	switch {
	case errors.Is(err, app.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, scoring.ErrProfileUpdate):
		writeErrorCode(w, http.StatusInternalServerError, "PROFILE_UPDATE_FAILED", err.Error())
	case errors.Is(err, matcher.ErrTopicNotFound), errors.Is(err, conversation.ErrTopicNotFound):
		notFound(w, "topic not found")
	case errors.Is(err, conversation.ErrNotFound):
		notFound(w, "conversation not found")
	case errors.Is(err, conversation.ErrDuplicateInvitation):
		writeErrorCode(w, http.StatusConflict, "CONVERSATION_DUPLICATE_INVITATION", err.Error())
	case errors.Is(err, conversation.ErrInvalidTransition):
		writeErrorCode(w, http.StatusConflict, "CONVERSATION_INVALID_TRANSITION", err.Error())
	case errors.Is(err, conversation.ErrNotParticipant), errors.Is(err, conversation.ErrNotInvitee), errors.Is(err, conversation.ErrSelfConfirm):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, conversation.ErrInvalidTimer):
		writeErrorCode(w, http.StatusBadRequest, "CONVERSATION_INVALID_TIMER", err.Error())
	case errors.Is(err, conversation.ErrInvalidScore):
		writeErrorCode(w, http.StatusBadRequest, "CONVERSATION_INVALID_SCORE", err.Error())
	case errors.Is(err, conversation.ErrInvalidInvitation), errors.Is(err, app.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &storeErr):
		writeErrorCode(w, http.StatusInternalServerError, "STORE_ERROR", "store error")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorCode(w, status, errorCodeForDiscussion(status, msg), msg)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

func errorCodeForDiscussion(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "internal auth not configured":
		return "SYSTEM_INTERNAL_ERROR"
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "CONVERSATION_FORBIDDEN"
	case message == "topic not found":
		return "TOPIC_NOT_FOUND"
	case message == "conversation not found":
		return "CONVERSATION_NOT_FOUND"
	case message == "profile not found":
		return "PROFILE_NOT_FOUND"
	case message == "job not found":
		return "AWARD_JOB_NOT_FOUND"
	case message == "opinion required before matching":
		return "MATCH_NO_OPINION"
	case message == "rate limited":
		return "RATE_LIMITED"
	case message == "invalid json body":
		return "DISCUSSION_INVALID_REQUEST"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "DISCUSSION_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "CONVERSATION_FORBIDDEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusConflict:
		return "DISCUSSION_CONFLICT"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}
