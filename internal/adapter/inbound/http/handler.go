package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/facelock/facelock/internal/domain/identity"
	"github.com/facelock/facelock/internal/domain/keypad"
	"github.com/facelock/facelock/internal/domain/password"
	"github.com/facelock/facelock/internal/service"
)

// maxRequestBodySize is the maximum allowed request body size.
const maxRequestBodySize = 16 << 10

const (
	defaultAccessEventLimit = 50
	maxAccessEventLimit     = 500
	defaultHeartbeat        = 15 * time.Second
)

// SessionController is the authentication session surface served by the API.
type SessionController interface {
	Start(ctx context.Context) (string, error)
	Stop()
	SubmitPassword(ctx context.Context, pw string) error
	Snapshot() service.Snapshot
	Subscribe() (<-chan service.Event, func())
}

// KeypadBuffer is the keypad surface served by the API.
type KeypadBuffer interface {
	ReadState() keypad.State
	Classify(key string) keypad.KeyKind
	AcknowledgeSubmit()
	ClearBuffer()
}

// API serves the terminal's JSON endpoints.
type API struct {
	session   SessionController
	keypad    KeypadBuffer
	store     identity.Store
	events    identity.AccessEventStore
	metrics   *Metrics
	limiter   *rateLimiter
	heartbeat time.Duration
	logger    *slog.Logger
}

// APIOption configures an API dependency.
type APIOption func(*API)

// WithAccessEvents enables GET /api/access-events.
func WithAccessEvents(s identity.AccessEventStore) APIOption {
	return func(a *API) { a.events = s }
}

// WithPasswordRateLimit limits password checks to n per window per client.
// n <= 0 disables the limit.
func WithPasswordRateLimit(n int, window time.Duration) APIOption {
	return func(a *API) { a.limiter = newRateLimiter(n, window) }
}

// WithHeartbeat sets the SSE keep-alive interval.
func WithHeartbeat(d time.Duration) APIOption {
	return func(a *API) {
		if d > 0 {
			a.heartbeat = d
		}
	}
}

// WithAPIMetrics sets the metrics used for the SSE client gauge.
func WithAPIMetrics(m *Metrics) APIOption {
	return func(a *API) { a.metrics = m }
}

// WithAPILogger sets the logger.
func WithAPILogger(l *slog.Logger) APIOption {
	return func(a *API) { a.logger = l }
}

// NewAPI creates the API handler.
func NewAPI(session SessionController, kp KeypadBuffer, store identity.Store, opts ...APIOption) *API {
	a := &API{
		session:   session,
		keypad:    kp,
		store:     store,
		limiter:   newRateLimiter(10, time.Minute),
		heartbeat: defaultHeartbeat,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Routes registers the API routes on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /keypad", a.handleKeypadState)
	mux.HandleFunc("POST /keypad/acknowledge", a.handleKeypadAcknowledge)
	mux.HandleFunc("POST /keypad/clear", a.handleKeypadClear)

	mux.HandleFunc("GET /api/identities", a.handleListIdentities)
	mux.HandleFunc("GET /api/identities/{label}", a.handleCheckIdentity)
	mux.Handle("POST /api/verify-password", a.limiter.middleware(http.HandlerFunc(a.handleVerifyPassword)))

	mux.HandleFunc("POST /api/session", a.handleStartSession)
	mux.HandleFunc("GET /api/session", a.handleGetSession)
	mux.HandleFunc("DELETE /api/session", a.handleStopSession)
	mux.Handle("POST /api/session/password", a.limiter.middleware(http.HandlerFunc(a.handleSessionPassword)))
	mux.HandleFunc("GET /api/session/events", a.handleSessionEvents)

	if a.events != nil {
		mux.HandleFunc("GET /api/access-events", a.handleListAccessEvents)
	}
}

// keypadResponse never exposes the entered digits.
type keypadResponse struct {
	LastKeyKind     keypad.KeyKind `json:"last_key_kind,omitempty"`
	InputLength     int            `json:"input_length"`
	SubmitRequested bool           `json:"submit_requested"`
	SubmitSeq       uint64         `json:"submit_seq"`
	UpdatedAt       time.Time      `json:"updated_at,omitzero"`
}

// handleKeypadState returns the masked keypad state.
// GET /keypad
func (a *API) handleKeypadState(w http.ResponseWriter, r *http.Request) {
	s := a.keypad.ReadState()
	resp := keypadResponse{
		InputLength:     len(s.Input),
		SubmitRequested: s.SubmitRequested,
		SubmitSeq:       s.SubmitSeq,
		UpdatedAt:       s.UpdatedAt,
	}
	if s.LastKey != "" {
		resp.LastKeyKind = a.keypad.Classify(s.LastKey)
	}
	a.respondJSON(w, http.StatusOK, resp)
}

// POST /keypad/acknowledge
func (a *API) handleKeypadAcknowledge(w http.ResponseWriter, r *http.Request) {
	a.keypad.AcknowledgeSubmit()
	w.WriteHeader(http.StatusNoContent)
}

// POST /keypad/clear
func (a *API) handleKeypadClear(w http.ResponseWriter, r *http.Request) {
	a.keypad.ClearBuffer()
	w.WriteHeader(http.StatusNoContent)
}

type identityResponse struct {
	Label           string `json:"label"`
	ReferenceImages int    `json:"reference_images"`
	CreatedAt       string `json:"created_at"`
}

// handleListIdentities returns all enrolled identities.
// GET /api/identities
func (a *API) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	ids, err := a.store.ListIdentities(r.Context())
	if err != nil {
		LoggerFromContext(r.Context()).Error("failed to list identities", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to list identities")
		return
	}
	result := make([]identityResponse, 0, len(ids))
	for _, id := range ids {
		result = append(result, identityResponse{
			Label:           id.Label,
			ReferenceImages: len(id.ReferenceImages),
			CreatedAt:       id.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	a.respondJSON(w, http.StatusOK, result)
}

// handleCheckIdentity reports whether a label is enrolled.
// GET /api/identities/{label}
func (a *API) handleCheckIdentity(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("label")
	exists, err := a.store.IdentityExists(r.Context(), label)
	if err != nil {
		LoggerFromContext(r.Context()).Error("failed to check identity", "label", label, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to check identity")
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]any{"label": label, "exists": exists})
}

type verifyPasswordRequest struct {
	Label    string `json:"label"`
	Password string `json:"password"`
}

// handleVerifyPassword checks a label/password pair.
// POST /api/verify-password
func (a *API) handleVerifyPassword(w http.ResponseWriter, r *http.Request) {
	var req verifyPasswordRequest
	if err := a.readJSON(w, r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Label == "" {
		a.respondError(w, http.StatusBadRequest, "label is required")
		return
	}
	if err := password.Validate(req.Password); err != nil {
		a.respondError(w, http.StatusBadRequest, service.DenialMessage(err))
		return
	}
	ok, err := a.store.VerifyPassword(r.Context(), req.Label, req.Password)
	if err != nil {
		LoggerFromContext(r.Context()).Error("password verification failed", "label", req.Label, "error", err)
		a.respondError(w, http.StatusInternalServerError, "verification unavailable")
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

// handleStartSession starts an authentication session.
// POST /api/session
func (a *API) handleStartSession(w http.ResponseWriter, r *http.Request) {
	id, err := a.session.Start(r.Context())
	switch {
	case errors.Is(err, service.ErrSessionActive):
		a.respondError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, service.ErrFlowClosed):
		a.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		LoggerFromContext(r.Context()).Error("failed to start session", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	LoggerFromContext(r.Context()).Info("session started via API", "session_id", id)
	a.respondJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

// GET /api/session
func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, a.session.Snapshot())
}

// DELETE /api/session
func (a *API) handleStopSession(w http.ResponseWriter, r *http.Request) {
	a.session.Stop()
	w.WriteHeader(http.StatusNoContent)
}

type sessionPasswordRequest struct {
	Password string `json:"password"`
}

// handleSessionPassword submits a manually entered password.
// POST /api/session/password
func (a *API) handleSessionPassword(w http.ResponseWriter, r *http.Request) {
	var req sessionPasswordRequest
	if err := a.readJSON(w, r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := a.session.SubmitPassword(r.Context(), req.Password)
	switch {
	case err == nil:
		a.respondJSON(w, http.StatusOK, map[string]bool{"verified": true})
	case errors.Is(err, password.ErrInvalidFormat):
		a.respondError(w, http.StatusBadRequest, service.DenialMessage(err))
	case errors.Is(err, password.ErrRejected):
		a.respondError(w, http.StatusForbidden, service.DenialMessage(err))
	case errors.Is(err, password.ErrBusy), errors.Is(err, service.ErrNoSession):
		a.respondError(w, http.StatusConflict, service.DenialMessage(err))
	default:
		LoggerFromContext(r.Context()).Error("manual password submission failed", "error", err)
		a.respondError(w, http.StatusServiceUnavailable, "verification unavailable")
	}
}

// handleListAccessEvents returns recent access decisions, newest first.
// GET /api/access-events?limit=N
func (a *API) handleListAccessEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultAccessEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			a.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAccessEventLimit)
	}
	events, err := a.events.ListAccessEvents(r.Context(), limit)
	if err != nil {
		LoggerFromContext(r.Context()).Error("failed to list access events", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to list access events")
		return
	}
	if events == nil {
		events = []identity.AccessEvent{}
	}
	a.respondJSON(w, http.StatusOK, events)
}

// --- JSON helper methods ---

// respondJSON writes a JSON response with the given status code and data.
func (a *API) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error response with the given status code and message.
func (a *API) respondError(w http.ResponseWriter, status int, message string) {
	a.respondJSON(w, status, map[string]string{"error": message})
}

// readJSON decodes a size-limited request body into v.
func (a *API) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}
