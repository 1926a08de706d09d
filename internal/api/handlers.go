// Package api exposes the HTTP surface for the sync and QR verification services.
package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/FauzanSarwer/Fitdex-sub000/internal/auth"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/domain"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/observability"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/qr"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/ratelimit"
	syncsvc "github.com/FauzanSarwer/Fitdex-sub000/internal/sync"
)

// Handler coordinates HTTP requests with the sync and QR services.
type Handler struct {
	reconciler  *syncsvc.Reconciler
	verifier    *qr.Verifier
	syncLimiter ratelimit.Limiter
	ipLimiter   ratelimit.Limiter
}

// NewHandler builds a Handler. The limiters may be nil, disabling the
// corresponding checks.
func NewHandler(reconciler *syncsvc.Reconciler, verifier *qr.Verifier, syncLimiter, ipLimiter ratelimit.Limiter) *Handler {
	return &Handler{
		reconciler:  reconciler,
		verifier:    verifier,
		syncLimiter: syncLimiter,
		ipLimiter:   ipLimiter,
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/fitness/sync", h.sync)
	mux.HandleFunc("/api/qr/verify", h.verify)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "unsupported method")
		return
	}
	requestID := ensureRequestID(w, r)

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeFitnessWrite) {
		writeError(w, http.StatusForbidden, "scope fitness:write required")
		return
	}

	if h.syncLimiter != nil {
		res, err := h.syncLimiter.Limit(r.Context(), claims.Subject)
		if err != nil {
			observability.Emit("api.rate_limiter_error", observability.LevelError, map[string]any{
				"reasonCode": "limiter_unavailable",
				"requestId":  requestID,
				"error":      err.Error(),
			})
			writeError(w, http.StatusInternalServerError, "Sync failed")
			return
		}
		if !res.Success {
			writeRateLimited(w, res)
			return
		}
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "unable to parse body")
		return
	}

	since, err := parseSince(req.Since)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since timestamp")
		return
	}

	resp, err := h.reconciler.ProcessBatch(r.Context(), claims.Subject, syncsvc.BatchRequest{
		Since:     since,
		Mutations: req.Mutations,
	})
	if err != nil {
		observability.Emit("api.sync_failed", observability.LevelError, map[string]any{
			"reasonCode": "sync_batch_error",
			"userId":     claims.Subject,
			"requestId":  requestID,
			"error":      err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "Sync failed")
		return
	}

	writeJSON(w, http.StatusOK, toSyncResponse(resp))
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "unsupported method")
		return
	}
	requestID := ensureRequestID(w, r)

	if h.ipLimiter != nil {
		res, err := h.ipLimiter.Limit(r.Context(), clientIP(r))
		if err != nil {
			observability.Emit("api.rate_limiter_error", observability.LevelError, map[string]any{
				"reasonCode": "limiter_unavailable",
				"requestId":  requestID,
				"error":      err.Error(),
			})
			writeError(w, http.StatusInternalServerError, "Verification failed")
			return
		}
		if !res.Success {
			writeRateLimited(w, res)
			return
		}
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeQRVerify) {
		writeError(w, http.StatusForbidden, "scope qr:verify required")
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "unable to parse body")
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	result, err := h.verifier.Verify(r.Context(), claims.Subject, qr.VerifyRequest{
		Token:      req.Token,
		GymID:      req.GymID,
		Type:       domain.QRType(req.Type),
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
		DeviceID:   req.DeviceID,
		SessionID:  req.SessionID,
		EntryAt:    millisToTime(req.EntryAt),
		VerifiedAt: millisToTime(req.VerifiedAt),
	})
	if err != nil {
		h.writeVerifyError(w, requestID, err)
		return
	}

	resp := verifyResponse{OK: true}
	if result.Session != nil {
		view := toSessionView(*result.Session)
		resp.Session = &view
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeVerifyError maps verifier errors onto the HTTP taxonomy. Reason codes
// stay in the structured logs; the body carries only a user-facing message.
func (h *Handler) writeVerifyError(w http.ResponseWriter, requestID string, err error) {
	var limited *qr.RateLimitedError
	if errors.As(err, &limited) {
		writeRateLimited(w, limited.Result)
		return
	}

	switch {
	case errors.Is(err, qr.ErrMalformedToken), errors.Is(err, qr.ErrBadSignature),
		errors.Is(err, qr.ErrTokenExpired), errors.Is(err, qr.ErrTokenMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, qr.ErrGymNotFound), errors.Is(err, qr.ErrNoActiveSession):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, qr.ErrGymSuspended), errors.Is(err, qr.ErrRevoked),
		errors.Is(err, qr.ErrStaleKeyVersion), errors.Is(err, qr.ErrDeviceMismatch),
		errors.Is(err, qr.ErrGeoRejected), errors.Is(err, qr.ErrKeyUnavailable):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, qr.ErrTokenUsed):
		writeError(w, http.StatusConflict, "Token already used")
	case errors.Is(err, domain.ErrActiveSessionExists):
		writeError(w, http.StatusConflict, "an active session already exists")
	default:
		observability.Emit("api.verify_failed", observability.LevelError, map[string]any{
			"reasonCode": "verify_error",
			"requestId":  requestID,
			"error":      err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "Verification failed")
	}
}

// syncRequest is the payload for POST /api/fitness/sync.
type syncRequest struct {
	Since     string             `json:"since,omitempty"`
	Mutations []syncsvc.Mutation `json:"mutations"`
}

// verifyRequest is the payload for POST /api/qr/verify. EntryAt and
// VerifiedAt are epoch milliseconds.
type verifyRequest struct {
	Token      string   `json:"token"`
	GymID      string   `json:"gymId,omitempty"`
	Type       string   `json:"type,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	DeviceID   string   `json:"deviceId,omitempty"`
	SessionID  string   `json:"sessionId,omitempty"`
	EntryAt    *int64   `json:"entryAt,omitempty"`
	VerifiedAt *int64   `json:"verifiedAt,omitempty"`
}

type verifyResponse struct {
	OK      bool         `json:"ok"`
	Session *sessionView `json:"session"`
}

type syncResponse struct {
	OK            bool         `json:"ok"`
	ServerTime    time.Time    `json:"serverTime"`
	Results       []resultView `json:"results"`
	ActiveSession *sessionView `json:"activeSession"`
	Changes       changesView  `json:"changes"`
}

type changesView struct {
	Sessions []sessionView `json:"sessions"`
	Weights  []weightView  `json:"weights"`
}

type resultView struct {
	ID               string       `json:"id"`
	EntityType       string       `json:"entityType"`
	Status           string       `json:"status"`
	EntityID         string       `json:"entityId,omitempty"`
	ServerVersion    int64        `json:"serverVersion,omitempty"`
	CanonicalSession *sessionView `json:"canonicalSession,omitempty"`
	CanonicalWeight  *weightView  `json:"canonicalWeight,omitempty"`
	Error            string       `json:"error,omitempty"`
}

type sessionView struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	GymID           string     `json:"gymId"`
	EntryAt         time.Time  `json:"entryAt"`
	ExitAt          *time.Time `json:"exitAt"`
	DurationMinutes *int       `json:"durationMinutes"`
	Calories        *int       `json:"calories"`
	ValidForStreak  bool       `json:"validForStreak"`
	EndedBy         string     `json:"endedBy,omitempty"`
	Verification    string     `json:"verificationStatus"`
	ServerVersion   int64      `json:"serverVersion"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

type weightView struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	ValueKg       float64   `json:"valueKg"`
	LoggedAt      time.Time `json:"loggedAt"`
	ServerVersion int64     `json:"serverVersion"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func toSyncResponse(resp *syncsvc.BatchResponse) syncResponse {
	out := syncResponse{
		OK:         true,
		ServerTime: resp.ServerTime,
		Results:    make([]resultView, 0, len(resp.Results)),
		Changes: changesView{
			Sessions: make([]sessionView, 0, len(resp.Sessions)),
			Weights:  make([]weightView, 0, len(resp.Weights)),
		},
	}
	for _, r := range resp.Results {
		out.Results = append(out.Results, toResultView(r))
	}
	if resp.ActiveSession != nil {
		view := toSessionView(*resp.ActiveSession)
		out.ActiveSession = &view
	}
	for _, s := range resp.Sessions {
		out.Changes.Sessions = append(out.Changes.Sessions, toSessionView(s))
	}
	for _, wl := range resp.Weights {
		out.Changes.Weights = append(out.Changes.Weights, toWeightView(wl))
	}
	return out
}

func toResultView(r syncsvc.Result) resultView {
	view := resultView{
		ID:            r.ID,
		EntityType:    string(r.EntityType),
		Status:        string(r.Status),
		EntityID:      r.EntityID,
		ServerVersion: r.ServerVersion,
		Error:         r.Error,
	}
	if r.CanonicalSession != nil {
		s := toSessionView(*r.CanonicalSession)
		view.CanonicalSession = &s
	}
	if r.CanonicalWeight != nil {
		wl := toWeightView(*r.CanonicalWeight)
		view.CanonicalWeight = &wl
	}
	return view
}

func toSessionView(s domain.GymSession) sessionView {
	return sessionView{
		ID:              s.ID,
		UserID:          s.UserID,
		GymID:           s.GymID,
		EntryAt:         s.EntryAt,
		ExitAt:          s.ExitAt,
		DurationMinutes: s.DurationMinutes,
		Calories:        s.Calories,
		ValidForStreak:  s.ValidForStreak,
		EndedBy:         string(s.EndedBy),
		Verification:    string(s.Verification),
		ServerVersion:   s.ServerVersion,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func toWeightView(wl domain.WeightLog) weightView {
	return weightView{
		ID:            wl.ID,
		UserID:        wl.UserID,
		ValueKg:       wl.ValueKg,
		LoggedAt:      wl.LoggedAt,
		ServerVersion: wl.ServerVersion,
		CreatedAt:     wl.CreatedAt,
		UpdatedAt:     wl.UpdatedAt,
	}
}

func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func millisToTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

// ensureRequestID propagates the caller's request id or generates one, and
// echoes it on the response.
func ensureRequestID(w http.ResponseWriter, r *http.Request) string {
	id := r.Header.Get("x-request-id")
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set("x-request-id", id)
	return id
}

// clientIP resolves the originating address behind proxies.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("x-forwarded-for"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if real := r.Header.Get("x-real-ip"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeRateLimited(w http.ResponseWriter, res ratelimit.Result) {
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":     "Too many requests",
		"limit":     res.Limit,
		"remaining": res.Remaining,
		"reset":     res.Reset.UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
