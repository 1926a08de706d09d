package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/FauzanSarwer/Fitdex-sub000/internal/domain"
	syncsvc "github.com/FauzanSarwer/Fitdex-sub000/internal/sync"
)

// ReconcilerBackend runs the sync protocol in process against a Reconciler.
// Used by tests and by co-located deployments.
type ReconcilerBackend struct {
	Reconciler *syncsvc.Reconciler
	UserID     string
}

// Sync implements Backend.
func (b *ReconcilerBackend) Sync(ctx context.Context, since time.Time, mutations []syncsvc.Mutation) (*syncsvc.BatchResponse, error) {
	return b.Reconciler.ProcessBatch(ctx, b.UserID, syncsvc.BatchRequest{
		Since:     since,
		Mutations: mutations,
	})
}

// HTTPBackend speaks the sync protocol over POST /api/fitness/sync.
type HTTPBackend struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// Sync implements Backend.
func (b *HTTPBackend) Sync(ctx context.Context, since time.Time, mutations []syncsvc.Mutation) (*syncsvc.BatchResponse, error) {
	payload := struct {
		Since     string             `json:"since,omitempty"`
		Mutations []syncsvc.Mutation `json:"mutations"`
	}{Mutations: mutations}
	if !since.IsZero() {
		payload.Since = since.UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+"/api/fitness/sync", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.Token)

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("sync request failed: status=%d body=%s", resp.StatusCode, raw)
	}

	var wire wireSyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decoding sync response: %w", err)
	}
	return wire.toBatchResponse(), nil
}

// Wire shapes mirror the server's JSON surface.
type wireSyncResponse struct {
	ServerTime    time.Time    `json:"serverTime"`
	Results       []wireResult `json:"results"`
	ActiveSession *wireSession `json:"activeSession"`
	Changes       struct {
		Sessions []wireSession `json:"sessions"`
		Weights  []wireWeight  `json:"weights"`
	} `json:"changes"`
}

type wireResult struct {
	ID               string       `json:"id"`
	EntityType       string       `json:"entityType"`
	Status           string       `json:"status"`
	EntityID         string       `json:"entityId"`
	ServerVersion    int64        `json:"serverVersion"`
	CanonicalSession *wireSession `json:"canonicalSession"`
	CanonicalWeight  *wireWeight  `json:"canonicalWeight"`
	Error            string       `json:"error"`
}

type wireSession struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	GymID           string     `json:"gymId"`
	EntryAt         time.Time  `json:"entryAt"`
	ExitAt          *time.Time `json:"exitAt"`
	DurationMinutes *int       `json:"durationMinutes"`
	Calories        *int       `json:"calories"`
	ValidForStreak  bool       `json:"validForStreak"`
	EndedBy         string     `json:"endedBy"`
	Verification    string     `json:"verificationStatus"`
	ServerVersion   int64      `json:"serverVersion"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

type wireWeight struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	ValueKg       float64   `json:"valueKg"`
	LoggedAt      time.Time `json:"loggedAt"`
	ServerVersion int64     `json:"serverVersion"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (w wireSyncResponse) toBatchResponse() *syncsvc.BatchResponse {
	resp := &syncsvc.BatchResponse{
		ServerTime: w.ServerTime,
		Results:    make([]syncsvc.Result, 0, len(w.Results)),
		Sessions:   make([]domain.GymSession, 0, len(w.Changes.Sessions)),
		Weights:    make([]domain.WeightLog, 0, len(w.Changes.Weights)),
	}
	for _, r := range w.Results {
		resp.Results = append(resp.Results, r.toResult())
	}
	if w.ActiveSession != nil {
		session := w.ActiveSession.toSession()
		resp.ActiveSession = &session
	}
	for _, s := range w.Changes.Sessions {
		resp.Sessions = append(resp.Sessions, s.toSession())
	}
	for _, wl := range w.Changes.Weights {
		resp.Weights = append(resp.Weights, wl.toWeight())
	}
	return resp
}

func (r wireResult) toResult() syncsvc.Result {
	result := syncsvc.Result{
		ID:            r.ID,
		EntityType:    domain.EntityType(r.EntityType),
		Status:        syncsvc.Status(r.Status),
		EntityID:      r.EntityID,
		ServerVersion: r.ServerVersion,
		Error:         r.Error,
	}
	if r.CanonicalSession != nil {
		session := r.CanonicalSession.toSession()
		result.CanonicalSession = &session
	}
	if r.CanonicalWeight != nil {
		weight := r.CanonicalWeight.toWeight()
		result.CanonicalWeight = &weight
	}
	return result
}

func (s wireSession) toSession() domain.GymSession {
	return domain.GymSession{
		ID:              s.ID,
		UserID:          s.UserID,
		GymID:           s.GymID,
		EntryAt:         s.EntryAt,
		ExitAt:          s.ExitAt,
		DurationMinutes: s.DurationMinutes,
		Calories:        s.Calories,
		ValidForStreak:  s.ValidForStreak,
		EndedBy:         domain.EndReason(s.EndedBy),
		Verification:    domain.VerificationStatus(s.Verification),
		ServerVersion:   s.ServerVersion,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func (w wireWeight) toWeight() domain.WeightLog {
	return domain.WeightLog{
		ID:            w.ID,
		UserID:        w.UserID,
		ValueKg:       w.ValueKg,
		LoggedAt:      w.LoggedAt,
		ServerVersion: w.ServerVersion,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}
}
