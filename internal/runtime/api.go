package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/credential"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/presence"
	"github.com/loqalabs/loqa-dictate/internal/router"
	"github.com/loqalabs/loqa-dictate/internal/session"
)

// api serves health, metrics and the local control surface.
type api struct {
	nodeID       string
	dictation    *dictation.Service
	transcripts  *router.Service
	journal      *eventstore.Store
	provider     *credential.CachingProvider
	dialer       session.Dialer
	probeTimeout time.Duration
	presence     *presence.Registry
	busHealthy   func() bool
	metrics      http.Handler
	ready        *atomic.Bool
	logger       *slog.Logger
}

type statusResponse struct {
	NodeID              string              `json:"node_id"`
	State               string              `json:"state"`
	ActiveSession       string              `json:"active_session,omitempty"`
	DroppedChunks       int64               `json:"dropped_chunks"`
	DroppedTranscripts  int64               `json:"dropped_transcripts"`
	CredentialAvailable bool                `json:"credential_available"`
	BusHealthy          bool                `json:"bus_healthy"`
	Nodes               []presence.NodeInfo `json:"nodes,omitempty"`
}

type eventResponse struct {
	Type      string    `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/readyz", a.handleReady)
	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics)
	}
	mux.HandleFunc("GET /v1/status", a.handleStatus)
	mux.HandleFunc("POST /v1/press", a.handlePress)
	mux.HandleFunc("POST /v1/release", a.handleRelease)
	mux.HandleFunc("POST /v1/probe", a.handleProbe)
	mux.HandleFunc("GET /v1/sessions", a.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/events", a.handleSessionEvents)
	return mux
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready.Load() && a.dictation.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		NodeID:              a.nodeID,
		State:               a.dictation.State(),
		DroppedChunks:       a.dictation.Dropped(),
		CredentialAvailable: a.provider.Available(),
	}
	if a.transcripts != nil {
		resp.DroppedTranscripts = a.transcripts.Dropped()
	}
	if id, ok := a.dictation.Active(); ok {
		resp.ActiveSession = id
	}
	if a.busHealthy != nil {
		resp.BusHealthy = a.busHealthy()
	}
	if a.presence != nil {
		resp.Nodes = a.presence.Nodes()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handlePress(w http.ResponseWriter, r *http.Request) {
	id, err := a.dictation.Press(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		var deviceErr *audio.DeviceError
		switch {
		case errors.Is(err, dictation.ErrBusy):
			status = http.StatusConflict
		case errors.As(err, &deviceErr):
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

func (a *api) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := a.dictation.Active()
	if !ok || !a.dictation.Release() {
		writeError(w, http.StatusConflict, errors.New("no active dictation"))
		return
	}
	if r.URL.Query().Get("wait") == "true" {
		if err := a.dictation.Wait(r.Context(), id); err != nil {
			writeError(w, http.StatusGatewayTimeout, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

func (a *api) handleProbe(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.probeTimeout+10*time.Second)
	defer cancel()
	err := session.Probe(ctx, a.provider, a.dialer, a.probeTimeout, a.logger)
	if err != nil {
		status := http.StatusBadGateway
		var serviceErr *session.ServiceError
		if errors.As(err, &serviceErr) {
			status = http.StatusUnauthorized
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (a *api) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	records, err := a.journal.RecentSessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []eventstore.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *api) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.journal.ListSessionEvents(r.Context(), r.PathValue("id"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := make([]eventResponse, 0, len(events))
	for _, evt := range events {
		resp = append(resp, eventResponse{Type: evt.Type, Detail: evt.Detail, CreatedAt: evt.CreatedAt})
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
