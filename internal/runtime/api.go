package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/devices"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// api exposes the session controller's user intents over HTTP.
type api struct {
	ctrl    *session.Controller
	store   *eventstore.Store
	devices *devices.Registry
	log     *slog.Logger
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /transcript", a.handleTranscript)
	mux.HandleFunc("POST /transcript/clear", a.handleClear)
	mux.HandleFunc("POST /transcript/mode", a.handleMode)
	mux.HandleFunc("GET /session", a.handleSession)
	mux.HandleFunc("GET /session/events", a.handleEvents)
	mux.HandleFunc("POST /session/start", a.handleStart)
	mux.HandleFunc("POST /session/stop", a.handleStop)
	mux.HandleFunc("POST /session/emergency-stop", a.handleEmergencyStop)
	mux.HandleFunc("POST /model", a.handleModel)
	mux.HandleFunc("GET /devices", a.handleDevices)
}

func (a *api) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Transcript())
}

func (a *api) handleClear(w http.ResponseWriter, _ *http.Request) {
	a.ctrl.Clear()
	writeJSON(w, http.StatusOK, a.ctrl.Transcript())
}

func (a *api) handleMode(w http.ResponseWriter, r *http.Request) {
	enabled, err := strconv.ParseBool(r.URL.Query().Get("filtered"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("filtered must be true or false"))
		return
	}
	a.ctrl.SetFilterMode(enabled)
	writeJSON(w, http.StatusOK, a.ctrl.Transcript())
}

func (a *api) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Info())
}

type eventView struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Model     string `json:"model,omitempty"`
	Sequence  uint64 `json:"sequence,omitempty"`
	CreatedAt string `json:"created_at"`
}

func (a *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("id")
	if sessionID == "" {
		sessionID = a.ctrl.SessionID()
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	events, err := a.store.ListSessionEvents(r.Context(), sessionID, limit)
	if err != nil {
		a.log.Warn("failed to list session events", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{
			Kind:      e.Kind,
			Message:   e.Message,
			Model:     e.Model,
			Sequence:  e.Sequence,
			CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "events": out})
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := a.ctrl.Start(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, a.ctrl.Info())
}

func (a *api) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := a.ctrl.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, a.ctrl.Info())
}

func (a *api) handleEmergencyStop(w http.ResponseWriter, _ *http.Request) {
	if err := a.ctrl.EmergencyStop(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, a.ctrl.Info())
}

// handleDevices lists bus capture devices. Without a bus the list is empty.
func (a *api) handleDevices(w http.ResponseWriter, _ *http.Request) {
	list := []devices.Device{}
	if a.devices != nil {
		list = a.devices.List()
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": list})
}

type modelRequest struct {
	Model string `json:"model"`
}

func (a *api) handleModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.Model == "" {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"model": "<id>"}`))
		return
	}
	if err := a.ctrl.ChangeModel(r.Context(), req.Model); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, a.ctrl.Info())
}

// statusFor maps session, capture and recognizer errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrRecording):
		return http.StatusConflict
	case errors.Is(err, capture.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, capture.ErrUnsupported), errors.Is(err, stt.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, stt.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, stt.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
