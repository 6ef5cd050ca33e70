package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/parley/pkg/transcript"
)

// registerControls adds the call control endpoints to mux.
func (a *App) registerControls(mux *http.ServeMux) {
	mux.HandleFunc("GET /call", a.handleStatus)
	mux.HandleFunc("GET /call/transcript", a.handleTranscript)
	mux.HandleFunc("POST /call/mute", a.handleMute)
	mux.HandleFunc("POST /call/interrupt", a.handleInterrupt)
	mux.HandleFunc("POST /call/end", a.handleEnd)
	mux.HandleFunc("PUT /call/config", a.handleConfig)
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.status())
}

func (a *App) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	entries := a.caller.Transcript()
	if entries == nil {
		entries = []transcript.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *App) handleMute(w http.ResponseWriter, _ *http.Request) {
	muted := a.caller.ToggleMute()
	slog.Info("mute toggled", "muted", muted)
	writeJSON(w, http.StatusOK, map[string]bool{"muted": muted})
}

func (a *App) handleInterrupt(w http.ResponseWriter, _ *http.Request) {
	a.caller.Interrupt()
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleEnd(w http.ResponseWriter, r *http.Request) {
	err := a.calls.Stop(r.Context())
	switch {
	case errors.Is(err, ErrNoActiveCall):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, a.calls.Info())
	}
}

type configRequest struct {
	Voice    string `json:"voice"`
	Language string `json:"language"`
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Voice == "" && req.Language == "" {
		writeError(w, http.StatusBadRequest, errors.New("voice or language is required"))
		return
	}
	if err := a.caller.UpdateConfig(r.Context(), req.Voice, req.Language); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, a.caller.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
