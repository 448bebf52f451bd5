package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/ploco-sync/internal/hub"
	"github.com/DoyleJ11/ploco-sync/internal/state"
)

const (
	ServiceName = "PlocoSync Server"
	Version     = "1.0.0"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Service   string    `json:"service"`
		Status    string    `json:"status"`
		Version   string    `json:"version"`
		Timestamp time.Time `json:"timestamp"`
	}{ServiceName, "Running", Version, time.Now().UTC()})
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
	}{"Healthy", time.Now().UTC()})
}

func Sessions(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.Sessions())
	}
}

func StateMetadata(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meta, err := h.Metadata(r.Context())
		if errors.Is(err, state.ErrNoState) {
			http.Error(w, "no state", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error("read state metadata", zap.Error(err))
			http.Error(w, "failed to read state metadata", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, meta)
	}
}

func ResetState(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.ResetState(r.Context()); err != nil {
			http.Error(w, "failed to delete state", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
