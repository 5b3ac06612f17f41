package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/samims/concierge/internal/heartbeat"
	"github.com/samims/concierge/internal/model"
)

type HeartbeatHandler struct {
	monitor *heartbeat.Monitor
	// maxAge flags a sweep as stale per name. Sweeps not listed are never
	// flagged.
	maxAge map[string]time.Duration
	logger *slog.Logger
}

func NewHeartbeatHandler(monitor *heartbeat.Monitor, maxAge map[string]time.Duration, logger *slog.Logger) *HeartbeatHandler {
	return &HeartbeatHandler{monitor: monitor, maxAge: maxAge, logger: logger}
}

type heartbeatView struct {
	model.Heartbeat
	Stale bool `json:"stale"`
}

func (h *HeartbeatHandler) List(w http.ResponseWriter, r *http.Request) {
	hbs, err := h.monitor.List(r.Context())
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	out := make([]heartbeatView, 0, len(hbs))
	for _, hb := range hbs {
		out = append(out, h.view(r, hb))
	}
	writeJSON(w, http.StatusOK, out)
}

// Get answers 503 for a stale or failed sweep so probes can alert on the
// status code alone.
func (h *HeartbeatHandler) Get(w http.ResponseWriter, r *http.Request) {
	hb, err := h.monitor.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	v := h.view(r, *hb)
	status := http.StatusOK
	if v.Stale || hb.Status != model.HeartbeatOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, v)
}

func (h *HeartbeatHandler) view(r *http.Request, hb model.Heartbeat) heartbeatView {
	v := heartbeatView{Heartbeat: hb}
	if maxAge, ok := h.maxAge[hb.Name]; ok {
		stale, err := h.monitor.Stale(r.Context(), hb.Name, maxAge)
		v.Stale = err != nil || stale
	}
	return v
}
