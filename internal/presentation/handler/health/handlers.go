package health

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/studiocdz/collaborative-editor/internal/infrastructure/json"
)

// SessionCounter reports how many sessions this instance hosts.
type SessionCounter interface {
	Count() int
}

type Handler struct {
	startTime time.Time
	healthy   atomic.Bool
	sessions  SessionCounter
}

func NewHandler(sessions SessionCounter) *Handler {
	h := &Handler{
		startTime: time.Now(),
		sessions:  sessions,
	}
	h.healthy.Store(true)
	return h
}

// SetHealthy flips the reported status, e.g. while draining on shutdown.
func (h *Handler) SetHealthy(ok bool) {
	h.healthy.Store(ok)
}

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	}
	if h.sessions != nil {
		resp.Sessions = h.sessions.Count()
	}

	status := http.StatusOK
	if !h.healthy.Load() {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	_ = json.Write(w, status, resp)
}

func (h *Handler) GetBanner(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Collaborative editor server is running\n"))
}
