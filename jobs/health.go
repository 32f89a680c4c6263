package jobs

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/forwardly/forwardly/internal/platform/httpx"
)

// QueueStat summarises one queue.
type QueueStat struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Active    int    `json:"active"`
	Error     string `json:"error,omitempty"`
}

// QueueInspector is the subset of *asynq.Inspector used for stats.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// ErrQueuesUnavailable is returned when no queue could be inspected.
var ErrQueuesUnavailable = errors.New("jobs: queues unavailable")

// QueueStats collects stats for the billing and default queues. A queue
// that cannot be inspected, for example one that never received a task,
// carries the error text; the call fails only when every queue does.
func QueueStats(inspector QueueInspector) ([]QueueStat, error) {
	names := []string{QueueBilling, QueueDefault}
	stats := make([]QueueStat, 0, len(names))
	if inspector == nil {
		for _, name := range names {
			stats = append(stats, QueueStat{Queue: name})
		}
		return stats, nil
	}
	failed := 0
	var lastErr error
	for _, name := range names {
		stat := QueueStat{Queue: name}
		info, err := inspector.GetQueueInfo(name)
		if err != nil {
			failed++
			lastErr = err
			stat.Error = err.Error()
		} else if info != nil {
			stat.Pending = info.Pending
			stat.Scheduled = info.Scheduled
			stat.Retry = info.Retry
			stat.Archived = info.Archived
			stat.Active = info.Active
		}
		stats = append(stats, stat)
	}
	if failed == len(names) {
		return stats, fmt.Errorf("%w: %v", ErrQueuesUnavailable, lastErr)
	}
	return stats, nil
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector QueueInspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector QueueInspector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	stats, err := QueueStats(h.inspector)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"queues": stats})
}
