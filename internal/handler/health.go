package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// pingTimeout bounds the store check so a wedged database cannot hang the
// health endpoint.
const pingTimeout = 2 * time.Second

// Pinger reports whether the backing store is reachable.
// *sqlite.DB implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse is the body of GET /health.
//
// dbState is 1 when the store answered and 0 when it did not, the same
// convention as the readyState numbers database drivers report.
type HealthResponse struct {
	Status  string `json:"status"`
	DBState int    `json:"dbState"`
	Message string `json:"message"`
}

// HealthHandler serves the liveness/readiness probe.
type HealthHandler struct {
	db     Pinger
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(db Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{db: db, logger: logger}
}

// HandleHealth pings the store.
//
// HTTP: GET /health
// Response: 200 {"status": "ok", "dbState": 1, "message": "Database connected"}
// Failure:  500 {"status": "error", "dbState": 0, "message": "DB connection failed"}
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error("health check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, HealthResponse{
			Status:  "error",
			DBState: 0,
			Message: "DB connection failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		DBState: 1,
		Message: "Database connected",
	})
}
