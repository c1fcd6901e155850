package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is anything whose reachability the health check reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandlers struct {
	redis Pinger
}

func NewHealthHandlers(redis Pinger) *HealthHandlers {
	return &HealthHandlers{redis: redis}
}

// Health always answers 200; the redis field tells whether cross-process
// fan-out is currently possible.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}

	if h.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.redis.Ping(ctx); err != nil {
			resp["redis"] = "unavailable"
		} else {
			resp["redis"] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
