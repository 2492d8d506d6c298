package api

import (
	"context"
	"net/http"
	"time"

	"github.com/hackgods/slot-reservation-engine/internal/selection"
)

// Pinger is anything that can report whether a backing service answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type HealthHandler struct {
	postgres Pinger
	redis    Pinger // nil when the primary tier is not configured
	tier     func() string
	env      string
	version  string
}

func NewHealthHandler(postgres, redis Pinger, tier func() string, env, version string) *HealthHandler {
	return &HealthHandler{
		postgres: postgres,
		redis:    redis,
		tier:     tier,
		env:      env,
		version:  version,
	}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version,omitempty"`
	Env           string            `json:"env,omitempty"`
	SelectionTier string            `json:"selection_tier,omitempty"`
	Dependencies  map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	resp := LivenessResponse{
		Status:  "ok",
		Version: h.version,
		Env:     h.env,
	}
	writeJSON(w, http.StatusOK, resp)
}

// Readiness fails only when Postgres is unreachable. A missing Redis or a selection store
// running on its fallback tier is reported as degraded.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]string)
	status := "ok"

	if ping(ctx, h.postgres) != nil {
		deps["postgres"] = "down"
		status = "error"
	} else {
		deps["postgres"] = "ok"
	}

	switch {
	case h.redis == nil:
		deps["redis"] = "disabled"
	case ping(ctx, h.redis) != nil:
		deps["redis"] = "down"
		if status == "ok" {
			status = "degraded"
		}
	default:
		deps["redis"] = "ok"
	}

	var tier string
	if h.tier != nil {
		tier = h.tier()
		if tier == selection.TierPostgres && status == "ok" {
			status = "degraded"
		}
	}

	resp := ReadinessResponse{
		Status:        status,
		Version:       h.version,
		Env:           h.env,
		SelectionTier: tier,
		Dependencies:  deps,
	}

	httpStatus := http.StatusOK
	if status == "error" {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, resp)
}

func ping(ctx context.Context, p Pinger) error {
	if p == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return p.Ping(pctx)
}
