// Package http exposes the orchestrator over a small JSON API.
package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/pepperpy/pepperpy/internal/adapter/otel"
	"github.com/pepperpy/pepperpy/internal/domain"
	"github.com/pepperpy/pepperpy/internal/policy"
	"github.com/pepperpy/pepperpy/internal/service"
)

// Handlers holds the dependencies shared by all HTTP handlers.
type Handlers struct {
	orch *service.Orchestrator
	log  *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(orch *service.Orchestrator, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{orch: orch, log: log}
}

// Health reports readiness of the orchestrator.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runRequest struct {
	Task         string  `json:"task"`
	BudgetTokens int     `json:"budget_tokens,omitempty"`
	BudgetCost   float64 `json:"budget_cost,omitempty"`
	NoCache      bool    `json:"no_cache,omitempty"`
}

// RunTeam executes a registered team against a task.
func (h *Handlers) RunTeam(w http.ResponseWriter, r *http.Request) {
	teamName := urlParam(r, "team")
	req, ok := readJSON[runRequest](w, r)
	if !ok {
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	ctx, span := otel.StartRunSpan(r.Context(), teamName)
	res, err := h.orch.Run(ctx, teamName, req.Task, service.RunOptions{
		BudgetTokens: req.BudgetTokens,
		BudgetCost:   req.BudgetCost,
		NoCache:      req.NoCache,
	})
	otel.EndRunSpan(span, res, err)
	if err != nil {
		h.log.Error("team run failed", "team", teamName, "error", err)
		switch {
		case errors.Is(err, domain.ErrNotReady):
			writeError(w, http.StatusServiceUnavailable, "orchestrator is not ready")
		case errors.Is(err, domain.ErrConfig):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, policy.ErrBudgetExceeded):
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":  "budget exceeded",
				"result": res,
			})
		case errors.Is(err, domain.ErrCancelled):
			writeError(w, http.StatusGatewayTimeout, "run cancelled or timed out")
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}
