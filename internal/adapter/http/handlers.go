package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/forgeflow/internal/domain/run"
	"github.com/Strob0t/forgeflow/internal/domain/task"
	memport "github.com/Strob0t/forgeflow/internal/port/memory"
	"github.com/Strob0t/forgeflow/internal/service"
)

// Handlers holds the services the HTTP API delegates to. Memory, Prober and
// Cache are optional.
type Handlers struct {
	Orchestrator *service.Orchestrator
	Router       *service.Router
	Prober       *service.HealthProber
	Cache        *service.ResponseCache
	Memory       memport.Memory
}

// startRunRequest is the body of POST /runs. Omitted config fields keep
// their defaults.
type startRunRequest struct {
	TaskID      string          `json:"task_id"`
	Description string          `json:"description"`
	Config      json.RawMessage `json:"config"`
}

type startRunResponse struct {
	RunID  string     `json:"run_id"`
	Status run.Status `json:"status"`
}

// StartRun handles POST /api/v1/runs
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[startRunRequest](w, r)
	if !ok {
		return
	}

	cfg := task.DefaultConfig()
	if len(req.Config) > 0 && string(req.Config) != "null" {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid config")
			return
		}
	}

	runID, err := h.Orchestrator.StartRun(r.Context(), req.TaskID, req.Description, cfg)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, startRunResponse{RunID: runID, Status: run.StatusPending})
}

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 50)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	writeJSON(w, http.StatusOK, h.Orchestrator.ListRuns(limit))
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Orchestrator.GetRunStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type approveRequest struct {
	Approved *bool  `json:"approved"`
	Feedback string `json:"feedback"`
}

// ApproveRun handles POST /api/v1/runs/{id}/approve
func (h *Handlers) ApproveRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[approveRequest](w, r)
	if !ok {
		return
	}
	if req.Approved == nil {
		writeError(w, http.StatusBadRequest, "approved is required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.Orchestrator.Approve(r.Context(), id, *req.Approved, req.Feedback); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	decision := service.DecisionRejected
	if *req.Approved {
		decision = service.DecisionApproved
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": id, "decision": string(decision)})
}

// CancelRun handles POST /api/v1/runs/{id}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Orchestrator.CancelRun(r.Context(), id); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

// ListRunMessages handles GET /api/v1/runs/{id}/messages. Messages exist
// only while the run is live; they are cleared when it finishes.
func (h *Handlers) ListRunMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Orchestrator.GetRunStatus(r.Context(), id); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	msgs := []memport.Message{}
	if h.Memory != nil {
		got, err := h.Memory.ListMessages(r.Context(), id)
		if err != nil {
			writeDomainError(w, err, "run not found")
			return
		}
		msgs = append(msgs, got...)
	}
	writeJSON(w, http.StatusOK, msgs)
}

type providersResponse struct {
	Providers []service.ProviderStatus `json:"providers"`
	LastProbe *time.Time               `json:"last_probe,omitempty"`
}

// ListProviders handles GET /api/v1/providers
func (h *Handlers) ListProviders(w http.ResponseWriter, _ *http.Request) {
	resp := providersResponse{Providers: h.Router.Providers()}
	if h.Prober != nil {
		if t := h.Prober.LastProbe(); !t.IsZero() {
			resp.LastProbe = &t
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CacheStats handles GET /api/v1/cache/stats
func (h *Handlers) CacheStats(w http.ResponseWriter, _ *http.Request) {
	if h.Cache == nil {
		writeJSON(w, http.StatusOK, service.CacheStats{})
		return
	}
	writeJSON(w, http.StatusOK, h.Cache.Stats())
}
