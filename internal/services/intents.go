package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Lllllllleong/filepipelinedashboard/internal/models"
)

// Controller is the part of the Orchestrator driven by user intents.
type Controller interface {
	Start(ctx context.Context) error
	Cancel(ctx context.Context) error
	Refresh(ctx context.Context)
	State() OrchestratorState
}

// StateResponse is the body returned by the State intent.
type StateResponse struct {
	Active  bool                 `json:"isProcessing"`
	Range   models.DateRange     `json:"dateRange"`
	CycleID string               `json:"cycleId,omitempty"`
	Stage   models.PipelineStage `json:"stage,omitempty"`
	ViewSnapshot
}

// IntentHandlers exposes the user intents over HTTP.
type IntentHandlers struct {
	controller Controller
	view       *StateView
	metrics    *Metrics
	logger     *slog.Logger
}

func NewIntentHandlers(controller Controller, view *StateView, metrics *Metrics, logger *slog.Logger) *IntentHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentHandlers{
		controller: controller,
		view:       view,
		metrics:    metrics,
		logger:     logger.With("component", "intents"),
	}
}

// HandleStart starts a cycle. It answers 202, or 409 while a cycle is running.
func (h *IntentHandlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	err := h.controller.Start(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		h.logger.Error("Start intent failed", "error", err)
		http.Error(w, "failed to start processing", http.StatusInternalServerError)
		return
	}
	h.writeState(w, http.StatusAccepted)
}

// HandleCancel cancels the running cycle, if any.
func (h *IntentHandlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.controller.Cancel(r.Context()); err != nil {
		h.logger.Error("Cancel intent failed", "error", err)
		http.Error(w, "failed to cancel processing", http.StatusInternalServerError)
		return
	}
	h.writeState(w, http.StatusOK)
}

// HandleRefresh re-evaluates the pipeline and returns the resulting state.
func (h *IntentHandlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	h.controller.Refresh(context.WithoutCancel(r.Context()))
	h.writeState(w, http.StatusOK)
}

// HandleState returns the orchestrator state and the latest published view.
func (h *IntentHandlers) HandleState(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	h.writeState(w, http.StatusOK)
}

// HandleMetrics serves the Prometheus metrics.
func (h *IntentHandlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.Handler().ServeHTTP(w, r)
}

func (h *IntentHandlers) writeState(w http.ResponseWriter, code int) {
	st := h.controller.State()
	resp := StateResponse{
		Active:       st.Active,
		Range:        st.Range,
		CycleID:      st.CycleID,
		Stage:        st.Stage,
		ViewSnapshot: h.view.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode state response", "error", err)
	}
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}
