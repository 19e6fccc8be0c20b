package api

import (
	"encoding/json"
	"net/http"
	"strings"

	infraConsts "github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"

	bizConsts "github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/broker/model"
	"github.com/taskfleet/taskfleet/internal/broker/service"
)

// WorkerGatewayController serves the agent-facing protocol: register,
// heartbeat, lease, ack and result reporting.
type WorkerGatewayController struct {
	*core.BaseComponent
	Dispatcher *service.Dispatcher `infra:"dep:dispatcher"`
}

func NewWorkerGatewayController() *WorkerGatewayController {
	return &WorkerGatewayController{
		BaseComponent: core.NewBaseComponent(bizConsts.COMP_CTRL_WORKER_GW,
			bizConsts.COMP_SVC_DISPATCHER, infraConsts.COMPONENT_LOGGING),
	}
}

type registerRequest struct {
	WorkerID string         `json:"worker_id"`
	Name     string         `json:"name"`
	Address  string         `json:"address"`
	Labels   model.LabelSet `json:"labels"`
	Capacity int            `json:"capacity"`
}

type leaseRequest struct {
	WorkerID string `json:"worker_id"`
}

type ackRequest struct {
	WorkerID     string `json:"worker_id"`
	LeaseVersion int    `json:"lease_version"`
}

type resultRequest struct {
	WorkerID     string `json:"worker_id"`
	LeaseVersion int    `json:"lease_version"`
	ExitCode     int    `json:"exit_code"`
	Output       string `json:"output"`
	Truncated    bool   `json:"truncated"`
	Error        string `json:"error"`
	TimedOut     bool   `json:"timed_out"`
}

func (c *WorkerGatewayController) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	worker := &model.Worker{
		ID:       strings.TrimSpace(req.WorkerID),
		Name:     strings.TrimSpace(req.Name),
		Address:  strings.TrimSpace(req.Address),
		Labels:   req.Labels,
		Capacity: req.Capacity,
	}
	if err := c.Dispatcher.Register(r.Context(), worker); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"worker_id": worker.ID})
}

func (c *WorkerGatewayController) heartbeat(w http.ResponseWriter, r *http.Request, workerID string) {
	cancelled, err := c.Dispatcher.Heartbeat(r.Context(), workerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if cancelled == nil {
		cancelled = []string{}
	}
	writeJSON(w, map[string]any{"cancelled_task_ids": cancelled})
}

func (c *WorkerGatewayController) lease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.WorkerID == "" {
		writeErr(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	task, err := c.Dispatcher.LeaseNext(r.Context(), req.WorkerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, task)
}

func (c *WorkerGatewayController) ackStart(w http.ResponseWriter, r *http.Request, taskID string) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := c.Dispatcher.AckStart(r.Context(), taskID, req.WorkerID, req.LeaseVersion); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"acked": true})
}

func (c *WorkerGatewayController) reportResult(w http.ResponseWriter, r *http.Request, taskID string) {
	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	result := &model.TaskResult{
		ExitCode:  req.ExitCode,
		Output:    req.Output,
		Truncated: req.Truncated,
		Error:     req.Error,
		TimedOut:  req.TimedOut,
	}
	if err := c.Dispatcher.ReportResult(r.Context(), taskID, req.WorkerID, req.LeaseVersion, result); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"recorded": true})
}
