package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	infraConsts "github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"

	bizConsts "github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/broker/model"
	"github.com/taskfleet/taskfleet/internal/broker/service"
)

type WorkflowMgmtController struct {
	*core.BaseComponent
	WorkflowSvc *service.WorkflowService `infra:"dep:workflow_service"`
}

func NewWorkflowMgmtController() *WorkflowMgmtController {
	return &WorkflowMgmtController{
		BaseComponent: core.NewBaseComponent(bizConsts.COMP_CTRL_WORKFLOW_MGMT,
			bizConsts.COMP_SVC_WORKFLOW, infraConsts.COMPONENT_LOGGING),
	}
}

type workflowRequest struct {
	Name    string         `json:"name"`
	Steps   model.StepList `json:"steps"`
	Version int            `json:"version"`
}

func (c *WorkflowMgmtController) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	wf, err := c.WorkflowSvc.Register(r.Context(), &model.Workflow{
		Name:  strings.TrimSpace(req.Name),
		Steps: req.Steps,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, wf)
}

func (c *WorkflowMgmtController) listWorkflows(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 100
	}
	list, err := c.WorkflowSvc.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, list)
}

func (c *WorkflowMgmtController) getWorkflow(w http.ResponseWriter, r *http.Request, id string) {
	wf, err := c.WorkflowSvc.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, wf)
}

func (c *WorkflowMgmtController) updateWorkflow(w http.ResponseWriter, r *http.Request, id string) {
	var req workflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	wf, err := c.WorkflowSvc.Update(r.Context(), &model.Workflow{
		ID:      id,
		Name:    strings.TrimSpace(req.Name),
		Steps:   req.Steps,
		Version: req.Version,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, wf)
}

func (c *WorkflowMgmtController) deleteWorkflow(w http.ResponseWriter, r *http.Request, id string) {
	if err := c.WorkflowSvc.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"deleted": true})
}

func (c *WorkflowMgmtController) runWorkflow(w http.ResponseWriter, r *http.Request, id string) {
	run, err := c.WorkflowSvc.StartRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, run)
}

func (c *WorkflowMgmtController) listRuns(w http.ResponseWriter, r *http.Request, id string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	list, err := c.WorkflowSvc.ListRuns(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, list)
}

func (c *WorkflowMgmtController) getRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := c.WorkflowSvc.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, run)
}

func (c *WorkflowMgmtController) cancelRun(w http.ResponseWriter, r *http.Request, runID string) {
	if err := c.WorkflowSvc.CancelRun(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"cancelled": true})
}
