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

type JobMgmtController struct {
	*core.BaseComponent
	JobSvc *service.JobService `infra:"dep:job_service"`
}

func NewJobMgmtController() *JobMgmtController {
	return &JobMgmtController{
		BaseComponent: core.NewBaseComponent(bizConsts.COMP_CTRL_JOB_MGMT,
			bizConsts.COMP_SVC_JOB, infraConsts.COMPONENT_LOGGING),
	}
}

type jobRequest struct {
	Name        string          `json:"name"`
	Status      int             `json:"status"`
	Config      model.JobConfig `json:"config"`
	TriggerKind string          `json:"trigger_kind"`
	TriggerExpr string          `json:"trigger_expr"`
	Version     int             `json:"version"`
}

func (req *jobRequest) toModel() *model.Job {
	kind := bizConsts.TriggerKind(strings.ToUpper(strings.TrimSpace(req.TriggerKind)))
	if kind == "" {
		kind = bizConsts.TriggerNone
	}
	return &model.Job{
		Name:        strings.TrimSpace(req.Name),
		Status:      bizConsts.JobStatus(req.Status),
		Config:      req.Config,
		TriggerKind: kind,
		TriggerExpr: strings.TrimSpace(req.TriggerExpr),
		Version:     req.Version,
	}
}

func (c *JobMgmtController) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	j, err := c.JobSvc.Create(r.Context(), req.toModel())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, j)
}

func (c *JobMgmtController) listJobs(w http.ResponseWriter, r *http.Request) {
	status, _ := strconv.Atoi(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 100
	}
	list, err := c.JobSvc.List(r.Context(), bizConsts.JobStatus(status), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, list)
}

func (c *JobMgmtController) getJob(w http.ResponseWriter, r *http.Request, id string) {
	j, err := c.JobSvc.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, j)
}

// updateJob 全量更新,携带 version 做乐观并发控制。
// 版本可放在请求体的 version 字段,也可放在 If-Match 头(头优先)。
func (c *JobMgmtController) updateJob(w http.ResponseWriter, r *http.Request, id string) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if m := strings.Trim(r.Header.Get("If-Match"), `" `); m != "" {
		v, err := strconv.Atoi(m)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "invalid If-Match version")
			return
		}
		req.Version = v
	}
	j := req.toModel()
	j.ID = id
	updated, err := c.JobSvc.Update(r.Context(), j)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, updated)
}

func (c *JobMgmtController) deleteJob(w http.ResponseWriter, r *http.Request, id string) {
	if err := c.JobSvc.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"deleted": true})
}

func (c *JobMgmtController) updateStatus(w http.ResponseWriter, r *http.Request, id string, enable bool) {
	var err error
	if enable {
		err = c.JobSvc.Enable(r.Context(), id)
	} else {
		err = c.JobSvc.Disable(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"updated": true})
}

func (c *JobMgmtController) triggerJob(w http.ResponseWriter, r *http.Request, id string) {
	t, err := c.JobSvc.Trigger(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"task_id": t.ID})
}
