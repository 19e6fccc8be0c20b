package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	infraConsts "github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"

	bizConsts "github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/broker/dao"
	"github.com/taskfleet/taskfleet/internal/broker/service"
)

type TaskMgmtController struct {
	*core.BaseComponent
	TaskDao    dao.TaskDao         `infra:"dep:task_dao"`
	JobSvc     *service.JobService `infra:"dep:job_service"`
	Dispatcher *service.Dispatcher `infra:"dep:dispatcher"`
}

func NewTaskMgmtController() *TaskMgmtController {
	return &TaskMgmtController{
		BaseComponent: core.NewBaseComponent(bizConsts.COMP_CTRL_TASK_MGMT,
			bizConsts.COMP_DAO_TASK, bizConsts.COMP_SVC_JOB, bizConsts.COMP_SVC_DISPATCHER, infraConsts.COMPONENT_LOGGING),
	}
}

// createTask 为指定 Job 物化一次执行实例(配置在此刻快照)。
func (c *TaskMgmtController) createTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.JobID) == "" {
		writeErr(w, http.StatusBadRequest, "job_id is required")
		return
	}
	t, err := c.JobSvc.Trigger(r.Context(), req.JobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, t)
}

func (c *TaskMgmtController) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var statuses []bizConsts.TaskStatus
	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			statuses = append(statuses, bizConsts.TaskStatus(strings.ToUpper(strings.TrimSpace(part))))
		}
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 {
		limit = 100
	}
	list, err := c.TaskDao.List(r.Context(), statuses, q.Get("job_id"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, list)
}

func (c *TaskMgmtController) getTask(w http.ResponseWriter, r *http.Request, id string) {
	t, err := c.TaskDao.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, t)
}

func (c *TaskMgmtController) cancelTask(w http.ResponseWriter, r *http.Request, id string) {
	if err := c.Dispatcher.CancelTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"cancelled": true})
}
