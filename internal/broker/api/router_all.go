package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskfleet/taskfleet/internal/infra/components/http_server"
	"github.com/taskfleet/taskfleet/internal/infra/core"

	bizConsts "github.com/taskfleet/taskfleet/internal/broker/consts"
)

// Unified route registration for job, task, workflow and worker controllers.
func init() {
	http_server.RegisterRoutes(func(r chi.Router, c *core.Container) error {
		jobCtrl, err := resolveCtrl[*JobMgmtController](c, bizConsts.COMP_CTRL_JOB_MGMT)
		if err != nil {
			return err
		}
		taskCtrl, err := resolveCtrl[*TaskMgmtController](c, bizConsts.COMP_CTRL_TASK_MGMT)
		if err != nil {
			return err
		}
		wfCtrl, err := resolveCtrl[*WorkflowMgmtController](c, bizConsts.COMP_CTRL_WORKFLOW_MGMT)
		if err != nil {
			return err
		}
		gwCtrl, err := resolveCtrl[*WorkerGatewayController](c, bizConsts.COMP_CTRL_WORKER_GW)
		if err != nil {
			return err
		}

		urlID := func(r *http.Request) string { return chi.URLParam(r, "id") }

		// Job routes
		r.Route("/api/v1/jobs", func(r chi.Router) {
			r.Get("/", jobCtrl.listJobs)
			r.Post("/", jobCtrl.createJob)
			r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) { jobCtrl.getJob(w, req, urlID(req)) })
			r.Put("/{id}", func(w http.ResponseWriter, req *http.Request) { jobCtrl.updateJob(w, req, urlID(req)) })
			r.Delete("/{id}", func(w http.ResponseWriter, req *http.Request) { jobCtrl.deleteJob(w, req, urlID(req)) })
			r.Post("/{id}/enable", func(w http.ResponseWriter, req *http.Request) { jobCtrl.updateStatus(w, req, urlID(req), true) })
			r.Post("/{id}/disable", func(w http.ResponseWriter, req *http.Request) { jobCtrl.updateStatus(w, req, urlID(req), false) })
			r.Post("/{id}/trigger", func(w http.ResponseWriter, req *http.Request) { jobCtrl.triggerJob(w, req, urlID(req)) })
		})

		// Task routes
		r.Route("/api/v1/tasks", func(r chi.Router) {
			r.Get("/", taskCtrl.listTasks)
			r.Post("/", taskCtrl.createTask)
			r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) { taskCtrl.getTask(w, req, urlID(req)) })
			r.Post("/{id}/cancel", func(w http.ResponseWriter, req *http.Request) { taskCtrl.cancelTask(w, req, urlID(req)) })
		})

		// Workflow routes
		r.Route("/api/v1/workflows", func(r chi.Router) {
			r.Get("/", wfCtrl.listWorkflows)
			r.Post("/", wfCtrl.createWorkflow)
			r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) { wfCtrl.getWorkflow(w, req, urlID(req)) })
			r.Put("/{id}", func(w http.ResponseWriter, req *http.Request) { wfCtrl.updateWorkflow(w, req, urlID(req)) })
			r.Delete("/{id}", func(w http.ResponseWriter, req *http.Request) { wfCtrl.deleteWorkflow(w, req, urlID(req)) })
			r.Post("/{id}/run", func(w http.ResponseWriter, req *http.Request) { wfCtrl.runWorkflow(w, req, urlID(req)) })
			r.Get("/{id}/runs", func(w http.ResponseWriter, req *http.Request) { wfCtrl.listRuns(w, req, urlID(req)) })
		})

		// Workflow run routes
		r.Route("/api/v1/workflow-runs", func(r chi.Router) {
			r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) { wfCtrl.getRun(w, req, urlID(req)) })
			r.Post("/{id}/cancel", func(w http.ResponseWriter, req *http.Request) { wfCtrl.cancelRun(w, req, urlID(req)) })
		})

		// Agent protocol
		r.Route("/internal/v1", func(r chi.Router) {
			r.Post("/workers/register", gwCtrl.register)
			r.Post("/workers/{id}/heartbeat", func(w http.ResponseWriter, req *http.Request) { gwCtrl.heartbeat(w, req, urlID(req)) })
			r.Post("/lease", gwCtrl.lease)
			r.Post("/tasks/{id}/ack", func(w http.ResponseWriter, req *http.Request) { gwCtrl.ackStart(w, req, urlID(req)) })
			r.Post("/tasks/{id}/result", func(w http.ResponseWriter, req *http.Request) { gwCtrl.reportResult(w, req, urlID(req)) })
		})
		return nil
	})
}

func resolveCtrl[T any](c *core.Container, name string) (T, error) {
	var zero T
	comp, err := c.Resolve(name)
	if err != nil {
		return zero, err
	}
	ctrl, ok := comp.(T)
	if !ok {
		return zero, fmt.Errorf("%s type assertion failed", name)
	}
	return ctrl, nil
}
