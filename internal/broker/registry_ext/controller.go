package registry_ext

import (
	"github.com/taskfleet/taskfleet/internal/broker/api"
	bizConsts "github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/infra/config"
	appconsts "github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"
	"github.com/taskfleet/taskfleet/internal/infra/registry"
)

func init() {
	// http_server 必须等控制器组件就绪后再启动
	registry.ExtendRuntimeDependencies(appconsts.COMPONENT_HTTP_SERVER,
		bizConsts.COMP_CTRL_JOB_MGMT,
		bizConsts.COMP_CTRL_TASK_MGMT,
		bizConsts.COMP_CTRL_WORKFLOW_MGMT,
		bizConsts.COMP_CTRL_WORKER_GW,
	)

	registry.RegisterWithDeps(bizConsts.COMP_CTRL_JOB_MGMT, []string{
		bizConsts.COMP_SVC_JOB,
	}, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, api.NewJobMgmtController(), nil
	})

	registry.RegisterWithDeps(bizConsts.COMP_CTRL_TASK_MGMT, []string{
		bizConsts.COMP_DAO_TASK, bizConsts.COMP_SVC_JOB, bizConsts.COMP_SVC_DISPATCHER,
	}, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, api.NewTaskMgmtController(), nil
	})

	registry.RegisterWithDeps(bizConsts.COMP_CTRL_WORKFLOW_MGMT, []string{
		bizConsts.COMP_SVC_WORKFLOW,
	}, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, api.NewWorkflowMgmtController(), nil
	})

	registry.RegisterWithDeps(bizConsts.COMP_CTRL_WORKER_GW, []string{
		bizConsts.COMP_SVC_DISPATCHER,
	}, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, api.NewWorkerGatewayController(), nil
	})
}
