package registry_ext

import (
	bizConfig "github.com/taskfleet/taskfleet/internal/broker/config"
	bizConsts "github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/broker/service"
	"github.com/taskfleet/taskfleet/internal/infra/config"
	"github.com/taskfleet/taskfleet/internal/infra/core"
	"github.com/taskfleet/taskfleet/internal/infra/registry"
)

func init() {
	brokerCfg := bizConfig.GetBizConfig()

	registry.RegisterWithDeps(bizConsts.COMP_SVC_METRICS, nil,
		func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
			return true, service.NewBrokerMetrics(), nil
		})

	registry.RegisterWithDeps(bizConsts.COMP_SVC_JOB, []string{
		bizConsts.COMP_DAO_JOB, bizConsts.COMP_DAO_TASK,
	}, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, service.NewJobService(), nil
	})

	registry.RegisterWithDeps(bizConsts.COMP_SVC_DISPATCHER, []string{
		bizConsts.COMP_DAO_TASK, bizConsts.COMP_DAO_WORKER, bizConsts.COMP_SVC_WORKFLOW,
	}, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, service.NewDispatcher(brokerCfg.Dispatch, brokerCfg.Scanner), nil
	})

	registry.RegisterWithDeps(bizConsts.COMP_SVC_WORKFLOW, []string{
		bizConsts.COMP_DAO_WORKFLOW, bizConsts.COMP_DAO_JOB, bizConsts.COMP_DAO_TASK,
	}, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, service.NewWorkflowService(), nil
	})

	registry.RegisterWithDeps(bizConsts.COMP_SVC_TRIGGER, []string{
		bizConsts.COMP_DAO_JOB, bizConsts.COMP_DAO_TASK,
	}, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, service.NewTriggerEngine(brokerCfg.Trigger), nil
	})

	registry.RegisterWithDeps(bizConsts.COMP_SVC_SCANNER, []string{
		bizConsts.COMP_DAO_TASK, bizConsts.COMP_DAO_WORKER, bizConsts.COMP_DAO_WORKFLOW,
		bizConsts.COMP_SVC_WORKFLOW,
	}, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, service.NewLivenessScanner(brokerCfg.Scanner), nil
	})
}
