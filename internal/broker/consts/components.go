package consts

const (
	COMP_DAO_JOB      = "job_dao"
	COMP_DAO_TASK     = "task_dao"
	COMP_DAO_WORKER   = "worker_dao"
	COMP_DAO_WORKFLOW = "workflow_dao"

	COMP_SVC_JOB        = "job_service"
	COMP_SVC_WORKFLOW   = "workflow_service"
	COMP_SVC_DISPATCHER = "dispatcher"
	COMP_SVC_TRIGGER    = "trigger_engine"
	COMP_SVC_SCANNER    = "liveness_scanner"
	COMP_SVC_METRICS    = "broker_metrics"

	COMP_CTRL_JOB_MGMT      = "job_mgmt_ctrl"
	COMP_CTRL_TASK_MGMT     = "task_mgmt_ctrl"
	COMP_CTRL_WORKFLOW_MGMT = "workflow_mgmt_ctrl"
	COMP_CTRL_WORKER_GW     = "worker_gateway_ctrl"
)
