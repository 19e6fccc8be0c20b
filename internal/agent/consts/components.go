package consts

const (
	COMP_WORKER = "agent_worker"
)
