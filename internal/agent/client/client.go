package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/taskfleet/taskfleet/internal/broker/model"
	"github.com/taskfleet/taskfleet/internal/infra/components/http_client"
)

// BrokerClient 封装 agent 对 broker 内部协议的访问.
type BrokerClient struct {
	cli *http_client.InstrumentedClient
}

func NewBrokerClient(cli *http_client.InstrumentedClient) *BrokerClient {
	return &BrokerClient{cli: cli}
}

// RegisterInfo agent 注册时上报的自身信息.
type RegisterInfo struct {
	WorkerID string            `json:"worker_id,omitempty"`
	Name     string            `json:"name"`
	Address  string            `json:"address,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Capacity int               `json:"capacity"`
}

type registerResponse struct {
	WorkerID string `json:"worker_id"`
}

type heartbeatResponse struct {
	CancelledTaskIDs []string `json:"cancelled_task_ids"`
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
	Error        string `json:"error,omitempty"`
	TimedOut     bool   `json:"timed_out"`
}

func (bc *BrokerClient) Register(ctx context.Context, info *RegisterInfo) (string, error) {
	var out registerResponse
	if _, err := bc.cli.Post(ctx, "/internal/v1/workers/register", info, nil, &out); err != nil {
		return "", fmt.Errorf("register worker: %w", err)
	}
	return out.WorkerID, nil
}

// Heartbeat 上报存活并带回 broker 侧已取消的任务 ID 列表.
func (bc *BrokerClient) Heartbeat(ctx context.Context, workerID string) ([]string, error) {
	var out heartbeatResponse
	path := fmt.Sprintf("/internal/v1/workers/%s/heartbeat", workerID)
	if _, err := bc.cli.Post(ctx, path, struct{}{}, nil, &out); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return out.CancelledTaskIDs, nil
}

// Lease 申请下一个待执行任务, 无可用任务时返回 (nil, nil).
func (bc *BrokerClient) Lease(ctx context.Context, workerID string) (*model.Task, error) {
	var task model.Task
	resp, err := bc.cli.Post(ctx, "/internal/v1/lease", &leaseRequest{WorkerID: workerID}, nil, &task)
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	if resp != nil && resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if task.ID == "" {
		return nil, nil
	}
	return &task, nil
}

func (bc *BrokerClient) AckStart(ctx context.Context, taskID, workerID string, leaseVersion int) error {
	path := fmt.Sprintf("/internal/v1/tasks/%s/ack", taskID)
	if _, err := bc.cli.Post(ctx, path, &ackRequest{WorkerID: workerID, LeaseVersion: leaseVersion}, nil, nil); err != nil {
		return fmt.Errorf("ack start: %w", err)
	}
	return nil
}

func (bc *BrokerClient) ReportResult(ctx context.Context, taskID, workerID string, leaseVersion int, r *model.TaskResult) error {
	path := fmt.Sprintf("/internal/v1/tasks/%s/result", taskID)
	req := &resultRequest{
		WorkerID:     workerID,
		LeaseVersion: leaseVersion,
		ExitCode:     r.ExitCode,
		Output:       r.Output,
		Truncated:    r.Truncated,
		Error:        r.Error,
		TimedOut:     r.TimedOut,
	}
	if _, err := bc.cli.Post(ctx, path, req, nil, nil); err != nil {
		return fmt.Errorf("report result: %w", err)
	}
	return nil
}
