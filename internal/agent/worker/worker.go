package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/agent/client"
	agentConfig "github.com/taskfleet/taskfleet/internal/agent/config"
	agentConsts "github.com/taskfleet/taskfleet/internal/agent/consts"
	"github.com/taskfleet/taskfleet/internal/agent/runner"
	"github.com/taskfleet/taskfleet/internal/broker/model"
	"github.com/taskfleet/taskfleet/internal/infra/components/http_client"
	"github.com/taskfleet/taskfleet/internal/infra/components/logging"
	infraConsts "github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"
)

// Worker 是 agent 的主组件: 注册到 broker, 维持心跳,
// 在容量允许时租约任务并交给 runner 执行.
type Worker struct {
	*core.BaseComponent
	HTTPClients *http_client.HTTPClientsComponent `infra:"dep:http_clients"`

	cfg    *agentConfig.AgentConfig
	broker *client.BrokerClient
	runner *runner.Runner

	workerID string
	slots    chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(cfg *agentConfig.AgentConfig) *Worker {
	return &Worker{
		BaseComponent: core.NewBaseComponent(agentConsts.COMP_WORKER,
			infraConsts.COMPONENT_HTTP_CLIENTS, infraConsts.COMPONENT_LOGGING),
		cfg:     cfg,
		runner:  runner.NewRunner(cfg.Runner),
		running: map[string]context.CancelFunc{},
	}
}

func (w *Worker) Start(ctx context.Context) error {
	if w.IsActive() {
		return nil
	}
	if err := w.BaseComponent.Start(ctx); err != nil {
		return err
	}

	cli, err := w.HTTPClients.Client(w.cfg.Broker.ClientName)
	if err != nil {
		return fmt.Errorf("resolve broker client: %w", err)
	}
	w.broker = client.NewBrokerClient(cli)

	capacity := w.cfg.Worker.CapacityOrDefault()
	w.slots = make(chan struct{}, capacity)

	hostname, _ := os.Hostname()
	id, err := w.broker.Register(ctx, &client.RegisterInfo{
		WorkerID: uuid.NewString(),
		Name:     w.cfg.Worker.Name,
		Address:  hostname,
		Labels:   w.cfg.Worker.Labels,
		Capacity: capacity,
	})
	if err != nil {
		return fmt.Errorf("register with broker: %w", err)
	}
	w.workerID = id
	logging.Info(ctx, "agent registered",
		zap.String("worker_id", id),
		zap.String("name", w.cfg.Worker.Name),
		zap.Int("capacity", capacity))

	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(2)
	go w.heartbeatLoop(loopCtx)
	go w.leaseLoop(loopCtx)
	return nil
}

func (w *Worker) Stop(ctx context.Context) error {
	if !w.IsActive() {
		return nil
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Lock()
	for _, cancelTask := range w.running {
		cancelTask()
	}
	w.mu.Unlock()
	w.wg.Wait()
	return w.BaseComponent.Stop(ctx)
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()
	interval := time.Duration(w.cfg.Worker.HeartbeatIntervalOrDefault()) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelled, err := w.broker.Heartbeat(ctx, w.workerID)
			if err != nil {
				logging.Warn(ctx, "heartbeat failed: "+err.Error())
				continue
			}
			for _, taskID := range cancelled {
				w.cancelLocal(ctx, taskID)
			}
		}
	}
}

func (w *Worker) leaseLoop(ctx context.Context) {
	defer w.wg.Done()
	interval := time.Duration(w.cfg.Worker.PollIntervalOrDefault()) * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case w.slots <- struct{}{}:
		}

		task, err := w.broker.Lease(ctx, w.workerID)
		if err != nil || task == nil {
			<-w.slots
			if err != nil {
				logging.Warn(ctx, "lease request failed: "+err.Error())
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			continue
		}

		w.wg.Add(1)
		go func(t *model.Task) {
			defer w.wg.Done()
			defer func() { <-w.slots }()
			w.execute(ctx, t)
		}(task)
	}
}

func (w *Worker) execute(ctx context.Context, task *model.Task) {
	if err := w.broker.AckStart(ctx, task.ID, w.workerID, task.LeaseVersion); err != nil {
		logging.Warn(ctx, "ack rejected, dropping lease",
			zap.String("task_id", task.ID), zap.String("error", err.Error()))
		return
	}

	taskCtx, cancelTask := context.WithCancel(ctx)
	w.mu.Lock()
	w.running[task.ID] = cancelTask
	w.mu.Unlock()
	defer func() {
		cancelTask()
		w.mu.Lock()
		delete(w.running, task.ID)
		w.mu.Unlock()
	}()

	logging.Info(ctx, "task started",
		zap.String("task_id", task.ID),
		zap.String("job_id", task.JobID),
		zap.Int("attempt", task.Attempt))

	result, err := w.runner.Run(taskCtx, task, func(progress float64) {
		logging.Debug(ctx, "task progress",
			zap.String("task_id", task.ID), zap.Float64("progress", progress))
	})
	if err != nil {
		result = &model.TaskResult{ExitCode: -1, Error: err.Error()}
	}

	// 本地取消说明 broker 已把任务标记为 CANCELLED, 结果无需回报
	if taskCtx.Err() != nil && ctx.Err() == nil && !result.TimedOut {
		logging.Info(ctx, "task cancelled locally", zap.String("task_id", task.ID))
		return
	}

	reportCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := w.broker.ReportResult(reportCtx, task.ID, w.workerID, task.LeaseVersion, result); err != nil {
		logging.Error(ctx, "report result failed",
			zap.String("task_id", task.ID), zap.String("error", err.Error()))
		return
	}
	logging.Info(ctx, "task finished",
		zap.String("task_id", task.ID),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timed_out", result.TimedOut))
}

func (w *Worker) cancelLocal(ctx context.Context, taskID string) {
	w.mu.Lock()
	cancelTask, ok := w.running[taskID]
	w.mu.Unlock()
	if !ok {
		return
	}
	logging.Info(ctx, "cancelling task on broker request", zap.String("task_id", taskID))
	cancelTask()
}
