package service

import (
	"context"

	promclient "github.com/prometheus/client_golang/prometheus"

	"github.com/taskfleet/taskfleet/internal/infra/components/prometheus"
	infraConsts "github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"

	bizConsts "github.com/taskfleet/taskfleet/internal/broker/consts"
)

// BrokerMetrics 调度核心的指标集合。prometheus 组件未启用时所有方法降级为 no-op。
type BrokerMetrics struct {
	*core.BaseComponent
	PromComp *prometheus.Component `infra:"dep:prometheus?"`

	tasksCreated  *promclient.CounterVec
	leasesGranted *promclient.CounterVec
	taskResults   *promclient.CounterVec
	staleLeases   *promclient.CounterVec
	triggerFires  *promclient.CounterVec
	taskDuration  *promclient.HistogramVec
	pendingDepth  *promclient.GaugeVec
}

func NewBrokerMetrics() *BrokerMetrics {
	return &BrokerMetrics{
		BaseComponent: core.NewBaseComponent(bizConsts.COMP_SVC_METRICS, infraConsts.COMPONENT_LOGGING),
	}
}

func (m *BrokerMetrics) Start(ctx context.Context) error {
	if err := m.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if m.PromComp == nil {
		return nil
	}
	m.tasksCreated = m.PromComp.NewCounter("tasks_created_total", "Tasks materialized, by origin.", []string{"origin"})
	m.leasesGranted = m.PromComp.NewCounter("leases_granted_total", "Leases granted to workers.", []string{"worker"})
	m.taskResults = m.PromComp.NewCounter("task_results_total", "Reported task results, by final status.", []string{"status"})
	m.staleLeases = m.PromComp.NewCounter("stale_lease_reports_total", "Result reports rejected due to stale leases.", nil)
	m.triggerFires = m.PromComp.NewCounter("trigger_fires_total", "Trigger slot fires, by kind.", []string{"kind"})
	m.taskDuration = m.PromComp.NewHistogram("task_duration_seconds", "Wall time of finished tasks.", []string{"status"},
		[]float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800, 3600})
	m.pendingDepth = m.PromComp.NewGauge("pending_tasks", "Pending tasks observed at last scan.", nil)
	return nil
}

func (m *BrokerMetrics) TaskCreated(origin string) {
	if m.tasksCreated != nil {
		m.tasksCreated.WithLabelValues(origin).Inc()
	}
}

func (m *BrokerMetrics) LeaseGranted(workerID string) {
	if m.leasesGranted != nil {
		m.leasesGranted.WithLabelValues(workerID).Inc()
	}
}

func (m *BrokerMetrics) TaskResult(status string, durationSec float64) {
	if m.taskResults != nil {
		m.taskResults.WithLabelValues(status).Inc()
	}
	if m.taskDuration != nil && durationSec >= 0 {
		m.taskDuration.WithLabelValues(status).Observe(durationSec)
	}
}

func (m *BrokerMetrics) StaleLease() {
	if m.staleLeases != nil {
		m.staleLeases.WithLabelValues().Inc()
	}
}

func (m *BrokerMetrics) TriggerFired(kind string) {
	if m.triggerFires != nil {
		m.triggerFires.WithLabelValues(kind).Inc()
	}
}

func (m *BrokerMetrics) SetPendingDepth(n float64) {
	if m.pendingDepth != nil {
		m.pendingDepth.WithLabelValues().Set(n)
	}
}
