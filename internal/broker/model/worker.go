package model

import "time"

// Worker 已注册的执行节点。
type Worker struct {
	ID              string    `json:"id" gorm:"primaryKey"`
	Name            string    `json:"name"`
	Address         string    `json:"address"` // 上报的主机标识,仅供运维排查
	Labels          LabelSet  `json:"labels" gorm:"type:json"`
	Capacity        int       `json:"capacity"` // 最大并发任务数
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Worker) TableName() string { return "workers" }

// Alive 心跳在 livenessTimeout 之内即视为存活。
func (w *Worker) Alive(now time.Time, livenessTimeout time.Duration) bool {
	return now.Sub(w.LastHeartbeatAt) < livenessTimeout
}
