package models

import (
	"time"
)

// One admission decision taken by the gate
type DecisionLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Timestamp    time.Time `gorm:"index" json:"timestamp"`
	RequestID    string    `json:"request_id"`
	DeploymentID string    `gorm:"index;not null" json:"deployment_id"`
	Admitted     bool      `gorm:"index" json:"admitted"`
	Reason       string    `gorm:"index" json:"reason,omitempty"`
	StatusCode   int       `json:"status_code"`
	CustomEvents int64     `json:"custom_events"`
	SystemEvents int64     `json:"system_events"`
	Bytes        int64     `json:"bytes"`
	WindowStart  time.Time `json:"window_start"`
}

func (DecisionLog) TableName() string {
	return "quota_decisions"
}
