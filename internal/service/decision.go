package service

import (
	"context"
	"time"

	"github.com/aman-churiwal/event-gate/internal/models"
	"github.com/aman-churiwal/event-gate/internal/repository"
)

// DecisionStore is the subset of repository.DecisionRepository the service reads from
type DecisionStore interface {
	Find(ctx context.Context, q repository.DecisionQuery) ([]models.DecisionLog, error)
	CountByTimeRange(ctx context.Context, from, to time.Time) (int64, error)
	CountByOutcome(ctx context.Context, from, to time.Time) ([]repository.OutcomeCount, error)
	TopRejectedDeployments(ctx context.Context, from, to time.Time, limit int) ([]repository.DeploymentCount, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

type DecisionService struct {
	repository DecisionStore
	now        func() time.Time
}

func NewDecisionService(repo DecisionStore) *DecisionService {
	return &DecisionService{
		repository: repo,
		now:        time.Now,
	}
}

// Holds decision summary data
type DecisionSummary struct {
	From               time.Time                    `json:"from"`
	To                 time.Time                    `json:"to"`
	TotalDecisions     int64                        `json:"total_decisions"`
	Admitted           int64                        `json:"admitted"`
	Rejected           int64                        `json:"rejected"`
	RejectionRate      float64                      `json:"rejection_rate"`
	EventCountRejected int64                        `json:"event_count_rejected"`
	ByteVolumeRejected int64                        `json:"byte_volume_rejected"`
	AdmittedEvents     int64                        `json:"admitted_custom_events"`
	AdmittedBytes      int64                        `json:"admitted_bytes"`
	Outcomes           []repository.OutcomeCount    `json:"outcomes"`
	TopRejected        []repository.DeploymentCount `json:"top_rejected_deployments"`
}

// Retrieves decision summary for a time range
func (s *DecisionService) Summary(ctx context.Context, from, to time.Time) (*DecisionSummary, error) {
	summary := &DecisionSummary{From: from, To: to}

	total, err := s.repository.CountByTimeRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.TotalDecisions = total

	if total == 0 {
		return summary, nil
	}

	outcomes, err := s.repository.CountByOutcome(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.Outcomes = outcomes

	for _, o := range outcomes {
		if o.Admitted {
			summary.Admitted += o.Count
			summary.AdmittedEvents += o.Events
			summary.AdmittedBytes += o.Bytes
			continue
		}

		summary.Rejected += o.Count
		switch o.Reason {
		case "EventCountExceeded":
			summary.EventCountRejected += o.Count
		case "ByteVolumeExceeded":
			summary.ByteVolumeRejected += o.Count
		}
	}
	summary.RejectionRate = float64(summary.Rejected) / float64(total) * 100

	top, err := s.repository.TopRejectedDeployments(ctx, from, to, 10)
	if err != nil {
		return nil, err
	}
	summary.TopRejected = top

	return summary, nil
}

// Retrieves decisions with pagination and filtering
func (s *DecisionService) List(ctx context.Context, q repository.DecisionQuery) ([]models.DecisionLog, error) {
	decisions, err := s.repository.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	if decisions == nil {
		decisions = []models.DecisionLog{}
	}
	return decisions, nil
}

// Deletes decisions older than the retention period
func (s *DecisionService) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutOff := s.now().AddDate(0, 0, -retentionDays)
	return s.repository.DeleteOlderThan(ctx, cutOff)
}
