package repository

import (
	"context"
	"time"

	"github.com/aman-churiwal/event-gate/internal/models"
	"github.com/aman-churiwal/event-gate/internal/storage"
)

type DecisionRepository struct {
	db *storage.Postgres
}

func NewDecisionRepository(db *storage.Postgres) *DecisionRepository {
	return &DecisionRepository{db: db}
}

// DecisionQuery selects decisions in [From, To]. Empty DeploymentID and nil Admitted match all.
type DecisionQuery struct {
	From         time.Time
	To           time.Time
	DeploymentID string
	Admitted     *bool
	Limit        int
	Offset       int
}

// Inserts multiple decisions (for batch insertion)
func (r *DecisionRepository) CreateBatch(ctx context.Context, decisions []models.DecisionLog) error {
	if len(decisions) == 0 {
		return nil
	}

	return r.db.DB.WithContext(ctx).CreateInBatches(&decisions, 100).Error
}

// Retrieves decisions matching q, newest first
func (r *DecisionRepository) Find(ctx context.Context, q DecisionQuery) ([]models.DecisionLog, error) {
	var decisions []models.DecisionLog

	tx := r.db.DB.WithContext(ctx).
		Where("timestamp BETWEEN ? AND ?", q.From, q.To)

	if q.DeploymentID != "" {
		tx = tx.Where("deployment_id = ?", q.DeploymentID)
	}
	if q.Admitted != nil {
		tx = tx.Where("admitted = ?", *q.Admitted)
	}

	err := tx.
		Order("timestamp DESC").
		Limit(q.Limit).
		Offset(q.Offset).
		Find(&decisions).Error

	return decisions, err
}

// Retrieves decisions within a time range
func (r *DecisionRepository) FindByTimeRange(ctx context.Context, from, to time.Time, limit, offset int) ([]models.DecisionLog, error) {
	return r.Find(ctx, DecisionQuery{From: from, To: to, Limit: limit, Offset: offset})
}

// Retrieves decisions for one deployment
func (r *DecisionRepository) FindByDeployment(ctx context.Context, deploymentID string, from, to time.Time, limit, offset int) ([]models.DecisionLog, error) {
	return r.Find(ctx, DecisionQuery{From: from, To: to, DeploymentID: deploymentID, Limit: limit, Offset: offset})
}

// Counts decisions in a time range
func (r *DecisionRepository) CountByTimeRange(ctx context.Context, from, to time.Time) (int64, error) {
	var count int64

	err := r.db.DB.WithContext(ctx).
		Model(&models.DecisionLog{}).
		Where("timestamp BETWEEN ? AND ?", from, to).
		Count(&count).Error

	return count, err
}

type OutcomeCount struct {
	Admitted bool   `json:"admitted"`
	Reason   string `json:"reason,omitempty"`
	Count    int64  `json:"count"`
	Events   int64  `json:"custom_events"`
	Bytes    int64  `json:"bytes"`
}

// Groups decisions in a time range by outcome and rejection reason
func (r *DecisionRepository) CountByOutcome(ctx context.Context, from, to time.Time) ([]OutcomeCount, error) {
	var results []OutcomeCount

	err := r.db.DB.WithContext(ctx).
		Model(&models.DecisionLog{}).
		Select("admitted, reason, COUNT(*) AS count, COALESCE(SUM(custom_events), 0) AS events, COALESCE(SUM(bytes), 0) AS bytes").
		Where("timestamp BETWEEN ? AND ?", from, to).
		Group("admitted, reason").
		Order("count DESC").
		Scan(&results).Error

	return results, err
}

type DeploymentCount struct {
	DeploymentID string `json:"deployment_id"`
	Count        int64  `json:"count"`
}

// Returns deployments with the most rejected batches
func (r *DecisionRepository) TopRejectedDeployments(ctx context.Context, from, to time.Time, limit int) ([]DeploymentCount, error) {
	var results []DeploymentCount

	err := r.db.DB.WithContext(ctx).
		Model(&models.DecisionLog{}).
		Select("deployment_id, COUNT(*) AS count").
		Where("admitted = ? AND timestamp BETWEEN ? AND ?", false, from, to).
		Group("deployment_id").
		Order("count DESC").
		Limit(limit).
		Scan(&results).Error

	return results, err
}

// Deletes decisions older than the specified time
func (r *DecisionRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.DB.WithContext(ctx).
		Where("timestamp < ?", before).
		Delete(&models.DecisionLog{})

	return result.RowsAffected, result.Error
}
