package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aman-churiwal/event-gate/internal/models"
	"github.com/aman-churiwal/event-gate/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	total    int64
	outcomes []repository.OutcomeCount
	top      []repository.DeploymentCount
	found    []models.DecisionLog
	err      error

	lastQuery    repository.DecisionQuery
	deleteBefore time.Time
}

func (f *fakeStore) Find(_ context.Context, q repository.DecisionQuery) ([]models.DecisionLog, error) {
	f.lastQuery = q
	return f.found, f.err
}

func (f *fakeStore) CountByTimeRange(context.Context, time.Time, time.Time) (int64, error) {
	return f.total, f.err
}

func (f *fakeStore) CountByOutcome(context.Context, time.Time, time.Time) ([]repository.OutcomeCount, error) {
	return f.outcomes, f.err
}

func (f *fakeStore) TopRejectedDeployments(context.Context, time.Time, time.Time, int) ([]repository.DeploymentCount, error) {
	return f.top, f.err
}

func (f *fakeStore) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	f.deleteBefore = before
	return 7, f.err
}

func TestDecisionService_Summary(t *testing.T) {
	store := &fakeStore{
		total: 10,
		outcomes: []repository.OutcomeCount{
			{Admitted: true, Count: 6, Events: 600, Bytes: 6000},
			{Reason: "EventCountExceeded", Count: 3},
			{Reason: "ByteVolumeExceeded", Count: 1},
		},
		top: []repository.DeploymentCount{{DeploymentID: "dep-1", Count: 4}},
	}
	svc := NewDecisionService(store)

	s, err := svc.Summary(context.Background(), time.Unix(0, 0), time.Unix(60, 0))
	require.NoError(t, err)

	assert.Equal(t, int64(6), s.Admitted)
	assert.Equal(t, int64(4), s.Rejected)
	assert.Equal(t, int64(3), s.EventCountRejected)
	assert.Equal(t, int64(1), s.ByteVolumeRejected)
	assert.Equal(t, int64(600), s.AdmittedEvents)
	assert.Equal(t, int64(6000), s.AdmittedBytes)
	assert.InDelta(t, 40.0, s.RejectionRate, 0.001)
	assert.Equal(t, store.top, s.TopRejected)
}

func TestDecisionService_SummaryEmpty(t *testing.T) {
	s, err := NewDecisionService(&fakeStore{}).Summary(context.Background(), time.Unix(0, 0), time.Unix(60, 0))
	require.NoError(t, err)

	assert.Zero(t, s.TotalDecisions)
	assert.Nil(t, s.Outcomes)
}

func TestDecisionService_SummaryError(t *testing.T) {
	_, err := NewDecisionService(&fakeStore{err: errors.New("db down")}).Summary(context.Background(), time.Unix(0, 0), time.Unix(60, 0))
	assert.Error(t, err)
}

func TestDecisionService_List(t *testing.T) {
	store := &fakeStore{}
	svc := NewDecisionService(store)

	q := repository.DecisionQuery{DeploymentID: "dep-1", Limit: 5}
	got, err := svc.List(context.Background(), q)
	require.NoError(t, err)

	assert.NotNil(t, got, "empty result is an empty slice")
	assert.Equal(t, q, store.lastQuery)
}

func TestDecisionService_Cleanup(t *testing.T) {
	store := &fakeStore{}
	svc := NewDecisionService(store)
	svc.now = func() time.Time { return time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC) }

	n, err := svc.Cleanup(context.Background(), 30)
	require.NoError(t, err)

	assert.Equal(t, int64(7), n)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), store.deleteBefore)
}
