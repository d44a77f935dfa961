package deploy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSource replays deployments one poll at a time and then repeats
// the last one.
type scriptedSource struct {
	mu    sync.Mutex
	steps []*Deployment
	polls int
}

func (s *scriptedSource) LatestDeployment(ctx context.Context, jobID string) (*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.polls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.polls++
	return s.steps[i], nil
}

func dep(index uint64, status DeploymentStatus, desc string) *Deployment {
	return &Deployment{ID: "d", JobID: "email-agent", JobVersion: index / 10, JobModifyIndex: index, Status: status, StatusDescription: desc}
}

func TestWatcherWaitSuccess(t *testing.T) {
	src := &scriptedSource{steps: []*Deployment{
		dep(5, StatusSuccessful, "older rollout"),
		dep(10, StatusRunning, ""),
		dep(10, StatusRunning, ""),
		dep(10, StatusSuccessful, "Deployment completed successfully"),
	}}
	var updates []Update
	w := NewWatcher(src, time.Millisecond, nil, func(u Update) { updates = append(updates, u) })

	res, err := w.Wait(context.Background(), "email-agent", 10)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccessful, res.Deployment.Status)
	assert.False(t, res.RolledBack)

	require.Len(t, updates, 2)
	assert.Equal(t, DeploymentStatus(""), updates[0].Previous)
	assert.Equal(t, StatusRunning, updates[0].Deployment.Status)
	assert.Equal(t, StatusRunning, updates[1].Previous)
}

func TestWatcherWaitAutoRevert(t *testing.T) {
	src := &scriptedSource{steps: []*Deployment{
		dep(20, StatusRunning, ""),
		dep(20, StatusFailed, "Failed due to unhealthy allocations - rolling back to job version 1"),
	}}
	w := NewWatcher(src, time.Millisecond, nil, nil)

	res, err := w.Wait(context.Background(), "email-agent", 20)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeploymentFailed))
	assert.True(t, res.RolledBack)
}

func TestWatcherWaitTimeout(t *testing.T) {
	src := &scriptedSource{steps: []*Deployment{dep(30, StatusRunning, "")}}
	w := NewWatcher(src, time.Millisecond, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res, err := w.Wait(ctx, "email-agent", 30)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, res.Deployment)
	assert.Equal(t, StatusRunning, res.Deployment.Status)
}

type fakeHistory struct {
	current   *JobInfo
	versions  []*JobInfo
	reverted  *uint64
	prior     *uint64
	revertErr error
}

func (f *fakeHistory) GetJob(ctx context.Context, jobID string) (*JobInfo, error) {
	if f.current == nil {
		return nil, ErrJobNotFound
	}
	return f.current, nil
}

func (f *fakeHistory) JobVersions(ctx context.Context, jobID string) ([]*JobInfo, error) {
	return f.versions, nil
}

func (f *fakeHistory) RevertJob(ctx context.Context, jobID string, version uint64, enforcePrior *uint64) (*RegisterResponse, error) {
	if f.revertErr != nil {
		return nil, f.revertErr
	}
	f.reverted = &version
	f.prior = enforcePrior
	return &RegisterResponse{EvalID: "eval-revert", JobModifyIndex: 99}, nil
}

func versionsFixture() *fakeHistory {
	return &fakeHistory{
		current: &JobInfo{Version: 5},
		versions: []*JobInfo{
			{Version: 5, Stable: false},
			{Version: 4, Stable: false},
			{Version: 3, Stable: true, Meta: map[string]string{"image": "img:v3"}},
			{Version: 2, Stable: true, Meta: map[string]string{"image": "img:v2"}},
		},
	}
}

func TestRollbackPicksNewestStable(t *testing.T) {
	api := versionsFixture()
	res, err := Rollback(context.Background(), api, "email-agent", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res.FromVersion)
	assert.Equal(t, uint64(3), res.ToVersion)
	assert.Equal(t, "img:v3", res.Image)
	assert.Equal(t, "eval-revert", res.Register.EvalID)
	require.NotNil(t, api.prior)
	assert.Equal(t, uint64(5), *api.prior)
}

func TestRollbackExplicitVersion(t *testing.T) {
	api := versionsFixture()
	v := uint64(2)
	res, err := Rollback(context.Background(), api, "email-agent", &v)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.ToVersion)
	assert.Equal(t, uint64(2), *api.reverted)

	missing := uint64(9)
	_, err = Rollback(context.Background(), api, "email-agent", &missing)
	assert.ErrorContains(t, err, "has no version 9")

	same := uint64(5)
	_, err = Rollback(context.Background(), api, "email-agent", &same)
	assert.ErrorContains(t, err, "already at version 5")
}

func TestRollbackNoStableVersion(t *testing.T) {
	api := &fakeHistory{
		current:  &JobInfo{Version: 1, Stable: true},
		versions: []*JobInfo{{Version: 1, Stable: true}, {Version: 0, Stable: false}},
	}
	_, err := Rollback(context.Background(), api, "email-agent", nil)
	assert.ErrorIs(t, err, ErrNoStableVersion)
	assert.Nil(t, api.reverted)

	_, err = Rollback(context.Background(), &fakeHistory{}, "email-agent", nil)
	assert.ErrorIs(t, err, ErrJobNotFound)
}
