package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mailtriage/email-agent/pkg/logging"
)

var (
	// ErrNoStableVersion is returned when there is nothing to roll back to.
	ErrNoStableVersion = errors.New("no stable version to roll back to")
	// ErrDeploymentFailed is returned when a watched deployment ends failed
	// or cancelled.
	ErrDeploymentFailed = errors.New("deployment did not succeed")
)

// DeploymentSource reports a job's latest deployment.
type DeploymentSource interface {
	LatestDeployment(ctx context.Context, jobID string) (*Deployment, error)
}

// Update is one observed deployment status change.
type Update struct {
	Deployment *Deployment
	Previous   DeploymentStatus
}

// WatchResult is how a watched deployment ended.
type WatchResult struct {
	Deployment *Deployment
	// RolledBack is set when Nomad auto-reverted a failed deployment.
	RolledBack bool
}

// Watcher polls a job's deployment until it finishes.
type Watcher struct {
	source   DeploymentSource
	interval time.Duration
	logger   *logging.Logger
	onUpdate func(Update)
}

// NewWatcher polls source every interval (default 5s). onUpdate, when
// non-nil, is called for each status change.
func NewWatcher(source DeploymentSource, interval time.Duration, logger *logging.Logger, onUpdate func(Update)) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Watcher{source: source, interval: interval, logger: logger.Named("watch"), onUpdate: onUpdate}
}

// Wait blocks until the deployment created for jobModifyIndex is terminal
// or ctx is done. Older deployments of the same job are ignored.
func (w *Watcher) Wait(ctx context.Context, jobID string, jobModifyIndex uint64) (*WatchResult, error) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var last DeploymentStatus
	var current *Deployment
	for {
		d, err := w.source.LatestDeployment(ctx, jobID)
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("deploy.poll_failed", map[string]interface{}{"job_id": jobID, "error": err.Error()})
		}

		if d != nil && d.JobModifyIndex >= jobModifyIndex {
			current = d
			if d.Status != last {
				if last != "" {
					if terr := ValidateTransition(last, d.Status); terr != nil {
						w.logger.Warn("deploy.unexpected_transition", map[string]interface{}{
							"deployment_id": d.ID,
							"error":         terr.Error(),
						})
					}
				}
				w.logger.Info("deploy.status", map[string]interface{}{
					"deployment_id": d.ID,
					"job_version":   d.JobVersion,
					"from":          string(last),
					"to":            string(d.Status),
				})
				if w.onUpdate != nil {
					w.onUpdate(Update{Deployment: d, Previous: last})
				}
				last = d.Status
			}

			if d.Status.IsTerminal() {
				res := &WatchResult{
					Deployment: d,
					RolledBack: d.Status == StatusFailed && strings.Contains(strings.ToLower(d.StatusDescription), "rolling back"),
				}
				if d.Status != StatusSuccessful {
					return res, fmt.Errorf("%w: %s (%s)", ErrDeploymentFailed, d.Status, d.StatusDescription)
				}
				return res, nil
			}
		}

		select {
		case <-ctx.Done():
			return &WatchResult{Deployment: current}, fmt.Errorf("waiting for deployment of %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// JobHistory is what Rollback needs from Nomad.
type JobHistory interface {
	GetJob(ctx context.Context, jobID string) (*JobInfo, error)
	JobVersions(ctx context.Context, jobID string) ([]*JobInfo, error)
	RevertJob(ctx context.Context, jobID string, version uint64, enforcePrior *uint64) (*RegisterResponse, error)
}

// RollbackResult describes a submitted revert.
type RollbackResult struct {
	FromVersion uint64
	ToVersion   uint64
	Image       string
	Register    *RegisterResponse
}

// Rollback reverts jobID to version, or when version is nil to the newest
// stable version older than the current one.
func Rollback(ctx context.Context, api JobHistory, jobID string, version *uint64) (*RollbackResult, error) {
	current, err := api.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	versions, err := api.JobVersions(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var target *JobInfo
	if version != nil {
		for _, v := range versions {
			if v.Version == *version {
				target = v
				break
			}
		}
		if target == nil {
			return nil, fmt.Errorf("job %s has no version %d", jobID, *version)
		}
		if target.Version == current.Version {
			return nil, fmt.Errorf("job %s is already at version %d", jobID, *version)
		}
	} else {
		target = newestStableBefore(versions, current.Version)
		if target == nil {
			return nil, fmt.Errorf("%w: job %s at version %d", ErrNoStableVersion, jobID, current.Version)
		}
	}

	from := current.Version
	resp, err := api.RevertJob(ctx, jobID, target.Version, &from)
	if err != nil {
		return nil, err
	}
	return &RollbackResult{
		FromVersion: from,
		ToVersion:   target.Version,
		Image:       target.Image(),
		Register:    resp,
	}, nil
}

func newestStableBefore(versions []*JobInfo, current uint64) *JobInfo {
	var best *JobInfo
	for _, v := range versions {
		if !v.Stable || v.Version >= current {
			continue
		}
		if best == nil || v.Version > best.Version {
			best = v
		}
	}
	return best
}
