package deploy

import (
	"context"
	"fmt"

	"github.com/mailtriage/email-agent/pkg/logging"
)

// JobAPI is the Nomad surface the pipeline drives.
type JobAPI interface {
	DeploymentSource
	JobHistory
	RegisterJob(ctx context.Context, job *Job) (*RegisterResponse, error)
}

// Pipeline submits, watches and records deployments.
type Pipeline struct {
	Config  *Config
	Nomad   JobAPI
	Watcher *Watcher
	History *History
	Logger  *logging.Logger
}

// DeployResult is what a deploy submitted and how it ended.
type DeployResult struct {
	Environment string
	Job         string
	Image       string
	Register    *RegisterResponse
	Watch       *WatchResult
}

// Deploy renders the job for envName with image and secrets, submits it and,
// when wait is set, follows the deployment to the end. The history entry is
// written before submission and finished afterwards.
func (p *Pipeline) Deploy(ctx context.Context, envName, image string, secrets map[string]string, wait bool) (*DeployResult, error) {
	log := p.logger()
	env, err := p.Config.Environment(envName)
	if err != nil {
		return nil, err
	}
	job, err := p.Config.Render(env, image, secrets)
	if err != nil {
		return nil, err
	}

	entryID, err := p.record(ctx, Entry{Environment: env.Name, Job: job.ID, Image: image, Action: ActionDeploy})
	if err != nil {
		return nil, err
	}

	reg, err := p.Nomad.RegisterJob(ctx, job)
	if err != nil {
		p.finish(ctx, entryID, string(StatusFailed), nil)
		return nil, err
	}
	res := &DeployResult{Environment: env.Name, Job: job.ID, Image: image, Register: reg}
	log.Info("deploy.submitted", map[string]interface{}{
		"environment": env.Name,
		"job_id":      job.ID,
		"image":       image,
		"eval_id":     reg.EvalID,
	})

	if !wait || p.Watcher == nil {
		p.finish(ctx, entryID, StatusSubmitted, nil)
		return res, nil
	}

	res.Watch, err = p.Watcher.Wait(ctx, job.ID, reg.JobModifyIndex)
	status := "timeout"
	var version *uint64
	if d := res.Watch.Deployment; d != nil {
		v := d.JobVersion
		version = &v
		if d.Status.IsTerminal() {
			status = string(d.Status)
		}
		if res.Watch.RolledBack {
			status = "rolled_back"
		}
	}
	p.finish(context.WithoutCancel(ctx), entryID, status, version)
	return res, err
}

// Rollback reverts envName to version (or the last stable one) and records it.
func (p *Pipeline) Rollback(ctx context.Context, envName string, version *uint64) (*RollbackResult, error) {
	env, err := p.Config.Environment(envName)
	if err != nil {
		return nil, err
	}

	res, err := Rollback(ctx, p.Nomad, env.Job, version)
	if err != nil {
		return nil, err
	}
	to := res.ToVersion
	if _, err := p.record(ctx, Entry{
		Environment: env.Name,
		Job:         env.Job,
		Image:       res.Image,
		JobVersion:  &to,
		EvalID:      res.Register.EvalID,
		Action:      ActionRollback,
	}); err != nil {
		p.logger().Warn("history.record_failed", map[string]interface{}{"error": err.Error()})
	}
	p.logger().Info("deploy.rollback_submitted", map[string]interface{}{
		"environment":  env.Name,
		"job_id":       env.Job,
		"from_version": res.FromVersion,
		"to_version":   res.ToVersion,
	})
	return res, nil
}

func (p *Pipeline) logger() *logging.Logger {
	if p.Logger == nil {
		return logging.Nop()
	}
	return p.Logger
}

func (p *Pipeline) record(ctx context.Context, e Entry) (int64, error) {
	if p.History == nil {
		return 0, nil
	}
	id, err := p.History.Record(ctx, e)
	if err != nil {
		return 0, fmt.Errorf("history: %w", err)
	}
	return id, nil
}

func (p *Pipeline) finish(ctx context.Context, id int64, status string, version *uint64) {
	if p.History == nil || id == 0 {
		return
	}
	if err := p.History.Finish(ctx, id, status, version); err != nil {
		p.logger().Warn("history.finish_failed", map[string]interface{}{"id": id, "error": err.Error()})
	}
}
