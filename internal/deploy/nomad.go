package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mailtriage/email-agent/pkg/logging"
	"github.com/mailtriage/email-agent/pkg/retry"
)

// ErrJobNotFound is returned for an unknown job id.
var ErrJobNotFound = errors.New("job not found")

// APIError is a non-2xx answer from Nomad.
type APIError struct {
	Code int
	Body string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("nomad API error (status %d): %s", e.Code, e.Body)
}

// StatusCode lets retry.IsRetryable classify the error.
func (e *APIError) StatusCode() int { return e.Code }

// RegisterResponse is returned by job registration and revert.
type RegisterResponse struct {
	EvalID         string `json:"EvalID"`
	JobModifyIndex uint64 `json:"JobModifyIndex"`
	Warnings       string `json:"Warnings"`
}

// JobInfo is the current state of a registered job.
type JobInfo struct {
	ID             string            `json:"ID"`
	Status         string            `json:"Status"`
	Version        uint64            `json:"Version"`
	Stable         bool              `json:"Stable"`
	Stop           bool              `json:"Stop"`
	SubmitTime     int64             `json:"SubmitTime"`
	JobModifyIndex uint64            `json:"JobModifyIndex"`
	Meta           map[string]string `json:"Meta"`
}

// Image is the image recorded in the job's meta block.
func (j *JobInfo) Image() string { return j.Meta["image"] }

// Submitted is the submit time as a time.Time.
func (j *JobInfo) Submitted() time.Time { return time.Unix(0, j.SubmitTime) }

// Deployment is a rollout of one job version.
type Deployment struct {
	ID                string                      `json:"ID"`
	JobID             string                      `json:"JobID"`
	JobVersion        uint64                      `json:"JobVersion"`
	JobModifyIndex    uint64                      `json:"JobModifyIndex"`
	Status            DeploymentStatus            `json:"Status"`
	StatusDescription string                      `json:"StatusDescription"`
	TaskGroups        map[string]*DeploymentState `json:"TaskGroups"`
}

// DeploymentState is per-group rollout progress.
type DeploymentState struct {
	DesiredTotal    int `json:"DesiredTotal"`
	PlacedAllocs    int `json:"PlacedAllocs"`
	HealthyAllocs   int `json:"HealthyAllocs"`
	UnhealthyAllocs int `json:"UnhealthyAllocs"`
}

// Healthy sums healthy allocations across groups.
func (d *Deployment) Healthy() (healthy, desired int) {
	for _, tg := range d.TaskGroups {
		healthy += tg.HealthyAllocs
		desired += tg.DesiredTotal
	}
	return healthy, desired
}

// NomadOptions configure a NomadClient.
type NomadOptions struct {
	Address    string
	Token      string
	Namespace  string
	Region     string
	HTTPClient *http.Client
	Retry      retry.Config
	Logger     *logging.Logger
}

// NomadClient is a minimal Nomad HTTP API client.
type NomadClient struct {
	addr      string
	token     string
	namespace string
	region    string
	http      *http.Client
	retry     retry.Config
	logger    *logging.Logger
}

// NewNomadClient returns a client for the cluster at opts.Address.
func NewNomadClient(opts NomadOptions) *NomadClient {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.Config{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, Multiplier: 2}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &NomadClient{
		addr:      strings.TrimRight(opts.Address, "/"),
		token:     opts.Token,
		namespace: opts.Namespace,
		region:    opts.Region,
		http:      opts.HTTPClient,
		retry:     opts.Retry,
		logger:    opts.Logger.Named("nomad"),
	}
}

// NewNomadClientFromConfig builds a client from deploy.yaml settings.
func NewNomadClientFromConfig(c NomadConfig, logger *logging.Logger) *NomadClient {
	return NewNomadClient(NomadOptions{
		Address:   c.Address,
		Token:     c.Token,
		Namespace: c.Namespace,
		Region:    c.Region,
		Logger:    logger,
	})
}

func (c *NomadClient) endpoint(path string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	if c.namespace != "" {
		params.Set("namespace", c.namespace)
	}
	if c.region != "" {
		params.Set("region", c.region)
	}
	u := c.addr + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// do sends one request. Reads are retried on 429, 5xx and network errors;
// writes are sent once.
func (c *NomadClient) do(ctx context.Context, method, rawURL string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	cfg := c.retry
	if method != http.MethodGet {
		cfg.MaxAttempts = 1
	}

	err := retry.Do(ctx, cfg, func(attempt int) error {
		err := c.once(ctx, method, rawURL, payload, out)
		if err != nil && !retry.IsRetryable(err) {
			return retry.Permanent(err)
		}
		if err != nil {
			c.logger.Warn("nomad.request_retry", map[string]interface{}{
				"method":  method,
				"attempt": attempt,
				"error":   err.Error(),
			})
		}
		return err
	})
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Err
	}
	return err
}

func (c *NomadClient) once(ctx context.Context, method, rawURL string, payload []byte, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("X-Nomad-Token", c.token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1000))
		return &APIError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func notFound(err error, jobID string) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return err
}

// RegisterJob submits job, creating a new version when it changed.
func (c *NomadClient) RegisterJob(ctx context.Context, job *Job) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint("/v1/jobs", nil), map[string]interface{}{"Job": job}, &resp); err != nil {
		return nil, fmt.Errorf("register job %s: %w", job.ID, err)
	}
	c.logger.Info("nomad.job_registered", map[string]interface{}{
		"job_id":           job.ID,
		"eval_id":          resp.EvalID,
		"job_modify_index": resp.JobModifyIndex,
	})
	return &resp, nil
}

// GetJob returns the job's current version and status.
func (c *NomadClient) GetJob(ctx context.Context, jobID string) (*JobInfo, error) {
	var job JobInfo
	if err := c.do(ctx, http.MethodGet, c.endpoint("/v1/job/"+url.PathEscape(jobID), nil), nil, &job); err != nil {
		return nil, notFound(err, jobID)
	}
	return &job, nil
}

// JobVersions lists the job's versions, newest first.
func (c *NomadClient) JobVersions(ctx context.Context, jobID string) ([]*JobInfo, error) {
	var resp struct {
		Versions []*JobInfo `json:"Versions"`
	}
	if err := c.do(ctx, http.MethodGet, c.endpoint("/v1/job/"+url.PathEscape(jobID)+"/versions", nil), nil, &resp); err != nil {
		return nil, notFound(err, jobID)
	}
	return resp.Versions, nil
}

// RevertJob rolls the job back to version. When enforcePrior is set the
// revert only happens if the job is still at that version.
func (c *NomadClient) RevertJob(ctx context.Context, jobID string, version uint64, enforcePrior *uint64) (*RegisterResponse, error) {
	body := map[string]interface{}{
		"JobID":      jobID,
		"JobVersion": version,
	}
	if enforcePrior != nil {
		body["EnforcePriorVersion"] = *enforcePrior
	}
	var resp RegisterResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint("/v1/job/"+url.PathEscape(jobID)+"/revert", nil), body, &resp); err != nil {
		return nil, notFound(err, jobID)
	}
	c.logger.Info("nomad.job_reverted", map[string]interface{}{
		"job_id":      jobID,
		"job_version": version,
		"eval_id":     resp.EvalID,
	})
	return &resp, nil
}

// LatestDeployment returns the job's most recent deployment, or nil when it
// has none.
func (c *NomadClient) LatestDeployment(ctx context.Context, jobID string) (*Deployment, error) {
	var d *Deployment
	if err := c.do(ctx, http.MethodGet, c.endpoint("/v1/job/"+url.PathEscape(jobID)+"/deployment", nil), nil, &d); err != nil {
		return nil, notFound(err, jobID)
	}
	return d, nil
}

// StopJob deregisters the job; purge also removes its history.
func (c *NomadClient) StopJob(ctx context.Context, jobID string, purge bool) (string, error) {
	params := url.Values{}
	if purge {
		params.Set("purge", "true")
	}
	var resp struct {
		EvalID string `json:"EvalID"`
	}
	if err := c.do(ctx, http.MethodDelete, c.endpoint("/v1/job/"+url.PathEscape(jobID), params), nil, &resp); err != nil {
		return "", notFound(err, jobID)
	}
	c.logger.Info("nomad.job_stopped", map[string]interface{}{"job_id": jobID, "purge": purge})
	return resp.EvalID, nil
}
