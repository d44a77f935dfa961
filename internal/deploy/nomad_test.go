package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailtriage/email-agent/pkg/retry"
)

func newTestNomad(t *testing.T, handler http.HandlerFunc) *NomadClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewNomadClient(NomadOptions{
		Address:   srv.URL + "/",
		Token:     "tok",
		Namespace: "apps",
		Retry:     retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
	})
}

func TestNomadRegisterJob(t *testing.T) {
	client := newTestNomad(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/jobs", r.URL.Path)
		assert.Equal(t, "apps", r.URL.Query().Get("namespace"))
		assert.Equal(t, "tok", r.Header.Get("X-Nomad-Token"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			Job Job `json:"Job"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "email-agent", body.Job.ID)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{"EvalID": "eval-1", "JobModifyIndex": 42})
	})

	resp, err := client.RegisterJob(context.Background(), &Job{ID: "email-agent"})
	require.NoError(t, err)
	assert.Equal(t, "eval-1", resp.EvalID)
	assert.Equal(t, uint64(42), resp.JobModifyIndex)
}

func TestNomadWritesAreNotRetried(t *testing.T) {
	var calls int32
	client := newTestNomad(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "leader election", http.StatusServiceUnavailable)
	})

	_, err := client.RegisterJob(context.Background(), &Job{ID: "email-agent"})
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNomadReadsAreRetried(t *testing.T) {
	var calls int32
	client := newTestNomad(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(JobInfo{ID: "email-agent", Version: 7, Stable: true, Meta: map[string]string{"image": "img:7"}})
	})

	job, err := client.GetJob(context.Background(), "email-agent")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), job.Version)
	assert.Equal(t, "img:7", job.Image())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestNomadNotFound(t *testing.T) {
	var calls int32
	client := newTestNomad(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "job not found", http.StatusNotFound)
	})

	_, err := client.GetJob(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = client.JobVersions(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = client.StopJob(context.Background(), "ghost", false)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "404 is not retried")
}

func TestNomadVersionsRevertDeploymentStop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/job/email-agent/versions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"Versions": []JobInfo{{Version: 3}, {Version: 2, Stable: true}},
		})
	})
	mux.HandleFunc("/v1/job/email-agent/revert", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "email-agent", body["JobID"])
		assert.Equal(t, float64(2), body["JobVersion"])
		assert.Equal(t, float64(3), body["EnforcePriorVersion"])
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"EvalID": "eval-r", "JobModifyIndex": 50})
	})
	mux.HandleFunc("/v1/job/email-agent/deployment", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("null"))
	})
	mux.HandleFunc("/v1/job/email-agent", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "true", r.URL.Query().Get("purge"))
		_ = json.NewEncoder(w).Encode(map[string]string{"EvalID": "eval-s"})
	})
	client := newTestNomad(t, mux.ServeHTTP)
	ctx := context.Background()

	versions, err := client.JobVersions(ctx, "email-agent")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.True(t, versions[1].Stable)

	prior := uint64(3)
	resp, err := client.RevertJob(ctx, "email-agent", 2, &prior)
	require.NoError(t, err)
	assert.Equal(t, "eval-r", resp.EvalID)

	d, err := client.LatestDeployment(ctx, "email-agent")
	require.NoError(t, err)
	assert.Nil(t, d)

	evalID, err := client.StopJob(ctx, "email-agent", true)
	require.NoError(t, err)
	assert.Equal(t, "eval-s", evalID)
}

func TestDeploymentHealthy(t *testing.T) {
	d := &Deployment{TaskGroups: map[string]*DeploymentState{
		"app":    {DesiredTotal: 2, HealthyAllocs: 1},
		"worker": {DesiredTotal: 1, HealthyAllocs: 1},
	}}
	healthy, desired := d.Healthy()
	assert.Equal(t, 2, healthy)
	assert.Equal(t, 3, desired)
}
