package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/regenrek/moltlets/internal/errors"
	"github.com/regenrek/moltlets/pkg/jobqueue"
)

func newTestServer(t *testing.T) (*Server, *jobqueue.Queue) {
	t.Helper()
	q, err := jobqueue.Open(context.Background(), jobqueue.Config{Path: filepath.Join(t.TempDir(), "queue.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return New("127.0.0.1", 0, q, "test", zap.NewNop()), q
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func enqueueBody(kind, payload string) string {
	return `{"protocolVersion":1,"requester":"alice","kind":"` + kind + `","payload":` + payload + `}`
}

func TestHealthAndVersion(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/version", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test")
}

func TestEnqueueGetCancelFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/jobs/enqueue", enqueueBody("cattle.reap", `{"dryRun":true}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var enq struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enq))
	require.NotEmpty(t, enq.JobID)

	rec = doJSON(t, h, http.MethodGet, "/v1/jobs/"+enq.JobID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Job jobqueue.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, enq.JobID, got.Job.ID)
	assert.Equal(t, jobqueue.StatusQueued, got.Job.Status)
	assert.Equal(t, "alice", got.Job.Requester)

	// Cancel succeeds while queued.
	rec = doJSON(t, h, http.MethodPost, "/v1/jobs/"+enq.JobID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"canceled":true`)

	// Canceling again conflicts.
	rec = doJSON(t, h, http.MethodPost, "/v1/jobs/"+enq.JobID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	var envelope apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, apperrors.CodeConflict, envelope.Error.Code)
}

func TestCancelClaimedJobConflicts(t *testing.T) {
	srv, q := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/jobs/enqueue", enqueueBody("cattle.reap", `{"dryRun":true}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var enq struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enq))

	_, err := q.ClaimNext(context.Background(), "worker-a", time.Minute)
	require.NoError(t, err)

	rec = doJSON(t, h, http.MethodPost, "/v1/jobs/"+enq.JobID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEnqueueValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{not json`},
		{"unknown kind", enqueueBody("cattle.stampede", `{}`)},
		{"bad spawn payload", enqueueBody("cattle.spawn", `{"task":"no persona"}`)},
		{"missing requester", `{"protocolVersion":1,"kind":"cattle.reap","payload":{"dryRun":true}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/v1/jobs/enqueue", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			var envelope apperrors.HTTPErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
			assert.Equal(t, apperrors.CodeValidation, envelope.Error.Code)
			assert.NotEmpty(t, envelope.Error.Message)
		})
	}
}

func TestEnqueueMalformedRunAtIsImmediate(t *testing.T) {
	srv, q := newTestServer(t)
	h := srv.Handler()

	body := `{"protocolVersion":1,"requester":"alice","kind":"cattle.reap","payload":{"dryRun":true},"runAt":"next tuesday"}`
	rec := doJSON(t, h, http.MethodPost, "/v1/jobs/enqueue", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	job, err := q.ClaimNext(context.Background(), "worker-a", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, job, "a malformed runAt must not delay the job")
}

func TestListJobs(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/jobs/enqueue", enqueueBody("cattle.reap", `{"dryRun":true}`))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/v1/jobs/enqueue", enqueueBody("cattle.spawn", `{"persona":"claude-dev","task":"x"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Jobs []jobqueue.Job `json:"jobs"`
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/jobs/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Jobs, 2)

	rec = doJSON(t, h, http.MethodGet, "/v1/jobs/?kind=cattle.spawn", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, "cattle.spawn", list.Jobs[0].Kind)

	// Unknown status values are ignored, not rejected.
	rec = doJSON(t, h, http.MethodGet, "/v1/jobs/?status=queued,bogus", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Jobs, 2)
}

func TestListJobsEmptyIsArray(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/jobs/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"jobs":[]`)
}

func TestNotFoundEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	t.Run("unknown route", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/nope", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
		var envelope apperrors.HTTPErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
		assert.Equal(t, apperrors.CodeNotFound, envelope.Error.Code)
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/v1/jobs/no-such-id", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodDelete, "/v1/jobs/enqueue", "")
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		var envelope apperrors.HTTPErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
		assert.Equal(t, apperrors.CodeMethodNotAllowed, envelope.Error.Code)
	})
}

func TestServerPort(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.Equal(t, 0, srv.Port())
}

func TestRequestIDEcho(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}
