package importapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-sync/internal/apperror"
	"github.com/ChuLiYu/beaver-sync/internal/clock"
	"github.com/ChuLiYu/beaver-sync/internal/retry"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jobsPath = "/v2beta1/organizations/org-1/projects/proj-1/import/jobs"

type fakeTokens struct {
	mu          sync.Mutex
	token       string
	invalidated int
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeTokens) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	f.token = "fresh-token"
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *fakeTokens, *clock.Fake) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tokens := &fakeTokens{token: "test-token"}
	clk := clock.NewFake(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	c, err := NewClient(Config{
		BaseURL:        srv.URL + "/v2beta1",
		OrganizationID: "org-1",
		ProjectID:      "proj-1",
		Clock:          clk,
		Retry:          retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2},
	}, tokens)
	require.NoError(t, err)
	return c, tokens, clk
}

func writeJob(w http.ResponseWriter, id, state string, exit map[string]string) {
	info := map[string]interface{}{
		"state":            state,
		"submitted_time":   "2024-06-01T00:00:00Z",
		"last_update_time": "2024-06-01T00:05:00Z",
	}
	if exit != nil {
		info["exit_status"] = exit
		info["completion_time"] = "2024-06-01T00:10:00Z"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data": map[string]interface{}{
			"id":              id,
			"import_model_id": "model-1",
			"aura_db_id":      "db-1",
			"info":            info,
		},
	})
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "http://x"}, &fakeTokens{})
	assert.ErrorIs(t, err, ErrMissingProject)
}

func TestCreateJob(t *testing.T) {
	var gotBody map[string]interface{}
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, jobsPath, r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &gotBody))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"job-123"}}`))
	})

	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	id, err := c.CreateJob(context.Background(), CreateJobRequest{
		TemplateID:       "model-1",
		TargetResourceID: "db-1",
		Window:           &types.Window{From: from, To: to},
	})

	require.NoError(t, err)
	assert.Equal(t, types.JobID("job-123"), id)
	assert.Equal(t, "model-1", gotBody["importModelId"])
	assert.Equal(t, map[string]interface{}{"dbId": "db-1"}, gotBody["auraCredentials"])
	assert.Equal(t, map[string]interface{}{"from": "2024-05-01T00:00:00Z", "to": "2024-06-01T00:00:00Z"}, gotBody["filter"])
}

func TestCreateJobWithoutWindowOmitsFilter(t *testing.T) {
	var gotBody map[string]interface{}
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &gotBody))
		_, _ = w.Write([]byte(`{"data":{"id":"job-1"}}`))
	})

	_, err := c.CreateJob(context.Background(), CreateJobRequest{TemplateID: "m", TargetResourceID: "db"})
	require.NoError(t, err)
	_, hasFilter := gotBody["filter"]
	assert.False(t, hasFilter)
}

func TestCreateJobRequiresIDs(t *testing.T) {
	var hits atomic.Int32
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { hits.Add(1) })

	_, err := c.CreateJob(context.Background(), CreateJobRequest{TemplateID: "m"})
	assert.True(t, apperror.Is(err, apperror.Validation))
	assert.Equal(t, int32(0), hits.Load())
}

func TestCreateJobConflict(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"409", http.StatusConflict, `{"message":"conflict"}`},
		{"400 naming running job", http.StatusBadRequest, `{"errors":[{"message":"An import job is already running for this database"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.CreateJob(context.Background(), CreateJobRequest{TemplateID: "m", TargetResourceID: "db-1"})
			require.Error(t, err)
			assert.True(t, apperror.Is(err, apperror.Conflict))
			assert.Equal(t, int32(1), hits.Load(), "conflicts are not retried by the client")

			var ae *apperror.Error
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, "db-1", ae.ResourceID)
		})
	}
}

func TestCreateJobValidationNotRetried(t *testing.T) {
	var hits atomic.Int32
	c, _, clk := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"unknown importModelId"}`))
	})

	_, err := c.CreateJob(context.Background(), CreateJobRequest{TemplateID: "bad", TargetResourceID: "db-1"})
	assert.True(t, apperror.Is(err, apperror.Validation))
	assert.Contains(t, err.Error(), "unknown importModelId")
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, clk.Sleeps())
}

func TestTransientErrorsRetriedWithBackoff(t *testing.T) {
	var hits atomic.Int32
	c, _, clk := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJob(w, "job-1", "Running", nil)
	})

	job, err := c.GetJob(context.Background(), "job-1", false)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, job.State)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clk.Sleeps())
}

func TestTransientErrorsExhausted(t *testing.T) {
	var hits atomic.Int32
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.GetJob(context.Background(), "job-1", false)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.Transient))
	assert.Equal(t, int32(3), hits.Load())

	var exhausted *retry.ExhaustedError
	assert.ErrorAs(t, err, &exhausted)
}

func TestUnauthorizedRefreshesTokenOnce(t *testing.T) {
	var hits atomic.Int32
	c, tokens, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJob(w, "job-1", "Pending", nil)
	})

	job, err := c.GetJob(context.Background(), "job-1", false)
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, job.State)
	assert.Equal(t, 1, tokens.invalidated)
	assert.Equal(t, int32(2), hits.Load())
}

func TestUnauthorizedTwiceIsAuthError(t *testing.T) {
	var hits atomic.Int32
	c, tokens, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.GetJob(context.Background(), "job-1", false)
	assert.True(t, apperror.Is(err, apperror.Auth))
	assert.Equal(t, 1, tokens.invalidated)
	assert.Equal(t, int32(2), hits.Load())
}

func TestGetJobNotFound(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"job not found"}`))
	})

	_, err := c.GetJob(context.Background(), "missing", false)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.NotFound))

	var ae *apperror.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "missing", ae.JobID)
}

func TestGetJobWithProgress(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, jobsPath+"/job-9", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("progress"))
		_, _ = w.Write([]byte(`{"data":{"id":"job-9","import_model_id":"model-1","aura_db_id":"db-1","info":{
			"state":"Running","submitted_time":"2024-06-01T00:00:00Z",
			"progress":{"percentage_complete":42.5,
				"nodes":[{"labels":["Person"],"processed_rows":10,"total_rows":20,"created_nodes":8}],
				"relationships":[{"type":"KNOWS","processed_rows":3,"total_rows":9,"created_relationships":2}]}}}}`))
	})

	job, err := c.GetJob(context.Background(), "job-9", true)
	require.NoError(t, err)
	require.NotNil(t, job.Progress)
	assert.Equal(t, 42.5, job.Progress.PercentageComplete)
	assert.Equal(t, []types.NodeProgress{{Labels: []string{"Person"}, ProcessedRows: 10, TotalRows: 20, Created: 8}}, job.Progress.Nodes)
	assert.Equal(t, []types.RelationshipProgress{{Type: "KNOWS", ProcessedRows: 3, TotalRows: 9, Created: 2}}, job.Progress.Relationships)
	assert.Equal(t, "model-1", job.TemplateID)
	assert.Equal(t, "db-1", job.TargetResourceID)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), job.SubmittedAt)
}

func TestGetJobFailureIsData(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJob(w, "job-1", "Failed", map[string]string{"state": "Failure", "message": "constraint violation"})
	})

	job, err := c.GetJob(context.Background(), "job-1", true)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, job.State)
	require.NotNil(t, job.Exit)
	assert.Equal(t, types.ExitFailure, job.Exit.Status)
	assert.Equal(t, "constraint violation", job.ExitMessage())
	assert.False(t, job.Succeeded())
	require.NotNil(t, job.CompletedAt)
}

func TestGetJobCompletedSuccess(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJob(w, "job-1", "Completed", map[string]string{"state": "Success"})
	})

	job, err := c.GetJob(context.Background(), "job-1", false)
	require.NoError(t, err)
	assert.True(t, job.Succeeded())
}

func TestGetJobUnknownState(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJob(w, "job-1", "Exploded", nil)
	})

	_, err := c.GetJob(context.Background(), "job-1", false)
	assert.True(t, apperror.Is(err, apperror.Internal))
}

func TestCancelJob(t *testing.T) {
	var cancelled atomic.Bool
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			writeJob(w, "job-1", "Running", nil)
		case r.Method == http.MethodPost && r.URL.Path == jobsPath+"/job-1/cancellation":
			cancelled.Store(true)
			w.WriteHeader(http.StatusAccepted)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	require.NoError(t, c.CancelJob(context.Background(), "job-1"))
	assert.True(t, cancelled.Load())
}

func TestCancelTerminalJobIsNoop(t *testing.T) {
	for _, state := range []string{"Completed", "Cancelled", "Failed"} {
		t.Run(state, func(t *testing.T) {
			var posts atomic.Int32
			c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost {
					posts.Add(1)
				}
				writeJob(w, "job-1", state, map[string]string{"state": "Success"})
			})

			require.NoError(t, c.CancelJob(context.Background(), "job-1"))
			assert.Equal(t, int32(0), posts.Load())
		})
	}
}

func TestCancelRaceWithCompletion(t *testing.T) {
	var gets atomic.Int32
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusConflict)
			return
		}
		if gets.Add(1) == 1 {
			writeJob(w, "job-1", "Running", nil)
			return
		}
		writeJob(w, "job-1", "Completed", map[string]string{"state": "Success"})
	})

	assert.NoError(t, c.CancelJob(context.Background(), "job-1"))
	assert.Equal(t, int32(2), gets.Load())
}

func TestCancelUnknownJob(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := c.CancelJob(context.Background(), "nope")
	assert.True(t, apperror.Is(err, apperror.NotFound))
}

func TestListJobsUnsupported(t *testing.T) {
	var hits atomic.Int32
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { hits.Add(1) })

	jobs, err := c.ListJobs(context.Background())
	assert.Nil(t, jobs)
	assert.True(t, apperror.Is(err, apperror.Unsupported))
	assert.Equal(t, int32(0), hits.Load())
}

func TestRateLimiterPacesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJob(w, "job-1", "Running", nil)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		BaseURL:           srv.URL,
		OrganizationID:    "org-1",
		ProjectID:         "proj-1",
		RequestsPerSecond: 20,
		Burst:             1,
	}, &fakeTokens{token: "t"})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.GetJob(context.Background(), "job-1", false)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestContextCancelledStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		cancel()
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.GetJob(ctx, "job-1", false)
	assert.ErrorIs(t, err, context.Canceled)
}
