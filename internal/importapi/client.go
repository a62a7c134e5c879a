// ============================================================================
// Beaver-Sync Import API Client - remote job lifecycle
// ============================================================================
//
// Package: internal/importapi
// File: client.go
// Purpose: Create, observe and cancel import jobs on the remote service.
//
// Endpoints (relative to base_url):
//   POST /organizations/{org}/projects/{project}/import/jobs
//   GET  /organizations/{org}/projects/{project}/import/jobs/{id}?progress=true
//   POST /organizations/{org}/projects/{project}/import/jobs/{id}/cancellation
//
// The service offers no collection read. Callers keep job ids themselves
// (pipeline records, CLI output); ListJobs exists only to say so.
//
// Error classification (see internal/apperror):
//   401/403        -> AUTH        (401 invalidates the token and retries once)
//   400/422        -> VALIDATION  (or CONFLICT when the message names a busy resource)
//   404            -> NOT_FOUND
//   405            -> UNSUPPORTED
//   409            -> CONFLICT    (retried by the submitter, not here)
//   429/5xx/net    -> TRANSIENT   (retried here with exponential backoff)
//
// ============================================================================

package importapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/beaver-sync/internal/apperror"
	"github.com/ChuLiYu/beaver-sync/internal/clock"
	"github.com/ChuLiYu/beaver-sync/internal/logger"
	"github.com/ChuLiYu/beaver-sync/internal/retry"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var ErrMissingProject = errors.New("base url, organization id and project id are required")

// TokenSource supplies bearer tokens. *auth.TokenManager implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Config 客戶端配置
type Config struct {
	BaseURL        string
	OrganizationID string
	ProjectID      string

	HTTPClient        *http.Client
	Clock             clock.Clock
	Retry             retry.Policy
	RequestsPerSecond float64 // 0 表示不限速
	Burst             int
	Logger            *slog.Logger
}

// Client talks to the remote import job API.
type Client struct {
	cfg     Config
	base    string
	tokens  TokenSource
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// CreateJobRequest names the template to run, the resource to run it on and
// the optional sync window handed to the template as a filter.
type CreateJobRequest struct {
	TemplateID       string
	TargetResourceID string
	Window           *types.Window
}

func NewClient(cfg Config, tokens TokenSource) (*Client, error) {
	if cfg.BaseURL == "" || cfg.OrganizationID == "" || cfg.ProjectID == "" {
		return nil, ErrMissingProject
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultTransient()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	base := fmt.Sprintf("%s/organizations/%s/projects/%s/import/jobs",
		strings.TrimRight(cfg.BaseURL, "/"),
		url.PathEscape(cfg.OrganizationID),
		url.PathEscape(cfg.ProjectID))

	return &Client{
		cfg:     cfg,
		base:    base,
		tokens:  tokens,
		http:    httpClient,
		limiter: limiter,
		log:     logger.With("component", "import_client"),
	}, nil
}

// CreateJob submits a job and returns its id. A busy target resource
// surfaces as a CONFLICT error; the caller decides whether to wait it out.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (types.JobID, error) {
	if req.TemplateID == "" || req.TargetResourceID == "" {
		return "", apperror.New(apperror.Validation, "create job", "template id and target resource id are required")
	}

	body := createJobBody{
		ImportModelID:   req.TemplateID,
		AuraCredentials: auraCredentials{DBID: req.TargetResourceID},
		Filter:          newWindowFilter(req.Window),
	}

	var out envelope[createJobData]
	if err := c.do(ctx, "create job", http.MethodPost, c.base, body, &out); err != nil {
		return "", annotate(err, "", req.TargetResourceID)
	}
	if out.Data.ID == "" {
		return "", apperror.New(apperror.Internal, "create job", "response has no job id").WithResource(req.TargetResourceID)
	}

	c.log.Info("Import job created",
		"job_id", out.Data.ID,
		"template_id", req.TemplateID,
		"resource_id", req.TargetResourceID)
	return types.JobID(out.Data.ID), nil
}

// GetJob returns the current snapshot of a job. A job that finished with
// a failure is returned as data, not as an error.
func (c *Client) GetJob(ctx context.Context, id types.JobID, includeProgress bool) (*types.Job, error) {
	if id == "" {
		return nil, apperror.New(apperror.Validation, "get job", "job id is required")
	}

	endpoint := fmt.Sprintf("%s/%s?progress=%t", c.base, url.PathEscape(string(id)), includeProgress)

	var out envelope[jobData]
	if err := c.do(ctx, "get job", http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, annotate(err, string(id), "")
	}
	if out.Data.ID == "" {
		out.Data.ID = string(id)
	}

	job, err := out.Data.toJob()
	if err != nil {
		return nil, apperror.New(apperror.Internal, "get job", err.Error()).WithJob(string(id))
	}
	return job, nil
}

// CancelJob requests cancellation. Cancelling a job that is already
// terminal, or becomes terminal while the request is in flight, is a no-op.
func (c *Client) CancelJob(ctx context.Context, id types.JobID) error {
	job, err := c.GetJob(ctx, id, false)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		c.log.Info("Job already terminal, nothing to cancel", "job_id", id, "state", job.State)
		return nil
	}

	endpoint := fmt.Sprintf("%s/%s/cancellation", c.base, url.PathEscape(string(id)))
	err = c.do(ctx, "cancel job", http.MethodPost, endpoint, nil, nil)
	if err == nil {
		c.log.Info("Job cancellation requested", "job_id", id)
		return nil
	}

	if apperror.Is(err, apperror.Conflict) || apperror.Is(err, apperror.Validation) {
		// 任務可能在請求途中結束
		if again, getErr := c.GetJob(ctx, id, false); getErr == nil && again.State.IsTerminal() {
			c.log.Info("Job finished before cancellation", "job_id", id, "state", again.State)
			return nil
		}
	}
	return annotate(err, string(id), "")
}

// ListJobs always fails: the remote service has no collection endpoint.
func (c *Client) ListJobs(ctx context.Context) ([]types.Job, error) {
	return nil, apperror.New(apperror.Unsupported, "list jobs",
		"the import service does not support listing jobs; track job ids from submit output or pipeline records")
}

// do performs one logical API call with transient retry.
func (c *Client) do(ctx context.Context, op, method, endpoint string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperror.New(apperror.Internal, op, "encode request").Wrap(err)
		}
		payload = b
	}

	return retry.Do(ctx, c.cfg.Clock, c.cfg.Retry, apperror.IsRetryable, func(ctx context.Context, attempt int) error {
		err := c.attempt(ctx, op, method, endpoint, payload, out)
		if err != nil && apperror.IsRetryable(err) {
			logger.FromContext(ctx, c.log).Warn("Request failed, retrying", "op", op, "attempt", attempt, "error", err)
		}
		return err
	})
}

// attempt sends the request, replaying it once with a fresh token on 401.
func (c *Client) attempt(ctx context.Context, op, method, endpoint string, payload []byte, out interface{}) error {
	for authRetry := 0; ; authRetry++ {
		status, respBody, err := c.send(ctx, op, method, endpoint, payload)
		if err != nil {
			return err
		}

		if status >= 200 && status < 300 {
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return apperror.New(apperror.Internal, op, "decode response").Wrap(err)
			}
			return nil
		}

		if status == http.StatusUnauthorized && authRetry == 0 {
			logger.FromContext(ctx, c.log).Debug("Token rejected, refreshing", "op", op)
			c.tokens.Invalidate()
			continue
		}
		return apperror.FromStatus(op, status, remoteMessage(respBody))
	}
}

func (c *Client) send(ctx context.Context, op, method, endpoint string, payload []byte) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, err
		}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, apperror.New(apperror.Internal, op, "build request").Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, apperror.New(apperror.Transient, op, "").Wrap(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, apperror.New(apperror.Transient, op, "read response").Wrap(err)
	}
	return resp.StatusCode, respBody, nil
}

func annotate(err error, jobID, resourceID string) error {
	var ae *apperror.Error
	if errors.As(err, &ae) {
		if jobID != "" && ae.JobID == "" {
			ae.WithJob(jobID)
		}
		if resourceID != "" && ae.ResourceID == "" {
			ae.WithResource(resourceID)
		}
	}
	return err
}
