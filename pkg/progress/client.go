package progress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrTaskNotFound   = errors.New("task not found")
	ErrUnauthorized   = errors.New("unauthorized")
)

// API is the server surface the Controller needs.
type API interface {
	CreateTask(ctx context.Context, req CreateRequest) (string, error)
	GetTaskProgress(ctx context.Context, taskID string) (Snapshot, error)
	CancelTask(ctx context.Context, taskID string) (CancelResult, error)
}

type CreateRequest struct {
	Kind      string `json:"kind"`
	ProjectID string `json:"project_id,omitempty"`
	Params    any    `json:"params,omitempty"`
}

// CancelResult reports whether the cancel request was taken, not how the
// task ends. Status is the task status the server saw.
type CancelResult struct {
	TaskID          string `json:"task_id"`
	Status          Status `json:"status"`
	CancelRequested bool   `json:"cancel_requested"`
}

type envelope[T any] struct {
	Data  T         `json:"data"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client talks to the task HTTP API as one user.
type Client struct {
	r *resty.Client
}

var _ API = (*Client)(nil)

func NewClient(baseURL, userID string) *Client {
	r := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("X-User-ID", userID).
		SetHeader("Accept", "application/json").
		SetJSONUnmarshaler(sonic.Unmarshal).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(retryable)
	return &Client{r: r}
}

// retryable retries throttling everywhere, and server errors only where a
// repeat is harmless: reads and cancels, never task creation.
func retryable(resp *resty.Response, err error) bool {
	if resp == nil {
		return false
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return true
	}
	if resp.Request != nil && resp.Request.Method == http.MethodPost && !strings.HasSuffix(resp.Request.URL, "/cancel") {
		return false
	}
	return err != nil || resp.StatusCode() >= http.StatusInternalServerError
}

func (c *Client) CreateTask(ctx context.Context, req CreateRequest) (string, error) {
	var ok envelope[struct {
		TaskID string `json:"task_id"`
	}]
	var fail envelope[struct{}]
	resp, err := c.r.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&ok).
		SetError(&fail).
		Post("/api/v1/tasks")
	if err := check(resp, err, fail.Error); err != nil {
		return "", err
	}
	return ok.Data.TaskID, nil
}

func (c *Client) GetTaskProgress(ctx context.Context, taskID string) (Snapshot, error) {
	var ok envelope[Snapshot]
	var fail envelope[struct{}]
	resp, err := c.r.R().
		SetContext(ctx).
		SetPathParam("id", taskID).
		SetResult(&ok).
		SetError(&fail).
		Get("/api/v1/tasks/{id}")
	if err := check(resp, err, fail.Error); err != nil {
		return Snapshot{}, err
	}
	return ok.Data, nil
}

func (c *Client) CancelTask(ctx context.Context, taskID string) (CancelResult, error) {
	var ok envelope[CancelResult]
	var fail envelope[struct{}]
	resp, err := c.r.R().
		SetContext(ctx).
		SetPathParam("id", taskID).
		SetResult(&ok).
		SetError(&fail).
		Post("/api/v1/tasks/{id}/cancel")
	if err := check(resp, err, fail.Error); err != nil {
		return CancelResult{}, err
	}
	return ok.Data, nil
}

func check(resp *resty.Response, err error, apiErr *apiError) error {
	if err != nil {
		return err
	}
	msg := resp.Status()
	if apiErr != nil && apiErr.Message != "" {
		msg = apiErr.Message
	}
	switch code := resp.StatusCode(); {
	case code < 300:
		return nil
	case code == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
	case code == http.StatusNotFound:
		return ErrTaskNotFound
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status %d: %s", code, msg)
	}
}
