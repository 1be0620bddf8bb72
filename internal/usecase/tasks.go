package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bulkops/internal/domain"
	"bulkops/internal/ports"

	"github.com/google/uuid"
)

var ErrArchiveDisabled = errors.New("task history is not configured")

type CreateInput struct {
	UserID    string
	ProjectID string
	Kind      string
	Params    json.RawMessage
}

type CancelOutput struct {
	TaskID          string            `json:"task_id"`
	Status          domain.TaskStatus `json:"status"`
	CancelRequested bool              `json:"cancel_requested"`
}

// TaskService is what the API calls. Workers never go through it.
type TaskService struct {
	Store   ports.TaskStore
	Enq     Enqueuer
	Bus     ports.EventBus
	Archive ports.Archive
}

// Create validates the request, then persists and enqueues a pending task.
// Invalid requests fail with domain.ErrInvalidParams before anything is stored.
func (s *TaskService) Create(ctx context.Context, in CreateInput) (string, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", domain.ErrInvalidParams)
	}
	kind, err := domain.ParseKind(strings.TrimSpace(in.Kind))
	if err != nil {
		return "", fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidParams, in.Kind)
	}
	params, err := domain.NormalizeParams(kind, in.Params)
	if err != nil {
		return "", err
	}

	t := domain.Task{
		ID:        uuid.NewString(),
		UserID:    userID,
		ProjectID: strings.TrimSpace(in.ProjectID),
		Kind:      kind,
		Status:    domain.StatusPending,
		Params:    params,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.Enq.Now(ctx, t); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return t.ID, nil
}

// Get returns the task if it exists and belongs to userID.
func (s *TaskService) Get(ctx context.Context, userID, taskID string) (*domain.Task, error) {
	t, err := s.Store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, domain.ErrTaskNotFound
	}
	return t, nil
}

// Cancel ends a pending task immediately and asks the worker to stop a
// running one. Cancelling a finished task changes nothing and reports the
// status it finished with.
func (s *TaskService) Cancel(ctx context.Context, userID, taskID string) (CancelOutput, error) {
	var t *domain.Task
	var err error
	for range 3 {
		t, err = s.Get(ctx, userID, taskID)
		if err != nil {
			return CancelOutput{}, err
		}
		out := CancelOutput{TaskID: t.ID, Status: t.Status}

		switch t.Status {
		case domain.StatusPending:
			now := time.Now().UTC()
			c := *t
			c.Status = domain.StatusCancelled
			c.Error = domain.CancelledMessage
			c.CompletedAt = &now
			ok, err := finish(ctx, s.Store, s.Bus, s.Archive, c, domain.StatusPending)
			if err != nil {
				return CancelOutput{}, err
			}
			if ok {
				out.Status, out.CancelRequested = domain.StatusCancelled, true
				return out, nil
			}
			// a worker claimed it in the meantime
		case domain.StatusInProgress:
			if err := s.Store.RequestCancel(ctx, t.ID); err != nil {
				return CancelOutput{}, err
			}
			out.CancelRequested = true
			return out, nil
		default:
			return out, nil
		}
	}
	return CancelOutput{TaskID: t.ID, Status: t.Status}, nil
}

func (s *TaskService) List(ctx context.Context, userID string, limit int) ([]domain.Task, error) {
	return s.Store.ListByUser(ctx, userID, limit)
}

func (s *TaskService) History(ctx context.Context, userID, projectID string, limit int) ([]domain.Task, error) {
	if s.Archive == nil {
		return nil, ErrArchiveDisabled
	}
	return s.Archive.List(ctx, userID, projectID, limit)
}
