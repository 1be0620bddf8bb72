package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bulkops/internal/domain"
	"bulkops/internal/ports"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var ErrUnsupportedDSN = errors.New("unsupported archive dsn")

var _ ports.Archive = (*Store)(nil)

// TaskHistory is one terminal task. Rows are upserted by id and never deleted.
type TaskHistory struct {
	ID             string `gorm:"primaryKey;size:64"`
	UserID         string `gorm:"index:idx_history_user_project;size:128;not null"`
	ProjectID      string `gorm:"index:idx_history_user_project;size:128"`
	Kind           string `gorm:"size:32;not null"`
	Status         string `gorm:"size:16;not null"`
	Progress       int
	ProcessedItems int64
	TotalItems     int64
	CurrentStep    string
	Params         string `gorm:"type:text"`
	Result         string `gorm:"type:text"`
	Error          string `gorm:"type:text"`
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time `gorm:"index"`
	ArchivedAt     time.Time
}

func (TaskHistory) TableName() string { return "task_history" }

type Store struct {
	db *gorm.DB
}

// Open connects to sqlite://<path> or postgres:// DSNs and migrates the schema.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create archive directory: %w", err)
			}
		}
		dialector = sqlite.Open(path)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDSN, dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to archive: %w", err)
	}
	if err := db.AutoMigrate(&TaskHistory{}); err != nil {
		return nil, fmt.Errorf("failed to migrate archive: %w", err)
	}
	log.Info().Str("dialect", dialector.Name()).Msg("task archive ready")
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Record(ctx context.Context, t domain.Task) error {
	if !t.Status.Terminal() {
		return fmt.Errorf("archive: task %s is %s, not terminal", t.ID, t.Status)
	}
	row := fromTask(t)
	row.ArchivedAt = time.Now().UTC()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

// List returns archived tasks for userID, most recently completed first.
// An empty projectID matches every project.
func (s *Store) List(ctx context.Context, userID, projectID string, limit int) ([]domain.Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}

	var rows []TaskHistory
	if err := q.Order("completed_at DESC").Order("id").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Task, len(rows))
	for i, r := range rows {
		out[i] = r.toTask()
	}
	return out, nil
}

func fromTask(t domain.Task) TaskHistory {
	return TaskHistory{
		ID:             t.ID,
		UserID:         t.UserID,
		ProjectID:      t.ProjectID,
		Kind:           string(t.Kind),
		Status:         string(t.Status),
		Progress:       t.Progress,
		ProcessedItems: t.ProcessedItems,
		TotalItems:     t.TotalItems,
		CurrentStep:    t.CurrentStep,
		Params:         string(t.Params),
		Result:         string(t.Result),
		Error:          t.Error,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
	}
}

func (r TaskHistory) toTask() domain.Task {
	t := domain.Task{
		ID:             r.ID,
		UserID:         r.UserID,
		ProjectID:      r.ProjectID,
		Kind:           domain.Kind(r.Kind),
		Status:         domain.TaskStatus(r.Status),
		Progress:       r.Progress,
		ProcessedItems: r.ProcessedItems,
		TotalItems:     r.TotalItems,
		CurrentStep:    r.CurrentStep,
		Error:          r.Error,
		CreatedAt:      r.CreatedAt.UTC(),
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
	}
	if r.Params != "" {
		t.Params = json.RawMessage(r.Params)
	}
	if r.Result != "" {
		t.Result = json.RawMessage(r.Result)
	}
	return t
}
