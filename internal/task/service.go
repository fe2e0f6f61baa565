package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/AgentZ2077/game/internal/errors"
	"github.com/AgentZ2077/game/internal/orchestrator"
	"github.com/AgentZ2077/game/pkg/logger"
)

// Service creates run jobs and answers queries about them.
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	logger     *slog.Logger
}

// NewService builds a Service. maxRetries below one defaults to three.
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries, logger: logger.Named("task")}
}

// Submit stores a pending task and publishes it. Submitting an id that
// already exists returns the existing task.
func (s *Service) Submit(ctx context.Context, req Request) (*Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "task service not initialised")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		task, err := s.store.Get(ctx, taskID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	task := &Task{
		ID:          taskID,
		Player:      strings.TrimSpace(req.Player),
		Agents:      append([]string(nil), req.Agents...),
		Environment: orchestrator.CloneEnvironment(req.Environment),
		Status:      StatusPending,
		MaxRetries:  s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, getErr := s.store.Get(ctx, taskID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		s.logger.Error("publish task failed", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "publish task")
		_ = s.store.MarkFailed(ctx, taskID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	s.logger.Info("task queued",
		slog.String("task_id", taskID),
		slog.String("player", task.Player),
		slog.Any("agents", task.Agents),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// Get returns the task with id.
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "task store not initialised")
	}
	return s.store.Get(ctx, id)
}

// List returns the tasks matching opts.
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "task store not initialised")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats aggregates the tasks matching opts.
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "task store not initialised")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close releases the store and the producer.
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted polls the task until it succeeds or fails for good,
// or ctx ends.
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
