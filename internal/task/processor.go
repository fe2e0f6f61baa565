package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	xerrors "github.com/AgentZ2077/game/internal/errors"
	"github.com/AgentZ2077/game/internal/orchestrator"
	"github.com/AgentZ2077/game/pkg/logger"
)

// Executor performs one run.
type Executor interface {
	Execute(ctx context.Context, req Request) (*orchestrator.Report, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (*orchestrator.Report, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (*orchestrator.Report, error) {
	return f(ctx, req)
}

// Processor consumes task ids and executes the runs they describe.
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger overrides the logger.
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount sets the number of consuming workers.
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// NewProcessor builds a Processor.
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("task.processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start consumes until ctx ends or the consumer stops.
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "task consumer not configured")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "processor not initialised")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("skip task", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("claim task failed", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}

	report, execErr := p.executor.Execute(ctx, task.Request())
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, execErr)
	}

	if err := p.store.MarkSucceeded(ctx, task.ID, report); err != nil {
		p.logger.Error("record task success failed", slog.Any("error", err), slog.String("task_id", task.ID))
		return p.handleExecutionFailure(ctx, task, xerrors.Wrap(CodeTaskProcessing, err, "record report"))
	}
	attrs := []any{
		slog.String("task_id", task.ID),
		slog.String("player", task.Player),
		slog.Int("attempts", task.Attempts),
	}
	if report != nil {
		attrs = append(attrs, slog.Any("failed_agents", report.Failed()))
	}
	p.logger.Info("task succeeded", attrs...)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	if _, ok := xerrors.From(execErr); !ok {
		retryable = true
	}
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("record task failure failed", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	p.logger.Warn("task failed",
		slog.String("task_id", task.ID),
		slog.String("player", task.Player),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if !terminal && p.producer != nil {
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("requeue task %s", task.ID))
		}
		p.logger.Debug("task requeued", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	}
	return nil
}
