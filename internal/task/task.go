package task

import (
	stdErrors "errors"
	"strings"

	xerrors "github.com/AgentZ2077/game/internal/errors"
	"github.com/AgentZ2077/game/internal/orchestrator"
)

// Status is the lifecycle state of a run job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Request asks for one orchestrated run. An empty Agents list runs every
// agent in dependency order; otherwise only the named agents run.
type Request struct {
	ID          string         `json:"id,omitempty"`
	Player      string         `json:"player"`
	Agents      []string       `json:"agents,omitempty"`
	Environment map[string]any `json:"environment,omitempty"`
}

// Selective reports whether the request names a subset of agents.
func (r Request) Selective() bool {
	return len(r.Agents) > 0
}

// Validate checks the request before it is queued or executed.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Player) == "" {
		return xerrors.New(CodeTaskValidation, "player is required")
	}
	for _, name := range r.Agents {
		if strings.TrimSpace(name) == "" {
			return xerrors.New(CodeTaskValidation, "agent names must not be empty")
		}
	}
	return nil
}

// Task is a queued run job.
type Task struct {
	ID          string               `json:"id"`
	Player      string               `json:"player"`
	Agents      []string             `json:"agents,omitempty"`
	Environment map[string]any       `json:"environment,omitempty"`
	Status      Status               `json:"status"`
	Attempts    int                  `json:"attempts"`
	MaxRetries  int                  `json:"max_retries"`
	LastError   string               `json:"last_error,omitempty"`
	ErrorCode   string               `json:"error_code,omitempty"`
	Report      *orchestrator.Report `json:"report,omitempty"`
	CreatedAt   int64                `json:"created_at"`
	UpdatedAt   int64                `json:"updated_at"`
}

// Request rebuilds the run request the task was created from.
func (t *Task) Request() Request {
	return Request{
		ID:          t.ID,
		Player:      t.Player,
		Agents:      append([]string(nil), t.Agents...),
		Environment: orchestrator.CloneEnvironment(t.Environment),
	}
}

// Done reports whether the task reached a final state.
func (t *Task) Done() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

var (
	// ErrTaskNotFound is returned when no task has the requested id.
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict is returned when the task cannot move to the requested state.
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted is returned when claiming a task that already finished.
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted is returned when a task has no attempts left.
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "task conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:  "task already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:  "task retries exhausted",
		Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// IsTaskError reports whether err carries the target task code.
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrTaskNotFound):
		return target == CodeTaskNotFound
	case stdErrors.Is(err, ErrTaskConflict):
		return target == CodeTaskConflict
	case stdErrors.Is(err, ErrTaskCompleted):
		return target == CodeTaskCompleted
	case stdErrors.Is(err, ErrTaskExhausted):
		return target == CodeTaskExhausted
	}
	return xerrors.CodeOf(err) == target
}

// IsValidStatus reports whether status is one of the known states.
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.Agents = append([]string(nil), task.Agents...)
	clone.Environment = orchestrator.CloneEnvironment(task.Environment)
	if task.Environment == nil {
		clone.Environment = nil
	}
	if task.Report != nil {
		report := *task.Report
		report.Agents = append([]string(nil), task.Report.Agents...)
		report.Results = make(map[string]orchestrator.Outcome, len(task.Report.Results))
		for name, outcome := range task.Report.Results {
			report.Results[name] = outcome
		}
		clone.Report = &report
	}
	return &clone
}
