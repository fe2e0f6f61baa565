package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	xerrors "github.com/AgentZ2077/game/internal/errors"
)

// Dispatcher runs one agent for a player. The environment is a private copy
// the dispatcher may read or modify freely.
type Dispatcher interface {
	Dispatch(ctx context.Context, agent Agent, player string, env map[string]any) Outcome
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, agent Agent, player string, env map[string]any) Outcome

// Dispatch implements Dispatcher.
func (f DispatchFunc) Dispatch(ctx context.Context, agent Agent, player string, env map[string]any) Outcome {
	return f(ctx, agent, player, env)
}

// Failure describes why an agent did not produce a result.
type Failure struct {
	Agent string       `json:"agent"`
	Error string       `json:"error"`
	Code  xerrors.Code `json:"code,omitempty"`
}

func (f *Failure) String() string {
	return fmt.Sprintf("agent %s failed: %s", f.Agent, f.Error)
}

// Outcome is either a success payload or a failure, never both.
type Outcome struct {
	Payload map[string]any
	Failure *Failure
}

// Succeeded wraps a successful payload.
func Succeeded(payload map[string]any) Outcome {
	if payload == nil {
		payload = map[string]any{}
	}
	return Outcome{Payload: payload}
}

// Failed builds a failure outcome for agent from err.
func Failed(agent string, err error) Outcome {
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		code = CodeAgentFailed
	}
	message := "unknown error"
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
		if cause := e.Unwrap(); cause != nil {
			message = fmt.Sprintf("%s: %v", message, cause)
		}
	} else if err != nil {
		message = err.Error()
	}
	return Outcome{Failure: &Failure{Agent: agent, Error: message, Code: code}}
}

// OK reports whether the agent succeeded.
func (o Outcome) OK() bool {
	return o.Failure == nil
}

// Map renders the outcome as the payload, or as {"error", "agent", "code"}
// for failures.
func (o Outcome) Map() map[string]any {
	if o.Failure != nil {
		out := map[string]any{
			"error": o.Failure.Error,
			"agent": o.Failure.Agent,
		}
		if o.Failure.Code != "" {
			out["code"] = string(o.Failure.Code)
		}
		return out
	}
	if o.Payload == nil {
		return map[string]any{}
	}
	return o.Payload
}

// MarshalJSON encodes the Map form.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Map())
}
