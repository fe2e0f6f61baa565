package api

import (
	"net/http"

	xerrors "github.com/AgentZ2077/game/internal/errors"
	"github.com/AgentZ2077/game/internal/orchestrator"
	"github.com/AgentZ2077/game/internal/task"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure, orchestrator.CodeNotReady,
		orchestrator.CodeCircularDependency, orchestrator.CodeUnknownDependency:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	writeJSON(w, statusFor(code), errorResponse{Error: message, Code: string(code)})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: message, Code: string(xerrors.CodeInvalidArgument)})
}
