package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "github.com/AgentZ2077/game/internal/errors"
	"github.com/AgentZ2077/game/internal/game"
	"github.com/AgentZ2077/game/internal/memory"
	"github.com/AgentZ2077/game/internal/task"
	"github.com/AgentZ2077/game/pkg/logger"
)

// TaskService is the part of task.Service the API uses.
type TaskService interface {
	Submit(ctx context.Context, req task.Request) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

type contextRequest struct {
	Agent       string         `json:"agent"`
	Player      string         `json:"player"`
	Environment map[string]any `json:"environment,omitempty"`
}

// handleContext dispatches one agent. Agent failures are reported in the
// body with status 422.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Agent) == "" {
		badRequest(w, "agent is required")
		return
	}
	if strings.TrimSpace(req.Player) == "" {
		req.Player = "guest"
	}
	outcome := s.driver.Dispatch(r.Context(), req.Agent, req.Player, req.Environment)
	status := http.StatusOK
	if !outcome.OK() {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, outcome)
}

type runRequest struct {
	task.Request
	Async bool `json:"async"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Async {
		if s.tasks == nil {
			writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "run queue not configured"))
			return
		}
		queued, err := s.tasks.Submit(r.Context(), req.Request)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, queued)
		return
	}
	report, err := s.driver.Execute(r.Context(), req.Request)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "run queue not configured"))
		return
	}
	opts, ok := listOptions(w, r)
	if !ok {
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": tasks, "count": len(tasks)})
}

func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "run queue not configured"))
		return
	}
	opts, ok := listOptions(w, r)
	if !ok {
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "run queue not configured"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		badRequest(w, "run id is required")
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func listOptions(w http.ResponseWriter, r *http.Request) ([]task.ListOption, bool) {
	q := r.URL.Query()
	var opts []task.ListOption
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, "limit must be an integer")
			return nil, false
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, "offset must be an integer")
			return nil, false
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if statuses := q["status"]; len(statuses) > 0 {
		converted := make([]task.Status, 0, len(statuses))
		for _, raw := range statuses {
			status := task.Status(strings.ToLower(strings.TrimSpace(raw)))
			if !task.IsValidStatus(status) {
				badRequest(w, fmt.Sprintf("unknown status %q", raw))
				return nil, false
			}
			converted = append(converted, status)
		}
		opts = append(opts, task.WithStatuses(converted...))
	}
	if player := q.Get("player"); player != "" {
		opts = append(opts, task.WithPlayer(player))
	}
	if query := q.Get("q"); query != "" {
		opts = append(opts, task.WithQuery(query))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return opts, true
}

type memoriesResponse struct {
	Entries []entryView `json:"entries"`
	Count   int         `json:"count"`
}

type entryView struct {
	memory.Entry
	Datetime string `json:"datetime"`
}

func viewEntries(entries []memory.Entry) memoriesResponse {
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView{Entry: e, Datetime: e.Datetime()})
	}
	return memoriesResponse{Entries: out, Count: len(out)}
}

func (s *Server) handleQueryMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts []memory.QueryOption
	if topics := q["topic"]; len(topics) > 0 {
		opts = append(opts, memory.WithTopics(topics...))
	}
	if agents := q["agent"]; len(agents) > 0 {
		opts = append(opts, memory.WithAgents(agents...))
	}
	for _, raw := range q["tag"] {
		if tags := memory.ParseTags(raw); len(tags) > 0 {
			opts = append(opts, memory.WithTags(tags...))
		}
	}
	for _, bound := range []struct {
		key   string
		apply func(time.Time) memory.QueryOption
	}{{"since", memory.WithSince}, {"until", memory.WithUntil}} {
		raw := q.Get(bound.key)
		if raw == "" {
			continue
		}
		ts, err := parseInstant(raw)
		if err != nil {
			badRequest(w, fmt.Sprintf("%s: %v", bound.key, err))
			return
		}
		opts = append(opts, bound.apply(ts))
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, "limit must be an integer")
			return
		}
		opts = append(opts, memory.WithLimit(limit))
	}
	writeJSON(w, http.StatusOK, viewEntries(s.driver.Memory().Query(opts...)))
}

// parseInstant accepts RFC 3339 or unix seconds with an optional fraction.
func parseInstant(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, fmt.Errorf("expected RFC 3339 or unix seconds, got %q", raw)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))), nil
}

func (s *Server) handleRecentMemories(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		badRequest(w, "topic is required")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, "limit must be an integer")
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, viewEntries(s.driver.Memory().Recent(topic, limit)))
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.driver.Memory().Stats())
}

func (s *Server) handleMemoryDetail(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.driver.Memory().Get(r.PathValue("id"))
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "memory not found"))
		return
	}
	writeJSON(w, http.StatusOK, entryView{Entry: entry, Datetime: entry.Datetime()})
}

type linkRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

func (s *Server) handleLinkMemories(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Source == "" || req.Target == "" {
		badRequest(w, "source and target are required")
		return
	}
	linked := s.driver.Memory().Connect(r.Context(), req.Source, req.Target)
	status := http.StatusOK
	if !linked {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]bool{"linked": linked})
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var sim game.Simulation
	if r.ContentLength != 0 && !decodeBody(w, r, &sim) {
		return
	}
	steps, err := s.driver.Simulate(r.Context(), sim)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps, "count": len(steps)})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, "limit must be an integer")
			return
		}
		limit = parsed
	}
	if s.journalPath == "" {
		writeJSON(w, http.StatusOK, []map[string]any{})
		return
	}
	records, err := logger.ReadJournal(s.journalPath, limit)
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read journal"))
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	orch := s.driver.Orchestrator()
	status := http.StatusOK
	body := map[string]any{
		"state":    orch.State(),
		"agents":   orch.Order(),
		"memories": s.driver.Memory().Len(),
	}
	if err := orch.Err(); err != nil {
		status = http.StatusServiceUnavailable
		body["error"] = err.Error()
	}
	writeJSON(w, status, body)
}
