package gameclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP API of the game daemon.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// RunRequest starts an orchestrated run. Leaving Agents empty runs the whole
// roster.
type RunRequest struct {
	ID          string         `json:"id,omitempty"`
	Player      string         `json:"player"`
	Agents      []string       `json:"agents,omitempty"`
	Environment map[string]any `json:"environment,omitempty"`
	Async       bool           `json:"async,omitempty"`
}

// Report is the result of one run keyed by agent name. Failed agents carry
// error, agent and code keys.
type Report struct {
	Player    string                    `json:"player"`
	Mode      string                    `json:"mode"`
	Agents    []string                  `json:"agents"`
	Timestamp time.Time                 `json:"timestamp"`
	Results   map[string]map[string]any `json:"results"`
}

// Failed lists the agents whose result is a failure, in run order.
func (r Report) Failed() []string {
	var failed []string
	for _, name := range r.Agents {
		if _, ok := r.Results[name]["error"]; ok {
			failed = append(failed, name)
		}
	}
	return failed
}

// Run is a queued run as tracked by the daemon.
type Run struct {
	ID          string         `json:"id"`
	Player      string         `json:"player"`
	Agents      []string       `json:"agents,omitempty"`
	Environment map[string]any `json:"environment,omitempty"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Report      *Report        `json:"report,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Statuses []string
	Player   string
	Query    string
	Limit    int
	Offset   int
}

// Memory is one stored memory entry.
type Memory struct {
	ID         string   `json:"id"`
	Topic      string   `json:"topic"`
	Agent      string   `json:"agent"`
	Content    any      `json:"content"`
	Timestamp  float64  `json:"timestamp"`
	Datetime   string   `json:"datetime"`
	Tags       []string `json:"tags"`
	References []string `json:"references"`
}

// MemoryQuery narrows Memories. Zero values are not sent.
type MemoryQuery struct {
	Topics []string
	Agents []string
	Tags   []string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Simulation requests a scripted multi round simulation.
type Simulation struct {
	Rounds      int            `json:"rounds,omitempty"`
	Agents      []string       `json:"agents,omitempty"`
	Topic       string         `json:"topic,omitempty"`
	Environment map[string]any `json:"environment,omitempty"`
}

// Step is one agent decision within a simulation.
type Step struct {
	Round   int            `json:"round"`
	Agent   string         `json:"agent"`
	Skill   string         `json:"skill"`
	Params  map[string]any `json:"params"`
	Result  map[string]any `json:"result"`
	Digest  string         `json:"digest"`
	EntryID string         `json:"entry_id"`
	Time    string         `json:"time"`
}

// Health is the daemon health summary.
type Health struct {
	State    string   `json:"state"`
	Agents   []string `json:"agents"`
	Memories int      `json:"memories"`
	Error    string   `json:"error,omitempty"`
}

// APIError is returned for every non 2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
	Agent      string `json:"agent,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("game api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("game api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient returns a client for the API at rawURL. When httpClient is nil a
// client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Dispatch runs a single agent for player. A failed agent is returned as an
// *APIError with status 422 naming the agent.
func (c *Client) Dispatch(ctx context.Context, agent, player string, env map[string]any) (map[string]any, error) {
	payload := map[string]any{"agent": agent, "player": player}
	if len(env) > 0 {
		payload["environment"] = env
	}
	var out map[string]any
	if err := c.post(ctx, "/mcp/context", payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Run executes a run synchronously.
func (c *Client) Run(ctx context.Context, req RunRequest) (Report, error) {
	req.Async = false
	var report Report
	if err := c.post(ctx, "/api/v1/runs", req, &report); err != nil {
		return Report{}, err
	}
	return report, nil
}

// Submit queues a run and returns immediately.
func (c *Client) Submit(ctx context.Context, req RunRequest) (Run, error) {
	req.Async = true
	var run Run
	if err := c.post(ctx, "/api/v1/runs", req, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// GetRun fetches a queued run by id.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var run Run
	if err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// ListRuns lists queued runs, most recently updated first.
func (c *Client) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	q := url.Values{}
	for _, status := range filter.Statuses {
		q.Add("status", status)
	}
	setString(q, "player", filter.Player)
	setString(q, "q", filter.Query)
	setInt(q, "limit", filter.Limit)
	setInt(q, "offset", filter.Offset)

	var out struct {
		Runs []Run `json:"runs"`
	}
	if err := c.get(ctx, "/api/v1/runs", q, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// Memories queries stored memories, newest first.
func (c *Client) Memories(ctx context.Context, query MemoryQuery) ([]Memory, error) {
	q := url.Values{}
	for _, topic := range query.Topics {
		q.Add("topic", topic)
	}
	for _, agent := range query.Agents {
		q.Add("agent", agent)
	}
	if len(query.Tags) > 0 {
		q.Set("tag", strings.Join(query.Tags, ","))
	}
	if !query.Since.IsZero() {
		q.Set("since", query.Since.UTC().Format(time.RFC3339Nano))
	}
	if !query.Until.IsZero() {
		q.Set("until", query.Until.UTC().Format(time.RFC3339Nano))
	}
	setInt(q, "limit", query.Limit)
	return c.memories(ctx, "/api/v1/memories", q)
}

// Recent returns the latest entries of topic. A non-positive limit uses the
// server default.
func (c *Client) Recent(ctx context.Context, topic string, limit int) ([]Memory, error) {
	q := url.Values{"topic": {topic}}
	setInt(q, "limit", limit)
	return c.memories(ctx, "/api/v1/memories/recent", q)
}

func (c *Client) memories(ctx context.Context, endpoint string, q url.Values) ([]Memory, error) {
	var out struct {
		Entries []Memory `json:"entries"`
	}
	if err := c.get(ctx, endpoint, q, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Link records that source refers to target.
func (c *Client) Link(ctx context.Context, source, target string) error {
	return c.post(ctx, "/api/v1/memories/links", map[string]string{"source": source, "target": target}, nil)
}

// Simulate runs a scripted simulation and returns its steps.
func (c *Client) Simulate(ctx context.Context, sim Simulation) ([]Step, error) {
	var out struct {
		Steps []Step `json:"steps"`
	}
	if err := c.post(ctx, "/api/v1/simulations", sim, &out); err != nil {
		return nil, err
	}
	return out.Steps, nil
}

// Journal returns the latest limit journal records.
func (c *Client) Journal(ctx context.Context, limit int) ([]map[string]any, error) {
	q := url.Values{}
	setInt(q, "limit", limit)
	var out []map[string]any
	if err := c.get(ctx, "/log", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health reports the daemon health. An unhealthy daemon returns an error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	if err := c.get(ctx, "/healthz", nil, &out); err != nil {
		return Health{}, err
	}
	return out, nil
}

func setString(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setInt(q url.Values, key string, value int) {
	if value > 0 {
		q.Set(key, strconv.Itoa(value))
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, q url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, q, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, q url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(q) > 0 {
		rel.RawQuery = q.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
