// Package client provides an HTTP and websocket client for the flowhub server.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/flowhub/internal/models"
)

// Client talks to the flowhub HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client.
// If baseURL is empty, uses FLOWHUB_SERVER_URL or defaults to localhost:8484.
// If token is empty, uses FLOWHUB_TOKEN.
// Timeout can be configured via FLOWHUB_CLIENT_TIMEOUT (default 2m). Streaming
// calls are bounded by their context only.
func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("FLOWHUB_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8484"
	}
	if token == "" {
		token = os.Getenv("FLOWHUB_TOKEN")
	}

	timeout := 2 * time.Minute
	if t := os.Getenv("FLOWHUB_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the server address requests go to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string   `json:"error"`
	Cycle      []string `json:"cycle,omitempty"`
	Traceback  string   `json:"traceback,omitempty"`
}

func (e *APIError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("%s (cycle: %s)", e.Message, strings.Join(e.Cycle, " -> "))
	}
	return e.Message
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// do sends a JSON request and decodes a JSON response into result.
func (c *Client) do(ctx context.Context, method, path string, payload, result any) error {
	var body io.Reader
	contentType := ""
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	return c.send(c.httpClient, req, result)
}

func (c *Client) send(hc *http.Client, req *http.Request, result any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("server error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return apiErr
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil, "")
	if err != nil {
		return err
	}
	return c.send(c.httpClient, req, nil)
}

// =============================================================================
// Tasks
// =============================================================================

// ListTasksOptions filters ListTasks.
type ListTasksOptions struct {
	Owner  string // admins only
	Name   string
	Status []models.Status
	Limit  int
}

// ListTasks returns the caller's tasks, newest first.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) ([]models.Task, error) {
	q := url.Values{}
	if opts.Owner != "" {
		q.Set("owner", opts.Owner)
	}
	if opts.Name != "" {
		q.Set("name", opts.Name)
	}
	if len(opts.Status) > 0 {
		parts := make([]string, len(opts.Status))
		for i, s := range opts.Status {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprint(opts.Limit))
	}
	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Tasks []models.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// GetTask returns one task.
func (c *Client) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CancelTask requests cancellation and returns the row as it is afterwards.
func (c *Client) CancelTask(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/cancel", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask submits a task of a registered kind, e.g. "generate" or
// "periodic:rss_fetch".
func (c *Client) CreateTask(ctx context.Context, kind, description string, params map[string]any) (*models.Task, error) {
	payload := map[string]any{"kind": kind, "description": description, "params": params}
	var t models.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", payload, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// WaitTask polls until the task is terminal.
func (c *Client) WaitTask(ctx context.Context, id string, interval time.Duration) (*models.Task, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// =============================================================================
// Flows and node definitions
// =============================================================================

// ListFlows returns the caller's flows.
func (c *Client) ListFlows(ctx context.Context) ([]models.Flow, error) {
	var resp struct {
		Flows []models.Flow `json:"flows"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/flows", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Flows, nil
}

// CreateFlow stores a flow owned by the caller.
func (c *Client) CreateFlow(ctx context.Context, f models.Flow) (*models.Flow, error) {
	var out models.Flow
	if err := c.do(ctx, http.MethodPost, "/api/flows", f, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecuteFlow runs a stored flow and returns the task id.
func (c *Client) ExecuteFlow(ctx context.Context, id string, overrides map[string]map[string]any) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
	}
	payload := map[string]any{"overrides": overrides}
	if err := c.do(ctx, http.MethodPost, "/api/flows/"+url.PathEscape(id)+"/execute", payload, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// ExecuteGraph runs an unsaved graph and returns the task id.
func (c *Client) ExecuteGraph(ctx context.Context, graph models.Graph, overrides map[string]map[string]any) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
	}
	payload := map[string]any{"graph": graph, "overrides": overrides}
	if err := c.do(ctx, http.MethodPost, "/api/flows/execute", payload, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// ListNodes returns the node definitions visible to the caller.
func (c *Client) ListNodes(ctx context.Context) ([]models.NodeDefinition, error) {
	var resp struct {
		Nodes []models.NodeDefinition `json:"nodes"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/nodes", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// ImportNode uploads a Markdown node definition document.
func (c *Client) ImportNode(ctx context.Context, markdown string) (*models.NodeDefinition, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/nodes", strings.NewReader(markdown), "text/markdown")
	if err != nil {
		return nil, err
	}
	var def models.NodeDefinition
	if err := c.send(c.httpClient, req, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// InstallNode installs the Python requirements of a node definition.
func (c *Client) InstallNode(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/nodes/"+url.PathEscape(name)+"/install", nil, nil)
}

// TestResult is the outcome of a node test run.
type TestResult struct {
	Status    string         `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Traceback string         `json:"traceback,omitempty"`
}

// TestNode runs a definition once with inputs.
func (c *Client) TestNode(ctx context.Context, def models.NodeDefinition, inputs map[string]any) (*TestResult, error) {
	var res TestResult
	payload := map[string]any{"definition": def, "inputs": inputs}
	if err := c.do(ctx, http.MethodPost, "/api/nodes/test", payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// =============================================================================
// Periodic jobs
// =============================================================================

// PeriodicStatus is the driver's current settings and in-flight runs.
type PeriodicStatus struct {
	Jobs     []string `json:"jobs"`
	Settings struct {
		Jobs map[string]struct {
			Enabled  bool           `json:"enabled"`
			Interval time.Duration  `json:"interval"`
			Params   map[string]any `json:"params,omitempty"`
		} `json:"jobs"`
	} `json:"settings"`
	InFlight map[string]string `json:"in_flight"`
}

// Periodic returns the periodic driver status.
func (c *Client) Periodic(ctx context.Context) (*PeriodicStatus, error) {
	var s PeriodicStatus
	if err := c.do(ctx, http.MethodGet, "/api/periodic", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// RunPeriodic submits a periodic job now. Admins only.
func (c *Client) RunPeriodic(ctx context.Context, job string) (*models.Task, error) {
	var t models.Task
	if err := c.do(ctx, http.MethodPost, "/api/periodic/"+url.PathEscape(job)+"/run", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// =============================================================================
// Streaming
// =============================================================================

// StreamRequest asks for a streaming generation.
type StreamRequest struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Model  string `json:"model,omitempty"`
	Mirror bool   `json:"mirror,omitempty"`
}

// StreamResult is the final line of a streaming generation.
type StreamResult struct {
	TaskID string        `json:"task_id"`
	Status models.Status `json:"status"`
	Error  string        `json:"error,omitempty"`
}

// GenerateStream streams a generation. onChunk is invoked for each chunk;
// return an error from it to abort, which cancels the server-side task.
func (c *Client) GenerateStream(ctx context.Context, r StreamRequest, onChunk func(text string) error) (*StreamResult, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodPost, "/api/generate/stream", bytes.NewReader(b), "application/json")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/x-ndjson")

	// No client timeout: the stream lasts as long as the generation.
	resp, err := (&http.Client{Transport: c.httpClient.Transport}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}

	result := &StreamResult{TaskID: resp.Header.Get("X-Task-ID")}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var line struct {
			Text   string        `json:"text"`
			Done   bool          `json:"done"`
			TaskID string        `json:"task_id"`
			Status models.Status `json:"status"`
			Error  string        `json:"error"`
		}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			return result, fmt.Errorf("decode stream line: %w", err)
		}
		if line.Done {
			result.TaskID = line.TaskID
			result.Status = line.Status
			result.Error = line.Error
			return result, nil
		}
		if err := onChunk(line.Text); err != nil {
			return result, err
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("read stream: %w", err)
	}
	return result, fmt.Errorf("stream ended without a final line")
}

// =============================================================================
// Realtime events
// =============================================================================

// Subscribe opens the notification websocket and calls onEvent for every
// event until ctx is cancelled, the server closes the connection or
// onEvent returns an error. Event data is delivered undecoded.
func (c *Client) Subscribe(ctx context.Context, onEvent func(typ models.EventType, data json.RawMessage) error) error {
	return c.subscribe(ctx, nil, onEvent)
}

// subscribe calls onOpen once the connection is established.
func (c *Client) subscribe(ctx context.Context, onOpen func() error, onEvent func(typ models.EventType, data json.RawMessage) error) error {
	wsEndpoint := c.baseURL
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + "/ws")
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}

	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	if onOpen != nil {
		if err := onOpen(); err != nil {
			return err
		}
	}

	for {
		var msg struct {
			Type models.EventType `json:"type"`
			Data json.RawMessage  `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		if err := onEvent(msg.Type, msg.Data); err != nil {
			return err
		}
	}
}

// errStopWatching ends a WatchTask subscription once the task is terminal.
var errStopWatching = errors.New("stop watching")

// WatchTask subscribes to events for one task and calls onUpdate for each
// task event until the task is terminal. It returns the final event data.
// A task that is already terminal when the subscription opens returns at
// once.
func (c *Client) WatchTask(ctx context.Context, id string, onUpdate func(models.TaskEventData)) (*models.TaskEventData, error) {
	var final *models.TaskEventData
	onOpen := func() error {
		t, err := c.GetTask(ctx, id)
		if err != nil {
			return err
		}
		ev := taskEventData(t)
		if onUpdate != nil {
			onUpdate(ev)
		}
		if t.Status.Terminal() {
			final = &ev
			return errStopWatching
		}
		return nil
	}
	err := c.subscribe(ctx, onOpen, func(typ models.EventType, data json.RawMessage) error {
		if !strings.HasPrefix(string(typ), "task:") {
			return nil
		}
		var ev models.TaskEventData
		if err := json.Unmarshal(data, &ev); err != nil || ev.TaskID != id {
			return nil
		}
		if onUpdate != nil {
			onUpdate(ev)
		}
		if ev.Status.Terminal() {
			final = &ev
			return errStopWatching
		}
		return nil
	})
	if errors.Is(err, errStopWatching) {
		return final, nil
	}
	return final, err
}

func taskEventData(t *models.Task) models.TaskEventData {
	ev := models.TaskEventData{
		TaskID:      t.ID,
		Name:        t.Name,
		Status:      t.Status,
		Progress:    t.Progress,
		Error:       t.ErrorString(),
		Result:      t.Result,
		Description: t.Description,
	}
	if t.FileName != nil {
		ev.FileName = *t.FileName
	}
	if t.TotalFiles != nil {
		ev.TotalFiles = *t.TotalFiles
	}
	return ev
}
