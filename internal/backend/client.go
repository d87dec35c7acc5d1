// Package backend is the HTTP client for the cascade execution backend:
// single-cell runs, full cascade runs, notebook persistence and the SSE
// progress stream.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/cascadeview/internal/model"
)

const defaultUnaryTimeout = 300 * time.Second

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

// New returns a client for the backend rooted at baseURL, e.g.
// http://localhost:5001/api.
func New(baseURL string) *Client {
	return NewWithClient(baseURL, &http.Client{})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

// WithUnaryTimeout returns a copy whose non-streaming requests time out
// after timeout. The event stream is never timed out.
func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// NetworkError is a transport failure: the request never produced a
// response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// BackendError is an error reported by the backend itself, either as an HTTP
// failure status or as an "error" field in the response body.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	if e == nil {
		return ""
	}
	message := strings.TrimSpace(e.Message)
	if message != "" && e.StatusCode > 0 {
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	}
	if message != "" {
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "backend error"
}

// Retryable reports whether the stream loop may reconnect after e.
func (e *BackendError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// ErrorMessage returns the message to store on a failed phase or run.
// NetworkError and BackendError are distinguished only by their text.
func ErrorMessage(err error) string {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return "network error: " + netErr.Err.Error()
	}
	var beErr *BackendError
	if errors.As(err, &beErr) {
		return beErr.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

type AutoFixConfig struct {
	Enabled      bool   `json:"enabled"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	Model        string `json:"model,omitempty"`
	CustomPrompt string `json:"custom_prompt,omitempty"`
}

type RunCellRequest struct {
	Cell         model.Phase
	Inputs       map[string]any
	PriorOutputs map[string]any
	SessionID    string
	AutoFix      *AutoFixConfig
}

type runCellBody struct {
	Cell         map[string]any `json:"cell"`
	Inputs       map[string]any `json:"inputs"`
	PriorOutputs map[string]any `json:"prior_outputs"`
	SessionID    string         `json:"session_id"`
	AutoFix      *AutoFixConfig `json:"auto_fix,omitempty"`
}

// RunCell executes one phase and returns the decoded result payload. The
// payload shape depends on the tool; a payload carrying an "error" field is
// returned as is, since the execution store classifies it.
func (c *Client) RunCell(ctx context.Context, req RunCellRequest) (any, error) {
	cell, err := PhaseToWire(req.Cell)
	if err != nil {
		return nil, err
	}
	body := runCellBody{
		Cell:         cell,
		Inputs:       nonNilMap(req.Inputs),
		PriorOutputs: nonNilMap(req.PriorOutputs),
		SessionID:    req.SessionID,
		AutoFix:      req.AutoFix,
	}
	payload, err := c.request(ctx, http.MethodPost, "/notebook/run-cell", nil, body, false)
	if err != nil {
		return nil, err
	}
	var result any
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decode run-cell response: %w", err)
	}
	return result, nil
}

type RunCascadeRequest struct {
	CascadeYAML string         `json:"cascade_yaml"`
	Inputs      map[string]any `json:"inputs"`
	SessionID   string         `json:"session_id"`
}

type RunCascadeResponse struct {
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RunCascade starts an asynchronous run. Progress arrives on the event
// stream keyed by the session id.
func (c *Client) RunCascade(ctx context.Context, req RunCascadeRequest) (RunCascadeResponse, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return RunCascadeResponse{}, fmt.Errorf("session id is required")
	}
	req.Inputs = nonNilMap(req.Inputs)
	payload, err := c.request(ctx, http.MethodPost, "/run-cascade", nil, req, false)
	if err != nil {
		return RunCascadeResponse{}, err
	}
	var resp RunCascadeResponse
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &resp); err != nil {
			return RunCascadeResponse{}, fmt.Errorf("decode run-cascade response: %w", err)
		}
	}
	if resp.Error != "" {
		return resp, &BackendError{Message: resp.Error}
	}
	if resp.SessionID == "" {
		resp.SessionID = req.SessionID
	}
	return resp, nil
}

type Notebook struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

type NotebookSummary struct {
	Path        string `json:"path"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// LoadNotebook fetches the YAML text of a stored cascade.
func (c *Client) LoadNotebook(ctx context.Context, path string) (Notebook, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Notebook{}, fmt.Errorf("notebook path is required")
	}
	query := url.Values{}
	query.Set("path", path)
	payload, err := c.request(ctx, http.MethodGet, "/notebook/load", query, nil, false)
	if err != nil {
		return Notebook{}, err
	}
	var env struct {
		Notebook
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return Notebook{}, fmt.Errorf("decode notebook: %w", err)
	}
	if env.Error != "" {
		return Notebook{}, &BackendError{Message: env.Error}
	}
	if env.Path == "" {
		env.Path = path
	}
	return env.Notebook, nil
}

// SaveNotebook stores content under path.
func (c *Client) SaveNotebook(ctx context.Context, nb Notebook) error {
	if strings.TrimSpace(nb.Path) == "" {
		return fmt.Errorf("notebook path is required")
	}
	payload, err := c.request(ctx, http.MethodPost, "/notebook/save", nil, nb, false)
	if err != nil {
		return err
	}
	return errorField(payload)
}

func (c *Client) ListNotebooks(ctx context.Context) ([]NotebookSummary, error) {
	payload, err := c.request(ctx, http.MethodGet, "/notebook/list", nil, nil, false)
	if err != nil {
		return nil, err
	}
	var env struct {
		Notebooks []NotebookSummary `json:"notebooks"`
		Error     string            `json:"error,omitempty"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode notebook list: %w", err)
	}
	if env.Error != "" {
		return nil, &BackendError{Message: env.Error}
	}
	return env.Notebooks, nil
}

// CleanupSession releases backend resources held for a session.
func (c *Client) CleanupSession(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	body := map[string]string{"session_id": sessionID}
	payload, err := c.request(ctx, http.MethodPost, "/notebook/cleanup-session", nil, body, false)
	if err != nil {
		return err
	}
	return errorField(payload)
}

// PhaseToWire converts a phase to the plain map the backend expects, using
// the same keys as the YAML form.
func PhaseToWire(p model.Phase) (map[string]any, error) {
	data, err := yamlv3.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode cell: %w", err)
	}
	var out map[string]any
	if err := yamlv3.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("encode cell: %w", err)
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	resp, err := c.do(reqCtx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, statusError(resp.StatusCode, payload)
	}
	return payload, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	return resp, nil
}

func statusError(status int, payload []byte) error {
	var er struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &er); err == nil && er.Error != "" {
		return &BackendError{StatusCode: status, Message: er.Error}
	}
	return &BackendError{StatusCode: status, Message: strings.TrimSpace(string(payload))}
}

func errorField(payload []byte) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	var er struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &er); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if er.Error != "" {
		return &BackendError{Message: er.Error}
	}
	return nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
