package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/cascadeview/internal/model"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewWithClient(srv.URL+"/api/", srv.Client())
}

func TestRunCellSendsCellAndReturnsPayload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/notebook/run-cell", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		cell := body["cell"].(map[string]any)
		assert.Equal(t, "A", cell["name"])
		assert.Equal(t, "sql_data", cell["tool"])
		assert.Equal(t, map[string]any{"query": "SELECT 1 AS x"}, cell["inputs"])
		assert.NotContains(t, cell, "handoffs")
		assert.Equal(t, map[string]any{"topic": "go"}, body["inputs"])
		assert.Equal(t, map[string]any{}, body["prior_outputs"])
		assert.Equal(t, "s1", body["session_id"])
		assert.NotContains(t, body, "auto_fix")

		_, _ = io.WriteString(w, `{"output":{"rows":[{"x":1}],"columns":["x"]}}`)
	})
	client := newTestClient(t, mux)

	result, err := client.RunCell(context.Background(), RunCellRequest{
		Cell:      model.Phase{Name: "A", Tool: model.ToolSQLData, Inputs: &model.CellInputs{Query: "SELECT 1 AS x"}},
		Inputs:    map[string]any{"topic": "go"},
		SessionID: "s1",
	})
	require.NoError(t, err)
	payload := result.(map[string]any)
	assert.Equal(t, []any{"x"}, payload["output"].(map[string]any)["columns"])
}

func TestRunCellErrorFieldIsReturnedAsPayload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/notebook/run-cell", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"enabled": true, "max_attempts": float64(2)}, body["auto_fix"])
		_, _ = io.WriteString(w, `{"error":"syntax error near SELEC"}`)
	})
	client := newTestClient(t, mux)

	result, err := client.RunCell(context.Background(), RunCellRequest{
		Cell:    model.NewPhase("A"),
		AutoFix: &AutoFixConfig{Enabled: true, MaxAttempts: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"error": "syntax error near SELEC"}, result)
}

func TestRunCellHTTPFailureIsBackendError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/notebook/run-cell", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"worker crashed"}`)
	})
	client := newTestClient(t, mux)

	_, err := client.RunCell(context.Background(), RunCellRequest{Cell: model.NewPhase("A")})
	var beErr *BackendError
	require.ErrorAs(t, err, &beErr)
	assert.Equal(t, http.StatusInternalServerError, beErr.StatusCode)
	assert.Equal(t, "worker crashed", beErr.Message)
	assert.True(t, beErr.Retryable())
	assert.Equal(t, "http 500: worker crashed", ErrorMessage(err))
}

func TestPlainTextFailureKeepsBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/run-cascade", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad cascade", http.StatusBadRequest)
	})
	client := newTestClient(t, mux)

	_, err := client.RunCascade(context.Background(), RunCascadeRequest{CascadeYAML: "x", SessionID: "s1"})
	var beErr *BackendError
	require.ErrorAs(t, err, &beErr)
	assert.Equal(t, "bad cascade", beErr.Message)
	assert.False(t, beErr.Retryable())
}

func TestTransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	url := srv.URL
	srv.Close()

	client := NewWithClient(url, nil)
	_, err := client.RunCell(context.Background(), RunCellRequest{Cell: model.NewPhase("A")})
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "POST /notebook/run-cell", netErr.Op)
	assert.Contains(t, ErrorMessage(err), "network error: ")
}

func TestRunCascade(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/run-cascade", func(w http.ResponseWriter, r *http.Request) {
		var body RunCascadeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cascade_id: demo\n", body.CascadeYAML)
		assert.Equal(t, "s1", body.SessionID)
		assert.NotNil(t, body.Inputs)
		_, _ = io.WriteString(w, `{"status":"started"}`)
	})
	client := newTestClient(t, mux)

	resp, err := client.RunCascade(context.Background(), RunCascadeRequest{CascadeYAML: "cascade_id: demo\n", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "started", resp.Status)
}

func TestRunCascadeErrorFieldAndMissingSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/run-cascade", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"error":"no such connection"}`)
	})
	client := newTestClient(t, mux)

	_, err := client.RunCascade(context.Background(), RunCascadeRequest{SessionID: "s1"})
	var beErr *BackendError
	require.ErrorAs(t, err, &beErr)
	assert.Equal(t, "no such connection", beErr.Error())

	_, err = client.RunCascade(context.Background(), RunCascadeRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session id is required")
}

func TestNotebookEndpoints(t *testing.T) {
	var saved Notebook
	var cleaned string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/notebook/load", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "flows/demo.yaml", r.URL.Query().Get("path"))
		_, _ = io.WriteString(w, `{"content":"cascade_id: demo\n"}`)
	})
	mux.HandleFunc("/api/notebook/save", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&saved))
		_, _ = io.WriteString(w, `{"success":true}`)
	})
	mux.HandleFunc("/api/notebook/list", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"notebooks":[{"path":"flows/demo.yaml","name":"demo"}]}`)
	})
	mux.HandleFunc("/api/notebook/cleanup-session", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		cleaned = body["session_id"]
	})
	client := newTestClient(t, mux)
	ctx := context.Background()

	nb, err := client.LoadNotebook(ctx, "flows/demo.yaml")
	require.NoError(t, err)
	assert.Equal(t, Notebook{Path: "flows/demo.yaml", Content: "cascade_id: demo\n"}, nb)

	require.NoError(t, client.SaveNotebook(ctx, Notebook{Path: "flows/x.yaml", Content: "cascade_id: x\n"}))
	assert.Equal(t, "flows/x.yaml", saved.Path)

	list, err := client.ListNotebooks(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "demo", list[0].Name)

	require.NoError(t, client.CleanupSession(ctx, "s9"))
	assert.Equal(t, "s9", cleaned)

	_, err = client.LoadNotebook(ctx, " ")
	assert.Error(t, err)
	assert.Error(t, client.SaveNotebook(ctx, Notebook{}))
	assert.Error(t, client.CleanupSession(ctx, ""))
}

func TestSaveNotebookErrorField(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/notebook/save", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"error":"read-only"}`)
	})
	client := newTestClient(t, mux)

	err := client.SaveNotebook(context.Background(), Notebook{Path: "a.yaml"})
	var beErr *BackendError
	require.ErrorAs(t, err, &beErr)
	assert.Equal(t, "read-only", beErr.Message)
}

func TestUnaryRequestUsesTimeout(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/notebook/list", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	client := newTestClient(t, mux).WithUnaryTimeout(20 * time.Millisecond)
	defer close(release)

	start := time.Now()
	_, err := client.ListNotebooks(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWithUnaryTimeoutReturnsClonedClient(t *testing.T) {
	base := NewWithClient("http://localhost:5001/api/", nil)
	short := base.WithUnaryTimeout(time.Second)
	assert.Equal(t, defaultUnaryTimeout, base.unaryTimeout)
	assert.Equal(t, time.Second, short.unaryTimeout)
	assert.Equal(t, "http://localhost:5001/api", short.BaseURL())

	var nilClient *Client
	assert.Nil(t, nilClient.WithUnaryTimeout(time.Second))
}

func TestErrorStrings(t *testing.T) {
	assert.Equal(t, "http 502", (&BackendError{StatusCode: 502}).Error())
	assert.Equal(t, "backend error", (&BackendError{}).Error())
	assert.Equal(t, "", ErrorMessage(nil))
	assert.Equal(t, "plain", ErrorMessage(errors.New("plain")))
}
