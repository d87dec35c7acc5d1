package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/cascadeview/internal/execstate"
)

const sampleStream = `: connected

data: {"type":"cascade_start","session_id":"s1","timestamp":"2026-01-02T03:04:05Z","data":{}}

data: {"type":"phase_start","session_id":"s1","data":{"phase_name":"A"}}

event: cost_update
data: {"session_id":"s1",
data: "data":{"phase_name":"B","cost":0.002,"sounding_index":1}}

data: {"type":"phase_complete","session_id":"s1","data":{"phase_name":"A","result":{"output":"ok"}}}

data: {"type":"never_finished"`

func streamServer(t *testing.T, body string) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, body)
	})
	return newTestClient(t, mux)
}

func TestStreamDecodesEventsInOrder(t *testing.T) {
	client := streamServer(t, sampleStream)

	var got []execstate.Event
	var raws []string
	err := client.Stream(context.Background(), StreamOptions{Once: true}, func(ev execstate.Event, raw []byte) error {
		got = append(got, ev)
		raws = append(raws, string(raw))
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, execstate.EventCascadeStart, got[0].Type)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), got[0].Timestamp)

	assert.Equal(t, execstate.EventPhaseStart, got[1].Type)
	assert.Equal(t, "A", got[1].Phase)
	assert.True(t, got[1].Timestamp.IsZero())

	assert.Equal(t, execstate.EventCostUpdate, got[2].Type, "event name fills a missing type")
	assert.Equal(t, "B", got[2].Phase)
	assert.InDelta(t, 0.002, got[2].Delta, 1e-12)
	require.NotNil(t, got[2].SoundingIndex)
	assert.Equal(t, 1, *got[2].SoundingIndex)
	assert.Contains(t, raws[2], "\n", "multi-line data is joined with newlines")

	assert.Equal(t, map[string]any{"output": "ok"}, got[3].Result)
	for _, ev := range got {
		assert.Equal(t, "s1", ev.SessionID)
	}
}

func TestStreamSendsSessionFilter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events/stream", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s7", r.URL.Query().Get("session_id"))
	})
	client := newTestClient(t, mux)
	require.NoError(t, client.Stream(context.Background(), StreamOptions{SessionID: "s7"}, nil))
}

func TestStreamInvalidPayload(t *testing.T) {
	body := "data: not json\n\ndata: {\"type\":\"tool_call\",\"session_id\":\"s1\",\"data\":{\"tool_name\":\"sql\"}}\n\n"

	err := streamServer(t, body).Stream(context.Background(), StreamOptions{}, nil)
	assert.ErrorIs(t, err, ErrStreamPayloadInvalid)

	var invalid int
	var tools []string
	err = streamServer(t, body).Stream(context.Background(), StreamOptions{
		OnInvalid: func([]byte, error) { invalid++ },
	}, func(ev execstate.Event, _ []byte) error {
		tools = append(tools, ev.Tool)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, invalid)
	assert.Equal(t, []string{"sql"}, tools)
}

func TestStreamHTTPFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events/stream", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	err := newTestClient(t, mux).Stream(context.Background(), StreamOptions{}, nil)
	var beErr *BackendError
	require.ErrorAs(t, err, &beErr)
	assert.Equal(t, http.StatusNotFound, beErr.StatusCode)
}

func TestStreamLoopRetriesAndReconnects(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events/stream", func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `data: {"type":"turn_start","session_id":"s1","data":{"phase_name":"A"}}`+"\n\n")
	})
	client := newTestClient(t, mux)

	stop := errors.New("stop")
	var seen int
	err := client.StreamLoop(context.Background(), StreamOptions{
		RetryMinBackoff: 5 * time.Millisecond,
		RetryMaxBackoff: 10 * time.Millisecond,
	}, func(ev execstate.Event, _ []byte) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, int32(3), calls.Load(), "one failure, then one connection per event")
}

func TestStreamLoopStopsOnNonRetryableError(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events/stream", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	client := newTestClient(t, mux)

	err := client.StreamLoop(context.Background(), StreamOptions{RetryMinBackoff: time.Millisecond}, nil)
	var beErr *BackendError
	require.ErrorAs(t, err, &beErr)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStreamLoopHonorsContext(t *testing.T) {
	client := streamServer(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.StreamLoop(ctx, StreamOptions{RetryMinBackoff: 5 * time.Millisecond}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamLoopReportsReconnects(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events/stream", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `data: {"type":"phase_start","session_id":"s1","data":{"phase_name":"A"}}`+"\n\n")
	})
	client := newTestClient(t, mux)

	stop := errors.New("stop")
	var reasons []error
	var waits []time.Duration
	err := client.StreamLoop(context.Background(), StreamOptions{
		RetryMinBackoff: time.Millisecond,
		RetryMaxBackoff: 20 * time.Millisecond,
		OnReconnect: func(err error, wait time.Duration) {
			reasons = append(reasons, err)
			waits = append(waits, wait)
		},
	}, func(execstate.Event, []byte) error { return stop })
	require.ErrorIs(t, err, stop)
	require.Len(t, reasons, 2)
	for i, reason := range reasons {
		var beErr *BackendError
		require.ErrorAs(t, reason, &beErr)
		assert.Equal(t, http.StatusServiceUnavailable, beErr.StatusCode)
		assert.Positive(t, waits[i])
		assert.LessOrEqual(t, waits[i], 20*time.Millisecond)
	}
}

func TestStreamLoopOnceDoesNotReconnect(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events/stream", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	err := newTestClient(t, mux).StreamLoop(context.Background(), StreamOptions{Once: true}, nil)
	var beErr *BackendError
	require.ErrorAs(t, err, &beErr)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStreamCRLFFraming(t *testing.T) {
	body := ": ping\r\n\r\nevent: tool_call\r\ndata: {\"session_id\":\"s1\",\"data\":{\"tool\":\"sql\"}}\r\n\r\n"

	var got []execstate.Event
	err := streamServer(t, body).Stream(context.Background(), StreamOptions{}, func(ev execstate.Event, _ []byte) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, execstate.EventToolCall, got[0].Type)
	assert.Equal(t, "sql", got[0].Tool)
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  string
		check func(t *testing.T, ev execstate.Event)
	}{
		{
			name: "handoff",
			data: `{"type":"handoff","session_id":"s1","data":{"from_phase":"A","to_phase":"B"}}`,
			check: func(t *testing.T, ev execstate.Event) {
				assert.Equal(t, "A", ev.From)
				assert.Equal(t, "B", ev.To)
			},
		},
		{
			name: "lineage objects",
			data: `{"type":"cascade_complete","session_id":"s1","data":{"lineage":[{"phase":"A"},"B",{"cell":"C"},7]}}`,
			check: func(t *testing.T, ev execstate.Event) {
				assert.Equal(t, []string{"A", "B", "C"}, ev.Lineage)
			},
		},
		{
			name: "session id inside data",
			data: `{"type":"cascade_error","data":{"session_id":"s2","error":"boom"}}`,
			check: func(t *testing.T, ev execstate.Event) {
				assert.Equal(t, "s2", ev.SessionID)
				assert.Equal(t, "boom", ev.Error)
			},
		},
		{
			name: "unix timestamp",
			data: `{"type":"phase_start","session_id":"s1","timestamp":1700000000.5,"data":{"phase":"A"}}`,
			check: func(t *testing.T, ev execstate.Event) {
				assert.Equal(t, int64(1700000000), ev.Timestamp.Unix())
				assert.Equal(t, 500*time.Millisecond, time.Duration(ev.Timestamp.Nanosecond()))
			},
		},
		{
			name: "fractional sounding index ignored",
			data: `{"type":"sounding_start","session_id":"s1","data":{"phase":"A","candidate_index":1.5}}`,
			check: func(t *testing.T, ev execstate.Event) {
				assert.Nil(t, ev.SoundingIndex)
			},
		},
		{
			name:  "candidate index alias",
			event: "sounding_complete",
			data:  `{"session_id":"s1","data":{"phase":"A","candidate_index":2,"result":"x"}}`,
			check: func(t *testing.T, ev execstate.Event) {
				assert.Equal(t, execstate.EventSoundingComplete, ev.Type)
				require.NotNil(t, ev.SoundingIndex)
				assert.Equal(t, 2, *ev.SoundingIndex)
				assert.Equal(t, "x", ev.Result)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeEvent(tt.event, []byte(tt.data))
			require.NoError(t, err)
			tt.check(t, ev)
		})
	}
}

func TestDecodeEventRejectsMissingType(t *testing.T) {
	_, err := DecodeEvent("", []byte(`{"session_id":"s1"}`))
	assert.ErrorIs(t, err, ErrStreamPayloadInvalid)
	assert.True(t, strings.Contains(err.Error(), "missing event type"))
}
