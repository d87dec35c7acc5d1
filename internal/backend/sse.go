package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	sse "github.com/tmaxmax/go-sse"

	"github.com/msageha/cascadeview/internal/execstate"
)

const streamMaxEventSize = 10 * 1024 * 1024

var ErrStreamPayloadInvalid = errors.New("stream payload invalid")

// WireEvent is the JSON carried by one SSE data block.
type WireEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
}

// StreamHandler receives each decoded event together with the raw JSON it
// was decoded from.
type StreamHandler func(ev execstate.Event, raw []byte) error

type StreamOptions struct {
	// SessionID narrows the stream server side when set. The store applies
	// its own session guard regardless.
	SessionID       string
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	Once            bool
	// OnInvalid is called for undecodable events. When nil an undecodable
	// event ends the stream with ErrStreamPayloadInvalid.
	OnInvalid func(raw []byte, err error)
	// OnReconnect is told why StreamLoop dropped a connection and how long
	// it waits before the next one.
	OnReconnect func(err error, wait time.Duration)
}

// Stream opens the event stream and delivers events in arrival order until
// the server closes it, the handler fails, or ctx is done.
func (c *Client) Stream(ctx context.Context, opts StreamOptions, onEvent StreamHandler) error {
	query := url.Values{}
	if id := strings.TrimSpace(opts.SessionID); id != "" {
		query.Set("session_id", id)
	}
	resp, err := c.do(ctx, http.MethodGet, "/events/stream", query, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		return statusError(resp.StatusCode, payload)
	}
	err = readStream(resp.Body, func(eventName string, data []byte) error {
		ev, err := DecodeEvent(eventName, data)
		if err != nil {
			if opts.OnInvalid != nil {
				opts.OnInvalid(data, err)
				return nil
			}
			return err
		}
		if onEvent == nil {
			return nil
		}
		return onEvent(ev, data)
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// errStreamEnded marks a stream the server closed cleanly, which StreamLoop
// treats like any other retryable disconnect.
var errStreamEnded = errors.New("event stream ended")

// StreamLoop keeps the stream connected, reconnecting with exponential
// backoff after transport failures and retryable backend errors. The delay
// starts over once a connection delivers an event.
func (c *Client) StreamLoop(ctx context.Context, opts StreamOptions, onEvent StreamHandler) error {
	if opts.Once {
		return c.Stream(ctx, opts, onEvent)
	}

	policy := streamBackOff(opts)
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := c.Stream(ctx, opts, func(ev execstate.Event, raw []byte) error {
			policy.Reset()
			if onEvent == nil {
				return nil
			}
			return onEvent(ev, raw)
		})
		if err == nil {
			return errStreamEnded
		}
		if ctx.Err() != nil || !retryableStreamError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), opts.OnReconnect)
}

func streamBackOff(opts StreamOptions) *backoff.ExponentialBackOff {
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minBackoff
	b.MaxInterval = maxBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func retryableStreamError(err error) bool {
	if errors.Is(err, ErrStreamPayloadInvalid) || errors.Is(err, context.Canceled) {
		return false
	}
	var beErr *BackendError
	if errors.As(err, &beErr) {
		return beErr.Retryable()
	}
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// readStream hands each complete event of a text/event-stream body to
// dispatch. Framing (comments, multi-line data, an unterminated trailing
// event) follows go-sse.
func readStream(r io.Reader, dispatch func(eventName string, data []byte) error) error {
	for e, err := range sse.Read(r, &sse.ReadConfig{MaxEventSize: streamMaxEventSize}) {
		if err != nil {
			return &NetworkError{Op: "read event stream", Err: err}
		}
		if e.Data == "" {
			continue
		}
		name := e.Type
		if name == "message" {
			name = ""
		}
		if err := dispatch(name, []byte(e.Data)); err != nil {
			return err
		}
	}
	return nil
}

// DecodeEvent turns one SSE data block into an execution event. The SSE
// event name is used when the JSON carries no type.
func DecodeEvent(eventName string, data []byte) (execstate.Event, error) {
	var wire WireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return execstate.Event{}, fmt.Errorf("%w: %v", ErrStreamPayloadInvalid, err)
	}
	if wire.Type == "" {
		wire.Type = eventName
	}
	if wire.Type == "" {
		return execstate.Event{}, fmt.Errorf("%w: missing event type", ErrStreamPayloadInvalid)
	}
	d := wire.Data
	ev := execstate.Event{
		Type:      execstate.EventType(wire.Type),
		SessionID: wire.SessionID,
		Timestamp: decodeTimestamp(wire.Timestamp),
		Phase:     stringField(d, "phase_name", "phase", "cell_name"),
		Result:    d["result"],
		From:      stringField(d, "from_phase", "from"),
		To:        stringField(d, "to_phase", "to"),
		Error:     stringField(d, "error"),
		Tool:      stringField(d, "tool_name", "tool"),
	}
	if ev.SessionID == "" {
		ev.SessionID = stringField(d, "session_id")
	}
	if idx, ok := intField(d, "sounding_index", "candidate_index"); ok {
		ev.SoundingIndex = execstate.Index(idx)
	}
	if delta, ok := floatField(d, "cost", "delta"); ok {
		ev.Delta = delta
	}
	if raw, ok := d["lineage"].([]any); ok {
		ev.Lineage = lineageNames(raw)
	}
	return ev, nil
}

func decodeTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		return time.Time{}
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err == nil && secs > 0 {
		whole := int64(secs)
		return time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC()
	}
	return time.Time{}
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func floatField(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if f, ok := m[key].(float64); ok {
			return f, true
		}
	}
	return 0, false
}

func intField(m map[string]any, keys ...string) (int, bool) {
	f, ok := floatField(m, keys...)
	if !ok || f < 0 || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

func lineageNames(raw []any) []string {
	var out []string
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			if name := stringField(v, "phase", "cell", "phase_name"); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}
