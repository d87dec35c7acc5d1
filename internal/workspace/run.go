package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/cascadeview/internal/backend"
	"github.com/msageha/cascadeview/internal/events"
	"github.com/msageha/cascadeview/internal/execstate"
	"github.com/msageha/cascadeview/internal/graph"
	"github.com/msageha/cascadeview/internal/model"
	"github.com/msageha/cascadeview/internal/yaml"
)

// CellOutcome describes how a single-cell run request was served.
type CellOutcome struct {
	Phase string
	// Cached is set when the stored result matched the fingerprint and no
	// request was sent.
	Cached bool
	// Joined is set when the request joined an identical one already in flight.
	Joined bool
	Result *execstate.PhaseResult
}

// RunCell runs one phase on the backend. Unless force is set, a completed
// result with the same input fingerprint is reused without a request.
// Phases downstream of the cell are marked stale before it starts. Backend
// and network failures end up in the phase result; the returned error only
// reports requests that could not be made.
func (w *Workspace) RunCell(ctx context.Context, name string, force bool) (CellOutcome, error) {
	w.mu.Lock()
	if w.backend == nil {
		w.mu.Unlock()
		return CellOutcome{}, ErrNoBackend
	}
	phases := w.editor.Phases()
	i := model.IndexOf(phases, name)
	if i < 0 {
		w.mu.Unlock()
		return CellOutcome{}, fmt.Errorf("%w: %s", ErrUnknownPhase, name)
	}
	fingerprint := execstate.Fingerprint(phases, w.inputs, name)
	if !force {
		if r, ok := w.store.Result(name); ok && r.Status == model.PhaseStatusCompleted && r.Fingerprint == fingerprint {
			w.store.MarkCached(name)
			w.logger.Debugf("cell %s served from cache (%s)", name, fingerprint)
			result, _ := w.store.Result(name)
			w.mu.Unlock()
			return CellOutcome{Phase: name, Cached: true, Result: result}, nil
		}
	}

	key := name + "@" + fingerprint
	leader := !w.inflight[key]
	if leader {
		w.inflight[key] = true
		if stale := w.store.MarkStale(w.downstream(phases, name)...); len(stale) > 0 {
			w.logger.Debugf("rerun of %s marked stale: %v", name, stale)
		}
		w.store.StartCell(name)
	}
	req := backend.RunCellRequest{
		Cell:         phases[i],
		Inputs:       model.CloneExtra(w.inputs),
		PriorOutputs: w.priorOutputs(phases, name),
		SessionID:    w.cellSession,
	}
	generation := w.generation
	client := w.backend
	w.mu.Unlock()

	v, err, _ := w.cells.Do(key, func() (interface{}, error) {
		return client.RunCell(ctx, req)
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	if leader && generation == w.generation {
		delete(w.inflight, key)
		if err != nil {
			w.logger.Warnf("cell %s failed: %v", name, err)
			w.store.FailCell(name, backend.ErrorMessage(err))
		} else {
			w.store.CompleteCell(name, v, fingerprint)
		}
		// the document changed while the request was out
		if now := execstate.Fingerprint(w.editor.Phases(), w.inputs, name); now != fingerprint {
			w.store.MarkStale(name)
		}
	}
	result, _ := w.store.Result(name)
	return CellOutcome{Phase: name, Joined: !leader, Result: result}, nil
}

func (w *Workspace) downstream(phases []model.Phase, name string) []string {
	return graph.Derive(phases).DownstreamNames(name)
}

// priorOutputs collects the recorded output of every other phase that has one.
func (w *Workspace) priorOutputs(phases []model.Phase, name string) map[string]any {
	out := make(map[string]any)
	for _, p := range phases {
		if p.Name == name {
			continue
		}
		if r, ok := w.store.Result(p.Name); ok && r.HasOutput() {
			out[p.Name] = r.Output
		}
	}
	return out
}

// RunCascade starts a full run under a fresh session and returns the session
// id. Progress arrives through HandleEvent. While a run is in progress it
// returns ErrRunInProgress and changes nothing.
func (w *Workspace) RunCascade(ctx context.Context) (string, error) {
	w.mu.Lock()
	if w.backend == nil {
		w.mu.Unlock()
		return "", ErrNoBackend
	}
	if w.store.Status() == model.RunStatusRunning {
		w.mu.Unlock()
		return "", ErrRunInProgress
	}
	text, err := yaml.Serialize(w.document())
	if err != nil {
		w.mu.Unlock()
		return "", err
	}
	sessionID, err := w.newID(model.IDTypeSession)
	if err != nil {
		w.mu.Unlock()
		return "", err
	}
	if err := w.store.Begin(sessionID); err != nil {
		w.mu.Unlock()
		return "", err
	}
	w.logger.Infof("starting cascade run %s", sessionID)
	req := backend.RunCascadeRequest{
		CascadeYAML: string(text),
		Inputs:      model.CloneExtra(w.inputs),
		SessionID:   sessionID,
	}
	client := w.backend
	w.mu.Unlock()

	if _, err := client.RunCascade(ctx, req); err != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.logger.Errorf("cascade run %s failed: %v", sessionID, err)
		if w.store.SessionID() == sessionID {
			w.store.Fail(backend.ErrorMessage(err))
		}
		return sessionID, err
	}
	return sessionID, nil
}

// HandleEvent applies one stream event. raw, when set, is recorded before
// the event is applied. It matches backend.StreamHandler and never fails:
// ignored events only return false from the store.
func (w *Workspace) HandleEvent(ev execstate.Event, raw []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.recorder != nil && len(raw) > 0 {
		if err := w.recorder.Record(ev.SessionID, string(ev.Type), raw); err != nil {
			w.logger.Warnf("record event: %v", err)
		}
	}
	w.store.Apply(ev)
	return nil
}

// Streamer is the part of backend.Client that delivers the event stream.
type Streamer interface {
	StreamLoop(ctx context.Context, opts backend.StreamOptions, onEvent backend.StreamHandler) error
}

// Follow feeds the backend event stream into the workspace until ctx is done
// or the stream fails for good.
func (w *Workspace) Follow(ctx context.Context, s Streamer) error {
	err := s.StreamLoop(ctx, backend.StreamOptions{
		OnInvalid: func(raw []byte, err error) {
			w.logger.Warnf("skipping undecodable event: %v", err)
		},
		OnReconnect: func(err error, wait time.Duration) {
			w.logger.Infof("event stream disconnected (%v), reconnecting in %s", err, wait)
		},
	}, w.HandleEvent)
	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Errorf("event stream stopped: %v", err)
		if w.bus != nil {
			w.bus.Publish(events.EventStreamError, map[string]interface{}{"error": err.Error()})
		}
	}
	return err
}

// Replay applies recorded events in file order. Records that do not decode
// are skipped; the number applied is returned.
func (w *Workspace) Replay(records []events.Record) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	applied := 0
	for _, rec := range records {
		ev, err := backend.DecodeEvent(rec.EventType, rec.Payload)
		if err != nil {
			w.logger.Warnf("skipping recorded event: %v", err)
			continue
		}
		if w.store.Apply(ev) {
			applied++
		}
	}
	return applied
}
