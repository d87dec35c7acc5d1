package execstate

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/msageha/cascadeview/internal/events"
	"github.com/msageha/cascadeview/internal/model"
)

// ErrRunInProgress is returned when a full-cascade run is requested while
// another one is still running.
var ErrRunInProgress = errors.New("a cascade run is already in progress")

// SoundingResult is one parallel candidate attempt inside a phase.
type SoundingResult struct {
	Status          model.PhaseStatus
	Cost            float64
	DurationSeconds *float64
	TurnCount       int
	Output          any
	IsWinner        bool
	Error           string
	StartedAt       time.Time
}

// PhaseResult is the projection of one phase.
type PhaseResult struct {
	Status          model.PhaseStatus
	Cost            float64
	DurationSeconds *float64
	TurnCount       int
	ToolCalls       int
	Output          any
	Soundings       map[int]*SoundingResult
	// ActiveSoundings lists sounding indexes that started and have not completed.
	ActiveSoundings []int
	Error           string
	Fingerprint     string
	Cached          bool
	StartedAt       time.Time

	active map[int]bool
}

// HasOutput reports whether an output was recorded.
func (r *PhaseResult) HasOutput() bool {
	return r.Output != nil
}

func (r *PhaseResult) clone() *PhaseResult {
	out := *r
	out.Output = model.CloneValue(r.Output)
	out.DurationSeconds = cloneFloat(r.DurationSeconds)
	out.active = nil
	out.ActiveSoundings = nil
	for idx := range r.active {
		out.ActiveSoundings = append(out.ActiveSoundings, idx)
	}
	sort.Ints(out.ActiveSoundings)
	if r.Soundings != nil {
		out.Soundings = make(map[int]*SoundingResult, len(r.Soundings))
		for idx, sr := range r.Soundings {
			c := *sr
			c.Output = model.CloneValue(sr.Output)
			c.DurationSeconds = cloneFloat(sr.DurationSeconds)
			out.Soundings[idx] = &c
		}
	}
	return &out
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Logger is the subset of logging.Logger the store needs.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Warnf(string, ...any)  {}

// Publisher receives change notifications for presentation subscribers.
type Publisher interface {
	Publish(eventType events.EventType, data map[string]interface{})
}

type Option func(*Store)

func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithLogger(l Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Store) {
		if p != nil {
			s.publisher = p
		}
	}
}

// Store is the execution projection for one open document. It is not safe
// for concurrent use; the owner must serialize calls.
type Store struct {
	clock     func() time.Time
	logger    Logger
	publisher Publisher

	sessionID string
	status    model.RunStatus
	runError  string
	order     []string
	phases    map[string]*PhaseResult
	totalCost float64
	log       []Event
	seq       int64

	lastExecutedPhases   []string
	lastExecutedHandoffs map[string]string
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		clock:  func() time.Time { return time.Now().UTC() },
		logger: nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.Reset(nil)
	return s
}

// Reset drops every result, the log and the session, and starts over with
// the given phases pending. Used when a new document is loaded.
func (s *Store) Reset(phaseNames []string) {
	s.sessionID = ""
	s.status = model.RunStatusIdle
	s.runError = ""
	s.totalCost = 0
	s.log = nil
	s.lastExecutedPhases = nil
	s.lastExecutedHandoffs = map[string]string{}
	s.order = nil
	s.phases = make(map[string]*PhaseResult, len(phaseNames))
	for _, name := range phaseNames {
		s.ensure(name)
	}
}

// SyncPhases aligns the projection with the document's phase list: unknown
// names get a pending entry, names no longer in the document are dropped,
// existing results are kept.
func (s *Store) SyncPhases(phaseNames []string) {
	keep := make(map[string]bool, len(phaseNames))
	for _, name := range phaseNames {
		keep[name] = true
	}
	for name := range s.phases {
		if !keep[name] {
			delete(s.phases, name)
		}
	}
	s.order = nil
	for _, name := range phaseNames {
		s.ensure(name)
	}
}

// Begin adopts sessionID for a new full-cascade run before the request is
// sent, so that the first stream event is already accepted.
func (s *Store) Begin(sessionID string) error {
	if s.status == model.RunStatusRunning {
		return ErrRunInProgress
	}
	s.Apply(Event{Type: EventCascadeStart, SessionID: sessionID})
	return nil
}

// Fail ends the current run with a client-side error such as a failed
// request. Partial results are kept.
func (s *Store) Fail(message string) {
	if s.status != model.RunStatusRunning {
		return
	}
	s.Apply(Event{Type: EventCascadeError, SessionID: s.sessionID, Error: message})
}

// Apply handles one event in arrival order. It returns false when the event
// was ignored: foreign session, unknown type, invalid transition or a
// suppressed duplicate completion.
func (s *Store) Apply(ev Event) bool {
	if !IsKnownEventType(ev.Type) {
		s.logger.Warnf("ignoring unknown event type %q", ev.Type)
		return false
	}
	if !s.accepts(ev) {
		s.logger.Debugf("ignoring %s for session %q (active %q)", ev.Type, ev.SessionID, s.sessionID)
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock()
	}

	var applied bool
	switch ev.Type {
	case EventCascadeStart:
		applied = s.onCascadeStart(ev)
	case EventPhaseStart:
		applied = s.onPhaseStart(ev)
	case EventSoundingStart:
		if ev.SoundingIndex == nil {
			s.logger.Warnf("sounding_start for %q without index", ev.Phase)
			return false
		}
		applied = s.onPhaseStart(ev)
	case EventPhaseComplete:
		applied = s.onPhaseComplete(ev)
	case EventSoundingComplete:
		if ev.SoundingIndex == nil {
			s.logger.Warnf("sounding_complete for %q without index", ev.Phase)
			return false
		}
		applied = s.onPhaseComplete(ev)
	case EventTurnStart:
		applied = s.onTurnStart(ev)
	case EventToolCall:
		if ev.Phase != "" {
			s.ensure(ev.Phase).ToolCalls++
		}
		applied = true
	case EventToolResult:
		applied = true
	case EventHandoff:
		applied = s.onHandoff(ev)
	case EventCostUpdate:
		applied = s.onCostUpdate(ev)
	case EventCascadeComplete:
		applied = s.onCascadeComplete(ev)
	case EventCascadeError:
		applied = s.onCascadeError(ev)
	}
	if !applied {
		return false
	}
	s.seq++
	ev.Seq = s.seq
	s.log = append(s.log, ev)
	return true
}

func (s *Store) accepts(ev Event) bool {
	if ev.Type == EventCascadeStart {
		return s.status != model.RunStatusRunning || ev.SessionID == s.sessionID
	}
	return s.sessionID != "" && ev.SessionID == s.sessionID
}

func (s *Store) onCascadeStart(ev Event) bool {
	if s.status == model.RunStatusRunning && ev.SessionID == s.sessionID {
		// the stream echoes the start we already adopted in Begin
		return true
	}
	names := append([]string(nil), s.order...)
	s.Reset(names)
	s.sessionID = ev.SessionID
	s.setRunStatus(model.RunStatusRunning)
	return true
}

func (s *Store) onPhaseStart(ev Event) bool {
	if ev.Phase == "" {
		return false
	}
	r := s.ensure(ev.Phase)
	if r.Status != model.PhaseStatusRunning {
		if !s.transition(ev.Phase, r, model.PhaseStatusRunning) {
			return false
		}
		r.StartedAt = ev.Timestamp
		r.Error = ""
		r.Cached = false
	}
	if ev.SoundingIndex != nil {
		idx := *ev.SoundingIndex
		if r.Soundings == nil {
			r.Soundings = make(map[int]*SoundingResult)
		}
		r.Soundings[idx] = &SoundingResult{Status: model.PhaseStatusRunning, StartedAt: ev.Timestamp}
		r.active[idx] = true
	}
	return true
}

func (s *Store) onPhaseComplete(ev Event) bool {
	if ev.Phase == "" {
		return false
	}
	if ev.SoundingIndex != nil {
		return s.completeSounding(ev)
	}
	r := s.ensure(ev.Phase)
	output, hasOutput := ExtractOutput(ev.Result)
	switch r.Status {
	case model.PhaseStatusError:
		// error is final for this run; only phaseStart or a cell run reopens it
		s.logger.Debugf("ignoring completion for failed phase %q", ev.Phase)
		return false
	case model.PhaseStatusCompleted:
		if hasOutput && LooksLikeHandoff(output) {
			s.logger.Debugf("suppressing handoff-shaped completion %v for %q", output, ev.Phase)
			return false
		}
	}
	if r.Status != model.PhaseStatusRunning {
		// completion without a start: open the phase implicitly
		if !s.transition(ev.Phase, r, model.PhaseStatusRunning) {
			return false
		}
		r.StartedAt = ev.Timestamp
	}
	if msg, failed := BackendError(ev.Result); failed {
		r.Error = msg
		r.DurationSeconds = durationSince(r.StartedAt, ev.Timestamp)
		return s.transition(ev.Phase, r, model.PhaseStatusError)
	}
	if !s.transition(ev.Phase, r, model.PhaseStatusCompleted) {
		return false
	}
	r.DurationSeconds = durationSince(r.StartedAt, ev.Timestamp)
	if hasOutput {
		r.Output = output
	}
	if cost, ok := numberField(ev.Result, "cost"); ok && cost > 0 {
		s.addCost(cost, ev.Phase, nil)
	}
	return true
}

// completeSounding closes one candidate. A completion for an index that never
// started opens and closes it in one step.
func (s *Store) completeSounding(ev Event) bool {
	idx := *ev.SoundingIndex
	r := s.ensure(ev.Phase)
	sr := s.sounding(r, idx)
	if sr.StartedAt.IsZero() {
		sr.StartedAt = ev.Timestamp
	}
	sr.DurationSeconds = durationSince(sr.StartedAt, ev.Timestamp)
	delete(r.active, idx)
	if msg, failed := BackendError(ev.Result); failed {
		sr.Status = model.PhaseStatusError
		sr.Error = msg
		return true
	}
	sr.Status = model.PhaseStatusCompleted
	if output, ok := ExtractOutput(ev.Result); ok {
		sr.Output = output
	}
	sr.IsWinner = boolField(ev.Result, "is_winner", "winner")
	if cost, ok := numberField(ev.Result, "cost"); ok && cost > 0 {
		s.addCost(cost, ev.Phase, &idx)
	}
	return true
}

func (s *Store) onTurnStart(ev Event) bool {
	if ev.Phase == "" {
		return false
	}
	r := s.ensure(ev.Phase)
	r.TurnCount++
	if ev.SoundingIndex != nil {
		s.sounding(r, *ev.SoundingIndex).TurnCount++
	}
	return true
}

func (s *Store) onHandoff(ev Event) bool {
	if ev.From == "" || ev.To == "" {
		return false
	}
	s.lastExecutedHandoffs[ev.From] = ev.To
	return true
}

func (s *Store) onCostUpdate(ev Event) bool {
	if ev.Delta < 0 || math.IsNaN(ev.Delta) || math.IsInf(ev.Delta, 0) {
		s.logger.Warnf("rejecting cost delta %v for %q", ev.Delta, ev.Phase)
		return false
	}
	s.addCost(ev.Delta, ev.Phase, ev.SoundingIndex)
	return true
}

func (s *Store) onCascadeComplete(ev Event) bool {
	if model.IsRunTerminal(s.status) {
		s.logger.Debugf("ignoring cascade completion, run already %s", s.status)
		return false
	}
	for _, name := range s.order {
		r := s.phases[name]
		if r.Status == model.PhaseStatusRunning {
			s.transition(name, r, model.PhaseStatusCompleted)
			r.DurationSeconds = durationSince(r.StartedAt, ev.Timestamp)
		}
		closeSoundings(r, model.PhaseStatusCompleted, "", ev.Timestamp)
	}
	s.snapshotExecuted()

	lineage := ev.Lineage
	if len(lineage) == 0 {
		lineage = lineageFrom(ev.Result)
	}
	if len(lineage) > 0 {
		s.lastExecutedHandoffs = map[string]string{}
		for i := 1; i < len(lineage); i++ {
			if lineage[i-1] != lineage[i] {
				s.lastExecutedHandoffs[lineage[i-1]] = lineage[i]
			}
		}
	}
	s.setRunStatus(model.RunStatusCompleted)
	return true
}

func (s *Store) onCascadeError(ev Event) bool {
	if model.IsRunTerminal(s.status) {
		s.logger.Debugf("ignoring cascade error, run already %s", s.status)
		return false
	}
	msg := ev.Error
	if msg == "" {
		msg = "cascade failed"
	}
	for _, name := range s.order {
		r := s.phases[name]
		if r.Status == model.PhaseStatusRunning {
			r.Error = msg
			s.transition(name, r, model.PhaseStatusError)
			r.DurationSeconds = durationSince(r.StartedAt, ev.Timestamp)
		}
		closeSoundings(r, model.PhaseStatusError, msg, ev.Timestamp)
	}
	s.runError = msg
	s.snapshotExecuted()
	s.setRunStatus(model.RunStatusError)
	return true
}

func closeSoundings(r *PhaseResult, status model.PhaseStatus, msg string, at time.Time) {
	for idx := range r.active {
		sr := r.Soundings[idx]
		sr.Status = status
		sr.Error = msg
		sr.DurationSeconds = durationSince(sr.StartedAt, at)
		delete(r.active, idx)
	}
}

func (s *Store) snapshotExecuted() {
	s.lastExecutedPhases = []string{}
	for _, name := range s.order {
		if s.phases[name].Status == model.PhaseStatusCompleted {
			s.lastExecutedPhases = append(s.lastExecutedPhases, name)
		}
	}
}

func (s *Store) addCost(delta float64, phase string, soundingIndex *int) {
	s.totalCost += delta
	if phase != "" {
		r := s.ensure(phase)
		r.Cost += delta
		if soundingIndex != nil {
			s.sounding(r, *soundingIndex).Cost += delta
		}
	}
	s.publish(events.EventCostUpdated, map[string]interface{}{
		"session_id": s.sessionID,
		"phase":      phase,
		"delta":      delta,
		"total_cost": s.totalCost,
	})
}

func (s *Store) ensure(name string) *PhaseResult {
	if r, ok := s.phases[name]; ok {
		if !containsString(s.order, name) {
			s.order = append(s.order, name)
		}
		return r
	}
	r := &PhaseResult{Status: model.PhaseStatusPending, active: map[int]bool{}}
	s.phases[name] = r
	s.order = append(s.order, name)
	return r
}

func (s *Store) sounding(r *PhaseResult, idx int) *SoundingResult {
	if r.Soundings == nil {
		r.Soundings = make(map[int]*SoundingResult)
	}
	sr, ok := r.Soundings[idx]
	if !ok {
		sr = &SoundingResult{Status: model.PhaseStatusPending}
		r.Soundings[idx] = sr
	}
	return sr
}

func (s *Store) transition(name string, r *PhaseResult, to model.PhaseStatus) bool {
	if r.Status == to {
		return true
	}
	if err := model.ValidatePhaseTransition(r.Status, to); err != nil {
		s.logger.Warnf("phase %q: %v", name, err)
		return false
	}
	from := r.Status
	r.Status = to
	s.publish(events.EventPhaseStatusChanged, map[string]interface{}{
		"session_id": s.sessionID,
		"phase":      name,
		"from":       string(from),
		"to":         string(to),
	})
	return true
}

func (s *Store) setRunStatus(status model.RunStatus) {
	if s.status == status {
		return
	}
	s.status = status
	s.publish(events.EventRunStatusChanged, map[string]interface{}{
		"session_id": s.sessionID,
		"status":     string(status),
	})
}

func (s *Store) publish(eventType events.EventType, data map[string]interface{}) {
	if s.publisher != nil {
		s.publisher.Publish(eventType, data)
	}
}

func durationSince(start, end time.Time) *float64 {
	if start.IsZero() || end.Before(start) {
		return nil
	}
	d := end.Sub(start).Seconds()
	return &d
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// SessionID returns the session of the current or last run.
func (s *Store) SessionID() string { return s.sessionID }

func (s *Store) Status() model.RunStatus { return s.status }

// RunError returns the message of the last failed run.
func (s *Store) RunError() string { return s.runError }

// TotalCost is the sum of every accepted cost delta of the current run.
func (s *Store) TotalCost() float64 { return s.totalCost }

// Result returns a copy of a phase result.
func (s *Store) Result(name string) (*PhaseResult, bool) {
	r, ok := s.phases[name]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// Results returns copies of every phase result in document order.
func (s *Store) Results() []NamedResult {
	out := make([]NamedResult, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, NamedResult{Name: name, Result: s.phases[name].clone()})
	}
	return out
}

// NamedResult pairs a phase name with its result.
type NamedResult struct {
	Name   string
	Result *PhaseResult
}

// Log returns a copy of the append-only event log.
func (s *Store) Log() []Event {
	return append([]Event(nil), s.log...)
}

// LastExecutedPhases lists the phases completed by the last finished run.
func (s *Store) LastExecutedPhases() []string {
	return append([]string(nil), s.lastExecutedPhases...)
}

// LastExecutedHandoffs maps each phase to the phase it actually handed off to.
func (s *Store) LastExecutedHandoffs() map[string]string {
	out := make(map[string]string, len(s.lastExecutedHandoffs))
	for k, v := range s.lastExecutedHandoffs {
		out[k] = v
	}
	return out
}

// IsGhost reports whether a phase is in the document but was not reached by
// the last finished run. Before any run finishes nothing is a ghost.
func (s *Store) IsGhost(name string) bool {
	if s.lastExecutedPhases == nil {
		return false
	}
	if _, ok := s.phases[name]; !ok {
		return false
	}
	return !containsString(s.lastExecutedPhases, name)
}
