// Package workspace owns one open cascade document: its editor with undo
// history, the execution projection of its runs and the backend it runs on.
// Every mutation goes through the workspace mutex, which plays the part of
// a single event loop.
package workspace

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/cascadeview/internal/backend"
	"github.com/msageha/cascadeview/internal/editor"
	"github.com/msageha/cascadeview/internal/events"
	"github.com/msageha/cascadeview/internal/execstate"
	"github.com/msageha/cascadeview/internal/graph"
	"github.com/msageha/cascadeview/internal/logging"
	"github.com/msageha/cascadeview/internal/model"
	"github.com/msageha/cascadeview/internal/yaml"
)

var (
	ErrRunInProgress = execstate.ErrRunInProgress
	ErrUnknownPhase  = editor.ErrPhaseNotFound
	ErrNoBackend     = errors.New("no backend configured")

	errNothingToUndo = errors.New("nothing to undo")
	errNothingToRedo = errors.New("nothing to redo")
)

// Backend is the part of backend.Client the workspace calls.
type Backend interface {
	RunCell(ctx context.Context, req backend.RunCellRequest) (any, error)
	RunCascade(ctx context.Context, req backend.RunCascadeRequest) (backend.RunCascadeResponse, error)
}

// Recorder persists raw stream events for offline replay.
type Recorder interface {
	Record(sessionID, eventType string, payload []byte) error
}

type Option func(*Workspace)

func WithBackend(b Backend) Option {
	return func(w *Workspace) { w.backend = b }
}

func WithBus(bus *events.Bus) Option {
	return func(w *Workspace) { w.bus = bus }
}

func WithRecorder(r Recorder) Option {
	return func(w *Workspace) { w.recorder = r }
}

func WithLogger(l *logging.Logger) Option {
	return func(w *Workspace) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithUndoLimit(n int) Option {
	return func(w *Workspace) { w.undoLimit = n }
}

func WithClock(clock func() time.Time) Option {
	return func(w *Workspace) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// WithSessionIDs replaces the generator of run session ids.
func WithSessionIDs(next func(model.IDType) (string, error)) Option {
	return func(w *Workspace) {
		if next != nil {
			w.newID = next
		}
	}
}

type Workspace struct {
	mu sync.Mutex

	backend   Backend
	bus       *events.Bus
	recorder  Recorder
	logger    *logging.Logger
	clock     func() time.Time
	newID     func(model.IDType) (string, error)
	undoLimit int

	doc    model.Document
	editor *editor.Editor
	store  *execstate.Store
	inputs map[string]any

	// generation changes on every Load; responses issued under an older
	// generation are dropped.
	generation  uint64
	cellSession string
	cells       singleflight.Group
	inflight    map[string]bool
}

// New returns a workspace holding an empty document.
func New(opts ...Option) *Workspace {
	w := &Workspace{
		logger:   logging.Discard(),
		clock:    func() time.Time { return time.Now().UTC() },
		newID:    model.GenerateID,
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	storeOpts := []execstate.Option{
		execstate.WithClock(w.clock),
		execstate.WithLogger(w.logger.With("execstate")),
	}
	if w.bus != nil {
		storeOpts = append(storeOpts, execstate.WithPublisher(w.bus))
	}
	w.store = execstate.NewStore(storeOpts...)
	w.editor = editor.New(nil, editor.WithLimit(w.undoLimit), editor.WithRenamer(w.store))
	w.doc = model.NewDocument("")
	return w
}

// Load installs doc, dropping undo history, redo history and the execution
// projection in one step.
func (w *Workspace) Load(doc model.Document) error {
	doc = doc.Clone()
	doc.ApplyDefaults()
	if err := graph.ValidateDocument(doc); err != nil {
		return err
	}
	cellSession, err := w.newID(model.IDTypeNotebook)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.generation++
	w.cellSession = cellSession
	w.inflight = make(map[string]bool)
	w.doc = doc
	w.doc.Phases = nil
	w.editor.Reset(doc.Phases)
	w.store.Reset(doc.PhaseNames())
	w.logger.Infof("loaded cascade %s with %d phases", doc.ID, len(doc.Phases))
	w.publishDocument("load")
	return nil
}

// LoadYAML parses text and loads it. On a parse or validation error the
// current document stays in place.
func (w *Workspace) LoadYAML(text []byte) error {
	doc, err := yaml.Parse(text)
	if err != nil {
		return err
	}
	return w.Load(doc)
}

// Document returns a copy of the current document.
func (w *Workspace) Document() model.Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.document()
}

func (w *Workspace) document() model.Document {
	doc := w.doc.Clone()
	doc.Phases = w.editor.Phases()
	return doc
}

// YAML serializes the current document.
func (w *Workspace) YAML() ([]byte, error) {
	return yaml.Serialize(w.Document())
}

// ApplyYAML syncs an edit made to the document text. Root fields are taken
// over directly; the phase list change is one undoable edit. On a parse or
// validation error nothing changes.
func (w *Workspace) ApplyYAML(text []byte) error {
	doc, err := yaml.Parse(text)
	if err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.edit("yaml", func() error {
		if err := w.editor.ReplacePhases(doc.Phases); err != nil {
			return err
		}
		w.doc = doc
		w.doc.Phases = nil
		return nil
	})
}

// Graph derives the dependency graph of the current phases.
func (w *Workspace) Graph() *graph.Graph {
	w.mu.Lock()
	defer w.mu.Unlock()
	return graph.Derive(w.editor.Phases())
}

// SetInputs replaces the user-supplied cascade inputs.
func (w *Workspace) SetInputs(inputs map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inputs = model.CloneExtra(inputs)
}

func (w *Workspace) Inputs() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return model.CloneExtra(w.inputs)
}

func (w *Workspace) AddPhase(p model.Phase, index int) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var name string
	err := w.edit("add", func() error {
		var err error
		name, err = w.editor.AddPhase(p, index)
		return err
	})
	return name, err
}

func (w *Workspace) UpdatePhase(name string, p model.Phase) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.edit("update", func() error { return w.editor.UpdatePhase(name, p) })
}

func (w *Workspace) RenamePhase(oldName, newName string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.edit("rename", func() error { return w.editor.RenamePhase(oldName, newName) })
}

func (w *Workspace) RemovePhase(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.edit("remove", func() error { return w.editor.RemovePhase(name) })
}

func (w *Workspace) MovePhase(name string, index int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.edit("move", func() error { return w.editor.MovePhase(name, index) })
}

// Undo reports false when there is nothing to undo.
func (w *Workspace) Undo() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.edit("undo", func() error {
		if !w.editor.Undo() {
			return errNothingToUndo
		}
		return nil
	})
	return err == nil
}

// Redo reports false when there is nothing to redo.
func (w *Workspace) Redo() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.edit("redo", func() error {
		if !w.editor.Redo() {
			return errNothingToRedo
		}
		return nil
	})
	return err == nil
}

func (w *Workspace) CanUndo() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.editor.CanUndo()
}

func (w *Workspace) CanRedo() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.editor.CanRedo()
}

// edit runs one editor mutation and then brings the projection in line with
// the new phase list. Must be called with w.mu held.
func (w *Workspace) edit(action string, apply func() error) error {
	before := w.editor.Phases()
	if err := apply(); err != nil {
		w.logger.Debugf("%s rejected: %v", action, err)
		return err
	}
	after := w.editor.Phases()
	w.store.SyncPhases(model.PhaseNames(after))
	if stale := w.store.MarkStale(StaleAfterEdit(before, after)...); len(stale) > 0 {
		w.logger.Debugf("%s marked stale: %v", action, stale)
	}
	w.publishDocument(action)
	return nil
}

func (w *Workspace) publishDocument(action string) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(events.EventDocumentChanged, map[string]interface{}{
		"action": action,
		"phases": len(w.editor.Phases()),
	})
}

// Results returns copies of every phase result in document order.
func (w *Workspace) Results() []execstate.NamedResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.Results()
}

func (w *Workspace) Result(name string) (*execstate.PhaseResult, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.Result(name)
}

// Snapshot is a consistent read of the run-level projection.
type Snapshot struct {
	SessionID            string
	Status               model.RunStatus
	Error                string
	TotalCost            float64
	LastExecutedPhases   []string
	LastExecutedHandoffs map[string]string
	Ghosts               []string
	Events               int
}

func (w *Workspace) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap := Snapshot{
		SessionID:            w.store.SessionID(),
		Status:               w.store.Status(),
		Error:                w.store.RunError(),
		TotalCost:            w.store.TotalCost(),
		LastExecutedPhases:   w.store.LastExecutedPhases(),
		LastExecutedHandoffs: w.store.LastExecutedHandoffs(),
		Events:               len(w.store.Log()),
	}
	for _, p := range w.editor.Phases() {
		if w.store.IsGhost(p.Name) {
			snap.Ghosts = append(snap.Ghosts, p.Name)
		}
	}
	return snap
}

// Log returns the events applied in the current run.
func (w *Workspace) Log() []execstate.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.Log()
}
