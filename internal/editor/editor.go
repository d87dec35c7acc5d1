// Package editor applies structural edits to a cascade's phase list and keeps
// bounded undo and redo histories of full snapshots.
package editor

import (
	"errors"
	"fmt"

	"github.com/msageha/cascadeview/internal/graph"
	"github.com/msageha/cascadeview/internal/model"
)

var (
	ErrPhaseNotFound = errors.New("phase not found")
	ErrLastPhase     = errors.New("cannot remove the last remaining phase")
	ErrDuplicateName = errors.New("phase name already exists")
)

// Renamer re-keys state kept outside the document when a phase is renamed.
type Renamer interface {
	RenamePhase(oldName, newName string)
}

type rename struct {
	from, to string
}

// entry is the state before an edit plus the rename that edit performed.
type entry struct {
	phases []model.Phase
	rename *rename
}

type Option func(*Editor)

// WithLimit caps both histories. Values below 1 fall back to the default.
func WithLimit(n int) Option {
	return func(e *Editor) {
		if n > 0 {
			e.limit = n
		}
	}
}

func WithRenamer(r Renamer) Option {
	return func(e *Editor) {
		e.renamer = r
	}
}

// Editor is not safe for concurrent use.
type Editor struct {
	phases  []model.Phase
	undo    []entry
	redo    []entry
	limit   int
	renamer Renamer
}

func New(phases []model.Phase, opts ...Option) *Editor {
	e := &Editor{
		phases: model.ClonePhases(phases),
		limit:  model.DefaultUndoLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Phases returns a copy of the current phase list.
func (e *Editor) Phases() []model.Phase {
	return model.ClonePhases(e.phases)
}

// Reset installs a new phase list and drops both histories.
func (e *Editor) Reset(phases []model.Phase) {
	e.phases = model.ClonePhases(phases)
	e.undo = nil
	e.redo = nil
}

func (e *Editor) CanUndo() bool { return len(e.undo) > 0 }
func (e *Editor) CanRedo() bool { return len(e.redo) > 0 }

// Depth returns the number of undo and redo entries.
func (e *Editor) Depth() (undo, redo int) {
	return len(e.undo), len(e.redo)
}

// commit validates next and installs it, snapshotting the current state.
// On a validation error nothing changes.
func (e *Editor) commit(next []model.Phase, rn *rename) error {
	if err := graph.Validate(next); err != nil {
		return err
	}
	e.undo = append(e.undo, entry{phases: e.phases, rename: rn})
	if len(e.undo) > e.limit {
		e.undo = e.undo[len(e.undo)-e.limit:]
	}
	e.redo = nil
	e.phases = next
	if rn != nil && e.renamer != nil {
		e.renamer.RenamePhase(rn.from, rn.to)
	}
	return nil
}

// Undo restores the state before the last edit. It returns false when there
// is nothing to undo.
func (e *Editor) Undo() bool {
	if len(e.undo) == 0 {
		return false
	}
	last := e.undo[len(e.undo)-1]
	e.undo = e.undo[:len(e.undo)-1]
	e.redo = append(e.redo, entry{phases: e.phases, rename: last.rename})
	e.phases = last.phases
	if last.rename != nil && e.renamer != nil {
		e.renamer.RenamePhase(last.rename.to, last.rename.from)
	}
	return true
}

// Redo re-applies the last undone edit. It returns false when there is
// nothing to redo.
func (e *Editor) Redo() bool {
	if len(e.redo) == 0 {
		return false
	}
	next := e.redo[len(e.redo)-1]
	e.redo = e.redo[:len(e.redo)-1]
	e.undo = append(e.undo, entry{phases: e.phases, rename: next.rename})
	e.phases = next.phases
	if next.rename != nil && e.renamer != nil {
		e.renamer.RenamePhase(next.rename.from, next.rename.to)
	}
	return true
}

// AddPhase inserts p at index; an index outside the list appends. A phase
// without a name gets a unique default one. When the phase before the
// insertion point explicitly handed off to the phase now displaced, that
// handoff is routed through the new phase.
func (e *Editor) AddPhase(p model.Phase, index int) (string, error) {
	next := model.ClonePhases(e.phases)
	p = p.Clone()
	if p.Name == "" {
		p.Name = UniqueName(next, "phase")
	}
	if model.IndexOf(next, p.Name) >= 0 {
		return "", fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
	}
	if index < 0 || index > len(next) {
		index = len(next)
	}
	if index > 0 && index < len(next) {
		pred := &next[index-1]
		displaced := next[index].Name
		if pred.HandsOffTo(displaced) {
			pred.Handoffs = replaceName(pred.Handoffs, displaced, []string{p.Name})
			if len(p.Handoffs) == 0 {
				p.Handoffs = []string{displaced}
			}
		}
	}
	next = append(next, model.Phase{})
	copy(next[index+1:], next[index:])
	next[index] = p
	if err := e.commit(next, nil); err != nil {
		return "", err
	}
	return p.Name, nil
}

// UpdatePhase replaces the phase called name with p. If p carries a different
// name the phase is renamed: every handoff and context.from entry naming the
// old name is rewritten, and the Renamer is told to re-key its state.
func (e *Editor) UpdatePhase(name string, p model.Phase) error {
	next := model.ClonePhases(e.phases)
	i := model.IndexOf(next, name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrPhaseNotFound, name)
	}
	p = p.Clone()
	if p.Name == "" {
		p.Name = name
	}
	var rn *rename
	if p.Name != name {
		if model.IndexOf(next, p.Name) >= 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
		}
		rn = &rename{from: name, to: p.Name}
		for j := range next {
			if j == i {
				continue
			}
			renameReferences(&next[j], name, p.Name)
		}
		renameReferences(&p, name, p.Name)
	}
	next[i] = p
	return e.commit(next, rn)
}

// RenamePhase is UpdatePhase with only the name changed.
func (e *Editor) RenamePhase(oldName, newName string) error {
	i := model.IndexOf(e.phases, oldName)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrPhaseNotFound, oldName)
	}
	if newName == "" {
		return errors.New("phase name is required")
	}
	p := e.phases[i].Clone()
	p.Name = newName
	return e.UpdatePhase(oldName, p)
}

// RemovePhase deletes the named phase. Phases that handed off to it are
// relinked to its successors: its own handoffs, or else the phase after it
// in array order. Without any successor the handoff is dropped.
func (e *Editor) RemovePhase(name string) error {
	i := model.IndexOf(e.phases, name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrPhaseNotFound, name)
	}
	if len(e.phases) == 1 {
		return ErrLastPhase
	}

	removed := e.phases[i]
	successors := removed.Handoffs
	if len(successors) == 0 && i+1 < len(e.phases) {
		successors = []string{e.phases[i+1].Name}
	}

	next := make([]model.Phase, 0, len(e.phases)-1)
	for j, p := range e.phases {
		if j == i {
			continue
		}
		p = p.Clone()
		if p.HandsOffTo(name) {
			p.Handoffs = replaceName(p.Handoffs, name, withoutName(successors, p.Name))
		}
		if p.Context != nil {
			p.Context.From = withoutName(p.Context.From, name)
			if len(p.Context.From) == 0 && len(p.Context.Extra) == 0 {
				p.Context = nil
			}
		}
		next = append(next, p)
	}
	return e.commit(next, nil)
}

// MovePhase moves the named phase to index, clamped to the list bounds.
func (e *Editor) MovePhase(name string, index int) error {
	i := model.IndexOf(e.phases, name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrPhaseNotFound, name)
	}
	if index < 0 {
		index = 0
	}
	if index >= len(e.phases) {
		index = len(e.phases) - 1
	}
	if index == i {
		return nil
	}
	next := model.ClonePhases(e.phases)
	p := next[i]
	next = append(next[:i], next[i+1:]...)
	next = append(next, model.Phase{})
	copy(next[index+1:], next[index:])
	next[index] = p
	return e.commit(next, nil)
}

// ReplacePhases installs a whole new phase list as one undoable edit, as
// happens when the document text is edited directly.
func (e *Editor) ReplacePhases(phases []model.Phase) error {
	if len(phases) == 0 {
		return ErrLastPhase
	}
	return e.commit(model.ClonePhases(phases), nil)
}

// UniqueName returns base, or base_N for the smallest N that is unused.
func UniqueName(phases []model.Phase, base string) string {
	if model.IndexOf(phases, base) < 0 {
		return base
	}
	for n := 2; ; n++ {
		name := fmt.Sprintf("%s_%d", base, n)
		if model.IndexOf(phases, name) < 0 {
			return name
		}
	}
}

func renameReferences(p *model.Phase, oldName, newName string) {
	for k, h := range p.Handoffs {
		if h == oldName {
			p.Handoffs[k] = newName
		}
	}
	if p.Context != nil {
		for k, f := range p.Context.From {
			if f == oldName {
				p.Context.From[k] = newName
			}
		}
	}
}

// replaceName swaps name for repl in list, dropping duplicates it creates.
func replaceName(list []string, name string, repl []string) []string {
	var out []string
	seen := make(map[string]bool, len(list)+len(repl))
	push := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range list {
		if s != name {
			push(s)
			continue
		}
		for _, r := range repl {
			push(r)
		}
	}
	return out
}

func withoutName(list []string, name string) []string {
	var out []string
	for _, s := range list {
		if s != name {
			out = append(out, s)
		}
	}
	return out
}
