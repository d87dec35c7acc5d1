package execstate

import (
	"github.com/msageha/cascadeview/internal/model"
)

// StartCell opens a single-cell run outside of any cascade session.
func (s *Store) StartCell(name string) bool {
	r := s.ensure(name)
	if !s.transition(name, r, model.PhaseStatusRunning) {
		return false
	}
	r.StartedAt = s.clock()
	r.Error = ""
	r.Cached = false
	r.DurationSeconds = nil
	return true
}

// CompleteCell records the response of a single-cell run. The output is
// extracted the same way as for stream completions; a payload with no
// recognizable output field (such as a {rows, columns} table) is stored whole.
// fingerprint is the input fingerprint the run was issued with.
func (s *Store) CompleteCell(name string, payload any, fingerprint string) bool {
	r := s.ensure(name)
	if r.Status != model.PhaseStatusRunning && !s.StartCell(name) {
		return false
	}
	now := s.clock()
	r.DurationSeconds = durationSince(r.StartedAt, now)
	if msg, failed := BackendError(payload); failed {
		r.Error = msg
		r.Fingerprint = ""
		return s.transition(name, r, model.PhaseStatusError)
	}
	if !s.transition(name, r, model.PhaseStatusCompleted) {
		return false
	}
	if output, ok := ExtractOutput(payload); ok {
		r.Output = output
	} else {
		r.Output = model.CloneValue(payload)
	}
	r.Fingerprint = fingerprint
	if cost, ok := numberField(payload, "cost"); ok && cost > 0 {
		s.addCost(cost, name, nil)
	}
	return true
}

// FailCell ends a single-cell run with a transport or client error.
func (s *Store) FailCell(name, message string) bool {
	r := s.ensure(name)
	if r.Status != model.PhaseStatusRunning {
		return false
	}
	r.Error = message
	r.Fingerprint = ""
	r.DurationSeconds = durationSince(r.StartedAt, s.clock())
	return s.transition(name, r, model.PhaseStatusError)
}

// MarkCached flags a completed result as served from the fingerprint cache.
func (s *Store) MarkCached(name string) bool {
	r, ok := s.phases[name]
	if !ok || r.Status != model.PhaseStatusCompleted {
		return false
	}
	r.Cached = true
	return true
}

// MarkStale moves every named completed result to stale and returns the
// names that actually changed. Other statuses are left alone.
func (s *Store) MarkStale(names ...string) []string {
	var changed []string
	for _, name := range names {
		r, ok := s.phases[name]
		if !ok || r.Status != model.PhaseStatusCompleted {
			continue
		}
		if s.transition(name, r, model.PhaseStatusStale) {
			r.Cached = false
			changed = append(changed, name)
		}
	}
	return changed
}

// RenamePhase re-keys every piece of execution state recorded under oldName.
func (s *Store) RenamePhase(oldName, newName string) {
	if oldName == newName || oldName == "" || newName == "" {
		return
	}
	r, ok := s.phases[oldName]
	if !ok {
		return
	}
	delete(s.phases, oldName)
	s.phases[newName] = r
	for i, name := range s.order {
		if name == oldName {
			s.order[i] = newName
		}
	}
	for i, name := range s.lastExecutedPhases {
		if name == oldName {
			s.lastExecutedPhases[i] = newName
		}
	}
	handoffs := make(map[string]string, len(s.lastExecutedHandoffs))
	for from, to := range s.lastExecutedHandoffs {
		if from == oldName {
			from = newName
		}
		if to == oldName {
			to = newName
		}
		handoffs[from] = to
	}
	s.lastExecutedHandoffs = handoffs
}
