// Package status renders the execution projection of a workspace as a text
// table or as JSON.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/msageha/cascadeview/internal/execstate"
	"github.com/msageha/cascadeview/internal/model"
	"github.com/msageha/cascadeview/internal/workspace"
)

type RunReport struct {
	SessionID string        `json:"session_id,omitempty"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	TotalCost float64       `json:"total_cost"`
	Events    int           `json:"events"`
	Phases    []PhaseReport `json:"phases"`
}

type PhaseReport struct {
	Name            string   `json:"name"`
	Status          string   `json:"status"`
	Cost            float64  `json:"cost"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	Turns           int      `json:"turns"`
	ToolCalls       int      `json:"tool_calls"`
	Soundings       int      `json:"soundings,omitempty"`
	Cached          bool     `json:"cached,omitempty"`
	NotReached      bool     `json:"not_reached,omitempty"`
	HandoffTo       string   `json:"handoff_to,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// Source is the read side of a workspace.
type Source interface {
	Snapshot() workspace.Snapshot
	Results() []execstate.NamedResult
}

// Build collects one report. Snapshot and results are read separately, so a
// report taken while events arrive may mix two consecutive states.
func Build(src Source) RunReport {
	snap := src.Snapshot()
	ghosts := make(map[string]bool, len(snap.Ghosts))
	for _, g := range snap.Ghosts {
		ghosts[g] = true
	}

	r := RunReport{
		SessionID: snap.SessionID,
		Status:    string(snap.Status),
		Error:     snap.Error,
		TotalCost: snap.TotalCost,
		Events:    snap.Events,
		Phases:    []PhaseReport{},
	}
	// only ids minted locally carry their creation time
	if id, err := model.ParseID(snap.SessionID); err == nil {
		started := id.Created.UTC()
		r.StartedAt = &started
	}
	for _, nr := range src.Results() {
		res := nr.Result
		r.Phases = append(r.Phases, PhaseReport{
			Name:            nr.Name,
			Status:          string(res.Status),
			Cost:            res.Cost,
			DurationSeconds: res.DurationSeconds,
			Turns:           res.TurnCount,
			ToolCalls:       res.ToolCalls,
			Soundings:       len(res.Soundings),
			Cached:          res.Cached,
			NotReached:      ghosts[nr.Name],
			HandoffTo:       snap.LastExecutedHandoffs[nr.Name],
			Error:           res.Error,
		})
	}
	return r
}

func WriteJSON(w io.Writer, r RunReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func WriteText(w io.Writer, r RunReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tSTATUS\tCOST\tDURATION\tTURNS\tNOTE")
	for _, p := range r.Phases {
		duration := "-"
		if p.DurationSeconds != nil {
			duration = fmt.Sprintf("%.1fs", *p.DurationSeconds)
		}
		fmt.Fprintf(tw, "%s\t%s\t$%.4f\t%s\t%d\t%s\n", p.Name, p.Status, p.Cost, duration, p.Turns, notes(p))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "run: %s", r.Status)
	if r.SessionID != "" {
		fmt.Fprintf(w, " session=%s", r.SessionID)
	}
	fmt.Fprintf(w, " cost=$%.4f events=%d\n", r.TotalCost, r.Events)
	if r.StartedAt != nil {
		fmt.Fprintf(w, "started: %s\n", r.StartedAt.Format(time.RFC3339))
	}
	if r.Error != "" {
		fmt.Fprintf(w, "error: %s\n", r.Error)
	}
	return nil
}

func notes(p PhaseReport) string {
	var out []string
	if p.NotReached {
		out = append(out, "not reached")
	}
	if p.Cached {
		out = append(out, "cached")
	}
	if p.Soundings > 0 {
		out = append(out, fmt.Sprintf("%d soundings", p.Soundings))
	}
	if p.HandoffTo != "" {
		out = append(out, "handoff -> "+p.HandoffTo)
	}
	if p.Error != "" {
		out = append(out, p.Error)
	}
	return strings.Join(out, "; ")
}
