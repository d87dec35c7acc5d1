package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/cascadeview/internal/events"
	"github.com/msageha/cascadeview/internal/graph"
	"github.com/msageha/cascadeview/internal/model"
	"github.com/msageha/cascadeview/internal/watch"
	"github.com/msageha/cascadeview/internal/workspace"
	cyaml "github.com/msageha/cascadeview/internal/yaml"
)

var watchFollow bool

var watchCmd = &cobra.Command{
	Use:   "watch [file]",
	Short: "Reload a cascade on every save and report problems",
	Long: `Watches the cascade file and applies each saved version as an undoable
edit. Parse and validation errors are reported and the last good version is
kept. With --follow, runs started against the backend are tracked live.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		return watchFile(cmd.Context(), cmd.OutOrStdout(), e, e.cascadePath(args))
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchFollow, "follow", false, "Also follow the backend event stream")
	rootCmd.AddCommand(watchCmd)
}

// reloader applies file contents to a workspace and reports the outcome.
type reloader struct {
	ws  *workspace.Workspace
	out io.Writer
	mu  sync.Mutex
}

func (r *reloader) apply(content []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := resultStatuses(r.ws)
	if err := r.ws.ApplyYAML(content); err != nil {
		var pe *cyaml.ParseError
		var ve *model.ValidationErrors
		switch {
		case errors.As(err, &pe):
			fmt.Fprintf(r.out, "parse error: %v (keeping previous version)\n", pe)
		case errors.As(err, &ve):
			fmt.Fprintf(r.out, "invalid cascade (keeping previous version):\n%s", ve.FormatStderr())
		default:
			fmt.Fprintf(r.out, "reload failed: %v\n", err)
		}
		return
	}

	doc := r.ws.Document()
	g := graph.Derive(doc.Phases)
	fmt.Fprintf(r.out, "reloaded %s: %d phases, %d edges\n", doc.ID, len(doc.Phases), len(g.Edges))
	var stale []string
	for _, nr := range r.ws.Results() {
		if nr.Result.Status == model.PhaseStatusStale && before[nr.Name] != model.PhaseStatusStale {
			stale = append(stale, nr.Name)
		}
	}
	if len(stale) > 0 {
		fmt.Fprintf(r.out, "now stale: %s\n", strings.Join(stale, ", "))
	}
}

func resultStatuses(ws *workspace.Workspace) map[string]model.PhaseStatus {
	out := make(map[string]model.PhaseStatus)
	for _, nr := range ws.Results() {
		out[nr.Name] = nr.Result.Status
	}
	return out
}

func watchFile(ctx context.Context, out io.Writer, e *env, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read cascade: %w", err)
	}

	bus := events.NewBus(0, events.WithBusLogger(e.logger))
	defer bus.Close()
	client := e.client()
	ws := workspace.New(
		workspace.WithBackend(client),
		workspace.WithBus(bus),
		workspace.WithLogger(e.logger),
		workspace.WithUndoLimit(e.cfg.Editor.UndoLimit),
	)
	if err := ws.LoadYAML(content); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	doc := ws.Document()
	touchRecent(ctx, e, path, doc.ID)
	fmt.Fprintf(out, "watching %s (%d phases)\n", path, len(doc.Phases))

	r := &reloader{ws: ws, out: out}
	w := watch.New(path, time.Duration(e.cfg.Watcher.DebounceMs)*time.Millisecond, r.apply, e.logger)
	w.Seen(content)

	if watchFollow {
		unsubscribe := bus.Subscribe(events.EventRunStatusChanged, func(ev events.Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			fmt.Fprintf(out, "run %v: %v\n", ev.Data["session_id"], ev.Data["status"])
			if model.IsRunTerminal(model.RunStatus(fmt.Sprint(ev.Data["status"]))) {
				writeResults(out, ws)
			}
		})
		defer unsubscribe()
		go func() {
			if err := ws.Follow(ctx, client); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Errorf("stopped following backend: %v", err)
			}
		}()
	}
	return w.Run(ctx)
}
