package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/msageha/cascadeview/internal/events"
	"github.com/msageha/cascadeview/internal/lock"
	"github.com/msageha/cascadeview/internal/model"
	"github.com/msageha/cascadeview/internal/notify"
	"github.com/msageha/cascadeview/internal/status"
	"github.com/msageha/cascadeview/internal/workspace"
	cyaml "github.com/msageha/cascadeview/internal/yaml"
)

var (
	runCell    string
	runForce   bool
	runInputs  []string
	runRecord  bool
	runQuiet   bool
	runNotify  bool
	reportJSON bool
	replayFrom string
	replaySess string
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a cascade, or one cell of it, on the backend",
	Long: `Without --cell the whole cascade is submitted under a new session and the
backend event stream is followed until the run completes or fails.

With --cell a single phase is run with the outputs known so far. A completed
result with unchanged inputs is reused unless --force is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		inputs, err := parseInputs(runInputs)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("record") {
			e.cfg.Recorder.Enabled = runRecord
		}
		return runFile(cmd.Context(), cmd.OutOrStdout(), e, e.cascadePath(args), inputs)
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay [recording]",
	Short: "Rebuild a run's execution state from a recorded event stream",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		recording := e.path(e.cfg.Recorder.Path)
		if len(args) > 0 {
			recording = args[0]
		}
		cascade := replayFrom
		if cascade == "" {
			cascade = e.cascadePath(nil)
		}
		return replayFile(cmd.OutOrStdout(), e, recording, cascade, replaySess)
	},
}

func init() {
	runCmd.Flags().StringVar(&runCell, "cell", "", "Run only this phase")
	runCmd.Flags().BoolVar(&runForce, "force", false, "Run the cell even when a cached result matches")
	runCmd.Flags().StringArrayVarP(&runInputs, "input", "i", nil, "Cascade input as key=value (repeat flag)")
	runCmd.Flags().BoolVar(&runRecord, "record", false, "Record stream events for replay (overrides recorder.enabled)")
	runCmd.Flags().BoolVar(&runNotify, "notify", false, "Show a desktop notification when the run ends")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print the final results")
	runCmd.Flags().BoolVar(&reportJSON, "json", false, "Print the final report as JSON")
	replayCmd.Flags().BoolVar(&reportJSON, "json", false, "Print the report as JSON")
	replayCmd.Flags().StringVar(&replayFrom, "cascade", "", "Cascade file the recording was made with")
	replayCmd.Flags().StringVar(&replaySess, "session", "", "Replay only events of this session")
	rootCmd.AddCommand(runCmd, replayCmd)
}

func parseInputs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --input %q: want key=value", pair)
		}
		inputs[key] = value
	}
	return inputs, nil
}

func runFile(ctx context.Context, out io.Writer, e *env, path string, inputs map[string]any) error {
	doc, err := cyaml.LoadFile(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	bus := events.NewBus(0, events.WithBusLogger(e.logger))
	defer bus.Close()
	client := e.client()
	opts := []workspace.Option{
		workspace.WithBackend(client),
		workspace.WithBus(bus),
		workspace.WithLogger(e.logger),
		workspace.WithUndoLimit(e.cfg.Editor.UndoLimit),
	}
	if e.cfg.Recorder.Enabled && runCell == "" {
		rec, release, err := openRecorder(e)
		switch {
		case errors.Is(err, lock.ErrHeld):
			e.logger.Warnf("not recording: %v", err)
		case err != nil:
			return err
		default:
			defer release()
			opts = append(opts, workspace.WithRecorder(rec))
		}
	}
	ws := workspace.New(opts...)
	if err := ws.Load(doc); err != nil {
		return err
	}
	ws.SetInputs(inputs)
	touchRecent(ctx, e, path, doc.ID)

	if runCell != "" {
		outcome, err := ws.RunCell(ctx, runCell, runForce)
		if err != nil {
			return err
		}
		writeCellOutcome(out, outcome)
		if outcome.Result != nil && outcome.Result.Status == model.PhaseStatusError {
			return &exitError{code: 2}
		}
		return nil
	}

	final, err := followRun(ctx, out, ws, bus, client)
	writeResults(out, ws)
	if runNotify && ctx.Err() == nil {
		snap := ws.Snapshot()
		if nerr := notify.Send(ctx, notify.RunFinished(doc.ID, string(snap.Status), snap.TotalCost, snap.Error)); nerr != nil {
			e.logger.Warnf("notification: %v", nerr)
		}
	}
	if err != nil {
		return err
	}
	if final != model.RunStatusCompleted {
		return &exitError{code: 2}
	}
	return nil
}

// openRecorder opens the event recording, holding its lock so that only one
// run appends to it at a time.
func openRecorder(e *env) (*events.Recorder, func(), error) {
	path := e.path(e.cfg.Recorder.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("create recording directory: %w", err)
	}
	fl := lock.NewFileLock(path + ".lock")
	if err := fl.TryLock(); err != nil {
		return nil, nil, err
	}
	rec, err := events.NewRecorder(path, int64(e.cfg.Recorder.MaxSizeMB)*1024*1024)
	if err != nil {
		fl.Unlock() //nolint:errcheck
		return nil, nil, err
	}
	release := func() {
		if err := rec.Close(); err != nil {
			e.logger.Warnf("close recording: %v", err)
		}
		fl.Unlock() //nolint:errcheck
	}
	return rec, release, nil
}

// followRun subscribes to the event stream, submits the cascade and waits
// for the run to finish.
func followRun(ctx context.Context, out io.Writer, ws *workspace.Workspace, bus *events.Bus, s workspace.Streamer) (model.RunStatus, error) {
	var printMu sync.Mutex
	if !runQuiet {
		unsubscribe := bus.Subscribe(events.EventPhaseStatusChanged, func(ev events.Event) {
			printMu.Lock()
			defer printMu.Unlock()
			fmt.Fprintf(out, "%s  %-24v %v -> %v\n", ev.Timestamp.Format("15:04:05"), ev.Data["phase"], ev.Data["from"], ev.Data["to"])
		})
		defer unsubscribe()
	}

	var sessionID string
	var sessionMu sync.Mutex
	finished := make(chan model.RunStatus, 1)
	unsubscribe := bus.Subscribe(events.EventRunStatusChanged, func(ev events.Event) {
		st := model.RunStatus(fmt.Sprint(ev.Data["status"]))
		if !model.IsRunTerminal(st) {
			return
		}
		sessionMu.Lock()
		mine := ev.Data["session_id"] == sessionID
		sessionMu.Unlock()
		if !mine {
			return
		}
		select {
		case finished <- st:
		default:
		}
	})
	defer unsubscribe()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	streamErr := make(chan error, 1)
	go func() { streamErr <- ws.Follow(streamCtx, s) }()

	sessionMu.Lock()
	id, err := ws.RunCascade(ctx)
	sessionID = id
	sessionMu.Unlock()
	if err != nil {
		return model.RunStatusError, err
	}
	fmt.Fprintf(out, "session %s\n", id)

	select {
	case st := <-finished:
		return st, nil
	case err := <-streamErr:
		if err == nil {
			err = errors.New("event stream closed before the run finished")
		}
		return ws.Snapshot().Status, err
	case <-ctx.Done():
		return ws.Snapshot().Status, ctx.Err()
	}
}

func replayFile(out io.Writer, e *env, recording, cascade, session string) error {
	records, invalid, err := events.ReadRecords(recording)
	if err != nil {
		return err
	}
	if session != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.SessionID == session {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	ws := workspace.New(workspace.WithLogger(e.logger))
	doc, err := cyaml.LoadFile(cascade)
	switch {
	case err == nil:
		if err := ws.Load(doc); err != nil {
			return err
		}
	case errors.Is(err, os.ErrNotExist):
		e.logger.Warnf("no cascade at %s, replaying without a document", cascade)
	default:
		return fmt.Errorf("%s: %w", cascade, err)
	}

	applied := ws.Replay(records)
	fmt.Fprintf(out, "replayed %d of %d events", applied, len(records))
	if invalid > 0 {
		fmt.Fprintf(out, " (%d unreadable lines)", invalid)
	}
	fmt.Fprintln(out)
	writeResults(out, ws)
	return nil
}

func writeCellOutcome(out io.Writer, o workspace.CellOutcome) {
	how := "ran"
	switch {
	case o.Cached:
		how = "cached"
	case o.Joined:
		how = "joined"
	}
	fmt.Fprintf(out, "%s: %s", o.Phase, how)
	if o.Result == nil {
		fmt.Fprintln(out)
		return
	}
	fmt.Fprintf(out, ", %s\n", o.Result.Status)
	if o.Result.Error != "" {
		fmt.Fprintf(out, "error: %s\n", o.Result.Error)
	}
	if o.Result.HasOutput() {
		fmt.Fprintf(out, "output: %s\n", summarize(o.Result.Output))
	}
}

func writeResults(out io.Writer, ws *workspace.Workspace) {
	r := status.Build(ws)
	var err error
	if reportJSON {
		err = status.WriteJSON(out, r)
	} else {
		err = status.WriteText(out, r)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "write report: %v\n", err)
	}
}

// summarize renders an output value on one line, truncated.
func summarize(v any) string {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		s = "{" + strings.Join(keys, ", ") + "}"
	default:
		s = fmt.Sprint(t)
	}
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}
