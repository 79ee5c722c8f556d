package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/averraz/pitboss/internal/config"
	"github.com/averraz/pitboss/internal/engine"
	"github.com/averraz/pitboss/internal/phase"
	"github.com/averraz/pitboss/internal/procutil"
	"github.com/averraz/pitboss/internal/state"
	"github.com/averraz/pitboss/internal/store"
)

func newStatusCmd(g *rootOpts) *cobra.Command {
	var (
		follow bool
		raw    bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status [<run_id>]",
		Short: "Show run state, or list all runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if len(args) == 0 {
				return listRuns(w, g)
			}
			st, err := openRun(g, args[0])
			if err != nil {
				return err
			}
			if follow {
				return followRun(cmd.Context(), w, st, raw)
			}
			return printRunStatus(w, st, asJSON)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "tail the timeline until the run stops")
	cmd.Flags().BoolVar(&raw, "raw", false, "with --follow, print timeline lines verbatim")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the state snapshot as JSON")
	return cmd
}

func rootDir(g *rootOpts) string {
	if g.runsRoot != "" {
		return g.runsRoot
	}
	return engine.DefaultRunsRoot()
}

func openRun(g *rootOpts, runID string) (*store.Store, error) {
	return store.Open(rootDir(g), runID)
}

// snapshotConfig reloads the config a run was provisioned with.
func snapshotConfig(g *rootOpts, runID string) (*config.Config, error) {
	st, err := openRun(g, runID)
	if err != nil {
		return nil, err
	}
	b, err := st.ReadConfigSnapshot()
	if err != nil {
		return nil, fmt.Errorf("run %s has no config snapshot: %w", runID, err)
	}
	return config.Parse(b, ".json")
}

// runConfig prefers an explicit --config file over the run's snapshot.
func runConfig(g *rootOpts, configPath, runID string) (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return snapshotConfig(g, runID)
}

func listRuns(w io.Writer, g *rootOpts) error {
	ids, err := store.ListRuns(rootDir(g))
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(w, "no runs")
		return nil
	}
	for _, id := range ids {
		st, err := store.Open(rootDir(g), id)
		if err != nil {
			fmt.Fprintf(w, "%s  (unreadable: %v)\n", id, err)
			continue
		}
		run, err := st.ReadState()
		if err != nil {
			fmt.Fprintf(w, "%s  (unreadable: %v)\n", id, err)
			continue
		}
		detail := string(run.Phase)
		if run.Phase == phase.Stopped {
			detail = fmt.Sprintf("%s (%s in %s)", run.Phase, run.StopReason, run.StoppedInPhase)
		}
		fmt.Fprintf(w, "%s  %-32s  %s\n", id, detail, firstLine(run.Task, 60))
	}
	return nil
}

func printRunStatus(w io.Writer, st *store.Store, asJSON bool) error {
	run, err := st.ReadState()
	if err != nil {
		return err
	}
	pid, _ := st.ReadPID()
	alive := pid > 0 && procutil.PIDAlive(pid)
	events, _ := st.ReadEvents()

	if asJSON {
		snap := map[string]any{
			"state":     run,
			"pid":       pid,
			"pid_alive": alive,
		}
		if n := len(events); n > 0 {
			snap["last_event"] = events[n-1]
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Fprintf(w, "run_id=%s\n", run.RunID)
	fmt.Fprintf(w, "phase=%s\n", run.Phase)
	fmt.Fprintf(w, "task=%s\n", firstLine(run.Task, 72))
	if len(run.Milestones) > 0 && run.MilestoneIndex < len(run.Milestones) {
		fmt.Fprintf(w, "milestone=%d/%d %s\n", run.MilestoneIndex+1, len(run.Milestones),
			firstLine(run.Milestones[run.MilestoneIndex].Goal, 60))
	}
	fmt.Fprintf(w, "pid=%d\n", pid)
	fmt.Fprintf(w, "pid_alive=%t\n", alive)
	if n := len(events); n > 0 {
		last := events[n-1]
		fmt.Fprintf(w, "last_event=%s seq=%d at=%s\n", last.Type, last.Seq, last.TS.UTC().Format(time.RFC3339))
	}
	if run.Phase == phase.Stopped {
		fmt.Fprintf(w, "stop_reason=%s\n", run.StopReason)
		fmt.Fprintf(w, "stopped_in=%s\n", run.StoppedInPhase)
	}
	if run.CheckpointCount > 0 {
		fmt.Fprintf(w, "checkpoints=%d sha=%s\n", run.CheckpointCount, run.CheckpointSHA)
	}
	fmt.Fprintf(w, "budget_used=%s\n", (time.Duration(run.BudgetUsedSeconds) * time.Second).String())
	return nil
}

// followRun tails the timeline until the run reaches STOPPED or its
// supervisor dies. The file is reopened per poll; offsets carry across
// appends by the supervisor process.
func followRun(ctx context.Context, w io.Writer, st *store.Store, raw bool) error {
	timeline := filepath.Join(st.Dir(), "timeline.jsonl")
	offset := tailEvents(timeline, 0, w, raw)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		offset = tailEvents(timeline, offset, w, raw)

		run, err := st.ReadState()
		if err == nil && run.Phase == phase.Stopped {
			tailEvents(timeline, offset, w, raw)
			fmt.Fprintf(w, "stopped=%s\n", run.StopReason)
			return nil
		}
		if pid, perr := st.ReadPID(); perr == nil && pid > 0 && pid != os.Getpid() && !procutil.PIDAlive(pid) {
			tailEvents(timeline, offset, w, raw)
			return &exitError{code: 1, msg: fmt.Sprintf("supervisor (pid %d) is no longer alive", pid)}
		}
	}
}

// tailEvents prints timeline lines from offset onward and returns the new
// offset. Missing files and torn reads resolve on the next poll.
func tailEvents(path string, offset int64, w io.Writer, raw bool) int64 {
	f, err := os.Open(path)
	if err != nil {
		return offset
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return offset
		}
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if raw {
			fmt.Fprintln(w, line)
			continue
		}
		var ev state.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			fmt.Fprintln(w, line)
			continue
		}
		if formatted := formatEvent(ev); formatted != "" {
			fmt.Fprintln(w, formatted)
		}
	}
	newOffset, _ := f.Seek(0, io.SeekCurrent)
	return newOffset
}

func formatEvent(ev state.Event) string {
	ts := ev.TS.UTC().Format("15:04:05")
	switch ev.Type {
	case state.EventPhaseTransition:
		return fmt.Sprintf("%s | %-16s | %s -> %s", ts, ev.Type,
			payloadStr(ev, "from"), payloadStr(ev, "to"))
	case state.EventWorkerCall:
		line := fmt.Sprintf("%s | %-16s | %s worker=%s attempts=%v %vms", ts, ev.Type,
			payloadStr(ev, "phase"), payloadStr(ev, "worker"),
			payloadNum(ev, "attempts"), payloadNum(ev, "duration_ms"))
		if errText := payloadStr(ev, "error"); errText != "" {
			line += " | " + errText
		}
		return line
	case state.EventVerification:
		line := fmt.Sprintf("%s | %-16s | %s ok=%v", ts, ev.Type,
			payloadStr(ev, "tier"), ev.Payload["ok"])
		if cmd := payloadStr(ev, "failed_command"); cmd != "" {
			line += " | " + cmd
		}
		return line
	case state.EventGuard:
		if ok, _ := ev.Payload["ok"].(bool); ok {
			return fmt.Sprintf("%s | %-16s | ok", ts, ev.Type)
		}
		return fmt.Sprintf("%s | %-16s | VIOLATION %s", ts, ev.Type, payloadStr(ev, "violation"))
	case state.EventCheckpoint:
		return fmt.Sprintf("%s | %-16s | %s", ts, ev.Type, payloadStr(ev, "sha"))
	case state.EventMilestoneStart:
		return fmt.Sprintf("%s | %-16s | m%v %s", ts, ev.Type,
			payloadNum(ev, "index"), firstLine(payloadStr(ev, "goal"), 60))
	case state.EventResume:
		return fmt.Sprintf("%s | %-16s | from=%s auto=%v", ts, ev.Type,
			payloadStr(ev, "from_phase"), ev.Payload["auto"])
	case state.EventStop:
		line := fmt.Sprintf("%s | %-16s | %s", ts, ev.Type, payloadStr(ev, "reason"))
		if detail := payloadStr(ev, "detail"); detail != "" {
			line += " | " + firstLine(detail, 100)
		}
		return line
	case state.EventHeartbeat:
		return ""
	default:
		return fmt.Sprintf("%s | %-16s |", ts, ev.Type)
	}
}

func payloadStr(ev state.Event, key string) string {
	s, _ := ev.Payload[key].(string)
	return s
}

// payloadNum renders a payload number without the float formatting JSON
// round-trips introduce.
func payloadNum(ev state.Event, key string) any {
	v, ok := ev.Payload[key]
	if !ok {
		return "?"
	}
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return int64(f)
	}
	return v
}

func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}
