package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/averraz/pitboss/internal/phase"
)

// fakeRunner hands out pre-scripted results immediately. Launch order is the
// scheduler's admission order, so the recorded sequence is the behavior
// under test.
type fakeRunner struct {
	mu       sync.Mutex
	launches []string          // "track:step"
	results  map[string]Result // keyed "track:step"; zero value means complete
	startErr map[string]error
	nextID   int
}

func (f *fakeRunner) Start(_ context.Context, req LaunchRequest) (*Launch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s:%d", req.Track, req.Index+1)
	if err := f.startErr[key]; err != nil {
		return nil, err
	}
	f.launches = append(f.launches, key)
	f.nextID++
	runID := fmt.Sprintf("run%03d", f.nextID)
	res, ok := f.results[key]
	if !ok {
		res = Result{StopReason: phase.StopComplete}
	}
	res.RunID = runID
	done := make(chan Result, 1)
	done <- res
	return &Launch{RunID: runID, Done: done}, nil
}

func (f *fakeRunner) launched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.launches...)
}

func overlappingTracks() *TrackFile {
	return &TrackFile{Tracks: map[string][]Step{
		"alpha": {{Task: "refactor the a package", Owns: []string{"src/a/**"}}},
		"beta":  {{Task: "extend the a/x subpackage", Owns: []string{"src/a/x/**"}}},
	}}
}

func runOrchestration(t *testing.T, o *Orchestrator, tf *TrackFile) (*State, error) {
	t.Helper()
	if o.RunsRoot == "" {
		o.RunsRoot = t.TempDir()
	}
	return o.Run(context.Background(), tf)
}

// eventTypes flattens the persisted timeline into its type sequence.
func eventTypes(t *testing.T, st *State) []string {
	t.Helper()
	events, err := ReadTimeline(st.Dir)
	if err != nil {
		t.Fatalf("read timeline: %v", err)
	}
	var prev int64
	types := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.Seq <= prev {
			t.Fatalf("timeline seq not increasing: %d after %d", ev.Seq, prev)
		}
		prev = ev.Seq
		if ev.Source != "orchestrator" {
			t.Fatalf("event source = %q, want orchestrator", ev.Source)
		}
		types = append(types, ev.Type)
	}
	return types
}

func TestSerializePolicyRunsOverlappingTracksSequentially(t *testing.T) {
	fr := &fakeRunner{}
	st, err := runOrchestration(t, &Orchestrator{Policy: PolicySerialize, Runner: fr}, overlappingTracks())
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if st.Status != StatusDone {
		t.Fatalf("status = %q, want %q", st.Status, StatusDone)
	}
	wantLaunches := []string{"alpha:1", "beta:1"}
	if got := fr.launched(); !equalStrings(got, wantLaunches) {
		t.Fatalf("launch order = %v, want %v", got, wantLaunches)
	}
	// The conflicting track must wait: alpha finishes before beta launches.
	want := []string{
		"orchestration_started",
		"track_launch", "step_finished",
		"track_launch", "step_finished",
		"orchestration_done",
	}
	if got := eventTypes(t, st); !equalStrings(got, want) {
		t.Fatalf("timeline = %v, want %v", got, want)
	}
	for _, track := range []string{"alpha", "beta"} {
		if got := st.Tracks[track][0].Status; got != StepDone {
			t.Fatalf("track %s status = %q, want %q", track, got, StepDone)
		}
		if st.Tracks[track][0].RunID == "" {
			t.Fatalf("track %s has no run id", track)
		}
	}
	if len(st.Claims) != 0 || len(st.ActiveRuns) != 0 {
		t.Fatalf("claims/active runs not released: %v / %v", st.Claims, st.ActiveRuns)
	}

	// The snapshot on disk is the same record.
	b, err := os.ReadFile(filepath.Join(st.Dir, "state.json"))
	if err != nil {
		t.Fatalf("read state.json: %v", err)
	}
	var onDisk State
	if err := json.Unmarshal(b, &onDisk); err != nil {
		t.Fatalf("decode state.json: %v", err)
	}
	if onDisk.OrchID != st.OrchID || onDisk.Status != StatusDone {
		t.Fatalf("on-disk state = %s/%s, want %s/%s", onDisk.OrchID, onDisk.Status, st.OrchID, StatusDone)
	}
	if _, err := os.Stat(filepath.Join(st.Dir, "tracks.snapshot.json")); err != nil {
		t.Fatalf("tracks snapshot missing: %v", err)
	}
}

func TestFailPolicyStopsOnClaimConflict(t *testing.T) {
	fr := &fakeRunner{}
	st, err := runOrchestration(t, &Orchestrator{Policy: PolicyFail, Runner: fr}, overlappingTracks())
	var cerr *ClaimConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want ClaimConflictError", err)
	}
	if cerr.Track != "beta" || cerr.Step != 1 {
		t.Fatalf("conflict at %s:%d, want beta:1", cerr.Track, cerr.Step)
	}
	if cerr.Pattern != "src/a/x/**" || cerr.Held != "src/a/**" {
		t.Fatalf("conflict %s vs %s, want src/a/x/** vs src/a/**", cerr.Pattern, cerr.Held)
	}
	if cerr.HeldBy == "" {
		t.Fatal("conflict does not name the holding run")
	}
	if st.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", st.Status, StatusFailed)
	}
	// The launched run is abandoned mid-flight, still resumable by hand.
	if got := st.Tracks["alpha"][0].Status; got != StepRunning {
		t.Fatalf("alpha status = %q, want %q", got, StepRunning)
	}
	if got := fr.launched(); !equalStrings(got, []string{"alpha:1"}) {
		t.Fatalf("launches = %v, want only alpha:1", got)
	}
	types := eventTypes(t, st)
	if !containsString(types, "claim_conflict") {
		t.Fatalf("timeline %v has no claim_conflict event", types)
	}
}

func TestForcePolicyLaunchesThroughConflict(t *testing.T) {
	fr := &fakeRunner{}
	st, err := runOrchestration(t, &Orchestrator{Policy: PolicyForce, Runner: fr}, overlappingTracks())
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if st.Status != StatusDone {
		t.Fatalf("status = %q, want %q", st.Status, StatusDone)
	}
	types := eventTypes(t, st)
	if lastIndex(types, "track_launch") > firstIndex(types, "step_finished") {
		t.Fatalf("force policy serialized the launches: %v", types)
	}
	conflicts := 0
	events, err := ReadTimeline(st.Dir)
	if err != nil {
		t.Fatalf("read timeline: %v", err)
	}
	for _, ev := range events {
		if ev.Type != "claim_conflict" {
			continue
		}
		conflicts++
		if forced, _ := ev.Payload["forced"].(bool); !forced {
			t.Fatalf("claim_conflict payload not marked forced: %v", ev.Payload)
		}
	}
	if conflicts != 1 {
		t.Fatalf("claim_conflict events = %d, want 1", conflicts)
	}
}

func TestWorktreeIsolationRecordsClaimsWithoutBlocking(t *testing.T) {
	fr := &fakeRunner{}
	st, err := runOrchestration(t, &Orchestrator{Policy: PolicySerialize, Worktrees: true, Runner: fr}, overlappingTracks())
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	types := eventTypes(t, st)
	if containsString(types, "claim_conflict") {
		t.Fatalf("isolated runs must not conflict: %v", types)
	}
	if lastIndex(types, "track_launch") > firstIndex(types, "step_finished") {
		t.Fatalf("worktree mode serialized the launches: %v", types)
	}
	// Claims were recorded per launch even though they never blocked.
	events, _ := ReadTimeline(st.Dir)
	for _, ev := range events {
		if ev.Type != "track_launch" {
			continue
		}
		if owns, _ := ev.Payload["owns"].([]any); len(owns) != 1 {
			t.Fatalf("launch event did not record claims: %v", ev.Payload)
		}
	}
	if len(st.Claims) != 0 {
		t.Fatalf("claims not released after completion: %v", st.Claims)
	}
}

func TestTrackStepsRunInOrder(t *testing.T) {
	fr := &fakeRunner{}
	tf := &TrackFile{Tracks: map[string][]Step{
		"solo": {
			{Task: "step one"},
			{Task: "step two"},
			{Task: "step three"},
		},
	}}
	st, err := runOrchestration(t, &Orchestrator{Runner: fr}, tf)
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if got := fr.launched(); !equalStrings(got, []string{"solo:1", "solo:2", "solo:3"}) {
		t.Fatalf("launch order = %v", got)
	}
	// One step in flight per track: every launch follows the prior finish.
	want := []string{
		"orchestration_started",
		"track_launch", "step_finished",
		"track_launch", "step_finished",
		"track_launch", "step_finished",
		"orchestration_done",
	}
	if got := eventTypes(t, st); !equalStrings(got, want) {
		t.Fatalf("timeline = %v, want %v", got, want)
	}
}

func TestStoppedStepSkipsRestOfTrack(t *testing.T) {
	fr := &fakeRunner{results: map[string]Result{
		"solo:1": {StopReason: phase.StopGuardViolation},
	}}
	tf := &TrackFile{Tracks: map[string][]Step{
		"solo":  {{Task: "first"}, {Task: "second"}, {Task: "third"}},
		"other": {{Task: "independent"}},
	}}
	st, err := runOrchestration(t, &Orchestrator{Runner: fr}, tf)
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if st.Status != StatusDone {
		t.Fatalf("status = %q, want %q", st.Status, StatusDone)
	}
	wantSolo := []string{StepStopped, StepSkipped, StepSkipped}
	for i, want := range wantSolo {
		if got := st.Tracks["solo"][i].Status; got != want {
			t.Fatalf("solo step %d status = %q, want %q", i+1, got, want)
		}
	}
	if got := st.Tracks["solo"][0].StopReason; got != string(phase.StopGuardViolation) {
		t.Fatalf("solo stop reason = %q", got)
	}
	if got := st.Tracks["other"][0].Status; got != StepDone {
		t.Fatalf("other track status = %q, want %q", got, StepDone)
	}
	if got := fr.launched(); !equalStrings(got, []string{"other:1", "solo:1"}) {
		t.Fatalf("launches = %v, want [other:1 solo:1]", got)
	}
	events, _ := ReadTimeline(st.Dir)
	for _, ev := range events {
		if ev.Type != "orchestration_done" {
			continue
		}
		if ev.Payload["done"] != float64(1) || ev.Payload["stopped"] != float64(1) || ev.Payload["skipped"] != float64(2) {
			t.Fatalf("done tally = %v", ev.Payload)
		}
	}
}

func TestLaunchFailureFailsOrchestration(t *testing.T) {
	fr := &fakeRunner{startErr: map[string]error{
		"bad:1": fmt.Errorf("worker ping: connection refused"),
	}}
	tf := &TrackFile{Tracks: map[string][]Step{"bad": {{Task: "never starts"}}}}
	st, err := runOrchestration(t, &Orchestrator{Runner: fr}, tf)
	if err == nil || !strings.Contains(err.Error(), "launch track bad step 1") {
		t.Fatalf("err = %v, want launch failure", err)
	}
	if st.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", st.Status, StatusFailed)
	}
}

func TestParsePolicy(t *testing.T) {
	cases := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{in: "", want: PolicySerialize},
		{in: "serialize", want: PolicySerialize},
		{in: " Force ", want: PolicyForce},
		{in: "FAIL", want: PolicyFail},
		{in: "merge", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParsePolicy(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParsePolicy(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParsePolicy(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestLoadTracks(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	write("task-a.md", "Port the parser to the new AST.\n")
	path := write("tracks.yaml", `
schema_version: "1"
tracks:
  parser:
    - task_file: task-a.md
      allowlist: ["src/parser/"]
      owns: ["src/parser/**"]
  docs:
    - task: "Refresh the README examples."
`)
	tf, err := LoadTracks(path)
	if err != nil {
		t.Fatalf("LoadTracks: %v", err)
	}
	if got := tf.TrackNames(); !equalStrings(got, []string{"docs", "parser"}) {
		t.Fatalf("track names = %v", got)
	}
	step := tf.Tracks["parser"][0]
	if !strings.Contains(step.Task, "Port the parser") {
		t.Fatalf("task_file not inlined: %q", step.Task)
	}
	if !equalStrings(step.Allowlist, []string{"src/parser/**"}) {
		t.Fatalf("allowlist not normalized: %v", step.Allowlist)
	}

	bad := []struct {
		name, body, want string
	}{
		{"empty.yaml", "tracks: {}\n", "no tracks"},
		{"nosteps.yaml", "tracks:\n  a: []\n", "has no steps"},
		{"both.yaml", "tracks:\n  a:\n    - task: x\n      task_file: y.md\n", "exactly one of task or task_file"},
		{"neither.yaml", "tracks:\n  a:\n    - allowlist: [\"src/\"]\n", "exactly one of task or task_file"},
		{"badpattern.yaml", "tracks:\n  a:\n    - task: x\n      owns: [\"src/[\"]\n", "invalid owns pattern"},
		{"unknown.yaml", "track:\n  a:\n    - task: x\n", "field track not found"},
		{"missingfile.yaml", "tracks:\n  a:\n    - task_file: nope.md\n", "task file"},
		{"version.yaml", "schema_version: \"2\"\ntracks:\n  a:\n    - task: x\n", "unsupported"},
	}
	for _, tc := range bad {
		p := write(tc.name, tc.body)
		if _, err := LoadTracks(p); err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("LoadTracks(%s) err = %v, want substring %q", tc.name, err, tc.want)
		}
	}

	if _, err := LoadTracks(filepath.Join(dir, "absent.yaml")); err == nil {
		t.Fatal("expected error for missing track file")
	}
}

func TestReadTimelineMissingDirIsEmpty(t *testing.T) {
	events, err := ReadTimeline(filepath.Join(t.TempDir(), "nope"))
	if err != nil || events != nil {
		t.Fatalf("got %v, %v; want nil, nil", events, err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsString(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}

func firstIndex(ss []string, want string) int {
	for i, s := range ss {
		if s == want {
			return i
		}
	}
	return len(ss)
}

func lastIndex(ss []string, want string) int {
	for i := len(ss) - 1; i >= 0; i-- {
		if ss[i] == want {
			return i
		}
	}
	return -1
}
