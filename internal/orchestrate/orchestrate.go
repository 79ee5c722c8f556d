package orchestrate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/averraz/pitboss/internal/engine"
	"github.com/averraz/pitboss/internal/scope"
	"github.com/averraz/pitboss/internal/state"
	"github.com/averraz/pitboss/internal/store"
)

// Policy decides what happens when a step's ownership claim collides with a
// claim held by a running track.
type Policy string

const (
	PolicySerialize Policy = "serialize" // conflicting step waits its turn
	PolicyForce     Policy = "force"     // launch anyway; caller accepts merge risk
	PolicyFail      Policy = "fail"      // abort the orchestration
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PolicySerialize:
		return PolicySerialize, nil
	case PolicyForce, PolicyFail:
		return p, nil
	default:
		return "", fmt.Errorf("unknown claim policy %q (want serialize, force, or fail)", s)
	}
}

// Step statuses recorded in orchestration state.
const (
	StepPending = "pending"
	StepRunning = "running"
	StepDone    = "done"
	StepStopped = "stopped"
	StepSkipped = "skipped" // an earlier step on the track stopped
)

// Orchestration statuses.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusBlocked = "blocked"
	StatusFailed  = "failed"
)

// Orchestration timeline event types.
const (
	eventStarted       = "orchestration_started"
	eventTrackLaunch   = "track_launch"
	eventStepFinished  = "step_finished"
	eventClaimConflict = "claim_conflict"
	eventDone          = "orchestration_done"
	eventBlocked       = "orchestration_blocked"
)

// ClaimConflictError reports an ownership collision under the fail policy.
type ClaimConflictError struct {
	Track   string
	Step    int // 1-based
	Pattern string
	Held    string // pattern already claimed
	HeldBy  string // run id holding it
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("track %s step %d: claim %s conflicts with %s held by run %s",
		e.Track, e.Step, e.Pattern, e.Held, e.HeldBy)
}

// StepState is one step's progress; steps are matched to the track file by
// position.
type StepState struct {
	Status     string `json:"status"`
	RunID      string `json:"run_id,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// State is the persisted orchestration snapshot, rewritten after every
// scheduling action. A single orchestrator process owns it.
type State struct {
	SchemaVersion string                 `json:"schema_version"`
	OrchID        string                 `json:"orch_id"`
	Policy        Policy                 `json:"policy"`
	Worktrees     bool                   `json:"worktrees"`
	Status        string                 `json:"status"`
	Tracks        map[string][]StepState `json:"tracks"`
	ActiveRuns    map[string]string      `json:"active_runs,omitempty"`      // track -> run id
	Claims        map[string]string      `json:"ownership_claims,omitempty"` // pattern -> run id
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`

	Dir string `json:"-"` // orchestration directory under the runs root
}

// Orchestrator schedules runs across tracks. Within a track, steps run in
// order; across tracks, admission is gated by ownership claims under the
// configured policy. Worktrees mode records claims without blocking, since
// every run gets an isolated checkout.
type Orchestrator struct {
	RunsRoot  string
	Policy    Policy
	Worktrees bool
	Runner    Runner
	Now       func() time.Time

	// Progress, when set, observes each timeline event as it is appended.
	Progress func(ev state.Event)
}

// Run drives the track file to completion. It returns the final persisted
// state; the error is non-nil when the orchestration failed, blocked, or was
// cancelled.
func (o *Orchestrator) Run(ctx context.Context, tf *TrackFile) (*State, error) {
	if o.Runner == nil {
		return nil, fmt.Errorf("orchestrator requires a runner")
	}
	policy, err := ParsePolicy(string(o.Policy))
	if err != nil {
		return nil, err
	}
	now := o.Now
	if now == nil {
		now = time.Now
	}
	runsRoot := o.RunsRoot
	if runsRoot == "" {
		runsRoot = engine.DefaultRunsRoot()
	}

	s, err := newScheduler(o, tf, policy, runsRoot, now)
	if err != nil {
		return nil, err
	}
	return s.run(ctx)
}

type trackResult struct {
	track string
	index int
	res   Result
}

type scheduler struct {
	o       *Orchestrator
	tf      *TrackFile
	names   []string
	policy  Policy
	now     func() time.Time
	st      *State
	seq     int64
	running int
	results chan trackResult
}

func newScheduler(o *Orchestrator, tf *TrackFile, policy Policy, runsRoot string, now func() time.Time) (*scheduler, error) {
	orchID := ulid.Make().String()
	dir := filepath.Join(runsRoot, "orchestrations", orchID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create orchestration dir: %w", err)
	}

	ts := now().UTC()
	st := &State{
		SchemaVersion: state.SchemaVersion,
		OrchID:        orchID,
		Policy:        policy,
		Worktrees:     o.Worktrees,
		Status:        StatusRunning,
		Tracks:        map[string][]StepState{},
		ActiveRuns:    map[string]string{},
		Claims:        map[string]string{},
		CreatedAt:     ts,
		UpdatedAt:     ts,
		Dir:           dir,
	}
	names := tf.TrackNames()
	total := 0
	for _, name := range names {
		steps := make([]StepState, len(tf.Tracks[name]))
		for i := range steps {
			steps[i].Status = StepPending
		}
		st.Tracks[name] = steps
		total += len(steps)
	}

	if err := store.WriteJSONAtomic(filepath.Join(dir, "tracks.snapshot.json"), tf); err != nil {
		return nil, err
	}
	s := &scheduler{
		o:       o,
		tf:      tf,
		names:   names,
		policy:  policy,
		now:     now,
		st:      st,
		results: make(chan trackResult, total),
	}
	s.appendEvent(eventStarted, map[string]any{
		"policy":    string(policy),
		"worktrees": o.Worktrees,
		"tracks":    len(names),
		"steps":     total,
	})
	if err := s.persist(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *scheduler) run(ctx context.Context) (*State, error) {
	for {
		launched, err := s.launchOne(ctx)
		if err != nil {
			s.st.Status = StatusFailed
			s.persistBestEffort()
			return s.st, err
		}
		if launched {
			continue
		}
		if s.running > 0 {
			if err := s.awaitOne(ctx); err != nil {
				s.persistBestEffort()
				return s.st, err
			}
			continue
		}
		if s.allSettled() {
			s.st.Status = StatusDone
			s.appendEvent(eventDone, s.tally())
			if err := s.persist(); err != nil {
				return s.st, err
			}
			return s.st, nil
		}
		// Pending steps remain but nothing is running and nothing can
		// launch. Claims are released on completion, so this branch means
		// the schedule itself is wedged.
		s.st.Status = StatusBlocked
		s.appendEvent(eventBlocked, map[string]any{"waiting": s.waiting()})
		if err := s.persist(); err != nil {
			return s.st, err
		}
		return s.st, fmt.Errorf("orchestration %s blocked: no step can launch", s.st.OrchID)
	}
}

// launchOne starts at most one ready step. One scheduling action per
// iteration keeps the timeline an exact record of admission order.
func (s *scheduler) launchOne(ctx context.Context) (bool, error) {
	for _, name := range s.names {
		steps := s.st.Tracks[name]
		idx, ok := s.nextStep(steps)
		if !ok {
			continue
		}
		step := s.tf.Tracks[name][idx]

		if pattern, held, heldBy, conflict := s.conflict(step.Owns); conflict && !s.st.Worktrees {
			switch s.policy {
			case PolicyFail:
				cerr := &ClaimConflictError{
					Track: name, Step: idx + 1,
					Pattern: pattern, Held: held, HeldBy: heldBy,
				}
				s.appendEvent(eventClaimConflict, map[string]any{
					"track": name, "step": idx + 1,
					"pattern": pattern, "held": held, "held_by": heldBy,
					"policy": string(s.policy),
				})
				return false, cerr
			case PolicyForce:
				s.appendEvent(eventClaimConflict, map[string]any{
					"track": name, "step": idx + 1,
					"pattern": pattern, "held": held, "held_by": heldBy,
					"policy": string(s.policy), "forced": true,
				})
			default: // serialize: the track waits
				continue
			}
		}

		launch, err := s.o.Runner.Start(ctx, LaunchRequest{
			Track:     name,
			Index:     idx,
			Task:      step.Task,
			Allowlist: step.Allowlist,
			Owns:      step.Owns,
		})
		if err != nil {
			return false, fmt.Errorf("launch track %s step %d: %w", name, idx+1, err)
		}

		s.st.Tracks[name][idx].Status = StepRunning
		s.st.Tracks[name][idx].RunID = launch.RunID
		s.st.ActiveRuns[name] = launch.RunID
		for _, p := range step.Owns {
			s.st.Claims[p] = launch.RunID
		}
		s.running++
		go func(track string, index int, done <-chan Result) {
			s.results <- trackResult{track: track, index: index, res: <-done}
		}(name, idx, launch.Done)

		s.appendEvent(eventTrackLaunch, map[string]any{
			"track": name, "step": idx + 1,
			"run_id": launch.RunID, "owns": step.Owns,
		})
		if err := s.persist(); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// nextStep returns the first pending step of a track, or false when the
// track is busy or finished.
func (s *scheduler) nextStep(steps []StepState) (int, bool) {
	for i := range steps {
		switch steps[i].Status {
		case StepRunning:
			return 0, false
		case StepPending:
			return i, true
		}
	}
	return 0, false
}

// conflict reports the first overlap between the step's claims and the
// claims held by running tracks.
func (s *scheduler) conflict(owns []string) (pattern, held, heldBy string, found bool) {
	for _, p := range owns {
		for h, runID := range s.st.Claims {
			if scope.PatternsOverlap(p, h) {
				return p, h, runID, true
			}
		}
	}
	return "", "", "", false
}

func (s *scheduler) awaitOne(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case tr := <-s.results:
		s.running--
		step := &s.st.Tracks[tr.track][tr.index]
		step.Status = terminalStatus(tr.res)
		step.StopReason = string(tr.res.StopReason)
		if tr.res.Err != nil {
			step.Error = tr.res.Err.Error()
		}
		delete(s.st.ActiveRuns, tr.track)
		for p, runID := range s.st.Claims {
			if runID == step.RunID {
				delete(s.st.Claims, p)
			}
		}
		if step.Status == StepStopped {
			s.skipRemaining(tr.track, tr.index+1)
		}
		s.appendEvent(eventStepFinished, map[string]any{
			"track": tr.track, "step": tr.index + 1,
			"run_id": step.RunID, "status": step.Status,
			"stop_reason": step.StopReason,
		})
		return s.persist()
	}
}

// skipRemaining marks a stopped track's later steps skipped; their inputs
// assumed the earlier step's work.
func (s *scheduler) skipRemaining(track string, from int) {
	steps := s.st.Tracks[track]
	for i := from; i < len(steps); i++ {
		if steps[i].Status == StepPending {
			steps[i].Status = StepSkipped
		}
	}
}

func (s *scheduler) allSettled() bool {
	for _, steps := range s.st.Tracks {
		for i := range steps {
			switch steps[i].Status {
			case StepDone, StepStopped, StepSkipped:
			default:
				return false
			}
		}
	}
	return true
}

func (s *scheduler) tally() map[string]any {
	var done, stopped, skipped int
	for _, steps := range s.st.Tracks {
		for i := range steps {
			switch steps[i].Status {
			case StepDone:
				done++
			case StepStopped:
				stopped++
			case StepSkipped:
				skipped++
			}
		}
	}
	return map[string]any{"done": done, "stopped": stopped, "skipped": skipped}
}

func (s *scheduler) waiting() []string {
	var out []string
	for _, name := range s.names {
		for i, step := range s.st.Tracks[name] {
			if step.Status == StepPending {
				out = append(out, fmt.Sprintf("%s:%d", name, i+1))
			}
		}
	}
	return out
}

func (s *scheduler) appendEvent(kind string, payload map[string]any) {
	s.seq++
	ev := state.Event{
		Seq:     s.seq,
		TS:      s.now().UTC(),
		Type:    kind,
		Source:  "orchestrator",
		Payload: payload,
	}
	// Timeline append failures must not derail scheduling; state.json is the
	// authoritative record and is persisted separately.
	_ = store.AppendJSONLine(filepath.Join(s.st.Dir, "timeline.jsonl"), ev)
	if s.o.Progress != nil {
		s.o.Progress(ev)
	}
}

func (s *scheduler) persist() error {
	s.st.UpdatedAt = s.now().UTC()
	return store.WriteJSONAtomic(filepath.Join(s.st.Dir, "state.json"), s.st)
}

func (s *scheduler) persistBestEffort() { _ = s.persist() }

// ReadTimeline loads an orchestration's appended events in order.
func ReadTimeline(dir string) ([]state.Event, error) {
	f, err := os.Open(filepath.Join(dir, "timeline.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []state.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev state.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("decode orchestration timeline line: %w", err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
