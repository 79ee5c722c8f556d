package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/averraz/pitboss/internal/config"
	"github.com/averraz/pitboss/internal/diagnose"
	"github.com/averraz/pitboss/internal/phase"
	"github.com/averraz/pitboss/internal/state"
	"github.com/averraz/pitboss/internal/store"
	"github.com/averraz/pitboss/internal/worker"
)

// Options wires one supervisor instance to its run. Workers defaults to
// process workers built from the config; tests substitute in-process fakes.
type Options struct {
	Store   *store.Store
	Config  *config.Config
	RepoDir string
	Workers map[string]worker.Invoker
	Now     func() time.Time
}

// Engine drives one run through the phase pipeline. The loop is strictly
// sequential; the only concurrency is the stall watchdog, which sets a flag
// observed at tick boundaries.
type Engine struct {
	st      *store.Store
	cfg     *config.Config
	repoDir string
	workers map[string]worker.Invoker
	now     func() time.Time

	progressMu     sync.Mutex
	lastProgressAt time.Time

	stallFired atomic.Bool
	cancelFlag atomic.Bool

	// Budget accounting: seconds consumed by earlier sessions of this run
	// plus wall time since this session entered the loop.
	budgetBase float64
	started    time.Time

	// Error class of the most recent worker process failure; the auto-resume
	// wrapper refuses to retry deterministic classes.
	lastStopClass worker.ErrorClass
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Config == nil {
		return nil, fmt.Errorf("engine requires a store and a config")
	}
	e := &Engine{
		st:      opts.Store,
		cfg:     opts.Config,
		repoDir: opts.RepoDir,
		workers: opts.Workers,
		now:     opts.Now,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.workers == nil {
		e.workers = map[string]worker.Invoker{}
		for _, ph := range []string{"plan", "implement", "review"} {
			name, wc, ok := opts.Config.WorkerFor(ph)
			if !ok {
				continue
			}
			e.workers[ph] = worker.NewProcess(name, wc, opts.Config.MaxWorkerCallTime())
		}
	}
	return e, nil
}

// RequestCancel asks the loop to exit at the next tick boundary. The run
// keeps its current phase and no stop reason is recorded.
func (e *Engine) RequestCancel() { e.cancelFlag.Store(true) }

func (e *Engine) invoker(ph string) (worker.Invoker, error) {
	inv, ok := e.workers[ph]
	if !ok || inv == nil {
		return nil, fmt.Errorf("no worker bound for phase %s", ph)
	}
	return inv, nil
}

type stopRequest struct {
	reason  phase.StopReason
	detail  string
	payload map[string]any
}

// Run drives ticks until the run is terminal or preempted, then persists the
// diagnosis. The returned state is the last persisted snapshot.
func (e *Engine) Run(ctx context.Context) (*state.RunState, error) {
	st, err := e.st.ReadState()
	if err != nil {
		return nil, fmt.Errorf("load run state: %w", err)
	}
	e.started = e.now()
	e.budgetBase = st.BudgetUsedSeconds
	e.stallFired.Store(false)
	e.lastStopClass = ""
	e.markProgress(st)

	if err := e.st.WritePID(os.Getpid()); err != nil {
		return st, fmt.Errorf("write pid file: %w", err)
	}

	wctx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	go e.stallWatchdog(wctx, e.cfg.StallTimeout(), 0)

	for {
		if ctx.Err() != nil || e.cancelFlag.Load() {
			// External interrupt: persist and leave without a stop reason.
			if perr := e.persist(st); perr != nil {
				return st, perr
			}
			return st, nil
		}
		done, err := e.Tick(ctx, st)
		if err != nil {
			_ = e.persist(st)
			return st, err
		}
		if done {
			break
		}
	}
	if st.Phase == phase.Stopped {
		e.writeDiagnosis(st)
	}
	return st, nil
}

// Tick is one supervisor iteration: terminal check, budget checks, watchdog
// flag, handler dispatch, persist. It reports whether the run is terminal.
func (e *Engine) Tick(ctx context.Context, st *state.RunState) (bool, error) {
	if st.Phase == phase.Stopped {
		return true, nil
	}
	if used := e.budgetUsed(); used > e.cfg.MaxRunTime() {
		return true, e.applyStop(st, stopRequest{
			reason: phase.StopTimeBudgetExceeded,
			detail: fmt.Sprintf("run used %s of its %s wall budget", used.Round(time.Second), e.cfg.MaxRunTime()),
		})
	}
	if max := e.cfg.Limits.MaxTicks; max > 0 && st.TickCount >= max {
		return true, e.applyStop(st, stopRequest{
			reason: phase.StopMaxTicksReached,
			detail: fmt.Sprintf("tick budget of %d is spent", max),
		})
	}
	if e.stallFired.Load() || e.stalledByClock(st) {
		idle := e.now().Sub(st.LastProgressAt).Round(time.Second)
		return true, e.applyStop(st, stopRequest{
			reason: phase.StopStalledTimeout,
			detail: fmt.Sprintf("no progress for %s (threshold %s)", idle, e.cfg.StallTimeout()),
		})
	}

	st.TickCount++
	stop, err := e.dispatch(ctx, st)
	if err != nil {
		var ioErr *store.IOError
		if errors.As(err, &ioErr) {
			if serr := e.applyStop(st, stopRequest{reason: phase.StopStoreIOError, detail: ioErr.Error()}); serr != nil {
				// The store is unusable; report the original failure.
				return true, err
			}
			return true, nil
		}
		return false, err
	}
	if stop != nil {
		return true, e.applyStop(st, *stop)
	}
	return st.Phase == phase.Stopped, e.persist(st)
}

func (e *Engine) dispatch(ctx context.Context, st *state.RunState) (stop *stopRequest, err error) {
	defer func() {
		if r := recover(); r != nil {
			// A handler panic must still leave a terminal, resumable record.
			stop = &stopRequest{
				reason:  phase.StopStalledTimeout,
				detail:  fmt.Sprintf("supervisor panic in phase %s: %v", st.Phase, r),
				payload: map[string]any{"panic": fmt.Sprint(r)},
			}
			err = nil
		}
	}()
	switch st.Phase {
	case phase.Init:
		return e.handleInit(st)
	case phase.Plan:
		return e.handlePlan(ctx, st)
	case phase.MilestoneStart:
		return e.handleMilestoneStart(st)
	case phase.Implement:
		return e.handleImplement(ctx, st)
	case phase.Verify:
		return e.handleVerify(ctx, st)
	case phase.Review:
		return e.handleReview(ctx, st)
	case phase.Checkpoint:
		return e.handleCheckpoint(st)
	case phase.Finalize:
		return e.handleFinalize(st)
	default:
		return nil, fmt.Errorf("no handler for phase %s", st.Phase)
	}
}

func (e *Engine) applyStop(st *state.RunState, req stopRequest) error {
	st.StoppedInPhase = st.Phase
	st.Phase = phase.Stopped
	st.StopReason = req.reason

	payload := map[string]any{
		"reason":    string(req.reason),
		"family":    string(req.reason.Family()),
		"exit_code": req.reason.ExitCode(),
		"phase":     string(st.StoppedInPhase),
	}
	if req.detail != "" {
		payload["detail"] = req.detail
	}
	for k, v := range req.payload {
		payload[k] = v
	}
	if _, err := e.st.AppendEvent(state.EventStop, "engine", payload); err != nil {
		return err
	}
	return e.persist(st)
}

func (e *Engine) persist(st *state.RunState) error {
	now := e.now().UTC()
	if now.After(st.UpdatedAt) {
		st.UpdatedAt = now
	}
	st.BudgetUsedSeconds = e.budgetUsed().Seconds()
	return e.st.WriteState(st)
}

func (e *Engine) transition(st *state.RunState, to phase.Phase) error {
	from := st.Phase
	if !phase.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	st.Phase = to
	_, err := e.st.AppendEvent(state.EventPhaseTransition, "engine", map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	return err
}

func (e *Engine) markProgress(st *state.RunState) {
	now := e.now().UTC()
	e.progressMu.Lock()
	e.lastProgressAt = now
	e.progressMu.Unlock()
	st.LastProgressAt = now
}

func (e *Engine) lastProgress() time.Time {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	return e.lastProgressAt
}

func (e *Engine) stalledByClock(st *state.RunState) bool {
	threshold := e.cfg.StallTimeout()
	if threshold <= 0 || st.LastProgressAt.IsZero() {
		return false
	}
	return e.now().Sub(st.LastProgressAt) > threshold
}

// stallWatchdog periodically compares the progress clock against the stall
// threshold. It only sets a flag; the loop observes it at the next tick
// boundary, so no handler is ever interrupted mid-phase.
func (e *Engine) stallWatchdog(ctx context.Context, stallAfter, checkEvery time.Duration) {
	if stallAfter <= 0 {
		return
	}
	if checkEvery <= 0 {
		checkEvery = 5 * time.Second
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := e.lastProgress()
			if last.IsZero() {
				continue
			}
			if time.Since(last) >= stallAfter {
				e.stallFired.Store(true)
				return
			}
		}
	}
}

func (e *Engine) budgetUsed() time.Duration {
	return time.Duration(e.budgetBase*float64(time.Second)) + e.now().Sub(e.started)
}

func (e *Engine) writeDiagnosis(st *state.RunState) {
	events, err := e.st.ReadEvents()
	if err != nil {
		events = nil
	}
	receipts, _ := e.st.ReadReceipts()
	rep := diagnose.Diagnose(st, events, receipts)
	_ = e.st.WriteMemo("stop.md", diagnose.RenderMarkdown(rep))
	if b, merr := json.MarshalIndent(rep, "", "  "); merr == nil {
		_ = e.st.WriteMemo("stop.json", string(b)+"\n")
	}
}
