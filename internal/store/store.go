package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/averraz/pitboss/internal/state"
)

var ErrNotFound = errors.New("not found")

// IOError wraps a failed store write so callers can map it onto the
// store_io_error stop reason.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

const (
	stateFile     = "state.json"
	timelineFile  = "timeline.jsonl"
	seqFile       = "seq.txt"
	planFile      = "plan.md"
	summaryFile   = "summary.md"
	configFile    = "config.snapshot.json"
	fingerFile    = "env.fingerprint.json"
	pidFile       = "run.pid"
	artifactsDir  = "artifacts"
	handoffsDir   = "handoffs"
	checkpointDir = "checkpoints"
	receiptsDir   = "receipts"
)

// Store exclusively owns every byte under one run directory. All mutations
// funnel through it; the timeline is append-only and seq values are assigned
// here.
type Store struct {
	root  string
	runID string
	dir   string

	mu  sync.Mutex
	seq int64
}

// Init creates a fresh run directory with an empty timeline and a zeroed
// sequence counter. It fails if the directory already exists.
func Init(root, runID string) (*Store, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is empty")
	}
	dir := filepath.Join(root, runID)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("run directory %s already exists", dir)
	}
	for _, d := range []string{dir, filepath.Join(dir, artifactsDir), filepath.Join(dir, handoffsDir), filepath.Join(dir, checkpointDir), filepath.Join(dir, receiptsDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, &IOError{Op: "init", Err: err}
		}
	}
	if err := WriteFileAtomic(filepath.Join(dir, seqFile), []byte("0\n")); err != nil {
		return nil, &IOError{Op: "init seq", Err: err}
	}
	if err := WriteFileAtomic(filepath.Join(dir, timelineFile), nil); err != nil {
		return nil, &IOError{Op: "init timeline", Err: err}
	}
	return &Store{root: root, runID: runID, dir: dir}, nil
}

// Open attaches to an existing run directory. The sequence counter is
// reconciled against the last timeline line so a crash between an event
// append and the counter write can never produce duplicate seq values.
func Open(root, runID string) (*Store, error) {
	dir := filepath.Join(root, runID)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	s := &Store{root: root, runID: runID, dir: dir}
	counter, err := s.readCounter()
	if err != nil {
		return nil, err
	}
	last, err := s.lastTimelineSeq()
	if err != nil {
		return nil, err
	}
	if last > counter {
		counter = last
	}
	s.seq = counter
	return s, nil
}

func (s *Store) RunID() string          { return s.runID }
func (s *Store) Dir() string            { return s.dir }
func (s *Store) ArtifactsDir() string   { return filepath.Join(s.dir, artifactsDir) }
func (s *Store) HandoffsDir() string    { return filepath.Join(s.dir, handoffsDir) }
func (s *Store) CheckpointsDir() string { return filepath.Join(s.dir, checkpointDir) }

// WriteState atomically replaces state.json.
func (s *Store) WriteState(st *state.RunState) error {
	st.Canonicalize()
	if err := WriteJSONAtomic(filepath.Join(s.dir, stateFile), st); err != nil {
		return &IOError{Op: "write state", Err: err}
	}
	return nil
}

func (s *Store) ReadState() (*state.RunState, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var st state.RunState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode state.json: %w", err)
	}
	if err := state.CheckSchemaVersion(st.SchemaVersion); err != nil {
		return nil, err
	}
	return &st, nil
}

// AppendEvent assigns the next seq, appends one timeline line, then persists
// the counter. On append failure the counter is not consumed.
func (s *Store) AppendEvent(kind, source string, payload map[string]any) (state.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := state.Event{
		Seq:     s.seq + 1,
		TS:      time.Now().UTC(),
		Type:    kind,
		Source:  source,
		Payload: payload,
	}
	if err := AppendJSONLine(filepath.Join(s.dir, timelineFile), ev); err != nil {
		return state.Event{}, &IOError{Op: "append event", Err: err}
	}
	s.seq = ev.Seq
	if err := WriteFileAtomic(filepath.Join(s.dir, seqFile), []byte(strconv.FormatInt(s.seq, 10)+"\n")); err != nil {
		return state.Event{}, &IOError{Op: "write seq", Err: err}
	}
	return ev, nil
}

func (s *Store) ReadEvents() ([]state.Event, error) {
	f, err := os.Open(filepath.Join(s.dir, timelineFile))
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
			return nil, fmt.Errorf("decode timeline line: %w", err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) WriteArtifact(name string, data []byte) error {
	path, err := s.memberPath(artifactsDir, name)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(path, data); err != nil {
		return &IOError{Op: "write artifact " + name, Err: err}
	}
	return nil
}

func (s *Store) WriteMemo(name, text string) error {
	path, err := s.memberPath(handoffsDir, name)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(path, []byte(text)); err != nil {
		return &IOError{Op: "write memo " + name, Err: err}
	}
	return nil
}

func (s *Store) WritePlan(text string) error {
	if err := WriteFileAtomic(filepath.Join(s.dir, planFile), []byte(text)); err != nil {
		return &IOError{Op: "write plan", Err: err}
	}
	return nil
}

func (s *Store) WriteSummary(text string) error {
	if err := WriteFileAtomic(filepath.Join(s.dir, summaryFile), []byte(text)); err != nil {
		return &IOError{Op: "write summary", Err: err}
	}
	return nil
}

func (s *Store) WriteConfigSnapshot(v any) error {
	if err := WriteJSONAtomic(filepath.Join(s.dir, configFile), v); err != nil {
		return &IOError{Op: "write config snapshot", Err: err}
	}
	return nil
}

// ReadConfigSnapshot returns the raw bytes of the config the run started
// with. The caller decodes; the store does not know the config schema.
func (s *Store) ReadConfigSnapshot() ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func (s *Store) WriteFingerprint(fp *state.EnvFingerprint) error {
	if err := WriteJSONAtomic(filepath.Join(s.dir, fingerFile), fp); err != nil {
		return &IOError{Op: "write fingerprint", Err: err}
	}
	return nil
}

func (s *Store) ReadFingerprint() (*state.EnvFingerprint, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, fingerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var fp state.EnvFingerprint
	if err := json.Unmarshal(b, &fp); err != nil {
		return nil, fmt.Errorf("decode env.fingerprint.json: %w", err)
	}
	return &fp, nil
}

func (s *Store) WriteSidecar(sc *state.CheckpointSidecar) error {
	if strings.TrimSpace(sc.CommitSHA) == "" {
		return fmt.Errorf("sidecar has no commit sha")
	}
	path := filepath.Join(s.dir, checkpointDir, sc.CommitSHA+".json")
	if err := WriteJSONAtomic(path, sc); err != nil {
		return &IOError{Op: "write sidecar", Err: err}
	}
	return nil
}

func (s *Store) ReadSidecar(sha string) (*state.CheckpointSidecar, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, checkpointDir, sha+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var sc state.CheckpointSidecar
	if err := json.Unmarshal(b, &sc); err != nil {
		return nil, fmt.Errorf("decode sidecar %s: %w", sha, err)
	}
	return &sc, nil
}

// ReadReceipts loads intervention receipts contributed by external tooling.
// Malformed entries are skipped; the core never writes here.
func (s *Store) ReadReceipts() ([]state.InterventionReceipt, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, receiptsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	var receipts []state.InterventionReceipt
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(s.dir, receiptsDir, name))
		if err != nil {
			continue
		}
		var r state.InterventionReceipt
		if err := json.Unmarshal(b, &r); err != nil {
			continue
		}
		receipts = append(receipts, r)
	}
	return receipts, nil
}

func (s *Store) WritePID(pid int) error {
	return WriteFileAtomic(filepath.Join(s.dir, pidFile), []byte(strconv.Itoa(pid)+"\n"))
}

func (s *Store) ReadPID() (int, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, pidFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("run.pid is malformed")
	}
	return pid, nil
}

func (s *Store) memberPath(sub, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("artifact name %q escapes the run directory", name)
	}
	path := filepath.Join(s.dir, sub, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", &IOError{Op: "mkdir " + sub, Err: err}
	}
	return path, nil
}

func (s *Store) readCounter() (int64, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, seqFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("seq.txt is malformed: %w", err)
	}
	return n, nil
}

// lastTimelineSeq scans to the final line; timelines can carry long payload
// lines so the scanner buffer is widened.
func (s *Store) lastTimelineSeq() (int64, error) {
	f, err := os.Open(filepath.Join(s.dir, timelineFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var lastLine string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 2*1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lastLine = line
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if lastLine == "" {
		return 0, nil
	}
	var ev state.Event
	if err := json.Unmarshal([]byte(lastLine), &ev); err != nil {
		return 0, fmt.Errorf("decode last timeline line: %w", err)
	}
	return ev.Seq, nil
}

// ListRuns returns run ids under root in lexical (chronological) order.
func ListRuns(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && runIDLike(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func runIDLike(name string) bool {
	if len(name) != 14 {
		return false
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
