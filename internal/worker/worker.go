package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/averraz/pitboss/internal/config"
)

type Request struct {
	Phase   string
	Prompt  string
	RepoDir string
}

type Response struct {
	Body     string // decoded text body per output mode
	Raw      string // raw stdout
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Invoker is the seam between the supervisor and a worker. The process
// implementation spawns a binary; tests substitute in-process fakes.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, req Request) (Response, error)
	Ping(ctx context.Context) error
}

// ProcessWorker runs a configured binary with the prompt on stdin and a hard
// wall-clock cap per call.
type ProcessWorker struct {
	name    string
	cfg     config.WorkerConfig
	timeout time.Duration
}

func NewProcess(name string, cfg config.WorkerConfig, timeout time.Duration) *ProcessWorker {
	if timeout <= 0 {
		timeout = 45 * time.Minute
	}
	return &ProcessWorker{name: name, cfg: cfg, timeout: timeout}
}

func (w *ProcessWorker) Name() string { return w.name }

func (w *ProcessWorker) Ping(ctx context.Context) error {
	if _, err := exec.LookPath(w.cfg.Bin); err != nil {
		return fmt.Errorf("worker %s: %w", w.name, err)
	}
	return nil
}

func (w *ProcessWorker) Invoke(ctx context.Context, req Request) (Response, error) {
	cctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, w.cfg.Bin, w.cfg.Args...)
	cmd.Dir = req.RepoDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	resp := Response{
		Raw:      stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		resp.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runErr != nil {
		timedOut := cctx.Err() == context.DeadlineExceeded
		return resp, &ProcessError{
			Worker: w.name,
			Class:  ClassifyProcessError(resp.Stderr, runErr, timedOut),
			Detail: errorDetail(resp.Stderr, runErr),
			Err:    runErr,
		}
	}

	body, err := DecodeBody(w.cfg.Output, resp.Raw)
	if err != nil {
		return resp, &BodyDecodeError{Mode: w.cfg.Output, Err: err}
	}
	resp.Body = body
	return resp, nil
}

// DecodeBody turns raw worker stdout into the text body the framed-JSON
// extraction runs over.
func DecodeBody(mode config.OutputMode, raw string) (string, error) {
	switch mode {
	case config.OutputJSON:
		return decodeJSONBody(raw)
	case config.OutputJSONL:
		return decodeJSONLBody(raw)
	default:
		return raw, nil
	}
}

func errorDetail(stderr string, runErr error) string {
	if line := firstNonEmptyLine(stderr); line != "" {
		return line
	}
	if runErr != nil {
		return strings.TrimSpace(runErr.Error())
	}
	return "worker invocation failed"
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
