package verify

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/averraz/pitboss/internal/config"
	"github.com/averraz/pitboss/internal/redact"
)

const (
	ReasonCommandFailed   = "command_failed"
	ReasonBudgetExhausted = "time_budget_exhausted"
	ReasonBadCommand      = "bad_command"
)

type Result struct {
	Tier          string        `json:"tier"`
	OK            bool          `json:"ok"`
	FailedCommand string        `json:"failed_command,omitempty"`
	ExitCode      int           `json:"exit_code"`
	Output        string        `json:"output"`
	Duration      time.Duration `json:"duration"`
	Reason        string        `json:"reason,omitempty"`
	Skipped       []string      `json:"skipped,omitempty"`
}

type CapturePolicy struct {
	Mode     config.CaptureMode
	MaxBytes int
	Redact   bool
}

func PolicyFrom(rc config.ReceiptsConfig) CapturePolicy {
	return CapturePolicy{
		Mode:     rc.CaptureCmdOutput,
		MaxBytes: rc.MaxOutputBytes,
		Redact:   rc.Redact == nil || *rc.Redact,
	}
}

// Apply shapes captured output per policy. Redaction runs before truncation
// so a secret can never survive by straddling the cut point.
func (p CapturePolicy) Apply(out string) string {
	if p.Redact {
		out = redact.String(out)
	}
	switch p.Mode {
	case config.CaptureMetadataOnly:
		lines := strings.Count(out, "\n")
		return fmt.Sprintf("[output withheld: %d bytes, %d lines]\n", len(out), lines)
	case config.CaptureFull:
		return out
	default:
		if p.MaxBytes > 0 && len(out) > p.MaxBytes {
			dropped := len(out) - p.MaxBytes
			return out[:p.MaxBytes] + fmt.Sprintf("\n[truncated %d bytes]\n", dropped)
		}
		return out
	}
}

// Run executes one tier's commands sequentially in cwd. Commands are argv
// strings executed directly, no shell. The first non-zero exit fails the
// tier; a budget expiring mid-tier fails it with the remaining commands
// skipped but the partial log intact.
func Run(ctx context.Context, tier string, commands []string, cwd string, budget time.Duration, policy CapturePolicy) Result {
	res := Result{Tier: tier, OK: true, ExitCode: 0}
	start := time.Now()
	deadline := start.Add(budget)
	var buf bytes.Buffer

	for i, cmdStr := range commands {
		remaining := budget
		if budget > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				res.OK = false
				res.Reason = ReasonBudgetExhausted
				res.FailedCommand = cmdStr
				res.ExitCode = -1
				res.Skipped = append([]string(nil), commands[i:]...)
				fmt.Fprintf(&buf, "$ %s\n[skipped: verification budget exhausted]\n", cmdStr)
				break
			}
		}

		argv, err := SplitCommand(cmdStr)
		if err != nil || len(argv) == 0 {
			res.OK = false
			res.Reason = ReasonBadCommand
			res.FailedCommand = cmdStr
			res.ExitCode = -1
			fmt.Fprintf(&buf, "$ %s\nerror: %v\n", cmdStr, err)
			break
		}

		cctx := ctx
		cancel := context.CancelFunc(func() {})
		if budget > 0 {
			cctx, cancel = context.WithTimeout(ctx, remaining)
		}
		cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
		cmd.Dir = cwd
		// No stdin: a command blocking on interactive input should fail fast.
		cmd.Stdin = strings.NewReader("")
		out, runErr := cmd.CombinedOutput()
		timedOut := cctx.Err() == context.DeadlineExceeded
		cancel()

		fmt.Fprintf(&buf, "$ %s\n", cmdStr)
		buf.Write(out)
		if len(out) > 0 && out[len(out)-1] != '\n' {
			buf.WriteByte('\n')
		}

		if runErr != nil {
			exitCode := -1
			if cmd.ProcessState != nil {
				exitCode = cmd.ProcessState.ExitCode()
			}
			res.OK = false
			res.FailedCommand = cmdStr
			res.ExitCode = exitCode
			if timedOut {
				res.Reason = ReasonBudgetExhausted
				res.Skipped = append([]string(nil), commands[i+1:]...)
				fmt.Fprintf(&buf, "[killed: verification budget exhausted]\n")
			} else {
				res.Reason = ReasonCommandFailed
				if len(out) == 0 {
					fmt.Fprintf(&buf, "error: %v\n", runErr)
				}
			}
			break
		}
	}

	res.Duration = time.Since(start)
	res.Output = policy.Apply(buf.String())
	return res
}

// SplitCommand splits an argv string with single/double quote support.
// Shell syntax beyond quoting (pipes, variables, globs) is not interpreted.
func SplitCommand(s string) ([]string, error) {
	var args []string
	var cur strings.Builder
	inSingle, inDouble, quoted := false, false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			} else {
				cur.WriteByte(c)
			}
		case inDouble:
			if c == '"' {
				inDouble = false
			} else if c == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
				i++
				cur.WriteByte(s[i])
			} else {
				cur.WriteByte(c)
			}
		case c == '\'':
			inSingle, quoted = true, true
		case c == '"':
			inDouble, quoted = true, true
		case c == ' ' || c == '\t':
			if cur.Len() > 0 || quoted {
				args = append(args, cur.String())
				cur.Reset()
				quoted = false
			}
		default:
			cur.WriteByte(c)
		}
	}
	if inSingle || inDouble {
		return nil, fmt.Errorf("unbalanced quote in command: %q", s)
	}
	if cur.Len() > 0 || quoted {
		args = append(args, cur.String())
	}
	return args, nil
}
