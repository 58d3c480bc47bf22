package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"

	"github.com/livinlefevreloca/cadence/internal/config"
	"github.com/livinlefevreloca/cadence/internal/drive"
	"github.com/livinlefevreloca/cadence/internal/errclass"
	"github.com/livinlefevreloca/cadence/internal/phase"
)

// Environment passed to phase commands.
const (
	EnvPipeline    = "CADENCE_PIPELINE"
	EnvRunID       = "CADENCE_RUN_ID"
	EnvPhase       = "CADENCE_PHASE"
	EnvWindowStart = "CADENCE_WINDOW_START"
	EnvWindowEnd   = "CADENCE_WINDOW_END"
	EnvTargetDate  = "CADENCE_TARGET_DATE"
	EnvRetryNumber = "CADENCE_RETRY_NUMBER"
)

// OptDir sets the working directory of a phase command.
const OptDir = "dir"

const maxOutput = 1 << 20

var errOutputTruncated = errors.New("output truncated")

// limitedBuffer keeps the first and the last cap bytes written to it and
// drops what lies between.
type limitedBuffer struct {
	head    bytes.Buffer
	tail    []byte
	cap     int
	dropped bool
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if left := l.cap - l.head.Len(); left > 0 {
		if len(p) <= left {
			return l.head.Write(p)
		}
		l.head.Write(p[:left])
		p = p[left:]
	}
	l.tail = append(l.tail, p...)
	if over := len(l.tail) - l.cap; over > 0 {
		l.tail = append(l.tail[:0], l.tail[over:]...)
		l.dropped = true
	}
	return n, nil
}

// Bytes returns the kept output. When Truncated is true the middle is
// missing.
func (l *limitedBuffer) Bytes() []byte {
	if len(l.tail) == 0 {
		return l.head.Bytes()
	}
	out := make([]byte, 0, l.head.Len()+len(l.tail))
	out = append(out, l.head.Bytes()...)
	return append(out, l.tail...)
}

func (l *limitedBuffer) String() string {
	return string(l.Bytes())
}

// Truncated reports whether any output was dropped.
func (l *limitedBuffer) Truncated() bool {
	return l.dropped
}

// commandResult is the optional JSON document a command prints on stdout.
type commandResult struct {
	Stop         bool   `json:"stop"`
	ErrorMessage string `json:"error_message"`
	drive.Payload
}

// recordView is the run record as seen by a command on stdin.
type recordView struct {
	RunID           string                     `json:"run_id"`
	Pipeline        string                     `json:"pipeline_name"`
	RetryNumber     int                        `json:"retry_number"`
	WindowStart     time.Time                  `json:"window_start"`
	WindowEnd       time.Time                  `json:"window_end"`
	TargetDate      string                     `json:"target_date"`
	PhasesPending   []string                   `json:"phases_pending"`
	PhasesCompleted []string                   `json:"phases_completed"`
	PhasesSkipped   []string                   `json:"phases_skipped"`
	PhaseData       map[string]json.RawMessage `json:"phase_data"`
}

// Command runs an external program for a phase.
type Command struct {
	phase       config.Phase
	policy      errclass.RetryPolicy
	outputLimit int
	logger      *slog.Logger
}

// NewCommandFactory returns the factory the registry uses for phases that
// declare a command.
func NewCommandFactory(logger *slog.Logger) phase.CommandFactory {
	return func(ph config.Phase) phase.Handler {
		return NewCommand(ph, logger)
	}
}

// NewCommand creates the handler for ph. Failed attempts that look transient
// are retried up to ph.Retries times.
func NewCommand(ph config.Phase, logger *slog.Logger) *Command {
	policy := errclass.DefaultRetryPolicy()
	policy.MaxRetries = ph.Retries
	return &Command{phase: ph, policy: policy, outputLimit: maxOutput, logger: logger}
}

func (c *Command) SetRetryPolicy(p errclass.RetryPolicy) {
	c.policy = p
}

func (c *Command) Execute(ctx context.Context, cfg *config.Pipeline, rec *drive.Record) (phase.Result, error) {
	if cfg == nil {
		return phase.Result{}, errclass.AsConfiguration(errNoPipeline)
	}
	args, err := shellquote.Split(c.phase.Command)
	if err != nil {
		return phase.Result{}, errclass.AsConfiguration(errors.Wrapf(err, "phase %s: parsing command", c.phase.Name))
	}
	if len(args) == 0 {
		return phase.Result{}, errclass.AsConfiguration(errors.Newf("phase %s: empty command", c.phase.Name))
	}

	stdin, err := json.Marshal(recordView{
		RunID:           rec.RunID,
		Pipeline:        rec.PipelineName,
		RetryNumber:     rec.RetryNumber,
		WindowStart:     rec.WindowStart.UTC(),
		WindowEnd:       rec.WindowEnd.UTC(),
		TargetDate:      rec.TargetDate,
		PhasesPending:   rec.PhasesPending,
		PhasesCompleted: rec.PhasesCompleted,
		PhasesSkipped:   rec.PhasesSkipped,
		PhaseData:       rec.PhaseData,
	})
	if err != nil {
		return phase.Result{}, errors.Wrap(err, "encoding run record")
	}
	env := append(os.Environ(),
		EnvPipeline+"="+cfg.Name,
		EnvRunID+"="+rec.RunID,
		EnvPhase+"="+c.phase.Name,
		EnvWindowStart+"="+rec.WindowStart.UTC().Format(time.RFC3339),
		EnvWindowEnd+"="+rec.WindowEnd.UTC().Format(time.RFC3339),
		EnvTargetDate+"="+rec.TargetDate,
		EnvRetryNumber+"="+strconv.Itoa(rec.RetryNumber),
	)
	logger := c.logger.With("pipeline", cfg.Name, "run_id", rec.RunID, "phase", c.phase.Name)

	var stdout *limitedBuffer
	attempt := 0
	err = errclass.Retry(ctx, c.policy, func(ctx context.Context) error {
		attempt++
		out, err := c.run(ctx, args, env, stdin)
		stdout = out
		return err
	}, func(err error, wait time.Duration) {
		logger.Warn("phase command failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		return phase.Result{}, err
	}
	res, err := parseResult(stdout.Bytes(), stdout.Truncated(), logger)
	if err != nil {
		return phase.Result{}, errclass.AsPermanent(errors.Wrapf(err, "phase %s", c.phase.Name))
	}
	return res, nil
}

// run executes the command once and returns its stdout.
func (c *Command) run(ctx context.Context, args, env []string, stdin []byte) (*limitedBuffer, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = env
	cmd.Dir = c.phase.String(OptDir, "")
	cmd.Stdin = bytes.NewReader(stdin)

	stdout := &limitedBuffer{cap: c.outputLimit}
	stderr := &limitedBuffer{cap: c.outputLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return stdout, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, errclass.AsTransient(errors.Wrapf(ctxErr, "%s interrupted", args[0]))
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return nil, errclass.AsConfiguration(errors.Wrapf(err, "starting %s", args[0]))
	}

	msg := strings.TrimSpace(stderr.String())
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if msg == "" {
			msg = "no output on stderr"
		}
		err = errors.Newf("%s exited with code %d: %s", args[0], exitErr.ExitCode(), msg)
		return nil, errclass.Tag(err, errclass.ClassifyMessage(msg))
	}
	return nil, errors.Wrapf(err, "running %s", args[0])
}

// parseResult reads the JSON result from stdout. The whole output is tried
// first, then its last line, so commands may log before printing it.
// Output that is not a result is ignored unless some of it was dropped, in
// which case the result may have been lost.
func parseResult(stdout []byte, truncated bool, logger *slog.Logger) (phase.Result, error) {
	text := strings.TrimSpace(string(stdout))
	if text == "" {
		return phase.Result{}, nil
	}
	var candidates []string
	if !truncated {
		candidates = append(candidates, text)
	}
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		candidates = append(candidates, strings.TrimSpace(text[i+1:]))
	} else if truncated {
		candidates = append(candidates, text)
	}
	for _, c := range candidates {
		var res commandResult
		if err := json.Unmarshal([]byte(c), &res); err == nil {
			return phase.Result{Stop: res.Stop, ErrorMessage: res.ErrorMessage, Payload: res.Payload}, nil
		}
	}
	if truncated {
		return phase.Result{}, errors.Wrapf(errOutputTruncated, "no result in the last %d bytes of stdout", len(stdout))
	}
	logger.Debug("phase command printed no result document")
	return phase.Result{}, nil
}
