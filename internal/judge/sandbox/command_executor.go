package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"

	"github.com/google/shlex"
)

const defaultMaxOutput = 4 << 20

// CommandExecutor runs a local sandbox binary. The template may use {root},
// {rootId}, {mode}, {jobId} and {judgeRecordId}; the compiled script is fed on
// stdin and the outcome JSON is read from stdout.
type CommandExecutor struct {
	Template  string
	Timeout   time.Duration
	MaxOutput int
}

// NewCommandExecutor validates the template once so that a bad config fails
// at startup.
func NewCommandExecutor(template string, timeout time.Duration, maxOutput int) (*CommandExecutor, error) {
	if _, err := buildCommand(template, RunRequest{Root: Root{ID: "x", Path: "/x"}, Mode: model.ModeJudge}); err != nil {
		return nil, err
	}
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}
	return &CommandExecutor{Template: template, Timeout: timeout, MaxOutput: maxOutput}, nil
}

func (e *CommandExecutor) Run(ctx context.Context, req RunRequest) (model.ExecutionOutcome, error) {
	args, err := buildCommand(e.Template, req)
	if err != nil {
		return model.ExecutionOutcome{}, err
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	limit := e.MaxOutput
	if limit <= 0 {
		limit = defaultMaxOutput
	}

	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: 64 << 10}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = req.Root.Path
	cmd.Stdin = strings.NewReader(req.Script)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return model.ExecutionOutcome{}, appErr.Wrapf(ctx.Err(), appErr.SandboxUnavailable, "sandbox command timed out")
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return model.ExecutionOutcome{}, appErr.Newf(appErr.SandboxUnavailable, "sandbox command exited with %d: %s",
				exitErr.ExitCode(), truncate(strings.TrimSpace(stderr.String()), 256))
		}
		return model.ExecutionOutcome{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "start sandbox command failed")
	}
	if stdout.truncated {
		return model.ExecutionOutcome{}, appErr.New(appErr.SandboxOutputInvalid).WithMessage("sandbox output exceeds limit")
	}
	outcome, err := decodeOutcome(bytes.TrimSpace(stdout.Bytes()))
	if err != nil {
		return model.ExecutionOutcome{}, err
	}
	if stderr.Len() > 0 {
		outcome.Logs = append(outcome.Logs, model.LogArtifact{Name: "stderr.log", Content: stderr.String()})
	}
	return outcome, nil
}

func buildCommand(tpl string, req RunRequest) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	expanded := strings.NewReplacer(
		"{root}", req.Root.Path,
		"{rootId}", req.Root.ID,
		"{mode}", string(req.Mode),
		"{jobId}", req.JobID,
		"{judgeRecordId}", strconv.FormatInt(req.JudgeRecordID, 10),
	).Replace(tpl)
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}

// cappedBuffer keeps at most limit bytes and drops the rest.
type cappedBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.Buffer.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.Buffer.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
