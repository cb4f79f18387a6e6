// Package validator decides whether a bee's finished work is acceptable.
//
// Two checks run independently: the comb's optional validation command,
// executed inside the cell, and an automated review of the cell's diff by a
// headless agent. Only detected failures are reported. A check whose own
// machinery fails (timeout, spawn error, unparseable output, panic) degrades
// to a skip so validation can never block completion reporting.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"hive/pkg/agent"
	"hive/pkg/hooks"
	"hive/pkg/protocol"
)

// Verdict is a non-failing validation outcome.
type Verdict string

// Verdicts.
const (
	VerdictPass Verdict = "pass"
	VerdictSkip Verdict = "skip"
)

// Defaults.
const (
	DefaultCheckTimeout  = 5 * time.Minute
	DefaultReviewTimeout = 60 * time.Second
	MaxCheckOutput       = 500
	MaxDiff              = 8000
)

// Runner runs a command in dir and returns its combined output.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
}

// Process is a running headless review agent. *agent.Handle satisfies it.
type Process interface {
	Events() <-chan agent.Event
	Stop() error
}

// Spawner starts review agents.
type Spawner interface {
	Spawn(ctx context.Context, workdir, prompt string) (Process, error)
}

// AgentSpawner spawns the real agent executable in headless mode with a
// read-only tool profile, so a reviewer cannot change the cell it judges.
type AgentSpawner struct {
	Options agent.Options
}

// reviewOptions returns s.Options restricted to read-only tools.
func (s AgentSpawner) reviewOptions() agent.Options {
	opts := s.Options
	allow, deny := hooks.ReadOnlyTools()
	opts.AllowedTools = allow
	opts.DisallowedTools = deny
	opts.PermissionMode = agent.PermissionPlan
	opts.SettingsPath = ""
	return opts
}

// Spawn implements Spawner.
func (s AgentSpawner) Spawn(ctx context.Context, workdir, prompt string) (Process, error) {
	h, err := agent.Spawn(ctx, workdir, agent.Headless, prompt, s.reviewOptions())
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Config tunes the checks. Zero values use the defaults.
type Config struct {
	CheckTimeout  time.Duration
	ReviewTimeout time.Duration
	// DisableReview turns the diff review off; the custom check still runs.
	DisableReview bool
}

// Validator runs post-completion checks.
type Validator struct {
	runner  Runner
	spawner Spawner
	cfg     Config
	log     *slog.Logger
}

// New returns a Validator. A nil runner uses ExecRunner; a nil spawner
// disables the review check.
func New(runner Runner, spawner Spawner, cfg Config, log *slog.Logger) *Validator {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	if cfg.ReviewTimeout <= 0 {
		cfg.ReviewTimeout = DefaultReviewTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Validator{runner: runner, spawner: spawner, cfg: cfg, log: log}
}

// Validate runs both checks concurrently. It returns the first detected
// failure as a *protocol.ValidationError (custom check before review),
// otherwise the review's verdict.
func (v *Validator) Validate(ctx context.Context, job protocol.Job, comb protocol.Comb, cell protocol.Cell) (Verdict, error) {
	var (
		customErr, reviewErr error
		reviewVerdict        = VerdictSkip
	)

	var g errgroup.Group
	g.Go(func() error {
		_, customErr = v.guard("custom", func() (Verdict, error) {
			return v.customCheck(ctx, comb, cell)
		})
		return nil
	})
	g.Go(func() error {
		reviewVerdict, reviewErr = v.guard("review", func() (Verdict, error) {
			return v.reviewCheck(ctx, job, comb, cell)
		})
		return nil
	})
	_ = g.Wait()

	log := v.log.With("job_id", job.ID, "cell", cell.Path)
	switch {
	case customErr != nil:
		log.Info("validation failed", "check", "custom", "error", customErr)
		return "", customErr
	case reviewErr != nil:
		log.Info("validation failed", "check", "review", "error", reviewErr)
		return "", reviewErr
	}
	log.Debug("validation finished", "verdict", reviewVerdict)
	return reviewVerdict, nil
}

// guard converts panics and machinery errors into a skip. Only
// *protocol.ValidationError passes through.
func (v *Validator) guard(check string, fn func() (Verdict, error)) (verdict Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Error("validator check panicked", "check", check, "panic", r)
			verdict, err = VerdictSkip, nil
		}
	}()
	verdict, err = fn()
	if err == nil {
		return verdict, nil
	}
	var ve *protocol.ValidationError
	if errors.As(err, &ve) {
		return "", ve
	}
	v.log.Warn("validator check skipped", "check", check, "error", err)
	return VerdictSkip, nil
}

func (v *Validator) customCheck(ctx context.Context, comb protocol.Comb, cell protocol.Cell) (Verdict, error) {
	if strings.TrimSpace(comb.ValidationCommand) == "" {
		return VerdictPass, nil
	}
	cctx, cancel := context.WithTimeout(ctx, v.cfg.CheckTimeout)
	defer cancel()

	out, err := v.runner.Run(cctx, cell.Path, "sh", "-c", comb.ValidationCommand)
	if err == nil {
		return VerdictPass, nil
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("validation command interrupted: %w", ctx.Err())
	}
	if cctx.Err() != nil {
		out = strings.TrimSpace(out + "\ntimed out after " + v.cfg.CheckTimeout.String())
	}
	return "", &protocol.ValidationError{
		Reason: protocol.ReasonCustomValidationFailed,
		Output: truncate(out, MaxCheckOutput),
	}
}

func (v *Validator) reviewCheck(ctx context.Context, job protocol.Job, comb protocol.Comb, cell protocol.Cell) (Verdict, error) {
	if v.spawner == nil || v.cfg.DisableReview {
		return VerdictSkip, nil
	}
	diff := v.diff(ctx, cell)
	if strings.TrimSpace(diff) == "" {
		return VerdictSkip, nil
	}

	prompt := buildReviewPrompt(reviewOpts{
		JobTitle:       job.Title,
		JobDescription: job.Description,
		BaseBranch:     comb.BaseBranch,
		ProjectRoot:    comb.Path,
		Diff:           truncate(diff, MaxDiff),
	})

	output, ok, err := v.collect(ctx, cell.Path, prompt)
	if err != nil {
		return "", err
	}
	if !ok {
		v.log.Warn("review timed out", "cell", cell.Path, "timeout", v.cfg.ReviewTimeout)
		return VerdictSkip, nil
	}
	return parseReview(output)
}

// diff returns the cell's changes against its base commit, falling back to
// the most recent commit and then to uncommitted changes.
func (v *Validator) diff(ctx context.Context, cell protocol.Cell) string {
	var attempts [][]string
	if cell.BaseSHA != "" {
		attempts = append(attempts, []string{"diff", cell.BaseSHA})
	}
	attempts = append(attempts, []string{"diff", "HEAD~1", "HEAD"}, []string{"diff", "HEAD"})
	for _, args := range attempts {
		out, err := v.runner.Run(ctx, cell.Path, "git", args...)
		if err == nil {
			return out
		}
		v.log.Debug("diff attempt failed", "args", strings.Join(args, " "), "error", err)
	}
	return ""
}

// collect runs the review agent until its result event or the timeout. It
// reports ok=false on timeout. The process is always stopped before return.
func (v *Validator) collect(ctx context.Context, workdir, prompt string) (string, bool, error) {
	proc, err := v.spawner.Spawn(ctx, workdir, prompt)
	if err != nil {
		return "", false, fmt.Errorf("spawn reviewer: %w", err)
	}
	defer func() { _ = proc.Stop() }()

	timer := time.NewTimer(v.cfg.ReviewTimeout)
	defer timer.Stop()

	var out strings.Builder
	events := proc.Events()
	for {
		select {
		case ev, open := <-events:
			if !open {
				return out.String(), true, nil
			}
			if text := ev.Text(); text != "" {
				out.WriteString(text)
				out.WriteByte('\n')
			}
			if agent.SessionComplete(ev) {
				return out.String(), true, nil
			}
		case <-timer.C:
			return "", false, nil
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

// truncate keeps the first n characters of s.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
