package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/simforge/simforge/pkg/telemetry"
)

// LoopConfig configures one repair cycle.
type LoopConfig struct {
	// Experiment is the experiment name, used for history and metrics.
	Experiment string

	// Backend is the backend ID plans are compiled for.
	Backend string

	// Seed is the task description handed to the design workflow.
	Seed string

	// MaxAttempts bounds generate-compile-execute-evaluate iterations.
	MaxAttempts int

	// Mode is the compile mode. Cycles default to strict so that plan
	// defects surface as diagnostics instead of silently degraded scripts.
	Mode Mode

	// ScriptPath is the fixed path the compiled script is written to,
	// overwritten each attempt.
	ScriptPath string

	// ExecuteTimeout bounds each script execution. Zero means no limit.
	ExecuteTimeout time.Duration
}

// validate applies defaults and rejects unusable configurations.
func (c *LoopConfig) validate() error {
	if c.Backend == "" {
		return NewConfigError("loop requires a backend", nil)
	}
	if c.Seed == "" {
		return NewConfigError("loop requires a task seed", nil)
	}
	if c.ScriptPath == "" {
		return NewConfigError("loop requires a script path", nil)
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.MaxAttempts < 1 {
		return NewConfigError(fmt.Sprintf("max attempts must be positive, got %d", c.MaxAttempts), nil)
	}
	if c.Mode == "" {
		c.Mode = ModeStrict
	}
	if err := c.Mode.Validate(); err != nil {
		return NewConfigError("invalid compile mode", err)
	}
	if c.Experiment == "" {
		c.Experiment = "default"
	}
	return nil
}

// Loop runs the generate, compile, execute, evaluate repair cycle. Failures
// between generation and evaluation become corrective diagnostics for the
// next attempt; only fatal errors and budget exhaustion end the cycle
// without a zero-exit execution.
type Loop struct {
	workflow *Workflow
	selector *Selector
	compiler Compiler
	runner   Runner
	scorer   *Scorer
	policy   PolicyChecker
	trajlog  TrajectoryLogger
	store    CycleStore

	cfg LoopConfig
	tel *telemetry.Telemetry
	log *telemetry.Logger
}

// LoopDeps bundles the loop's collaborators. Workflow, Selector, Compiler,
// Runner, and Scorer are required. Policy, TrajectoryLogger, and Store are
// optional; a nil TrajectoryLogger discards trajectories.
type LoopDeps struct {
	Workflow   *Workflow
	Selector   *Selector
	Compiler   Compiler
	Runner     Runner
	Scorer     *Scorer
	Policy     PolicyChecker
	Trajectory TrajectoryLogger
	Store      CycleStore
}

// NewLoop creates a repair loop.
func NewLoop(deps LoopDeps, cfg LoopConfig, tel *telemetry.Telemetry) (*Loop, error) {
	if deps.Workflow == nil || deps.Selector == nil || deps.Compiler == nil || deps.Runner == nil || deps.Scorer == nil {
		return nil, NewConfigError("loop requires workflow, selector, compiler, runner, and scorer", nil)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Trajectory == nil {
		deps.Trajectory = NopTrajectoryLogger{}
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Loop{
		workflow: deps.Workflow,
		selector: deps.Selector,
		compiler: deps.Compiler,
		runner:   deps.Runner,
		scorer:   deps.Scorer,
		policy:   deps.Policy,
		trajlog:  deps.Trajectory,
		store:    deps.Store,
		cfg:      cfg,
		tel:      tel,
		log:      tel.Logger.NewComponentLogger("loop"),
	}, nil
}

// Run executes one repair cycle to its terminal outcome. The result is
// always returned; the error is non-nil only for aborted cycles and carries
// the fatal cause.
func (l *Loop) Run(ctx context.Context) (*CycleResult, error) {
	cycleID := uuid.New().String()
	startedAt := time.Now()

	log := l.log.WithCycleID(cycleID).WithExperiment(l.cfg.Experiment).WithBackend(l.cfg.Backend)
	log.Infof("cycle started: max attempts %d, mode %s", l.cfg.MaxAttempts, l.cfg.Mode)

	spanCtx, span := l.tel.Tracer.StartCycleSpan(ctx, cycleID, l.cfg.Experiment, l.cfg.Backend)
	ctx = spanCtx
	l.tel.Metrics.RecordCycleStarted(l.cfg.Experiment)
	_ = l.tel.Events.PublishCycleStarted(cycleID, l.cfg.Experiment, l.cfg.Backend)

	if l.store != nil {
		if err := l.store.BeginCycle(ctx, cycleID, l.cfg.Experiment, l.cfg.Backend, startedAt); err != nil {
			log.WithError(err).Warn("history store rejected cycle start")
		}
	}

	result := l.runAttempts(ctx, cycleID, log)
	result.CycleID = cycleID
	result.Experiment = l.cfg.Experiment
	result.Backend = l.cfg.Backend
	result.StartedAt = startedAt
	result.CompletedAt = time.Now()

	span.SetAttributes(telemetry.AttrOutcome.String(string(result.Outcome)))
	span.End()
	l.tel.Metrics.RecordCycleCompleted(string(result.Outcome), result.Duration())

	var err error
	if result.Outcome == OutcomeAborted {
		err = errors.New(result.AbortReason)
		_ = l.tel.Events.PublishCycleAborted(cycleID, result.AbortReason)
		log.Errorf("cycle aborted after %d attempts: %s", result.Attempts, result.AbortReason)
	} else {
		_ = l.tel.Events.PublishCycleCompleted(cycleID, string(result.Outcome), result.Attempts, result.Duration())
		log.Infof("cycle %s after %d attempts", result.Outcome, result.Attempts)
	}

	if l.store != nil {
		if storeErr := l.store.FinishCycle(ctx, result); storeErr != nil {
			log.WithError(storeErr).Warn("history store rejected cycle result")
		}
	}

	return result, err
}

// runAttempts drives the attempt iterations and produces the terminal
// outcome. Cycle identity fields are filled in by Run.
func (l *Loop) runAttempts(ctx context.Context, cycleID string, log *telemetry.Logger) *CycleResult {
	var corrective []ContextEntry
	var lastDiagnostic *Diagnostic

	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		// Cancellation is honored between attempts, before new work starts.
		if ctx.Err() != nil {
			return &CycleResult{Outcome: OutcomeCancelled, Attempts: attempt - 1, LastDiagnostic: lastDiagnostic}
		}

		alog := log.WithAttempt(attempt)
		alog.Info("attempt started")
		_ = l.tel.Events.PublishAttemptStarted(cycleID, attempt, l.cfg.Backend)

		a := l.runAttempt(ctx, cycleID, attempt, corrective, alog)
		l.recordAttempt(ctx, cycleID, a, alog)

		switch {
		case a.fatal != nil:
			return &CycleResult{
				Outcome:        OutcomeAborted,
				Attempts:       attempt,
				AbortReason:    a.fatal.Error(),
				LastDiagnostic: a.attempt.Diagnostic,
			}
		case a.cancelled:
			return &CycleResult{
				Outcome:        OutcomeCancelled,
				Attempts:       attempt,
				LastDiagnostic: a.attempt.Diagnostic,
			}
		case a.stopped:
			return &CycleResult{
				Outcome:        OutcomeSucceeded,
				Attempts:       attempt,
				FinalScore:     a.attempt.Score,
				LastDiagnostic: a.attempt.Diagnostic,
			}
		}

		lastDiagnostic = a.attempt.Diagnostic
		corrective = nil
		if lastDiagnostic != nil {
			corrective = []ContextEntry{{Label: "diagnostic", Content: lastDiagnostic.Render()}}
		}
		alog.Warnf("attempt failed during %s, retrying", a.attempt.StageReached)
	}

	return &CycleResult{
		Outcome:        OutcomeExhausted,
		Attempts:       l.cfg.MaxAttempts,
		LastDiagnostic: lastDiagnostic,
	}
}

// attemptOutcome is the internal disposition of one attempt.
type attemptOutcome struct {
	attempt *Attempt

	// prompt is the generation prompt, for the trajectory record.
	prompt string

	// transcript is the raw generator response or rendered diagnostic
	// forwarded to the trajectory logger.
	transcript string

	stopped   bool
	cancelled bool
	fatal     error
}

// runAttempt performs one generate-compile-execute-evaluate pass.
func (l *Loop) runAttempt(ctx context.Context, cycleID string, index int, corrective []ContextEntry, log *telemetry.Logger) *attemptOutcome {
	a := &Attempt{Index: index, StartedAt: time.Now(), StageReached: LoopStageGenerate}
	out := &attemptOutcome{attempt: a, prompt: l.cfg.Seed}
	defer func() { a.CompletedAt = time.Now() }()

	// GENERATE: design workflow, then best-of-K selection.
	wf, err := l.workflow.Run(ctx, l.cfg.Seed, corrective)
	if err != nil {
		l.classify(out, LoopStageGenerate, err, ctx)
		return out
	}
	out.prompt = wf.Prompt

	selection, err := l.selector.Select(ctx, wf.Role, wf.Prompt, wf.Context)
	if err != nil {
		l.classify(out, LoopStageGenerate, err, ctx)
		return out
	}
	l.publishDrops(cycleID, selection)

	a.Plan = selection.Chosen.Plan
	out.transcript = selection.Chosen.Raw
	log.Debugf("plan selected: %s", a.Plan.Summary())

	// COMPILE
	a.StageReached = LoopStageCompile
	script, err := l.compiler.Compile(l.cfg.Backend, a.Plan, l.cfg.Mode)
	if err != nil {
		l.tel.Metrics.RecordCompilation(string(l.cfg.Mode), "error")
		l.classify(out, LoopStageCompile, err, ctx)
		return out
	}
	l.tel.Metrics.RecordCompilation(string(l.cfg.Mode), "ok")
	a.Script = script

	if err := os.WriteFile(l.cfg.ScriptPath, []byte(script.Text()), 0o644); err != nil {
		out.fatal = NewInfrastructureError(fmt.Sprintf("cannot write script to %s", l.cfg.ScriptPath), err)
		a.Diagnostic = diagnosticFromError(LoopStageCompile, out.fatal)
		return out
	}

	// POLICY: violations are corrective feedback, not execution.
	if l.policy != nil {
		a.StageReached = LoopStagePolicy
		decision, err := l.policy.Check(ctx, a.Plan, script)
		if err != nil {
			l.classify(out, LoopStagePolicy, err, ctx)
			return out
		}
		if !decision.Allowed {
			l.tel.Metrics.RecordPolicyCheck("denied")
			_ = l.tel.Events.PublishPolicyViolation(cycleID, l.cfg.Backend, decision.Violations)
			a.Diagnostic = &Diagnostic{
				Stage:   LoopStagePolicy,
				Code:    ErrCodePolicy,
				Summary: "generated script violates execution policy",
				Detail:  strings.Join(decision.Violations, "\n"),
			}
			a.Score = l.scorer.CrashScore()
			out.transcript = a.Diagnostic.Render()
			return out
		}
		l.tel.Metrics.RecordPolicyCheck("allowed")
	}

	// EXECUTE
	a.StageReached = LoopStageExecute
	execResult, err := l.execute(ctx, script)
	if err != nil {
		l.classify(out, LoopStageExecute, err, ctx)
		return out
	}
	a.Execution = execResult
	l.recordExecution(execResult)

	if execResult.Cancelled {
		if ctx.Err() != nil {
			// Outer cancellation: distinct outcome, not a crash.
			out.cancelled = true
			a.Diagnostic = &Diagnostic{Stage: LoopStageExecute, Summary: "execution cancelled"}
			return out
		}
		// The per-execution deadline fired: retryable like any timeout.
		timeoutErr := NewTimeoutError("script execution", context.DeadlineExceeded)
		l.classify(out, LoopStageExecute, timeoutErr, ctx)
		return out
	}

	if execResult.ExitCode != 0 {
		log.Warnf("execution exited with code %d", execResult.ExitCode)
		a.Diagnostic = &Diagnostic{
			Stage:   LoopStageExecute,
			Code:    ErrCodeSimulation,
			Summary: fmt.Sprintf("execution exited with code %d", execResult.ExitCode),
			Detail:  tailOf(execResult.Stderr, maxDiagnosticDetail),
		}
		a.Score = l.scorer.CrashScore()
		return out
	}

	// EVALUATE: a zero exit always stops the cycle, whatever the score.
	a.StageReached = LoopStageEvaluate
	score, note := l.scorer.Evaluate(execResult)
	a.Score = score
	if note != "" {
		a.Diagnostic = &Diagnostic{Stage: LoopStageEvaluate, Summary: note}
	}
	l.tel.Metrics.RecordScore(score.Band)
	_ = l.tel.Events.PublishScoreAwarded(cycleID, index, score.Band, score.Reward)
	log.Infof("scored %s (reward %.1f, metric %.3f)", score.Band, score.Reward, score.MetricValue)

	out.stopped = true
	return out
}

// execute runs the compiled script under the configured execution timeout.
func (l *Loop) execute(ctx context.Context, script *Script) (*ExecutionResult, error) {
	execCtx := ctx
	if l.cfg.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, l.cfg.ExecuteTimeout)
		defer cancel()
	}
	return l.runner.Run(execCtx, script)
}

// classify absorbs a stage error into the attempt: fatal errors abort the
// cycle, cancellation ends it, and everything else becomes a retryable
// diagnostic.
func (l *Loop) classify(out *attemptOutcome, stage LoopStage, err error, ctx context.Context) {
	out.attempt.StageReached = stage

	switch {
	case ctx.Err() != nil:
		out.cancelled = true
		out.attempt.Diagnostic = &Diagnostic{Stage: stage, Summary: "cycle cancelled"}
	case IsFatal(err):
		out.fatal = err
		out.attempt.Diagnostic = diagnosticFromError(stage, err)
	default:
		out.attempt.Diagnostic = diagnosticFromError(stage, err)
		out.attempt.Score = l.scorer.CrashScore()
	}

	if out.attempt.Diagnostic != nil {
		out.transcript = out.attempt.Diagnostic.Render()
	}
	if code := ErrorCode(err); code != "" {
		class := "retryable"
		if IsFatal(err) {
			class = "fatal"
		}
		l.tel.Metrics.RecordError(class, code)
	}
}

// diagnosticFromError renders a classified error as corrective context.
func diagnosticFromError(stage LoopStage, err error) *Diagnostic {
	d := &Diagnostic{Stage: stage, Code: ErrorCode(err), Summary: err.Error()}
	var ce *CycleError
	if errors.As(err, &ce) && ce.Err != nil {
		d.Detail = ce.Err.Error()
	}
	return d
}

// recordAttempt persists and forwards one finished attempt. Neither the
// store nor the trajectory logger may affect the cycle.
func (l *Loop) recordAttempt(ctx context.Context, cycleID string, out *attemptOutcome, log *telemetry.Logger) {
	a := out.attempt
	duration := a.CompletedAt.Sub(a.StartedAt)

	l.tel.Metrics.RecordAttempt(string(a.StageReached), l.cfg.Backend, duration)
	if out.stopped {
		_ = l.tel.Events.PublishAttemptCompleted(cycleID, a.Index, string(a.StageReached), duration)
	} else if a.Diagnostic != nil {
		_ = l.tel.Events.PublishAttemptFailed(cycleID, a.Index, string(a.StageReached), a.Diagnostic.Summary)
	}

	if l.store != nil {
		if err := l.store.RecordAttempt(ctx, cycleID, a); err != nil {
			log.WithError(err).Warn("history store rejected attempt record")
		}
	}

	reward := l.scorer.CrashScore().Reward
	if a.Score != nil {
		reward = a.Score.Reward
	}
	t := &Trajectory{
		CycleID:      cycleID,
		AttemptIndex: a.Index,
		Prompt:       out.prompt,
		Response:     out.transcript,
		Reward:       reward,
	}
	if err := l.trajlog.LogTrajectory(ctx, t); err != nil {
		log.WithError(err).Warn("trajectory logger rejected record")
	} else {
		l.tel.Metrics.RecordTrajectoryLogged()
	}
}

// publishDrops reports dropped candidates from a selection round.
func (l *Loop) publishDrops(cycleID string, sel *Selection) {
	for _, c := range sel.Candidates {
		if !c.Valid && c.Err != nil {
			_ = l.tel.Events.PublishCandidateDropped(cycleID, c.Index, c.Err.Error())
		}
	}
}

// recordExecution emits execution metrics.
func (l *Loop) recordExecution(r *ExecutionResult) {
	status := "ok"
	switch {
	case r.Cancelled:
		status = "cancelled"
	case r.ExitCode != 0:
		status = "nonzero_exit"
	}
	l.tel.Metrics.RecordExecution(l.cfg.Backend, status, r.Duration)
}

// tailOf keeps the last n bytes of s, where failures usually say why.
func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "[truncated] " + s[len(s)-n:]
}
