// Package loop runs the decision cycle: read a snapshot, classify it,
// compile context, query the model, validate and dispatch the
// response, append the turn, and checkpoint on cadence. The loop is
// logically single-threaded per run; every suspension point carries a
// timeout and observes cancellation.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gambitbot/gambit/internal/checkpoint"
	"github.com/gambitbot/gambit/internal/classify"
	"github.com/gambitbot/gambit/internal/compiler"
	"github.com/gambitbot/gambit/internal/config"
	"github.com/gambitbot/gambit/internal/decision"
	"github.com/gambitbot/gambit/internal/events"
	"github.com/gambitbot/gambit/internal/goals"
	"github.com/gambitbot/gambit/internal/ledger"
	"github.com/gambitbot/gambit/internal/model"
	"github.com/gambitbot/gambit/internal/prompts"
	"github.com/gambitbot/gambit/internal/tools"
)

// Phase is the loop's current position in the decision cycle.
type Phase string

const (
	PhaseAwaitingSnapshot   Phase = "AwaitingSnapshot"
	PhaseClassifying        Phase = "Classifying"
	PhaseComposingContext   Phase = "ComposingContext"
	PhaseQueryingModel      Phase = "QueryingModel"
	PhaseValidatingResponse Phase = "ValidatingResponse"
	PhaseDispatchingAction  Phase = "DispatchingAction"
	PhaseCheckpointing      Phase = "Checkpointing"
	PhaseFaulted            Phase = "Faulted"
	PhaseTerminated         Phase = "Terminated"
)

// SnapshotProvider feeds state and accepts input injection.
type SnapshotProvider interface {
	ReadSnapshot(ctx context.Context) (classify.Snapshot, error)
	InjectAction(ctx context.Context, action string, hold int) error
}

// ContextCompiler assembles the decision context for one turn.
type ContextCompiler interface {
	Compile(seq int64, tag classify.Tag, facts classify.Facts, stack *goals.Stack, corrective string) (*compiler.Compiled, error)
}

// History is the ledger surface the loop uses: appending turns and,
// on recovery, finding where the recorded history actually ends.
type History interface {
	AppendTurn(t *ledger.Turn) error
	MaxSeq(runID string) (int64, error)
}

// Compactor runs scheduled summarization after each appended turn.
type Compactor interface {
	Maintain(ctx context.Context, maxSeq int64) error
}

// CheckpointStore persists and recovers loop state.
type CheckpointStore interface {
	Write(runID string, trigger checkpoint.Trigger, state *checkpoint.State) (*checkpoint.Checkpoint, error)
	Latest(runID string) (*checkpoint.Checkpoint, error)
}

// ToolRouter plans registered tool calls.
type ToolRouter interface {
	Invoke(name string, args map[string]any, facts classify.Facts) (*tools.Plan, error)
}

// Deps bundles the loop's collaborators.
type Deps struct {
	Provider    SnapshotProvider
	Classifier  *classify.Classifier
	Compiler    ContextCompiler
	Model       model.Client
	Tools       ToolRouter
	History     History
	Compactor   Compactor
	Checkpoints CheckpointStore
	Logger      *slog.Logger
	Bus         *events.Bus
}

// Stats is a point-in-time view for the status API and telemetry.
type Stats struct {
	RunID         string `json:"run_id"`
	Seq           int64  `json:"seq"`
	Phase         string `json:"phase"`
	ConfirmedTag  string `json:"confirmed_tag"`
	InvalidStreak int    `json:"invalid_streak"`
	ModelRetries  int64  `json:"model_retries"`
	Faults        int64  `json:"faults"`
}

// Loop drives one run.
type Loop struct {
	runID        string
	cfg          config.LoopConfig
	retry        config.RetryConfig
	modelTimeout time.Duration

	provider    SnapshotProvider
	classifier  *classify.Classifier
	debounce    *classify.Debouncer
	compile     ContextCompiler
	model       model.Client
	tools       ToolRouter
	history     History
	compactor   Compactor
	checkpoints CheckpointStore

	goals  *goals.Stack
	logger *slog.Logger
	bus    *events.Bus

	mu            sync.Mutex
	phase         Phase
	seq           int64
	confirmedTag  classify.Tag
	invalidStreak int
	modelRetries  int64
	faults        int64

	corrective string

	// Injected for tests.
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// New creates a Loop. debounceN is the classifier debounce window.
func New(runID string, cfg config.LoopConfig, mcfg config.ModelConfig, debounceN int, deps Deps) *Loop {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		runID:        runID,
		cfg:          cfg,
		retry:        mcfg.Retry,
		modelTimeout: time.Duration(mcfg.TimeoutSec) * time.Second,
		provider:     deps.Provider,
		classifier:   deps.Classifier,
		debounce:     classify.NewDebouncer(debounceN),
		compile:      deps.Compiler,
		model:        deps.Model,
		tools:        deps.Tools,
		history:      deps.History,
		compactor:    deps.Compactor,
		checkpoints:  deps.Checkpoints,
		goals:        goals.NewStack(),
		logger:       logger.With("component", "loop"),
		bus:          deps.Bus,
		phase:        PhaseAwaitingSnapshot,
		sleep:        sleepCtx,
		randFloat:    defaultRand,
	}
}

// Stats returns the current loop statistics.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		RunID:         l.runID,
		Seq:           l.seq,
		Phase:         string(l.phase),
		ConfirmedTag:  string(l.confirmedTag),
		InvalidStreak: l.invalidStreak,
		ModelRetries:  l.modelRetries,
		Faults:        l.faults,
	}
}

func (l *Loop) setPhase(p Phase) {
	l.mu.Lock()
	l.phase = p
	l.mu.Unlock()
}

// Run executes the decision loop until the context is canceled
// (graceful stop, returns nil) or a fatal error moves the loop to
// Faulted (returns the error). On startup, an existing checkpoint for
// the run is recovered.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.recover(); err != nil {
		return l.fault(ctx, fmt.Errorf("recover checkpoint: %w", err))
	}

	for {
		if ctx.Err() != nil {
			return l.terminate(ctx)
		}
		if err := l.runTurn(ctx); err != nil {
			// Only the run context ending is a graceful stop; a per-call
			// deadline inside the turn is an ordinary failure.
			if ctx.Err() != nil {
				return l.terminate(ctx)
			}
			return l.fault(ctx, err)
		}
	}
}

// recover resumes from the run's checkpoint if one exists. Already
// dispatched actions are not replayed: the sequence counter continues
// from the checkpointed value, or from the ledger's highest recorded
// turn when that is newer. A crash can land between a turn append and
// the next checkpoint; resuming at the checkpoint seq would collide
// with the surviving turn row.
func (l *Loop) recover() error {
	cp, err := l.checkpoints.Latest(l.runID)
	if err != nil {
		return err
	}
	maxSeq, err := l.history.MaxSeq(l.runID)
	if err != nil {
		return fmt.Errorf("ledger max seq: %w", err)
	}

	if cp == nil {
		if maxSeq > 0 {
			l.mu.Lock()
			l.seq = maxSeq
			l.mu.Unlock()
			l.logger.Info("resuming past recorded turns without a checkpoint",
				"run_id", l.runID, "seq", maxSeq)
			return nil
		}
		l.logger.Info("starting fresh run", "run_id", l.runID)
		return nil
	}

	seq := cp.State.Seq
	if maxSeq > seq {
		seq = maxSeq
	}
	l.mu.Lock()
	l.seq = seq
	l.confirmedTag = classify.Tag(cp.State.ConfirmedTag)
	l.mu.Unlock()
	l.goals = goals.Restore(cp.State.Goals)
	l.debounce.Reset(classify.Tag(cp.State.ConfirmedTag))

	l.logger.Info("resumed from checkpoint",
		"run_id", l.runID,
		"seq", seq,
		"checkpoint_seq", cp.State.Seq,
		"tag", cp.State.ConfirmedTag,
		"trigger", cp.Trigger,
	)
	return nil
}

// runTurn executes one full decision cycle. Non-fatal problems are
// folded into the turn record; only fatal conditions return an error.
func (l *Loop) runTurn(ctx context.Context) error {
	l.setPhase(PhaseAwaitingSnapshot)
	snap, err := l.provider.ReadSnapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Snapshot timeouts are retryable; the provider reconnects
		// underneath us.
		l.logger.Warn("snapshot read failed, retrying", "error", err)
		return nil
	}

	l.setPhase(PhaseClassifying)
	rawTag := l.classifier.Classify(snap.Facts)
	tag := l.debounce.Observe(rawTag)
	l.mu.Lock()
	prev := l.confirmedTag
	l.confirmedTag = tag
	nextSeq := l.seq + 1
	l.mu.Unlock()
	if prev != tag {
		l.logger.Info("state changed", "from", prev, "to", tag, "seq", nextSeq)
		l.bus.Emit(events.SourceLoop, events.KindStateChanged, map[string]any{
			"seq": nextSeq, "from": string(prev), "to": string(tag),
		})
	}

	l.setPhase(PhaseComposingContext)
	compiled, err := l.compile.Compile(nextSeq, tag, snap.Facts, l.goals, l.corrective)
	if err != nil {
		return fmt.Errorf("compile context: %w", err)
	}

	l.setPhase(PhaseQueryingModel)
	start := time.Now()
	response, err := l.queryModel(ctx, nextSeq, compiled.Text)
	if err != nil {
		return err
	}
	latency := time.Since(start)

	l.setPhase(PhaseValidatingResponse)
	turn := &ledger.Turn{
		Seq:            nextSeq,
		RunID:          l.runID,
		Fingerprint:    snap.Fingerprint,
		Tag:            string(tag),
		ContextExcerpt: excerpt(compiled.Text, 200),
		Critique:       compiled.Critique,
	}

	d, verr := decision.Parse(response)
	if verr != nil {
		l.handleInvalid(ctx, turn, verr)
	} else {
		l.mu.Lock()
		l.invalidStreak = 0
		l.mu.Unlock()
		l.corrective = ""
		turn.Validation = "ok"
		turn.Decision = d.String()
		l.applyGoalOp(d)
		l.setPhase(PhaseDispatchingAction)
		turn.Execution = l.dispatch(ctx, d, snap.Facts)
	}

	if err := l.history.AppendTurn(turn); err != nil {
		return fmt.Errorf("append turn %d: %w", nextSeq, err)
	}
	l.mu.Lock()
	l.seq = nextSeq
	l.mu.Unlock()

	if err := l.compactor.Maintain(ctx, nextSeq); err != nil {
		// Compaction failure degrades context quality but the ledger is
		// intact; keep going.
		l.logger.Error("compaction failed", "seq", nextSeq, "error", err)
	}

	l.bus.Emit(events.SourceLoop, events.KindTurnCompleted, map[string]any{
		"seq":        nextSeq,
		"tag":        string(tag),
		"decision":   turn.Decision,
		"valid":      verr == nil,
		"tokens":     compiled.Tokens,
		"degraded":   compiled.Degraded,
		"latency_ms": latency.Milliseconds(),
	})

	if l.cfg.CheckpointInterval > 0 && nextSeq%int64(l.cfg.CheckpointInterval) == 0 {
		l.setPhase(PhaseCheckpointing)
		if err := l.writeCheckpoint(checkpoint.TriggerPeriodic); err != nil {
			return fmt.Errorf("checkpoint at %d: %w", nextSeq, err)
		}
	}
	return nil
}

// handleInvalid records a failed validation and decides between
// another corrective retry and the safe default. Invalid responses are
// never fatal.
func (l *Loop) handleInvalid(ctx context.Context, turn *ledger.Turn, verr error) {
	l.mu.Lock()
	l.invalidStreak++
	streak := l.invalidStreak
	l.mu.Unlock()

	turn.Validation = verr.Error()
	l.logger.Warn("invalid model response",
		"seq", turn.Seq, "consecutive", streak, "error", verr)
	l.bus.Emit(events.SourceLoop, events.KindValidationFailed, map[string]any{
		"seq": turn.Seq, "consecutive": streak, "error": verr.Error(),
	})

	if streak < l.cfg.ValidationBound {
		turn.Decision = "none"
		turn.Execution = "skipped"
		l.corrective = prompts.Corrective(verr.Error())
		return
	}

	// Bound reached: dispatch the safe default so the run keeps moving.
	l.logger.Warn("validation bound reached, dispatching safe default",
		"seq", turn.Seq, "bound", l.cfg.ValidationBound)
	safe := &decision.Decision{Action: decision.SafeDefault}
	turn.Decision = safe.String()
	l.setPhase(PhaseDispatchingAction)
	turn.Execution = l.dispatch(ctx, safe, classify.Facts{})
	l.mu.Lock()
	l.invalidStreak = 0
	l.mu.Unlock()
	l.corrective = ""
}

// queryModel calls the decision service with bounded exponential
// backoff on transient errors. Permanent errors and retry exhaustion
// are fatal. Each call carries its own deadline; a stalled service is
// a transient failure, not a hang.
func (l *Loop) queryModel(ctx context.Context, seq int64, prompt string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= l.retry.MaxAttempts; attempt++ {
		response, err := l.decideOnce(ctx, prompt)
		if err == nil {
			return response, nil
		}
		if !model.IsTransient(err) {
			return "", fmt.Errorf("model permanent error: %w", err)
		}
		lastErr = err

		if attempt == l.retry.MaxAttempts {
			break
		}
		delay := l.backoffDelay(attempt)
		l.mu.Lock()
		l.modelRetries++
		l.mu.Unlock()
		l.logger.Warn("transient model error, backing off",
			"seq", seq, "attempt", attempt, "delay", delay, "error", err)
		l.bus.Emit(events.SourceLoop, events.KindModelRetry, map[string]any{
			"seq": seq, "attempt": attempt, "delay_ms": delay.Milliseconds(), "error": err.Error(),
		})
		if err := l.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("model unavailable after %d attempts: %w", l.retry.MaxAttempts, lastErr)
}

// decideOnce runs one Decide call under the configured model timeout.
// A fired per-call deadline is rewritten as a plain transient error so
// it is never mistaken for the run context ending.
func (l *Loop) decideOnce(ctx context.Context, prompt string) (string, error) {
	dctx := ctx
	cancel := func() {}
	if l.modelTimeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, l.modelTimeout)
	}
	defer cancel()

	response, err := l.model.Decide(dctx, prompt)
	if err != nil && dctx.Err() != nil && ctx.Err() == nil {
		return "", model.Transient("decide timed out after %s", l.modelTimeout)
	}
	return response, err
}

// backoffDelay computes the delay before retry number attempt:
// initial×multiplier^(attempt-1), capped, with ±jitter applied.
func (l *Loop) backoffDelay(attempt int) time.Duration {
	delay := float64(l.retry.InitialDelayMS)
	for i := 1; i < attempt; i++ {
		delay *= l.retry.Multiplier
		if delay >= float64(l.retry.MaxDelayMS) {
			delay = float64(l.retry.MaxDelayMS)
			break
		}
	}
	// randFloat in [0,1) maps onto [-jitter, +jitter).
	jitter := 1 + l.retry.Jitter*(2*l.randFloat()-1)
	return time.Duration(delay*jitter) * time.Millisecond
}

// dispatch executes a validated decision and returns the execution
// outcome for the turn record. Dispatch runs to completion even when
// the run is being stopped; a half-injected tool plan would leave the
// game in a state the next snapshot cannot explain.
func (l *Loop) dispatch(ctx context.Context, d *decision.Decision, facts classify.Facts) string {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
		time.Duration(l.cfg.DispatchTimeoutSec)*time.Second)
	defer cancel()

	if d.Tool != nil {
		plan, err := l.tools.Invoke(d.Tool.Name, d.Tool.Args, facts)
		if err != nil {
			return "tool failed: " + err.Error()
		}
		for i, step := range plan.Steps {
			if err := l.provider.InjectAction(dctx, step, 0); err != nil {
				return fmt.Sprintf("tool plan failed at step %d/%d (%s): %v",
					i+1, len(plan.Steps), step, err)
			}
		}
		if plan.Note != "" {
			return "ok: " + plan.Note
		}
		return "ok"
	}

	// "wait" is deliberate inaction; nothing reaches the emulator.
	if d.Action == decision.SafeDefault {
		return "ok"
	}
	if err := l.provider.InjectAction(dctx, d.Action, 0); err != nil {
		return "inject failed: " + err.Error()
	}
	return "ok"
}

// applyGoalOp applies a decision's goal operation to the stack. Goal
// failures are logged, never fatal: a complete on an empty stack is a
// model mistake, not a loop defect.
func (l *Loop) applyGoalOp(d *decision.Decision) {
	if d.Goal == nil {
		return
	}
	switch d.Goal.Op {
	case decision.GoalPush:
		g := l.goals.Push(d.Goal.Description, d.Goal.Priority)
		l.logger.Info("goal pushed", "goal", g.Description, "priority", g.Priority)
	case decision.GoalComplete:
		if g, err := l.goals.Complete(); err != nil {
			l.logger.Warn("goal complete failed", "error", err)
		} else {
			l.logger.Info("goal completed", "goal", g.Description)
		}
	case decision.GoalAbandon:
		if g, err := l.goals.Abandon(); err != nil {
			l.logger.Warn("goal abandon failed", "error", err)
		} else {
			l.logger.Info("goal abandoned", "goal", g.Description)
		}
	}
}

// writeCheckpoint persists loop state with one retry before giving up.
func (l *Loop) writeCheckpoint(trigger checkpoint.Trigger) error {
	l.mu.Lock()
	state := &checkpoint.State{
		Seq:          l.seq,
		Goals:        append([]goals.Goal(nil), l.goals.Goals...),
		ConfirmedTag: string(l.confirmedTag),
	}
	l.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		cp, err := l.checkpoints.Write(l.runID, trigger, state)
		if err == nil {
			l.logger.Info("checkpoint written",
				"seq", state.Seq, "trigger", trigger, "bytes", cp.ByteSize)
			l.bus.Emit(events.SourceLoop, events.KindCheckpointWritten, map[string]any{
				"seq": state.Seq, "trigger": string(trigger), "bytes": cp.ByteSize,
			})
			return nil
		}
		lastErr = err
		l.logger.Error("checkpoint write failed", "attempt", attempt, "error", err)
	}
	return lastErr
}

// CheckpointNow writes an operator-requested checkpoint of the current
// state. Safe to call from another goroutine while the loop runs.
func (l *Loop) CheckpointNow() error {
	return l.writeCheckpoint(checkpoint.TriggerManual)
}

// terminate handles a graceful stop: final checkpoint, then done.
func (l *Loop) terminate(ctx context.Context) error {
	l.setPhase(PhaseTerminated)
	l.logger.Info("stopping", "seq", l.Stats().Seq)
	if err := l.writeCheckpoint(checkpoint.TriggerShutdown); err != nil {
		l.logger.Error("final checkpoint failed", "error", err)
	}
	return nil
}

// fault records a fatal error, attempts a last checkpoint, and halts.
// Restarting is the supervisor's job.
func (l *Loop) fault(ctx context.Context, cause error) error {
	l.setPhase(PhaseFaulted)
	l.mu.Lock()
	l.faults++
	seq := l.seq
	l.mu.Unlock()

	l.logger.Error("loop faulted", "seq", seq, "error", cause)
	l.bus.Emit(events.SourceLoop, events.KindFault, map[string]any{
		"seq": seq, "error": cause.Error(),
	})
	if err := l.writeCheckpoint(checkpoint.TriggerFault); err != nil {
		l.logger.Error("fault checkpoint failed", "error", err)
	}
	return cause
}

// excerpt truncates s to at most n bytes on a rune boundary.
func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func defaultRand() float64 {
	return rand.Float64()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
