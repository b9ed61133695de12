// Package repair drives the bounded self-correction loop: execute the
// candidate, classify the failure, consult the knowledge base, fix statically
// when possible and with the model otherwise, revalidate, and retry until
// success, stagnation or budget exhaustion.
package repair

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sceneforge/internal/classify"
	"sceneforge/internal/corrector"
	"sceneforge/internal/knowledge"
	"sceneforge/internal/logging"
	"sceneforge/internal/sandbox"
)

// State of the session machine. Transitions always check the budget first.
type State string

const (
	StateInit         State = "init"
	StateExecuting    State = "executing"
	StateClassifying  State = "classifying"
	StateCorrecting   State = "correcting"
	StateRevalidating State = "revalidating"
	StateTerminated   State = "terminated"
)

// Outcome of a terminated session.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeExhausted Outcome = "exhausted"
	// OutcomeAborted means the sandbox could not run at all.
	OutcomeAborted Outcome = "aborted"
)

// Executor runs one candidate. Satisfied by *sandbox.Executor.
type Executor interface {
	Execute(ctx context.Context, program, entryPoint string, timeout time.Duration) (*sandbox.Result, error)
}

// Model produces repaired code. Satisfied by *llm.Client.
type Model interface {
	Repair(ctx context.Context, prompt string) (string, error)
}

// Knowledge is the persistent rule store. Satisfied by *knowledge.Store.
type Knowledge interface {
	Query(ctx context.Context, qc knowledge.Context) ([]knowledge.PreventionRule, error)
	UpsertOccurrence(ctx context.Context, rec classify.Record, qc knowledge.Context) (knowledge.PreventionRule, error)
	RecordOutcome(ctx context.Context, fingerprint string, succeeded bool) error
	SetFixStrategy(ctx context.Context, fingerprint, ruleText, strategy string) error
	RecordSessionMetrics(ctx context.Context, m knowledge.SessionMetrics) error
}

// Corrector applies deterministic rewrites. Satisfied by *corrector.Corrector.
type Corrector interface {
	Apply(program string, rec classify.Record) corrector.Result
}

// Options tunes a session.
type Options struct {
	SessionBudget  time.Duration
	AttemptTimeout time.Duration
	MaxAttempts    int
	// StagnationLimit is how many consecutive identical fingerprints
	// trigger the strategy switch.
	StagnationLimit int
	// LowRetryAttempts caps repair attempts for timeout and
	// artifact-not-produced errors.
	LowRetryAttempts int
	ModelRetries     int
	ModelBackoff     time.Duration
	Context          knowledge.Context
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		SessionBudget:    15 * time.Minute,
		AttemptTimeout:   5 * time.Minute,
		MaxAttempts:      10,
		StagnationLimit:  3,
		LowRetryAttempts: 2,
		ModelRetries:     3,
		ModelBackoff:     time.Second,
	}
}

// Summary is emitted on termination for the calling layer.
type Summary struct {
	SessionID         string
	Outcome           Outcome
	TotalAttempts     int
	ElapsedMs         int64
	RulesApplied      int
	FinalArtifactPath string
	LastError         *classify.Record
}

// Orchestrator composes the loop's collaborators.
type Orchestrator struct {
	executor   Executor
	classifier *classify.Classifier
	store      Knowledge
	corrector  Corrector
	model      Model
	opts       Options
}

// New creates an orchestrator.
func New(executor Executor, store Knowledge, correct Corrector, model Model, opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.StagnationLimit < 2 {
		opts.StagnationLimit = DefaultOptions().StagnationLimit
	}
	if opts.LowRetryAttempts <= 0 {
		opts.LowRetryAttempts = DefaultOptions().LowRetryAttempts
	}
	if opts.ModelRetries <= 0 {
		opts.ModelRetries = DefaultOptions().ModelRetries
	}
	if opts.ModelBackoff <= 0 {
		opts.ModelBackoff = DefaultOptions().ModelBackoff
	}
	if opts.SessionBudget <= 0 {
		opts.SessionBudget = DefaultOptions().SessionBudget
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultOptions().AttemptTimeout
	}
	return &Orchestrator{
		executor:   executor,
		classifier: classify.New(),
		store:      store,
		corrector:  correct,
		model:      model,
		opts:       opts,
	}
}

// session holds state owned by one Run call. Never shared.
type session struct {
	id       string
	deadline time.Time
	started  time.Time
	state    State

	program    string
	entryPoint string

	attempts     int
	rulesApplied int

	lastFingerprint string
	consecutive     int
	switched        bool

	// pending is the fingerprint whose fix is being validated by the next
	// execution.
	pending string

	// seen holds the hash of every candidate executed this session. No two
	// attempts may run an identical candidate; a repeat means the repair
	// tiers are cycling.
	seen map[string]bool

	lowRetryCounts map[classify.Kind]int
	lastError      *classify.Record
}

func (s *session) remaining() time.Duration {
	return time.Until(s.deadline)
}

// transition moves the machine to next, terminating on an empty budget. The
// budget check is the single source of truth for "keep trying".
func (s *session) transition(next State) State {
	if s.remaining() <= 0 && next != StateTerminated {
		logging.RepairWarn("session %s: budget exhausted entering %s", s.id, next)
		s.state = StateTerminated
		return s.state
	}
	logging.RepairDebug("session %s: %s -> %s", s.id, s.state, next)
	s.state = next
	return s.state
}

// Run executes one full repair session for the candidate program.
func (o *Orchestrator) Run(ctx context.Context, program, entryPoint string) (*Summary, error) {
	s := &session{
		id:             uuid.NewString(),
		started:        time.Now(),
		deadline:       time.Now().Add(o.opts.SessionBudget),
		state:          StateInit,
		program:        program,
		entryPoint:     entryPoint,
		lowRetryCounts: make(map[classify.Kind]int),
		seen:           map[string]bool{candidateHash(program): true},
	}

	logging.Session("session %s started: entry=%s budget=%s",
		s.id, entryPoint, o.opts.SessionBudget)

	summary, err := o.run(ctx, s)

	o.recordMetrics(ctx, s, summary)
	logging.Session("session %s terminated: outcome=%s attempts=%d elapsed=%dms",
		s.id, summary.Outcome, summary.TotalAttempts, summary.ElapsedMs)

	return summary, err
}

func (o *Orchestrator) run(ctx context.Context, s *session) (*Summary, error) {
	for s.attempts < o.opts.MaxAttempts {
		if o.checkBudget(s) {
			return o.terminate(s, OutcomeTimeout, ""), nil
		}

		// Executing
		s.transition(StateExecuting)
		attemptTimeout := o.opts.AttemptTimeout
		if rem := s.remaining(); rem < attemptTimeout {
			attemptTimeout = rem
		}
		s.attempts++

		res, err := o.executor.Execute(ctx, s.program, s.entryPoint, attemptTimeout)
		if err != nil {
			if errors.Is(err, sandbox.ErrSpawnFailed) {
				logging.RepairWarn("session %s: fatal spawn failure: %v", s.id, err)
				return o.terminate(s, OutcomeAborted, ""), err
			}
			return o.terminate(s, OutcomeAborted, ""), fmt.Errorf("execution failed: %w", err)
		}

		if res.ExitCode == 0 && !res.TimedOut && res.ArtifactPath != "" {
			o.settlePending(ctx, s, true)
			return o.terminate(s, OutcomeSuccess, res.ArtifactPath), nil
		}

		// Classifying
		if o.checkBudget(s) {
			return o.terminate(s, OutcomeTimeout, ""), nil
		}
		s.transition(StateClassifying)

		rec := o.classifier.Classify(classify.Input{
			Stdout:          res.Stdout,
			Stderr:          res.Stderr,
			TimedOut:        res.TimedOut,
			ArtifactMissing: res.ExitCode == 0 && res.ArtifactPath == "",
		})
		s.lastError = &rec
		logging.Repair("session %s attempt %d: %s (%s)", s.id, s.attempts, rec.Kind, rec.Fingerprint)

		if _, err := o.store.UpsertOccurrence(ctx, rec, o.opts.Context); err != nil {
			logging.RepairWarn("session %s: occurrence upsert failed: %v", s.id, err)
		}

		// The fix applied before this execution did not clear the error it
		// targeted if the fingerprint repeats.
		if s.pending != "" {
			o.settle(ctx, s, s.pending, s.pending != rec.Fingerprint)
		}

		if rec.Fingerprint == s.lastFingerprint {
			s.consecutive++
		} else {
			// A new fingerprint is progress; it gets the static tier and
			// its own stagnation switch.
			s.lastFingerprint = rec.Fingerprint
			s.consecutive = 1
			s.switched = false
		}

		if s.consecutive >= o.opts.StagnationLimit {
			if s.switched {
				logging.RepairWarn("session %s: stagnation after strategy switch", s.id)
				return o.terminate(s, OutcomeExhausted, ""), nil
			}
			logging.RepairWarn("session %s: %d consecutive %s, forcing model rewrite",
				s.id, s.consecutive, rec.Fingerprint)
			s.switched = true
		}

		if rec.Kind == classify.KindTimeout || rec.Kind == classify.KindArtifactMissing {
			s.lowRetryCounts[rec.Kind]++
			if s.lowRetryCounts[rec.Kind] > o.opts.LowRetryAttempts {
				logging.RepairWarn("session %s: %s exceeded retry cap", s.id, rec.Kind)
				return o.terminate(s, OutcomeExhausted, ""), nil
			}
		}

		// Correcting
		if o.checkBudget(s) {
			return o.terminate(s, OutcomeTimeout, ""), nil
		}
		s.transition(StateCorrecting)

		next, strategy, err := o.correct(ctx, s, rec)
		if err != nil {
			if errors.Is(err, errBudget) {
				return o.terminate(s, OutcomeTimeout, ""), nil
			}
			logging.RepairWarn("session %s: repair failed: %v", s.id, err)
			return o.terminate(s, OutcomeExhausted, ""), nil
		}

		if s.seen[candidateHash(next)] && !s.switched {
			// Both tiers produced a candidate this session already ran;
			// re-executing it is pointless. Switch strategy and ask for one
			// amplified rewrite before giving up.
			logging.RepairWarn("session %s: repair produced an already-seen candidate, switching strategy", s.id)
			s.switched = true
			next, strategy, err = o.correct(ctx, s, rec)
			if err != nil {
				if errors.Is(err, errBudget) {
					return o.terminate(s, OutcomeTimeout, ""), nil
				}
				return o.terminate(s, OutcomeExhausted, ""), nil
			}
		}
		if s.seen[candidateHash(next)] {
			logging.RepairWarn("session %s: stagnation, repair cannot move past %s", s.id, rec.Fingerprint)
			return o.terminate(s, OutcomeExhausted, ""), nil
		}

		o.persistStrategy(ctx, s, rec, strategy)

		s.pending = rec.Fingerprint
		s.program = next
		s.seen[candidateHash(next)] = true
	}

	return o.terminate(s, OutcomeExhausted, ""), nil
}

// correct runs the two-tier repair: static first, then one targeted model
// repair. When the strategy has switched, the static tier is skipped and the
// model prompt is amplified. The repaired candidate is revalidated; a single
// repair retry is allowed before giving up on this fingerprint.
func (o *Orchestrator) correct(ctx context.Context, s *session, rec classify.Record) (string, string, error) {
	rules, err := o.store.Query(ctx, o.opts.Context)
	if err != nil {
		logging.RepairWarn("session %s: rule query failed: %v", s.id, err)
	}

	if !s.switched {
		cres := o.corrector.Apply(s.program, rec)
		if cres.Changed && !cres.GaveUp {
			s.transition(StateRevalidating)
			if err := validateCandidate(cres.Program, s.entryPoint, rec); err == nil {
				s.rulesApplied += len(cres.Applied)
				logging.Repair("session %s: static fix applied (%v)", s.id, cres.Applied)
				return cres.Program, "static-rewrite", nil
			}
			logging.RepairWarn("session %s: static fix failed revalidation", s.id)
		}
	}

	prompt := buildRepairPrompt(s.program, rec, rules, s.switched)

	for repairTry := 0; repairTry < 2; repairTry++ {
		fixed, err := o.modelRepair(ctx, s, prompt)
		if err != nil {
			return "", "", err
		}
		if fixed == s.program {
			return s.program, "model-rewrite", nil
		}

		s.transition(StateRevalidating)
		if err := validateCandidate(fixed, s.entryPoint, rec); err != nil {
			logging.RepairWarn("session %s: model fix failed revalidation: %v", s.id, err)
			prompt += "\n\nYour previous fix was rejected: " + err.Error() +
				"\nReturn the complete corrected code."
			continue
		}
		s.rulesApplied++
		return fixed, "model-rewrite", nil
	}

	// Two rejected repairs for the same fingerprint is stagnation.
	logging.RepairWarn("session %s: revalidation failed twice for %s", s.id, rec.Fingerprint)
	s.consecutive = o.opts.StagnationLimit
	return s.program, "model-rewrite", nil
}

var errBudget = errors.New("repair: session budget exhausted")

func candidateHash(program string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(program)))
}

// modelRepair calls the model with retry and exponential backoff. Backoff
// waits are bounded by both the caller context and the session budget.
func (o *Orchestrator) modelRepair(ctx context.Context, s *session, prompt string) (string, error) {
	var lastErr error
	for i := 0; i < o.opts.ModelRetries; i++ {
		if i > 0 {
			backoff := o.opts.ModelBackoff * time.Duration(1<<uint(i-1))
			if backoff > s.remaining() {
				return "", errBudget
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
		if s.remaining() <= 0 {
			return "", errBudget
		}

		fixed, err := o.model.Repair(ctx, prompt)
		if err == nil {
			return fixed, nil
		}
		lastErr = err
		logging.RepairWarn("session %s: model repair attempt %d failed: %v", s.id, i+1, err)
	}
	return "", fmt.Errorf("model repair failed after %d attempts: %w", o.opts.ModelRetries, lastErr)
}

// settlePending records the outcome of the last applied fix.
func (o *Orchestrator) settlePending(ctx context.Context, s *session, succeeded bool) {
	if s.pending == "" {
		return
	}
	o.settle(ctx, s, s.pending, succeeded)
}

func (o *Orchestrator) settle(ctx context.Context, s *session, fingerprint string, succeeded bool) {
	if err := o.store.RecordOutcome(ctx, fingerprint, succeeded); err != nil {
		logging.RepairWarn("session %s: outcome record failed: %v", s.id, err)
	}
	s.pending = ""
}

func (o *Orchestrator) persistStrategy(ctx context.Context, s *session, rec classify.Record, strategy string) {
	ruleText := fmt.Sprintf("%s: %s", rec.Kind, rec.Message)
	if err := o.store.SetFixStrategy(ctx, rec.Fingerprint, ruleText, strategy); err != nil {
		logging.RepairWarn("session %s: fix strategy persist failed: %v", s.id, err)
	}
}

func (o *Orchestrator) checkBudget(s *session) bool {
	return s.remaining() <= 0
}

func (o *Orchestrator) terminate(s *session, outcome Outcome, artifact string) *Summary {
	s.transition(StateTerminated)
	return &Summary{
		SessionID:         s.id,
		Outcome:           outcome,
		TotalAttempts:     s.attempts,
		ElapsedMs:         time.Since(s.started).Milliseconds(),
		RulesApplied:      s.rulesApplied,
		FinalArtifactPath: artifact,
		LastError:         s.lastError,
	}
}

func (o *Orchestrator) recordMetrics(ctx context.Context, s *session, summary *Summary) {
	score := 0.0
	if summary.Outcome == OutcomeSuccess {
		// Fewer attempts means a healthier generation pipeline.
		score = 1.0 / float64(summary.TotalAttempts)
	}
	err := o.store.RecordSessionMetrics(ctx, knowledge.SessionMetrics{
		SessionID:    s.id,
		Context:      o.opts.Context,
		Outcome:      string(summary.Outcome),
		QualityScore: score,
		Attempts:     summary.TotalAttempts,
		ElapsedMs:    summary.ElapsedMs,
		RulesApplied: summary.RulesApplied,
	})
	if err != nil {
		logging.RepairWarn("session %s: metrics record failed: %v", s.id, err)
	}
}
