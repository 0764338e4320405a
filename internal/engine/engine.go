// Package engine drives a session through the generate, judge, record and
// decide cycle until the judge accepts an image, the budget runs out or a
// collaborator fails for good.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/manash/promptloop/internal/clock"
	"github.com/manash/promptloop/internal/cost"
	"github.com/manash/promptloop/internal/lock"
	"github.com/manash/promptloop/internal/metrics"
	"github.com/manash/promptloop/internal/provider"
	"github.com/manash/promptloop/internal/revision"
	"github.com/manash/promptloop/internal/session"
	"github.com/manash/promptloop/pkg/models"
)

const (
	DefaultAcceptanceThreshold = 80
	DefaultLeaseTTL            = 10 * time.Minute
)

// Run outcomes reported to metrics.
const (
	outcomeAccepted  = "accepted"
	outcomeExhausted = "budget_exhausted"
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
)

type Config struct {
	// AcceptanceThreshold applies when a run does not supply its own.
	AcceptanceThreshold int           `yaml:"acceptance_threshold"`
	LeaseTTL            time.Duration `yaml:"lease_ttl"`
}

func DefaultConfig() Config {
	return Config{
		AcceptanceThreshold: DefaultAcceptanceThreshold,
		LeaseTTL:            DefaultLeaseTTL,
	}
}

// RunOptions are the per-run inputs of RunOptimization. Zero values select
// the session's stored budget and the engine's default threshold.
type RunOptions struct {
	MaxIterations       int
	AcceptanceThreshold *int
}

type Engine struct {
	store     *session.Store
	registry  *models.Registry
	generator provider.ImageGenerator
	judge     provider.Judge
	reviser   revision.Strategy
	locker    lock.Locker
	ledger    *cost.Ledger
	metrics   *metrics.Collector
	clock     clock.Clock
	logger    *zap.Logger
	config    Config
}

type Option func(*Engine)

func WithReviser(s revision.Strategy) Option {
	return func(e *Engine) { e.reviser = s }
}

func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

func WithLedger(l *cost.Ledger) Option {
	return func(e *Engine) { e.ledger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.config = cfg }
}

// New builds an engine over the given collaborators. Without options it uses
// the rule-based reviser, an in-process lease and the real clock.
func New(store *session.Store, registry *models.Registry, gen provider.ImageGenerator, judge provider.Judge, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		registry:  registry,
		generator: gen,
		judge:     judge,
		reviser:   revision.NewDefault(),
		locker:    lock.NewMemory(),
		clock:     clock.Real(),
		logger:    zap.NewNop(),
		config:    DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.config.LeaseTTL <= 0 {
		e.config.LeaseTTL = DefaultLeaseTTL
	}
	e.logger = e.logger.With(zap.String("component", "engine"))
	return e
}

func leaseKey(id string) string {
	return "session:" + id
}

// run is the state of one RunOptimization call.
type run struct {
	sess      *session.Session
	params    models.ValidatedParams
	budget    int
	threshold int
	lease     lock.Lease
	logger    *zap.Logger
}

// RunOptimization starts the loop on a draft session and drives it to done
// or failed. Rejections (unknown session, wrong status, bad params, run
// already active) return an error and change nothing. Once the session is
// running the returned error is nil unless bookkeeping itself failed: the
// outcome is in the returned session's Status and StatusReason.
func (e *Engine) RunOptimization(ctx context.Context, id string, opts RunOptions) (*session.Session, error) {
	budget, threshold, err := e.resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, session.DomainError(err)
	}
	if sess.Status != session.StatusDraft {
		return nil, session.StatusError(sess, "start optimization")
	}
	if budget == 0 {
		budget = int(sess.MaxIterations)
	}

	caps, err := e.registry.Lookup(sess.ImageProvider)
	if err != nil {
		return nil, err
	}
	params, err := models.ValidateParams(caps, sess.ImageParams)
	if err != nil {
		return nil, err
	}

	lease, err := e.locker.Acquire(ctx, leaseKey(id), e.config.LeaseTTL)
	if errors.Is(err, lock.ErrLocked) {
		return nil, models.NewConflictError("cannot start optimization: session %s is already running", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lease: %w", err)
	}
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := lease.Release(bg); err != nil && !errors.Is(err, lock.ErrLeaseLost) {
			e.logger.Warn("failed to release run lease", zap.String("session_id", id), zap.Error(err))
		}
	}()

	if err := e.store.TransitionStatus(ctx, id, session.StatusDraft, session.StatusRunning, "", e.clock.Now()); err != nil {
		if errors.Is(err, session.ErrStatusMismatch) {
			return nil, e.rejectFromStore(ctx, id)
		}
		return nil, session.DomainError(err)
	}
	e.metrics.RunStarted()

	r := &run{
		sess:      sess,
		params:    params,
		budget:    budget,
		threshold: threshold,
		lease:     lease,
		logger:    e.logger.With(zap.String("session_id", id), zap.String("provider", sess.ImageProvider)),
	}
	r.logger.Info("optimization started",
		zap.Int("max_iterations", budget),
		zap.Int("acceptance_threshold", threshold))

	return e.loop(ctx, r)
}

func (e *Engine) resolveOptions(opts RunOptions) (budget, threshold int, err error) {
	if opts.MaxIterations != 0 {
		b, err := session.NewBudget(opts.MaxIterations)
		if err != nil {
			return 0, 0, err
		}
		budget = int(b)
	}

	threshold = e.config.AcceptanceThreshold
	if opts.AcceptanceThreshold != nil {
		threshold = *opts.AcceptanceThreshold
	}
	if threshold < session.MinScore || threshold > session.MaxScore {
		return 0, 0, models.NewValidationError("acceptance_threshold", "must be between %d and %d, got %d", session.MinScore, session.MaxScore, threshold)
	}
	return budget, threshold, nil
}

func (e *Engine) rejectFromStore(ctx context.Context, id string) error {
	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return session.DomainError(err)
	}
	return session.StatusError(sess, "start optimization")
}

func (e *Engine) loop(ctx context.Context, r *run) (*session.Session, error) {
	id := r.sess.ID
	goal := r.sess.UserGoal
	prompt := r.sess.InitialPrompt()
	var diff *string

	for i := 0; ; i++ {
		if ctx.Err() != nil {
			return e.cancel(ctx, r, i)
		}
		e.refreshLease(ctx, r)

		start := time.Now()
		ref, err := e.generator.Generate(ctx, provider.GenerateRequest{
			SessionID: id,
			Index:     i,
			Provider:  r.sess.ImageProvider,
			Prompt:    prompt,
			Params:    r.params,
		})
		e.metrics.ObserveCall(metrics.CollaboratorGenerate, r.sess.ImageProvider, time.Since(start), err)
		if err != nil {
			if ctx.Err() != nil {
				return e.cancel(ctx, r, i)
			}
			r.logger.Error("image generation failed", zap.Int("iteration", i), zap.Error(err))
			return e.finish(ctx, r, session.StatusFailed, err.Error(), outcomeFailed)
		}
		e.recordCost(ctx, r, i)

		it := session.Iteration{
			Index:      i,
			PromptText: prompt,
			PromptDiff: diff,
			ImagePath:  &ref,
		}

		start = time.Now()
		result, err := e.judge.Judge(ctx, ref, goal)
		e.metrics.ObserveCall(metrics.CollaboratorJudge, r.sess.ImageProvider, time.Since(start), err)
		if err == nil {
			var score session.Score
			score, err = session.NewScore(result.Score)
			if err == nil {
				it.JudgeScore = &score
				it.JudgeNotes = &result.Notes
			}
		}
		if recErr := e.record(ctx, r, it); recErr != nil {
			return nil, recErr
		}
		if err != nil {
			if ctx.Err() != nil {
				return e.cancel(ctx, r, i+1)
			}
			r.logger.Error("judging failed", zap.Int("iteration", i), zap.Error(err))
			return e.finish(ctx, r, session.StatusFailed, err.Error(), outcomeFailed)
		}

		score := int(*it.JudgeScore)
		switch {
		case score >= r.threshold:
			r.logger.Info("judge accepted image", zap.Int("iteration", i), zap.Int("score", score))
			return e.finish(ctx, r, session.StatusDone, session.ReasonAccepted, outcomeAccepted)
		case i+1 >= r.budget:
			r.logger.Info("iteration budget exhausted", zap.Int("iterations", i+1), zap.Int("last_score", score))
			return e.finish(ctx, r, session.StatusDone, session.ReasonBudgetExhausted, outcomeExhausted)
		}

		rev, err := e.reviser.Revise(ctx, revision.Input{
			Goal:           goal,
			PreviousPrompt: prompt,
			JudgeNotes:     result.Notes,
			UserFeedback:   e.latestFeedback(ctx, id),
		})
		if err != nil {
			if ctx.Err() != nil {
				return e.cancel(ctx, r, i+1)
			}
			if models.CodeOf(err) == "" {
				err = &models.Error{Code: models.CodeRevision, Message: "prompt revision failed", Cause: err}
			}
			r.logger.Error("prompt revision failed", zap.Int("iteration", i), zap.Error(err))
			return e.finish(ctx, r, session.StatusFailed, err.Error(), outcomeFailed)
		}
		r.logger.Debug("prompt revised", zap.Int("next_iteration", i+1), zap.String("diff", rev.Diff))
		prompt = rev.Prompt
		diff = &rev.Diff
	}
}

// record appends it even when ctx is already cancelled so completed work is
// never lost.
func (e *Engine) record(ctx context.Context, r *run, it session.Iteration) error {
	now := e.clock.Now()
	it.CreatedAt = now
	if err := e.store.AppendIteration(context.WithoutCancel(ctx), r.sess.ID, it, now); err != nil {
		r.logger.Error("failed to record iteration", zap.Int("iteration", it.Index), zap.Error(err))
		return session.DomainError(err)
	}

	var score *int
	if it.JudgeScore != nil {
		s := int(*it.JudgeScore)
		score = &s
	}
	e.metrics.IterationRecorded(r.sess.ImageProvider, score)
	r.logger.Info("iteration recorded", zap.Int("iteration", it.Index), zap.Intp("score", score))
	return nil
}

func (e *Engine) recordCost(ctx context.Context, r *run, index int) {
	if e.ledger == nil {
		return
	}
	if _, err := e.ledger.Record(context.WithoutCancel(ctx), r.sess.ID, index, r.sess.ImageProvider, r.params, e.clock.Now()); err != nil {
		r.logger.Warn("failed to record cost", zap.Int("iteration", index), zap.Error(err))
	}
}

// latestFeedback returns the most recent feedback attached to any recorded
// iteration. Users may attach it while the run is in progress.
func (e *Engine) latestFeedback(ctx context.Context, id string) string {
	its, err := e.store.ListIterations(ctx, id)
	if err != nil {
		return ""
	}
	for i := len(its) - 1; i >= 0; i-- {
		if its[i].UserFeedback != nil {
			return *its[i].UserFeedback
		}
	}
	return ""
}

func (e *Engine) refreshLease(ctx context.Context, r *run) {
	if err := r.lease.Refresh(ctx, e.config.LeaseTTL); err != nil && ctx.Err() == nil {
		r.logger.Warn("failed to refresh run lease", zap.Error(err))
	}
}

// cancel ends a cancelled run: done when iterations exist, failed otherwise.
func (e *Engine) cancel(ctx context.Context, r *run, recorded int) (*session.Session, error) {
	r.logger.Warn("optimization cancelled", zap.Int("iterations", recorded), zap.Error(ctx.Err()))
	if recorded > 0 {
		return e.finish(ctx, r, session.StatusDone, session.ReasonCancelled, outcomeCancelled)
	}
	return e.finish(ctx, r, session.StatusFailed, session.ReasonCancelled, outcomeCancelled)
}

func (e *Engine) finish(ctx context.Context, r *run, to session.Status, reason, outcome string) (*session.Session, error) {
	bg := context.WithoutCancel(ctx)
	id := r.sess.ID

	err := e.store.TransitionStatus(bg, id, session.StatusRunning, to, reason, e.clock.Now())
	switch {
	case errors.Is(err, session.ErrStatusMismatch):
		r.logger.Warn("session left running by another writer", zap.String("wanted", string(to)))
	case err != nil:
		return nil, session.DomainError(err)
	}
	e.metrics.RunFinished(r.sess.ImageProvider, outcome)

	sess, err := e.store.GetSession(bg, id)
	if err != nil {
		return nil, session.DomainError(err)
	}
	r.logger.Info("optimization finished",
		zap.String("status", string(sess.Status)),
		zap.String("reason", sess.StatusReason),
		zap.Int("iterations", len(sess.Iterations)))
	return sess, nil
}

// Recover finishes sessions left running by a process that died: any running
// session whose lease can be taken is moved to done when it has iterations
// and to failed otherwise, with reason "interrupted". Sessions with a live
// run are skipped. When the locker is process-local a run in another process
// holds no lease here, so only sessions idle for at least LeaseTTL qualify.
func (e *Engine) Recover(ctx context.Context) ([]string, error) {
	running, err := e.store.ListSessionsByStatus(ctx, session.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list running sessions: %w", err)
	}

	shared := lock.Shared(e.locker)
	now := e.clock.Now()
	var recovered []string
	for _, sess := range running {
		if !shared && now.Sub(sess.UpdatedAt) < e.config.LeaseTTL {
			e.logger.Debug("skipping recently active session",
				zap.String("session_id", sess.ID),
				zap.Time("updated_at", sess.UpdatedAt))
			continue
		}
		lease, err := e.locker.Acquire(ctx, leaseKey(sess.ID), e.config.LeaseTTL)
		if errors.Is(err, lock.ErrLocked) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to acquire lease for %s: %w", sess.ID, err)
		}

		to := session.StatusFailed
		if len(sess.Iterations) > 0 {
			to = session.StatusDone
		}
		err = e.store.TransitionStatus(ctx, sess.ID, session.StatusRunning, to, session.ReasonInterrupted, now)
		if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
			e.logger.Warn("failed to release recovery lease", zap.String("session_id", sess.ID), zap.Error(relErr))
		}
		if errors.Is(err, session.ErrStatusMismatch) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to recover %s: %w", sess.ID, err)
		}

		e.logger.Info("recovered interrupted session",
			zap.String("session_id", sess.ID),
			zap.String("status", string(to)),
			zap.Int("iterations", len(sess.Iterations)))
		recovered = append(recovered, sess.ID)
	}
	return recovered, nil
}
