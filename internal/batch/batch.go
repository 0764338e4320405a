// Package batch optimises many goals at once, one session per goal, with a
// bounded number of concurrent runs.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/manash/promptloop/internal/engine"
	"github.com/manash/promptloop/internal/security"
	"github.com/manash/promptloop/internal/session"
)

// Runner drives a session to a terminal status.
type Runner interface {
	RunOptimization(ctx context.Context, id string, opts engine.RunOptions) (*session.Session, error)
}

type Options struct {
	Provider            string
	MaxIterations       int
	AcceptanceThreshold *int
	Parallel            int
	StopOnError         bool
}

type Result struct {
	Index      int
	Goal       string
	SessionID  string
	Status     session.Status
	Reason     string
	Iterations int
	BestScore  *int
	BestImage  string
	Cost       float64
	Err        error
	Duration   time.Duration
}

// ErrSkipped marks items never started because the batch was stopped.
var ErrSkipped = errors.New("skipped")

type Processor struct {
	mgr    *session.Manager
	runner Runner
	out    io.Writer
	err    io.Writer
	outMu  sync.Mutex
	logger *zap.Logger
}

func NewProcessor(mgr *session.Manager, runner Runner, out, errOut io.Writer, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		mgr:    mgr,
		runner: runner,
		out:    out,
		err:    errOut,
		logger: logger.With(zap.String("component", "batch")),
	}
}

func (p *Processor) printf(format string, args ...any) {
	p.outMu.Lock()
	fmt.Fprintf(p.out, format, args...)
	p.outMu.Unlock()
}

func (p *Processor) errorf(format string, args ...any) {
	p.outMu.Lock()
	fmt.Fprintf(p.err, format, args...)
	p.outMu.Unlock()
}

// Process runs every item and returns one Result per item in input order.
// With StopOnError the first failed item stops the batch: items not yet
// started are skipped and runs in flight are cancelled.
func (p *Processor) Process(ctx context.Context, items []Item, opts Options) ([]Result, error) {
	results := make([]Result, len(items))
	total := len(items)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Parallel, 1))

	for i, item := range items {
		g.Go(func() error {
			results[i] = p.processItem(gctx, item, opts, i+1, total)
			if opts.StopOnError && results[i].Err != nil && !errors.Is(results[i].Err, ErrSkipped) {
				return fmt.Errorf("item %d: %w", item.Index, results[i].Err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("batch stopped due to error: %w", err)
	}
	return results, ctx.Err()
}

func (p *Processor) processItem(ctx context.Context, item Item, opts Options, current, total int) Result {
	start := time.Now()
	result := Result{Index: item.Index, Goal: item.Goal}
	fail := func(err error) Result {
		result.Err = err
		result.Duration = time.Since(start)
		p.errorf("[%d/%d] Error: %v\n", current, total, err)
		return result
	}

	if ctx.Err() != nil {
		result.Err = ErrSkipped
		return result
	}

	provider := item.Provider
	if provider == "" {
		provider = opts.Provider
	}
	budget := item.MaxIterations
	if budget == 0 {
		budget = opts.MaxIterations
	}

	p.printf("[%d/%d] Optimising: %q\n", current, total, security.Truncate(item.Goal, 50))

	sess, err := p.mgr.CreateSession(ctx, session.CreateRequest{
		UserGoal:      item.Goal,
		ImageProvider: provider,
		ImageParams:   item.Params,
		MaxIterations: budget,
	})
	if err != nil {
		return fail(fmt.Errorf("create session: %w", err))
	}
	result.SessionID = sess.ID

	sess, err = p.runner.RunOptimization(ctx, sess.ID, engine.RunOptions{AcceptanceThreshold: opts.AcceptanceThreshold})
	if err != nil {
		return fail(fmt.Errorf("run session %s: %w", result.SessionID, err))
	}

	result.Status = sess.Status
	result.Reason = sess.StatusReason
	result.Iterations = len(sess.Iterations)
	if best, ok := sess.Best(); ok {
		if best.JudgeScore != nil {
			score := int(*best.JudgeScore)
			result.BestScore = &score
		}
		if best.ImagePath != nil {
			result.BestImage = *best.ImagePath
		}
	}
	if summary, err := p.mgr.SessionCost(context.WithoutCancel(ctx), sess.ID); err == nil {
		result.Cost = summary.TotalCost
	} else {
		p.logger.Warn("failed to read session cost", zap.String("session_id", sess.ID), zap.Error(err))
	}

	if sess.Status == session.StatusFailed {
		return fail(fmt.Errorf("session %s failed: %s", sess.ID, sess.StatusReason))
	}

	result.Duration = time.Since(start)
	if result.BestScore != nil {
		p.printf("       Done: %s (%s, best score %d after %d iterations)\n", sess.ID, sess.StatusReason, *result.BestScore, result.Iterations)
	} else {
		p.printf("       Done: %s (%s, %d iterations)\n", sess.ID, sess.StatusReason, result.Iterations)
	}
	return result
}

func (p *Processor) PrintSummary(results []Result) {
	var succeeded, accepted, skipped int
	var totalCost float64
	var failures []Result

	for _, r := range results {
		totalCost += r.Cost
		switch {
		case errors.Is(r.Err, ErrSkipped):
			skipped++
		case r.Err != nil:
			failures = append(failures, r)
		default:
			succeeded++
			if r.Reason == session.ReasonAccepted {
				accepted++
			}
		}
	}

	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Summary:")
	fmt.Fprintf(p.out, "  Finished: %d/%d sessions (%d accepted)\n", succeeded, len(results), accepted)
	if len(failures) > 0 {
		fmt.Fprintf(p.out, "  Failed: %d (see errors below)\n", len(failures))
	}
	if skipped > 0 {
		fmt.Fprintf(p.out, "  Skipped: %d\n", skipped)
	}
	fmt.Fprintf(p.out, "  Total cost: $%.4f\n", totalCost)

	if len(failures) > 0 {
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, "Errors:")
		for _, r := range failures {
			fmt.Fprintf(p.out, "  [%d] %q: %v\n", r.Index, security.Truncate(r.Goal, 40), r.Err)
		}
	}
}
