// Package batch runs batched calls against unreliable external services:
// bounded concurrency, a per-service rate ceiling, retries with a fixed
// backoff, and an optional degraded result once retries are exhausted.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Policy bounds the retry loop of a single batch. A positive Timeout caps
// each attempt, so a hung call counts as a failed attempt.
type Policy struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

// DefaultPolicy is three attempts one second apart
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Backoff: time.Second}
}

// Retry calls fn until it succeeds or the policy's attempts are spent.
// onRetry, if set, is called before each backoff.
func Retry[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error), onRetry func(attempt int, err error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := callOnce(ctx, p.Timeout, fn)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if p.Backoff > 0 {
			select {
			case <-time.After(p.Backoff):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}
	return zero, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func callOnce[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

// Chunk splits items into consecutive slices of at most size elements
func Chunk[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	var chunks [][]T
	for i := 0; i < len(items); i += size {
		end := min(i+size, len(items))
		chunks = append(chunks, items[i:end])
	}
	return chunks
}

// Runner holds the scheduling parameters shared by every batch of a pass
type Runner struct {
	Concurrency int
	Limiter     *rate.Limiter
	Policy      Policy
	Log         zerolog.Logger
}

// NewLimiter returns a limiter admitting one batch per interval
func NewLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Job describes one pass over a list of batches.
// Degrade may be nil, in which case an exhausted batch fails the run.
// Commit calls are serialized and must persist the batch result before returning.
type Job[In, Out any] struct {
	Name    string
	Call    func(ctx context.Context, batch []In) (Out, error)
	Degrade func(batch []In, err error) Out
	Commit  func(batch []In, out Out) error
}

// Stats summarizes a finished run
type Stats struct {
	Batches  int
	Degraded int
	Records  int
}

// Run dispatches batches on a bounded pool. Cancelling ctx stops scheduling new
// batches; batches already dispatched run to completion or retry exhaustion.
func Run[In, Out any](ctx context.Context, r Runner, batches [][]In, job Job[In, Out]) (Stats, error) {
	var (
		stats  Stats
		commit sync.Mutex
		total  = len(batches)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, r.Concurrency))

	for i, b := range batches {
		if gctx.Err() != nil {
			break
		}
		if r.Limiter != nil {
			if err := r.Limiter.Wait(gctx); err != nil {
				break
			}
		}

		g.Go(func() error {
			log := r.Log.With().Str("pass", job.Name).Int("batch", i+1).Int("of", total).Int("size", len(b)).Logger()
			runCtx := context.WithoutCancel(gctx)

			out, err := Retry(runCtx, r.Policy, func(ctx context.Context) (Out, error) {
				return job.Call(ctx, b)
			}, func(attempt int, err error) {
				log.Warn().Err(err).Int("attempt", attempt).Msg("batch failed, retrying")
			})

			degraded := false
			if err != nil {
				if job.Degrade == nil {
					return fmt.Errorf("%s batch %d/%d: %w", job.Name, i+1, total, err)
				}
				log.Error().Err(err).Msg("batch exhausted retries, using degraded result")
				out = job.Degrade(b, err)
				degraded = true
			}

			commit.Lock()
			defer commit.Unlock()
			if err := job.Commit(b, out); err != nil {
				return fmt.Errorf("commit %s batch %d/%d: %w", job.Name, i+1, total, err)
			}
			stats.Batches++
			stats.Records += len(b)
			if degraded {
				stats.Degraded++
			}
			log.Debug().Bool("degraded", degraded).Msg("batch done")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, ctx.Err()
}
