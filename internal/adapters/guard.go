package adapters

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/medconsent/internal/errs"
	"github.com/and161185/medconsent/internal/model"
)

// Observer receives the outcome of each guarded adapter call.
type Observer func(op string, took time.Duration, err error)

// Guard bounds adapter calls with a timeout and reports every failure as errs.ErrAdapterFailure.
type Guard struct {
	Timeout time.Duration
	Log     *zap.Logger
	Observe Observer
}

// Extractor wraps e.
func (g Guard) Extractor(e Extractor) Extractor {
	return ExtractorFunc(func(ctx context.Context, data []byte, mimeType string) (string, error) {
		return g.run(ctx, "extract", func(ctx context.Context) (string, error) {
			return e.Extract(ctx, data, mimeType)
		})
	})
}

// Digester wraps d.
func (g Guard) Digester(d Digester) Digester {
	return DigesterFunc(func(ctx context.Context, text string, pc model.PatientContext) (string, error) {
		return g.run(ctx, "digest", func(ctx context.Context) (string, error) {
			return d.Digest(ctx, text, pc)
		})
	})
}

// Profiler wraps p.
func (g Guard) Profiler(p Profiler) Profiler {
	return ProfilerFunc(func(ctx context.Context, pc model.PatientContext) (string, error) {
		return g.run(ctx, "profile", func(ctx context.Context) (string, error) {
			return p.Profile(ctx, pc)
		})
	})
}

type result struct {
	out string
	err error
}

// run executes fn in its own goroutine so a call that ignores ctx still
// releases the caller once the deadline passes.
func (g Guard) run(ctx context.Context, op string, fn func(context.Context) (string, error)) (string, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan result, 1)
	go func() {
		out, err := fn(ctx)
		done <- result{out, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	took := time.Since(start)

	if r.err != nil {
		r.err = fmt.Errorf("%w: %s: %v", errs.ErrAdapterFailure, op, r.err)
		if g.Log != nil {
			g.Log.Warn("adapter call failed", zap.String("op", op), zap.Duration("took", took), zap.Error(r.err))
		}
	}
	if g.Observe != nil {
		g.Observe(op, took, r.err)
	}
	return r.out, r.err
}
