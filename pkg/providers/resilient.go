package providers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dotsetgreg/memsync/pkg/profile"
	"github.com/dotsetgreg/memsync/pkg/resilience"
)

// ResilientOptions configure the call protection around a provider.
type ResilientOptions struct {
	Timeout time.Duration
	Retry   resilience.RetryPolicy
	Breaker resilience.BreakerConfig
	Logger  *zap.Logger
}

// Resilient guards a provider with per-call timeouts, retries on dependency
// failures and a circuit breaker.
type Resilient struct {
	inner   Provider
	timeout time.Duration
	retry   resilience.RetryPolicy
	breaker *resilience.Breaker
	logger  *zap.Logger
}

var _ Provider = (*Resilient)(nil)

func NewResilient(inner Provider, opts ResilientOptions) *Resilient {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("provider").With(zap.String("provider", inner.Name()))
	if opts.Retry.MaxTries == 0 {
		opts.Retry = resilience.DefaultRetryPolicy()
	}
	if opts.Retry.Notify == nil {
		opts.Retry.Notify = func(attempt int, err error, wait time.Duration) {
			log.Warn("provider call failed, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		}
	}
	return &Resilient{
		inner:   inner,
		timeout: opts.Timeout,
		retry:   opts.Retry,
		breaker: resilience.NewBreaker("provider-"+inner.Name(), opts.Breaker, log),
		logger:  log,
	}
}

func (r *Resilient) Name() string    { return r.inner.Name() }
func (r *Resilient) ModelID() string { return r.inner.ModelID() }

func (r *Resilient) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, _, err := resilience.Retry(ctx, r.retry, func(ctx context.Context) ([]float32, error) {
		var out []float32
		err := r.call(ctx, func(ctx context.Context) error {
			var err error
			out, err = r.inner.Embed(ctx, text)
			return err
		})
		return out, err
	})
	return vec, err
}

func (r *Resilient) ExtractFacts(ctx context.Context, req profile.ExtractionRequest) ([]profile.Candidate, error) {
	cands, _, err := resilience.Retry(ctx, r.retry, func(ctx context.Context) ([]profile.Candidate, error) {
		var out []profile.Candidate
		err := r.call(ctx, func(ctx context.Context) error {
			var err error
			out, err = r.inner.ExtractFacts(ctx, req)
			return err
		})
		return out, err
	})
	return cands, err
}

func (r *Resilient) call(ctx context.Context, op func(ctx context.Context) error) error {
	return r.breaker.Do(func() error {
		return resilience.WithTimeout(ctx, r.timeout, op)
	})
}
