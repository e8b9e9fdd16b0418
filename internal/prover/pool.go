package prover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"zkescrow/internal/domain"
)

var (
	proveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zkescrow",
		Subsystem: "prover",
		Name:      "duration_seconds",
		Help:      "Wall time of proving jobs.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"outcome"})
	proveInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "zkescrow",
		Subsystem: "prover",
		Name:      "inflight",
		Help:      "Proving jobs currently holding a worker slot.",
	})
)

// Pool bounds concurrent proving. A job that outlives its timeout keeps its
// slot until it finishes; the caller gets an error and the result is dropped.
type Pool struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

func NewPool(workers int, timeout time.Duration) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers)), timeout: timeout}
}

type jobResult[T any] struct {
	val T
	err error
}

// Run executes fn on a worker slot.
func Run[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var zero T
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, domain.ProverExecutionError{Err: fmt.Errorf("no prover slot available: %w", err), Retryable: true}
	}
	start := time.Now()
	proveInflight.Inc()
	done := make(chan jobResult[T], 1)
	go func() {
		defer p.sem.Release(1)
		defer proveInflight.Dec()
		defer func() {
			if r := recover(); r != nil {
				done <- jobResult[T]{err: domain.ProverExecutionError{Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		v, err := fn()
		done <- jobResult[T]{val: v, err: err}
	}()
	select {
	case res := <-done:
		outcome := "ok"
		if res.err != nil {
			outcome = "error"
		}
		proveDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		return res.val, res.err
	case <-ctx.Done():
		proveDuration.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("proving exceeded %s", p.timeout)
		}
		return zero, domain.ProverExecutionError{Err: err, Retryable: true}
	}
}
