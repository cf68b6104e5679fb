// Package apply commits correction batches to a live store atomically.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/livestore"
	"github.com/roach88/rewind/internal/metrics"
	"github.com/roach88/rewind/internal/telemetry"
)

// DefaultMaxRetries is the number of retries after a failed attempt.
const DefaultMaxRetries = 3

// FaultPoint names a place in the apply protocol where a fault can be injected.
type FaultPoint string

const (
	// FaultBeforeWrite fires before anything is written.
	FaultBeforeWrite FaultPoint = "before_write"
	// FaultAfterStage fires between Stage and Swap on a Stager.
	FaultAfterStage FaultPoint = "after_stage"
)

// FaultInjector lets tests fail an attempt at a given point.
type FaultInjector func(ctx context.Context, point FaultPoint, batchID string) error

// AppliedBatch describes a committed batch.
type AppliedBatch struct {
	BatchID     string            `json:"batch_id"`
	Version     int64             `json:"version"`
	Corrections int               `json:"corrections"`
	ByReason    map[ir.Reason]int `json:"by_reason,omitempty"`
	Attempts    int               `json:"attempts"`
}

// Applier writes corrections to one live store.
type Applier struct {
	store        livestore.Reader
	maxRetries   int
	retryInitial time.Duration
	retryMax     time.Duration
	faults       FaultInjector
	logger       *slog.Logger
}

// Option configures an Applier.
type Option func(*Applier)

// WithMaxRetries sets how many times a failed batch is retried.
func WithMaxRetries(n int) Option {
	return func(a *Applier) { a.maxRetries = n }
}

// WithRetryBackoff sets the exponential backoff bounds between attempts.
func WithRetryBackoff(initial, maxInterval time.Duration) Option {
	return func(a *Applier) {
		a.retryInitial = initial
		a.retryMax = maxInterval
	}
}

// WithFaultInjector installs a fault hook.
func WithFaultInjector(f FaultInjector) Option {
	return func(a *Applier) { a.faults = f }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Applier) { a.logger = l }
}

// New creates an Applier. The store must implement livestore.Transactional
// or livestore.Stager.
func New(store livestore.Reader, opts ...Option) (*Applier, error) {
	switch store.(type) {
	case livestore.Transactional, livestore.Stager:
	default:
		return nil, fmt.Errorf("apply: live store %T supports neither transactions nor staging", store)
	}
	a := &Applier{
		store:        store,
		maxRetries:   DefaultMaxRetries,
		retryInitial: 50 * time.Millisecond,
		retryMax:     2 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Apply commits corrections as one batch: every correction is written or
// none is. Conflicts are not retried. Re-applying the same corrections after
// a commit is a no-op returning the original version.
func (a *Applier) Apply(ctx context.Context, corrections []ir.Correction) (AppliedBatch, error) {
	if len(corrections) == 0 {
		return AppliedBatch{}, nil
	}
	batch, err := livestore.NewBatch(corrections)
	if err != nil {
		return AppliedBatch{}, fmt.Errorf("apply: %w", err)
	}

	ctx, span := telemetry.Tracer("apply").Start(ctx, "apply.batch")
	defer span.End()
	span.SetAttributes(
		attribute.String("rewind.batch_id", batch.ID),
		attribute.Int("rewind.corrections", len(batch.Corrections)),
	)
	log := a.logger.With("batch_id", batch.ID, "corrections", len(batch.Corrections))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.retryInitial
	b.MaxInterval = a.retryMax

	attempts := 0
	version, err := backoff.Retry(ctx, func() (int64, error) {
		attempts++
		v, err := a.attempt(ctx, batch)
		if livestore.IsConflict(err) {
			metrics.ApplyAttempts.WithLabelValues("conflict").Inc()
			return 0, backoff.Permanent(err)
		}
		if err != nil {
			metrics.ApplyAttempts.WithLabelValues("error").Inc()
			return 0, err
		}
		metrics.ApplyAttempts.WithLabelValues("committed").Inc()
		return v, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(a.maxRetries, 0)+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("correction batch attempt failed, retrying", "attempt", attempts, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		failed := &CorrectionApplyFailedError{BatchID: batch.ID, Attempts: attempts, Err: err}
		span.RecordError(failed)
		span.SetStatus(codes.Error, "apply failed")
		log.Error("correction batch not applied", "attempts", attempts, "error", err)
		return AppliedBatch{}, failed
	}

	byReason := make(map[ir.Reason]int)
	for _, c := range batch.Corrections {
		byReason[c.Reason]++
	}
	log.Info("correction batch applied", "version", version, "attempts", attempts)
	return AppliedBatch{
		BatchID:     batch.ID,
		Version:     version,
		Corrections: len(batch.Corrections),
		ByReason:    byReason,
		Attempts:    attempts,
	}, nil
}

func (a *Applier) attempt(ctx context.Context, batch livestore.Batch) (int64, error) {
	if err := a.fault(ctx, FaultBeforeWrite, batch.ID); err != nil {
		return 0, err
	}

	if tx, ok := a.store.(livestore.Transactional); ok {
		return tx.ApplyBatch(ctx, batch)
	}

	st := a.store.(livestore.Stager)
	if err := st.Stage(ctx, batch); err != nil {
		return 0, errors.Join(err, a.discard(ctx, st, batch.ID))
	}
	if err := a.fault(ctx, FaultAfterStage, batch.ID); err != nil {
		return 0, errors.Join(err, a.discard(ctx, st, batch.ID))
	}
	v, err := st.Swap(ctx, batch.ID)
	if err != nil {
		return 0, errors.Join(err, a.discard(ctx, st, batch.ID))
	}
	return v, nil
}

// discard drops a staged batch even when ctx is cancelled.
func (a *Applier) discard(ctx context.Context, st livestore.Stager, batchID string) error {
	if err := st.Discard(context.WithoutCancel(ctx), batchID); err != nil {
		return fmt.Errorf("discard staged batch: %w", err)
	}
	return nil
}

func (a *Applier) fault(ctx context.Context, point FaultPoint, batchID string) error {
	if a.faults == nil {
		return nil
	}
	if err := a.faults(ctx, point, batchID); err != nil {
		return fmt.Errorf("injected fault at %s: %w", point, err)
	}
	return nil
}
