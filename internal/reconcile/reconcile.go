// Package reconcile compares replayed results with the live store and derives
// the corrections that would make them agree.
//
// Comparison is strictly by fingerprint. Two results whose values print the
// same but were computed under different logic versions are different.
package reconcile

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/livestore"
	"github.com/roach88/rewind/internal/metrics"
	"github.com/roach88/rewind/internal/telemetry"
)

// Options tunes reconciliation.
type Options struct {
	// RequireInReplay marks live keys absent from the replay as stale.
	// Use it only when the replay covers every key the live store may hold.
	RequireInReplay bool

	// InScope limits which live keys can be reported stale. Nil means all.
	InScope func(key string) bool

	// MaxRetries bounds retries of a failed live store read. Zero means
	// DefaultMaxRetries; negative disables retries.
	MaxRetries int

	// RetryInitial is the first backoff interval. Zero means DefaultRetryInitial.
	RetryInitial time.Duration
}

// Defaults for live store reads.
const (
	DefaultMaxRetries   = 3
	DefaultRetryInitial = 100 * time.Millisecond
)

// Summary counts reconciliation outcomes.
type Summary struct {
	Matched    int `json:"matched"`
	Missing    int `json:"missing"`
	Mismatched int `json:"mismatched"`
	Stale      int `json:"stale"`
}

// Corrections is the number of keys that need a write.
func (s Summary) Corrections() int {
	return s.Missing + s.Mismatched + s.Stale
}

func (s *Summary) count(r ir.Reason) {
	switch r {
	case ir.ReasonMissing:
		s.Missing++
	case ir.ReasonMismatched:
		s.Mismatched++
	case ir.ReasonStale:
		s.Stale++
	}
}

// Reconcile outer-joins replay and live results on key and returns one
// correction per differing key, sorted by key. Neither input is modified.
// Duplicate keys within one input resolve to the last occurrence.
//
// A live row without a logic version is compared under the version of its
// replay counterpart. A live row holding a placeholder (zero or null) counts
// as never populated and is reported missing. A value that cannot be
// fingerprinted fails the whole reconciliation.
func Reconcile(replay []ir.ReplayResult, live []ir.LiveResult, opts Options) ([]ir.Correction, Summary, error) {
	liveByKey := make(map[string]ir.LiveResult, len(live))
	for _, l := range live {
		liveByKey[l.Key] = l
	}
	replayByKey := make(map[string]ir.ReplayResult, len(replay))
	for _, r := range replay {
		replayByKey[r.Key] = r
	}

	var (
		summary     Summary
		corrections = []ir.Correction{}
	)
	add := func(c ir.Correction) {
		summary.count(c.Reason)
		corrections = append(corrections, c)
	}

	for key, r := range replayByKey {
		newFP, err := replayFingerprint(r)
		if err != nil {
			return nil, Summary{}, err
		}
		l, ok := liveByKey[key]
		if !ok {
			add(ir.Correction{
				Key:            key,
				NewValue:       r.Value,
				NewFingerprint: newFP,
				LogicVersion:   r.LogicVersion,
				Reason:         ir.ReasonMissing,
			})
			continue
		}
		cmpFP, err := comparableFingerprint(l, r.LogicVersion)
		if err != nil {
			return nil, Summary{}, err
		}
		if cmpFP == newFP {
			summary.Matched++
			continue
		}
		oldFP, err := liveFingerprint(l)
		if err != nil {
			return nil, Summary{}, err
		}
		reason := ir.ReasonMismatched
		if isPlaceholder(l.Value) {
			reason = ir.ReasonMissing
		}
		add(ir.Correction{
			Key:            key,
			OldValue:       l.Value,
			NewValue:       r.Value,
			OldFingerprint: oldFP,
			NewFingerprint: newFP,
			LogicVersion:   r.LogicVersion,
			Reason:         reason,
		})
	}

	if opts.RequireInReplay {
		for key, l := range liveByKey {
			if _, ok := replayByKey[key]; ok {
				continue
			}
			if opts.InScope != nil && !opts.InScope(key) {
				continue
			}
			oldFP, err := liveFingerprint(l)
			if err != nil {
				return nil, Summary{}, err
			}
			add(ir.Correction{
				Key:            key,
				OldValue:       l.Value,
				OldFingerprint: oldFP,
				LogicVersion:   l.LogicVersion,
				Reason:         ir.ReasonStale,
			})
		}
	}

	slices.SortFunc(corrections, func(a, b ir.Correction) int { return strings.Compare(a.Key, b.Key) })
	return corrections, summary, nil
}

// Fetch loads the live rows relevant to replay and reconciles against them.
// With RequireInReplay every in-scope live key is loaded too.
func Fetch(ctx context.Context, live livestore.Reader, replay []ir.ReplayResult, opts Options) ([]ir.Correction, Summary, error) {
	ctx, span := telemetry.Tracer("reconcile").Start(ctx, "reconcile.fetch")
	defer span.End()

	keys := make([]string, 0, len(replay))
	seen := make(map[string]bool, len(replay))
	for _, r := range replay {
		if !seen[r.Key] {
			seen[r.Key] = true
			keys = append(keys, r.Key)
		}
	}
	if opts.RequireInReplay {
		all, err := withRetry(ctx, opts, "keys", func() ([]string, error) { return live.Keys(ctx) })
		if err != nil {
			span.RecordError(err)
			return nil, Summary{}, err
		}
		for _, k := range all {
			if seen[k] || (opts.InScope != nil && !opts.InScope(k)) {
				continue
			}
			seen[k] = true
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	rows, err := withRetry(ctx, opts, "get", func() (map[string]ir.LiveResult, error) { return live.Get(ctx, keys) })
	if err != nil {
		span.RecordError(err)
		return nil, Summary{}, err
	}
	liveRows := make([]ir.LiveResult, 0, len(rows))
	for _, k := range keys {
		if row, ok := rows[k]; ok {
			liveRows = append(liveRows, row)
		}
	}

	corrections, summary, err := Reconcile(replay, liveRows, opts)
	if err != nil {
		span.RecordError(err)
		return nil, Summary{}, err
	}

	metrics.Corrections.WithLabelValues(string(ir.ReasonMissing)).Add(float64(summary.Missing))
	metrics.Corrections.WithLabelValues(string(ir.ReasonMismatched)).Add(float64(summary.Mismatched))
	metrics.Corrections.WithLabelValues(string(ir.ReasonStale)).Add(float64(summary.Stale))
	span.SetAttributes(
		attribute.Int("rewind.live_keys", len(liveRows)),
		attribute.Int("rewind.matched", summary.Matched),
		attribute.Int("rewind.corrections", len(corrections)),
	)
	return corrections, summary, nil
}

// withRetry runs an idempotent live store read with exponential backoff.
// Cancellation is not retried.
func withRetry[T any](ctx context.Context, opts Options, op string, read func() (T, error)) (T, error) {
	retries := opts.MaxRetries
	if retries == 0 {
		retries = DefaultMaxRetries
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cmp.Or(opts.RetryInitial, DefaultRetryInitial)
	b.MaxInterval = max(b.InitialInterval, 5*time.Second)

	attempts := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := read()
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(retries, 0)+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("live store read failed, retrying", "op", op, "attempt", attempts, "retry_in", next, "error", err)
		}),
	)
}

func replayFingerprint(r ir.ReplayResult) (string, error) {
	if r.Fingerprint != "" {
		return r.Fingerprint, nil
	}
	fp, err := ir.Fingerprint(r.Key, r.Value, r.LogicVersion)
	if err != nil {
		return "", fmt.Errorf("reconcile: replay result: %w", err)
	}
	return fp, nil
}

// liveFingerprint returns the fingerprint the live store holds for the row,
// computing it when the store left it empty. Corrections carry it as the
// compare-and-set guard. A row with no value has the empty fingerprint.
func liveFingerprint(l ir.LiveResult) (string, error) {
	if l.Fingerprint != "" || isNull(l.Value) {
		return l.Fingerprint, nil
	}
	fp, err := ir.Fingerprint(l.Key, l.Value, l.LogicVersion)
	if err != nil {
		return "", fmt.Errorf("reconcile: live row: %w", err)
	}
	return fp, nil
}

// comparableFingerprint is the fingerprint compared against the replay.
// Rows that never recorded a logic version borrow the replay's.
func comparableFingerprint(l ir.LiveResult, replayVersion string) (string, error) {
	if l.LogicVersion != "" || isNull(l.Value) {
		return liveFingerprint(l)
	}
	fp, err := ir.Fingerprint(l.Key, l.Value, replayVersion)
	if err != nil {
		return "", fmt.Errorf("reconcile: live row: %w", err)
	}
	return fp, nil
}

func isNull(v ir.IRValue) bool {
	switch v.(type) {
	case nil, ir.IRNull:
		return true
	}
	return false
}

// isPlaceholder reports whether a live value only marks a key as known.
func isPlaceholder(v ir.IRValue) bool {
	switch val := v.(type) {
	case nil, ir.IRNull:
		return true
	case ir.IRInt:
		return val == 0
	}
	return false
}
