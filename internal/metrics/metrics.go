// Package metrics holds the Prometheus instruments of a recovery run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rewind_events_replayed_total",
		Help: "Total number of archived events folded by replay units.",
	})

	ReplayUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewind_replay_units_total",
		Help: "Replay units finished, labelled by final status.",
	}, []string{"status"})

	UnitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rewind_replay_unit_retries_total",
		Help: "Replay unit attempts that failed and were retried.",
	})

	CheckpointWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rewind_checkpoint_writes_total",
		Help: "Checkpoints written by replay units.",
	})

	ReplayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rewind_replay_duration_ms",
		Help:    "Wall time of a replay run in milliseconds.",
		Buckets: []float64{10, 50, 100, 500, 1000, 5000, 15000, 60000, 300000},
	})

	WindowsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rewind_failure_windows_detected_total",
		Help: "Failure windows emitted by the detector.",
	})

	Corrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewind_corrections_total",
		Help: "Corrections produced by reconciliation, labelled by reason.",
	}, []string{"reason"})

	ApplyAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewind_apply_attempts_total",
		Help: "Correction batch apply attempts, labelled by outcome.",
	}, []string{"outcome"})
)
