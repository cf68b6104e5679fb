package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/aggregate"
	"github.com/roach88/rewind/internal/apply"
	"github.com/roach88/rewind/internal/archive"
	"github.com/roach88/rewind/internal/compiler"
	"github.com/roach88/rewind/internal/config"
	"github.com/roach88/rewind/internal/detect"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/livestore"
	"github.com/roach88/rewind/internal/pipeline"
	"github.com/roach88/rewind/internal/reconcile"
	"github.com/roach88/rewind/internal/replay"
	"github.com/roach88/rewind/internal/store"
	"github.com/roach88/rewind/internal/telemetry"
)

// session holds the configuration and opened collaborators of one command.
// Close releases everything opened through it, newest first.
type session struct {
	cfg     *config.Config
	loader  *config.Loader
	path    string
	logger  *slog.Logger
	out     *OutputFormatter
	closers []func() error
}

// newLogger installs a TextHandler on w; verbose enables debug records.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func openSession(ctx context.Context, cmd *cobra.Command, opts *RootOptions) (*session, error) {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	loader, err := config.NewLoader(opts.Config, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	cfg := loader.Config()
	slog.SetDefault(logger)

	s := &session{
		cfg:    cfg,
		loader: loader,
		path:   opts.Config,
		logger: logger,
		out:    &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()},
	}

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", "endpoint", cfg.Telemetry.OTLPEndpoint, "error", err)
	}
	s.closers = append(s.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})
	return s, nil
}

// Close releases resources in reverse order of acquisition.
func (s *session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openArchive builds the configured archive reader, rate limited when set.
func (s *session) openArchive(ctx context.Context) (archive.Reader, error) {
	c := s.cfg.Archive
	var r archive.Reader
	switch c.Kind {
	case "sqlite":
		a, err := archive.OpenSQLite(c.Path, c.Readers)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "open archive", err)
		}
		s.closers = append(s.closers, a.Close)
		r = a
	case "s3", "gcs":
		objects, err := s.openObjects(ctx)
		if err != nil {
			return nil, err
		}
		r = archive.NewObjectArchive(objects, c.Prefix)
	default:
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown archive kind %q", c.Kind))
	}
	return archive.NewRateLimited(r, c.RateLimit, c.Burst), nil
}

func (s *session) openObjects(ctx context.Context) (archive.ObjectStore, error) {
	c := s.cfg.Archive
	var (
		objects archive.ObjectStore
		err     error
	)
	if c.Kind == "s3" {
		objects, err = archive.NewS3Objects(ctx, archive.S3Config{
			Bucket:   c.Bucket,
			Region:   c.Region,
			Endpoint: c.Endpoint,
		})
	} else {
		objects, err = archive.NewGCSObjects(ctx, c.Bucket)
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open object archive", err)
	}
	if closer, ok := objects.(io.Closer); ok {
		s.closers = append(s.closers, closer.Close)
	}
	return objects, nil
}

func (s *session) openStore() (*store.Store, error) {
	st, err := store.Open(s.cfg.Store.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open run store", err)
	}
	s.closers = append(s.closers, st.Close)
	return st, nil
}

func (s *session) openLive(ctx context.Context) (livestore.Reader, error) {
	c := s.cfg.Live
	switch c.Kind {
	case "sqlite":
		live, err := livestore.OpenSQLite(c.Path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "open live store", err)
		}
		s.closers = append(s.closers, live.Close)
		return live, nil
	case "postgres":
		live, err := livestore.OpenPostgres(ctx, c.DSN)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "open live store", err)
		}
		s.closers = append(s.closers, live.Close)
		if err := live.EnsureSchema(ctx); err != nil {
			return nil, WrapExitError(ExitCommandError, "open live store", err)
		}
		return live, nil
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{c.Addr}})
		s.closers = append(s.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, WrapExitError(ExitCommandError, "open live store", err)
		}
		return livestore.NewRedis(client, c.Prefix), nil
	default:
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown live store kind %q", c.Kind))
	}
}

// loadPlan compiles and validates the configured recovery plan.
func (s *session) loadPlan() (*compiler.Plan, error) {
	if s.cfg.Plan == "" {
		return nil, NewExitError(ExitCommandError, "no recovery plan configured (set plan or REWIND_PLAN)")
	}
	plan, err := compiler.LoadFile(s.cfg.Plan)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "compile plan", err)
	}
	if errs := compiler.Validate(plan); len(errs) > 0 {
		return nil, WrapExitError(ExitCommandError, "invalid plan", errs[0])
	}
	return plan, nil
}

func (s *session) partitionPlan(plan *compiler.Plan) replay.PartitionPlan {
	partitions := s.cfg.Replay.Partitions
	if len(plan.Partitions) > 0 {
		partitions = plan.Partitions
	}
	return replay.PartitionPlan{ArchivePartitions: partitions, KeyBuckets: s.cfg.Replay.KeyBuckets}
}

// healthPartitions are the partitions aggregated for detection: the
// configured health partitions, else the replay partitions.
func (s *session) healthPartitions(plan *compiler.Plan) []string {
	if len(s.cfg.Detect.HealthPartitions) > 0 {
		return s.cfg.Detect.HealthPartitions
	}
	if plan != nil && len(plan.Partitions) > 0 {
		return plan.Partitions
	}
	return s.cfg.Replay.Partitions
}

func (s *session) newEngine(r archive.Reader, st *store.Store, plan *compiler.Plan) (*replay.Engine, error) {
	schedule, err := plan.Schedule()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "build schedule", err)
	}
	c := s.cfg.Replay
	return replay.New(r, schedule, st,
		replay.WithParallelism(c.Parallelism),
		replay.WithMaxRetries(c.MaxRetries),
		replay.WithCheckpointEvery(c.CheckpointEvery),
		replay.WithPartitionTimeout(c.PartitionTimeout),
		replay.WithLogger(s.logger),
	), nil
}

// detector applies plan tuning over the configured detector settings.
func (s *session) detector(plan *compiler.Plan) (detect.Detector, time.Duration) {
	c := s.cfg.Detect
	d := detect.Detector{
		Threshold:    c.Threshold,
		GapTolerance: c.GapTolerance,
		MinBuckets:   c.MinBuckets,
		Logger:       s.logger,
	}
	width := c.BucketWidth
	if plan != nil && plan.Detect != nil {
		t := plan.Detect
		if t.Threshold > 0 {
			d.Threshold = t.Threshold
		}
		if t.GapTolerance > 0 {
			d.GapTolerance = t.GapTolerance
		}
		if t.MinBuckets > 0 {
			d.MinBuckets = t.MinBuckets
		}
		if t.BucketWidth > 0 {
			width = t.BucketWidth
		}
	}
	return d, width
}

func (s *session) healthMetric() (aggregate.Metric, error) {
	m, err := aggregate.MetricFor(ir.RuleSpec{Metric: ir.Metric(s.cfg.Detect.Metric), Field: s.cfg.Detect.Field})
	if err != nil {
		return aggregate.Metric{}, WrapExitError(ExitCommandError, "health metric", err)
	}
	return m, nil
}

func (s *session) reconcileOptions() reconcile.Options {
	return reconcile.Options{RequireInReplay: s.cfg.Apply.RequireInReplay}
}

// watchConfig hot-reloads the config file until the session closes. Only
// the settings retune copies change a running command; the rest is read once.
func (s *session) watchConfig() {
	if s.path == "" {
		return
	}
	stop, err := s.loader.Watch()
	if err != nil {
		s.logger.Warn("config hot reload disabled", "path", s.path, "error", err)
		return
	}
	s.loader.OnChange(func(cfg *config.Config) {
		s.logger.Info("apply settings take effect from the next window",
			"apply_partial", cfg.Apply.ApplyPartial,
			"require_in_replay", cfg.Apply.RequireInReplay,
		)
	})
	s.closers = append(s.closers, func() error {
		stop()
		return nil
	})
}

// retune copies the reloadable apply settings of the latest config onto p.
func (s *session) retune(p *pipeline.Pipeline) {
	cfg := s.loader.Config()
	p.ApplyPartial = cfg.Apply.ApplyPartial
	p.Reconcile.RequireInReplay = cfg.Apply.RequireInReplay
}

// newPipeline opens every collaborator of a recovery run.
func (s *session) newPipeline(ctx context.Context) (*pipeline.Pipeline, time.Duration, error) {
	plan, err := s.loadPlan()
	if err != nil {
		return nil, 0, err
	}
	arch, err := s.openArchive(ctx)
	if err != nil {
		return nil, 0, err
	}
	st, err := s.openStore()
	if err != nil {
		return nil, 0, err
	}
	live, err := s.openLive(ctx)
	if err != nil {
		return nil, 0, err
	}
	engine, err := s.newEngine(arch, st, plan)
	if err != nil {
		return nil, 0, err
	}
	applier, err := apply.New(live,
		apply.WithMaxRetries(s.cfg.Apply.MaxRetries),
		apply.WithLogger(s.logger),
	)
	if err != nil {
		return nil, 0, WrapExitError(ExitCommandError, "build applier", err)
	}
	metric, err := s.healthMetric()
	if err != nil {
		return nil, 0, err
	}
	detector, width := s.detector(plan)
	pplan := s.partitionPlan(plan)

	return &pipeline.Pipeline{
		Archive:          arch,
		Engine:           engine,
		Live:             live,
		Applier:          applier,
		Detector:         detector,
		Metric:           metric,
		HealthPartitions: s.cfg.Detect.HealthPartitions,
		Partitions:       pplan.ArchivePartitions,
		Plan:             pplan,
		ApplyPartial:     s.cfg.Apply.ApplyPartial,
		Reconcile:        s.reconcileOptions(),
		Logger:           s.logger,
	}, width, nil
}

// parseRange reads a pair of RFC 3339 flags into a time range.
func parseRange(from, to string) (ir.TimeRange, error) {
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return ir.TimeRange{}, NewExitError(ExitCommandError, fmt.Sprintf("invalid --from %q: want RFC 3339", from))
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return ir.TimeRange{}, NewExitError(ExitCommandError, fmt.Sprintf("invalid --to %q: want RFC 3339", to))
	}
	r := ir.TimeRange{Start: start.UTC(), End: end.UTC()}
	if err := r.Validate(); err != nil {
		return ir.TimeRange{}, WrapExitError(ExitCommandError, "invalid range", err)
	}
	return r, nil
}
