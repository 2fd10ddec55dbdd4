// Package pipeline sequences the run: one source at a time in declared
// order, consulting the checkpoint store to skip completed and failed
// sources, and updating it after every source transition.
package pipeline

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tbeckert/harvest/pkg/cache"
	"github.com/tbeckert/harvest/pkg/checkpoint"
	"github.com/tbeckert/harvest/pkg/chunk"
	"github.com/tbeckert/harvest/pkg/client"
	"github.com/tbeckert/harvest/pkg/config"
	"github.com/tbeckert/harvest/pkg/consolidate"
	"github.com/tbeckert/harvest/pkg/fetcher"
	"github.com/tbeckert/harvest/pkg/logging"
	"github.com/tbeckert/harvest/pkg/ratelimit"
)

// ErrPriorProgress is returned by Run when a prior checkpoint carries
// progress the operator has neither resumed nor reset.
var ErrPriorProgress = errors.New("checkpoint has prior progress: resume, reset, or run with overwrite")

// Prometheus metrics for pipeline runs.
var (
	harvestSourcesCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_sources_completed_total",
		Help: "Total sources fully fetched and flushed",
	})

	harvestSourcesFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_sources_failed_total",
		Help: "Total sources marked failed",
	})
)

// Orchestrator wires the pipeline together and owns the single-writer
// checkpoint store.
type Orchestrator struct {
	cfg     config.Config
	store   *checkpoint.Store
	fetcher *fetcher.Fetcher
	writer  *chunk.Writer
	pages   *cache.Store
	redis   *redis.Client
	logger  zerolog.Logger
}

// New validates the configuration and constructs every component. The
// redis page cache is only wired when an address is configured.
func New(cfg config.Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var redisClient *redis.Client
	var pages *cache.Store
	if cfg.Cache.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Cache.Addr})
		pages = cache.NewStore(redisClient, cfg.Cache.TTL)
	}

	limiter := ratelimit.NewLimiter(cfg.MaxConcurrentRequests, cfg.RequestDelay, logging.NewLogger("ratelimit"))

	httpClient, err := client.New(client.Config{
		HTTPTimeout: cfg.HTTPTimeout,
		Retry: client.RetryConfig{
			MaxRetries:        cfg.MaxRetries,
			InitialBackoff:    cfg.InitialBackoff,
			MaxBackoff:        cfg.MaxBackoff,
			BackoffMultiplier: 2.0,
		},
	}, limiter, pages)
	if err != nil {
		return nil, err
	}

	writer, err := chunk.NewWriter(cfg.ChunkDir, cfg.ChunkSize)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:   cfg,
		store: checkpoint.Load(cfg.CheckpointPath),
		fetcher: fetcher.New(httpClient, writer, fetcher.Config{
			MaxConcurrency: cfg.MaxConcurrentRequests,
			BatchSize:      cfg.BatchSize,
		}),
		writer: writer,
		pages:  pages,
		redis:  redisClient,
		logger: logging.NewLogger("pipeline"),
	}, nil
}

// Run starts a fresh run over every declared source. It refuses to
// discard prior checkpoint progress unless Overwrite is configured.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.store.HasProgress() {
		if !o.cfg.Overwrite {
			return ErrPriorProgress
		}
		if err := o.Reset(ctx); err != nil {
			return err
		}
	}

	return o.process(ctx, o.cfg.Sources)
}

// Resume continues from the checkpoint: completed and failed sources
// are skipped, only pending ones are processed. With nothing pending it
// performs zero network requests.
func (o *Orchestrator) Resume(ctx context.Context) error {
	pending := o.store.ResumeIndex(o.cfg.SourceNames())
	if len(pending) == 0 {
		o.logger.Info().Msg("Nothing to resume, all sources settled")
		return nil
	}

	byName := make(map[string]config.Source, len(o.cfg.Sources))
	for _, src := range o.cfg.Sources {
		byName[src.Name] = src
	}

	sources := make([]config.Source, 0, len(pending))
	for _, name := range pending {
		sources = append(sources, byName[name])
	}

	o.logger.Info().
		Int("pending", len(sources)).
		Int("declared", len(o.cfg.Sources)).
		Msg("Resuming run")

	return o.process(ctx, sources)
}

// process walks sources in order. One source's failure never aborts the
// run; persistence failures and cancellation do.
func (o *Orchestrator) process(ctx context.Context, sources []config.Source) error {
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.processSource(ctx, src); err != nil {
			return err
		}
	}

	snap := o.store.Snapshot()
	o.logger.Info().
		Int("completed", len(snap.CompletedSources)).
		Int("failed", len(snap.FailedSources)).
		Int64("records", snap.TotalRecordsProcessed).
		Msg("Run finished")
	return nil
}

// processSource runs one source through PROCESSING and into COMPLETED
// or FAILED. Cancellation leaves the source unmarked so a future resume
// reprocesses it from scratch.
func (o *Orchestrator) processSource(ctx context.Context, src config.Source) error {
	logger := o.logger.With().Str("source", src.Name).Logger()
	logger.Info().Msg("Processing source")

	// Chunks are immutable once flushed: leftovers from an interrupted
	// earlier attempt must go before the source repaginates from page 1,
	// or consolidation would see duplicate records.
	if err := chunk.DeleteSource(o.cfg.ChunkDir, src.Name); err != nil {
		return &PersistenceError{Source: src.Name, Err: err}
	}

	records, err := o.fetcher.FetchSource(ctx, src)
	switch {
	case err == nil:
		if err := o.store.RecordProgress(records); err != nil {
			return &PersistenceError{Source: src.Name, Err: err}
		}
		if err := o.store.MarkCompleted(src.Name); err != nil {
			return &PersistenceError{Source: src.Name, Err: err}
		}
		harvestSourcesCompletedTotal.Inc()

	case isCancellation(err):
		logger.Warn().Msg("Source interrupted, leaving checkpoint unmarked")
		return err

	case isSourceFatal(err):
		if perr := o.store.MarkFailed(src.Name, err.Error()); perr != nil {
			return &PersistenceError{Source: src.Name, Err: perr}
		}
		harvestSourcesFailedTotal.Inc()
		logger.Error().Err(err).Msg("Source failed, continuing with next source")

	default:
		// Chunk or checkpoint persistence trouble: the durability
		// guarantee is gone, so the run must stop.
		return &PersistenceError{Source: src.Name, Err: err}
	}

	return nil
}

// Reset clears checkpoint state, deletes all chunk files, and purges
// the page cache, returning the pipeline to its pristine condition.
func (o *Orchestrator) Reset(ctx context.Context) error {
	if err := o.store.Reset(); err != nil {
		return err
	}
	if err := chunk.DeleteAll(o.cfg.ChunkDir); err != nil {
		return err
	}
	if o.pages != nil {
		for _, src := range o.cfg.Sources {
			if err := o.pages.Purge(ctx, src.Name); err != nil {
				o.logger.Warn().Err(err).Str("source", src.Name).Msg("Page cache purge failed")
			}
		}
	}

	o.logger.Info().Msg("Pipeline reset")
	return nil
}

// Status returns the current checkpoint snapshot.
func (o *Orchestrator) Status() checkpoint.State {
	return o.store.Snapshot()
}

// Consolidate streams all completed sources' chunks into the final
// dataset.
func (o *Orchestrator) Consolidate(ctx context.Context) (int64, error) {
	return consolidate.Consolidate(ctx, o.store.Snapshot(), o.cfg.SourceNames(), o.cfg.ChunkDir, o.cfg.OutputPath)
}

// Close releases external resources.
func (o *Orchestrator) Close() error {
	if o.redis != nil {
		return o.redis.Close()
	}
	return nil
}

// isCancellation reports whether err stems from an external stop signal.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, client.ErrContextCancelled)
}

// isSourceFatal reports whether err is a per-source failure (exhausted
// retry budget, fatal HTTP status, malformed envelope) as opposed to a
// pipeline-fatal persistence failure.
func isSourceFatal(err error) bool {
	var fe *client.FetchError
	return errors.As(err, &fe) || errors.Is(err, client.ErrRetryExhausted)
}
