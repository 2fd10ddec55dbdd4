// Package fetcher drives one source's pagination: first page fetched
// synchronously to learn the page count, remaining pages fetched by a
// worker pool, records streamed to the chunk writer strictly in page
// order regardless of fetch completion order.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tbeckert/harvest/pkg/chunk"
	"github.com/tbeckert/harvest/pkg/client"
	"github.com/tbeckert/harvest/pkg/config"
	"github.com/tbeckert/harvest/pkg/logging"
)

// Prometheus metrics for source fetching.
var (
	harvestSourcePagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_source_pages_total",
		Help: "Total pages appended to chunks by source",
	}, []string{"source"})

	harvestSourceDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_source_duration_seconds",
		Help:    "Wall time to fully paginate a source",
		Buckets: []float64{1, 5, 15, 60, 300, 900},
	}, []string{"source"})
)

// Config holds fetcher configuration.
type Config struct {
	// MaxConcurrency is the number of parallel page workers. The rate
	// limiter inside the client still gates every outbound request.
	MaxConcurrency int

	// BatchSize is the number of appended pages between forced buffer
	// flushes, bounding peak memory regardless of source size.
	BatchSize int
}

// pageResult carries one fetched page from a worker to the collector.
type pageResult struct {
	page    int
	records []json.RawMessage
	err     error
}

// Fetcher paginates sources and streams their records to the chunk
// writer.
type Fetcher struct {
	client *client.Client
	writer *chunk.Writer
	config Config
	logger zerolog.Logger
}

// New creates a fetcher.
func New(c *client.Client, w *chunk.Writer, cfg Config) *Fetcher {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Fetcher{
		client: c,
		writer: w,
		config: cfg,
		logger: logging.NewLogger("fetcher"),
	}
}

// FetchSource fully paginates one source. Returns the number of records
// streamed to the chunk writer, with the source's tail buffer flushed on
// success. A terminal page failure or a chunk-write failure aborts the
// source; the error is returned for the orchestrator to classify.
func (f *Fetcher) FetchSource(ctx context.Context, src config.Source) (int64, error) {
	start := time.Now()
	logger := f.logger.With().Str("source", src.Name).Logger()

	// First page is fetched synchronously, outside the worker pool, to
	// learn the total page count or has-more signal.
	first, err := f.client.FetchPageWithRetry(ctx, src, 1)
	if err != nil {
		return 0, err
	}

	tracker := newPageTracker(f.writer, src.Name, f.config.BatchSize)
	if err := tracker.appendInOrder(1, first.Records); err != nil {
		return tracker.records, err
	}

	switch {
	case first.TotalPages > 1:
		err = f.fetchConcurrent(ctx, src, first.TotalPages, tracker, logger)
	case first.TotalPages == 0 && first.HasMore != nil && *first.HasMore:
		err = f.fetchSequential(ctx, src, tracker, logger)
	default:
		// Single page source.
	}
	if err != nil {
		return tracker.records, err
	}

	if err := f.writer.FlushFinal(src.Name); err != nil {
		return tracker.records, err
	}

	harvestSourceDurationSeconds.WithLabelValues(src.Name).Observe(time.Since(start).Seconds())
	logger.Info().
		Int("pages", tracker.pagesAppended).
		Int64("records", tracker.records).
		Dur("duration", time.Since(start)).
		Msg("Source fetch complete")

	return tracker.records, nil
}

// dispatchWindowFactor bounds how many dispatched pages may be
// undrained at once, as a multiple of the worker count. A slow page
// can then hold at most window-1 later pages in the pending map.
const dispatchWindowFactor = 4

// fetchConcurrent fetches pages 2..totalPages with a worker pool. The
// collector applies results in page order so chunk sequence indices
// reflect pagination order, not completion order. Dispatch is gated by
// a window semaphore so the in-memory reorder backlog stays bounded
// even when an early page stalls.
func (f *Fetcher) fetchConcurrent(ctx context.Context, src config.Source, totalPages int, tracker *pageTracker, logger zerolog.Logger) error {
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	remaining := totalPages - 1
	workers := f.config.MaxConcurrency
	if workers > remaining {
		workers = remaining
	}
	window := workers * dispatchWindowFactor

	logger.Info().
		Int("total_pages", totalPages).
		Int("workers", workers).
		Int("window", window).
		Msg("Starting parallel page fetch")

	// A permit is taken per dispatched page and returned when the page
	// drains from the tracker into the writer, so at most `window`
	// pages are ever in flight or parked in the pending map.
	sem := make(chan struct{}, window)
	pageQueue := make(chan int)
	results := make(chan pageResult, workers)

	go func() {
		defer close(pageQueue)
		for page := 2; page <= totalPages; page++ {
			select {
			case sem <- struct{}{}:
			case <-fetchCtx.Done():
				return
			}
			select {
			case pageQueue <- page:
			case <-fetchCtx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go f.worker(fetchCtx, src, pageQueue, results, &wg)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	// Collect results, appending strictly in page order. The first
	// terminal failure cancels outstanding work; remaining results are
	// drained so the workers and the dispatcher can exit.
	var firstErr error
	for result := range results {
		if firstErr != nil {
			continue
		}
		if result.err != nil {
			firstErr = result.err
			cancel()
			continue
		}
		before := tracker.pagesAppended
		if err := tracker.appendOutOfOrder(result.page, result.records); err != nil {
			firstErr = err
			cancel()
			continue
		}
		// Every drained page returns its dispatch permit. Drains never
		// exceed dispatches, so these receives cannot block.
		for i := before; i < tracker.pagesAppended; i++ {
			<-sem
		}

		// Progress logging every 50 pages.
		if tracker.pagesAppended%50 == 0 {
			logger.Info().
				Int("fetched", tracker.pagesAppended).
				Int("total", totalPages).
				Msg("Fetch progress")
		}
	}

	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if tracker.pagesAppended != totalPages {
		return fmt.Errorf("source %s: appended %d of %d pages", src.Name, tracker.pagesAppended, totalPages)
	}
	return nil
}

// worker pulls page numbers from the queue until it is empty or the
// context is cancelled.
func (f *Fetcher) worker(ctx context.Context, src config.Source, pageQueue <-chan int, results chan<- pageResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for page := range pageQueue {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := f.client.FetchPageWithRetry(ctx, src, page)

		var result pageResult
		if err != nil {
			result = pageResult{page: page, err: err}
		} else {
			result = pageResult{page: page, records: env.Records}
		}

		select {
		case results <- result:
		case <-ctx.Done():
			return
		}

		if err != nil {
			return
		}
	}
}

// fetchSequential walks pages 2.. one at a time for sources that only
// expose a has-more flag. Cancellation is checked between dispatches.
func (f *Fetcher) fetchSequential(ctx context.Context, src config.Source, tracker *pageTracker, logger zerolog.Logger) error {
	logger.Info().Msg("Paginating by has-more flag")

	for page := 2; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		env, err := f.client.FetchPageWithRetry(ctx, src, page)
		if err != nil {
			return err
		}

		if err := tracker.appendInOrder(page, env.Records); err != nil {
			return err
		}

		if env.HasMore == nil || !*env.HasMore {
			return nil
		}
	}
}

// pageTracker owns in-order delivery to the chunk writer: pages fetched
// out of order wait in a pending map until every earlier page has been
// appended. It also enforces the batch flush cycle.
type pageTracker struct {
	writer    *chunk.Writer
	source    string
	batchSize int

	pending       map[int][]json.RawMessage
	nextPage      int
	pagesAppended int
	records       int64
}

func newPageTracker(w *chunk.Writer, source string, batchSize int) *pageTracker {
	return &pageTracker{
		writer:    w,
		source:    source,
		batchSize: batchSize,
		pending:   make(map[int][]json.RawMessage),
		nextPage:  1,
	}
}

// appendInOrder appends a page that is already known to be the next one.
func (t *pageTracker) appendInOrder(page int, records []json.RawMessage) error {
	if page != t.nextPage {
		return fmt.Errorf("source %s: page %d appended out of order (want %d)", t.source, page, t.nextPage)
	}
	return t.appendOutOfOrder(page, records)
}

// appendOutOfOrder stages a page and drains every consecutively
// available page into the writer.
func (t *pageTracker) appendOutOfOrder(page int, records []json.RawMessage) error {
	t.pending[page] = records

	for {
		recs, ok := t.pending[t.nextPage]
		if !ok {
			return nil
		}
		delete(t.pending, t.nextPage)

		if err := t.writer.Append(t.source, recs); err != nil {
			return err
		}

		t.records += int64(len(recs))
		t.pagesAppended++
		t.nextPage++
		harvestSourcePagesTotal.WithLabelValues(t.source).Inc()

		if t.pagesAppended%t.batchSize == 0 {
			if err := t.writer.Flush(t.source); err != nil {
				return err
			}
		}
	}
}
