// Package metrics provides the centralized Prometheus metrics reference
// for the harvest pipeline. All metrics are defined in their respective
// packages (ratelimit, client, cache, chunk, fetcher, pipeline,
// consolidate) to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the pipeline.
// All metrics are automatically registered via promauto in their
// respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - harvest_inflight_requests (Gauge): Requests currently holding a concurrency slot
//   - harvest_requests_acquired_total (Counter): Successfully acquired request permits
//   - harvest_acquire_wait_seconds (Histogram): Time spent waiting for a permit
//
// Request Metrics (pkg/client):
//   - harvest_pages_fetched_total{source, status} (Counter): Page fetches by source and HTTP status
//   - harvest_fetch_duration_seconds{source} (Histogram): Page fetch duration by source
//   - harvest_fetch_errors_total{class} (Counter): Fetch errors by class (network, server, rate_limit, client, envelope)
//   - harvest_page_cache_hits_total{source} (Counter): Page fetches served from the redis page cache
//
// Retry Metrics (pkg/client):
//   - harvest_retries_total{error_class} (Counter): Retry attempts by error class
//   - harvest_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - harvest_retry_exhausted_total{error_class} (Counter): Pages that exhausted the retry budget
//
// Cache Metrics (pkg/cache):
//   - harvest_cache_hits_total (Counter): Page cache hits
//   - harvest_cache_misses_total (Counter): Page cache misses
//   - harvest_cache_errors_total{operation} (Counter): Cache operation errors
//
// Chunk Metrics (pkg/chunk):
//   - harvest_chunks_flushed_total{source} (Counter): Chunk files flushed to disk
//   - harvest_records_written_total{source} (Counter): Records written to chunk files
//
// Fetcher Metrics (pkg/fetcher):
//   - harvest_source_pages_total{source} (Counter): Pages appended to chunks by source
//   - harvest_source_duration_seconds{source} (Histogram): Wall time to fully fetch a source
//
// Pipeline Metrics (pkg/pipeline):
//   - harvest_sources_completed_total (Counter): Sources fully fetched and flushed
//   - harvest_sources_failed_total (Counter): Sources marked failed
//
// Consolidation Metrics (pkg/consolidate):
//   - harvest_records_consolidated_total{source} (Counter): Records written to the final dataset
//
// Example Prometheus Queries:
//
//   # Page Cache Hit Rate
//   sum(rate(harvest_cache_hits_total[5m])) /
//   (sum(rate(harvest_cache_hits_total[5m])) + sum(rate(harvest_cache_misses_total[5m])))
//
//   # Fetch Error Rate by Class
//   rate(harvest_fetch_errors_total[5m])
//
//   # P95 Page Fetch Latency
//   histogram_quantile(0.95, rate(harvest_fetch_duration_seconds_bucket[5m]))
//
//   # Retry Pressure
//   rate(harvest_retries_total[5m])
