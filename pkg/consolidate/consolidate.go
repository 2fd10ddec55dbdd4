// Package consolidate streams every completed source's chunk files into
// one source-tagged NDJSON dataset without ever holding more than one
// chunk's records in memory.
package consolidate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tbeckert/harvest/pkg/checkpoint"
	"github.com/tbeckert/harvest/pkg/chunk"
	"github.com/tbeckert/harvest/pkg/logging"
)

// ErrMissingChunks is returned when a source marked completed has no
// chunk files on disk. That inconsistency surfaces loudly instead of
// producing a silently truncated dataset.
var ErrMissingChunks = errors.New("completed source has no chunk files")

var harvestRecordsConsolidatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvest_records_consolidated_total",
	Help: "Total records written to the final dataset by source",
}, []string{"source"})

// taggedRecord is one output line: the opaque record wrapped with its
// originating source name.
type taggedRecord struct {
	Source string          `json:"source"`
	Record json.RawMessage `json:"record"`
}

// Consolidate merges all completed sources' chunks, in declared source
// order and chunk sequence order, into an NDJSON file at outPath. The
// output is written to a temp file and renamed into place. Returns the
// number of records written.
func Consolidate(ctx context.Context, snap checkpoint.State, declared []string, chunkDir, outPath string) (int64, error) {
	logger := logging.NewLogger("consolidate")

	tmp := outPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create output %s: %w", tmp, err)
	}
	defer func() {
		f.Close()
		os.Remove(tmp)
	}()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)

	var total int64
	for _, name := range declared {
		if !snap.IsCompleted(name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := consolidateSource(enc, chunkDir, name)
		if err != nil {
			return total, err
		}
		total += n

		harvestRecordsConsolidatedTotal.WithLabelValues(name).Add(float64(n))
		logger.Info().
			Str("source", name).
			Int64("records", n).
			Msg("Source consolidated")
	}

	if err := w.Flush(); err != nil {
		return total, fmt.Errorf("flush output %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		return total, fmt.Errorf("sync output %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return total, fmt.Errorf("close output %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		return total, fmt.Errorf("rename output %s: %w", outPath, err)
	}

	logger.Info().
		Str("output", outPath).
		Int64("records", total).
		Msg("Consolidation complete")

	return total, nil
}

// consolidateSource streams one source's chunks in sequence order.
// Only one chunk's records are decoded at a time.
func consolidateSource(enc *json.Encoder, chunkDir, source string) (int64, error) {
	paths, err := chunk.List(chunkDir, source)
	if err != nil {
		return 0, err
	}
	if len(paths) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrMissingChunks, source)
	}

	var n int64
	for _, path := range paths {
		records, err := chunk.ReadChunk(path)
		if err != nil {
			return n, err
		}
		for _, rec := range records {
			if err := enc.Encode(taggedRecord{Source: source, Record: rec}); err != nil {
				return n, fmt.Errorf("encode record from %s: %w", path, err)
			}
			n++
		}
	}
	return n, nil
}
