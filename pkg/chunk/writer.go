// Package chunk persists records as immutable, append-only chunk files.
// Each chunk file holds up to ChunkSize records for exactly one source
// and is written once via temp-file-then-rename, so a crash never leaves
// a partially written chunk visible.
package chunk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tbeckert/harvest/pkg/logging"
)

// Prometheus metrics for chunk persistence.
var (
	harvestChunksFlushedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_chunks_flushed_total",
		Help: "Total chunk files flushed to disk by source",
	}, []string{"source"})

	harvestRecordsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_records_written_total",
		Help: "Total records written to chunk files by source",
	}, []string{"source"})
)

// chunkFileRe matches chunk filenames and captures source name and
// sequence index.
var chunkFileRe = regexp.MustCompile(`^(.+)_chunk_(\d+)\.json$`)

// Writer buffers records per source and flushes them to numbered chunk
// files. The in-memory buffer for a source never exceeds ChunkSize
// records; that buffer is the pipeline's only data-loss window.
type Writer struct {
	dir       string
	chunkSize int
	logger    zerolog.Logger

	buffers map[string][]json.RawMessage
	nextSeq map[string]int

	// maxBuffered tracks the high-water mark per source, used by tests
	// to verify the memory bound.
	maxBuffered map[string]int
}

// NewWriter creates a chunk writer rooted at dir, creating it if needed.
func NewWriter(dir string, chunkSize int) (*Writer, error) {
	if chunkSize < 1 {
		return nil, fmt.Errorf("chunk size must be >= 1 (got %d)", chunkSize)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk dir %s: %w", dir, err)
	}

	return &Writer{
		dir:         dir,
		chunkSize:   chunkSize,
		logger:      logging.NewLogger("chunk-writer"),
		buffers:     make(map[string][]json.RawMessage),
		nextSeq:     make(map[string]int),
		maxBuffered: make(map[string]int),
	}, nil
}

// Append adds records to the source's buffer, flushing a chunk file
// every time the buffer reaches the chunk size.
func (w *Writer) Append(source string, records []json.RawMessage) error {
	buf := w.buffers[source]

	for _, rec := range records {
		buf = append(buf, rec)
		if len(buf) > w.maxBuffered[source] {
			w.maxBuffered[source] = len(buf)
		}
		if len(buf) >= w.chunkSize {
			if err := w.writeChunk(source, buf); err != nil {
				w.buffers[source] = buf
				return err
			}
			buf = buf[:0]
		}
	}

	w.buffers[source] = buf
	return nil
}

// Flush writes any partial buffer for the source to disk and clears it.
// Called at end-of-source and at batch boundaries to release memory.
func (w *Writer) Flush(source string) error {
	buf := w.buffers[source]
	if len(buf) == 0 {
		return nil
	}

	if err := w.writeChunk(source, buf); err != nil {
		return err
	}

	// Drop the backing array so batch-boundary flushes actually release
	// the retained record memory.
	w.buffers[source] = nil
	return nil
}

// FlushFinal writes the remaining buffer and guarantees at least one
// chunk file exists for the source. A source whose pages legitimately
// carried zero records still leaves verifiable on-disk state, so a
// completed source with no chunk files always means inconsistency, not
// an empty source.
func (w *Writer) FlushFinal(source string) error {
	if err := w.Flush(source); err != nil {
		return err
	}

	seq, err := w.seqFor(source)
	if err != nil {
		return err
	}
	if seq == 0 {
		return w.writeChunk(source, []json.RawMessage{})
	}
	return nil
}

// BufferedCount returns the number of records currently buffered for
// the source.
func (w *Writer) BufferedCount(source string) int {
	return len(w.buffers[source])
}

// MaxBuffered returns the high-water mark of buffered records for the
// source across the writer's lifetime.
func (w *Writer) MaxBuffered(source string) int {
	return w.maxBuffered[source]
}

// writeChunk serializes one chunk file via temp-then-rename and fsync.
func (w *Writer) writeChunk(source string, records []json.RawMessage) error {
	seq, err := w.seqFor(source)
	if err != nil {
		return err
	}

	path := filepath.Join(w.dir, ChunkFileName(source, seq))
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create chunk %s: %w", tmp, err)
	}

	enc := json.NewEncoder(f)
	if err := enc.Encode(records); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode chunk %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync chunk %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close chunk %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename chunk %s: %w", path, err)
	}

	w.nextSeq[source] = seq + 1

	harvestChunksFlushedTotal.WithLabelValues(source).Inc()
	harvestRecordsWrittenTotal.WithLabelValues(source).Add(float64(len(records)))

	w.logger.Info().
		Str("source", source).
		Str("chunk", path).
		Int("records", len(records)).
		Msg("Chunk flushed")

	return nil
}

// seqFor returns the next sequence index for a source, continuing from
// chunk files already on disk so a resumed process never overwrites a
// flushed chunk.
func (w *Writer) seqFor(source string) (int, error) {
	if seq, ok := w.nextSeq[source]; ok {
		return seq, nil
	}

	existing, err := List(w.dir, source)
	if err != nil {
		return 0, err
	}

	seq := 0
	if len(existing) > 0 {
		last := filepath.Base(existing[len(existing)-1])
		m := chunkFileRe.FindStringSubmatch(last)
		if m != nil {
			n, _ := strconv.Atoi(m[2])
			seq = n + 1
		}
	}

	w.nextSeq[source] = seq
	return seq, nil
}

// ChunkFileName builds the filename for a (source, sequence) pair. The
// zero-padded index keeps lexicographic and numeric ordering aligned.
func ChunkFileName(source string, seq int) string {
	return fmt.Sprintf("%s_chunk_%05d.json", source, seq)
}
