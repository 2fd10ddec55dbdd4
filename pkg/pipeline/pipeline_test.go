package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tbeckert/harvest/internal/testutil"
	"github.com/tbeckert/harvest/pkg/checkpoint"
	"github.com/tbeckert/harvest/pkg/chunk"
	"github.com/tbeckert/harvest/pkg/client"
	"github.com/tbeckert/harvest/pkg/config"
)

// testConfig builds a valid config with fast timings and a throwaway
// data directory.
func testConfig(t *testing.T, sources []config.Source) config.Config {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Sources = sources
	cfg.MaxConcurrentRequests = 3
	cfg.RequestDelay = 0
	cfg.MaxRetries = 1
	cfg.InitialBackoff = 1 * time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.ChunkSize = 3
	cfg.BatchSize = 2
	cfg.HTTPTimeout = 5 * time.Second
	cfg.CheckpointPath = filepath.Join(dir, "checkpoint.json")
	cfg.ChunkDir = filepath.Join(dir, "chunks")
	cfg.OutputPath = filepath.Join(dir, "dataset.ndjson")
	return cfg
}

func newOrchestrator(t *testing.T, cfg config.Config) *Orchestrator {
	t.Helper()

	orch, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { orch.Close() })
	return orch
}

func countLines(t *testing.T, path string) int {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan %s: %v", path, err)
	}
	return lines
}

func TestRun_CompletesAllSources(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetHandler("/alpha", testutil.PaginatedHandler("/alpha", 3, 2))
	mock.SetHandler("/beta", testutil.HasMoreHandler("/beta", 2, 2))

	cfg := testConfig(t, []config.Source{
		{Name: "alpha", URL: mock.SourceURL("/alpha")},
		{Name: "beta", URL: mock.SourceURL("/beta")},
	})

	orch := newOrchestrator(t, cfg)
	if err := orch.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	snap := orch.Status()
	if len(snap.CompletedSources) != 2 {
		t.Fatalf("completed = %v, want [alpha beta]", snap.CompletedSources)
	}
	if snap.CompletedSources[0] != "alpha" || snap.CompletedSources[1] != "beta" {
		t.Errorf("completion order = %v, want declared order", snap.CompletedSources)
	}
	if len(snap.FailedSources) != 0 {
		t.Errorf("failed = %v, want none", snap.FailedSources)
	}
	if snap.TotalRecordsProcessed != 10 {
		t.Errorf("TotalRecordsProcessed = %d, want 10", snap.TotalRecordsProcessed)
	}

	if _, err := os.Stat(cfg.CheckpointPath); err != nil {
		t.Errorf("checkpoint file not persisted: %v", err)
	}
	for _, name := range []string{"alpha", "beta"} {
		files, err := chunk.List(cfg.ChunkDir, name)
		if err != nil {
			t.Fatalf("List(%s) error = %v", name, err)
		}
		if len(files) == 0 {
			t.Errorf("no chunk files for source %s", name)
		}
	}
}

func TestRun_RefusesPriorProgress(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetHandler("/alpha", testutil.PaginatedHandler("/alpha", 2, 2))

	cfg := testConfig(t, []config.Source{
		{Name: "alpha", URL: mock.SourceURL("/alpha")},
	})

	first := newOrchestrator(t, cfg)
	if err := first.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	firstRunID := first.Status().RunID

	second := newOrchestrator(t, cfg)
	if err := second.Run(context.Background()); !errors.Is(err, ErrPriorProgress) {
		t.Fatalf("Run() with prior progress error = %v, want ErrPriorProgress", err)
	}

	cfg.Overwrite = true
	third := newOrchestrator(t, cfg)
	if err := third.Run(context.Background()); err != nil {
		t.Fatalf("Run() with overwrite error = %v", err)
	}

	snap := third.Status()
	if snap.RunID == firstRunID {
		t.Error("overwrite run kept the old run id")
	}
	if snap.TotalRecordsProcessed != 4 {
		t.Errorf("TotalRecordsProcessed = %d, want 4 (no double count after reset)", snap.TotalRecordsProcessed)
	}
	if hits := mock.PageHits("/alpha", 1); hits != 2 {
		t.Errorf("page 1 hits = %d, want 2 (refetched after overwrite)", hits)
	}
}

func TestRun_FailedSourceDoesNotAbortRun(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetHandler("/good", testutil.PaginatedHandler("/good", 2, 2))
	mock.SetHandler("/bad", testutil.StatusHandler(http.StatusForbidden))
	mock.SetHandler("/tail", testutil.PaginatedHandler("/tail", 1, 3))

	cfg := testConfig(t, []config.Source{
		{Name: "good", URL: mock.SourceURL("/good")},
		{Name: "bad", URL: mock.SourceURL("/bad")},
		{Name: "tail", URL: mock.SourceURL("/tail")},
	})

	orch := newOrchestrator(t, cfg)
	if err := orch.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	snap := orch.Status()
	if len(snap.CompletedSources) != 2 || !snap.IsCompleted("good") || !snap.IsCompleted("tail") {
		t.Errorf("completed = %v, want [good tail]", snap.CompletedSources)
	}
	summary, failed := snap.FailedSources["bad"]
	if !failed || summary == "" {
		t.Errorf("FailedSources = %v, want summary for bad", snap.FailedSources)
	}
	if snap.TotalRecordsProcessed != 7 {
		t.Errorf("TotalRecordsProcessed = %d, want 7", snap.TotalRecordsProcessed)
	}

	count, err := orch.Consolidate(context.Background())
	if err != nil {
		t.Fatalf("Consolidate() error = %v", err)
	}
	if count != 7 {
		t.Errorf("consolidated records = %d, want 7", count)
	}
	if lines := countLines(t, cfg.OutputPath); lines != 7 {
		t.Errorf("output lines = %d, want 7", lines)
	}
}

func TestRun_EmptySourceConsolidatesCleanly(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetHandler("/empty", testutil.PaginatedHandler("/empty", 1, 0))
	mock.SetHandler("/full", testutil.PaginatedHandler("/full", 2, 2))

	cfg := testConfig(t, []config.Source{
		{Name: "empty", URL: mock.SourceURL("/empty")},
		{Name: "full", URL: mock.SourceURL("/full")},
	})

	orch := newOrchestrator(t, cfg)
	if err := orch.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	snap := orch.Status()
	if !snap.IsCompleted("empty") || !snap.IsCompleted("full") {
		t.Fatalf("completed = %v, want [empty full]", snap.CompletedSources)
	}

	// The zero-record source must leave on-disk state so consolidation
	// can tell it apart from a source whose chunks went missing.
	files, err := chunk.List(cfg.ChunkDir, "empty")
	if err != nil {
		t.Fatalf("List(empty) error = %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("empty source chunk files = %d, want 1", len(files))
	}

	count, err := orch.Consolidate(context.Background())
	if err != nil {
		t.Fatalf("Consolidate() error = %v", err)
	}
	if count != 4 {
		t.Errorf("consolidated records = %d, want 4", count)
	}
	if lines := countLines(t, cfg.OutputPath); lines != 4 {
		t.Errorf("output lines = %d, want 4", lines)
	}
}

func TestResume_SettledRunMakesNoRequests(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetHandler("/good", testutil.PaginatedHandler("/good", 2, 2))
	mock.SetHandler("/bad", testutil.StatusHandler(http.StatusNotFound))

	cfg := testConfig(t, []config.Source{
		{Name: "good", URL: mock.SourceURL("/good")},
		{Name: "bad", URL: mock.SourceURL("/bad")},
	})

	first := newOrchestrator(t, cfg)
	if err := first.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	before := mock.RequestCount()
	second := newOrchestrator(t, cfg)
	if err := second.Resume(context.Background()); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if after := mock.RequestCount(); after != before {
		t.Errorf("settled resume made %d requests, want 0", after-before)
	}
}

func TestResume_ProcessesOnlyPendingSources(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetHandler("/alpha", testutil.PaginatedHandler("/alpha", 2, 2))
	mock.SetHandler("/beta", testutil.PaginatedHandler("/beta", 2, 2))

	cfg := testConfig(t, []config.Source{
		{Name: "alpha", URL: mock.SourceURL("/alpha")},
		{Name: "beta", URL: mock.SourceURL("/beta")},
	})

	// A prior interrupted run finished alpha but never reached beta.
	prior := checkpoint.Load(cfg.CheckpointPath)
	if err := prior.RecordProgress(4); err != nil {
		t.Fatalf("RecordProgress() error = %v", err)
	}
	if err := prior.MarkCompleted("alpha"); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}

	orch := newOrchestrator(t, cfg)
	if err := orch.Resume(context.Background()); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if hits := mock.PageHits("/alpha", 1); hits != 0 {
		t.Errorf("alpha page 1 hits = %d, want 0 (already completed)", hits)
	}
	if hits := mock.PageHits("/beta", 1); hits == 0 {
		t.Error("beta was never fetched")
	}

	snap := orch.Status()
	if !snap.IsCompleted("alpha") || !snap.IsCompleted("beta") {
		t.Errorf("completed = %v, want [alpha beta]", snap.CompletedSources)
	}
	if snap.TotalRecordsProcessed != 8 {
		t.Errorf("TotalRecordsProcessed = %d, want 8", snap.TotalRecordsProcessed)
	}
}

func TestResume_ClearsPartialChunksBeforeRefetch(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetHandler("/alpha", testutil.PaginatedHandler("/alpha", 2, 3))

	cfg := testConfig(t, []config.Source{
		{Name: "alpha", URL: mock.SourceURL("/alpha")},
	})

	// Leftover chunk from an interrupted earlier attempt. The checkpoint
	// never marked alpha, so resume must refetch from page 1 without
	// duplicating these records.
	w, err := chunk.NewWriter(cfg.ChunkDir, cfg.ChunkSize)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	if err := w.Append("alpha", []json.RawMessage{json.RawMessage(`{"id":"stale"}`)}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := w.Flush("alpha"); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	orch := newOrchestrator(t, cfg)
	if err := orch.Resume(context.Background()); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	count, err := orch.Consolidate(context.Background())
	if err != nil {
		t.Fatalf("Consolidate() error = %v", err)
	}
	if count != 6 {
		t.Errorf("consolidated records = %d, want 6 (stale chunk dropped)", count)
	}
}

func TestRun_CancellationLeavesSourceUnmarked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := testutil.NewMockServer()
	defer mock.Close()

	// Cancel mid-source: page 2 of a sequential walk pulls the plug
	// after responding, so the fetch of page 3 sees a dead context.
	inner := testutil.HasMoreHandler("/slow", 5, 2)
	mock.SetHandler("/slow", func(w http.ResponseWriter, r *http.Request) {
		inner(w, r)
		if r.URL.Query().Get("page") == "2" {
			cancel()
		}
	})

	cfg := testConfig(t, []config.Source{
		{Name: "slow", URL: mock.SourceURL("/slow")},
	})
	cfg.MaxConcurrentRequests = 1

	orch := newOrchestrator(t, cfg)
	err := orch.Run(ctx)
	if err == nil {
		t.Fatal("Run() = nil, want cancellation error")
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, client.ErrContextCancelled) {
		t.Fatalf("Run() error = %v, want context cancellation", err)
	}

	snap := orch.Status()
	if snap.IsCompleted("slow") || snap.IsFailed("slow") {
		t.Errorf("interrupted source was marked: completed=%v failed=%v",
			snap.CompletedSources, snap.FailedSources)
	}
}

func TestReset_ReturnsPipelineToPristineState(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetHandler("/alpha", testutil.PaginatedHandler("/alpha", 2, 2))

	cfg := testConfig(t, []config.Source{
		{Name: "alpha", URL: mock.SourceURL("/alpha")},
	})

	orch := newOrchestrator(t, cfg)
	if err := orch.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	oldRunID := orch.Status().RunID

	if err := orch.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	snap := orch.Status()
	if snap.RunID == oldRunID {
		t.Error("Reset kept the old run id")
	}
	if len(snap.CompletedSources) != 0 || snap.TotalRecordsProcessed != 0 {
		t.Errorf("state after reset = %+v, want empty", snap)
	}
	if _, err := os.Stat(cfg.CheckpointPath); !os.IsNotExist(err) {
		t.Errorf("checkpoint file still present after reset: %v", err)
	}
	files, err := chunk.List(cfg.ChunkDir, "alpha")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(files) != 0 {
		t.Errorf("chunk files still present after reset: %v", files)
	}
}

func TestRun_CheckpointPersistFailureAbortsRun(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetHandler("/alpha", testutil.PaginatedHandler("/alpha", 1, 2))

	cfg := testConfig(t, []config.Source{
		{Name: "alpha", URL: mock.SourceURL("/alpha")},
	})

	// A regular file where the checkpoint directory should be makes
	// every persist fail.
	blocker := filepath.Join(filepath.Dir(cfg.CheckpointPath), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfg.CheckpointPath = filepath.Join(blocker, "checkpoint.json")

	orch := newOrchestrator(t, cfg)
	err := orch.Run(context.Background())

	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("Run() error = %v, want PersistenceError", err)
	}
	if perr.Source != "alpha" {
		t.Errorf("PersistenceError.Source = %q, want alpha", perr.Source)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, []config.Source{{Name: "alpha", URL: "http://example.com/a"}})
	cfg.ChunkSize = 0

	if _, err := New(cfg); err == nil {
		t.Fatal("New() with invalid config = nil error")
	}
}
