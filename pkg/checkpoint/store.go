// Package checkpoint implements the durable, crash-safe record of
// per-source completion state. The persisted file is a single JSON
// document, written atomically (temp-then-rename), and is the source of
// truth for resume.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tbeckert/harvest/pkg/logging"
)

// State is the persisted checkpoint document. A source name appears in
// at most one of the completed and failed sets.
type State struct {
	RunID                 string            `json:"run_id"`
	CompletedSources      []string          `json:"completed_sources"`
	FailedSources         map[string]string `json:"failed_sources"`
	TotalRecordsProcessed int64             `json:"total_records_processed"`
	LastUpdated           time.Time         `json:"last_updated"`
}

// newState returns a fresh empty state with a new run id.
func newState() State {
	return State{
		RunID:            uuid.NewString(),
		CompletedSources: []string{},
		FailedSources:    map[string]string{},
	}
}

// IsCompleted reports whether the source is in the completed set.
func (s *State) IsCompleted(source string) bool {
	for _, name := range s.CompletedSources {
		if name == source {
			return true
		}
	}
	return false
}

// IsFailed reports whether the source is in the failed set.
func (s *State) IsFailed(source string) bool {
	_, ok := s.FailedSources[source]
	return ok
}

// Store owns the checkpoint file. It follows single-writer discipline:
// only the orchestrator mutates it, and every mutation persists the
// full state atomically before returning.
type Store struct {
	path   string
	state  State
	logger zerolog.Logger
}

// Load reads persisted state from path, or produces a fresh empty state
// when the file is missing or unreadable. A corrupt file is treated as
// absence, not a fatal error; the operator can inspect or delete it.
func Load(path string) *Store {
	logger := logging.NewLogger("checkpoint")

	store := &Store{
		path:   path,
		state:  newState(),
		logger: logger,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("Checkpoint unreadable, starting fresh")
		}
		return store
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Checkpoint corrupt, starting fresh")
		return store
	}

	if state.RunID == "" {
		state.RunID = uuid.NewString()
	}
	if state.CompletedSources == nil {
		state.CompletedSources = []string{}
	}
	if state.FailedSources == nil {
		state.FailedSources = map[string]string{}
	}

	store.state = state
	logger.Info().
		Str("path", path).
		Str("run_id", state.RunID).
		Int("completed", len(state.CompletedSources)).
		Int("failed", len(state.FailedSources)).
		Int64("records", state.TotalRecordsProcessed).
		Msg("Checkpoint loaded")

	return store
}

// MarkCompleted records a source as fully fetched and flushed, then
// persists. Removes any prior failure entry for the name so it lives in
// exactly one set.
func (s *Store) MarkCompleted(source string) error {
	delete(s.state.FailedSources, source)
	if !s.state.IsCompleted(source) {
		s.state.CompletedSources = append(s.state.CompletedSources, source)
	}

	if err := s.persist(); err != nil {
		return err
	}

	s.logger.Info().Str("source", source).Msg("Source marked completed")
	return nil
}

// MarkFailed records a source failure with an error summary, then
// persists.
func (s *Store) MarkFailed(source, summary string) error {
	for i, name := range s.state.CompletedSources {
		if name == source {
			s.state.CompletedSources = append(s.state.CompletedSources[:i], s.state.CompletedSources[i+1:]...)
			break
		}
	}
	s.state.FailedSources[source] = summary

	if err := s.persist(); err != nil {
		return err
	}

	s.logger.Error().Str("source", source).Str("summary", summary).Msg("Source marked failed")
	return nil
}

// RecordProgress adds to the total processed-record counter, then
// persists.
func (s *Store) RecordProgress(recordsDelta int64) error {
	s.state.TotalRecordsProcessed += recordsDelta

	if err := s.persist(); err != nil {
		return err
	}

	s.logger.Info().
		Int64("delta", recordsDelta).
		Int64("total", s.state.TotalRecordsProcessed).
		Msg("Progress recorded")
	return nil
}

// ResumeIndex returns the declared-order list of sources not yet in the
// completed or failed sets.
func (s *Store) ResumeIndex(declared []string) []string {
	pending := make([]string, 0, len(declared))
	for _, name := range declared {
		if s.state.IsCompleted(name) || s.state.IsFailed(name) {
			continue
		}
		pending = append(pending, name)
	}
	return pending
}

// Snapshot returns a copy of the current state for status reporting.
func (s *Store) Snapshot() State {
	snap := s.state
	snap.CompletedSources = append([]string(nil), s.state.CompletedSources...)
	snap.FailedSources = make(map[string]string, len(s.state.FailedSources))
	for k, v := range s.state.FailedSources {
		snap.FailedSources[k] = v
	}
	return snap
}

// HasProgress reports whether any source has been completed or failed,
// or any records counted.
func (s *Store) HasProgress() bool {
	return len(s.state.CompletedSources) > 0 ||
		len(s.state.FailedSources) > 0 ||
		s.state.TotalRecordsProcessed > 0
}

// Reset clears in-memory state and removes the checkpoint file.
func (s *Store) Reset() error {
	s.state = newState()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint %s: %w", s.path, err)
	}

	s.logger.Info().Str("path", s.path).Msg("Checkpoint reset")
	return nil
}

// persist atomically writes the full state: write temp file, fsync,
// rename. A crash mid-write never leaves a half-written checkpoint
// visible.
func (s *Store) persist() error {
	s.state.LastUpdated = time.Now().UTC()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir %s: %w", dir, err)
		}
	}

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create checkpoint temp %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write checkpoint %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync checkpoint %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close checkpoint %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename checkpoint %s: %w", s.path, err)
	}

	return nil
}
