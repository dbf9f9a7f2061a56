package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/gazette-sync/internal/crawler"
)

// RunStore provides an in-memory crawler.RunStore.
type RunStore struct {
	mu        sync.RWMutex
	runs      map[string]crawler.Run
	artifacts map[string]map[string][]string
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:      make(map[string]crawler.Run),
		artifacts: make(map[string]map[string][]string),
	}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run crawler.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return errors.New("run already exists")
	}
	s.runs[run.ID] = run
	return nil
}

// UpdateRunStatus updates the status and counters for a run.
func (s *RunStore) UpdateRunStatus(
	_ context.Context,
	runID string,
	status crawler.RunStatus,
	errText string,
	counters crawler.RunCounters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.ErrNotFound
	}
	run.Status = status
	run.ErrorText = errText
	run.Counters = counters
	now := time.Now().UTC()
	if status == crawler.RunStatusRunning && run.Started == nil {
		run.Started = pointerTime(now)
	}
	if isTerminal(status) {
		run.Finished = pointerTime(now)
	}
	s.runs[runID] = run
	return nil
}

// RecordArtifacts appends a source's artifact ids to a run.
func (s *RunStore) RecordArtifacts(_ context.Context, runID, source string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return crawler.ErrNotFound
	}
	bySource, ok := s.artifacts[runID]
	if !ok {
		bySource = make(map[string][]string)
		s.artifacts[runID] = bySource
	}
	bySource[source] = append(bySource[source], ids...)
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.Run{}, crawler.ErrNotFound
	}
	return run, nil
}

// ListArtifacts returns a copy of the artifact ids recorded for a run.
func (s *RunStore) ListArtifacts(_ context.Context, runID string) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, crawler.ErrNotFound
	}
	out := make(map[string][]string, len(s.artifacts[runID]))
	for source, ids := range s.artifacts[runID] {
		out[source] = append([]string(nil), ids...)
	}
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

func isTerminal(status crawler.RunStatus) bool {
	switch status {
	case crawler.RunStatusSucceeded, crawler.RunStatusFailed, crawler.RunStatusCanceled:
		return true
	default:
		return false
	}
}
