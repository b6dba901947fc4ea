// Package memory provides an in-process StateStore for single-node runs and
// tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

type sessionState struct {
	phase      crawler.Phase
	processing map[string]struct{}
	finished   map[string]struct{}
	records    map[string]crawler.Record
	// order keeps records in insertion order for exports.
	order []string
}

func newSessionState() *sessionState {
	return &sessionState{
		processing: make(map[string]struct{}),
		finished:   make(map[string]struct{}),
		records:    make(map[string]crawler.Record),
	}
}

// Store keeps all session state behind one mutex.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*sessionState)}
}

func (s *Store) session(key string) *sessionState {
	st, ok := s.sessions[key]
	if !ok {
		st = newSessionState()
		s.sessions[key] = st
	}
	return st
}

// BeginSession resets and claims the session unless it is already active or,
// short of a failure, an earlier crawl still has URLs in flight.
func (s *Store) BeginSession(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[key]; ok {
		if st.phase.Active() {
			return false, nil
		}
		if st.phase != crawler.PhaseFailed && len(st.processing) > 0 {
			return false, nil
		}
	}
	st := newSessionState()
	st.phase = crawler.PhaseSeeding
	s.sessions[key] = st
	return true, nil
}

// SetPhase records the session phase. A failed session keeps its phase
// until BeginSession claims it again.
func (s *Store) SetPhase(_ context.Context, key string, phase crawler.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.session(key)
	if st.phase == crawler.PhaseFailed && phase != crawler.PhaseFailed {
		return fmt.Errorf("set phase %s on %s: %w", phase, key, crawler.ErrSessionFailed)
	}
	st.phase = phase
	return nil
}

// Phase returns the session phase, PhaseAbsent when unknown.
func (s *Store) Phase(_ context.Context, key string) (crawler.Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[key]; ok {
		return st.phase, nil
	}
	return crawler.PhaseAbsent, nil
}

// MarkProcessing is the atomic first-seen check.
func (s *Store) MarkProcessing(_ context.Context, key, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.session(key)
	if _, ok := st.processing[path]; ok {
		return false, nil
	}
	if _, ok := st.finished[path]; ok {
		return false, nil
	}
	st.processing[path] = struct{}{}
	return true, nil
}

// MarkFinished moves path from processing to finished.
func (s *Store) MarkFinished(_ context.Context, key, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.session(key)
	delete(st.processing, path)
	st.finished[path] = struct{}{}
	return nil
}

// PutRecord stores the record for path, replacing any earlier one.
func (s *Store) PutRecord(_ context.Context, key, path string, record crawler.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.session(key)
	if _, ok := st.records[path]; !ok {
		st.order = append(st.order, path)
	}
	st.records[path] = cloneRecord(record)
	return nil
}

// Records returns a copy of the session's records in insertion order.
func (s *Store) Records(_ context.Context, key string) ([]crawler.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[key]
	if !ok {
		return nil, nil
	}
	out := make([]crawler.Record, 0, len(st.order))
	for _, path := range st.order {
		out = append(out, cloneRecord(st.records[path]))
	}
	return out, nil
}

// RecordCount returns the number of stored records.
func (s *Store) RecordCount(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[key]; ok {
		return int64(len(st.records)), nil
	}
	return 0, nil
}

// Stats returns set sizes and the phase.
func (s *Store) Stats(_ context.Context, key string) (crawler.SessionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := crawler.SessionStats{Session: key}
	st, ok := s.sessions[key]
	if !ok {
		return stats, nil
	}
	stats.Phase = st.phase
	stats.Processing = int64(len(st.processing))
	stats.Finished = int64(len(st.finished))
	stats.Records = int64(len(st.records))
	return stats, nil
}

// Purge drops sets and records, keeping the phase.
func (s *Store) Purge(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[key]
	if !ok {
		return nil
	}
	phase := st.phase
	fresh := newSessionState()
	fresh.phase = phase
	s.sessions[key] = fresh
	return nil
}

func cloneRecord(r crawler.Record) crawler.Record {
	if r.Providers != nil {
		r.Providers = append([]string(nil), r.Providers...)
	}
	return r
}
