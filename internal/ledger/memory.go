package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	opts    Options
	mu      sync.Mutex
	records map[string]Record
	spend   map[string]Spend
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:    opts,
		records: make(map[string]Record),
		spend:   make(map[string]Spend),
	}
}

func (s *MemoryStore) Claim(_ context.Context, key, agent, runID string, lease time.Duration) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *Record
	if r, ok := s.records[key]; ok {
		existing = &r
	}
	next, err := decideClaim(existing, key, agent, runID, s.opts.now(), lease)
	if err != nil {
		return next, err
	}
	s.records[key] = next
	return next, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, runID string, out Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok || r.RunID != runID || r.Status != StatusRunning {
		return fmt.Errorf("completing %s: %w", key, ErrNotOwner)
	}
	r.Status = StatusCompleted
	r.FinishedAt = s.opts.now()
	r.Error = ""
	r.CostUSD = out.CostUSD
	r.Findings = out.Findings
	r.IssuesFiled = out.IssuesFiled
	s.records[key] = r
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, key, runID string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok || r.RunID != runID || r.Status != StatusRunning {
		return fmt.Errorf("failing %s: %w", key, ErrNotOwner)
	}
	r.Status = StatusFailed
	r.FinishedAt = s.opts.now()
	if cause != nil {
		r.Error = cause.Error()
	}
	s.records[key] = r
	return nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) Reopen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok || r.Status != StatusCompleted {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.Unlock()

	sortRecent(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, r := range s.records {
		if r.Status != StatusRunning && r.FinishedAt.Before(before) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AddSpend(_ context.Context, day, scope string, usd float64, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := day + "|" + scope
	cur := s.spend[k]
	cur.USD += usd
	cur.Tokens += tokens
	s.spend[k] = cur
	return nil
}

func (s *MemoryStore) Spend(_ context.Context, day, scope string) (Spend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spend[day+"|"+scope], nil
}

func (s *MemoryStore) Close() error { return nil }

// sortRecent orders records newest claim first, key as tie-breaker.
func sortRecent(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].ClaimedAt.Equal(rs[j].ClaimedAt) {
			return rs[i].ClaimedAt.After(rs[j].ClaimedAt)
		}
		return rs[i].Key < rs[j].Key
	})
}
