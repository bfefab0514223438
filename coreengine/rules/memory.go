package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps rules in a map.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewMemoryStore creates a store seeded with seed.
func NewMemoryStore(seed ...Rule) (*MemoryStore, error) {
	s := &MemoryStore{rules: make(map[string]Rule, len(seed))}
	for _, r := range seed {
		if err := s.Upsert(context.Background(), r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MemoryStore) Get(_ context.Context, code string) (Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[code]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, code)
	}
	return r, nil
}

func (s *MemoryStore) Upsert(_ context.Context, rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.Code] = rule
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
