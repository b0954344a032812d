package workbench

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ocx/inference-gateway/internal/core"
)

// Store persists drafts. Mutate runs fn against the current row inside
// one transaction, holding the row lock for the duration, so concurrent
// acquires and updates serialize per draft. Deleted drafts are invisible
// through every method.
type Store interface {
	Create(ctx context.Context, draft *Draft) error
	Get(ctx context.Context, id string) (*Draft, error)
	List(ctx context.Context, aucID string) ([]*Draft, error)
	Mutate(ctx context.Context, id string, fn func(*Draft) error) (*Draft, error)
}

// MemoryStore serializes mutations with a per-draft mutex, mirroring the
// row lock the Postgres implementation takes.
type MemoryStore struct {
	mu     sync.RWMutex
	drafts map[string]*Draft
	locks  map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drafts: make(map[string]*Draft),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) Create(_ context.Context, draft *Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	s.drafts[draft.ID] = copyDraft(draft)
	s.locks[draft.ID] = &sync.Mutex{}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drafts[id]
	if !ok || d.Deleted {
		return nil, core.NewError(core.KindNotFound, "Draft not found.")
	}
	return copyDraft(d), nil
}

func (s *MemoryStore) List(_ context.Context, aucID string) ([]*Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Draft
	for _, d := range s.drafts {
		if d.Deleted || d.AucID != aucID {
			continue
		}
		out = append(out, copyDraft(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) Mutate(_ context.Context, id string, fn func(*Draft) error) (*Draft, error) {
	s.mu.RLock()
	rowLock, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, core.NewError(core.KindNotFound, "Draft not found.")
	}

	rowLock.Lock()
	defer rowLock.Unlock()

	s.mu.RLock()
	current := s.drafts[id]
	s.mu.RUnlock()
	if current == nil || current.Deleted {
		return nil, core.NewError(core.KindNotFound, "Draft not found.")
	}

	working := copyDraft(current)
	if err := fn(working); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.drafts[id] = copyDraft(working)
	s.mu.Unlock()
	return working, nil
}

func copyDraft(d *Draft) *Draft {
	out := *d
	out.Content = append(json.RawMessage(nil), d.Content...)
	return &out
}
