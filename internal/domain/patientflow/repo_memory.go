package patientflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type queueRepoMemory struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*QueueEntry
	tokens  map[int]uuid.UUID
}

// NewQueueRepoMemory returns a process-local repository. Entries are lost on
// restart.
func NewQueueRepoMemory() QueueRepository {
	return &queueRepoMemory{
		entries: make(map[uuid.UUID]*QueueEntry),
		tokens:  make(map[int]uuid.UUID),
	}
}

func (r *queueRepoMemory) Create(_ context.Context, e *QueueEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.tokens[e.TokenNumber]; taken {
		return fmt.Errorf("%w: token %d", ErrDuplicateTokenAllocation, e.TokenNumber)
	}
	if _, exists := r.entries[e.ID]; exists {
		return fmt.Errorf("queue entry %s already exists", e.ID)
	}
	r.entries[e.ID] = e.Clone()
	r.tokens[e.TokenNumber] = e.ID
	return nil
}

func (r *queueRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*QueueEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return e.Clone(), nil
}

func (r *queueRepoMemory) Update(_ context.Context, e *QueueEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entries[e.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, e.ID)
	}
	if cur.TokenNumber != e.TokenNumber {
		return fmt.Errorf("token number of %s is immutable", e.ID)
	}
	r.entries[e.ID] = e.Clone()
	return nil
}

func (r *queueRepoMemory) List(_ context.Context, filter QueueFilter) ([]*QueueEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*QueueEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if filter.matches(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenNumber < out[j].TokenNumber })
	return out, nil
}

func (r *queueRepoMemory) MaxToken(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	highest := 0
	for token := range r.tokens {
		if token > highest {
			highest = token
		}
	}
	return highest, nil
}
