package patientflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// TokenSource reports the highest token issued so far (0 when none).
type TokenSource interface {
	MaxToken(ctx context.Context) (int, error)
}

// TokenAllocator issues serving tokens. The allocator's lock is held across
// the caller's insert so that no two registrations observe the same next
// token.
type TokenAllocator struct {
	mu     sync.Mutex
	source TokenSource
	last   int
	seeded bool
}

func NewTokenAllocator(source TokenSource) *TokenAllocator {
	return &TokenAllocator{source: source}
}

// Allocate computes the next token and passes it to insert. The token is only
// consumed when insert succeeds.
func (a *TokenAllocator) Allocate(ctx context.Context, insert func(token int) error) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.seeded {
		highest, err := a.source.MaxToken(ctx)
		if err != nil {
			return 0, fmt.Errorf("read max token: %w", err)
		}
		a.last = highest
		a.seeded = true
	}

	next := a.last + 1
	if err := insert(next); err != nil {
		if errors.Is(err, ErrDuplicateTokenAllocation) {
			// Another writer shares the store; resync before the next attempt.
			a.seeded = false
		}
		return 0, err
	}
	a.last = next
	return next, nil
}
