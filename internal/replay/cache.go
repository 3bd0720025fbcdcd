package replay

import (
	"context"
	"sync"
	"time"
)

// Entry is the replay-cache record for one authorization nonce. Once
// finalized an entry is immutable; at-most-once settlement depends on it.
type Entry struct {
	Nonce         string    `json:"nonce"`
	Pending       bool      `json:"pending"`
	Verified      bool      `json:"verified"`
	Reason        string    `json:"reason,omitempty"`
	SettlementRef string    `json:"settlement_ref,omitempty"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Store is the nonce deduplication contract. Reserve returns (nil, true)
// when the caller acquired the nonce; the caller must then either Finalize
// or Release it. Any other caller observes the existing entry: pending,
// or finalized with its outcome. Two callers can never both acquire the
// same nonce.
type Store interface {
	Reserve(ctx context.Context, nonce string, expiresAt time.Time) (*Entry, bool, error)
	Finalize(ctx context.Context, nonce string, verified bool, reason, ref string) error
	Release(ctx context.Context, nonce string) error
}

// A reservation held by a crashed or wedged caller must not lock the nonce
// forever; pending entries older than this are treated as abandoned.
const pendingTTL = 2 * time.Minute

// MemoryStore is the default single-process replay cache.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry

	stop chan struct{}
	done chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the background sweep. Expired entries are also purged
// lazily on Reserve, so the cadence is about memory, not correctness.
func (s *MemoryStore) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *MemoryStore) Stop() {
	close(s.stop)
	<-s.done
}

func (s *MemoryStore) Reserve(_ context.Context, nonce string, expiresAt time.Time) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.entries[nonce]; ok {
		stale := existing.Pending && now.Sub(existing.FirstSeenAt) > pendingTTL
		expired := !existing.Pending && now.After(existing.ExpiresAt)
		if !stale && !expired {
			cp := *existing
			return &cp, false, nil
		}
		// Abandoned or expired, fall through and re-acquire.
	}

	s.entries[nonce] = &Entry{
		Nonce:       nonce,
		Pending:     true,
		FirstSeenAt: now,
		ExpiresAt:   expiresAt,
	}
	return nil, true, nil
}

func (s *MemoryStore) Finalize(_ context.Context, nonce string, verified bool, reason, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[nonce]
	if !ok || !entry.Pending {
		return nil
	}
	entry.Pending = false
	entry.Verified = verified
	entry.Reason = reason
	entry.SettlementRef = ref
	return nil
}

func (s *MemoryStore) Release(_ context.Context, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[nonce]; ok && entry.Pending {
		delete(s.entries, nonce)
	}
	return nil
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for nonce, entry := range s.entries {
		if entry.Pending {
			if now.Sub(entry.FirstSeenAt) > pendingTTL {
				delete(s.entries, nonce)
			}
			continue
		}
		if now.After(entry.ExpiresAt) {
			delete(s.entries, nonce)
		}
	}
}

// Len reports the live entry count, for tests and introspection.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
