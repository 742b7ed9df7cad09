// Package lock serializes mutations per entity (share, wallet) with a bounded
// wait. Keys are always acquired in sorted order so that operations touching
// several entities cannot deadlock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/minevest/share-engine/internal/model"
)

// ShareKey returns the lock key for a share.
func ShareKey(shareID string) string { return "share:" + shareID }

// WalletKey returns the lock key for a wallet.
func WalletKey(walletID string) string { return "wallet:" + walletID }

// Manager hands out per-key exclusive locks.
type Manager struct {
	timeout time.Duration

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewManager creates a lock manager whose acquisitions give up after timeout.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Manager{timeout: timeout, sems: make(map[string]*semaphore.Weighted)}
}

func (m *Manager) sem(key string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sems[key]
	if !ok {
		s = semaphore.NewWeighted(1)
		m.sems[key] = s
	}
	return s
}

// Acquire locks every key (deduplicated, sorted; share keys sort before
// wallet keys) and returns a release func. It fails with
// model.ErrContentionTimeout if any key is not obtained within the timeout.
func (m *Manager) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	held := make([]*semaphore.Weighted, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release(1)
		}
	}

	for _, k := range keys {
		s := m.sem(k)
		if err := s.Acquire(ctx, 1); err != nil {
			release()
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("lock %s: %w", k, model.ErrContentionTimeout)
			}
			return nil, fmt.Errorf("lock %s: %w", k, err)
		}
		held = append(held, s)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func normalize(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PriceKey returns the lock key serializing price recomputation of a share.
func PriceKey(shareID string) string { return "price:" + shareID }
