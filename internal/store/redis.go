package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for shares, latest prices and cached wallet balances. Writes go to the
// primary store inside InTx; the keys they touch are invalidated after the
// transaction commits. Every other read passes through to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// InTx runs fn against the primary and invalidates every cached key the
// transaction wrote once it has committed.
func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var dirty []string
	err := s.Store.InTx(ctx, func(tx Tx) error {
		dirty = dirty[:0]
		return fn(&invalidatingTx{Tx: tx, dirty: &dirty})
	})
	if err != nil || len(dirty) == 0 {
		return err
	}
	if derr := s.rdb.Del(ctx, dirty...).Err(); derr != nil {
		slog.Warn("cache invalidation failed", "keys", len(dirty), "error", derr)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetShare(ctx context.Context, id string) (*model.Share, error) {
	var sh model.Share
	if s.get(ctx, shareKey(id), &sh) {
		return &sh, nil
	}

	// Cache miss: read from primary.
	out, err := s.Store.GetShare(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, shareKey(id), out)
	return out, nil
}

func (s *CachedStore) LatestPrice(ctx context.Context, shareID string) (*model.PriceSnapshot, error) {
	var p model.PriceSnapshot
	if s.get(ctx, priceKey(shareID), &p) {
		return &p, nil
	}

	p2, err := s.Store.LatestPrice(ctx, shareID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, priceKey(shareID), p2)
	return p2, nil
}

func (s *CachedStore) CachedBalance(ctx context.Context, walletID string) (decimal.Decimal, bool, error) {
	raw, err := s.rdb.Get(ctx, balanceKey(walletID)).Result()
	if err == nil {
		if b, perr := decimal.NewFromString(raw); perr == nil {
			return b, true, nil
		}
	}

	b, ok, err := s.Store.CachedBalance(ctx, walletID)
	if err != nil || !ok {
		return b, ok, err
	}
	s.rdb.Set(ctx, balanceKey(walletID), b.String(), s.ttl)
	return b, true, nil
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// invalidatingTx records the cache keys made stale by its writes.
type invalidatingTx struct {
	Tx
	dirty *[]string
}

func (tx *invalidatingTx) touch(key string) { *tx.dirty = append(*tx.dirty, key) }

func (tx *invalidatingTx) CreateShare(ctx context.Context, sh *model.Share) error {
	tx.touch(shareKey(sh.ID))
	return tx.Tx.CreateShare(ctx, sh)
}

func (tx *invalidatingTx) UpdateShare(ctx context.Context, sh *model.Share) error {
	tx.touch(shareKey(sh.ID))
	return tx.Tx.UpdateShare(ctx, sh)
}

func (tx *invalidatingTx) InsertPriceSnapshot(ctx context.Context, p *model.PriceSnapshot) error {
	tx.touch(priceKey(p.ShareID))
	return tx.Tx.InsertPriceSnapshot(ctx, p)
}

func (tx *invalidatingTx) SetCachedBalance(ctx context.Context, walletID, currency string, balance decimal.Decimal) error {
	tx.touch(balanceKey(walletID))
	return tx.Tx.SetCachedBalance(ctx, walletID, currency, balance)
}

func shareKey(id string) string         { return fmt.Sprintf("share:%s", id) }
func priceKey(shareID string) string    { return fmt.Sprintf("price:%s", shareID) }
func balanceKey(walletID string) string { return fmt.Sprintf("balance:%s", walletID) }
