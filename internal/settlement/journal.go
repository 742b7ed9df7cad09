package settlement

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
)

const (
	intentKeyPrefix = "fill_intent_"

	IntentPending = "pending"
	IntentDone    = "done"
	IntentFailed  = "failed"
)

// Intent is a planned fill written before its transaction starts. The
// fill's wallet group carries the intent id as correlation id, so recovery
// can tell a committed fill from one that never happened.
type Intent struct {
	ID       string          `json:"id"`
	BatchID  string          `json:"batch_id"`
	OrderID  string          `json:"order_id"`
	ShareID  string          `json:"share_id"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Status   string          `json:"status"`
	Error    string          `json:"error,omitempty"`
	Time     time.Time       `json:"time"`
}

// Journal records fill intents across restarts.
type Journal interface {
	Prepare(i *Intent) error
	MarkDone(i *Intent) error
	MarkFailed(i *Intent, err error) error
	// Pending returns intents that were prepared but never resolved.
	Pending() []*Intent
	Close() error
}

type intentIndex struct {
	mu      sync.Mutex
	intents map[string]*Intent
	order   []string
}

func (x *intentIndex) put(i *Intent) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.intents[i.ID]; !ok {
		x.order = append(x.order, i.ID)
	}
	c := *i
	x.intents[i.ID] = &c
}

func (x *intentIndex) pending() []*Intent {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []*Intent
	for _, id := range x.order {
		if i := x.intents[id]; i.Status == IntentPending {
			c := *i
			out = append(out, &c)
		}
	}
	return out
}

// MemoryJournal keeps intents in memory. Used when no journal directory is
// configured and in tests.
type MemoryJournal struct {
	idx intentIndex
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{idx: intentIndex{intents: make(map[string]*Intent)}}
}

func (j *MemoryJournal) Prepare(i *Intent) error {
	i.Status = IntentPending
	j.idx.put(i)
	return nil
}

func (j *MemoryJournal) MarkDone(i *Intent) error {
	i.Status, i.Error = IntentDone, ""
	j.idx.put(i)
	return nil
}

func (j *MemoryJournal) MarkFailed(i *Intent, err error) error {
	i.Status = IntentFailed
	if err != nil {
		i.Error = err.Error()
	}
	j.idx.put(i)
	return nil
}

func (j *MemoryJournal) Pending() []*Intent { return j.idx.pending() }

func (j *MemoryJournal) Close() error { return nil }

// WALJournal persists intents in a gowal write-ahead log. The latest
// record of an intent wins on replay.
type WALJournal struct {
	wal *gowal.Wal
	mu  sync.Mutex
	idx intentIndex
}

// OpenWALJournal opens (or creates) the journal in dir and replays it.
func OpenWALJournal(dir string) (*WALJournal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create journal dir %s: %w", dir, err)
	}
	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "fills_",
		SegmentThreshold: 1000,
		MaxSegments:      100,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &WALJournal{wal: wal, idx: intentIndex{intents: make(map[string]*Intent)}}
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, intentKeyPrefix) {
			continue
		}
		var i Intent
		if err := json.Unmarshal(msg.Value, &i); err != nil {
			slog.Error("skipping unreadable fill intent", "key", msg.Key, "error", err)
			continue
		}
		j.idx.put(&i)
	}
	return j, nil
}

func (j *WALJournal) Prepare(i *Intent) error {
	i.Status = IntentPending
	return j.persist(i)
}

func (j *WALJournal) MarkDone(i *Intent) error {
	i.Status, i.Error = IntentDone, ""
	return j.persist(i)
}

func (j *WALJournal) MarkFailed(i *Intent, err error) error {
	i.Status = IntentFailed
	if err != nil {
		i.Error = err.Error()
	}
	return j.persist(i)
}

func (j *WALJournal) Pending() []*Intent { return j.idx.pending() }

func (j *WALJournal) Close() error { return j.wal.Close() }

func (j *WALJournal) persist(i *Intent) error {
	data, err := json.Marshal(i)
	if err != nil {
		return fmt.Errorf("marshal fill intent: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.wal.Write(j.wal.CurrentIndex()+1, intentKeyPrefix+i.ID, data); err != nil {
		return fmt.Errorf("write fill intent %s: %w", i.ID, err)
	}
	j.idx.put(i)
	return nil
}
