package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/perpcore/pkg/app/core/funding"
	"github.com/uhyunpark/perpcore/pkg/app/core/order"
	"github.com/uhyunpark/perpcore/pkg/app/core/position"
	"github.com/uhyunpark/perpcore/pkg/app/core/vault"
	"github.com/uhyunpark/perpcore/pkg/events"
)

// ChangeSet is everything one ledger operation writes
// It is committed as a single pebble batch, so it lands entirely or not at all
type ChangeSet struct {
	PutOrders       []order.Order
	DeleteOrders    []uint64
	PutPositions    []position.Position
	DeletePositions []position.Key
	Funding         map[string]funding.State
	Balances        []vault.Record
	Events          []events.Event
	LastOrderID     uint64 // 0 = unchanged
	Paused          *bool  // nil = unchanged
}

// Empty reports whether the change set writes nothing
func (cs *ChangeSet) Empty() bool {
	return len(cs.PutOrders) == 0 && len(cs.DeleteOrders) == 0 &&
		len(cs.PutPositions) == 0 && len(cs.DeletePositions) == 0 &&
		len(cs.Funding) == 0 && len(cs.Balances) == 0 && len(cs.Events) == 0 &&
		cs.LastOrderID == 0 && cs.Paused == nil
}

// Snapshot is the persisted ledger state loaded at startup
type Snapshot struct {
	Orders      []order.Order
	Positions   []position.Position
	Funding     map[string]funding.State
	Balances    []vault.Record
	LastOrderID uint64
	LastSeq     uint64
	Paused      bool
}

// Store persists ledger state
type Store interface {
	Commit(cs ChangeSet) error
}

// Nop is a Store that keeps nothing
type Nop struct{}

func (Nop) Commit(ChangeSet) error { return nil }

// PebbleStore is the durable Store
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens a Pebble database at the given path
func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,                  // 32MB memtable
		MaxConcurrentCompactions: func() int { return 2 },
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10, // 512KB
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// Commit writes the change set atomically with fsync
func (s *PebbleStore) Commit(cs ChangeSet) error {
	if cs.Empty() {
		return nil
	}

	b := s.db.NewBatch()
	defer b.Close()

	for _, o := range cs.PutOrders {
		if err := setJSON(b, orderKey(o.ID), o); err != nil {
			return err
		}
	}
	for _, id := range cs.DeleteOrders {
		if err := b.Delete(orderKey(id), nil); err != nil {
			return fmt.Errorf("failed to delete order %d: %w", id, err)
		}
	}
	for _, p := range cs.PutPositions {
		if err := setJSON(b, positionKey(p.Key()), p); err != nil {
			return err
		}
	}
	for _, k := range cs.DeletePositions {
		if err := b.Delete(positionKey(k), nil); err != nil {
			return fmt.Errorf("failed to delete position %s: %w", k, err)
		}
	}
	for market, st := range cs.Funding {
		if err := setJSON(b, fundingKey(market), st); err != nil {
			return err
		}
	}
	for _, r := range cs.Balances {
		if err := setJSON(b, balanceKey(r.Account, r.Asset), r); err != nil {
			return err
		}
	}
	var lastSeq uint64
	for _, e := range cs.Events {
		if err := setJSON(b, eventKey(e.Seq), e); err != nil {
			return err
		}
		if e.Seq > lastSeq {
			lastSeq = e.Seq
		}
	}
	if lastSeq > 0 {
		if err := b.Set([]byte(keyLastSeq), encodeUint64(lastSeq), nil); err != nil {
			return err
		}
	}
	if cs.LastOrderID > 0 {
		if err := b.Set([]byte(keyLastOrderID), encodeUint64(cs.LastOrderID), nil); err != nil {
			return err
		}
	}
	if cs.Paused != nil {
		v := []byte{0}
		if *cs.Paused {
			v[0] = 1
		}
		if err := b.Set([]byte(keyPaused), v, nil); err != nil {
			return err
		}
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func setJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := encodeJSON(v)
	if err != nil {
		return err
	}
	return b.Set(key, data, nil)
}

// Load reads the full ledger state
func (s *PebbleStore) Load() (Snapshot, error) {
	snap := Snapshot{Funding: make(map[string]funding.State)}

	if err := scan(s.db, prefixOrder, func(key, val []byte) error {
		var o order.Order
		if err := decodeJSON(val, &o); err != nil {
			return err
		}
		if id, err := orderIDFromKey(key); err != nil || id != o.ID {
			return fmt.Errorf("order key %q does not match id %d", key, o.ID)
		}
		snap.Orders = append(snap.Orders, o)
		return nil
	}); err != nil {
		return Snapshot{}, err
	}

	if err := scan(s.db, prefixPosition, func(_, val []byte) error {
		var p position.Position
		if err := decodeJSON(val, &p); err != nil {
			return err
		}
		snap.Positions = append(snap.Positions, p)
		return nil
	}); err != nil {
		return Snapshot{}, err
	}

	if err := scan(s.db, prefixFunding, func(key, val []byte) error {
		var st funding.State
		if err := decodeJSON(val, &st); err != nil {
			return err
		}
		snap.Funding[string(key[len(prefixFunding):])] = st
		return nil
	}); err != nil {
		return Snapshot{}, err
	}

	if err := scan(s.db, prefixBalance, func(_, val []byte) error {
		var r vault.Record
		if err := decodeJSON(val, &r); err != nil {
			return err
		}
		snap.Balances = append(snap.Balances, r)
		return nil
	}); err != nil {
		return Snapshot{}, err
	}

	var err error
	if snap.LastOrderID, err = s.getUint64(keyLastOrderID); err != nil {
		return Snapshot{}, err
	}
	if snap.LastSeq, err = s.getUint64(keyLastSeq); err != nil {
		return Snapshot{}, err
	}

	val, closer, err := s.db.Get([]byte(keyPaused))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return Snapshot{}, fmt.Errorf("failed to get paused flag: %w", err)
	default:
		snap.Paused = len(val) == 1 && val[0] == 1
		closer.Close()
	}

	return snap, nil
}

// Events returns up to limit events with seq > after, in order
func (s *PebbleStore) Events(after uint64, limit int) ([]events.Event, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(after + 1),
		UpperBound: keyUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []events.Event
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		var e events.Event
		if err := decodeJSON(iter.Value(), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

func (s *PebbleStore) getUint64(key string) (uint64, error) {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	return decodeUint64(val)
}

func scan(db *pebble.DB, prefix string, fn func(key, val []byte) error) error {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return fmt.Errorf("scan %s: %w", prefix, err)
		}
	}
	return iter.Error()
}
