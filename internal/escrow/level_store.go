package escrow

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	meta/counter            -> big-endian uint64
//	tx/<id>                 -> JSON record
//	party/<party>/<id>      -> empty (purchaser and merchant)
//	state/<state>/<id>      -> empty
//
// ids are encoded big-endian so prefix scans return them in order.
var (
	counterKey   = []byte("meta/counter")
	recordPrefix = []byte("tx/")
)

// levelReader is satisfied by both *leveldb.DB and *leveldb.Snapshot.
type levelReader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

// LevelStore persists transaction records in LevelDB. Every create and update
// is written as one batch so indexes never disagree with records.
type LevelStore struct {
	db *leveldb.DB
	mu sync.Mutex // serializes read-modify-write of the counter and state index
}

// OpenLevelStore opens or creates a store at path.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return NewLevelStore(db), nil
}

// NewLevelStore wraps an open database.
func NewLevelStore(db *leveldb.DB) *LevelStore {
	return &LevelStore{db: db}
}

// Close closes the underlying database.
func (l *LevelStore) Close() error {
	return l.db.Close()
}

func (l *LevelStore) Create(_ context.Context, r *Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	counter, err := l.counter()
	if err != nil {
		return 0, err
	}
	id := counter + 1

	stored := r.Clone()
	stored.ID = id
	raw, err := json.Marshal(stored)
	if err != nil {
		return 0, err
	}

	batch := new(leveldb.Batch)
	batch.Put(counterKey, be64(id))
	batch.Put(recordKey(id), raw)
	batch.Put(indexKey("party/", stored.Purchaser, id), nil)
	if stored.Merchant != stored.Purchaser {
		batch.Put(indexKey("party/", stored.Merchant, id), nil)
	}
	batch.Put(indexKey("state/", stored.State.String(), id), nil)
	if err := l.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("write transaction %d: %w", id, err)
	}

	r.ID = id
	return id, nil
}

func (l *LevelStore) Get(_ context.Context, id uint64) (*Record, error) {
	return levelGet(l.db, id)
}

func (l *LevelStore) Update(_ context.Context, r *Record, prev State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := levelGet(l.db, r.ID)
	if err != nil {
		return err
	}
	if cur.State != prev {
		return ErrStaleRecord
	}

	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(recordKey(r.ID), raw)
	if cur.State != r.State {
		batch.Delete(indexKey("state/", cur.State.String(), r.ID))
		batch.Put(indexKey("state/", r.State.String(), r.ID), nil)
	}
	return l.db.Write(batch, nil)
}

func (l *LevelStore) Counter(context.Context) (uint64, error) {
	return l.counter()
}

func (l *LevelStore) ListByParty(_ context.Context, party string, limit int) ([]*Record, error) {
	return levelList(l.db, indexPrefix("party/", normalize(party)), limit)
}

func (l *LevelStore) ListByState(_ context.Context, state State, limit int) ([]*Record, error) {
	return levelList(l.db, indexPrefix("state/", state.String()), limit)
}

// Totals scans the state indexes from one snapshot, so a record changing
// state mid-scan is counted exactly once.
func (l *LevelStore) Totals(context.Context) (Totals, error) {
	snap, err := l.db.GetSnapshot()
	if err != nil {
		return Totals{}, fmt.Errorf("leveldb snapshot: %w", err)
	}
	defer snap.Release()

	var t Totals
	for _, s := range []State{StatePending, StateApproved, StateDisputed, StateFrozen} {
		records, err := levelList(snap, indexPrefix("state/", s.String()), 0)
		if err != nil {
			return Totals{}, err
		}
		for _, r := range records {
			if s == StateFrozen {
				t.Frozen += r.Amount
				continue
			}
			t.Locked += r.Amount
			t.Open++
		}
	}
	return t, nil
}

func (l *LevelStore) counter() (uint64, error) {
	raw, err := l.db.Get(counterKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt counter: %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func levelGet(db levelReader, id uint64) (*Record, error) {
	raw, err := db.Get(recordKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode transaction %d: %w", id, err)
	}
	return &r, nil
}

// levelList walks an index prefix newest first.
func levelList(db levelReader, prefix []byte, limit int) ([]*Record, error) {
	iter := db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var result []*Record
	for ok := iter.Last(); ok; ok = iter.Prev() {
		key := iter.Key()
		if len(key) != len(prefix)+8 {
			continue
		}
		id := binary.BigEndian.Uint64(key[len(key)-8:])
		r, err := levelGet(db, id)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, iter.Error()
}

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func recordKey(id uint64) []byte {
	return append(append([]byte(nil), recordPrefix...), be64(id)...)
}

func indexPrefix(kind, value string) []byte {
	return []byte(kind + value + "/")
}

func indexKey(kind, value string, id uint64) []byte {
	return append(indexPrefix(kind, value), be64(id)...)
}
