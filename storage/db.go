package storage

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrCASConflict is returned when a compare-and-swap finds a value other than
// the expected one already stored under the key.
var ErrCASConflict = errors.New("storage: compare-and-swap conflict")

// Entry is a single key/value pair returned by prefix scans.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a generic interface for the durable record store. All writes are
// write-through; load-all-on-start is expressed as a prefix scan. CompareAndSwap
// is the primitive the registry uses to make identity reservation and contract
// binding atomic under concurrent callers.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	// CompareAndSwap stores value under key only when the current value equals
	// expect. A nil expect means "only if absent". Returns ErrCASConflict
	// otherwise.
	CompareAndSwap(key string, expect, value []byte) error
	Delete(key string) error
	// Scan returns all entries whose key begins with prefix, ordered by key.
	Scan(prefix string) ([]Entry, error)
	Close() error
}

// --- In-memory store (for testing) ---

type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (s *MemStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *MemStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemStore) CompareAndSwap(key string, expect, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.data[key]
	if !casMatches(current, ok, expect) {
		return ErrCASConflict
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemStore) Scan(prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]Entry, 0)
	for key, value := range s.data {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, Entry{Key: key, Value: append([]byte(nil), value...)})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (s *MemStore) Close() error { return nil }

// --- Persistent store backed by LevelDB ---

// LevelStore is a persistent key-value store using LevelDB. Read-modify-write
// operations are guarded by a process-local mutex; the store assumes a single
// owning process, which holds for the coordinator deployment model.
type LevelStore struct {
	mu sync.Mutex
	db *leveldb.DB
}

// OpenLevelStore creates or opens a LevelDB database at the specified path.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelStore{db: db}, nil
}

func (s *LevelStore) Get(key string) ([]byte, bool, error) {
	value, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *LevelStore) Put(key string, value []byte) error {
	return s.db.Put([]byte(key), value, nil)
}

func (s *LevelStore) CompareAndSwap(key string, expect, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.db.Get([]byte(key), nil)
	present := true
	if errors.Is(err, leveldb.ErrNotFound) {
		present = false
	} else if err != nil {
		return err
	}
	if !casMatches(current, present, expect) {
		return ErrCASConflict
	}
	return s.db.Put([]byte(key), value, nil)
}

func (s *LevelStore) Delete(key string) error {
	return s.db.Delete([]byte(key), nil)
}

func (s *LevelStore) Scan(prefix string) ([]Entry, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	entries := make([]Entry, 0)
	for iter.Next() {
		entries = append(entries, Entry{
			Key:   string(iter.Key()),
			Value: append([]byte(nil), iter.Value()...),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

func casMatches(current []byte, present bool, expect []byte) bool {
	if expect == nil {
		return !present
	}
	if !present {
		return false
	}
	return string(current) == string(expect)
}
