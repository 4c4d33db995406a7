package ddt

import (
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store is the ZAP store: a persistent (key -> compressed phys) map, one
// logical store per (type, class) in the real implementation, collapsed
// here into one LevelDB instance with class folded into the key prefix
// (§4.5's "ZAP store" side of the two-storage-family design).
type Store struct {
	mu sync.Mutex
	db *leveldb.DB
}

// OpenStore opens (creating if necessary) a ZAP store at path.
func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the store's underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get looks up class/key's phys record, reporting ok=false on a miss.
func (s *Store) Get(class Class, key Key) (Phys, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Get(encodeKey(class, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Phys{}, false, nil
	}
	if err != nil {
		return Phys{}, false, err
	}
	p, err := decodePhys(raw, 0)
	if err != nil {
		return Phys{}, false, err
	}
	return p, true, nil
}

// Put installs class/key's phys record, overwriting any prior value.
func (s *Store) Put(class Class, key Key, p Phys) error {
	enc, err := encodePhys(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put(encodeKey(class, key), enc, nil)
}

// Delete removes class/key's entry entirely (§4.5: "zero refcount removes
// from the store").
func (s *Store) Delete(class Class, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(encodeKey(class, key), nil)
}

// putRaw installs an already-encoded key/value pair, used by FlushPaced to
// install log-journaled entries whose key was encoded once at Append time
// and shouldn't be re-derived from a reconstructed Key.
func (s *Store) putRaw(rawKey, rawVal []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put(rawKey, rawVal, nil)
}

// deleteRaw removes the entry stored under an already-encoded key, used by
// Prune to act on the raw keys a Walk cursor hands back without re-encoding
// a Key it never reconstructed.
func (s *Store) deleteRaw(rawKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(rawKey, nil)
}

// CursorEntry is one (key-prefix-decoded) record surfaced by Walk.
type CursorEntry struct {
	RawKey []byte
	Phys   Phys
}

// Walk iterates class's entries in key order starting at (or after) from
// (nil to start at the beginning), calling fn for each until fn returns
// false or the store is exhausted. The raw key returned to fn doubles as
// the stable cursor (§4.5's "(class, type, checksum_id, zap_cursor)"): a
// caller resumes a walk across restarts by passing back the last RawKey
// seen.
func (s *Store) Walk(class Class, from []byte, fn func(CursorEntry) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := append([]byte(class), 0)
	rng := util.BytesPrefix(prefix)
	if from != nil {
		rng.Start = from
	}

	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()

	for iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		p, err := decodePhys(iter.Value(), 0)
		if err != nil {
			return err
		}
		if !fn(CursorEntry{RawKey: key, Phys: p}) {
			break
		}
	}
	return iter.Error()
}
