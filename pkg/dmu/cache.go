package dmu

import (
	"hash/fnv"
	"sync"
)

// lockStripes is DBUF_RWLOCKS: the global dbuf hash table is striped by
// this many independently locked rwlocks, selected by the low bits of the
// key's hash (§4.3). Must stay a power of two.
const lockStripes = 8192

// ObjsetID identifies the dataset a dbuf's object belongs to, standing in
// for the real hash key's objset pointer.
type ObjsetID uint64

type hashKey struct {
	Objset ObjsetID
	Object uint64
	Level  int
	Blkid  uint64
}

// Cache is the global dbuf hash table: one striped set of locks guarding a
// plain map, sized once at init.
type Cache struct {
	stripes [lockStripes]sync.Mutex
	tables  [lockStripes]map[hashKey]*Dbuf
}

// NewCache builds an empty dbuf hash table.
func NewCache() *Cache {
	c := &Cache{}
	for i := range c.tables {
		c.tables[i] = make(map[hashKey]*Dbuf)
	}
	return c
}

func (c *Cache) stripe(k hashKey) int {
	h := fnv.New64a()
	var buf [32]byte
	putU64(buf[0:8], uint64(k.Objset))
	putU64(buf[8:16], k.Object)
	putU64(buf[16:24], uint64(k.Level))
	putU64(buf[24:32], k.Blkid)
	_, _ = h.Write(buf[:])
	return int(h.Sum64() & (lockStripes - 1))
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

// Find returns the cached dbuf for (objset, object, level, blkid), if one
// is already resident.
func (c *Cache) Find(objset ObjsetID, object uint64, level int, blkid uint64) (*Dbuf, bool) {
	k := hashKey{objset, object, level, blkid}
	i := c.stripe(k)
	c.stripes[i].Lock()
	defer c.stripes[i].Unlock()
	db, ok := c.tables[i][k]
	return db, ok
}

// FindOrCreate returns the cached dbuf for the key, creating and inserting
// one backed by dn if none is resident yet (first-reference creation,
// §4.3's "Created on first reference").
func (c *Cache) FindOrCreate(objset ObjsetID, dn *Dnode, level int, blkid uint64, parent *Dbuf) *Dbuf {
	k := hashKey{objset, dn.Object, level, blkid}
	i := c.stripe(k)
	c.stripes[i].Lock()
	defer c.stripes[i].Unlock()
	if db, ok := c.tables[i][k]; ok {
		return db
	}
	db := newDbuf(dn, Key{Object: dn.Object, Level: level, Blkid: blkid}, parent)
	c.tables[i][k] = db
	return db
}

// Evict removes db from the hash table if it is unheld and cached,
// transitioning it to Evicting. Returns ErrHeld if the dbuf still has
// outstanding holds.
func (c *Cache) Evict(objset ObjsetID, object uint64, level int, blkid uint64) error {
	k := hashKey{objset, object, level, blkid}
	i := c.stripe(k)
	c.stripes[i].Lock()
	defer c.stripes[i].Unlock()
	db, ok := c.tables[i][k]
	if !ok {
		return nil
	}
	if err := db.Evict(); err != nil {
		return err
	}
	delete(c.tables[i], k)
	return nil
}

// Len reports the number of resident dbufs across all stripes, for tests
// and diagnostics.
func (c *Cache) Len() int {
	n := 0
	for i := range c.tables {
		c.stripes[i].Lock()
		n += len(c.tables[i])
		c.stripes[i].Unlock()
	}
	return n
}
