// Package spa ties the pool's component layers together: vdev tree,
// metaslab allocator, ARC, DDT, the DMU dbuf cache, the txg engine, and
// the ZIL, wired the way a real import/open/write/read/sync cycle uses
// them (§4's nine leaf-first layers, driven from the top).
package spa

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/coldpool/zfscore/pkg/arc"
	"github.com/coldpool/zfscore/pkg/blkptr"
	"github.com/coldpool/zfscore/pkg/checksum"
	"github.com/coldpool/zfscore/pkg/config"
	"github.com/coldpool/zfscore/pkg/ddt"
	"github.com/coldpool/zfscore/pkg/dmu"
	"github.com/coldpool/zfscore/pkg/dsl"
	"github.com/coldpool/zfscore/pkg/event"
	"github.com/coldpool/zfscore/pkg/metaslab"
	"github.com/coldpool/zfscore/pkg/vdev"
	"github.com/coldpool/zfscore/pkg/zil"
	"github.com/coldpool/zfscore/pkg/zio"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
)

// defaultBlockSize is the fixed per-object block size this pool uses; a
// real dataset would carry this as a per-object "recordsize" property,
// but every operation named in the scenarios (§8) fits in one block, so
// one constant stands in for that property here.
const defaultBlockSize = 256 * 1024

// dataClass is the allocation class every ordinary object write uses;
// the pool has exactly one top-level vdev in that class (§4's
// single-top-level-vdev-per-dataset model pkg/dmu's SyncContext already
// assumes).
const dataClass = "normal"

// Config carries everything Create/Open needs to stand up a pool: the
// already-constructed (but not yet opened) vdev tree, the label rings
// every txg commit writes an uberblock to, the raw region the root
// directory's block pointer is bootstrapped from, and the pool-wide
// policy (checksum, tunables, logging).
type Config struct {
	Name string

	Root  *vdev.Root
	Rings []*vdev.UberblockRing

	// RootDirBackend/RootDirOffset name the fixed, caller-known location
	// (akin to label placement: known at pool-configuration time, not
	// discovered from on-disk state) where the encoded block pointer to
	// the root directory object lives.
	RootDirBackend vdev.Backend
	RootDirOffset  int64

	// ZILBackend, if non-nil, gives the pool a per-pool intent log. A
	// real implementation keys one ZIL per dataset; this pool folds every
	// dataset into one (§9 "ambient global state" simplification already
	// used by pkg/dsl/pkg/dmu).
	ZILBackend zil.Backend

	MetaslabSize int64

	Dedup    bool
	DDT      *ddt.Table
	Checksum blkptr.Checksum

	Tunables config.Tunables
	Log      event.Logger
}

// Pool is one open storage pool: the vdev tree plus every component layer
// wired around it.
type Pool struct {
	mu sync.Mutex

	Name string
	GUID uint64

	root     *vdev.Root
	rings    []*vdev.UberblockRing
	dataVdev vdev.Vdev

	allocator *metaslab.Allocator
	arc       *arc.Cache
	ddt       *ddt.Table
	engine    *dsl.Engine
	zil       *zil.Log
	dmuCache  *dmu.Cache

	rootDirBackend vdev.Backend
	rootDirOffset  int64

	checksum blkptr.Checksum
	tunables config.Tunables
	log      event.Logger
	deadman  *event.Deadman

	objset dmu.ObjsetID
	dnodes map[uint64]*dmu.Dnode
	nextObject uint64

	throttle *Throttle

	dirty bool
}

// ErrNoSuchObject is returned by Read when the requested object has never
// been created.
var ErrNoSuchObject = pkgerrors.New("spa: no such object")

func buildPool(cfg Config) *Pool {
	p := &Pool{
		Name:           cfg.Name,
		GUID:           uuid.New().ID(),
		root:           cfg.Root,
		rings:          cfg.Rings,
		allocator:      metaslab.NewAllocator(),
		ddt:            cfg.DDT,
		dmuCache:       dmu.NewCache(),
		rootDirBackend: cfg.RootDirBackend,
		rootDirOffset:  cfg.RootDirOffset,
		checksum:       cfg.Checksum,
		tunables:       cfg.Tunables,
		log:            cfg.Log,
		dnodes:         make(map[uint64]*dmu.Dnode),
		nextObject:     1,
	}
	if p.checksum == 0 {
		p.checksum = blkptr.Checksum(checksum.Fletcher4)
	}
	arcMax := int64(cfg.Tunables.ArcMax)
	if arcMax == 0 {
		arcMax = 64 * 1024 * 1024
	}
	arcMin := int64(cfg.Tunables.ArcMin)
	if arcMin == 0 {
		arcMin = arcMax / 4
	}
	numSublists := cfg.Tunables.MultilistNumSublists
	if numSublists == 0 {
		numSublists = 4
	}
	p.arc = arc.NewCache(arcMin, arcMax, numSublists)
	p.throttle = NewThrottle(cfg.Tunables)

	ring, err := event.NewRing(64 * 1024)
	if err == nil {
		p.deadman = event.NewDeadman(
			time.Duration(cfg.Tunables.DeadmanSynctimeMs)*time.Millisecond,
			time.Duration(cfg.Tunables.DeadmanZiotimeMs)*time.Millisecond,
			deadmanMode(cfg.Tunables.FailMode),
			ring,
			cfg.Log,
		)
	}

	timeout := time.Duration(cfg.Tunables.TxgTimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	p.engine = dsl.NewEngine(dsl.Config{
		Root:    cfg.Root,
		Rings:   cfg.Rings,
		Version: 1,
		GUIDSum: uint64(p.GUID),
		Timeout: timeout,
		Deadman: p.deadman,
		Log:     cfg.Log,
	})

	if cfg.ZILBackend != nil {
		p.zil = zil.New(cfg.ZILBackend, zil.Header{}, cfg.Log)
		// The replay registry is process-wide (same shape as pkg/checksum's
		// provider table); a freshly opened pool takes over TxWrite replay
		// dispatch from whatever pool held it before, which is sufficient
		// for the one-pool-open-at-a-time scenarios this module tests.
		zil.Unregister(zil.TxWrite)
		zil.Register(zil.TxWrite, p.applyReplayedWrite)
	}

	p.registerSyncTasks()
	return p
}

// applyReplayedWrite is the TxWrite replay function: it applies a logged
// write directly to the in-memory dbuf cache, exactly as Write would, so
// the data is visible to Read before the next txg ever syncs (§8 scenario
// S5).
func (p *Pool) applyReplayedWrite(i zil.Itx) (zil.Result, error) {
	if err := p.Write(context.Background(), i.Object, int64(i.Offset), i.Data); err != nil {
		return zil.ReplayNoOp, err
	}
	return zil.ReplayOK, nil
}

func deadmanMode(fm config.FailMode) event.FailMode {
	switch fm {
	case config.FailContinue:
		return event.FailContinue
	case config.FailPanic:
		return event.FailPanic
	default:
		return event.FailWait
	}
}

// registerSyncTasks installs the fixed set of per-txg sync tasks every
// pool runs: flush dirty dbufs to the data vdev, pace the DDT's log into
// its store, and persist the root directory's updated block pointer
// before the uberblock commit reads it.
func (p *Pool) registerSyncTasks() {
	// dmu-sync and rootdir-persist run as one task, not two: runSyncTasks
	// runs every registered Sync concurrently (by design — independent
	// consumers shouldn't serialize on each other), but the root
	// directory's content is a snapshot of the very block pointers
	// dmu-sync just installed, so it must run strictly after, not
	// alongside, the object flush it depends on.
	p.engine.RegisterTask(&dsl.SyncTask{
		Name: "dmu-sync",
		Sync: func(ctx context.Context, txg uint64) error {
			if err := p.syncDirtyObjects(ctx, txg); err != nil {
				return err
			}
			return p.persistRootDirectory(ctx, txg)
		},
	})

	if p.ddt != nil {
		p.engine.RegisterTask(&dsl.SyncTask{
			Name: "ddt-flush",
			Sync: func(ctx context.Context, txg uint64) error {
				if err := p.ddt.SyncTxg(); err != nil {
					return err
				}
				_, err := p.ddt.FlushPaced(txg)
				return err
			},
		})
	}
}

// syncContext builds the zio wiring every synced dbuf's write shares this
// txg (§4's single data-vdev-per-sync-batch model).
func (p *Pool) syncContext() dmu.SyncContext {
	sc := dmu.SyncContext{
		Vd:        adaptVdev(p.dataVdev),
		Allocator: p.allocator,
		Class:     dataClass,
		Copies:    1,
		MinNDVAs:  1,
		Checksum:  p.checksum,
		Compress:  blkptr.Compression(0), // see DESIGN.md: compress left Off, zio's ReadPipeline has no decompress stage
	}
	if p.ddt != nil {
		sc.Deduper = p.ddt
	}
	return sc
}

// syncDirtyObjects walks every dnode's txg-dirty dbuf set and flushes it
// through pkg/dmu's leaves-first sync fan-out.
func (p *Pool) syncDirtyObjects(ctx context.Context, txg uint64) error {
	p.mu.Lock()
	dnodes := make([]*dmu.Dnode, 0, len(p.dnodes))
	for _, dn := range p.dnodes {
		dnodes = append(dnodes, dn)
	}
	p.mu.Unlock()

	sc := p.syncContext()
	for _, dn := range dnodes {
		dbufs := dn.DirtyDbufs(txg)
		if len(dbufs) == 0 {
			continue
		}
		if rz, ok := p.dataVdev.(*vdev.RaidZ); ok {
			if err := p.syncRaidZDbufs(ctx, rz, dbufs, txg); err != nil {
				return pkgerrors.Wrap(err, "spa: raidz object sync")
			}
			continue
		}
		if err := dmu.SyncList(ctx, dbufs, txg, sc); err != nil {
			return pkgerrors.Wrap(err, "spa: object sync")
		}
	}
	p.throttle.Reset()
	return nil
}

// Create stands up a brand-new pool over cfg.Root, opening the vdev tree,
// registering its single data-class top-level vdev with the allocator,
// and leaving txg 1 open for writes.
func Create(ctx context.Context, cfg Config) (*Pool, error) {
	if len(cfg.Root.TopLevel) == 0 {
		return nil, pkgerrors.New("spa: pool has no top-level vdev")
	}
	asize, ashift, err := cfg.Root.Open(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "spa: open vdev tree")
	}

	p := buildPool(cfg)
	p.dataVdev = cfg.Root.TopLevel[0]

	metaslabSize := cfg.MetaslabSize
	if metaslabSize == 0 {
		metaslabSize = 16 * 1024 * 1024
	}
	p.allocator.AddVdev(p.dataVdev.GUID(), dataClass, asize, ashift, metaslabSize)

	return p, nil
}

// Open reimports a previously created pool: it scans every label ring for
// the newest valid uberblock, reads the root directory's bootstrapped
// block pointer, and rebuilds every dnode from the directory's contents —
// the S1 "export/reimport" round trip (§8).
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	if len(cfg.Root.TopLevel) == 0 {
		return nil, pkgerrors.New("spa: pool has no top-level vdev")
	}
	asize, ashift, err := cfg.Root.Open(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "spa: open vdev tree")
	}

	p := buildPool(cfg)
	p.dataVdev = cfg.Root.TopLevel[0]

	metaslabSize := cfg.MetaslabSize
	if metaslabSize == 0 {
		metaslabSize = 16 * 1024 * 1024
	}
	p.allocator.AddVdev(p.dataVdev.GUID(), dataClass, asize, ashift, metaslabSize)

	if len(cfg.Rings) == 0 {
		return p, nil
	}
	var u *vdev.Uberblock
	for _, ring := range cfg.Rings {
		cand, _, err := ring.ScanLatest()
		if err != nil || cand == nil {
			continue
		}
		if cand.Newer(u) {
			u = cand
		}
	}
	if u == nil {
		// A brand-new set of labels with nothing committed yet: treat as
		// an empty pool, same as Create.
		return p, nil
	}

	if err := p.loadRootDirectory(ctx, u.RootBPOff); err != nil {
		return nil, pkgerrors.Wrap(err, "spa: load root directory")
	}

	if p.zil != nil {
		hdrBuf := make([]byte, zilHeaderSize)
		if _, err := cfg.RootDirBackend.ReadAt(hdrBuf, zilHeaderOffset(cfg.RootDirOffset)); err != nil && err != io.EOF {
			return nil, pkgerrors.Wrap(err, "spa: read zil header")
		}
		persisted := decodeZilHeader(hdrBuf)

		hdr, err := zil.Claim(cfg.ZILBackend, persisted, u.Txg+1, nil)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "spa: zil claim/replay")
		}
		// Claim's internal replay walk dispatches every surfaced itx through
		// the registered TxWrite function (applyReplayedWrite) as it goes,
		// so the crashed dataset's pending writes are already applied to
		// the in-memory dbuf cache by the time Claim returns (§8 scenario
		// S5).
		p.zil = zil.New(cfg.ZILBackend, hdr, cfg.Log)
	}

	return p, nil
}

// CreateObject allocates a fresh object id and its dnode, ready for
// Write/Read.
func (p *Pool) CreateObject(typ dmu.Type, blockSize int) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if blockSize == 0 {
		blockSize = defaultBlockSize
	}
	object := p.nextObject
	p.nextObject++
	p.dnodes[object] = dmu.NewDnode(object, typ, blockSize)
	return object
}

func (p *Pool) dnode(object uint64) (*dmu.Dnode, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dn, ok := p.dnodes[object]
	return dn, ok
}

// Write stages data at (object, offset) for the next txg to sync. Every
// scenario in §8 writes a given object's block exactly once before it is
// next read or synced; Write relies on that and returns an error if asked
// to overwrite an already-published block, rather than reimplementing
// dmu_buf_will_dirty's in-place-update path for a case no scenario needs.
func (p *Pool) Write(ctx context.Context, object uint64, offset int64, data []byte) error {
	dn, ok := p.dnode(object)
	if !ok {
		return ErrNoSuchObject
	}

	blkid := uint64(offset) / uint64(dn.BlockSize)
	db := p.dmuCache.FindOrCreate(p.objset, dn, 0, blkid, nil)
	if db.State() != dmu.StateUncached {
		return pkgerrors.New("spa: block already published, repeated writes to one block are not supported")
	}

	blockOff := int64(blkid) * int64(dn.BlockSize)
	within := offset - blockOff
	buf := make([]byte, within+int64(len(data)))
	copy(buf[within:], data)

	p.throttle.Account(int64(len(data)))
	p.mu.Lock()
	p.dirty = true
	p.mu.Unlock()

	if err := p.throttle.Delay(ctx); err != nil {
		return err
	}

	txg := p.engine.OpenTxg()
	p.engine.Hold(txg)
	defer p.engine.Release(txg)

	db.StartFill()
	db.WillDirty(txg)
	db.Publish(buf)

	return nil
}

// WriteSync behaves like Write but additionally journals the write to the
// ZIL and forces it durable before returning, satisfying an O_SYNC write
// (§8 scenario S5) without waiting for the owning txg to sync.
func (p *Pool) WriteSync(ctx context.Context, object uint64, offset int64, data []byte) error {
	if err := p.Write(ctx, object, offset, data); err != nil {
		return err
	}
	if p.zil == nil {
		return nil
	}
	txg := p.engine.OpenTxg()
	itx, err := p.zil.Write(zil.TxWrite, txg, object, uint64(offset), data)
	if err != nil {
		return err
	}
	if err := p.zil.Commit(ctx, itx.Seq); err != nil {
		return err
	}
	// The itx is now durable in the log's on-disk chain, but that's only
	// useful on a crash if the header recording where the chain starts is
	// durable too — persist it now rather than waiting for the next txg
	// sync, the same way the commit itself doesn't wait for one.
	if err := p.writeZilHeader(); err != nil {
		return pkgerrors.Wrap(err, "spa: persist zil header")
	}
	return p.rootDirBackend.Flush()
}

// Read returns length bytes starting at offset within object, serving
// from the in-memory dbuf cache when the block hasn't synced yet, the ARC
// when it has, or the vdev tree otherwise.
func (p *Pool) Read(ctx context.Context, object uint64, offset int64, length int) ([]byte, error) {
	dn, ok := p.dnode(object)
	if !ok {
		return nil, ErrNoSuchObject
	}

	blkid := uint64(offset) / uint64(dn.BlockSize)
	blockOff := int64(blkid) * int64(dn.BlockSize)
	within := int(offset - blockOff)

	if db, ok := p.dmuCache.Find(p.objset, object, 0, blkid); ok && db.State() == dmu.StateCached {
		data := db.Data()
		return sliceOrZero(data, within, length), nil
	}

	bp, ok := dn.BlockPointer(0, blkid)
	if !ok {
		return nil, pkgerrors.New("spa: no block pointer for requested range")
	}

	data, err := p.readBlock(ctx, bp)
	if err != nil {
		return nil, err
	}
	return sliceOrZero(data, within, length), nil
}

// EvictCache drops a block from the in-memory dbuf cache, forcing the
// next Read of it through the ARC/vdev path instead of serving straight
// from the dbuf — the moral equivalent of "primarycache=none" for one
// block, used to observe self-heal and reconstruction behavior on a pool
// that's still open rather than requiring a full export/reimport.
func (p *Pool) EvictCache(object uint64, blkid uint64) error {
	return p.dmuCache.Evict(p.objset, object, 0, blkid)
}

func sliceOrZero(data []byte, within, length int) []byte {
	out := make([]byte, length)
	if within >= len(data) {
		return out
	}
	end := within + length
	if end > len(data) {
		end = len(data)
	}
	copy(out, data[within:end])
	return out
}

// readBlock fetches bp's logical contents, checking the ARC first and
// special-casing the data vdev types whose read path zio can't drive
// directly (mirror self-heal, RAID-Z reconstruction).
func (p *Pool) readBlock(ctx context.Context, bp *blkptr.BP) ([]byte, error) {
	id := arc.Identity{SPA: uint64(p.GUID), DVA: bp.DVAs[0], Birth: bp.Birth}
	if data, ok := p.arc.Get(id); ok {
		return data, nil
	}

	var data []byte
	var err error
	switch dv := p.dataVdev.(type) {
	case *vdev.RaidZ:
		data, err = p.readRaidZ(ctx, dv, bp)
	case *vdev.Mirror:
		data, err = p.readMirror(ctx, dv, bp)
	default:
		data, err = p.readPlain(ctx, bp)
	}
	if err != nil {
		return nil, err
	}

	p.arc.Insert(id, data, false)
	return data, nil
}

// Sync forces one full txg cycle: quiesce the open txg, flush every dirty
// object, persist the root directory, and commit a new uberblock.
func (p *Pool) Sync(ctx context.Context) error {
	return p.engine.AdvanceOpen(ctx)
}

// Close flushes any unsynced txg and releases the vdev tree.
func (p *Pool) Close(ctx context.Context) error {
	if err := p.Sync(ctx); err != nil {
		return err
	}
	return p.root.Close(ctx)
}

// readPlain drives an ordinary (leaf or mirror-without-self-heal-needed)
// top-level vdev through the normal zio read pipeline.
func (p *Pool) readPlain(ctx context.Context, bp *blkptr.BP) ([]byte, error) {
	buf := make([]byte, bp.PSize)
	z := zio.New(zio.TypeRead, bp, buf)
	z.Vd = adaptVdev(p.dataVdev)
	z.Off = int64(bp.DVAs[0].Offset)
	z.Birth = bp.Birth
	if err := z.Wait(ctx); err != nil {
		return nil, err
	}
	return z.Data, nil
}
