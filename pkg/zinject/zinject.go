// Package zinject implements the operator-facing fault injection surface
// (§6.6): named injection records that target either a device (by GUID
// or name) or an object range (by dataset path or raw
// objset:object:level:blkid bookmark), each carrying a fault Type
// (DEVICE_FAULT, DELAY_IO, LABEL_FAULT, with sub-range chosen by label
// section name). The registry is consulted by this package's Injector
// wrapper, which sits in the vdev tree the same way a mirror or raidz
// vdev does, so a faulted pool behaves exactly as it would against real
// hardware.
package zinject

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/coldpool/zfscore/pkg/vdev"
)

// Type names the fault kinds §6.6 enumerates.
type Type string

const (
	TypeDeviceFault Type = "DEVICE_FAULT"
	TypeDelayIO     Type = "DELAY_IO"
	TypeLabelFault  Type = "LABEL_FAULT"
)

// Bookmark identifies one block the way pkg/dmu's dbuf cache keys a
// dbuf: objset, object, indirection level, and block id.
type Bookmark struct {
	Objset uint64
	Object uint64
	Level  int
	BlkID  uint64
}

func (b Bookmark) String() string {
	return fmt.Sprintf("%d:%d:%d:%d", b.Objset, b.Object, b.Level, b.BlkID)
}

// ParseBookmark parses the raw hexadecimal "objset:object:level:blkid"
// form §6.6 names as the direct-addressing alternative to a dataset path.
func ParseBookmark(s string) (Bookmark, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return Bookmark{}, fmt.Errorf("zinject: bookmark %q: want objset:object:level:blkid", s)
	}
	vals := make([]uint64, 4)
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 64)
		if err != nil {
			return Bookmark{}, fmt.Errorf("zinject: bookmark %q: field %d: %w", s, i, err)
		}
		vals[i] = v
	}
	return Bookmark{Objset: vals[0], Object: vals[1], Level: int(vals[2]), BlkID: vals[3]}, nil
}

// MountTable resolves a "pool/ds/path" string to the bookmark backing it,
// the way the live mount table + file inode lookup does in a real
// deployment. The CLI and tests supply a trivial map-backed
// implementation; nothing in this package assumes how it's populated.
type MountTable interface {
	Resolve(path string) (Bookmark, bool)
}

// MapMountTable is the simplest MountTable: a fixed path-to-bookmark map,
// sufficient for the fault-injection scenarios this module tests without
// a real dataset namespace.
type MapMountTable map[string]Bookmark

func (m MapMountTable) Resolve(path string) (Bookmark, bool) {
	b, ok := m[path]
	return b, ok
}

// Record is one active injection.
type Record struct {
	ID   uint64
	Type Type

	// Device targeting (DEVICE_FAULT, DELAY_IO, LABEL_FAULT).
	VdevGUID uint64
	VdevName string
	Section  vdev.LabelSectionName // LABEL_FAULT only; empty means whole device

	// Object targeting (DEVICE_FAULT reused against a data range, the
	// same way the source's "object errors" work): a path pattern, a
	// fixed bookmark, or both absent meaning "any I/O to this device".
	PathPattern string
	pattern     glob.Glob
	Bookmark    *Bookmark

	// DELAY_IO parameters.
	Delay time.Duration

	// Freq makes the fault probabilistic/periodic: 0 means every
	// matching I/O, N>0 means every Nth matching I/O (source's
	// "zi_freq" field).
	Freq uint32

	hits uint64
}

// matchesBookmark reports whether bm falls within rec's object target.
// A Record with neither a Bookmark nor a PathPattern matches any object
// (pure device-wide fault).
func (rec *Record) matchesBookmark(bm Bookmark, path string) bool {
	if rec.Bookmark != nil {
		return *rec.Bookmark == bm
	}
	if rec.pattern != nil {
		return rec.pattern.Match(path)
	}
	return true
}

// matchesVdev reports whether rec targets the given vdev, by GUID or by
// name (GUID takes precedence when both are set, per §6.6's "by vdev GUID
// or device name").
func (rec *Record) matchesVdev(guid uint64, name string) bool {
	if rec.VdevGUID != 0 {
		return rec.VdevGUID == guid
	}
	if rec.VdevName != "" {
		return rec.VdevName == name
	}
	return false
}

// shouldFire applies the Freq pacing: every Nth match fires, matching the
// source's zi_freq semantics (Freq==0 always fires).
func (rec *Record) shouldFire() bool {
	rec.hits++
	if rec.Freq == 0 {
		return true
	}
	return rec.hits%uint64(rec.Freq) == 0
}

// Registry holds the active set of injections for one pool.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]*Record
	mounts MountTable
}

// NewRegistry builds an empty registry. mounts may be nil if only raw
// bookmarks and device-level faults are used.
func NewRegistry(mounts MountTable) *Registry {
	return &Registry{byID: make(map[uint64]*Record), mounts: mounts}
}

// Resolve turns a "pool/ds/path" string or a raw "objset:object:level:
// blkid" hex bookmark into a Bookmark, per §6.6.
func (r *Registry) Resolve(target string) (Bookmark, error) {
	if strings.Contains(target, ":") {
		return ParseBookmark(target)
	}
	if r.mounts == nil {
		return Bookmark{}, fmt.Errorf("zinject: no mount table configured to resolve %q", target)
	}
	bm, ok := r.mounts.Resolve(target)
	if !ok {
		return Bookmark{}, fmt.Errorf("zinject: path %q not found in mount table", target)
	}
	return bm, nil
}

// Add registers rec, assigning it an ID and compiling its path pattern if
// present. Returns the assigned ID.
func (r *Registry) Add(rec Record) (uint64, error) {
	if rec.PathPattern != "" {
		g, err := glob.Compile(rec.PathPattern, '/')
		if err != nil {
			return 0, fmt.Errorf("zinject: bad path pattern %q: %w", rec.PathPattern, err)
		}
		rec.pattern = g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	rec.ID = r.nextID
	cp := rec
	r.byID[rec.ID] = &cp
	return rec.ID, nil
}

// Remove drops an injection by ID, reporting whether it existed.
func (r *Registry) Remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	return true
}

// Clear drops every active injection.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[uint64]*Record)
}

// List returns a stable-ordered snapshot of every active injection.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.byID))
	for id := uint64(1); id <= r.nextID; id++ {
		if rec, ok := r.byID[id]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// CheckDevice reports whether a device-targeted fault (DEVICE_FAULT or
// DELAY_IO, not a label-section fault) matches the given vdev/path for
// this I/O, and if so, what to do about it.
func (r *Registry) CheckDevice(guid uint64, name string, bm *Bookmark, path string) (fail bool, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.byID {
		if rec.Type == TypeLabelFault {
			continue
		}
		if !rec.matchesVdev(guid, name) {
			continue
		}
		var b Bookmark
		if bm != nil {
			b = *bm
		}
		if !rec.matchesBookmark(b, path) {
			continue
		}
		if !rec.shouldFire() {
			continue
		}
		switch rec.Type {
		case TypeDeviceFault:
			return true, 0
		case TypeDelayIO:
			if rec.Delay > delay {
				delay = rec.Delay
			}
		}
	}
	return false, delay
}

// CheckLabel reports whether a LABEL_FAULT matches an I/O against the
// named label section of the given vdev.
func (r *Registry) CheckLabel(guid uint64, name string, section vdev.LabelSectionName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.byID {
		if rec.Type != TypeLabelFault {
			continue
		}
		if !rec.matchesVdev(guid, name) {
			continue
		}
		if rec.Section != "" && rec.Section != section {
			continue
		}
		if rec.shouldFire() {
			return true
		}
	}
	return false
}
