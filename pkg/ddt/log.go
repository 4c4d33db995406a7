package ddt

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/beeker1121/goque"
)

// logEntry is one journaled DDT mutation: a key plus the phys value it
// should have after this entry is applied (refcount already adjusted).
type logEntry struct {
	Class Class
	Key   Key
	Phys  Phys
}

func encodeLogEntry(e logEntry) []byte {
	k := encodeKey(e.Class, e.Key)
	p := marshalPhys(e.Phys)
	var lens [8]byte
	binary.BigEndian.PutUint32(lens[0:4], uint32(len(k)))
	binary.BigEndian.PutUint32(lens[4:8], uint32(len(p)))
	buf := make([]byte, 0, 8+len(k)+len(p))
	buf = append(buf, lens[:]...)
	buf = append(buf, k...)
	buf = append(buf, p...)
	return buf
}

func decodeLogEntry(buf []byte) (rawKey []byte, p Phys) {
	if len(buf) < 8 {
		return nil, Phys{}
	}
	klen := binary.BigEndian.Uint32(buf[0:4])
	plen := binary.BigEndian.Uint32(buf[4:8])
	cursor := 8
	if cursor+int(klen)+int(plen) > len(buf) {
		return nil, Phys{}
	}
	rawKey = buf[cursor : cursor+int(klen)]
	p = unmarshalPhys(buf[cursor+int(klen) : cursor+int(klen)+int(plen)])
	return rawKey, p
}

// Log is the DDT's journal: two append-only banks, `active` absorbing new
// entries while `flushing` drains into the ZAP store on a pacing schedule
// (§4.5).
type Log struct {
	mu  sync.Mutex
	dir string

	active   *goque.Queue
	flushing *goque.Queue
}

// OpenLog opens (creating if necessary) the active and flushing banks
// under dir.
func OpenLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, err
	}
	active, err := goque.OpenQueue(filepath.Join(dir, "active"))
	if err != nil {
		return nil, err
	}
	flushing, err := goque.OpenQueue(filepath.Join(dir, "flushing"))
	if err != nil {
		active.Close()
		return nil, err
	}
	return &Log{dir: dir, active: active, flushing: flushing}, nil
}

// Close releases both banks' underlying queues.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err1 := l.active.Close()
	err2 := l.flushing.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Append journals e into the active bank.
func (l *Log) Append(e logEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.active.Enqueue(encodeLogEntry(e))
	return err
}

// Backlog reports the flushing bank's pending entry count, the input to
// the flush-pacing controller's backlog term.
func (l *Log) Backlog() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushing.Length()
}

// Rotate moves every entry currently in active into flushing, then leaves
// active empty for new writes — the active/flushing bank swap. Entries
// already queued in flushing from a prior, not-yet-drained rotation are
// preserved ahead of the newly rotated ones.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		item, err := l.active.Dequeue()
		if err != nil {
			if err == goque.ErrEmpty {
				break
			}
			return err
		}
		if _, err := l.flushing.Enqueue(item.Value); err != nil {
			return err
		}
	}
	return nil
}

// Drain pops up to max entries from the flushing bank, applying fn to
// each (the caller installs entries into the ZAP store); an error from fn
// stops the drain and leaves the remaining flushing entries in place.
func (l *Log) Drain(max int, fn func(rawKey []byte, p Phys) error) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for n < max {
		item, err := l.flushing.Dequeue()
		if err != nil {
			if err == goque.ErrEmpty {
				break
			}
			return n, err
		}
		rawKey, p := decodeLogEntry(item.Value)
		if err := fn(rawKey, p); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
