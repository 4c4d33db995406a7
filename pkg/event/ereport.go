package event

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/armon/circbuf"
)

// Class names the ereport classes named in spec §7's error taxonomy.
type Class string

const (
	ClassChecksum   Class = "zfs.fs.zpool.checksum"
	ClassIO         Class = "zfs.fs.zpool.io"
	ClassIOFailure  Class = "zfs.fs.zpool.io_failure"
	ClassAuth       Class = "zfs.fs.zpool.authentication"
	ClassBadLabel   Class = "zfs.fs.zpool.bad_label"
	ClassNoReplicas Class = "zfs.fs.zpool.no_replicas"
	ClassCorrupt    Class = "zfs.fs.zpool.corrupt_data"
	ClassProbeFail  Class = "zfs.fs.zpool.probe_failure"
)

// Ereport is a single terminal-error record, the unit "zpool events"-style
// consumers drain.
type Ereport struct {
	Class   Class             `json:"class"`
	Time    time.Time         `json:"time"`
	VdevID  string            `json:"vdev_id,omitempty"`
	Detail  map[string]string `json:"detail,omitempty"`
}

// Ring is a bounded ereport buffer backed by a fixed-capacity circular
// byte buffer, so a storm of errors cannot grow memory unboundedly.
// Each record is newline-delimited JSON; the oldest records are
// silently dropped once the buffer wraps, matching circbuf's semantics.
type Ring struct {
	mu  sync.Mutex
	buf *circbuf.Buffer
}

// NewRing builds a ring with the given byte capacity.
func NewRing(capacity int64) (*Ring, error) {
	buf, err := circbuf.NewBuffer(capacity)
	if err != nil {
		return nil, err
	}
	return &Ring{buf: buf}, nil
}

// Post appends an ereport to the ring.
func (r *Ring) Post(e Ereport) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.buf.Write(data); err != nil {
		return err
	}
	_, err = r.buf.Write([]byte{'\n'})
	return err
}

// Bytes returns the raw buffered contents; callers parse newline-delimited
// JSON records from it. Older records may be truncated from the front if
// the ring has wrapped.
func (r *Ring) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.buf.Bytes()...)
}

// TotalWritten reports the total bytes ever written, including bytes that
// have since been evicted by wraparound.
func (r *Ring) TotalWritten() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.TotalWritten()
}
