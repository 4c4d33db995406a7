package arc

import "sync"

// L2Device is a dedicated cache device: a log-structured append target
// written by the L2ARC feeder and consulted on a main-cache miss.
type L2Device interface {
	Write(key string, data []byte) error
	Read(key string) ([]byte, bool, error)
}

// Feeder scans the ARC's evicted tail and writes eligible buffers to an
// L2Device in a rolling window bounded by writeMax+writeBoost bytes per
// feed cycle (§4.4).
type Feeder struct {
	cache *Cache
	dev   L2Device

	writeMax, writeBoost int64

	mu      sync.Mutex
	tracked map[string]int64 // key -> size, rebuilt from persisted L2 headers on import
}

// NewFeeder builds a feeder writing to dev, bounded to writeMax+writeBoost
// bytes per Feed call.
func NewFeeder(cache *Cache, dev L2Device, writeMax, writeBoost int64) *Feeder {
	return &Feeder{
		cache:    cache,
		dev:      dev,
		writeMax: writeMax, writeBoost: writeBoost,
		tracked: make(map[string]int64),
	}
}

// Feed evicts buffers from the ARC's MFU data tail (falling back to the
// MRU data tail once MFU is empty) until either the per-cycle write budget
// is spent or both lists are empty, persisting each evicted buffer to the
// L2 device and marking its header L2C_ONLY so a subsequent read can still
// be served from L2 without re-reading the vdev. It does not consult the
// cache's target size.
func (f *Feeder) Feed() error {
	budget := f.writeMax + f.writeBoost

	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()

	for budget > 0 {
		key, ok := f.cache.mfuData.evictTail()
		if !ok {
			key, ok = f.cache.mruData.evictTail()
			if !ok {
				break
			}
		}
		h, ok := f.cache.byKey[key]
		if !ok || h.data == nil {
			continue
		}
		if err := f.dev.Write(key, h.data); err != nil {
			return err
		}
		budget -= int64(len(h.data))

		f.mu.Lock()
		f.tracked[key] = int64(len(h.data))
		f.mu.Unlock()

		h.data = nil
		h.state = StateL2Only
	}
	return nil
}

// Read serves a read from L2 if the key was tracked, for callers that
// miss the in-memory ARC but want to try L2 before going to the vdev.
func (f *Feeder) Read(key string) ([]byte, bool, error) {
	f.mu.Lock()
	_, tracked := f.tracked[key]
	f.mu.Unlock()
	if !tracked {
		return nil, false, nil
	}
	return f.dev.Read(key)
}

// RebuildFromHeaders repopulates the in-memory hash from persisted L2
// headers on import, without re-reading any payload bytes.
func (f *Feeder) RebuildFromHeaders(headers map[string]int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, size := range headers {
		f.tracked[k] = size
	}
}
