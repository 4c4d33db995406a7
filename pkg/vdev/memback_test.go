package vdev

// memBackend is an in-memory Backend for tests, avoiding any filesystem
// dependency for leaf/mirror/raidz exercises.
type memBackend struct {
	data []byte
}

func newMemBackend(size int64) *memBackend {
	return &memBackend{data: make([]byte, size)}
}

func (m *memBackend) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memBackend) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[off:end], p), nil
}

func (m *memBackend) Flush() error { return nil }
func (m *memBackend) Close() error { return nil }
