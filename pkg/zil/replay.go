package zil

import (
	"fmt"
	"sync"
)

// Result names what a replay function reported for one itx (§4.9 "replay
// returns success, \"no-op\", or a retryable error").
type Result int

const (
	ReplayOK Result = iota
	ReplayNoOp
)

// ReplayFunc applies one itx's effect to whatever backing store owns the
// dataset's object namespace (pkg/dmu in this module). A retryable error
// is returned as an ordinary error; ReplayNoOp signals the operation was
// already applied (e.g. a create whose target already exists with the
// same generation) and should not be treated as a failure.
type ReplayFunc func(Itx) (Result, error)

var (
	mu        sync.RWMutex
	replayers = make(map[TxType]ReplayFunc)
)

// Register installs the replay function for a transaction type. As with
// pkg/checksum's provider table, a duplicate registration indicates a
// broken init order and is fatal.
func Register(t TxType, fn ReplayFunc) {
	mu.Lock()
	defer mu.Unlock()
	bare := t.Bare()
	if _, exists := replayers[bare]; exists {
		panic(fmt.Sprintf("zil: refusing to register replay function for %s: already registered", bare))
	}
	replayers[bare] = fn
}

// Unregister removes a previously registered replay function; tests use
// this to install a fake and restore the registry afterward.
func Unregister(t TxType) {
	mu.Lock()
	defer mu.Unlock()
	delete(replayers, t.Bare())
}

// Lookup returns the replay function registered for t, with the CI flag
// bit stripped before the lookup (§4.9).
func Lookup(t TxType) (ReplayFunc, error) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := replayers[t.Bare()]
	if !ok {
		return nil, fmt.Errorf("zil: no replay function registered for %s", t.Bare())
	}
	return fn, nil
}

// dispatch runs the registered replay function for i.TxType, or returns an
// error if none is registered.
func dispatch(i Itx) (Result, error) {
	fn, err := Lookup(i.TxType)
	if err != nil {
		return ReplayNoOp, err
	}
	return fn(i)
}
