// Package crypto implements a KCF-style cryptographic provider registry for
// per-block AEAD encryption: providers register under a mechanism name and
// are looked up by the block pointer's crypt field.
package crypto

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"sync"
)

// Mechanism names recognized by the registry, mirroring blkptr.Crypt values.
const (
	AESCCM           = "aes-ccm"
	AESGCM           = "aes-gcm"
	ChaCha20Poly1305 = "chacha20-poly1305"
)

// CtxTemplate caches an expanded key schedule so repeated encrypt/decrypt
// calls under the same key avoid re-deriving it.
type CtxTemplate interface{}

// Provider is a registered AEAD mechanism.
type Provider interface {
	// EncryptAtomic seals plaintext with key, returning ciphertext and a MAC.
	EncryptAtomic(key, nonce, plaintext, aad []byte, tmpl CtxTemplate) (ciphertext, mac []byte, err error)
	// DecryptAtomic opens ciphertext+mac with key, returning plaintext or an
	// authentication error.
	DecryptAtomic(key, nonce, ciphertext, mac, aad []byte, tmpl CtxTemplate) (plaintext []byte, err error)
	// CreateCtxTemplate optionally builds a reusable key schedule. Providers
	// that don't benefit from caching may return nil.
	CreateCtxTemplate(key []byte) (CtxTemplate, error)
	// NonceSize reports the mechanism's expected nonce length in bytes.
	NonceSize() int
	// Overhead reports the MAC length in bytes appended to ciphertext.
	Overhead() int
}

var (
	mu        sync.RWMutex
	providers = make(map[string]Provider)
)

// Register installs a Provider under a mechanism name. Registration
// failures are fatal to the module that depends on them.
func Register(name string, p Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := providers[name]; exists {
		panic(fmt.Sprintf("crypto: refusing to register %q: already registered", name))
	}
	providers[name] = p
}

// Lookup returns the provider registered under name.
func Lookup(name string) (Provider, error) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("crypto: no provider registered for %q", name)
	}
	return p, nil
}

func init() {
	Register(AESGCM, newAESGCM())
	Register(AESCCM, newAESCCM())
	Register(ChaCha20Poly1305, newChaCha20Poly1305())
}

// ErrAuthFailure is returned by DecryptAtomic when the MAC does not verify.
// Per the error taxonomy, authentication failure is fatal for the object
// being decrypted and must surface upward without retry.
type ErrAuthFailure struct {
	Mechanism string
}

func (e *ErrAuthFailure) Error() string {
	return fmt.Sprintf("crypto: authentication failed for mechanism %q", e.Mechanism)
}
