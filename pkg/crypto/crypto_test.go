package crypto

import (
	"bytes"
	"testing"
)

func testMechanism(t *testing.T, name string, keyLen int) {
	t.Helper()
	p, err := Lookup(name)
	if err != nil {
		t.Fatal(err)
	}

	key := make([]byte, keyLen)
	for i := range key {
		key[i] = byte(i)
	}
	nonce := make([]byte, p.NonceSize())
	for i := range nonce {
		nonce[i] = byte(0xA0 + i)
	}
	plaintext := []byte("per-block AEAD payload, several blocks long for good measure")
	aad := []byte("objset:object:level:blkid")

	tmpl, err := p.CreateCtxTemplate(key)
	if err != nil {
		t.Fatal(err)
	}

	ct, mac, err := p.EncryptAtomic(key, nonce, plaintext, aad, tmpl)
	if err != nil {
		t.Fatal(err)
	}
	if len(mac) != p.Overhead() {
		t.Fatalf("mac length %d != overhead %d", len(mac), p.Overhead())
	}

	pt, err := p.DecryptAtomic(key, nonce, ct, mac, aad, tmpl)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", pt, plaintext)
	}

	// tamper with the ciphertext: decryption must fail closed.
	tampered := bytes.Clone(ct)
	tampered[0] ^= 0xFF
	if _, err := p.DecryptAtomic(key, nonce, tampered, mac, aad, tmpl); err == nil {
		t.Fatal("expected authentication failure for tampered ciphertext")
	}

	// tamper with the AAD: decryption must fail closed.
	tamperedAAD := bytes.Clone(aad)
	tamperedAAD[0] ^= 0xFF
	if _, err := p.DecryptAtomic(key, nonce, ct, mac, tamperedAAD, tmpl); err == nil {
		t.Fatal("expected authentication failure for tampered aad")
	}
}

func TestAESGCM(t *testing.T) {
	testMechanism(t, AESGCM, 32)
}

func TestAESCCM(t *testing.T) {
	testMechanism(t, AESCCM, 32)
}

func TestChaCha20Poly1305(t *testing.T) {
	testMechanism(t, ChaCha20Poly1305, 32)
}

func TestLookupUnknownMechanism(t *testing.T) {
	if _, err := Lookup("rot13"); err == nil {
		t.Fatal("expected error for unregistered mechanism")
	}
}
