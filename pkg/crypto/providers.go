package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// aesCtx caches an expanded AES key schedule, avoiding repeated key
// expansion for every block encrypted/decrypted under the same DEK.
type aesCtx struct {
	block cipher.Block
}

type aesGCMProvider struct{}

func newAESGCM() Provider { return aesGCMProvider{} }

func (aesGCMProvider) CreateCtxTemplate(key []byte) (CtxTemplate, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &aesCtx{block: block}, nil
}

func (p aesGCMProvider) blockFor(key []byte, tmpl CtxTemplate) (cipher.Block, error) {
	if c, ok := tmpl.(*aesCtx); ok && c != nil {
		return c.block, nil
	}
	return aes.NewCipher(key)
}

func (p aesGCMProvider) EncryptAtomic(key, nonce, plaintext, aad []byte, tmpl CtxTemplate) ([]byte, []byte, error) {
	block, err := p.blockFor(key, tmpl)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	ct := sealed[:len(sealed)-gcm.Overhead()]
	mac := sealed[len(sealed)-gcm.Overhead():]
	return ct, mac, nil
}

func (p aesGCMProvider) DecryptAtomic(key, nonce, ciphertext, mac, aad []byte, tmpl CtxTemplate) ([]byte, error) {
	block, err := p.blockFor(key, tmpl)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte{}, ciphertext...), mac...)
	pt, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, &ErrAuthFailure{Mechanism: AESGCM}
	}
	return pt, nil
}

func (aesGCMProvider) NonceSize() int { return 12 }
func (aesGCMProvider) Overhead() int  { return 16 }

// aesCCMProvider implements AES-CCM (RFC 3610) with a fixed 16-byte MAC and
// 12-byte nonce, matching the pool's historical default.
type aesCCMProvider struct{}

func newAESCCM() Provider { return aesCCMProvider{} }

const ccmTagSize = 16
const ccmNonceSize = 12

func (aesCCMProvider) CreateCtxTemplate(key []byte) (CtxTemplate, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &aesCtx{block: block}, nil
}

func (p aesCCMProvider) blockFor(key []byte, tmpl CtxTemplate) (cipher.Block, error) {
	if c, ok := tmpl.(*aesCtx); ok && c != nil {
		return c.block, nil
	}
	return aes.NewCipher(key)
}

// ccmLMinus1 is L-1 for a 12-byte nonce: 15 = nonceLen + L, so L = 3.
const ccmLMinus1 = 2

// ccmCounterIV builds the CTR-mode counter block per RFC 3610's A_i
// construction: flags byte L-1, the nonce, then a big-endian counter filling
// the remaining L=3 bytes. ctr=0 encrypts the MAC; ctr>=1 encrypts payload
// blocks.
func ccmCounterIV(nonce []byte, ctr uint32) []byte {
	iv := make([]byte, 16)
	iv[0] = ccmLMinus1
	copy(iv[1:13], nonce)
	iv[13] = byte(ctr >> 16)
	iv[14] = byte(ctr >> 8)
	iv[15] = byte(ctr)
	return iv
}

func ccmB0(nonce []byte, aadLen, plainLen int) []byte {
	b0 := make([]byte, 16)
	flags := byte(ccmLMinus1)
	if aadLen > 0 {
		flags |= 0x40
	}
	flags |= byte(((ccmTagSize - 2) / 2) << 3)
	b0[0] = flags
	copy(b0[1:13], nonce)
	b0[13] = byte(plainLen >> 16)
	b0[14] = byte(plainLen >> 8)
	b0[15] = byte(plainLen)
	return b0
}

func ccmCBCMAC(block cipher.Block, nonce, aad, plaintext []byte) []byte {
	mac := make([]byte, 16)

	b0 := ccmB0(nonce, len(aad), len(plaintext))
	block.Encrypt(mac, b0)

	if len(aad) > 0 {
		aadBlock := encodeAADLen(aad)
		blocks := padTo16(aadBlock)
		for i := 0; i < len(blocks); i += 16 {
			chunk := xorInto(mac, blocks[i:i+16])
			block.Encrypt(mac, chunk)
		}
	}

	ptBlocks := padTo16(plaintext)
	for i := 0; i < len(ptBlocks); i += 16 {
		chunk := xorInto(mac, ptBlocks[i:i+16])
		block.Encrypt(mac, chunk)
	}

	return mac[:ccmTagSize]
}

func encodeAADLen(aad []byte) []byte {
	var prefix []byte
	if len(aad) < 0xFF00 {
		prefix = []byte{byte(len(aad) >> 8), byte(len(aad))}
	} else {
		prefix = []byte{0xFF, 0xFE, byte(len(aad) >> 24), byte(len(aad) >> 16), byte(len(aad) >> 8), byte(len(aad))}
	}
	return append(prefix, aad...)
}

func padTo16(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	n := (len(b) + 15) / 16 * 16
	out := make([]byte, n)
	copy(out, b)
	return out
}

func xorInto(dst, src []byte) []byte {
	out := make([]byte, 16)
	for i := 0; i < 16; i++ {
		out[i] = dst[i] ^ src[i]
	}
	return out
}

func ccmKeystreamXOR(block cipher.Block, nonce []byte, ctr uint32, data []byte) []byte {
	out := make([]byte, len(data))
	stream := cipher.NewCTR(block, ccmCounterIV(nonce, ctr))
	stream.XORKeyStream(out, data)
	return out
}

func (p aesCCMProvider) EncryptAtomic(key, nonce, plaintext, aad []byte, tmpl CtxTemplate) ([]byte, []byte, error) {
	if len(nonce) != ccmNonceSize {
		return nil, nil, fmt.Errorf("crypto: aes-ccm requires a %d-byte nonce", ccmNonceSize)
	}
	block, err := p.blockFor(key, tmpl)
	if err != nil {
		return nil, nil, err
	}
	mac := ccmCBCMAC(block, nonce, aad, plaintext)
	macMasked := ccmKeystreamXOR(block, nonce, 0, mac)
	ct := ccmKeystreamXOR(block, nonce, 1, plaintext)
	return ct, macMasked, nil
}

func (p aesCCMProvider) DecryptAtomic(key, nonce, ciphertext, mac, aad []byte, tmpl CtxTemplate) ([]byte, error) {
	if len(nonce) != ccmNonceSize {
		return nil, fmt.Errorf("crypto: aes-ccm requires a %d-byte nonce", ccmNonceSize)
	}
	block, err := p.blockFor(key, tmpl)
	if err != nil {
		return nil, err
	}
	pt := ccmKeystreamXOR(block, nonce, 1, ciphertext)
	expectedMacMasked := ccmKeystreamXOR(block, nonce, 0, ccmCBCMAC(block, nonce, aad, pt))
	if !constantTimeEqual(expectedMacMasked, mac) {
		return nil, &ErrAuthFailure{Mechanism: AESCCM}
	}
	return pt, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

func (aesCCMProvider) NonceSize() int { return ccmNonceSize }
func (aesCCMProvider) Overhead() int  { return ccmTagSize }

// chacha20Poly1305Provider wraps golang.org/x/crypto/chacha20poly1305 as the
// alternate AEAD mentioned in §4.6.
type chacha20Poly1305Provider struct{}

func newChaCha20Poly1305() Provider { return chacha20Poly1305Provider{} }

func (chacha20Poly1305Provider) CreateCtxTemplate(key []byte) (CtxTemplate, error) {
	return nil, nil
}

func (chacha20Poly1305Provider) EncryptAtomic(key, nonce, plaintext, aad []byte, tmpl CtxTemplate) ([]byte, []byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, aad)
	ct := sealed[:len(sealed)-aead.Overhead()]
	mac := sealed[len(sealed)-aead.Overhead():]
	return ct, mac, nil
}

func (chacha20Poly1305Provider) DecryptAtomic(key, nonce, ciphertext, mac, aad []byte, tmpl CtxTemplate) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte{}, ciphertext...), mac...)
	pt, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, &ErrAuthFailure{Mechanism: ChaCha20Poly1305}
	}
	return pt, nil
}

func (chacha20Poly1305Provider) NonceSize() int { return chacha20poly1305.NonceSize }
func (chacha20Poly1305Provider) Overhead() int  { return 16 }
