package crypto

import (
	"crypto/aes"
	"crypto/cipher"

	"lime/internal/domain"
)

const (
	// AEADKeySize is the AES-256 key length.
	AEADKeySize = 32
	// AEADIVSize is the GCM nonce length.
	AEADIVSize = 12
	// AEADTagSize is the GCM authentication tag length.
	AEADTagSize = 16
)

// AEADEncrypt seals plain with AES-256-GCM and returns ciphertext and tag
// separately.
func AEADEncrypt(key, iv, plain, aad []byte) (ct, tag []byte, err error) {
	gcm, err := newGCM(key, iv)
	if err != nil {
		return nil, nil, err
	}
	sealed := gcm.Seal(nil, iv, plain, aad)
	return sealed[:len(sealed)-AEADTagSize], sealed[len(sealed)-AEADTagSize:], nil
}

// AEADDecrypt opens ct||tag. The boolean reports tag verification; plain is
// nil whenever it is false.
func AEADDecrypt(key, iv, ct, tag, aad []byte) ([]byte, bool) {
	gcm, err := newGCM(key, iv)
	if err != nil {
		return nil, false
	}
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plain, err := gcm.Open(make([]byte, 0, len(ct)), iv, sealed, aad)
	if err != nil {
		return nil, false
	}
	return plain, true
}

func newGCM(key, iv []byte) (cipher.AEAD, error) {
	if len(key) != AEADKeySize {
		return nil, domain.Errf(domain.KindArgument, "aead key is %d bytes", len(key))
	}
	if len(iv) != AEADIVSize {
		return nil, domain.Errf(domain.KindArgument, "aead iv is %d bytes", len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, domain.Errf(domain.KindCrypto, "aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, domain.Errf(domain.KindCrypto, "gcm: %w", err)
	}
	return gcm, nil
}
