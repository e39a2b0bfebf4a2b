package crypto

import (
	"crypto/hmac"
	"crypto/sha512"
	"io"

	"golang.org/x/crypto/hkdf"

	"lime/internal/domain"
)

// HKDFMaxOutput is the largest expansion any library call site requests; a
// single SHA-512 block covers all of them.
const HKDFMaxOutput = 64

// HKDFSHA512 runs RFC 5869 extract-and-expand with SHA-512.
func HKDFSHA512(salt, ikm, info []byte, length int) ([]byte, error) {
	if length <= 0 {
		return nil, domain.Errf(domain.KindArgument, "hkdf output length %d", length)
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha512.New, ikm, salt, info), out); err != nil {
		return nil, domain.Errf(domain.KindCrypto, "hkdf: %w", err)
	}
	return out, nil
}

// HMACSHA512 returns the 64-byte MAC of msg under key.
func HMACSHA512(key, msg []byte) []byte {
	h := hmac.New(sha512.New, key)
	h.Write(msg)
	return h.Sum(nil)
}
