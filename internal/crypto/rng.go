package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"lime/internal/domain"
)

// DefaultRNG is the process-wide entropy source, seeded by the OS.
var DefaultRNG io.Reader = rand.Reader

// RandomBytes reads n bytes from rng.
func RandomBytes(rng io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rng, b); err != nil {
		return nil, domain.Errf(domain.KindCrypto, "rng: %w", err)
	}
	return b, nil
}

// RandomID returns a non-zero uint32, used for SPk and OPk identifiers.
func RandomID(rng io.Reader) (uint32, error) {
	var b [4]byte
	for {
		if _, err := io.ReadFull(rng, b[:]); err != nil {
			return 0, domain.Errf(domain.KindCrypto, "rng: %w", err)
		}
		if id := binary.BigEndian.Uint32(b[:]); id != 0 {
			return id, nil
		}
	}
}
