package crypto

import (
	"io"

	"lime/internal/domain"
)

// KeyPair holds a private/public key pair as raw bytes.
type KeyPair struct {
	Priv []byte
	Pub  []byte
}

// Curve is the capability a deployment curve must provide: DSA signing, ECDH
// key exchange, and the conversion from the long-term DSA identity to its X
// form. Two instantiations exist, C25519 and C448.
type Curve interface {
	ID() domain.CurveID

	// ECDH sizes. Scalar and share sizes are equal on both curves.
	DHPublicSize() int
	DHSecretSize() int
	DHSharedSize() int

	// DSA sizes.
	DSAPublicSize() int
	SignatureSize() int

	GenerateDSA(rng io.Reader) (KeyPair, error)
	Sign(priv, msg []byte) ([]byte, error)
	Verify(pub, msg, sig []byte) bool

	GenerateDH(rng io.Reader) (KeyPair, error)
	DH(priv, peerPub []byte) ([]byte, error)

	// DSAToDHSecret converts a DSA private key to the matching ECDH secret
	// scalar; DSAToDHPublic maps a DSA public key onto the Montgomery curve.
	// Two parties converting independently agree on the ECDH shared secret.
	DSAToDHSecret(priv []byte) ([]byte, error)
	DSAToDHPublic(pub []byte) ([]byte, error)
}

// ByID returns the curve implementation for id.
func ByID(id domain.CurveID) (Curve, error) {
	switch id {
	case domain.CurveC25519:
		return c25519{}, nil
	case domain.CurveC448:
		return c448{}, nil
	}
	return nil, domain.Errf(domain.KindArgument, "unknown curve id 0x%02x", uint8(id))
}
