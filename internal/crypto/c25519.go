package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"

	"lime/internal/domain"
	"lime/internal/util/memzero"
)

// c25519 instantiates the curve capability with X25519 and Ed25519.
type c25519 struct{}

func (c25519) ID() domain.CurveID { return domain.CurveC25519 }

func (c25519) DHPublicSize() int  { return curve25519.PointSize }
func (c25519) DHSecretSize() int  { return curve25519.ScalarSize }
func (c25519) DHSharedSize() int  { return curve25519.PointSize }
func (c25519) DSAPublicSize() int { return ed25519.PublicKeySize }
func (c25519) SignatureSize() int { return ed25519.SignatureSize }

func (c25519) GenerateDSA(rng io.Reader) (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rng)
	if err != nil {
		return KeyPair{}, domain.Errf(domain.KindCrypto, "ed25519 keygen: %w", err)
	}
	return KeyPair{Priv: priv, Pub: pub}, nil
}

func (c25519) Sign(priv, msg []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, domain.Errf(domain.KindArgument, "ed25519 private key is %d bytes", len(priv))
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), msg), nil
}

func (c25519) Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

func (c25519) GenerateDH(rng io.Reader) (KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rng, priv); err != nil {
		return KeyPair{}, domain.Errf(domain.KindCrypto, "rng: %w", err)
	}
	clamp25519(priv)
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		memzero.Zero(priv)
		return KeyPair{}, domain.Errf(domain.KindCrypto, "x25519 basepoint: %w", err)
	}
	return KeyPair{Priv: priv, Pub: pub}, nil
}

func (c25519) DH(priv, peerPub []byte) ([]byte, error) {
	out, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, domain.Errf(domain.KindCrypto, "x25519: %w", err)
	}
	return out, nil
}

// DSAToDHSecret derives the X25519 scalar the Ed25519 signing flow uses
// internally: the clamped low half of SHA-512 over the seed.
func (c25519) DSAToDHSecret(priv []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, domain.Errf(domain.KindArgument, "ed25519 private key is %d bytes", len(priv))
	}
	h := sha512.Sum512(ed25519.PrivateKey(priv).Seed())
	out := make([]byte, curve25519.ScalarSize)
	copy(out, h[:curve25519.ScalarSize])
	memzero.Zero(h[:])
	clamp25519(out)
	return out, nil
}

// DSAToDHPublic maps the Edwards point onto Curve25519.
func (c25519) DSAToDHPublic(pub []byte) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, domain.Errf(domain.KindCrypto, "ed25519 point decode: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// clamp per RFC 7748.
func clamp25519(k []byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
