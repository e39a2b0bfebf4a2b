package crypto

import (
	"io"
	"math/big"

	"github.com/cloudflare/circl/dh/x448"
	"github.com/cloudflare/circl/sign/ed448"
	"golang.org/x/crypto/sha3"

	"lime/internal/domain"
	"lime/internal/util/memzero"
)

// c448 instantiates the curve capability with X448 and Ed448.
type c448 struct{}

func (c448) ID() domain.CurveID { return domain.CurveC448 }

func (c448) DHPublicSize() int  { return x448.Size }
func (c448) DHSecretSize() int  { return x448.Size }
func (c448) DHSharedSize() int  { return x448.Size }
func (c448) DSAPublicSize() int { return ed448.PublicKeySize }
func (c448) SignatureSize() int { return ed448.SignatureSize }

func (c448) GenerateDSA(rng io.Reader) (KeyPair, error) {
	pub, priv, err := ed448.GenerateKey(rng)
	if err != nil {
		return KeyPair{}, domain.Errf(domain.KindCrypto, "ed448 keygen: %w", err)
	}
	return KeyPair{Priv: priv, Pub: pub}, nil
}

func (c448) Sign(priv, msg []byte) ([]byte, error) {
	if len(priv) != ed448.PrivateKeySize {
		return nil, domain.Errf(domain.KindArgument, "ed448 private key is %d bytes", len(priv))
	}
	return ed448.Sign(ed448.PrivateKey(priv), msg, ""), nil
}

func (c448) Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed448.PublicKeySize || len(sig) != ed448.SignatureSize {
		return false
	}
	return ed448.Verify(ed448.PublicKey(pub), msg, sig, "")
}

func (c448) GenerateDH(rng io.Reader) (KeyPair, error) {
	var secret, public x448.Key
	if _, err := io.ReadFull(rng, secret[:]); err != nil {
		return KeyPair{}, domain.Errf(domain.KindCrypto, "rng: %w", err)
	}
	x448.KeyGen(&public, &secret)
	priv := make([]byte, x448.Size)
	pub := make([]byte, x448.Size)
	copy(priv, secret[:])
	copy(pub, public[:])
	memzero.Zero(secret[:])
	return KeyPair{Priv: priv, Pub: pub}, nil
}

func (c448) DH(priv, peerPub []byte) ([]byte, error) {
	if len(priv) != x448.Size || len(peerPub) != x448.Size {
		return nil, domain.Errf(domain.KindArgument, "x448 key sizes %d/%d", len(priv), len(peerPub))
	}
	var secret, public, shared x448.Key
	copy(secret[:], priv)
	copy(public[:], peerPub)
	ok := x448.Shared(&shared, &secret, &public)
	memzero.Zero(secret[:])
	if !ok {
		return nil, domain.Errf(domain.KindCrypto, "x448 low-order input")
	}
	out := make([]byte, x448.Size)
	copy(out, shared[:])
	memzero.Zero(shared[:])
	return out, nil
}

// DSAToDHSecret derives the X448 scalar the Ed448 signing flow uses
// internally: SHAKE256 over the seed, clamped per RFC 8032. The clamp is the
// same one the X448 ladder applies, so the scalar round-trips.
func (c448) DSAToDHSecret(priv []byte) ([]byte, error) {
	if len(priv) != ed448.PrivateKeySize {
		return nil, domain.Errf(domain.KindArgument, "ed448 private key is %d bytes", len(priv))
	}
	h := make([]byte, 114)
	sha3.ShakeSum256(h, ed448.PrivateKey(priv).Seed())
	h[0] &= 0xFC
	h[55] |= 0x80
	out := make([]byte, x448.Size)
	copy(out, h[:x448.Size])
	memzero.Zero(h)
	return out, nil
}

// DSAToDHPublic maps the Edwards point onto Curve448 through the RFC 8032
// 4-isogeny u = y^2/x^2. The isogeny is a group homomorphism, so both
// parties converting independently land on matching Montgomery points.
func (c448) DSAToDHPublic(pub []byte) ([]byte, error) {
	if len(pub) != ed448.PublicKeySize {
		return nil, domain.Errf(domain.KindArgument, "ed448 public key is %d bytes", len(pub))
	}
	x, y, err := decodeEd448Point(pub)
	if err != nil {
		return nil, err
	}
	x2 := new(big.Int).Mul(x, x)
	x2.Mod(x2, p448)
	if x2.Sign() == 0 {
		return nil, domain.Errf(domain.KindCrypto, "ed448 point has no curve448 image")
	}
	y2 := new(big.Int).Mul(y, y)
	y2.Mod(y2, p448)
	u := new(big.Int).ModInverse(x2, p448)
	u.Mul(u, y2)
	u.Mod(u, p448)

	out := make([]byte, x448.Size)
	le := u.Bytes() // big endian
	for i := 0; i < len(le); i++ {
		out[i] = le[len(le)-1-i]
	}
	return out, nil
}

var (
	// p448 = 2^448 - 2^224 - 1
	p448 = func() *big.Int {
		p := new(big.Int).Lsh(big.NewInt(1), 448)
		p.Sub(p, new(big.Int).Lsh(big.NewInt(1), 224))
		p.Sub(p, big.NewInt(1))
		return p
	}()
	// d448 = -39081 mod p
	d448 = new(big.Int).Sub(p448, big.NewInt(39081))
	// sqrtExp448 = (p+1)/4, usable since p = 3 mod 4
	sqrtExp448 = new(big.Int).Rsh(new(big.Int).Add(p448, big.NewInt(1)), 2)
)

// decodeEd448Point recovers the affine (x, y) of an RFC 8032 Ed448 public
// key: 56 little-endian bytes of y plus the sign bit of x.
func decodeEd448Point(b []byte) (x, y *big.Int, err error) {
	sign := b[56] >> 7
	if b[56]&0x7F != 0 {
		return nil, nil, domain.Errf(domain.KindCrypto, "ed448 point encoding")
	}
	be := make([]byte, 56)
	for i := 0; i < 56; i++ {
		be[i] = b[55-i]
	}
	y = new(big.Int).SetBytes(be)
	if y.Cmp(p448) >= 0 {
		return nil, nil, domain.Errf(domain.KindCrypto, "ed448 y out of range")
	}

	// x^2 = (y^2 - 1) / (d*y^2 - 1)
	y2 := new(big.Int).Mul(y, y)
	y2.Mod(y2, p448)
	num := new(big.Int).Sub(y2, big.NewInt(1))
	num.Mod(num, p448)
	den := new(big.Int).Mul(d448, y2)
	den.Sub(den, big.NewInt(1))
	den.Mod(den, p448)
	if den.Sign() == 0 {
		return nil, nil, domain.Errf(domain.KindCrypto, "ed448 point decode")
	}
	x2 := new(big.Int).ModInverse(den, p448)
	x2.Mul(x2, num)
	x2.Mod(x2, p448)

	x = new(big.Int).Exp(x2, sqrtExp448, p448)
	check := new(big.Int).Mul(x, x)
	check.Mod(check, p448)
	if check.Cmp(x2) != 0 {
		return nil, nil, domain.Errf(domain.KindCrypto, "ed448 point not on curve")
	}
	if x.Sign() == 0 && sign == 1 {
		return nil, nil, domain.Errf(domain.KindCrypto, "ed448 sign bit on zero x")
	}
	if uint8(x.Bit(0)) != sign {
		x.Sub(p448, x)
	}
	return x, y, nil
}
