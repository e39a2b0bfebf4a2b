package ratchet

import (
	"io"
	"time"

	"lime/internal/crypto"
	"lime/internal/domain"
	"lime/internal/util/memzero"
)

var (
	infoRootKey     = []byte("DR_RK")
	infoMessageKeys = []byte("DR_Message_Keys")
)

const chainKeySize = 32

// Limits bounds the skipped-message-key cache. Both caps are configuration;
// the defaults are conservative.
type Limits struct {
	MaxSkippedPerChain   int
	MaxSkippedPerSession int
}

// DefaultLimits is used when the caller passes zero values.
var DefaultLimits = Limits{
	MaxSkippedPerChain:   256,
	MaxSkippedPerSession: 1024,
}

func (l Limits) orDefault() Limits {
	if l.MaxSkippedPerChain <= 0 {
		l.MaxSkippedPerChain = DefaultLimits.MaxSkippedPerChain
	}
	if l.MaxSkippedPerSession <= 0 {
		l.MaxSkippedPerSession = DefaultLimits.MaxSkippedPerSession
	}
	return l
}

// InitAsInitiator seeds a fresh session from the X3DH secret. The peer's
// signed prekey doubles as its first ratchet key, so the sending chain
// exists immediately and the first DH step happens on the peer's reply.
func InitAsInitiator(c crypto.Curve, secret, peerSPk, ad []byte, local, peer domain.DeviceID, now time.Time, rng io.Reader) (*domain.RatchetState, error) {
	dhs, err := c.GenerateDH(rng)
	if err != nil {
		return nil, err
	}
	dh, err := c.DH(dhs.Priv, peerSPk)
	if err != nil {
		return nil, err
	}
	rk, ck, err := kdfRootKey(secret, dh)
	memzero.Zero(dh)
	if err != nil {
		return nil, err
	}
	return &domain.RatchetState{
		LocalDevice: local,
		PeerDevice:  peer,
		CurveID:     c.ID(),
		Status:      domain.SessionActive,
		RootKey:     rk,
		DHPriv:      dhs.Priv,
		DHPub:       dhs.Pub,
		PeerDHPub:   append([]byte(nil), peerSPk...),
		SendCK:      ck,
		AD:          ad,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// InitAsResponder seeds a session from a received init. The signed prekey
// pair the initiator targeted becomes the first ratchet key; both chains
// start on the first inbound DH step.
func InitAsResponder(c crypto.Curve, secret []byte, spk crypto.KeyPair, ad, initBlob []byte, local, peer domain.DeviceID, now time.Time) *domain.RatchetState {
	return &domain.RatchetState{
		LocalDevice: local,
		PeerDevice:  peer,
		CurveID:     c.ID(),
		Status:      domain.SessionActive,
		RootKey:     append([]byte(nil), secret...),
		DHPriv:      append([]byte(nil), spk.Priv...),
		DHPub:       append([]byte(nil), spk.Pub...),
		AD:          ad,
		InitBlob:    append([]byte(nil), initBlob...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Encrypt advances the sending chain one step and produces the complete wire
// envelope, including the pending X3DH init block while the session is
// unconfirmed.
func Encrypt(c crypto.Curve, st *domain.RatchetState, plain []byte, rng io.Reader) ([]byte, error) {
	if len(st.SendCK) == 0 {
		// First send after a receive-only ratchet step.
		if err := dhStepSending(c, st, rng); err != nil {
			return nil, err
		}
	}
	mk := chainStep(&st.SendCK)
	defer memzero.Zero(mk)

	header := domain.RatchetHeader{DHPub: st.DHPub, PN: st.PN, N: st.Ns}
	ct, tag, err := sealMessage(mk, st.AD, header, plain)
	if err != nil {
		return nil, err
	}
	st.Ns++
	return buildEnvelope(st.CurveID, st.PendingInit, header, ct, tag), nil
}

// Decrypt opens msg against the session. State is advanced only when the tag
// verifies; on any failure the caller's state is untouched.
func Decrypt(c crypto.Curve, st *domain.RatchetState, msg Message, lim Limits) ([]byte, error) {
	lim = lim.orDefault()
	work := cloneState(st)

	// A key cached for an out-of-order message decrypts exactly once.
	if mk, ok := work.PopSkipped(msg.Header.DHPub, msg.Header.N); ok {
		plain, err := openMessage(mk, work.AD, msg.Header, msg.CT, msg.Tag)
		memzero.Zero(mk)
		if err != nil {
			return nil, err
		}
		commitState(st, work)
		return plain, nil
	}

	sameChain := bytesEq(work.PeerDHPub, msg.Header.DHPub)
	if sameChain && msg.Header.N < work.Nr {
		return nil, domain.Errf(domain.KindProtocol, "message %d replayed below receive counter %d", msg.Header.N, work.Nr)
	}

	if !sameChain {
		// New remote ratchet key: close out the current receiving chain,
		// then advance the receiving chain from the root. The sending chain
		// restarts on the next Encrypt.
		if len(work.RecvCK) != 0 {
			if err := skipTo(work, msg.Header.PN, lim); err != nil {
				return nil, err
			}
		}
		if err := dhStepReceiving(c, work, msg.Header.DHPub); err != nil {
			return nil, err
		}
	}
	if len(work.RecvCK) == 0 {
		return nil, domain.Errf(domain.KindProtocol, "session has no receiving chain")
	}
	if err := skipTo(work, msg.Header.N, lim); err != nil {
		return nil, err
	}

	mk := chainStep(&work.RecvCK)
	defer memzero.Zero(mk)
	plain, err := openMessage(mk, work.AD, msg.Header, msg.CT, msg.Tag)
	if err != nil {
		return nil, err
	}
	work.Nr = msg.Header.N + 1
	// First authenticated inbound message confirms the peer holds the
	// session; stop attaching the X3DH init.
	work.PendingInit = nil
	commitState(st, work)
	return plain, nil
}

// --- DH ratchet steps ---

func dhStepReceiving(c crypto.Curve, st *domain.RatchetState, peerDH []byte) error {
	dh, err := c.DH(st.DHPriv, peerDH)
	if err != nil {
		return err
	}
	rk, ck, err := kdfRootKey(st.RootKey, dh)
	memzero.Zero(dh)
	if err != nil {
		return err
	}
	memzero.ZeroAll(st.RootKey, st.RecvCK)
	st.RootKey = rk
	st.RecvCK = ck
	st.PeerDHPub = append([]byte(nil), peerDH...)
	st.PN = st.Ns
	st.Ns = 0
	st.Nr = 0
	// The sending chain restarts on our next send with a fresh key pair.
	memzero.Zero(st.SendCK)
	st.SendCK = nil
	return nil
}

func dhStepSending(c crypto.Curve, st *domain.RatchetState, rng io.Reader) error {
	dhs, err := c.GenerateDH(rng)
	if err != nil {
		return err
	}
	dh, err := c.DH(dhs.Priv, st.PeerDHPub)
	if err != nil {
		return err
	}
	rk, ck, err := kdfRootKey(st.RootKey, dh)
	memzero.Zero(dh)
	if err != nil {
		return err
	}
	memzero.ZeroAll(st.RootKey, st.DHPriv)
	st.RootKey = rk
	st.SendCK = ck
	st.DHPriv = dhs.Priv
	st.DHPub = dhs.Pub
	return nil
}

// skipTo derives and caches receiving-chain keys up to (excluding) n.
func skipTo(st *domain.RatchetState, n uint32, lim Limits) error {
	if n < st.Nr {
		return nil
	}
	if gap := int(n - st.Nr); gap > lim.MaxSkippedPerChain {
		return domain.Errf(domain.KindProtocol, "gap of %d exceeds per-chain skipped-key cap %d", gap, lim.MaxSkippedPerChain)
	}
	for st.Nr < n {
		mk := chainStep(&st.RecvCK)
		if len(st.Skipped) >= lim.MaxSkippedPerSession {
			memzero.Zero(st.Skipped[0].MK)
			st.Skipped = st.Skipped[1:]
		}
		st.Skipped = append(st.Skipped, domain.SkippedKey{
			DHPub: append([]byte(nil), st.PeerDHPub...),
			N:     st.Nr,
			MK:    mk,
		})
		st.Nr++
	}
	return nil
}

// --- key derivation ---

// kdfRootKey advances the root: HKDF(salt=RK, ikm=DH, info="DR_RK") split
// into the next root key and a chain key.
func kdfRootKey(rk, dh []byte) (newRK, ck []byte, err error) {
	out, err := crypto.HKDFSHA512(rk, dh, infoRootKey, 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// chainStep derives the message key and advances the chain in place:
// CK <- HMAC(CK, 0x02), MK = HMAC(CK, 0x01).
func chainStep(ck *[]byte) []byte {
	mk := crypto.HMACSHA512(*ck, []byte{0x01})[:chainKeySize]
	next := crypto.HMACSHA512(*ck, []byte{0x02})[:chainKeySize]
	memzero.Zero(*ck)
	*ck = next
	return mk
}

// messageKeys expands MK into the AEAD key and IV.
func messageKeys(mk []byte) (key, iv []byte, err error) {
	out, err := crypto.HKDFSHA512(make([]byte, 64), mk, infoMessageKeys, crypto.AEADKeySize+crypto.AEADIVSize)
	if err != nil {
		return nil, nil, err
	}
	return out[:crypto.AEADKeySize], out[crypto.AEADKeySize:], nil
}

func sealMessage(mk, ad []byte, h domain.RatchetHeader, plain []byte) (ct, tag []byte, err error) {
	key, iv, err := messageKeys(mk)
	if err != nil {
		return nil, nil, err
	}
	defer memzero.Zero(key)
	return crypto.AEADEncrypt(key, iv, plain, messageAAD(ad, h))
}

func openMessage(mk, ad []byte, h domain.RatchetHeader, ct, tag []byte) ([]byte, error) {
	key, iv, err := messageKeys(mk)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)
	plain, ok := crypto.AEADDecrypt(key, iv, ct, tag, messageAAD(ad, h))
	if !ok {
		return nil, domain.Errf(domain.KindCrypto, "message authentication failed")
	}
	return plain, nil
}

// messageAAD authenticates the session associated data and the header.
func messageAAD(ad []byte, h domain.RatchetHeader) []byte {
	out := make([]byte, 0, len(ad)+len(h.DHPub)+8)
	out = append(out, ad...)
	out = append(out, headerBytes(h)...)
	return out
}

// --- state bookkeeping ---

func cloneState(st *domain.RatchetState) *domain.RatchetState {
	cp := *st
	cp.RootKey = append([]byte(nil), st.RootKey...)
	cp.DHPriv = append([]byte(nil), st.DHPriv...)
	cp.DHPub = append([]byte(nil), st.DHPub...)
	cp.PeerDHPub = append([]byte(nil), st.PeerDHPub...)
	cp.SendCK = append([]byte(nil), st.SendCK...)
	cp.RecvCK = append([]byte(nil), st.RecvCK...)
	cp.Skipped = make([]domain.SkippedKey, len(st.Skipped))
	for i, sk := range st.Skipped {
		cp.Skipped[i] = domain.SkippedKey{
			DHPub: append([]byte(nil), sk.DHPub...),
			N:     sk.N,
			MK:    append([]byte(nil), sk.MK...),
		}
	}
	return &cp
}

func commitState(dst, src *domain.RatchetState) {
	memzero.ZeroAll(dst.RootKey, dst.DHPriv, dst.SendCK, dst.RecvCK)
	*dst = *src
}

func bytesEq(a, b []byte) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
