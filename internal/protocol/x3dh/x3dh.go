package x3dh

import (
	"io"

	"lime/internal/crypto"
	"lime/internal/domain"
	"lime/internal/util/memzero"
)

// hkdf info for the shared-secret derivation.
var kdfInfo = []byte("Lime")

// SharedSecretSize is the Double Ratchet root key seeded by X3DH.
const SharedSecretSize = 32

// InitiatorResult is what the initiator half produces: the root secret, the
// init message to attach to the first Double Ratchet message, and the
// associated data binding both identities.
type InitiatorResult struct {
	Secret []byte
	Init   InitMessage
	AD     []byte
}

// Initiate runs the initiator half of X3DH against a fetched peer bundle.
// The signed prekey signature is verified against the peer DSA identity
// before anything else; failure aborts with a crypto error and no session.
func Initiate(c crypto.Curve, selfIkPriv, selfIkPub []byte, bundle domain.KeyBundle, rng io.Reader) (InitiatorResult, error) {
	if !c.Verify(bundle.Ik, bundle.SPk, bundle.SPkSig) {
		return InitiatorResult{}, domain.Errf(domain.KindCrypto, "peer signed prekey signature rejected")
	}

	ikDH, err := c.DSAToDHSecret(selfIkPriv)
	if err != nil {
		return InitiatorResult{}, err
	}
	defer memzero.Zero(ikDH)
	peerIkDH, err := c.DSAToDHPublic(bundle.Ik)
	if err != nil {
		return InitiatorResult{}, err
	}

	ek, err := c.GenerateDH(rng)
	if err != nil {
		return InitiatorResult{}, err
	}
	defer memzero.Zero(ek.Priv)

	dh1, err := c.DH(ikDH, bundle.SPk) // DH(IK_I, SPK_R)
	if err != nil {
		return InitiatorResult{}, err
	}
	dh2, err := c.DH(ek.Priv, peerIkDH) // DH(EK_I, IK_R)
	if err != nil {
		return InitiatorResult{}, err
	}
	dh3, err := c.DH(ek.Priv, bundle.SPk) // DH(EK_I, SPK_R)
	if err != nil {
		return InitiatorResult{}, err
	}
	var dh4 []byte
	if bundle.OPkID != 0 {
		dh4, err = c.DH(ek.Priv, bundle.OPk) // DH(EK_I, OPK_R)
		if err != nil {
			return InitiatorResult{}, err
		}
	}

	secret, err := sharedSecret(c, dh1, dh2, dh3, dh4)
	if err != nil {
		return InitiatorResult{}, err
	}

	return InitiatorResult{
		Secret: secret,
		Init: InitMessage{
			Ik:    append([]byte(nil), selfIkPub...),
			Ek:    ek.Pub,
			SPkID: bundle.SPkID,
			OPkID: bundle.OPkID,
		},
		AD: associatedData(c, selfIkPub, bundle.Ik),
	}, nil
}

// Respond runs the responder half from a received init message. The caller
// supplies the signed prekey pair the message references and, when the init
// consumed one, the matching one-time prekey; durable deletion of that OPk
// is the caller's transaction.
func Respond(c crypto.Curve, selfIkPriv, selfIkPub []byte, spkPriv []byte, opkPriv []byte, init InitMessage) (secret, ad []byte, err error) {
	ikDH, err := c.DSAToDHSecret(selfIkPriv)
	if err != nil {
		return nil, nil, err
	}
	defer memzero.Zero(ikDH)
	initIkDH, err := c.DSAToDHPublic(init.Ik)
	if err != nil {
		return nil, nil, err
	}

	dh1, err := c.DH(spkPriv, initIkDH) // DH(SPK_R, IK_I)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := c.DH(ikDH, init.Ek) // DH(IK_R, EK_I)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := c.DH(spkPriv, init.Ek) // DH(SPK_R, EK_I)
	if err != nil {
		return nil, nil, err
	}
	var dh4 []byte
	if init.OPkID != 0 {
		if opkPriv == nil {
			return nil, nil, domain.Errf(domain.KindProtocol, "init references one-time prekey %d not supplied", init.OPkID)
		}
		dh4, err = c.DH(opkPriv, init.Ek) // DH(OPK_R, EK_I)
		if err != nil {
			return nil, nil, err
		}
	}

	secret, err = sharedSecret(c, dh1, dh2, dh3, dh4)
	if err != nil {
		return nil, nil, err
	}
	return secret, associatedData(c, init.Ik, selfIkPub), nil
}

// sharedSecret is HKDF over F || DH1 || DH2 || DH3 [|| DH4] with a zero salt
// of the hash length. F is the per-curve domain-separation prefix.
func sharedSecret(c crypto.Curve, dhs ...[]byte) ([]byte, error) {
	ikm := make([]byte, 0, c.DHSharedSize()*5)
	for i := 0; i < c.DHSharedSize(); i++ {
		ikm = append(ikm, 0xFF)
	}
	for _, dh := range dhs {
		ikm = append(ikm, dh...)
	}
	defer memzero.Zero(ikm)
	salt := make([]byte, 64)
	return crypto.HKDFSHA512(salt, ikm, kdfInfo, SharedSecretSize)
}

// associatedData binds the curve and both DSA identities, initiator first.
func associatedData(c crypto.Curve, initiatorIk, responderIk []byte) []byte {
	ad := make([]byte, 0, 1+len(initiatorIk)+len(responderIk))
	ad = append(ad, byte(c.ID()))
	ad = append(ad, initiatorIk...)
	ad = append(ad, responderIk...)
	return ad
}
