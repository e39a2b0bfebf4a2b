package device

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"lime/internal/crypto"
	"lime/internal/domain"
	"lime/internal/protocol/ratchet"
	"lime/internal/protocol/x3dh"
	"lime/internal/util/memzero"
)

// cipherMessageOverhead is version(1) + IV(12) + tag(16).
const cipherMessageOverhead = 1 + crypto.AEADIVSize + crypto.AEADTagSize

// contentKeySize is the random key each DR message carries under the
// cipherMessage packaging.
const contentKeySize = 32

// Encrypt encrypts plain for every recipient device of one peer user. The
// returned slice mirrors recipients: each entry carries the DR message and
// the peer status at encryption time. Recipients in the PeerFail state are
// skipped and surfaced with that status; the call still succeeds for the
// others. cipherMessage is non-nil only when the content-key packaging was
// selected by policy.
func (m *Manager) Encrypt(ctx context.Context, localDevice domain.DeviceID, recipientUser domain.UserID, recipients []domain.Recipient, plain []byte, policy domain.EncryptionPolicy) ([]domain.Recipient, []byte, error) {
	if len(recipients) == 0 {
		return nil, nil, domain.Errf(domain.KindArgument, "no recipients")
	}
	if len(plain) == 0 {
		return nil, nil, domain.Errf(domain.KindArgument, "empty plaintext")
	}
	user, ok, err := m.store.LocalUser(ctx, localDevice)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, domain.Errf(domain.KindArgument, "unknown device %s", localDevice)
	}
	c, err := crypto.ByID(user.CurveID)
	if err != nil {
		return nil, nil, err
	}

	useContentKey, err := selectPackaging(policy, len(plain), len(recipients))
	if err != nil {
		return nil, nil, err
	}

	payload := plain
	var cipherMessage []byte
	if useContentKey {
		key, err := crypto.RandomBytes(m.rng, contentKeySize)
		if err != nil {
			return nil, nil, err
		}
		defer memzero.Zero(key)
		cipherMessage, err = sealContent(key, plain, m.rng)
		if err != nil {
			return nil, nil, err
		}
		payload = key
	}

	out := make([]domain.Recipient, len(recipients))
	encrypted := 0
	for i, r := range recipients {
		status, dr, err := m.encryptTo(ctx, c, user, r.DeviceID, recipientUser, payload)
		if err != nil {
			return nil, nil, err
		}
		out[i] = domain.Recipient{DeviceID: r.DeviceID, Status: status, DRMessage: dr}
		if dr != nil {
			encrypted++
		}
	}
	m.log.WithFields(logrus.Fields{
		"device":     localDevice,
		"user":       recipientUser,
		"recipients": len(recipients),
		"encrypted":  encrypted,
		"packaging":  map[bool]string{true: "cipherMessage", false: "DRMessage"}[useContentKey],
	}).Info("encrypted")
	return out, cipherMessage, nil
}

// encryptTo produces one recipient's DR message, creating the session via
// X3DH when none is active. A nil DR message with a PeerFail status means
// the recipient was refused or has no published bundle.
func (m *Manager) encryptTo(ctx context.Context, c crypto.Curve, user domain.LocalUser, peer domain.DeviceID, peerUser domain.UserID, payload []byte) (domain.PeerStatus, []byte, error) {
	l := m.lease(user.DeviceID, peer)
	l.Lock()
	defer l.Unlock()

	rec, known, err := m.store.PeerDevice(ctx, peer)
	if err != nil {
		return domain.PeerUnknown, nil, err
	}
	if known && rec.Status == domain.PeerFail {
		return domain.PeerFail, nil, nil
	}

	st, haveSession, err := m.store.ActiveSession(ctx, user.DeviceID, peer)
	if err != nil {
		return domain.PeerUnknown, nil, err
	}
	if !haveSession {
		bundle, err := m.client.GetPeerBundle(ctx, user.DeviceID, user.CurveID, peer)
		if err != nil {
			// Only a peer with no published bundle is skipped; transport
			// failures propagate to the caller, who owns the retry.
			if errors.Is(err, domain.ErrBundleNotFound) {
				m.log.WithFields(logrus.Fields{"peer": peer}).
					WithError(err).Warn("peer has no published bundle, recipient skipped")
				return domain.PeerFail, nil, nil
			}
			return domain.PeerUnknown, nil, err
		}
		// Pin the identity from the bundle before deriving anything. A
		// conflict with the record flips the peer to PeerFail durably.
		newStatus := domain.PeerUntrusted
		if known && rec.Status != domain.PeerUnknown {
			newStatus = rec.Status
		}
		err = m.store.SetPeerDevice(ctx, domain.PeerDevice{
			DeviceID: peer, UserID: peerUser, Ik: bundle.Ik, Status: newStatus,
		})
		if err != nil {
			if kind, _ := domain.KindOf(err); kind == domain.KindPeerTrust {
				return domain.PeerFail, nil, nil
			}
			return domain.PeerUnknown, nil, err
		}

		res, err := x3dh.Initiate(c, user.IkPriv, user.IkPub, bundle, m.rng)
		if err != nil {
			return domain.PeerUnknown, nil, err
		}
		ns, err := ratchet.InitAsInitiator(c, res.Secret, bundle.SPk, res.AD,
			user.DeviceID, peer, m.now(), m.rng)
		memzero.Zero(res.Secret)
		if err != nil {
			return domain.PeerUnknown, nil, err
		}
		ns.PendingInit = res.Init.Marshal(c)
		st = *ns
	}

	wire, err := ratchet.Encrypt(c, &st, payload, m.rng)
	if err != nil {
		return domain.PeerUnknown, nil, err
	}
	if err := m.store.SaveSession(ctx, &st, 0); err != nil {
		return domain.PeerUnknown, nil, err
	}

	status, err := m.promotePeer(ctx, peer, peerUser)
	if err != nil {
		return domain.PeerUnknown, nil, err
	}
	return status, wire, nil
}

// promotePeer moves a peer that is still PeerUnknown to PeerUntrusted after
// a successful first encryption and returns the current status.
func (m *Manager) promotePeer(ctx context.Context, peer domain.DeviceID, peerUser domain.UserID) (domain.PeerStatus, error) {
	rec, ok, err := m.store.PeerDevice(ctx, peer)
	if err != nil {
		return domain.PeerUnknown, err
	}
	if !ok {
		return domain.PeerUnknown, nil
	}
	if rec.Status == domain.PeerUnknown {
		rec.Status = domain.PeerUntrusted
		rec.UserID = peerUser
		if err := m.store.SetPeerDevice(ctx, rec); err != nil {
			return domain.PeerUnknown, err
		}
	}
	return rec.Status, nil
}

// selectPackaging decides between per-recipient payloads and the shared
// content key.
func selectPackaging(policy domain.EncryptionPolicy, plainLen, recipients int) (bool, error) {
	switch policy {
	case domain.ForceDRMessage:
		return false, nil
	case domain.ForceCipherMessage:
		return true, nil
	case domain.OptimizeUploadSize, domain.OptimizeGlobalBandwidth:
		if recipients == 1 {
			return false, nil
		}
		// DRMessage repeats the plaintext per recipient; cipherMessage adds
		// one content key per recipient plus the shared body overhead.
		drCost := recipients * plainLen
		cipherCost := recipients*contentKeySize + plainLen + cipherMessageOverhead
		return drCost > cipherCost, nil
	}
	return false, domain.Errf(domain.KindArgument, "unknown encryption policy %d", policy)
}

// sealContent builds the shared cipher body:
// version(1) || IV(12) || ciphertext || tag(16).
func sealContent(key, plain []byte, rng io.Reader) ([]byte, error) {
	iv, err := crypto.RandomBytes(rng, crypto.AEADIVSize)
	if err != nil {
		return nil, err
	}
	ct, tag, err := crypto.AEADEncrypt(key, iv, plain, nil)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(iv)+len(ct)+len(tag))
	out = append(out, domain.ProtocolVersion)
	out = append(out, iv...)
	out = append(out, ct...)
	out = append(out, tag...)
	return out, nil
}

// openContent unwraps a shared cipher body with the content key carried in
// the DR message.
func openContent(key, cipherMessage []byte) ([]byte, error) {
	if len(key) != contentKeySize {
		return nil, domain.Errf(domain.KindProtocol, "content key is %d bytes", len(key))
	}
	if len(cipherMessage) < cipherMessageOverhead {
		return nil, domain.Errf(domain.KindProtocol, "cipher message truncated")
	}
	if cipherMessage[0] != domain.ProtocolVersion {
		return nil, domain.Errf(domain.KindProtocol, "cipher message version 0x%02x", cipherMessage[0])
	}
	iv := cipherMessage[1 : 1+crypto.AEADIVSize]
	body := cipherMessage[1+crypto.AEADIVSize:]
	ct, tag := body[:len(body)-crypto.AEADTagSize], body[len(body)-crypto.AEADTagSize:]
	plain, ok := crypto.AEADDecrypt(key, iv, ct, tag, nil)
	if !ok {
		return nil, domain.Errf(domain.KindCrypto, "cipher message authentication failed")
	}
	return plain, nil
}
