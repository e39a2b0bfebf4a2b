package device

import (
	"context"

	"github.com/sirupsen/logrus"

	"lime/internal/crypto"
	"lime/internal/domain"
	"lime/internal/protocol/ratchet"
	"lime/internal/protocol/x3dh"
	"lime/internal/util/memzero"
)

// Decrypt opens one inbound DR message and returns the plaintext together
// with the sender device's trust status. A PeerFail sender is refused.
// Failures never advance the ratchet. An init-bearing message that cannot
// decrypt on the session its init established counts a failure on that
// session; the third consecutive failure deletes the session and falls back
// to a fresh responder X3DH.
func (m *Manager) Decrypt(ctx context.Context, localDevice domain.DeviceID, senderUser domain.UserID, senderDevice domain.DeviceID, drMessage, cipherMessage []byte) ([]byte, domain.PeerStatus, error) {
	user, ok, err := m.store.LocalUser(ctx, localDevice)
	if err != nil {
		return nil, domain.PeerUnknown, err
	}
	if !ok {
		return nil, domain.PeerUnknown, domain.Errf(domain.KindArgument, "unknown device %s", localDevice)
	}
	c, err := crypto.ByID(user.CurveID)
	if err != nil {
		return nil, domain.PeerUnknown, err
	}

	l := m.lease(localDevice, senderDevice)
	l.Lock()
	defer l.Unlock()

	rec, known, err := m.store.PeerDevice(ctx, senderDevice)
	if err != nil {
		return nil, domain.PeerUnknown, err
	}
	if known && rec.Status == domain.PeerFail {
		return nil, domain.PeerFail, domain.Errf(domain.KindPeerTrust,
			"sender device %s is in failed state", senderDevice)
	}

	msg, err := ratchet.ParseMessage(c, drMessage)
	if err != nil {
		return nil, peerStatusOf(rec, known), err
	}

	var payload []byte
	if msg.HasInit() {
		payload, err = m.decryptWithInit(ctx, c, user, senderUser, senderDevice, msg)
	} else {
		payload, err = m.decryptOnSessions(ctx, c, user.DeviceID, senderDevice, msg)
	}
	if err != nil {
		status := peerStatusOf(rec, known)
		if kind, ok := domain.KindOf(err); ok && kind == domain.KindPeerTrust {
			// The conflict just forced the durable fail state; report it.
			if fresh, ok, ferr := m.store.PeerDevice(ctx, senderDevice); ferr == nil && ok {
				status = fresh.Status
			}
		}
		return nil, status, err
	}

	plain := payload
	if len(cipherMessage) > 0 {
		plain, err = openContent(payload, cipherMessage)
		memzero.Zero(payload)
		if err != nil {
			return nil, peerStatusOf(rec, known), err
		}
	}

	status, err := m.registerSender(ctx, senderDevice, senderUser)
	if err != nil {
		return nil, domain.PeerUnknown, err
	}
	m.log.WithFields(logrus.Fields{
		"device": localDevice,
		"sender": senderDevice,
		"status": status.String(),
	}).Info("decrypted")
	return plain, status, nil
}

// maxInitDecryptFailures is how many consecutive init-bearing messages may
// fail to decrypt on a session before it is invalidated and a fresh X3DH is
// forced.
const maxInitDecryptFailures = 3

// decryptWithInit handles an envelope carrying an X3DH init block. An init
// byte-identical to one that already established a session routes to that
// session; anything else runs the responder half and creates a fresh
// session, consuming the referenced one-time prekey atomically with the
// session commit.
func (m *Manager) decryptWithInit(ctx context.Context, c crypto.Curve, user domain.LocalUser, senderUser domain.UserID, sender domain.DeviceID, msg ratchet.Message) ([]byte, error) {
	init, _, err := x3dh.ParseInit(c, msg.InitRaw)
	if err != nil {
		return nil, err
	}

	// Pin the initiator identity before touching any session.
	if err := m.pinSenderIdentity(ctx, sender, senderUser, init.Ik); err != nil {
		return nil, err
	}

	if st, found, err := m.store.SessionsWithInit(ctx, user.DeviceID, sender, msg.InitRaw); err != nil {
		return nil, err
	} else if found {
		plain, err := ratchet.Decrypt(c, &st, msg, m.limits)
		if err == nil {
			st.FailedDecrypts = 0
			return plain, m.store.SaveSession(ctx, &st, 0)
		}
		// A failed decrypt leaves the ratchet untouched; only the failure
		// counter moves. The session is invalidated on the third strike.
		st.FailedDecrypts++
		if st.FailedDecrypts < maxInitDecryptFailures {
			if serr := m.store.SaveSession(ctx, &st, 0); serr != nil {
				return nil, serr
			}
			return nil, err
		}
		if derr := m.store.DeleteSession(ctx, st.ID); derr != nil {
			return nil, derr
		}
		m.log.WithFields(logrus.Fields{"sender": sender, "failures": st.FailedDecrypts}).
			WithError(err).Warn("session invalidated after repeated init-bearing failures, re-running X3DH")
	}

	spk, ok, err := m.store.SignedPreKey(ctx, user.DeviceID, init.SPkID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if init.OPkID == 0 {
			// Nothing left to agree on: no one-time prekey and the signed
			// prekey is gone.
			return nil, domain.Errf(domain.KindExhausted, "no one-time prekey and signed prekey %d unknown", init.SPkID)
		}
		return nil, domain.Errf(domain.KindProtocol, "unknown signed prekey %d", init.SPkID)
	}
	var opkPriv []byte
	if init.OPkID != 0 {
		opk, ok, err := m.store.OneTimePreKey(ctx, user.DeviceID, init.OPkID)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Already consumed: a replayed or forged init.
			return nil, domain.Errf(domain.KindProtocol, "one-time prekey %d already consumed", init.OPkID)
		}
		opkPriv = opk.Priv
	}

	secret, ad, err := x3dh.Respond(c, user.IkPriv, user.IkPub, spk.Priv, opkPriv, init)
	if err != nil {
		return nil, err
	}
	st := ratchet.InitAsResponder(c, secret, crypto.KeyPair{Priv: spk.Priv, Pub: spk.Pub},
		ad, msg.InitRaw, user.DeviceID, sender, m.now())
	memzero.Zero(secret)

	plain, err := ratchet.Decrypt(c, st, msg, m.limits)
	if err != nil {
		return nil, err
	}
	// Session, skipped keys and OPk consumption commit together.
	if err := m.store.SaveSession(ctx, st, init.OPkID); err != nil {
		return nil, err
	}
	return plain, nil
}

// decryptOnSessions tries the active session first, then retained stale
// sessions for late messages from superseded chains.
func (m *Manager) decryptOnSessions(ctx context.Context, c crypto.Curve, local, sender domain.DeviceID, msg ratchet.Message) ([]byte, error) {
	sessions, err := m.store.Sessions(ctx, local, sender)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, domain.Errf(domain.KindProtocol, "no session with device %s", sender)
	}
	var lastErr error
	for i := range sessions {
		st := sessions[i]
		plain, err := ratchet.Decrypt(c, &st, msg, m.limits)
		if err == nil {
			st.FailedDecrypts = 0
			return plain, m.store.SaveSession(ctx, &st, 0)
		}
		lastErr = err
	}
	return nil, lastErr
}

// pinSenderIdentity stores the sender identity carried by an init block. A
// conflict with the record flips the peer to PeerFail durably and rejects
// the message.
func (m *Manager) pinSenderIdentity(ctx context.Context, sender domain.DeviceID, senderUser domain.UserID, ik []byte) error {
	rec, known, err := m.store.PeerDevice(ctx, sender)
	if err != nil {
		return err
	}
	status := domain.PeerUnknown
	if known {
		status = rec.Status
	}
	return m.store.SetPeerDevice(ctx, domain.PeerDevice{
		DeviceID: sender, UserID: senderUser, Ik: ik, Status: status,
	})
}

// registerSender promotes a first-time sender to PeerUntrusted and returns
// the current status.
func (m *Manager) registerSender(ctx context.Context, sender domain.DeviceID, senderUser domain.UserID) (domain.PeerStatus, error) {
	rec, ok, err := m.store.PeerDevice(ctx, sender)
	if err != nil {
		return domain.PeerUnknown, err
	}
	if !ok {
		return domain.PeerUnknown, nil
	}
	if rec.Status == domain.PeerUnknown {
		rec.Status = domain.PeerUntrusted
		rec.UserID = senderUser
		if err := m.store.SetPeerDevice(ctx, rec); err != nil {
			return domain.PeerUnknown, err
		}
	}
	return rec.Status, nil
}

func peerStatusOf(rec domain.PeerDevice, known bool) domain.PeerStatus {
	if !known {
		return domain.PeerUnknown
	}
	return rec.Status
}
