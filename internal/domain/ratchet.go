package domain

import "time"

// RatchetHeader is authenticated alongside every Double Ratchet ciphertext.
type RatchetHeader struct {
	DHPub []byte
	PN    uint32
	N     uint32
}

// SkippedKey is one cached message key for an out-of-order message,
// addressed by the receiving-chain DH public and the message index.
type SkippedKey struct {
	DHPub []byte
	N     uint32
	MK    []byte
}

// RatchetState is the full per-session Double Ratchet state. The session
// store owns the persisted form; engines operate on a checked-out copy and
// the manager commits it back after a successful operation.
type RatchetState struct {
	ID          int64
	LocalDevice DeviceID
	PeerDevice  DeviceID
	CurveID     CurveID
	Status      SessionStatus

	RootKey   []byte
	DHPriv    []byte
	DHPub     []byte
	PeerDHPub []byte
	SendCK    []byte
	RecvCK    []byte
	Ns        uint32
	Nr        uint32
	PN        uint32

	// Skipped holds cached message keys, oldest first.
	Skipped []SkippedKey

	// AD is the X3DH associated data fixed at session creation.
	AD []byte
	// PendingInit is the X3DH init blob attached to outbound messages until
	// a first inbound message confirms the peer received it.
	PendingInit []byte
	// InitBlob, on responder-created sessions, is the init that established
	// the session; a byte-identical inbound init routes to this session.
	InitBlob []byte
	// FailedDecrypts counts consecutive decryption failures of init-bearing
	// messages routed to this session. Any successful decrypt resets it; the
	// third failure invalidates the session and forces a fresh X3DH.
	FailedDecrypts uint32

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PopSkipped removes and returns the cached message key for (dhPub, n).
func (st *RatchetState) PopSkipped(dhPub []byte, n uint32) ([]byte, bool) {
	for i, sk := range st.Skipped {
		if sk.N == n && bytesEqual(sk.DHPub, dhPub) {
			mk := sk.MK
			st.Skipped = append(st.Skipped[:i], st.Skipped[i+1:]...)
			return mk, true
		}
	}
	return nil, false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
