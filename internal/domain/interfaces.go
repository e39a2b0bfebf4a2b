package domain

import "context"

// Store is the durable session store. Implementations must serialize writes
// per local device; read-modify-write of session state is driven by the
// manager under a per-session lease.
type Store interface {
	// Local device identities and prekey material.
	CreateLocalUser(ctx context.Context, u LocalUser, spk SignedPreKey, opks []OneTimePreKey) error
	LocalUser(ctx context.Context, device DeviceID) (LocalUser, bool, error)
	DeleteLocalUser(ctx context.Context, device DeviceID) error

	ActiveSignedPreKey(ctx context.Context, device DeviceID) (SignedPreKey, bool, error)
	SignedPreKey(ctx context.Context, device DeviceID, id uint32) (SignedPreKey, bool, error)
	AddSignedPreKey(ctx context.Context, device DeviceID, spk SignedPreKey) error
	DeleteSignedPreKeysBefore(ctx context.Context, device DeviceID, cutoff int64) (int, error)

	AddOneTimePreKeys(ctx context.Context, device DeviceID, opks []OneTimePreKey) error
	OneTimePreKey(ctx context.Context, device DeviceID, id uint32) (OneTimePreKey, bool, error)

	// Peer devices and trust.
	PeerDevice(ctx context.Context, device DeviceID) (PeerDevice, bool, error)
	// SetPeerDevice stores or updates a peer record. When ik conflicts with
	// a previously stored identity key the status is forced to PeerFail
	// durably and a peer-trust error is returned.
	SetPeerDevice(ctx context.Context, peer PeerDevice) error

	// Double Ratchet sessions.
	ActiveSession(ctx context.Context, local, peer DeviceID) (RatchetState, bool, error)
	// Sessions lists every retained session for the pair, active first.
	Sessions(ctx context.Context, local, peer DeviceID) ([]RatchetState, error)
	SessionsWithInit(ctx context.Context, local, peer DeviceID, init []byte) (RatchetState, bool, error)
	// SaveSession inserts or updates a session atomically. A non-zero
	// consumeOPk deletes that one-time prekey in the same transaction; a new
	// active session demotes older active sessions for the pair to stale.
	SaveSession(ctx context.Context, st *RatchetState, consumeOPk uint32) error
	// DeleteSession removes an invalidated session and its skipped keys.
	DeleteSession(ctx context.Context, id int64) error
	PurgeStaleSessions(ctx context.Context, local DeviceID, cutoff int64) (int, error)

	Close() error
}

// ServerClient is the dialog with the key-distribution server. Every call
// carries the local device id and honours the context deadline; there is no
// retry in the core.
type ServerClient interface {
	RegisterUser(ctx context.Context, from DeviceID, curve CurveID, ik []byte, spk SignedPreKeyPublic, opks []OneTimePreKeyPublic) error
	DeleteUser(ctx context.Context, from DeviceID) error
	PostSignedPreKey(ctx context.Context, from DeviceID, curve CurveID, spk SignedPreKeyPublic) error
	PostOneTimePreKeys(ctx context.Context, from DeviceID, curve CurveID, opks []OneTimePreKeyPublic) error
	GetPeerBundle(ctx context.Context, from DeviceID, curve CurveID, peer DeviceID) (KeyBundle, error)
	GetSelfOneTimePreKeyCount(ctx context.Context, from DeviceID, curve CurveID) (int, error)
}
