package domain

import "time"

// LocalUser is a local device identity as persisted by the store. The DSA
// key pair is the long-term identity; the X form used by X3DH is derived from
// it on demand.
type LocalUser struct {
	DeviceID  DeviceID
	CurveID   CurveID
	ServerURL string
	IkPriv    []byte // DSA private key
	IkPub     []byte // DSA public key
	CreatedAt time.Time
}

// SignedPreKey is a medium-term prekey pair with its signature over the
// public half.
type SignedPreKey struct {
	ID        uint32
	Priv      []byte
	Pub       []byte
	Sig       []byte
	Active    bool
	CreatedAt time.Time
}

// OneTimePreKey is consumed at most once as responder in X3DH.
type OneTimePreKey struct {
	ID   uint32
	Priv []byte
	Pub  []byte
}

// PeerDevice is the identity and trust record of a remote device, shared
// across local devices of the process.
type PeerDevice struct {
	DeviceID DeviceID
	UserID   UserID
	Ik       []byte // DSA public key
	Status   PeerStatus
}

// SignedPreKeyPublic is the public half of a signed prekey as published in a
// key bundle.
type SignedPreKeyPublic struct {
	ID  uint32
	Pub []byte
	Sig []byte
}

// OneTimePreKeyPublic is the public half of a one-time prekey as published.
type OneTimePreKeyPublic struct {
	ID  uint32
	Pub []byte
}

// KeyBundle is the set of public keys an initiator fetches for a peer device
// to begin X3DH. OPkID is zero when the server had no one-time prekey left.
type KeyBundle struct {
	DeviceID DeviceID
	CurveID  CurveID
	Ik       []byte
	SPkID    uint32
	SPk      []byte
	SPkSig   []byte
	OPkID    uint32
	OPk      []byte
}
