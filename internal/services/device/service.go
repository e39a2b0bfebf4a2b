package device

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lime/internal/crypto"
	"lime/internal/domain"
	"lime/internal/protocol/ratchet"
	"lime/internal/util/memzero"
)

// Rotation and retention defaults.
const (
	// DefaultSPkLifetime is how long a signed prekey stays active before
	// Update rotates it.
	DefaultSPkLifetime = 7 * 24 * time.Hour
	// DefaultSPkGrace is how long a rotated signed prekey is retained for
	// in-flight X3DH initiations before Update purges it.
	DefaultSPkGrace = 24 * time.Hour
	// DefaultSessionRetention is how long stale sessions keep decrypting
	// late messages before Update purges them.
	DefaultSessionRetention = 30 * 24 * time.Hour
)

// Manager multiplexes local devices and their peer sessions. It owns the
// encrypt/decrypt, user-lifecycle and trust APIs, drives the server dialog,
// and serializes operations on one session through a per-pair lease.
type Manager struct {
	store  domain.Store
	client domain.ServerClient
	rng    io.Reader
	log    *logrus.Logger
	limits ratchet.Limits
	now    func() time.Time

	spkLifetime time.Duration
	spkGrace    time.Duration
	retention   time.Duration

	mu     sync.Mutex
	leases map[string]*sync.Mutex
}

// Option tunes a Manager at construction.
type Option func(*Manager)

// WithRNG injects the entropy source.
func WithRNG(r io.Reader) Option { return func(m *Manager) { m.rng = r } }

// WithLogger injects the logger.
func WithLogger(l *logrus.Logger) Option { return func(m *Manager) { m.log = l } }

// WithLimits tunes the skipped-message-key caps.
func WithLimits(l ratchet.Limits) Option { return func(m *Manager) { m.limits = l } }

// WithClock injects the time source, used by tests to simulate rotation.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithSPkSchedule overrides the signed-prekey lifetime and grace window.
func WithSPkSchedule(lifetime, grace time.Duration) Option {
	return func(m *Manager) { m.spkLifetime, m.spkGrace = lifetime, grace }
}

// New builds a Manager over a store and a server client.
func New(store domain.Store, client domain.ServerClient, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		client:      client,
		rng:         crypto.DefaultRNG,
		log:         logrus.StandardLogger(),
		now:         time.Now,
		spkLifetime: DefaultSPkLifetime,
		spkGrace:    DefaultSPkGrace,
		retention:   DefaultSessionRetention,
		leases:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lease returns the exclusive lock serializing operations on one
// (local, peer) session pair.
func (m *Manager) lease(local, peer domain.DeviceID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s|%s", local, peer)
	l, ok := m.leases[key]
	if !ok {
		l = &sync.Mutex{}
		m.leases[key] = l
	}
	return l
}

// CreateUser generates the device identity and prekey material, publishes it
// to the key server and persists it. Local state commits only on positive
// server acknowledgement.
func (m *Manager) CreateUser(ctx context.Context, deviceID domain.DeviceID, serverURL string, curveID domain.CurveID, opkBatch int) error {
	if deviceID == "" || serverURL == "" {
		return domain.Errf(domain.KindArgument, "device id and server url are required")
	}
	if opkBatch < 0 {
		return domain.Errf(domain.KindArgument, "negative one-time prekey batch")
	}
	c, err := crypto.ByID(curveID)
	if err != nil {
		return err
	}
	if _, exists, err := m.store.LocalUser(ctx, deviceID); err != nil {
		return err
	} else if exists {
		return domain.Errf(domain.KindArgument, "device %s already exists", deviceID)
	}

	ik, err := c.GenerateDSA(m.rng)
	if err != nil {
		return err
	}
	spk, err := m.newSignedPreKey(c, ik.Priv)
	if err != nil {
		return err
	}
	opks, err := m.newOneTimePreKeys(c, opkBatch)
	if err != nil {
		return err
	}

	err = m.client.RegisterUser(ctx, deviceID, curveID, ik.Pub,
		domain.SignedPreKeyPublic{ID: spk.ID, Pub: spk.Pub, Sig: spk.Sig},
		opkPublics(opks))
	if err != nil {
		memzero.ZeroAll(ik.Priv, spk.Priv)
		return err
	}

	now := m.now()
	user := domain.LocalUser{
		DeviceID:  deviceID,
		CurveID:   curveID,
		ServerURL: serverURL,
		IkPriv:    ik.Priv,
		IkPub:     ik.Pub,
		CreatedAt: now,
	}
	if err := m.store.CreateLocalUser(ctx, user, spk, opks); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"device": deviceID,
		"curve":  curveID.String(),
		"opks":   len(opks),
	}).Info("local user created")
	return nil
}

// DeleteUser removes the device from the server and from the store.
func (m *Manager) DeleteUser(ctx context.Context, deviceID domain.DeviceID) error {
	if _, ok, err := m.store.LocalUser(ctx, deviceID); err != nil {
		return err
	} else if !ok {
		return domain.Errf(domain.KindArgument, "unknown device %s", deviceID)
	}
	if err := m.client.DeleteUser(ctx, deviceID); err != nil {
		return err
	}
	if err := m.store.DeleteLocalUser(ctx, deviceID); err != nil {
		return err
	}
	m.log.WithField("device", deviceID).Info("local user deleted")
	return nil
}

// Update maintains the published key material: refills one-time prekeys when
// the server count drops below the watermark, rotates the signed prekey past
// its lifetime, and purges rotated prekeys past the grace window along with
// stale sessions past the retention window.
func (m *Manager) Update(ctx context.Context, deviceID domain.DeviceID, opkLowWatermark, opkBatch int) error {
	user, ok, err := m.store.LocalUser(ctx, deviceID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Errf(domain.KindArgument, "unknown device %s", deviceID)
	}
	c, err := crypto.ByID(user.CurveID)
	if err != nil {
		return err
	}

	count, err := m.client.GetSelfOneTimePreKeyCount(ctx, deviceID, user.CurveID)
	if err != nil {
		return err
	}
	if count < opkLowWatermark && opkBatch > 0 {
		opks, err := m.newOneTimePreKeys(c, opkBatch)
		if err != nil {
			return err
		}
		if err := m.client.PostOneTimePreKeys(ctx, deviceID, user.CurveID, opkPublics(opks)); err != nil {
			return err
		}
		if err := m.store.AddOneTimePreKeys(ctx, deviceID, opks); err != nil {
			return err
		}
		m.log.WithFields(logrus.Fields{
			"device":   deviceID,
			"uploaded": len(opks),
			"remained": count,
		}).Info("one-time prekeys refilled")
	}

	active, ok, err := m.store.ActiveSignedPreKey(ctx, deviceID)
	if err != nil {
		return err
	}
	if !ok || m.now().Sub(active.CreatedAt) > m.spkLifetime {
		spk, err := m.newSignedPreKey(c, user.IkPriv)
		if err != nil {
			return err
		}
		pub := domain.SignedPreKeyPublic{ID: spk.ID, Pub: spk.Pub, Sig: spk.Sig}
		if err := m.client.PostSignedPreKey(ctx, deviceID, user.CurveID, pub); err != nil {
			memzero.Zero(spk.Priv)
			return err
		}
		if err := m.store.AddSignedPreKey(ctx, deviceID, spk); err != nil {
			return err
		}
		m.log.WithFields(logrus.Fields{"device": deviceID, "spk": spk.ID}).Info("signed prekey rotated")
	}

	cutoff := m.now().Add(-(m.spkLifetime + m.spkGrace)).Unix()
	if n, err := m.store.DeleteSignedPreKeysBefore(ctx, deviceID, cutoff); err != nil {
		return err
	} else if n > 0 {
		m.log.WithFields(logrus.Fields{"device": deviceID, "purged": n}).Info("signed prekeys purged")
	}
	if _, err := m.store.PurgeStaleSessions(ctx, deviceID, m.now().Add(-m.retention).Unix()); err != nil {
		return err
	}
	return nil
}

// GetSelfIdentityKey returns the device's public DSA identity key.
func (m *Manager) GetSelfIdentityKey(ctx context.Context, deviceID domain.DeviceID) ([]byte, error) {
	user, ok, err := m.store.LocalUser(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.Errf(domain.KindArgument, "unknown device %s", deviceID)
	}
	return user.IkPub, nil
}

// SetPeerDeviceStatus establishes or revokes trust in a peer device. A key
// conflicting with the one on record forces the durable status PeerFail and
// errors; PeerFail itself cannot be set directly.
func (m *Manager) SetPeerDeviceStatus(ctx context.Context, peer domain.DeviceID, userID domain.UserID, ik []byte, status domain.PeerStatus) error {
	switch status {
	case domain.PeerTrusted, domain.PeerUntrusted, domain.PeerUnsafe:
	default:
		return domain.Errf(domain.KindArgument, "status %s cannot be set", status)
	}
	if status != domain.PeerUnsafe && len(ik) == 0 {
		return domain.Errf(domain.KindArgument, "identity key required for status %s", status)
	}
	err := m.store.SetPeerDevice(ctx, domain.PeerDevice{
		DeviceID: peer,
		UserID:   userID,
		Ik:       ik,
		Status:   status,
	})
	if err == nil {
		m.log.WithFields(logrus.Fields{"peer": peer, "status": status.String()}).Info("peer status set")
	}
	return err
}

// GetPeerDeviceStatus returns the trust status of a peer device, PeerUnknown
// when no record exists.
func (m *Manager) GetPeerDeviceStatus(ctx context.Context, peer domain.DeviceID) (domain.PeerStatus, error) {
	rec, ok, err := m.store.PeerDevice(ctx, peer)
	if err != nil {
		return domain.PeerUnknown, err
	}
	if !ok {
		return domain.PeerUnknown, nil
	}
	return rec.Status, nil
}

// --- key material helpers ---

func (m *Manager) newSignedPreKey(c crypto.Curve, ikPriv []byte) (domain.SignedPreKey, error) {
	pair, err := c.GenerateDH(m.rng)
	if err != nil {
		return domain.SignedPreKey{}, err
	}
	sig, err := c.Sign(ikPriv, pair.Pub)
	if err != nil {
		return domain.SignedPreKey{}, err
	}
	id, err := crypto.RandomID(m.rng)
	if err != nil {
		return domain.SignedPreKey{}, err
	}
	return domain.SignedPreKey{
		ID:        id,
		Priv:      pair.Priv,
		Pub:       pair.Pub,
		Sig:       sig,
		Active:    true,
		CreatedAt: m.now(),
	}, nil
}

func (m *Manager) newOneTimePreKeys(c crypto.Curve, n int) ([]domain.OneTimePreKey, error) {
	opks := make([]domain.OneTimePreKey, 0, n)
	for i := 0; i < n; i++ {
		pair, err := c.GenerateDH(m.rng)
		if err != nil {
			return nil, err
		}
		id, err := crypto.RandomID(m.rng)
		if err != nil {
			return nil, err
		}
		opks = append(opks, domain.OneTimePreKey{ID: id, Priv: pair.Priv, Pub: pair.Pub})
	}
	return opks, nil
}

func opkPublics(opks []domain.OneTimePreKey) []domain.OneTimePreKeyPublic {
	out := make([]domain.OneTimePreKeyPublic, len(opks))
	for i, o := range opks {
		out[i] = domain.OneTimePreKeyPublic{ID: o.ID, Pub: o.Pub}
	}
	return out
}
