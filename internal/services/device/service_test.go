package device_test

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lime/internal/domain"
	"lime/internal/server"
	"lime/internal/services/device"
	"lime/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// world is one key server shared by several simulated processes.
type world struct {
	ts    *httptest.Server
	srv   *server.Server
	clock *fakeClock
}

func newWorld(t *testing.T) *world {
	t.Helper()
	srv := server.NewServer(quietLog())
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &world{ts: ts, srv: srv, clock: &fakeClock{t: time.Now()}}
}

// process builds a manager over its own store, as one device-owning process.
func (w *world) process(t *testing.T) *device.Manager {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "lime.db"), quietLog())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	client := server.NewClient(w.ts.URL, w.ts.Client(), quietLog())
	return device.New(s, client,
		device.WithLogger(quietLog()),
		device.WithClock(w.clock.Now))
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func trustEachOther(t *testing.T, ctx context.Context, a, b *device.Manager, aDev, bDev domain.DeviceID, aUser, bUser domain.UserID) {
	t.Helper()
	aIk, err := a.GetSelfIdentityKey(ctx, aDev)
	require.NoError(t, err)
	bIk, err := b.GetSelfIdentityKey(ctx, bDev)
	require.NoError(t, err)
	require.NoError(t, a.SetPeerDeviceStatus(ctx, bDev, bUser, bIk, domain.PeerTrusted))
	require.NoError(t, b.SetPeerDeviceStatus(ctx, aDev, aUser, aIk, domain.PeerTrusted))
}

func encryptTo(t *testing.T, ctx context.Context, m *device.Manager, from domain.DeviceID, toUser domain.UserID, toDev domain.DeviceID, plain string, policy domain.EncryptionPolicy) ([]byte, []byte) {
	t.Helper()
	out, cipherMessage, err := m.Encrypt(ctx, from, toUser,
		[]domain.Recipient{{DeviceID: toDev}}, []byte(plain), policy)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].DRMessage)
	return out[0].DRMessage, cipherMessage
}

// S1: two devices, mutual trust, one message under the cipherMessage policy.
func TestTwoDeviceHello(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice := w.process(t)
	bob := w.process(t)

	require.NoError(t, alice.CreateUser(ctx, "alice.xyz123", w.ts.URL, domain.CurveC25519, 10))
	require.NoError(t, bob.CreateUser(ctx, "bob.abc456", w.ts.URL, domain.CurveC25519, 10))
	trustEachOther(t, ctx, alice, bob, "alice.xyz123", "bob.abc456", "alice", "bob")

	text := "I have come here to chew bubble gum and kick ass, and I'm all out of bubble gum"
	dr, cipherMessage := encryptTo(t, ctx, alice, "alice.xyz123", "bob", "bob.abc456", text, domain.ForceCipherMessage)
	require.NotEmpty(t, cipherMessage)

	plain, status, err := bob.Decrypt(ctx, "bob.abc456", "alice", "alice.xyz123", dr, cipherMessage)
	require.NoError(t, err)
	assert.Equal(t, []byte(text), plain)
	assert.Equal(t, domain.PeerTrusted, status)
}

// S2: one chain delivered out of order; a second delivery is refused.
func TestOutOfOrderDelivery(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice := w.process(t)
	bob := w.process(t)

	require.NoError(t, alice.CreateUser(ctx, "alice.d1", w.ts.URL, domain.CurveC25519, 10))
	require.NoError(t, bob.CreateUser(ctx, "bob.d1", w.ts.URL, domain.CurveC25519, 10))

	texts := []string{"m0", "m1", "m2", "m3", "m4"}
	wires := make([][]byte, len(texts))
	for i, s := range texts {
		wires[i], _ = encryptTo(t, ctx, alice, "alice.d1", "bob", "bob.d1", s, domain.ForceDRMessage)
	}

	for _, i := range []int{2, 0, 4, 1, 3} {
		plain, _, err := bob.Decrypt(ctx, "bob.d1", "alice", "alice.d1", wires[i], nil)
		require.NoError(t, err, "message %d", i)
		assert.Equal(t, []byte(texts[i]), plain)
	}

	_, _, err := bob.Decrypt(ctx, "bob.d1", "alice", "alice.d1", wires[2], nil)
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindProtocol, kind)
}

// S3: the responder runs out of one-time prekeys; the next initiator falls
// back to the three-DH variant.
func TestResponderOutOfOPks(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice := w.process(t)
	bob := w.process(t)

	require.NoError(t, bob.CreateUser(ctx, "bob.d1", w.ts.URL, domain.CurveC25519, 1))
	require.NoError(t, alice.CreateUser(ctx, "alice.d1", w.ts.URL, domain.CurveC25519, 10))
	require.NoError(t, alice.CreateUser(ctx, "alice.d2", w.ts.URL, domain.CurveC25519, 10))

	dr1, _ := encryptTo(t, ctx, alice, "alice.d1", "bob", "bob.d1", "from d1", domain.ForceDRMessage)
	assert.Zero(t, w.srv.OPkCount("bob.d1"))
	dr2, _ := encryptTo(t, ctx, alice, "alice.d2", "bob", "bob.d1", "from d2", domain.ForceDRMessage)

	plain, _, err := bob.Decrypt(ctx, "bob.d1", "alice", "alice.d1", dr1, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("from d1"), plain)

	plain, _, err = bob.Decrypt(ctx, "bob.d1", "alice", "alice.d2", dr2, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("from d2"), plain)
}

// S4: a conflicting identity key is sticky and refuses encryption.
func TestConflictingIdentity(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	carol := w.process(t)
	bob := w.process(t)

	require.NoError(t, carol.CreateUser(ctx, "carol.d1", w.ts.URL, domain.CurveC25519, 5))
	require.NoError(t, bob.CreateUser(ctx, "bob.d1", w.ts.URL, domain.CurveC25519, 5))

	k1, err := bob.GetSelfIdentityKey(ctx, "bob.d1")
	require.NoError(t, err)
	require.NoError(t, carol.SetPeerDeviceStatus(ctx, "bob.d1", "bob", k1, domain.PeerTrusted))

	k2 := append([]byte(nil), k1...)
	k2[0] ^= 0x01
	err = carol.SetPeerDeviceStatus(ctx, "bob.d1", "bob", k2, domain.PeerTrusted)
	require.Error(t, err)

	status, err := carol.GetPeerDeviceStatus(ctx, "bob.d1")
	require.NoError(t, err)
	assert.Equal(t, domain.PeerFail, status)

	out, cipherMessage, err := carol.Encrypt(ctx, "carol.d1", "bob",
		[]domain.Recipient{{DeviceID: "bob.d1"}}, []byte("hello?"), domain.ForceDRMessage)
	require.NoError(t, err)
	assert.Nil(t, cipherMessage)
	require.Len(t, out, 1)
	assert.Equal(t, domain.PeerFail, out[0].Status)
	assert.Nil(t, out[0].DRMessage)
}

// S5: signed prekey rotation keeps the previous key through the grace window
// and purges it after.
func TestSPkRotation(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice := w.process(t)
	bob := w.process(t)

	require.NoError(t, bob.CreateUser(ctx, "bob.d1", w.ts.URL, domain.CurveC25519, 10))
	require.NoError(t, alice.CreateUser(ctx, "alice.d1", w.ts.URL, domain.CurveC25519, 10))
	require.NoError(t, alice.CreateUser(ctx, "alice.d2", w.ts.URL, domain.CurveC25519, 10))

	// Both initiators pick up the original SPk before any rotation.
	dr1, _ := encryptTo(t, ctx, alice, "alice.d1", "bob", "bob.d1", "before rotation", domain.ForceDRMessage)
	dr2, _ := encryptTo(t, ctx, alice, "alice.d2", "bob", "bob.d1", "long delayed", domain.ForceDRMessage)

	// Past the lifetime, Update uploads a fresh SPk.
	w.clock.Advance(device.DefaultSPkLifetime + time.Hour)
	require.NoError(t, bob.Update(ctx, "bob.d1", 0, 0))

	// The rotated-out SPk is still stored: the in-flight init decrypts.
	plain, _, err := bob.Decrypt(ctx, "bob.d1", "alice", "alice.d1", dr1, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("before rotation"), plain)

	// Past the grace window the old SPk is purged; a late init referencing
	// it is rejected.
	w.clock.Advance(device.DefaultSPkGrace + time.Hour)
	require.NoError(t, bob.Update(ctx, "bob.d1", 0, 0))
	_, _, err = bob.Decrypt(ctx, "bob.d1", "alice", "alice.d2", dr2, nil)
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindProtocol, kind)
}

// S6: upload-size optimisation picks DRMessage for one recipient and the
// content key for a fan-out.
func TestMultiRecipientOptimization(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice := w.process(t)
	bob := w.process(t)

	require.NoError(t, alice.CreateUser(ctx, "alice.d1", w.ts.URL, domain.CurveC25519, 5))
	bobDevices := []domain.DeviceID{"bob.d1", "bob.d2", "bob.d3", "bob.d4", "bob.d5"}
	for _, d := range bobDevices {
		require.NoError(t, bob.CreateUser(ctx, d, w.ts.URL, domain.CurveC25519, 2))
	}
	plain := make([]byte, 10*1024)
	for i := range plain {
		plain[i] = byte(i)
	}

	out, cipherMessage, err := alice.Encrypt(ctx, "alice.d1", "bob",
		[]domain.Recipient{{DeviceID: "bob.d1"}}, plain, domain.OptimizeUploadSize)
	require.NoError(t, err)
	assert.Nil(t, cipherMessage, "single recipient must use the DR payload")
	require.NotNil(t, out[0].DRMessage)

	recipients := make([]domain.Recipient, len(bobDevices))
	for i, d := range bobDevices {
		recipients[i] = domain.Recipient{DeviceID: d}
	}
	out, cipherMessage, err = alice.Encrypt(ctx, "alice.d1", "bob", recipients, plain, domain.OptimizeUploadSize)
	require.NoError(t, err)
	require.NotEmpty(t, cipherMessage, "fan-out must share one cipher body")

	for i, d := range bobDevices {
		got, _, err := bob.Decrypt(ctx, d, "alice", "alice.d1", out[i].DRMessage, cipherMessage)
		require.NoError(t, err, "device %s", d)
		assert.Equal(t, plain, got)
	}

	// A tiny payload stays in the DR messages even for a fan-out.
	out, cipherMessage, err = alice.Encrypt(ctx, "alice.d1", "bob", recipients, []byte("hi"), domain.OptimizeUploadSize)
	require.NoError(t, err)
	assert.Nil(t, cipherMessage)
	for _, r := range out {
		assert.NotNil(t, r.DRMessage)
	}
}

// Unknown peers are auto-promoted to untrusted once traffic flows.
func TestUnknownPromotedToUntrusted(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice := w.process(t)
	bob := w.process(t)

	require.NoError(t, alice.CreateUser(ctx, "alice.d1", w.ts.URL, domain.CurveC25519, 5))
	require.NoError(t, bob.CreateUser(ctx, "bob.d1", w.ts.URL, domain.CurveC25519, 5))

	status, err := alice.GetPeerDeviceStatus(ctx, "bob.d1")
	require.NoError(t, err)
	assert.Equal(t, domain.PeerUnknown, status)

	dr, _ := encryptTo(t, ctx, alice, "alice.d1", "bob", "bob.d1", "ping", domain.ForceDRMessage)
	status, err = alice.GetPeerDeviceStatus(ctx, "bob.d1")
	require.NoError(t, err)
	assert.Equal(t, domain.PeerUntrusted, status)

	plain, status, err := bob.Decrypt(ctx, "bob.d1", "alice", "alice.d1", dr, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), plain)
	assert.Equal(t, domain.PeerUntrusted, status)
}

// A full conversation keeps both directions flowing through DH ratchet
// steps, with the init confirmed and dropped after the first reply.
func TestConversation(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice := w.process(t)
	bob := w.process(t)

	require.NoError(t, alice.CreateUser(ctx, "alice.d1", w.ts.URL, domain.CurveC25519, 5))
	require.NoError(t, bob.CreateUser(ctx, "bob.d1", w.ts.URL, domain.CurveC25519, 5))

	for round := 0; round < 3; round++ {
		dr, _ := encryptTo(t, ctx, alice, "alice.d1", "bob", "bob.d1", "question", domain.ForceDRMessage)
		plain, _, err := bob.Decrypt(ctx, "bob.d1", "alice", "alice.d1", dr, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte("question"), plain)

		dr, _ = encryptTo(t, ctx, bob, "bob.d1", "alice", "alice.d1", "answer", domain.ForceDRMessage)
		plain, _, err = alice.Decrypt(ctx, "alice.d1", "bob", "bob.d1", dr, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte("answer"), plain)
	}
}

// Deleting a user removes its published bundle and local state.
func TestCreateAndDeleteUser(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice := w.process(t)
	bob := w.process(t)

	require.NoError(t, bob.CreateUser(ctx, "bob.d1", w.ts.URL, domain.CurveC25519, 5))
	require.Error(t, bob.CreateUser(ctx, "bob.d1", w.ts.URL, domain.CurveC25519, 5),
		"duplicate device must be refused")

	require.NoError(t, alice.CreateUser(ctx, "alice.d1", w.ts.URL, domain.CurveC25519, 5))
	require.NoError(t, bob.DeleteUser(ctx, "bob.d1"))

	out, _, err := alice.Encrypt(ctx, "alice.d1", "bob",
		[]domain.Recipient{{DeviceID: "bob.d1"}}, []byte("anyone there?"), domain.ForceDRMessage)
	require.NoError(t, err)
	assert.Equal(t, domain.PeerFail, out[0].Status)
	assert.Nil(t, out[0].DRMessage)
}

// A transport failure while fetching a bundle propagates to the caller; it
// never masquerades as a failed recipient.
func TestEncryptPropagatesNetworkErrors(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice := w.process(t)
	bob := w.process(t)

	require.NoError(t, alice.CreateUser(ctx, "alice.d1", w.ts.URL, domain.CurveC25519, 5))
	require.NoError(t, bob.CreateUser(ctx, "bob.d1", w.ts.URL, domain.CurveC25519, 5))

	w.ts.Close()
	_, _, err := alice.Encrypt(ctx, "alice.d1", "bob",
		[]domain.Recipient{{DeviceID: "bob.d1"}}, []byte("hello?"), domain.ForceDRMessage)
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindNetwork, kind)
}

// Two consecutive init-bearing failures leave the session alone; a
// successful decrypt in between resets the count.
func TestInitFailureCounterResets(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice := w.process(t)
	bob := w.process(t)

	require.NoError(t, alice.CreateUser(ctx, "alice.d1", w.ts.URL, domain.CurveC25519, 5))
	require.NoError(t, bob.CreateUser(ctx, "bob.d1", w.ts.URL, domain.CurveC25519, 5))

	wires := make([][]byte, 3)
	for i := range wires {
		wires[i], _ = encryptTo(t, ctx, alice, "alice.d1", "bob", "bob.d1", "payload", domain.ForceDRMessage)
	}
	_, _, err := bob.Decrypt(ctx, "bob.d1", "alice", "alice.d1", wires[0], nil)
	require.NoError(t, err)

	tampered := append([]byte(nil), wires[1]...)
	tampered[len(tampered)-1] ^= 0x01
	for i := 0; i < 2; i++ {
		_, _, err := bob.Decrypt(ctx, "bob.d1", "alice", "alice.d1", tampered, nil)
		require.Error(t, err)
	}

	// The session survived both strikes and the good copy resets the count.
	plain, _, err := bob.Decrypt(ctx, "bob.d1", "alice", "alice.d1", wires[1], nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plain)

	for i := 0; i < 2; i++ {
		tampered2 := append([]byte(nil), wires[2]...)
		tampered2[len(tampered2)-1] ^= 0x01
		_, _, err := bob.Decrypt(ctx, "bob.d1", "alice", "alice.d1", tampered2, nil)
		require.Error(t, err)
	}
	plain, _, err = bob.Decrypt(ctx, "bob.d1", "alice", "alice.d1", wires[2], nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plain)
}

// The third consecutive init-bearing failure invalidates the session and
// forces a fresh X3DH.
func TestInitFailuresInvalidateSessionAfterThree(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice := w.process(t)
	bob := w.process(t)

	require.NoError(t, alice.CreateUser(ctx, "alice.d1", w.ts.URL, domain.CurveC25519, 5))
	require.NoError(t, bob.CreateUser(ctx, "bob.d1", w.ts.URL, domain.CurveC25519, 5))

	first, _ := encryptTo(t, ctx, alice, "alice.d1", "bob", "bob.d1", "hello", domain.ForceDRMessage)
	second, _ := encryptTo(t, ctx, alice, "alice.d1", "bob", "bob.d1", "world", domain.ForceDRMessage)
	_, _, err := bob.Decrypt(ctx, "bob.d1", "alice", "alice.d1", first, nil)
	require.NoError(t, err)

	tampered := append([]byte(nil), second...)
	tampered[len(tampered)-1] ^= 0x01
	for i := 0; i < 3; i++ {
		_, _, err := bob.Decrypt(ctx, "bob.d1", "alice", "alice.d1", tampered, nil)
		require.Error(t, err, "strike %d", i+1)
	}

	// The session is gone: even the genuine message cannot route to it, and
	// the forced re-X3DH is rejected on the already-consumed one-time
	// prekey, so the peer must initiate anew.
	_, _, err = bob.Decrypt(ctx, "bob.d1", "alice", "alice.d1", second, nil)
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindProtocol, kind)
}

// With no one-time prekey in the init and the signed prekey purged, the
// responder is out of key material to agree on.
func TestExhaustedWhenSPkPurgedWithoutOPk(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice := w.process(t)
	bob := w.process(t)

	require.NoError(t, bob.CreateUser(ctx, "bob.d1", w.ts.URL, domain.CurveC25519, 0))
	require.NoError(t, alice.CreateUser(ctx, "alice.d1", w.ts.URL, domain.CurveC25519, 5))

	// The bundle has no OPk, so the init references only the SPk.
	dr, _ := encryptTo(t, ctx, alice, "alice.d1", "bob", "bob.d1", "too late", domain.ForceDRMessage)

	// One update past lifetime+grace rotates the SPk and purges the old one.
	w.clock.Advance(device.DefaultSPkLifetime + device.DefaultSPkGrace + 2*time.Hour)
	require.NoError(t, bob.Update(ctx, "bob.d1", 0, 0))

	_, _, err := bob.Decrypt(ctx, "bob.d1", "alice", "alice.d1", dr, nil)
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindExhausted, kind)
}

// Update refills one-time prekeys when the server count drops below the
// watermark.
func TestUpdateRefillsOPks(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice := w.process(t)
	bob := w.process(t)

	require.NoError(t, bob.CreateUser(ctx, "bob.d1", w.ts.URL, domain.CurveC25519, 2))
	require.NoError(t, alice.CreateUser(ctx, "alice.d1", w.ts.URL, domain.CurveC25519, 2))
	require.NoError(t, alice.CreateUser(ctx, "alice.d2", w.ts.URL, domain.CurveC25519, 2))

	encryptTo(t, ctx, alice, "alice.d1", "bob", "bob.d1", "one", domain.ForceDRMessage)
	encryptTo(t, ctx, alice, "alice.d2", "bob", "bob.d1", "two", domain.ForceDRMessage)
	assert.Zero(t, w.srv.OPkCount("bob.d1"))

	require.NoError(t, bob.Update(ctx, "bob.d1", 5, 10))
	assert.Equal(t, 10, w.srv.OPkCount("bob.d1"))

	// Above the watermark nothing is uploaded.
	require.NoError(t, bob.Update(ctx, "bob.d1", 5, 10))
	assert.Equal(t, 10, w.srv.OPkCount("bob.d1"))
}
