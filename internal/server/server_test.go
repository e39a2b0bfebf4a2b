package server_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lime/internal/domain"
	"lime/internal/server"
)

func newDialog(t *testing.T) (*server.Server, *server.Client) {
	t.Helper()
	srv := server.NewServer(nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, server.NewClient(ts.URL, ts.Client(), nil)
}

func sampleSPk() domain.SignedPreKeyPublic {
	return domain.SignedPreKeyPublic{ID: 7, Pub: []byte("spk-public"), Sig: []byte("spk-signature")}
}

func sampleOPks() []domain.OneTimePreKeyPublic {
	return []domain.OneTimePreKeyPublic{
		{ID: 100, Pub: []byte("opk-100")},
		{ID: 101, Pub: []byte("opk-101")},
	}
}

func TestRegisterAndFetchBundle(t *testing.T) {
	ctx := context.Background()
	_, client := newDialog(t)

	err := client.RegisterUser(ctx, "bob.dev", domain.CurveC25519,
		[]byte("bob-identity"), sampleSPk(), sampleOPks())
	require.NoError(t, err)

	bundle, err := client.GetPeerBundle(ctx, "alice.dev", domain.CurveC25519, "bob.dev")
	require.NoError(t, err)
	assert.EqualValues(t, "bob.dev", bundle.DeviceID)
	assert.Equal(t, []byte("bob-identity"), bundle.Ik)
	assert.EqualValues(t, 7, bundle.SPkID)
	assert.Equal(t, []byte("spk-signature"), bundle.SPkSig)
	// The oldest one-time prekey is consumed first.
	assert.EqualValues(t, 100, bundle.OPkID)
	assert.Equal(t, []byte("opk-100"), bundle.OPk)

	count, err := client.GetSelfOneTimePreKeyCount(ctx, "bob.dev", domain.CurveC25519)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBundleExhaustsOPks(t *testing.T) {
	ctx := context.Background()
	_, client := newDialog(t)

	require.NoError(t, client.RegisterUser(ctx, "bob.dev", domain.CurveC25519,
		[]byte("ik"), sampleSPk(), sampleOPks()[:1]))

	bundle, err := client.GetPeerBundle(ctx, "a1", domain.CurveC25519, "bob.dev")
	require.NoError(t, err)
	assert.NotZero(t, bundle.OPkID)

	// Second fetch finds the bundle without a one-time prekey.
	bundle, err = client.GetPeerBundle(ctx, "a2", domain.CurveC25519, "bob.dev")
	require.NoError(t, err)
	assert.Zero(t, bundle.OPkID)
	assert.Nil(t, bundle.OPk)
}

func TestPostOPksAndSPk(t *testing.T) {
	ctx := context.Background()
	_, client := newDialog(t)

	require.NoError(t, client.RegisterUser(ctx, "bob.dev", domain.CurveC25519,
		[]byte("ik"), sampleSPk(), nil))

	count, err := client.GetSelfOneTimePreKeyCount(ctx, "bob.dev", domain.CurveC25519)
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, client.PostOneTimePreKeys(ctx, "bob.dev", domain.CurveC25519, sampleOPks()))
	count, err = client.GetSelfOneTimePreKeyCount(ctx, "bob.dev", domain.CurveC25519)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	rotated := domain.SignedPreKeyPublic{ID: 8, Pub: []byte("spk-2"), Sig: []byte("sig-2")}
	require.NoError(t, client.PostSignedPreKey(ctx, "bob.dev", domain.CurveC25519, rotated))
	bundle, err := client.GetPeerBundle(ctx, "alice.dev", domain.CurveC25519, "bob.dev")
	require.NoError(t, err)
	assert.EqualValues(t, 8, bundle.SPkID)
}

func TestUnknownDeviceErrors(t *testing.T) {
	ctx := context.Background()
	_, client := newDialog(t)

	// A refusal the server answered is a protocol condition, not a
	// transport failure.
	_, err := client.GetPeerBundle(ctx, "alice.dev", domain.CurveC25519, "ghost.dev")
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindProtocol, kind)
	assert.ErrorIs(t, err, domain.ErrBundleNotFound)

	_, err = client.GetSelfOneTimePreKeyCount(ctx, "ghost.dev", domain.CurveC25519)
	require.Error(t, err)

	require.Error(t, client.PostOneTimePreKeys(ctx, "ghost.dev", domain.CurveC25519, sampleOPks()))
}

func TestDeleteUser(t *testing.T) {
	ctx := context.Background()
	_, client := newDialog(t)

	require.NoError(t, client.RegisterUser(ctx, "bob.dev", domain.CurveC25519,
		[]byte("ik"), sampleSPk(), nil))
	require.NoError(t, client.DeleteUser(ctx, "bob.dev"))

	_, err := client.GetPeerBundle(ctx, "alice.dev", domain.CurveC25519, "bob.dev")
	require.Error(t, err)
}

func TestRegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	srv, client := newDialog(t)

	for i := 0; i < 2; i++ {
		require.NoError(t, client.RegisterUser(ctx, "bob.dev", domain.CurveC25519,
			[]byte("ik"), sampleSPk(), sampleOPks()))
	}
	// A re-sent publish replaces, not accumulates.
	assert.Equal(t, 2, srv.OPkCount("bob.dev"))
}

func TestHandleRejectsGarbage(t *testing.T) {
	srv := server.NewServer(nil)

	resp := srv.Handle("x.dev", []byte{0x09, 0x01, 0x01})
	require.GreaterOrEqual(t, len(resp), 4)
	assert.EqualValues(t, server.TypeError, resp[2])

	resp = srv.Handle("x.dev", nil)
	assert.EqualValues(t, server.TypeError, resp[2])
}

func TestBundleCodecRoundTrip(t *testing.T) {
	in := domain.KeyBundle{
		DeviceID: "bob.dev",
		CurveID:  domain.CurveC448,
		Ik:       []byte("identity"),
		SPkID:    0xAABBCCDD,
		SPk:      []byte("signed-prekey"),
		SPkSig:   []byte("signature"),
		OPkID:    0x01020304,
		OPk:      []byte("one-time"),
	}
	wire := server.EncodeBundle(in)
	out, err := server.DecodeBundle(domain.CurveC448, wire[4:])
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = server.DecodeBundle(domain.CurveC448, wire[4:8])
	require.Error(t, err)
}
