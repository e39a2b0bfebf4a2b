package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindCodes(t *testing.T) {
	// The numeric codes are part of the foreign-function surface.
	assert.Equal(t, 1, KindNetwork.Code())
	assert.Equal(t, 2, KindCrypto.Code())
	assert.Equal(t, 3, KindProtocol.Code())
	assert.Equal(t, 4, KindStorage.Code())
	assert.Equal(t, 5, KindPeerTrust.Code())
	assert.Equal(t, 6, KindArgument.Code())
	assert.Equal(t, 255, KindExhausted.Code())
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("disk full")
	err := Errf(KindStorage, "save session: %w", cause)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindStorage, kind)
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("outer: %w", err)
	kind, ok = KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindStorage, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestPopSkipped(t *testing.T) {
	st := RatchetState{Skipped: []SkippedKey{
		{DHPub: []byte("chain-a"), N: 0, MK: []byte("mk0")},
		{DHPub: []byte("chain-a"), N: 1, MK: []byte("mk1")},
		{DHPub: []byte("chain-b"), N: 0, MK: []byte("mkb")},
	}}

	mk, ok := st.PopSkipped([]byte("chain-a"), 1)
	require.True(t, ok)
	assert.Equal(t, []byte("mk1"), mk)
	assert.Len(t, st.Skipped, 2)

	// A popped key is gone.
	_, ok = st.PopSkipped([]byte("chain-a"), 1)
	assert.False(t, ok)

	// Same index on another chain is a different key.
	mk, ok = st.PopSkipped([]byte("chain-b"), 0)
	require.True(t, ok)
	assert.Equal(t, []byte("mkb"), mk)
}

func TestCurveIDParse(t *testing.T) {
	id, ok := ParseCurveID("c25519")
	require.True(t, ok)
	assert.Equal(t, CurveC25519, id)
	id, ok = ParseCurveID("c448")
	require.True(t, ok)
	assert.Equal(t, CurveC448, id)
	_, ok = ParseCurveID("p256")
	assert.False(t, ok)
}
