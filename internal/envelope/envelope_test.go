package envelope

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kizuna-net/bridge/internal/identity"
)

func testIdentity(t *testing.T) *identity.Identity {
	dir, err := os.MkdirTemp("", "envelope-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	id, err := identity.LoadOrCreate(dir)
	require.NoError(t, err)
	return id
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id := testIdentity(t)

	payload := map[string]any{"type": "handshake", "manifest": map[string]any{"role": "tester"}}
	env, err := Sign(id, payload)
	require.NoError(t, err)

	require.True(t, Verify(env))
	require.Equal(t, id.PublicHex, env.SenderKey)
}

func TestVerifyRejectsFlippedSignatureByte(t *testing.T) {
	id := testIdentity(t)

	env, err := Sign(id, map[string]any{"type": "ping"})
	require.NoError(t, err)

	raw := []byte(env.Signature)
	raw[0] ^= 0xFF
	env.Signature = string(raw)

	require.False(t, Verify(env))
}

func TestVerifyRejectsUnknownSenderKey(t *testing.T) {
	id := testIdentity(t)
	env, err := Sign(id, map[string]any{"type": "ping"})
	require.NoError(t, err)

	env.SenderKey = "not-a-valid-spki-hex"
	require.False(t, Verify(env))
}

func TestIsPingRecognisesBareHeartbeat(t *testing.T) {
	require.True(t, IsPing([]byte(`{"type":"ping"}`)))
	require.False(t, IsPing([]byte(`{"content":"x","senderKey":"y","signature":"z","timestamp":1}`)))
}

func TestContentIsVerbatimNotReserialised(t *testing.T) {
	id := testIdentity(t)

	// A payload built from an unordered map still round-trips because Sign
	// canonicalizes once and Verify checks the embedded string as-is, never
	// a re-serialisation of it.
	payload := map[string]any{"zeta": 1, "alpha": 2, "mu": 3}
	env, err := Sign(id, payload)
	require.NoError(t, err)
	require.True(t, Verify(env))

	var decoded map[string]any
	require.NoError(t, env.DecodeContent(&decoded))
	require.Equal(t, float64(1), decoded["zeta"])
}
