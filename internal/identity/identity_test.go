package identity

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreatePersistsAcrossReload(t *testing.T) {
	dir, err := os.MkdirTemp("", "identity-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	first, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.NotEmpty(t, first.PublicHex)

	second, err := LoadOrCreate(dir)
	require.NoError(t, err)

	require.Equal(t, first.PublicHex, second.PublicHex)
	require.Equal(t, first.Private, second.Private)
}

func TestShortIDIsLast8HexOfRawKey(t *testing.T) {
	dir, err := os.MkdirTemp("", "identity-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	id, err := LoadOrCreate(dir)
	require.NoError(t, err)

	raw := id.RawHex()
	require.Len(t, raw, 64)
	require.Equal(t, raw[len(raw)-8:], id.ShortID())
	require.Equal(t, id.ShortID(), ShortIDFromHex(id.PublicHex))
}

func TestMultibaseIDIsStableAndDistinctFromShortID(t *testing.T) {
	dir, err := os.MkdirTemp("", "identity-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	id, err := LoadOrCreate(dir)
	require.NoError(t, err)

	mb, err := id.MultibaseID()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(mb, "z"), "base58btc multibase strings start with 'z'")
	require.NotEqual(t, id.ShortID(), mb)

	fromHex, err := MultibaseIDFromHex(id.PublicHex)
	require.NoError(t, err)
	require.Equal(t, mb, fromHex)
}

func TestPublicKeyFromHexRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "identity-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	id, err := LoadOrCreate(dir)
	require.NoError(t, err)

	pub, err := PublicKeyFromHex(id.PublicHex)
	require.NoError(t, err)
	require.True(t, pub.Equal(id.Public))
}
