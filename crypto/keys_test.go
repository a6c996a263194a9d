package crypto

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrivateKeyRoundTrips(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	fromBytes, err := PrivateKeyFromBytes(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, key.Address(), fromBytes.Address())

	fromHex, err := PrivateKeyFromHex(fmt.Sprintf("%x", key.Bytes()))
	require.NoError(t, err)
	require.Equal(t, key.Address(), fromHex.Address())

	withPrefix, err := PrivateKeyFromHex(fmt.Sprintf("0x%x", key.Bytes()))
	require.NoError(t, err)
	require.Equal(t, key.Address(), withPrefix.Address())
}

func TestPrivateKeyFromHexRejectsGarbage(t *testing.T) {
	_, err := PrivateKeyFromHex("zzzz")
	require.Error(t, err)
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys", "signer.json")
	require.NoError(t, SaveToKeystore(path, key, "passphrase"))

	loaded, err := LoadFromKeystore(path, "passphrase")
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}

func TestEnsureKeystoreGeneratesThenReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issuer.json")

	first, err := EnsureKeystore(path, "pw")
	require.NoError(t, err)
	require.FileExists(t, path)

	second, err := EnsureKeystore(path, "pw")
	require.NoError(t, err)
	require.Equal(t, first.Address(), second.Address())
}
