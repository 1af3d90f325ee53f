package crypto

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/stretchr/testify/require"
)

func TestParseAddressFormats(t *testing.T) {
	var want Address
	for i := range want {
		want[i] = byte(i + 1)
	}

	fromHex, err := ParseAddress(want.Hex())
	require.NoError(t, err)
	require.Equal(t, want, fromHex)

	fromLower, err := ParseAddress(strings.ToLower(want.Hex()))
	require.NoError(t, err)
	require.Equal(t, want, fromLower)

	bech := want.String()
	require.True(t, strings.HasPrefix(bech, AddressPrefix+"1"))
	fromBech, err := ParseAddress(bech)
	require.NoError(t, err)
	require.Equal(t, want, fromBech)
}

func TestParseAddressRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "0x1234", "0xzz00000000000000000000000000000000000000", "xyz1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq", "hello"} {
		_, err := ParseAddress(input)
		require.Error(t, err, input)
	}
}

func TestAddressJSON(t *testing.T) {
	addr := MustParseAddress("0x00000000000000000000000000000000000000aa")
	raw, err := json.Marshal(struct {
		Who Address `json:"who"`
	}{addr})
	require.NoError(t, err)
	require.Contains(t, string(raw), addr.Hex())

	var decoded struct {
		Who Address `json:"who"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, addr, decoded.Who)
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "operator.json")

	// Light scrypt parameters are not exposed, so this exercises the
	// standard cost once.
	require.NoError(t, SaveToKeystore(path, key, "secret"))
	loaded, err := LoadFromKeystore(path, "secret")
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())
	require.Equal(t, key.Bytes(), loaded.Bytes())

	_, err = LoadFromKeystore(path, "wrong")
	require.ErrorIs(t, err, keystore.ErrDecrypt)
}

func TestPrivateKeyFromBytes(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	restored, err := PrivateKeyFromBytes(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, key.Address(), restored.Address())
	require.False(t, restored.Address().IsZero())
}

func TestKeystoreAddressWithoutPassphrase(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "operator.keystore")
	require.NoError(t, SaveToKeystore(path, key, "secret"))

	addr, err := KeystoreAddress(path)
	require.NoError(t, err)
	require.Equal(t, key.Address(), addr)

	_, err = KeystoreAddress(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
