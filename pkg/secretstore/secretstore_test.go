package secretstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SetGetRemove(t *testing.T) {
	s, err := Open(OpenOptions{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	_, found, err := s.Get("auth.access_token")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set("auth.access_token", "a1"))
	v, found, err := s.Get(" auth.access_token ")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "a1", v)

	// 空值也算存在
	require.NoError(t, s.Set("auth.refresh_token", ""))
	_, found, err = s.Get("auth.refresh_token")
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, s.Remove("auth.access_token"))
	_, found, err = s.Get("auth.access_token")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Remove("never-set"))
}

func TestStore_EncryptedOnDisk(t *testing.T) {
	key := strings.Repeat("ab", 32)
	k, err := ParseKey("0x" + key)
	require.NoError(t, err)

	dir := t.TempDir()
	s, err := Open(OpenOptions{Path: dir, EncryptionKey: k})
	require.NoError(t, err)
	require.NoError(t, s.Set("k", "v"))
	require.NoError(t, s.Close())

	s, err = Open(OpenOptions{Path: dir, EncryptionKey: k})
	require.NoError(t, err)
	defer s.Close()
	v, found, err := s.Get("k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", v)
}

func TestStore_EmptyKeyAndNilStore(t *testing.T) {
	var nilStore *Store
	_, _, err := nilStore.Get("k")
	assert.Error(t, err)

	s, err := Open(OpenOptions{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	assert.Error(t, s.Set("  ", "v"))

	_, err = Open(OpenOptions{})
	assert.Error(t, err)
}

func TestStore_NamespaceAndKeys(t *testing.T) {
	dir := t.TempDir()
	alice, err := Open(OpenOptions{Path: dir, Namespace: "alice"})
	require.NoError(t, err)
	require.NoError(t, alice.Set("auth.access_token", "a"))
	require.NoError(t, alice.Set("auth.refresh_token", "r"))
	require.NoError(t, alice.Set("snapshot.account", "{}"))

	keys, err := alice.Keys("auth.")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"auth.access_token", "auth.refresh_token"}, keys)
	require.NoError(t, alice.Close())

	// 同一目录的其他命名空间看不到 alice 的数据
	bob, err := Open(OpenOptions{Path: dir, Namespace: "bob/"})
	require.NoError(t, err)
	defer bob.Close()
	_, found, err := bob.Get("auth.access_token")
	require.NoError(t, err)
	assert.False(t, found)
	keys, err = bob.Keys("")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantLen int
		wantErr bool
	}{
		{name: "empty", raw: "", wantLen: 0},
		{name: "hex", raw: strings.Repeat("01", 32), wantLen: 32},
		{name: "aes128 hex", raw: "0x" + strings.Repeat("0f", 16), wantLen: 16},
		{name: "short hex", raw: "0102", wantErr: true},
		{name: "base64", raw: "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=", wantLen: 32},
		{name: "garbage", raw: "not a key!", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := ParseKey(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, b, tt.wantLen)
		})
	}
}
