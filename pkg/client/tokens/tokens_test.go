package tokens

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndClearBumpGeneration(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	assert.True(t, s.Get().Empty())

	g0 := s.Generation()
	require.NoError(t, s.Set(Pair{AccessToken: "a", RefreshToken: "r"}))
	p, g1 := s.Snapshot()
	assert.Equal(t, "a", p.AccessToken)
	assert.Greater(t, g1, g0)

	require.NoError(t, s.Clear())
	assert.True(t, s.Get().Empty())
	assert.Greater(t, s.Generation(), g1)
}

func TestSetIfRejectsStaleGeneration(t *testing.T) {
	s, _ := New(nil)
	require.NoError(t, s.Set(Pair{AccessToken: "a", RefreshToken: "r"}))
	gen := s.Generation()

	require.NoError(t, s.Clear()) // logout while a refresh was in flight

	ok, err := s.SetIf(gen, Pair{AccessToken: "late", RefreshToken: "late"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, s.Get().Empty())

	ok, err = s.SetIf(s.Generation(), Pair{AccessToken: "b"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", s.Get().AccessToken)
}

func TestFileStorageRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tokens.json")
	fs := FileStorage{Path: path}

	s, err := New(fs)
	require.NoError(t, err)
	require.NoError(t, s.Set(Pair{AccessToken: "a", RefreshToken: "r", UserID: 7}))

	if runtime.GOOS != "windows" {
		st, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())
	}

	warm, err := New(fs)
	require.NoError(t, err)
	assert.Equal(t, int64(7), warm.Get().UserID)
	assert.Equal(t, "r", warm.Get().RefreshToken)

	require.NoError(t, warm.Clear())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, fs.Clear())
}
