package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintKnownValue(t *testing.T) {
	fp, n, err := Fingerprint(strings.NewReader("abc"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", fp)
	assert.Equal(t, "ba7816bf8f01", Short(fp))
}

func TestFileFingerprintTracksContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tgvmax_full.parquet")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0644))
	first, _, err := FileFingerprint(path)
	require.NoError(t, err)

	again, _, err := FileFingerprint(path)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	require.NoError(t, os.WriteFile(path, []byte("two"), 0644))
	changed, _, err := FileFingerprint(path)
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}

func TestFileFingerprintMissingFile(t *testing.T) {
	_, _, err := FileFingerprint(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
	assert.Equal(t, "abc", Short("abc"))
}
