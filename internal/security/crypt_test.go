package security

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return bytes.Repeat([]byte{7}, 32)
}

func TestLoadKeyFromBase64(t *testing.T) {
	k, err := LoadKeyFromBase64(base64.StdEncoding.EncodeToString(testKey()))
	require.NoError(t, err)
	assert.Len(t, k, 32)

	_, err = LoadKeyFromBase64(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)

	_, err = LoadKeyFromBase64("%%%")
	assert.Error(t, err)
}

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer(testKey())
	require.NoError(t, err)

	enc, err := s.Seal("access-token-123")
	require.NoError(t, err)
	assert.NotContains(t, enc, "access-token-123")

	out, err := s.Open(enc)
	require.NoError(t, err)
	assert.Equal(t, "access-token-123", out)
}

func TestSealer_NonceDiffersPerSeal(t *testing.T) {
	s, err := NewSealer(testKey())
	require.NoError(t, err)

	a, err := s.Seal("same")
	require.NoError(t, err)
	b, err := s.Seal("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSealer_OpenRejectsGarbage(t *testing.T) {
	s, err := NewSealer(testKey())
	require.NoError(t, err)

	_, err = s.Open("abc")
	assert.Error(t, err)

	other, err := NewSealer(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	enc, err := other.Seal("x")
	require.NoError(t, err)
	_, err = s.Open(enc)
	assert.Error(t, err)
}
