package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDigestKeySplitsHashAndSize(t *testing.T) {
	d, err := parseDigestKey("abc123:456")
	require.NoError(t, err)
	assert.Equal(t, "abc123", d.Hash)
	assert.EqualValues(t, 456, d.SizeBytes)
}

func TestParseDigestKeyRejectsMalformedInput(t *testing.T) {
	_, err := parseDigestKey("no-colon-here")
	assert.Error(t, err)

	_, err = parseDigestKey("abc123:not-a-number")
	assert.Error(t, err)
}

func TestDigestBytesIsDeterministic(t *testing.T) {
	a := digestBytes([]byte("same content"))
	b := digestBytes([]byte("same content"))
	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, a.SizeBytes, b.SizeBytes)

	c := digestBytes([]byte("different content"))
	assert.NotEqual(t, a.Hash, c.Hash)
}
