package fieldcrypt

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte { return bytes.Repeat([]byte{7}, 32) }

func TestCipher_RoundTrip(t *testing.T) {
	c, err := New(testKey())
	require.NoError(t, err)

	enc := c.Encrypt("txn_4242")
	assert.True(t, strings.HasPrefix(enc, prefix))
	assert.NotContains(t, enc, "txn_4242")
	assert.Equal(t, "txn_4242", c.Decrypt(enc))
}

func TestCipher_RandomNonce(t *testing.T) {
	c, err := New(testKey())
	require.NoError(t, err)

	assert.NotEqual(t, c.Encrypt("same"), c.Encrypt("same"))
}

func TestCipher_EmptyIsIdempotent(t *testing.T) {
	c, err := New(testKey())
	require.NoError(t, err)

	assert.Equal(t, "", c.Encrypt(""))
	assert.Equal(t, "", c.Decrypt(""))
}

func TestCipher_FailuresReturnInput(t *testing.T) {
	c, err := New(testKey())
	require.NoError(t, err)

	assert.Equal(t, "plain-legacy-value", c.Decrypt("plain-legacy-value"))
	assert.Equal(t, prefix+"%%%not-base64", c.Decrypt(prefix+"%%%not-base64"))
	assert.Equal(t, prefix+"AAAA", c.Decrypt(prefix+"AAAA"))

	other, err := New(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	enc := other.Encrypt("secret")
	assert.Equal(t, enc, c.Decrypt(enc), "wrong key falls back to input")
}

func TestCipher_DoesNotDoubleEncrypt(t *testing.T) {
	c, err := New(testKey())
	require.NoError(t, err)

	enc := c.Encrypt("value")
	assert.Equal(t, enc, c.Encrypt(enc))
}

func TestNew_KeyLength(t *testing.T) {
	_, err := New([]byte("short"))
	assert.Error(t, err)

	c, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, "x", c.Encrypt("x"))
	assert.Equal(t, "x", c.Decrypt("x"))
}
