package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

func TestWrapUnwrapAppSKey(t *testing.T) {
	assert := require.New(t)

	kek := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	appSKey := lorawan.AES128Key{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1}

	wrapped, err := WrapAppSKey(kek, appSKey)
	assert.NoError(err)
	assert.Len(wrapped, 24)

	out, err := UnwrapAppSKey(kek, wrapped)
	assert.NoError(err)
	assert.Equal(appSKey, out)

	// wrong kek must not unwrap
	badKEK := make([]byte, 16)
	_, err = UnwrapAppSKey(badKEK, wrapped)
	assert.Error(err)
}

func TestPasswordHash(t *testing.T) {
	assert := require.New(t)

	hash, err := HashPassword("correct horse battery staple")
	assert.NoError(err)

	assert.True(VerifyPassword("correct horse battery staple", hash))
	assert.False(VerifyPassword("tr0ub4dor&3", hash))
}

func TestEncryptDecrypt(t *testing.T) {
	assert := require.New(t)

	key := make([]byte, 32)
	plain := []byte("device secrets at rest")

	ct, err := Encrypt(key, plain)
	assert.NoError(err)

	out, err := Decrypt(key, ct)
	assert.NoError(err)
	assert.Equal(plain, out)

	_, err = Decrypt(key, ct[:8])
	assert.Error(err)
}
