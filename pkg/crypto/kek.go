package crypto

import (
	"crypto/aes"
	"fmt"

	keywrap "github.com/NickBall/go-aes-key-wrap"

	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// WrapAppSKey wraps an application session key with the KEK identified by
// kekLabel so it can be handed to an external party without exposing the
// plain key. The wrapped form is 24 bytes (RFC 3394).
func WrapAppSKey(kek []byte, appSKey lorawan.AES128Key) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("new cipher error: %w", err)
	}

	out, err := keywrap.Wrap(block, appSKey[:])
	if err != nil {
		return nil, fmt.Errorf("key wrap error: %w", err)
	}
	return out, nil
}

// UnwrapAppSKey is the inverse of WrapAppSKey.
func UnwrapAppSKey(kek, wrapped []byte) (lorawan.AES128Key, error) {
	var out lorawan.AES128Key

	block, err := aes.NewCipher(kek)
	if err != nil {
		return out, fmt.Errorf("new cipher error: %w", err)
	}

	plain, err := keywrap.Unwrap(block, wrapped)
	if err != nil {
		return out, fmt.Errorf("key unwrap error: %w", err)
	}
	if len(plain) != len(out) {
		return out, fmt.Errorf("expected 16 bytes, got %d", len(plain))
	}

	copy(out[:], plain)
	return out, nil
}
