package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Identity public keys on the wire carry a leading type byte.
const (
	KeyTypeDJB    = 0x05
	AccessKeyLen  = 16
	PublicKeyLen  = 32
	ProfileKeyLen = 32
)

var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}

// StripKeyType removes the leading type byte from a 33-byte public key. A bare
// 32-byte key is passed through unchanged.
func StripKeyType(key []byte) ([]byte, error) {
	switch len(key) {
	case PublicKeyLen:
		return key, nil
	case PublicKeyLen + 1:
		if key[0] != KeyTypeDJB {
			return nil, fmt.Errorf("crypto: unknown key type %d", key[0])
		}
		return key[1:], nil
	default:
		return nil, fmt.Errorf("crypto: bad public key length %d", len(key))
	}
}

// DeriveAccessKey derives the 16-byte unidentified-delivery access key from a
// recipient's 32-byte profile key.
func DeriveAccessKey(profileKey []byte) ([]byte, error) {
	if len(profileKey) != ProfileKeyLen {
		return nil, fmt.Errorf("crypto: expected profile key of length %d, got %d", ProfileKeyLen, len(profileKey))
	}
	sealed, err := EncryptWithKey(profileKey, make([]byte, AccessKeyLen), nil)
	if err != nil {
		return nil, err
	}
	return sealed[:AccessKeyLen], nil
}

// AgreeSessionSecret runs the X3DH chain over a downloaded prekey bundle,
// producing the 32-byte root secret a new ratchet session is initialized with.
// ourEphemeralPriv is generated per session by the caller.
func AgreeSessionSecret(ourIdentityPriv, ourEphemeralPriv, theirIdentity, theirSignedPreKey, theirOneTimePreKey []byte) ([]byte, error) {
	if len(ourIdentityPriv) != 32 || len(ourEphemeralPriv) != 32 {
		return nil, fmt.Errorf("crypto: bad private key length")
	}
	if len(theirIdentity) != 32 || len(theirSignedPreKey) != 32 {
		return nil, fmt.Errorf("crypto: bad remote key length")
	}

	dh1 := box.Precompute(SliceToKey(theirSignedPreKey), SliceToKey(ourIdentityPriv))
	dh2 := box.Precompute(SliceToKey(theirIdentity), SliceToKey(ourEphemeralPriv))
	dh3 := box.Precompute(SliceToKey(theirSignedPreKey), SliceToKey(ourEphemeralPriv))

	material := make([]byte, 0, 128)
	material = append(material, dh1[:]...)
	material = append(material, dh2[:]...)
	material = append(material, dh3[:]...)
	if theirOneTimePreKey != nil {
		if len(theirOneTimePreKey) != 32 {
			return nil, fmt.Errorf("crypto: bad one-time prekey length %d", len(theirOneTimePreKey))
		}
		dh4 := box.Precompute(SliceToKey(theirOneTimePreKey), SliceToKey(ourEphemeralPriv))
		material = append(material, dh4[:]...)
	}

	secret := make([]byte, 32)
	kdf := hkdf.New(sha256.New, material, nil, []byte("COURIER_SESSION_SECRET"))
	if _, err := io.ReadFull(kdf, secret); err != nil {
		return nil, err
	}
	return secret, nil
}
