package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// ErrDecrypt возвращается, если challenge не удалось расшифровать.
var ErrDecrypt = errors.New("challenge decrypt failed")

// ed25519PubToX25519 переводит ed25519 ключ в X25519.
func ed25519PubToX25519(edPub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return p.BytesMontgomery(), nil
}

// ed25519SeedToX25519Private переводит ed25519 seed в закрытый ключ X25519.
func ed25519SeedToX25519Private(seed []byte) []byte {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}

// DecryptToken расшифровывает iv||ciphertext (AES-256-CBC, PKCS#7) общим секретом X25519.
func DecryptToken(ourPriv, theirPub, ivAndCiphertext []byte) (string, error) {
	key, err := curve25519.X25519(ourPriv, theirPub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(ivAndCiphertext) < 2*aes.BlockSize || len(ivAndCiphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: bad ciphertext length %d", ErrDecrypt, len(ivAndCiphertext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	iv := ivAndCiphertext[:aes.BlockSize]
	plain := make([]byte, len(ivAndCiphertext)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ivAndCiphertext[aes.BlockSize:])

	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plain) {
		return "", fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	if !bytes.Equal(plain[len(plain)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return "", fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	return string(plain[:len(plain)-pad]), nil
}
