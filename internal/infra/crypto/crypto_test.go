package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"

	"golang.org/x/crypto/curve25519"

	"pubchat-client/internal/domain"
)

func TestSignAndVerify(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	data := []byte("hello1600000000000")
	sig := id.Sign(data)

	var v Verifier
	if err := v.Verify(id.PublicKey(), data, hex.EncodeToString(sig)); err != nil {
		t.Fatalf("ожидали валидную подпись: %v", err)
	}

	tampered := append([]byte(nil), data...)
	tampered[0] ^= 0x01
	if err := v.Verify(id.PublicKey(), tampered, hex.EncodeToString(sig)); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("ожидали ErrInvalidSignature, получили %v", err)
	}
}

func TestPublicKeyFormat(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub := id.PublicKey()
	if len(pub) != PrefixedKeySize*2 || pub[:2] != "05" {
		t.Fatalf("неожиданный формат ключа: %s", pub)
	}
	if _, err := ParsePublicKey(pub); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, err := ParsePublicKey("05abcd"); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("ожидали ErrInvalidPublicKey, получили %v", err)
	}
}

func TestIdentityFromSeed(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	restored, err := NewIdentity(id.Seed())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.PublicKey() != id.PublicKey() {
		t.Fatalf("ключ после восстановления отличается")
	}
	if _, err := NewIdentity("zz"); !errors.Is(err, ErrInvalidSeed) {
		t.Fatalf("ожидали ErrInvalidSeed, получили %v", err)
	}
}

func TestDecryptChallenge(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	clientPub, err := id.X25519PublicKey()
	if err != nil {
		t.Fatalf("x25519: %v", err)
	}

	serverPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(serverPriv); err != nil {
		t.Fatalf("rand: %v", err)
	}
	serverPub, err := curve25519.X25519(serverPriv, curve25519.Basepoint)
	if err != nil {
		t.Fatalf("server pub: %v", err)
	}

	ciphertext, err := encryptToken(serverPriv, clientPub, "secret-token-value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	challenge := domain.Challenge{
		CipherText64:   base64.StdEncoding.EncodeToString(ciphertext),
		ServerPubKey64: base64.StdEncoding.EncodeToString(append([]byte{KeyPrefix}, serverPub...)),
	}
	token, err := id.DecryptChallenge(challenge)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if token != "secret-token-value" {
		t.Fatalf("неожиданный токен %q", token)
	}

	other, _ := GenerateIdentity()
	if tok, err := other.DecryptChallenge(challenge); err == nil && tok == "secret-token-value" {
		t.Fatalf("чужой ключ не должен расшифровать токен")
	}
}

func TestDecodeServerKey(t *testing.T) {
	key := make([]byte, PrefixedKeySize)
	key[0] = KeyPrefix
	key[32] = 7
	for name, enc := range map[string]string{
		"hex":    hex.EncodeToString(key),
		"base64": base64.StdEncoding.EncodeToString(key),
	} {
		got, err := DecodeServerKey(enc)
		if err != nil || len(got) != PrefixedKeySize || got[32] != 7 {
			t.Fatalf("%s: получили %x, %v", name, got, err)
		}
	}
	if _, err := DecodeServerKey(base64.StdEncoding.EncodeToString(key[:10])); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("короткий ключ должен давать ErrInvalidPublicKey, получили %v", err)
	}
}

// encryptToken шифрует токен для ключа клиента, как это делает сервер.
func encryptToken(ourPriv, theirPub []byte, token string) ([]byte, error) {
	key, err := curve25519.X25519(ourPriv, theirPub)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	pad := aes.BlockSize - len(token)%aes.BlockSize
	plain := append([]byte(token), bytes.Repeat([]byte{byte(pad)}, pad)...)

	out := make([]byte, aes.BlockSize+len(plain))
	if _, err := rand.Read(out[:aes.BlockSize]); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(block, out[:aes.BlockSize]).CryptBlocks(out[aes.BlockSize:], plain)
	return out, nil
}
