package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"pubchat-client/internal/domain"
)

// KeyPrefix стоит перед 32 байтами публичного ключа.
const KeyPrefix = 0x05

// PrefixedKeySize равен длине публичного ключа с префиксом.
const PrefixedKeySize = 33

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidSeed      = errors.New("invalid identity seed")
)

// Identity хранит ключ пользователя: подписывает сообщения и расшифровывает challenge.
type Identity struct {
	priv ed25519.PrivateKey
}

var _ domain.Identity = (*Identity)(nil)

// NewIdentity восстанавливает ключ из hex-строки seed (32 байта).
func NewIdentity(seedHex string) (*Identity, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidSeed, ed25519.SeedSize, len(seed))
	}
	return &Identity{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// GenerateIdentity создаёт новый случайный ключ.
func GenerateIdentity() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{priv: priv}, nil
}

// Seed возвращает hex seed для сохранения в конфиге.
func (i *Identity) Seed() string {
	return hex.EncodeToString(i.priv.Seed())
}

// PublicKey возвращает публичный ключ в формате 05 + hex.
func (i *Identity) PublicKey() string {
	return EncodePublicKey(i.priv.Public().(ed25519.PublicKey))
}

// Sign подписывает данные.
func (i *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(i.priv, data)
}

// X25519PublicKey возвращает ключ для Диффи-Хеллмана, который видит сервер.
func (i *Identity) X25519PublicKey() ([]byte, error) {
	return ed25519PubToX25519(i.priv.Public().(ed25519.PublicKey))
}

// DecryptChallenge расшифровывает токен, выданный сервером.
func (i *Identity) DecryptChallenge(challenge domain.Challenge) (string, error) {
	serverPub, err := base64.StdEncoding.DecodeString(challenge.ServerPubKey64)
	if err != nil {
		return "", fmt.Errorf("%w: server key: %v", ErrInvalidPublicKey, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(challenge.CipherText64)
	if err != nil {
		return "", fmt.Errorf("decode challenge: %w", err)
	}
	return DecryptToken(ed25519SeedToX25519Private(i.priv.Seed()), stripPrefix(serverPub), ciphertext)
}

// EncodePublicKey кодирует ed25519 ключ в формат 05 + hex.
func EncodePublicKey(pub ed25519.PublicKey) string {
	buf := make([]byte, 0, PrefixedKeySize)
	buf = append(buf, KeyPrefix)
	buf = append(buf, pub...)
	return hex.EncodeToString(buf)
}

// ParsePublicKey разбирает hex ключ с префиксом 05 или без него.
func ParsePublicKey(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex encoding", ErrInvalidPublicKey)
	}
	raw = stripPrefix(raw)
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func stripPrefix(key []byte) []byte {
	if len(key) == PrefixedKeySize && key[0] == KeyPrefix {
		return key[1:]
	}
	return key
}

// DecodeServerKey разбирает ключ сервера из base64 или hex. Результат содержит 33 байта с префиксом.
func DecodeServerKey(encoded string) ([]byte, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil || len(raw) != PrefixedKeySize {
		raw, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: neither hex nor base64", ErrInvalidPublicKey)
		}
	}
	if len(raw) != PrefixedKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, PrefixedKeySize, len(raw))
	}
	return raw, nil
}
