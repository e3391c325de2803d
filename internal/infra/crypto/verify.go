package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"pubchat-client/internal/domain"
)

// Verifier проверяет ed25519 подписи сообщений канала.
type Verifier struct{}

var _ domain.Verifier = Verifier{}

// Verify проверяет подпись sig (hex) данных data ключом pubKey (hex).
func (Verifier) Verify(pubKey string, data []byte, sig string) error {
	key, err := ParsePublicKey(pubKey)
	if err != nil {
		return err
	}
	signature, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: invalid hex encoding", domain.ErrInvalidSignature)
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: must be %d bytes, got %d", domain.ErrInvalidSignature, ed25519.SignatureSize, len(signature))
	}
	if !ed25519.Verify(key, data, signature) {
		return domain.ErrInvalidSignature
	}
	return nil
}
