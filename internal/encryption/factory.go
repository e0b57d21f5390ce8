package encryption

import (
	"fmt"

	"capsule-go/internal/capsule"
	"capsule-go/internal/config"
)

// NewEncryptorFromConfig returns the Encryptor selected by cfg.Type. An
// empty type returns nil: vault uploads are stored in plaintext.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (capsule.Encryptor, error) {
	switch cfg.Type {
	case "age":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
