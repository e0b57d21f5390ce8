package testutil

import (
	"capsule-go/internal/encryption"
)

// NewTestEncryptor returns the reversible test encryptor.
func NewTestEncryptor() *encryption.TestEncryptor {
	return encryption.NewTestEncryptor()
}
