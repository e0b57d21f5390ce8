package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"capsule-go/internal/capsule"
)

// ErrWrongPassphrase is returned by TestEncryptor.Unlock for a passphrase
// other than the one given to Setup.
var ErrWrongPassphrase = errors.New("wrong passphrase")

// testMarker prefixes "encrypted" output so it differs from the plaintext
// and its hash.
var testMarker = []byte("CAPSULE-TEST\n")

// TestEncryptor is a deterministic, reversible stand-in for AgeEncryptor.
// It is selected by encryption type "test".
type TestEncryptor struct {
	mu         sync.Mutex
	passphrase string
	setup      bool
}

func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.passphrase = passphrase
	e.setup = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testMarker); err != nil {
		return fmt.Errorf("writing marker: %w", err)
	}
	_, err := io.Copy(w, r)
	return err
}

// Unlock accepts any passphrase until Setup has been called.
func (e *TestEncryptor) Unlock(passphrase string) (capsule.DecryptionContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.setup && passphrase != e.passphrase {
		return nil, ErrWrongPassphrase
	}
	return testDecryptor{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

type testDecryptor struct{}

func (testDecryptor) Decrypt(r io.Reader, w io.Writer) error {
	marker := make([]byte, len(testMarker))
	if _, err := io.ReadFull(r, marker); err != nil {
		return fmt.Errorf("reading marker: %w", err)
	}
	if !bytes.Equal(marker, testMarker) {
		return fmt.Errorf("data was not sealed by the test encryptor")
	}
	_, err := io.Copy(w, r)
	return err
}

var _ capsule.Encryptor = (*TestEncryptor)(nil)
