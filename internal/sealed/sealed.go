// Package sealed encrypts small secrets with age so they can be stored
// outside the process. Ciphertext is base64 text, ready for a string
// attribute.
package sealed

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// Sealer encrypts to its own X25519 recipient and decrypts with the matching
// identity.
type Sealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// New parses an AGE-SECRET-KEY-1... identity.
func New(identity string) (*Sealer, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("sealed: parse identity: %w", err)
	}
	return &Sealer{identity: id, recipient: id.Recipient()}, nil
}

// Generate returns a Sealer with a fresh identity, and that identity in its
// text form.
func Generate() (*Sealer, string, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, "", fmt.Errorf("sealed: generate identity: %w", err)
	}
	return &Sealer{identity: id, recipient: id.Recipient()}, id.String(), nil
}

// Recipient returns the public age1... key.
func (s *Sealer) Recipient() string {
	return s.recipient.String()
}

// Seal encrypts plaintext and returns it base64-encoded.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", fmt.Errorf("sealed: create encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("sealed: write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("sealed: finalize: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts the output of Seal.
func (s *Sealer) Open(ciphertext string) ([]byte, error) {
	if ciphertext == "" {
		return nil, errors.New("sealed: empty ciphertext")
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("sealed: decode base64: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("sealed: read plaintext: %w", err)
	}
	return plaintext, nil
}
