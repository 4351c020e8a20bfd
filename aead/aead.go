// Package aead opens the AEAD_AES_256_GCM envelopes the gateway uses to
// deliver platform certificates and notification resources.
package aead

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// Algorithm is the only envelope algorithm the gateway emits.
	Algorithm = "AEAD_AES_256_GCM"
	// KeySize is the length of the APIv3 key in bytes.
	KeySize = 32
	// TagSize is the length of the GCM tag appended to the ciphertext.
	TagSize = 16
)

var (
	ErrInvalidKey     = errors.New("aead: key must be 32 bytes")
	ErrMalformed      = errors.New("aead: malformed envelope")
	ErrAuthentication = errors.New("aead: message authentication failed")
)

// Blob is the gateway's encrypted envelope.
type Blob struct {
	Algorithm      string `json:"algorithm"`
	Ciphertext     string `json:"ciphertext"`
	Nonce          string `json:"nonce"`
	AssociatedData string `json:"associated_data"`
	OriginalType   string `json:"original_type,omitempty"`
}

// Open authenticates and decrypts blob, returning the plaintext bytes.
func Open(blob Blob, key []byte) ([]byte, error) {
	aesGCM, err := newGCM(key, len(blob.Nonce))
	if err != nil {
		return nil, err
	}
	if blob.Algorithm != "" && blob.Algorithm != Algorithm {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformed, blob.Algorithm)
	}
	sealed, err := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decode ciphertext: %v", ErrMalformed, err)
	}
	if len(sealed) < TagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", ErrMalformed)
	}
	// GCM expects ciphertext||tag, which is exactly the wire layout.
	plaintext, err := aesGCM.Open(nil, []byte(blob.Nonce), sealed, []byte(blob.AssociatedData))
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// Decrypt opens blob and classifies the plaintext as structured JSON or a
// raw string.
func Decrypt(blob Blob, key []byte) (Plaintext, error) {
	raw, err := Open(blob, key)
	if err != nil {
		return Plaintext{}, err
	}
	return NewPlaintext(raw), nil
}

// Seal is the inverse of [Open]. The gateway never needs it; mock gateways
// and fixtures do.
func Seal(plaintext, key []byte, nonce, associatedData string) (Blob, error) {
	aesGCM, err := newGCM(key, len(nonce))
	if err != nil {
		return Blob{}, err
	}
	sealed := aesGCM.Seal(nil, []byte(nonce), plaintext, []byte(associatedData))
	return Blob{
		Algorithm:      Algorithm,
		Ciphertext:     base64.StdEncoding.EncodeToString(sealed),
		Nonce:          nonce,
		AssociatedData: associatedData,
	}, nil
}

func newGCM(key []byte, nonceSize int) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	if nonceSize == 0 {
		return nil, fmt.Errorf("%w: nonce is empty", ErrMalformed)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aesGCM, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return aesGCM, nil
}

// Plaintext is a decrypted payload: either a JSON document or a raw string.
type Plaintext struct {
	raw        []byte
	structured bool
}

// NewPlaintext classifies raw bytes.
func NewPlaintext(raw []byte) Plaintext {
	return Plaintext{
		raw:        raw,
		structured: json.Valid(raw),
	}
}

// IsStructured reports whether the plaintext parsed as JSON.
func (p Plaintext) IsStructured() bool { return p.structured }

// String returns the plaintext verbatim.
func (p Plaintext) String() string { return string(p.raw) }

// Bytes returns a copy of the plaintext.
func (p Plaintext) Bytes() []byte { return bytes.Clone(p.raw) }

// Decode unmarshals a structured plaintext into v.
func (p Plaintext) Decode(v any) error {
	if !p.structured {
		return errors.New("aead: plaintext is not structured data")
	}
	return json.Unmarshal(p.raw, v)
}

// MarshalJSON emits the document for structured plaintexts and a JSON string
// otherwise.
func (p Plaintext) MarshalJSON() ([]byte, error) {
	if p.structured {
		return bytes.Clone(p.raw), nil
	}
	return json.Marshal(string(p.raw))
}
