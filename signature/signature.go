// Package signature implements the WECHATPAY2-SHA256-RSA2048 signing scheme:
// canonical message construction, RSA-SHA256 signatures, and the
// Authorization header consumed by the gateway.
package signature

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// Scheme is the authorization scheme token expected by the gateway.
const Scheme = "WECHATPAY2-SHA256-RSA2048"

var (
	// ErrInvalidKey reports unusable key material.
	ErrInvalidKey = errors.New("signature: invalid key")
	// ErrMismatch reports a signature that does not match the message.
	ErrMismatch = errors.New("signature: invalid signature")
)

// Material captures the inputs of an outbound request signature.
type Material struct {
	Method    string
	URL       string // path and raw query, e.g. /v3/certificates?x=1
	Timestamp int64
	Nonce     string
	Body      string
}

// Message returns the canonical string signed for the request.
func (m Material) Message() string {
	return BuildMessage(m.Method, m.URL, strconv.FormatInt(m.Timestamp, 10), m.Nonce, m.Body)
}

// BuildMessage joins parts into a signing message, terminating every part
// (including the last) with a newline.
func BuildMessage(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return b.String()
}

// Signer produces RSA-SHA256 signatures with a merchant private key.
type Signer struct {
	MchID      string
	SerialNo   string
	PrivateKey *rsa.PrivateKey
}

// Sign signs message and returns the standard base64 encoding of the signature.
func (s Signer) Sign(message string) (string, error) {
	if s.PrivateKey == nil {
		return "", fmt.Errorf("%w: private key is nil", ErrInvalidKey)
	}
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.PrivateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("signature: sign message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Authorization signs material and formats the Authorization header value.
func (s Signer) Authorization(material Material) (string, error) {
	sig, err := s.Sign(material.Message())
	if err != nil {
		return "", err
	}
	return FormatAuthorization(s.MchID, material.Nonce, material.Timestamp, s.SerialNo, sig), nil
}

// FormatAuthorization renders the Authorization header. The field order is
// part of the wire contract.
func FormatAuthorization(mchID, nonce string, timestamp int64, serialNo, sig string) string {
	return fmt.Sprintf(`%s mchid="%s",nonce_str="%s",timestamp="%d",serial_no="%s",signature="%s"`,
		Scheme, mchID, nonce, timestamp, serialNo, sig)
}

// VerifyMessage checks a base64 RSA-SHA256 signature over message.
func VerifyMessage(pub *rsa.PublicKey, message, sig string) error {
	if pub == nil {
		return fmt.Errorf("%w: public key is nil", ErrInvalidKey)
	}
	decoded, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: decode signature: %v", ErrMismatch, err)
	}
	digest := sha256.Sum256([]byte(message))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], decoded); err != nil {
		return ErrMismatch
	}
	return nil
}

// LoadPrivateKey parses a PEM encoded PKCS#8 or PKCS#1 RSA private key.
func LoadPrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: PKCS#8 key is %T, not RSA", ErrInvalidKey, key)
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// LoadPrivateKeyFile reads and parses a merchant private key from disk.
func LoadPrivateKeyFile(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidKey, path, err)
	}
	return LoadPrivateKey(raw)
}

// LoadCertificate parses a PEM encoded X.509 certificate carrying an RSA key.
func LoadCertificate(pemData []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if _, ok := cert.PublicKey.(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("%w: certificate key is %T, not RSA", ErrInvalidKey, cert.PublicKey)
	}
	return cert, nil
}

// SerialNumber formats a certificate serial the way the gateway does:
// uppercase hexadecimal without separators.
func SerialNumber(serial *big.Int) string {
	if serial == nil {
		return ""
	}
	return strings.ToUpper(serial.Text(16))
}

// ReadAndBufferBody reads the request body while keeping it accessible for later handlers.
func ReadAndBufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		r.Body = io.NopCloser(bytes.NewReader(nil))
		return nil, nil
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	return raw, nil
}
