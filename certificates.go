package wechatpay

import (
	"cmp"
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sumup/wechatpay/aead"
	"github.com/sumup/wechatpay/signature"
)

const certificatesPath = "/v3/certificates"

// CertificateEntry is one item of the gateway's certificate list.
type CertificateEntry struct {
	SerialNo           string    `json:"serial_no"`
	EffectiveTime      time.Time `json:"effective_time"`
	ExpireTime         time.Time `json:"expire_time"`
	EncryptCertificate aead.Blob `json:"encrypt_certificate"`
}

// CertificateLister fetches the encrypted platform certificate list.
// *Client implements it against GET /v3/certificates.
type CertificateLister interface {
	ListCertificates(ctx context.Context) ([]CertificateEntry, error)
}

// ListCertificates downloads the currently advertised platform certificates.
func (c *Client) ListCertificates(ctx context.Context) ([]CertificateEntry, error) {
	var resp struct {
		Data []CertificateEntry `json:"data"`
	}
	if err := c.Do(ctx, http.MethodGet, certificatesPath, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Certificate is a decrypted platform verification certificate.
type Certificate struct {
	SerialNo      string
	PEM           string
	PublicKey     *rsa.PublicKey
	EffectiveTime time.Time
	ExpireTime    time.Time
	FetchedAt     time.Time
}

// CertificateStore caches platform certificates by X.509 serial number.
//
// Freshness is tracked for the whole list: once the TTL elapses the next
// lookup refetches every certificate. A serial missing from a fresh cache
// forces a refresh at most once per cooldown. Concurrent refreshes collapse
// into a single request; readers of a fresh cache only take a read lock.
type CertificateStore struct {
	source   CertificateLister
	key      []byte
	ttl      time.Duration
	cooldown time.Duration
	clock    func() time.Time
	logger   *slog.Logger

	mu        sync.RWMutex
	certs     map[string]*Certificate
	fetchedAt time.Time

	group singleflight.Group
}

// NewCertificateStore builds a store that decrypts entries from source with
// the APIv3 key. Only the TTL, cooldown, clock and logger options apply.
func NewCertificateStore(source CertificateLister, apiV3Key []byte, opts ...Option) (*CertificateStore, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: certificate source is required", ErrInvalidConfig)
	}
	if len(apiV3Key) != aead.KeySize {
		return nil, fmt.Errorf("%w: APIv3 key must be %d bytes", ErrInvalidConfig, aead.KeySize)
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	return newCertificateStore(source, append([]byte(nil), apiV3Key...), cfg), nil
}

func newCertificateStore(source CertificateLister, key []byte, cfg config) *CertificateStore {
	return &CertificateStore{
		source:   source,
		key:      key,
		ttl:      cfg.certificateTTL,
		cooldown: cfg.refreshCooldown,
		clock:    cfg.clock,
		logger:   cfg.logger.With("component", "certificate_store"),
		certs:    make(map[string]*Certificate),
	}
}

// PublicKey returns the verification key for serial.
func (s *CertificateStore) PublicKey(ctx context.Context, serial string) (*rsa.PublicKey, error) {
	cert, err := s.Certificate(ctx, serial)
	if err != nil {
		return nil, err
	}
	return cert.PublicKey, nil
}

// PEM returns the PEM encoded certificate for serial.
func (s *CertificateStore) PEM(ctx context.Context, serial string) (string, error) {
	cert, err := s.Certificate(ctx, serial)
	if err != nil {
		return "", err
	}
	return cert.PEM, nil
}

// Certificate returns the certificate for serial, refreshing the cache when
// it is empty, stale, or missing the serial. It returns
// [ErrCertificateNotFound] when the gateway does not advertise serial.
func (s *CertificateStore) Certificate(ctx context.Context, serial string) (*Certificate, error) {
	now := s.clock()
	s.mu.RLock()
	cert := s.certs[serial]
	fetchedAt := s.fetchedAt
	s.mu.RUnlock()

	fresh := !fetchedAt.IsZero() && now.Sub(fetchedAt) < s.ttl
	if fresh && cert != nil {
		return cert, nil
	}
	if fresh && now.Sub(fetchedAt) < s.cooldown {
		return nil, fmt.Errorf("%w: serial %s", ErrCertificateNotFound, serial)
	}
	if err := s.refresh(ctx, fetchedAt); err != nil {
		return nil, err
	}

	s.mu.RLock()
	cert = s.certs[serial]
	s.mu.RUnlock()
	if cert == nil {
		return nil, fmt.Errorf("%w: serial %s", ErrCertificateNotFound, serial)
	}
	return cert, nil
}

// Refresh refetches the certificate list unconditionally.
func (s *CertificateStore) Refresh(ctx context.Context) error {
	s.mu.RLock()
	seen := s.fetchedAt
	s.mu.RUnlock()
	return s.refresh(ctx, seen)
}

// Certificates returns a snapshot of the cached certificates ordered by
// serial number.
func (s *CertificateStore) Certificates() []Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Certificate, 0, len(s.certs))
	for _, cert := range s.certs {
		out = append(out, *cert)
	}
	slices.SortFunc(out, func(a, b Certificate) int {
		return cmp.Compare(a.SerialNo, b.SerialNo)
	})
	return out
}

// refresh fetches the list unless another refresh completed after seen.
// Callers wait on the shared flight but give up when their own context ends.
func (s *CertificateStore) refresh(ctx context.Context, seen time.Time) error {
	ch := s.group.DoChan("certificates", func() (any, error) {
		s.mu.RLock()
		current := s.fetchedAt
		s.mu.RUnlock()
		if !current.Equal(seen) {
			return nil, nil
		}
		return nil, s.fetch(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *CertificateStore) fetch(ctx context.Context) error {
	entries, err := s.source.ListCertificates(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to fetch platform certificates", "error", err)
		return fmt.Errorf("wechatpay: fetch platform certificates: %w", err)
	}

	now := s.clock()
	certs := make(map[string]*Certificate, len(entries))
	for _, entry := range entries {
		if !entry.ExpireTime.IsZero() && !now.Before(entry.ExpireTime) {
			s.logger.DebugContext(ctx, "skipping expired platform certificate", "serial_no", entry.SerialNo)
			continue
		}
		cert, err := s.decode(entry, now)
		if err != nil {
			s.logger.WarnContext(ctx, "rejected platform certificate", "serial_no", entry.SerialNo, "error", err)
			return fmt.Errorf("wechatpay: platform certificate %s: %w", entry.SerialNo, err)
		}
		if entry.SerialNo != "" && entry.SerialNo != cert.SerialNo {
			s.logger.WarnContext(ctx, "platform certificate serial differs from listing",
				"listed", entry.SerialNo,
				"actual", cert.SerialNo,
			)
		}
		certs[cert.SerialNo] = cert
	}

	s.mu.Lock()
	s.certs = certs
	s.fetchedAt = now
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "refreshed platform certificates", "count", len(certs))
	return nil
}

// decode opens an entry and keys it by the serial inside the certificate,
// never by the listing metadata.
func (s *CertificateStore) decode(entry CertificateEntry, now time.Time) (*Certificate, error) {
	plaintext, err := aead.Decrypt(entry.EncryptCertificate, s.key)
	if err != nil {
		return nil, err
	}
	pemText := plaintext.String()
	x509Cert, err := signature.LoadCertificate([]byte(pemText))
	if err != nil {
		return nil, err
	}
	return &Certificate{
		SerialNo:      signature.SerialNumber(x509Cert.SerialNumber),
		PEM:           pemText,
		PublicKey:     x509Cert.PublicKey.(*rsa.PublicKey),
		EffectiveTime: entry.EffectiveTime,
		ExpireTime:    entry.ExpireTime,
		FetchedAt:     now,
	}, nil
}
