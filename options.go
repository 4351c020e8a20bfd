package wechatpay

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the production API host.
	DefaultBaseURL = "https://api.mch.weixin.qq.com"
	// DefaultCertificateTTL bounds the age of the platform certificate cache.
	DefaultCertificateTTL = 12 * time.Hour
	// DefaultRefreshCooldown rate-limits refreshes forced by unknown serials.
	DefaultRefreshCooldown = time.Minute
	// DefaultMaxClockSkew bounds the age of an accepted notification.
	DefaultMaxClockSkew = 5 * time.Minute

	defaultHTTPTimeout = 10 * time.Second
)

type config struct {
	baseURL         string
	httpClient      Doer
	logger          *slog.Logger
	clock           func() time.Time
	certificateTTL  time.Duration
	refreshCooldown time.Duration
	maxClockSkew    time.Duration
	tradeNo         func() string
	nonce           func(n int) (string, error)
}

func defaultConfig() config {
	return config{
		baseURL:         DefaultBaseURL,
		httpClient:      &http.Client{Timeout: defaultHTTPTimeout},
		logger:          slog.New(slog.DiscardHandler),
		clock:           time.Now,
		certificateTTL:  DefaultCertificateTTL,
		refreshCooldown: DefaultRefreshCooldown,
		maxClockSkew:    DefaultMaxClockSkew,
		tradeNo:         newTradeNo,
		nonce:           randomString,
	}
}

// Option customizes the client behavior.
type Option func(*config)

// WithBaseURL points the client at another API host, such as a sandbox or a
// mock gateway.
func WithBaseURL(baseURL string) Option {
	return func(cfg *config) {
		cfg.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient replaces the transport. It should enforce a timeout: the
// certificate refresh runs inside the notification request.
func WithHTTPClient(client Doer) Option {
	return func(cfg *config) {
		if client != nil {
			cfg.httpClient = client
		}
	}
}

// WithLogger routes client logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithCertificateTTL sets how long fetched platform certificates are trusted
// before the whole list is refreshed.
func WithCertificateTTL(ttl time.Duration) Option {
	if ttl <= 0 {
		panic("wechatpay: certificate ttl must be positive")
	}
	return func(cfg *config) {
		cfg.certificateTTL = ttl
	}
}

// WithRefreshCooldown sets the minimum interval between refreshes forced by
// a serial number missing from a fresh cache.
func WithRefreshCooldown(d time.Duration) Option {
	return func(cfg *config) {
		cfg.refreshCooldown = d
	}
}

// WithMaxClockSkew sets the tolerated absolute difference between the
// Wechatpay-Timestamp header and the local clock. Zero disables the check.
func WithMaxClockSkew(skew time.Duration) Option {
	if skew < 0 {
		panic("wechatpay: max clock skew must not be negative")
	}
	return func(cfg *config) {
		cfg.maxClockSkew = skew
	}
}

// WithTradeNoGenerator overrides how out_trade_no is filled when a prepay
// request leaves it empty.
func WithTradeNoGenerator(fn func() string) Option {
	return func(cfg *config) {
		if fn != nil {
			cfg.tradeNo = fn
		}
	}
}

// withClock provides deterministic time in tests.
func withClock(fn func() time.Time) Option {
	return func(cfg *config) {
		cfg.clock = fn
	}
}

// withNonce provides deterministic nonces in tests.
func withNonce(fn func(n int) (string, error)) Option {
	return func(cfg *config) {
		cfg.nonce = fn
	}
}
