package wechatpay

import (
	"crypto/rsa"
	"fmt"

	"github.com/sumup/wechatpay/signature"
)

// Merchant is the identity the client signs and decrypts with.
type Merchant struct {
	AppID      string          `json:"appid" validate:"required"`
	MchID      string          `json:"mchid" validate:"required"`
	SerialNo   string          `json:"serial_no" validate:"required"` // serial of the merchant API certificate
	PrivateKey *rsa.PrivateKey `json:"-" validate:"required"`
	APIv3Key   []byte          `json:"-" validate:"len=32"`
}

// Client talks to the gateway on behalf of one merchant.
type Client struct {
	merchant Merchant
	signer   signature.Signer
	certs    *CertificateStore
	cfg      config
}

// NewClient validates merchant and builds a [Client]. Invalid key material
// is reported as [ErrInvalidConfig].
func NewClient(merchant Merchant, opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	if err := validateMerchant(merchant); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := merchant.PrivateKey.Validate(); err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrInvalidConfig, err)
	}
	merchant.APIv3Key = append([]byte(nil), merchant.APIv3Key...)

	c := &Client{
		merchant: merchant,
		signer: signature.Signer{
			MchID:      merchant.MchID,
			SerialNo:   merchant.SerialNo,
			PrivateKey: merchant.PrivateKey,
		},
		cfg: cfg,
	}
	c.certs = newCertificateStore(c, merchant.APIv3Key, cfg)
	return c, nil
}

// Certificates returns the platform certificate store shared by every
// verifier built from this client.
func (c *Client) Certificates() *CertificateStore {
	return c.certs
}
