package wechatpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sumup/wechatpay/aead"
	"github.com/sumup/wechatpay/signature"
)

// Notification headers set by the gateway.
const (
	HeaderTimestamp = "Wechatpay-Timestamp"
	HeaderNonce     = "Wechatpay-Nonce"
	HeaderSignature = "Wechatpay-Signature"
	HeaderSerial    = "Wechatpay-Serial"
)

// TradeState is the payment lifecycle status reported by the gateway.
type TradeState string

const (
	TradeStateSuccess    TradeState = "SUCCESS"
	TradeStateRefund     TradeState = "REFUND"
	TradeStateNotPay     TradeState = "NOTPAY"
	TradeStateClosed     TradeState = "CLOSED"
	TradeStateRevoked    TradeState = "REVOKED"
	TradeStateUserPaying TradeState = "USERPAYING"
	TradeStatePayError   TradeState = "PAYERROR"
)

// Envelope is an inbound notification as received, before verification.
type Envelope struct {
	Timestamp string
	Nonce     string
	Signature string
	Serial    string
	Body      []byte // exactly as transmitted
}

// Message returns the string the gateway signed.
func (e Envelope) Message() string {
	return signature.BuildMessage(e.Timestamp, e.Nonce, string(e.Body))
}

// EnvelopeFromHeader collects the signature headers. A missing header is a
// [*VerificationError].
func EnvelopeFromHeader(header http.Header, body []byte) (Envelope, error) {
	env := Envelope{
		Timestamp: strings.TrimSpace(header.Get(HeaderTimestamp)),
		Nonce:     strings.TrimSpace(header.Get(HeaderNonce)),
		Signature: strings.TrimSpace(header.Get(HeaderSignature)),
		Serial:    strings.TrimSpace(header.Get(HeaderSerial)),
		Body:      body,
	}
	for _, h := range [...]struct{ name, value string }{
		{HeaderTimestamp, env.Timestamp},
		{HeaderNonce, env.Nonce},
		{HeaderSignature, env.Signature},
		{HeaderSerial, env.Serial},
	} {
		if h.value == "" {
			return Envelope{}, rejected(ReasonMissingHeader, fmt.Errorf("%s header is required", h.name))
		}
	}
	return env, nil
}

// EnvelopeFromRequest buffers the raw body and collects the signature
// headers. The request body stays readable afterwards.
func EnvelopeFromRequest(r *http.Request) (Envelope, error) {
	raw, err := signature.ReadAndBufferBody(r)
	if err != nil {
		return Envelope{}, fmt.Errorf("wechatpay: read notification body: %w", err)
	}
	return EnvelopeFromHeader(r.Header, raw)
}

// Payer identifies the paying user.
type Payer struct {
	OpenID string `json:"openid"`
}

// TransactionAmount is the settled amount in minor units.
type TransactionAmount struct {
	Total         int64  `json:"total"`
	PayerTotal    int64  `json:"payer_total"`
	Currency      string `json:"currency"`
	PayerCurrency string `json:"payer_currency"`
}

// Transaction is the decrypted payment result. The attach payload is only
// reachable through [Transaction.Attach], and only for SUCCESS.
type Transaction[A any] struct {
	AppID          string            `json:"appid"`
	MchID          string            `json:"mchid"`
	OutTradeNo     string            `json:"out_trade_no"`
	TransactionID  string            `json:"transaction_id"`
	TradeType      string            `json:"trade_type"`
	TradeState     TradeState        `json:"trade_state"`
	TradeStateDesc string            `json:"trade_state_desc"`
	BankType       string            `json:"bank_type"`
	SuccessTime    string            `json:"success_time,omitempty"`
	Payer          Payer             `json:"payer"`
	Amount         TransactionAmount `json:"amount"`

	attach    A
	hasAttach bool
}

// Attach returns the business payload supplied at prepay time. ok is false
// unless the trade succeeded and carried an attach value.
func (t Transaction[A]) Attach() (attach A, ok bool) {
	if t.TradeState != TradeStateSuccess || !t.hasAttach {
		var zero A
		return zero, false
	}
	return t.attach, true
}

// Notification is a verified and decrypted payment notification.
type Notification[A any] struct {
	ID           string
	CreateTime   string
	EventType    string
	ResourceType string
	Summary      string
	Transaction  Transaction[A]
}

type notificationBody struct {
	ID           string     `json:"id"`
	CreateTime   string     `json:"create_time"`
	EventType    string     `json:"event_type"`
	ResourceType string     `json:"resource_type"`
	Summary      string     `json:"summary"`
	Resource     *aead.Blob `json:"resource"`
}

type transactionResource[A any] struct {
	Transaction[A]
	Attach string `json:"attach"`
}

// NotificationVerifier authenticates notifications and decrypts their
// transaction resource. It does not deduplicate redeliveries; callers key
// on transaction_id or out_trade_no.
type NotificationVerifier[A any] struct {
	certs   *CertificateStore
	key     []byte
	clock   func() time.Time
	maxSkew time.Duration
	logger  *slog.Logger
}

// NewNotificationVerifier builds a verifier sharing client's certificate
// store and APIv3 key.
func NewNotificationVerifier[A any](client *Client) *NotificationVerifier[A] {
	return &NotificationVerifier[A]{
		certs:   client.certs,
		key:     client.merchant.APIv3Key,
		clock:   client.cfg.clock,
		maxSkew: client.cfg.maxClockSkew,
		logger:  client.cfg.logger.With("component", "notification_verifier"),
	}
}

// Verify authenticates header and the raw body, then decrypts the resource.
// Untrusted input yields a [*VerificationError]; any other error is a
// transport failure while refreshing certificates.
func (v *NotificationVerifier[A]) Verify(ctx context.Context, header http.Header, body []byte) (*Notification[A], error) {
	env, err := EnvelopeFromHeader(header, body)
	if err != nil {
		return nil, err
	}
	return v.VerifyEnvelope(ctx, env)
}

// VerifyEnvelope is [NotificationVerifier.Verify] for an already collected envelope.
func (v *NotificationVerifier[A]) VerifyEnvelope(ctx context.Context, env Envelope) (*Notification[A], error) {
	if err := v.checkTimestamp(env.Timestamp); err != nil {
		return nil, err
	}

	pub, err := v.certs.PublicKey(ctx, env.Serial)
	if err != nil {
		if errors.Is(err, ErrCertificateNotFound) {
			return nil, rejected(ReasonCertificate, err)
		}
		return nil, err
	}
	if err := signature.VerifyMessage(pub, env.Message(), env.Signature); err != nil {
		return nil, rejected(ReasonSignature, err)
	}

	var body notificationBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return nil, rejected(ReasonPayload, fmt.Errorf("decode body: %w", err))
	}
	if body.Resource == nil {
		return nil, rejected(ReasonPayload, errors.New("resource is missing"))
	}
	plaintext, err := aead.Decrypt(*body.Resource, v.key)
	if err != nil {
		return nil, rejected(ReasonDecrypt, err)
	}

	var resource transactionResource[A]
	if err := plaintext.Decode(&resource); err != nil {
		return nil, rejected(ReasonPayload, fmt.Errorf("decode resource: %w", err))
	}
	tx := resource.Transaction
	if tx.TradeState == TradeStateSuccess && resource.Attach != "" {
		if err := json.Unmarshal([]byte(resource.Attach), &tx.attach); err != nil {
			return nil, rejected(ReasonPayload, fmt.Errorf("decode attach: %w", err))
		}
		tx.hasAttach = true
	}
	v.logger.DebugContext(ctx, "notification verified",
		"id", body.ID,
		"serial_no", env.Serial,
		"out_trade_no", tx.OutTradeNo,
		"trade_state", tx.TradeState,
	)

	return &Notification[A]{
		ID:           body.ID,
		CreateTime:   body.CreateTime,
		EventType:    body.EventType,
		ResourceType: body.ResourceType,
		Summary:      body.Summary,
		Transaction:  tx,
	}, nil
}

func (v *NotificationVerifier[A]) checkTimestamp(value string) error {
	if v.maxSkew <= 0 {
		return nil
	}
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return rejected(ReasonStaleRequest, fmt.Errorf("invalid timestamp %q", value))
	}
	skew := v.clock().Sub(time.Unix(seconds, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return rejected(ReasonStaleRequest, fmt.Errorf("timestamp skew exceeds %s", v.maxSkew))
	}
	return nil
}
