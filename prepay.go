package wechatpay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	canonicaljson "github.com/gibson042/canonicaljson-go"

	"github.com/sumup/wechatpay/signature"
)

const (
	prepayPath = "/v3/pay/transactions/jsapi"

	// DefaultOrderExpiry is how long a prepaid order stays payable when the
	// request leaves TimeExpire unset.
	DefaultOrderExpiry = 24 * time.Hour
	// PaySignType is the signType the client SDK expects.
	PaySignType = "RSA"
	// CurrencyCNY is the only settlement currency of JSAPI orders.
	CurrencyCNY = "CNY"

	maxAttachLength = 128
	// timeExpireLayout is RFC3339 with a numeric offset even for UTC.
	timeExpireLayout = "2006-01-02T15:04:05-07:00"
)

// PrepayRequest describes a JSAPI order.
type PrepayRequest struct {
	Description string `json:"description" validate:"required,max=127"`
	// OutTradeNo is filled by the trade number generator when empty.
	OutTradeNo string `json:"out_trade_no" validate:"omitempty,min=6,max=32,trade_no"`
	NotifyURL  string `json:"notify_url" validate:"required,url,startswith=https://"`
	// Amount in minor units (fen).
	Amount int64  `json:"amount" validate:"gt=0"`
	OpenID string `json:"openid" validate:"required"`
	// Attach is returned verbatim in the SUCCESS notification. It is
	// serialized as canonical JSON and must fit in 128 bytes.
	Attach any `json:"attach,omitempty"`
	// TimeExpire defaults to now + DefaultOrderExpiry.
	TimeExpire time.Time `json:"time_expire"`
}

// PaymentParams is handed to the client SDK to open the payment sheet.
type PaymentParams struct {
	AppID     string `json:"appId"`
	TimeStamp string `json:"timeStamp"`
	NonceStr  string `json:"nonceStr"`
	Package   string `json:"package"`
	SignType  string `json:"signType"`
	PaySign   string `json:"paySign"`
	// OutTradeNo is the merchant order number the gateway will report back.
	OutTradeNo string `json:"-"`
}

// Message returns the string covered by PaySign.
func (p PaymentParams) Message() string {
	return signature.BuildMessage(p.AppID, p.TimeStamp, p.NonceStr, p.Package)
}

type prepayAmount struct {
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
}

type prepayPayer struct {
	OpenID string `json:"openid"`
}

type prepayBody struct {
	AppID       string       `json:"appid"`
	MchID       string       `json:"mchid"`
	Description string       `json:"description"`
	OutTradeNo  string       `json:"out_trade_no"`
	TimeExpire  string       `json:"time_expire"`
	Attach      string       `json:"attach,omitempty"`
	NotifyURL   string       `json:"notify_url"`
	Amount      prepayAmount `json:"amount"`
	Payer       prepayPayer  `json:"payer"`
}

type prepayResponse struct {
	PrepayID string `json:"prepay_id"`
}

// Prepay creates a JSAPI order and signs the client invocation payload. It
// either returns usable params or an error; gateway rejections are
// [*APIError]. Nothing is retried.
func (c *Client) Prepay(ctx context.Context, req PrepayRequest) (*PaymentParams, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("wechatpay: invalid prepay request: %w", err)
	}
	body, err := c.prepayBody(req)
	if err != nil {
		return nil, err
	}

	var resp prepayResponse
	if err := c.Do(ctx, http.MethodPost, prepayPath, body, &resp); err != nil {
		return nil, err
	}
	if resp.PrepayID == "" {
		return nil, errors.New("wechatpay: prepay response has no prepay_id")
	}

	params, err := c.PaymentParams(resp.PrepayID)
	if err != nil {
		return nil, err
	}
	params.OutTradeNo = body.OutTradeNo
	c.cfg.logger.InfoContext(ctx, "prepay order created",
		"out_trade_no", body.OutTradeNo,
		"amount", req.Amount,
	)
	return params, nil
}

// PaymentParams signs the client invocation payload for an existing
// prepay_id.
func (c *Client) PaymentParams(prepayID string) (*PaymentParams, error) {
	nonce, err := c.cfg.nonce(paymentNonceLength)
	if err != nil {
		return nil, err
	}
	params := &PaymentParams{
		AppID:     c.merchant.AppID,
		TimeStamp: strconv.FormatInt(c.cfg.clock().Unix(), 10),
		NonceStr:  nonce,
		Package:   "prepay_id=" + prepayID,
		SignType:  PaySignType,
	}
	params.PaySign, err = c.signer.Sign(params.Message())
	if err != nil {
		return nil, err
	}
	return params, nil
}

func (c *Client) prepayBody(req PrepayRequest) (prepayBody, error) {
	attach, err := encodeAttach(req.Attach)
	if err != nil {
		return prepayBody{}, err
	}
	outTradeNo := req.OutTradeNo
	if outTradeNo == "" {
		outTradeNo = c.cfg.tradeNo()
	}
	expire := req.TimeExpire
	if expire.IsZero() {
		expire = c.cfg.clock().Add(DefaultOrderExpiry)
	}
	return prepayBody{
		AppID:       c.merchant.AppID,
		MchID:       c.merchant.MchID,
		Description: req.Description,
		OutTradeNo:  outTradeNo,
		TimeExpire:  expire.Format(timeExpireLayout),
		Attach:      attach,
		NotifyURL:   req.NotifyURL,
		Amount:      prepayAmount{Total: req.Amount, Currency: CurrencyCNY},
		Payer:       prepayPayer{OpenID: req.OpenID},
	}, nil
}

func encodeAttach(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := canonicaljson.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("wechatpay: encode attach: %w", err)
	}
	if len(raw) > maxAttachLength {
		return "", fmt.Errorf("wechatpay: invalid prepay request: attach cannot exceed %d bytes, got %d", maxAttachLength, len(raw))
	}
	return string(raw), nil
}
