package wechatpay

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// requestNonceLength is the nonce_str length used in Authorization headers.
	requestNonceLength = 32
	// paymentNonceLength is the nonceStr length handed to the client SDK.
	paymentNonceLength = 26

	nonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// randomString returns n characters drawn uniformly from nonceAlphabet.
func randomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("wechatpay: generate nonce: %w", err)
	}
	// 248 is the largest multiple of len(nonceAlphabet) below 256.
	const limit = 256 - 256%len(nonceAlphabet)
	out := make([]byte, 0, n)
	for len(out) < n {
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, nonceAlphabet[int(b)%len(nonceAlphabet)])
			if len(out) == n {
				break
			}
		}
		if len(out) < n {
			if _, err := rand.Read(buf); err != nil {
				return "", fmt.Errorf("wechatpay: generate nonce: %w", err)
			}
		}
	}
	return string(out), nil
}

// newTradeNo returns a 32 character out_trade_no.
func newTradeNo() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
