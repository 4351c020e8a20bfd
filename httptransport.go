package wechatpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sumup/wechatpay/signature"
)

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	userAgent         = "sumup-wechatpay-go"
	maxErrorBodyBytes = 4096
)

// Do signs and sends a request to the gateway. body is JSON encoded when
// non-nil; a 2xx reply is decoded into out when out is non-nil. Non-2xx
// replies come back as *APIError.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("wechatpay: marshal request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("wechatpay: build request: %w", err)
	}
	authorization, err := c.authorize(method, req.URL.RequestURI(), string(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := c.cfg.clock()
	resp, err := c.cfg.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wechatpay: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.cfg.logger.DebugContext(ctx, "gateway request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"request_id", resp.Header.Get("Request-ID"),
		"elapsed", c.cfg.clock().Sub(start).Truncate(time.Millisecond),
	)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("wechatpay: decode %s %s response: %w", method, path, err)
	}
	return nil
}

// authorize builds the Authorization header for one outbound call.
func (c *Client) authorize(method, requestURI, body string) (string, error) {
	nonce, err := c.cfg.nonce(requestNonceLength)
	if err != nil {
		return "", err
	}
	return c.signer.Authorization(signature.Material{
		Method:    method,
		URL:       requestURI,
		Timestamp: c.cfg.clock().Unix(),
		Nonce:     nonce,
		Body:      body,
	})
}

func decodeAPIError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("Request-ID"),
	}
	if err := json.Unmarshal(snippet, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(snippet))
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
	}
	return apiErr
}

func writeServiceError(w http.ResponseWriter, err error) {
	var httpErr *Error
	if errors.As(err, &httpErr) {
		writeJSONError(w, httpErr)
		return
	}
	writeJSONError(w, NewProcessingError("internal server error"))
}

func writeJSONError(w http.ResponseWriter, payload *Error) {
	if payload == nil {
		payload = NewProcessingError("internal server error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(payload.status)
	_ = json.NewEncoder(w).Encode(payload)
}
