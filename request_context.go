package wechatpay

import (
	"context"
	"net/http"
	"strings"
)

// RequestContext carries the transport metadata of a notification request.
type RequestContext struct {
	// Serial of the platform certificate that signed the request
	//
	// Example: 5157F09EFDC096DE15EBE81A47057A7232F1B8E1
	Serial string
	// Random string included in the signature
	//
	// Example: fdasflkja484w
	Nonce string
	// Unix seconds at which the gateway signed the request
	//
	// Example: 1554208460
	Timestamp string
	// Marks a probe sent by the gateway's signature self-check tooling
	//
	// Example: WECHATPAY/SIGNTEST/
	SignatureType string
	// Information about the client making this request
	UserAgent string
	// Remote address as seen by the server
	RemoteAddr string
}

func requestContextFromRequest(r *http.Request) *RequestContext {
	return &RequestContext{
		Serial:        strings.TrimSpace(r.Header.Get(HeaderSerial)),
		Nonce:         strings.TrimSpace(r.Header.Get(HeaderNonce)),
		Timestamp:     strings.TrimSpace(r.Header.Get(HeaderTimestamp)),
		SignatureType: strings.TrimSpace(r.Header.Get("Wechatpay-Signature-Type")),
		UserAgent:     strings.TrimSpace(r.Header.Get("User-Agent")),
		RemoteAddr:    r.RemoteAddr,
	}
}

type requestContextKey struct{}

func contextWithRequestContext(ctx context.Context, requestCtx *RequestContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if requestCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, requestContextKey{}, requestCtx)
}

// RequestContextFromContext extracts the HTTP request metadata previously stored in the context.
func RequestContextFromContext(ctx context.Context) *RequestContext {
	if ctx == nil {
		return nil
	}
	if requestCtx, ok := ctx.Value(requestContextKey{}).(*RequestContext); ok {
		return requestCtx
	}
	return nil
}
