package wechatpay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
)

// NotificationProcessor is implemented by the business layer that settles
// orders. It may be called more than once for the same transaction.
type NotificationProcessor[A any] interface {
	ProcessNotification(ctx context.Context, n *Notification[A]) error
}

// NotificationProcessorFunc lifts bare functions into [NotificationProcessor].
type NotificationProcessorFunc[A any] func(ctx context.Context, n *Notification[A]) error

// ProcessNotification delegates to the wrapped function.
func (f NotificationProcessorFunc[A]) ProcessNotification(ctx context.Context, n *Notification[A]) error {
	return f(ctx, n)
}

// NotificationHandler receives gateway notifications over net/http. It
// answers 204 once the processor accepts a verified notification, 403 for
// untrusted input, and 500 otherwise so that the gateway redelivers.
type NotificationHandler[A any] struct {
	verifier  *NotificationVerifier[A]
	processor NotificationProcessor[A]
	logger    *slog.Logger
}

// NewNotificationHandler wires verifier to processor.
func NewNotificationHandler[A any](verifier *NotificationVerifier[A], processor NotificationProcessor[A]) *NotificationHandler[A] {
	if verifier == nil {
		panic("wechatpay: notification verifier is required")
	}
	if processor == nil {
		panic("wechatpay: notification processor is required")
	}
	return &NotificationHandler[A]{
		verifier:  verifier,
		processor: processor,
		logger:    verifier.logger,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *NotificationHandler[A]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONError(w, NewHTTPError(http.StatusMethodNotAllowed, "method not allowed"))
		return
	}
	requestCtx := requestContextFromRequest(r)
	ctx := contextWithRequestContext(r.Context(), requestCtx)

	notification, err := h.verify(ctx, r)
	if err != nil {
		var verr *VerificationError
		if errors.As(err, &verr) {
			h.logger.WarnContext(ctx, "rejected notification",
				"reason", verr.Reason,
				"serial_no", requestCtx.Serial,
				"remote_addr", requestCtx.RemoteAddr,
				"error", err,
			)
			writeJSONError(w, NewRejectedError("notification verification failed"))
			return
		}
		h.logger.ErrorContext(ctx, "failed to verify notification", "error", err)
		writeJSONError(w, NewProcessingError("notification verification unavailable"))
		return
	}

	if err := h.processor.ProcessNotification(ctx, notification); err != nil {
		h.logger.ErrorContext(ctx, "failed to process notification",
			"id", notification.ID,
			"out_trade_no", notification.Transaction.OutTradeNo,
			"error", err,
		)
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *NotificationHandler[A]) verify(ctx context.Context, r *http.Request) (*Notification[A], error) {
	env, err := EnvelopeFromRequest(r)
	if err != nil {
		return nil, err
	}
	return h.verifier.VerifyEnvelope(ctx, env)
}
