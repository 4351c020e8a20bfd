// Package wechatpay is a merchant-side Go SDK for the WeChat Pay APIv3
// JSAPI flow. It signs outbound calls, keeps the platform certificates
// fresh, and verifies and decrypts payment notifications.
//
// # Creating orders
//
// Build a [Client] with [NewClient] from a [Merchant] (app id, merchant id,
// API certificate serial, RSA private key and the 32-byte APIv3 key). Call
// [Client.Prepay] with a [PrepayRequest] to create a JSAPI order; the returned
// [PaymentParams] are signed and ready to hand to the client-side
// requestPayment call.
//
// # Notifications
//
// [NewNotificationVerifier] checks the Wechatpay-* headers against the raw
// body using the platform certificate named by Wechatpay-Serial, then
// decrypts the AEAD_AES_256_GCM resource. The merchant attach is decoded into
// the type parameter only for SUCCESS transactions. Mount
// [NewNotificationHandler] with your [NotificationProcessor] to reply 204 on
// success, 403 on verification failure and 500 otherwise so the gateway
// retries.
//
// ## Platform certificates
//
//   - Certificates are fetched from /v3/certificates and decrypted with the APIv3 key.
//   - The whole list is trusted for [DefaultCertificateTTL] and refreshed by a single in-flight fetch.
//   - An unknown serial in a fresh cache forces one refresh, at most once per [DefaultRefreshCooldown].
//   - A failed refresh keeps the previous list.
//
// The signature and aead subpackages expose the primitives for callers that
// need them without a [Client].
package wechatpay
