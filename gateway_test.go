package wechatpay

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sumup/wechatpay/aead"
	"github.com/sumup/wechatpay/signature"
)

var (
	testAPIv3Key = []byte("0123456789abcdef0123456789abcdef")
	testNow      = time.Date(2025, 3, 14, 9, 26, 53, 0, time.FixedZone("CST", 8*3600))

	authorizationPattern = regexp.MustCompile(`^WECHATPAY2-SHA256-RSA2048 mchid="([^"]*)",nonce_str="([^"]*)",timestamp="(\d+)",serial_no="([^"]*)",signature="([^"]*)"$`)
)

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: testNow} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	keyOnce    sync.Once
	sharedKeys []*rsa.PrivateKey
)

// testKey returns one of a few pre-generated 2048 bit keys; generating a
// fresh key per test makes the suite slow.
func testKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		for range 4 {
			key, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			sharedKeys = append(sharedKeys, key)
		}
	})
	return sharedKeys[i]
}

type platformCert struct {
	key    *rsa.PrivateKey
	pem    string
	serial string
}

func newPlatformCert(t *testing.T, key *rsa.PrivateKey, serialHex string) platformCert {
	t.Helper()
	serial, ok := new(big.Int).SetString(serialHex, 16)
	if !ok {
		t.Fatalf("bad serial %s", serialHex)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "Tenpay.com sign"},
		NotBefore:    testNow.Add(-24 * time.Hour),
		NotAfter:     testNow.Add(5 * 365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return platformCert{
		key:    key,
		pem:    string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		serial: signature.SerialNumber(serial),
	}
}

func sealCertificate(t *testing.T, cert platformCert, listedSerial string) CertificateEntry {
	t.Helper()
	blob, err := aead.Seal([]byte(cert.pem), testAPIv3Key, "a1b2c3d4e5f6", "certificate")
	if err != nil {
		t.Fatalf("seal certificate: %v", err)
	}
	if listedSerial == "" {
		listedSerial = cert.serial
	}
	return CertificateEntry{
		SerialNo:           listedSerial,
		EffectiveTime:      testNow.Add(-24 * time.Hour),
		ExpireTime:         testNow.Add(5 * 365 * 24 * time.Hour),
		EncryptCertificate: blob,
	}
}

// fakeGateway authenticates every request with the merchant public key and
// serves certificate and prepay endpoints.
type fakeGateway struct {
	t           *testing.T
	server      *httptest.Server
	merchantKey *rsa.PublicKey

	mu           sync.Mutex
	certs        []platformCert
	prepayBodies [][]byte
	prepayStatus int
	prepayReply  string
	certStatus   int

	certCalls   atomic.Int32
	prepayCalls atomic.Int32
}

func newFakeGateway(t *testing.T, merchantKey *rsa.PublicKey, certs ...platformCert) *fakeGateway {
	t.Helper()
	gw := &fakeGateway{
		t:            t,
		merchantKey:  merchantKey,
		certs:        certs,
		prepayStatus: http.StatusOK,
		prepayReply:  `{"prepay_id":"wx123"}`,
		certStatus:   http.StatusOK,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v3/certificates", gw.authenticated(gw.handleCertificates))
	mux.HandleFunc("POST /v3/pay/transactions/jsapi", gw.authenticated(gw.handlePrepay))
	gw.server = httptest.NewServer(mux)
	t.Cleanup(gw.server.Close)
	return gw
}

func (gw *fakeGateway) authenticated(next func(http.ResponseWriter, *http.Request, []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		match := authorizationPattern.FindStringSubmatch(r.Header.Get("Authorization"))
		if match == nil {
			gw.reject(w, "malformed authorization")
			return
		}
		if len(match[2]) != requestNonceLength {
			gw.reject(w, "nonce_str must be 32 characters")
			return
		}
		ts, _ := strconv.ParseInt(match[3], 10, 64)
		material := signature.Material{
			Method:    r.Method,
			URL:       r.URL.RequestURI(),
			Timestamp: ts,
			Nonce:     match[2],
			Body:      string(body),
		}
		if err := signature.VerifyMessage(gw.merchantKey, material.Message(), match[5]); err != nil {
			gw.reject(w, "signature mismatch")
			return
		}
		next(w, r, body)
	}
}

func (gw *fakeGateway) reject(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Request-ID", "req-auth")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": "SIGN_ERROR", "message": message})
}

func (gw *fakeGateway) handleCertificates(w http.ResponseWriter, _ *http.Request, _ []byte) {
	gw.certCalls.Add(1)
	gw.mu.Lock()
	status := gw.certStatus
	certs := append([]platformCert(nil), gw.certs...)
	gw.mu.Unlock()
	if status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"code":"SYSTEM_ERROR","message":"try again"}`))
		return
	}
	data := make([]CertificateEntry, 0, len(certs))
	for _, cert := range certs {
		data = append(data, sealCertificate(gw.t, cert, ""))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func (gw *fakeGateway) handlePrepay(w http.ResponseWriter, _ *http.Request, body []byte) {
	gw.prepayCalls.Add(1)
	gw.mu.Lock()
	gw.prepayBodies = append(gw.prepayBodies, body)
	status, reply := gw.prepayStatus, gw.prepayReply
	gw.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Request-ID", "req-prepay")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(reply))
}

func (gw *fakeGateway) setCertificates(certs ...platformCert) {
	gw.mu.Lock()
	gw.certs = certs
	gw.mu.Unlock()
}

func (gw *fakeGateway) lastPrepayBody(t *testing.T) map[string]any {
	t.Helper()
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.prepayBodies) == 0 {
		t.Fatalf("no prepay request recorded")
	}
	var out map[string]any
	if err := json.Unmarshal(gw.prepayBodies[len(gw.prepayBodies)-1], &out); err != nil {
		t.Fatalf("decode prepay body: %v", err)
	}
	return out
}

func testMerchant(t *testing.T) Merchant {
	t.Helper()
	return Merchant{
		AppID:      "wxd678efh567hg6787",
		MchID:      "1230000109",
		SerialNo:   "444F4864EA9B34415...",
		PrivateKey: testKey(t, 0),
		APIv3Key:   testAPIv3Key,
	}
}

func newTestClient(t *testing.T, gw *fakeGateway, clock *testClock, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithBaseURL(gw.server.URL),
		WithHTTPClient(gw.server.Client()),
		withClock(clock.Now),
	}
	client, err := NewClient(testMerchant(t), append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

// signedNotification seals resource and signs the body the way the gateway does.
func signedNotification(t *testing.T, cert platformCert, ts time.Time, resource any) (http.Header, []byte) {
	t.Helper()
	plaintext, err := json.Marshal(resource)
	if err != nil {
		t.Fatalf("marshal resource: %v", err)
	}
	blob, err := aead.Seal(plaintext, testAPIv3Key, "fdasfjihihih", "transaction")
	if err != nil {
		t.Fatalf("seal resource: %v", err)
	}
	blob.OriginalType = "transaction"
	body, err := json.Marshal(map[string]any{
		"id":            "EV-2018022511223320873",
		"create_time":   "2015-05-20T13:29:35+08:00",
		"resource_type": "encrypt-resource",
		"event_type":    "TRANSACTION.SUCCESS",
		"summary":       "支付成功",
		"resource":      blob,
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return signHeaders(t, cert, ts, body), body
}

func signHeaders(t *testing.T, cert platformCert, ts time.Time, body []byte) http.Header {
	t.Helper()
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	nonce := "fdasflkja484w"
	signer := signature.Signer{PrivateKey: cert.key}
	sig, err := signer.Sign(signature.BuildMessage(timestamp, nonce, string(body)))
	if err != nil {
		t.Fatalf("sign notification: %v", err)
	}
	header := http.Header{}
	header.Set(HeaderTimestamp, timestamp)
	header.Set(HeaderNonce, nonce)
	header.Set(HeaderSignature, sig)
	header.Set(HeaderSerial, cert.serial)
	return header
}

func transactionResourceFixture(state TradeState, attach string) map[string]any {
	resource := map[string]any{
		"appid":            "wxd678efh567hg6787",
		"mchid":            "1230000109",
		"out_trade_no":     "1217752501201407033233368018",
		"transaction_id":   "1217752501201407033233368018",
		"trade_type":       "JSAPI",
		"trade_state":      string(state),
		"trade_state_desc": "描述",
		"bank_type":        "CMC",
		"payer":            map[string]any{"openid": "oUpF8uMuAJO_M2pxb1Q9zNjWeS6o"},
		"amount":           map[string]any{"total": 100, "payer_total": 100, "currency": "CNY", "payer_currency": "CNY"},
	}
	if state == TradeStateSuccess {
		resource["success_time"] = "2018-06-08T10:34:56+08:00"
	}
	if attach != "" {
		resource["attach"] = attach
	}
	return resource
}
