package iap

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/smallstep/pkcs7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/kacy/iap-validation/iaperr"
	"github.com/kacy/iap-validation/payload"
)

const (
	bundleID      = "com.example.app"
	debugBundleID = "com.example.app.debug"
	productID     = "com.example.pro.monthly"
	debugProduct  = "com.example.pro.debug"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// signer issues receipt envelopes from a throwaway root.
type signer struct {
	root  *x509.Certificate
	inter *x509.Certificate
	leaf  *x509.Certificate
	key   *ecdsa.PrivateKey
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	notBefore := time.Now().Add(-time.Hour)

	ca := func(serial int64, cn string) *x509.Certificate {
		return &x509.Certificate{
			SerialNumber:          big.NewInt(serial),
			Subject:               pkix.Name{CommonName: cn},
			NotBefore:             notBefore,
			NotAfter:              notBefore.Add(24 * time.Hour),
			KeyUsage:              x509.KeyUsageCertSign,
			BasicConstraintsValid: true,
			IsCA:                  true,
		}
	}
	issue := func(template, parent *x509.Certificate, pub *ecdsa.PublicKey, key *ecdsa.PrivateKey) *x509.Certificate {
		der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, key)
		require.NoError(t, err)
		cert, err := x509.ParseCertificate(der)
		require.NoError(t, err)
		return cert
	}
	newKey := func() *ecdsa.PrivateKey {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		return key
	}

	rootKey, interKey, leafKey := newKey(), newKey(), newKey()
	rootTmpl := ca(1, "Test Root")
	s := &signer{key: leafKey}
	s.root = issue(rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	s.inter = issue(ca(2, "Test Intermediate"), s.root, &interKey.PublicKey, rootKey)
	s.leaf = issue(&x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "Test Receipt Signing"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}, s.inter, &leafKey.PublicKey, interKey)
	return s
}

func (s *signer) sign(t *testing.T, content []byte) []byte {
	t.Helper()
	sd, err := pkcs7.NewSignedData(content)
	require.NoError(t, err)
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	require.NoError(t, sd.AddSignerChain(s.leaf, s.key, []*x509.Certificate{s.inter}, pkcs7.SignerInfoConfig{}))
	der, err := sd.Finish()
	require.NoError(t, err)
	return der
}

// receiptPayload encodes a receipt payload with one in-app entry per product.
func receiptPayload(t *testing.T, bundle, version string, products ...string) []byte {
	t.Helper()
	attr := func(b *cryptobyte.Builder, typ int64, value func(*cryptobyte.Builder)) {
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1Int64(typ)
			b.AddASN1Int64(1)
			b.AddASN1(asn1.OCTET_STRING, value)
		})
	}
	utf8 := func(s string) func(*cryptobyte.Builder) {
		return func(b *cryptobyte.Builder) {
			b.AddASN1(asn1.UTF8String, func(b *cryptobyte.Builder) { b.AddBytes([]byte(s)) })
		}
	}

	var b cryptobyte.Builder
	b.AddASN1(asn1.SET, func(b *cryptobyte.Builder) {
		attr(b, payload.TypeBundleID, utf8(bundle))
		attr(b, payload.TypeOriginalApplicationVersion, utf8(version))
		for _, p := range products {
			attr(b, payload.TypeInApp, func(b *cryptobyte.Builder) {
				b.AddASN1(asn1.SET, func(b *cryptobyte.Builder) {
					attr(b, payload.TypeInAppProductID, utf8(p))
				})
			})
		}
	})
	out, err := b.Bytes()
	require.NoError(t, err)
	return out
}

// appleStub serves canned verifyReceipt responses in order, repeating the
// last one.
type appleStub struct {
	server *httptest.Server

	mu        sync.Mutex
	responses []string
	calls     int
}

func newAppleStub(t *testing.T, responses ...string) *appleStub {
	t.Helper()
	s := &appleStub{responses: responses}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		s.mu.Lock()
		i := s.calls
		if i >= len(s.responses) {
			i = len(s.responses) - 1
		}
		s.calls++
		body := s.responses[i]
		s.mu.Unlock()
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *appleStub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func purchase(product, txn string, expires time.Time) map[string]any {
	p := map[string]any{
		"quantity":                  "1",
		"product_id":                product,
		"transaction_id":            txn,
		"original_transaction_id":   txn,
		"purchase_date_ms":          ms(testNow.Add(-30 * 24 * time.Hour)),
		"original_purchase_date_ms": ms(testNow.Add(-30 * 24 * time.Hour)),
	}
	if !expires.IsZero() {
		p["expires_date_ms"] = ms(expires)
	}
	return p
}

func appleBody(t *testing.T, bundle string, inApp ...map[string]any) string {
	t.Helper()
	if inApp == nil {
		inApp = []map[string]any{}
	}
	body, err := json.Marshal(map[string]any{
		"status": 0,
		"receipt": map[string]any{
			"bundle_id":                    bundle,
			"original_application_version": "1.0",
			"in_app":                       inApp,
		},
	})
	require.NoError(t, err)
	return string(body)
}

func statusBody(status int) string {
	return `{"status": ` + strconv.Itoa(status) + `}`
}

type fixture struct {
	signer     *signer
	production *appleStub
	sandbox    *appleStub
	config     Config
}

func newFixture(t *testing.T, production, sandbox []string) *fixture {
	t.Helper()
	if sandbox == nil {
		sandbox = []string{statusBody(21007)}
	}
	f := &fixture{
		signer:     newSigner(t),
		production: newAppleStub(t, production...),
		sandbox:    newAppleStub(t, sandbox...),
	}
	f.config = Config{
		RootCertificate:      f.signer.root,
		SharedSecret:         "s3cret",
		ProductionBundleID:   bundleID,
		DebugBundleID:        debugBundleID,
		ProductionProductIDs: []string{productID},
		DebugProductIDs:      []string{debugProduct},
		Period:               30 * 24 * time.Hour,
		ProductionURL:        f.production.server.URL,
		SandboxURL:           f.sandbox.server.URL,
		Now:                  func() time.Time { return testNow },
	}
	return f
}

func (f *fixture) validator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(f.config)
	require.NoError(t, err)
	return v
}

func TestNewValidator_Validation(t *testing.T) {
	root := newSigner(t).root

	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{"missing root", Config{ProductionBundleID: bundleID}, "root certificate is required"},
		{"missing bundle id", Config{RootCertificate: root}, "production bundle ID is required"},
		{"negative period", Config{RootCertificate: root, ProductionBundleID: bundleID, Period: -time.Hour}, "cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewValidator(tt.config)
			require.Error(t, err)
			assert.Nil(t, v)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := NewValidator(Config{ProductionBundleID: bundleID})
	assert.ErrorIs(t, err, ErrRootRequired)
}

func TestParseReceipt(t *testing.T) {
	f := newFixture(t, []string{statusBody(0)}, nil)
	v := f.validator(t)

	raw := f.signer.sign(t, receiptPayload(t, bundleID, "1.0", productID))
	r, err := v.ParseReceipt(raw)
	require.NoError(t, err)
	assert.Equal(t, bundleID, r.BundleID)
	assert.True(t, r.Sandbox())
	assert.Equal(t, []string{productID}, r.ProductIDs())

	_, err = v.ParseReceipt(nil)
	assert.ErrorIs(t, err, ErrMissingReceipt)

	forged := newSigner(t).sign(t, receiptPayload(t, bundleID, "1.0"))
	_, err = v.ParseReceipt(forged)
	assert.ErrorIs(t, err, iaperr.ErrInvalidReceipt)

	// A signed payload that is not a receipt.
	_, err = v.ParseReceipt(f.signer.sign(t, []byte("not a receipt")))
	assert.ErrorIs(t, err, iaperr.ErrInvalidReceipt)
}

func TestValidateProductionAndDebugReceipt(t *testing.T) {
	v := newFixture(t, []string{statusBody(0)}, nil).validator(t)

	tests := []struct {
		name          string
		receipt       payload.Receipt
		productionErr bool
		debugErr      bool
	}{
		{
			name:    "production app in sandbox",
			receipt: payload.Receipt{BundleID: bundleID, OriginalApplicationVersion: "1.0", InApp: []payload.InAppPurchase{{ProductID: productID}}},
		},
		{
			name:          "debug app with debug product",
			receipt:       payload.Receipt{BundleID: debugBundleID, OriginalApplicationVersion: "1.0", InApp: []payload.InAppPurchase{{ProductID: debugProduct}}},
			productionErr: true,
		},
		{
			name:     "production app released",
			receipt:  payload.Receipt{BundleID: bundleID, OriginalApplicationVersion: "2.0", Environment: payload.EnvironmentProduction},
			debugErr: true,
		},
		{
			name:          "no bundle id and no purchases",
			receipt:       payload.Receipt{OriginalApplicationVersion: "1.0"},
			productionErr: true,
			debugErr:      true,
		},
		{
			name:          "unknown product",
			receipt:       payload.Receipt{BundleID: bundleID, OriginalApplicationVersion: "1.0", InApp: []payload.InAppPurchase{{ProductID: "com.other"}}},
			productionErr: true,
			debugErr:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateProductionReceipt(&tt.receipt)
			if tt.productionErr {
				assert.ErrorIs(t, err, iaperr.ErrInvalidReceipt)
			} else {
				assert.NoError(t, err)
			}

			err = v.ValidateDebugReceipt(&tt.receipt)
			if tt.debugErr {
				assert.ErrorIs(t, err, iaperr.ErrInvalidReceipt)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("nil receipt", func(t *testing.T) {
		for _, validate := range []func(*payload.Receipt) error{v.ValidateProductionReceipt, v.ValidateDebugReceipt} {
			err := validate(nil)
			assert.ErrorIs(t, err, iaperr.ErrPolicyViolation)
			assert.Contains(t, err.Error(), "receipt has no bundle_id")
		}
	})
}

func TestValidateWithApple_RetriesTransientOnce(t *testing.T) {
	f := newFixture(t, []string{statusBody(21005), appleBody(t, bundleID, purchase(productID, "1", time.Time{}))}, nil)

	result, err := f.validator(t).ValidateWithApple(context.Background(), []byte("receipt"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.production.Calls())
	assert.Equal(t, bundleID, result.Receipt.BundleID)
	assert.False(t, result.Sandbox())
}

func TestValidateWithApple_EscalatesSecondTransient(t *testing.T) {
	f := newFixture(t, []string{statusBody(21009)}, nil)

	_, err := f.validator(t).ValidateWithApple(context.Background(), []byte("receipt"))
	require.Error(t, err)
	assert.Equal(t, 2, f.production.Calls())
	assert.ErrorIs(t, err, iaperr.ErrRemoteFatal)
	assert.False(t, iaperr.IsTransient(err))
	assert.Contains(t, err.Error(), "retry failed")
	assert.Contains(t, err.Error(), "status 21009")
	assert.JSONEq(t, statusBody(21009), string(iaperr.ContentOf(err)))
}

func TestValidateWithApple_NoRetry(t *testing.T) {
	tests := []struct {
		name   string
		status int
		target error
	}{
		{"bad secret", 21004, iaperr.ErrRemoteFatal},
		{"inactive subscription", 21006, iaperr.ErrRemoteFatal},
		{"not authorized", 21010, iaperr.ErrNoPurchases},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []string{statusBody(tt.status)}, nil)

			_, err := f.validator(t).ValidateWithApple(context.Background(), []byte("receipt"))
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, 1, f.production.Calls())
			assert.Equal(t, 0, f.sandbox.Calls())
		})
	}

	f := newFixture(t, []string{statusBody(0)}, nil)
	_, err := f.validator(t).ValidateWithApple(context.Background(), nil)
	assert.ErrorIs(t, err, ErrMissingReceipt)
	assert.Equal(t, 0, f.production.Calls())
}

func TestValidateActive(t *testing.T) {
	day := 24 * time.Hour

	tests := []struct {
		name      string
		purchases []map[string]any
		opts      ActiveOptions
		wantTxn   string
	}{
		{
			name:      "expired a second ago is within grace",
			purchases: []map[string]any{purchase(productID, "1", testNow.Add(-time.Second))},
			wantTxn:   "1",
		},
		{
			name:      "expired two days ago",
			purchases: []map[string]any{purchase(productID, "1", testNow.Add(-2*day))},
		},
		{
			name: "cancelled entry never counts",
			purchases: []map[string]any{func() map[string]any {
				p := purchase(productID, "1", testNow.Add(day))
				p["cancellation_date_ms"] = ms(testNow.Add(-day))
				return p
			}()},
		},
		{
			name: "first active entry wins",
			purchases: []map[string]any{
				purchase(productID, "1", testNow.Add(-3*day)),
				purchase(productID, "2", testNow.Add(day)),
				purchase(productID, "3", testNow.Add(2*day)),
			},
			wantTxn: "2",
		},
		{
			name:      "non-renewing purchase within period",
			purchases: []map[string]any{purchase(productID, "1", time.Time{})},
			opts:      ActiveOptions{Period: 31 * day},
			wantTxn:   "1",
		},
		{
			name:      "non-renewing purchase past period and grace",
			purchases: []map[string]any{purchase(productID, "1", time.Time{})},
			opts:      ActiveOptions{Period: 28 * day},
		},
		{
			name:      "product filter",
			purchases: []map[string]any{purchase(productID, "1", testNow.Add(day))},
			opts:      ActiveOptions{ProductID: "com.example.other"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := appleBody(t, bundleID, tt.purchases...)
			f := newFixture(t, []string{body}, nil)

			got, err := f.validator(t).ValidateActive(context.Background(), []byte("receipt"), tt.opts)
			if tt.wantTxn == "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, iaperr.ErrNoActivePurchase)
				assert.Equal(t, body, string(iaperr.ContentOf(err)))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTxn, got.Purchase.TransactionID)
			assert.Equal(t, bundleID, got.Result.Receipt.BundleID)
		})
	}
}

func TestValidateActive_UsesConfiguredPeriod(t *testing.T) {
	// Purchased 30 days ago with a 30 day period: still within the day of grace.
	f := newFixture(t, []string{appleBody(t, bundleID, purchase(productID, "1", time.Time{}))}, nil)

	got, err := f.validator(t).ValidateActive(context.Background(), []byte("receipt"), ActiveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "1", got.Purchase.TransactionID)
}

func TestValidateActive_WithoutPeriod(t *testing.T) {
	f := newFixture(t, []string{
		appleBody(t, bundleID, purchase(productID, "1", testNow.Add(24*time.Hour))),
		appleBody(t, bundleID, purchase(productID, "2", time.Time{})),
	}, nil)
	f.config.Period = 0
	v := f.validator(t)

	got, err := v.ValidateActive(context.Background(), []byte("receipt"), ActiveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "1", got.Purchase.TransactionID)

	// Without an expiry the purchase needs a period to be active.
	_, err = v.ValidateActive(context.Background(), []byte("receipt"), ActiveOptions{})
	assert.ErrorIs(t, err, iaperr.ErrNoActivePurchase)
}

func TestValidateActive_LatestReceiptInfo(t *testing.T) {
	body, err := json.Marshal(map[string]any{
		"status": 0,
		"receipt": map[string]any{
			"bundle_id": bundleID,
			"in_app":    []any{purchase(productID, "old", testNow.Add(-40*24*time.Hour))},
		},
		"latest_receipt_info": []any{purchase(productID, "new", testNow.Add(time.Hour))},
	})
	require.NoError(t, err)
	f := newFixture(t, []string{string(body)}, nil)

	got, err := f.validator(t).ValidateActive(context.Background(), []byte("receipt"), ActiveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "new", got.Purchase.TransactionID)
}

func TestValidateActive_TestMode(t *testing.T) {
	active := purchase(debugProduct, "1", testNow.Add(-30*time.Second))

	t.Run("sandbox receipt", func(t *testing.T) {
		f := newFixture(t, []string{statusBody(21007)}, []string{appleBody(t, debugBundleID, active)})

		got, err := f.validator(t).ValidateActive(context.Background(), []byte("receipt"), ActiveOptions{Test: true})
		require.NoError(t, err)
		assert.True(t, got.Result.Sandbox())
		assert.Equal(t, 1, f.production.Calls())
		assert.Equal(t, 1, f.sandbox.Calls())
	})

	t.Run("short grace period", func(t *testing.T) {
		expired := purchase(debugProduct, "1", testNow.Add(-2*time.Minute))
		f := newFixture(t, []string{statusBody(21007)}, []string{appleBody(t, debugBundleID, expired)})

		_, err := f.validator(t).ValidateActive(context.Background(), []byte("receipt"), ActiveOptions{Test: true})
		assert.ErrorIs(t, err, iaperr.ErrNoActivePurchase)
	})

	t.Run("production receipt", func(t *testing.T) {
		body := appleBody(t, debugBundleID, active)
		f := newFixture(t, []string{body}, nil)

		_, err := f.validator(t).ValidateActive(context.Background(), []byte("receipt"), ActiveOptions{Test: true})
		assert.ErrorIs(t, err, iaperr.ErrPolicyViolation)
		assert.Equal(t, body, string(iaperr.ContentOf(err)))
	})

	t.Run("debug bundle outside test mode", func(t *testing.T) {
		f := newFixture(t, []string{appleBody(t, debugBundleID, active)}, nil)

		_, err := f.validator(t).ValidateActive(context.Background(), []byte("receipt"), ActiveOptions{})
		assert.ErrorIs(t, err, iaperr.ErrInvalidReceipt)
	})
}

func TestValidateActive_VerifyEnvelope(t *testing.T) {
	f := newFixture(t, []string{appleBody(t, bundleID, purchase(productID, "1", testNow.Add(time.Hour)))}, nil)
	v := f.validator(t)

	forged := newSigner(t).sign(t, receiptPayload(t, bundleID, "1.0", productID))
	_, err := v.ValidateActive(context.Background(), forged, ActiveOptions{VerifyEnvelope: true})
	assert.ErrorIs(t, err, iaperr.ErrInvalidReceipt)
	assert.Equal(t, 0, f.production.Calls())

	genuine := f.signer.sign(t, receiptPayload(t, bundleID, "1.0", productID))
	got, err := v.ValidateActive(context.Background(), genuine, ActiveOptions{VerifyEnvelope: true})
	require.NoError(t, err)
	assert.Equal(t, "1", got.Purchase.TransactionID)
	assert.Equal(t, 1, f.production.Calls())
}
