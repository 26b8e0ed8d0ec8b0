package iap

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacy/iap-validation/iaperr"
	"github.com/kacy/iap-validation/ledger"
	"github.com/kacy/iap-validation/notification"
)

func newTestServer(t *testing.T, f *fixture, store ledger.Store) *Server {
	t.Helper()
	s, err := NewServer(ServerConfig{Validator: f.config, Ledger: store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func notificationBody(t *testing.T, password, bundle string) []byte {
	t.Helper()
	info := purchase(productID, "5000", testNow.Add(24*time.Hour))
	info["purchase_date_ms"] = ms(testNow)
	body, err := json.Marshal(map[string]any{
		"notification_type":   string(notification.TypeDidRecover),
		"environment":         "PROD",
		"password":            password,
		"bid":                 bundle,
		"bvrs":                "7",
		"latest_receipt_info": info,
	})
	require.NoError(t, err)
	return body
}

func TestNewServer_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config ServerConfig
		errMsg string
	}{
		{"missing root", ServerConfig{Validator: Config{ProductionBundleID: bundleID}}, "root certificate is required"},
		{"missing bundle id", ServerConfig{Validator: Config{RootCertificate: newSigner(t).root}}, "production bundle ID is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewServer(tt.config)
			require.Error(t, err)
			assert.Nil(t, s)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestServer_Verify(t *testing.T) {
	f := newFixture(t, []string{appleBody(t, bundleID, purchase(productID, "1000", testNow.Add(time.Hour)))}, nil)
	s := newTestServer(t, f, nil)
	ctx := context.Background()

	first, err := s.Verify(ctx, VerifyRequest{Receipt: []byte("receipt")})
	require.NoError(t, err)
	assert.True(t, first.Active)
	assert.False(t, first.SeenBefore)
	assert.False(t, first.Sandbox)
	assert.NotEmpty(t, first.VerificationID)
	require.NotNil(t, first.Purchase)
	assert.Equal(t, "1000", first.Purchase.TransactionID)

	entry, err := s.Ledger().Load(ctx, "1000")
	require.NoError(t, err)
	assert.Equal(t, productID, entry.ProductID)
	assert.Equal(t, bundleID, entry.BundleID)
	assert.Equal(t, "Production", entry.Environment)
	assert.True(t, testNow.Add(time.Hour).Equal(entry.ExpiresDate))
	assert.True(t, testNow.Add(-30*24*time.Hour).Equal(entry.PurchaseDate))

	second, err := s.Verify(ctx, VerifyRequest{Receipt: []byte("receipt")})
	require.NoError(t, err)
	assert.True(t, second.Active)
	assert.True(t, second.SeenBefore)
	assert.NotEqual(t, first.VerificationID, second.VerificationID)
}

func TestServer_Verify_Inactive(t *testing.T) {
	f := newFixture(t, []string{appleBody(t, bundleID, purchase(productID, "1000", testNow.Add(-48*time.Hour)))}, nil)
	store := ledger.NewMemoryStore(ledger.MemoryConfig{})
	defer store.Close()
	s := newTestServer(t, f, store)

	result, err := s.Verify(context.Background(), VerifyRequest{Receipt: []byte("receipt")})
	require.NoError(t, err)
	assert.False(t, result.Active)
	assert.Nil(t, result.Purchase)
	require.NotNil(t, result.Result)
	assert.Equal(t, 0, store.Len())
}

func TestServer_Verify_Errors(t *testing.T) {
	t.Run("policy violation", func(t *testing.T) {
		f := newFixture(t, []string{appleBody(t, "com.other.app", purchase(productID, "1", testNow.Add(time.Hour)))}, nil)
		s := newTestServer(t, f, nil)

		_, err := s.Verify(context.Background(), VerifyRequest{Receipt: []byte("receipt")})
		assert.ErrorIs(t, err, iaperr.ErrPolicyViolation)
	})

	t.Run("remote failure", func(t *testing.T) {
		f := newFixture(t, []string{statusBody(21003)}, nil)
		s := newTestServer(t, f, nil)

		_, err := s.Verify(context.Background(), VerifyRequest{Receipt: []byte("receipt")})
		assert.ErrorIs(t, err, iaperr.ErrRemoteFatal)
	})

	t.Run("forged envelope", func(t *testing.T) {
		f := newFixture(t, []string{statusBody(0)}, nil)
		s := newTestServer(t, f, nil)

		forged := newSigner(t).sign(t, receiptPayload(t, bundleID, "1.0", productID))
		_, err := s.Verify(context.Background(), VerifyRequest{Receipt: forged, VerifyEnvelope: true})
		assert.ErrorIs(t, err, iaperr.ErrInvalidReceipt)
		assert.Equal(t, 0, f.production.Calls())
	})
}

func TestServer_HandleNotification(t *testing.T) {
	f := newFixture(t, []string{statusBody(0)}, nil)
	s := newTestServer(t, f, nil)
	ctx := context.Background()

	n, err := s.HandleNotification(ctx, notificationBody(t, "s3cret", bundleID))
	require.NoError(t, err)
	assert.Equal(t, notification.TypeDidRecover, n.NotificationType)
	assert.False(t, n.Sandbox())

	entry, err := s.Ledger().Load(ctx, "5000")
	require.NoError(t, err)
	assert.Equal(t, "Production", entry.Environment)
	assert.True(t, testNow.Equal(entry.PurchaseDate))

	// Apple may deliver the same notification more than once.
	_, err = s.HandleNotification(ctx, notificationBody(t, "s3cret", debugBundleID))
	assert.NoError(t, err)
}

func TestServer_HandleNotification_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		body   func(t *testing.T) []byte
		target error
	}{
		{"wrong password", func(t *testing.T) []byte { return notificationBody(t, "guess", bundleID) }, ErrNotificationSecret},
		{"unknown bundle", func(t *testing.T) []byte { return notificationBody(t, "s3cret", "com.other.app") }, iaperr.ErrPolicyViolation},
		{"malformed", func(t *testing.T) []byte { return []byte(`{"notification_type": "INITIAL_BUY"}`) }, notification.ErrInvalidNotification},
	}

	f := newFixture(t, []string{statusBody(0)}, nil)
	s := newTestServer(t, f, nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.HandleNotification(context.Background(), tt.body(t))
			assert.ErrorIs(t, err, tt.target)
		})
	}

	_, err := s.Ledger().Load(context.Background(), "5000")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestServer_NotificationSecretOverride(t *testing.T) {
	f := newFixture(t, []string{statusBody(0)}, nil)
	s, err := NewServer(ServerConfig{Validator: f.config, NotificationSecret: "webhook"})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.HandleNotification(context.Background(), notificationBody(t, "s3cret", bundleID))
	assert.ErrorIs(t, err, ErrNotificationSecret)

	_, err = s.HandleNotification(context.Background(), notificationBody(t, "webhook", bundleID))
	assert.NoError(t, err)
}

func TestServer_AfterClose(t *testing.T) {
	f := newFixture(t, []string{statusBody(0)}, nil)
	s, err := NewServer(ServerConfig{Validator: f.config})
	require.NoError(t, err)

	require.NoError(t, s.Close())

	_, err = s.Verify(context.Background(), VerifyRequest{Receipt: []byte("receipt")})
	assert.EqualError(t, err, "server is closed")

	_, err = s.HandleNotification(context.Background(), notificationBody(t, "s3cret", bundleID))
	assert.EqualError(t, err, "server is closed")
}

func TestServer_Close_Idempotent(t *testing.T) {
	f := newFixture(t, []string{statusBody(0)}, nil)
	s, err := NewServer(ServerConfig{Validator: f.config})
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestServer_Accessors(t *testing.T) {
	f := newFixture(t, []string{statusBody(0)}, nil)
	store := ledger.NewMemoryStore(ledger.MemoryConfig{})
	defer store.Close()
	s := newTestServer(t, f, store)

	assert.NotNil(t, s.Validator())
	assert.Same(t, store, s.Ledger())
}
