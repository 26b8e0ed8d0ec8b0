package iap

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kacy/iap-validation/appstore"
	"github.com/kacy/iap-validation/iaperr"
	"github.com/kacy/iap-validation/internal/logging"
	"github.com/kacy/iap-validation/ledger"
	"github.com/kacy/iap-validation/notification"
	"github.com/kacy/iap-validation/payload"
)

// ErrNotificationSecret is returned for notifications whose password does
// not match the configured secret.
var ErrNotificationSecret = errors.New("notification password does not match")

var errServerClosed = errors.New("server is closed")

// Server provides a batteries-included receipt server that validates
// receipts, remembers the transactions it has seen and accepts App Store
// status notifications.
//
// This is the recommended way to use the library for most use cases.
// For advanced customization, use NewValidator directly with your own
// transaction ledger.
type Server struct {
	validator     *Validator
	ledger        ledger.Store
	memory        *ledger.MemoryStore
	notifications *notification.Parser
	secret        string
	bundles       map[string]struct{}
	logger        logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
}

// ServerConfig holds configuration for the receipt server.
type ServerConfig struct {
	// Validator configures receipt validation (required).
	Validator Config

	// Ledger stores verified transactions (default: in-memory store).
	Ledger ledger.Store

	// NotificationSecret is compared with the password of incoming
	// notifications (default: Validator.SharedSecret). When both are empty
	// the password is not checked.
	NotificationSecret string
}

// NewServer creates a new receipt server with sensible defaults.
//
// Example:
//
//	server, err := iap.NewServer(iap.ServerConfig{
//	    Validator: iap.Config{
//	        RootCertificate:      root,
//	        SharedSecret:         "secret",
//	        ProductionBundleID:   "com.example.app",
//	        ProductionProductIDs: []string{"com.example.pro.monthly"},
//	        Period:               30 * 24 * time.Hour,
//	    },
//	})
func NewServer(cfg ServerConfig) (*Server, error) {
	validator, err := NewValidator(cfg.Validator)
	if err != nil {
		return nil, err
	}

	parser, err := notification.NewParser()
	if err != nil {
		return nil, err
	}

	s := &Server{
		validator:     validator,
		ledger:        cfg.Ledger,
		notifications: parser,
		secret:        cfg.NotificationSecret,
		bundles:       map[string]struct{}{cfg.Validator.ProductionBundleID: {}},
		logger:        logging.OrDiscard(cfg.Validator.Logger),
	}
	if s.secret == "" {
		s.secret = cfg.Validator.SharedSecret
	}
	if cfg.Validator.DebugBundleID != "" {
		s.bundles[cfg.Validator.DebugBundleID] = struct{}{}
	}
	if s.ledger == nil {
		s.memory = ledger.NewMemoryStore(ledger.MemoryConfig{})
		s.ledger = s.memory
	}
	return s, nil
}

// VerifyRequest contains a receipt submitted by a client.
type VerifyRequest struct {
	// Receipt is the raw receipt from the device.
	Receipt []byte

	// ProductID restricts the check to one product (optional).
	ProductID string

	// Test selects the debug allow-lists and the short grace period.
	Test bool

	// Period overrides the configured subscription period (optional).
	Period time.Duration

	// VerifyEnvelope checks the receipt signature locally first.
	VerifyEnvelope bool
}

// VerifyResult is the outcome of a receipt verification.
type VerifyResult struct {
	// VerificationID identifies this verification in the logs.
	VerificationID string

	// Active reports whether a purchase is currently active.
	Active bool

	// Purchase is the active purchase, nil when Active is false.
	Purchase *payload.InAppPurchase

	// SeenBefore reports whether the active transaction was already recorded.
	SeenBefore bool

	// Sandbox reports whether Apple's sandbox verified the receipt.
	Sandbox bool

	// Result is Apple's response.
	Result *appstore.Result
}

// Verify validates a receipt and reports whether it holds an active
// purchase. A receipt that is valid but inactive is not an error: the
// result has Active set to false.
//
// Example:
//
//	result, err := server.Verify(ctx, iap.VerifyRequest{
//	    Receipt:   receiptFromClient,
//	    ProductID: "com.example.pro.monthly",
//	})
func (s *Server) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	log := s.logger.WithFields(logrus.Fields{
		"verification_id": id,
		"test":            req.Test,
	})

	if req.VerifyEnvelope {
		if _, err := s.validator.ParseReceipt(req.Receipt); err != nil {
			log.WithError(err).Info("receipt rejected")
			return nil, err
		}
	}

	result, err := s.validator.ValidateWithApple(ctx, req.Receipt)
	if err != nil {
		log.WithError(err).Info("receipt validation failed")
		return nil, err
	}

	out := &VerifyResult{
		VerificationID: id,
		Sandbox:        result.Sandbox(),
		Result:         result,
	}
	log = log.WithField("environment", result.Environment)

	activity, err := s.validator.CheckActive(result, ActiveOptions{
		Period:    req.Period,
		ProductID: req.ProductID,
		Test:      req.Test,
	})
	if errors.Is(err, iaperr.ErrNoActivePurchase) {
		log.Info("no active purchase")
		return out, nil
	}
	if err != nil {
		log.WithError(err).Info("receipt rejected")
		return nil, err
	}

	out.Active = true
	out.Purchase = activity.Purchase
	out.SeenBefore, err = s.record(ctx, activity.Purchase, result.Receipt.BundleID, string(result.Environment))
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"transaction_id": activity.Purchase.TransactionID,
		"seen_before":    out.SeenBefore,
	}).Info("active purchase verified")
	return out, nil
}

// HandleNotification parses an App Store status notification, checks its
// password and bundle id, and records the purchases it carries.
func (s *Server) HandleNotification(ctx context.Context, body []byte) (*notification.Notification, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	n, err := s.notifications.Parse(body)
	if err != nil {
		return nil, err
	}
	if s.secret != "" && subtle.ConstantTimeCompare([]byte(n.Password), []byte(s.secret)) != 1 {
		return nil, ErrNotificationSecret
	}
	if _, ok := s.bundles[n.BundleID]; !ok {
		return nil, iaperr.Newf(iaperr.KindPolicyViolation, "unexpected bundle_id %s", n.BundleID)
	}

	env := appstore.Production
	if n.Sandbox() {
		env = appstore.Sandbox
	}
	purchases := n.Purchases()
	for i := range purchases {
		if purchases[i].Cancelled() {
			continue
		}
		if _, err := s.record(ctx, &purchases[i], n.BundleID, string(env)); err != nil {
			return nil, err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"notification_type": n.NotificationType,
		"environment":       env,
		"purchases":         len(purchases),
	}).Info("notification received")
	return n, nil
}

// record stores the purchase and reports whether it was already known.
func (s *Server) record(ctx context.Context, p *payload.InAppPurchase, bundleID, env string) (bool, error) {
	err := s.ledger.Record(ctx, newEntry(p, bundleID, env))
	if errors.Is(err, ledger.ErrAlreadyRecorded) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record transaction: %w", err)
	}
	return false, nil
}

func newEntry(p *payload.InAppPurchase, bundleID, env string) *ledger.Entry {
	e := &ledger.Entry{
		TransactionID:         p.TransactionID,
		OriginalTransactionID: p.OriginalTransactionID,
		ProductID:             p.ProductID,
		BundleID:              bundleID,
		Environment:           env,
	}
	if t, ok, err := p.Purchased(); ok && err == nil {
		e.PurchaseDate = t
	}
	if t, ok, err := p.Expires(); ok && err == nil {
		e.ExpiresDate = t
	}
	return e
}

func (s *Server) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errServerClosed
	}
	return nil
}

// Close releases resources used by the server.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.memory != nil {
		s.memory.Close()
	}
	return nil
}

// Ledger returns the underlying transaction ledger for advanced use cases.
func (s *Server) Ledger() ledger.Store {
	return s.ledger
}

// Validator returns the underlying validator for advanced use cases.
func (s *Server) Validator() *Validator {
	return s.validator
}
