package iap

import (
	"context"
	"crypto/x509"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kacy/iap-validation/activity"
	"github.com/kacy/iap-validation/appstore"
	"github.com/kacy/iap-validation/envelope"
	"github.com/kacy/iap-validation/iaperr"
	"github.com/kacy/iap-validation/internal/logging"
	"github.com/kacy/iap-validation/payload"
	"github.com/kacy/iap-validation/policy"
)

// Common errors returned by the iap package.
var (
	ErrMissingReceipt = errors.New("missing receipt data")
	ErrRootRequired   = envelope.ErrRootRequired
)

// Config holds configuration for the receipt validator.
type Config struct {
	// RootCertificate is the trusted root of the receipt signing chain,
	// usually Apple Inc. Root (required).
	RootCertificate *x509.Certificate

	// SharedSecret is the app-specific shared secret sent to Apple (optional).
	SharedSecret string

	// ProductionBundleID is the bundle id of the released app (required).
	ProductionBundleID string

	// DebugBundleID is the bundle id of debug builds (optional).
	DebugBundleID string

	// ProductionProductIDs and DebugProductIDs are the allowed products.
	ProductionProductIDs []string
	DebugProductIDs      []string

	// Period is the entitlement window of purchases without an expiry.
	// It can be overridden per call with ActiveOptions.Period. When zero,
	// only purchases with an expiry can be active.
	Period time.Duration

	// ProductionURL and SandboxURL override Apple's endpoints.
	ProductionURL string
	SandboxURL    string

	// ExcludeOldTransactions asks Apple for the latest renewal only.
	ExcludeOldTransactions bool

	HTTPClient *http.Client

	// CertificateTime pins the time certificates are checked against
	// (default: time.Now). Apple receipts outlive their signing certificate.
	CertificateTime func() time.Time

	// Now returns the time activity is evaluated at (default: time.Now).
	Now func() time.Time

	Logger logrus.FieldLogger
}

// ActiveOptions tunes a single activity check.
type ActiveOptions struct {
	// Period overrides Config.Period when positive.
	Period time.Duration

	// ProductID restricts the check to one product when not empty.
	ProductID string

	// Test selects the debug policy and the one minute grace period.
	Test bool

	// VerifyEnvelope verifies and decodes the receipt locally before
	// asking Apple, so forged receipts never leave the process.
	VerifyEnvelope bool
}

// Activity is the outcome of a successful activity check.
type Activity struct {
	// Purchase is the first active entry.
	Purchase *payload.InAppPurchase

	// Result is Apple's response the purchase was taken from.
	Result *appstore.Result
}

// Validator runs the receipt pipeline: envelope verification, payload
// decoding, Apple verification, policy checks and activity evaluation.
// It is safe for concurrent use.
type Validator struct {
	envelope *envelope.Verifier
	client   *appstore.Client
	policy   *policy.Validator
	period   time.Duration
	now      func() time.Time
	logger   logrus.FieldLogger
}

// NewValidator creates a new receipt validator.
func NewValidator(cfg Config) (*Validator, error) {
	logger := logging.OrDiscard(cfg.Logger)

	env, err := envelope.NewVerifier(envelope.Config{
		RootCertificate: cfg.RootCertificate,
		CurrentTime:     cfg.CertificateTime,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	pol, err := policy.NewValidator(policy.Config{
		ProductionBundleID:   cfg.ProductionBundleID,
		DebugBundleID:        cfg.DebugBundleID,
		ProductionProductIDs: cfg.ProductionProductIDs,
		DebugProductIDs:      cfg.DebugProductIDs,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Period < 0 {
		return nil, errors.New("subscription period cannot be negative")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Validator{
		envelope: env,
		client: appstore.NewClient(appstore.Config{
			ProductionURL:          cfg.ProductionURL,
			SandboxURL:             cfg.SandboxURL,
			SharedSecret:           cfg.SharedSecret,
			ExcludeOldTransactions: cfg.ExcludeOldTransactions,
			HTTPClient:             cfg.HTTPClient,
			Logger:                 logger,
		}),
		policy: pol,
		period: cfg.Period,
		now:    now,
		logger: logger,
	}, nil
}

// ParseReceipt verifies the receipt envelope and decodes its payload.
func (v *Validator) ParseReceipt(raw []byte) (*payload.Receipt, error) {
	if len(raw) == 0 {
		return nil, ErrMissingReceipt
	}
	content, err := v.envelope.Verify(raw)
	if err != nil {
		return nil, err
	}
	r, err := payload.Decode(content)
	if err != nil {
		return nil, err
	}
	for _, fe := range r.FieldErrors {
		v.logger.WithError(fe).Debug("receipt field could not be decoded")
	}
	return r, nil
}

// ValidateWithApple verifies the receipt with Apple. A transient failure
// is retried once; a second transient failure is returned as fatal.
func (v *Validator) ValidateWithApple(ctx context.Context, raw []byte) (*appstore.Result, error) {
	if len(raw) == 0 {
		return nil, ErrMissingReceipt
	}
	result, err := v.client.Verify(ctx, raw)
	if err == nil || !iaperr.IsTransient(err) {
		return result, err
	}

	v.logger.WithError(err).Info("retrying receipt validation")
	result, err = v.client.Verify(ctx, raw)
	if err != nil {
		return nil, iaperr.Escalate(err)
	}
	return result, nil
}

// ValidateProductionReceipt checks a receipt against the production
// bundle id and products.
func (v *Validator) ValidateProductionReceipt(r *payload.Receipt) error {
	return v.policy.ValidateProduction(r)
}

// ValidateDebugReceipt checks a locally decoded receipt against the debug
// and production allow-lists. The receipt must be a sandbox receipt.
func (v *Validator) ValidateDebugReceipt(r *payload.Receipt) error {
	if r == nil {
		return iaperr.New(iaperr.KindPolicyViolation, "receipt has no bundle_id")
	}
	return v.policy.ValidateDebug(r, r.Sandbox())
}

// ValidateActive verifies the receipt with Apple and returns its active
// purchase. A receipt without one fails with iaperr.ErrNoActivePurchase,
// carrying Apple's response.
func (v *Validator) ValidateActive(ctx context.Context, raw []byte, opts ActiveOptions) (*Activity, error) {
	if opts.VerifyEnvelope {
		if _, err := v.ParseReceipt(raw); err != nil {
			return nil, err
		}
	}

	result, err := v.ValidateWithApple(ctx, raw)
	if err != nil {
		return nil, err
	}
	return v.CheckActive(result, opts)
}

// CheckActive applies the policy and activity checks to a response Apple
// has already returned.
func (v *Validator) CheckActive(result *appstore.Result, opts ActiveOptions) (*Activity, error) {
	var err error
	if opts.Test {
		err = v.policy.ValidateDebug(&result.Receipt, result.Sandbox())
	} else {
		err = v.policy.ValidateProduction(&result.Receipt)
	}
	if err != nil {
		return nil, iaperr.Attach(err, result.Raw)
	}

	period := opts.Period
	if period <= 0 {
		period = v.period
	}
	evaluator, err := activity.NewEvaluator(activity.Config{
		Period: period,
		Grace:  activity.GracePeriod(opts.Test),
		Logger: v.logger,
	})
	if err != nil {
		return nil, err
	}

	purchase, err := evaluator.Evaluate(v.now(), result.Purchases(), opts.ProductID)
	if err != nil {
		return nil, iaperr.Attach(err, result.Raw)
	}
	return &Activity{Purchase: purchase, Result: result}, nil
}
