// Package activity decides whether any purchase in a receipt is active.
package activity

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kacy/iap-validation/iaperr"
	"github.com/kacy/iap-validation/internal/logging"
	"github.com/kacy/iap-validation/payload"
)

// Grace periods added after expiry.
const (
	ProductionGrace = 24 * time.Hour
	TestGrace       = time.Minute
)

// GracePeriod returns the grace period for test or production contexts.
func GracePeriod(test bool) time.Duration {
	if test {
		return TestGrace
	}
	return ProductionGrace
}

// Config holds configuration for activity evaluation.
type Config struct {
	// Period is the entitlement window of purchases without an expiry,
	// counted from the original purchase date. When zero, such purchases
	// are never active.
	Period time.Duration

	// Grace is added to every expiry.
	Grace time.Duration

	// Logger receives skipped entries at debug level.
	Logger logrus.FieldLogger
}

// Evaluator finds the active purchase among receipt entries.
type Evaluator struct {
	period time.Duration
	grace  time.Duration
	logger logrus.FieldLogger
}

// NewEvaluator creates a new activity evaluator.
func NewEvaluator(cfg Config) (*Evaluator, error) {
	if cfg.Period < 0 {
		return nil, errors.New("subscription period cannot be negative")
	}
	if cfg.Grace < 0 {
		return nil, errors.New("grace period cannot be negative")
	}
	return &Evaluator{
		period: cfg.Period,
		grace:  cfg.Grace,
		logger: logging.OrDiscard(cfg.Logger),
	}, nil
}

// Evaluate returns the first entry active at now. Cancelled entries never
// count, and when productID is not empty only entries for that product are
// considered. Entries whose dates cannot be parsed are skipped.
func (e *Evaluator) Evaluate(now time.Time, entries []payload.InAppPurchase, productID string) (*payload.InAppPurchase, error) {
	for i := range entries {
		entry := entries[i]
		if entry.Cancelled() {
			continue
		}
		if productID != "" && entry.ProductID != productID {
			continue
		}

		expires, err := e.expiry(&entry)
		if err != nil {
			e.logger.WithError(err).WithField("transaction_id", entry.TransactionID).Debug("skipping purchase with unreadable dates")
			continue
		}
		if now.Before(expires.Add(e.grace)) {
			return &entry, nil
		}
	}
	return nil, iaperr.New(iaperr.KindNoActivePurchase, "no active purchase was found in the receipt")
}

func (e *Evaluator) expiry(entry *payload.InAppPurchase) (time.Time, error) {
	expires, ok, err := entry.Expires()
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return expires, nil
	}

	if e.period == 0 {
		return time.Time{}, errors.New("purchase has no expiry and no subscription period is configured")
	}

	purchased, ok, err := entry.OriginalPurchase()
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, errors.New("purchase has neither an expiry nor an original purchase date")
	}
	return purchased.Add(e.period), nil
}
