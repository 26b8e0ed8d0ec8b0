// Package policy checks a receipt's bundle id and product ids against the
// app's allow-lists.
package policy

import (
	"errors"

	"github.com/kacy/iap-validation/iaperr"
	"github.com/kacy/iap-validation/payload"
)

// Config holds the allow-lists.
type Config struct {
	// ProductionBundleID is the bundle id of the released app.
	ProductionBundleID string

	// DebugBundleID is the bundle id of debug builds. Optional.
	DebugBundleID string

	// ProductionProductIDs are the products sold by the released app.
	ProductionProductIDs []string

	// DebugProductIDs are extra products available to debug builds.
	DebugProductIDs []string
}

// Validator applies the allow-lists. It holds no mutable state.
type Validator struct {
	productionBundles  map[string]struct{}
	debugBundles       map[string]struct{}
	productionProducts map[string]struct{}
	debugProducts      map[string]struct{}
}

// NewValidator creates a new policy validator.
func NewValidator(cfg Config) (*Validator, error) {
	if cfg.ProductionBundleID == "" {
		return nil, errors.New("production bundle ID is required")
	}

	v := &Validator{
		productionBundles:  toSet([]string{cfg.ProductionBundleID}),
		debugBundles:       toSet([]string{cfg.ProductionBundleID}),
		productionProducts: toSet(cfg.ProductionProductIDs),
		debugProducts:      toSet(cfg.ProductionProductIDs, cfg.DebugProductIDs),
	}
	if cfg.DebugBundleID != "" {
		v.debugBundles[cfg.DebugBundleID] = struct{}{}
	}
	return v, nil
}

// ValidateProduction checks a receipt from the released app.
func (v *Validator) ValidateProduction(r *payload.Receipt) error {
	if err := validateDevice(r, v.productionBundles); err != nil {
		return err
	}
	return validateProducts(r, v.productionProducts)
}

// ValidateDebug checks a receipt from a test build. Debug receipts must come
// from the sandbox. Both production and debug ids are accepted, since App
// Review tests production builds against the sandbox.
func (v *Validator) ValidateDebug(r *payload.Receipt, sandbox bool) error {
	if !sandbox {
		return iaperr.New(iaperr.KindPolicyViolation, "debug receipts must be in the sandbox")
	}
	if err := validateDevice(r, v.debugBundles); err != nil {
		return err
	}
	return validateProducts(r, v.debugProducts)
}

func validateDevice(r *payload.Receipt, bundles map[string]struct{}) error {
	if r == nil || r.BundleID == "" {
		return iaperr.New(iaperr.KindPolicyViolation, "receipt has no bundle_id")
	}
	if _, ok := bundles[r.BundleID]; !ok {
		return iaperr.Newf(iaperr.KindPolicyViolation, "unexpected bundle_id %s", r.BundleID)
	}
	return nil
}

func validateProducts(r *payload.Receipt, products map[string]struct{}) error {
	for _, p := range r.InApp {
		if p.ProductID == "" {
			return iaperr.New(iaperr.KindPolicyViolation, "in-app purchase has no product_id")
		}
		if _, ok := products[p.ProductID]; !ok {
			return iaperr.Newf(iaperr.KindPolicyViolation, "unexpected product_id %s", p.ProductID)
		}
	}
	return nil
}

func toSet(lists ...[]string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, list := range lists {
		for _, s := range list {
			set[s] = struct{}{}
		}
	}
	return set
}
