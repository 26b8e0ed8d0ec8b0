// Package payload decodes the App Store receipt payload: the DER SET of
// (type, version, value) attributes found inside the signed receipt
// envelope.
//
// The same types carry JSON tags matching the verifyReceipt response so a
// locally decoded receipt and one returned by Apple share one shape.
//
// See: https://developer.apple.com/library/archive/releasenotes/General/ValidateAppStoreReceipt/Chapters/ReceiptFields.html
package payload

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Receipt attribute types.
const (
	TypeEnvironment                = 0
	TypeBundleID                   = 2
	TypeApplicationVersion         = 3
	TypeOpaqueValue                = 4
	TypeSHA1Hash                   = 5
	TypeCreationDate               = 12
	TypeInApp                      = 17
	TypeOriginalPurchaseDate       = 18
	TypeOriginalApplicationVersion = 19
	TypeExpirationDate             = 21
)

// In-app purchase attribute types.
const (
	TypeInAppQuantity              = 1701
	TypeInAppProductID             = 1702
	TypeInAppTransactionID         = 1703
	TypeInAppPurchaseDate          = 1704
	TypeInAppOriginalTransactionID = 1705
	TypeInAppOriginalPurchaseDate  = 1706
	TypeInAppExpiresDate           = 1708
	TypeInAppWebOrderLineItemID    = 1711
	TypeInAppCancellationDate      = 1712
	TypeInAppIsInIntroOfferPeriod  = 1719
)

// EnvironmentProduction is the receipt environment of App Store purchases.
const EnvironmentProduction = "Production"

// Receipt is an app receipt.
type Receipt struct {
	Environment                string `json:"receipt_type,omitempty"`
	BundleID                   string `json:"bundle_id,omitempty"`
	ApplicationVersion         string `json:"application_version,omitempty"`
	OriginalApplicationVersion string `json:"original_application_version,omitempty"`

	// Dates are passed through as encoded by Apple.
	CreationDate         string `json:"creation_date,omitempty"`
	OriginalPurchaseDate string `json:"original_purchase_date,omitempty"`
	ExpirationDate       string `json:"expiration_date,omitempty"`

	OpaqueValue []byte `json:"-"`
	SHA1Hash    []byte `json:"-"`

	// InApp keeps the order in which entries were encountered.
	InApp []InAppPurchase `json:"in_app"`

	// FieldErrors lists attributes whose values could not be decoded.
	FieldErrors []FieldError `json:"-"`
}

// Sandbox reports whether the receipt was issued by the sandbox.
func (r *Receipt) Sandbox() bool {
	return r.OriginalApplicationVersion == "1.0" && r.Environment != EnvironmentProduction
}

// ProductIDs returns the product id of every in-app entry, in order.
func (r *Receipt) ProductIDs() []string {
	ids := make([]string, 0, len(r.InApp))
	for _, p := range r.InApp {
		ids = append(ids, p.ProductID)
	}
	return ids
}

// InAppPurchase is a single transaction within a receipt.
type InAppPurchase struct {
	Quantity              Int64  `json:"quantity"`
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`

	PurchaseDate           string `json:"purchase_date,omitempty"`
	PurchaseDateMS         Int64  `json:"purchase_date_ms,omitempty"`
	OriginalPurchaseDate   string `json:"original_purchase_date,omitempty"`
	OriginalPurchaseDateMS Int64  `json:"original_purchase_date_ms,omitempty"`

	// Expiry is only present for auto-renewable subscriptions.
	ExpiresDate   string `json:"expires_date,omitempty"`
	ExpiresDateMS Int64  `json:"expires_date_ms,omitempty"`

	// Cancellation is only present for refunded transactions.
	CancellationDate   string `json:"cancellation_date,omitempty"`
	CancellationDateMS Int64  `json:"cancellation_date_ms,omitempty"`

	WebOrderLineItemID   *Int64 `json:"web_order_line_item_id,omitempty"`
	IsInIntroOfferPeriod *Bool  `json:"is_in_intro_offer_period,omitempty"`
	IsTrialPeriod        *Bool  `json:"is_trial_period,omitempty"`
}

// Cancelled reports whether Apple customer support cancelled the transaction.
func (p *InAppPurchase) Cancelled() bool {
	return p.CancellationDate != "" || p.CancellationDateMS != 0
}

// Expires returns the expiry time, if the entry has one.
func (p *InAppPurchase) Expires() (time.Time, bool, error) {
	return dateOf(p.ExpiresDateMS, p.ExpiresDate)
}

// Purchased returns the purchase time, if the entry has one.
func (p *InAppPurchase) Purchased() (time.Time, bool, error) {
	return dateOf(p.PurchaseDateMS, p.PurchaseDate)
}

// OriginalPurchase returns the original purchase time, if the entry has one.
func (p *InAppPurchase) OriginalPurchase() (time.Time, bool, error) {
	return dateOf(p.OriginalPurchaseDateMS, p.OriginalPurchaseDate)
}

// PendingRenewal is an entry of pending_renewal_info.
type PendingRenewal struct {
	AutoRenewProductID     string `json:"auto_renew_product_id,omitempty"`
	ProductID              string `json:"product_id"`
	OriginalTransactionID  string `json:"original_transaction_id"`
	AutoRenewStatus        *Bool  `json:"auto_renew_status,omitempty"`
	ExpirationIntent       Int64  `json:"expiration_intent,omitempty"`
	IsInBillingRetryPeriod *Bool  `json:"is_in_billing_retry_period,omitempty"`
	GracePeriodExpiresMS   Int64  `json:"grace_period_expires_date_ms,omitempty"`
	PriceConsentStatus     Int64  `json:"price_consent_status,omitempty"`
}

func dateOf(ms Int64, s string) (time.Time, bool, error) {
	if ms != 0 {
		return time.UnixMilli(int64(ms)).UTC(), true, nil
	}
	if s == "" {
		return time.Time{}, false, nil
	}
	t, err := ParseDate(s)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// ParseDate parses the date formats Apple uses in receipts: RFC 3339 in the
// binary payload, "2006-01-02 15:04:05 Etc/GMT" in JSON responses and
// millisecond timestamps in legacy notifications.
func ParseDate(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if trimmed, ok := strings.CutSuffix(s, " Etc/GMT"); ok {
		if t, err := time.ParseInLocation(time.DateTime, trimmed, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
