package appstore

import (
	"bytes"
	"encoding/json"

	"github.com/kacy/iap-validation/payload"
)

// Environment names a verifyReceipt endpoint.
type Environment string

// Endpoints.
const (
	Production Environment = "Production"
	Sandbox    Environment = "Sandbox"
)

// Result is a successful verifyReceipt response.
type Result struct {
	Status int

	// Environment is the endpoint that answered.
	Environment Environment

	Receipt payload.Receipt

	// LatestReceiptInfo supersedes Receipt.InApp when present.
	LatestReceiptInfo []payload.InAppPurchase

	LatestReceipt        []byte
	LatestReceiptEncoded string

	PendingRenewalInfo []payload.PendingRenewal

	// Raw is the response body.
	Raw []byte
}

// Sandbox reports whether the sandbox endpoint answered.
func (r *Result) Sandbox() bool {
	return r.Environment == Sandbox
}

// Purchases returns the entries to evaluate for activity.
func (r *Result) Purchases() []payload.InAppPurchase {
	if r.LatestReceiptInfo != nil {
		return r.LatestReceiptInfo
	}
	return r.Receipt.InApp
}

type response struct {
	Status             *int                     `json:"status"`
	Environment        string                   `json:"environment"`
	Receipt            json.RawMessage          `json:"receipt"`
	LatestReceipt      string                   `json:"latest_receipt"`
	LatestReceiptInfo  purchaseList             `json:"latest_receipt_info"`
	PendingRenewalInfo []payload.PendingRenewal `json:"pending_renewal_info"`
}

// receiptBody is the receipt object, which also carries latest_receipt in
// transaction-style responses.
type receiptBody struct {
	payload.Receipt
	LatestReceipt string `json:"latest_receipt"`
}

// purchaseList accepts latest_receipt_info as an array or, in
// transaction-style responses, a single object.
type purchaseList []payload.InAppPurchase

func (l *purchaseList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		return nil
	case len(b) > 0 && b[0] == '{':
		var p payload.InAppPurchase
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		*l = purchaseList{p}
		return nil
	default:
		var list []payload.InAppPurchase
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*l = list
		return nil
	}
}
