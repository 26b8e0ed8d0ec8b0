// Package notification parses App Store server-to-server status update
// notifications.
//
// The body is checked against an embedded JSON schema before it is decoded
// into a Notification, so every typed field has already been shape-checked.
// Fields that older notifications deliver as JSON-encoded strings are
// expanded first.
package notification

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kacy/iap-validation/payload"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "notification.json"

// Type is the event a notification reports.
type Type string

// Notification types.
const (
	TypeInitialBuy             Type = "INITIAL_BUY"
	TypeCancel                 Type = "CANCEL"
	TypeInteractiveRenewal     Type = "INTERACTIVE_RENEWAL"
	TypeDidChangeRenewalPref   Type = "DID_CHANGE_RENEWAL_PREF"
	TypeDidChangeRenewalStatus Type = "DID_CHANGE_RENEWAL_STATUS"
	TypeDidFailToRenew         Type = "DID_FAIL_TO_RENEW"
	TypeDidRecover             Type = "DID_RECOVER"
	TypeRefund                 Type = "REFUND"
)

// Deprecated: Apple sends DID_RECOVER instead.
const TypeRenewal Type = "RENEWAL"

// Notification environments.
const (
	EnvironmentSandbox    = "Sandbox"
	EnvironmentProduction = "PROD"
)

// ErrInvalidNotification is returned for bodies that are not a well-formed
// status update notification.
var ErrInvalidNotification = errors.New("invalid notification")

// Notification is a status update notification.
type Notification struct {
	NotificationType Type   `json:"notification_type"`
	Environment      string `json:"environment"`

	// Password is the shared secret submitted with the receipt.
	Password      string `json:"password"`
	BundleID      string `json:"bid"`
	BundleVersion string `json:"bvrs"`

	AutoRenewAdamID             string        `json:"auto_renew_adam_id,omitempty"`
	AutoRenewProductID          string        `json:"auto_renew_product_id,omitempty"`
	AutoRenewStatus             *payload.Bool `json:"auto_renew_status,omitempty"`
	AutoRenewStatusChangeDateMS payload.Int64 `json:"auto_renew_status_change_date_ms,omitempty"`
	ExpirationIntent            payload.Int64 `json:"expiration_intent,omitempty"`

	LatestReceipt            []byte                 `json:"latest_receipt,omitempty"`
	LatestReceiptInfo        *payload.InAppPurchase `json:"latest_receipt_info,omitempty"`
	LatestExpiredReceipt     []byte                 `json:"latest_expired_receipt,omitempty"`
	LatestExpiredReceiptInfo *payload.InAppPurchase `json:"latest_expired_receipt_info,omitempty"`

	UnifiedReceipt *UnifiedReceipt `json:"unified_receipt,omitempty"`
}

// UnifiedReceipt is the receipt summary attached to newer notifications.
type UnifiedReceipt struct {
	Environment        string                   `json:"environment"`
	Status             payload.Int64            `json:"status"`
	LatestReceipt      []byte                   `json:"latest_receipt,omitempty"`
	LatestReceiptInfo  []payload.InAppPurchase  `json:"latest_receipt_info,omitempty"`
	PendingRenewalInfo []payload.PendingRenewal `json:"pending_renewal_info,omitempty"`
}

// Sandbox reports whether the notification came from the sandbox.
func (n *Notification) Sandbox() bool {
	return n.Environment == EnvironmentSandbox
}

// Purchases returns the in-app entries the notification carries. The
// unified receipt takes precedence over the legacy single-entry fields.
func (n *Notification) Purchases() []payload.InAppPurchase {
	if n.UnifiedReceipt != nil && len(n.UnifiedReceipt.LatestReceiptInfo) > 0 {
		return n.UnifiedReceipt.LatestReceiptInfo
	}
	if n.LatestReceiptInfo != nil {
		return []payload.InAppPurchase{*n.LatestReceiptInfo}
	}
	if n.LatestExpiredReceiptInfo != nil {
		return []payload.InAppPurchase{*n.LatestExpiredReceiptInfo}
	}
	return nil
}

// Parser validates and decodes notifications. It is safe for concurrent use.
type Parser struct {
	schema *jsonschema.Schema
}

// NewParser compiles the notification schema.
func NewParser() (*Parser, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to load notification schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile notification schema: %w", err)
	}
	return &Parser{schema: schema}, nil
}

// Parse validates body against the schema and decodes it.
func (p *Parser) Parse(body []byte) (*Notification, error) {
	doc, err := decodeObject(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	if err := expand(doc, "latest_receipt_info", "latest_expired_receipt_info", "unified_receipt"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if unified, ok := doc["unified_receipt"].(map[string]any); ok {
		if err := expand(unified, "latest_receipt_info", "pending_renewal_info"); err != nil {
			return nil, fmt.Errorf("%w: unified_receipt: %v", ErrInvalidNotification, err)
		}
	}

	if err := p.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	var n Notification
	if err := json.Unmarshal(normalized, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	return &n, nil
}

func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.New("body is not a JSON object")
	}
	return doc, nil
}

// expand replaces string values of the given keys with the JSON they encode.
func expand(doc map[string]any, keys ...string) error {
	for _, key := range keys {
		s, ok := doc[key].(string)
		if !ok {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(s)))
		dec.UseNumber()

		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("%s is not valid JSON: %w", key, err)
		}
		doc[key] = v
	}
	return nil
}
