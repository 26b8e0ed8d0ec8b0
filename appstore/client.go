// Package appstore talks to Apple's verifyReceipt endpoints and interprets
// their status codes.
//
// A receipt is first sent to production. A 21007 answer ("this is a sandbox
// receipt") sends the same request to the sandbox. There is never a second
// attempt in the other direction.
//
// See: https://developer.apple.com/documentation/appstorereceipts/verifyreceipt
package appstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kacy/iap-validation/iaperr"
	"github.com/kacy/iap-validation/internal/logging"
)

// Apple's verifyReceipt endpoints.
const (
	ProductionURL = "https://buy.itunes.apple.com/verifyReceipt"
	SandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"
)

const maxResponseSize = 10 << 20

// Config holds configuration for the verifyReceipt client.
type Config struct {
	// ProductionURL overrides the production endpoint.
	ProductionURL string

	// SandboxURL overrides the sandbox endpoint.
	SandboxURL string

	// SharedSecret is the app-specific shared secret. Optional, but required
	// by Apple for auto-renewable subscriptions.
	SharedSecret string

	// ExcludeOldTransactions asks Apple to return only the latest renewal
	// of each subscription in latest_receipt_info.
	ExcludeOldTransactions bool

	// HTTPClient is used for requests (default: 30 second timeout).
	HTTPClient *http.Client

	// Logger receives environment fallbacks and transient statuses.
	Logger logrus.FieldLogger
}

// Client verifies receipts with Apple.
type Client struct {
	urls                   map[Environment]string
	sharedSecret           string
	excludeOldTransactions bool
	httpClient             *http.Client
	logger                 logrus.FieldLogger
}

type request struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions,omitempty"`
}

// NewClient creates a new verifyReceipt client.
func NewClient(cfg Config) *Client {
	productionURL := cfg.ProductionURL
	if productionURL == "" {
		productionURL = ProductionURL
	}
	sandboxURL := cfg.SandboxURL
	if sandboxURL == "" {
		sandboxURL = SandboxURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		urls: map[Environment]string{
			Production: productionURL,
			Sandbox:    sandboxURL,
		},
		sharedSecret:           cfg.SharedSecret,
		excludeOldTransactions: cfg.ExcludeOldTransactions,
		httpClient:             httpClient,
		logger:                 logging.OrDiscard(cfg.Logger),
	}
}

// Verify sends the raw receipt to Apple and returns the reconciled result.
// Errors are *iaperr.Error values of kind RemoteFatal, RemoteTransient or
// NoPurchases, carrying the response body when there was one.
func (c *Client) Verify(ctx context.Context, raw []byte) (*Result, error) {
	body, err := json.Marshal(request{
		ReceiptData:            base64.StdEncoding.EncodeToString(raw),
		Password:               c.sharedSecret,
		ExcludeOldTransactions: c.excludeOldTransactions,
	})
	if err != nil {
		return nil, iaperr.Wrap(iaperr.KindRemoteFatal, err, "unable to encode request")
	}

	for _, env := range []Environment{Production, Sandbox} {
		content, resp, err := c.post(ctx, env, body)
		if err != nil {
			return nil, err
		}
		status := *resp.Status
		log := c.logger.WithFields(logrus.Fields{
			"environment": env,
			"status":      status,
		})

		switch Classify(status, env) {
		case OutcomeRetrySandbox:
			log.Debug("sandbox receipt sent to production, retrying against sandbox")
			continue
		case OutcomeFatal:
			return nil, iaperr.New(iaperr.KindRemoteFatal, statusMessage(status)).WithStatus(status).WithContent(content)
		case OutcomeTransient:
			log.Warn("transient receipt validation status")
			return nil, iaperr.New(iaperr.KindRemoteTransient, statusMessage(status)).WithStatus(status).WithContent(content)
		case OutcomeNoPurchases:
			return nil, iaperr.New(iaperr.KindNoPurchases, statusMessage(status)).WithStatus(status).WithContent(content)
		}

		return newResult(env, content, resp)
	}

	// Unreachable: a 21007 from the sandbox is fatal.
	return nil, iaperr.New(iaperr.KindRemoteFatal, "no endpoint accepted the receipt")
}

func (c *Client) post(ctx context.Context, env Environment, body []byte) ([]byte, *response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.urls[env], bytes.NewReader(body))
	if err != nil {
		return nil, nil, iaperr.Wrap(iaperr.KindRemoteFatal, err, "unable to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, iaperr.Wrap(iaperr.KindRemoteFatal, err, "request failed")
	}
	defer httpResp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, nil, iaperr.Wrap(iaperr.KindRemoteFatal, err, "unable to read response")
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, nil, iaperr.Newf(iaperr.KindRemoteFatal, "unexpected HTTP status %d", httpResp.StatusCode).WithContent(content)
	}

	var resp response
	if err := json.Unmarshal(content, &resp); err != nil {
		return nil, nil, iaperr.Wrap(iaperr.KindRemoteFatal, err, "unable to read response").WithContent(content)
	}
	if resp.Status == nil {
		return nil, nil, iaperr.New(iaperr.KindRemoteFatal, "unknown response format").WithContent(content)
	}
	return content, &resp, nil
}

func newResult(env Environment, content []byte, resp *response) (*Result, error) {
	fatal := func(err error, message string) error {
		return iaperr.Wrap(iaperr.KindRemoteFatal, err, message).WithStatus(*resp.Status).WithContent(content)
	}

	trimmed := bytes.TrimSpace(resp.Receipt)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fatal(nil, "unable to get receipt from Apple")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fatal(err, "unable to read receipt")
	}
	if len(fields) == 0 {
		return nil, fatal(nil, "empty receipt")
	}

	var receipt receiptBody
	if err := json.Unmarshal(trimmed, &receipt); err != nil {
		return nil, fatal(err, "unable to read receipt")
	}
	if len(receipt.InApp) == 0 {
		return nil, iaperr.New(iaperr.KindNoPurchases, "no in-app purchases in receipt").WithStatus(*resp.Status).WithContent(content)
	}

	result := &Result{
		Status:             *resp.Status,
		Environment:        env,
		Receipt:            receipt.Receipt,
		LatestReceiptInfo:  resp.LatestReceiptInfo,
		PendingRenewalInfo: resp.PendingRenewalInfo,
		Raw:                content,
	}

	encoded := resp.LatestReceipt
	if encoded == "" {
		encoded = receipt.LatestReceipt
	}
	if encoded != "" {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fatal(err, "cannot decode latest_receipt")
		}
		result.LatestReceipt = decoded
		result.LatestReceiptEncoded = encoded
	}

	return result, nil
}
