// Package iap validates Apple In-App Purchase receipts.
//
// A receipt is checked in stages: its PKCS#7 envelope must chain to a
// trusted root, its payload is decoded into a Receipt, Apple's verifyReceipt
// service confirms it, the bundle and product ids are checked against
// allow-lists, and finally the purchases are evaluated for activity.
//
// See: https://developer.apple.com/documentation/appstorereceipts/verifyreceipt
//
// # Basic Usage
//
//	root, err := envelope.LoadRootCertificate("AppleIncRootCertificate.cer")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	validator, err := iap.NewValidator(iap.Config{
//	    RootCertificate:      root,
//	    SharedSecret:         os.Getenv("IAP_SHARED_SECRET"),
//	    ProductionBundleID:   "com.example.app",
//	    ProductionProductIDs: []string{"com.example.pro.monthly"},
//	    Period:               30 * 24 * time.Hour,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	active, err := validator.ValidateActive(ctx, receipt, iap.ActiveOptions{})
//	switch {
//	case errors.Is(err, iaperr.ErrNoActivePurchase):
//	    // the subscription lapsed
//	case errors.Is(err, iaperr.ErrRemoteFatal):
//	    // Apple rejected the receipt, or failed twice in a row
//	}
//
// # Errors
//
// Every validation failure is an *iaperr.Error. Use errors.Is with the
// iaperr sentinels to branch on the outcome, and iaperr.ContentOf to get the
// raw response Apple returned. Validator.ValidateWithApple retries a
// transient failure once and reports a second one as iaperr.ErrRemoteFatal.
//
// # Subpackages
//
// The library is organized into the following subpackages:
//
//   - envelope: PKCS#7 signature and certificate chain verification
//   - payload: receipt payload decoding
//   - appstore: verifyReceipt client and status codes
//   - policy: bundle and product allow-lists
//   - activity: subscription activity evaluation
//   - ledger: transaction history (memory, Redis, Postgres)
//   - notification: App Store status update notifications
//   - config: file and environment configuration
package iap
