// Package envelope verifies the PKCS#7 signed-data envelope around an App
// Store receipt and returns the signed payload.
//
// The envelope carries the leaf signing certificate and Apple's
// intermediate. The intermediate must chain to the configured root, the leaf
// must chain to the intermediate, and the signature must cover the content.
package envelope

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallstep/pkcs7"

	"github.com/kacy/iap-validation/iaperr"
	"github.com/kacy/iap-validation/internal/logging"
)

// appleExtensionPrefix is the arc of Apple's proprietary certificate
// extensions, some of which are marked critical.
var appleExtensionPrefix = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6}

// Config holds configuration for envelope verification.
type Config struct {
	// RootCertificate is the trusted root, usually Apple Inc. Root.
	RootCertificate *x509.Certificate

	// CurrentTime returns the time certificates are checked against
	// (default: time.Now).
	CurrentTime func() time.Time

	// Logger receives verification failures at debug level (default: discard).
	Logger logrus.FieldLogger
}

// Verifier verifies receipt envelopes against a fixed root.
type Verifier struct {
	roots       *x509.CertPool
	currentTime func() time.Time
	logger      logrus.FieldLogger
}

// Common errors.
var (
	ErrRootRequired = errors.New("root certificate is required")
)

// NewVerifier creates a new envelope verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.RootCertificate == nil {
		return nil, ErrRootRequired
	}

	roots := x509.NewCertPool()
	roots.AddCert(cfg.RootCertificate)

	currentTime := cfg.CurrentTime
	if currentTime == nil {
		currentTime = time.Now
	}

	return &Verifier{
		roots:       roots,
		currentTime: currentTime,
		logger:      logging.OrDiscard(cfg.Logger),
	}, nil
}

// Verify checks the envelope's certificate chain and signature and returns
// the encapsulated payload unmodified.
func (v *Verifier) Verify(raw []byte) ([]byte, error) {
	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, v.fail(err, "unable to load PKCS7 data", raw)
	}

	leaf := p7.GetOnlySigner()
	if leaf == nil {
		return nil, v.fail(errors.New("expected exactly one signer"), "invalid leaf certificate", raw)
	}

	intermediate := findIssuer(leaf, p7.Certificates)
	if intermediate == nil {
		return nil, v.fail(errors.New("no certificate issued the signer"), "invalid intermediate certificate", raw)
	}

	now := v.currentTime()

	markAppleExtensionsHandled(intermediate)
	if _, err := intermediate.Verify(x509.VerifyOptions{
		Roots:       v.roots,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, v.fail(err, "invalid intermediate certificate", raw)
	}

	trusted := x509.NewCertPool()
	trusted.AddCert(intermediate)

	markAppleExtensionsHandled(leaf)
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:       trusted,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, v.fail(err, "invalid leaf certificate", raw)
	}

	// The chain is already established, so the signature is checked
	// without a trust store.
	if err := p7.Verify(); err != nil {
		return nil, v.fail(err, "signature verification failed", raw)
	}

	if len(p7.Content) == 0 {
		return nil, v.fail(errors.New("envelope has no content"), "unable to load PKCS7 data", raw)
	}
	return p7.Content, nil
}

func (v *Verifier) fail(err error, message string, raw []byte) error {
	v.logger.WithError(err).Debug(message)
	return iaperr.Wrap(iaperr.KindInvalidReceipt, err, message).WithContent(raw)
}

func findIssuer(leaf *x509.Certificate, certs []*x509.Certificate) *x509.Certificate {
	for _, cert := range certs {
		if cert.Equal(leaf) {
			continue
		}
		if bytes.Equal(cert.RawSubject, leaf.RawIssuer) {
			return cert
		}
	}
	return nil
}

func markAppleExtensionsHandled(cert *x509.Certificate) {
	unhandled := cert.UnhandledCriticalExtensions[:0]
	for _, oid := range cert.UnhandledCriticalExtensions {
		if !hasPrefix(oid, appleExtensionPrefix) {
			unhandled = append(unhandled, oid)
		}
	}
	cert.UnhandledCriticalExtensions = unhandled
}

func hasPrefix(oid, prefix asn1.ObjectIdentifier) bool {
	if len(oid) < len(prefix) {
		return false
	}
	return oid[:len(prefix)].Equal(prefix)
}

// ParseRootCertificate parses a PEM or DER encoded certificate.
func ParseRootCertificate(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
		}
		data = block.Bytes
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse root certificate: %w", err)
	}
	return cert, nil
}

// LoadRootCertificate reads a PEM or DER encoded certificate from path.
func LoadRootCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read root certificate: %w", err)
	}
	return ParseRootCertificate(data)
}
