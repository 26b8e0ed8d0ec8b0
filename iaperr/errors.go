// Package iaperr defines the outcome taxonomy shared by every stage of
// receipt validation.
//
// Every failure is an *Error carrying a Kind and, when one exists, the raw
// content (server response or payload) that produced it. Callers branch with
// errors.Is against the Err* sentinels or with the helper predicates.
package iaperr

import (
	"errors"
	"fmt"
)

// Kind classifies a validation failure.
type Kind int

// Failure kinds.
const (
	// KindInvalidReceipt: the payload cannot be parsed or its signature chain is untrusted.
	KindInvalidReceipt Kind = iota + 1
	// KindPolicyViolation: bundle id or product id outside the allowed sets.
	KindPolicyViolation
	// KindRemoteFatal: Apple answered with a permanent request problem, or the transport failed.
	KindRemoteFatal
	// KindRemoteTransient: Apple answered with a server-side or unknown condition.
	KindRemoteTransient
	// KindNoPurchases: the receipt authenticated but carries no authorized purchases.
	KindNoPurchases
	// KindNoActivePurchase: purchases are valid but none is active now.
	KindNoActivePurchase
)

func (k Kind) String() string {
	switch k {
	case KindInvalidReceipt:
		return "invalid_receipt"
	case KindPolicyViolation:
		return "policy_violation"
	case KindRemoteFatal:
		return "remote_fatal"
	case KindRemoteTransient:
		return "remote_transient"
	case KindNoPurchases:
		return "no_purchases"
	case KindNoActivePurchase:
		return "no_active_purchase"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels usable with errors.Is.
var (
	ErrInvalidReceipt   = errors.New("invalid receipt")
	ErrPolicyViolation  = errors.New("receipt policy violation")
	ErrRemoteFatal      = errors.New("receipt validation failed")
	ErrRemoteTransient  = errors.New("receipt validation should be retried")
	ErrNoPurchases      = errors.New("no purchases")
	ErrNoActivePurchase = errors.New("no active purchase")
)

var sentinels = map[Kind]error{
	KindInvalidReceipt:   ErrInvalidReceipt,
	KindPolicyViolation:  ErrPolicyViolation,
	KindRemoteFatal:      ErrRemoteFatal,
	KindRemoteTransient:  ErrRemoteTransient,
	KindNoPurchases:      ErrNoPurchases,
	KindNoActivePurchase: ErrNoActivePurchase,
}

// Error is a classified validation failure.
type Error struct {
	Kind    Kind
	Message string

	// Status is the App Store status code, zero when the failure did not
	// come from a status code.
	Status int

	// Content is the most recent raw server response or payload, if any.
	Content []byte

	// Err is the underlying cause, if any.
	Err error
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around a cause.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if s, ok := sentinels[e.Kind]; ok {
		msg = s.Error()
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind. A policy violation is also
// an invalid receipt.
func (e *Error) Is(target error) bool {
	if target == sentinels[e.Kind] {
		return true
	}
	return e.Kind == KindPolicyViolation && target == ErrInvalidReceipt
}

// WithStatus sets the App Store status code and returns e.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithContent sets the diagnostic content and returns e.
func (e *Error) WithContent(content []byte) *Error {
	e.Content = content
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or zero.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// ContentOf returns the diagnostic content of the first *Error in err's chain.
func ContentOf(err error) []byte {
	var e *Error
	if errors.As(err, &e) {
		return e.Content
	}
	return nil
}

// IsTransient reports whether err is a retryable App Store failure.
func IsTransient(err error) bool {
	return KindOf(err) == KindRemoteTransient
}

// Escalate turns a transient failure into a fatal one, keeping its status
// and content. Other errors are returned unchanged.
func Escalate(err error) error {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindRemoteTransient {
		return err
	}
	return &Error{
		Kind:    KindRemoteFatal,
		Message: "retry failed: " + e.Message,
		Status:  e.Status,
		Content: e.Content,
	}
}

// Attach sets content on err when it is an *Error without content already.
func Attach(err error, content []byte) error {
	var e *Error
	if errors.As(err, &e) && e.Content == nil {
		e.Content = content
	}
	return err
}
