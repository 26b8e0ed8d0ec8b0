// Package ledger records verified App Store transactions so that repeated
// submissions of the same receipt can be recognized.
//
// Three stores are provided: an in-memory store for single instances and
// tests, a Redis store for sharing state between instances, and a Postgres
// store for a durable history.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Store defines the interface for recording transactions.
// Implementations should be thread-safe.
type Store interface {
	// Record saves an entry. It returns ErrAlreadyRecorded when the
	// transaction id is already present.
	Record(ctx context.Context, entry *Entry) error

	// Load retrieves an entry by transaction id.
	Load(ctx context.Context, transactionID string) (*Entry, error)

	// Delete removes an entry by transaction id.
	Delete(ctx context.Context, transactionID string) error
}

// Entry is a recorded transaction.
type Entry struct {
	TransactionID         string `cbor:"txn"`
	OriginalTransactionID string `cbor:"otxn"`
	ProductID             string `cbor:"pid"`
	BundleID              string `cbor:"bid"`

	// Environment is the endpoint that verified the transaction.
	Environment string `cbor:"env"`

	PurchaseDate time.Time `cbor:"pd"`
	ExpiresDate  time.Time `cbor:"exp"`

	// RecordedAt is set by the store when zero.
	RecordedAt time.Time `cbor:"at"`
}

// Common errors for Store implementations.
var (
	ErrNotFound        = errors.New("transaction not found")
	ErrAlreadyRecorded = errors.New("transaction already recorded")
)

var errTransactionIDRequired = errors.New("transaction ID is required")

func prepare(entry *Entry, now time.Time) (Entry, error) {
	if entry == nil || entry.TransactionID == "" {
		return Entry{}, errTransactionIDRequired
	}
	e := *entry
	if e.RecordedAt.IsZero() {
		e.RecordedAt = now
	}
	return e, nil
}
