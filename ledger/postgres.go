package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of a pgx connection the store uses.
// It is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresConfig holds configuration for the Postgres store.
type PostgresConfig struct {
	// DB is the connection or pool (required).
	DB DB

	// Table is the ledger table name (default: "iap_transactions").
	Table string
}

// PostgresStore is a Postgres-backed implementation of Store.
type PostgresStore struct {
	db    DB
	table string
}

// NewPostgresStore creates a new Postgres-backed store. Call EnsureSchema
// to create the table.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DB == nil {
		return nil, errors.New("postgres connection is required")
	}

	table := cfg.Table
	if table == "" {
		table = "iap_transactions"
	}

	return &PostgresStore{
		db:    cfg.DB,
		table: pgx.Identifier{table}.Sanitize(),
	}, nil
}

// EnsureSchema creates the ledger table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
	transaction_id          TEXT PRIMARY KEY,
	original_transaction_id TEXT NOT NULL DEFAULT '',
	product_id              TEXT NOT NULL DEFAULT '',
	bundle_id               TEXT NOT NULL DEFAULT '',
	environment             TEXT NOT NULL DEFAULT '',
	purchase_date           TIMESTAMPTZ,
	expires_date            TIMESTAMPTZ,
	recorded_at             TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("failed to create ledger table: %w", err)
	}
	return nil
}

// Record saves an entry.
func (s *PostgresStore) Record(ctx context.Context, entry *Entry) error {
	e, err := prepare(entry, time.Now())
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, `INSERT INTO `+s.table+` (
	transaction_id, original_transaction_id, product_id, bundle_id,
	environment, purchase_date, expires_date, recorded_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (transaction_id) DO NOTHING`,
		e.TransactionID, e.OriginalTransactionID, e.ProductID, e.BundleID,
		e.Environment, nullTime(e.PurchaseDate), nullTime(e.ExpiresDate), e.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyRecorded
	}

	return nil
}

// Load retrieves an entry by transaction id.
func (s *PostgresStore) Load(ctx context.Context, transactionID string) (*Entry, error) {
	var e Entry
	var purchased, expiresAt *time.Time
	err := s.db.QueryRow(ctx, `SELECT
	transaction_id, original_transaction_id, product_id, bundle_id,
	environment, purchase_date, expires_date, recorded_at
FROM `+s.table+` WHERE transaction_id = $1`, transactionID).Scan(
		&e.TransactionID, &e.OriginalTransactionID, &e.ProductID, &e.BundleID,
		&e.Environment, &purchased, &expiresAt, &e.RecordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}

	if purchased != nil {
		e.PurchaseDate = *purchased
	}
	if expiresAt != nil {
		e.ExpiresDate = *expiresAt
	}
	return &e, nil
}

// Delete removes an entry by transaction id.
func (s *PostgresStore) Delete(ctx context.Context, transactionID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM `+s.table+` WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
