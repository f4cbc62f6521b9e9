package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/spec-kit/relay-access/internal/domain"
)

// DB is the subset of pgxpool.Pool the repositories use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InvoiceRepository records minted invoices and their settlement for audit.
type InvoiceRepository interface {
	Create(ctx context.Context, invoice *domain.Invoice) error
	MarkSettled(ctx context.Context, paymentHash string, settledAt time.Time) error
	GetByHash(ctx context.Context, paymentHash string) (*domain.Invoice, error)
}

type invoiceRepository struct {
	db DB
}

// NewInvoiceRepository returns a Postgres-backed implementation. A nil db
// yields a repository that records nothing, for deployments without a
// database.
func NewInvoiceRepository(db DB) InvoiceRepository {
	if db == nil {
		return noopInvoiceRepository{}
	}
	return &invoiceRepository{db: db}
}

func (r *invoiceRepository) Create(ctx context.Context, invoice *domain.Invoice) error {
	const query = `
        INSERT INTO invoices (payment_hash, payment_request, pubkey, amount_sats, memo, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING created_at`

	return r.db.QueryRow(ctx, query,
		invoice.PaymentHash,
		invoice.PaymentRequest,
		invoice.PublicKey,
		invoice.AmountSats,
		invoice.Memo,
		invoice.CreatedAt,
	).Scan(&invoice.CreatedAt)
}

// MarkSettled is idempotent: an invoice already marked keeps its first
// settlement time.
func (r *invoiceRepository) MarkSettled(ctx context.Context, paymentHash string, settledAt time.Time) error {
	const query = `
        UPDATE invoices SET settled_at=$2
        WHERE payment_hash=$1 AND settled_at IS NULL`

	_, err := r.db.Exec(ctx, query, paymentHash, settledAt)
	return err
}

func (r *invoiceRepository) GetByHash(ctx context.Context, paymentHash string) (*domain.Invoice, error) {
	const query = `
        SELECT payment_hash, payment_request, pubkey, amount_sats, memo, created_at, settled_at
        FROM invoices WHERE payment_hash=$1`

	var invoice domain.Invoice
	if err := r.db.QueryRow(ctx, query, paymentHash).Scan(
		&invoice.PaymentHash,
		&invoice.PaymentRequest,
		&invoice.PublicKey,
		&invoice.AmountSats,
		&invoice.Memo,
		&invoice.CreatedAt,
		&invoice.SettledAt,
	); err != nil {
		return nil, err
	}
	return &invoice, nil
}

type noopInvoiceRepository struct{}

func (noopInvoiceRepository) Create(context.Context, *domain.Invoice) error { return nil }

func (noopInvoiceRepository) MarkSettled(context.Context, string, time.Time) error { return nil }

func (noopInvoiceRepository) GetByHash(context.Context, string) (*domain.Invoice, error) {
	return nil, pgx.ErrNoRows
}
