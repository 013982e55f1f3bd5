package marketplace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/agenthub/agenthub/internal/units"
)

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists the marketplace in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL marketplace store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const listingColumns = `service_id, ordinal, provider, name, description, endpoint,
	price_per_request, service_type, is_active, total_requests, rating_total, rating_count, created_at`

const requestColumns = `request_id, ordinal, service_id, consumer, amount_paid, completed,
	rating, created_at, completed_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) CreateListing(ctx context.Context, l *Listing) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO services (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		l.ServiceID, l.Ordinal, l.Provider, l.Name, l.Description, l.Endpoint,
		l.PricePerRequest, l.ServiceType, l.IsActive, l.TotalRequests, l.RatingTotal, l.RatingCount, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert service: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetListing(ctx context.Context, serviceID string) (*Listing, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM services WHERE service_id = $1`, serviceID)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServiceNotFound
	}
	return l, err
}

func (s *PostgresStore) UpdateListing(ctx context.Context, l *Listing) error {
	return updateListing(ctx, s.db, l)
}

func updateListing(ctx context.Context, db execer, l *Listing) error {
	result, err := db.ExecContext(ctx, `
		UPDATE services SET price_per_request=$2, is_active=$3, total_requests=$4,
			rating_total=$5, rating_count=$6
		WHERE service_id = $1`,
		l.ServiceID, l.PricePerRequest, l.IsActive, l.TotalRequests, l.RatingTotal, l.RatingCount,
	)
	if err != nil {
		return fmt.Errorf("update service: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrServiceNotFound
	}
	return nil
}

func (s *PostgresStore) ListListings(ctx context.Context, filter ListingFilter) ([]*Listing, error) {
	var (
		where []string
		args  []any
	)
	if filter.Provider != "" {
		args = append(args, filter.Provider)
		where = append(where, fmt.Sprintf("LOWER(provider) = LOWER($%d)", len(args)))
	}
	if filter.ServiceType != "" {
		args = append(args, filter.ServiceType)
		where = append(where, fmt.Sprintf("service_type = $%d", len(args)))
	}
	if filter.ActiveOnly {
		where = append(where, "is_active")
	}

	query := `SELECT ` + listingColumns + ` FROM services`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ordinal ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...) // #nosec G202 -- clauses are constants, values are bound
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountListings(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM services`).Scan(&n)
	return n, err
}

func (s *PostgresStore) CreateRequest(ctx context.Context, req *Request, l *Listing) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO service_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		req.RequestID, req.Ordinal, req.ServiceID, req.Consumer, req.AmountPaid,
		req.Completed, req.Rating, req.CreatedAt, req.CompletedAt,
	); err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	if err := updateListing(ctx, tx, l); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE request_id = $1`, requestID)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (s *PostgresStore) CompleteRequest(ctx context.Context, req *Request, l *Listing) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE service_requests SET completed = TRUE, rating = $2, completed_at = $3
		WHERE request_id = $1 AND NOT completed`,
		req.RequestID, req.Rating, req.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("complete request: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAlreadyCompleted
	}
	if err := updateListing(ctx, tx, l); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) ListRequestsByConsumer(ctx context.Context, consumer string, limit int) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM service_requests
		WHERE LOWER(consumer) = LOWER($1)
		ORDER BY ordinal DESC LIMIT $2`, consumer, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountRequests(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM service_requests`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*Listing, error) {
	l := &Listing{}
	if err := row.Scan(
		&l.ServiceID, &l.Ordinal, &l.Provider, &l.Name, &l.Description, &l.Endpoint,
		&l.PricePerRequest, &l.ServiceType, &l.IsActive, &l.TotalRequests,
		&l.RatingTotal, &l.RatingCount, &l.CreatedAt,
	); err != nil {
		return nil, err
	}
	l.PricePerRequest = normalizeUSDC(l.PricePerRequest)
	l.Rating = averageRating(l.RatingTotal, l.RatingCount)
	return l, nil
}

func scanRequest(row rowScanner) (*Request, error) {
	r := &Request{}
	var completedAt sql.NullTime
	if err := row.Scan(
		&r.RequestID, &r.Ordinal, &r.ServiceID, &r.Consumer, &r.AmountPaid,
		&r.Completed, &r.Rating, &r.CreatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	r.AmountPaid = normalizeUSDC(r.AmountPaid)
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return r, nil
}

func normalizeUSDC(s string) string {
	amt, err := units.ParseUSDC(s)
	if err != nil {
		return s
	}
	return units.FormatUSDC(amt)
}
