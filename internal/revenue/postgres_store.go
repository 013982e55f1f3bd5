package revenue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/agenthub/agenthub/internal/units"
)

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists revenue state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL revenue store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetShares(ctx context.Context) (*Shares, error) {
	sh := &Shares{}
	err := s.db.QueryRowContext(ctx, `
		SELECT creator_share, stakers_share, protocol_fee, updated_at
		FROM revenue_shares WHERE id = 1`,
	).Scan(&sh.CreatorShare, &sh.StakersShare, &sh.ProtocolFee, &sh.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSharesNotSet
	}
	return sh, err
}

func (s *PostgresStore) SetShares(ctx context.Context, shares *Shares) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revenue_shares (id, creator_share, stakers_share, protocol_fee, updated_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			creator_share = EXCLUDED.creator_share,
			stakers_share = EXCLUDED.stakers_share,
			protocol_fee = EXCLUDED.protocol_fee,
			updated_at = EXCLUDED.updated_at`,
		shares.CreatorShare, shares.StakersShare, shares.ProtocolFee, shares.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Credit(ctx context.Context, dist *Distribution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ref sql.NullString
	if dist.Reference != "" {
		ref = sql.NullString{String: dist.Reference, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO revenue_distributions (id, reference, creator, pool, staker, amount,
			creator_amount, staker_amount, protocol_amount,
			creator_share, stakers_share, protocol_fee, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		dist.ID, ref, dist.Creator, dist.Pool, dist.Staker, dist.Amount,
		dist.CreatorAmount, dist.StakerAmount, dist.ProtocolAmount,
		dist.Shares.CreatorShare, dist.Shares.StakersShare, dist.Shares.ProtocolFee, dist.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return fmt.Errorf("insert distribution: %w", err)
	}

	credits := []struct {
		kind, pool, staker, amount string
	}{
		{KindCreator, dist.Creator, "", dist.CreatorAmount},
		{KindStaker, dist.Pool, dist.Staker, dist.StakerAmount},
		{KindProtocol, protocolPool, "", dist.ProtocolAmount},
	}
	for _, c := range credits {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO revenue_pending (kind, pool, staker, amount, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (kind, pool, staker) DO UPDATE SET
				amount = revenue_pending.amount + EXCLUDED.amount,
				updated_at = EXCLUDED.updated_at`,
			c.kind, c.pool, c.staker, c.amount, dist.CreatedAt,
		); err != nil {
			return fmt.Errorf("credit %s balance: %w", c.kind, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Claim(ctx context.Context, kind, pool, staker string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var amount string
	err = tx.QueryRowContext(ctx, `
		SELECT amount FROM revenue_pending
		WHERE kind = $1 AND pool = $2 AND staker = $3
		FOR UPDATE`, kind, pool, staker,
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNothingToClaim
	}
	if err != nil {
		return "", err
	}
	amt, err := units.ParseUSDC(amount)
	if err != nil {
		return "", err
	}
	if amt.Sign() == 0 {
		return "", ErrNothingToClaim
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE revenue_pending SET amount = 0, updated_at = NOW()
		WHERE kind = $1 AND pool = $2 AND staker = $3`, kind, pool, staker,
	); err != nil {
		return "", fmt.Errorf("zero balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return units.FormatUSDC(amt), nil
}

func (s *PostgresStore) Balance(ctx context.Context, kind, pool, staker string) (string, error) {
	var amount string
	err := s.db.QueryRowContext(ctx, `
		SELECT amount FROM revenue_pending
		WHERE kind = $1 AND pool = $2 AND staker = $3`, kind, pool, staker,
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return units.FormatUSDC(nil), nil
	}
	if err != nil {
		return "", err
	}
	return normalizeUSDC(amount), nil
}

func (s *PostgresStore) StakerBalances(ctx context.Context, staker string) ([]*Balance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pool, amount FROM revenue_pending
		WHERE kind = $1 AND staker = $2 AND amount > 0
		ORDER BY pool`, KindStaker, staker)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Balance
	for rows.Next() {
		b := &Balance{Kind: KindStaker, Staker: staker}
		if err := rows.Scan(&b.Pool, &b.Amount); err != nil {
			return nil, err
		}
		b.Amount = normalizeUSDC(b.Amount)
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListDistributions(ctx context.Context, creator string, limit int) ([]*Distribution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(reference, ''), creator, pool, staker, amount,
			creator_amount, staker_amount, protocol_amount,
			creator_share, stakers_share, protocol_fee, created_at
		FROM revenue_distributions
		WHERE ($1::text = '' OR creator = $1::text)
		ORDER BY created_at DESC LIMIT $2`, creator, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Distribution
	for rows.Next() {
		d := &Distribution{}
		if err := rows.Scan(&d.ID, &d.Reference, &d.Creator, &d.Pool, &d.Staker, &d.Amount,
			&d.CreatorAmount, &d.StakerAmount, &d.ProtocolAmount,
			&d.Shares.CreatorShare, &d.Shares.StakersShare, &d.Shares.ProtocolFee, &d.CreatedAt,
		); err != nil {
			return nil, err
		}
		d.Amount = normalizeUSDC(d.Amount)
		d.CreatorAmount = normalizeUSDC(d.CreatorAmount)
		d.StakerAmount = normalizeUSDC(d.StakerAmount)
		d.ProtocolAmount = normalizeUSDC(d.ProtocolAmount)
		result = append(result, d)
	}
	return result, rows.Err()
}

func normalizeUSDC(s string) string {
	amt, err := units.ParseUSDC(s)
	if err != nil {
		return s
	}
	return units.FormatUSDC(amt)
}
