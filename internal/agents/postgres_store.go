package agents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agenthub/agenthub/internal/units"
)

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists agent profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL agent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const agentColumns = `agent_id, owner, metadata, trust_score, total_transactions,
	successful_transactions, staked_amount, is_active, poai_hash, registered_at, last_activity_at`

func (s *PostgresStore) Create(ctx context.Context, agent *Agent) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (agent_id) DO NOTHING`,
		agent.AgentID, agent.Owner, agent.Metadata, agent.TrustScore, agent.TotalTransactions,
		agent.SuccessfulTransactions, agent.StakedAmount, agent.IsActive, agent.PoAIHash,
		agent.RegisteredAt, agent.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAgentExists
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	return agent, err
}

func (s *PostgresStore) Update(ctx context.Context, agent *Agent) error {
	return updateAgent(ctx, s.db, agent)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateAgent(ctx context.Context, db execer, agent *Agent) error {
	result, err := db.ExecContext(ctx, `
		UPDATE agents SET metadata=$2, trust_score=$3, total_transactions=$4,
			successful_transactions=$5, staked_amount=$6, is_active=$7, poai_hash=$8,
			last_activity_at=$9
		WHERE agent_id = $1`,
		agent.AgentID, agent.Metadata, agent.TrustScore, agent.TotalTransactions,
		agent.SuccessfulTransactions, agent.StakedAmount, agent.IsActive, agent.PoAIHash,
		agent.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (s *PostgresStore) SaveReputation(ctx context.Context, agent *Agent, event *ReputationEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateAgent(ctx, tx, agent); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_reputation_events (agent_id, successful, transaction_value, service_type, trust_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.AgentID, event.Successful, event.TransactionValue, event.ServiceType,
		event.TrustScore, event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert reputation event: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		ORDER BY registered_at DESC, agent_id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAgents(rows)
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE LOWER(owner) = LOWER($1)
		ORDER BY registered_at DESC, agent_id ASC`, owner)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAgents(rows)
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n)
	return n, err
}

func (s *PostgresStore) ListReputation(ctx context.Context, agentID string, limit int) ([]*ReputationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, successful, transaction_value, service_type, trust_score, created_at
		FROM agent_reputation_events
		WHERE agent_id = $1
		ORDER BY id DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*ReputationEvent
	for rows.Next() {
		ev := &ReputationEvent{}
		if err := rows.Scan(&ev.AgentID, &ev.Successful, &ev.TransactionValue,
			&ev.ServiceType, &ev.TrustScore, &ev.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	a := &Agent{}
	if err := row.Scan(
		&a.AgentID, &a.Owner, &a.Metadata, &a.TrustScore, &a.TotalTransactions,
		&a.SuccessfulTransactions, &a.StakedAmount, &a.IsActive, &a.PoAIHash,
		&a.RegisteredAt, &a.LastActivityAt,
	); err != nil {
		return nil, err
	}
	a.StakedAmount = units.Normalize(a.StakedAmount)
	return a, nil
}

func scanAgents(rows *sql.Rows) ([]*Agent, error) {
	var result []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
