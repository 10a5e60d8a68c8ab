package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

const settlementColumns = `id, user_id, amount, network, phase, status, abort_reason, unresolved,
	detail, current_step, opportunity, reconciliation, created_at, updated_at`

// SettlementStore implements domain.SettlementStore using PostgreSQL.
// Steps are append-only: Save never rewrites a step already stored.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// Save upserts the settlement row and appends any steps not yet stored.
func (s *SettlementStore) Save(ctx context.Context, st domain.SettlementState) error {
	oppJSON, err := json.Marshal(st.Opportunity)
	if err != nil {
		return fmt.Errorf("postgres: marshal opportunity: %w", err)
	}
	recJSON, err := json.Marshal(st.Reconciliation)
	if err != nil {
		return fmt.Errorf("postgres: marshal reconciliation: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO settlements (id, user_id, opportunity_id, symbol, buy_venue, sell_venue, amount, network,
			phase, status, abort_reason, unresolved, detail, current_step, opportunity, reconciliation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			phase = EXCLUDED.phase,
			status = EXCLUDED.status,
			abort_reason = EXCLUDED.abort_reason,
			unresolved = EXCLUDED.unresolved,
			detail = EXCLUDED.detail,
			current_step = EXCLUDED.current_step,
			reconciliation = EXCLUDED.reconciliation,
			updated_at = EXCLUDED.updated_at`,
		st.ID, st.User, st.Opportunity.ID, st.Opportunity.Symbol.String(),
		st.Opportunity.BuyVenueID, st.Opportunity.SellVenueID, st.Amount, st.Network,
		string(st.Phase), string(st.Status), string(st.AbortReason), st.Unresolved,
		st.Detail, st.CurrentStepIndex, oppJSON, recJSON, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert settlement %s: %w", st.ID, err)
	}

	for i, step := range st.Steps {
		_, err = tx.Exec(ctx, `
			INSERT INTO settlement_steps (settlement_id, seq, name, status, detail, ts)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (settlement_id, seq) DO NOTHING`,
			st.ID, i, string(step.Name), string(step.Status), step.Detail, step.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert settlement step %s/%d: %w", st.ID, i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit settlement %s: %w", st.ID, err)
	}
	return nil
}

// GetByID returns a settlement with its step history.
func (s *SettlementStore) GetByID(ctx context.Context, id string) (domain.SettlementState, error) {
	st, err := scanSettlement(s.pool.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SettlementState{}, domain.ErrNotFound
		}
		return domain.SettlementState{}, fmt.Errorf("postgres: get settlement %s: %w", id, err)
	}
	list := []domain.SettlementState{st}
	if err := s.attachSteps(ctx, list); err != nil {
		return domain.SettlementState{}, err
	}
	return list[0], nil
}

// ListRecent returns settlements, newest first.
func (s *SettlementStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.SettlementState, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	query, args := pageClause(`SELECT `+settlementColumns+` FROM settlements WHERE 1=1`, nil, "created_at", opts)
	return s.list(ctx, query, args...)
}

// ListUnresolved returns settlements whose funds are in flight and need
// manual reconciliation.
func (s *SettlementStore) ListUnresolved(ctx context.Context) ([]domain.SettlementState, error) {
	return s.list(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE unresolved ORDER BY created_at DESC`)
}

func (s *SettlementStore) list(ctx context.Context, query string, args ...any) ([]domain.SettlementState, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements: %w", err)
	}
	defer rows.Close()

	var out []domain.SettlementState
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan settlement: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list settlements rows: %w", err)
	}
	rows.Close()

	if err := s.attachSteps(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachSteps loads the step history for every settlement in list.
func (s *SettlementStore) attachSteps(ctx context.Context, list []domain.SettlementState) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, len(list))
	index := make(map[string]int, len(list))
	for i, st := range list {
		ids[i] = st.ID
		index[st.ID] = i
	}

	rows, err := s.pool.Query(ctx, `
		SELECT settlement_id, name, status, detail, ts
		FROM settlement_steps WHERE settlement_id = ANY($1) ORDER BY settlement_id, seq`, ids)
	if err != nil {
		return fmt.Errorf("postgres: list settlement steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id           string
			name, status string
			step         domain.SettlementStep
		)
		if err := rows.Scan(&id, &name, &status, &step.Detail, &step.Timestamp); err != nil {
			return fmt.Errorf("postgres: scan settlement step: %w", err)
		}
		step.Name = domain.StepName(name)
		step.Status = domain.StepStatus(status)
		i := index[id]
		list[i].Steps = append(list[i].Steps, step)
	}
	return rows.Err()
}

func scanSettlement(row pgx.Row) (domain.SettlementState, error) {
	var (
		st                    domain.SettlementState
		phase, status, reason string
		oppJSON, recJSON      []byte
	)
	err := row.Scan(&st.ID, &st.User, &st.Amount, &st.Network, &phase, &status, &reason,
		&st.Unresolved, &st.Detail, &st.CurrentStepIndex, &oppJSON, &recJSON, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return domain.SettlementState{}, err
	}
	st.Phase = domain.SettlementPhase(phase)
	st.Status = domain.TerminalStatus(status)
	st.AbortReason = domain.AbortReason(reason)
	if err := json.Unmarshal(oppJSON, &st.Opportunity); err != nil {
		return domain.SettlementState{}, fmt.Errorf("unmarshal opportunity: %w", err)
	}
	if err := json.Unmarshal(recJSON, &st.Reconciliation); err != nil {
		return domain.SettlementState{}, fmt.Errorf("unmarshal reconciliation: %w", err)
	}
	return st, nil
}

var _ domain.SettlementStore = (*SettlementStore)(nil)
