// Package postgres is the durable tier of the job ledger. The control table
// carries the initialized flag, the id counter, and the fee accumulator; job
// rows and the claims table are the entity tier. Transition methods are
// guarded conditional updates, so a lost guard writes nothing.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridrent/gridrent/internal/market"
)

var ErrInvalidConfig = errors.New("market/postgres: invalid config")

const (
	ctlInitialized = "initialized"
	ctlNextJobID   = "next_job_id"
	ctlFees        = "platform_fees"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("market/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Initialize(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("market/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO market_control (name, value) VALUES ($1, 1)
		ON CONFLICT (name) DO NOTHING
	`, ctlInitialized)
	if err != nil {
		return fmt.Errorf("market/postgres: initialize: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return market.ErrAlreadyInitialized
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO market_control (name, value) VALUES ($1, 0), ($2, 0)
		ON CONFLICT (name) DO NOTHING
	`, ctlNextJobID, ctlFees)
	if err != nil {
		return fmt.Errorf("market/postgres: seed counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("market/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) Initialized(ctx context.Context) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM market_control WHERE name = $1)
	`, ctlInitialized).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("market/postgres: initialized: %w", err)
	}
	return exists, nil
}

func (s *Store) CreateJob(ctx context.Context, j market.Job) (uint64, error) {
	if err := j.Validate(); err != nil {
		return 0, err
	}
	if j.ResourceID > math.MaxInt64 || j.CreatedAt > math.MaxInt64 {
		return 0, fmt.Errorf("market/postgres: value out of range")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("market/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `
		UPDATE market_control
		SET value = value + 1
		WHERE name = $1
		RETURNING value - 1
	`, ctlNextJobID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, market.ErrNotInitialized
	}
	if err != nil {
		return 0, fmt.Errorf("market/postgres: allocate id: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (
			job_id, consumer, resource_id, description, hours, amount,
			provider, status, created_at_ledger
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, id, j.Consumer.Bytes(), int64(j.ResourceID), j.Description, int32(j.Hours), j.Amount,
		j.Provider.Bytes(), int16(j.Status), int64(j.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("market/postgres: insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("market/postgres: commit: %w", err)
	}
	return uint64(id), nil
}

func (s *Store) GetJob(ctx context.Context, id uint64) (market.Job, error) {
	if id > math.MaxInt64 {
		return market.Job{}, market.ErrNotFound
	}

	var (
		consumerRaw []byte
		resourceID  int64
		description string
		hours       int32
		amount      int64
		providerRaw []byte
		status      int16
		createdAt   int64
		claimedAt   int64
		completedAt int64
		resultHash  string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT consumer, resource_id, description, hours, amount, provider,
			status, created_at_ledger, claimed_at_ledger, completed_at_ledger, result_hash
		FROM jobs
		WHERE job_id = $1
	`, int64(id)).Scan(&consumerRaw, &resourceID, &description, &hours, &amount, &providerRaw,
		&status, &createdAt, &claimedAt, &completedAt, &resultHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Job{}, market.ErrNotFound
	}
	if err != nil {
		return market.Job{}, fmt.Errorf("market/postgres: get job: %w", err)
	}

	return market.Job{
		ID:          id,
		Consumer:    common.BytesToAddress(consumerRaw),
		ResourceID:  uint64(resourceID),
		Description: description,
		Hours:       uint32(hours),
		Amount:      amount,
		Provider:    common.BytesToAddress(providerRaw),
		Status:      market.Status(status),
		CreatedAt:   uint64(createdAt),
		ClaimedAt:   uint64(claimedAt),
		CompletedAt: uint64(completedAt),
		ResultHash:  resultHash,
	}, nil
}

func (s *Store) ClaimJob(ctx context.Context, provider common.Address, id uint64, claimedAt uint64) error {
	if id > math.MaxInt64 || claimedAt > math.MaxInt64 {
		return market.ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("market/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET provider = $2, status = $3, claimed_at_ledger = $4, updated_at = now()
		WHERE job_id = $1 AND status = $5
	`, int64(id), provider.Bytes(), int16(market.StatusClaimed), int64(claimedAt), int16(market.StatusOpen))
	if err != nil {
		return fmt.Errorf("market/postgres: claim job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := s.jobExists(ctx, id)
		if err != nil {
			return err
		}
		if !exists {
			return market.ErrNotFound
		}
		return market.ErrNotOpen
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_claims (provider, job_id) VALUES ($1, $2)
	`, provider.Bytes(), int64(id))
	if err != nil {
		return fmt.Errorf("market/postgres: append claim index: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("market/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, provider common.Address, id uint64, resultHash string, completedAt uint64, fee int64) error {
	if id > math.MaxInt64 || completedAt > math.MaxInt64 {
		return market.ErrNotFound
	}
	if fee < 0 {
		return fmt.Errorf("market/postgres: negative fee")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("market/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $3, completed_at_ledger = $4, result_hash = $5, updated_at = now()
		WHERE job_id = $1 AND provider = $2 AND status = $6
	`, int64(id), provider.Bytes(), int16(market.StatusCompleted), int64(completedAt), resultHash, int16(market.StatusClaimed))
	if err != nil {
		return fmt.Errorf("market/postgres: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.diagnoseComplete(ctx, provider, id)
	}

	tag, err = tx.Exec(ctx, `
		UPDATE market_control SET value = value + $2 WHERE name = $1
	`, ctlFees, fee)
	if err != nil {
		return fmt.Errorf("market/postgres: accumulate fee: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return market.ErrNotInitialized
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("market/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) CancelJob(ctx context.Context, consumer common.Address, id uint64, now uint64) error {
	if id > math.MaxInt64 || now > math.MaxInt64 {
		return market.ErrNotFound
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, updated_at = now()
		WHERE job_id = $1 AND consumer = $2
			AND (status = $4 OR (status = $5 AND $6 >= claimed_at_ledger + $7))
	`, int64(id), consumer.Bytes(), int16(market.StatusCancelled),
		int16(market.StatusOpen), int16(market.StatusClaimed), int64(now), int64(market.CancelCooldown))
	if err != nil {
		return fmt.Errorf("market/postgres: cancel job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.diagnoseCancel(ctx, consumer, id, now)
}

func (s *Store) ListByConsumer(ctx context.Context, consumer common.Address) ([]uint64, error) {
	return s.listIDs(ctx, `
		SELECT job_id FROM jobs WHERE consumer = $1 ORDER BY job_id ASC
	`, consumer.Bytes())
}

func (s *Store) ListByProvider(ctx context.Context, provider common.Address) ([]uint64, error) {
	return s.listIDs(ctx, `
		SELECT job_id FROM job_claims WHERE provider = $1 ORDER BY position ASC
	`, provider.Bytes())
}

func (s *Store) NextID(ctx context.Context) (uint64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM market_control WHERE name = $1
	`, ctlNextJobID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("market/postgres: next id: %w", err)
	}
	return uint64(v), nil
}

func (s *Store) AccumulatedFees(ctx context.Context) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM market_control WHERE name = $1
	`, ctlFees).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, market.ErrNotInitialized
	}
	if err != nil {
		return 0, fmt.Errorf("market/postgres: accumulated fees: %w", err)
	}
	return v, nil
}

func (s *Store) listIDs(ctx context.Context, query string, arg any) ([]uint64, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("market/postgres: list ids: %w", err)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("market/postgres: scan id: %w", err)
		}
		out = append(out, uint64(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("market/postgres: list rows: %w", err)
	}
	return out, nil
}

func (s *Store) jobExists(ctx context.Context, id uint64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)
	`, int64(id)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("market/postgres: job exists: %w", err)
	}
	return exists, nil
}

// diagnoseComplete reconstructs the precise guard failure after the
// conditional update matched nothing.
func (s *Store) diagnoseComplete(ctx context.Context, provider common.Address, id uint64) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != market.StatusClaimed {
		return market.ErrNotClaimed
	}
	if j.Provider != provider {
		return market.ErrWrongProvider
	}
	return market.ErrNotClaimed
}

func (s *Store) diagnoseCancel(ctx context.Context, consumer common.Address, id uint64, now uint64) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Consumer != consumer {
		return market.ErrWrongConsumer
	}
	if j.Status == market.StatusClaimed && now < j.ClaimedAt+market.CancelCooldown {
		return market.ErrTooEarly
	}
	return market.ErrTerminalState
}
