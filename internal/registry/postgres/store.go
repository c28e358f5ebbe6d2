// Package postgres is the durable tier of the resource ledger. The control
// row carries the id counter; resource rows are the entity tier. Each store
// method runs as one transaction or one conditional statement so a failed
// guard leaves nothing behind.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridrent/gridrent/internal/registry"
)

var ErrInvalidConfig = errors.New("registry/postgres: invalid config")

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
		return fmt.Errorf("registry/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) CreateResource(ctx context.Context, r registry.Resource) (uint64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	if r.RegisteredAt > math.MaxInt64 {
		return 0, fmt.Errorf("registry/postgres: registered_at out of range")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `
		UPDATE registry_control
		SET value = value + 1
		WHERE name = 'next_resource_id'
		RETURNING value - 1
	`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("registry/postgres: allocate id: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO resources (
			resource_id, provider, model, capacity_gb, hourly_price,
			available, completed_jobs, registered_at
		) VALUES ($1,$2,$3,$4,$5,$6,0,$7)
	`, id, r.Provider.Bytes(), r.Model, int32(r.CapacityGB), r.HourlyPrice, r.Available, int64(r.RegisteredAt))
	if err != nil {
		return 0, fmt.Errorf("registry/postgres: insert resource: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("registry/postgres: commit: %w", err)
	}
	return uint64(id), nil
}

func (s *Store) GetResource(ctx context.Context, id uint64) (registry.Resource, error) {
	if id > math.MaxInt64 {
		return registry.Resource{}, registry.ErrNotFound
	}

	var (
		providerRaw   []byte
		model         string
		capacityGB    int32
		hourlyPrice   int64
		available     bool
		completedJobs int64
		registeredAt  int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT provider, model, capacity_gb, hourly_price, available, completed_jobs, registered_at
		FROM resources
		WHERE resource_id = $1
	`, int64(id)).Scan(&providerRaw, &model, &capacityGB, &hourlyPrice, &available, &completedJobs, &registeredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return registry.Resource{}, registry.ErrNotFound
	}
	if err != nil {
		return registry.Resource{}, fmt.Errorf("registry/postgres: get resource: %w", err)
	}

	return registry.Resource{
		ID:            id,
		Provider:      common.BytesToAddress(providerRaw),
		Model:         model,
		CapacityGB:    uint32(capacityGB),
		HourlyPrice:   hourlyPrice,
		Available:     available,
		CompletedJobs: uint64(completedJobs),
		RegisteredAt:  uint64(registeredAt),
	}, nil
}

func (s *Store) SetAvailability(ctx context.Context, provider common.Address, id uint64, available bool) error {
	if id > math.MaxInt64 {
		return registry.ErrNotFound
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE resources
		SET available = $3, updated_at = now()
		WHERE resource_id = $1 AND provider = $2
	`, int64(id), provider.Bytes(), available)
	if err != nil {
		return fmt.Errorf("registry/postgres: set availability: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.diagnoseOwnership(ctx, id)
}

func (s *Store) UpdatePrice(ctx context.Context, provider common.Address, id uint64, price int64) error {
	if price <= 0 {
		return registry.ErrInvalidPrice
	}
	if id > math.MaxInt64 {
		return registry.ErrNotFound
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE resources
		SET hourly_price = $3, updated_at = now()
		WHERE resource_id = $1 AND provider = $2
	`, int64(id), provider.Bytes(), price)
	if err != nil {
		return fmt.Errorf("registry/postgres: update price: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.diagnoseOwnership(ctx, id)
}

func (s *Store) IncrementCompletedJobs(ctx context.Context, id uint64) error {
	if id > math.MaxInt64 {
		return registry.ErrNotFound
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE resources
		SET completed_jobs = completed_jobs + 1, updated_at = now()
		WHERE resource_id = $1
	`, int64(id))
	if err != nil {
		return fmt.Errorf("registry/postgres: increment completed jobs: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (s *Store) ListByProvider(ctx context.Context, provider common.Address) ([]uint64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT resource_id
		FROM resources
		WHERE provider = $1
		ORDER BY resource_id ASC
	`, provider.Bytes())
	if err != nil {
		return nil, fmt.Errorf("registry/postgres: list by provider: %w", err)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("registry/postgres: scan id: %w", err)
		}
		out = append(out, uint64(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry/postgres: list rows: %w", err)
	}
	return out, nil
}

func (s *Store) NextID(ctx context.Context) (uint64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM registry_control WHERE name = 'next_resource_id'
	`).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("registry/postgres: next id: %w", err)
	}
	return uint64(v), nil
}

// diagnoseOwnership distinguishes an unknown id from someone else's record
// after a guarded update matched no row.
func (s *Store) diagnoseOwnership(ctx context.Context, id uint64) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM resources WHERE resource_id = $1)
	`, int64(id)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("registry/postgres: diagnose: %w", err)
	}
	if !exists {
		return registry.ErrNotFound
	}
	return registry.ErrUnauthorized
}
