// Package registry is the resource ledger: providers advertise rentable
// compute resources, the marketplace reports settled jobs back. All state
// lives behind Store; the package only enforces validation, authorization,
// and event emission.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gridrent/gridrent/internal/auth"
	"github.com/gridrent/gridrent/internal/events"
)

var ErrInvalidConfig = errors.New("registry: invalid config")

type Config struct {
	Store    Store
	Verifier auth.Verifier

	// Events is optional; nil disables emission.
	Events events.Emitter
	Logger *slog.Logger
	Now    func() time.Time
}

type Registry struct {
	store  Store
	verify auth.Verifier
	events events.Emitter
	log    *slog.Logger
	now    func() time.Time
}

func New(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errors.Join(ErrInvalidConfig, errors.New("nil store"))
	}
	if cfg.Verifier == nil {
		return nil, errors.Join(ErrInvalidConfig, errors.New("nil verifier"))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		store:  cfg.Store,
		verify: cfg.Verifier,
		events: cfg.Events,
		log:    cfg.Logger,
		now:    cfg.Now,
	}, nil
}

type registeredEvent struct {
	ResourceID uint64 `json:"resourceId"`
}

type availabilityEvent struct {
	ResourceID uint64 `json:"resourceId"`
	Available  bool   `json:"available"`
}

// Register stores a new resource owned by provider and returns its id.
// New resources start available with a zero completion counter.
func (g *Registry) Register(ctx context.Context, provider common.Address, proof []byte, model string, capacityGB uint32, hourlyPrice int64) (uint64, error) {
	if err := g.verify.Verify(provider, proof); err != nil {
		return 0, err
	}

	id, err := g.store.CreateResource(ctx, Resource{
		Provider:     provider,
		Model:        model,
		CapacityGB:   capacityGB,
		HourlyPrice:  hourlyPrice,
		Available:    true,
		RegisteredAt: uint64(g.now().Unix()),
	})
	if err != nil {
		return 0, err
	}

	g.emit(ctx, events.TagRegistered, registeredEvent{ResourceID: id})
	return id, nil
}

// SetAvailability flips the availability flag of a resource the caller owns.
func (g *Registry) SetAvailability(ctx context.Context, provider common.Address, proof []byte, id uint64, available bool) error {
	if err := g.verify.Verify(provider, proof); err != nil {
		return err
	}
	if err := g.store.SetAvailability(ctx, provider, id, available); err != nil {
		return err
	}

	g.emit(ctx, events.TagAvailabilityChanged, availabilityEvent{ResourceID: id, Available: available})
	return nil
}

// UpdatePrice overwrites the hourly price of a resource the caller owns.
func (g *Registry) UpdatePrice(ctx context.Context, provider common.Address, proof []byte, id uint64, price int64) error {
	if err := g.verify.Verify(provider, proof); err != nil {
		return err
	}
	return g.store.UpdatePrice(ctx, provider, id, price)
}

// RecordJobCompletion bumps the resource's completed-job counter.
//
// Deliberately unauthenticated: only the marketplace settlement path is
// expected to call it, exactly once per completed job. Calling it twice
// double-counts.
func (g *Registry) RecordJobCompletion(ctx context.Context, id uint64) error {
	return g.store.IncrementCompletedJobs(ctx, id)
}

func (g *Registry) Get(ctx context.Context, id uint64) (Resource, error) {
	return g.store.GetResource(ctx, id)
}

func (g *Registry) ListByProvider(ctx context.Context, provider common.Address) ([]uint64, error) {
	return g.store.ListByProvider(ctx, provider)
}

func (g *Registry) NextID(ctx context.Context) (uint64, error) {
	return g.store.NextID(ctx)
}

func (g *Registry) emit(ctx context.Context, tag string, payload any) {
	if g.events == nil {
		return
	}
	if err := g.events.Emit(ctx, events.Event{Tag: tag, Payload: payload}); err != nil {
		g.log.Warn("event emission failed", "tag", tag, "err", err)
	}
}
