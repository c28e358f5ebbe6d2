// Package market is the job ledger: consumers escrow payment when posting,
// providers claim and complete, settlement splits the escrow into payout and
// platform fee. The package owns the lifecycle state machine and the escrow
// accounting; money movement goes through token.Transferor and durable state
// through Store, each of which either fully succeeds or leaves no trace.
package market

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gridrent/gridrent/internal/auth"
	"github.com/gridrent/gridrent/internal/events"
	"github.com/gridrent/gridrent/internal/token"
)

var ErrInvalidConfig = errors.New("market: invalid config")

// CompletionRecorder receives the best-effort cross-ledger notification
// after settlement. registry.Registry satisfies it.
type CompletionRecorder interface {
	RecordJobCompletion(ctx context.Context, resourceID uint64) error
}

type Config struct {
	Store    Store
	Token    token.Transferor
	Verifier auth.Verifier

	// Escrow is the marketplace's own holding account. Posted payments move
	// consumer -> escrow; settlement and refunds move escrow -> party.
	Escrow common.Address

	// Events is optional; nil disables emission.
	Events events.Emitter

	// Completions is optional; when set, Complete notifies it after
	// settlement without making it a transactional dependency.
	Completions CompletionRecorder

	Logger *slog.Logger
	Now    func() time.Time
}

type Marketplace struct {
	store       Store
	token       token.Transferor
	verify      auth.Verifier
	escrow      common.Address
	events      events.Emitter
	completions CompletionRecorder
	log         *slog.Logger
	now         func() time.Time

	// settleMu serializes the guard read, escrow transfer and store write of
	// a settlement so concurrent Complete/Cancel calls for the same job move
	// escrow funds exactly once. Striped by job id.
	settleMu [64]sync.Mutex
}

func New(cfg Config) (*Marketplace, error) {
	if cfg.Store == nil {
		return nil, errors.Join(ErrInvalidConfig, errors.New("nil store"))
	}
	if cfg.Token == nil {
		return nil, errors.Join(ErrInvalidConfig, errors.New("nil token transferor"))
	}
	if cfg.Verifier == nil {
		return nil, errors.Join(ErrInvalidConfig, errors.New("nil verifier"))
	}
	if cfg.Escrow == (common.Address{}) {
		return nil, errors.Join(ErrInvalidConfig, errors.New("missing escrow account"))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Marketplace{
		store:       cfg.Store,
		token:       cfg.Token,
		verify:      cfg.Verifier,
		escrow:      cfg.Escrow,
		events:      cfg.Events,
		completions: cfg.Completions,
		log:         cfg.Logger,
		now:         cfg.Now,
	}, nil
}

type postedEvent struct {
	JobID uint64 `json:"jobId"`
}

type claimedEvent struct {
	JobID uint64 `json:"jobId"`
}

type doneEvent struct {
	JobID  uint64 `json:"jobId"`
	Payout int64  `json:"payout"`
}

type cancelledEvent struct {
	JobID uint64 `json:"jobId"`
}

// Initialize arms the marketplace: zero fee accumulator, counters live.
// One-shot; repeat calls fail with ErrAlreadyInitialized.
func (m *Marketplace) Initialize(ctx context.Context) error {
	return m.store.Initialize(ctx)
}

// Post escrows amount from consumer and records a new Open job. The escrow
// transfer runs before anything is persisted; when it fails, no job exists.
func (m *Marketplace) Post(ctx context.Context, consumer common.Address, proof []byte, resourceID uint64, description string, hours uint32, amount int64) (uint64, error) {
	if err := m.verify.Verify(consumer, proof); err != nil {
		return 0, err
	}
	if err := m.requireInitialized(ctx); err != nil {
		return 0, err
	}
	if hours == 0 {
		return 0, ErrInvalidHours
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	if err := m.token.Transfer(ctx, consumer, m.escrow, amount); err != nil {
		return 0, err
	}

	id, err := m.store.CreateJob(ctx, Job{
		Consumer:    consumer,
		ResourceID:  resourceID,
		Description: description,
		Hours:       hours,
		Amount:      amount,
		// Placeholder until claimed.
		Provider:  consumer,
		Status:    StatusOpen,
		CreatedAt: m.ledgerNow(),
	})
	if err != nil {
		return 0, err
	}

	m.emit(ctx, events.TagPosted, postedEvent{JobID: id})
	return id, nil
}

// Claim assigns an Open job to the calling provider. No funds move.
func (m *Marketplace) Claim(ctx context.Context, provider common.Address, proof []byte, jobID uint64) error {
	if err := m.verify.Verify(provider, proof); err != nil {
		return err
	}
	if err := m.requireInitialized(ctx); err != nil {
		return err
	}

	if err := m.store.ClaimJob(ctx, provider, jobID, m.ledgerNow()); err != nil {
		return err
	}

	m.emit(ctx, events.TagClaimed, claimedEvent{JobID: jobID})
	return nil
}

// Complete settles a Claimed job: pays amount minus the platform fee to the
// assigned provider, keeps the fee in escrow tracked by the accumulator, and
// stores the result attestation verbatim.
func (m *Marketplace) Complete(ctx context.Context, provider common.Address, proof []byte, jobID uint64, resultHash string) error {
	if err := m.verify.Verify(provider, proof); err != nil {
		return err
	}
	if err := m.requireInitialized(ctx); err != nil {
		return err
	}

	defer m.lockJob(jobID)()

	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != StatusClaimed {
		return ErrNotClaimed
	}
	if j.Provider != provider {
		return ErrWrongProvider
	}

	fee := Fee(j.Amount)
	payout := j.Amount - fee

	// Payout first: if the transfer fails the job stays Claimed and
	// nothing is recorded. The fee never leaves escrow here; only the
	// accumulator tracks it.
	if err := m.token.Transfer(ctx, m.escrow, provider, payout); err != nil {
		return err
	}
	if err := m.store.CompleteJob(ctx, provider, jobID, resultHash, m.ledgerNow(), fee); err != nil {
		return err
	}

	if m.completions != nil {
		if err := m.completions.RecordJobCompletion(ctx, j.ResourceID); err != nil {
			m.log.Warn("resource completion notification failed",
				"jobId", jobID, "resourceId", j.ResourceID, "err", err)
		}
	}

	m.emit(ctx, events.TagDone, doneEvent{JobID: jobID, Payout: payout})
	return nil
}

// Cancel returns the full escrowed amount to the posting consumer. Open jobs
// cancel immediately; claimed jobs only after the cool-down since claim.
func (m *Marketplace) Cancel(ctx context.Context, consumer common.Address, proof []byte, jobID uint64) error {
	if err := m.verify.Verify(consumer, proof); err != nil {
		return err
	}
	if err := m.requireInitialized(ctx); err != nil {
		return err
	}

	now := m.ledgerNow()

	defer m.lockJob(jobID)()

	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Consumer != consumer {
		return ErrWrongConsumer
	}
	switch j.Status {
	case StatusOpen:
	case StatusClaimed:
		if now < j.ClaimedAt+CancelCooldown {
			return ErrTooEarly
		}
	default:
		return ErrTerminalState
	}

	// Full refund, no fee.
	if err := m.token.Transfer(ctx, m.escrow, consumer, j.Amount); err != nil {
		return err
	}
	if err := m.store.CancelJob(ctx, consumer, jobID, now); err != nil {
		return err
	}

	m.emit(ctx, events.TagCancelled, cancelledEvent{JobID: jobID})
	return nil
}

func (m *Marketplace) Get(ctx context.Context, jobID uint64) (Job, error) {
	return m.store.GetJob(ctx, jobID)
}

func (m *Marketplace) ListByConsumer(ctx context.Context, consumer common.Address) ([]uint64, error) {
	return m.store.ListByConsumer(ctx, consumer)
}

func (m *Marketplace) ListByProvider(ctx context.Context, provider common.Address) ([]uint64, error) {
	return m.store.ListByProvider(ctx, provider)
}

func (m *Marketplace) NextID(ctx context.Context) (uint64, error) {
	return m.store.NextID(ctx)
}

func (m *Marketplace) AccumulatedFees(ctx context.Context) (int64, error) {
	return m.store.AccumulatedFees(ctx)
}

func (m *Marketplace) requireInitialized(ctx context.Context) error {
	ok, err := m.store.Initialized(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotInitialized
	}
	return nil
}

// lockJob takes the settlement stripe for jobID and returns its release.
func (m *Marketplace) lockJob(jobID uint64) func() {
	mu := &m.settleMu[jobID%uint64(len(m.settleMu))]
	mu.Lock()
	return mu.Unlock
}

func (m *Marketplace) ledgerNow() uint64 {
	return uint64(m.now().Unix())
}

func (m *Marketplace) emit(ctx context.Context, tag string, payload any) {
	if m.events == nil {
		return
	}
	if err := m.events.Emit(ctx, events.Event{Tag: tag, Payload: payload}); err != nil {
		m.log.Warn("event emission failed", "tag", tag, "err", err)
	}
}
