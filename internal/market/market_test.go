package market

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gridrent/gridrent/internal/auth"
	"github.com/gridrent/gridrent/internal/events"
	"github.com/gridrent/gridrent/internal/token"
)

func addr(tag byte) common.Address {
	var a common.Address
	a[19] = tag
	return a
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorderStub struct {
	calls []uint64
	err   error
}

func (r *recorderStub) RecordJobCompletion(_ context.Context, resourceID uint64) error {
	r.calls = append(r.calls, resourceID)
	return r.err
}

type fixture struct {
	m      *Marketplace
	ledger *token.MemoryLedger
	sink   *events.Memory
	clock  *fakeClock
	rec    *recorderStub
	escrow common.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ledger: token.NewMemoryLedger(),
		sink:   events.NewMemory(),
		clock:  newFakeClock(),
		rec:    &recorderStub{},
		escrow: addr(0xee),
	}
	m, err := New(Config{
		Store:       NewMemoryStore(),
		Token:       f.ledger,
		Verifier:    auth.AllowAll{},
		Escrow:      f.escrow,
		Events:      f.sink,
		Completions: f.rec,
		Now:         f.clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	f.m = m
	return f
}

func (f *fixture) fund(t *testing.T, account common.Address, amount int64) {
	t.Helper()
	if err := f.ledger.Fund(account, amount); err != nil {
		t.Fatalf("Fund: %v", err)
	}
}

func TestInitialize_SecondCallFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.m.Initialize(context.Background()); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("got %v want ErrAlreadyInitialized", err)
	}
}

func TestPost_RequiresInitialize(t *testing.T) {
	t.Parallel()

	m, err := New(Config{
		Store:    NewMemoryStore(),
		Token:    token.NewMemoryLedger(),
		Verifier: auth.AllowAll{},
		Escrow:   addr(0xee),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Post(context.Background(), addr(0x01), nil, 0, "train", 2, 1000); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("got %v want ErrNotInitialized", err)
	}
}

func TestPost_EscrowsPaymentAndAllocatesDenseIDs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	consumer := addr(0x01)
	f.fund(t, consumer, 5000)

	id, err := f.m.Post(ctx, consumer, nil, 0, "train a model", 2, 1000)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if id != 0 {
		t.Fatalf("id: got %d want 0", id)
	}

	if got := f.ledger.Balance(consumer); got != 4000 {
		t.Fatalf("consumer balance: got %d want 4000", got)
	}
	if got := f.ledger.Balance(f.escrow); got != 1000 {
		t.Fatalf("escrow balance: got %d want 1000", got)
	}

	j, err := f.m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != StatusOpen {
		t.Fatalf("status: got %v want open", j.Status)
	}
	if j.Provider != consumer {
		t.Fatalf("unclaimed job must carry the consumer placeholder, got %s", j.Provider)
	}
	if j.CreatedAt != 1_700_000_000 || j.ClaimedAt != 0 || j.CompletedAt != 0 {
		t.Fatalf("timestamps: %+v", j)
	}

	id2, err := f.m.Post(ctx, consumer, nil, 1, "render", 1, 200)
	if err != nil {
		t.Fatalf("Post #2: %v", err)
	}
	if id2 != 1 {
		t.Fatalf("id2: got %d want 1", id2)
	}

	ids, err := f.m.ListByConsumer(ctx, consumer)
	if err != nil {
		t.Fatalf("ListByConsumer: %v", err)
	}
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Fatalf("ids: %v", ids)
	}
}

func TestPost_InputValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	consumer := addr(0x01)
	f.fund(t, consumer, 5000)

	if _, err := f.m.Post(ctx, consumer, nil, 0, "x", 0, 1000); !errors.Is(err, ErrInvalidHours) {
		t.Fatalf("zero hours: got %v want ErrInvalidHours", err)
	}
	if _, err := f.m.Post(ctx, consumer, nil, 0, "x", 1, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount: got %v want ErrInvalidAmount", err)
	}
	if _, err := f.m.Post(ctx, consumer, nil, 0, "x", 1, -7); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative amount: got %v want ErrInvalidAmount", err)
	}
	if got := f.ledger.Balance(consumer); got != 5000 {
		t.Fatalf("no funds may move on rejects, balance %d", got)
	}
}

func TestPost_FailedTransferCreatesNoJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	consumer := addr(0x01)
	f.fund(t, consumer, 100)

	if _, err := f.m.Post(ctx, consumer, nil, 0, "too rich for me", 1, 1000); !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("got %v want token.ErrInsufficientBalance", err)
	}

	next, err := f.m.NextID(ctx)
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	if next != 0 {
		t.Fatalf("next id: got %d want 0", next)
	}
	ids, err := f.m.ListByConsumer(ctx, consumer)
	if err != nil {
		t.Fatalf("ListByConsumer: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("no job may be recorded, got %v", ids)
	}
	if got := f.ledger.Balance(consumer); got != 100 {
		t.Fatalf("balance: got %d want 100", got)
	}
}

func TestClaim(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	consumer, provider := addr(0x01), addr(0x02)
	f.fund(t, consumer, 1000)

	id, err := f.m.Post(ctx, consumer, nil, 0, "train", 2, 1000)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	if err := f.m.Claim(ctx, provider, nil, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown job: got %v want ErrNotFound", err)
	}

	f.clock.Advance(10 * time.Second)
	if err := f.m.Claim(ctx, provider, nil, id); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	j, err := f.m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != StatusClaimed || j.Provider != provider {
		t.Fatalf("job: %+v", j)
	}
	if j.ClaimedAt != 1_700_000_010 {
		t.Fatalf("claimedAt: got %d want 1700000010", j.ClaimedAt)
	}

	// Claiming moves no funds.
	if got := f.ledger.Balance(provider); got != 0 {
		t.Fatalf("provider balance: got %d want 0", got)
	}

	if err := f.m.Claim(ctx, addr(0x03), nil, id); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("second claim: got %v want ErrNotOpen", err)
	}

	ids, err := f.m.ListByProvider(ctx, provider)
	if err != nil {
		t.Fatalf("ListByProvider: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("claimed index: %v", ids)
	}
}

func TestComplete_SettlesWithFloorFee(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	consumer, provider := addr(0x01), addr(0x02)
	f.fund(t, consumer, 1000)

	id, err := f.m.Post(ctx, consumer, nil, 0, "train", 2, 1000)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if err := f.m.Claim(ctx, provider, nil, id); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := f.m.Complete(ctx, provider, nil, id, "hash123"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if got := f.ledger.Balance(provider); got != 950 {
		t.Fatalf("payout: got %d want 950", got)
	}
	// The fee stays in escrow, tracked only by the accumulator.
	if got := f.ledger.Balance(f.escrow); got != 50 {
		t.Fatalf("escrow: got %d want 50", got)
	}
	fees, err := f.m.AccumulatedFees(ctx)
	if err != nil {
		t.Fatalf("AccumulatedFees: %v", err)
	}
	if fees != 50 {
		t.Fatalf("fees: got %d want 50", fees)
	}

	j, err := f.m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != StatusCompleted || j.ResultHash != "hash123" || j.CompletedAt == 0 {
		t.Fatalf("job: %+v", j)
	}

	if len(f.rec.calls) != 1 || f.rec.calls[0] != 0 {
		t.Fatalf("completion recorder calls: %v", f.rec.calls)
	}

	evs := f.sink.Events()
	last := evs[len(evs)-1]
	if last.Tag != events.TagDone {
		t.Fatalf("last event: %q", last.Tag)
	}
	if p, ok := last.Payload.(doneEvent); !ok || p.Payout != 950 {
		t.Fatalf("done payload: %+v", last.Payload)
	}
}

func TestComplete_Guards(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	consumer, provider, impostor := addr(0x01), addr(0x02), addr(0x03)
	f.fund(t, consumer, 1000)

	id, err := f.m.Post(ctx, consumer, nil, 0, "train", 2, 1000)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	if err := f.m.Complete(ctx, provider, nil, id, "h"); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("complete open job: got %v want ErrNotClaimed", err)
	}
	if err := f.m.Complete(ctx, provider, nil, 99, "h"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown job: got %v want ErrNotFound", err)
	}

	if err := f.m.Claim(ctx, provider, nil, id); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := f.m.Complete(ctx, impostor, nil, id, "h"); !errors.Is(err, ErrWrongProvider) {
		t.Fatalf("impostor: got %v want ErrWrongProvider", err)
	}

	if err := f.m.Complete(ctx, provider, nil, id, "h"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	// State is already Completed, so the second attempt fails the
	// status guard, not the provider guard.
	if err := f.m.Complete(ctx, provider, nil, id, "h"); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("double complete: got %v want ErrNotClaimed", err)
	}

	if got := f.ledger.Balance(provider); got != 950 {
		t.Fatalf("payout must settle once, provider has %d", got)
	}
}

func TestComplete_RecorderFailureDoesNotBlockSettlement(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.rec.err = errors.New("registry offline")
	ctx := context.Background()
	consumer, provider := addr(0x01), addr(0x02)
	f.fund(t, consumer, 1000)

	id, err := f.m.Post(ctx, consumer, nil, 7, "train", 2, 1000)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if err := f.m.Claim(ctx, provider, nil, id); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := f.m.Complete(ctx, provider, nil, id, "h"); err != nil {
		t.Fatalf("Complete must not fail on recorder error: %v", err)
	}

	j, err := f.m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != StatusCompleted {
		t.Fatalf("status: got %v want completed", j.Status)
	}
}

func TestCancel_OpenJobRefundsImmediately(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	consumer := addr(0x01)
	f.fund(t, consumer, 200)

	id, err := f.m.Post(ctx, consumer, nil, 0, "render", 1, 200)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if err := f.m.Cancel(ctx, consumer, nil, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if got := f.ledger.Balance(consumer); got != 200 {
		t.Fatalf("refund: got %d want 200", got)
	}
	fees, err := f.m.AccumulatedFees(ctx)
	if err != nil {
		t.Fatalf("AccumulatedFees: %v", err)
	}
	if fees != 0 {
		t.Fatalf("fees must be untouched, got %d", fees)
	}

	j, err := f.m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != StatusCancelled {
		t.Fatalf("status: got %v want cancelled", j.Status)
	}
}

func TestCancel_ClaimedJobHonoursCooldown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	consumer, provider := addr(0x01), addr(0x02)
	f.fund(t, consumer, 1000)

	id, err := f.m.Post(ctx, consumer, nil, 0, "train", 2, 1000)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if err := f.m.Claim(ctx, provider, nil, id); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if err := f.m.Cancel(ctx, consumer, nil, id); !errors.Is(err, ErrTooEarly) {
		t.Fatalf("immediate: got %v want ErrTooEarly", err)
	}
	f.clock.Advance(CancelCooldown*time.Second - time.Second)
	if err := f.m.Cancel(ctx, consumer, nil, id); !errors.Is(err, ErrTooEarly) {
		t.Fatalf("one second early: got %v want ErrTooEarly", err)
	}

	f.clock.Advance(time.Second)
	if err := f.m.Cancel(ctx, consumer, nil, id); err != nil {
		t.Fatalf("at cool-down boundary: %v", err)
	}
	if got := f.ledger.Balance(consumer); got != 1000 {
		t.Fatalf("full refund expected, got %d", got)
	}
}

func TestCancel_Guards(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	consumer, provider, stranger := addr(0x01), addr(0x02), addr(0x03)
	f.fund(t, consumer, 1000)

	id, err := f.m.Post(ctx, consumer, nil, 0, "train", 2, 1000)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	if err := f.m.Cancel(ctx, stranger, nil, id); !errors.Is(err, ErrWrongConsumer) {
		t.Fatalf("stranger: got %v want ErrWrongConsumer", err)
	}
	if err := f.m.Cancel(ctx, consumer, nil, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown job: got %v want ErrNotFound", err)
	}

	if err := f.m.Claim(ctx, provider, nil, id); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := f.m.Complete(ctx, provider, nil, id, "h"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := f.m.Cancel(ctx, consumer, nil, id); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("completed job: got %v want ErrTerminalState", err)
	}
}

// slowTransferor widens the window between the status guard and the store
// write so interleaved settlements would double-move funds without per-job
// serialization.
type slowTransferor struct {
	*token.MemoryLedger
	delay time.Duration
}

func (s slowTransferor) Transfer(ctx context.Context, from, to common.Address, amount int64) error {
	time.Sleep(s.delay)
	return s.MemoryLedger.Transfer(ctx, from, to, amount)
}

func TestComplete_ConcurrentCallsSettleOnce(t *testing.T) {
	t.Parallel()

	ledger := token.NewMemoryLedger()
	escrow := addr(0xee)
	m, err := New(Config{
		Store:    NewMemoryStore(),
		Token:    slowTransferor{MemoryLedger: ledger, delay: 20 * time.Millisecond},
		Verifier: auth.AllowAll{},
		Escrow:   escrow,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	consumer, provider := addr(0x01), addr(0x02)
	if err := ledger.Fund(consumer, 2000); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	// A second escrowed job keeps the escrow balance high enough that a
	// duplicate payout would not bounce on funds alone.
	id, err := m.Post(ctx, consumer, nil, 0, "train", 2, 1000)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if _, err := m.Post(ctx, consumer, nil, 1, "render", 1, 1000); err != nil {
		t.Fatalf("Post #2: %v", err)
	}
	if err := m.Claim(ctx, provider, nil, id); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Complete(ctx, provider, nil, id, "h")
		}(i)
	}
	wg.Wait()

	var ok, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrNotClaimed):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || lost != 1 {
		t.Fatalf("want one winner and one ErrNotClaimed, got %v", errs)
	}

	if got := ledger.Balance(provider); got != 950 {
		t.Fatalf("provider must be paid exactly once, got %d", got)
	}
	if got := ledger.Balance(escrow); got != 1050 {
		t.Fatalf("escrow must keep the other job's funds plus the fee, got %d", got)
	}
}

func TestCancel_RacingCompleteMovesFundsOnce(t *testing.T) {
	t.Parallel()

	ledger := token.NewMemoryLedger()
	escrow := addr(0xee)
	clock := newFakeClock()
	m, err := New(Config{
		Store:    NewMemoryStore(),
		Token:    slowTransferor{MemoryLedger: ledger, delay: 20 * time.Millisecond},
		Verifier: auth.AllowAll{},
		Escrow:   escrow,
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	consumer, provider := addr(0x01), addr(0x02)
	if err := ledger.Fund(consumer, 2000); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	id, err := m.Post(ctx, consumer, nil, 0, "train", 2, 1000)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if _, err := m.Post(ctx, consumer, nil, 1, "render", 1, 1000); err != nil {
		t.Fatalf("Post #2: %v", err)
	}
	if err := m.Claim(ctx, provider, nil, id); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	clock.Advance(CancelCooldown * time.Second)

	var cancelErr, completeErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		cancelErr = m.Cancel(ctx, consumer, nil, id)
	}()
	go func() {
		defer wg.Done()
		completeErr = m.Complete(ctx, provider, nil, id, "h")
	}()
	wg.Wait()

	if (cancelErr == nil) == (completeErr == nil) {
		t.Fatalf("exactly one must win, cancel=%v complete=%v", cancelErr, completeErr)
	}
	if cancelErr == nil {
		if got := ledger.Balance(consumer); got != 1000 {
			t.Fatalf("refund: got %d want 1000", got)
		}
		if got := ledger.Balance(provider); got != 0 {
			t.Fatalf("loser payout must not run, provider has %d", got)
		}
		if !errors.Is(completeErr, ErrNotClaimed) {
			t.Fatalf("complete: got %v want ErrNotClaimed", completeErr)
		}
	} else {
		if got := ledger.Balance(provider); got != 950 {
			t.Fatalf("payout: got %d want 950", got)
		}
		if got := ledger.Balance(consumer); got != 0 {
			t.Fatalf("loser refund must not run, consumer has %d", got)
		}
		if !errors.Is(cancelErr, ErrTerminalState) {
			t.Fatalf("cancel: got %v want ErrTerminalState", cancelErr)
		}
	}
	total := ledger.Balance(consumer) + ledger.Balance(provider) + ledger.Balance(escrow)
	if total != 2000 {
		t.Fatalf("value must be conserved, total %d", total)
	}
}

func TestFee_FloorDivisionConservesValue(t *testing.T) {
	t.Parallel()

	for _, amount := range []int64{1, 19, 20, 21, 99, 100, 101, 1000, 12345, 1<<40 + 3} {
		fee := Fee(amount)
		payout := amount - fee
		if fee+payout != amount {
			t.Fatalf("amount %d: fee %d + payout %d != amount", amount, fee, payout)
		}
		if fee != amount*5/100 {
			t.Fatalf("amount %d: fee %d want %d", amount, fee, amount*5/100)
		}
	}

	// Near MaxInt64 the naive amount*5 multiply would wrap negative;
	// 5/100 reduces to 1/20, so amount/20 is the independent oracle.
	for _, amount := range []int64{math.MaxInt64, math.MaxInt64 - 1, math.MaxInt64/5 + 1} {
		fee := Fee(amount)
		if fee != amount/20 {
			t.Fatalf("amount %d: fee %d want %d", amount, fee, amount/20)
		}
		if payout := amount - fee; payout < 0 || payout > amount {
			t.Fatalf("amount %d: payout %d out of range", amount, payout)
		}
	}
}

func TestAuthorization_GatesEveryMutation(t *testing.T) {
	t.Parallel()

	consumer := addr(0x01)
	m, err := New(Config{
		Store:    NewMemoryStore(),
		Token:    token.NewMemoryLedger(),
		Verifier: auth.NewStaticVerifier(nil),
		Escrow:   addr(0xee),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ctx := context.Background()
	if _, err := m.Post(ctx, consumer, nil, 0, "x", 1, 100); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("post: got %v", err)
	}
	if err := m.Claim(ctx, consumer, nil, 0); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("claim: got %v", err)
	}
	if err := m.Complete(ctx, consumer, nil, 0, "h"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("complete: got %v", err)
	}
	if err := m.Cancel(ctx, consumer, nil, 0); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("cancel: got %v", err)
	}
}
