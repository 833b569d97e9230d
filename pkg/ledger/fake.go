package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Fake is an in-memory Client for tests: every call succeeds unless
// overridden via the exported knobs, and calls are recorded for
// assertions.
type Fake struct {
	mu sync.Mutex

	Unavailable bool // force every call to report Unavailable
	RefuseNext  bool // force the next call to semantically fail

	Reservations   []string
	Contributions  []int64
	Settlements    []map[string]int64
	CashOuts       []int64
	ReleasedCount  int
	CancelledCount int
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) outcome() Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return Result{Unavailable: true, Err: context.DeadlineExceeded}
	}
	if f.RefuseNext {
		f.RefuseNext = false
		return Result{OK: false, Err: ErrRefused}
	}
	return Result{OK: true}
}

func (f *Fake) ReserveForBuyIn(ctx context.Context, userID, tableID string, amount int64, idempotencyKey string) (string, Result) {
	res := f.outcome()
	if !res.OK {
		return "", res
	}
	id := uuid.NewString()
	f.mu.Lock()
	f.Reservations = append(f.Reservations, id)
	f.mu.Unlock()
	return id, res
}

func (f *Fake) CommitReservation(ctx context.Context, reservationID, idempotencyKey string) Result {
	return f.outcome()
}

func (f *Fake) ReleaseReservation(ctx context.Context, reservationID, idempotencyKey, reason string) {
	f.mu.Lock()
	f.ReleasedCount++
	f.mu.Unlock()
}

func (f *Fake) ProcessCashOut(ctx context.Context, userID, tableID string, amount int64, idempotencyKey string) Result {
	res := f.outcome()
	if res.OK {
		f.mu.Lock()
		f.CashOuts = append(f.CashOuts, amount)
		f.mu.Unlock()
	}
	return res
}

func (f *Fake) RecordContribution(ctx context.Context, userID, tableID, handID string, amount int64, idempotencyKey string) Result {
	res := f.outcome()
	if res.OK {
		f.mu.Lock()
		f.Contributions = append(f.Contributions, amount)
		f.mu.Unlock()
	}
	return res
}

func (f *Fake) SettlePot(ctx context.Context, tableID, handID string, payouts map[string]int64, idempotencyKey string) Result {
	res := f.outcome()
	if res.OK {
		f.mu.Lock()
		f.Settlements = append(f.Settlements, payouts)
		f.mu.Unlock()
	}
	return res
}

func (f *Fake) CancelPot(ctx context.Context, tableID, handID, idempotencyKey string) Result {
	res := f.outcome()
	if res.OK {
		f.mu.Lock()
		f.CancelledCount++
		f.mu.Unlock()
	}
	return res
}

// Cancelled and Released snapshot counters written from fire-and-forget
// goroutines, so tests can poll them without racing.
func (f *Fake) Cancelled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CancelledCount
}

func (f *Fake) Released() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ReleasedCount
}

var ErrRefused = fakeErr("ledger: refused")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
