package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ontable/holdem/pkg/broadcast"
	"github.com/ontable/holdem/pkg/engine"
	"github.com/ontable/holdem/pkg/events"
	"github.com/ontable/holdem/pkg/ledger"
	"github.com/ontable/holdem/pkg/store"
)

// fakeBus records published snapshots and lobby updates in memory.
type fakeBus struct {
	mu        sync.Mutex
	snapshots []*engine.TableState
	lobbies   [][]broadcast.TableSummary
}

func (b *fakeBus) PublishTableSnapshot(_ context.Context, state *engine.TableState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = append(b.snapshots, broadcast.Redact(state, ""))
	return nil
}

func (b *fakeBus) PublishLobbyUpdate(_ context.Context, tables []broadcast.TableSummary) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lobbies = append(b.lobbies, tables)
	return nil
}

func (b *fakeBus) allSnapshots() []*engine.TableState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*engine.TableState, len(b.snapshots))
	copy(out, b.snapshots)
	return out
}

type testRig struct {
	orc    *Orchestrator
	mem    *store.Memory
	ledger *ledger.Fake
	pub    *events.FakePublisher
	bus    *fakeBus
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		mem:    store.NewMemory(),
		ledger: ledger.NewFake(),
		pub:    events.NewFakePublisher(),
		bus:    &fakeBus{},
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	rig.orc = New(rig.mem, rig.ledger, rig.pub, rig.bus, slog.Disabled, metrics, 20)
	t.Cleanup(rig.orc.Shutdown)
	return rig
}

func testConfig() engine.Config {
	return engine.Config{
		SmallBlind:       1,
		BigBlind:         2,
		MaxPlayers:       6,
		StartingStack:    100,
		TurnTimerSeconds: 20,
	}
}

func (r *testRig) createTable(t *testing.T) *engine.Table {
	t.Helper()
	table, err := r.orc.CreateTable(context.Background(), "test", "owner", testConfig(), time.Now())
	require.NoError(t, err)
	return table
}

func (r *testRig) hasEvent(typ events.Type) bool {
	for _, ev := range r.pub.All() {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func (r *testRig) findEvent(typ events.Type) (events.Event, bool) {
	for _, ev := range r.pub.All() {
		if ev.Type == typ {
			return ev, true
		}
	}
	return events.Event{}, false
}

func TestCreateTablePersistsAndPublishes(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)

	state, err := rig.mem.LoadState(context.Background(), table.TableID)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.EqualValues(t, 1, state.Version)
	require.Len(t, state.Seats, 6)

	require.True(t, rig.hasEvent(events.TableCreated))
	require.NotEmpty(t, rig.bus.allSnapshots())
}

func TestCreateTableValidatesConfig(t *testing.T) {
	rig := newRig(t)
	bad := testConfig()
	bad.BigBlind = 1 // < 2x small blind
	_, err := rig.orc.CreateTable(context.Background(), "bad", "owner", bad, time.Now())
	require.Error(t, err)
	require.Equal(t, engine.ErrInvalidAction, engine.CodeOf(err))
}

func TestJoinSeatStartsHandWithTwoPlayers(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	ctx := context.Background()

	_, label, err := rig.orc.JoinSeat(ctx, table.TableID, "alice", 0, 100)
	require.NoError(t, err)
	require.Equal(t, JoinOK, label)

	state, label, err := rig.orc.JoinSeat(ctx, table.TableID, "bob", 1, 100)
	require.NoError(t, err)
	require.Equal(t, JoinOK, label)

	require.NotNil(t, state.Hand)
	require.Equal(t, engine.StreetPreflop, state.Hand.Street)
	for _, seatID := range []int{0, 1} {
		seat := state.SeatByID(seatID)
		require.Len(t, seat.HoleCards, 2)
	}

	require.Len(t, rig.ledger.Reservations, 2)
	require.True(t, rig.hasEvent(events.PlayerJoined))
	require.True(t, rig.hasEvent(events.HandStarted))
	require.True(t, rig.hasEvent(events.PreflopDealt))
}

func TestJoinSeatIdempotentAndConflicts(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	ctx := context.Background()

	_, _, err := rig.orc.JoinSeat(ctx, table.TableID, "alice", 0, 100)
	require.NoError(t, err)

	// Same user, same seat: idempotent OK.
	_, label, err := rig.orc.JoinSeat(ctx, table.TableID, "alice", 0, 100)
	require.NoError(t, err)
	require.Equal(t, JoinIdempotent, label)

	// Same user, different seat: ALREADY_SEATED.
	_, _, err = rig.orc.JoinSeat(ctx, table.TableID, "alice", 2, 100)
	require.Error(t, err)
	require.Equal(t, engine.ErrAlreadySeated, engine.CodeOf(err))

	// Different user, occupied seat: SEAT_NOT_AVAILABLE.
	_, _, err = rig.orc.JoinSeat(ctx, table.TableID, "mallory", 0, 100)
	require.Error(t, err)
	require.Equal(t, engine.ErrSeatNotAvailable, engine.CodeOf(err))
}

// Ledger unreachable during buy-in seats the player anyway under the
// trust-and-continue policy.
func TestJoinSeatLedgerUnavailableTrustsAndContinues(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	rig.ledger.Unavailable = true

	state, label, err := rig.orc.JoinSeat(context.Background(), table.TableID, "alice", 0, 100)
	require.NoError(t, err)
	require.Equal(t, JoinBalanceUnavail, label)

	seat := state.SeatByID(0)
	require.Equal(t, engine.SeatSeated, seat.Status)
	require.EqualValues(t, 100, seat.Stack)

	ev, ok := rig.findEvent(events.BalanceUnavailable)
	require.True(t, ok)
	require.Equal(t, "BUY_IN", ev.Payload["action"])
}

func TestJoinSeatLedgerRefusalRollsBackSeat(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	rig.ledger.RefuseNext = true

	_, _, err := rig.orc.JoinSeat(context.Background(), table.TableID, "alice", 0, 100)
	require.Error(t, err)

	state, err := rig.mem.LoadState(context.Background(), table.TableID)
	require.NoError(t, err)
	require.Equal(t, engine.SeatEmpty, state.SeatByID(0).Status)
	require.Nil(t, state.SeatByID(0).UserID)
}

func TestConcurrentJoinsSameSeatExactlyOneWins(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)

	type result struct {
		label JoinResultLabel
		err   error
	}
	results := make(chan result, 2)
	for _, user := range []string{"alice", "bob"} {
		user := user
		go func() {
			_, label, err := rig.orc.JoinSeat(context.Background(), table.TableID, user, 0, 100)
			results <- result{label: label, err: err}
		}()
	}

	var oks, losses int
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			require.Equal(t, JoinOK, r.label)
			oks++
		} else {
			code := engine.CodeOf(r.err)
			require.Contains(t, []engine.Code{engine.ErrSeatNotAvailable, engine.ErrAlreadySeated}, code)
			losses++
		}
	}
	require.Equal(t, 1, oks)
	require.Equal(t, 1, losses)
}

func TestSubmitActionFoldWinSettlesHand(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	ctx := context.Background()

	_, _, err := rig.orc.JoinSeat(ctx, table.TableID, "alice", 0, 100)
	require.NoError(t, err)
	state, _, err := rig.orc.JoinSeat(ctx, table.TableID, "bob", 1, 100)
	require.NoError(t, err)
	require.NotNil(t, state.Hand)

	turnSeat := state.SeatByID(state.Hand.Turn)
	actor := *turnSeat.UserID
	otherSeat := 1 - turnSeat.SeatID

	after, err := rig.orc.SubmitAction(ctx, table.TableID, actor, engine.ActionInput{Type: engine.ActionFold}, time.Now())
	require.NoError(t, err)
	require.Nil(t, after.Hand)

	// Heads-up SB=1/BB=2: the folder loses the small blind, the winner
	// collects both blinds, no rake under a 20-chip pot.
	require.EqualValues(t, 99, after.SeatByID(turnSeat.SeatID).Stack)
	require.EqualValues(t, 101, after.SeatByID(otherSeat).Stack)

	ev, ok := rig.findEvent(events.HandEnded)
	require.True(t, ok)
	require.Equal(t, "fold_win", ev.Payload["outcome"])
	require.True(t, rig.hasEvent(events.PotAwarded))
	require.True(t, rig.hasEvent(events.HandCompleted))

	require.Len(t, rig.ledger.Settlements, 1)
	var settled int64
	for _, amt := range rig.ledger.Settlements[0] {
		settled += amt
	}
	require.EqualValues(t, 3, settled)

	tbl, err := rig.mem.LoadTable(ctx, table.TableID)
	require.NoError(t, err)
	require.Equal(t, engine.TableWaiting, tbl.Status)
}

func TestSubmitActionRejectsUnknownUser(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	ctx := context.Background()

	_, _, err := rig.orc.JoinSeat(ctx, table.TableID, "alice", 0, 100)
	require.NoError(t, err)
	_, _, err = rig.orc.JoinSeat(ctx, table.TableID, "bob", 1, 100)
	require.NoError(t, err)

	_, err = rig.orc.SubmitAction(ctx, table.TableID, "mallory", engine.ActionInput{Type: engine.ActionFold}, time.Now())
	require.Error(t, err)
	require.Equal(t, engine.ErrPlayerNotAtTable, engine.CodeOf(err))
}

func TestSubmitActionNoHand(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	_, err := rig.orc.SubmitAction(context.Background(), table.TableID, "alice", engine.ActionInput{Type: engine.ActionCheck}, time.Now())
	require.Error(t, err)
	require.Equal(t, engine.ErrNoHandInProgress, engine.CodeOf(err))
}

func TestPublishedVersionsStrictlyIncrease(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	ctx := context.Background()

	_, _, err := rig.orc.JoinSeat(ctx, table.TableID, "alice", 0, 100)
	require.NoError(t, err)
	state, _, err := rig.orc.JoinSeat(ctx, table.TableID, "bob", 1, 100)
	require.NoError(t, err)

	actor := *state.SeatByID(state.Hand.Turn).UserID
	_, err = rig.orc.SubmitAction(ctx, table.TableID, actor, engine.ActionInput{Type: engine.ActionFold}, time.Now())
	require.NoError(t, err)

	var last int64
	for _, snap := range rig.bus.allSnapshots() {
		if snap.TableID != table.TableID {
			continue
		}
		require.Greater(t, snap.Version, last)
		last = snap.Version
	}
	require.Positive(t, last)
}

func TestPublishedSnapshotsAreRedacted(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	ctx := context.Background()

	_, _, err := rig.orc.JoinSeat(ctx, table.TableID, "alice", 0, 100)
	require.NoError(t, err)
	_, _, err = rig.orc.JoinSeat(ctx, table.TableID, "bob", 1, 100)
	require.NoError(t, err)

	for _, snap := range rig.bus.allSnapshots() {
		for _, seat := range snap.Seats {
			require.Nil(t, seat.HoleCards)
			require.Nil(t, seat.ReservationID)
			require.Nil(t, seat.PendingBuyInAmount)
			require.Nil(t, seat.BuyInIdempotencyKey)
		}
	}
}

func TestGetTableStateRedactsForViewer(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	ctx := context.Background()

	_, _, err := rig.orc.JoinSeat(ctx, table.TableID, "alice", 0, 100)
	require.NoError(t, err)
	_, _, err = rig.orc.JoinSeat(ctx, table.TableID, "bob", 1, 100)
	require.NoError(t, err)

	forAlice, err := rig.orc.GetTableState(ctx, table.TableID, "alice")
	require.NoError(t, err)
	require.Len(t, forAlice.SeatByID(0).HoleCards, 2)
	require.Nil(t, forAlice.SeatByID(1).HoleCards)

	forNobody, err := rig.orc.GetTableState(ctx, table.TableID, "")
	require.NoError(t, err)
	require.Nil(t, forNobody.SeatByID(0).HoleCards)
	require.Nil(t, forNobody.SeatByID(1).HoleCards)
}

func TestLeaveSeatCashesOutRemainingStack(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	ctx := context.Background()

	_, _, err := rig.orc.JoinSeat(ctx, table.TableID, "alice", 0, 100)
	require.NoError(t, err)

	require.NoError(t, rig.orc.LeaveSeat(ctx, table.TableID, "alice"))

	state, err := rig.mem.LoadState(ctx, table.TableID)
	require.NoError(t, err)
	require.Equal(t, engine.SeatEmpty, state.SeatByID(0).Status)

	require.True(t, rig.hasEvent(events.PlayerLeft))
	require.Equal(t, []int64{100}, rig.ledger.CashOuts)
}

func TestLeaveSeatMidHandFoldsAndAdvancesTurn(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	ctx := context.Background()

	_, _, err := rig.orc.JoinSeat(ctx, table.TableID, "alice", 0, 100)
	require.NoError(t, err)
	state, _, err := rig.orc.JoinSeat(ctx, table.TableID, "bob", 1, 100)
	require.NoError(t, err)

	leaverSeat := state.Hand.Turn
	leaver := *state.SeatByID(leaverSeat).UserID
	require.NoError(t, rig.orc.LeaveSeat(ctx, table.TableID, leaver))

	after, err := rig.mem.LoadState(ctx, table.TableID)
	require.NoError(t, err)
	// The departing seat is cleared; the hand itself resolves on the next
	// submitted action or timer expiry rather than synchronously here.
	for _, seat := range after.Seats {
		require.True(t, seat.UserID == nil || *seat.UserID != leaver)
	}
	require.NotNil(t, after.Hand)
	require.NotEqual(t, leaverSeat, after.Hand.Turn)
}

func TestKickPlayerRequiresOwner(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	ctx := context.Background()

	_, _, err := rig.orc.JoinSeat(ctx, table.TableID, "alice", 0, 100)
	require.NoError(t, err)

	err = rig.orc.KickPlayer(ctx, table.TableID, "mallory", "alice")
	require.Error(t, err)
	require.Equal(t, engine.ErrNotAuthorized, engine.CodeOf(err))

	require.NoError(t, rig.orc.KickPlayer(ctx, table.TableID, "owner", "alice"))
	require.True(t, rig.hasEvent(events.PlayerKicked))
}

func TestMutePlayerToggles(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	ctx := context.Background()

	require.NoError(t, rig.orc.MutePlayer(ctx, table.TableID, "owner", "alice", true))
	muted, err := rig.mem.IsMuted(ctx, table.TableID, "alice")
	require.NoError(t, err)
	require.True(t, muted)
	require.True(t, rig.hasEvent(events.PlayerMuted))

	require.NoError(t, rig.orc.MutePlayer(ctx, table.TableID, "owner", "alice", false))
	muted, err = rig.mem.IsMuted(ctx, table.TableID, "alice")
	require.NoError(t, err)
	require.False(t, muted)
	require.True(t, rig.hasEvent(events.PlayerUnmuted))
}

func TestSpectatorJoinLeaveIdempotent(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	ctx := context.Background()

	require.NoError(t, rig.orc.JoinSpectator(ctx, table.TableID, "carol", time.Now()))
	require.NoError(t, rig.orc.JoinSpectator(ctx, table.TableID, "carol", time.Now()))

	state, err := rig.mem.LoadState(ctx, table.TableID)
	require.NoError(t, err)
	require.Len(t, state.Spectators, 1)

	require.NoError(t, rig.orc.LeaveSpectator(ctx, table.TableID, "carol"))
	require.NoError(t, rig.orc.LeaveSpectator(ctx, table.TableID, "carol"))

	state, err = rig.mem.LoadState(ctx, table.TableID)
	require.NoError(t, err)
	require.Empty(t, state.Spectators)
}

func TestMarkDisconnectedAndReconnected(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	ctx := context.Background()

	_, _, err := rig.orc.JoinSeat(ctx, table.TableID, "alice", 0, 100)
	require.NoError(t, err)
	_, _, err = rig.orc.JoinSeat(ctx, table.TableID, "bob", 1, 100)
	require.NoError(t, err)

	require.NoError(t, rig.orc.MarkDisconnected(ctx, table.TableID, "alice"))
	state, err := rig.mem.LoadState(ctx, table.TableID)
	require.NoError(t, err)
	require.Equal(t, engine.SeatDisconnected, state.SeatByID(0).Status)

	require.NoError(t, rig.orc.MarkReconnected(ctx, table.TableID, "alice"))
	state, err = rig.mem.LoadState(ctx, table.TableID)
	require.NoError(t, err)
	require.Equal(t, engine.SeatActive, state.SeatByID(0).Status)

	// Unknown user is a no-op, not an error: the gateway calls this
	// best-effort on teardown.
	require.NoError(t, rig.orc.MarkDisconnected(ctx, table.TableID, "nobody"))
}

// Turn timer expiry with CHECK illegal auto-folds, increments the timeout
// metric, and labels the hand outcome "timeout".
func TestTurnTimeoutAutoFoldsAndLabelsOutcome(t *testing.T) {
	rig := newRig(t)
	cfg := testConfig()
	cfg.TurnTimerSeconds = 1
	table, err := rig.orc.CreateTable(context.Background(), "fast", "owner", cfg, time.Now())
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = rig.orc.JoinSeat(ctx, table.TableID, "alice", 0, 100)
	require.NoError(t, err)
	_, _, err = rig.orc.JoinSeat(ctx, table.TableID, "bob", 1, 100)
	require.NoError(t, err)

	// Preflop heads-up the small blind faces a live bet, so CHECK is
	// illegal and the expiry folds.
	require.Eventually(t, func() bool {
		ev, ok := rig.findEvent(events.HandEnded)
		return ok && ev.Payload["outcome"] == "timeout"
	}, 10*time.Second, 50*time.Millisecond)

	require.True(t, rig.hasEvent(events.TurnTimeout))
	require.GreaterOrEqual(t, testutil.ToFloat64(rig.orc.metrics.TurnTimeouts), 1.0)
}

func TestDeleteTableMidHandCancelsPot(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	ctx := context.Background()

	_, _, err := rig.orc.JoinSeat(ctx, table.TableID, "alice", 0, 100)
	require.NoError(t, err)
	_, _, err = rig.orc.JoinSeat(ctx, table.TableID, "bob", 1, 100)
	require.NoError(t, err)

	require.NoError(t, rig.orc.DeleteTable(ctx, table.TableID))

	state, err := rig.mem.LoadState(ctx, table.TableID)
	require.NoError(t, err)
	require.Nil(t, state)
	require.True(t, rig.hasEvent(events.TableDeleted))

	// CancelPot is fire-and-forget; wait for the goroutine.
	require.Eventually(t, func() bool {
		return rig.ledger.Cancelled() >= 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDeleteTableNotFound(t *testing.T) {
	rig := newRig(t)
	err := rig.orc.DeleteTable(context.Background(), "missing")
	require.Error(t, err)
	require.Equal(t, engine.ErrTableNotFound, engine.CodeOf(err))
}

func TestPauseResumeTableOwnerOnly(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	ctx := context.Background()

	_, _, err := rig.orc.JoinSeat(ctx, table.TableID, "alice", 0, 100)
	require.NoError(t, err)
	_, _, err = rig.orc.JoinSeat(ctx, table.TableID, "bob", 1, 100)
	require.NoError(t, err)

	err = rig.orc.PauseTable(ctx, table.TableID, "mallory")
	require.Error(t, err)
	require.Equal(t, engine.ErrNotAuthorized, engine.CodeOf(err))

	require.NoError(t, rig.orc.PauseTable(ctx, table.TableID, "owner"))
	tbl, err := rig.mem.LoadTable(ctx, table.TableID)
	require.NoError(t, err)
	require.Equal(t, engine.TablePaused, tbl.Status)

	require.NoError(t, rig.orc.ResumeTable(ctx, table.TableID, "owner"))
	tbl, err = rig.mem.LoadTable(ctx, table.TableID)
	require.NoError(t, err)
	require.Equal(t, engine.TablePlaying, tbl.Status)
}

func TestActionTakenIdempotencyKeyIsDeterministic(t *testing.T) {
	rig := newRig(t)
	table := rig.createTable(t)
	ctx := context.Background()

	_, _, err := rig.orc.JoinSeat(ctx, table.TableID, "alice", 0, 100)
	require.NoError(t, err)
	state, _, err := rig.orc.JoinSeat(ctx, table.TableID, "bob", 1, 100)
	require.NoError(t, err)

	actor := *state.SeatByID(state.Hand.Turn).UserID
	_, err = rig.orc.SubmitAction(ctx, table.TableID, actor, engine.ActionInput{Type: engine.ActionFold}, time.Now())
	require.NoError(t, err)

	ev, ok := rig.findEvent(events.ActionTaken)
	require.True(t, ok)
	// The two blinds are actions 0 and 1 of the hand, so the fold is action 2.
	require.Equal(t, "event:ACTION_TAKEN:"+state.Hand.HandID+":2", ev.IdempotencyKey)
}
