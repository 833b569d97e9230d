package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ontable/holdem/pkg/engine"
	"github.com/ontable/holdem/pkg/events"
	"github.com/ontable/holdem/pkg/ledger"
	"github.com/ontable/holdem/pkg/serializer"
)

// JoinResultLabel is the metric label recorded for a joinSeat call.
type JoinResultLabel string

const (
	JoinOK               JoinResultLabel = "OK"
	JoinResumed          JoinResultLabel = "RESUMED"
	JoinIdempotent       JoinResultLabel = "IDEMPOTENT"
	JoinAlreadySeated    JoinResultLabel = "ALREADY_SEATED"
	JoinSeatNotAvailable JoinResultLabel = "SEAT_NOT_AVAILABLE"
	JoinBalanceUnavail   JoinResultLabel = "BALANCE_UNAVAILABLE"
)

type seatPrep struct {
	label         JoinResultLabel
	amount        int64
	idemKey       string
	reservationID string
	done          bool // true: pipeline is finished after stage 1, no ledger call needed
}

// JoinSeat runs the full seat-join protocol: table-lock prepare, lock-free
// ledger reservation under the seat lock, table-lock finalize. Serialized
// per (tableId, seatId) so two concurrent joins on the same seat never
// both succeed.
func (o *Orchestrator) JoinSeat(ctx context.Context, tableID, userID string, seatID int, buyInAmount int64) (*engine.TableState, JoinResultLabel, error) {
	seatKey := fmt.Sprintf("%s:%d", tableID, seatID)
	type out struct {
		state *engine.TableState
		label JoinResultLabel
	}
	o2, err := serializer.Run(ctx, o.seatQ, seatKey, func(ctx context.Context) (out, error) {
		state, label, err := o.joinSeatPipeline(ctx, tableID, userID, seatID, buyInAmount)
		return out{state: state, label: label}, err
	})
	if o2.label != "" {
		o.metrics.SeatJoins.WithLabelValues(string(o2.label)).Inc()
	}
	return o2.state, o2.label, err
}

func (o *Orchestrator) joinSeatPipeline(ctx context.Context, tableID, userID string, seatID int, buyInAmount int64) (*engine.TableState, JoinResultLabel, error) {
	prep, err := withTable(ctx, o, tableID, func(ctx context.Context, table *engine.Table, state *engine.TableState) (seatPrep, bool, error) {
		if seatID < 0 || seatID >= len(state.Seats) {
			return seatPrep{label: JoinSeatNotAvailable}, false, engine.NewError(engine.ErrSeatNotAvailable, "seat index out of range")
		}
		for _, s := range state.Seats {
			if s.SeatID != seatID && s.UserID != nil && *s.UserID == userID && s.Occupied() {
				return seatPrep{label: JoinAlreadySeated}, false, engine.NewError(engine.ErrAlreadySeated, "user already holds another seat")
			}
		}
		seat := state.SeatByID(seatID)
		switch seat.Status {
		case engine.SeatSeated:
			if seat.UserID != nil && *seat.UserID == userID {
				return seatPrep{label: JoinIdempotent, done: true}, false, nil
			}
			return seatPrep{label: JoinSeatNotAvailable}, false, engine.NewError(engine.ErrSeatNotAvailable, "seat occupied")
		case engine.SeatReserved:
			if seat.UserID != nil && *seat.UserID == userID {
				amount := int64(0)
				if seat.PendingBuyInAmount != nil {
					amount = *seat.PendingBuyInAmount
				}
				key := ""
				if seat.BuyInIdempotencyKey != nil {
					key = *seat.BuyInIdempotencyKey
				}
				resv := ""
				if seat.ReservationID != nil {
					resv = *seat.ReservationID
				}
				return seatPrep{label: JoinResumed, amount: amount, idemKey: key, reservationID: resv}, false, nil
			}
			return seatPrep{label: JoinSeatNotAvailable}, false, engine.NewError(engine.ErrSeatNotAvailable, "seat reserved")
		case engine.SeatEmpty:
			uid := userID
			key := uuid.NewString()
			amt := buyInAmount
			seat.UserID = &uid
			seat.Status = engine.SeatReserved
			seat.PendingBuyInAmount = &amt
			seat.BuyInIdempotencyKey = &key
			return seatPrep{label: JoinOK, amount: amt, idemKey: key}, true, nil
		default:
			return seatPrep{label: JoinSeatNotAvailable}, false, engine.NewError(engine.ErrSeatNotAvailable, "seat not available")
		}
	})
	if err != nil || prep.done {
		if err != nil {
			return nil, prep.label, err
		}
		st, gerr := o.store.LoadState(ctx, tableID)
		return st, prep.label, gerr
	}

	buyinKey := ledger.BuyInKey(tableID, seatID, userID, prep.idemKey)
	reservationID := prep.reservationID
	if reservationID == "" {
		rid, res := o.ledger.ReserveForBuyIn(ctx, userID, tableID, prep.amount, buyinKey)
		switch {
		case res.Unavailable:
			st, ferr := o.finalizeSeat(ctx, tableID, seatID, userID, prep.amount, true)
			return st, JoinBalanceUnavail, ferr
		case !res.OK:
			o.rollbackSeatToEmpty(ctx, tableID, seatID)
			return nil, prep.label, res.Err
		default:
			reservationID = rid
			o.persistReservationID(ctx, tableID, seatID, reservationID)
		}
	}

	// Commit/release keys derive from the reservation id so a RESUMED join
	// (whose original buy-in key was cleared when the reservation was
	// persisted) retries with the identical key.
	commitRes := o.ledger.CommitReservation(ctx, reservationID, "commit:"+reservationID)
	if commitRes.Unavailable {
		st, ferr := o.finalizeSeat(ctx, tableID, seatID, userID, prep.amount, true)
		return st, JoinBalanceUnavail, ferr
	}
	if !commitRes.OK {
		o.rollbackSeatToEmpty(ctx, tableID, seatID)
		fireAndForget(o.log, "releaseReservation", func() error {
			o.ledger.ReleaseReservation(context.Background(), reservationID, "release:"+reservationID, "commit_failed")
			return nil
		})
		return nil, prep.label, commitRes.Err
	}

	st, ferr := o.finalizeSeat(ctx, tableID, seatID, userID, prep.amount, false)
	return st, prep.label, ferr
}

func (o *Orchestrator) finalizeSeat(ctx context.Context, tableID string, seatID int, userID string, amount int64, balanceUnavailable bool) (*engine.TableState, error) {
	state, err := withTable(ctx, o, tableID, func(ctx context.Context, table *engine.Table, state *engine.TableState) (*engine.TableState, bool, error) {
		seat := state.SeatByID(seatID)
		if seat == nil || seat.Status != engine.SeatReserved || seat.UserID == nil || *seat.UserID != userID {
			return nil, false, engine.NewError(engine.ErrSeatLost, "seat changed during buy-in")
		}
		seat.Status = engine.SeatSeated
		seat.Stack = amount
		seat.PendingBuyInAmount = nil
		seat.BuyInIdempotencyKey = nil
		seat.ReservationID = nil
		if balanceUnavailable {
			o.eventsP.Emit(ctx, events.Event{
				Type:           events.BalanceUnavailable,
				TableID:        tableID,
				UserID:         userID,
				SeatID:         &seatID,
				Payload:        map[string]any{"action": "BUY_IN"},
				IdempotencyKey: actionIdempotencyKey("BALANCE_UNAVAILABLE", fmt.Sprintf("%s:%d:buyin", tableID, seatID)),
			})
		}
		o.eventsP.Emit(ctx, events.Event{
			Type:           events.PlayerJoined,
			TableID:        tableID,
			UserID:         userID,
			SeatID:         &seatID,
			IdempotencyKey: actionIdempotencyKey("PLAYER_JOINED", fmt.Sprintf("%s:%d:%s", tableID, seatID, userID)),
		})
		o.checkStartHand(ctx, table, state)
		return state, true, nil
	})
	if err == nil {
		fireAndForget(o.log, "publishLobby", func() error { o.publishLobby(ctx); return nil })
	}
	return state, err
}

func (o *Orchestrator) rollbackSeatToEmpty(ctx context.Context, tableID string, seatID int) {
	_, _ = withTable(ctx, o, tableID, func(ctx context.Context, table *engine.Table, state *engine.TableState) (struct{}, bool, error) {
		seat := state.SeatByID(seatID)
		if seat == nil || seat.Status != engine.SeatReserved {
			return struct{}{}, false, nil
		}
		*seat = engine.Seat{SeatID: seatID, Status: engine.SeatEmpty}
		return struct{}{}, true, nil
	})
}

func (o *Orchestrator) persistReservationID(ctx context.Context, tableID string, seatID int, reservationID string) {
	_, _ = withTable(ctx, o, tableID, func(ctx context.Context, table *engine.Table, state *engine.TableState) (struct{}, bool, error) {
		seat := state.SeatByID(seatID)
		if seat == nil || seat.Status != engine.SeatReserved {
			return struct{}{}, false, nil
		}
		id := reservationID
		seat.ReservationID = &id
		// A RESERVED seat carries reservationId xor buyInIdempotencyKey:
		// once the reservation exists, the buy-in key has done its job.
		seat.BuyInIdempotencyKey = nil
		return struct{}{}, true, nil
	})
}

// LeaveSeat releases any pending reservation, handles mid-hand departure
// (fold + turn advance if it was the departing seat's turn), and cashes out
// any remaining stack.
func (o *Orchestrator) LeaveSeat(ctx context.Context, tableID, userID string) error {
	type leaveOutcome struct {
		remainingStack int64
		seatID         int
		found          bool
		reservationID  string
	}
	outcome, err := withTable(ctx, o, tableID, func(ctx context.Context, table *engine.Table, state *engine.TableState) (leaveOutcome, bool, error) {
		seatID, ok := resolveSeat(state, userID, resolveForLeave)
		if !ok {
			return leaveOutcome{}, false, engine.NewError(engine.ErrPlayerNotAtTable, "user not at table")
		}
		seat := state.SeatByID(seatID)
		out := leaveOutcome{seatID: seatID, found: true}
		if seat.ReservationID != nil {
			out.reservationID = *seat.ReservationID
		}

		if state.Hand != nil && state.Hand.EndedAt == nil && (seat.Status == engine.SeatActive || seat.Status == engine.SeatAllIn) {
			seat.Status = engine.SeatFolded
			state.Hand.Pots = recomputePotsForLeave(state)
			if state.Hand.Turn == seatID {
				next := nextActiveAfterExported(state, seatID)
				state.Hand.Turn = next
				o.startTurnTimer(tableID, state.Hand.HandID, next, table.Config.TurnTimerSeconds)
			}
		}

		out.remainingStack = seat.Stack
		*seat = engine.Seat{SeatID: seatID, Status: engine.SeatEmpty}

		o.eventsP.Emit(ctx, events.Event{
			Type:           events.PlayerLeft,
			TableID:        tableID,
			UserID:         userID,
			SeatID:         &out.seatID,
			IdempotencyKey: actionIdempotencyKey("PLAYER_LEFT", fmt.Sprintf("%s:%d:%s", tableID, out.seatID, userID)),
		})
		return out, true, nil
	})
	if err != nil {
		return err
	}
	if !outcome.found {
		return nil
	}
	if outcome.reservationID != "" {
		fireAndForget(o.log, "releaseReservation", func() error {
			o.ledger.ReleaseReservation(context.Background(), outcome.reservationID, "release:"+outcome.reservationID, "player_left")
			return nil
		})
	}
	fireAndForget(o.log, "publishLobby", func() error { o.publishLobby(ctx); return nil })
	if outcome.remainingStack > 0 {
		key := ledger.CashOutKey(tableID, userID, outcome.seatID, uuid.NewString())
		res := o.ledger.ProcessCashOut(ctx, userID, tableID, outcome.remainingStack, key)
		seatID := outcome.seatID
		switch {
		case res.Unavailable:
			o.eventsP.Emit(ctx, events.Event{
				Type:           events.BalanceUnavailable,
				TableID:        tableID,
				UserID:         userID,
				SeatID:         &seatID,
				Payload:        map[string]any{"action": "CASH_OUT"},
				IdempotencyKey: actionIdempotencyKey("BALANCE_UNAVAILABLE", key),
			})
		case !res.OK:
			o.eventsP.Emit(ctx, events.Event{
				Type:           events.CashoutFailed,
				TableID:        tableID,
				UserID:         userID,
				SeatID:         &seatID,
				IdempotencyKey: actionIdempotencyKey("CASHOUT_FAILED", key),
			})
		}
	}
	return nil
}

// recomputePotsForLeave rebuilds pots after a mid-hand departure folds a
// seat. leaveSeat calls the engine's exported ComputePots directly so a
// fold that happens outside the action pipeline keeps pot eligibility (and
// chip conservation) consistent with folds that go through it.
func recomputePotsForLeave(state *engine.TableState) []engine.Pot {
	return engine.ComputePots(state.Hand, state.Seats)
}

func nextActiveAfterExported(state *engine.TableState, after int) int {
	return engine.NextActiveAfter(state, after)
}

// MarkDisconnected flags userID's seat as DISCONNECTED (mid-hand: the turn
// timer will fold or check for them) or SITTING_OUT (between hands: not
// dealt into the next one). Idempotent; a user with no seat is a no-op, so
// the gateway's teardown chain can call this best-effort for every
// subscribed table.
func (o *Orchestrator) MarkDisconnected(ctx context.Context, tableID, userID string) error {
	_, err := withTable(ctx, o, tableID, func(ctx context.Context, table *engine.Table, state *engine.TableState) (struct{}, bool, error) {
		seatID, ok := resolveSeat(state, userID, resolveForLeave)
		if !ok {
			return struct{}{}, false, nil
		}
		seat := state.SeatByID(seatID)
		switch seat.Status {
		case engine.SeatActive:
			seat.Status = engine.SeatDisconnected
		case engine.SeatSeated:
			seat.Status = engine.SeatSittingOut
		default:
			return struct{}{}, false, nil
		}
		return struct{}{}, true, nil
	})
	return err
}

// MarkReconnected reverses MarkDisconnected: DISCONNECTED becomes ACTIVE
// again (the seat still holds its cards), SITTING_OUT becomes SEATED and is
// considered for the next hand start.
func (o *Orchestrator) MarkReconnected(ctx context.Context, tableID, userID string) error {
	_, err := withTable(ctx, o, tableID, func(ctx context.Context, table *engine.Table, state *engine.TableState) (struct{}, bool, error) {
		seatID, ok := resolveSeat(state, userID, resolveForLeave)
		if !ok {
			return struct{}{}, false, nil
		}
		seat := state.SeatByID(seatID)
		switch seat.Status {
		case engine.SeatDisconnected:
			seat.Status = engine.SeatActive
		case engine.SeatSittingOut:
			seat.Status = engine.SeatSeated
			o.checkStartHand(ctx, table, state)
		default:
			return struct{}{}, false, nil
		}
		return struct{}{}, true, nil
	})
	return err
}

// JoinSpectator adds userID to the spectator set (idempotent).
func (o *Orchestrator) JoinSpectator(ctx context.Context, tableID, userID string, now time.Time) error {
	_, err := withTable(ctx, o, tableID, func(ctx context.Context, table *engine.Table, state *engine.TableState) (struct{}, bool, error) {
		for _, s := range state.Spectators {
			if s.UserID == userID {
				return struct{}{}, false, nil
			}
		}
		state.Spectators = append(state.Spectators, engine.Spectator{UserID: userID, Status: "WATCHING", JoinedAt: now})
		o.eventsP.Emit(ctx, events.Event{
			Type:           events.SpectatorJoined,
			TableID:        tableID,
			UserID:         userID,
			IdempotencyKey: actionIdempotencyKey("SPECTATOR_JOINED", tableID+":"+userID),
		})
		return struct{}{}, true, nil
	})
	return err
}

// LeaveSpectator removes userID from the spectator set (idempotent).
func (o *Orchestrator) LeaveSpectator(ctx context.Context, tableID, userID string) error {
	_, err := withTable(ctx, o, tableID, func(ctx context.Context, table *engine.Table, state *engine.TableState) (struct{}, bool, error) {
		idx := -1
		for i, s := range state.Spectators {
			if s.UserID == userID {
				idx = i
				break
			}
		}
		if idx == -1 {
			return struct{}{}, false, nil
		}
		state.Spectators = append(state.Spectators[:idx], state.Spectators[idx+1:]...)
		o.eventsP.Emit(ctx, events.Event{
			Type:           events.SpectatorLeft,
			TableID:        tableID,
			UserID:         userID,
			IdempotencyKey: actionIdempotencyKey("SPECTATOR_LEFT", tableID+":"+userID),
		})
		return struct{}{}, true, nil
	})
	return err
}

// KickPlayer is owner-only; it performs leaveSeat on targetUserID.
func (o *Orchestrator) KickPlayer(ctx context.Context, tableID, ownerID, targetUserID string) error {
	table, err := o.store.LoadTable(ctx, tableID)
	if err != nil {
		return engine.NewError(engine.ErrInternal, err.Error())
	}
	if table == nil {
		return engine.NewError(engine.ErrTableNotFound, tableID)
	}
	if table.OwnerID != ownerID {
		return engine.NewError(engine.ErrNotAuthorized, "only the table owner may kick players")
	}
	if err := o.LeaveSeat(ctx, tableID, targetUserID); err != nil {
		return err
	}
	o.eventsP.Emit(ctx, events.Event{
		Type:           events.PlayerKicked,
		TableID:        tableID,
		UserID:         targetUserID,
		IdempotencyKey: actionIdempotencyKey("PLAYER_KICKED", tableID+":"+targetUserID),
	})
	return nil
}

// MutePlayer is owner-only; it toggles targetUserID's membership in the
// table's mute set.
func (o *Orchestrator) MutePlayer(ctx context.Context, tableID, ownerID, targetUserID string, muted bool) error {
	table, err := o.store.LoadTable(ctx, tableID)
	if err != nil {
		return engine.NewError(engine.ErrInternal, err.Error())
	}
	if table == nil {
		return engine.NewError(engine.ErrTableNotFound, tableID)
	}
	if table.OwnerID != ownerID {
		return engine.NewError(engine.ErrNotAuthorized, "only the table owner may mute players")
	}
	if muted {
		if err := o.store.Mute(ctx, tableID, targetUserID); err != nil {
			return engine.NewError(engine.ErrInternal, err.Error())
		}
		o.eventsP.Emit(ctx, events.Event{Type: events.PlayerMuted, TableID: tableID, UserID: targetUserID, IdempotencyKey: actionIdempotencyKey("PLAYER_MUTED", tableID+":"+targetUserID)})
		return nil
	}
	if err := o.store.Unmute(ctx, tableID, targetUserID); err != nil {
		return engine.NewError(engine.ErrInternal, err.Error())
	}
	o.eventsP.Emit(ctx, events.Event{Type: events.PlayerUnmuted, TableID: tableID, UserID: targetUserID, IdempotencyKey: actionIdempotencyKey("PLAYER_UNMUTED", tableID+":"+targetUserID)})
	return nil
}

// PauseTable and ResumeTable are a supplemented owner-only moderation pair
// (SPEC_FULL.md section 4): spec.md already defines the PAUSED status but
// names no operation that reaches it.
func (o *Orchestrator) PauseTable(ctx context.Context, tableID, ownerID string) error {
	return o.setTableStatus(ctx, tableID, ownerID, engine.TablePlaying, engine.TablePaused)
}

func (o *Orchestrator) ResumeTable(ctx context.Context, tableID, ownerID string) error {
	return o.setTableStatus(ctx, tableID, ownerID, engine.TablePaused, engine.TablePlaying)
}

func (o *Orchestrator) setTableStatus(ctx context.Context, tableID, ownerID string, from, to engine.TableStatus) error {
	table, err := o.store.LoadTable(ctx, tableID)
	if err != nil {
		return engine.NewError(engine.ErrInternal, err.Error())
	}
	if table == nil {
		return engine.NewError(engine.ErrTableNotFound, tableID)
	}
	if table.OwnerID != ownerID {
		return engine.NewError(engine.ErrNotAuthorized, "only the table owner may change table status")
	}
	if table.Status != from {
		return engine.NewError(engine.ErrInvalidAction, fmt.Sprintf("table must be %s, is %s", from, table.Status))
	}
	table.Status = to
	if err := o.store.SaveTable(ctx, table); err != nil {
		return engine.NewError(engine.ErrInternal, err.Error())
	}
	fireAndForget(o.log, "publishLobby", func() error { o.publishLobby(ctx); return nil })
	return nil
}

