// Turn timer and next-hand restart scheduler. For each table, at most one
// active turn timer and at most one pending next-hand timer; starting
// either always clears the previous one for that table.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ontable/holdem/pkg/engine"
	"github.com/ontable/holdem/pkg/events"
)

// startTurnTimer arms a fresh timer for (tableID, handID, seatID), clearing
// whatever was previously armed for tableID. timedOut is carried forward
// across re-arms within the same hand (it is the sticky flag
// handEndedPipeline reads to label the outcome "timeout"), and reset to
// false whenever a new hand id is armed.
func (o *Orchestrator) startTurnTimer(tableID, handID string, seatID int, turnSecs int) {
	if turnSecs <= 0 {
		turnSecs = o.turnSecs
	}
	o.mu.Lock()
	prev, ok := o.turnTimers[tableID]
	timedOut := false
	if ok {
		if prev.timer != nil {
			prev.timer.Stop()
		}
		if prev.handID == handID {
			timedOut = prev.timedOut
		}
	}
	meta := &turnMeta{handID: handID, seatID: seatID, startedAt: time.Now(), timedOut: timedOut}
	meta.timer = time.AfterFunc(time.Duration(turnSecs)*time.Second, func() {
		o.handleTurnTimeout(tableID, handID, seatID)
	})
	o.turnTimers[tableID] = meta
	o.mu.Unlock()

	o.eventsP.Emit(context.Background(), events.Event{
		Type:           events.TurnStarted,
		TableID:        tableID,
		HandID:         handID,
		SeatID:         &seatID,
		IdempotencyKey: actionIdempotencyKey("TURN_STARTED", fmt.Sprintf("%s:%d:%d", handID, seatID, time.Now().UnixNano())),
	})
}

// clearTurnTimer stops and forgets tableID's turn timer, if any.
func (o *Orchestrator) clearTurnTimer(tableID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if meta, ok := o.turnTimers[tableID]; ok {
		if meta.timer != nil {
			meta.timer.Stop()
		}
		delete(o.turnTimers, tableID)
	}
}

// clearTurnMeta is clearTurnTimer under the name the hand-ended pipeline
// reaches for: a completed hand has no current turn at all.
func (o *Orchestrator) clearTurnMeta(tableID string) {
	o.clearTurnTimer(tableID)
}

// isTurnTimedOut reports whether the currently-armed timer for tableID
// belongs to handID and has already fired once (sticky for the hand).
func (o *Orchestrator) isTurnTimedOut(tableID, handID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	meta, ok := o.turnTimers[tableID]
	return ok && meta.handID == handID && meta.timedOut
}

// turnStartedAt returns the start time of the currently armed turn, for the
// turn-duration histogram.
func (o *Orchestrator) turnStartedAt(tableID string) *time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	meta, ok := o.turnTimers[tableID]
	if !ok {
		return nil
	}
	t := meta.startedAt
	return &t
}

// handleTurnTimeout is the timer-expiry callback. It reloads state,
// verifies the hand id and turn seat are unchanged, repairs the turn if the
// seat is no longer a valid actor, then derives CHECK (if legal) or FOLD
// and drives it through the ordinary SubmitAction path.
func (o *Orchestrator) handleTurnTimeout(tableID, handID string, seatID int) {
	ctx := context.Background()
	state, err := o.store.LoadState(ctx, tableID)
	if err != nil || state == nil || state.Hand == nil || state.Hand.EndedAt != nil ||
		state.Hand.HandID != handID || state.Hand.Turn != seatID {
		o.rearmIfHandInProgress(ctx, tableID, state)
		return
	}

	seat := state.SeatByID(seatID)
	actionable := seat != nil && seat.UserID != nil &&
		(seat.Status == engine.SeatActive || seat.Status == engine.SeatDisconnected)
	if !actionable {
		o.repairTurn(ctx, tableID, handID, seatID)
		return
	}

	legal := engine.DeriveLegalActions(state.Hand, seat)
	actionType := engine.ActionFold
	for _, la := range legal {
		if la.Type == engine.ActionCheck {
			actionType = engine.ActionCheck
			break
		}
	}

	o.mu.Lock()
	if meta, ok := o.turnTimers[tableID]; ok && meta.handID == handID && meta.seatID == seatID {
		meta.timedOut = true
	}
	o.mu.Unlock()

	o.metrics.TurnTimeouts.Inc()
	o.eventsP.Emit(ctx, events.Event{
		Type:           events.TurnTimeout,
		TableID:        tableID,
		HandID:         handID,
		UserID:         *seat.UserID,
		SeatID:         &seatID,
		IdempotencyKey: actionIdempotencyKey("TURN_TIMEOUT", fmt.Sprintf("%s:%d", handID, seatID)),
	})

	userID := *seat.UserID
	if _, err := o.SubmitAction(ctx, tableID, userID, engine.ActionInput{Type: actionType}, time.Now()); err != nil {
		o.log.Errorf("orchestrator.turnTimeout.failed: %v", err)
		fresh, _ := o.store.LoadState(ctx, tableID)
		o.rearmIfHandInProgress(ctx, tableID, fresh)
	}
}

// repairTurn advances hand.Turn off a seat that can no longer act (left,
// sat out) and persists the change, so the stored turn and the armed timer
// never drift apart across expiries.
func (o *Orchestrator) repairTurn(ctx context.Context, tableID, handID string, stuckSeat int) {
	_, _ = withTable(ctx, o, tableID, func(ctx context.Context, table *engine.Table, state *engine.TableState) (struct{}, bool, error) {
		if state.Hand == nil || state.Hand.EndedAt != nil || state.Hand.HandID != handID || state.Hand.Turn != stuckSeat {
			return struct{}{}, false, nil
		}
		next := engine.NextActiveAfter(state, stuckSeat)
		if next == stuckSeat {
			return struct{}{}, false, nil
		}
		state.Hand.Turn = next
		o.startTurnTimer(tableID, handID, next, table.Config.TurnTimerSeconds)
		return struct{}{}, true, nil
	})
}

func (o *Orchestrator) rearmIfHandInProgress(ctx context.Context, tableID string, state *engine.TableState) {
	if state == nil || state.Hand == nil || state.Hand.EndedAt != nil {
		return
	}
	table, err := o.store.LoadTable(ctx, tableID)
	if err != nil || table == nil {
		return
	}
	o.startTurnTimer(tableID, state.Hand.HandID, state.Hand.Turn, table.Config.TurnTimerSeconds)
}

// scheduleNextHand arms the next-hand restart timer, clearing any
// previously pending one for tableID.
func (o *Orchestrator) scheduleNextHand(tableID string) {
	o.mu.Lock()
	if t, ok := o.nextTimers[tableID]; ok {
		t.Stop()
	}
	o.nextTimers[tableID] = time.AfterFunc(nextHandDelay, func() {
		o.startNextHandIfPossible(tableID)
	})
	o.mu.Unlock()
}

// clearNextHandTimer stops and forgets tableID's pending restart timer.
func (o *Orchestrator) clearNextHandTimer(tableID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.nextTimers[tableID]; ok {
		t.Stop()
		delete(o.nextTimers, tableID)
	}
}

func (o *Orchestrator) startNextHandIfPossible(tableID string) {
	ctx := context.Background()
	_, _ = withTable(ctx, o, tableID, func(ctx context.Context, table *engine.Table, state *engine.TableState) (struct{}, bool, error) {
		hadHand := state.Hand != nil
		o.checkStartHand(ctx, table, state)
		return struct{}{}, !hadHand && state.Hand != nil, nil
	})
}
