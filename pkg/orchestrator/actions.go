package orchestrator

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/ontable/holdem/pkg/cards"
	"github.com/ontable/holdem/pkg/engine"
	"github.com/ontable/holdem/pkg/events"
	"github.com/ontable/holdem/pkg/ledger"
)

// SubmitAction validates and applies a player's action. Serialized per
// table: load, apply via the hand engine, chain the
// persist/publish/ledger/event effects, then (re)arm the turn timer or run
// the hand-ended pipeline.
func (o *Orchestrator) SubmitAction(ctx context.Context, tableID, userID string, input engine.ActionInput, now time.Time) (*engine.TableState, error) {
	return withTable(ctx, o, tableID, func(ctx context.Context, table *engine.Table, state *engine.TableState) (*engine.TableState, bool, error) {
		if state.Hand == nil || state.Hand.EndedAt != nil {
			return nil, false, engine.NewError(engine.ErrNoHandInProgress, "no hand in progress")
		}
		seatID, ok := resolveSeat(state, userID, resolveForAction)
		if !ok {
			return nil, false, engine.NewError(engine.ErrPlayerNotAtTable, "user not at table")
		}

		prevTotal := state.Hand.TotalContributions[seatID]
		actionType := input.Type
		turnWasTimedOut := o.isTurnTimedOut(tableID, state.Hand.HandID)
		prevCommunityCount := len(state.Hand.CommunityCards)
		handID := state.Hand.HandID

		newState, err := engine.ApplyAction(state, seatID, input, true, now)
		if err != nil {
			return nil, false, err
		}
		*state = *newState
		if state.Hand != nil {
			o.emitStreetDealt(ctx, tableID, handID, prevCommunityCount, state.Hand.CommunityCards)
		}

		o.metrics.ActionsApplied.Inc()
		if meta := o.turnStartedAt(tableID); meta != nil {
			o.metrics.TurnDuration.Observe(now.Sub(*meta).Seconds())
		}

		actionID := lastActionID(state.Hand, seatID)
		delta := state.Hand.TotalContributions[seatID] - prevTotal
		if delta > 0 {
			label := string(actionType)
			if actionType == engine.ActionPostBlind {
				label = "BLIND"
			}
			// The closure must not touch state.Hand: the hand-ended pipeline
			// below may nil it out before the goroutine runs.
			key := ledger.ContributionKey(tableID, handID, actionID)
			fireAndForget(o.log, "recordContribution", func() error {
				res := o.ledger.RecordContribution(context.Background(), userID, tableID, handID, delta, key)
				if res.Unavailable {
					o.eventsP.Emit(context.Background(), events.Event{
						Type:           events.BalanceUnavailable,
						TableID:        tableID,
						HandID:         handID,
						UserID:         userID,
						SeatID:         &seatID,
						Payload:        map[string]any{"action": "RECORD_CONTRIBUTION", "label": label},
						IdempotencyKey: actionIdempotencyKey("BALANCE_UNAVAILABLE", key),
					})
				}
				return nil
			})
		}

		o.eventsP.Emit(ctx, events.Event{
			Type:           events.ActionTaken,
			TableID:        tableID,
			HandID:         handID,
			UserID:         userID,
			SeatID:         &seatID,
			Payload:        map[string]any{"type": string(actionType), "timedOut": turnWasTimedOut},
			IdempotencyKey: actionIdempotencyKey("ACTION_TAKEN", actionID),
		})

		if state.Hand.EndedAt != nil {
			o.clearTurnTimer(tableID)
			o.handEndedPipeline(ctx, table, state, turnWasTimedOut, now)
		} else {
			o.startTurnTimer(tableID, state.Hand.HandID, state.Hand.Turn, table.Config.TurnTimerSeconds)
		}
		return state, true, nil
	})
}

// emitStreetDealt emits the PREFLOP_DEALT/FLOP_DEALT/TURN_DEALT/RIVER_DEALT
// event for every community-card count threshold newly crossed by this
// action — a single all-in runout can cross more than one at once, so this
// walks the thresholds in order rather than assuming exactly one street
// advanced.
func (o *Orchestrator) emitStreetDealt(ctx context.Context, tableID, handID string, prevCount int, community []cards.Card) {
	thresholds := []struct {
		count int
		typ   events.Type
	}{
		{3, events.FlopDealt},
		{4, events.TurnDealt},
		{5, events.RiverDealt},
	}
	for _, th := range thresholds {
		if prevCount < th.count && len(community) >= th.count {
			o.eventsP.Emit(ctx, events.Event{
				Type:           th.typ,
				TableID:        tableID,
				HandID:         handID,
				Payload:        map[string]any{"communityCards": community[:th.count]},
				IdempotencyKey: actionIdempotencyKey(string(th.typ), fmt.Sprintf("%s:%d", handID, th.count)),
			})
		}
	}
}

func lastActionID(hand *engine.HandState, seatID int) string {
	for i := len(hand.Actions) - 1; i >= 0; i-- {
		if hand.Actions[i].SeatID == seatID {
			return hand.Actions[i].ActionID
		}
	}
	return fmt.Sprintf("%s:%d", hand.HandID, seatID)
}

// checkStartHand is the hand-start pipeline. Must be called from within a
// withTable closure: it mutates state/table in place and leaves
// persistence/publish to the caller's withTable wrapper.
func (o *Orchestrator) checkStartHand(ctx context.Context, table *engine.Table, state *engine.TableState) {
	if table.Status == engine.TablePlaying || state.Hand != nil {
		return
	}
	eligible := 0
	for _, seat := range state.Seats {
		if seat.Status == engine.SeatSeated && seat.UserID != nil && seat.Stack > 0 {
			eligible++
		}
	}
	if eligible < 2 {
		return
	}

	handID := uuid.NewString()
	startedAt := time.Now()
	seed := deckSeed(table.TableID, startedAt)
	newState, err := engine.StartHand(state, table.Config, seed, handID, startedAt)
	if err != nil {
		o.log.Errorf("orchestrator.checkStartHand.failed: %v", err)
		return
	}
	*state = *newState
	table.Status = engine.TablePlaying
	if err := o.store.SaveTable(ctx, table); err != nil {
		o.log.Errorf("orchestrator.checkStartHand.failed: persist table status: %v", err)
	}

	o.metrics.HandsStarted.Inc()

	fireAndForget(o.log, "recordHandStartContributions", func() error {
		for seatID, amount := range state.Hand.TotalContributions {
			seat := state.SeatByID(seatID)
			if seat == nil || seat.UserID == nil || amount <= 0 {
				continue
			}
			key := ledger.ContributionKey(table.TableID, handID, fmt.Sprintf("start:%d", seatID))
			res := o.ledger.RecordContribution(context.Background(), *seat.UserID, table.TableID, handID, amount, key)
			if res.Unavailable {
				o.eventsP.Emit(context.Background(), events.Event{
					Type:           events.BalanceUnavailable,
					TableID:        table.TableID,
					HandID:         handID,
					UserID:         *seat.UserID,
					SeatID:         &seatID,
					Payload:        map[string]any{"action": "RECORD_CONTRIBUTION", "label": "BLIND"},
					IdempotencyKey: actionIdempotencyKey("BALANCE_UNAVAILABLE", key),
				})
			}
		}
		return nil
	})

	o.eventsP.Emit(ctx, events.Event{
		Type:           events.HandStarted,
		TableID:        table.TableID,
		HandID:         handID,
		IdempotencyKey: actionIdempotencyKey("HAND_STARTED", handID),
	})
	o.eventsP.Emit(ctx, events.Event{
		Type:           events.PreflopDealt,
		TableID:        table.TableID,
		HandID:         handID,
		IdempotencyKey: actionIdempotencyKey("PREFLOP_DEALT", handID),
	})
	o.startTurnTimer(table.TableID, handID, state.Hand.Turn, table.Config.TurnTimerSeconds)
}

// deckSeed combines the table id and the hand-start time, so each hand's
// shuffle is unpredictable to players but replayable from the persisted
// seed inputs.
func deckSeed(tableID string, now time.Time) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tableID))
	return int64(h.Sum64()) ^ now.UnixNano()
}

// handEndedPipeline computes the outcome label, emits HAND_ENDED, settles
// the hand with the ledger, clears hand state, and schedules the next hand.
// Must run from within a withTable closure (state/table mutated in place).
func (o *Orchestrator) handEndedPipeline(ctx context.Context, table *engine.Table, state *engine.TableState, timedOut bool, now time.Time) {
	hand := state.Hand
	outcome := "showdown"
	switch {
	case timedOut:
		outcome = "timeout"
	case len(hand.Actions) > 0 && hand.Actions[len(hand.Actions)-1].Type == engine.ActionFold:
		outcome = "fold_win"
	}

	payouts := engine.SettleHandPayouts(hand, state.Button, len(state.Seats))
	winnerUserIDs := make([]string, 0, len(hand.Winners))
	for _, seatID := range hand.Winners {
		if seat := state.SeatByID(seatID); seat != nil && seat.UserID != nil {
			winnerUserIDs = append(winnerUserIDs, *seat.UserID)
		}
	}

	o.eventsP.Emit(ctx, events.Event{
		Type:    events.HandEnded,
		TableID: table.TableID,
		HandID:  hand.HandID,
		Payload: map[string]any{
			"outcome":       outcome,
			"winners":       hand.Winners,
			"winnerUserIds": winnerUserIDs,
			"rakeAmount":    hand.RakeAmount,
		},
		IdempotencyKey: actionIdempotencyKey("HAND_ENDED", hand.HandID),
	})

	if outcome == "showdown" {
		o.emitCardsShownAndPotAwarded(ctx, table.TableID, state, hand)
	} else {
		o.emitPotAwardedUncontested(ctx, table.TableID, hand)
	}

	ledgerPayouts := make(map[string]int64, len(payouts))
	for seatID, amount := range payouts {
		if seat := state.SeatByID(seatID); seat != nil && seat.UserID != nil {
			ledgerPayouts[*seat.UserID] += amount
			seat.Stack += amount
		}
	}
	settleKey := ledger.SettleKey(table.TableID, hand.HandID)
	res := o.ledger.SettlePot(ctx, table.TableID, hand.HandID, ledgerPayouts, settleKey)
	switch {
	case res.Unavailable:
		o.eventsP.Emit(ctx, events.Event{
			Type:           events.BalanceUnavailable,
			TableID:        table.TableID,
			HandID:         hand.HandID,
			Payload:        map[string]any{"action": "SETTLE"},
			IdempotencyKey: actionIdempotencyKey("BALANCE_UNAVAILABLE", settleKey),
		})
	case !res.OK:
		o.eventsP.Emit(ctx, events.Event{
			Type:           events.SettlementFailed,
			TableID:        table.TableID,
			HandID:         hand.HandID,
			IdempotencyKey: actionIdempotencyKey("SETTLEMENT_FAILED", settleKey),
		})
	}

	for i := range state.Seats {
		seat := &state.Seats[i]
		seat.HoleCards = nil
		switch seat.Status {
		case engine.SeatFolded, engine.SeatAllIn, engine.SeatActive:
			if seat.Stack > 0 {
				seat.Status = engine.SeatSeated
			} else {
				*seat = engine.Seat{SeatID: seat.SeatID, Status: engine.SeatEmpty}
			}
		case engine.SeatDisconnected:
			// Not dealt into the next hand until they reconnect.
			if seat.Stack > 0 {
				seat.Status = engine.SeatSittingOut
			} else {
				*seat = engine.Seat{SeatID: seat.SeatID, Status: engine.SeatEmpty}
			}
		}
	}

	state.Hand = nil
	table.Status = engine.TableWaiting
	if err := o.store.SaveTable(ctx, table); err != nil {
		o.log.Errorf("orchestrator.handEndedPipeline.failed: persist table status: %v", err)
	}
	o.clearTurnMeta(table.TableID)
	o.eventsP.Emit(ctx, events.Event{
		Type:           events.HandCompleted,
		TableID:        table.TableID,
		HandID:         hand.HandID,
		IdempotencyKey: actionIdempotencyKey("HAND_COMPLETED", hand.HandID),
	})
	o.scheduleNextHand(table.TableID)
}

// emitCardsShownAndPotAwarded reveals every non-folded seat's hole cards
// and awards each pot, attaching each winner's human-readable hand
// description and best five cards for player-facing clients.
func (o *Orchestrator) emitCardsShownAndPotAwarded(ctx context.Context, tableID string, state *engine.TableState, hand *engine.HandState) {
	type shown struct {
		SeatID int          `json:"seatId"`
		UserID string       `json:"userId"`
		Cards  []cards.Card `json:"cards"`
	}
	var revealed []shown
	descriptions := make(map[int]cards.HandValue)
	for i := range state.Seats {
		seat := &state.Seats[i]
		if seat.Status == engine.SeatFolded || seat.UserID == nil || len(seat.HoleCards) == 0 {
			continue
		}
		revealed = append(revealed, shown{SeatID: seat.SeatID, UserID: *seat.UserID, Cards: seat.HoleCards})
		if hv, err := cards.Evaluate(seat.HoleCards, hand.CommunityCards); err == nil {
			descriptions[seat.SeatID] = hv
		}
	}
	o.eventsP.Emit(ctx, events.Event{
		Type:           events.CardsShown,
		TableID:        tableID,
		HandID:         hand.HandID,
		Payload:        map[string]any{"seats": revealed},
		IdempotencyKey: actionIdempotencyKey("CARDS_SHOWN", hand.HandID),
	})

	for potIdx, pot := range hand.Pots {
		winners := make([]map[string]any, 0, len(pot.Winners))
		for _, seatID := range pot.Winners {
			entry := map[string]any{"seatId": seatID}
			if hv, ok := descriptions[seatID]; ok {
				entry["handDescription"] = hv.Description
				entry["bestHand"] = hv.Best
			}
			winners = append(winners, entry)
		}
		o.eventsP.Emit(ctx, events.Event{
			Type:    events.PotAwarded,
			TableID: tableID,
			HandID:  hand.HandID,
			Payload: map[string]any{"potIndex": potIdx, "amount": pot.Amount, "winners": winners},
			IdempotencyKey: actionIdempotencyKey("POT_AWARDED", fmt.Sprintf("%s:%d", hand.HandID, potIdx)),
		})
	}
}

// emitPotAwardedUncontested awards pots for the fold_win and timeout
// outcomes without revealing any cards, listing each pot's winners by seat
// id. A timeout outcome can still end at showdown, so a pot may list more
// than one winner.
func (o *Orchestrator) emitPotAwardedUncontested(ctx context.Context, tableID string, hand *engine.HandState) {
	for potIdx, pot := range hand.Pots {
		winners := make([]map[string]any, 0, len(pot.Winners))
		for _, seatID := range pot.Winners {
			winners = append(winners, map[string]any{"seatId": seatID})
		}
		o.eventsP.Emit(ctx, events.Event{
			Type:    events.PotAwarded,
			TableID: tableID,
			HandID:  hand.HandID,
			Payload: map[string]any{"potIndex": potIdx, "amount": pot.Amount, "winners": winners},
			IdempotencyKey: actionIdempotencyKey("POT_AWARDED", fmt.Sprintf("%s:%d", hand.HandID, potIdx)),
		})
	}
}
