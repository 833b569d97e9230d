// Package broadcast publishes redacted per-table snapshots and lobby
// summaries onto the "gateway:ws:events" Redis pub/sub channel the gateway
// consumes, and owns the redaction rule applied to every state that
// crosses the trust boundary.
package broadcast

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/ontable/holdem/pkg/engine"
)

// Channel is the single pub/sub channel both table snapshots and lobby
// summaries are published on.
const Channel = "gateway:ws:events"

// Envelope is one message published on Channel.
type Envelope struct {
	Channel  string `json:"channel"` // "table" | "lobby"
	TableID  string `json:"tableId"`
	Payload  any    `json:"payload"`
	SourceID string `json:"sourceId"`
}

// TableSnapshotPayload wraps a redacted TableState for a "table" envelope.
type TableSnapshotPayload struct {
	Type       string             `json:"type"` // "TableSnapshot"
	TableState *engine.TableState `json:"tableState"`
}

// TableSummary is one row of a lobby listing.
type TableSummary struct {
	TableID      string `json:"tableId"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	PlayerCount  int    `json:"playerCount"`
	MaxPlayers   int    `json:"maxPlayers"`
	SmallBlind   int64  `json:"smallBlind"`
	BigBlind     int64  `json:"bigBlind"`
}

// LobbyTablesUpdatedPayload wraps the current listing for a "lobby"
// envelope.
type LobbyTablesUpdatedPayload struct {
	Type   string         `json:"type"` // "LobbyTablesUpdated"
	Tables []TableSummary `json:"tables"`
}

// Bus publishes envelopes. sourceID identifies the publishing process
// instance (so a gateway can, if desired, suppress echoing its own writes).
type Bus struct {
	rdb      *redis.Client
	sourceID string
}

func New(rdb *redis.Client, sourceID string) *Bus {
	return &Bus{rdb: rdb, sourceID: sourceID}
}

// PublishTableSnapshot redacts state and publishes it under the "table"
// channel.
func (b *Bus) PublishTableSnapshot(ctx context.Context, state *engine.TableState) error {
	env := Envelope{
		Channel: "table",
		TableID: state.TableID,
		Payload: TableSnapshotPayload{
			Type:       "TableSnapshot",
			TableState: Redact(state, ""),
		},
		SourceID: b.sourceID,
	}
	return b.publish(ctx, env)
}

// PublishLobbyUpdate publishes the current lobby listing.
func (b *Bus) PublishLobbyUpdate(ctx context.Context, tables []TableSummary) error {
	env := Envelope{
		Channel: "lobby",
		TableID: "lobby",
		Payload: LobbyTablesUpdatedPayload{
			Type:   "LobbyTablesUpdated",
			Tables: tables,
		},
		SourceID: b.sourceID,
	}
	return b.publish(ctx, env)
}

func (b *Bus) publish(ctx context.Context, env Envelope) error {
	msg, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, Channel, msg).Err()
}

// Subscribe returns a Redis subscription to Channel for the Gateway (C9) to
// consume.
func (b *Bus) Subscribe(ctx context.Context) *redis.PubSub {
	return b.rdb.Subscribe(ctx, Channel)
}

// Redact returns a deep copy of state with every private field stripped
// (hole cards, reservation ids, pending buy-in bookkeeping), except that
// the seat matching viewerUserID keeps its own hole cards. Pass "" to
// redact for an audience with no privileged viewer (e.g. the lobby).
func Redact(state *engine.TableState, viewerUserID string) *engine.TableState {
	out := state.Clone()
	for i := range out.Seats {
		seat := &out.Seats[i]
		isOwner := viewerUserID != "" && seat.UserID != nil && *seat.UserID == viewerUserID
		if !isOwner {
			seat.HoleCards = nil
		}
		seat.ReservationID = nil
		seat.PendingBuyInAmount = nil
		seat.BuyInIdempotencyKey = nil
	}
	return out
}
