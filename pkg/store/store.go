// Package store implements durable key/value persistence of Table metadata
// and TableState snapshots, plus set-indexed listings, the idempotency
// cache, and the gateway connection registry, all on Redis: the key/value +
// set + per-key-TTL primitives these concerns need map directly onto
// SET/SADD/SMEMBERS/EXPIRE.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ontable/holdem/pkg/engine"
)

const (
	keyTablePrefix   = "table:"
	keyStatePrefix   = "state:"
	keyAllTables     = "tables:all"
	keyByOwnerPrefix = "tables:by-owner:"
	keyMutesPrefix   = "mutes:"
	keyIdemPrefix    = "idempotency:game:"

	keyGatewayConnections     = "gateway:connections"
	keyGatewayUserConnsPrefix = "gateway:user_connections:"
)

// Store is the durable backing store for Table metadata, TableState
// snapshots and auxiliary sets (ownership index, mutes). All operations are
// idempotent get/set/del; no cross-key transactions are required because
// the per-table serializer (pkg/serializer) guarantees single-writer access
// per tableId.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// NewFromURL parses a redis:// URL (as produced by config.Config.RedisURL)
// and dials a client.
func NewFromURL(url string) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	return New(redis.NewClient(opt)), nil
}

// SaveTable persists table metadata and indexes it by id and owner.
func (s *Store) SaveTable(ctx context.Context, t *engine.Table) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyTablePrefix+t.TableID, b, 0)
	pipe.SAdd(ctx, keyAllTables, t.TableID)
	pipe.SAdd(ctx, keyByOwnerPrefix+t.OwnerID, t.TableID)
	_, err = pipe.Exec(ctx)
	return err
}

// LoadTable returns (nil, nil) when the table does not exist.
func (s *Store) LoadTable(ctx context.Context, tableID string) (*engine.Table, error) {
	b, err := s.rdb.Get(ctx, keyTablePrefix+tableID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t engine.Table
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTable removes table metadata, its state snapshot, its mute set, and
// its entries in the listing sets.
func (s *Store) DeleteTable(ctx context.Context, tableID, ownerID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keyTablePrefix+tableID)
	pipe.Del(ctx, keyStatePrefix+tableID)
	pipe.Del(ctx, keyMutesPrefix+tableID)
	pipe.SRem(ctx, keyAllTables, tableID)
	pipe.SRem(ctx, keyByOwnerPrefix+ownerID, tableID)
	_, err := pipe.Exec(ctx)
	return err
}

// ListTableIDs enumerates all known table ids (backing set tables:all).
func (s *Store) ListTableIDs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, keyAllTables).Result()
}

// ListTableIDsByOwner enumerates table ids owned by ownerID.
func (s *Store) ListTableIDsByOwner(ctx context.Context, ownerID string) ([]string, error) {
	return s.rdb.SMembers(ctx, keyByOwnerPrefix+ownerID).Result()
}

// SaveState persists a TableState snapshot. Callers (the orchestrator,
// always running inside the per-table serializer) are responsible for
// bumping Version/UpdatedAt before calling this.
func (s *Store) SaveState(ctx context.Context, st *engine.TableState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keyStatePrefix+st.TableID, b, 0).Err()
}

// LoadState returns (nil, nil) when no state snapshot exists yet.
func (s *Store) LoadState(ctx context.Context, tableID string) (*engine.TableState, error) {
	b, err := s.rdb.Get(ctx, keyStatePrefix+tableID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st engine.TableState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Mute adds targetUserID to tableID's mute set.
func (s *Store) Mute(ctx context.Context, tableID, targetUserID string) error {
	return s.rdb.SAdd(ctx, keyMutesPrefix+tableID, targetUserID).Err()
}

// Unmute removes targetUserID from tableID's mute set.
func (s *Store) Unmute(ctx context.Context, tableID, targetUserID string) error {
	return s.rdb.SRem(ctx, keyMutesPrefix+tableID, targetUserID).Err()
}

// IsMuted reports whether targetUserID is muted at tableID.
func (s *Store) IsMuted(ctx context.Context, tableID, targetUserID string) (bool, error) {
	return s.rdb.SIsMember(ctx, keyMutesPrefix+tableID, targetUserID).Result()
}

// IdempotencyGet returns the cached JSON result for (method, key), or
// (nil, false, nil) on a miss.
func (s *Store) IdempotencyGet(ctx context.Context, method, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, keyIdemPrefix+method+":"+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// IdempotencyPut caches result for (method, key) with ttl, so replayed
// requests within the TTL get the identical recorded result.
func (s *Store) IdempotencyPut(ctx context.Context, method, key string, result []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, keyIdemPrefix+method+":"+key, result, ttl).Err()
}

// IdempotencyLock attempts to mark (method, key) as "in progress", so a
// second concurrent request with the same key observes
// IDEMPOTENCY_IN_PROGRESS instead of racing the first to completion. Returns
// false if another caller already holds the lock.
func (s *Store) IdempotencyLock(ctx context.Context, method, key string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, keyIdemPrefix+method+":"+key+":lock", "1", ttl).Result()
}

// IdempotencyUnlock releases a lock taken by IdempotencyLock. The RPC adapter
// calls it after every request, success or failure, so a retry isn't
// blocked until the lock's TTL expires.
func (s *Store) IdempotencyUnlock(ctx context.Context, method, key string) error {
	return s.rdb.Del(ctx, keyIdemPrefix+method+":"+key+":lock").Err()
}

// RegisterConnection records connectionId -> userId in the gateway:connections
// hash and adds connectionId to userId's gateway:user_connections set, so any
// gateway instance can locate a user's live connections.
func (s *Store) RegisterConnection(ctx context.Context, connectionID, userID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, keyGatewayConnections, connectionID, userID)
	pipe.SAdd(ctx, keyGatewayUserConnsPrefix+userID, connectionID)
	_, err := pipe.Exec(ctx)
	return err
}

// DeregisterConnection removes connectionId from the registry.
func (s *Store) DeregisterConnection(ctx context.Context, connectionID, userID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, keyGatewayConnections, connectionID)
	pipe.SRem(ctx, keyGatewayUserConnsPrefix+userID, connectionID)
	_, err := pipe.Exec(ctx)
	return err
}

// UserConnections lists the connection ids currently registered for userID.
func (s *Store) UserConnections(ctx context.Context, userID string) ([]string, error) {
	return s.rdb.SMembers(ctx, keyGatewayUserConnsPrefix+userID).Result()
}
