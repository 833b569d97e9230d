package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ontable/holdem/pkg/engine"
)

// Memory is an in-memory drop-in for Store, used by tests and by local
// development without a Redis. It round-trips tables and states through
// JSON the same way the Redis-backed store does, so anything that would be
// lost in serialization is lost here too.
type Memory struct {
	mu sync.Mutex

	tables  map[string][]byte
	states  map[string][]byte
	owners  map[string]map[string]bool
	mutes   map[string]map[string]bool
	idem    map[string][]byte
	idemExp map[string]time.Time
	locks   map[string]bool

	conns     map[string]string
	userConns map[string]map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		tables:    make(map[string][]byte),
		states:    make(map[string][]byte),
		owners:    make(map[string]map[string]bool),
		mutes:     make(map[string]map[string]bool),
		idem:      make(map[string][]byte),
		idemExp:   make(map[string]time.Time),
		locks:     make(map[string]bool),
		conns:     make(map[string]string),
		userConns: make(map[string]map[string]bool),
	}
}

func (m *Memory) SaveTable(ctx context.Context, t *engine.Table) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[t.TableID] = b
	if m.owners[t.OwnerID] == nil {
		m.owners[t.OwnerID] = make(map[string]bool)
	}
	m.owners[t.OwnerID][t.TableID] = true
	return nil
}

func (m *Memory) LoadTable(ctx context.Context, tableID string) (*engine.Table, error) {
	m.mu.Lock()
	b, ok := m.tables[tableID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var t engine.Table
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (m *Memory) DeleteTable(ctx context.Context, tableID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, tableID)
	delete(m.states, tableID)
	delete(m.mutes, tableID)
	if s := m.owners[ownerID]; s != nil {
		delete(s, tableID)
	}
	return nil
}

func (m *Memory) ListTableIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tables))
	for id := range m.tables {
		out = append(out, id)
	}
	return out, nil
}

func (m *Memory) ListTableIDsByOwner(ctx context.Context, ownerID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id := range m.owners[ownerID] {
		out = append(out, id)
	}
	return out, nil
}

func (m *Memory) SaveState(ctx context.Context, st *engine.TableState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.TableID] = b
	return nil
}

func (m *Memory) LoadState(ctx context.Context, tableID string) (*engine.TableState, error) {
	m.mu.Lock()
	b, ok := m.states[tableID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var st engine.TableState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (m *Memory) Mute(ctx context.Context, tableID, targetUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mutes[tableID] == nil {
		m.mutes[tableID] = make(map[string]bool)
	}
	m.mutes[tableID][targetUserID] = true
	return nil
}

func (m *Memory) Unmute(ctx context.Context, tableID, targetUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.mutes[tableID]; s != nil {
		delete(s, targetUserID)
	}
	return nil
}

func (m *Memory) IsMuted(ctx context.Context, tableID, targetUserID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutes[tableID][targetUserID], nil
}

func (m *Memory) IdempotencyGet(ctx context.Context, method, key string) ([]byte, bool, error) {
	k := method + ":" + key
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.idem[k]
	if !ok || time.Now().After(m.idemExp[k]) {
		return nil, false, nil
	}
	return b, true, nil
}

func (m *Memory) IdempotencyPut(ctx context.Context, method, key string, result []byte, ttl time.Duration) error {
	k := method + ":" + key
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idem[k] = result
	m.idemExp[k] = time.Now().Add(ttl)
	return nil
}

func (m *Memory) IdempotencyLock(ctx context.Context, method, key string, ttl time.Duration) (bool, error) {
	k := method + ":" + key + ":lock"
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[k] {
		return false, nil
	}
	m.locks[k] = true
	return true, nil
}

func (m *Memory) IdempotencyUnlock(ctx context.Context, method, key string) error {
	k := method + ":" + key + ":lock"
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, k)
	return nil
}

func (m *Memory) RegisterConnection(ctx context.Context, connectionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[connectionID] = userID
	if m.userConns[userID] == nil {
		m.userConns[userID] = make(map[string]bool)
	}
	m.userConns[userID][connectionID] = true
	return nil
}

func (m *Memory) DeregisterConnection(ctx context.Context, connectionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, connectionID)
	if s := m.userConns[userID]; s != nil {
		delete(s, connectionID)
	}
	return nil
}

func (m *Memory) UserConnections(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id := range m.userConns[userID] {
		out = append(out, id)
	}
	return out, nil
}
