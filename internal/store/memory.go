package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-memory Store for tests and early development.
//
// It emulates the row-lock semantics of the Postgres implementation: a
// per-call mutex is acquired by GetCallForUpdate/CreateCall and held until
// the enclosing WithinTx returns, so concurrent transactions on the same
// call serialize exactly like they would on the database row lock.
//
// Writes are applied immediately (no rollback buffering); the only failure
// the coordinator relies on rolling back, a lost CreateCall race, performs
// no writes on the losing side.
type Memory struct {
	mu           sync.Mutex
	calls        map[string]Call
	packets      map[string][]Packet
	packetSeqs   map[string]map[int64]struct{}
	results      map[string]AIResult
	rowLocks     map[string]*sync.Mutex
	nextPacketID int64
}

func NewMemory() *Memory {
	return &Memory{
		calls:      make(map[string]Call),
		packets:    make(map[string][]Packet),
		packetSeqs: make(map[string]map[int64]struct{}),
		results:    make(map[string]AIResult),
		rowLocks:   make(map[string]*sync.Mutex),
	}
}

func (m *Memory) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{m: m, held: make(map[string]*sync.Mutex)}
	defer tx.releaseAll()
	return fn(ctx, tx)
}

func (m *Memory) GetCallSnapshot(ctx context.Context, callID string) (CallSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[callID]
	if !ok {
		return CallSnapshot{}, false, nil
	}
	snap := CallSnapshot{
		Call:        c,
		PacketCount: len(m.packets[callID]),
	}
	if r, ok := m.results[callID]; ok {
		snap.HasAIResult = true
		rc := r
		snap.AIResult = &rc
	}
	return snap, true, nil
}

func (m *Memory) GetAIResult(ctx context.Context, callID string) (AIResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.results[callID]
	if !ok {
		return AIResult{}, false, nil
	}
	return r, true, nil
}

// PacketCount is a test helper.
func (m *Memory) PacketCount(callID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.packets[callID])
}

// Packets returns a copy of a call's packets ordered by sequence. Test helper.
func (m *Memory) Packets(callID string) []Packet {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Packet, len(m.packets[callID]))
	copy(out, m.packets[callID])
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

type memTx struct {
	m    *Memory
	held map[string]*sync.Mutex
}

// lockRow acquires the per-call mutex unless this transaction already holds it.
func (t *memTx) lockRow(callID string) {
	if _, ok := t.held[callID]; ok {
		return
	}
	t.m.mu.Lock()
	lk, ok := t.m.rowLocks[callID]
	if !ok {
		lk = &sync.Mutex{}
		t.m.rowLocks[callID] = lk
	}
	t.m.mu.Unlock()

	lk.Lock()
	t.held[callID] = lk
}

func (t *memTx) releaseAll() {
	for _, lk := range t.held {
		lk.Unlock()
	}
	t.held = nil
}

func (t *memTx) GetCallForUpdate(ctx context.Context, callID string) (Call, bool, error) {
	t.lockRow(callID)

	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	c, ok := t.m.calls[callID]
	if !ok {
		return Call{}, false, nil
	}
	return c, true, nil
}

func (t *memTx) CreateCall(ctx context.Context, c Call) error {
	t.lockRow(c.CallID)

	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if _, exists := t.m.calls[c.CallID]; exists {
		return ErrCallExists
	}
	t.m.calls[c.CallID] = c
	return nil
}

func (t *memTx) InsertPacket(ctx context.Context, p Packet) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	seqs, ok := t.m.packetSeqs[p.CallID]
	if !ok {
		seqs = make(map[int64]struct{})
		t.m.packetSeqs[p.CallID] = seqs
	}
	if _, dup := seqs[p.Sequence]; dup {
		return ErrDuplicatePacket
	}
	seqs[p.Sequence] = struct{}{}

	t.m.nextPacketID++
	p.ID = t.m.nextPacketID
	t.m.packets[p.CallID] = append(t.m.packets[p.CallID], p)
	return nil
}

func (t *memTx) UpdateCall(ctx context.Context, callID string, upd CallUpdate) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	c, ok := t.m.calls[callID]
	if !ok {
		return fmt.Errorf("store: update of missing call %q", callID)
	}
	if upd.State != nil {
		c.State = *upd.State
	}
	if upd.LastSequence != nil {
		c.LastSequence = *upd.LastSequence
	}
	c.UpdatedAt = upd.UpdatedAt
	t.m.calls[callID] = c
	return nil
}

func (t *memTx) UpsertAIResult(ctx context.Context, r AIResult) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	t.m.results[r.CallID] = r
	return nil
}

func (t *memTx) ListPacketData(ctx context.Context, callID string) ([]string, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	ps := make([]Packet, len(t.m.packets[callID]))
	copy(ps, t.m.packets[callID])
	sort.Slice(ps, func(i, j int) bool { return ps[i].Sequence < ps[j].Sequence })

	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Data)
	}
	return out, nil
}

var _ Store = (*Memory)(nil)
var _ Tx = (*memTx)(nil)
