package repay

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"autorepay.org/internal/auth"
)

var errReadOnly = errors.New("repay: write in read-only transaction")

type authKey struct {
	user  common.Address
	token common.Address
}

type memState struct {
	meta     Meta
	triples  map[common.Address]TokenTriple // keyed by base
	bySupply map[common.Address]common.Address
	auths    map[authKey]Authorization
	last     map[common.Address]int64
	fees     FeeConfig
	discount DiscountConfig
	paused   bool
	roles    map[auth.Capability]map[common.Address]struct{}
	events   []Event
	seq      uint64
}

func newMemState() *memState {
	return &memState{
		triples:  make(map[common.Address]TokenTriple),
		bySupply: make(map[common.Address]common.Address),
		auths:    make(map[authKey]Authorization),
		last:     make(map[common.Address]int64),
		discount: DiscountConfig{}.clone(),
		roles:    make(map[auth.Capability]map[common.Address]struct{}),
	}
}

// clone copies every mutable record. The event log is shared: it is append-only
// and staged appends live on the transaction until commit.
func (s *memState) clone() *memState {
	out := &memState{
		meta:     s.meta,
		triples:  make(map[common.Address]TokenTriple, len(s.triples)),
		bySupply: make(map[common.Address]common.Address, len(s.bySupply)),
		auths:    make(map[authKey]Authorization, len(s.auths)),
		last:     make(map[common.Address]int64, len(s.last)),
		fees:     s.fees,
		discount: s.discount.clone(),
		paused:   s.paused,
		roles:    make(map[auth.Capability]map[common.Address]struct{}, len(s.roles)),
		events:   s.events,
		seq:      s.seq,
	}
	for k, v := range s.triples {
		out.triples[k] = v
	}
	for k, v := range s.bySupply {
		out.bySupply[k] = v
	}
	for k, v := range s.auths {
		out.auths[k] = v.clone()
	}
	for k, v := range s.last {
		out.last[k] = v
	}
	for c, members := range s.roles {
		m := make(map[common.Address]struct{}, len(members))
		for who := range members {
			m[who] = struct{}{}
		}
		out.roles[c] = m
	}
	return out
}

// MemStore is the in-process Store. Update stages writes on a copy of the
// state and swaps it in only when fn succeeds.
type MemStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{state: newMemState()}
}

func (m *MemStore) View(ctx context.Context, fn func(Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{st: m.state, readOnly: true})
}

func (m *MemStore) Update(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := m.state.clone()
	tx := &memTx{st: staged}
	if err := fn(tx); err != nil {
		return err
	}
	staged.events = append(m.state.events, tx.pending...)
	m.state = staged
	return nil
}

func (m *MemStore) Ping(ctx context.Context) error { return ctx.Err() }

type memTx struct {
	st       *memState
	readOnly bool
	pending  []Event
}

func (t *memTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *memTx) Meta(ctx context.Context) (Meta, error) { return t.st.meta, nil }

func (t *memTx) PutMeta(ctx context.Context, m Meta) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.meta = m
	return nil
}

func (t *memTx) Triple(ctx context.Context, token common.Address) (TokenTriple, bool, error) {
	if tr, ok := t.st.triples[token]; ok {
		return tr, true, nil
	}
	if base, ok := t.st.bySupply[token]; ok {
		tr, ok := t.st.triples[base]
		return tr, ok, nil
	}
	return TokenTriple{}, false, nil
}

func (t *memTx) PutTriple(ctx context.Context, tr TokenTriple) error {
	if err := t.writable(); err != nil {
		return err
	}
	if prev, ok := t.st.triples[tr.Base]; ok && prev.Supply != tr.Supply {
		delete(t.st.bySupply, prev.Supply)
	}
	t.st.triples[tr.Base] = tr
	t.st.bySupply[tr.Supply] = tr.Base
	return nil
}

func (t *memTx) Triples(ctx context.Context) ([]TokenTriple, error) {
	out := make([]TokenTriple, 0, len(t.st.triples))
	for _, tr := range t.st.triples {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Base[:], out[j].Base[:]) < 0 })
	return out, nil
}

func (t *memTx) Authorization(ctx context.Context, user, token common.Address) (Authorization, bool, error) {
	a, ok := t.st.auths[authKey{user, token}]
	if !ok {
		return Authorization{}, false, nil
	}
	return a.clone(), true, nil
}

func (t *memTx) PutAuthorization(ctx context.Context, a Authorization) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.auths[authKey{a.User, a.Token}] = a.clone()
	return nil
}

func (t *memTx) Authorizations(ctx context.Context, user common.Address) ([]Authorization, error) {
	var out []Authorization
	for k, a := range t.st.auths {
		if k.user == user {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Token[:], out[j].Token[:]) < 0 })
	return out, nil
}

func (t *memTx) LastSettlement(ctx context.Context, user common.Address) (int64, error) {
	return t.st.last[user], nil
}

func (t *memTx) SetLastSettlement(ctx context.Context, user common.Address, ts int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.last[user] = ts
	return nil
}

func (t *memTx) FeeConfig(ctx context.Context) (FeeConfig, error) { return t.st.fees, nil }

func (t *memTx) PutFeeConfig(ctx context.Context, f FeeConfig) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.fees = f
	return nil
}

func (t *memTx) DiscountConfig(ctx context.Context) (DiscountConfig, error) {
	return t.st.discount.clone(), nil
}

func (t *memTx) PutDiscountConfig(ctx context.Context, d DiscountConfig) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.discount = d.clone()
	return nil
}

func (t *memTx) Paused(ctx context.Context) (bool, error) { return t.st.paused, nil }

func (t *memTx) SetPaused(ctx context.Context, paused bool) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.paused = paused
	return nil
}

func (t *memTx) HasRole(ctx context.Context, c auth.Capability, who common.Address) (bool, error) {
	_, ok := t.st.roles[c][who]
	return ok, nil
}

func (t *memTx) SetRole(ctx context.Context, c auth.Capability, who common.Address, granted bool) error {
	if err := t.writable(); err != nil {
		return err
	}
	members := t.st.roles[c]
	if members == nil {
		members = make(map[common.Address]struct{})
		t.st.roles[c] = members
	}
	if granted {
		members[who] = struct{}{}
	} else {
		delete(members, who)
	}
	return nil
}

func (t *memTx) RoleMembers(ctx context.Context, c auth.Capability) ([]common.Address, error) {
	out := make([]common.Address, 0, len(t.st.roles[c]))
	for who := range t.st.roles[c] {
		out = append(out, who)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out, nil
}

func (t *memTx) AppendEvent(ctx context.Context, ev Event) (Event, error) {
	if err := t.writable(); err != nil {
		return Event{}, err
	}
	t.st.seq++
	ev.Seq = t.st.seq
	t.pending = append(t.pending, ev)
	return ev, nil
}

func (t *memTx) Events(ctx context.Context, afterSeq uint64, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []Event
	for _, src := range [][]Event{t.st.events, t.pending} {
		i := sort.Search(len(src), func(i int) bool { return src[i].Seq > afterSeq })
		for ; i < len(src) && len(out) < limit; i++ {
			out = append(out, src[i])
		}
	}
	return out, nil
}
