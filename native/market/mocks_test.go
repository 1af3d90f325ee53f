package market

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"nftmarket/core/events"
)

type mockState struct {
	listings   map[uint64]*Listing
	counters   Counters
	fee        *big.Int
	commitErr  error
	commitHook func(*Listing) error
	commits    int
}

func newMockState() *mockState {
	return &mockState{listings: make(map[uint64]*Listing)}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func (m *mockState) ListingGet(id uint64) (*Listing, bool, error) {
	l, ok := m.listings[id]
	if !ok {
		return nil, false, nil
	}
	return l.Clone(), true, nil
}

func (m *mockState) ListingCommit(l *Listing, counters Counters) error {
	if m.commitErr != nil {
		return m.commitErr
	}
	if m.commitHook != nil {
		if err := m.commitHook(l); err != nil {
			return err
		}
	}
	sanitized, err := SanitizeListing(l)
	if err != nil {
		return err
	}
	m.listings[sanitized.ID] = sanitized
	m.counters = counters
	m.commits++
	return nil
}

func (m *mockState) MarketCounters() (Counters, error) { return m.counters, nil }

func (m *mockState) MarketListingFee() (*big.Int, bool, error) {
	if m.fee == nil {
		return nil, false, nil
	}
	return new(big.Int).Set(m.fee), true, nil
}

func (m *mockState) SetMarketListingFee(fee *big.Int) error {
	m.fee = new(big.Int).Set(fee)
	return nil
}

// stagedMockState records stage calls on top of mockState.
type stagedMockState struct {
	*mockState
	begins, commits, discards int
	commitErr                 error
}

func (m *stagedMockState) Begin() error {
	m.begins++
	return nil
}

func (m *stagedMockState) Commit() error {
	m.commits++
	return m.commitErr
}

func (m *stagedMockState) Discard() { m.discards++ }

// mockRail is a balance book. Overdrafts fail like a real rail would.
type mockRail struct {
	balances map[[20]byte]*big.Int
	failOn   func(from, to [20]byte, amount *big.Int) error
	hook     func(from, to [20]byte, amount *big.Int)
	calls    int
}

func newMockRail() *mockRail {
	return &mockRail{balances: make(map[[20]byte]*big.Int)}
}

func (r *mockRail) balance(addr [20]byte) *big.Int {
	if bal, ok := r.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

func (r *mockRail) credit(addr [20]byte, amount int64) {
	r.balances[addr] = new(big.Int).Add(r.balance(addr), big.NewInt(amount))
}

func (r *mockRail) Transfer(_ context.Context, from, to [20]byte, amount *big.Int) error {
	r.calls++
	if r.hook != nil {
		r.hook(from, to, amount)
	}
	if r.failOn != nil {
		if err := r.failOn(from, to, amount); err != nil {
			return err
		}
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("rail: amount must be positive")
	}
	if r.balance(from).Cmp(amount) < 0 {
		return fmt.Errorf("rail: insufficient balance")
	}
	r.balances[from] = new(big.Int).Sub(r.balance(from), amount)
	r.balances[to] = new(big.Int).Add(r.balance(to), amount)
	return nil
}

type receiver interface {
	OnAssetReceived(ctx context.Context, operator, from, contract [20]byte, assetID *uint256.Int) error
}

// mockCustodian is a minimal non-fungible registry for one contract.
type mockCustodian struct {
	contract  [20]byte
	owners    map[uint64][20]byte
	approved  map[uint64][20]byte
	operators map[[20]byte]map[[20]byte]bool
	receivers map[[20]byte]receiver
	failOn    func(from, to [20]byte) error
	hook      func(from, to [20]byte)
}

func newMockCustodian(contract [20]byte) *mockCustodian {
	return &mockCustodian{
		contract:  contract,
		owners:    make(map[uint64][20]byte),
		approved:  make(map[uint64][20]byte),
		operators: make(map[[20]byte]map[[20]byte]bool),
		receivers: make(map[[20]byte]receiver),
	}
}

func (c *mockCustodian) mint(owner [20]byte, id uint64) { c.owners[id] = owner }

func (c *mockCustodian) approve(id uint64, spender [20]byte) { c.approved[id] = spender }

func (c *mockCustodian) setApprovalForAll(owner, operator [20]byte, ok bool) {
	if c.operators[owner] == nil {
		c.operators[owner] = make(map[[20]byte]bool)
	}
	c.operators[owner][operator] = ok
}

func (c *mockCustodian) OwnerOf(_ context.Context, id *uint256.Int) ([20]byte, error) {
	owner, ok := c.owners[id.Uint64()]
	if !ok {
		return [20]byte{}, errors.New("nonexistent token")
	}
	return owner, nil
}

func (c *mockCustodian) GetApproved(_ context.Context, id *uint256.Int) ([20]byte, error) {
	if _, ok := c.owners[id.Uint64()]; !ok {
		return [20]byte{}, errors.New("nonexistent token")
	}
	return c.approved[id.Uint64()], nil
}

func (c *mockCustodian) IsApprovedForAll(_ context.Context, owner, operator [20]byte) (bool, error) {
	return c.operators[owner][operator], nil
}

func (c *mockCustodian) TransferFrom(ctx context.Context, operator, from, to [20]byte, id *uint256.Int) error {
	if c.hook != nil {
		c.hook(from, to)
	}
	if c.failOn != nil {
		if err := c.failOn(from, to); err != nil {
			return err
		}
	}
	key := id.Uint64()
	owner, ok := c.owners[key]
	if !ok || owner != from {
		return errors.New("transfer from incorrect owner")
	}
	if operator != owner && c.approved[key] != operator && !c.operators[owner][operator] {
		return errors.New("caller is not token owner or approved")
	}
	delete(c.approved, key)
	c.owners[key] = to
	if r, ok := c.receivers[to]; ok {
		if err := r.OnAssetReceived(ctx, operator, from, c.contract, id); err != nil {
			c.owners[key] = from
			return fmt.Errorf("receiver rejected transfer: %w", err)
		}
	}
	return nil
}

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) { r.events = append(r.events, evt) }

func (r *recordingEmitter) types() []string {
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.EventType())
	}
	return out
}

type fixture struct {
	engine    *Engine
	state     *mockState
	rail      *mockRail
	custodian *mockCustodian
	emitter   *recordingEmitter
	operator  [20]byte
	vault     [20]byte
	contract  [20]byte
	seller    [20]byte
	buyer     [20]byte
}

func newFixture(fee int64) *fixture {
	f := &fixture{
		state:    newMockState(),
		rail:     newMockRail(),
		emitter:  &recordingEmitter{},
		operator: newTestAddress(0x0F),
		vault:    newTestAddress(0xEE),
		contract: newTestAddress(0xAA),
		seller:   newTestAddress(0x01),
		buyer:    newTestAddress(0x02),
	}
	f.custodian = newMockCustodian(f.contract)
	engine, err := NewEngine(Config{Operator: f.operator, Vault: f.vault, ListingFee: big.NewInt(fee)})
	if err != nil {
		panic(err)
	}
	engine.SetState(f.state)
	engine.SetPaymentRail(f.rail)
	engine.SetEmitter(f.emitter)
	engine.SetCustodians(CustodianFunc(func(contract [20]byte) (AssetCustodian, bool) {
		if contract != f.contract {
			return nil, false
		}
		return f.custodian, true
	}))
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	f.custodian.receivers[f.vault] = engine
	f.engine = engine
	return f
}

// listAsset mints id to the seller, approves the vault and lists it.
func (f *fixture) listAsset(id uint64, price int64) (*Listing, error) {
	f.custodian.mint(f.seller, id)
	f.custodian.approve(id, f.vault)
	f.rail.credit(f.seller, f.engine.ListingFee().Int64())
	return f.engine.CreateListing(context.Background(), f.seller, f.contract, uint256.NewInt(id), big.NewInt(price), f.engine.ListingFee())
}
