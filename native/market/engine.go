package market

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"nftmarket/core/events"
	"nftmarket/core/types"
	nativecommon "nftmarket/native/common"
	"nftmarket/observability/metrics"
)

const moduleName = "market"

// Config fixes the ledger's identities and the initial listing fee.
type Config struct {
	// Operator receives listing fees and is the only account allowed to
	// change the fee.
	Operator [20]byte
	// Vault is the escrow identity that holds listed assets and in-flight
	// payments.
	Vault      [20]byte
	ListingFee *big.Int
}

// Validate checks the construction-time configuration.
func (c Config) Validate() error {
	if c.Operator == ([20]byte{}) {
		return fmt.Errorf("market: operator account required")
	}
	if c.Vault == ([20]byte{}) {
		return fmt.Errorf("market: vault account required")
	}
	if c.Operator == c.Vault {
		return fmt.Errorf("market: operator and vault must differ")
	}
	if c.ListingFee != nil && c.ListingFee.Sign() < 0 {
		return ErrInvalidFee
	}
	return nil
}

type pendingReceipt struct {
	contract [20]byte
	assetID  uint256.Int
	from     [20]byte
}

// Engine is the listing ledger. It owns every listing record and the fee
// configuration; collaborators only ever see copies.
type Engine struct {
	state      engineState
	stager     Stager
	custodians CustodianDirectory
	rail       PaymentRail
	emitter    events.Emitter
	pauses     nativecommon.PauseView
	logger     *slog.Logger
	nowFn      func() int64

	operator [20]byte
	vault    [20]byte

	guard nativecommon.ReentrancyGuard

	mu       sync.RWMutex
	fee      *big.Int
	counters Counters
	index    *listingIndex

	receiptMu sync.Mutex
	receipt   *pendingReceipt
}

// NewEngine creates a ledger with a no-op emitter. State, custodians and the
// payment rail must be configured before the first mutation.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fee := big.NewInt(0)
	if cfg.ListingFee != nil {
		fee = new(big.Int).Set(cfg.ListingFee)
	}
	return &Engine{
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		nowFn:    func() int64 { return time.Now().Unix() },
		operator: cfg.Operator,
		vault:    cfg.Vault,
		fee:      fee,
		counters: Counters{}.Normalize(),
		index:    newListingIndex(),
	}, nil
}

// SetState configures the state backend used by the engine. Call Load to
// pick up listings already persisted there. When state also implements
// Stager, each listing and purchase is committed to it as one unit.
func (e *Engine) SetState(state engineState) {
	e.state = state
	e.stager, _ = state.(Stager)
}

// SetCustodians configures the asset contract directory.
func (e *Engine) SetCustodians(dir CustodianDirectory) { e.custodians = dir }

// SetPaymentRail configures the value-transfer primitive.
func (e *Engine) SetPaymentRail(rail PaymentRail) { e.rail = rail }

// SetPauses wires the module pause view.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetLogger overrides the structured logger. Passing nil restores the default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger.With(slog.String("component", moduleName))
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Operator returns the fee recipient and fee-setter account.
func (e *Engine) Operator() [20]byte { return e.operator }

// Vault returns the escrow identity holding listed assets.
func (e *Engine) Vault() [20]byte { return e.vault }

// Load rebuilds the in-memory indices and fee from the configured state.
// A fee persisted by a previous SetListingFee wins over the configured one.
func (e *Engine) Load() error {
	if e.state == nil {
		return errNilState
	}
	counters, err := e.state.MarketCounters()
	if err != nil {
		return fmt.Errorf("market: load counters: %w", err)
	}
	counters = counters.Normalize()
	index := newListingIndex()
	var created, sold uint64
	for id := FirstListingID; id < counters.NextID; id++ {
		listing, ok, err := e.state.ListingGet(id)
		if err != nil {
			return fmt.Errorf("market: load listing %d: %w", id, err)
		}
		if !ok {
			return fmt.Errorf("market: listing %d missing from state", id)
		}
		if err := index.insert(listing); err != nil {
			return err
		}
		created++
		if listing.Sold() {
			sold++
		}
	}
	if created != counters.Created || sold != counters.Sold {
		return fmt.Errorf("market: counters (created=%d sold=%d) disagree with stored listings (created=%d sold=%d)",
			counters.Created, counters.Sold, created, sold)
	}
	fee, ok, err := e.state.MarketListingFee()
	if err != nil {
		return fmt.Errorf("market: load listing fee: %w", err)
	}

	e.mu.Lock()
	e.counters = counters
	e.index = index
	if ok {
		e.fee = fee
	}
	available := index.availableCount()
	e.mu.Unlock()

	metrics.Market().SetAvailable(available)
	return nil
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.custodians == nil {
		return errNilCustodians
	}
	if e.rail == nil {
		return errNilRail
	}
	return nil
}

// enter acquires the reentrancy guard and checks the module pause switch.
func (e *Engine) enter() (func(), error) {
	release, err := e.guard.Enter()
	if err != nil {
		return nil, ErrReentrantCall
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) reject(op string, err error) error {
	metrics.Market().ObserveRejected(op, Reason(err))
	return err
}

// stage is one operation's open write unit. Any exit that does not reach
// commit, a panic included, discards it through the deferred discard.
type stage struct {
	s    Stager
	done bool
}

func (e *Engine) beginStage() (*stage, error) {
	if e.stager == nil {
		return &stage{done: true}, nil
	}
	if err := e.stager.Begin(); err != nil {
		return nil, fmt.Errorf("market: begin settlement: %w", err)
	}
	return &stage{s: e.stager}, nil
}

func (st *stage) commit() error {
	if st.done {
		return nil
	}
	st.done = true
	if err := st.s.Commit(); err != nil {
		return fmt.Errorf("market: commit settlement: %w", err)
	}
	return nil
}

func (st *stage) discard() {
	if st.done {
		return
	}
	st.done = true
	st.s.Discard()
}

// abort rolls back every applied step and returns cause, joined with any
// rollback failure.
func (e *Engine) abort(ctx context.Context, op string, j *journal, cause error) error {
	if j.len() == 0 {
		return e.reject(op, cause)
	}
	undoErr := j.unwind(ctx)
	metrics.Market().ObserveRollback(op, undoErr == nil)
	if undoErr != nil {
		e.logger.Error("market settlement rollback failed",
			slog.String("op", op),
			slog.String("error", undoErr.Error()),
			slog.String("reason", cause.Error()))
		return e.reject(op, errors.Join(cause, undoErr))
	}
	e.logger.Warn("market settlement rolled back",
		slog.String("op", op),
		slog.String("reason", cause.Error()))
	return e.reject(op, cause)
}

// ListingFee returns the currently configured listing fee.
func (e *Engine) ListingFee() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return new(big.Int).Set(e.fee)
}

// SetListingFee replaces the listing fee. Only the operator may call it.
func (e *Engine) SetListingFee(caller [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	release, err := e.enter()
	if err != nil {
		return e.reject("set_fee", err)
	}
	defer release()
	if caller != e.operator {
		return e.reject("set_fee", ErrUnauthorized)
	}
	if amount == nil || amount.Sign() < 0 {
		return e.reject("set_fee", ErrInvalidFee)
	}
	fee := new(big.Int).Set(amount)
	if err := e.state.SetMarketListingFee(fee); err != nil {
		return fmt.Errorf("market: persist listing fee: %w", err)
	}
	e.mu.Lock()
	previous := e.fee
	e.fee = fee
	e.mu.Unlock()

	e.logger.Info("market listing fee updated",
		slog.String("previous", previous.String()),
		slog.String("fee", fee.String()))
	e.emit(NewListingFeeUpdatedEvent(e.operator, previous, fee))
	return nil
}

// CreateListing takes custody of assetID from caller and lists it at price.
// feePaid must equal the configured listing fee exactly. Either every effect
// (fee collection, custody transfer, fee forwarding, record) happens or none
// does.
func (e *Engine) CreateListing(ctx context.Context, caller, assetContract [20]byte, assetID *uint256.Int, price, feePaid *big.Int) (*Listing, error) {
	const op = "create"
	if err := e.ready(); err != nil {
		return nil, err
	}
	release, err := e.enter()
	if err != nil {
		return nil, e.reject(op, err)
	}
	defer release()

	if assetContract == ([20]byte{}) || assetID == nil {
		return nil, e.reject(op, ErrInvalidAsset)
	}
	custodian, ok := e.custodians.Custodian(assetContract)
	if !ok || custodian == nil {
		return nil, e.reject(op, rejectf(ErrInvalidAsset, "unknown contract %s", hex.EncodeToString(assetContract[:])))
	}
	if price == nil || price.Sign() <= 0 {
		return nil, e.reject(op, ErrInvalidPrice)
	}
	fee := e.ListingFee()
	if feePaid == nil || feePaid.Cmp(fee) != 0 {
		return nil, e.reject(op, rejectf(ErrInsufficientFee, "paid %s, fee is %s", formatAmount(feePaid), fee))
	}
	if err := e.checkCustody(ctx, custodian, caller, assetID); err != nil {
		return nil, e.reject(op, err)
	}

	st, err := e.beginStage()
	if err != nil {
		return nil, e.reject(op, err)
	}
	defer st.discard()

	var j journal
	if fee.Sign() > 0 {
		if err := e.rail.Transfer(ctx, caller, e.vault, fee); err != nil {
			return nil, e.abort(ctx, op, &j, transferFailed("collect listing fee", err))
		}
		j.record("collect listing fee", func(ctx context.Context) error {
			return e.rail.Transfer(ctx, e.vault, caller, fee)
		})
	}

	e.expectReceipt(assetContract, assetID, caller)
	err = custodian.TransferFrom(ctx, e.vault, caller, e.vault, assetID)
	e.clearReceipt()
	if err != nil {
		return nil, e.abort(ctx, op, &j, transferFailed("take custody", err))
	}
	j.record("take custody", func(ctx context.Context) error {
		return custodian.TransferFrom(ctx, e.vault, e.vault, caller, assetID)
	})

	if fee.Sign() > 0 {
		if err := e.rail.Transfer(ctx, e.vault, e.operator, fee); err != nil {
			return nil, e.abort(ctx, op, &j, transferFailed("forward listing fee", err))
		}
		j.record("forward listing fee", func(ctx context.Context) error {
			return e.rail.Transfer(ctx, e.operator, e.vault, fee)
		})
	}

	e.mu.Lock()
	counters := e.counters
	listing := &Listing{
		ID:            counters.NextID,
		AssetContract: assetContract,
		AssetID:       new(uint256.Int).Set(assetID),
		Seller:        caller,
		Price:         new(big.Int).Set(price),
		Status:        ListingStatusAvailable,
		CreatedAt:     e.now(),
	}
	next := Counters{NextID: counters.NextID + 1, Created: counters.Created + 1, Sold: counters.Sold}
	if err := e.state.ListingCommit(listing, next); err != nil {
		e.mu.Unlock()
		return nil, e.abort(ctx, op, &j, fmt.Errorf("market: persist listing: %w", err))
	}
	if err := st.commit(); err != nil {
		e.mu.Unlock()
		return nil, e.reject(op, err)
	}
	e.counters = next
	if err := e.index.insert(listing); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	available := e.index.availableCount()
	snapshot := listing.Clone()
	e.mu.Unlock()

	metrics.Market().ObserveListingCreated(fee)
	metrics.Market().SetAvailable(available)
	e.logger.Info("market listing created",
		slog.Uint64("listingId", snapshot.ID),
		slog.String("assetContract", hex.EncodeToString(assetContract[:])),
		slog.String("assetId", snapshot.AssetID.Dec()),
		slog.String("price", snapshot.Price.String()))
	e.emit(NewListingCreatedEvent(snapshot))
	return snapshot, nil
}

func (e *Engine) checkCustody(ctx context.Context, custodian AssetCustodian, caller [20]byte, assetID *uint256.Int) error {
	owner, err := custodian.OwnerOf(ctx, assetID)
	if err != nil {
		return rejectf(ErrNotOwnerOrNotApproved, "owner lookup: %v", err)
	}
	if owner != caller {
		return ErrNotOwnerOrNotApproved
	}
	approved, err := custodian.GetApproved(ctx, assetID)
	if err != nil {
		return rejectf(ErrNotOwnerOrNotApproved, "approval lookup: %v", err)
	}
	if approved == e.vault {
		return nil
	}
	all, err := custodian.IsApprovedForAll(ctx, caller, e.vault)
	if err != nil {
		return rejectf(ErrNotOwnerOrNotApproved, "operator lookup: %v", err)
	}
	if !all {
		return ErrNotOwnerOrNotApproved
	}
	return nil
}

// Purchase settles listingID to caller for payment, which must equal the
// listing price. Payment is collected into the vault, paid out to the seller,
// the sale is recorded and custody is released to the buyer. A failure at any
// step rolls back the steps already applied and leaves the listing available.
func (e *Engine) Purchase(ctx context.Context, caller [20]byte, listingID uint64, payment *big.Int) (*Listing, error) {
	const op = "purchase"
	if err := e.ready(); err != nil {
		return nil, err
	}
	release, err := e.enter()
	if err != nil {
		return nil, e.reject(op, err)
	}
	defer release()

	e.mu.RLock()
	stored, ok := e.index.get(listingID)
	var listing *Listing
	if ok {
		listing = stored.Clone()
	}
	counters := e.counters
	e.mu.RUnlock()

	if !ok {
		return nil, e.reject(op, ErrListingNotFound)
	}
	if !listing.Available() {
		return nil, e.reject(op, ErrAlreadySold)
	}
	if caller == listing.Seller {
		return nil, e.reject(op, ErrSelfPurchase)
	}
	if payment == nil || payment.Cmp(listing.Price) != 0 {
		return nil, e.reject(op, rejectf(ErrWrongPayment, "paid %s, price is %s", formatAmount(payment), listing.Price))
	}
	custodian, ok := e.custodians.Custodian(listing.AssetContract)
	if !ok || custodian == nil {
		return nil, e.reject(op, transferFailed("resolve custodian", fmt.Errorf("contract %s no longer registered", hex.EncodeToString(listing.AssetContract[:]))))
	}
	amount := new(big.Int).Set(listing.Price)
	seller := listing.Seller

	st, err := e.beginStage()
	if err != nil {
		return nil, e.reject(op, err)
	}
	defer st.discard()

	var j journal
	if err := e.rail.Transfer(ctx, caller, e.vault, amount); err != nil {
		return nil, e.abort(ctx, op, &j, transferFailed("collect payment", err))
	}
	j.record("collect payment", func(ctx context.Context) error {
		return e.rail.Transfer(ctx, e.vault, caller, amount)
	})
	if err := e.rail.Transfer(ctx, e.vault, seller, amount); err != nil {
		return nil, e.abort(ctx, op, &j, transferFailed("pay seller", err))
	}
	j.record("pay seller", func(ctx context.Context) error {
		return e.rail.Transfer(ctx, seller, e.vault, amount)
	})

	settled := listing.Clone()
	settled.Owner = caller
	settled.Status = ListingStatusSold
	settled.SoldAt = e.now()
	next := Counters{NextID: counters.NextID, Created: counters.Created, Sold: counters.Sold + 1}
	if err := e.state.ListingCommit(settled, next); err != nil {
		return nil, e.abort(ctx, op, &j, fmt.Errorf("market: persist sale: %w", err))
	}
	j.record("record sale", func(context.Context) error {
		return e.state.ListingCommit(listing, counters)
	})

	if err := custodian.TransferFrom(ctx, e.vault, e.vault, caller, listing.AssetID); err != nil {
		return nil, e.abort(ctx, op, &j, transferFailed("release custody", err))
	}
	if err := st.commit(); err != nil {
		return nil, e.reject(op, err)
	}

	e.mu.Lock()
	e.counters = next
	if err := e.index.settle(settled); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	available := e.index.availableCount()
	e.mu.Unlock()

	snapshot := settled.Clone()
	metrics.Market().ObservePurchase(amount)
	metrics.Market().SetAvailable(available)
	e.logger.Info("market listing purchased",
		slog.Uint64("listingId", snapshot.ID),
		slog.String("price", snapshot.Price.String()))
	e.emit(NewListingPurchasedEvent(snapshot))
	return snapshot, nil
}

// OnAssetReceived acknowledges inbound custody transfers. Only the transfer a
// CreateListing call is currently waiting for is accepted; anything else would
// strand an asset in the vault without a listing.
func (e *Engine) OnAssetReceived(_ context.Context, operator, from, contract [20]byte, assetID *uint256.Int) error {
	if operator != e.vault || assetID == nil {
		return ErrUnexpectedReceipt
	}
	e.receiptMu.Lock()
	defer e.receiptMu.Unlock()
	if e.receipt == nil || e.receipt.contract != contract || e.receipt.from != from || !e.receipt.assetID.Eq(assetID) {
		return ErrUnexpectedReceipt
	}
	return nil
}

func (e *Engine) expectReceipt(contract [20]byte, assetID *uint256.Int, from [20]byte) {
	e.receiptMu.Lock()
	e.receipt = &pendingReceipt{contract: contract, assetID: *assetID, from: from}
	e.receiptMu.Unlock()
}

func (e *Engine) clearReceipt() {
	e.receiptMu.Lock()
	e.receipt = nil
	e.receiptMu.Unlock()
}

// Listing returns a copy of the listing with the given identifier.
func (e *Engine) Listing(id uint64) (*Listing, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l, ok := e.index.get(id)
	if !ok {
		return nil, ErrListingNotFound
	}
	return l.Clone(), nil
}

// AvailableListings returns every listing that can still be purchased, in
// ascending identifier order.
func (e *Engine) AvailableListings() []*Listing {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index.snapshot(e.index.available)
}

// ListingsPurchasedBy returns the listings account has bought, in ascending
// identifier order.
func (e *Engine) ListingsPurchasedBy(account [20]byte) []*Listing {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index.snapshot(e.index.byOwner[account])
}

// ListingsCreatedBy returns the listings account has created, in ascending
// identifier order.
func (e *Engine) ListingsCreatedBy(account [20]byte) []*Listing {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index.snapshot(e.index.bySeller[account])
}

// Stats reports the ledger tallies.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Created:   e.counters.Created,
		Sold:      e.counters.Sold,
		Available: uint64(e.index.availableCount()),
	}
}
