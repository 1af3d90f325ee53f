package bank

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"nftmarket/core/events"
	"nftmarket/core/types"
)

const EventTypeTransfer = "bank.transfer"

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrInvalidAmount       = errors.New("bank: amount must be non-negative")
	ErrSelfTransfer        = errors.New("bank: sender and recipient must differ")
)

type accountState interface {
	Account(addr [20]byte) (*types.Account, error)
	CommitAccounts(accounts map[[20]byte]*types.Account) error
}

// Rail moves native balances between accounts. Every debit and its matching
// credit are persisted in one batch.
type Rail struct {
	mu      sync.Mutex
	state   accountState
	emitter events.Emitter
}

// NewRail returns a rail backed by state.
func NewRail(state accountState) *Rail {
	return &Rail{state: state, emitter: events.NoopEmitter{}}
}

// SetEmitter configures where transfer events are published. Passing nil
// restores the no-op emitter.
func (r *Rail) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.emitter = emitter
}

// Transfer debits from and credits to. Zero amounts succeed without touching
// state.
func (r *Rail) Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	if from == to {
		return ErrSelfTransfer
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	sender, err := r.state.Account(from)
	if err != nil {
		return fmt.Errorf("bank: load sender: %w", err)
	}
	sender = sender.EnsureBalance()
	if sender.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, sender.Balance, amount)
	}
	recipient, err := r.state.Account(to)
	if err != nil {
		return fmt.Errorf("bank: load recipient: %w", err)
	}
	recipient = recipient.EnsureBalance()

	sender.Balance = new(big.Int).Sub(sender.Balance, amount)
	recipient.Balance = new(big.Int).Add(recipient.Balance, amount)
	if err := r.state.CommitAccounts(map[[20]byte]*types.Account{from: sender, to: recipient}); err != nil {
		return fmt.Errorf("bank: commit transfer: %w", err)
	}
	r.emitter.Emit(transferEvent{evt: &types.Event{
		Type: EventTypeTransfer,
		Attributes: map[string]string{
			"from":   hex.EncodeToString(from[:]),
			"to":     hex.EncodeToString(to[:]),
			"amount": amount.String(),
		},
	}})
	return nil
}

// Credit mints amount into addr. It is used for genesis funding only.
func (r *Rail) Credit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, err := r.state.Account(addr)
	if err != nil {
		return err
	}
	acc = acc.EnsureBalance()
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return r.state.CommitAccounts(map[[20]byte]*types.Account{addr: acc})
}

// Balance returns the current balance of addr.
func (r *Rail) Balance(addr [20]byte) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, err := r.state.Account(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.EnsureBalance().Balance), nil
}

type transferEvent struct {
	evt *types.Event
}

func (e transferEvent) EventType() string { return e.evt.Type }

func (e transferEvent) Event() *types.Event { return e.evt }
