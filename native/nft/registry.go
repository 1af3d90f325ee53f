package nft

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/holiman/uint256"

	"nftmarket/core/events"
	"nftmarket/core/types"
	"nftmarket/native/market"
)

const EventTypeTransfer = "nft.transfer"

var (
	ErrNonexistentToken  = errors.New("nft: nonexistent token")
	ErrTokenExists       = errors.New("nft: token already minted")
	ErrIncorrectOwner    = errors.New("nft: transfer from incorrect owner")
	ErrNotAuthorized     = errors.New("nft: caller is not token owner or approved")
	ErrInvalidRecipient  = errors.New("nft: invalid recipient")
	ErrUnknownCollection = errors.New("nft: unknown collection")
	ErrReceiverRejected  = errors.New("nft: receiver rejected transfer")
	ErrCollectionExists  = errors.New("nft: collection already registered")
	ErrInvalidCollection = errors.New("nft: invalid collection")
	ErrApproveToOwner    = errors.New("nft: approval to current owner")
	ErrApproveToCaller   = errors.New("nft: approve to caller")
)

// Receiver is notified when a token lands on its account. A non-nil error
// reverts the transfer.
type Receiver interface {
	OnAssetReceived(ctx context.Context, operator, from, contract [20]byte, tokenID *uint256.Int) error
}

type ownerStore interface {
	NFTOwner(contract [20]byte, tokenID *uint256.Int) ([20]byte, bool, error)
	SetNFTOwner(contract [20]byte, tokenID *uint256.Int, owner [20]byte) error
}

// Registry holds every collection known to the node and the receiver hooks
// registered for contract accounts.
type Registry struct {
	mu          sync.RWMutex
	store       ownerStore
	collections map[[20]byte]*Collection
	receivers   map[[20]byte]Receiver
	emitter     events.Emitter
}

// NewRegistry creates a registry persisting ownership through store. A nil
// store keeps ownership in memory.
func NewRegistry(store ownerStore) *Registry {
	if store == nil {
		store = newMemoryOwners()
	}
	return &Registry{
		store:       store,
		collections: make(map[[20]byte]*Collection),
		receivers:   make(map[[20]byte]Receiver),
		emitter:     events.NoopEmitter{},
	}
}

// SetEmitter configures where transfer events are published.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.mu.Lock()
	r.emitter = emitter
	r.mu.Unlock()
}

// Register creates a collection under contract.
func (r *Registry) Register(contract [20]byte, name string) (*Collection, error) {
	if contract == ([20]byte{}) {
		return nil, ErrInvalidCollection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.collections[contract]; exists {
		return nil, fmt.Errorf("%w: %s", ErrCollectionExists, hex.EncodeToString(contract[:]))
	}
	c := &Collection{
		contract:  contract,
		name:      strings.TrimSpace(name),
		registry:  r,
		approvals: make(map[uint256.Int][20]byte),
		operators: make(map[[20]byte]map[[20]byte]bool),
	}
	r.collections[contract] = c
	return c, nil
}

// Mint creates tokenID in the collection registered under contract.
func (r *Registry) Mint(contract, to [20]byte, tokenID *uint256.Int) error {
	c, ok := r.Collection(contract)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, hex.EncodeToString(contract[:]))
	}
	return c.Mint(to, tokenID)
}

// Collection returns the collection registered under contract.
func (r *Registry) Collection(contract [20]byte) (*Collection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collections[contract]
	return c, ok
}

// Custodian implements market.CustodianDirectory.
func (r *Registry) Custodian(contract [20]byte) (market.AssetCustodian, bool) {
	c, ok := r.Collection(contract)
	if !ok {
		return nil, false
	}
	return c, true
}

// SetReceiver registers the hook invoked when account receives a token.
// Passing nil removes the hook.
func (r *Registry) SetReceiver(account [20]byte, receiver Receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if receiver == nil {
		delete(r.receivers, account)
		return
	}
	r.receivers[account] = receiver
}

func (r *Registry) receiver(account [20]byte) (Receiver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recv, ok := r.receivers[account]
	return recv, ok
}

func (r *Registry) emit(evt *types.Event) {
	r.mu.RLock()
	emitter := r.emitter
	r.mu.RUnlock()
	emitter.Emit(nftEvent{evt: evt})
}

// Collection is a single non-fungible token contract. Ownership is persisted
// through the registry store; approvals live in memory and are cleared on
// every transfer.
type Collection struct {
	contract [20]byte
	name     string
	registry *Registry

	mu        sync.Mutex
	approvals map[uint256.Int][20]byte
	operators map[[20]byte]map[[20]byte]bool
}

// Contract returns the collection address.
func (c *Collection) Contract() [20]byte { return c.contract }

// Name returns the display name supplied at registration.
func (c *Collection) Name() string { return c.name }

func (c *Collection) ownerLocked(tokenID *uint256.Int) ([20]byte, error) {
	owner, ok, err := c.registry.store.NFTOwner(c.contract, tokenID)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok || owner == ([20]byte{}) {
		return [20]byte{}, fmt.Errorf("%w: %s", ErrNonexistentToken, tokenID.Dec())
	}
	return owner, nil
}

// Mint creates tokenID owned by to.
func (c *Collection) Mint(to [20]byte, tokenID *uint256.Int) error {
	if tokenID == nil {
		return ErrNonexistentToken
	}
	if to == ([20]byte{}) {
		return ErrInvalidRecipient
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ownerLocked(tokenID); err == nil {
		return fmt.Errorf("%w: %s", ErrTokenExists, tokenID.Dec())
	} else if !errors.Is(err, ErrNonexistentToken) {
		return err
	}
	return c.registry.store.SetNFTOwner(c.contract, tokenID, to)
}

// OwnerOf returns the current owner of tokenID.
func (c *Collection) OwnerOf(_ context.Context, tokenID *uint256.Int) ([20]byte, error) {
	if tokenID == nil {
		return [20]byte{}, ErrNonexistentToken
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownerLocked(tokenID)
}

// GetApproved returns the single-token approval for tokenID, zero when unset.
func (c *Collection) GetApproved(_ context.Context, tokenID *uint256.Int) ([20]byte, error) {
	if tokenID == nil {
		return [20]byte{}, ErrNonexistentToken
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ownerLocked(tokenID); err != nil {
		return [20]byte{}, err
	}
	return c.approvals[*tokenID], nil
}

// IsApprovedForAll reports whether operator may move every token of owner.
func (c *Collection) IsApprovedForAll(_ context.Context, owner, operator [20]byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.operators[owner][operator], nil
}

// Approve lets spender move tokenID. caller must be the owner or one of the
// owner's operators. A zero spender clears the approval.
func (c *Collection) Approve(caller, spender [20]byte, tokenID *uint256.Int) error {
	if tokenID == nil {
		return ErrNonexistentToken
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, err := c.ownerLocked(tokenID)
	if err != nil {
		return err
	}
	if spender == owner {
		return ErrApproveToOwner
	}
	if caller != owner && !c.operators[owner][caller] {
		return ErrNotAuthorized
	}
	if spender == ([20]byte{}) {
		delete(c.approvals, *tokenID)
		return nil
	}
	c.approvals[*tokenID] = spender
	return nil
}

// SetApprovalForAll grants or revokes operator over every token of owner.
func (c *Collection) SetApprovalForAll(owner, operator [20]byte, approved bool) error {
	if owner == operator {
		return ErrApproveToCaller
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ops := c.operators[owner]
	if ops == nil {
		ops = make(map[[20]byte]bool)
		c.operators[owner] = ops
	}
	if approved {
		ops[operator] = true
	} else {
		delete(ops, operator)
	}
	return nil
}

// TransferFrom moves tokenID from from to to on behalf of operator. When to
// has a registered Receiver its hook runs after the move, without the
// collection lock held, and a hook error reverts the move.
func (c *Collection) TransferFrom(ctx context.Context, operator, from, to [20]byte, tokenID *uint256.Int) error {
	if tokenID == nil {
		return ErrNonexistentToken
	}
	if to == ([20]byte{}) {
		return ErrInvalidRecipient
	}
	c.mu.Lock()
	owner, err := c.ownerLocked(tokenID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if owner != from {
		c.mu.Unlock()
		return ErrIncorrectOwner
	}
	approved, hadApproval := c.approvals[*tokenID]
	if operator != owner && approved != operator && !c.operators[owner][operator] {
		c.mu.Unlock()
		return ErrNotAuthorized
	}
	if err := c.registry.store.SetNFTOwner(c.contract, tokenID, to); err != nil {
		c.mu.Unlock()
		return err
	}
	delete(c.approvals, *tokenID)
	c.mu.Unlock()

	if recv, ok := c.registry.receiver(to); ok {
		if hookErr := recv.OnAssetReceived(ctx, operator, from, c.contract, tokenID); hookErr != nil {
			if err := c.revert(tokenID, from, to, approved, hadApproval); err != nil {
				return errors.Join(fmt.Errorf("%w: %w", ErrReceiverRejected, hookErr), err)
			}
			return fmt.Errorf("%w: %w", ErrReceiverRejected, hookErr)
		}
	}
	c.registry.emit(&types.Event{
		Type: EventTypeTransfer,
		Attributes: map[string]string{
			"contract": hex.EncodeToString(c.contract[:]),
			"tokenId":  tokenID.Dec(),
			"from":     hex.EncodeToString(from[:]),
			"to":       hex.EncodeToString(to[:]),
		},
	})
	return nil
}

func (c *Collection) revert(tokenID *uint256.Int, from, to, approved [20]byte, hadApproval bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, err := c.ownerLocked(tokenID)
	if err != nil {
		return err
	}
	if owner != to {
		return fmt.Errorf("nft: token %s moved during receiver hook", tokenID.Dec())
	}
	if err := c.registry.store.SetNFTOwner(c.contract, tokenID, from); err != nil {
		return err
	}
	if hadApproval {
		c.approvals[*tokenID] = approved
	}
	return nil
}

type nftEvent struct {
	evt *types.Event
}

func (e nftEvent) EventType() string { return e.evt.Type }

func (e nftEvent) Event() *types.Event { return e.evt }

type memoryOwners struct {
	mu     sync.RWMutex
	owners map[[20]byte]map[uint256.Int][20]byte
}

func newMemoryOwners() *memoryOwners {
	return &memoryOwners{owners: make(map[[20]byte]map[uint256.Int][20]byte)}
}

func (m *memoryOwners) NFTOwner(contract [20]byte, tokenID *uint256.Int) ([20]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.owners[contract][*tokenID]
	return owner, ok, nil
}

func (m *memoryOwners) SetNFTOwner(contract [20]byte, tokenID *uint256.Int, owner [20]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tokens := m.owners[contract]
	if tokens == nil {
		tokens = make(map[uint256.Int][20]byte)
		m.owners[contract] = tokens
	}
	tokens[*tokenID] = owner
	return nil
}
