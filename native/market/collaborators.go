package market

import (
	"context"
	"math/big"

	"github.com/holiman/uint256"
)

// AssetCustodian is the canonical record keeper for one asset contract.
// TransferFrom must fail when the operator is not authorised to move the
// asset out of from.
type AssetCustodian interface {
	OwnerOf(ctx context.Context, assetID *uint256.Int) ([20]byte, error)
	GetApproved(ctx context.Context, assetID *uint256.Int) ([20]byte, error)
	IsApprovedForAll(ctx context.Context, owner, operator [20]byte) (bool, error)
	TransferFrom(ctx context.Context, operator, from, to [20]byte, assetID *uint256.Int) error
}

// CustodianDirectory resolves an asset contract reference to its custodian.
type CustodianDirectory interface {
	Custodian(contract [20]byte) (AssetCustodian, bool)
}

// CustodianFunc adapts a lookup function to CustodianDirectory.
type CustodianFunc func(contract [20]byte) (AssetCustodian, bool)

// Custodian implements CustodianDirectory.
func (f CustodianFunc) Custodian(contract [20]byte) (AssetCustodian, bool) {
	if f == nil {
		return nil, false
	}
	return f(contract)
}

// PaymentRail moves native currency between accounts and reports every
// failure explicitly.
type PaymentRail interface {
	Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) error
}

// engineState is the persistence surface used by the engine. Implementations
// must apply ListingCommit atomically.
type engineState interface {
	ListingGet(id uint64) (*Listing, bool, error)
	ListingCommit(listing *Listing, counters Counters) error
	MarketCounters() (Counters, error)
	MarketListingFee() (*big.Int, bool, error)
	SetMarketListingFee(fee *big.Int) error
}

// Stager groups the store writes of one operation, including those made by
// collaborators sharing the store, so they become durable together. A
// discarded stage leaves nothing behind.
type Stager interface {
	Begin() error
	Commit() error
	Discard()
}
