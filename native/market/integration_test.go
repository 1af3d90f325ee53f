package market_test

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"nftmarket/core/state"
	"nftmarket/native/bank"
	"nftmarket/native/market"
	"nftmarket/native/nft"
	"nftmarket/storage"
)

func address(fill byte) [20]byte {
	var a [20]byte
	copy(a[:], bytes.Repeat([]byte{fill}, 20))
	return a
}

type node struct {
	db       storage.Database
	state    *state.Manager
	registry *nft.Registry
	rail     *bank.Rail
	engine   *market.Engine
}

func startNode(t *testing.T, db storage.Database, operator, vault [20]byte) *node {
	t.Helper()
	mgr := state.NewManager(db)
	registry := nft.NewRegistry(mgr)
	_, err := registry.Register(address(0xAA), "Genesis Art")
	require.NoError(t, err)
	rail := bank.NewRail(mgr)

	engine, err := market.NewEngine(market.Config{Operator: operator, Vault: vault})
	require.NoError(t, err)
	engine.SetState(mgr)
	engine.SetCustodians(registry)
	engine.SetPaymentRail(rail)
	registry.SetReceiver(vault, engine)
	require.NoError(t, engine.Load())
	return &node{db: db, state: mgr, registry: registry, rail: rail, engine: engine}
}

func balance(t *testing.T, rail *bank.Rail, who [20]byte) int64 {
	t.Helper()
	bal, err := rail.Balance(who)
	require.NoError(t, err)
	return bal.Int64()
}

func TestEndToEndSaleAcrossRestart(t *testing.T) {
	ctx := context.Background()
	operator, vault := address(0x0F), address(0xEE)
	seller, buyer := address(0x01), address(0x02)
	contract := address(0xAA)
	db := storage.NewMemDB()

	n := startNode(t, db, operator, vault)
	require.NoError(t, n.rail.Credit(seller, big.NewInt(50)))
	require.NoError(t, n.rail.Credit(buyer, big.NewInt(500)))
	require.NoError(t, n.registry.Mint(contract, seller, uint256.NewInt(7)))
	collection, ok := n.registry.Collection(contract)
	require.True(t, ok)
	require.NoError(t, collection.Approve(seller, vault, uint256.NewInt(7)))

	require.NoError(t, n.engine.SetListingFee(operator, big.NewInt(10)))
	listing, err := n.engine.CreateListing(ctx, seller, contract, uint256.NewInt(7), big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)
	require.Equal(t, uint64(1), listing.ID)
	require.Equal(t, int64(10), balance(t, n.rail, operator))
	require.Equal(t, int64(40), balance(t, n.rail, seller))

	owner, err := collection.OwnerOf(ctx, uint256.NewInt(7))
	require.NoError(t, err)
	require.Equal(t, vault, owner)

	// A restarted node picks up the open listing, the fee and custody.
	n = startNode(t, db, operator, vault)
	require.Equal(t, int64(10), n.engine.ListingFee().Int64())
	require.Len(t, n.engine.AvailableListings(), 1)

	_, err = n.engine.Purchase(ctx, buyer, 1, big.NewInt(99))
	require.ErrorIs(t, err, market.ErrInvalidInput)

	sold, err := n.engine.Purchase(ctx, buyer, 1, big.NewInt(100))
	require.NoError(t, err)
	require.True(t, sold.Sold())
	require.Equal(t, buyer, sold.Owner)
	require.Equal(t, int64(140), balance(t, n.rail, seller))
	require.Equal(t, int64(400), balance(t, n.rail, buyer))
	require.Zero(t, balance(t, n.rail, vault))

	collection, _ = n.registry.Collection(contract)
	owner, err = collection.OwnerOf(ctx, uint256.NewInt(7))
	require.NoError(t, err)
	require.Equal(t, buyer, owner)

	n = startNode(t, db, operator, vault)
	require.Equal(t, market.Stats{Created: 1, Sold: 1, Available: 0}, n.engine.Stats())
	require.Len(t, n.engine.ListingsPurchasedBy(buyer), 1)
}

func TestEndToEndUnfundedBuyerKeepsListing(t *testing.T) {
	ctx := context.Background()
	operator, vault := address(0x0F), address(0xEE)
	seller, buyer := address(0x01), address(0x02)
	contract := address(0xAA)

	n := startNode(t, storage.NewMemDB(), operator, vault)
	require.NoError(t, n.registry.Mint(contract, seller, uint256.NewInt(1)))
	collection, _ := n.registry.Collection(contract)
	require.NoError(t, collection.SetApprovalForAll(seller, vault, true))
	_, err := n.engine.CreateListing(ctx, seller, contract, uint256.NewInt(1), big.NewInt(30), big.NewInt(0))
	require.NoError(t, err)

	require.NoError(t, n.rail.Credit(buyer, big.NewInt(29)))
	_, err = n.engine.Purchase(ctx, buyer, 1, big.NewInt(30))
	require.ErrorIs(t, err, market.ErrTransferFailed)
	require.True(t, errors.Is(err, bank.ErrInsufficientBalance))

	listing, err := n.engine.Listing(1)
	require.NoError(t, err)
	require.True(t, listing.Available())
	owner, err := collection.OwnerOf(ctx, uint256.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, vault, owner)
}

func TestEndToEndDirectDepositIntoVaultRejected(t *testing.T) {
	operator, vault := address(0x0F), address(0xEE)
	stranger := address(0x05)
	contract := address(0xAA)

	n := startNode(t, storage.NewMemDB(), operator, vault)
	require.NoError(t, n.registry.Mint(contract, stranger, uint256.NewInt(4)))
	collection, _ := n.registry.Collection(contract)
	err := collection.TransferFrom(context.Background(), stranger, stranger, vault, uint256.NewInt(4))
	require.ErrorIs(t, err, nft.ErrReceiverRejected)
	require.ErrorIs(t, err, market.ErrUnexpectedReceipt)
}

// panickingRail wraps a rail and panics on the first transfer matching from
// and to, after every earlier leg has already been applied.
type panickingRail struct {
	market.PaymentRail
	from, to [20]byte
}

func (r *panickingRail) Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) error {
	if from == r.from && to == r.to {
		panic("rail crashed mid-settlement")
	}
	return r.PaymentRail.Transfer(ctx, from, to, amount)
}

func TestEndToEndCrashMidPurchaseLeavesNoPartialSettlement(t *testing.T) {
	ctx := context.Background()
	operator, vault := address(0x0F), address(0xEE)
	seller, buyer := address(0x01), address(0x02)
	contract := address(0xAA)
	db := storage.NewMemDB()

	n := startNode(t, db, operator, vault)
	require.NoError(t, n.rail.Credit(seller, big.NewInt(50)))
	require.NoError(t, n.rail.Credit(buyer, big.NewInt(500)))
	require.NoError(t, n.registry.Mint(contract, seller, uint256.NewInt(7)))
	collection, _ := n.registry.Collection(contract)
	require.NoError(t, collection.Approve(seller, vault, uint256.NewInt(7)))
	require.NoError(t, n.engine.SetListingFee(operator, big.NewInt(10)))
	_, err := n.engine.CreateListing(ctx, seller, contract, uint256.NewInt(7), big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)

	// The buyer's payment reaches the vault, then the payout leg blows up.
	n.engine.SetPaymentRail(&panickingRail{PaymentRail: n.rail, from: vault, to: seller})
	require.Panics(t, func() {
		_, _ = n.engine.Purchase(ctx, buyer, 1, big.NewInt(100))
	})

	// The crashed process never wrote the collected payment.
	require.Equal(t, int64(500), balance(t, n.rail, buyer))
	require.Zero(t, balance(t, n.rail, vault))

	n = startNode(t, db, operator, vault)
	require.Equal(t, int64(500), balance(t, n.rail, buyer))
	require.Zero(t, balance(t, n.rail, vault))
	require.Equal(t, int64(40), balance(t, n.rail, seller))
	require.Equal(t, market.Stats{Created: 1, Sold: 0, Available: 1}, n.engine.Stats())
	collection, _ = n.registry.Collection(contract)
	owner, err := collection.OwnerOf(ctx, uint256.NewInt(7))
	require.NoError(t, err)
	require.Equal(t, vault, owner)

	// The restarted ledger settles the same listing normally.
	sold, err := n.engine.Purchase(ctx, buyer, 1, big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, buyer, sold.Owner)
	require.Equal(t, int64(140), balance(t, n.rail, seller))
	require.Equal(t, int64(400), balance(t, n.rail, buyer))
}

func TestEndToEndCrashMidListingLeavesNoPartialSettlement(t *testing.T) {
	ctx := context.Background()
	operator, vault := address(0x0F), address(0xEE)
	seller := address(0x01)
	contract := address(0xAA)
	db := storage.NewMemDB()

	n := startNode(t, db, operator, vault)
	require.NoError(t, n.rail.Credit(seller, big.NewInt(50)))
	require.NoError(t, n.registry.Mint(contract, seller, uint256.NewInt(7)))
	collection, _ := n.registry.Collection(contract)
	require.NoError(t, collection.SetApprovalForAll(seller, vault, true))
	require.NoError(t, n.engine.SetListingFee(operator, big.NewInt(10)))

	// Fee collected and custody taken, then forwarding the fee blows up.
	n.engine.SetPaymentRail(&panickingRail{PaymentRail: n.rail, from: vault, to: operator})
	require.Panics(t, func() {
		_, _ = n.engine.CreateListing(ctx, seller, contract, uint256.NewInt(7), big.NewInt(100), big.NewInt(10))
	})

	n = startNode(t, db, operator, vault)
	require.Equal(t, int64(50), balance(t, n.rail, seller))
	require.Zero(t, balance(t, n.rail, vault))
	require.Zero(t, balance(t, n.rail, operator))
	require.Equal(t, market.Stats{}, n.engine.Stats())
	collection, _ = n.registry.Collection(contract)
	owner, err := collection.OwnerOf(ctx, uint256.NewInt(7))
	require.NoError(t, err)
	require.Equal(t, seller, owner)
}
