package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"nftmarket/native/market"
	"nftmarket/storage"
)

func listingStorageKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return prefixedKey(listingRecordPrefix, buf[:])
}

type storedListing struct {
	ID            uint64
	AssetContract [20]byte
	AssetID       *big.Int
	Seller        [20]byte
	Owner         [20]byte
	Price         *big.Int
	Status        uint8
	CreatedAt     uint64
	SoldAt        uint64
}

func newStoredListing(l *market.Listing) *storedListing {
	if l == nil {
		return nil
	}
	price := big.NewInt(0)
	if l.Price != nil {
		price = new(big.Int).Set(l.Price)
	}
	assetID := big.NewInt(0)
	if l.AssetID != nil {
		assetID = l.AssetID.ToBig()
	}
	return &storedListing{
		ID:            l.ID,
		AssetContract: l.AssetContract,
		AssetID:       assetID,
		Seller:        l.Seller,
		Owner:         l.Owner,
		Price:         price,
		Status:        uint8(l.Status),
		CreatedAt:     uint64(l.CreatedAt),
		SoldAt:        uint64(l.SoldAt),
	}
}

func (s *storedListing) toListing() (*market.Listing, error) {
	if s == nil {
		return nil, fmt.Errorf("market: nil storage record")
	}
	out := &market.Listing{
		ID:            s.ID,
		AssetContract: s.AssetContract,
		AssetID:       new(uint256.Int),
		Seller:        s.Seller,
		Owner:         s.Owner,
		Price:         big.NewInt(0),
		Status:        market.ListingStatus(s.Status),
		CreatedAt:     int64(s.CreatedAt),
		SoldAt:        int64(s.SoldAt),
	}
	if s.AssetID != nil {
		if overflow := out.AssetID.SetFromBig(s.AssetID); overflow {
			return nil, fmt.Errorf("market: listing %d asset id overflows 256 bits", s.ID)
		}
	}
	if s.Price != nil {
		out.Price = new(big.Int).Set(s.Price)
	}
	return market.SanitizeListing(out)
}

type storedCounters struct {
	NextID  uint64
	Created uint64
	Sold    uint64
}

// ListingGet loads the listing with the given identifier.
func (m *Manager) ListingGet(id uint64) (*market.Listing, bool, error) {
	var record storedListing
	ok, err := m.get(listingStorageKey(id), &record)
	if err != nil || !ok {
		return nil, ok, err
	}
	listing, err := record.toListing()
	if err != nil {
		return nil, false, err
	}
	return listing, true, nil
}

// ListingCommit writes the listing record and the ledger counters in one
// batch so a crash can never separate them.
func (m *Manager) ListingCommit(listing *market.Listing, counters market.Counters) error {
	sanitized, err := market.SanitizeListing(listing)
	if err != nil {
		return err
	}
	batch := new(storage.Batch)
	if err := queue(batch, listingStorageKey(sanitized.ID), newStoredListing(sanitized)); err != nil {
		return err
	}
	stored := storedCounters{NextID: counters.NextID, Created: counters.Created, Sold: counters.Sold}
	if err := queue(batch, kvKey(marketCountersKey), &stored); err != nil {
		return err
	}
	return m.db.Write(batch)
}

// MarketCounters returns the persisted ledger counters, zero for a fresh
// database.
func (m *Manager) MarketCounters() (market.Counters, error) {
	var stored storedCounters
	if _, err := m.get(kvKey(marketCountersKey), &stored); err != nil {
		return market.Counters{}, err
	}
	return market.Counters{NextID: stored.NextID, Created: stored.Created, Sold: stored.Sold}, nil
}

// MarketListingFee returns the fee last set by the operator. The boolean is
// false when no fee has been persisted yet.
func (m *Manager) MarketListingFee() (*big.Int, bool, error) {
	fee := new(big.Int)
	ok, err := m.get(kvKey(marketFeeKey), fee)
	if err != nil || !ok {
		return nil, ok, err
	}
	return fee, true, nil
}

// SetMarketListingFee persists the listing fee.
func (m *Manager) SetMarketListingFee(fee *big.Int) error {
	if fee == nil || fee.Sign() < 0 {
		return fmt.Errorf("market: listing fee must be non-negative")
	}
	return m.KVPut(marketFeeKey, fee)
}
