package market

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// FirstListingID is the identifier assigned to the first listing a ledger
// creates. Identifiers are never reused.
const FirstListingID uint64 = 1

// ListingStatus is the settlement state of a listing. The zero value is not a
// valid persisted state, so an unset record can never be mistaken for an
// available one.
type ListingStatus uint8

const (
	ListingStatusUnknown ListingStatus = iota
	ListingStatusAvailable
	ListingStatusSold
)

// Valid reports whether the status can be persisted.
func (s ListingStatus) Valid() bool {
	switch s {
	case ListingStatusAvailable, ListingStatusSold:
		return true
	default:
		return false
	}
}

func (s ListingStatus) String() string {
	switch s {
	case ListingStatusAvailable:
		return "available"
	case ListingStatusSold:
		return "sold"
	default:
		return "unknown"
	}
}

// Listing is one asset held in escrow for sale. Owner stays zero until the
// listing settles.
type Listing struct {
	ID            uint64
	AssetContract [20]byte
	AssetID       *uint256.Int
	Seller        [20]byte
	Owner         [20]byte
	Price         *big.Int
	Status        ListingStatus
	CreatedAt     int64
	SoldAt        int64
}

// Clone returns a deep copy of the listing so callers can safely mutate the
// copy without affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	if l.AssetID != nil {
		clone.AssetID = new(uint256.Int).Set(l.AssetID)
	} else {
		clone.AssetID = new(uint256.Int)
	}
	if l.Price != nil {
		clone.Price = new(big.Int).Set(l.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// Available reports whether the listing can still be purchased.
func (l *Listing) Available() bool {
	return l != nil && l.Status == ListingStatusAvailable && l.Owner == ([20]byte{})
}

// Sold reports whether the listing has settled.
func (l *Listing) Sold() bool {
	return l != nil && l.Status == ListingStatusSold
}

// SanitizeListing validates a listing loaded from or bound for storage and
// returns a normalised clone.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("market: nil listing")
	}
	clone := l.Clone()
	if clone.ID < FirstListingID {
		return nil, fmt.Errorf("market: listing id %d below base %d", clone.ID, FirstListingID)
	}
	if clone.AssetContract == ([20]byte{}) {
		return nil, fmt.Errorf("market: listing %d has no asset contract", clone.ID)
	}
	if clone.Price.Sign() <= 0 {
		return nil, fmt.Errorf("market: listing %d price must be positive", clone.ID)
	}
	switch clone.Status {
	case ListingStatusAvailable:
		if clone.Owner != ([20]byte{}) {
			return nil, fmt.Errorf("market: available listing %d has an owner", clone.ID)
		}
	case ListingStatusSold:
		if clone.Owner == ([20]byte{}) {
			return nil, fmt.Errorf("market: sold listing %d has no owner", clone.ID)
		}
	default:
		return nil, fmt.Errorf("market: invalid listing status: %d", clone.Status)
	}
	return clone, nil
}

// Counters are the ledger-wide sequence and tally values persisted alongside
// the listings.
type Counters struct {
	NextID  uint64
	Created uint64
	Sold    uint64
}

// Normalize fills in the identifier base for a fresh ledger.
func (c Counters) Normalize() Counters {
	if c.NextID < FirstListingID {
		c.NextID = FirstListingID
	}
	return c
}

// Stats summarises the ledger. Available always equals Created - Sold.
type Stats struct {
	Created   uint64 `json:"created"`
	Sold      uint64 `json:"sold"`
	Available uint64 `json:"available"`
}
