package market

import (
	"fmt"
	"slices"
)

// listingIndex holds every committed listing plus the secondary indices the
// enumeration views read. Identifiers are appended in ascending order because
// the ledger assigns them monotonically, so only availability removal needs a
// search.
type listingIndex struct {
	listings  map[uint64]*Listing
	available []uint64
	bySeller  map[[20]byte][]uint64
	byOwner   map[[20]byte][]uint64
}

func newListingIndex() *listingIndex {
	return &listingIndex{
		listings: make(map[uint64]*Listing),
		bySeller: make(map[[20]byte][]uint64),
		byOwner:  make(map[[20]byte][]uint64),
	}
}

func (idx *listingIndex) get(id uint64) (*Listing, bool) {
	l, ok := idx.listings[id]
	return l, ok
}

// insert records a newly created listing. Listings loaded from state may be
// already sold.
func (idx *listingIndex) insert(l *Listing) error {
	if _, exists := idx.listings[l.ID]; exists {
		return fmt.Errorf("market: listing %d already indexed", l.ID)
	}
	idx.listings[l.ID] = l
	idx.bySeller[l.Seller] = insertSorted(idx.bySeller[l.Seller], l.ID)
	if l.Sold() {
		idx.byOwner[l.Owner] = insertSorted(idx.byOwner[l.Owner], l.ID)
		return nil
	}
	idx.available = insertSorted(idx.available, l.ID)
	return nil
}

// settle moves a listing from the available set to its buyer's history.
func (idx *listingIndex) settle(l *Listing) error {
	pos, found := slices.BinarySearch(idx.available, l.ID)
	if !found {
		return fmt.Errorf("market: listing %d is not available in index", l.ID)
	}
	idx.available = slices.Delete(idx.available, pos, pos+1)
	idx.listings[l.ID] = l
	idx.byOwner[l.Owner] = insertSorted(idx.byOwner[l.Owner], l.ID)
	return nil
}

func (idx *listingIndex) availableCount() int { return len(idx.available) }

func (idx *listingIndex) snapshot(ids []uint64) []*Listing {
	out := make([]*Listing, 0, len(ids))
	for _, id := range ids {
		if l, ok := idx.listings[id]; ok {
			out = append(out, l.Clone())
		}
	}
	return out
}

func insertSorted(ids []uint64, id uint64) []uint64 {
	if n := len(ids); n == 0 || ids[n-1] < id {
		return append(ids, id)
	}
	pos, found := slices.BinarySearch(ids, id)
	if found {
		return ids
	}
	return slices.Insert(ids, pos, id)
}
