package market

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"nftmarket/core/types"
)

const (
	EventTypeListingCreated    = "market.listing.created"
	EventTypeListingPurchased  = "market.listing.purchased"
	EventTypeListingFeeUpdated = "market.fee.updated"
)

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// NewListingCreatedEvent returns the canonical payload for a new listing.
func NewListingCreatedEvent(l *Listing) *types.Event {
	return newListingEvent(EventTypeListingCreated, l)
}

// NewListingPurchasedEvent returns the canonical payload for a settled
// listing.
func NewListingPurchasedEvent(l *Listing) *types.Event {
	return newListingEvent(EventTypeListingPurchased, l)
}

// NewListingFeeUpdatedEvent returns the payload emitted when the operator
// changes the listing fee.
func NewListingFeeUpdatedEvent(operator [20]byte, previous, current *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeListingFeeUpdated,
		Attributes: map[string]string{
			"operator": hex.EncodeToString(operator[:]),
			"previous": formatAmount(previous),
			"fee":      formatAmount(current),
		},
	}
}

func newListingEvent(eventType string, l *Listing) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	snapshot := l.Clone()
	attrs["listingId"] = strconv.FormatUint(snapshot.ID, 10)
	attrs["assetContract"] = hex.EncodeToString(snapshot.AssetContract[:])
	attrs["assetId"] = snapshot.AssetID.Dec()
	attrs["seller"] = hex.EncodeToString(snapshot.Seller[:])
	attrs["owner"] = hex.EncodeToString(snapshot.Owner[:])
	attrs["price"] = snapshot.Price.String()
	attrs["sold"] = strconv.FormatBool(snapshot.Sold())
	attrs["status"] = snapshot.Status.String()
	attrs["createdAt"] = strconv.FormatInt(snapshot.CreatedAt, 10)
	if snapshot.Sold() {
		attrs["soldAt"] = strconv.FormatInt(snapshot.SoldAt, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
