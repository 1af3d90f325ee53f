package market

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/holiman/uint256"

	nativecommon "nftmarket/native/common"
)

func TestListingEventAttributes(t *testing.T) {
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	l := &Listing{
		ID:            4,
		AssetContract: newTestAddress(0xAA),
		AssetID:       uint256.NewInt(7),
		Seller:        seller,
		Price:         big.NewInt(100),
		Status:        ListingStatusAvailable,
		CreatedAt:     1_700_000_000,
	}
	created := NewListingCreatedEvent(l)
	if created.Type != EventTypeListingCreated {
		t.Fatalf("unexpected type %s", created.Type)
	}
	if _, ok := created.Attributes["soldAt"]; ok {
		t.Fatalf("unexpected soldAt on available listing")
	}
	if created.Attributes["seller"] != hex.EncodeToString(seller[:]) {
		t.Fatalf("unexpected seller attribute")
	}
	if created.Attributes["status"] != "available" || created.Attributes["price"] != "100" {
		t.Fatalf("unexpected attributes %v", created.Attributes)
	}

	l.Status = ListingStatusSold
	l.Owner = buyer
	l.SoldAt = 1_700_000_100
	purchased := NewListingPurchasedEvent(l)
	if purchased.Attributes["owner"] != hex.EncodeToString(buyer[:]) {
		t.Fatalf("unexpected owner attribute")
	}
	if purchased.Attributes["soldAt"] != "1700000100" || purchased.Attributes["sold"] != "true" {
		t.Fatalf("unexpected attributes %v", purchased.Attributes)
	}
}

func TestFeeUpdatedEventAttributes(t *testing.T) {
	evt := NewListingFeeUpdatedEvent(newTestAddress(0x0F), nil, big.NewInt(12))
	if evt.Attributes["previous"] != "0" || evt.Attributes["fee"] != "12" {
		t.Fatalf("unexpected attributes %v", evt.Attributes)
	}
}

func TestReasonLabels(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrSelfPurchase, "self_purchase"},
		{rejectf(ErrWrongPayment, "paid %d", 1), "wrong_payment"},
		{transferFailed("pay seller", ErrListingNotFound), "transfer_failed"},
		{ErrUnauthorized, "unauthorized"},
		{fmt.Errorf("wrapped: %w", nativecommon.ErrModulePaused), "paused"},
		{errors.New("disk"), "internal"},
	}
	for _, tc := range cases {
		if got := Reason(tc.err); got != tc.want {
			t.Fatalf("Reason(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestErrorClasses(t *testing.T) {
	if !errors.Is(ErrInsufficientFee, ErrInvalidInput) {
		t.Fatalf("expected insufficient fee to be invalid input")
	}
	if errors.Is(ErrInsufficientFee, ErrPreconditionFailed) {
		t.Fatalf("insufficient fee must not match precondition class")
	}
	if !errors.Is(ErrAlreadySold, ErrPreconditionFailed) {
		t.Fatalf("expected already sold to be a precondition failure")
	}
	if !errors.Is(transferFailed("collect payment", errors.New("x")), ErrTransferFailed) {
		t.Fatalf("expected transfer failure class")
	}
}

func TestSanitizeListing(t *testing.T) {
	l := testListing(1, newTestAddress(0x01))
	if _, err := SanitizeListing(l); err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	bad := l.Clone()
	bad.ID = 0
	if _, err := SanitizeListing(bad); err == nil {
		t.Fatalf("expected id below base to fail")
	}
	bad = l.Clone()
	bad.Status = ListingStatusUnknown
	if _, err := SanitizeListing(bad); err == nil {
		t.Fatalf("expected unknown status to fail")
	}
	bad = l.Clone()
	bad.Status = ListingStatusSold
	if _, err := SanitizeListing(bad); err == nil {
		t.Fatalf("expected sold listing without owner to fail")
	}
	bad = l.Clone()
	bad.Owner = newTestAddress(0x09)
	if _, err := SanitizeListing(bad); err == nil {
		t.Fatalf("expected available listing with owner to fail")
	}
}
