package indexer

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"gorm.io/gorm"

	"nftmarket/core/types"
	"nftmarket/native/market"
	"nftmarket/storage/eventlog"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func addr(fill byte) [20]byte {
	var a [20]byte
	copy(a[:], bytes.Repeat([]byte{fill}, 20))
	return a
}

func listing(id uint64, seller [20]byte) *market.Listing {
	return &market.Listing{
		ID:            id,
		AssetContract: addr(0xAA),
		AssetID:       uint256.NewInt(id + 100),
		Seller:        seller,
		Price:         big.NewInt(int64(id) * 10),
		Status:        market.ListingStatusAvailable,
		CreatedAt:     1_700_000_000 + int64(id),
	}
}

func sold(l *market.Listing, buyer [20]byte, at int64) *market.Listing {
	s := l.Clone()
	s.Status = market.ListingStatusSold
	s.Owner = buyer
	s.SoldAt = at
	return s
}

func TestApplyProjectsLifecycle(t *testing.T) {
	ix, err := New(setupTestDB(t), nil)
	require.NoError(t, err)
	seller, buyer := addr(0x01), addr(0x02)

	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, ix.Apply(market.NewListingCreatedEvent(listing(id, seller))))
	}
	require.NoError(t, ix.Apply(market.NewListingPurchasedEvent(sold(listing(2, seller), buyer, 1_700_000_500))))
	require.NoError(t, ix.Apply(&types.Event{Type: "bank.transfer"}))

	available, err := ix.Available(0)
	require.NoError(t, err)
	require.Len(t, available, 2)
	require.Equal(t, uint64(1), available[0].ListingID)
	require.Equal(t, uint64(3), available[1].ListingID)

	bought, err := ix.ByOwner(hex.EncodeToString(buyer[:]), 0)
	require.NoError(t, err)
	require.Len(t, bought, 1)
	require.Equal(t, "20", bought[0].Price)
	require.Equal(t, "102", bought[0].AssetID)
	require.NotNil(t, bought[0].SoldAt)

	created, err := ix.BySeller(hex.EncodeToString(seller[:]), 2)
	require.NoError(t, err)
	require.Len(t, created, 2)

	record, err := ix.Listing(2)
	require.NoError(t, err)
	require.Equal(t, StatusSold, record.Status)
	_, err = ix.Listing(99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApplyIgnoresStaleCreation(t *testing.T) {
	ix, err := New(setupTestDB(t), nil)
	require.NoError(t, err)
	l := listing(1, addr(0x01))
	require.NoError(t, ix.Apply(market.NewListingPurchasedEvent(sold(l, addr(0x02), 1_700_000_100))))
	require.NoError(t, ix.Apply(market.NewListingCreatedEvent(l)))

	record, err := ix.Listing(1)
	require.NoError(t, err)
	require.Equal(t, StatusSold, record.Status)
}

func TestApplyRejectsMalformedEvents(t *testing.T) {
	ix, err := New(setupTestDB(t), nil)
	require.NoError(t, err)
	err = ix.Apply(&types.Event{Type: market.EventTypeListingCreated, Attributes: map[string]string{"listingId": "x"}})
	require.Error(t, err)
}

func TestBackfillFromJournal(t *testing.T) {
	journal, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"), nil)
	require.NoError(t, err)
	defer journal.Close()

	seller, buyer := addr(0x01), addr(0x02)
	for id := uint64(1); id <= 4; id++ {
		_, err := journal.Append(market.NewListingCreatedEvent(listing(id, seller)))
		require.NoError(t, err)
	}
	_, err = journal.Append(&types.Event{Type: "nft.transfer", Attributes: map[string]string{}})
	require.NoError(t, err)
	_, err = journal.Append(market.NewListingPurchasedEvent(sold(listing(4, seller), buyer, 1_700_001_000)))
	require.NoError(t, err)

	ix, err := New(setupTestDB(t), nil)
	require.NoError(t, err)
	cursor, err := ix.Backfill(journal, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(6), cursor)

	available, err := ix.Available(0)
	require.NoError(t, err)
	require.Len(t, available, 3)

	// A second run resumes from the stored cursor.
	cursor, err = ix.Backfill(journal, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(6), cursor)
}

func TestFollowAdvancesCursor(t *testing.T) {
	journal, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"), nil)
	require.NoError(t, err)
	defer journal.Close()

	seller, buyer := addr(0x01), addr(0x02)
	_, err = journal.Append(market.NewListingCreatedEvent(listing(1, seller)))
	require.NoError(t, err)

	db := setupTestDB(t)
	ix, err := New(db, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Follow(ctx, journal, 0) }()

	waitForCursor := func(want uint64) {
		t.Helper()
		require.Eventually(t, func() bool {
			cursor, err := ix.Cursor()
			return err == nil && cursor == want
		}, 5*time.Second, 10*time.Millisecond)
	}
	waitForCursor(1)

	_, err = journal.Append(market.NewListingCreatedEvent(listing(2, seller)))
	require.NoError(t, err)
	_, err = journal.Append(&types.Event{Type: "bank.transfer", Attributes: map[string]string{}})
	require.NoError(t, err)
	_, err = journal.Append(market.NewListingPurchasedEvent(sold(listing(2, seller), buyer, 1_700_000_700)))
	require.NoError(t, err)
	waitForCursor(4)

	record, err := ix.Listing(2)
	require.NoError(t, err)
	require.Equal(t, StatusSold, record.Status)

	cancel()
	require.NoError(t, <-done)

	// A new indexer on the same projection starts from the persisted cursor.
	restarted, err := New(db, nil)
	require.NoError(t, err)
	cursor, err := restarted.Backfill(journal, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(4), cursor)
}

func TestApplyEntryRecoversSkippedEntries(t *testing.T) {
	journal, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"), nil)
	require.NoError(t, err)
	defer journal.Close()

	seller := addr(0x01)
	var last eventlog.Entry
	for id := uint64(1); id <= 3; id++ {
		last, err = journal.Append(market.NewListingCreatedEvent(listing(id, seller)))
		require.NoError(t, err)
	}

	ix, err := New(setupTestDB(t), nil)
	require.NoError(t, err)
	// Only the newest entry arrives; the two before it are read back from
	// the journal.
	require.NoError(t, ix.applyEntry(journal, last, 0))
	cursor, err := ix.Cursor()
	require.NoError(t, err)
	require.Equal(t, uint64(3), cursor)
	available, err := ix.Available(0)
	require.NoError(t, err)
	require.Len(t, available, 3)

	// Redelivered entries are ignored.
	require.NoError(t, ix.applyEntry(journal, last, 0))
	cursor, err = ix.Cursor()
	require.NoError(t, err)
	require.Equal(t, uint64(3), cursor)
}

func TestExportSalesWritesParquet(t *testing.T) {
	ix, err := New(setupTestDB(t), nil)
	require.NoError(t, err)
	seller, buyer := addr(0x01), addr(0x02)
	for id := uint64(1); id <= 3; id++ {
		l := listing(id, seller)
		require.NoError(t, ix.Apply(market.NewListingCreatedEvent(l)))
		if id != 2 {
			require.NoError(t, ix.Apply(market.NewListingPurchasedEvent(sold(l, buyer, 1_700_000_900+int64(id)))))
		}
	}

	path := filepath.Join(t.TempDir(), "sales.parquet")
	n, err := ix.ExportSales(path, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(saleRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.Equal(t, int64(2), pr.GetNumRows())
	rows := make([]saleRow, 2)
	require.NoError(t, pr.Read(&rows))
	require.Equal(t, int64(1), rows[0].ListingID)
	require.Equal(t, int64(3), rows[1].ListingID)
	require.Equal(t, hex.EncodeToString(buyer[:]), rows[0].Buyer)
	require.Equal(t, "30", rows[1].Price)

	later, err := ix.Sales(time.Unix(1_700_000_902, 0), time.Time{})
	require.NoError(t, err)
	require.Len(t, later, 1)
}
