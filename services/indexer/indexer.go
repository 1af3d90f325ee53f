package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nftmarket/core/types"
	"nftmarket/native/market"
	"nftmarket/storage/eventlog"
)

// Listing states as stored in the projection.
const (
	StatusAvailable = "available"
	StatusSold      = "sold"
)

// ErrNotFound is returned when a listing has not been indexed.
var ErrNotFound = errors.New("indexer: listing not found")

// ListingRecord is the query-side projection of one ledger listing.
type ListingRecord struct {
	ListingID     uint64 `gorm:"primaryKey;autoIncrement:false"`
	AssetContract string `gorm:"index"`
	AssetID       string
	Seller        string `gorm:"index"`
	Owner         string `gorm:"index"`
	Price         string
	Status        string `gorm:"index"`
	ListedAt      time.Time
	SoldAt        *time.Time
	UpdatedAt     time.Time
}

// Cursor remembers the last journal sequence applied to the projection.
type Cursor struct {
	Name string `gorm:"primaryKey"`
	Seq  uint64
}

const journalCursor = "eventlog"

// AutoMigrate performs all schema migrations for the indexer.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ListingRecord{}, &Cursor{})
}

// Open connects to the projection database. driver is "sqlite" or
// "postgres".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("indexer: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("indexer: open %s: %w", driver, err)
	}
	return db, nil
}

// Indexer applies ledger events to the projection.
type Indexer struct {
	db     *gorm.DB
	logger *slog.Logger
	mu     sync.Mutex
}

// New migrates db and returns an indexer writing to it.
func New(db *gorm.DB, logger *slog.Logger) (*Indexer, error) {
	if db == nil {
		return nil, fmt.Errorf("indexer: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{db: db, logger: logger.With(slog.String("component", "indexer"))}, nil
}

// Apply projects a single event without moving the journal cursor. Events
// the indexer does not track are ignored.
func (ix *Indexer) Apply(evt *types.Event) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.project(ix.db, evt)
}

func (ix *Indexer) project(tx *gorm.DB, evt *types.Event) error {
	if evt == nil {
		return nil
	}
	switch evt.Type {
	case market.EventTypeListingCreated, market.EventTypeListingPurchased:
	default:
		return nil
	}
	record, err := recordFromEvent(evt)
	if err != nil {
		return err
	}
	return ix.upsert(tx, record)
}

func (ix *Indexer) upsert(tx *gorm.DB, record *ListingRecord) error {
	var existing ListingRecord
	err := tx.Where("listing_id = ?", record.ListingID).Take(&existing).Error
	if err == nil && existing.Status == StatusSold && record.Status != StatusSold {
		// Replayed creation after the sale was already projected.
		return nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "listing_id"}},
		UpdateAll: true,
	}).Create(record).Error
}

func recordFromEvent(evt *types.Event) (*ListingRecord, error) {
	attrs := evt.Attributes
	id, err := strconv.ParseUint(attrs["listingId"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("indexer: listingId: %w", err)
	}
	created, err := strconv.ParseInt(attrs["createdAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("indexer: createdAt: %w", err)
	}
	record := &ListingRecord{
		ListingID:     id,
		AssetContract: attrs["assetContract"],
		AssetID:       attrs["assetId"],
		Seller:        attrs["seller"],
		Price:         attrs["price"],
		Status:        StatusAvailable,
		ListedAt:      time.Unix(created, 0).UTC(),
	}
	if attrs["sold"] == "true" {
		soldAt, err := strconv.ParseInt(attrs["soldAt"], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("indexer: soldAt: %w", err)
		}
		ts := time.Unix(soldAt, 0).UTC()
		record.Status = StatusSold
		record.Owner = attrs["owner"]
		record.SoldAt = &ts
	}
	return record, nil
}

type journalSource interface {
	Since(after uint64, limit int) ([]eventlog.Entry, error)
}

type journalFeed interface {
	journalSource
	Subscribe(buffer int) (<-chan eventlog.Entry, func())
}

// Backfill replays journal entries newer than the stored cursor and returns
// the new cursor position.
func (ix *Indexer) Backfill(src journalSource, batch int) (uint64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	cursor, err := ix.cursor()
	if err != nil {
		return 0, err
	}
	return ix.backfillLocked(src, cursor, batch)
}

// Cursor returns the last journal sequence applied to the projection.
func (ix *Indexer) Cursor() (uint64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	cursor, err := ix.cursor()
	return cursor.Seq, err
}

// Follow backfills from the stored cursor, then applies entries as the
// journal appends them. Each entry advances the cursor in the same
// transaction as its projection, so a restart resumes where Follow stopped.
// Entries the subscription dropped are recovered from the journal. Follow
// returns when ctx is done or the subscription closes.
func (ix *Indexer) Follow(ctx context.Context, feed journalFeed, batch int) error {
	entries, cancel := feed.Subscribe(batch)
	defer cancel()
	if _, err := ix.Backfill(feed, batch); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			if err := ix.applyEntry(feed, entry, batch); err != nil {
				ix.logger.Error("indexer apply failed",
					slog.Uint64("seq", entry.Seq),
					slog.String("type", entry.Type),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (ix *Indexer) applyEntry(src journalSource, entry eventlog.Entry, batch int) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	cursor, err := ix.cursor()
	if err != nil {
		return err
	}
	switch {
	case entry.Seq <= cursor.Seq:
		return nil
	case entry.Seq > cursor.Seq+1:
		_, err := ix.backfillLocked(src, cursor, batch)
		return err
	}
	return ix.db.Transaction(func(tx *gorm.DB) error {
		return ix.applyEntries(tx, &cursor, []eventlog.Entry{entry})
	})
}

func (ix *Indexer) cursor() (Cursor, error) {
	var cursor Cursor
	if err := ix.db.Where("name = ?", journalCursor).Take(&cursor).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return Cursor{}, err
		}
		cursor = Cursor{Name: journalCursor}
	}
	return cursor, nil
}

func (ix *Indexer) backfillLocked(src journalSource, cursor Cursor, batch int) (uint64, error) {
	if batch <= 0 {
		batch = 500
	}
	for {
		entries, err := src.Since(cursor.Seq, batch)
		if err != nil {
			return cursor.Seq, err
		}
		if len(entries) == 0 {
			return cursor.Seq, nil
		}
		next := cursor
		err = ix.db.Transaction(func(tx *gorm.DB) error {
			return ix.applyEntries(tx, &next, entries)
		})
		if err != nil {
			return cursor.Seq, err
		}
		cursor = next
		ix.logger.Info("indexer backfilled", slog.Uint64("cursor", cursor.Seq), slog.Int("entries", len(entries)))
	}
}

func (ix *Indexer) applyEntries(tx *gorm.DB, cursor *Cursor, entries []eventlog.Entry) error {
	for _, entry := range entries {
		if err := ix.project(tx, &types.Event{Type: entry.Type, Attributes: entry.Attributes}); err != nil {
			return fmt.Errorf("seq %d: %w", entry.Seq, err)
		}
		cursor.Seq = entry.Seq
	}
	return tx.Save(cursor).Error
}

// Listing returns the projected listing.
func (ix *Indexer) Listing(id uint64) (*ListingRecord, error) {
	var record ListingRecord
	err := ix.db.Where("listing_id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Available lists open listings in ascending identifier order. A
// non-positive limit returns every row.
func (ix *Indexer) Available(limit int) ([]ListingRecord, error) {
	return ix.find(ix.db.Where("status = ?", StatusAvailable), limit)
}

// BySeller lists every listing created by seller (hex encoded address).
func (ix *Indexer) BySeller(seller string, limit int) ([]ListingRecord, error) {
	return ix.find(ix.db.Where("seller = ?", strings.ToLower(seller)), limit)
}

// ByOwner lists every listing bought by owner (hex encoded address).
func (ix *Indexer) ByOwner(owner string, limit int) ([]ListingRecord, error) {
	return ix.find(ix.db.Where("owner = ? AND status = ?", strings.ToLower(owner), StatusSold), limit)
}

// Sales lists settled listings sold within [from, to).
func (ix *Indexer) Sales(from, to time.Time) ([]ListingRecord, error) {
	q := ix.db.Where("status = ?", StatusSold)
	if !from.IsZero() {
		q = q.Where("sold_at >= ?", from.UTC())
	}
	if !to.IsZero() {
		q = q.Where("sold_at < ?", to.UTC())
	}
	return ix.find(q, 0)
}

func (ix *Indexer) find(q *gorm.DB, limit int) ([]ListingRecord, error) {
	q = q.Order("listing_id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []ListingRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
