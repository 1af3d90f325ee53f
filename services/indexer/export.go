package indexer

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type saleRow struct {
	ListingID     int64  `parquet:"name=listing_id, type=INT64"`
	AssetContract string `parquet:"name=asset_contract, type=BYTE_ARRAY, convertedtype=UTF8"`
	AssetID       string `parquet:"name=asset_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Seller        string `parquet:"name=seller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Buyer         string `parquet:"name=buyer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price         string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	ListedAt      string `parquet:"name=listed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SoldAt        string `parquet:"name=sold_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportSales writes every sale in [from, to) to a parquet file at path and
// returns the number of rows written.
func (ix *Indexer) ExportSales(path string, from, to time.Time) (int, error) {
	sales, err := ix.Sales(from, to)
	if err != nil {
		return 0, err
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("indexer: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(saleRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("indexer: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, sale := range sales {
		row := &saleRow{
			ListingID:     int64(sale.ListingID),
			AssetContract: sale.AssetContract,
			AssetID:       sale.AssetID,
			Seller:        sale.Seller,
			Buyer:         sale.Owner,
			Price:         sale.Price,
			ListedAt:      sale.ListedAt.UTC().Format(time.RFC3339),
		}
		if sale.SoldAt != nil {
			row.SoldAt = sale.SoldAt.UTC().Format(time.RFC3339)
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("indexer: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return 0, fmt.Errorf("indexer: finalize parquet: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("indexer: close parquet: %w", err)
	}
	ix.logger.Info("indexer exported sales", slog.String("path", path), slog.Int("rows", len(sales)))
	return len(sales), nil
}
