package indexer

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	Sequence     int64  `parquet:"name=sequence, type=INT64"`
	Digest       string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type         string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Account      string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Counterparty string `parquet:"name=counterparty, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes   string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt    string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes every event matching filter to a snappy-compressed
// parquet file at path, paging through the index. It returns the row count.
// filter.Limit is the page size.
func (i *Indexer) ExportParquet(ctx context.Context, path string, filter Filter) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("indexer: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("indexer: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	written := 0
	page := filter
	for {
		records, err := i.Query(ctx, page)
		if err != nil {
			pw.WriteStop()
			file.Close()
			return written, err
		}
		for _, record := range records {
			row := &parquetRow{
				Sequence:     int64(record.Sequence),
				Digest:       record.Digest,
				Type:         record.Type,
				Account:      record.Account,
				Counterparty: record.Counterparty,
				Attributes:   record.Attributes,
				CreatedAt:    record.CreatedAt.UTC().Format(time.RFC3339Nano),
			}
			if err := pw.Write(row); err != nil {
				pw.WriteStop()
				file.Close()
				return written, fmt.Errorf("indexer: parquet write: %w", err)
			}
			written++
		}
		if len(records) < effectiveLimit(page.Limit) {
			break
		}
		page.AfterSequence = records[len(records)-1].Sequence
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return written, fmt.Errorf("indexer: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return written, fmt.Errorf("indexer: close parquet file: %w", err)
	}
	return written, nil
}
