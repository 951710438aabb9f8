package sink

import (
	"fmt"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
)

// itemRecord is the flattened row written to the parquet table: one
// row per ring item, with the body-header fields of any item that has a
// body header broken out for columnar queries and the raw body kept for
// full fidelity.
type itemRecord struct {
	Type        int32  `parquet:"name=type, type=INT32"`
	Timestamp   int64  `parquet:"name=timestamp, type=INT64"`
	SourceID    int32  `parquet:"name=source_id, type=INT32"`
	BarrierType int32  `parquet:"name=barrier_type, type=INT32"`
	Body        []byte `parquet:"name=body, type=BYTE_ARRAY"`
}

// ParquetWriter is a Writer that appends one row per ring item to a
// local parquet file, used when the output of the pipeline is an
// offline analysis table rather than a downstream transport.
type ParquetWriter struct {
	file source.ParquetFile
	pw   *writer.ParquetWriter
}

// NewParquetWriter creates (or truncates) path and opens it for
// row-at-a-time parquet writes with np parallel row-group goroutines.
func NewParquetWriter(path string, np int64) (*ParquetWriter, error) {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, fmt.Errorf("sink: opening parquet file: %w", err)
	}
	pw, err := writer.NewParquetWriter(fw, new(itemRecord), np)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("sink: creating parquet writer: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	return &ParquetWriter{file: fw, pw: pw}, nil
}

// WriteItem implements Writer.
func (w *ParquetWriter) WriteItem(raw []byte) error {
	item, err := decodeForInspection(raw)
	if err != nil {
		return fmt.Errorf("sink: decoding ring item for parquet row: %w", err)
	}
	rec := itemRecord{Type: int32(item.Type), Body: item.Body}
	if item.BodyHeader != nil {
		rec.Timestamp = int64(item.BodyHeader.Timestamp)
		rec.SourceID = int32(item.BodyHeader.SourceID)
		rec.BarrierType = int32(item.BodyHeader.BarrierType)
	}
	return w.pw.Write(rec)
}

// Close implements Writer: flushes the final row group and closes the
// underlying file.
func (w *ParquetWriter) Close() error {
	if err := w.pw.WriteStop(); err != nil {
		w.file.Close()
		return fmt.Errorf("sink: flushing parquet writer: %w", err)
	}
	return w.file.Close()
}
