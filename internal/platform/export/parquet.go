// Package export writes archive files for closed financial years.
package export

import (
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// flushEvery bounds the rows buffered in one row group.
const flushEvery = 100_000

// Writer streams rows of T into a Snappy-compressed Parquet file.
type Writer[T any] struct {
	w     *parquet.GenericWriter[T]
	count int
}

func NewWriter[T any](out io.Writer) *Writer[T] {
	return &Writer[T]{
		w: parquet.NewGenericWriter[T](out,
			parquet.Compression(&parquet.Snappy),
			parquet.CreatedBy("pricing-server", "1", ""),
		),
	}
}

func (pw *Writer[T]) Write(rows ...T) error {
	if len(rows) == 0 {
		return nil
	}
	if _, err := pw.w.Write(rows); err != nil {
		return fmt.Errorf("write parquet rows: %w", err)
	}
	before := pw.count / flushEvery
	pw.count += len(rows)
	if pw.count/flushEvery != before {
		if err := pw.w.Flush(); err != nil {
			return fmt.Errorf("flush parquet row group: %w", err)
		}
	}
	return nil
}

// Close writes the footer. The underlying writer is not closed.
func (pw *Writer[T]) Close() error {
	if err := pw.w.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

func (pw *Writer[T]) Count() int { return pw.count }

// ReadAll decodes every row of a Parquet file of T.
func ReadAll[T any](r io.ReaderAt, size int64) ([]T, error) {
	f, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}
	reader := parquet.NewGenericReader[T](f)
	defer reader.Close()

	rows := make([]T, f.NumRows())
	n, err := reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	return rows[:n], nil
}
