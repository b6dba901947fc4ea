// Package export aggregates a drained session's records into a CSV dataset.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// ContentType is the media type of rendered exports.
const ContentType = "text/csv; charset=utf-8"

// Header is the first CSV row of every export.
var Header = []string{
	"Category Name",
	"Course Name",
	"Course Provider",
	"First Instructor Name",
	"Course Description",
	"# of Students Enrolled",
	"# of Ratings",
}

// RecordReader reads a session's accumulated records.
type RecordReader interface {
	Records(ctx context.Context, session string) ([]crawler.Record, error)
}

// Dataset is a rendered export.
type Dataset struct {
	Session string
	Records []crawler.Record
	Data    []byte
}

// Exporter reads records and renders them.
type Exporter struct {
	store RecordReader
}

// New constructs an Exporter.
func New(store RecordReader) *Exporter {
	return &Exporter{store: store}
}

// Export reads every record of the session once, in store order, and renders
// the CSV. Calling it twice on an unchanged session yields identical bytes.
func (e *Exporter) Export(ctx context.Context, session string) (Dataset, error) {
	records, err := e.store.Records(ctx, session)
	if err != nil {
		return Dataset{}, fmt.Errorf("read records for %s: %w", session, err)
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, records); err != nil {
		return Dataset{}, err
	}
	return Dataset{Session: session, Records: records, Data: buf.Bytes()}, nil
}

// WriteCSV writes the header and one row per record.
func WriteCSV(w io.Writer, records []crawler.Record) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i, rec := range records {
		if err := writer.Write(row(rec)); err != nil {
			return fmt.Errorf("write csv row %d: %w", i, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func row(rec crawler.Record) []string {
	return []string{
		rec.Category,
		rec.Name,
		rec.ProvidersString(),
		rec.PrimaryPerson,
		rec.Description,
		strconv.FormatInt(rec.PopulationCount, 10),
		strconv.FormatInt(rec.RatingCount, 10),
	}
}
