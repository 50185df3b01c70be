package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"catalog-ingest/internal/models"
)

// ErrMissingSKUColumn is returned when the file has no header row naming a sku column.
var ErrMissingSKUColumn = errors.New("csv header has no sku column")

// Record is one data row looked up by header name. Missing columns are empty.
type Record struct {
	SKU         string
	Name        string
	Description string
	Price       string
}

// columns maps the ingested fields to record indexes; -1 means the column is absent.
type columns struct {
	sku, name, description, price int
}

func parseHeader(rec []string) (columns, error) {
	cols := columns{sku: -1, name: -1, description: -1, price: -1}
	for i, raw := range rec {
		var dst *int
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "sku":
			dst = &cols.sku
		case "name":
			dst = &cols.name
		case "description":
			dst = &cols.description
		case "price":
			dst = &cols.price
		default:
			continue
		}
		if *dst < 0 {
			*dst = i
		}
	}
	if cols.sku < 0 {
		return cols, ErrMissingSKUColumn
	}
	return cols, nil
}

func (c columns) record(rec []string) Record {
	field := func(i int) string {
		if i < 0 || i >= len(rec) {
			return ""
		}
		return rec[i]
	}
	return Record{
		SKU:         field(c.sku),
		Name:        field(c.name),
		Description: field(c.description),
		Price:       field(c.price),
	}
}

// scanStats counts rows dropped while reading.
type scanStats struct {
	malformed int
}

// scan decodes r leniently and calls fn for every well-formed data row.
// A UTF-8 or UTF-16 byte order mark is honoured and stripped, invalid bytes become U+FFFD,
// and structurally broken rows are skipped.
func scan(r io.Reader, fn func(Record) error) (scanStats, error) {
	var stats scanStats
	cr := csv.NewReader(transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return stats, ErrMissingSKUColumn
	}
	if err != nil {
		return stats, fmt.Errorf("read header: %w", err)
	}
	cols, err := parseHeader(header)
	if err != nil {
		return stats, err
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			stats.malformed++
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("read csv: %w", err)
		}
		if err := fn(cols.record(rec)); err != nil {
			return stats, err
		}
	}
}

// Postgres text columns reject NUL, so it gets the same replacement as invalid UTF-8.
var controlChars = strings.NewReplacer("\t", " ", "\r", " ", "\n", " ", "\x00", "\uFFFD")

func sanitize(s string) string {
	return controlChars.Replace(s)
}

// countable reports whether pass 1 counts the record. It must agree with normalize.
func countable(rec Record) bool {
	return strings.TrimSpace(rec.SKU) != ""
}

// normalize turns a record into a staging row. It returns false for a blank SKU.
// A bad price leaves the price absent and never rejects the row.
func normalize(rec Record, position int) (models.ProductRow, bool) {
	sku := sanitize(strings.TrimSpace(rec.SKU))
	if sku == "" {
		return models.ProductRow{}, false
	}
	row := models.ProductRow{
		SKU:      sku,
		Name:     sanitize(strings.TrimSpace(rec.Name)),
		Position: position,
	}
	if desc := sanitize(rec.Description); strings.TrimSpace(desc) != "" {
		row.Description = &desc
	}
	if cents, ok := parsePrice(rec.Price); ok {
		row.PriceCents = &cents
	}
	return row, true
}

var (
	hundred  = decimal.NewFromInt(100)
	maxCents = decimal.NewFromInt(math.MaxInt64)
	minCents = decimal.NewFromInt(math.MinInt64)
)

// parsePrice converts a decimal string to minor units, rounding half away from zero.
func parsePrice(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 64 {
		return 0, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false
	}
	// keeps scientific notation like 1e999999999 from expanding into a huge integer
	if exp := d.Exponent(); exp > 20 || exp < -64 {
		return 0, false
	}
	cents := d.Mul(hundred).Round(0)
	if cents.GreaterThan(maxCents) || cents.LessThan(minCents) {
		return 0, false
	}
	return cents.IntPart(), true
}
