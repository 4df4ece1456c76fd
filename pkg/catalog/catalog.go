// Package catalog parses the dataset information CSV into case records.
package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/UMEssen/saros-dataset/internal/models"
)

// Columns required in the info CSV. Extra columns are ignored.
var requiredColumns = []string{
	"id",
	"collection",
	"ct_series_uid",
	"regions_series_uid",
	"parts_series_uid",
}

// Load reads the info CSV at path and returns one record per row.
func Load(path string) ([]models.CaseRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads catalog rows from r. The first row must be a header; columns
// are located by name so the catalog may carry extra columns in any order.
func Parse(r io.Reader) ([]models.CaseRecord, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading catalog header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[name] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("catalog is missing required column %q", name)
		}
	}

	field := func(row []string, name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return row[idx]
	}

	var records []models.CaseRecord
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading catalog line %d: %w", line, err)
		}

		rec := models.CaseRecord{
			ID:               field(row, "id"),
			Collection:       field(row, "collection"),
			PatientID:        field(row, "patient_id"),
			CTSeriesUID:      field(row, "ct_series_uid"),
			RegionsSeriesUID: field(row, "regions_series_uid"),
			PartsSeriesUID:   field(row, "parts_series_uid"),
			AnnotatedStart:   -1,
			AnnotatedEnd:     -1,
			Split:            field(row, "split"),
		}
		if rec.ID == "" {
			return nil, fmt.Errorf("catalog line %d: empty case id", line)
		}
		if rec.CTSeriesUID == "" {
			return nil, fmt.Errorf("catalog line %d: empty ct_series_uid", line)
		}

		if s := field(row, "annotated_start"); s != "" {
			if rec.AnnotatedStart, err = strconv.Atoi(s); err != nil {
				return nil, fmt.Errorf("catalog line %d: bad annotated_start %q", line, s)
			}
		}
		if s := field(row, "annotated_end"); s != "" {
			if rec.AnnotatedEnd, err = strconv.Atoi(s); err != nil {
				return nil, fmt.Errorf("catalog line %d: bad annotated_end %q", line, s)
			}
		}
		if rec.AnnotatedStart >= 0 && rec.AnnotatedEnd >= 0 && rec.AnnotatedEnd < rec.AnnotatedStart {
			return nil, fmt.Errorf("catalog line %d: annotated range [%d, %d) is inverted",
				line, rec.AnnotatedStart, rec.AnnotatedEnd)
		}

		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("catalog contains no cases")
	}
	return records, nil
}
