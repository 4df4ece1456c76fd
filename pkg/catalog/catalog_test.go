package catalog

import (
	"strings"
	"testing"
)

const sampleCatalog = `id,collection,patient_id,ct_series_uid,regions_series_uid,parts_series_uid,annotated_start,annotated_end,split
case_001,CT-Collection-A,PAT-01,1.2.3.100,1.2.3.101,1.2.3.102,10,42,fold-1
case_002,CT-Collection-B,PAT-02,1.2.3.200,1.2.3.201,1.2.3.202,,,test
`

func TestParse(t *testing.T) {
	records, err := Parse(strings.NewReader(sampleCatalog))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}

	t.Run("AnnotatedRange", func(t *testing.T) {
		rec := records[0]
		if rec.AnnotatedStart != 10 || rec.AnnotatedEnd != 42 {
			t.Errorf("Expected range [10, 42), got [%d, %d)", rec.AnnotatedStart, rec.AnnotatedEnd)
		}
		if rec.FullyAnnotated() {
			t.Error("Case with an explicit range must not report fully annotated")
		}
	})

	t.Run("FullyAnnotatedDefault", func(t *testing.T) {
		rec := records[1]
		if !rec.FullyAnnotated() {
			t.Errorf("Empty range columns should mean fully annotated, got [%d, %d)",
				rec.AnnotatedStart, rec.AnnotatedEnd)
		}
		if rec.Split != "test" {
			t.Errorf("Expected split test, got %q", rec.Split)
		}
	})

	t.Run("SeriesUIDs", func(t *testing.T) {
		rec := records[0]
		if rec.CTSeriesUID != "1.2.3.100" {
			t.Errorf("Unexpected CT series UID %q", rec.CTSeriesUID)
		}
		if rec.RegionsSeriesUID != "1.2.3.101" || rec.PartsSeriesUID != "1.2.3.102" {
			t.Errorf("Unexpected segmentation series UIDs %q, %q",
				rec.RegionsSeriesUID, rec.PartsSeriesUID)
		}
	})
}

func TestParseReorderedColumns(t *testing.T) {
	csv := `split,parts_series_uid,regions_series_uid,ct_series_uid,patient_id,collection,id,extra
fold-2,1.2.9.3,1.2.9.2,1.2.9.1,PAT-09,Coll,case_009,whatever
`
	records, err := Parse(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	rec := records[0]
	if rec.ID != "case_009" || rec.CTSeriesUID != "1.2.9.1" || rec.Split != "fold-2" {
		t.Errorf("Columns were not located by name: %+v", rec)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		csv  string
	}{
		{"MissingColumn", "id,collection\ncase_001,A\n"},
		{"EmptyID", "id,collection,ct_series_uid,regions_series_uid,parts_series_uid\n,A,1,2,3\n"},
		{"EmptyCTSeries", "id,collection,ct_series_uid,regions_series_uid,parts_series_uid\ncase_001,A,,2,3\n"},
		{"BadRange", "id,collection,ct_series_uid,regions_series_uid,parts_series_uid,annotated_start,annotated_end\ncase_001,A,1,2,3,20,10\n"},
		{"NoRows", "id,collection,ct_series_uid,regions_series_uid,parts_series_uid\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tc.csv)); err == nil {
				t.Error("Expected an error, got none")
			}
		})
	}
}
