package models

// CaseRecord is one row of the dataset catalog. It is immutable once read
// from the catalog file.
type CaseRecord struct {
	// ID is the case identifier, e.g. "case_001". It keys the output directory.
	ID string

	// Collection is the TCIA collection the case was sampled from.
	Collection string

	// PatientID is the patient identifier within the source collection.
	PatientID string

	// CTSeriesUID is the SeriesInstanceUID of the CT image series.
	CTSeriesUID string

	// RegionsSeriesUID is the SeriesInstanceUID of the body-regions
	// segmentation series.
	RegionsSeriesUID string

	// PartsSeriesUID is the SeriesInstanceUID of the body-parts
	// segmentation series.
	PartsSeriesUID string

	// AnnotatedStart and AnnotatedEnd bound the annotated axial slices as a
	// half-open range [AnnotatedStart, AnnotatedEnd). Both are -1 when the
	// whole volume is annotated.
	AnnotatedStart int
	AnnotatedEnd   int

	// Split is the cross-validation assignment, one of fold-1..fold-5 or test.
	Split string
}

// FullyAnnotated reports whether every slice of the case carries labels.
func (c CaseRecord) FullyAnnotated() bool {
	return c.AnnotatedStart < 0 && c.AnnotatedEnd < 0
}

// SeriesFile is one remote slice file of a series after extraction.
type SeriesFile struct {
	// Path is the local path of the extracted DICOM file.
	Path string

	// InstanceNumber is the DICOM instance number, used as an ordering
	// fallback when the position tag is missing.
	InstanceNumber int

	// Position is the projection of ImagePositionPatient onto the slice
	// normal, in mm.
	Position float64
}

// SeriesManifest lists the slice files of one downloaded series. It is built
// once per download attempt and discarded after assembly.
type SeriesManifest struct {
	SeriesUID string
	Files     []SeriesFile
}
