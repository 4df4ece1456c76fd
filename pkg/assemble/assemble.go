// Package assemble turns the per-slice DICOM files of a downloaded series
// into a single 3D volume and validates that the series geometry is sound.
package assemble

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gonum.org/v1/gonum/floats"

	"github.com/UMEssen/saros-dataset/internal/models"
)

// geomTolerance is the maximum difference, in mm, tolerated between slice
// geometry values that should be identical across a series.
const geomTolerance = 1e-3

// GeometryError reports an inconsistent or mismatched series geometry. Cases
// raising it are skipped; it usually signals a corrupt archive entry.
type GeometryError struct {
	Reason string
}

func (e *GeometryError) Error() string {
	return "geometry mismatch: " + e.Reason
}

// sliceInfo is the geometry of one parsed slice.
type sliceInfo struct {
	path     string
	dataset  dicom.Dataset
	rows     int
	cols     int
	pixelSpc [2]float64 // row spacing, column spacing
	iop      [6]float64
	ipp      [3]float64
	position float64 // projection of ipp onto the slice normal
	instance int
	hasIPP   bool
}

// Series is an ordered, geometry-checked DICOM series ready for voxel
// extraction.
type Series struct {
	uid    string
	slices []sliceInfo

	spacing   [3]float64
	direction [9]float64
	origin    [3]float64
}

// ReadSeries parses the given DICOM files, orders them along the slice
// normal, and validates that geometry is uniform across the series.
func ReadSeries(paths []string) (*Series, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("series has no files")
	}

	slices := make([]sliceInfo, 0, len(paths))
	for _, path := range paths {
		ds, err := dicom.ParseFile(path, nil)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		info, err := readSliceInfo(path, ds)
		if err != nil {
			return nil, err
		}
		slices = append(slices, info)
	}
	return newSeries(slices)
}

// newSeries orders the parsed slices and validates series-wide geometry.
func newSeries(slices []sliceInfo) (*Series, error) {
	first := slices[0]
	for _, s := range slices[1:] {
		if s.rows != first.rows || s.cols != first.cols {
			return nil, &GeometryError{Reason: fmt.Sprintf(
				"slice shape varies within series: %dx%d vs %dx%d",
				first.cols, first.rows, s.cols, s.rows)}
		}
		if !almostEqual(s.pixelSpc[:], first.pixelSpc[:]) {
			return nil, &GeometryError{Reason: "pixel spacing varies within series"}
		}
		if !almostEqual(s.iop[:], first.iop[:]) {
			return nil, &GeometryError{Reason: "orientation varies within series"}
		}
	}

	normal := sliceNormal(first.iop)
	ordered := true
	for i := range slices {
		if !slices[i].hasIPP {
			ordered = false
			break
		}
		slices[i].position = dot3(normal, slices[i].ipp)
	}
	if ordered {
		sort.Slice(slices, func(i, j int) bool { return slices[i].position < slices[j].position })
	} else {
		// Position tags are occasionally stripped; instance numbers keep the
		// acquisition order.
		sort.Slice(slices, func(i, j int) bool { return slices[i].instance < slices[j].instance })
	}

	sliceSpacing, err := uniformSpacing(slices, ordered)
	if err != nil {
		return nil, err
	}

	uid := ""
	if el, err := first.dataset.FindElementByTag(tag.SeriesInstanceUID); err == nil {
		if vals := dicom.MustGetStrings(el.Value); len(vals) > 0 {
			uid = vals[0]
		}
	}

	s := &Series{
		uid:    uid,
		slices: slices,
		// DICOM PixelSpacing is row spacing then column spacing; x is the
		// column direction.
		spacing: [3]float64{first.pixelSpc[1], first.pixelSpc[0], sliceSpacing},
		origin:  slices[0].ipp,
		direction: [9]float64{
			first.iop[0], first.iop[3], normal[0],
			first.iop[1], first.iop[4], normal[1],
			first.iop[2], first.iop[5], normal[2],
		},
	}
	return s, nil
}

// Manifest returns the ordered file listing of the series.
func (s *Series) Manifest() *models.SeriesManifest {
	m := &models.SeriesManifest{SeriesUID: s.uid}
	for _, sl := range s.slices {
		m.Files = append(m.Files, models.SeriesFile{
			Path:           sl.path,
			InstanceNumber: sl.instance,
			Position:       sl.position,
		})
	}
	return m
}

// FirstFile and LastFile return the paths of the outermost slices in
// anatomical order, the two files kept by --save-meta-dicoms.
func (s *Series) FirstFile() string { return s.slices[0].path }
func (s *Series) LastFile() string  { return s.slices[len(s.slices)-1].path }

// Volume extracts voxel values from every slice into a volume of the given
// kind. Intensity volumes are rescaled to Hounsfield units via
// RescaleSlope/RescaleIntercept; label volumes keep stored values.
func (s *Series) Volume(kind models.VolumeKind) (*models.Volume, error) {
	first := s.slices[0]
	vol := models.NewVolume(first.cols, first.rows, len(s.slices), s.spacing, kind)
	vol.Origin = s.origin
	vol.Direction = s.direction

	for z, sl := range s.slices {
		if err := fillSlice(vol, z, sl, kind); err != nil {
			return nil, fmt.Errorf("slice %s: %w", sl.path, err)
		}
	}
	return vol, nil
}

func fillSlice(vol *models.Volume, z int, sl sliceInfo, kind models.VolumeKind) error {
	el, err := sl.dataset.FindElementByTag(tag.PixelData)
	if err != nil {
		return fmt.Errorf("missing pixel data")
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if len(info.Frames) != 1 {
		return fmt.Errorf("expected exactly one frame, got %d", len(info.Frames))
	}
	native, err := info.Frames[0].GetNativeFrame()
	if err != nil {
		return fmt.Errorf("decoding pixel data: %w", err)
	}
	if native.Rows != vol.Ny || native.Cols != vol.Nx {
		return &GeometryError{Reason: fmt.Sprintf(
			"pixel data shape %dx%d disagrees with header %dx%d",
			native.Cols, native.Rows, vol.Nx, vol.Ny)}
	}

	slope, intercept := 1.0, 0.0
	signed := false
	if kind == models.Intensity {
		slope = floatTag(sl.dataset, tag.RescaleSlope, 1)
		intercept = floatTag(sl.dataset, tag.RescaleIntercept, 0)
		signed = intTag(sl.dataset, tag.PixelRepresentation, 0) == 1
	}

	for y := 0; y < vol.Ny; y++ {
		for x := 0; x < vol.Nx; x++ {
			raw := native.Data[y*vol.Nx+x][0]
			if signed {
				// Stored values are two's complement when
				// PixelRepresentation is 1.
				raw = int(int16(uint16(raw)))
			}
			vol.Set(x, y, z, float64(raw)*slope+intercept)
		}
	}
	return nil
}

// CheckAligned verifies that two independently assembled volumes of one case
// share grid shape, spacing, and orientation. This is the dataset's
// documented sanity check between the CT and its segmentations.
func CheckAligned(image, label *models.Volume) error {
	if image.Nx != label.Nx || image.Ny != label.Ny || image.Nz != label.Nz {
		return &GeometryError{Reason: fmt.Sprintf(
			"shape differs: image %dx%dx%d, label %dx%dx%d",
			image.Nx, image.Ny, image.Nz, label.Nx, label.Ny, label.Nz)}
	}
	if !almostEqual(image.Spacing[:], label.Spacing[:]) {
		return &GeometryError{Reason: fmt.Sprintf(
			"spacing differs: image %v, label %v", image.Spacing, label.Spacing)}
	}
	if !almostEqual(image.Direction[:], label.Direction[:]) {
		return &GeometryError{Reason: "orientation differs between image and label"}
	}
	return nil
}

func readSliceInfo(path string, ds dicom.Dataset) (sliceInfo, error) {
	info := sliceInfo{path: path, dataset: ds}

	info.rows = intTag(ds, tag.Rows, 0)
	info.cols = intTag(ds, tag.Columns, 0)
	if info.rows <= 0 || info.cols <= 0 {
		return info, fmt.Errorf("%s: missing Rows/Columns", path)
	}

	spc, err := floatsTag(ds, tag.PixelSpacing, 2)
	if err != nil {
		return info, fmt.Errorf("%s: %w", path, err)
	}
	copy(info.pixelSpc[:], spc)

	iop, err := floatsTag(ds, tag.ImageOrientationPatient, 6)
	if err != nil {
		// Axial identity orientation is the overwhelmingly common default.
		iop = []float64{1, 0, 0, 0, 1, 0}
	}
	copy(info.iop[:], iop)

	if ipp, err := floatsTag(ds, tag.ImagePositionPatient, 3); err == nil {
		copy(info.ipp[:], ipp)
		info.hasIPP = true
	}

	info.instance = intTag(ds, tag.InstanceNumber, 0)
	return info, nil
}

// uniformSpacing derives the inter-slice distance and verifies it is uniform.
func uniformSpacing(slices []sliceInfo, ordered bool) (float64, error) {
	if len(slices) == 1 || !ordered {
		// Without positions fall back to the declared thickness.
		if t := floatTag(slices[0].dataset, tag.SliceThickness, 0); t > 0 {
			return t, nil
		}
		if len(slices) == 1 {
			return 1, nil
		}
		return 0, &GeometryError{Reason: "cannot derive slice spacing without positions or thickness"}
	}

	spacing := slices[1].position - slices[0].position
	if spacing <= 0 {
		return 0, &GeometryError{Reason: "duplicate slice positions"}
	}
	for i := 2; i < len(slices); i++ {
		step := slices[i].position - slices[i-1].position
		if math.Abs(step-spacing) > geomTolerance {
			return 0, &GeometryError{Reason: fmt.Sprintf(
				"inter-slice spacing varies: %.4f vs %.4f mm", spacing, step)}
		}
	}
	return spacing, nil
}

// sliceNormal is the cross product of the row and column direction cosines.
func sliceNormal(iop [6]float64) [3]float64 {
	return [3]float64{
		iop[1]*iop[5] - iop[2]*iop[4],
		iop[2]*iop[3] - iop[0]*iop[5],
		iop[0]*iop[4] - iop[1]*iop[3],
	}
}

func dot3(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func almostEqual(a, b []float64) bool {
	return len(a) == len(b) && floats.EqualApprox(a, b, geomTolerance)
}

// floatsTag reads a multi-valued decimal string tag.
func floatsTag(ds dicom.Dataset, t tag.Tag, want int) ([]float64, error) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, fmt.Errorf("missing tag %v", t)
	}
	strs := dicom.MustGetStrings(el.Value)
	if len(strs) != want {
		return nil, fmt.Errorf("tag %v has %d values, want %d", t, len(strs), want)
	}
	vals := make([]float64, len(strs))
	for i, s := range strs {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("tag %v value %q is not a number", t, s)
		}
		vals[i] = v
	}
	return vals, nil
}

// floatTag reads a single decimal string tag with a default.
func floatTag(ds dicom.Dataset, t tag.Tag, def float64) float64 {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return def
	}
	strs := dicom.MustGetStrings(el.Value)
	if len(strs) == 0 {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(strs[0]), 64)
	if err != nil {
		return def
	}
	return v
}

// intTag reads a single integer tag with a default. Integer string tags (IS)
// are parsed from their string form.
func intTag(ds dicom.Dataset, t tag.Tag, def int) int {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return def
	}
	switch v := el.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0]
		}
	case []string:
		if len(v) > 0 {
			if n, err := strconv.Atoi(strings.TrimSpace(v[0])); err == nil {
				return n
			}
		}
	}
	return def
}
