// Package nifti reads and writes gzip-compressed NIfTI-1 volumes. Only the
// subset of the format the dataset needs is implemented: single-file .nii.gz,
// little-endian, 3D, with the affine carried in the sform. Volume geometry
// uses the DICOM patient frame (LPS); the affine is converted to and from
// the RAS convention NIfTI uses.
package nifti

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/UMEssen/saros-dataset/internal/models"
)

// NIfTI-1 datatype codes.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
)

const (
	headerSize = 348
	voxOffset  = 352 // header + 4-byte extension flag
	unitsMM    = 2
	xformAnat  = 1 // NIFTI_XFORM_SCANNER_ANAT
)

// header is the packed NIfTI-1 header, 348 bytes little-endian.
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// datatypeFor picks the on-disk representation: labels are always uint8,
// CT intensities int16 (Hounsfield units are integral by definition), and
// anything with fractional values falls back to float32.
func datatypeFor(vol *models.Volume) int16 {
	if vol.Kind == models.Label {
		return dtUint8
	}
	for _, v := range vol.Data {
		if v != math.Trunc(v) || v < math.MinInt16 || v > math.MaxInt16 {
			return dtFloat32
		}
	}
	return dtInt16
}

// Write streams vol as a gzipped NIfTI-1 file to w.
func Write(w io.Writer, vol *models.Volume) error {
	zw := gzip.NewWriter(w)
	if err := writeUncompressed(zw, vol); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// WriteFile writes vol to path. Callers needing crash safety should write to
// a temporary path and rename; see the casedir package.
func WriteFile(path string, vol *models.Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, vol); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeUncompressed(w io.Writer, vol *models.Volume) error {
	dt := datatypeFor(vol)

	var h header
	h.SizeofHdr = headerSize
	h.Regular = 'r'
	h.Dim = [8]int16{3, int16(vol.Nx), int16(vol.Ny), int16(vol.Nz), 1, 1, 1, 1}
	h.Datatype = dt
	switch dt {
	case dtUint8:
		h.Bitpix = 8
	case dtInt16:
		h.Bitpix = 16
	default:
		h.Bitpix = 32
	}
	h.Pixdim = [8]float32{1,
		float32(vol.Spacing[0]), float32(vol.Spacing[1]), float32(vol.Spacing[2]),
		1, 1, 1, 1}
	h.VoxOffset = voxOffset
	h.SclSlope = 1
	h.XyztUnits = unitsMM
	h.SformCode = xformAnat
	h.SrowX, h.SrowY, h.SrowZ = srows(vol)
	copy(h.Magic[:], "n+1\x00")

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("writing nifti header: %w", err)
	}
	// No extensions.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	buf := make([]byte, 0, len(vol.Data)*int(h.Bitpix)/8)
	for _, v := range vol.Data {
		switch dt {
		case dtUint8:
			buf = append(buf, uint8(clampRound(v, 0, math.MaxUint8)))
		case dtInt16:
			buf = binary.LittleEndian.AppendUint16(buf,
				uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
		default:
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v)))
		}
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing nifti voxels: %w", err)
	}
	return nil
}

// srows builds the RAS affine rows from the LPS volume geometry. NIfTI wants
// RAS; the first two patient axes flip sign.
func srows(vol *models.Volume) (x, y, z [4]float32) {
	for c := 0; c < 3; c++ {
		x[c] = float32(-vol.Direction[0*3+c] * vol.Spacing[c])
		y[c] = float32(-vol.Direction[1*3+c] * vol.Spacing[c])
		z[c] = float32(vol.Direction[2*3+c] * vol.Spacing[c])
	}
	x[3] = float32(-vol.Origin[0])
	y[3] = float32(-vol.Origin[1])
	z[3] = float32(vol.Origin[2])
	return x, y, z
}

// Read parses a gzipped NIfTI-1 volume from r.
func Read(r io.Reader) (*models.Volume, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("nifti file is not gzip compressed: %w", err)
	}
	defer zr.Close()
	return readUncompressed(zr)
}

// ReadFile parses the gzipped NIfTI-1 file at path.
func ReadFile(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vol, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vol, nil
}

func readUncompressed(r io.Reader) (*models.Volume, error) {
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("reading nifti header: %w", err)
	}
	if h.SizeofHdr != headerSize {
		return nil, fmt.Errorf("bad nifti header size %d (big-endian files are unsupported)", h.SizeofHdr)
	}
	if string(h.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("bad nifti magic %q", h.Magic)
	}
	if h.Dim[0] < 3 {
		return nil, fmt.Errorf("expected a 3D volume, got %d dims", h.Dim[0])
	}
	for d := int16(4); d <= h.Dim[0]; d++ {
		if h.Dim[d] > 1 {
			return nil, fmt.Errorf("expected a 3D volume, dim %d has size %d", d, h.Dim[d])
		}
	}

	nx, ny, nz := int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])
	if nx < 1 || ny < 1 || nz < 1 {
		return nil, fmt.Errorf("bad nifti dimensions %dx%dx%d", nx, ny, nz)
	}

	kind := models.Intensity
	if h.Datatype == dtUint8 {
		kind = models.Label
	}
	vol := models.NewVolume(nx, ny, nz, [3]float64{
		float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3]),
	}, kind)

	if h.SformCode > 0 {
		applySform(vol, h.SrowX, h.SrowY, h.SrowZ)
	}

	// Skip anything between the header and the voxel data.
	if skip := int64(h.VoxOffset) - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("skipping nifti extensions: %w", err)
		}
	}

	if err := readVoxels(r, vol, h.Datatype); err != nil {
		return nil, err
	}

	// Drain the stream so the gzip layer checks its CRC trailer. A file
	// truncated right after the voxel bytes would otherwise pass silently.
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, fmt.Errorf("verifying nifti payload: %w", err)
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && (slope != 1 || inter != 0) {
		for i := range vol.Data {
			vol.Data[i] = vol.Data[i]*slope + inter
		}
	}
	return vol, nil
}

// applySform recovers spacing, direction, and origin from the RAS affine,
// converting back to the LPS frame.
func applySform(vol *models.Volume, sx, sy, sz [4]float32) {
	rows := [3][4]float32{sx, sy, sz}
	for c := 0; c < 3; c++ {
		col := [3]float64{-float64(rows[0][c]), -float64(rows[1][c]), float64(rows[2][c])}
		norm := math.Sqrt(col[0]*col[0] + col[1]*col[1] + col[2]*col[2])
		if norm == 0 {
			continue
		}
		vol.Spacing[c] = norm
		vol.Direction[0*3+c] = col[0] / norm
		vol.Direction[1*3+c] = col[1] / norm
		vol.Direction[2*3+c] = col[2] / norm
	}
	vol.Origin = [3]float64{-float64(sx[3]), -float64(sy[3]), float64(sz[3])}
}

func readVoxels(r io.Reader, vol *models.Volume, datatype int16) error {
	var bytesPer int
	switch datatype {
	case dtUint8:
		bytesPer = 1
	case dtInt16:
		bytesPer = 2
	case dtInt32, dtFloat32:
		bytesPer = 4
	case dtFloat64:
		bytesPer = 8
	default:
		return fmt.Errorf("unsupported nifti datatype %d", datatype)
	}

	buf := make([]byte, len(vol.Data)*bytesPer)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("reading nifti voxels: %w", err)
	}
	for i := range vol.Data {
		off := i * bytesPer
		switch datatype {
		case dtUint8:
			vol.Data[i] = float64(buf[off])
		case dtInt16:
			vol.Data[i] = float64(int16(binary.LittleEndian.Uint16(buf[off:])))
		case dtInt32:
			vol.Data[i] = float64(int32(binary.LittleEndian.Uint32(buf[off:])))
		case dtFloat32:
			vol.Data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])))
		case dtFloat64:
			vol.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
		}
	}
	return nil
}

func clampRound(v, lo, hi float64) float64 {
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
