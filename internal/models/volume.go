package models

// VolumeKind distinguishes how voxel values may be interpolated.
type VolumeKind int

const (
	// Intensity volumes hold physical measurements (Hounsfield units for CT)
	// and may be linearly interpolated.
	Intensity VolumeKind = iota

	// Label volumes hold integer class ids. Their values must never be
	// blended; only nearest-neighbor resampling is valid.
	Label
)

// Volume is a 3D voxel array with its grid geometry. Data is stored in
// x-fastest order: Data[z*Nx*Ny + y*Nx + x].
type Volume struct {
	// Data holds one value per voxel. Label volumes store exact integer
	// values; float64 represents them losslessly.
	Data []float64

	// Nx, Ny, Nz are the grid dimensions in voxels.
	Nx, Ny, Nz int

	// Spacing is the voxel size in mm along x, y, z.
	Spacing [3]float64

	// Origin is the physical position of the first voxel center, in the
	// DICOM patient (LPS) coordinate frame.
	Origin [3]float64

	// Direction is the row-major 3x3 direction cosine matrix mapping voxel
	// axes to patient axes.
	Direction [9]float64

	// Kind selects the interpolation contract for this volume.
	Kind VolumeKind
}

// NewVolume allocates a zero-filled volume with identity orientation.
func NewVolume(nx, ny, nz int, spacing [3]float64, kind VolumeKind) *Volume {
	return &Volume{
		Data:      make([]float64, nx*ny*nz),
		Nx:        nx,
		Ny:        ny,
		Nz:        nz,
		Spacing:   spacing,
		Direction: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		Kind:      kind,
	}
}

// At returns the voxel value at (x, y, z). No bounds checking beyond the
// slice's own.
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[z*v.Nx*v.Ny+y*v.Nx+x]
}

// Set writes the voxel value at (x, y, z).
func (v *Volume) Set(x, y, z int, val float64) {
	v.Data[z*v.Nx*v.Ny+y*v.Nx+x] = val
}

// SliceNormal returns the third column of the direction matrix, the patient
// space direction of increasing z index.
func (v *Volume) SliceNormal() [3]float64 {
	return [3]float64{v.Direction[2], v.Direction[5], v.Direction[8]}
}
