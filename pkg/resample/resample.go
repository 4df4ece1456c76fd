// Package resample maps volumes onto new grid spacings. Intensity volumes
// are linearly interpolated; label volumes use nearest-neighbor lookup so a
// class id is never blended into a value that belongs to no class.
package resample

import (
	"fmt"
	"math"

	"github.com/UMEssen/saros-dataset/internal/models"
)

// ToThickness resamples vol along the slice axis to the target thickness in
// mm, keeping in-plane spacing. The output depth is rounded, not truncated:
// the dataset annotations were exported against slice-rounded volumes and
// truncation would shift them by one slice on some cases.
func ToThickness(vol *models.Volume, thickness float64) (*models.Volume, error) {
	if thickness <= 0 {
		return nil, fmt.Errorf("target thickness must be positive, got %g", thickness)
	}
	target := vol.Spacing
	target[2] = thickness
	return ToSpacing(vol, target)
}

// ToSpacing resamples vol onto the target spacing. The grid keeps the input
// origin and orientation; each output size is round(n * in / out). A volume
// already on the target spacing is returned unchanged.
func ToSpacing(vol *models.Volume, target [3]float64) (*models.Volume, error) {
	for axis, s := range target {
		if s <= 0 {
			return nil, fmt.Errorf("target spacing must be positive, got %g on axis %d", s, axis)
		}
	}
	if target == vol.Spacing {
		return vol, nil
	}

	nx := outputSize(vol.Nx, vol.Spacing[0], target[0])
	ny := outputSize(vol.Ny, vol.Spacing[1], target[1])
	nz := outputSize(vol.Nz, vol.Spacing[2], target[2])

	out := models.NewVolume(nx, ny, nz, target, vol.Kind)
	out.Origin = vol.Origin
	out.Direction = vol.Direction

	// Scale factors map output voxel indices to fractional input indices.
	sx := target[0] / vol.Spacing[0]
	sy := target[1] / vol.Spacing[1]
	sz := target[2] / vol.Spacing[2]

	for z := 0; z < nz; z++ {
		zf := float64(z) * sz
		for y := 0; y < ny; y++ {
			yf := float64(y) * sy
			for x := 0; x < nx; x++ {
				xf := float64(x) * sx
				var val float64
				if vol.Kind == models.Label {
					val = nearest(vol, xf, yf, zf)
				} else {
					val = trilinear(vol, xf, yf, zf)
				}
				out.Set(x, y, z, val)
			}
		}
	}
	return out, nil
}

// ApplyIgnoreRange rewrites every label slice outside the half-open
// annotated range [start, end) to the ignore value. Both bounds negative
// means the whole volume is annotated and the volume is left untouched; a
// negative bound on one side leaves that side open, so [5, -1) keeps every
// slice from 5 onward.
func ApplyIgnoreRange(vol *models.Volume, start, end, ignore int) {
	if start < 0 && end < 0 {
		return
	}
	if start < 0 {
		start = 0
	}
	if end < 0 || end > vol.Nz {
		end = vol.Nz
	}
	plane := vol.Nx * vol.Ny
	fill := float64(ignore)
	for z := 0; z < vol.Nz; z++ {
		if z >= start && z < end {
			continue
		}
		base := z * plane
		for i := 0; i < plane; i++ {
			vol.Data[base+i] = fill
		}
	}
}

func outputSize(n int, in, out float64) int {
	size := int(math.Round(float64(n) * in / out))
	if size < 1 {
		size = 1
	}
	return size
}

// nearest picks the closest input voxel, clamped to the grid.
func nearest(vol *models.Volume, x, y, z float64) float64 {
	xi := clamp(int(math.Round(x)), 0, vol.Nx-1)
	yi := clamp(int(math.Round(y)), 0, vol.Ny-1)
	zi := clamp(int(math.Round(z)), 0, vol.Nz-1)
	return vol.At(xi, yi, zi)
}

// trilinear interpolates between the eight surrounding input voxels,
// clamping at the volume faces.
func trilinear(vol *models.Volume, x, y, z float64) float64 {
	x0 := clamp(int(math.Floor(x)), 0, vol.Nx-1)
	y0 := clamp(int(math.Floor(y)), 0, vol.Ny-1)
	z0 := clamp(int(math.Floor(z)), 0, vol.Nz-1)
	x1 := clamp(x0+1, 0, vol.Nx-1)
	y1 := clamp(y0+1, 0, vol.Ny-1)
	z1 := clamp(z0+1, 0, vol.Nz-1)

	fx := clampF(x-float64(x0), 0, 1)
	fy := clampF(y-float64(y0), 0, 1)
	fz := clampF(z-float64(z0), 0, 1)

	c000 := vol.At(x0, y0, z0)
	c100 := vol.At(x1, y0, z0)
	c010 := vol.At(x0, y1, z0)
	c110 := vol.At(x1, y1, z0)
	c001 := vol.At(x0, y0, z1)
	c101 := vol.At(x1, y0, z1)
	c011 := vol.At(x0, y1, z1)
	c111 := vol.At(x1, y1, z1)

	c00 := c000*(1-fx) + c100*fx
	c10 := c010*(1-fx) + c110*fx
	c01 := c001*(1-fx) + c101*fx
	c11 := c011*(1-fx) + c111*fx

	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy

	return c0*(1-fz) + c1*fz
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
