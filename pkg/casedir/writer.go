// Package casedir materializes per-case output directories. Writes are
// atomic (temp file + rename) so an interrupted run never leaves a partial
// file that looks complete, and completed cases are detected so reruns skip
// them unless forced.
package casedir

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/UMEssen/saros-dataset/internal/models"
	"github.com/UMEssen/saros-dataset/pkg/nifti"
)

// Artifact names inside a case directory.
const (
	ImageFile         = "image.nii.gz"
	OriginalImageFile = "image_original.nii.gz"
	RegionsFile       = "body-regions.nii.gz"
	PartsFile         = "body-parts.nii.gz"
	MetaFirstFile     = "meta_first.dcm"
	MetaLastFile      = "meta_last.dcm"
	DicomDir          = "dicom"
)

// Writer writes case artifacts under TargetDir. Image and segmentation
// volumes of one case always land in the same case directory, which is what
// lets the pipeline enforce (rather than assume) their shared grid.
type Writer struct {
	// TargetDir is the root output directory.
	TargetDir string

	// SaveOriginalImage additionally keeps the unresampled image volume.
	SaveOriginalImage bool

	// SaveMetaDicoms keeps the first and last DICOM file of the CT series.
	SaveMetaDicoms bool

	// SaveDicoms keeps every DICOM file of the CT series.
	SaveDicoms bool

	// Force rewrites cases whose output already exists.
	Force bool
}

// CaseDir returns the output directory of a case.
func (w *Writer) CaseDir(caseID string) string {
	return filepath.Join(w.TargetDir, caseID)
}

// ShouldSkip reports whether the case output is already complete and the
// writer is not forced. The expected artifact set grows with the save flags,
// mirroring what a run with the same flags would produce.
func (w *Writer) ShouldSkip(caseID string) bool {
	if w.Force {
		return false
	}
	dir := w.CaseDir(caseID)
	expected := []string{ImageFile, RegionsFile, PartsFile}
	if w.SaveOriginalImage {
		expected = append(expected, OriginalImageFile)
	}
	if w.SaveMetaDicoms {
		expected = append(expected, MetaFirstFile, MetaLastFile)
	}
	if w.SaveDicoms {
		expected = append(expected, DicomDir)
	}
	for _, name := range expected {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// WriteVolume writes vol to name inside the case directory, atomically: the
// NIfTI is written to a temporary path in the same directory and renamed
// into place only after a successful close.
func (w *Writer) WriteVolume(caseID, name string, vol *models.Volume) error {
	dir := w.CaseDir(caseID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if err := nifti.Write(tmp, vol); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s for %s: %w", name, caseID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// KeepMetaDicoms copies the outermost slice files of the series into the
// case directory.
func (w *Writer) KeepMetaDicoms(caseID, firstPath, lastPath string) error {
	dir := w.CaseDir(caseID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := copyFile(firstPath, filepath.Join(dir, MetaFirstFile)); err != nil {
		return err
	}
	return copyFile(lastPath, filepath.Join(dir, MetaLastFile))
}

// KeepDicoms copies all series files into the case's dicom subdirectory.
// Copy instead of rename: the download directory usually lives on another
// filesystem.
func (w *Writer) KeepDicoms(caseID string, paths []string) error {
	dir := filepath.Join(w.CaseDir(caseID), DicomDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, path := range paths {
		if err := copyFile(path, filepath.Join(dir, filepath.Base(path))); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
