package casedir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/UMEssen/saros-dataset/internal/models"
)

func smallVolume() *models.Volume {
	vol := models.NewVolume(2, 2, 2, [3]float64{1, 1, 5}, models.Intensity)
	for i := range vol.Data {
		vol.Data[i] = float64(i)
	}
	return vol
}

func writeCase(t *testing.T, w *Writer, caseID string) {
	t.Helper()
	for _, name := range []string{ImageFile, RegionsFile, PartsFile} {
		if err := w.WriteVolume(caseID, name, smallVolume()); err != nil {
			t.Fatalf("WriteVolume(%s) failed: %v", name, err)
		}
	}
}

func TestWriteVolumeAtomic(t *testing.T) {
	w := &Writer{TargetDir: t.TempDir()}
	if err := w.WriteVolume("case_001", ImageFile, smallVolume()); err != nil {
		t.Fatalf("WriteVolume failed: %v", err)
	}

	entries, err := os.ReadDir(w.CaseDir("case_001"))
	if err != nil {
		t.Fatalf("Reading case dir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != ImageFile {
		t.Errorf("Expected only %s in the case dir, got %v", ImageFile, entries)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("Temporary file %s survived the rename", e.Name())
		}
	}
}

func TestShouldSkip(t *testing.T) {
	t.Run("IncompleteCase", func(t *testing.T) {
		w := &Writer{TargetDir: t.TempDir()}
		if w.ShouldSkip("case_001") {
			t.Error("Missing case must not be skipped")
		}
		if err := w.WriteVolume("case_001", ImageFile, smallVolume()); err != nil {
			t.Fatalf("WriteVolume failed: %v", err)
		}
		if w.ShouldSkip("case_001") {
			t.Error("Case without label volumes must not be skipped")
		}
	})

	t.Run("CompleteCase", func(t *testing.T) {
		w := &Writer{TargetDir: t.TempDir()}
		writeCase(t, w, "case_001")
		if !w.ShouldSkip("case_001") {
			t.Error("Complete case should be skipped")
		}
	})

	t.Run("ForceWins", func(t *testing.T) {
		w := &Writer{TargetDir: t.TempDir(), Force: true}
		writeCase(t, w, "case_001")
		if w.ShouldSkip("case_001") {
			t.Error("Force must disable skipping")
		}
	})

	t.Run("FlagsGrowExpectations", func(t *testing.T) {
		w := &Writer{TargetDir: t.TempDir()}
		writeCase(t, w, "case_001")

		w.SaveOriginalImage = true
		if w.ShouldSkip("case_001") {
			t.Error("Case without the original image must not be skipped when it is requested")
		}
		if err := w.WriteVolume("case_001", OriginalImageFile, smallVolume()); err != nil {
			t.Fatalf("WriteVolume failed: %v", err)
		}
		if !w.ShouldSkip("case_001") {
			t.Error("Case with the original image should be skipped")
		}
	})
}

func TestIdempotentRerunDoesNotRewrite(t *testing.T) {
	w := &Writer{TargetDir: t.TempDir()}
	writeCase(t, w, "case_001")

	path := filepath.Join(w.CaseDir("case_001"), ImageFile)
	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	// A second run consults ShouldSkip and must not touch the files.
	if !w.ShouldSkip("case_001") {
		t.Fatal("Complete case should be skipped on rerun")
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("Rerun modified an existing artifact")
	}
}

func TestKeepDicoms(t *testing.T) {
	src := t.TempDir()
	var paths []string
	for _, name := range []string{"1-001.dcm", "1-002.dcm", "1-003.dcm"} {
		p := filepath.Join(src, name)
		if err := os.WriteFile(p, []byte("dicom "+name), 0644); err != nil {
			t.Fatalf("Writing source file failed: %v", err)
		}
		paths = append(paths, p)
	}

	w := &Writer{TargetDir: t.TempDir(), SaveDicoms: true, SaveMetaDicoms: true}
	if err := w.KeepDicoms("case_001", paths); err != nil {
		t.Fatalf("KeepDicoms failed: %v", err)
	}
	if err := w.KeepMetaDicoms("case_001", paths[0], paths[2]); err != nil {
		t.Fatalf("KeepMetaDicoms failed: %v", err)
	}

	for _, name := range []string{"1-001.dcm", "1-002.dcm", "1-003.dcm"} {
		if _, err := os.Stat(filepath.Join(w.CaseDir("case_001"), DicomDir, name)); err != nil {
			t.Errorf("Missing copied DICOM %s: %v", name, err)
		}
	}
	got, err := os.ReadFile(filepath.Join(w.CaseDir("case_001"), MetaFirstFile))
	if err != nil {
		t.Fatalf("Reading meta_first failed: %v", err)
	}
	if string(got) != "dicom 1-001.dcm" {
		t.Errorf("meta_first has wrong content %q", got)
	}
	// Sources must still exist, copies not moves.
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("Source file %s disappeared: %v", p, err)
		}
	}
}
