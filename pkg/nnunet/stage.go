// Package nnunet reshapes completed case directories into the fixed input
// tree the nnU-Net training framework expects: per-slice 2D volumes split
// into train/test folders, a five-fold cross-validation split file, and the
// dataset descriptor JSON. The trainer itself is an external collaborator
// that only ever sees these directories.
package nnunet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/UMEssen/saros-dataset/internal/models"
	"github.com/UMEssen/saros-dataset/pkg/casedir"
	"github.com/UMEssen/saros-dataset/pkg/nifti"
)

const numFolds = 5

// Dataset identifiers of the two 2D segmentation tasks.
const (
	DatasetRegions = "regions"
	DatasetParts   = "parts"
)

// Params configures one staging run.
type Params struct {
	// SourceDir holds the per-case directories written by the download
	// pipeline.
	SourceDir string

	// TargetDir is the root under which the nnUNet_training tree is built.
	TargetDir string

	// Records is the catalog; the split column drives fold assignment.
	Records []models.CaseRecord

	// Dataset selects DatasetRegions or DatasetParts.
	Dataset string

	Logger *zap.Logger
}

// Result summarizes a staging run.
type Result struct {
	// TrainingSlices is the number of annotated 2D training pairs written.
	TrainingSlices int

	// TestCases is the number of whole test cases copied for evaluation.
	TestCases int
}

// datasetSpec is the per-dataset wiring: which label file feeds it and how
// the nnU-Net task is named.
type datasetSpec struct {
	labelFile  string
	taskName   string
	labelNames []string
}

func specFor(dataset string) (datasetSpec, error) {
	switch dataset {
	case DatasetRegions:
		return datasetSpec{
			labelFile:  casedir.RegionsFile,
			taskName:   "Dataset557_BCA_2d_regions",
			labelNames: models.BodyRegionNames,
		}, nil
	case DatasetParts:
		return datasetSpec{
			labelFile:  casedir.PartsFile,
			taskName:   "Dataset558_BCA_2d_parts",
			labelNames: models.BodyPartNames,
		}, nil
	default:
		return datasetSpec{}, fmt.Errorf("unknown dataset %q, want %q or %q",
			dataset, DatasetRegions, DatasetParts)
	}
}

// Stage builds the nnU-Net tree for one dataset.
func Stage(params Params) (*Result, error) {
	spec, err := specFor(params.Dataset)
	if err != nil {
		return nil, err
	}
	log := params.Logger
	if log == nil {
		log = zap.NewNop()
	}

	trainingRoot := filepath.Join(params.TargetDir, "nnUNet_training")
	rawDir := filepath.Join(trainingRoot, "nnUNet_raw", spec.taskName)
	preprocessedDir := filepath.Join(trainingRoot, "nnUNet_preprocessed", spec.taskName)
	evalDir := filepath.Join(trainingRoot, "nnUNet_eval", spec.taskName)
	if err := os.MkdirAll(preprocessedDir, 0755); err != nil {
		return nil, err
	}

	splits := make([]foldSplit, numFolds)
	result := &Result{}

	for _, rec := range params.Records {
		fold, isTest, err := foldOf(rec)
		if err != nil {
			return nil, err
		}

		caseDir := filepath.Join(params.SourceDir, rec.ID)
		image, err := nifti.ReadFile(filepath.Join(caseDir, casedir.ImageFile))
		if err != nil {
			return nil, fmt.Errorf("case %s: %w", rec.ID, err)
		}
		label, err := nifti.ReadFile(filepath.Join(caseDir, spec.labelFile))
		if err != nil {
			return nil, fmt.Errorf("case %s: %w", rec.ID, err)
		}
		if label.Nx != image.Nx || label.Ny != image.Ny || label.Nz != image.Nz {
			return nil, fmt.Errorf("case %s: image and label volumes disagree on shape", rec.ID)
		}

		subset := "Tr"
		if isTest {
			subset = "Ts"
			if err := copyEvalCase(evalDir, rec.ID, caseDir, spec.labelFile); err != nil {
				return nil, err
			}
			result.TestCases++
		}

		for z := 0; z < label.Nz; z++ {
			if sliceHasIgnore(label, z) {
				continue
			}
			sliceID := fmt.Sprintf("%s_%d", rec.ID, z)
			imgPath := filepath.Join(rawDir, "images"+subset, sliceID+"_0000.nii.gz")
			labelPath := filepath.Join(rawDir, "labels"+subset, sliceID+".nii.gz")
			if err := writeSlice(imgPath, image, z); err != nil {
				return nil, fmt.Errorf("case %s slice %d: %w", rec.ID, z, err)
			}
			if err := writeSlice(labelPath, label, z); err != nil {
				return nil, fmt.Errorf("case %s slice %d: %w", rec.ID, z, err)
			}
			if !isTest {
				result.TrainingSlices++
				for f := range splits {
					if f == fold {
						splits[f].Val = append(splits[f].Val, sliceID)
					} else {
						splits[f].Train = append(splits[f].Train, sliceID)
					}
				}
			}
		}
		log.Debug("staged case",
			zap.String("case", rec.ID),
			zap.String("subset", subset))
	}

	if err := writeJSON(filepath.Join(preprocessedDir, "splits_final.json"), splits); err != nil {
		return nil, err
	}
	if err := writeDatasetJSON(rawDir, spec, result.TrainingSlices); err != nil {
		return nil, err
	}

	log.Info("staging finished",
		zap.String("dataset", spec.taskName),
		zap.Int("trainingSlices", result.TrainingSlices),
		zap.Int("testCases", result.TestCases))
	return result, nil
}

// foldSplit is one cross-validation fold of splits_final.json.
type foldSplit struct {
	Train []string `json:"train"`
	Val   []string `json:"val"`
}

// foldOf maps the catalog split column to a fold index or the test subset.
func foldOf(rec models.CaseRecord) (fold int, isTest bool, err error) {
	switch rec.Split {
	case "test":
		return 0, true, nil
	case "fold-1", "fold-2", "fold-3", "fold-4", "fold-5":
		return int(rec.Split[len(rec.Split)-1] - '1'), false, nil
	default:
		return 0, false, fmt.Errorf("case %s has unknown split %q", rec.ID, rec.Split)
	}
}

// sliceHasIgnore reports whether any voxel of slice z carries the ignore
// label. Such slices are unannotated and excluded from the 2D dataset.
func sliceHasIgnore(label *models.Volume, z int) bool {
	plane := label.Nx * label.Ny
	base := z * plane
	for i := 0; i < plane; i++ {
		if label.Data[base+i] == models.IgnoreLabel {
			return true
		}
	}
	return false
}

// writeSlice extracts axial slice z of vol and writes it as a 2D (depth 1)
// volume, shifting the origin along the slice normal so geometry stays
// physically correct.
func writeSlice(path string, vol *models.Volume, z int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	plane := vol.Nx * vol.Ny
	out := models.NewVolume(vol.Nx, vol.Ny, 1, vol.Spacing, vol.Kind)
	copy(out.Data, vol.Data[z*plane:(z+1)*plane])
	out.Direction = vol.Direction
	normal := vol.SliceNormal()
	for axis := 0; axis < 3; axis++ {
		out.Origin[axis] = vol.Origin[axis] + normal[axis]*float64(z)*vol.Spacing[2]
	}

	return nifti.WriteFile(path, out)
}

// copyEvalCase keeps the whole image and label of a test case for later
// evaluation.
func copyEvalCase(evalDir, caseID, caseDir, labelFile string) error {
	imgDir := filepath.Join(evalDir, "imagesTs")
	labelDir := filepath.Join(evalDir, "labelsTs")
	if err := os.MkdirAll(imgDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(labelDir, 0755); err != nil {
		return err
	}
	if err := copyFile(filepath.Join(caseDir, casedir.ImageFile),
		filepath.Join(imgDir, caseID+"_0000.nii.gz")); err != nil {
		return err
	}
	return copyFile(filepath.Join(caseDir, labelFile),
		filepath.Join(labelDir, caseID+".nii.gz"))
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

func writeDatasetJSON(rawDir string, spec datasetSpec, numTraining int) error {
	labels := make(map[string]int, len(spec.labelNames))
	for id, name := range spec.labelNames {
		labels[name] = id
	}
	descriptor := map[string]interface{}{
		"channel_names": map[string]string{"0": "CT"},
		"labels":        labels,
		"numTraining":   numTraining,
		"file_ending":   ".nii.gz",
	}
	return writeJSON(filepath.Join(rawDir, "dataset.json"), descriptor)
}

func writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
