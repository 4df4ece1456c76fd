package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"github.com/UMEssen/saros-dataset/internal/models"
	"github.com/UMEssen/saros-dataset/pkg/assemble"
	"github.com/UMEssen/saros-dataset/pkg/tcia"
)

// FetchedSeries is one downloaded and assembled series.
type FetchedSeries struct {
	// Volume is the assembled voxel volume.
	Volume *models.Volume

	// Files are the local DICOM file paths in anatomical order.
	Files []string

	// FirstFile and LastFile are the outermost slices, kept by
	// --save-meta-dicoms.
	FirstFile string
	LastFile  string
}

// VolumeSource fetches one series as a volume. The production implementation
// wraps the archive client and the assembler; tests substitute synthetic
// volumes.
type VolumeSource interface {
	Fetch(ctx context.Context, seriesUID, workDir string, kind models.VolumeKind) (*FetchedSeries, error)
}

// archiveSource is the production VolumeSource backed by the TCIA client.
type archiveSource struct {
	client *tcia.Client
}

// NewArchiveSource builds a VolumeSource on top of client.
func NewArchiveSource(client *tcia.Client) VolumeSource {
	return &archiveSource{client: client}
}

func (s *archiveSource) Fetch(ctx context.Context, seriesUID, workDir string, kind models.VolumeKind) (*FetchedSeries, error) {
	metas, err := s.client.SeriesMetadata(ctx, seriesUID)
	if err != nil {
		return nil, err
	}
	// The archive reports the image count as a string; an unparseable value
	// disables the completeness check rather than failing the case.
	expected, _ := strconv.Atoi(metas[0].NumberOfImages)

	files, err := s.client.DownloadSeries(ctx, seriesUID, workDir)
	if err != nil {
		return nil, err
	}
	if expected > 0 && len(files) != expected {
		return nil, fmt.Errorf("series %s: archive reports %d images but the download contained %d files",
			seriesUID, expected, len(files))
	}

	series, err := assemble.ReadSeries(files)
	if err != nil {
		return nil, err
	}
	vol, err := series.Volume(kind)
	if err != nil {
		return nil, err
	}
	manifest := series.Manifest()
	ordered := make([]string, len(manifest.Files))
	for i, f := range manifest.Files {
		ordered[i] = f.Path
	}
	return &FetchedSeries{
		Volume:    vol,
		Files:     ordered,
		FirstFile: series.FirstFile(),
		LastFile:  series.LastFile(),
	}, nil
}
