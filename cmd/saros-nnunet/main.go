package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/UMEssen/saros-dataset/pkg/catalog"
	"github.com/UMEssen/saros-dataset/pkg/logging"
	"github.com/UMEssen/saros-dataset/pkg/nnunet"
)

func main() {
	infoCSV := flag.String("info-csv", "", "Catalog CSV with the split assignment of each case")
	sourceDir := flag.String("source-dir", "", "Directory holding the downloaded case directories")
	targetDir := flag.String("target-dir", "", "Directory receiving the nnUNet_training tree")
	dataset := flag.String("dataset", nnunet.DatasetRegions,
		"Segmentation task to stage: regions or parts")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *infoCSV == "" || *sourceDir == "" || *targetDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	log, err := logging.New(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	records, err := catalog.Load(*infoCSV)
	if err != nil {
		log.Fatal("reading catalog", zap.String("path", *infoCSV), zap.Error(err))
	}

	result, err := nnunet.Stage(nnunet.Params{
		SourceDir: *sourceDir,
		TargetDir: *targetDir,
		Records:   records,
		Dataset:   *dataset,
		Logger:    log,
	})
	if err != nil {
		log.Fatal("staging failed", zap.Error(err))
	}

	log.Info("done",
		zap.Int("trainingSlices", result.TrainingSlices),
		zap.Int("testCases", result.TestCases))
}
