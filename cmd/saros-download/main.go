package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/UMEssen/saros-dataset/pkg/casedir"
	"github.com/UMEssen/saros-dataset/pkg/catalog"
	"github.com/UMEssen/saros-dataset/pkg/config"
	"github.com/UMEssen/saros-dataset/pkg/logging"
	"github.com/UMEssen/saros-dataset/pkg/pipeline"
	"github.com/UMEssen/saros-dataset/pkg/tcia"
)

func main() {
	infoCSV := flag.String("info-csv", "", "Catalog CSV listing the cases to download")
	targetDir := flag.String("target-dir", "", "Directory receiving one subdirectory per case")
	saveOriginal := flag.Bool("save-original-image", false, "Also keep the CT volume at its native slice thickness")
	saveMetaDicoms := flag.Bool("save-meta-dicoms", false, "Keep the first and last DICOM file of each series")
	saveDicoms := flag.Bool("save-dicoms", false, "Keep every downloaded DICOM file")
	forceDownload := flag.Bool("force-download", false, "Reprocess cases whose outputs already exist")
	noLogin := flag.Bool("no-login", false, "Use the guest account instead of prompting for credentials")
	parallelDownloads := flag.Int("parallel-downloads", 0, "Number of cases downloaded concurrently (default from config)")
	setIgnore := flag.Int("set-ignore", -1, "Label value written outside the annotated range, negative to disable")
	thickness := flag.Float64("thickness", 0, "Target slice thickness in mm (default from config)")
	configPath := flag.String("config", "", "Optional YAML config file")
	writeConfig := flag.String("write-config", "", "Write a default config file to this path and exit")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.WriteDefaultConfig(*writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote default config to %s\n", *writeConfig)
		return
	}

	if *infoCSV == "" || *targetDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *parallelDownloads > 0 {
		cfg.Processing.ParallelDownloads = *parallelDownloads
	}
	if *thickness > 0 {
		cfg.Processing.SliceThickness = *thickness
	}

	log, err := logging.New(*verbose || cfg.Output.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	records, err := catalog.Load(*infoCSV)
	if err != nil {
		log.Fatal("reading catalog", zap.String("path", *infoCSV), zap.Error(err))
	}
	log.Info("catalog loaded",
		zap.String("path", *infoCSV),
		zap.Int("cases", len(records)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := tcia.NewClient(tcia.Options{
		APIURL:            cfg.Archive.APIURL,
		LoginURL:          cfg.Archive.LoginURL,
		RequestsPerSecond: cfg.Archive.RequestsPerSecond,
		Retry:             tcia.DefaultRetryPolicy(cfg.Archive.MaxAttempts),
		Logger:            log,
	})

	if *noLogin {
		if err := client.GuestLogin(ctx); err != nil {
			log.Fatal("guest login failed", zap.Error(err))
		}
	} else {
		username, password := credentials(cfg)
		if err := client.Login(ctx, username, password); err != nil {
			log.Fatal("login failed", zap.String("username", username), zap.Error(err))
		}
	}

	runner := pipeline.NewRunner(pipeline.Params{
		Records: records,
		Source:  pipeline.NewArchiveSource(client),
		Writer: &casedir.Writer{
			TargetDir:         *targetDir,
			SaveOriginalImage: *saveOriginal,
			SaveMetaDicoms:    *saveMetaDicoms,
			SaveDicoms:        *saveDicoms,
			Force:             *forceDownload,
		},
		ParallelDownloads: cfg.Processing.ParallelDownloads,
		SliceThickness:    cfg.Processing.SliceThickness,
		IgnoreValue:       *setIgnore,
		Logger:            log,
	})

	summary, err := runner.Run(ctx)
	if err != nil {
		log.Warn("run interrupted", zap.Error(err))
	}
	for _, failure := range summary.Failed {
		log.Error("case failed",
			zap.String("case", failure.CaseID),
			zap.Error(failure.Err))
	}
	if len(summary.Failed) > 0 || err != nil {
		os.Exit(1)
	}
}

// credentials resolves the archive account. Config and SAROS_USERNAME /
// SAROS_PASSWORD take priority; anything still missing is prompted for.
func credentials(cfg *config.Config) (username, password string) {
	username = cfg.Archive.Username
	password = cfg.Archive.Password
	reader := bufio.NewReader(os.Stdin)
	if username == "" {
		fmt.Fprint(os.Stderr, "TCIA username: ")
		line, _ := reader.ReadString('\n')
		username = strings.TrimSpace(line)
	}
	if password == "" {
		fmt.Fprint(os.Stderr, "TCIA password: ")
		line, _ := reader.ReadString('\n')
		password = strings.TrimRight(line, "\r\n")
	}
	return username, password
}
