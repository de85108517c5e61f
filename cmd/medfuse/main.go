package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"medfuse/internal/logging"
	"medfuse/pkg/config"
	"medfuse/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "medfuse.yaml", "Path to the YAML configuration file")
	outputFile := flag.String("o", "fused.jpg", "Output image filename")
	fixedPoints := flag.String("fixed-points", "", "Landmarks on the first image, e.g. [[10,20],[30,40],[50,60]]")
	movingPoints := flag.String("moving-points", "", "Matching landmarks on the second image")
	segment := flag.Bool("segment", false, "Also write a segmented copy of the fused image")
	compareFile := flag.String("compare", "", "Write a side-by-side comparison PNG to this file")
	saveIntermediary := flag.Bool("save-intermediary", false, "Save intermediary results during processing")
	intermediaryDir := flag.String("intermediary-dir", "", "Directory to save intermediary results")
	workers := flag.Int("workers", 0, "Parallel convolution workers (default: from config)")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	verbose := flag.Bool("v", false, "Enable debug logging")
	jsonLogs := flag.Bool("log-json", false, "Emit JSON logs instead of console output")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] image1 image2 [image3 ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags override the configuration file
	if *segment {
		cfg.Segmentation.Enabled = true
	}
	if *saveIntermediary {
		cfg.Output.SaveIntermediaryResults = true
	}
	if *intermediaryDir != "" {
		cfg.Output.IntermediaryDir = *intermediaryDir
	}
	if *workers > 0 {
		cfg.Fusion.NumWorkers = *workers
	}
	if *verbose {
		cfg.Output.Verbose = true
	}

	var logger zerolog.Logger
	if *jsonLogs {
		level := zerolog.InfoLevel
		if cfg.Output.Verbose {
			level = zerolog.DebugLevel
		}
		logger = logging.NewJSON(os.Stderr, level)
	} else {
		logger = logging.New(cfg.Output.Verbose, os.Stderr)
	}

	fmt.Println("================================")
	fmt.Println("MEDICAL IMAGE FUSION BY CONVOLUTIONAL FEATURE SALIENCY")
	fmt.Println("================================")

	params := &pipeline.Params{
		Inputs:       flag.Args(),
		OutputFile:   *outputFile,
		FixedPoints:  *fixedPoints,
		MovingPoints: *movingPoints,
		CompareFile:  *compareFile,
		Config:       cfg,
	}
	p := pipeline.NewPipeline(params, logger)

	startTime := time.Now()
	if err := p.Process(); err != nil {
		logger.Error().Err(err).Msg("Fusion failed")
		os.Exit(1)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nFusion completed successfully in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Fused image saved to: %s\n", *outputFile)
	if seg := p.GetSegmentation(); seg != nil {
		fmt.Printf("Segmented image saved to: %s (threshold %d, %d components, area %d px)\n",
			pipeline.SegmentedPath(*outputFile), seg.Threshold, seg.Components, seg.Area)
	}
	if a := p.GetAlignment(); a != nil {
		fmt.Printf("Registration: disparity %.6f, scale %.4f, translation %.2f\n",
			a.Disparity, a.Transform.Scale, a.Transform.Translation)
	}

	report := p.GetMetrics()
	fmt.Printf("\nFusion Metrics:\n")
	fmt.Printf("===============\n")
	fmt.Printf("Entropy of fused image: %.3f bits\n", report.Entropy)
	for i, s := range report.Sources {
		fmt.Printf("\nSource %d (%s):\n", i+1, params.Inputs[i])
		fmt.Printf("  Mutual Information (MI): %.3f bits\n", s.MI)
		fmt.Printf("  Structural Similarity Index (SSIM): %.3f\n", s.SSIM)
		fmt.Printf("  Root Mean Square Error (RMSE): %.6f\n", s.RMSE)
		fmt.Printf("  Edge Preservation: %.3f\n", s.EdgePreserved)
	}
	if report.HasColor {
		fmt.Printf("\nMean color shift (CIEDE2000): %.4f\n", report.ColorShift)
	}

	if cfg.Output.SaveIntermediaryResults {
		fmt.Println("\nIntermediary results saved to:")
		fmt.Printf("%s\n", cfg.Output.IntermediaryDir)
		fmt.Println("The following stages were saved:")
		if p.GetAlignment() != nil {
			fmt.Println("- 00_registered: Second input warped onto the first")
		}
		fmt.Println("- 01_luminance: Luminance plane of each input")
		fmt.Println("- 02_saliency: Channel-summed feature saliency per input and depth")
		fmt.Println("- 03_weights: Softmax weight maps")
		fmt.Println("- 04_fused: Fused luminance")
	}
}
