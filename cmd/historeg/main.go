package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"historeg/pkg/config"
	"historeg/pkg/lddmm"
	"historeg/pkg/registration"
	"historeg/pkg/segmentation"
)

func main() {
	// Parse command line arguments
	projectFile := flag.String("project", "", "YAML project file describing slides and targets")
	configFile := flag.String("config", "historeg.yaml", "Configuration file (optional)")
	outputDir := flag.String("output", "", "Output directory (overrides config)")
	preset := flag.String("preset", "", "Default speed preset: very-slow, slow, medium, fast or skip (overrides config)")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to the config path and exit")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configFile); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configFile)
		return
	}

	// Validate inputs
	if *projectFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *outputDir != "" {
		cfg.Output.Dir = *outputDir
	}
	if *preset != "" {
		cfg.Registration.Preset = *preset
	}
	if _, err := lddmm.PresetIterations(cfg.Registration.Preset); err != nil {
		log.Fatalf("Invalid preset: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("HISTOLOGY SLICE TO BRAIN ATLAS REGISTRATION")
	fmt.Println("Affine + LDDMM deformable alignment with per-region segmentation")
	fmt.Println("================================")

	// Initialize pipeline parameters
	params := &registration.Params{
		ProjectFile:   *projectFile,
		AtlasDir:      cfg.Atlas.Dir,
		OutputDir:     cfg.Output.Dir,
		Defaults:      cfg.Registration.Params,
		DefaultPreset: cfg.Registration.Preset,
		Overlay: segmentation.OverlayOptions{
			FillAlpha: cfg.Output.OverlayFillAlpha,
			LineWidth: cfg.Output.OverlayLineWidth,
		},
		SaveTransforms: cfg.Output.SaveTransforms,
		Verbose:        cfg.Output.Verbose,
	}

	// Create pipeline instance and run it
	pipeline := registration.NewPipeline(params)
	fmt.Println("Starting registration pipeline...")
	startTime := time.Now()
	if err := pipeline.Process(); err != nil {
		log.Fatalf("Registration failed: %v", err)
	}
	processingTime := time.Since(startTime)

	// Display the per-target summary
	results := pipeline.Results()
	fmt.Printf("\nRegistration completed successfully in %.2f seconds!\n\n", processingTime.Seconds())
	fmt.Printf("Per-target results:\n")
	fmt.Printf("===================\n")
	for _, r := range results {
		fmt.Printf("%s/%s:\n", r.Slide, r.Target)
		fmt.Printf("- Segmentation variant: %s\n", r.Variant)
		if r.Iterations > 0 {
			fmt.Printf("- Optimizer iterations: %d\n", r.Iterations)
			fmt.Printf("- Final energy: %.6f\n", r.FinalError)
			fmt.Printf("- Mean/best energy over trace: %.6f / %.6f\n", r.MeanError, r.BestError)
		} else {
			fmt.Printf("- Deformable registration skipped\n")
		}
		fmt.Printf("- Processing time: %.2f seconds\n", r.Duration.Seconds())
		fmt.Printf("- Outputs: %s\n", r.OutputDir)
	}
	fmt.Printf("\nProcessed %d targets in %.2f seconds total\n", len(results), processingTime.Seconds())
}
