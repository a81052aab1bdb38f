package cli

import (
	"fmt"
	"os"
	"runtime"

	"gocv.io/x/gocv"
	"gopkg.in/gographics/imagick.v3/imagick"
)

const version = "0.4.0"

func (r *Root) configShow() error {
	fmt.Printf("Current configuration:\n")
	cfgPath := os.Getenv("STARLIGN_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/starlign/config.json"
	}
	fmt.Printf("Config file: %s\n", cfgPath)

	reg := r.cfg.Registration
	fmt.Printf("\nRegistration:\n")
	fmt.Printf("  Detector: %s\n", reg.Detector)
	fmt.Printf("  Matcher: %s (ratio %.2f)\n", reg.Matcher, reg.RatioThreshold)
	fmt.Printf("  Clamp: %g..%g\n", reg.ClampLow, reg.ClampHigh)
	fmt.Printf("  RANSAC: threshold %.2f px, %d iterations, seed %d\n", reg.RANSACThreshold, reg.RANSACIterations, reg.RANSACSeed)
	fmt.Printf("  Workers: %d\n", reg.Workers)
	switch reg.Layer {
	case -2:
		fmt.Printf("  Layer: auto\n")
	case -1:
		fmt.Printf("  Layer: all\n")
	default:
		fmt.Printf("  Layer: %d\n", reg.Layer)
	}
	fmt.Printf("  Selected only: %t\n", reg.SelectedOnly)

	fmt.Printf("\nPixels:\n")
	fmt.Printf("  Cache entries: %d\n", r.cfg.Pixels.CacheEntries)
	fmt.Printf("  Extension: %s\n", r.cfg.Pixels.Extension)

	fmt.Printf("\nStorage:\n")
	fmt.Printf("  Driver: %s\n", r.cfg.Storage.Driver)
	fmt.Printf("  Path: %s\n", r.cfg.Storage.Path)

	fmt.Printf("\nServer:\n")
	fmt.Printf("  HTTP: %s\n", r.cfg.Server.HTTPAddr)
	fmt.Printf("  gRPC: %s\n", r.cfg.Server.GRPCAddr)
	fmt.Printf("  Watch: %t\n", r.cfg.Server.Watch)

	fmt.Printf("\nLogging:\n")
	fmt.Printf("  Level: %s\n", r.cfg.Logging.Level)
	fmt.Printf("  Format: %s\n", r.cfg.Logging.Format)
	fmt.Printf("  Directory: %s\n", r.cfg.Logging.LogDir)
	fmt.Printf("\nParallel jobs: %d\n", r.cfg.Processing.ParallelJobs)
	return nil
}

func (r *Root) cmdVersion() error {
	fmt.Printf("starlign v%s\n", version)
	fmt.Printf("Built with Go %s\n", runtime.Version())
	fmt.Printf("OpenCV: %s\n", gocv.OpenCVVersion())
	v, _ := imagick.GetVersion()
	fmt.Printf("ImageMagick: %s\n", v)
	return nil
}
