package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	defaultConfigPath = "~/.config/starlign/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings.
type Config struct {
	Processing   Processing   `json:"processing"`
	Logging      Logging      `json:"logging"`
	Registration Registration `json:"registration"`
	Pixels       Pixels       `json:"pixels"`
	Storage      Storage      `json:"storage"`
	Server       Server       `json:"server"`
}

// Processing captures job queue preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`
}

// Registration configures feature detection, matching and estimation.
type Registration struct {
	Detector         string  `json:"detector"` // kaze, akaze, orb, sift
	Matcher          string  `json:"matcher"`  // flann, bf, native
	RatioThreshold   float64 `json:"ratio_threshold"`
	ClampLow         float64 `json:"clamp_low"`
	ClampHigh        float64 `json:"clamp_high"`
	RANSACThreshold  float64 `json:"ransac_threshold"`
	RANSACIterations int     `json:"ransac_iterations"`
	RANSACSeed       int64   `json:"ransac_seed"`
	Workers          int     `json:"workers"`
	SelectedOnly     bool    `json:"selected_only"`
	Layer            int     `json:"layer"` // -2 picks automatically, -1 records all layers
}

// Pixels configures frame access.
type Pixels struct {
	CacheEntries int    `json:"cache_entries"`
	Extension    string `json:"extension"`
}

// Storage configures the run history database.
type Storage struct {
	Driver string `json:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
	Path   string `json:"path"`
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	HTTPAddr string `json:"http_addr"`
	GRPCAddr string `json:"grpc_addr"`
	Watch    bool   `json:"watch"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("STARLIGN_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the configuration at path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", expanded, err)
	}
	return cfg, nil
}

// Validate rejects settings the registration pipeline cannot run with.
func (c *Config) Validate() error {
	r := c.Registration
	switch r.Detector {
	case "kaze", "akaze", "orb", "sift":
	default:
		return fmt.Errorf("unknown detector %q", r.Detector)
	}
	switch r.Matcher {
	case "flann", "bf", "native":
	default:
		return fmt.Errorf("unknown matcher %q", r.Matcher)
	}
	if r.RatioThreshold <= 0 || r.RatioThreshold >= 1 {
		return fmt.Errorf("ratio_threshold must be in (0,1), got %v", r.RatioThreshold)
	}
	if r.ClampHigh <= r.ClampLow {
		return fmt.Errorf("clamp_high %v must exceed clamp_low %v", r.ClampHigh, r.ClampLow)
	}
	if r.Layer < -2 {
		return fmt.Errorf("invalid registration layer %d", r.Layer)
	}
	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Registration: Registration{
			Detector:         "kaze",
			Matcher:          "flann",
			RatioThreshold:   0.7,
			ClampLow:         990,
			ClampHigh:        3900,
			RANSACThreshold:  4.0,
			RANSACIterations: 2000,
			RANSACSeed:       1,
			Workers:          runtime.NumCPU(),
			Layer:            -2,
		},
		Pixels: Pixels{
			CacheEntries: 16,
			Extension:    ".fit",
		},
		Storage: Storage{
			Driver: "sqlite",
			Path:   filepath.Join(os.TempDir(), "starlign.db"),
		},
		Server: Server{
			HTTPAddr: ":8085",
			GRPCAddr: ":8086",
			Watch:    true,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
