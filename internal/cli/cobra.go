package cli

import (
	"fmt"
	"log/slog"

	"starlign/internal/config"
	"starlign/internal/grpcserver"
	"starlign/internal/pipeline"
	"starlign/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "starlign",
		Short: "starlign registers astronomical image sequences",
		Long: `starlign reads and writes Siril .seq sequence files, computes per-frame
statistics and aligns frames to a reference with feature matching.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newInfoCmd(root))
	rootCmd.AddCommand(newCheckCmd(root))
	rootCmd.AddCommand(newRegisterCmd(root))
	rootCmd.AddCommand(newStatsCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newHealthCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newInfoCmd(root *Root) *cobra.Command {
	var frames bool
	cmd := &cobra.Command{
		Use:   "info <sequence.seq>",
		Short: "Show sequence header and frames",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdInfo(args[0], frames)
		},
	}
	cmd.Flags().BoolVar(&frames, "frames", true, "List every frame")
	return cmd
}

func newCheckCmd(root *Root) *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "check <sequence.seq>",
		Short: "Validate a sequence file",
		Long: `Parse a sequence file and report recoverable inconsistencies such as
a stale selected count or an out of range reference. With --fix the
corrected sequence is written back.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdCheck(args[0], fix)
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "Rewrite the file with corrections applied")
	return cmd
}

func newRegisterCmd(root *Root) *cobra.Command {
	var (
		detector     string
		matcher      string
		layer        int
		reference    int
		workers      int
		selectedOnly bool
	)

	cmd := &cobra.Command{
		Use:   "register <sequence.seq>",
		Short: "Align every frame to the reference frame",
		Long: `Detect features in each frame, match them against the reference frame
and store the estimated homography in the sequence file.

Examples:
  # Defaults from the configuration file
  starlign register lights_.seq

  # ORB features on the green channel against frame 12
  starlign register lights_.seq --detector orb --layer 1 --reference 12`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			options := map[string]any{}
			flags := cmd.Flags()
			if flags.Changed("detector") {
				options["detector"] = detector
			}
			if flags.Changed("matcher") {
				options["matcher"] = matcher
			}
			if flags.Changed("layer") {
				options["layer"] = layer
			}
			if flags.Changed("reference") {
				options["reference"] = reference
			}
			if flags.Changed("workers") {
				options["workers"] = workers
			}
			if flags.Changed("selected-only") {
				options["selectedOnly"] = selectedOnly
			}
			return root.cmdRegister(cmd.Context(), args[0], options)
		},
	}

	cmd.Flags().StringVar(&detector, "detector", "", "Feature detector (kaze, akaze, orb, sift)")
	cmd.Flags().StringVar(&matcher, "matcher", "", "Descriptor matcher (flann, bf, native)")
	cmd.Flags().IntVar(&layer, "layer", -2, "Layer to register (-2 auto, -1 all layers)")
	cmd.Flags().IntVar(&reference, "reference", 0, "Reference frame index")
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent frame workers")
	cmd.Flags().BoolVar(&selectedOnly, "selected-only", false, "Skip excluded frames")
	return cmd
}

func newStatsCmd(root *Root) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stats <sequence.seq>",
		Short: "Compute per-layer frame statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdStats(cmd.Context(), args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Recompute statistics that are already present")
	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List registration runs, or the frames of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return root.cmdRuns(limit, id)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	opts := serveOptions{
		HTTPAddr: root.cfg.Server.HTTPAddr,
		GRPCAddr: root.cfg.Server.GRPCAddr,
		Watch:    root.cfg.Server.Watch,
	}

	cmd := &cobra.Command{
		Use:   "serve <sequence.seq>",
		Short: "Serve a sequence over HTTP with a live event feed",
		Long: `Start an HTTP server exposing the sequence, its frames and registration
runs, plus a websocket feed of job results and sequence changes. A gRPC
health service is started alongside it.

Examples:
  starlign serve lights_.seq --addr :8085
  starlign serve lights_.seq --grpc-addr "" --watch=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SequencePath = args[0]
			return root.cmdServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.HTTPAddr, "addr", opts.HTTPAddr, "HTTP server address")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc-addr", opts.GRPCAddr, "gRPC health address (empty disables)")
	cmd.Flags().BoolVar(&opts.Watch, "watch", opts.Watch, "Reload the sequence when it changes on disk")
	return cmd
}

func newHealthCmd(root *Root) *cobra.Command {
	var (
		addr    string
		service string
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the gRPC health service of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdHealth(cmd.Context(), addr, service)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.GRPCAddr, "gRPC server address")
	cmd.Flags().StringVar(&service, "service", grpcserver.PipelineService, "Service name to check")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate starlign configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Println("Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
