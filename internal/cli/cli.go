package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"starlign/internal/config"
	"starlign/internal/grpcserver"
	"starlign/internal/pipeline"
	"starlign/internal/seq"
	"starlign/internal/server"
	"starlign/internal/storage"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
	Sequences() *seq.Registry
}

type serveOptions struct {
	SequencePath string
	HTTPAddr     string
	GRPCAddr     string
	Watch        bool
}

type serverFunc func(ctx context.Context, opts serveOptions, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

type healthFunc func(ctx context.Context, addr, service string) (*healthpb.HealthCheckResponse, error)

func defaultServe(ctx context.Context, opts serveOptions, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	srv, err := server.NewServer(opts.HTTPAddr, opts.SequencePath, store, pipe, opts.Watch, log)
	if err != nil {
		return err
	}
	health := grpcserver.NewHealthServer(log)
	var lis net.Listener
	if opts.GRPCAddr != "" {
		if lis, err = net.Listen("tcp", opts.GRPCAddr); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", opts.GRPCAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if lis != nil {
		g.Go(func() error { return health.Serve(gctx, lis) })
	}
	health.SetServing(true)
	return g.Wait()
}

func defaultHealth(ctx context.Context, addr, service string) (*healthpb.HealthCheckResponse, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	healthFn healthFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
		healthFn: defaultHealth,
	}
	if pl != nil {
		r.pipeline = pl
	}
	return r
}

func (r *Root) readSequence(path string) (*seq.Sequence, []string, error) {
	rd := seq.NewReader(r.log)
	s, err := rd.ReadFile(path)
	if err != nil {
		var perr *seq.ParseError
		if errors.As(err, &perr) {
			return nil, nil, fmt.Errorf("%s:%d: %w", path, perr.Line, perr.Err)
		}
		return nil, nil, err
	}
	return s, rd.Warnings(), nil
}

func (r *Root) cmdInfo(path string, frames bool) error {
	s, warnings, err := r.readSequence(path)
	if err != nil {
		return err
	}
	fmt.Printf("Sequence: %s (%s)\n", s.Name(), s.Kind())
	fmt.Printf("  Version:      %d\n", s.Version())
	fmt.Printf("  Images:       %d (%d selected)\n", s.ImageCount(), s.SelectedCount())
	fmt.Printf("  First index:  %d\n", s.FirstIndex())
	fmt.Printf("  Fixed length: %d\n", s.FixedLength())
	fmt.Printf("  Reference:    %d\n", s.Reference())
	fmt.Printf("  Layers:       %d\n", s.LayerCount())
	if l, ok := s.RegistrationLayer(); ok {
		if l == seq.AllLayers {
			fmt.Printf("  Registration: all layers\n")
		} else {
			fmt.Printf("  Registration: layer %d\n", l)
		}
	} else {
		fmt.Printf("  Registration: none\n")
	}
	for _, w := range warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	if !frames {
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nFRAME\tFILE\tINCLUDED\tSIZE\tSTATS\tSHIFT")
	for _, f := range s.Frames() {
		size := "-"
		if f.Width > 0 {
			size = fmt.Sprintf("%dx%d", f.Width, f.Height)
		}
		shift := "-"
		if reg, ok := s.Registration(f.Index); ok {
			shift = fmt.Sprintf("%+.2f,%+.2f", reg.H.At(0, 2), reg.H.At(1, 2))
		}
		fmt.Fprintf(tw, "%d\t%d\t%t\t%s\t%d/%d\t%s\n", f.Index, f.FileIndex, f.Included, size, f.StatsLayers, s.LayerCount(), shift)
	}
	return tw.Flush()
}

func (r *Root) cmdCheck(path string, fix bool) error {
	s, warnings, err := r.readSequence(path)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Printf("warning: %s\n", w)
	}
	if fix && len(warnings) > 0 {
		if err := s.WriteFile(path); err != nil {
			return err
		}
		fmt.Printf("rewrote %s\n", path)
		return nil
	}
	fmt.Printf("%s: ok (%d images, %d warnings)\n", path, s.Len(), len(warnings))
	return nil
}

func (r *Root) cmdRegister(ctx context.Context, path string, options map[string]any) error {
	job := pipeline.NewJob(pipeline.JobRegister, path, options)
	res, err := r.enqueueAndWait(ctx, job)
	if err != nil {
		return err
	}
	if res.Summary != nil {
		fmt.Printf("Registered %s: reference %d, layer %d, %d aligned, %d failed (run %s)\n",
			path, res.Summary.Reference, res.Summary.Layer, res.Summary.Aligned, res.Summary.Failed, job.ID)
		for _, f := range res.Summary.Frames {
			if f.Failed() {
				fmt.Printf("  frame %d: %v\n", f.Frame, f.Err)
			}
		}
	}
	return nil
}

func (r *Root) cmdStats(ctx context.Context, path string, force bool) error {
	job := pipeline.NewJob(pipeline.JobStats, path, map[string]any{"force": force})
	res, err := r.enqueueAndWait(ctx, job)
	if err != nil {
		return err
	}
	fmt.Printf("Computed %v layer statistics for %s\n", res.Meta["computed"], path)
	return nil
}

func (r *Root) cmdRuns(limit int, runID string) error {
	if r.store == nil {
		return errors.New("run history unavailable: storage not configured")
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if runID != "" {
		frames, err := r.store.RunFrames(runID)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "FRAME\tKEYPOINTS\tMATCHES\tINLIERS\tDURATION\tERROR")
		for _, f := range frames {
			fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\t%s\n", f.Frame, f.Keypoints, f.Matches, f.Inliers, f.Duration, f.Error)
		}
		return tw.Flush()
	}
	runs, err := r.store.RecentRuns(limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "ID\tSEQUENCE\tSTATUS\tALIGNED\tFAILED\tCREATED")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", run.ID, run.SequencePath, run.Status, run.Aligned, run.Failed, run.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func (r *Root) cmdServe(ctx context.Context, opts serveOptions) error {
	if r.pipeline == nil {
		return errors.New("pipeline does not support server operation")
	}
	r.log.Info("starting server", "sequence", opts.SequencePath, "http", opts.HTTPAddr, "grpc", opts.GRPCAddr, "watch", opts.Watch)
	return r.serveFn(ctx, opts, r.store, r.pipeline, r.log)
}

func (r *Root) cmdHealth(ctx context.Context, addr, service string) error {
	resp, err := r.healthFn(ctx, addr, service)
	if err != nil {
		return fmt.Errorf("health check %s: %w", addr, err)
	}
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("service %q is %s", service, resp.GetStatus())
	}
	return nil
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	if r.pipeline == nil {
		return pipeline.Result{}, errors.New("pipeline not running")
	}
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "sequence", job.SequencePath)
	return nil
}
