// Package logging builds the slog loggers used by starlign. Records of a
// registration or statistics job carry its run ID and sequence name.
package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"starlign/internal/config"
)

const (
	runKey      = "run_id"
	sequenceKey = "sequence"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// Setup installs the process logger. Output always goes to stdout and, with
// file output enabled, to a dated file in the log directory that
// starlign-current.log points at. The json format writes slog JSON records;
// anything else uses RunHandler lines.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	out := io.Writer(os.Stdout)
	if cfg.Logging.FileOutput {
		f, err := openDailyLog(cfg.Logging.LogDir, time.Now())
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
	}

	level := parseLevel(cfg.Logging.Level)
	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = NewRunHandler(out, level)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starlign logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, nil
}

// openDailyLog opens starlign-<date>.log in dir for appending and points
// starlign-current.log at it.
func openDailyLog(dir string, now time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	name := fmt.Sprintf("starlign-%s.log", now.Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	current := filepath.Join(dir, "starlign-current.log")
	os.Remove(current)
	if err := os.Symlink(name, current); err != nil {
		// some filesystems have no symlinks; the dated file is still written
		slog.Debug("cannot link current log", "path", current, "error", err)
	}
	return f, nil
}

// RunHandler writes one line per record:
//
//	2024/01/02 15:04:05 [INFO] [run=1a2b3c4d seq=lights_] aligned frame [frame=3 inliers=41]
//
// The run prefix is present only for records carrying a run_id or sequence
// attribute, usually through ForRun.
type RunHandler struct {
	out    *log.Logger
	level  slog.Leveler
	run    string
	seq    string
	attrs  []string
	prefix string
}

// NewRunHandler returns a RunHandler writing to w at level and above.
func NewRunHandler(w io.Writer, level slog.Leveler) *RunHandler {
	return &RunHandler{out: log.New(w, "", log.LstdFlags), level: level}
}

func (h *RunHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *RunHandler) Handle(_ context.Context, r slog.Record) error {
	run, sq := h.run, h.seq
	attrs := append([]string(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if k, v, ok := h.runAttr(a); ok {
			if k == runKey {
				run = v
			} else {
				sq = v
			}
			return true
		}
		attrs = append(attrs, h.prefix+formatAttr(a))
		return true
	})

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", strings.ToUpper(r.Level.String()))
	if run != "" || sq != "" {
		b.WriteString("[")
		if run != "" {
			b.WriteString("run=" + shortRun(run))
		}
		if sq != "" {
			if run != "" {
				b.WriteByte(' ')
			}
			b.WriteString("seq=" + sq)
		}
		b.WriteString("] ")
	}
	b.WriteString(r.Message)
	if len(attrs) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(attrs, " "))
	}
	return h.out.Output(2, b.String())
}

// runAttr reports whether a is a top-level run or sequence attribute.
func (h *RunHandler) runAttr(a slog.Attr) (key, value string, ok bool) {
	if h.prefix != "" || (a.Key != runKey && a.Key != sequenceKey) {
		return "", "", false
	}
	v := a.Value.Resolve().String()
	if a.Key == sequenceKey {
		v = sequenceName(v)
	}
	return a.Key, v, true
}

func (h *RunHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		if k, v, ok := h.runAttr(a); ok {
			if k == runKey {
				c.run = v
			} else {
				c.seq = v
			}
			continue
		}
		c.attrs = append(c.attrs, h.prefix+formatAttr(a))
	}
	return &c
}

func (h *RunHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

func formatAttr(a slog.Attr) string {
	return fmt.Sprintf("%s=%v", a.Key, a.Value.Resolve())
}

// shortRun keeps the first block of a UUID run ID.
func shortRun(id string) string {
	if i := strings.IndexByte(id, '-'); i == 8 {
		return id[:i]
	}
	return id
}

// sequenceName strips the directory and .seq extension of a sequence path.
func sequenceName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".seq")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ForRun returns logger scoped to one job on sequencePath.
func ForRun(logger *slog.Logger, runID, sequencePath string) *slog.Logger {
	return logger.With(runKey, runID, sequenceKey, sequencePath)
}

// LogRunStart logs the beginning of a job on a run-scoped logger.
func LogRunStart(logger *slog.Logger, kind string, frames, layer int, options map[string]any) {
	logger.Info(kind+" started",
		"frames", frames,
		"layer", layer,
		"options", options,
	)
}

// LogRunComplete logs successful run completion
func LogRunComplete(logger *slog.Logger, kind string, duration time.Duration, aligned, failed int) {
	logger.Info(kind+" completed",
		"aligned", aligned,
		"failed", failed,
		"duration_ms", duration.Milliseconds(),
	)
}

func LogRunError(logger *slog.Logger, kind string, duration time.Duration, err error, details map[string]any) {
	logger.Error(kind+" failed",
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"details", details,
	)
}

// LogFrameStep logs one step of a frame's detect, match and align pass.
// Failed steps are logged as warnings.
func LogFrameStep(logger *slog.Logger, frame int, step, status string, details map[string]any) {
	level := slog.LevelInfo
	if status != "ok" {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, step,
		"frame", frame,
		"status", status,
		"details", details,
	)
}
