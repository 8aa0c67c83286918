// Package encode turns a snapshot of buffered frames (and optional audio)
// into a single playable media file by staging the batch to a job-scoped
// working directory and invoking an external encoder.
package encode

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"frame-relay/internal/media"
	"frame-relay/internal/recording"

	"github.com/google/renameio/v2"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultMinFrames is the smallest batch worth encoding.
	DefaultMinFrames = 5
	// DefaultFrameRate is the fixed input frame rate handed to the encoder.
	DefaultFrameRate = 30
	// DefaultTimeout bounds one encoder run.
	DefaultTimeout = 5 * time.Minute
	// DefaultConcurrency is the number of encodes allowed to run at once.
	DefaultConcurrency = 2

	outputExt = ".mp4"
)

// Job is the input contract handed to an Encoder.
type Job struct {
	ID           string
	StreamID     string
	WorkDir      string
	FramePattern string
	FrameCount   int
	FrameRate    int
	// AudioPath is empty for video-only jobs.
	AudioPath  string
	OutputPath string
}

// Encoder produces Job.OutputPath from the staged inputs of a Job.
type Encoder interface {
	Encode(ctx context.Context, job Job) error
}

// Config tunes a Pipeline.
type Config struct {
	// OutputDir receives finished media files at stable per-stream paths.
	OutputDir string
	// WorkDir is the parent of per-job working directories. Empty means the
	// OS temp directory.
	WorkDir     string
	MinFrames   int
	FrameRate   int
	Timeout     time.Duration
	Concurrency int
}

// Request is one export: a snapshot taken from a recording buffer.
type Request struct {
	StreamID string
	Mode     string
	Frames   []recording.FrameRecord
	Audio    []recording.AudioChunk
}

// MediaFile describes a finished export.
type MediaFile struct {
	ID            string        `json:"id"`
	StreamID      string        `json:"streamId"`
	Mode          string        `json:"mode"`
	Path          string        `json:"path"`
	Size          int64         `json:"size"`
	Frames        int           `json:"frames"`
	SkippedFrames int           `json:"skippedFrames"`
	HasAudio      bool          `json:"hasAudio"`
	CreatedAt     time.Time     `json:"createdAt"`
	EncodeTime    time.Duration `json:"encodeTime"`
}

// Pipeline runs export jobs. It is safe for concurrent use; a semaphore caps
// how many encoder processes run at once.
type Pipeline struct {
	enc Encoder
	cfg Config
	log *slog.Logger
	sem *semaphore.Weighted
}

// NewPipeline returns a Pipeline using enc. Zero Config fields take defaults.
// If log is nil, slog.Default() is used.
func NewPipeline(enc Encoder, cfg Config, log *slog.Logger) *Pipeline {
	if cfg.MinFrames <= 0 {
		cfg.MinFrames = DefaultMinFrames
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "exports"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		enc: enc,
		cfg: cfg,
		log: log.With("component", "encode"),
		sem: semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// OutputPath returns the stable path a stream's export for mode is written to.
// Distinct stream ids always map to distinct paths.
func (p *Pipeline) OutputPath(streamID, mode string) string {
	return filepath.Join(p.cfg.OutputDir, fileKey(streamID)+"."+safeName(mode)+outputExt)
}

// Remove deletes the published file for streamID and mode, if any.
func (p *Pipeline) Remove(streamID, mode string) error {
	err := os.Remove(p.OutputPath(streamID, mode))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Export stages req, encodes it and atomically publishes the result to
// OutputPath(req.StreamID, req.Mode). The working directory is removed on
// every return path.
func (p *Pipeline) Export(ctx context.Context, req Request) (MediaFile, error) {
	if len(req.Frames) == 0 {
		return MediaFile{}, ErrNoFrames
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return MediaFile{}, fmt.Errorf("wait for encoder slot: %w", err)
	}
	defer p.sem.Release(1)

	jobID := ulid.Make().String()
	log := p.log.With(slog.String("stream_id", req.StreamID), slog.String("job_id", jobID))

	if p.cfg.WorkDir != "" {
		if err := os.MkdirAll(p.cfg.WorkDir, 0o755); err != nil {
			return MediaFile{}, fmt.Errorf("create work root: %w", err)
		}
	}
	workDir, err := os.MkdirTemp(p.cfg.WorkDir, "export-"+safeName(req.StreamID)+"-"+jobID+"-")
	if err != nil {
		return MediaFile{}, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn("work dir cleanup failed", slog.String("dir", workDir), slog.String("error", err.Error()))
		}
	}()

	staged, err := stageFrames(workDir, req.Frames, log)
	if err != nil {
		return MediaFile{}, err
	}
	if staged.count == 0 {
		return MediaFile{}, ErrNoFrames
	}
	if staged.count < p.cfg.MinFrames {
		return MediaFile{}, fmt.Errorf("%w: have %d valid frames, need at least %d",
			ErrInsufficientFrames, staged.count, p.cfg.MinFrames)
	}

	audioPath := ""
	if len(req.Audio) > 0 {
		audioPath, err = stageAudio(workDir, req.Audio)
		if err != nil {
			log.Warn("audio staging failed, exporting video only", slog.String("error", err.Error()))
			audioPath = ""
		}
	}

	job := Job{
		ID:           jobID,
		StreamID:     req.StreamID,
		WorkDir:      workDir,
		FramePattern: staged.pattern,
		FrameCount:   staged.count,
		FrameRate:    p.cfg.FrameRate,
		AudioPath:    audioPath,
		OutputPath:   filepath.Join(workDir, "output"+outputExt),
	}

	encodeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	if err := p.enc.Encode(encodeCtx, job); err != nil {
		err = p.classify(encodeCtx, err)
		log.Error("encode failed", slog.String("error", err.Error()))
		return MediaFile{}, err
	}
	elapsed := time.Since(start)

	info, err := os.Stat(job.OutputPath)
	if err != nil || info.Size() == 0 {
		return MediaFile{}, &EncodeError{Reason: "encoder produced no output", Err: err}
	}

	target := p.OutputPath(req.StreamID, req.Mode)
	if err := publish(job.OutputPath, target); err != nil {
		return MediaFile{}, fmt.Errorf("publish %s: %w", target, err)
	}

	log.Info("export finished",
		slog.String("mode", req.Mode),
		slog.String("path", target),
		slog.Int("frames", staged.count),
		slog.Int("skipped", staged.skipped),
		slog.Bool("audio", audioPath != ""),
		slog.Int64("size", info.Size()),
		slog.Int("duration_ms", int(elapsed.Milliseconds())))

	return MediaFile{
		ID:            jobID,
		StreamID:      req.StreamID,
		Mode:          req.Mode,
		Path:          target,
		Size:          info.Size(),
		Frames:        staged.count,
		SkippedFrames: staged.skipped,
		HasAudio:      audioPath != "",
		CreatedAt:     time.Now().UTC(),
		EncodeTime:    elapsed,
	}, nil
}

// classify maps an encoder error onto the package's error taxonomy.
func (p *Pipeline) classify(ctx context.Context, err error) error {
	if errors.Is(err, ErrEncoderUnavailable) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var diag []string
		var ee *EncodeError
		if errors.As(err, &ee) {
			diag = ee.Diagnostics
		}
		return &EncodeError{
			Reason:      fmt.Sprintf("encoder timed out after %s", p.cfg.Timeout),
			Diagnostics: diag,
			Err:         context.DeadlineExceeded,
		}
	}
	if errors.Is(err, ErrEncodeFailed) {
		return err
	}
	return &EncodeError{Reason: "encoder error", Err: err}
}

type stagedFrames struct {
	pattern string
	count   int
	skipped int
}

// stageFrames writes every valid frame as frame_NNNNNN.<ext>. The first valid
// frame fixes the extension for the whole batch.
func stageFrames(dir string, frames []recording.FrameRecord, log *slog.Logger) (stagedFrames, error) {
	var (
		out stagedFrames
		ext media.Format
	)
	for i, f := range frames {
		d, err := media.ValidateFrame(f.Payload)
		if err != nil {
			out.skipped++
			log.Debug("skipping invalid frame", slog.Int("index", i), slog.String("error", err.Error()))
			continue
		}
		if ext == "" {
			ext = d.Format
		}
		name := filepath.Join(dir, fmt.Sprintf("frame_%06d.%s", out.count, ext))
		if err := os.WriteFile(name, d.Data, 0o644); err != nil {
			return out, fmt.Errorf("stage frame %d: %w", i, err)
		}
		out.count++
	}
	if ext != "" {
		out.pattern = filepath.Join(dir, "frame_%06d."+string(ext))
	}
	return out, nil
}

// stageAudio concatenates every valid chunk, in arrival order, into one track.
func stageAudio(dir string, chunks []recording.AudioChunk) (string, error) {
	var (
		f    *os.File
		path string
	)
	for _, c := range chunks {
		d, err := media.ValidateAudio(c.Payload)
		if err != nil {
			continue
		}
		if f == nil {
			path = filepath.Join(dir, "audio."+string(d.Format))
			f, err = os.Create(path)
			if err != nil {
				return "", fmt.Errorf("create audio track: %w", err)
			}
		}
		if _, err := f.Write(d.Data); err != nil {
			f.Close()
			return "", fmt.Errorf("write audio track: %w", err)
		}
	}
	if f == nil {
		return "", fmt.Errorf("no valid audio chunks in %d", len(chunks))
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close audio track: %w", err)
	}
	return path, nil
}

// publish copies src to dst through a pending file so readers of dst only
// ever see a complete file.
func publish(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	pending, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0o644))
	if err != nil {
		return err
	}
	defer pending.Cleanup()

	if _, err := io.Copy(pending, in); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}

// fileKey encodes a stream id as a reversible file name component. The
// alphabet has no '.', so it never runs into the suffix.
func fileKey(streamID string) string {
	if streamID == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(streamID))
}

// safeName maps s onto characters that are safe in a file name.
func safeName(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
