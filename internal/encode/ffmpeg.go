package encode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

// diagnosticLines is how many stderr lines are kept for error reports.
const diagnosticLines = 50

// FFmpegOptions configures the ffmpeg invocation. Zero values fall back to
// the defaults below.
type FFmpegOptions struct {
	BinaryPath      string
	VideoCodec      string
	Preset          string
	CRF             int
	AudioCodec      string
	AudioBitrate    string
	AudioSampleRate int
	AudioChannels   int
}

func (o FFmpegOptions) withDefaults() FFmpegOptions {
	if o.BinaryPath == "" {
		o.BinaryPath = "ffmpeg"
	}
	if o.VideoCodec == "" {
		o.VideoCodec = "libx264"
	}
	if o.Preset == "" {
		o.Preset = "veryfast"
	}
	if o.CRF <= 0 {
		o.CRF = 23
	}
	if o.AudioCodec == "" {
		o.AudioCodec = "aac"
	}
	if o.AudioBitrate == "" {
		o.AudioBitrate = "128k"
	}
	if o.AudioSampleRate <= 0 {
		o.AudioSampleRate = 48000
	}
	if o.AudioChannels <= 0 {
		o.AudioChannels = 2
	}
	return o
}

// FFmpeg is an Encoder backed by the ffmpeg command line tool.
type FFmpeg struct {
	opts FFmpegOptions
	log  *slog.Logger
}

var _ Encoder = (*FFmpeg)(nil)

// NewFFmpeg returns an FFmpeg encoder. If log is nil, slog.Default() is used.
func NewFFmpeg(opts FFmpegOptions, log *slog.Logger) *FFmpeg {
	if log == nil {
		log = slog.Default()
	}
	return &FFmpeg{opts: opts.withDefaults(), log: log.With("component", "ffmpeg")}
}

// Available reports whether the ffmpeg binary can be resolved.
func (f *FFmpeg) Available() error {
	if _, err := exec.LookPath(f.opts.BinaryPath); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEncoderUnavailable, f.opts.BinaryPath, err)
	}
	return nil
}

// Encode runs ffmpeg once for job and waits for it to exit. Cancellation or
// deadline expiry of ctx kills the process.
func (f *FFmpeg) Encode(ctx context.Context, job Job) error {
	bin, err := exec.LookPath(f.opts.BinaryPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEncoderUnavailable, f.opts.BinaryPath, err)
	}

	args := f.Args(job)
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = job.WorkDir
	cmd.WaitDelay = 5 * time.Second

	stderr := newLineRing(diagnosticLines)
	cmd.Stderr = stderr

	start := time.Now()
	f.log.Debug("encoder starting",
		slog.String("job_id", job.ID),
		slog.String("stream_id", job.StreamID),
		slog.Int("frames", job.FrameCount),
		slog.Bool("audio", job.AudioPath != ""))

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
		}
		return fmt.Errorf("%w: start %s: %v", ErrEncoderUnavailable, bin, err)
	}

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &EncodeError{Reason: "encoder interrupted", Diagnostics: stderr.Lines(), Err: ctxErr}
		}
		reason := "encoder exited with error"
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			reason = "encoder exited with status " + strconv.Itoa(exitErr.ExitCode())
		}
		return &EncodeError{Reason: reason, Diagnostics: stderr.Lines(), Err: err}
	}

	f.log.Debug("encoder finished",
		slog.String("job_id", job.ID),
		slog.Int("duration_ms", int(time.Since(start).Milliseconds())))
	return nil
}

// Args builds the ffmpeg argument list for job.
func (f *FFmpeg) Args(job Job) []string {
	o := f.opts
	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "error", "-y",
		"-framerate", strconv.Itoa(job.FrameRate),
		"-start_number", "0",
		"-i", job.FramePattern,
	}
	if job.AudioPath != "" {
		args = append(args, "-i", job.AudioPath)
	}
	args = append(args, "-map", "0:v:0")
	if job.AudioPath != "" {
		args = append(args, "-map", "1:a:0")
	}
	args = append(args,
		// libx264 with yuv420p needs even dimensions.
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2,format=yuv420p",
		"-c:v", o.VideoCodec,
		"-preset", o.Preset,
		"-crf", strconv.Itoa(o.CRF),
	)
	if job.AudioPath != "" {
		args = append(args,
			"-c:a", o.AudioCodec,
			"-b:a", o.AudioBitrate,
			"-ar", strconv.Itoa(o.AudioSampleRate),
			"-ac", strconv.Itoa(o.AudioChannels),
			"-shortest",
		)
	}
	args = append(args, "-movflags", "+faststart", job.OutputPath)
	return args
}
