package encode

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFFmpeg_Args(t *testing.T) {
	f := NewFFmpeg(FFmpegOptions{}, quietLogger())

	t.Run("video_only", func(t *testing.T) {
		args := f.Args(Job{FramePattern: "/w/frame_%06d.jpg", FrameRate: 30, OutputPath: "/w/output.mp4"})
		joined := strings.Join(args, " ")

		assert.Contains(t, joined, "-framerate 30 -start_number 0 -i /w/frame_%06d.jpg")
		assert.Contains(t, joined, "-c:v libx264 -preset veryfast -crf 23")
		assert.Contains(t, joined, "-movflags +faststart")
		assert.NotContains(t, joined, "-c:a")
		assert.NotContains(t, joined, "1:a:0")
		assert.Equal(t, "/w/output.mp4", args[len(args)-1])
	})

	t.Run("with_audio", func(t *testing.T) {
		args := f.Args(Job{FramePattern: "/w/frame_%06d.png", FrameRate: 10, AudioPath: "/w/audio.webm", OutputPath: "/w/output.mp4"})
		joined := strings.Join(args, " ")

		assert.Contains(t, joined, "-i /w/frame_%06d.png -i /w/audio.webm")
		assert.Contains(t, joined, "-map 0:v:0 -map 1:a:0")
		assert.Contains(t, joined, "-c:a aac -b:a 128k -ar 48000 -ac 2 -shortest")
	})

	t.Run("custom_options", func(t *testing.T) {
		custom := NewFFmpeg(FFmpegOptions{VideoCodec: "libx265", Preset: "slow", CRF: 28}, nil)
		joined := strings.Join(custom.Args(Job{FrameRate: 24}), " ")
		assert.Contains(t, joined, "-c:v libx265 -preset slow -crf 28")
	})
}

func TestFFmpeg_Unavailable(t *testing.T) {
	f := NewFFmpeg(FFmpegOptions{BinaryPath: filepath.Join(t.TempDir(), "no-such-ffmpeg")}, quietLogger())

	assert.ErrorIs(t, f.Available(), ErrEncoderUnavailable)
	err := f.Encode(context.Background(), Job{WorkDir: t.TempDir()})
	assert.ErrorIs(t, err, ErrEncoderUnavailable)
}

// writeScript installs an executable shell script standing in for ffmpeg.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script encoder stand-in needs a unix shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestFFmpeg_Encode_Success(t *testing.T) {
	// The output path is always the last argument.
	bin := writeScript(t, "for last; do :; done\nprintf 'ftyp' > \"$last\"\n")
	f := NewFFmpeg(FFmpegOptions{BinaryPath: bin}, quietLogger())

	dir := t.TempDir()
	out := filepath.Join(dir, "output.mp4")
	require.NoError(t, f.Encode(context.Background(), Job{WorkDir: dir, FrameRate: 30, OutputPath: out}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "ftyp", string(data))
}

func TestFFmpeg_Encode_FailureCarriesDiagnostics(t *testing.T) {
	bin := writeScript(t, "echo 'line one' >&2\necho 'Invalid data found when processing input' >&2\nexit 3\n")
	f := NewFFmpeg(FFmpegOptions{BinaryPath: bin}, quietLogger())

	err := f.Encode(context.Background(), Job{WorkDir: t.TempDir(), OutputPath: "out.mp4"})
	require.ErrorIs(t, err, ErrEncodeFailed)

	var ee *EncodeError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "encoder exited with status 3", ee.Reason)
	assert.Equal(t, []string{"line one", "Invalid data found when processing input"}, ee.Diagnostics)
}

func TestFFmpeg_Encode_ContextDeadline(t *testing.T) {
	bin := writeScript(t, "exec sleep 5\n")
	f := NewFFmpeg(FFmpegOptions{BinaryPath: bin}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := f.Encode(ctx, Job{WorkDir: t.TempDir(), OutputPath: "out.mp4"})
	require.ErrorIs(t, err, ErrEncodeFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}
