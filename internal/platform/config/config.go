package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool returns the boolean value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid boolean.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value (e.g. "2s", "5m") of the environment
// variable named by key, or fallback if the variable is unset, empty, or invalid.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// Config is the full runtime configuration of the relay.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	BufferMode             string
	BufferMaxFrames        int
	BufferWindow           time.Duration
	BufferMaxAudioChunks   int
	FullRecordingMaxFrames int
	FullRecordingMaxAudio  int

	ViewerQueueSize int
	IngestMaxFPS    int

	ExportDir         string
	ExportWorkDir     string
	ExportMinFrames   int
	ExportFrameRate   int
	ExportTimeout     time.Duration
	ExportConcurrency int
	ExportRateLimit   int

	FFmpegPath   string
	FFmpegPreset string
	FFmpegCRF    int

	AdminToken     string
	AllowedOrigins []string
}

// FromEnv builds a Config from the environment, applying defaults.
func FromEnv() Config {
	return Config{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		BufferMode:             GetEnv("BUFFER_MODE", "count"),
		BufferMaxFrames:        GetEnvInt("BUFFER_MAX_FRAMES", 36000),
		BufferWindow:           GetEnvDuration("BUFFER_WINDOW", 2*time.Second),
		BufferMaxAudioChunks:   GetEnvInt("BUFFER_MAX_AUDIO_CHUNKS", 3600),
		FullRecordingMaxFrames: GetEnvInt("FULL_RECORDING_MAX_FRAMES", 108000),
		FullRecordingMaxAudio:  GetEnvInt("FULL_RECORDING_MAX_AUDIO_CHUNKS", 10800),

		ViewerQueueSize: GetEnvInt("VIEWER_QUEUE_SIZE", 16),
		IngestMaxFPS:    GetEnvInt("INGEST_MAX_FPS", 0),

		ExportDir:         GetEnv("EXPORT_DIR", "./exports"),
		ExportWorkDir:     GetEnv("EXPORT_WORK_DIR", ""),
		ExportMinFrames:   GetEnvInt("EXPORT_MIN_FRAMES", 5),
		ExportFrameRate:   GetEnvInt("EXPORT_FRAME_RATE", 30),
		ExportTimeout:     GetEnvDuration("EXPORT_TIMEOUT", 5*time.Minute),
		ExportConcurrency: GetEnvInt("EXPORT_CONCURRENCY", 2),
		ExportRateLimit:   GetEnvInt("EXPORT_RATE_LIMIT", 10),

		FFmpegPath:   GetEnv("FFMPEG_PATH", "ffmpeg"),
		FFmpegPreset: GetEnv("FFMPEG_PRESET", "veryfast"),
		FFmpegCRF:    GetEnvInt("FFMPEG_CRF", 23),

		AdminToken:     GetEnv("ADMIN_TOKEN", ""),
		AllowedOrigins: splitList(GetEnv("ALLOWED_ORIGINS", "")),
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
