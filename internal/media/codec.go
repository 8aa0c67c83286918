// Package media validates and decodes the tagged payloads producers push:
// still-image frames and audio chunks of the form
// "<mediaType>;<encoding>,<data>" (for example "data:image/jpeg;base64,...").
package media

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidPayload is returned for empty, malformed, or zero-length payloads.
// It is never fatal: callers log and skip the offending frame or chunk.
var ErrInvalidPayload = errors.New("invalid payload")

// Format is the detected container/image format of a decoded payload.
// It doubles as the file extension used when staging the payload to disk.
type Format string

const (
	FormatJPEG Format = "jpg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
	FormatGIF  Format = "gif"
	FormatBMP  Format = "bmp"

	FormatWebM Format = "webm"
	FormatOgg  Format = "ogg"
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatAAC  Format = "aac"
	FormatMP4A Format = "m4a"
)

// DefaultAudioFormat is assumed for raw audio buffers that carry no media type.
// Browsers' MediaRecorder emits WebM/Opus by default.
const DefaultAudioFormat = FormatWebM

var imageFormats = map[string]Format{
	"image/jpeg": FormatJPEG,
	"image/jpg":  FormatJPEG,
	"image/png":  FormatPNG,
	"image/webp": FormatWebP,
	"image/gif":  FormatGIF,
	"image/bmp":  FormatBMP,
}

var audioFormats = map[string]Format{
	"audio/webm":  FormatWebM,
	"video/webm":  FormatWebM,
	"audio/ogg":   FormatOgg,
	"audio/wav":   FormatWAV,
	"audio/x-wav": FormatWAV,
	"audio/wave":  FormatWAV,
	"audio/mpeg":  FormatMP3,
	"audio/mp3":   FormatMP3,
	"audio/aac":   FormatAAC,
	"audio/mp4":   FormatMP4A,
}

// Decoded is a validated payload.
type Decoded struct {
	Data   []byte
	Format Format
}

// tagged is a parsed "<mediaType>;<encoding>,<data>" payload.
type tagged struct {
	mediaType string
	encoding  string
	data      string
}

// isTagged reports whether payload looks like a tagged data payload.
func isTagged(payload []byte) bool {
	return len(payload) > 5 && strings.EqualFold(string(payload[:5]), "data:")
}

func parseTagged(payload string) (tagged, error) {
	if payload == "" {
		return tagged{}, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	comma := strings.IndexByte(payload, ',')
	if comma < 0 {
		return tagged{}, fmt.Errorf("%w: missing data separator", ErrInvalidPayload)
	}
	header, data := payload[:comma], payload[comma+1:]

	header = strings.TrimPrefix(header, "data:")
	params := strings.Split(header, ";")
	t := tagged{mediaType: strings.ToLower(strings.TrimSpace(params[0])), data: data}
	for _, p := range params[1:] {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "base64" {
			t.encoding = p
		}
		// codecs=opus and friends are ignored.
	}
	if t.mediaType == "" {
		return tagged{}, fmt.Errorf("%w: missing media type", ErrInvalidPayload)
	}
	return t, nil
}

func (t tagged) decode() ([]byte, error) {
	var (
		raw []byte
		err error
	)
	if t.encoding == "base64" {
		raw, err = base64.StdEncoding.DecodeString(t.data)
		if err != nil {
			// Some encoders strip padding.
			raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(t.data, "="))
		}
	} else {
		var s string
		s, err = url.PathUnescape(t.data)
		raw = []byte(s)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: zero-length data", ErrInvalidPayload)
	}
	return raw, nil
}

// ValidateFrame decodes a tagged image payload into raw bytes and its format.
func ValidateFrame(payload string) (Decoded, error) {
	t, err := parseTagged(payload)
	if err != nil {
		return Decoded{}, err
	}
	format, ok := imageFormats[t.mediaType]
	if !ok {
		return Decoded{}, fmt.Errorf("%w: unsupported image type %q", ErrInvalidPayload, t.mediaType)
	}
	raw, err := t.decode()
	if err != nil {
		return Decoded{}, err
	}
	return Decoded{Data: raw, Format: format}, nil
}

// ValidateAudio accepts either a tagged audio payload or an already-raw buffer.
// Raw buffers are assumed to be DefaultAudioFormat.
func ValidateAudio(payload []byte) (Decoded, error) {
	if len(payload) == 0 {
		return Decoded{}, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if !isTagged(payload) {
		return Decoded{Data: payload, Format: DefaultAudioFormat}, nil
	}
	t, err := parseTagged(string(payload))
	if err != nil {
		return Decoded{}, err
	}
	format, ok := audioFormats[t.mediaType]
	if !ok {
		return Decoded{}, fmt.Errorf("%w: unsupported audio type %q", ErrInvalidPayload, t.mediaType)
	}
	raw, err := t.decode()
	if err != nil {
		return Decoded{}, err
	}
	return Decoded{Data: raw, Format: format}, nil
}
