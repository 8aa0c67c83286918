// Package recording holds the per-stream retention buffers that frames and
// audio chunks are appended to while a stream is live, and that exports
// snapshot afterwards.
package recording

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNotRecording is returned when full recording is switched on for a
	// buffer that is not in the Recording state.
	ErrNotRecording = errors.New("buffer is not recording")

	// ErrInvalidPolicy is returned by Policy.Validate.
	ErrInvalidPolicy = errors.New("invalid retention policy")
)

// Mode selects how the main buffer is bounded.
type Mode string

const (
	// ModeCount keeps at most MaxFrames frames, evicting the oldest first.
	ModeCount Mode = "count"
	// ModeWindow keeps only records that arrived within the last Window.
	ModeWindow Mode = "window"
)

// Policy bounds the memory held by one Buffer. Count caps apply in both
// modes; in ModeWindow they act as a hard ceiling on top of the window.
type Policy struct {
	Mode           Mode          `json:"mode"`
	MaxFrames      int           `json:"maxFrames"`
	MaxAudioChunks int           `json:"maxAudioChunks"`
	Window         time.Duration `json:"window"`

	FullMaxFrames      int `json:"fullMaxFrames"`
	FullMaxAudioChunks int `json:"fullMaxAudioChunks"`
}

// Validate reports whether p can bound a buffer.
func (p Policy) Validate() error {
	switch p.Mode {
	case ModeCount:
		if p.MaxFrames <= 0 {
			return fmt.Errorf("%w: count mode needs maxFrames > 0", ErrInvalidPolicy)
		}
	case ModeWindow:
		if p.Window <= 0 {
			return fmt.Errorf("%w: window mode needs window > 0", ErrInvalidPolicy)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidPolicy, p.Mode)
	}
	if p.MaxAudioChunks < 0 || p.FullMaxFrames < 0 || p.FullMaxAudioChunks < 0 {
		return fmt.Errorf("%w: negative cap", ErrInvalidPolicy)
	}
	return nil
}

// State is the lifecycle of a Buffer: Idle -> Recording -> Stopped.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateStopped   State = "stopped"
)

// FrameRecord is one encoded still image as pushed by the producer.
// ReceivedAt is stamped by the buffer and drives window eviction.
type FrameRecord struct {
	Payload    string
	CapturedAt time.Time
	ReceivedAt time.Time
}

// AudioChunk is one encoded audio slice. Payload is either a tagged payload or
// raw container bytes and must not be mutated after append.
type AudioChunk struct {
	Payload    []byte
	CapturedAt time.Time
	ReceivedAt time.Time
	Duration   time.Duration
}

// Snapshot is a by-value copy of a buffer's contents.
type Snapshot struct {
	StreamID string
	Frames   []FrameRecord
	Audio    []AudioChunk
}

// Status summarises a buffer for the admin API.
type Status struct {
	StreamID        string        `json:"streamId"`
	State           State         `json:"state"`
	Policy          Policy        `json:"policy"`
	FrameCount      int           `json:"frameCount"`
	AudioChunkCount int           `json:"audioChunkCount"`
	FullFrameCount  int           `json:"fullFrameCount"`
	FullAudioCount  int           `json:"fullAudioChunkCount"`
	IsRecording     bool          `json:"isRecording"`
	IsFullRecording bool          `json:"isFullRecording"`
	StartTime       time.Time     `json:"startTime"`
	EndTime         *time.Time    `json:"endTime,omitempty"`
	Duration        time.Duration `json:"duration"`
}

type track struct {
	frames deque[FrameRecord]
	audio  deque[AudioChunk]
}

// Buffer is the retained window of frames and audio for one stream.
// All methods are safe for concurrent use; each Buffer has its own lock so
// streams never contend with one another.
type Buffer struct {
	streamID string
	policy   Policy
	now      func() time.Time

	mu     sync.Mutex
	state  State
	main   track
	full   track
	fullOn bool
	start  time.Time
	end    time.Time
}

// NewBuffer returns an Idle buffer bound by p.
func NewBuffer(streamID string, p Policy) *Buffer {
	return &Buffer{
		streamID: streamID,
		policy:   p,
		now:      time.Now,
		state:    StateIdle,
	}
}

// StreamID returns the id of the owning stream.
func (b *Buffer) StreamID() string { return b.streamID }

// Policy returns the retention policy the buffer was created with.
func (b *Buffer) Policy() Policy { return b.policy }

// Start moves an Idle buffer to Recording. Starting a buffer that is already
// recording or stopped is a no-op.
func (b *Buffer) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateIdle {
		return
	}
	b.state = StateRecording
	b.start = b.now()
}

// Stop moves the buffer to the terminal Stopped state and stamps its end time.
// Contents stay readable for export.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateStopped {
		return
	}
	if b.state == StateIdle {
		b.start = b.now()
	}
	b.state = StateStopped
	b.fullOn = false
	b.end = b.now()
}

// State returns the current lifecycle state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// AppendFrame appends rec if the buffer is recording and applies eviction.
// It reports whether the record was kept.
func (b *Buffer) AppendFrame(rec FrameRecord) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateRecording {
		return false
	}
	now := b.now()
	rec.ReceivedAt = now

	b.main.frames.PushBack(rec)
	b.evictFramesLocked(now)

	if b.fullOn {
		b.full.frames.PushBack(rec)
		trimCount(&b.full.frames, b.policy.FullMaxFrames)
	}
	return true
}

// AppendAudio is the audio counterpart of AppendFrame with independent caps.
func (b *Buffer) AppendAudio(chunk AudioChunk) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateRecording {
		return false
	}
	now := b.now()
	chunk.ReceivedAt = now

	b.main.audio.PushBack(chunk)
	b.evictAudioLocked(now)

	if b.fullOn {
		b.full.audio.PushBack(chunk)
		trimCount(&b.full.audio, b.policy.FullMaxAudioChunks)
	}
	return true
}

func (b *Buffer) evictFramesLocked(now time.Time) {
	if b.policy.Mode == ModeWindow {
		cutoff := now.Add(-b.policy.Window)
		for {
			f, ok := b.main.frames.Front()
			if !ok || !f.ReceivedAt.Before(cutoff) {
				break
			}
			b.main.frames.PopFront()
		}
	}
	trimCount(&b.main.frames, b.policy.MaxFrames)
}

func (b *Buffer) evictAudioLocked(now time.Time) {
	if b.policy.Mode == ModeWindow {
		cutoff := now.Add(-b.policy.Window)
		for {
			a, ok := b.main.audio.Front()
			if !ok || !a.ReceivedAt.Before(cutoff) {
				break
			}
			b.main.audio.PopFront()
		}
	}
	trimCount(&b.main.audio, b.policy.MaxAudioChunks)
}

// trimCount drops the oldest elements until d holds at most max. A max of
// zero or less means uncapped.
func trimCount[T any](d *deque[T], max int) {
	if max <= 0 {
		return
	}
	for d.Len() > max {
		d.PopFront()
	}
}

// Snapshot copies the main buffer. Appends after Snapshot returns never
// affect the returned slices.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		StreamID: b.streamID,
		Frames:   b.main.frames.Slice(),
		Audio:    b.main.audio.Slice(),
	}
}

// SnapshotFull copies the full-recording sub-buffer.
func (b *Buffer) SnapshotFull() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		StreamID: b.streamID,
		Frames:   b.full.frames.Slice(),
		Audio:    b.full.audio.Slice(),
	}
}

// SetFullRecording switches the full-recording sub-buffer on or off.
// Switching it on resets the sub-buffer and requires the Recording state;
// switching it off keeps the collected material for export.
func (b *Buffer) SetFullRecording(on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !on {
		b.fullOn = false
		return nil
	}
	if b.state != StateRecording {
		return ErrNotRecording
	}
	b.full.frames.Reset()
	b.full.audio.Reset()
	b.fullOn = true
	return nil
}

// Status returns counts, flags and timing for the buffer.
func (b *Buffer) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		StreamID:        b.streamID,
		State:           b.state,
		Policy:          b.policy,
		FrameCount:      b.main.frames.Len(),
		AudioChunkCount: b.main.audio.Len(),
		FullFrameCount:  b.full.frames.Len(),
		FullAudioCount:  b.full.audio.Len(),
		IsRecording:     b.state == StateRecording,
		IsFullRecording: b.fullOn,
		StartTime:       b.start,
	}
	switch b.state {
	case StateStopped:
		end := b.end
		st.EndTime = &end
		st.Duration = b.end.Sub(b.start)
	case StateRecording:
		st.Duration = b.now().Sub(b.start)
	}
	return st
}
