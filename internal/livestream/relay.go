package livestream

import (
	"log/slog"
	"time"

	"frame-relay/internal/media"
	"frame-relay/internal/platform/metrics"
	"frame-relay/internal/recording"
)

// Relay forwards producer media to a stream's viewers and its recording
// buffer. Fan-out happens under the session lock with non-blocking sends,
// so every viewer observes frames in arrival order and a slow viewer only
// ever loses its own oldest queued media.
type Relay struct {
	registry *Registry
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewRelay returns a Relay over registry. m may be nil.
func NewRelay(registry *Registry, log *slog.Logger, m *metrics.Metrics) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		registry: registry,
		log:      log.With("component", "relay"),
		metrics:  m,
		now:      time.Now,
	}
}

// OnFrame handles a frame from senderID. Frames for unknown or ended streams
// are dropped silently; the producer may have raced a stop. Invalid payloads
// are logged and skipped.
func (r *Relay) OnFrame(streamID, senderID, payload string, capturedAt time.Time) error {
	s, ok := r.registry.Get(streamID)
	if !ok {
		r.metrics.IncFramesDropped("no_stream")
		return nil
	}
	if s.producer.ID() != senderID {
		return ErrNotProducer
	}
	if _, err := media.ValidateFrame(payload); err != nil {
		r.log.Debug("invalid frame skipped",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()))
		r.metrics.IncFramesInvalid()
		return nil
	}
	if capturedAt.IsZero() {
		capturedAt = r.now()
	}

	msg := Message{Type: MsgFrame, StreamID: streamID, Payload: payload, Timestamp: capturedAt.UnixMilli()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		r.metrics.IncFramesDropped("no_stream")
		return nil
	}
	s.lastFrame = payload
	if s.buffer != nil {
		s.buffer.AppendFrame(recording.FrameRecord{Payload: payload, CapturedAt: capturedAt})
	}
	r.fanoutLocked(s, senderID, msg)
	r.metrics.IncFramesReceived()
	return nil
}

// OnAudio handles an audio chunk from senderID. It mirrors OnFrame except
// that audio never updates the last-frame cache.
func (r *Relay) OnAudio(streamID, senderID, payload string, capturedAt time.Time, duration time.Duration) error {
	s, ok := r.registry.Get(streamID)
	if !ok {
		return nil
	}
	if s.producer.ID() != senderID {
		return ErrNotProducer
	}
	if _, err := media.ValidateAudio([]byte(payload)); err != nil {
		r.log.Debug("invalid audio chunk skipped",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()))
		return nil
	}
	if capturedAt.IsZero() {
		capturedAt = r.now()
	}

	msg := Message{
		Type:      MsgAudio,
		StreamID:  streamID,
		Payload:   payload,
		Timestamp: capturedAt.UnixMilli(),
		Duration:  duration.Milliseconds(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.buffer != nil {
		s.buffer.AppendAudio(recording.AudioChunk{
			Payload:    []byte(payload),
			CapturedAt: capturedAt,
			Duration:   duration,
		})
	}
	r.fanoutLocked(s, senderID, msg)
	r.metrics.IncAudioChunks()
	return nil
}

// fanoutLocked sends msg to every viewer except senderID. Caller holds s.mu.
func (r *Relay) fanoutLocked(s *Session, senderID string, msg Message) {
	for id, v := range s.viewers {
		if id == senderID {
			continue
		}
		v.Send(msg)
	}
}
