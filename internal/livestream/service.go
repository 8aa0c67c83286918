package livestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"frame-relay/internal/encode"
	"frame-relay/internal/platform/metrics"
	"frame-relay/internal/recording"
)

var (
	// ErrRecordingNotFound is returned when no buffer is retained for a stream.
	ErrRecordingNotFound = errors.New("recording not found")

	// ErrExportInProgress is returned when an export for the stream is
	// already running.
	ErrExportInProgress = errors.New("export already in progress for stream")

	// ErrUnknownMode is returned for export modes other than buffer and full.
	ErrUnknownMode = errors.New("unknown export mode")

	// ErrStreamActive is returned when purging a recording whose stream is
	// still live.
	ErrStreamActive = errors.New("stream is still active")
)

// Exporter turns a recording snapshot into a media file. *encode.Pipeline
// implements it.
type Exporter interface {
	Export(ctx context.Context, req encode.Request) (encode.MediaFile, error)
	OutputPath(streamID, mode string) string
	Remove(streamID, mode string) error
}

// Service ties the registry, relay, retained recordings and exporter
// together behind the operations exposed to connections and the HTTP API.
type Service struct {
	registry *Registry
	relay    *Relay
	store    recording.Store
	exporter Exporter
	policy   recording.Policy
	log      *slog.Logger
	metrics  *metrics.Metrics

	// lifecycle orders StartStream against Purge so a live stream never
	// loses its retained buffer.
	lifecycle sync.Mutex

	mu   sync.Mutex
	busy map[string]struct{} // streams with an export or purge running
}

// NewService returns a Service. policy is the default retention policy for
// new streams; producers may override parts of it in their start metadata.
// m may be nil.
func NewService(registry *Registry, store recording.Store, exporter Exporter, policy recording.Policy, log *slog.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		registry:  registry,
		relay:     NewRelay(registry, log, m),
		store:     store,
		exporter:  exporter,
		policy:    policy,
		log:       log.With("component", "service"),
		metrics:   m,
		busy:      make(map[string]struct{}),
	}
}

// StartStream opens a session for streamID owned by producer and begins
// recording into a fresh buffer, replacing any buffer retained from an
// earlier stream with the same id.
func (s *Service) StartStream(streamID string, producer Conn, meta Metadata) (*Session, error) {
	policy, err := s.policyFor(meta)
	if err != nil {
		return nil, err
	}

	buf := recording.NewBuffer(streamID, policy)
	buf.Start()

	s.lifecycle.Lock()
	sess, err := s.registry.Start(streamID, producer, meta, buf)
	if err == nil {
		s.store.Put(buf)
	}
	s.lifecycle.Unlock()
	if err != nil {
		return nil, err
	}
	s.metrics.IncStreamsStarted()
	return sess, nil
}

func (s *Service) policyFor(meta Metadata) (recording.Policy, error) {
	p := s.policy
	if meta.BufferMode != "" {
		p.Mode = recording.Mode(meta.BufferMode)
	}
	if meta.BufferWindowMs > 0 {
		p.Window = time.Duration(meta.BufferWindowMs) * time.Millisecond
	}
	if meta.BufferMaxFrames > 0 {
		p.MaxFrames = meta.BufferMaxFrames
	}
	if err := p.Validate(); err != nil {
		return recording.Policy{}, err
	}
	return p, nil
}

// JoinStream adds viewer to streamID.
func (s *Service) JoinStream(streamID string, viewer Conn) (JoinResult, error) {
	return s.registry.Join(streamID, viewer)
}

// LeaveStream removes viewerID from streamID.
func (s *Service) LeaveStream(streamID, viewerID string) {
	s.registry.Leave(streamID, viewerID)
}

// StopStream ends streamID on behalf of actor. The retained buffer stays
// exportable until purged.
func (s *Service) StopStream(streamID string, actor Actor) error {
	if _, err := s.registry.Stop(streamID, actor); err != nil {
		return err
	}
	s.metrics.AddStreamsEnded(1)
	return nil
}

// ProducerDisconnected stops every stream owned by producerID.
func (s *Service) ProducerDisconnected(producerID string) []string {
	ids := s.registry.ProducerDisconnected(producerID)
	s.metrics.AddStreamsEnded(len(ids))
	return ids
}

// OnFrame relays a frame from senderID.
func (s *Service) OnFrame(streamID, senderID, payload string, capturedAt time.Time) error {
	return s.relay.OnFrame(streamID, senderID, payload, capturedAt)
}

// OnAudio relays an audio chunk from senderID.
func (s *Service) OnAudio(streamID, senderID, payload string, capturedAt time.Time, duration time.Duration) error {
	return s.relay.OnAudio(streamID, senderID, payload, capturedAt, duration)
}

// ActiveStreams lists live streams, oldest first.
func (s *Service) ActiveStreams() []StreamInfo {
	return s.registry.List()
}

// ActiveStreamCount returns the number of live streams.
func (s *Service) ActiveStreamCount() int {
	return s.registry.Count()
}

// ViewerCount returns the number of joined viewers across live streams.
func (s *Service) ViewerCount() int {
	return s.registry.ViewerCount()
}

// RecordingStatus returns the status of the buffer retained for streamID.
func (s *Service) RecordingStatus(streamID string) (recording.Status, error) {
	buf, ok := s.store.Get(streamID)
	if !ok {
		return recording.Status{}, ErrRecordingNotFound
	}
	return buf.Status(), nil
}

// Recordings returns the status of every retained recording, ordered by
// stream id.
func (s *Service) Recordings() []recording.Status {
	ids := s.store.List()
	out := make([]recording.Status, 0, len(ids))
	for _, id := range ids {
		if buf, ok := s.store.Get(id); ok {
			out = append(out, buf.Status())
		}
	}
	return out
}

// ToggleFullRecording switches the full-recording sub-buffer of streamID.
// Turning it on requires the stream to be recording and resets the
// sub-buffer.
func (s *Service) ToggleFullRecording(streamID string, on bool) (recording.Status, error) {
	buf, ok := s.store.Get(streamID)
	if !ok {
		return recording.Status{}, ErrRecordingNotFound
	}
	if err := buf.SetFullRecording(on); err != nil {
		return recording.Status{}, err
	}
	s.log.Info("full recording toggled",
		slog.String("stream_id", streamID),
		slog.Bool("enabled", on))
	return buf.Status(), nil
}

// ParseExportMode validates an export mode name.
func ParseExportMode(mode string) (ExportMode, error) {
	switch m := ExportMode(mode); m {
	case ExportBuffer, ExportFull:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// Export snapshots the buffer retained for streamID and encodes it. Only one
// export or purge per stream runs at a time; a concurrent request fails with
// ErrExportInProgress. The live stream keeps recording during the encode.
func (s *Service) Export(ctx context.Context, streamID string, mode ExportMode) (encode.MediaFile, error) {
	if _, err := ParseExportMode(string(mode)); err != nil {
		return encode.MediaFile{}, err
	}
	if !s.acquire(streamID) {
		s.metrics.ObserveExport(string(mode), metrics.ResultRejected, 0)
		return encode.MediaFile{}, ErrExportInProgress
	}
	defer s.release(streamID)

	buf, ok := s.store.Get(streamID)
	if !ok {
		return encode.MediaFile{}, ErrRecordingNotFound
	}

	var snap recording.Snapshot
	if mode == ExportFull {
		snap = buf.SnapshotFull()
	} else {
		snap = buf.Snapshot()
	}

	start := time.Now()
	file, err := s.exporter.Export(ctx, encode.Request{
		StreamID: streamID,
		Mode:     string(mode),
		Frames:   snap.Frames,
		Audio:    snap.Audio,
	})
	s.metrics.ObserveExport(string(mode), exportResult(err), time.Since(start).Seconds())
	if err != nil {
		s.log.Error("export failed",
			slog.String("stream_id", streamID),
			slog.String("mode", string(mode)),
			slog.Int("frames", len(snap.Frames)),
			slog.String("error", err.Error()))
		return encode.MediaFile{}, err
	}

	s.log.Info("export finished",
		slog.String("stream_id", streamID),
		slog.String("mode", string(mode)),
		slog.String("path", file.Path),
		slog.Int("frames", file.Frames),
		slog.Int("skipped_frames", file.SkippedFrames),
		slog.Bool("audio", file.HasAudio))
	return file, nil
}

func exportResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, encode.ErrNoFrames), errors.Is(err, encode.ErrInsufficientFrames):
		return metrics.ResultRejected
	case errors.Is(err, encode.ErrEncoderUnavailable):
		return metrics.ResultUnavailable
	default:
		return metrics.ResultFailed
	}
}

func (s *Service) acquire(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.busy[streamID]; busy {
		return false
	}
	s.busy[streamID] = struct{}{}
	return true
}

func (s *Service) release(streamID string) {
	s.mu.Lock()
	delete(s.busy, streamID)
	s.mu.Unlock()
}

// ExportPath returns the stable path of the media file for streamID and mode.
// The file may not exist yet.
func (s *Service) ExportPath(streamID string, mode ExportMode) (string, error) {
	if _, err := ParseExportMode(string(mode)); err != nil {
		return "", err
	}
	return s.exporter.OutputPath(streamID, string(mode)), nil
}

// Purge drops the buffer retained for streamID and its exported media files.
// Live streams must be stopped first, and a running export makes it fail
// with ErrExportInProgress.
func (s *Service) Purge(streamID string) error {
	if !s.acquire(streamID) {
		return ErrExportInProgress
	}
	defer s.release(streamID)

	s.lifecycle.Lock()
	_, live := s.registry.Get(streamID)
	deleted := !live && s.store.Delete(streamID)
	s.lifecycle.Unlock()
	if live {
		return ErrStreamActive
	}
	if !deleted {
		return ErrRecordingNotFound
	}
	for _, mode := range []ExportMode{ExportBuffer, ExportFull} {
		if err := s.exporter.Remove(streamID, string(mode)); err != nil {
			return fmt.Errorf("remove %s export: %w", mode, err)
		}
	}
	s.log.Info("recording purged", slog.String("stream_id", streamID))
	return nil
}
