package livestream

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"frame-relay/internal/recording"
)

var (
	// ErrStreamNotFound is returned when no active session has the given id.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrDuplicateStream is returned when starting a stream whose id is already
	// active.
	ErrDuplicateStream = errors.New("stream already active")

	// ErrInvalidStreamID is returned for empty stream ids.
	ErrInvalidStreamID = errors.New("invalid stream id")

	// ErrNotProducer is returned when a connection other than the stream's
	// producer tries to publish to or stop a stream.
	ErrNotProducer = errors.New("connection is not the stream producer")
)

// Session is the live bookkeeping for one active stream. Its mutable state is
// guarded by its own lock so streams never contend with each other.
type Session struct {
	ID           string
	Title        string
	Thumbnail    string
	AudioEnabled bool
	StartedAt    time.Time

	producer Conn
	buffer   *recording.Buffer

	mu        sync.Mutex
	viewers   map[string]Conn
	lastFrame string
	closed    bool
}

// ViewerCount returns the number of viewers currently joined.
func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

func (s *Session) info() StreamInfo {
	return StreamInfo{
		ID:           s.ID,
		Title:        s.Title,
		Thumbnail:    s.Thumbnail,
		ViewerCount:  s.ViewerCount(),
		AudioEnabled: s.AudioEnabled,
		StartTime:    s.StartedAt,
	}
}

// Registry maps stream ids to live sessions. The registry lock only guards the
// maps; per-stream state lives behind each Session's lock.
type Registry struct {
	log *slog.Logger

	mu         sync.RWMutex
	sessions   map[string]*Session
	byProducer map[string]map[string]struct{}
}

// NewRegistry returns an empty registry. If log is nil, slog.Default() is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:        log.With("component", "registry"),
		sessions:   make(map[string]*Session),
		byProducer: make(map[string]map[string]struct{}),
	}
}

// Start creates a session for streamID owned by producer. buf is the stream's
// recording buffer; it should already be recording.
func (r *Registry) Start(streamID string, producer Conn, meta Metadata, buf *recording.Buffer) (*Session, error) {
	if streamID == "" {
		return nil, ErrInvalidStreamID
	}

	s := &Session{
		ID:           streamID,
		Title:        meta.Title,
		Thumbnail:    meta.Thumbnail,
		AudioEnabled: meta.Audio,
		StartedAt:    time.Now().UTC(),
		producer:     producer,
		buffer:       buf,
		viewers:      make(map[string]Conn),
	}

	r.mu.Lock()
	if _, exists := r.sessions[streamID]; exists {
		r.mu.Unlock()
		r.log.Warn("stream already active, rejecting duplicate", slog.String("stream_id", streamID))
		return nil, ErrDuplicateStream
	}
	r.sessions[streamID] = s
	owned := r.byProducer[producer.ID()]
	if owned == nil {
		owned = make(map[string]struct{})
		r.byProducer[producer.ID()] = owned
	}
	owned[streamID] = struct{}{}
	r.mu.Unlock()

	r.log.Info("stream started",
		slog.String("stream_id", streamID),
		slog.String("producer", producer.ID()),
		slog.String("title", meta.Title),
		slog.Bool("audio", meta.Audio))
	return s, nil
}

// Get returns the active session for streamID.
func (r *Registry) Get(streamID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[streamID]
	return s, ok
}

// Join adds viewer to the stream's viewer set. Re-joining is a no-op apart
// from repeating the catch-up. The viewer receives a joined message followed
// by the cached last frame before any subsequently relayed frame.
func (r *Registry) Join(streamID string, viewer Conn) (JoinResult, error) {
	s, ok := r.Get(streamID)
	if !ok {
		return JoinResult{}, ErrStreamNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return JoinResult{}, ErrStreamNotFound
	}
	s.viewers[viewer.ID()] = viewer

	res := JoinResult{LastFrame: s.lastFrame, AudioEnabled: s.AudioEnabled, Title: s.Title}
	viewer.Send(Message{
		Type:         MsgJoined,
		StreamID:     streamID,
		AudioEnabled: s.AudioEnabled,
		Metadata:     &Metadata{Title: s.Title, Thumbnail: s.Thumbnail, Audio: s.AudioEnabled},
	})
	if s.lastFrame != "" {
		viewer.Send(Message{Type: MsgFrame, StreamID: streamID, Payload: s.lastFrame})
	}

	r.log.Debug("viewer joined",
		slog.String("stream_id", streamID),
		slog.String("viewer", viewer.ID()),
		slog.Int("viewers", len(s.viewers)))
	return res, nil
}

// Leave removes viewerID from the stream. Unknown streams and viewers are
// ignored.
func (r *Registry) Leave(streamID, viewerID string) {
	s, ok := r.Get(streamID)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.viewers, viewerID)
	n := len(s.viewers)
	s.mu.Unlock()

	r.log.Debug("viewer left",
		slog.String("stream_id", streamID),
		slog.String("viewer", viewerID),
		slog.Int("viewers", n))
}

// Stop ends the stream: the session is removed, its buffer stops recording,
// viewers are told the stream ended, and an administrative stop additionally
// tells the producer to cease sending. A non-admin actor must be the producer.
func (r *Registry) Stop(streamID string, actor Actor) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[streamID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrStreamNotFound
	}
	if !actor.Admin && actor.ConnID != s.producer.ID() {
		r.mu.Unlock()
		return nil, ErrNotProducer
	}
	r.removeLocked(s)
	r.mu.Unlock()

	r.end(s, actor)
	return s, nil
}

// ProducerDisconnected stops every stream owned by producerID and returns
// their ids.
func (r *Registry) ProducerDisconnected(producerID string) []string {
	r.mu.Lock()
	owned := r.byProducer[producerID]
	ended := make([]*Session, 0, len(owned))
	for id := range owned {
		if s, ok := r.sessions[id]; ok {
			ended = append(ended, s)
			r.removeLocked(s)
		}
	}
	delete(r.byProducer, producerID)
	r.mu.Unlock()

	ids := make([]string, 0, len(ended))
	for _, s := range ended {
		r.end(s, Actor{ConnID: producerID})
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}

// removeLocked drops s from the maps. Caller must hold r.mu in write mode.
func (r *Registry) removeLocked(s *Session) {
	delete(r.sessions, s.ID)
	if owned := r.byProducer[s.producer.ID()]; owned != nil {
		delete(owned, s.ID)
		if len(owned) == 0 {
			delete(r.byProducer, s.producer.ID())
		}
	}
}

func (r *Registry) end(s *Session, actor Actor) {
	s.mu.Lock()
	s.closed = true
	viewers := make([]Conn, 0, len(s.viewers))
	for _, v := range s.viewers {
		viewers = append(viewers, v)
	}
	s.viewers = make(map[string]Conn)
	s.mu.Unlock()

	if s.buffer != nil {
		s.buffer.Stop()
	}

	ended := Message{Type: MsgStreamEnded, StreamID: s.ID}
	for _, v := range viewers {
		v.Send(ended)
	}
	if actor.Admin {
		s.producer.Send(Message{Type: MsgForceStop, StreamID: s.ID})
	}

	r.log.Info("stream ended",
		slog.String("stream_id", s.ID),
		slog.Bool("admin", actor.Admin),
		slog.Int("viewers_notified", len(viewers)))
}

// List returns a summary of every active stream, oldest first.
func (r *Registry) List() []StreamInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]StreamInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Count returns the number of active streams.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ViewerCount returns the number of viewers across all active streams.
func (r *Registry) ViewerCount() int {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	n := 0
	for _, s := range sessions {
		n += s.ViewerCount()
	}
	return n
}
