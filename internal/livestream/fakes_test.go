package livestream

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"frame-relay/internal/encode"
	"frame-relay/internal/recording"
)

// fakeConn records every message sent to it.
type fakeConn struct {
	id string

	mu   sync.Mutex
	msgs []Message
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return true
}

func (c *fakeConn) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func (c *fakeConn) Types() []MessageType {
	msgs := c.Messages()
	if len(msgs) == 0 {
		return nil
	}
	out := make([]MessageType, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

// fakeExporter writes the frame payloads to OutputPath. If gate is set,
// Export signals started and blocks until gate is closed. A non-nil err is
// returned instead of writing anything.
type fakeExporter struct {
	dir     string
	gate    chan struct{}
	started chan struct{}
	err     error

	mu       sync.Mutex
	requests []encode.Request
}

func (e *fakeExporter) Export(ctx context.Context, req encode.Request) (encode.MediaFile, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()

	if e.gate != nil {
		e.started <- struct{}{}
		select {
		case <-e.gate:
		case <-ctx.Done():
			return encode.MediaFile{}, ctx.Err()
		}
	}
	if e.err != nil {
		return encode.MediaFile{}, e.err
	}
	if len(req.Frames) == 0 {
		return encode.MediaFile{}, encode.ErrNoFrames
	}

	path := e.OutputPath(req.StreamID, req.Mode)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return encode.MediaFile{}, err
	}
	if err := os.WriteFile(path, []byte("mp4"), 0o644); err != nil {
		return encode.MediaFile{}, err
	}
	return encode.MediaFile{
		ID:        "job",
		StreamID:  req.StreamID,
		Mode:      req.Mode,
		Path:      path,
		Size:      3,
		Frames:    len(req.Frames),
		HasAudio:  len(req.Audio) > 0,
		CreatedAt: time.Now(),
	}, nil
}

func (e *fakeExporter) OutputPath(streamID, mode string) string {
	return filepath.Join(e.dir, streamID+"_"+mode+".mp4")
}

func (e *fakeExporter) Remove(streamID, mode string) error {
	err := os.Remove(e.OutputPath(streamID, mode))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (e *fakeExporter) Requests() []encode.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]encode.Request(nil), e.requests...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() recording.Policy {
	return recording.Policy{
		Mode:               recording.ModeCount,
		MaxFrames:          100,
		MaxAudioChunks:     100,
		FullMaxFrames:      1000,
		FullMaxAudioChunks: 1000,
	}
}

func jpeg(data string) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte(data))
}

func newTestService(exp Exporter) *Service {
	log := quietLogger()
	return NewService(NewRegistry(log), recording.NewInMemoryStore(), exp, testPolicy(), log, nil)
}
