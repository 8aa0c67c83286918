package livestream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// verifyNoLeaks must be called before any other cleanup is registered so
// that it runs last.
func verifyNoLeaks(t *testing.T) {
	t.Helper()
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })
}

func newTestGateway(t *testing.T, cfg GatewayConfig) (*Service, *Gateway, string) {
	t.Helper()
	svc := newTestService(&fakeExporter{dir: t.TempDir()})
	g := NewGateway(svc, cfg, quietLogger(), nil)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	t.Cleanup(g.Close)
	return svc, g, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, msg Message) {
	t.Helper()
	require.NoError(t, c.WriteJSON(msg))
}

func expect(t *testing.T, c *websocket.Conn, typ MessageType) Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, c.ReadJSON(&msg))
	require.Equal(t, typ, msg.Type, "message: %+v", msg)
	return msg
}

func TestGateway_RelayAndDisconnect(t *testing.T) {
	verifyNoLeaks(t)

	svc, _, url := newTestGateway(t, GatewayConfig{QueueSize: 8})

	producer := dial(t, url)
	send(t, producer, Message{Type: MsgStart, StreamID: "s1", Metadata: &Metadata{Title: "live", Audio: true}})
	expect(t, producer, MsgStarted)

	viewer := dial(t, url)
	send(t, viewer, Message{Type: MsgJoin, StreamID: "s1"})
	joined := expect(t, viewer, MsgJoined)
	assert.True(t, joined.AudioEnabled)
	require.NotNil(t, joined.Metadata)
	assert.Equal(t, "live", joined.Metadata.Title)

	send(t, producer, Message{Type: MsgFrame, StreamID: "s1", Payload: jpeg("f1"), Timestamp: 1_700_000_000_000})
	frame := expect(t, viewer, MsgFrame)
	assert.Equal(t, jpeg("f1"), frame.Payload)
	assert.Equal(t, int64(1_700_000_000_000), frame.Timestamp)

	send(t, producer, Message{Type: MsgAudio, StreamID: "s1", Payload: "data:audio/webm;base64,AAEC", Duration: 40})
	audio := expect(t, viewer, MsgAudio)
	assert.Equal(t, int64(40), audio.Duration)

	require.NoError(t, producer.Close())
	expect(t, viewer, MsgStreamEnded)

	st, err := svc.RecordingStatus("s1")
	require.NoError(t, err)
	assert.False(t, st.IsRecording)
	assert.Equal(t, 1, st.FrameCount)
	assert.Equal(t, 1, st.AudioChunkCount)
}

func TestGateway_Errors(t *testing.T) {
	verifyNoLeaks(t)

	_, _, url := newTestGateway(t, GatewayConfig{})

	p1 := dial(t, url)
	send(t, p1, Message{Type: MsgStart, StreamID: "s1"})
	expect(t, p1, MsgStarted)

	p2 := dial(t, url)
	send(t, p2, Message{Type: MsgStart, StreamID: "s1"})
	msg := expect(t, p2, MsgError)
	assert.Contains(t, msg.Error, ErrDuplicateStream.Error())

	send(t, p2, Message{Type: MsgJoin, StreamID: "missing"})
	msg = expect(t, p2, MsgError)
	assert.Contains(t, msg.Error, ErrStreamNotFound.Error())

	send(t, p2, Message{Type: MsgFrame, StreamID: "s1", Payload: jpeg("x")})
	msg = expect(t, p2, MsgError)
	assert.Contains(t, msg.Error, ErrNotProducer.Error())

	send(t, p2, Message{Type: MsgStop, StreamID: "s1"})
	msg = expect(t, p2, MsgError)
	assert.Contains(t, msg.Error, ErrNotProducer.Error())

	send(t, p2, Message{Type: "bogus"})
	expect(t, p2, MsgError)
}

func TestGateway_ProducerStopAndLeave(t *testing.T) {
	verifyNoLeaks(t)

	svc, _, url := newTestGateway(t, GatewayConfig{})

	producer := dial(t, url)
	send(t, producer, Message{Type: MsgStart, StreamID: "s1"})
	expect(t, producer, MsgStarted)

	stay := dial(t, url)
	send(t, stay, Message{Type: MsgJoin, StreamID: "s1"})
	expect(t, stay, MsgJoined)

	leaver := dial(t, url)
	send(t, leaver, Message{Type: MsgJoin, StreamID: "s1"})
	expect(t, leaver, MsgJoined)
	send(t, leaver, Message{Type: MsgLeave, StreamID: "s1"})

	require.Eventually(t, func() bool { return svc.ViewerCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	send(t, producer, Message{Type: MsgStop, StreamID: "s1"})
	expect(t, stay, MsgStreamEnded)
	assert.Empty(t, svc.ActiveStreams())
}

func TestGateway_IngestRateLimit(t *testing.T) {
	verifyNoLeaks(t)

	svc, _, url := newTestGateway(t, GatewayConfig{IngestMaxFPS: 1})

	producer := dial(t, url)
	send(t, producer, Message{Type: MsgStart, StreamID: "s1"})
	expect(t, producer, MsgStarted)

	for i := 0; i < 10; i++ {
		send(t, producer, Message{Type: MsgFrame, StreamID: "s1", Payload: jpeg("f")})
	}
	send(t, producer, Message{Type: MsgStop, StreamID: "s1"})

	require.Eventually(t, func() bool { return len(svc.ActiveStreams()) == 0 }, 5*time.Second, 10*time.Millisecond)
	st, err := svc.RecordingStatus("s1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.FrameCount, 1)
	assert.Less(t, st.FrameCount, 10)
}

func TestGateway_Close(t *testing.T) {
	verifyNoLeaks(t)

	svc, g, url := newTestGateway(t, GatewayConfig{})

	producer := dial(t, url)
	send(t, producer, Message{Type: MsgStart, StreamID: "s1"})
	expect(t, producer, MsgStarted)
	viewer := dial(t, url)
	send(t, viewer, Message{Type: MsgJoin, StreamID: "s1"})
	expect(t, viewer, MsgJoined)
	require.Equal(t, 2, g.ConnectionCount())

	g.Close()

	assert.Equal(t, 0, g.ConnectionCount())
	assert.Empty(t, svc.ActiveStreams())

	// New upgrades are refused.
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		resp.Body.Close()
	}
}
