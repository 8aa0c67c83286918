package livestream

import (
	"errors"
	"reflect"
	"testing"

	"frame-relay/internal/recording"
)

func startTestStream(t *testing.T, r *Registry, id string, producer Conn) *Session {
	t.Helper()
	buf := recording.NewBuffer(id, testPolicy())
	buf.Start()
	s, err := r.Start(id, producer, Metadata{Title: "title " + id}, buf)
	if err != nil {
		t.Fatalf("Start(%q): %v", id, err)
	}
	return s
}

func TestRegistry_Start_duplicate(t *testing.T) {
	r := NewRegistry(quietLogger())
	startTestStream(t, r, "s1", newFakeConn("p1"))

	_, err := r.Start("s1", newFakeConn("p2"), Metadata{}, nil)
	if !errors.Is(err, ErrDuplicateStream) {
		t.Errorf("expected ErrDuplicateStream, got %v", err)
	}
	s, _ := r.Get("s1")
	if s.producer.ID() != "p1" {
		t.Errorf("duplicate start replaced producer: %s", s.producer.ID())
	}
}

func TestRegistry_Start_emptyID(t *testing.T) {
	r := NewRegistry(quietLogger())
	if _, err := r.Start("", newFakeConn("p1"), Metadata{}, nil); !errors.Is(err, ErrInvalidStreamID) {
		t.Errorf("expected ErrInvalidStreamID, got %v", err)
	}
}

func TestRegistry_Join_notFound(t *testing.T) {
	r := NewRegistry(quietLogger())
	if _, err := r.Join("missing", newFakeConn("v1")); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestRegistry_Join_idempotent(t *testing.T) {
	r := NewRegistry(quietLogger())
	s := startTestStream(t, r, "s1", newFakeConn("p1"))
	v := newFakeConn("v1")

	for i := 0; i < 2; i++ {
		res, err := r.Join("s1", v)
		if err != nil {
			t.Fatalf("Join: %v", err)
		}
		if res.Title != "title s1" {
			t.Errorf("Title: got %q", res.Title)
		}
	}
	if n := s.ViewerCount(); n != 1 {
		t.Errorf("expected 1 viewer after re-join, got %d", n)
	}
}

func TestRegistry_StopThenJoin(t *testing.T) {
	r := NewRegistry(quietLogger())
	s := startTestStream(t, r, "s1", newFakeConn("p1"))

	if _, err := r.Stop("s1", Actor{ConnID: "p1"}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := r.Join("s1", newFakeConn("v1")); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound after stop, got %v", err)
	}
	if got := s.buffer.State(); got != recording.StateStopped {
		t.Errorf("buffer state after stop: got %s", got)
	}
	if _, err := r.Stop("s1", ActorAdmin); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("second stop: expected ErrStreamNotFound, got %v", err)
	}
}

func TestRegistry_Stop_notProducer(t *testing.T) {
	r := NewRegistry(quietLogger())
	startTestStream(t, r, "s1", newFakeConn("p1"))

	if _, err := r.Stop("s1", Actor{ConnID: "v1"}); !errors.Is(err, ErrNotProducer) {
		t.Errorf("expected ErrNotProducer, got %v", err)
	}
	if _, ok := r.Get("s1"); !ok {
		t.Error("stream should survive a rejected stop")
	}
}

func TestRegistry_Stop_notifies(t *testing.T) {
	tests := []struct {
		name         string
		actor        Actor
		producerMsgs []MessageType
	}{
		{"producer", Actor{ConnID: "p1"}, nil},
		{"admin", ActorAdmin, []MessageType{MsgForceStop}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(quietLogger())
			p := newFakeConn("p1")
			v := newFakeConn("v1")
			startTestStream(t, r, "s1", p)
			if _, err := r.Join("s1", v); err != nil {
				t.Fatalf("Join: %v", err)
			}

			if _, err := r.Stop("s1", tt.actor); err != nil {
				t.Fatalf("Stop: %v", err)
			}
			want := []MessageType{MsgJoined, MsgStreamEnded}
			if got := v.Types(); !reflect.DeepEqual(got, want) {
				t.Errorf("viewer messages: got %v, want %v", got, want)
			}
			if got := p.Types(); !reflect.DeepEqual(got, tt.producerMsgs) {
				t.Errorf("producer messages: got %v, want %v", got, tt.producerMsgs)
			}
		})
	}
}

func TestRegistry_Leave(t *testing.T) {
	r := NewRegistry(quietLogger())
	s := startTestStream(t, r, "s1", newFakeConn("p1"))
	v := newFakeConn("v1")
	_, _ = r.Join("s1", v)

	r.Leave("s1", "v1")
	r.Leave("s1", "v1")
	r.Leave("missing", "v1")
	if n := s.ViewerCount(); n != 0 {
		t.Errorf("expected 0 viewers, got %d", n)
	}
}

func TestRegistry_ProducerDisconnected(t *testing.T) {
	r := NewRegistry(quietLogger())
	p1 := newFakeConn("p1")
	startTestStream(t, r, "b", p1)
	startTestStream(t, r, "a", p1)
	startTestStream(t, r, "c", newFakeConn("p2"))

	ended := r.ProducerDisconnected("p1")
	if want := []string{"a", "b"}; !reflect.DeepEqual(ended, want) {
		t.Errorf("ended: got %v, want %v", ended, want)
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 stream left, got %d", r.Count())
	}
	if len(p1.Messages()) != 0 {
		t.Errorf("disconnected producer should not be sent forceStop: %v", p1.Types())
	}
	if ended := r.ProducerDisconnected("p1"); len(ended) != 0 {
		t.Errorf("second disconnect: got %v", ended)
	}
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry(quietLogger())
	startTestStream(t, r, "s1", newFakeConn("p1"))
	startTestStream(t, r, "s2", newFakeConn("p2"))
	_, _ = r.Join("s2", newFakeConn("v1"))
	_, _ = r.Join("s2", newFakeConn("v2"))

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(list))
	}
	byID := map[string]StreamInfo{}
	for _, info := range list {
		byID[info.ID] = info
	}
	if byID["s2"].ViewerCount != 2 || byID["s1"].ViewerCount != 0 {
		t.Errorf("viewer counts: %+v", list)
	}
	if byID["s1"].Title != "title s1" {
		t.Errorf("title: got %q", byID["s1"].Title)
	}
	if r.ViewerCount() != 2 {
		t.Errorf("ViewerCount: got %d", r.ViewerCount())
	}
}
