package encode

import (
	"bytes"
	"sync"
)

// maxLineBytes caps one retained line; the rest of a longer line is dropped.
const maxLineBytes = 1024

// lineRing is an io.Writer that keeps the last N complete lines written to it.
// Both '\n' and '\r' end a line, so progress output rewritten in place with
// carriage returns is split too. It collects encoder stderr without letting
// a chatty encoder grow memory.
type lineRing struct {
	mu      sync.Mutex
	lines   []string
	pos     int
	full    bool
	partial []byte
}

func newLineRing(size int) *lineRing {
	return &lineRing{lines: make([]string, size)}
}

func (r *lineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	for {
		i := bytes.IndexAny(p, "\r\n")
		if i < 0 {
			r.appendPartialLocked(p)
			return n, nil
		}
		r.appendPartialLocked(p[:i])
		r.addLocked(string(r.partial))
		r.partial = r.partial[:0]
		p = p[i+1:]
	}
}

func (r *lineRing) appendPartialLocked(b []byte) {
	if room := maxLineBytes - len(r.partial); len(b) > room {
		b = b[:max(room, 0)]
	}
	r.partial = append(r.partial, b...)
}

func (r *lineRing) addLocked(line string) {
	if line == "" {
		return
	}
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % len(r.lines)
	if r.pos == 0 {
		r.full = true
	}
}

// Lines returns the retained lines oldest-first, including any trailing
// line not yet terminated by a newline.
func (r *lineRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	if !r.full {
		out = append(out, r.lines[:r.pos]...)
	} else {
		out = make([]string, 0, len(r.lines)+1)
		out = append(out, r.lines[r.pos:]...)
		out = append(out, r.lines[:r.pos]...)
	}
	if len(r.partial) > 0 {
		out = append(out, string(r.partial))
	}
	return out
}
