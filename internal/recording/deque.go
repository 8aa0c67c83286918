package recording

// deque is a growable ring buffer. PushBack and PopFront are O(1) amortized,
// which keeps front eviction cheap at high frame rates.
type deque[T any] struct {
	buf  []T
	head int
	n    int
}

func (d *deque[T]) Len() int { return d.n }

func (d *deque[T]) PushBack(v T) {
	if d.n == len(d.buf) {
		d.grow()
	}
	d.buf[(d.head+d.n)%len(d.buf)] = v
	d.n++
}

// Front returns the oldest element. ok is false when the deque is empty.
func (d *deque[T]) Front() (v T, ok bool) {
	if d.n == 0 {
		return v, false
	}
	return d.buf[d.head], true
}

func (d *deque[T]) PopFront() (v T, ok bool) {
	if d.n == 0 {
		return v, false
	}
	var zero T
	v = d.buf[d.head]
	d.buf[d.head] = zero
	d.head = (d.head + 1) % len(d.buf)
	d.n--
	return v, true
}

// Slice copies the contents oldest-first into a new slice.
func (d *deque[T]) Slice() []T {
	out := make([]T, d.n)
	if d.n == 0 {
		return out
	}
	tail := d.head + d.n
	if tail <= len(d.buf) {
		copy(out, d.buf[d.head:tail])
		return out
	}
	k := copy(out, d.buf[d.head:])
	copy(out[k:], d.buf[:tail-len(d.buf)])
	return out
}

func (d *deque[T]) Reset() {
	d.buf = nil
	d.head = 0
	d.n = 0
}

func (d *deque[T]) grow() {
	size := len(d.buf) * 2
	if size == 0 {
		size = 16
	}
	buf := make([]T, size)
	if d.n > 0 {
		tail := d.head + d.n
		if tail <= len(d.buf) {
			copy(buf, d.buf[d.head:tail])
		} else {
			k := copy(buf, d.buf[d.head:])
			copy(buf[k:], d.buf[:tail-len(d.buf)])
		}
	}
	d.buf = buf
	d.head = 0
}
