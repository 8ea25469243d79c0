package chat

// ring is a fixed-capacity message buffer. Once full, the oldest entry is
// overwritten; items returns oldest-to-newest.
type ring struct {
	buf   []Message
	next  int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Message, size)}
}

func (r *ring) push(m Message) {
	r.buf[r.next] = m
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *ring) items() []Message {
	out := make([]Message, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
