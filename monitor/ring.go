package monitor

// ring keeps the last len(buf) samples, oldest evicted first. Not safe for
// concurrent use.
type ring struct {
	buf  []HealthStatus
	next int
	full bool
}

func newRing(n int) *ring { return &ring{buf: make([]HealthStatus, n)} }

func (r *ring) push(s HealthStatus) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// items returns a copy, oldest first.
func (r *ring) items() []HealthStatus {
	if !r.full {
		return append([]HealthStatus(nil), r.buf[:r.next]...)
	}
	out := make([]HealthStatus, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
