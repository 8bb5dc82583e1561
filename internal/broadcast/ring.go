package broadcast

import "github.com/ashita-ai/tsunagi/internal/model"

// ring is a fixed-capacity FIFO of events. Pushing onto a full ring
// overwrites the oldest event.
type ring struct {
	buf   []model.Event
	start int
	n     int
}

func newRing(size int) *ring {
	return &ring{buf: make([]model.Event, size)}
}

func (r *ring) push(ev model.Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = ev
		r.n++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int { return r.n }

// at returns the i-th event, oldest first.
func (r *ring) at(i int) model.Event {
	return r.buf[(r.start+i)%len(r.buf)]
}

func (r *ring) oldest() (model.Event, bool) {
	if r.n == 0 {
		return model.Event{}, false
	}
	return r.at(0), true
}

// last returns up to limit of the newest events in publish order.
// A non-positive limit returns everything.
func (r *ring) last(limit int) []model.Event {
	if limit <= 0 || limit > r.n {
		limit = r.n
	}
	out := make([]model.Event, 0, limit)
	for i := r.n - limit; i < r.n; i++ {
		out = append(out, r.at(i))
	}
	return out
}

// after returns the events with a sequence greater than seq.
func (r *ring) after(seq uint64) []model.Event {
	var out []model.Event
	for i := range r.n {
		if ev := r.at(i); ev.Sequence > seq {
			out = append(out, ev)
		}
	}
	return out
}

func (r *ring) reset() {
	clear(r.buf)
	r.start, r.n = 0, 0
}
