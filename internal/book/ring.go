package book

// tradeRing is a fixed-capacity ring buffer of the most recent prints.
type tradeRing struct {
	buf   []Trade
	next  int
	count int
}

func newTradeRing(capacity int) *tradeRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &tradeRing{buf: make([]Trade, capacity)}
}

func (r *tradeRing) push(t Trade) {
	r.buf[r.next] = t
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *tradeRing) len() int { return r.count }

// countSince walks newest-to-oldest and stops at the first print older
// than sinceMs. Receipt times are monotone in insertion order, so the
// early exit is safe.
func (r *tradeRing) countSince(sinceMs int64) int {
	n := 0
	for i := 0; i < r.count; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		if r.buf[idx].ReceiptMs < sinceMs {
			break
		}
		n++
	}
	return n
}

// recent returns up to n most-recent prints, newest first.
func (r *tradeRing) recent(n int) []Trade {
	if n > r.count {
		n = r.count
	}
	out := make([]Trade, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
