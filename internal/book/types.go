package book

// Side identifies one half of the order book.
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// Operation is the positional mutation declared by the feed.
type Operation int

const (
	Insert Operation = iota
	Update
	Delete
)

func (o Operation) String() string {
	switch o {
	case Insert:
		return "insert"
	case Update:
		return "update"
	default:
		return "delete"
	}
}

// Level is one row of one side of a symbol's book, addressed by position
// (index 0 = best), not by price.
type Level struct {
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	UpdatedMs int64   `json:"updated_ms"`
}

// Trade is one executed print from the tape. EventMs is the feed's own
// timestamp and is kept for skew analytics only; ReceiptMs is the local
// receipt clock and drives every freshness decision.
type Trade struct {
	EventMs   int64   `json:"event_ms"`
	ReceiptMs int64   `json:"receipt_ms"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
}

// ApplyResult describes what happened to a depth update.
type ApplyResult int

const (
	Applied ApplyResult = iota
	AppliedAfterReset
	DroppedMalformed
	DroppedCrossed
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case AppliedAfterReset:
		return "applied_after_reset"
	case DroppedMalformed:
		return "dropped_malformed"
	default:
		return "dropped_crossed"
	}
}

// Snapshot is a read-only copy of a book handed to downstream consumers.
// The live Book stays exclusively owned by the feed dispatch goroutine.
type Snapshot struct {
	Symbol            string  `json:"symbol"`
	Bids              []Level `json:"bids"`
	Asks              []Level `json:"asks"`
	RecentTrades      []Trade `json:"recent_trades"`
	LastUpdateMs      int64   `json:"last_update_ms"`
	LastDepthUpdateMs int64   `json:"last_depth_update_ms"`
	LastTapeReceiptMs int64   `json:"last_tape_receipt_ms"`
	ResetCount        int     `json:"reset_count"`
}

// BestBid returns the top bid level if it carries positive size.
func (s *Snapshot) BestBid() (Level, bool) {
	if len(s.Bids) == 0 || s.Bids[0].Size <= 0 {
		return Level{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask level if it carries positive size.
func (s *Snapshot) BestAsk() (Level, bool) {
	if len(s.Asks) == 0 || s.Asks[0].Size <= 0 {
		return Level{}, false
	}
	return s.Asks[0], true
}

// Spread returns best-ask minus best-bid when both sides are present.
func (s *Snapshot) Spread() (float64, bool) {
	bb, okB := s.BestBid()
	ba, okA := s.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return ba.Price - bb.Price, true
}

// TopSizeSum sums displayed size over the first n levels of a side.
func (s *Snapshot) TopSizeSum(side Side, n int) float64 {
	levels := s.Bids
	if side == Ask {
		levels = s.Asks
	}
	if n > len(levels) {
		n = len(levels)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += levels[i].Size
	}
	return sum
}

// TradesSince counts prints whose receipt time is at or after sinceMs.
func (s *Snapshot) TradesSince(sinceMs int64) int {
	n := 0
	for _, t := range s.RecentTrades {
		if t.ReceiptMs >= sinceMs {
			n++
		}
	}
	return n
}
