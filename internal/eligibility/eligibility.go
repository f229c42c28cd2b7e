// Package eligibility tracks which instruments are allowed to hold a
// depth slot. Records are keyed by the stable instrument id when known,
// falling back to the symbol string, and revert toward Eligible once a
// cooldown expires.
package eligibility

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Status of one instrument with respect to depth subscriptions.
type Status int

const (
	Unknown Status = iota
	Eligible
	Ineligible
)

func (s Status) String() string {
	switch s {
	case Eligible:
		return "eligible"
	case Ineligible:
		return "ineligible"
	default:
		return "unknown"
	}
}

// Instrument is the classification result for one symbol, supplied by an
// external contract-details lookup.
type Instrument struct {
	Symbol          string
	Conid           int64
	SecType         string // "STK", "ETF", "OPT", ...
	PrimaryExchange string
}

// CommonStock reports whether the instrument is a tradable
// common-stock-like security. Funds and derivatives are excluded from
// the eligible tier.
func (i Instrument) CommonStock() bool {
	return i.SecType == "STK"
}

// Classifier resolves a symbol to its instrument classification. The
// lookup itself (contract database, venue API) is an external
// collaborator.
type Classifier interface {
	Classify(ctx context.Context, symbol string) (Instrument, error)
}

// Record is the per-instrument eligibility state. It is created on first
// classification and mutated only by the scheduler in response to
// provider errors.
type Record struct {
	Key               string
	Symbol            string
	Conid             int64
	Status            Status
	IneligibleUntilMs int64
	LastErrorReason   string
	DepthStrikes      int
}

// DepthFailure is one "depth unsupported" occurrence retained for the
// operational summary line.
type DepthFailure struct {
	Symbol string
	At     time.Time
}

const recentFailureLimit = 5

// Cache is the eligibility store shared by the scheduler's refresh pass
// and its error callback handler.
type Cache struct {
	mu       sync.RWMutex
	records  map[string]*Record
	bySymbol map[string]*Record
	failures []DepthFailure
}

func NewCache() *Cache {
	return &Cache{
		records:  make(map[string]*Record),
		bySymbol: make(map[string]*Record),
	}
}

// Key prefers the stable conid, falling back to the symbol string.
func Key(conid int64, symbol string) string {
	if conid != 0 {
		return "conid:" + strconv.FormatInt(conid, 10)
	}
	return "sym:" + symbol
}

// Lookup returns the current status at nowMs, reverting an expired
// ineligibility back to Eligible.
func (c *Cache) Lookup(conid int64, symbol string, nowMs int64) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.find(conid, symbol)
	if rec == nil {
		return Unknown
	}
	if rec.Status == Ineligible && nowMs >= rec.IneligibleUntilMs {
		rec.Status = Eligible
		rec.DepthStrikes = 0
		log.Debug().Str("symbol", rec.Symbol).Msg("Eligibility cooldown expired")
	}
	return rec.Status
}

// Ensure creates or refreshes the record for a classified instrument.
func (c *Cache) Ensure(inst Instrument) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec := c.find(inst.Conid, inst.Symbol); rec != nil {
		if rec.Conid == 0 && inst.Conid != 0 {
			// Symbol-keyed record upgraded to a conid key; the symbol
			// alias stays so either lookup path resolves it.
			delete(c.records, rec.Key)
			rec.Conid = inst.Conid
			rec.Key = Key(inst.Conid, inst.Symbol)
			c.records[rec.Key] = rec
		}
		return rec
	}
	rec := &Record{
		Key:    Key(inst.Conid, inst.Symbol),
		Symbol: inst.Symbol,
		Conid:  inst.Conid,
		Status: Eligible,
	}
	c.records[rec.Key] = rec
	c.bySymbol[inst.Symbol] = rec
	return rec
}

// MarkIneligible puts the instrument on cooldown until untilMs.
func (c *Cache) MarkIneligible(conid int64, symbol, reason string, untilMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.findOrCreate(conid, symbol)
	rec.Status = Ineligible
	rec.IneligibleUntilMs = untilMs
	rec.LastErrorReason = reason
	log.Info().Str("symbol", symbol).Str("reason", reason).
		Int64("until_ms", untilMs).Msg("Instrument marked depth-ineligible")
}

// AddDepthStrike records one "depth unsupported" failure and returns the
// new strike count. The first strike feeds the primary-exchange retry
// protocol; the second marks the instrument definitively ineligible.
func (c *Cache) AddDepthStrike(conid int64, symbol, reason string, at time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.findOrCreate(conid, symbol)
	rec.DepthStrikes++
	rec.LastErrorReason = reason
	c.failures = append(c.failures, DepthFailure{Symbol: symbol, At: at.UTC()})
	if len(c.failures) > recentFailureLimit {
		c.failures = c.failures[len(c.failures)-recentFailureLimit:]
	}
	return rec.DepthStrikes
}

// RecentDepthFailures returns up to the last five failures, oldest first.
func (c *Cache) RecentDepthFailures() []DepthFailure {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]DepthFailure(nil), c.failures...)
}

// Summary renders the one-line operational view logged every refresh.
func (c *Cache) Summary() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := fmt.Sprintf("tracked=%d", len(c.records))
	for _, f := range c.failures {
		s += fmt.Sprintf(" %s@%s", f.Symbol, f.At.Format(time.RFC3339))
	}
	return s
}

func (c *Cache) find(conid int64, symbol string) *Record {
	if conid != 0 {
		if rec, ok := c.records[Key(conid, "")]; ok {
			return rec
		}
	}
	if rec, ok := c.bySymbol[symbol]; ok {
		return rec
	}
	return nil
}

func (c *Cache) findOrCreate(conid int64, symbol string) *Record {
	if rec := c.find(conid, symbol); rec != nil {
		return rec
	}
	rec := &Record{Key: Key(conid, symbol), Symbol: symbol, Conid: conid, Status: Eligible}
	c.records[rec.Key] = rec
	c.bySymbol[symbol] = rec
	return rec
}
