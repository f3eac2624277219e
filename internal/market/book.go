// Package market holds the top-of-book store the strategy reads from.
//
// Unlike a full order book mirror, the venue here only ever reports top of
// book (best bid/ask price and size) over its ticker channel — there is no
// depth to reconstruct, so TopOfBookStore is just the latest snapshot plus a
// staleness check.
package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/internal/domain"
)

// TopOfBookStore holds the latest TopOfBook update for one instrument.
type TopOfBookStore struct {
	mu      sync.RWMutex
	current domain.TopOfBook
	updated time.Time
}

// NewTopOfBookStore returns an empty store.
func NewTopOfBookStore() *TopOfBookStore {
	return &TopOfBookStore{}
}

// Update records a new top-of-book snapshot.
func (s *TopOfBookStore) Update(tob domain.TopOfBook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = tob
	s.updated = time.Now()
}

// Current returns the latest snapshot. ok is false if nothing has arrived yet.
func (s *TopOfBookStore) Current() (domain.TopOfBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.updated.IsZero() {
		return domain.TopOfBook{}, false
	}
	return s.current, true
}

// MidPrice returns (bestBid+bestAsk)/2, or false if no snapshot has arrived.
func (s *TopOfBookStore) MidPrice() (decimal.Decimal, bool) {
	tob, ok := s.Current()
	if !ok {
		return decimal.Zero, false
	}
	return tob.BestBidPrice.Add(tob.BestAskPrice).DivRound(decimal.NewFromInt(2), 16), true
}

// IsStale reports whether the store hasn't been updated within maxAge.
func (s *TopOfBookStore) IsStale(maxAge time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.updated.IsZero() {
		return true
	}
	return time.Since(s.updated) > maxAge
}

// LastUpdated returns the timestamp of the last update.
func (s *TopOfBookStore) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}
