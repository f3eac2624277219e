// Package strategy implements the market-making strategy (C6): mid-price
// quote generation, positional retreat, and the reconnection-on-error
// protocol that the run loop falls back to when orders stop making progress.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/internal/domain"
	"marketmaker/internal/market"
	"marketmaker/internal/orders"
)

const (
	startupDelay = 10 * time.Second

	// reconnectStallThreshold is how long orders may sit not-ready-for-amend
	// before the run loop treats that as a stall and reconnects. Distinct
	// from maxReconnectAttempts below — one is a duration, the other a count.
	reconnectStallThreshold = 5 * time.Second

	// maxReconnectAttempts is how many times HandleException retries the
	// reconnection protocol before giving up and stopping the strategy.
	maxReconnectAttempts = 5
)

// tobStaleThreshold is how long the top-of-book feed may go without an update
// before Tick treats it as stalled and reconnects. Distinct from
// reconnectStallThreshold — one watches the inbound market-data feed, the
// other watches outbound order-amend progress. A var, not a const, so tests
// can shrink it rather than sleeping for the real threshold.
var tobStaleThreshold = 10 * time.Second

// LevelQty is one (level, quantity) rung of the quoting ladder.
type LevelQty struct {
	Level    int
	Quantity decimal.Decimal
}

// Reconnector performs the actual transport/session reconnection protocol.
// Implemented by internal/engine, which owns the transport session and id
// registry that the strategy itself does not touch directly.
type Reconnector interface {
	Reconnect(ctx context.Context, reason string) error
}

// Config is the strategy's own tuning, already parsed out of the raw YAML
// config into decimal/native types.
type Config struct {
	InstrumentName      string
	TickSize            decimal.Decimal
	PriceRounding       int32
	StopStrategyOnError bool

	PositionalRetreatEnabled bool
	PositionIncrement        decimal.Decimal
	RetreatTicks             int

	AskLevels []LevelQty
	BidLevels []LevelQty
}

// Strategy runs the quote-generation and reconnection loop for a single
// instrument.
type Strategy struct {
	logger      *slog.Logger
	cfg         Config
	ordersMgr   *orders.Manager
	reconnector Reconnector

	whitelist map[string]struct{}

	active       bool
	reconnecting atomic.Bool

	startedAt     time.Time
	lastAmendTime time.Time
	numSentOrders int

	tobStore        *market.TopOfBookStore
	currentPosition *domain.Position

	lastQuotedBid decimal.Decimal
	lastQuotedAsk decimal.Decimal
}

// New builds a Strategy. The whitelist names venue rejection reasons that
// must never trigger a reconnection (e.g. a post-only order that would have
// crossed, which is expected and self-correcting on the next quote round).
func New(logger *slog.Logger, cfg Config, ordersMgr *orders.Manager, reconnector Reconnector) *Strategy {
	return &Strategy{
		logger:      logger.With("component", "strategy", "instrument", cfg.InstrumentName),
		cfg:         cfg,
		ordersMgr:   ordersMgr,
		reconnector: reconnector,
		tobStore:    market.NewTopOfBookStore(),
		whitelist: map[string]struct{}{
			"post-only order would cross as non-maker": {},
		},
	}
}

// Start marks the strategy active and resets its startup clock. The engine
// calls this once before driving OnMarketUpdate/Tick from its own loop — the
// strategy does not run its own goroutine, since its state (and the orders
// manager it calls into) is owned by whatever single goroutine drives it.
func (s *Strategy) Start() {
	s.active = true
	s.startedAt = time.Now()
	s.logger.Info("strategy started")
}

// Active reports whether the strategy is currently quoting.
func (s *Strategy) Active() bool {
	return s.active
}

// OnMarketUpdate dispatches one decoded update to the right handler.
func (s *Strategy) OnMarketUpdate(ctx context.Context, update any) error {
	switch u := update.(type) {
	case domain.TopOfBook:
		s.tobStore.Update(u)
		return nil

	case domain.Position:
		s.currentPosition = &u
		return nil

	case domain.ExchangeOrdersSnapshot:
		_, err := s.ordersMgr.ActivateOrders(u)
		return err

	case domain.AmendRejection:
		s.logger.Warn("amend rejected", "uid", u.UID, "reason", u.RejectionReason)
		return s.HandleException(ctx, u.RejectionReason)

	case domain.NewOrderRejection:
		s.logger.Warn("new order rejected", "uid", u.UID, "reason", u.RejectionReason)
		return s.HandleException(ctx, u.RejectionReason)

	case domain.OrderEliminationAck:
		s.logger.Warn("unexpected order elimination", "uid", u.UID)
		return s.HandleException(ctx, "unexpected order elimination")

	default:
		uid := updateUID(update)
		if uid == "" {
			return nil
		}
		return s.ordersMgr.UpdateOrderState(uid, update)
	}
}

func updateUID(update any) string {
	switch u := update.(type) {
	case domain.NewOrderAck:
		return u.UID
	case domain.OrderEliminationRejection:
		return u.UID
	case domain.OrderFillAck:
		return u.UID
	case domain.OrderFullFillAck:
		return u.UID
	case domain.AmendAck:
		return u.UID
	case domain.AmendAckOnPartial:
		return u.UID
	default:
		return ""
	}
}

// Tick is the per-poll heartbeat: quote only when the book has moved and the
// prior quote round has settled, and escalate to reconnection if orders
// stop making progress for too long. The engine calls this once per receive
// loop pass (the transport's own 100ms poll budget provides the cadence).
func (s *Strategy) Tick(ctx context.Context) error {
	if !s.active || s.reconnecting.Load() {
		return nil
	}
	tob, ok := s.tobStore.Current()
	if !ok {
		return nil
	}
	if time.Since(s.startedAt) < startupDelay {
		return nil
	}
	if s.tobStore.IsStale(tobStaleThreshold) {
		return s.HandleException(ctx, "top of book feed stalled")
	}
	if s.cfg.PositionalRetreatEnabled && s.currentPosition == nil {
		// retreat needs a known position; no quotes until one arrives.
		return nil
	}
	if !s.tobMoved(tob) {
		return nil
	}

	if !s.ordersReadyForAmend() {
		if !s.lastAmendTime.IsZero() && time.Since(s.lastAmendTime) > reconnectStallThreshold {
			return s.HandleException(ctx, "orders not ready for amend within stall threshold")
		}
		return nil
	}

	quotes := GenerateQuotes(tob, s.cfg.TickSize, s.cfg.PriceRounding, s.cfg.InstrumentName, s.cfg.AskLevels, s.cfg.BidLevels)

	if s.cfg.PositionalRetreatEnabled {
		quotes = ApplyRetreat(quotes, s.currentPosition.Quantity, s.cfg.PositionIncrement, s.cfg.RetreatTicks, s.cfg.TickSize)
	}

	// With nothing live there is nothing to amend: place the first round.
	var err error
	if s.ordersMgr.LiveUIDCount() == 0 {
		err = s.ordersMgr.PlaceMany(quotes)
	} else {
		err = s.ordersMgr.AmendActive(quotes)
	}
	if err != nil {
		return s.HandleException(ctx, err.Error())
	}

	s.lastAmendTime = time.Now()
	s.numSentOrders = len(quotes)
	return nil
}

func (s *Strategy) tobMoved(tob domain.TopOfBook) bool {
	if tob.BestBidPrice.Equal(s.lastQuotedBid) && tob.BestAskPrice.Equal(s.lastQuotedAsk) {
		return false
	}
	s.lastQuotedBid = tob.BestBidPrice
	s.lastQuotedAsk = tob.BestAskPrice
	return true
}

func (s *Strategy) ordersReadyForAmend() bool {
	if s.ordersMgr.LiveUIDCount() == 0 {
		return true
	}
	return s.ordersMgr.NumberReadyForAmend() >= s.numSentOrders
}

// HandleException runs the whitelist check, then retries the reconnection
// protocol up to maxReconnectAttempts times before giving up fatally.
func (s *Strategy) HandleException(ctx context.Context, reason string) error {
	if _, whitelisted := s.whitelist[reason]; whitelisted {
		s.logger.Warn("whitelisted rejection, not reconnecting", "reason", reason)
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		if err := s.handleExceptionOnce(ctx, reason); err != nil {
			lastErr = err
			s.logger.Warn("reconnection attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		return nil
	}

	s.active = false
	return fmt.Errorf("reconnection failed after %d attempts: %w", maxReconnectAttempts, lastErr)
}

func (s *Strategy) handleExceptionOnce(ctx context.Context, reason string) error {
	s.reconnecting.Store(true)
	defer s.reconnecting.Store(false)

	if s.cfg.StopStrategyOnError {
		_ = s.ordersMgr.CancelActiveOrders()
		s.active = false
	}

	if err := s.reconnector.Reconnect(ctx, reason); err != nil {
		return err
	}

	s.ordersMgr.Reset()
	s.lastAmendTime = time.Time{}
	s.numSentOrders = 0
	s.startedAt = time.Now()
	s.active = true
	return nil
}

// GenerateQuotes builds the ask-then-bid ladder around the current top of
// book. The mid is rounded to the nearest tick, then nudged so that rounding
// never produces a price on the wrong side of the true mid.
func GenerateQuotes(tob domain.TopOfBook, tick decimal.Decimal, priceRounding int32, instrument string, askLevels, bidLevels []LevelQty) []domain.OrderRequest {
	mid := tob.BestBidPrice.Add(tob.BestAskPrice).DivRound(decimal.NewFromInt(2), 16)
	roundedMid := roundToTick(mid, tick, priceRounding)

	var effectiveBid, effectiveAsk decimal.Decimal
	spread := tob.BestAskPrice.Sub(tob.BestBidPrice)

	switch {
	case spread.Equal(tick.Mul(decimal.NewFromInt(2))):
		effectiveBid = roundedMid.Sub(tick)
		effectiveAsk = roundedMid.Add(tick)
	case roundedMid.GreaterThanOrEqual(mid):
		effectiveAsk = roundedMid
		effectiveBid = effectiveAsk.Sub(tick)
	default:
		effectiveBid = roundedMid
		effectiveAsk = effectiveBid.Add(tick)
	}

	result := make([]domain.OrderRequest, 0, len(askLevels)+len(bidLevels))

	for _, lvl := range askLevels {
		price := effectiveAsk.Add(tick.Mul(decimal.NewFromInt(int64(lvl.Level)))).RoundBank(priceRounding)
		result = append(result, domain.OrderRequest{
			InstrumentName: instrument,
			Side:           domain.SideSell,
			Type:           domain.OrderTypeLimit,
			Price:          price,
			Quantity:       lvl.Quantity,
		})
	}

	for _, lvl := range bidLevels {
		price := effectiveBid.Sub(tick.Mul(decimal.NewFromInt(int64(lvl.Level)))).RoundBank(priceRounding)
		result = append(result, domain.OrderRequest{
			InstrumentName: instrument,
			Side:           domain.SideBuy,
			Type:           domain.OrderTypeLimit,
			Price:          price,
			Quantity:       lvl.Quantity,
		})
	}

	return result
}

func roundToTick(price, tick decimal.Decimal, priceRounding int32) decimal.Decimal {
	ratio := price.DivRound(tick, 16).RoundBank(0)
	return ratio.Mul(tick).RoundBank(priceRounding)
}

// ApplyRetreat shifts the quoting ladder away from a build-up position: a
// long position pulls bids down, a short position pushes asks up, in steps
// of retreatTicks per positionIncrement of position held.
func ApplyRetreat(quotes []domain.OrderRequest, position, positionIncrement decimal.Decimal, retreatTicks int, tick decimal.Decimal) []domain.OrderRequest {
	if positionIncrement.IsZero() {
		return quotes
	}

	steps := position.Div(positionIncrement).Floor()
	retreatInTicks := steps.Mul(decimal.NewFromInt(int64(retreatTicks))).IntPart()
	if retreatInTicks == 0 {
		return quotes
	}

	shift := tick.Mul(decimal.NewFromInt(retreatInTicks))
	targetSide := domain.SideBuy
	if retreatInTicks < 0 {
		targetSide = domain.SideSell
	}

	out := make([]domain.OrderRequest, len(quotes))
	for i, q := range quotes {
		if q.Side == targetSide {
			q.Price = q.Price.Sub(shift)
		}
		out[i] = q
	}
	return out
}
