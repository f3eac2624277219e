// Package engine wires the Transport Session, Id Registry, Protocol Codec,
// Orders Manager, and Strategy into the single serialized run loop described
// by the concurrency model: one goroutine polls the transport, decodes
// whatever arrived, forwards it to the orders manager or the strategy, and
// ticks the strategy every pass.
//
// Lifecycle: New() -> Start(ctx) -> [runs until ctx is cancelled] -> Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"marketmaker/internal/config"
	"marketmaker/internal/domain"
	"marketmaker/internal/errs"
	"marketmaker/internal/orders"
	"marketmaker/internal/protocol"
	"marketmaker/internal/registry"
	"marketmaker/internal/strategy"
	"marketmaker/internal/transport"
)

const (
	subscribeAckPolls     = 50
	subscribeAckPollDelay = 200 * time.Millisecond
	postReconnectSettle   = 2 * time.Second
)

// wsTransport adapts the protocol codec's frame encoders to orders.Transport
// by sending every encoded frame over the session.
type wsTransport struct {
	session      *transport.Session
	contractCode string
}

func (t *wsTransport) SendCreate(order domain.OrderRequest) error {
	f, err := protocol.EncodeCreate(t.contractCode, order)
	if err != nil {
		return err
	}
	return t.session.Send(f)
}

func (t *wsTransport) SendCreateMany(orders []domain.OrderRequest) error {
	f, err := protocol.EncodeCreateMany(t.contractCode, orders)
	if err != nil {
		return err
	}
	return t.session.Send(f)
}

func (t *wsTransport) SendModify(eid string, order domain.OrderRequest) error {
	f, err := protocol.EncodeModify(eid, order)
	if err != nil {
		return err
	}
	return t.session.Send(f)
}

func (t *wsTransport) SendModifyMany(eids []string, orders []domain.OrderRequest) error {
	f, err := protocol.EncodeModifyMany(eids, orders)
	if err != nil {
		return err
	}
	return t.session.Send(f)
}

func (t *wsTransport) SendCancel(eid string) error {
	return t.session.Send(protocol.EncodeCancel(eid))
}

func (t *wsTransport) SendCancelAll() error {
	return t.session.Send(protocol.EncodeCancelAll(t.contractCode))
}

// Engine wires C1-C6 into one venue, one instrument, and runs the single
// serialized event loop described by the concurrency model.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	session    *transport.Session
	registry   *registry.Registry
	dispatcher *protocol.Dispatcher
	restClient *protocol.RESTClient
	signer     *protocol.Signer
	ordersMgr  *orders.Manager
	strat      *strategy.Strategy
	wsXport    *wsTransport

	wsURL               string
	contractCode        string
	cancelOrdersOnStart bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires every component from cfg. It does not connect anything.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	signer, err := protocol.NewSigner(cfg.Adapter.APIKey, cfg.Adapter.APISecret)
	if err != nil {
		return nil, fmt.Errorf("build signer: %w", err)
	}

	tickSize, err := cfg.Strategy.TickSizeDecimal()
	if err != nil {
		return nil, fmt.Errorf("strategy.tick_size: %w", err)
	}
	positionIncrement, err := cfg.Strategy.PositionalRetreat.PositionIncrementDecimal()
	if err != nil {
		return nil, fmt.Errorf("strategy.positional_retreat.position_increment: %w", err)
	}

	askLevels, err := levelQuantities(cfg.Strategy.Orders.Asks)
	if err != nil {
		return nil, fmt.Errorf("strategy.orders.asks: %w", err)
	}
	bidLevels, err := levelQuantities(cfg.Strategy.Orders.Bids)
	if err != nil {
		return nil, fmt.Errorf("strategy.orders.bids: %w", err)
	}

	reg := registry.New()
	session := transport.New(logger)
	restClient := protocol.NewRESTClient(cfg.Adapter.Execution.URL, signer)
	dispatcher := &protocol.Dispatcher{
		Registry:     reg,
		ExchangeName: cfg.Adapter.Name,
		Instruments:  map[string]struct{}{cfg.Strategy.InstrumentName: {}},
	}

	wsXport := &wsTransport{session: session, contractCode: cfg.Strategy.InstrumentName}
	ordersMgr := orders.New(logger, cfg.Adapter.Name, reg, wsXport)

	e := &Engine{
		cfg:                 cfg,
		logger:              logger.With("component", "engine"),
		session:             session,
		registry:            reg,
		dispatcher:          dispatcher,
		restClient:          restClient,
		signer:              signer,
		ordersMgr:           ordersMgr,
		wsXport:             wsXport,
		wsURL:               cfg.Adapter.Streaming.URL,
		contractCode:        cfg.Strategy.InstrumentName,
		cancelOrdersOnStart: cfg.Adapter.CancelOrdersOnStart,
	}

	strat := strategy.New(logger, strategy.Config{
		InstrumentName:           cfg.Strategy.InstrumentName,
		TickSize:                 tickSize,
		PriceRounding:            cfg.Strategy.PriceRounding,
		StopStrategyOnError:      cfg.Strategy.StopStrategyOnError,
		PositionalRetreatEnabled: cfg.Strategy.PositionalRetreat.Enabled,
		PositionIncrement:        positionIncrement,
		RetreatTicks:             cfg.Strategy.PositionalRetreat.RetreatTicks,
		AskLevels:                askLevels,
		BidLevels:                bidLevels,
	}, ordersMgr, e)
	e.strat = strat

	return e, nil
}

func levelQuantities(levels []config.OrderLevel) ([]strategy.LevelQty, error) {
	out := make([]strategy.LevelQty, 0, len(levels))
	for _, lvl := range levels {
		qty, err := lvl.QuantityDecimal()
		if err != nil {
			return nil, err
		}
		out = append(out, strategy.LevelQty{Level: lvl.Level, Quantity: qty})
	}
	return out, nil
}

// Start connects the transport, seeds state from a REST orders snapshot,
// starts the strategy, and runs the serialized receive/dispatch/tick loop
// until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.connect(e.ctx); err != nil {
		return err
	}

	e.strat.Start()
	e.logger.Info("engine started", "instrument", e.contractCode)

	for {
		select {
		case <-e.ctx.Done():
			return nil
		default:
		}

		frame := e.session.Receive(e.ctx)
		switch frame.Kind {
		case transport.FrameNone:
			// idle poll, nothing arrived this pass

		case transport.FrameClosed:
			return nil

		case transport.FrameError:
			e.logger.Warn("transport error, triggering reconnection", "error", frame.Err)
			if err := e.strat.HandleException(e.ctx, frame.Err.Error()); err != nil {
				e.logger.Error("strategy gave up after transport error", "error", err)
				return err
			}

		case transport.FrameText:
			if err := e.handleFrame(e.ctx, frame.Data); err != nil {
				e.logger.Warn("failed to handle inbound frame", "error", err)
			}
		}

		if err := e.strat.Tick(e.ctx); err != nil {
			e.logger.Error("strategy gave up", "error", err)
			return err
		}
	}
}

func (e *Engine) handleFrame(ctx context.Context, data []byte) error {
	update, err := e.dispatcher.Dispatch(data)
	if err != nil {
		return err
	}
	if update.IsEmpty() {
		return nil
	}

	for _, ev := range flattenUpdate(update) {
		if err := e.strat.OnMarketUpdate(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// flattenUpdate turns the dispatcher's one-of-many Update struct into the
// concrete event strategy.OnMarketUpdate type-switches on.
func flattenUpdate(u protocol.Update) []any {
	var out []any
	switch {
	case u.NewOrderAck != nil:
		out = append(out, *u.NewOrderAck)
	case u.NewOrderRejection != nil:
		out = append(out, *u.NewOrderRejection)
	case u.OrderEliminationAck != nil:
		out = append(out, *u.OrderEliminationAck)
	case u.OrderEliminationReject != nil:
		out = append(out, *u.OrderEliminationReject)
	case u.AmendAck != nil:
		out = append(out, *u.AmendAck)
	case u.AmendAckOnPartial != nil:
		out = append(out, *u.AmendAckOnPartial)
	case u.AmendRejection != nil:
		out = append(out, *u.AmendRejection)
	case u.OrderFillAck != nil:
		out = append(out, *u.OrderFillAck)
	case u.OrderFullFillAck != nil:
		out = append(out, *u.OrderFullFillAck)
	case u.TopOfBook != nil:
		out = append(out, *u.TopOfBook)
	case u.Position != nil:
		out = append(out, *u.Position)
	case u.OrdersSnapshot != nil:
		out = append(out, *u.OrdersSnapshot)
	}
	return out
}

// connect dials the session, waits for the subscription ack, seeds orders
// state from a REST snapshot, and optionally cancels any resting orders.
func (e *Engine) connect(ctx context.Context) error {
	subscribe := protocol.EncodeSubscribe(e.signer, time.Now(), []string{e.contractCode})

	if err := e.session.Connect(ctx, e.wsURL, []any{subscribe}); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if err := e.awaitSubscription(ctx); err != nil {
		return err
	}

	snapshot, err := e.restClient.RequestOrders(ctx, e.contractCode)
	if err != nil {
		e.logger.Warn("failed to seed orders snapshot, continuing with empty state", "error", err)
	} else if parsed, err := e.dispatcher.ParseOrdersSnapshotREST(snapshot); err == nil {
		if _, err := e.ordersMgr.ActivateOrders(*parsed); err != nil {
			e.logger.Warn("failed to activate orders from snapshot", "error", err)
		}
	}

	if e.cancelOrdersOnStart {
		if err := e.ordersMgr.CancelActiveOrders(); err != nil {
			e.logger.Warn("cancel-all-on-start failed", "error", err)
		}
	}

	return nil
}

func (e *Engine) awaitSubscription(ctx context.Context) error {
	for i := 0; i < subscribeAckPolls; i++ {
		frame := e.session.Receive(ctx)
		switch frame.Kind {
		case transport.FrameText:
			update, err := e.dispatcher.Dispatch(frame.Data)
			if err == nil && update.Subscribed {
				return nil
			}
		case transport.FrameClosed, transport.FrameError:
			return fmt.Errorf("%w: transport closed before ack", errs.ErrSubscription)
		}
		time.Sleep(subscribeAckPollDelay)
	}
	return fmt.Errorf("%w: ack not received within %d polls", errs.ErrSubscription, subscribeAckPolls)
}

// Reconnect implements strategy.Reconnector: cancel all active orders, reset
// the id registry and orders manager, close and re-open the transport, wait
// for the subscription ack, cancel-all again if configured, then settle.
func (e *Engine) Reconnect(ctx context.Context, reason string) error {
	e.logger.Warn("reconnecting", "reason", reason)

	_ = e.ordersMgr.CancelActiveOrders()
	e.registry.Reset()
	e.ordersMgr.Reset()

	if err := e.session.Close(); err != nil {
		e.logger.Warn("error closing session before reconnect", "error", err)
	}
	e.session = transport.New(e.logger)
	e.wsXport.session = e.session

	if err := e.connect(ctx); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}

	time.Sleep(postReconnectSettle)
	e.logger.Info("reconnected")
	return nil
}

// Stop cancels the run loop, issues a final cancel-all as a safety net, and
// closes the transport.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")

	if e.cancel != nil {
		e.cancel()
	}

	if err := e.ordersMgr.CancelActiveOrders(); err != nil {
		e.logger.Error("failed to cancel all orders on shutdown", "error", err)
	}

	if err := e.session.Close(); err != nil {
		e.logger.Error("failed to close session", "error", err)
	}

	e.logger.Info("shutdown complete")
}
