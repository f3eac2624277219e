package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/internal/domain"
	"marketmaker/internal/errs"
	"marketmaker/internal/registry"
)

// Update is whatever the dispatcher produced for one inbound frame. At most
// one of these fields is non-nil. A subscription ack sets only Subscribed. A
// frame that carries no event (order-received, suppressed cancel/fill,
// dropped contract) yields a zero Update — callers check IsEmpty before
// forwarding anything.
type Update struct {
	Subscribed             bool
	NewOrderAck            *domain.NewOrderAck
	NewOrderRejection      *domain.NewOrderRejection
	OrderEliminationAck    *domain.OrderEliminationAck
	OrderEliminationReject *domain.OrderEliminationRejection
	AmendAck               *domain.AmendAck
	AmendAckOnPartial      *domain.AmendAckOnPartial
	AmendRejection         *domain.AmendRejection
	OrderFillAck           *domain.OrderFillAck
	OrderFullFillAck       *domain.OrderFullFillAck
	TopOfBook              *domain.TopOfBook
	Position               *domain.Position
	OrdersSnapshot         *domain.ExchangeOrdersSnapshot
}

// IsEmpty reports whether the frame produced no outbound event.
func (u Update) IsEmpty() bool {
	return !u.Subscribed && u.NewOrderAck == nil && u.NewOrderRejection == nil &&
		u.OrderEliminationAck == nil && u.OrderEliminationReject == nil &&
		u.AmendAck == nil && u.AmendAckOnPartial == nil && u.AmendRejection == nil &&
		u.OrderFillAck == nil && u.OrderFullFillAck == nil && u.TopOfBook == nil &&
		u.Position == nil && u.OrdersSnapshot == nil
}

// Dispatcher parses inbound venue frames into typed Updates, consulting the
// Id Registry for uid<->eid lookups and amend-in-flight state.
type Dispatcher struct {
	Registry      *registry.Registry
	Instruments   map[string]struct{} // configured contract codes; empty means "accept all"
	ExchangeName  string
}

func (d *Dispatcher) symbolAllowed(code string) bool {
	if len(d.Instruments) == 0 {
		return true
	}
	_, ok := d.Instruments[code]
	return ok
}

// Dispatch parses one raw inbound message and returns the Update it produces.
func (d *Dispatcher) Dispatch(raw []byte) (Update, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Update{}, fmt.Errorf("%w: %v", errs.ErrProtocol, err)
	}

	msgType := stringFieldMap(envelope, "type")
	channel := stringFieldMap(envelope, "channel")

	if msgType == "subscriptions" {
		return Update{Subscribed: true}, nil
	}

	if msgType == "snapshot" && channel == "orders" {
		dataRaw, ok := envelope["data"]
		if !ok {
			return Update{}, fmt.Errorf("%w: snapshot missing data", errs.ErrProtocol)
		}
		snap, err := d.parseOrdersSnapshot(dataRaw)
		if err != nil {
			return Update{}, err
		}
		return Update{OrdersSnapshot: snap}, nil
	}

	if channel == "positions" {
		pos, err := d.parsePosition(msgType, envelope["data"])
		if err != nil {
			return Update{}, err
		}
		if pos == nil {
			return Update{}, nil
		}
		return Update{Position: pos}, nil
	}

	if channel == "ticker" {
		tob, err := d.parseTicker(envelope["data"])
		if err != nil {
			return Update{}, err
		}
		return Update{TopOfBook: tob}, nil
	}

	if channel != "orders" {
		return Update{}, nil
	}
	if msgType != "update" {
		return Update{}, nil
	}

	action := stringFieldMap(envelope, "action")
	if action == "" {
		return Update{}, nil
	}

	dataRaw, ok := envelope["data"]
	if !ok {
		return Update{}, fmt.Errorf("%w: update missing data", errs.ErrProtocol)
	}

	return d.dispatchOrderUpdate(action, dataRaw)
}

func (d *Dispatcher) dispatchOrderUpdate(action string, raw json.RawMessage) (Update, error) {
	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		return Update{}, fmt.Errorf("%w: %v", errs.ErrProtocol, err)
	}

	if !d.symbolAllowed(stringFieldMap(data, "contract_code")) {
		return Update{}, nil
	}

	switch action {
	case "order-received":
		return d.processNewReceived(data)
	case "modify-received":
		return Update{}, nil
	case "cancel-received":
		return Update{}, nil
	case "accepted":
		return d.processAccept(data)
	case "rejected":
		return d.processNewRejection(data)
	case "modify-rejected":
		return d.processAmendRejection(data)
	case "canceled":
		return d.processElim(data)
	case "cancel-rejected":
		return d.processElimReject(data)
	case "filled":
		return d.processFill(data)
	default:
		return Update{}, nil
	}
}

func (d *Dispatcher) processNewReceived(data map[string]json.RawMessage) (Update, error) {
	eid := stringFieldMap(data, "order_id")
	if eid == "" {
		return Update{}, fmt.Errorf("%w: order-received missing order_id", errs.ErrProtocol)
	}
	uid := stringFieldMap(data, "client_id")
	d.Registry.Link(uid, eid)
	return Update{}, nil
}

func (d *Dispatcher) processAccept(data map[string]json.RawMessage) (Update, error) {
	eid := stringFieldMap(data, "order_id")
	if eid == "" {
		return Update{}, fmt.Errorf("%w: accepted missing order_id", errs.ErrProtocol)
	}
	uid, _ := d.Registry.Uid(eid)

	sizeFilled := decFieldMap(data, "size_filled")

	if d.Registry.IsAmending(eid) {
		if sizeFilled.GreaterThan(decimal.Zero) {
			return Update{AmendAckOnPartial: &domain.AmendAckOnPartial{
				Exchange:         d.ExchangeName,
				Instrument:       stringFieldMap(data, "contract_code"),
				UID:              uid,
				ExchangeID:       eid,
				OrderType:        stringFieldMap(data, "order_type"),
				Side:             stringFieldMap(data, "side"),
				OrderQty:         decFieldMap(data, "size"),
				Price:            decFieldMap(data, "price"),
				RunningFillQty:   sizeFilled,
				AverageFillPrice: decFieldMap(data, "average_fill_price"),
				Timestamp:        stringFieldMap(data, "timestamp"),
				Fee:              decFieldMap(data, "fill_fees"),
			}}, nil
		}
		d.Registry.ClearAmending(eid)
		return Update{AmendAck: &domain.AmendAck{UID: uid}}, nil
	}

	side, err := parseSide(stringFieldMap(data, "side"))
	if err != nil {
		return Update{}, err
	}
	ordType, err := parseOrderType(stringFieldMap(data, "order_type"))
	if err != nil {
		return Update{}, err
	}

	ack := &domain.NewOrderAck{
		UID:            uid,
		ExchangeID:     eid,
		InstrumentName: stringFieldMap(data, "contract_code"),
		Side:           side,
		Type:           ordType,
		Quantity:       decFieldMap(data, "size"),
	}
	if ordType == domain.OrderTypeLimit {
		ack.Price = decFieldMap(data, "price")
	}
	return Update{NewOrderAck: ack}, nil
}

func (d *Dispatcher) processNewRejection(data map[string]json.RawMessage) (Update, error) {
	eid := stringFieldMap(data, "order_id")
	if eid == "" {
		return Update{}, fmt.Errorf("%w: rejected missing order_id", errs.ErrProtocol)
	}
	uid, ok := d.Registry.Uid(eid)
	if !ok {
		return Update{}, nil
	}
	return Update{NewOrderRejection: &domain.NewOrderRejection{
		UID:             uid,
		ExchangeOrderID: eid,
		RejectionReason: stringFieldMap(data, "message"),
	}}, nil
}

func (d *Dispatcher) processAmendRejection(data map[string]json.RawMessage) (Update, error) {
	eid := stringFieldMap(data, "order_id")
	if eid == "" {
		return Update{}, fmt.Errorf("%w: modify-rejected missing order_id", errs.ErrProtocol)
	}
	uid, ok := d.Registry.Uid(eid)
	if !ok {
		return Update{}, nil
	}
	d.Registry.ClearAmending(eid)
	return Update{AmendRejection: &domain.AmendRejection{
		UID:             uid,
		RejectionReason: stringFieldMap(data, "message"),
	}}, nil
}

func (d *Dispatcher) processElim(data map[string]json.RawMessage) (Update, error) {
	eid := stringFieldMap(data, "order_id")
	if eid == "" {
		return Update{}, fmt.Errorf("%w: canceled missing order_id", errs.ErrProtocol)
	}
	uid, ok := d.Registry.Uid(eid)
	if !ok {
		return Update{}, nil
	}
	if decFieldMap(data, "size").Equal(decFieldMap(data, "size_filled")) {
		return Update{}, nil
	}
	return Update{OrderEliminationAck: &domain.OrderEliminationAck{UID: uid}}, nil
}

func (d *Dispatcher) processElimReject(data map[string]json.RawMessage) (Update, error) {
	eid := stringFieldMap(data, "order_id")
	if eid == "" {
		return Update{}, fmt.Errorf("%w: cancel-rejected missing order_id", errs.ErrProtocol)
	}
	uid, ok := d.Registry.Uid(eid)
	if !ok {
		return Update{}, nil
	}
	return Update{OrderEliminationReject: &domain.OrderEliminationRejection{
		UID:             uid,
		RejectionReason: stringFieldMap(data, "message"),
	}}, nil
}

func (d *Dispatcher) processFill(data map[string]json.RawMessage) (Update, error) {
	status := stringFieldMap(data, "status")
	if status == "canceled" {
		return Update{}, nil
	}

	eid := stringFieldMap(data, "order_id")
	if eid == "" {
		return Update{}, fmt.Errorf("%w: filled missing order_id", errs.ErrProtocol)
	}
	uid, _ := d.Registry.Uid(eid)

	ack := domain.OrderFillAck{
		Exchange:           d.ExchangeName,
		Instrument:         stringFieldMap(data, "contract_code"),
		UID:                uid,
		ExchangeID:         eid,
		FillID:             eid + "_" + stringFieldMap(data, "auction_code"),
		OrderType:          stringFieldMap(data, "order_type"),
		Side:               stringFieldMap(data, "side"),
		OrderQty:           decFieldMap(data, "size"),
		Price:              decFieldMap(data, "price"),
		FillPrice:          decFieldMap(data, "fill_price"),
		RunningFillQty:     decFieldMap(data, "size_filled"),
		IncrementalFillQty: decFieldMap(data, "size_filled_delta"),
		AverageFillPrice:   decFieldMap(data, "average_fill_price"),
		Timestamp:          stringFieldMap(data, "timestamp"),
		Fee:                decFieldMap(data, "fill_fees_delta"),
	}

	if status == "done" {
		full := domain.OrderFullFillAck(ack)
		return Update{OrderFullFillAck: &full}, nil
	}
	return Update{OrderFillAck: &ack}, nil
}

func (d *Dispatcher) parseOrdersSnapshot(raw json.RawMessage) (*domain.ExchangeOrdersSnapshot, error) {
	var elements []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrProtocol, err)
	}

	snap := &domain.ExchangeOrdersSnapshot{Exchange: d.ExchangeName}

	for _, elem := range elements {
		ordType, err := parseOrderType(stringFieldMap(elem, "order_type"))
		if err != nil {
			return nil, err
		}
		side, err := parseSide(stringFieldMap(elem, "side"))
		if err != nil {
			return nil, err
		}

		eo := domain.ExchangeOrder{
			InstrumentName:  stringFieldMap(elem, "contract_code"),
			Quantity:        decFieldMap(elem, "size"),
			FilledQuantity:  decFieldMap(elem, "size_filled"),
			Price:           decFieldMap(elem, "price"),
			Side:            side,
			Type:            ordType,
			ExchangeOrderID: stringFieldMap(elem, "order_id"),
		}

		if side == domain.SideSell {
			snap.Asks = append(snap.Asks, eo)
		} else {
			snap.Bids = append(snap.Bids, eo)
		}
	}

	return snap, nil
}

func (d *Dispatcher) parsePosition(msgType string, raw json.RawMessage) (*domain.Position, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	if msgType == "snapshot" {
		var elements []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &elements); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrProtocol, err)
		}
		for _, elem := range elements {
			code := stringFieldMap(elem, "contract_code")
			if d.symbolAllowed(code) {
				return &domain.Position{Exchange: d.ExchangeName, InstrumentName: code, Quantity: decFieldMap(elem, "quantity")}, nil
			}
		}
		// None-on-missing: no configured contract found in the snapshot.
		return nil, nil
	}

	var elem map[string]json.RawMessage
	if err := json.Unmarshal(raw, &elem); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrProtocol, err)
	}
	code := stringFieldMap(elem, "contract_code")
	if !d.symbolAllowed(code) {
		return nil, nil
	}
	return &domain.Position{Exchange: d.ExchangeName, InstrumentName: code, Quantity: decFieldMap(elem, "quantity")}, nil
}

func (d *Dispatcher) parseTicker(raw json.RawMessage) (*domain.TopOfBook, error) {
	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrProtocol, err)
	}

	var quote map[string]json.RawMessage
	if q, ok := data["quote"]; ok {
		if err := json.Unmarshal(q, &quote); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrProtocol, err)
		}
	}

	return &domain.TopOfBook{
		Exchange:     d.ExchangeName,
		Product:      stringFieldMap(data, "contract_code"),
		BestBidPrice: decFieldMap(quote, "bid"),
		BestBidQty:   decFieldMap(quote, "bid_size"),
		BestAskPrice: decFieldMap(quote, "ask"),
		BestAskQty:   decFieldMap(quote, "ask_size"),
		Timestamp:    time.Now().UTC(),
	}, nil
}

func parseSide(s string) (domain.Side, error) {
	switch s {
	case "buy":
		return domain.SideBuy, nil
	case "sell":
		return domain.SideSell, nil
	default:
		return domain.SideUnknown, fmt.Errorf("%w: unknown order side %q", errs.ErrProtocol, s)
	}
}

func parseOrderType(s string) (domain.OrderType, error) {
	switch s {
	case "market":
		return domain.OrderTypeMarket, nil
	case "limit":
		return domain.OrderTypeLimit, nil
	default:
		return domain.OrderTypeUnknown, fmt.Errorf("%w: unknown order type %q", errs.ErrProtocol, s)
	}
}

func stringFieldMap(m map[string]json.RawMessage, key string) string {
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func decFieldMap(m map[string]json.RawMessage, key string) decimal.Decimal {
	raw, ok := m[key]
	if !ok {
		return decimal.Zero
	}
	var d decimal.Decimal
	if err := json.Unmarshal(raw, &d); err != nil {
		var f float64
		if err2 := json.Unmarshal(raw, &f); err2 == nil {
			return decimal.NewFromFloat(f)
		}
		return decimal.Zero
	}
	return d
}
