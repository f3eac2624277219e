// Package domain holds the wire-agnostic data model shared by the protocol
// codec, the orders manager, and the strategy: order sides/types, requests,
// venue-reported orders, top-of-book snapshots, and the update events the
// orders manager consumes.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side int

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// OrderType is the execution style of an order.
type OrderType int

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeMarket
	OrderTypeLimit
	OrderTypeStop
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "market"
	case OrderTypeLimit:
		return "limit"
	case OrderTypeStop:
		return "stop"
	default:
		return "unknown"
	}
}

// OrderRequest is client intent: what the strategy wants placed or amended.
// Invariant: if Type == OrderTypeLimit, Price must be > 0.
type OrderRequest struct {
	InstrumentName string
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	Side           Side
	Type           OrderType
	UID            string
	CreatedAt      time.Time
}

// ExchangeOrder is the venue's view of a live order, as reported in a
// snapshot or rest response.
type ExchangeOrder struct {
	InstrumentName  string
	Quantity        decimal.Decimal
	FilledQuantity  decimal.Decimal
	Price           decimal.Decimal
	Side            Side
	Type            OrderType
	ExchangeOrderID string
}

// ExchangeOrdersSnapshot groups bids/asks reported on reconnect or at
// startup.
type ExchangeOrdersSnapshot struct {
	Exchange   string
	Instrument string
	Bids       []ExchangeOrder
	Asks       []ExchangeOrder
}

// TopOfBook is the best bid/ask for one product.
type TopOfBook struct {
	Exchange     string
	Product      string
	BestBidPrice decimal.Decimal
	BestBidQty   decimal.Decimal
	BestAskPrice decimal.Decimal
	BestAskQty   decimal.Decimal
	Timestamp    time.Time
}

// Position is a reported net position for the configured instrument.
type Position struct {
	Exchange       string
	InstrumentName string
	Quantity       decimal.Decimal
}

// NewOrderAck confirms a create-order request was accepted by the venue.
type NewOrderAck struct {
	UID            string
	ExchangeID     string
	InstrumentName string
	Side           Side
	Type           OrderType
	Quantity       decimal.Decimal
	Price          decimal.Decimal
}

// NewOrderRejection reports a rejected create-order request.
type NewOrderRejection struct {
	UID             string
	ExchangeOrderID string
	RejectionReason string
}

// OrderEliminationAck confirms a cancel request completed.
type OrderEliminationAck struct {
	UID string
}

// OrderEliminationRejection reports a rejected cancel request ("cancel-rejected").
type OrderEliminationRejection struct {
	UID             string
	RejectionReason string
}

// OrderFillAck reports a partial fill.
type OrderFillAck struct {
	Exchange           string
	Instrument         string
	UID                string
	ExchangeID         string
	FillID             string
	OrderType          string
	Side               string
	OrderQty           decimal.Decimal
	Price              decimal.Decimal
	FillPrice          decimal.Decimal
	RunningFillQty     decimal.Decimal
	IncrementalFillQty decimal.Decimal
	AverageFillPrice   decimal.Decimal
	Timestamp          string
	Fee                decimal.Decimal
}

// OrderFullFillAck reports an order's final fill.
type OrderFullFillAck OrderFillAck

// AmendAck confirms an amend completed with no remaining fill.
type AmendAck struct {
	UID string
}

// AmendAckOnPartial confirms an amend landed on an order that already has a
// partial fill recorded against it.
type AmendAckOnPartial struct {
	Exchange         string
	Instrument       string
	UID              string
	ExchangeID       string
	FillID           string
	OrderType        string
	Side             string
	OrderQty         decimal.Decimal
	Price            decimal.Decimal
	RunningFillQty   decimal.Decimal
	AverageFillPrice decimal.Decimal
	Timestamp        string
	Fee              decimal.Decimal
}

// AmendRejection reports a rejected modify-order request.
type AmendRejection struct {
	UID             string
	RejectionReason string
}
