// Package protocol implements the Protocol Codec (C3): outbound trading
// request encoding, inbound frame parsing/dispatch, and the REST HMAC signer
// used by the orders snapshot endpoint.
package protocol

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/internal/domain"
	"marketmaker/internal/errs"
)

const qtyRoundingDP = 4

// Frame is the outer envelope for every outbound trading request.
type Frame struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Action  string `json:"action"`
	Data    any    `json:"data"`
}

type createBody struct {
	ClientID     string  `json:"client_id"`
	ContractCode string  `json:"contract_code"`
	Type         string  `json:"type"`
	Side         string  `json:"side"`
	Size         string  `json:"size"`
	Price        *string `json:"price,omitempty"`
	PostOnly     *bool   `json:"post_only,omitempty"`
}

type modifyBody struct {
	Type    string  `json:"type"`
	Side    string  `json:"side"`
	OrderID string  `json:"order_id"`
	Size    string  `json:"size"`
	Price   *string `json:"price,omitempty"`
}

type cancelBody struct {
	OrderID string `json:"order_id"`
}

type cancelAllBody struct {
	ContractCode string `json:"contract_code"`
}

func sideString(s domain.Side) (string, error) {
	switch s {
	case domain.SideBuy:
		return "buy", nil
	case domain.SideSell:
		return "sell", nil
	default:
		return "", fmt.Errorf("%w: unknown order side", errs.ErrProtocol)
	}
}

func typeString(t domain.OrderType) (string, error) {
	switch t {
	case domain.OrderTypeMarket:
		return "market", nil
	case domain.OrderTypeLimit:
		return "limit", nil
	default:
		return "", fmt.Errorf("%w: unknown order type", errs.ErrProtocol)
	}
}

func roundedQty(q decimal.Decimal) string {
	return q.RoundBank(qtyRoundingDP).String()
}

// EncodeCreate builds the "create-order" trading frame for a single order.
func EncodeCreate(contractCode string, o domain.OrderRequest) (Frame, error) {
	side, err := sideString(o.Side)
	if err != nil {
		return Frame{}, err
	}
	ordType, err := typeString(o.Type)
	if err != nil {
		return Frame{}, err
	}

	body := createBody{
		ClientID:     o.UID,
		ContractCode: contractCode,
		Type:         ordType,
		Side:         side,
		Size:         roundedQty(o.Quantity),
	}
	if o.Type == domain.OrderTypeLimit {
		price := o.Price.String()
		postOnly := true
		body.Price = &price
		body.PostOnly = &postOnly
	}

	return Frame{Channel: "trading", Type: "request", Action: "create-order", Data: body}, nil
}

// EncodeCreateMany builds a single "create-order" frame carrying every order
// in the batch as the data array.
func EncodeCreateMany(contractCode string, orders []domain.OrderRequest) (Frame, error) {
	data := make([]createBody, 0, len(orders))
	for _, o := range orders {
		f, err := EncodeCreate(contractCode, o)
		if err != nil {
			return Frame{}, err
		}
		data = append(data, f.Data.(createBody))
	}
	return Frame{Channel: "trading", Type: "request", Action: "create-order", Data: data}, nil
}

// EncodeModify builds the "modify-order" frame for a single amend. eid is the
// venue order id being amended; side must match the order being replaced —
// callers are expected to have already checked that (see internal/orders'
// same-side guard) since this function has no access to the existing order.
func EncodeModify(eid string, o domain.OrderRequest) (Frame, error) {
	side, err := sideString(o.Side)
	if err != nil {
		return Frame{}, err
	}
	ordType, err := typeString(o.Type)
	if err != nil {
		return Frame{}, err
	}

	body := modifyBody{
		Type:    ordType,
		Side:    side,
		OrderID: eid,
		Size:    roundedQty(o.Quantity),
	}
	if o.Type == domain.OrderTypeLimit {
		price := o.Price.String()
		body.Price = &price
	}

	return Frame{Channel: "trading", Type: "request", Action: "modify-order", Data: body}, nil
}

// EncodeModifyMany builds a single "modify-order" frame for a batch of
// amends. Both slices must be the same length and index-aligned.
func EncodeModifyMany(eids []string, orders []domain.OrderRequest) (Frame, error) {
	if len(eids) != len(orders) {
		return Frame{}, fmt.Errorf("%w: eids/orders length mismatch", errs.ErrInvalidAmend)
	}
	data := make([]modifyBody, 0, len(orders))
	for i, o := range orders {
		f, err := EncodeModify(eids[i], o)
		if err != nil {
			return Frame{}, err
		}
		data = append(data, f.Data.(modifyBody))
	}
	return Frame{Channel: "trading", Type: "request", Action: "modify-order", Data: data}, nil
}

// EncodeCancel builds the "cancel-order" frame. The caller is responsible for
// treating a missing eid mapping as a successful no-op (see internal/orders).
func EncodeCancel(eid string) Frame {
	return Frame{Channel: "trading", Type: "request", Action: "cancel-order", Data: cancelBody{OrderID: eid}}
}

// EncodeCancelAll builds the "cancel-all-orders" frame for the instrument.
func EncodeCancelAll(contractCode string) Frame {
	return Frame{Channel: "trading", Type: "request", Action: "cancel-all-orders", Data: cancelAllBody{ContractCode: contractCode}}
}

// SubscribeFrame is the single frame sent right after connecting.
type SubscribeFrame struct {
	Type          string   `json:"type"`
	Channels      []string `json:"channels"`
	Key           string   `json:"key"`
	Sig           string   `json:"sig"`
	Timestamp     string   `json:"timestamp"`
	ContractCodes []string `json:"contract_codes"`
}

// EncodeSubscribe builds the venue-verify subscribe frame signed with the
// REST/WS shared HMAC signer.
func EncodeSubscribe(signer *Signer, now time.Time, contractCodes []string) SubscribeFrame {
	ts := now.Unix()
	sig := signer.Sign(ts, "GET", "/v1/user/verify", nil)

	codes := contractCodes
	if codes == nil {
		codes = []string{}
	}

	return SubscribeFrame{
		Type:          "subscribe",
		Channels:      []string{"orders", "trading", "ticker", "positions"},
		Key:           signer.APIKey,
		Sig:           sig,
		Timestamp:     fmt.Sprintf("%d", ts),
		ContractCodes: codes,
	}
}
