package engine

import (
	"testing"

	"github.com/shopspring/decimal"

	"marketmaker/internal/config"
	"marketmaker/internal/domain"
	"marketmaker/internal/protocol"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestFlattenUpdateReturnsConcreteEvent(t *testing.T) {
	t.Parallel()

	u := protocol.Update{NewOrderAck: &domain.NewOrderAck{UID: "u1"}}
	got := flattenUpdate(u)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	ack, ok := got[0].(domain.NewOrderAck)
	if !ok || ack.UID != "u1" {
		t.Fatalf("expected NewOrderAck{UID: u1}, got %#v", got[0])
	}
}

func TestFlattenUpdateEmptyYieldsNothing(t *testing.T) {
	t.Parallel()

	if got := flattenUpdate(protocol.Update{}); len(got) != 0 {
		t.Fatalf("expected no events, got %v", got)
	}
}

func TestLevelQuantitiesParsesDecimalStrings(t *testing.T) {
	t.Parallel()

	levels := []config.OrderLevel{{Level: 0, Quantity: "1.5"}, {Level: 1, Quantity: "2"}}
	got, err := levelQuantities(levels)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || !got[0].Quantity.Equal(dec("1.5")) || got[1].Level != 1 {
		t.Fatalf("unexpected levels: %+v", got)
	}
}

func TestLevelQuantitiesRejectsBadDecimal(t *testing.T) {
	t.Parallel()

	_, err := levelQuantities([]config.OrderLevel{{Level: 0, Quantity: "not-a-number"}})
	if err == nil {
		t.Fatalf("expected an error for an unparseable quantity")
	}
}
