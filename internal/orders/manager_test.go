package orders

import (
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"marketmaker/internal/domain"
	"marketmaker/internal/fsm"
	"marketmaker/internal/registry"
)

type fakeTransport struct {
	creates       []domain.OrderRequest
	createBatches [][]domain.OrderRequest
	modifies      []string
	modifyBatches [][]string
	cancels       []string
	cancelAllN    int
}

func (f *fakeTransport) SendCreate(o domain.OrderRequest) error {
	f.creates = append(f.creates, o)
	return nil
}

func (f *fakeTransport) SendCreateMany(os []domain.OrderRequest) error {
	f.createBatches = append(f.createBatches, os)
	return nil
}

func (f *fakeTransport) SendModify(eid string, o domain.OrderRequest) error {
	f.modifies = append(f.modifies, eid)
	return nil
}

func (f *fakeTransport) SendModifyMany(eids []string, os []domain.OrderRequest) error {
	f.modifyBatches = append(f.modifyBatches, os)
	return nil
}

func (f *fakeTransport) SendCancel(eid string) error {
	f.cancels = append(f.cancels, eid)
	return nil
}

func (f *fakeTransport) SendCancelAll() error {
	f.cancelAllN++
	return nil
}

func newTestManager() (*Manager, *fakeTransport, *registry.Registry) {
	reg := registry.New()
	tr := &fakeTransport{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(logger, "emx", reg, tr)
	return m, tr, reg
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func order(side domain.Side, price, qty string) domain.OrderRequest {
	return domain.OrderRequest{
		InstrumentName: "BTC-PERP",
		Side:           side,
		Type:           domain.OrderTypeLimit,
		Price:          dec(price),
		Quantity:       dec(qty),
	}
}

// boundary scenario: placing a buy and a sell sends exactly two create
// requests and leaves both live.
func TestPlaceManyTwoOrders(t *testing.T) {
	t.Parallel()

	m, tr, _ := newTestManager()
	orders := []domain.OrderRequest{
		order(domain.SideBuy, "100", "1"),
		order(domain.SideSell, "101", "1"),
	}
	if err := m.PlaceMany(orders); err != nil {
		t.Fatalf("PlaceMany: %v", err)
	}

	if len(tr.createBatches) != 1 || len(tr.createBatches[0]) != 2 {
		t.Fatalf("expected one batch of 2 creates, got %v", tr.createBatches)
	}
	if m.LiveUIDCount() != 2 {
		t.Fatalf("expected 2 live uids, got %d", m.LiveUIDCount())
	}
	for _, o := range orders {
		if m.fsmState(o.UID) != fsm.InsertPending {
			t.Fatalf("expected InsertPending after Place, got %v", m.fsmState(o.UID))
		}
	}
}

// boundary scenario: an inflight full-fill event whose reported running
// fill quantity is less than the locally recorded order quantity is
// downgraded to a partial fill instead of being accepted as a full fill.
func TestUpdateOrderStateDowngradesInflightFullFill(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager()
	o := order(domain.SideBuy, "100", "10")
	o.UID = "uid-1"
	if err := m.Place(o); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := m.UpdateOrderState(o.UID, domain.NewOrderAck{UID: o.UID}); err != nil {
		t.Fatalf("ack: %v", err)
	}

	full := domain.OrderFullFillAck{UID: o.UID, RunningFillQty: dec("7")}
	if err := m.UpdateOrderState(o.UID, full); err != nil {
		t.Fatalf("full fill update: %v", err)
	}

	if m.fsmState(o.UID) != fsm.Fill {
		t.Fatalf("expected downgrade to Fill, got %v", m.fsmState(o.UID))
	}
}

func TestUpdateOrderStateUnknownUIDIsDropped(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager()
	if err := m.UpdateOrderState("nonexistent", domain.AmendAck{UID: "nonexistent"}); err != nil {
		t.Fatalf("expected no error for unknown uid, got %v", err)
	}
}

func TestApplyEventIllegalTransitionFromInactive(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager()
	// force a tracked-but-inactive uid without a Creation event yet.
	m.fsms["ghost"] = &OrderState{State: fsm.Inactive}

	err := m.applyEvent("ghost", fsm.InsertAck)
	if err == nil {
		t.Fatalf("expected illegal transition error")
	}
}

func TestCancelManySkipsFullFillOrders(t *testing.T) {
	t.Parallel()

	m, tr, reg := newTestManager()
	o := order(domain.SideBuy, "100", "1")
	o.UID = "uid-1"
	reg.Link(o.UID, "eid-1")
	m.addLive(o)
	m.fsms[o.UID] = &OrderState{State: fsm.FullFill}

	if err := m.CancelMany([]string{o.UID}); err != nil {
		t.Fatalf("CancelMany: %v", err)
	}
	if len(tr.cancels) != 0 {
		t.Fatalf("expected no cancel sent for a fully filled order, got %v", tr.cancels)
	}
}

func TestAmendOrdersActiveWithinEpsilonPreservesOrder(t *testing.T) {
	t.Parallel()

	m, tr, reg := newTestManager()
	existing := order(domain.SideBuy, "100", "1")
	existing.UID = "uid-existing"
	reg.Link(existing.UID, "eid-existing")
	m.addLive(existing)
	m.fsms[existing.UID] = &OrderState{State: fsm.Active}

	newOrder := order(domain.SideBuy, "100", "1")

	if err := m.AmendOrders([]domain.OrderRequest{newOrder}, []domain.OrderRequest{existing}); err != nil {
		t.Fatalf("AmendOrders: %v", err)
	}

	if len(tr.modifyBatches) != 0 {
		t.Fatalf("expected no amend sent for an unchanged order, got %v", tr.modifyBatches)
	}
	if m.LiveUIDCount() != 1 {
		t.Fatalf("expected exactly one live order after preserve, got %d", m.LiveUIDCount())
	}
}

func TestAmendOrdersActiveOutsideEpsilonQueuesAmend(t *testing.T) {
	t.Parallel()

	m, tr, reg := newTestManager()
	existing := order(domain.SideBuy, "100", "1")
	existing.UID = "uid-existing"
	reg.Link(existing.UID, "eid-existing")
	m.addLive(existing)
	m.fsms[existing.UID] = &OrderState{State: fsm.Active}

	newOrder := order(domain.SideBuy, "100.5", "1")

	if err := m.AmendOrders([]domain.OrderRequest{newOrder}, []domain.OrderRequest{existing}); err != nil {
		t.Fatalf("AmendOrders: %v", err)
	}

	if len(tr.modifyBatches) != 1 || len(tr.modifyBatches[0]) != 1 {
		t.Fatalf("expected one amend batch of 1, got %v", tr.modifyBatches)
	}
}

func TestAmendOrdersFillStateReplacesViaCancelAndPlace(t *testing.T) {
	t.Parallel()

	m, tr, reg := newTestManager()
	existing := order(domain.SideBuy, "100", "1")
	existing.UID = "uid-existing"
	reg.Link(existing.UID, "eid-existing")
	m.addLive(existing)
	m.fsms[existing.UID] = &OrderState{State: fsm.Fill}

	newOrder := order(domain.SideBuy, "100.5", "1")

	if err := m.AmendOrders([]domain.OrderRequest{newOrder}, []domain.OrderRequest{existing}); err != nil {
		t.Fatalf("AmendOrders: %v", err)
	}

	if len(tr.cancels) != 1 || tr.cancels[0] != "eid-existing" {
		t.Fatalf("expected cancel of the filled order's eid, got %v", tr.cancels)
	}
	if len(tr.createBatches) != 1 || len(tr.createBatches[0]) != 1 {
		t.Fatalf("expected one create batch of 1 replacement order, got %v", tr.createBatches)
	}
}

func TestAmendOrdersCancelledStateDropsAndReplaces(t *testing.T) {
	t.Parallel()

	m, tr, reg := newTestManager()
	existing := order(domain.SideSell, "101", "1")
	existing.UID = "uid-existing"
	reg.Link(existing.UID, "eid-existing")
	m.addLive(existing)
	m.fsms[existing.UID] = &OrderState{State: fsm.Cancelled}

	newOrder := order(domain.SideSell, "101.5", "1")

	if err := m.AmendOrders([]domain.OrderRequest{newOrder}, []domain.OrderRequest{existing}); err != nil {
		t.Fatalf("AmendOrders: %v", err)
	}

	if len(tr.cancels) != 0 {
		t.Fatalf("expected no cancel for an already-cancelled order, got %v", tr.cancels)
	}
	if len(tr.createBatches) != 1 || len(tr.createBatches[0]) != 1 {
		t.Fatalf("expected replacement placed, got %v", tr.createBatches)
	}
}

func TestAmendOrdersNotReadyIsSkipped(t *testing.T) {
	t.Parallel()

	m, tr, reg := newTestManager()
	existing := order(domain.SideBuy, "100", "1")
	existing.UID = "uid-existing"
	reg.Link(existing.UID, "eid-existing")
	m.addLive(existing)
	m.fsms[existing.UID] = &OrderState{State: fsm.InsertPending}

	newOrder := order(domain.SideBuy, "100.5", "1")

	if err := m.AmendOrders([]domain.OrderRequest{newOrder}, []domain.OrderRequest{existing}); err != nil {
		t.Fatalf("AmendOrders: %v", err)
	}

	if len(tr.cancels) != 0 || len(tr.createBatches) != 0 || len(tr.modifyBatches) != 0 {
		t.Fatalf("expected nothing sent for a not-ready order, got cancels=%v creates=%v amends=%v",
			tr.cancels, tr.createBatches, tr.modifyBatches)
	}
}

func TestBulkAmendRejectsSideMismatch(t *testing.T) {
	t.Parallel()

	m, _, reg := newTestManager()
	existing := order(domain.SideBuy, "100", "1")
	existing.UID = "uid-existing"
	reg.Link(existing.UID, "eid-existing")

	newOrder := order(domain.SideSell, "100", "1")

	err := m.bulkAmend([]domain.OrderRequest{newOrder}, []domain.OrderRequest{existing})
	if err == nil {
		t.Fatalf("expected side-mismatch error")
	}
}

func TestBulkAmendReversesOnCross(t *testing.T) {
	t.Parallel()

	m, tr, reg := newTestManager()
	existingBid := order(domain.SideBuy, "99", "1")
	existingBid.UID = "uid-bid"
	existingAsk := order(domain.SideSell, "100", "1")
	existingAsk.UID = "uid-ask"
	reg.Link(existingBid.UID, "eid-bid")
	reg.Link(existingAsk.UID, "eid-ask")

	// new bid crosses the existing ask: 101 > 100.
	newBid := order(domain.SideBuy, "101", "1")
	newAsk := order(domain.SideSell, "102", "1")

	err := m.bulkAmend(
		[]domain.OrderRequest{newBid, newAsk},
		[]domain.OrderRequest{existingBid, existingAsk},
	)
	if err != nil {
		t.Fatalf("bulkAmend: %v", err)
	}
	if len(tr.modifyBatches) != 1 {
		t.Fatalf("expected one modify batch, got %v", tr.modifyBatches)
	}
	// reversed: the ask (102) is amended before the crossing bid (101).
	if first := tr.modifyBatches[0][0]; first.Side != domain.SideSell || !first.Price.Equal(dec("102")) {
		t.Fatalf("expected reversed batch starting with ask 102, got %+v", tr.modifyBatches[0])
	}
}

func TestActivateOrdersSeedsActiveAndPartialFill(t *testing.T) {
	t.Parallel()

	m, _, reg := newTestManager()
	snapshot := domain.ExchangeOrdersSnapshot{
		Bids: []domain.ExchangeOrder{
			{InstrumentName: "BTC-PERP", Side: domain.SideBuy, Type: domain.OrderTypeLimit,
				Price: dec("100"), Quantity: dec("1"), FilledQuantity: dec("0"), ExchangeOrderID: "eid-bid"},
		},
		Asks: []domain.ExchangeOrder{
			{InstrumentName: "BTC-PERP", Side: domain.SideSell, Type: domain.OrderTypeLimit,
				Price: dec("101"), Quantity: dec("1"), FilledQuantity: dec("0.5"), ExchangeOrderID: "eid-ask"},
		},
	}

	created, err := m.ActivateOrders(snapshot)
	if err != nil {
		t.Fatalf("ActivateOrders: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 orders created, got %d", len(created))
	}

	for _, o := range created {
		eid, ok := reg.Eid(o.UID)
		if !ok {
			t.Fatalf("expected registry link for uid %s", o.UID)
		}
		switch eid {
		case "eid-bid":
			if m.fsmState(o.UID) != fsm.Active {
				t.Fatalf("expected bid to land Active, got %v", m.fsmState(o.UID))
			}
		case "eid-ask":
			if m.fsmState(o.UID) != fsm.Fill {
				t.Fatalf("expected partially filled ask to land Fill, got %v", m.fsmState(o.UID))
			}
		}
	}
}

func TestActiveUIDsFiltersToActiveAndFill(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager()
	active := order(domain.SideBuy, "100", "1")
	active.UID = "uid-active"
	m.addLive(active)
	m.fsms[active.UID] = &OrderState{State: fsm.Active}

	pending := order(domain.SideSell, "101", "1")
	pending.UID = "uid-pending"
	m.addLive(pending)
	m.fsms[pending.UID] = &OrderState{State: fsm.InsertPending}

	got := m.ActiveUIDs()
	if len(got) != 1 || got[0] != "uid-active" {
		t.Fatalf("expected only uid-active, got %v", got)
	}
}

func TestNumberReadyForAmendExcludesPendingStates(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager()
	states := []fsm.State{fsm.Active, fsm.InsertPending, fsm.AmendPending, fsm.CancelPending, fsm.CancelFailed, fsm.Fill}
	for i, st := range states {
		uid := order(domain.SideBuy, "100", "1")
		uid.UID = string(rune('a' + i))
		m.addLive(uid)
		m.fsms[uid.UID] = &OrderState{State: st}
	}

	if got := m.NumberReadyForAmend(); got != 2 {
		t.Fatalf("expected 2 ready (Active, Fill), got %d", got)
	}
}
