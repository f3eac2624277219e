// Package orders implements the Orders Manager (C5): the registry of live
// orders and their FSM states, the placement/cancel/amend operations, and the
// amend_orders reconciliation algorithm that diffs a strategy's desired quote
// set against what is currently live.
package orders

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketmaker/internal/domain"
	"marketmaker/internal/errs"
	"marketmaker/internal/fsm"
	"marketmaker/internal/registry"
)

// epsilon is the absolute tolerance for price/qty comparisons in the
// reconciliation algorithm — orders within epsilon of each other are treated
// as unchanged rather than re-amended.
var epsilon = decimal.New(1, -10)

// Transport is what the Orders Manager needs from the protocol/transport
// layer to actually move requests onto the wire. The engine wires this up
// from internal/protocol + internal/transport.
type Transport interface {
	SendCreate(order domain.OrderRequest) error
	SendCreateMany(orders []domain.OrderRequest) error
	SendModify(eid string, order domain.OrderRequest) error
	SendModifyMany(eids []string, orders []domain.OrderRequest) error
	SendCancel(eid string) error
	SendCancelAll() error
}

// OrderState is the FSM state owned per uid, with its last-update time.
type OrderState struct {
	State         fsm.State
	LastUpdatedAt time.Time
}

// Manager owns the live-order bookkeeping described in SPEC_FULL §4.5.
type Manager struct {
	logger       *slog.Logger
	exchangeName string
	registry     *registry.Registry
	transport    Transport

	orders   map[string]domain.OrderRequest
	liveUIDs []string
	fsms     map[string]*OrderState
	uidPair  map[string]string
}

// New builds an empty Manager.
func New(logger *slog.Logger, exchangeName string, reg *registry.Registry, t Transport) *Manager {
	m := &Manager{logger: logger, exchangeName: exchangeName, registry: reg, transport: t}
	m.Reset()
	return m
}

// Reset clears all owned state, used before a reconnect.
func (m *Manager) Reset() {
	m.orders = make(map[string]domain.OrderRequest)
	m.liveUIDs = nil
	m.fsms = make(map[string]*OrderState)
	m.uidPair = make(map[string]string)
}

func mintUID() string {
	return uuid.NewString()
}

func sortByPrice(orders []domain.OrderRequest) {
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].Price.LessThan(orders[j].Price)
	})
}

func withinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(epsilon)
}

// fsmState returns the current FSM state for uid, defaulting to Inactive for
// an order not yet tracked.
func (m *Manager) fsmState(uid string) fsm.State {
	if os, ok := m.fsms[uid]; ok {
		return os.State
	}
	return fsm.Inactive
}

// applyEvent runs the FSM for uid. Per the design notes, the only transition
// that can fail outright is any non-Creation event arriving while the order
// is Inactive — everything else the table doesn't list is an ignored no-op.
func (m *Manager) applyEvent(uid string, ev fsm.Event) error {
	os, ok := m.fsms[uid]
	if !ok {
		os = &OrderState{State: fsm.Inactive}
		m.fsms[uid] = os
	}

	next, transitioned := fsm.Apply(os.State, ev)
	if !transitioned && os.State == fsm.Inactive {
		return fmt.Errorf("%w: uid=%s exchange=%s event=%s from inactive", errs.ErrInvalidState, uid, m.exchangeName, ev)
	}

	os.State = next
	os.LastUpdatedAt = time.Now()
	return nil
}

func (m *Manager) addLive(order domain.OrderRequest) {
	m.orders[order.UID] = order
	m.liveUIDs = append(m.liveUIDs, order.UID)
}

func (m *Manager) removeLive(uid string) {
	for i, u := range m.liveUIDs {
		if u == uid {
			m.liveUIDs = append(m.liveUIDs[:i], m.liveUIDs[i+1:]...)
			return
		}
	}
}

// Place registers order (minting a uid if missing) and sends a single
// create-order request.
func (m *Manager) Place(order domain.OrderRequest) error {
	if order.UID == "" {
		order.UID = mintUID()
	}
	m.addLive(order)
	if err := m.applyEvent(order.UID, fsm.Creation); err != nil {
		return err
	}
	return m.transport.SendCreate(order)
}

// PlaceMany registers every order (minting uids as needed) and sends a single
// batched create-order request.
func (m *Manager) PlaceMany(orders []domain.OrderRequest) error {
	if len(orders) == 0 {
		return nil
	}
	for i := range orders {
		if orders[i].UID == "" {
			orders[i].UID = mintUID()
		}
		m.addLive(orders[i])
		if err := m.applyEvent(orders[i].UID, fsm.Creation); err != nil {
			return err
		}
	}
	return m.transport.SendCreateMany(orders)
}

// Amend performs a single in-place amend: new replaces existing, keeping the
// same eid. The FSM is pre-advanced on new.UID through Creation, InsertAck and
// Amend (landing AmendPending) before the request is confirmed, matching the
// reference adapter's optimistic bookkeeping.
func (m *Manager) Amend(newOrder, existing domain.OrderRequest) error {
	if newOrder.UID == "" {
		newOrder.UID = mintUID()
	}

	eid, ok := m.registry.Eid(existing.UID)
	if !ok {
		m.logger.Warn("amend: no eid mapping for existing order", "uid", existing.UID)
		return nil
	}

	m.orders[newOrder.UID] = newOrder
	if err := m.applyEvent(newOrder.UID, fsm.Creation); err != nil {
		return err
	}
	if err := m.applyEvent(newOrder.UID, fsm.InsertAck); err != nil {
		return err
	}
	if err := m.applyEvent(newOrder.UID, fsm.Amend); err != nil {
		return err
	}

	m.registry.MarkAmending(eid)
	m.registry.Rekey(existing.UID, newOrder.UID, eid)

	if err := m.transport.SendModify(eid, newOrder); err != nil {
		return err
	}

	m.removeLive(existing.UID)
	m.addLive(newOrder)
	return nil
}

// AmendActive treats the current live set as "existing" and delegates to
// AmendOrders.
func (m *Manager) AmendActive(newOrders []domain.OrderRequest) error {
	existing := make([]domain.OrderRequest, 0, len(m.liveUIDs))
	for _, uid := range m.liveUIDs {
		existing = append(existing, m.orders[uid])
	}
	return m.AmendOrders(newOrders, existing)
}

// AmendOrders is the reconciliation algorithm: classify each (new, existing)
// pair by the existing order's FSM state, then execute cancels, then places,
// then the remaining bulk amend — in that order, so a two-sided book is never
// briefly over-exposed.
func (m *Manager) AmendOrders(newOrders, existingOrders []domain.OrderRequest) error {
	if len(newOrders) == 0 {
		return nil
	}
	if len(newOrders) != len(existingOrders) {
		return fmt.Errorf("%w: new/existing length mismatch", errs.ErrInvalidAmend)
	}

	for i := range newOrders {
		if newOrders[i].UID == "" {
			newOrders[i].UID = mintUID()
		}
	}

	sortByPrice(newOrders)
	sortByPrice(existingOrders)

	var cancelEids []string
	var placeOrders []domain.OrderRequest
	var amendNew, amendExisting []domain.OrderRequest

	for i := range newOrders {
		nw := newOrders[i]
		ex := existingOrders[i]

		switch m.fsmState(ex.UID) {
		case fsm.Fill:
			if eid, ok := m.registry.Eid(ex.UID); ok {
				cancelEids = append(cancelEids, eid)
			}
			m.removeLive(ex.UID)
			placeOrders = append(placeOrders, nw)

		case fsm.Cancelled, fsm.FullFill:
			m.removeLive(ex.UID)
			placeOrders = append(placeOrders, nw)

		case fsm.Active:
			if withinEpsilon(nw.Quantity, ex.Quantity) && withinEpsilon(nw.Price, ex.Price) {
				m.preserveUnchanged(ex.UID, nw.UID)
			} else {
				amendNew = append(amendNew, nw)
				amendExisting = append(amendExisting, ex)
			}

		default:
			// Inactive/InsertPending/AmendPending/CancelPending/CancelFailed:
			// not ready for amend this round, silently skipped.
		}
	}

	if err := m.cancelEids(cancelEids); err != nil {
		return err
	}
	if err := m.PlaceMany(placeOrders); err != nil {
		return err
	}
	return m.bulkAmend(amendNew, amendExisting)
}

// preserveUnchanged re-keys an order whose new quote is within epsilon of its
// existing price/qty: the existing venue order is kept, but the uid the
// strategy will look up going forward is the new one.
func (m *Manager) preserveUnchanged(oldUID, newUID string) {
	if eid, ok := m.registry.Eid(oldUID); ok {
		m.registry.Rekey(oldUID, newUID, eid)
	}
	order := m.orders[oldUID]
	order.UID = newUID
	m.removeLive(oldUID)
	m.addLive(order)
	if os, ok := m.fsms[oldUID]; ok {
		m.fsms[newUID] = os
		delete(m.fsms, oldUID)
	}
}

// bulkAmend applies the same-side, self-cross, and cross guards to the
// queued amend pairs, then issues exactly one batched modify-order request
// (the reference adapter issues one per loop iteration, which this
// implementation does not reproduce). Each new uid is then advanced through
// Creation, InsertAck and Amend, as in Amend.
func (m *Manager) bulkAmend(newOrders, existingOrders []domain.OrderRequest) error {
	if len(newOrders) == 0 {
		return nil
	}
	if len(newOrders) != len(existingOrders) {
		return fmt.Errorf("%w: amend batch size mismatch", errs.ErrInvalidAmend)
	}

	sortByPrice(newOrders)
	sortByPrice(existingOrders)

	for i := range newOrders {
		if newOrders[i].Side != existingOrders[i].Side {
			return fmt.Errorf("%w: side mismatch at amend pair %d", errs.ErrInvalidAmend, i)
		}
	}
	for i := 1; i < len(newOrders); i++ {
		if newOrders[i].Side == domain.SideBuy && newOrders[i-1].Side == domain.SideSell {
			return fmt.Errorf("%w: self crossing orders detected", errs.ErrInvalidAmend)
		}
	}

	if newBid, hasBid := lastSidePrice(newOrders, domain.SideBuy); hasBid {
		if existingAsk, hasAsk := firstSidePrice(existingOrders, domain.SideSell); hasAsk {
			if newBid.GreaterThan(existingAsk) {
				reverseOrders(newOrders)
				reverseOrders(existingOrders)
			}
		}
	}

	eids := make([]string, len(existingOrders))
	for i, ex := range existingOrders {
		eid, ok := m.registry.Eid(ex.UID)
		if !ok {
			m.logger.Warn("bulk amend: no eid mapping for existing order", "uid", ex.UID)
			continue
		}
		eids[i] = eid
		m.registry.MarkAmending(eid)
		m.registry.Rekey(ex.UID, newOrders[i].UID, eid)
		m.removeLive(ex.UID)
	}

	if err := m.transport.SendModifyMany(eids, newOrders); err != nil {
		return err
	}

	for _, nw := range newOrders {
		m.addLive(nw)
		for _, ev := range []fsm.Event{fsm.Creation, fsm.InsertAck, fsm.Amend} {
			if err := m.applyEvent(nw.UID, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func lastSidePrice(orders []domain.OrderRequest, side domain.Side) (decimal.Decimal, bool) {
	for i := len(orders) - 1; i >= 0; i-- {
		if orders[i].Side == side {
			return orders[i].Price, true
		}
	}
	return decimal.Zero, false
}

func firstSidePrice(orders []domain.OrderRequest, side domain.Side) (decimal.Decimal, bool) {
	for _, o := range orders {
		if o.Side == side {
			return o.Price, true
		}
	}
	return decimal.Zero, false
}

func reverseOrders(orders []domain.OrderRequest) {
	for i, j := 0, len(orders)-1; i < j; i, j = i+1, j-1 {
		orders[i], orders[j] = orders[j], orders[i]
	}
}

func (m *Manager) cancelEids(eids []string) error {
	for _, eid := range eids {
		if err := m.transport.SendCancel(eid); err != nil {
			return err
		}
	}
	return nil
}

// Cancel issues a cancel for uid. A uid with no eid mapping is a successful
// no-op — the order was likely already eliminated on the streaming side.
func (m *Manager) Cancel(uid string) error {
	if err := m.applyEvent(uid, fsm.Cancel); err != nil {
		return err
	}

	eid, ok := m.registry.Eid(uid)
	if !ok {
		m.removeLive(uid)
		return nil
	}
	if err := m.transport.SendCancel(eid); err != nil {
		return err
	}
	m.removeLive(uid)
	return nil
}

// CancelMany cancels every uid whose FSM is not already FullFill.
func (m *Manager) CancelMany(uids []string) error {
	for _, uid := range uids {
		if m.fsmState(uid) == fsm.FullFill {
			continue
		}
		if err := m.Cancel(uid); err != nil {
			return err
		}
	}
	return nil
}

// CancelActiveOrders asks the venue to cancel everything for the instrument
// in one request; individual FSMs update lazily as CancelAck events arrive.
func (m *Manager) CancelActiveOrders() error {
	return m.transport.SendCancelAll()
}

// ActivateOrders seeds state from a reconnect/startup snapshot: each exchange
// order is given a uid, linked to its eid, and replayed through
// Creation->InsertAck->Amend->AmendAck so its FSM lands Active (or Fill, if
// the snapshot reports a partial fill already in progress).
func (m *Manager) ActivateOrders(snapshot domain.ExchangeOrdersSnapshot) ([]domain.OrderRequest, error) {
	all := make([]domain.ExchangeOrder, 0, len(snapshot.Bids)+len(snapshot.Asks))
	all = append(all, snapshot.Bids...)
	all = append(all, snapshot.Asks...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Price.LessThan(all[j].Price) })

	created := make([]domain.OrderRequest, 0, len(all))

	for _, exch := range all {
		uid := mintUID()
		order := domain.OrderRequest{
			InstrumentName: exch.InstrumentName,
			Quantity:       exch.Quantity,
			Price:          exch.Price,
			Side:           exch.Side,
			Type:           exch.Type,
			UID:            uid,
			CreatedAt:      time.Now(),
		}

		m.registry.Link(uid, exch.ExchangeOrderID)
		m.addLive(order)

		for _, ev := range []fsm.Event{fsm.Creation, fsm.InsertAck, fsm.Amend, fsm.AmendAck} {
			if err := m.applyEvent(uid, ev); err != nil {
				return nil, err
			}
		}

		if exch.FilledQuantity.GreaterThan(decimal.Zero) {
			if err := m.applyEvent(uid, fsm.Fill_); err != nil {
				return nil, err
			}
		}

		created = append(created, order)
	}

	return created, nil
}

// UpdateOrderState maps a typed update event onto the fixed event table and
// applies it through the FSM, including the inflight-fill-downgrade rule.
func (m *Manager) UpdateOrderState(uid string, update any) error {
	if _, ok := m.fsms[uid]; !ok {
		m.logger.Warn("update_order_state: unknown uid, dropping", "uid", uid)
		return nil
	}

	var ev fsm.Event
	switch u := update.(type) {
	case domain.NewOrderAck:
		ev = fsm.InsertAck
	case domain.NewOrderRejection:
		ev = fsm.InsertRejection
	case domain.OrderEliminationAck:
		ev = fsm.CancelAck
	case domain.OrderEliminationRejection:
		ev = fsm.CancelRejection
	case domain.OrderFillAck:
		ev = fsm.Fill_
	case domain.OrderFullFillAck:
		ev = fsm.FullFill_
		if order, ok := m.orders[uid]; ok && order.Quantity.GreaterThan(u.RunningFillQty) {
			m.logger.Warn("inflight fill: downgrading full-fill to fill", "uid", uid)
			ev = fsm.Fill_
		}
	case domain.AmendAck:
		ev = fsm.AmendAck
	case domain.AmendAckOnPartial:
		ev = fsm.AmendPartialAck
	case domain.AmendRejection:
		ev = fsm.AmendRejection
	default:
		return fmt.Errorf("%w: unrecognised update type %T", errs.ErrProtocol, update)
	}

	return m.applyEvent(uid, ev)
}

// ActiveUIDs returns the uids whose FSM is Active or Fill.
func (m *Manager) ActiveUIDs() []string {
	var out []string
	for _, uid := range m.liveUIDs {
		switch m.fsmState(uid) {
		case fsm.Active, fsm.Fill:
			out = append(out, uid)
		}
	}
	return out
}

// NumberReadyForAmend counts live uids whose FSM is not one of
// {Inactive, InsertPending, AmendPending, CancelPending, CancelFailed}.
func (m *Manager) NumberReadyForAmend() int {
	n := 0
	for _, uid := range m.liveUIDs {
		switch m.fsmState(uid) {
		case fsm.Inactive, fsm.InsertPending, fsm.AmendPending, fsm.CancelPending, fsm.CancelFailed:
		default:
			n++
		}
	}
	return n
}

// LiveOrders returns the OrderRequest for every currently-live uid.
func (m *Manager) LiveOrders() []domain.OrderRequest {
	out := make([]domain.OrderRequest, 0, len(m.liveUIDs))
	for _, uid := range m.liveUIDs {
		out = append(out, m.orders[uid])
	}
	return out
}

// LiveUIDCount reports len(live_uids), used by the strategy's readiness check.
func (m *Manager) LiveUIDCount() int {
	return len(m.liveUIDs)
}
