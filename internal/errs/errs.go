// Package errs defines the closed set of error kinds the adapter can raise.
//
// Callers use errors.Is against the sentinels below; wrapping always carries
// enough context (uid, eid, exchange name) via fmt.Errorf("%w: ...") to make
// the log line self-sufficient.
package errs

import "errors"

var (
	// ErrConnect covers WebSocket dial and REST connectivity failures.
	ErrConnect = errors.New("connect error")

	// ErrSubscription covers a failed or rejected channel subscription.
	ErrSubscription = errors.New("subscription error")

	// ErrProtocol covers frames that don't match the wire contract: missing
	// fields, unknown actions, unparseable payloads.
	ErrProtocol = errors.New("protocol error")

	// ErrInvalidState covers an FSM transition attempted from a state that
	// doesn't define it — the order's lifecycle was violated.
	ErrInvalidState = errors.New("invalid order state")

	// ErrInvalidAmend covers amend_orders' reconciliation guards: mismatched
	// batch sizes, same-side violations, self-crossing sequences.
	ErrInvalidAmend = errors.New("invalid amend")

	// ErrVenueReject covers an explicit rejection acknowledgement from the
	// venue (new-order nack, amend nack, cancel nack).
	ErrVenueReject = errors.New("venue rejected request")

	// ErrWhitelisted marks an error the strategy recognized and chose not to
	// escalate into a reconnection attempt.
	ErrWhitelisted = errors.New("whitelisted error")
)
