package fsm

import "testing"

func TestApplyInactiveCreation(t *testing.T) {
	t.Parallel()

	next, ok := Apply(Inactive, Creation)
	if !ok || next != InsertPending {
		t.Fatalf("Inactive+Creation = (%v, %v), want (InsertPending, true)", next, ok)
	}
}

func TestApplyUnlistedEventIsIgnoredNoOp(t *testing.T) {
	t.Parallel()

	next, ok := Apply(Active, CancelRejection)
	if ok {
		t.Fatalf("Active+CancelRejection should be unlisted, got ok=true next=%v", next)
	}
	if next != Active {
		t.Fatalf("unlisted event must leave state unchanged, got %v", next)
	}
}

func TestApplyFullTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from State
		e    Event
		want State
	}{
		{InsertPending, InsertRejection, InsertFailed},
		{InsertPending, Cancel, CancelPending},
		{InsertPending, InsertAck, Active},
		{InsertPending, CancelAck, Cancelled},
		{InsertPending, Fill_, Fill},
		{InsertPending, FullFill_, FullFill},
		{Active, Fill_, Fill},
		{Active, InsertRejection, InsertFailed},
		{Active, Cancel, CancelPending},
		{Active, Amend, AmendPending},
		{Active, FullFill_, FullFill},
		{Active, AmendRejection, Inactive},
		{AmendPending, Cancel, CancelPending},
		{AmendPending, AmendAck, Active},
		{AmendPending, AmendPartialAck, Active},
		{AmendPending, AmendRejection, Inactive},
		{AmendPending, Fill_, Fill},
		{AmendPending, FullFill_, FullFill},
		{AmendPending, CancelAck, Cancelled},
		{Fill, FullFill_, FullFill},
		{Fill, Cancel, CancelPending},
		{Fill, Amend, AmendPending},
		{Fill, CancelAck, Cancelled},
		{FullFill, Cancel, CancelPending},
		{FullFill, Fill_, Fill},
		{FullFill, AmendPartialAck, Fill},
		{FullFill, Creation, InsertPending},
		{CancelPending, Fill_, Fill},
		{CancelPending, CancelAck, Cancelled},
		{CancelPending, CancelRejection, CancelFailed},
		{CancelFailed, Fill_, Fill},
		{CancelFailed, FullFill_, FullFill},
		{Cancelled, Creation, InsertPending},
	}

	for _, c := range cases {
		next, ok := Apply(c.from, c.e)
		if !ok || next != c.want {
			t.Errorf("%v+%v = (%v, %v), want (%v, true)", c.from, c.e, next, ok, c.want)
		}
	}
}

func TestApplyInsertFailedIsTerminal(t *testing.T) {
	t.Parallel()

	for e := Creation; e <= AmendRejection; e++ {
		if _, ok := Apply(InsertFailed, e); ok {
			t.Errorf("InsertFailed should accept no events, got ok=true for %v", e)
		}
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	terminal := []State{Cancelled, InsertFailed, FullFill}
	for _, s := range terminal {
		if !Terminal(s) {
			t.Errorf("Terminal(%v) = false, want true", s)
		}
	}

	live := []State{Inactive, InsertPending, Active, AmendPending, Fill, CancelPending, CancelFailed}
	for _, s := range live {
		if Terminal(s) {
			t.Errorf("Terminal(%v) = true, want false", s)
		}
	}
}
