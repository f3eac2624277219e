package registry

import "testing"

func TestLinkIsBidirectional(t *testing.T) {
	t.Parallel()

	r := New()
	r.Link("uid-1", "eid-1")

	eid, ok := r.Eid("uid-1")
	if !ok || eid != "eid-1" {
		t.Fatalf("Eid(uid-1) = (%q, %v), want (eid-1, true)", eid, ok)
	}

	uid, ok := r.Uid("eid-1")
	if !ok || uid != "uid-1" {
		t.Fatalf("Uid(eid-1) = (%q, %v), want (uid-1, true)", uid, ok)
	}
}

func TestRekeyPreservesEidMovesUid(t *testing.T) {
	t.Parallel()

	r := New()
	r.Link("uid-old", "eid-1")
	r.Rekey("uid-old", "uid-new", "eid-1")

	if _, ok := r.Eid("uid-old"); ok {
		t.Fatalf("old uid should no longer resolve after rekey")
	}
	eid, ok := r.Eid("uid-new")
	if !ok || eid != "eid-1" {
		t.Fatalf("Eid(uid-new) = (%q, %v), want (eid-1, true)", eid, ok)
	}
	uid, ok := r.Uid("eid-1")
	if !ok || uid != "uid-new" {
		t.Fatalf("Uid(eid-1) = (%q, %v), want (uid-new, true)", uid, ok)
	}
}

func TestAmendFlag(t *testing.T) {
	t.Parallel()

	r := New()
	if r.IsAmending("eid-1") {
		t.Fatalf("fresh registry should not report eid-1 as amending")
	}
	r.MarkAmending("eid-1")
	if !r.IsAmending("eid-1") {
		t.Fatalf("MarkAmending did not take effect")
	}
	r.ClearAmending("eid-1")
	if r.IsAmending("eid-1") {
		t.Fatalf("ClearAmending did not take effect")
	}
}

func TestResetClearsAllState(t *testing.T) {
	t.Parallel()

	r := New()
	r.Link("uid-1", "eid-1")
	r.MarkAmending("eid-1")

	r.Reset()

	if _, ok := r.Eid("uid-1"); ok {
		t.Fatalf("Reset should clear uid_to_eid")
	}
	if _, ok := r.Uid("eid-1"); ok {
		t.Fatalf("Reset should clear eid_to_uid")
	}
	if r.IsAmending("eid-1") {
		t.Fatalf("Reset should clear eids_in_amend")
	}
}
