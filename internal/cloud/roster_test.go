package cloud

import "testing"

func TestRosterFreshnessWindow(t *testing.T) {
	r := newRoster()
	r.touch("alice", 1000)

	if !r.isRemote("alice", 1000) {
		t.Fatal("expected alice to be remote immediately after touch")
	}
	if !r.isRemote("alice", 1000+rosterFreshnessMS) {
		t.Fatal("expected alice to still be remote at the freshness boundary")
	}
	if r.isRemote("alice", 1000+rosterFreshnessMS+1) {
		t.Fatal("expected alice to age out just past the freshness window")
	}
	if r.isRemote("ghost", 1000) {
		t.Fatal("unseen name should never be remote")
	}
}

func TestRosterObserveMergesSnapshot(t *testing.T) {
	r := newRoster()
	r.observe([]string{"alice", "bob"}, 5000)

	if !r.isRemote("alice", 5000) || !r.isRemote("bob", 5000) {
		t.Fatal("expected both snapshot names to be remote")
	}
}
