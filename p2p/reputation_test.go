package p2p

import "testing"

func TestBadPeerFilterThreshold(t *testing.T) {
	f := NewBadPeerFilter(3)

	for i := 1; i <= 2; i++ {
		score, blacklisted := f.MarkInvalid("peer-a")
		if score != i || blacklisted {
			t.Fatalf("mark %d = (%d, %v)", i, score, blacklisted)
		}
	}
	score, blacklisted := f.MarkInvalid("peer-a")
	if score != 3 || !blacklisted {
		t.Fatalf("third mark = (%d, %v), want blacklisted", score, blacklisted)
	}
	if !f.IsBlacklisted("peer-a") {
		t.Fatal("peer not blacklisted")
	}
	if f.IsBlacklisted("peer-b") {
		t.Fatal("unrelated peer blacklisted")
	}
}

func TestBadPeerFilterAbsorbing(t *testing.T) {
	f := NewBadPeerFilter(2)
	f.MarkInvalid("peer-a")
	f.MarkInvalid("peer-a")

	// Further marks and forgets change nothing.
	if _, blacklisted := f.MarkInvalid("peer-a"); !blacklisted {
		t.Fatal("blacklist not absorbing")
	}
	f.Forget("peer-a")
	if !f.IsBlacklisted("peer-a") {
		t.Fatal("forget removed blacklist entry")
	}
	if f.Score("peer-a") != 2 {
		t.Fatalf("score = %d", f.Score("peer-a"))
	}
}

func TestBadPeerFilterForgetResetsScore(t *testing.T) {
	f := NewBadPeerFilter(3)
	f.MarkInvalid("peer-a")
	f.MarkInvalid("peer-a")
	f.Forget("peer-a")

	if f.Score("peer-a") != 0 {
		t.Fatalf("score after forget = %d", f.Score("peer-a"))
	}
	// Reconnecting starts the count fresh.
	if score, blacklisted := f.MarkInvalid("peer-a"); score != 1 || blacklisted {
		t.Fatalf("mark after forget = (%d, %v)", score, blacklisted)
	}
}

func TestBadPeerFilterDefaultThreshold(t *testing.T) {
	f := NewBadPeerFilter(0)
	f.MarkInvalid("p")
	f.MarkInvalid("p")
	if _, blacklisted := f.MarkInvalid("p"); !blacklisted {
		t.Fatal("default threshold should be 3")
	}
	if got := f.Blacklisted(); len(got) != 1 || got[0] != "p" {
		t.Fatalf("blacklisted = %v", got)
	}
}
