package daemon

import (
	"testing"

	"nodemesh/internal/node"
)

func candidate(id byte, community uint32) gossipCandidate {
	var n node.NodeID
	n[0] = id
	return gossipCandidate{NodeID: n, Addr: "127.0.0.1:0", CommunityID: community}
}

func TestSelectPeersReturnsAllWhenAtOrBelowK(t *testing.T) {
	candidates := []gossipCandidate{candidate(1, 5), candidate(2, 5)}
	got := selectPeers(candidates, nil, 5, 4)
	if len(got) != 2 {
		t.Fatalf("expected both candidates returned, got %d", len(got))
	}
}

func TestSelectPeersExcludesDeliveringPeer(t *testing.T) {
	a, b := candidate(1, 5), candidate(2, 5)
	exclude := map[node.NodeID]struct{}{a.NodeID: {}}
	got := selectPeers([]gossipCandidate{a, b}, exclude, 5, 4)
	for _, c := range got {
		if c.NodeID == a.NodeID {
			t.Fatalf("excluded peer must never be selected")
		}
	}
	if len(got) != 1 || got[0].NodeID != b.NodeID {
		t.Fatalf("expected only the non-excluded peer, got %+v", got)
	}
}

func TestSelectPeersBiasesTowardIntraCommunity(t *testing.T) {
	var candidates []gossipCandidate
	for i := byte(1); i <= 10; i++ {
		candidates = append(candidates, candidate(i, 1)) // intra
	}
	for i := byte(11); i <= 20; i++ {
		candidates = append(candidates, candidate(i, 2)) // inter
	}

	IntraBias = 0.7
	got := selectPeers(candidates, nil, 1, 4)
	if len(got) != 4 {
		t.Fatalf("expected exactly k=4 peers, got %d", len(got))
	}
	intraCount := 0
	for _, c := range got {
		if c.CommunityID == 1 {
			intraCount++
		}
	}
	// ceil(4*0.7) = 3
	if intraCount != 3 {
		t.Fatalf("expected 3 intra-community peers, got %d", intraCount)
	}
}

func TestSelectPeersFillsFromInterWhenIntraScarce(t *testing.T) {
	candidates := []gossipCandidate{candidate(1, 1)}
	for i := byte(2); i <= 10; i++ {
		candidates = append(candidates, candidate(i, 2))
	}
	got := selectPeers(candidates, nil, 1, 4)
	if len(got) != 4 {
		t.Fatalf("expected k=4 peers total even though intra supply is scarce, got %d", len(got))
	}
}

func TestSelectPeersZeroK(t *testing.T) {
	candidates := []gossipCandidate{candidate(1, 1)}
	if got := selectPeers(candidates, nil, 1, 0); got != nil {
		t.Fatalf("expected nil result for k=0, got %+v", got)
	}
}
