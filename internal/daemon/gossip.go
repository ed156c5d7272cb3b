// internal/daemon/gossip.go
package daemon

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	mrand "math/rand"
	"sync"

	"nodemesh/internal/node"
)

// IntraBias is the fraction of the fan-out budget K preferentially spent
// on same-community peers. 0.7 is a reasonable default; the optimal value
// depends on topology.
var IntraBias = 0.7

// gossipCandidate is one entry of the peer set considered by selectPeers:
// a NodeId with a known address and community tag.
type gossipCandidate struct {
	NodeID      node.NodeID
	Addr        string
	CommunityID uint32
}

// gossipRand is a single shared generator used only to pick which
// already-authenticated peers to relay to, never for anything
// security-critical. Its seed still comes from crypto/rand rather than a
// wall-clock seed so the sampling order isn't predictable.
var (
	gossipRandMu sync.Mutex
	gossipRand   = mrand.New(mrand.NewSource(cryptoSeed()))
)

func cryptoSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 1
	}
	return int64(binary.BigEndian.Uint64(buf[:]))
}

// shufflePeers performs an in-place Fisher-Yates shuffle under the shared
// lock, then returns the first n elements: a uniform-without-replacement
// draw.
func shufflePeers(peers []gossipCandidate, n int) []gossipCandidate {
	if n >= len(peers) {
		out := make([]gossipCandidate, len(peers))
		copy(out, peers)
		return out
	}
	if n <= 0 {
		return nil
	}
	work := make([]gossipCandidate, len(peers))
	copy(work, peers)
	gossipRandMu.Lock()
	gossipRand.Shuffle(len(work), func(i, j int) { work[i], work[j] = work[j], work[i] })
	gossipRandMu.Unlock()
	return work[:n]
}

// selectPeers partitions the candidate set into same-community ("intra")
// and cross-community ("inter") peers, biases the fan-out budget k toward
// intra per IntraBias, and uniformly samples without replacement from
// each partition.
func selectPeers(candidates []gossipCandidate, exclude map[node.NodeID]struct{}, selfCommunity uint32, k int) []gossipCandidate {
	if k <= 0 {
		return nil
	}

	var intra, inter []gossipCandidate
	for _, c := range candidates {
		if _, skip := exclude[c.NodeID]; skip {
			continue
		}
		if c.CommunityID == selfCommunity {
			intra = append(intra, c)
		} else {
			inter = append(inter, c)
		}
	}

	total := len(intra) + len(inter)
	if total <= k {
		out := make([]gossipCandidate, 0, total)
		out = append(out, intra...)
		out = append(out, inter...)
		return out
	}

	kIntra := int(math.Ceil(float64(k) * IntraBias))
	if kIntra > len(intra) {
		kIntra = len(intra)
	}
	kInter := k - kIntra
	if kInter > len(inter) {
		kInter = len(inter)
	}

	out := make([]gossipCandidate, 0, kIntra+kInter)
	out = append(out, shufflePeers(intra, kIntra)...)
	out = append(out, shufflePeers(inter, kInter)...)
	return out
}
