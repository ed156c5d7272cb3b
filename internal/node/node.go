// internal/node/node.go
package node

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"

	"nodemesh/internal/crypto"
)

// NodeID is the node's Ed25519 public key, verbatim. Identity equality is
// byte equality; textual form is lowercase hex.
type NodeID [ed25519.PublicKeySize]byte

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Less implements the lexicographic tie-break used by the connection
// cache when both sides dial each other concurrently.
func (id NodeID) Less(other NodeID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

func NodeIDFromPublicKey(pub ed25519.PublicKey) (NodeID, bool) {
	var id NodeID
	if len(pub) != len(id) {
		return id, false
	}
	copy(id[:], pub)
	return id, true
}

func NodeIDFromHex(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, errBadNodeIDLength
	}
	copy(id[:], b)
	return id, nil
}

// Node is this process's cryptographic identity plus the monotonic
// sequence counter it stamps onto its own telemetry.
type Node struct {
	ID   NodeID
	Pub  ed25519.PublicKey
	Priv ed25519.PrivateKey
	Seq  *SequenceCounter
}

const sequenceFileSuffix = ".seq"

// New loads an existing identity from identityPath (`identity_path` in
// configuration), or mints one on first launch. The identity is immutable
// thereafter. identityPath's parent directory must already exist or be
// creatable with mode 0700. The sequence counter is persisted alongside
// it, at identityPath+".seq".
func New(identityPath string) (*Node, error) {
	if dir := filepath.Dir(identityPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}
	seed, err := crypto.LoadOrCreateSeed(identityPath)
	if err != nil {
		return nil, err
	}
	pub, priv, err := crypto.ExpandSeed(seed)
	if err != nil {
		return nil, err
	}
	id, ok := NodeIDFromPublicKey(pub)
	if !ok {
		return nil, errBadNodeIDLength
	}
	seq, err := loadSequenceCounter(identityPath + sequenceFileSuffix)
	if err != nil {
		return nil, err
	}
	return &Node{ID: id, Pub: pub, Priv: priv, Seq: seq}, nil
}

// Sign signs msg (the canonical byte encoding of a payload) with this
// node's private key.
func (n *Node) Sign(msg []byte) []byte {
	return crypto.Sign(n.Priv, msg)
}

type nodeIDLengthError string

func (e nodeIDLengthError) Error() string { return string(e) }

var errBadNodeIDLength = nodeIDLengthError("node: public key is not a valid 32-byte NodeId")
