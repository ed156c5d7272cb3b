// internal/network/client_ops.go
package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	quic "github.com/quic-go/quic-go"

	"nodemesh/internal/crypto"
	"nodemesh/internal/node"
	"nodemesh/internal/proto"
)

// BuildHello constructs this node's signed identity proof for a
// connection whose remote leaf certificate hashed to peerCertFP. Binding
// the nonce to the peer's certificate fingerprint ties the proof to this
// specific TLS session; replaying it on a different connection fails
// verification on the other end trivially (the fingerprint won't match).
func BuildHello(n *node.Node, peerCertFP [32]byte) proto.SignedHello {
	payload := proto.HelloPayload{
		NodeID:      n.ID,
		Nonce:       peerCertFP,
		TimestampMs: uint64(time.Now().UnixMilli()),
	}
	sig := n.Sign(proto.EncodeHelloPayload(payload))
	var sh proto.SignedHello
	sh.Payload = payload
	copy(sh.Signature[:], sig)
	return sh
}

// helloMaxSkew bounds how far a hello's TimestampMs may drift from the
// verifier's own clock, mirroring the gossip envelope's freshness check —
// a hello is a claim about the connection it rides on, not something that
// should remain admissible indefinitely.
const helloMaxSkew = 5 * time.Minute

// VerifyHello checks the embedded Ed25519 signature, that the claimed
// Nonce matches expectedNonce (the verifier's own leaf certificate
// fingerprint — see LeafCertFingerprint), and that TimestampMs is within
// helloMaxSkew of now. The Nonce check is the actual node_id↔TLS binding:
// without it, any previously-captured SignedHello from a node presenting
// a valid certificate of its own would verify and be admitted under the
// claimed identity regardless of which connection it arrived on.
func VerifyHello(sh proto.SignedHello, expectedNonce [32]byte, now time.Time) (node.NodeID, bool) {
	id := node.NodeID(sh.Payload.NodeID)
	pub := ed25519.PublicKey(sh.Payload.NodeID[:])
	if !crypto.Verify(pub, proto.EncodeHelloPayload(sh.Payload), sh.Signature[:]) {
		return id, false
	}
	if sh.Payload.Nonce != expectedNonce {
		return id, false
	}
	if skewOf(sh.Payload.TimestampMs, now) > helloMaxSkew {
		return id, false
	}
	return id, true
}

func skewOf(timestampMs uint64, now time.Time) time.Duration {
	diff := int64(timestampMs) - now.UnixMilli()
	if diff < 0 {
		diff = -diff
	}
	return time.Duration(diff) * time.Millisecond
}

// PerformOutboundHello opens a fresh bidirectional stream, sends ours,
// and reads the peer's hello back on the same stream — one round trip
// proves both identities. Used by the dialing side immediately after a
// connection is established.
func PerformOutboundHello(ctx context.Context, conn *quic.Conn, ours proto.SignedHello) (proto.SignedHello, error) {
	var peer proto.SignedHello
	ctx, cancel := context.WithTimeout(ctx, helloStreamTimeout)
	defer cancel()

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return peer, fmt.Errorf("network: open hello stream: %w", err)
	}
	defer stream.Close()

	outFrame := proto.EncodeSignedHello(ours)
	debugLogFrame("write", stream, outFrame)
	if err := writeFrameWithTimeout(stream, helloStreamTimeout, outFrame); err != nil {
		return peer, fmt.Errorf("network: write hello: %w", err)
	}
	if err := closeWrite(stream); err != nil {
		return peer, fmt.Errorf("network: close hello write side: %w", err)
	}
	data, err := readFrameWithTimeout(stream, helloStreamTimeout)
	if err != nil {
		return peer, fmt.Errorf("network: read hello response: %w", err)
	}
	debugLogFrame("read", stream, data)
	return proto.DecodeSignedHello(data)
}

// ServeHelloStream is the accept-side counterpart: read the peer's hello
// request off a freshly-accepted bidirectional stream, then write ours
// back on the same stream.
func ServeHelloStream(stream *quic.Stream, ours proto.SignedHello) (proto.SignedHello, error) {
	var peer proto.SignedHello
	data, err := readFrameWithTimeout(stream, helloStreamTimeout)
	if err != nil {
		return peer, fmt.Errorf("network: read hello request: %w", err)
	}
	debugLogFrame("read", stream, data)
	peer, err = proto.DecodeSignedHello(data)
	if err != nil {
		return peer, err
	}
	outFrame := proto.EncodeSignedHello(ours)
	debugLogFrame("write", stream, outFrame)
	if err := writeFrameWithTimeout(stream, helloStreamTimeout, outFrame); err != nil {
		return peer, fmt.Errorf("network: write hello response: %w", err)
	}
	return peer, closeWrite(stream)
}

func closeWrite(stream *quic.Stream) error {
	if stream == nil {
		return nil
	}
	if cw, ok := any(stream).(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// SendGossip delivers one SignedEnvelope frame on a fresh unidirectional
// stream and closes the stream's write side. The receive side
// (ReceiveGossip) reads exactly one length-prefixed frame; it does not
// wait for the end of the stream and does not check for trailing bytes.
func SendGossip(ctx context.Context, conn *quic.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, streamRWTimeout)
	defer cancel()
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("network: open gossip stream: %w", err)
	}
	if err := writeFrameWithTimeout(stream, streamRWTimeout, frame); err != nil {
		_ = stream.Close()
		return fmt.Errorf("network: write gossip frame: %w", err)
	}
	return stream.Close()
}

// ReceiveGossip reads the single frame carried by an accepted
// unidirectional stream.
func ReceiveGossip(stream *quic.ReceiveStream) ([]byte, error) {
	return readFrameWithTimeout(stream, streamRWTimeout)
}
