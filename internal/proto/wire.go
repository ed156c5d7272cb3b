// internal/proto/wire.go
package proto

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ProtoVersion is the single byte every canonical encoding in this package
// leads with. Receivers reject unknown versions explicitly rather than
// mis-parsing.
const ProtoVersion byte = 1

const (
	nodeIDSize    = 32
	signatureSize = 64
	nonceSize     = 32
)

// TelemetryPayload is the opaque fixed-schema record gossiped across the
// network.
type TelemetryPayload struct {
	Originator  [nodeIDSize]byte
	TimestampMs uint64
	Value       float64
	CommunityID uint32
	Sequence    uint64
}

// telemetryPayloadWireSize is 1 (version) + 32 (originator) + 8
// (timestamp_ms) + 8 (value) + 4 (community_id) + 8 (sequence).
const telemetryPayloadWireSize = 1 + nodeIDSize + 8 + 8 + 4 + 8

// EncodeTelemetryPayload produces the deterministic canonical byte
// encoding that is signed and verified. Field order and width are fixed;
// there is no framing ambiguity for a verifier to exploit.
func EncodeTelemetryPayload(p TelemetryPayload) []byte {
	buf := make([]byte, telemetryPayloadWireSize)
	buf[0] = ProtoVersion
	off := 1
	copy(buf[off:], p.Originator[:])
	off += nodeIDSize
	binary.BigEndian.PutUint64(buf[off:], p.TimestampMs)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], math.Float64bits(p.Value))
	off += 8
	binary.BigEndian.PutUint32(buf[off:], p.CommunityID)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], p.Sequence)
	return buf
}

func DecodeTelemetryPayload(data []byte) (TelemetryPayload, error) {
	var p TelemetryPayload
	if len(data) != telemetryPayloadWireSize {
		return p, fmt.Errorf("proto: telemetry payload has %d bytes, want %d", len(data), telemetryPayloadWireSize)
	}
	if data[0] != ProtoVersion {
		return p, fmt.Errorf("proto: unknown protocol version %d", data[0])
	}
	off := 1
	copy(p.Originator[:], data[off:off+nodeIDSize])
	off += nodeIDSize
	p.TimestampMs = binary.BigEndian.Uint64(data[off:])
	off += 8
	p.Value = math.Float64frombits(binary.BigEndian.Uint64(data[off:]))
	off += 8
	p.CommunityID = binary.BigEndian.Uint32(data[off:])
	off += 4
	p.Sequence = binary.BigEndian.Uint64(data[off:])
	return p, nil
}

// SignedEnvelope is (payload, signature).
type SignedEnvelope struct {
	Payload   TelemetryPayload
	Signature [signatureSize]byte
}

// EncodeSignedEnvelope appends the 64-byte Ed25519 signature to the
// canonical payload encoding. The version byte at offset 0 belongs to the
// payload encoding and is not duplicated.
func EncodeSignedEnvelope(e SignedEnvelope) []byte {
	payload := EncodeTelemetryPayload(e.Payload)
	out := make([]byte, len(payload)+signatureSize)
	copy(out, payload)
	copy(out[len(payload):], e.Signature[:])
	return out
}

func DecodeSignedEnvelope(data []byte) (SignedEnvelope, error) {
	var e SignedEnvelope
	if len(data) != telemetryPayloadWireSize+signatureSize {
		return e, fmt.Errorf("proto: signed envelope has %d bytes, want %d", len(data), telemetryPayloadWireSize+signatureSize)
	}
	payload, err := DecodeTelemetryPayload(data[:telemetryPayloadWireSize])
	if err != nil {
		return e, err
	}
	e.Payload = payload
	copy(e.Signature[:], data[telemetryPayloadWireSize:])
	return e, nil
}

// HelloPayload is the mandatory application-layer identity proof
// exchanged at the start of every connection.
type HelloPayload struct {
	NodeID      [nodeIDSize]byte
	Nonce       [nonceSize]byte
	TimestampMs uint64
}

const helloPayloadWireSize = 1 + nodeIDSize + nonceSize + 8

func EncodeHelloPayload(h HelloPayload) []byte {
	buf := make([]byte, helloPayloadWireSize)
	buf[0] = ProtoVersion
	off := 1
	copy(buf[off:], h.NodeID[:])
	off += nodeIDSize
	copy(buf[off:], h.Nonce[:])
	off += nonceSize
	binary.BigEndian.PutUint64(buf[off:], h.TimestampMs)
	return buf
}

func DecodeHelloPayload(data []byte) (HelloPayload, error) {
	var h HelloPayload
	if len(data) != helloPayloadWireSize {
		return h, fmt.Errorf("proto: hello payload has %d bytes, want %d", len(data), helloPayloadWireSize)
	}
	if data[0] != ProtoVersion {
		return h, fmt.Errorf("proto: unknown protocol version %d", data[0])
	}
	off := 1
	copy(h.NodeID[:], data[off:off+nodeIDSize])
	off += nodeIDSize
	copy(h.Nonce[:], data[off:off+nonceSize])
	off += nonceSize
	h.TimestampMs = binary.BigEndian.Uint64(data[off:])
	return h, nil
}

// SignedHello is the envelope exchanged on the dedicated hello stream.
type SignedHello struct {
	Payload   HelloPayload
	Signature [signatureSize]byte
}

func EncodeSignedHello(h SignedHello) []byte {
	payload := EncodeHelloPayload(h.Payload)
	out := make([]byte, len(payload)+signatureSize)
	copy(out, payload)
	copy(out[len(payload):], h.Signature[:])
	return out
}

func DecodeSignedHello(data []byte) (SignedHello, error) {
	var h SignedHello
	if len(data) != helloPayloadWireSize+signatureSize {
		return h, fmt.Errorf("proto: signed hello has %d bytes, want %d", len(data), helloPayloadWireSize+signatureSize)
	}
	payload, err := DecodeHelloPayload(data[:helloPayloadWireSize])
	if err != nil {
		return h, err
	}
	h.Payload = payload
	copy(h.Signature[:], data[helloPayloadWireSize:])
	return h, nil
}
