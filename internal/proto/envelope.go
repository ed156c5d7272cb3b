// internal/proto/envelope.go
package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single frame on the wire. It is enforced before
// any allocation: the 4-byte length prefix is validated against this cap
// before the payload buffer is ever sized.
const MaxMessageSize = 1 << 20

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("proto: empty payload")
	}
	if len(payload) > MaxMessageSize {
		return nil, fmt.Errorf("proto: payload too large (%d > %d)", len(payload), MaxMessageSize)
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

// ReadFrame reads one length-prefixed frame, reading the body in
// chunkSize increments into a buffer pre-sized to the declared length but
// never beyond MaxMessageSize — an oversize frame is rejected from the
// length prefix alone, before any body bytes are read.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxMessageSize {
		return nil, fmt.Errorf("proto: invalid frame size %d", n)
	}
	payload := make([]byte, n)
	const chunkSize = 32 << 10
	for read := 0; read < int(n); {
		end := read + chunkSize
		if end > int(n) {
			end = int(n)
		}
		m, err := io.ReadFull(r, payload[read:end])
		if err != nil {
			return nil, err
		}
		read += m
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("proto: short write")
		}
		total += n
	}
	return nil
}
