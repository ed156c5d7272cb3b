// internal/network/quic.go
package network

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	quic "github.com/quic-go/quic-go"

	"nodemesh/internal/debuglog"
	"nodemesh/internal/proto"
)

const (
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 10 * time.Second
	streamRWTimeout      = 10 * time.Second
	helloStreamTimeout   = 5 * time.Second
)

func debugLog(format string, args ...any) {
	debuglog.Debugf(format, args...)
}

// QUICConfig is the shared quic.Config used by both listener and dialer
// so idle/keepalive/handshake timing is consistent across a connection's
// lifetime regardless of which side initiated it.
func QUICConfig(maxConcurrentStreams int64) *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:             maxIdleTimeout,
		KeepAlivePeriod:            keepAlivePeriod,
		HandshakeIdleTimeout:       handshakeIdleTimeout,
		MaxIncomingStreams:         maxConcurrentStreams,
		MaxIncomingUniStreams:      maxConcurrentStreams,
		MaxStreamReceiveWindow:     uint64(proto.MaxMessageSize) * 2,
		MaxConnectionReceiveWindow: uint64(proto.MaxMessageSize) * 16,
	}
}

// Listen binds a QUIC endpoint on addr with the given mutual-TLS
// configuration.
func Listen(addr string, tlsConf *tls.Config, quicConf *quic.Config) (*quic.Listener, error) {
	return quic.ListenAddr(addr, tlsConf, quicConf)
}

// Dial opens a new QUIC connection to addr.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) (*quic.Conn, error) {
	debugLog("quic dial to %s", addr)
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	debugLog("quic conn established to %s", addr)
	return conn, nil
}

func streamIDString(s *quic.Stream) string {
	if s == nil {
		return "-"
	}
	return fmt.Sprintf("%d", s.StreamID())
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func previewBytes(b []byte, max int) string {
	if len(b) > max {
		b = b[:max]
	}
	return hex.EncodeToString(b)
}

// debugLogFrame is the shared trace point for every frame this node reads
// or writes over a stream — keyed by stream ID and a short hash/preview of
// the payload so two peers' debug logs can be lined up frame-for-frame
// without dumping full envelope contents.
func debugLogFrame(dir string, s *quic.Stream, payload []byte) {
	debugLog("frame %s stream=%s bytes=%d hash=%s preview=%s", dir, streamIDString(s), len(payload), hashHex(payload), previewBytes(payload, 16))
}

type deadlineReader interface {
	io.Reader
	SetReadDeadline(time.Time) error
}

type deadlineWriter interface {
	io.Writer
	SetWriteDeadline(time.Time) error
}

// readFrameWithTimeout reads one length-prefixed frame from r, aborting
// the read if it takes longer than d.
func readFrameWithTimeout(r deadlineReader, d time.Duration) ([]byte, error) {
	if err := r.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}
	return proto.ReadFrame(r)
}

// writeFrameWithTimeout writes one length-prefixed frame to w, aborting
// the write if it takes longer than d.
func writeFrameWithTimeout(w deadlineWriter, d time.Duration, payload []byte) error {
	if err := w.SetWriteDeadline(time.Now().Add(d)); err != nil {
		return err
	}
	return proto.WriteFrame(w, payload)
}
