// internal/daemon/transport.go
package daemon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"

	"nodemesh/internal/debuglog"
	"nodemesh/internal/merr"
	"nodemesh/internal/metrics"
	"nodemesh/internal/network"
	"nodemesh/internal/node"
	"nodemesh/internal/proto"
)

// cmdQueueSize bounds the Engine→Transport command channel. Spec's
// recommended order of magnitude; saturation is handled by the Engine
// (Enqueue returns false rather than blocking).
const cmdQueueSize = 1024

// inboxQueueSize bounds the Transport→Engine inbound-message channel. A
// send here is allowed to suspend the delivering stream handler — that is
// the one legitimate backpressure suspension point in the transport.
const inboxQueueSize = 1024

// CommandKind discriminates the three Transport commands the Engine can
// issue, per the transport's outbound-commands contract.
type CommandKind int

const (
	SendToNode CommandKind = iota
	SendToAddr
	DropConn
)

// Command is one TransportCommand. AddrHint is only consulted for
// SendToNode when no cached connection or address is on file yet.
type Command struct {
	Kind     CommandKind
	NodeID   node.NodeID
	Addr     string
	AddrHint string
	Envelope proto.SignedEnvelope
}

// InboundMessage is a gossip envelope that has cleared the identity
// handshake. VerifiedNodeID is the TLS-authenticated identity of the
// delivering connection — the Engine must route on this, never on
// Envelope.Payload.Originator.
type InboundMessage struct {
	VerifiedNodeID node.NodeID
	PeerAddr       string
	Envelope       proto.SignedEnvelope
}

// Transport owns the QUIC listener, the connection cache, and the stream
// permit pool. It is the only actor that touches the network.
type Transport struct {
	self     *node.Node
	files    network.TLSFiles
	quicConf *quic.Config

	listener   *quic.Listener
	pool       *network.ConnPool
	limiter    *network.StreamLimiter
	metrics    *metrics.Metrics
	selfCertFP [32]byte

	cmds  chan Command
	inbox chan InboundMessage

	nextConnID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// maxConcurrentStreams is the global-and-per-connection inbound stream
// ceiling (MAX_CONCURRENT_STREAMS).
const maxConcurrentStreams = 256

// NewTransport binds the QUIC endpoint on addr and returns an unstarted
// Transport. Callers must call Run to begin accepting connections.
func NewTransport(self *node.Node, addr string, files network.TLSFiles, m *metrics.Metrics) (*Transport, error) {
	tlsConf, err := network.ServerTLSConfig(files)
	if err != nil {
		return nil, merr.New(merr.Tls, "build server tls config", err)
	}
	quicConf := network.QUICConfig(maxConcurrentStreams)
	listener, err := network.Listen(addr, tlsConf, quicConf)
	if err != nil {
		return nil, merr.New(merr.Configuration, "bind p2p_addr", err)
	}
	selfCertFP, err := network.LeafCertFingerprint(tlsConf.Certificates[0])
	if err != nil {
		return nil, merr.New(merr.Tls, "fingerprint own leaf certificate", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		self:       self,
		files:      files,
		quicConf:   quicConf,
		listener:   listener,
		pool:       network.NewConnPool(),
		limiter:    network.NewStreamLimiter(maxConcurrentStreams, maxConcurrentStreams),
		metrics:    m,
		selfCertFP: selfCertFP,
		cmds:       make(chan Command, cmdQueueSize),
		inbox:      make(chan InboundMessage, inboxQueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Addr reports the bound local address, useful when addr was "host:0".
func (t *Transport) Addr() string { return t.listener.Addr().String() }

// ConnectedIDs lists NodeIds with a live verified connection right now.
func (t *Transport) ConnectedIDs() []node.NodeID { return t.pool.ConnectedIDs() }

// Inbox is the channel Engine reads verified gossip deliveries from.
func (t *Transport) Inbox() <-chan InboundMessage { return t.inbox }

// Enqueue offers cmd on the command channel without blocking. The Engine
// must treat a false return as a BackpressureError: increment the
// counter and drop the command, per the bounded-channel backpressure
// policy.
func (t *Transport) Enqueue(cmd Command) bool {
	select {
	case t.cmds <- cmd:
		return true
	default:
		return false
	}
}

// Run drives the accept loop and the command-processing loop until ctx is
// canceled or Shutdown is called.
func (t *Transport) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		t.cancel()
	}()
	t.wg.Add(2)
	go t.acceptLoop()
	go t.commandLoop()
}

// Shutdown stops accepting new connections and waits for in-flight
// handlers to drain, aborting after deadline.
func (t *Transport) Shutdown(deadline time.Duration) error {
	t.cancel()
	_ = t.listener.Close()
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		close(t.inbox)
		return nil
	case <-time.After(deadline):
		return fmt.Errorf("daemon: transport shutdown exceeded %s", deadline)
	}
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			debuglog.Debugf("transport: accept loop exiting: %v", err)
			return
		}
		t.wg.Add(1)
		go t.handleAcceptedConn(conn)
	}
}

func (t *Transport) commandLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case cmd := <-t.cmds:
			t.handleCommand(cmd)
		}
	}
}

func (t *Transport) handleCommand(cmd Command) {
	switch cmd.Kind {
	case DropConn:
		if qc := t.pool.Drop(cmd.NodeID); qc != nil {
			_ = qc.CloseWithError(0, "dropped")
		}
		t.refreshGauges()
	case SendToNode:
		if c, ok := t.pool.Get(cmd.NodeID); ok {
			t.wg.Add(1)
			go t.sendOnConn(c.QUIC, cmd.Envelope)
			return
		}
		if c, ok := t.pool.GetByAddr(cmd.AddrHint); ok && cmd.AddrHint != "" {
			t.wg.Add(1)
			go t.sendOnConn(c.QUIC, cmd.Envelope)
			return
		}
		if cmd.AddrHint == "" {
			debuglog.Debugf("transport: no route to %s, dropping send", cmd.NodeID)
			return
		}
		t.wg.Add(1)
		go t.dialSendAndCache(cmd.AddrHint, cmd.Envelope)
	case SendToAddr:
		if c, ok := t.pool.GetByAddr(cmd.Addr); ok {
			t.wg.Add(1)
			go t.sendOnConn(c.QUIC, cmd.Envelope)
			return
		}
		t.wg.Add(1)
		go t.dialSendAndCache(cmd.Addr, cmd.Envelope)
	}
}

// refreshGauges pushes the live connection count and in-flight gossip
// stream count into metrics. Called after every event that can move
// either: connection admit/drop, and stream acquire/release.
func (t *Transport) refreshGauges() {
	if t.metrics != nil {
		t.metrics.SetCurrentConns(t.pool.Len())
		t.metrics.SetCurrentStreams(t.limiter.InUse())
	}
}

// handleAcceptedConn runs the accept-side identity handshake and, on
// success, serves gossip streams for the life of the connection.
func (t *Transport) handleAcceptedConn(conn *quic.Conn) {
	defer t.wg.Done()

	helloCtx, cancel := context.WithTimeout(t.ctx, helloStreamTimeoutDaemon)
	stream, err := conn.AcceptStream(helloCtx)
	cancel()
	if err != nil {
		debuglog.Debugf("transport: hello stream not opened within timeout: %v", err)
		_ = conn.CloseWithError(0, "hello timeout")
		return
	}

	fp, err := network.PeerCertFingerprint(conn.ConnectionState().TLS)
	if err != nil {
		_ = conn.CloseWithError(0, "no peer certificate")
		return
	}
	ours := network.BuildHello(t.self, fp)
	peerHello, err := network.ServeHelloStream(stream, ours)
	if err != nil {
		debuglog.Debugf("transport: hello failed: %v", err)
		_ = conn.CloseWithError(0, "hello failed")
		return
	}
	peerID, ok := network.VerifyHello(peerHello, t.selfCertFP, time.Now())
	if !ok {
		_ = conn.CloseWithError(0, "hello signature or nonce invalid")
		return
	}
	if t.metrics != nil {
		t.metrics.IncRecvByType("hello")
	}

	winner, superseded := t.pool.Upsert(t.self.ID, peerID, network.Inbound, conn.RemoteAddr().String(), conn)
	t.refreshGauges()
	if superseded != nil {
		_ = superseded.CloseWithError(0, "superseded by collision tie-break")
	}
	if winner != conn {
		// Our own outbound dial already holds the winning connection;
		// this inbound duplicate has nothing left to serve.
		_ = conn.CloseWithError(0, "superseded by collision tie-break")
		return
	}

	connID := t.nextConnID.Add(1)
	t.serveGossipStreams(conn, peerID, connID)
}

func (t *Transport) serveGossipStreams(conn *quic.Conn, peerID node.NodeID, connID uint64) {
	defer t.limiter.Forget(connID)
	defer t.pool.DropIfCurrent(peerID, conn)
	defer t.refreshGauges()

	for {
		stream, err := conn.AcceptUniStream(t.ctx)
		if err != nil {
			return
		}
		release, err := t.limiter.Acquire(t.ctx, connID)
		if err != nil {
			stream.CancelRead(0)
			return
		}
		t.refreshGauges()
		t.wg.Add(1)
		go t.handleGossipStream(stream, peerID, conn.RemoteAddr().String(), release)
	}
}

func (t *Transport) handleGossipStream(stream *quic.ReceiveStream, peerID node.NodeID, addr string, release func()) {
	defer t.wg.Done()
	defer func() {
		release()
		t.refreshGauges()
	}()

	data, err := network.ReceiveGossip(stream)
	if err != nil {
		debuglog.Debugf("transport: gossip read failed from %s: %v", peerID, err)
		if t.metrics != nil {
			t.metrics.IncDropByReason(merr.Protocol)
		}
		return
	}
	env, err := proto.DecodeSignedEnvelope(data)
	if err != nil {
		debuglog.Debugf("transport: malformed gossip envelope from %s: %v", peerID, err)
		if t.metrics != nil {
			t.metrics.IncDropByReason(merr.Protocol)
		}
		return
	}
	if t.metrics != nil {
		t.metrics.IncRecvByType("gossip")
	}
	msg := InboundMessage{VerifiedNodeID: peerID, PeerAddr: addr, Envelope: env}
	select {
	case t.inbox <- msg:
	case <-t.ctx.Done():
	}
}

// dialOutbound opens a new QUIC connection, runs the outbound hello, and
// admits the result into the connection cache. On a collision loss it
// closes the freshly-dialed connection and returns the cache's winner.
func (t *Transport) dialOutbound(addr string) (*quic.Conn, node.NodeID, error) {
	tlsConf, err := network.ClientTLSConfig(t.files)
	if err != nil {
		return nil, node.NodeID{}, merr.New(merr.Tls, "build client tls config", err)
	}
	conn, err := network.Dial(t.ctx, addr, tlsConf, t.quicConf)
	if err != nil {
		return nil, node.NodeID{}, merr.New(merr.Transport, "dial "+addr, err)
	}

	fp, err := network.PeerCertFingerprint(conn.ConnectionState().TLS)
	if err != nil {
		_ = conn.CloseWithError(0, "no peer certificate")
		return nil, node.NodeID{}, merr.New(merr.Tls, "peer cert fingerprint", err)
	}
	ours := network.BuildHello(t.self, fp)
	peerHello, err := network.PerformOutboundHello(t.ctx, conn, ours)
	if err != nil {
		_ = conn.CloseWithError(0, "hello failed")
		return nil, node.NodeID{}, merr.New(merr.Protocol, "outbound hello to "+addr, err)
	}
	peerID, ok := network.VerifyHello(peerHello, t.selfCertFP, time.Now())
	if !ok {
		_ = conn.CloseWithError(0, "hello signature or nonce invalid")
		return nil, node.NodeID{}, merr.New(merr.Protocol, "hello signature or nonce from "+addr, nil)
	}

	winner, superseded := t.pool.Upsert(t.self.ID, peerID, network.Outbound, addr, conn)
	t.refreshGauges()
	if superseded != nil {
		_ = superseded.CloseWithError(0, "superseded by collision tie-break")
	}
	if winner == conn {
		connID := t.nextConnID.Add(1)
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.serveGossipStreams(conn, peerID, connID)
		}()
	}
	return winner, peerID, nil
}

func (t *Transport) dialSendAndCache(addr string, env proto.SignedEnvelope) {
	defer t.wg.Done()
	conn, _, err := t.dialOutbound(addr)
	if err != nil {
		debuglog.Debugf("transport: dial %s failed: %v", addr, err)
		return
	}
	t.sendOnConnSync(conn, env)
}

func (t *Transport) sendOnConn(conn *quic.Conn, env proto.SignedEnvelope) {
	defer t.wg.Done()
	t.sendOnConnSync(conn, env)
}

func (t *Transport) sendOnConnSync(conn *quic.Conn, env proto.SignedEnvelope) {
	payload := proto.EncodeSignedEnvelope(env)
	if err := network.SendGossip(t.ctx, conn, payload); err != nil {
		debuglog.Debugf("transport: send failed: %v", err)
	}
}

// helloStreamTimeoutDaemon mirrors network.helloStreamTimeout (unexported
// in that package); Transport enforces the same bound on the accept side
// while waiting for the peer to open its hello stream at all.
const helloStreamTimeoutDaemon = 5 * time.Second
