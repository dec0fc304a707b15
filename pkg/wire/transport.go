package wire

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/coreraft/raftkv/pkg/apperr"
)

// Handler processes an inbound request frame's payload and returns the
// reply payload (or an error, translated to a wire-level error code by
// the caller). The msgType identifies which RPC this is (RequestVote,
// AppendEntries, InstallSnapshot, or a command-layer message).
type Handler func(ctx context.Context, from string, msgType string, payload []byte) ([]byte, error)

// Transport is a length-framed, authenticated, duplex TCP transport
// with one pooled connection per peer, grounded on pkg/rpc/client.go's
// getConn/removeConn pattern generalized to a bidirectional,
// multiplexed, id-correlated protocol instead of one gob value per
// round trip.
type Transport struct {
	selfID string

	sessionKey []byte

	connectTimeout time.Duration
	rpcTimeout     time.Duration

	logger *zap.Logger

	mu       sync.Mutex
	conns    map[string]*peerConn // keyed by dial address (outbound) or announced peer-id (inbound)
	listener net.Listener
	handler  Handler
	closed   bool
}

// New constructs a Transport. sessionKey may be nil to disable RPC
// authentication.
func New(selfID string, sessionKey []byte, connectTimeout, rpcTimeout time.Duration, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		selfID:         selfID,
		sessionKey:     sessionKey,
		connectTimeout: connectTimeout,
		rpcTimeout:     rpcTimeout,
		logger:         logger,
		conns:          make(map[string]*peerConn),
	}
}

// Serve binds network/listenAddr, installs handler for inbound
// requests, and accepts connections until ctx is cancelled or Close is
// called.
func (t *Transport) Serve(ctx context.Context, network, listenAddr string, handler Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("wire: transport closed")
	}
	t.handler = handler
	ln, err := net.Listen(network, listenAddr)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("wire: listen %s %s: %w", network, listenAddr, err)
	}
	t.listener = ln
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("wire: accept: %w", err)
			}
		}
		go t.acceptConn(ctx, nc)
	}
}

// acceptConn completes the handshake an inbound connection's
// initiator sends (its peer-id, spec §4.4), then either registers the
// connection under that id or rejects it as a second simultaneous
// connection from a peer this transport already has a live connection
// to.
func (t *Transport) acceptConn(ctx context.Context, nc net.Conn) {
	nc.SetReadDeadline(time.Now().Add(t.connectTimeout))
	peerID, err := readHandshake(nc, t.sessionKey)
	nc.SetReadDeadline(time.Time{})
	if err != nil {
		t.logger.Warn("wire: rejecting connection with no valid handshake",
			zap.String("remote", nc.RemoteAddr().String()), zap.Error(err))
		nc.Close()
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		nc.Close()
		return
	}
	if existing, ok := t.conns[peerID]; ok && !existing.isClosed() {
		t.mu.Unlock()
		t.logger.Warn("wire: rejecting duplicate simultaneous connection", zap.String("peer", peerID))
		nc.Close()
		return
	}
	t.mu.Unlock()

	pc := t.newConn(nc, peerID)
	pc.readLoop(ctx)
}

// Call sends msgType/payload to target and blocks for its reply,
// bounded by rpcTimeout (or ctx, whichever is sooner).
func (t *Transport) Call(ctx context.Context, targetDial, targetID, msgType string, payload []byte) ([]byte, error) {
	pc, err := t.dial(targetDial)
	if err != nil {
		return nil, translateDialErr(err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.rpcTimeout)
	defer cancel()

	return pc.call(ctx, msgType, payload)
}

func (t *Transport) dial(targetDial string) (*peerConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, apperr.ErrNodeStopped
	}
	if pc, ok := t.conns[targetDial]; ok && !pc.isClosed() {
		t.mu.Unlock()
		return pc, nil
	}
	t.mu.Unlock()

	nc, err := net.DialTimeout("tcp", targetDial, t.connectTimeout)
	if err != nil {
		return nil, err
	}
	if err := sendHandshake(nc, t.selfID, t.sessionKey); err != nil {
		nc.Close()
		return nil, fmt.Errorf("wire: handshake: %w", err)
	}

	pc := t.newConn(nc, targetDial)
	go pc.readLoop(context.Background())
	return pc, nil
}

// sendHandshake identifies this transport to a newly dialed peer by
// its selfID, so the peer's listener can key the inbound connection by
// peer-id instead of the ephemeral source port and reject a second
// simultaneous connection from the same peer (spec §4.4).
func sendHandshake(nc net.Conn, selfID string, sessionKey []byte) error {
	f := Frame{Kind: KindHandshake, Type: selfID}
	f.MAC = sign(sessionKey, f.ID, f.Kind, f.Type, f.Body)
	return writeFrame(nc, f)
}

// readHandshake reads and authenticates the peer-id a connection's
// initiator announces itself with.
func readHandshake(nc net.Conn, sessionKey []byte) (string, error) {
	f, err := readFrame(nc)
	if err != nil {
		return "", err
	}
	if f.Kind != KindHandshake {
		return "", fmt.Errorf("expected handshake frame, got kind %d", f.Kind)
	}
	if !verify(sessionKey, f) {
		return "", fmt.Errorf("handshake failed authentication")
	}
	if f.Type == "" {
		return "", fmt.Errorf("handshake missing peer id")
	}
	return f.Type, nil
}

func (t *Transport) newConn(nc net.Conn, key string) *peerConn {
	pc := &peerConn{
		nc:         nc,
		transport:  t,
		pending:    make(map[uint64]chan Frame),
		remoteAddr: key,
	}
	t.mu.Lock()
	t.conns[key] = pc
	t.mu.Unlock()
	return pc
}

func (t *Transport) forget(key string) {
	t.mu.Lock()
	delete(t.conns, key)
	t.mu.Unlock()
}

// Close shuts down the listener and every pooled connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln := t.listener
	conns := make([]*peerConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[string]*peerConn)
	t.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.close()
	}
	return nil
}

func translateDialErr(err error) error {
	if err == nil {
		return nil
	}
	var nerr net.Error
	if ok := asNetError(err, &nerr); ok && nerr.Timeout() {
		return apperr.ErrTimedOut
	}
	return fmt.Errorf("%w: %v", apperr.ErrConnRefused, err)
}

func asNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if ok {
		*target = ne
	}
	return ok
}

// peerConn is a single duplex connection to one peer, carrying both
// outgoing requests and their matching replies (and, symmetrically,
// inbound requests initiated by the peer), multiplexed by Frame.ID.
type peerConn struct {
	nc         net.Conn
	transport  *Transport
	remoteAddr string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan Frame
	nextID  uint64
	closed  atomic.Bool
}

func (c *peerConn) isClosed() bool { return c.closed.Load() }

func (c *peerConn) close() {
	if c.closed.Swap(true) {
		return
	}
	c.nc.Close()
	c.mu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = nil
	c.mu.Unlock()
	c.transport.forget(c.remoteAddr)
}

func (c *peerConn) call(ctx context.Context, msgType string, payload []byte) ([]byte, error) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	replyCh := make(chan Frame, 1)
	c.pending[id] = replyCh
	c.mu.Unlock()

	frame := Frame{ID: id, Kind: KindRequest, Type: msgType, Body: payload}
	frame.MAC = sign(c.transport.sessionKey, id, KindRequest, msgType, payload)

	c.writeMu.Lock()
	err := writeFrame(c.nc, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.close()
		return nil, fmt.Errorf("%w: %v", apperr.ErrConnReset, err)
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, apperr.ErrConnAborted
		}
		if reply.ErrCode != "" {
			return nil, apperr.NewWireError(apperr.Code(reply.ErrCode), reply.ErrMsg, reply.ErrTerm, reply.ErrHint)
		}
		return reply.Body, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, apperr.ErrTimedOut
	}
}

func (c *peerConn) readLoop(ctx context.Context) {
	defer c.close()
	for {
		f, err := readFrame(c.nc)
		if err != nil {
			return
		}

		switch f.Kind {
		case KindReply:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
			}

		case KindRequest:
			if !verify(c.transport.sessionKey, f) {
				c.writeReply(f.ID, nil, apperr.EACCES, "invalid MAC", 0, "")
				continue
			}
			go c.handleRequest(ctx, f)
		}
	}
}

func (c *peerConn) handleRequest(ctx context.Context, f Frame) {
	handler := c.transport.handler
	if handler == nil {
		c.writeReply(f.ID, nil, apperr.ECONNABORTED, "no handler installed", 0, "")
		return
	}

	reply, err := handler(ctx, c.remoteAddr, f.Type, f.Body)
	if err != nil {
		code, msg, term, hint := apperr.Decompose(err)
		c.writeReply(f.ID, nil, code, msg, term, hint)
		return
	}
	c.writeReply(f.ID, reply, "", "", 0, "")
}

func (c *peerConn) writeReply(id uint64, body []byte, code apperr.Code, msg string, term uint64, hint string) {
	frame := Frame{
		ID:      id,
		Kind:    KindReply,
		Body:    body,
		ErrCode: string(code),
		ErrMsg:  msg,
		ErrTerm: term,
		ErrHint: hint,
	}
	frame.MAC = sign(c.transport.sessionKey, id, KindReply, frame.Type, body)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeFrame(c.nc, frame); err != nil {
		c.transport.logger.Debug("wire: failed to write reply", zap.Error(err))
	}
}
