package rpc

import (
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"

	"github.com/chunkfs/chunkfs/internal/iobuf"
	"github.com/chunkfs/chunkfs/internal/protocol"
	"github.com/chunkfs/chunkfs/internal/runloop"
	"github.com/chunkfs/chunkfs/internal/writer"
)

// sessionKeyInfo is the HKDF info string binding derived keys to this use.
const sessionKeyInfo = "chunkfs chunk server session key"

// ChunkClient is a per-connection chunk server transport implementing the
// writer.ChunkClient contract: exactly one completion per enqueued op, no
// internal retries, and op timeouts that fail the op without resetting the
// connection. All methods must be called from the run loop; completions are
// delivered back on it.
type ChunkClient struct {
	loop   *runloop.Loop
	logger zerolog.Logger

	server           protocol.ServerLocation
	tlsConfig        *tls.Config
	shutdownSSL      bool
	rpcFormat        protocol.RPCFormat
	retryConnectOnly bool
	opTimeout        time.Duration
	idleTimeout      time.Duration

	keyID      []byte
	key        []byte
	sessionKey []byte

	seq     int64
	conn    *websocket.Conn
	connGen int
	pending map[int64]*pendingOp
	idle    runloop.Timer
	stats   writer.ChunkClientStats
}

type pendingOp struct {
	op      protocol.Op
	owner   writer.OpOwner
	payload *iobuf.Queue
	timer   runloop.Timer
}

// ChunkClientConfig configures a chunk client.
type ChunkClientConfig struct {
	Loop        *runloop.Loop
	Logger      zerolog.Logger
	InitialSeq  int64
	OpTimeout   time.Duration // default 30s
	IdleTimeout time.Duration // default 5m
	TLSConfig   *tls.Config   // nil for clear text
}

// NewChunkClient creates a disconnected client; SetServer attaches it.
func NewChunkClient(cfg ChunkClientConfig) *ChunkClient {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return &ChunkClient{
		loop: cfg.Loop,
		logger: cfg.Logger.With().
			Str("component", "chunk-client").
			Str("conn_id", uuid.NewString()).
			Logger(),
		tlsConfig:   cfg.TLSConfig,
		opTimeout:   cfg.OpTimeout,
		idleTimeout: cfg.IdleTimeout,
		seq:         cfg.InitialSeq,
		pending:     make(map[int64]*pendingOp),
	}
}

// SetServer points the client at a chunk server. Pending ops are either
// canceled or failed depending on cancelPending. The connection itself is
// established lazily on the next enqueue.
func (c *ChunkClient) SetServer(loc protocol.ServerLocation, cancelPending bool) error {
	if !loc.IsValid() {
		return fmt.Errorf("invalid server location %q", loc.String())
	}
	if loc == c.server && c.conn != nil {
		return nil
	}
	c.dropConnection()
	c.flushPending(cancelPending)
	c.server = loc
	return nil
}

// Server returns the current server location.
func (c *ChunkClient) Server() protocol.ServerLocation { return c.server }

// SetKey installs chunk server access key material and derives the session
// key from it.
func (c *ChunkClient) SetKey(id, key []byte) {
	c.keyID = id
	c.key = key
	if len(key) == 0 {
		c.sessionKey = nil
		return
	}
	kdf := hkdf.New(sha256.New, key, id, []byte(sessionKeyInfo))
	out := make([]byte, 32)
	if _, err := io.ReadFull(kdf, out); err != nil {
		c.logger.Error().Err(err).Msg("session key derivation")
		c.sessionKey = nil
		return
	}
	c.sessionKey = out
}

// SessionKey returns the derived session key, nil without key material.
func (c *ChunkClient) SessionKey() []byte { return c.sessionKey }

// SetShutdownSSL selects clear text for connections dialed from now on: when
// on, the client dials without TLS. An open connection is left as it is.
func (c *ChunkClient) SetShutdownSSL(on bool) { c.shutdownSSL = on }

// SetRPCFormat selects the request encoding.
func (c *ChunkClient) SetRPCFormat(f protocol.RPCFormat) { c.rpcFormat = f }

// SetOpTimeout replaces the per-op timeout for subsequent enqueues.
func (c *ChunkClient) SetOpTimeout(d time.Duration) { c.opTimeout = d }

// SetRetryConnectOnly restricts reconnection to connection establishment;
// ops failed by a broken connection are not resent.
func (c *ChunkClient) SetRetryConnectOnly(on bool) { c.retryConnectOnly = on }

// Stats returns the transport counters.
func (c *ChunkClient) Stats() writer.ChunkClientStats { return c.stats }

// Enqueue sends the op, arming its timeout. The completion is delivered on
// the run loop. Returns false only when the op cannot be encoded.
func (c *ChunkClient) Enqueue(op protocol.Op, owner writer.OpOwner, payload *iobuf.Queue, extraTimeout time.Duration) bool {
	base := op.Base()
	c.seq++
	base.Seq = c.seq
	var raw []byte
	if payload != nil {
		raw = payload.Bytes()
	}
	wire, compressed := compressPayload(raw)
	frame, err := encodeRequest(op, len(wire), compressed, c.rpcFormat == protocol.RPCFormatShort)
	if err != nil {
		c.logger.Error().Err(err).Stringer("op", op.Kind()).Msg("encode request")
		return false
	}
	p := &pendingOp{op: op, owner: owner, payload: payload}
	c.pending[base.Seq] = p
	c.stats.OpsEnqueued++
	if err := c.ensureConnected(); err != nil {
		c.logger.Error().Err(err).Stringer("server", c.server).Msg("connect")
		delete(c.pending, base.Seq)
		c.failOp(p, protocol.StatusIO, "connect: "+err.Error())
		return true
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.handleConnError(err)
		return true
	}
	if len(wire) > 0 {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, wire); err != nil {
			c.handleConnError(err)
			return true
		}
	}
	c.stats.BytesSent += int64(len(frame) + len(wire))
	seq := base.Seq
	timeout := c.opTimeout + extraTimeout
	p.timer = c.loop.AfterFunc(timeout, func() { c.opTimedOut(seq) })
	c.armIdleTimer()
	return true
}

// Cancel delivers a canceled completion for the op if it is still pending.
func (c *ChunkClient) Cancel(op protocol.Op, owner writer.OpOwner) {
	for seq, p := range c.pending {
		if p.op == op && p.owner == owner {
			delete(c.pending, seq)
			if p.timer != nil {
				p.timer.Stop()
			}
			c.stats.OpsCanceled++
			p.owner.OpDone(p.op, true, p.payload)
			return
		}
	}
}

// Stop drops the connection and cancels everything pending.
func (c *ChunkClient) Stop() {
	c.dropConnection()
	c.flushPending(true)
}

func (c *ChunkClient) ensureConnected() error {
	if c.conn != nil {
		return nil
	}
	if !c.server.IsValid() {
		return fmt.Errorf("no server set")
	}
	scheme := "wss"
	dialer := websocket.Dialer{
		TLSClientConfig:  c.tlsConfig,
		HandshakeTimeout: c.opTimeout,
	}
	if c.tlsConfig == nil || c.shutdownSSL {
		scheme = "ws"
	}
	u := url.URL{Scheme: scheme, Host: c.server.String(), Path: "/chunk"}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	c.conn = conn
	c.connGen++
	c.stats.Connects++
	gen := c.connGen
	go c.readPump(conn, gen)
	return nil
}

func (c *ChunkClient) readPump(conn *websocket.Conn, gen int) {
	for {
		var frame replyFrame
		if err := conn.ReadJSON(&frame); err != nil {
			c.loop.Submit(func() {
				if c.connGen == gen {
					c.handleConnError(err)
				}
			})
			return
		}
		c.loop.Submit(func() {
			if c.connGen != gen {
				return
			}
			c.deliver(&frame)
		})
	}
}

func (c *ChunkClient) deliver(frame *replyFrame) {
	p, ok := c.pending[frame.Seq]
	if !ok {
		return // late reply for a timed out or canceled op
	}
	delete(c.pending, frame.Seq)
	if p.timer != nil {
		p.timer.Stop()
	}
	p.op.ParseResponse(&frame.Response)
	c.stats.OpsDone++
	c.armIdleTimer()
	p.owner.OpDone(p.op, false, p.payload)
}

func (c *ChunkClient) opTimedOut(seq int64) {
	p, ok := c.pending[seq]
	if !ok {
		return
	}
	delete(c.pending, seq)
	c.stats.OpsTimedOut++
	// An op timeout does not reset the connection; the worker decides
	// whether to tear down and retry.
	c.failOpDirect(p, protocol.StatusIO, "op timed out")
}

func (c *ChunkClient) handleConnError(err error) {
	c.logger.Debug().Err(err).Stringer("server", c.server).Msg("connection error")
	c.dropConnection()
	for seq, p := range c.pending {
		delete(c.pending, seq)
		c.failOp(p, protocol.StatusIO, "connection failure: "+err.Error())
	}
}

func (c *ChunkClient) failOp(p *pendingOp, status int, msg string) {
	if p.timer != nil {
		p.timer.Stop()
	}
	c.failOpDirect(p, status, msg)
}

func (c *ChunkClient) failOpDirect(p *pendingOp, status int, msg string) {
	base := p.op.Base()
	base.Status = status
	base.StatusMsg = msg
	base.LastError = status
	c.stats.OpsDone++
	p.owner.OpDone(p.op, false, p.payload)
}

func (c *ChunkClient) flushPending(cancel bool) {
	for seq, p := range c.pending {
		delete(c.pending, seq)
		if p.timer != nil {
			p.timer.Stop()
		}
		if cancel {
			c.stats.OpsCanceled++
			p.owner.OpDone(p.op, true, p.payload)
		} else {
			c.failOpDirect(p, protocol.StatusIO, "server changed")
		}
	}
}

func (c *ChunkClient) dropConnection() {
	if c.conn == nil {
		return
	}
	c.connGen++
	_ = c.conn.Close()
	c.conn = nil
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
}

func (c *ChunkClient) armIdleTimer() {
	if c.idle != nil {
		c.idle.Stop()
	}
	c.idle = c.loop.AfterFunc(c.idleTimeout, func() {
		if len(c.pending) == 0 {
			c.logger.Debug().Msg("idle disconnect")
			c.dropConnection()
		}
	})
}
