package rpc

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chunkfs/chunkfs/internal/protocol"
	"github.com/chunkfs/chunkfs/internal/runloop"
	"github.com/chunkfs/chunkfs/internal/writer"
)

// MetaClient is the meta server transport implementing writer.MetaClient.
// Unlike the chunk client it retries connection establishment itself, up to
// MaxConnectRetries, and reports StatusMaxRetryReached when that budget is
// exhausted.
type MetaClient struct {
	loop   *runloop.Loop
	logger zerolog.Logger

	server            protocol.ServerLocation
	tlsConfig         *tls.Config
	opTimeout         time.Duration
	maxConnectRetries int

	seq     int64
	conn    *websocket.Conn
	connGen int
	pending map[int64]*pendingOp
}

// MetaClientConfig configures a meta client.
type MetaClientConfig struct {
	Loop              *runloop.Loop
	Logger            zerolog.Logger
	Server            protocol.ServerLocation
	TLSConfig         *tls.Config
	OpTimeout         time.Duration // default 20s
	MaxConnectRetries int           // default 3
}

// NewMetaClient creates a meta client; the connection is established on
// first enqueue.
func NewMetaClient(cfg MetaClientConfig) *MetaClient {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 20 * time.Second
	}
	if cfg.MaxConnectRetries <= 0 {
		cfg.MaxConnectRetries = 3
	}
	return &MetaClient{
		loop:              cfg.Loop,
		logger:            cfg.Logger.With().Str("component", "meta-client").Logger(),
		server:            cfg.Server,
		tlsConfig:         cfg.TLSConfig,
		opTimeout:         cfg.OpTimeout,
		maxConnectRetries: cfg.MaxConnectRetries,
	}
}

// OpTimeout implements writer.MetaClient.
func (c *MetaClient) OpTimeout() time.Duration { return c.opTimeout }

// Enqueue implements writer.MetaClient.
func (c *MetaClient) Enqueue(op protocol.Op, owner writer.OpOwner, extraTimeout time.Duration) bool {
	if c.pending == nil {
		c.pending = make(map[int64]*pendingOp)
	}
	base := op.Base()
	c.seq++
	base.Seq = c.seq
	frame, err := encodeRequest(op, 0, false, false)
	if err != nil {
		c.logger.Error().Err(err).Stringer("op", op.Kind()).Msg("encode request")
		return false
	}
	p := &pendingOp{op: op, owner: owner}
	c.pending[base.Seq] = p
	if err := c.ensureConnected(); err != nil {
		c.logger.Error().Err(err).Stringer("server", c.server).Msg("connect")
		delete(c.pending, base.Seq)
		c.failMaxRetry(p, err)
		return true
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.handleConnError(err)
		return true
	}
	seq := base.Seq
	p.timer = c.loop.AfterFunc(c.opTimeout+extraTimeout, func() { c.opTimedOut(seq) })
	return true
}

// Cancel implements writer.MetaClient.
func (c *MetaClient) Cancel(op protocol.Op, owner writer.OpOwner) {
	for seq, p := range c.pending {
		if p.op == op && p.owner == owner {
			delete(c.pending, seq)
			if p.timer != nil {
				p.timer.Stop()
			}
			p.owner.OpDone(p.op, true, nil)
			return
		}
	}
}

// Stop drops the connection and cancels everything pending.
func (c *MetaClient) Stop() {
	c.dropConnection()
	for seq, p := range c.pending {
		delete(c.pending, seq)
		if p.timer != nil {
			p.timer.Stop()
		}
		p.owner.OpDone(p.op, true, nil)
	}
}

func (c *MetaClient) ensureConnected() error {
	if c.conn != nil {
		return nil
	}
	scheme := "wss"
	if c.tlsConfig == nil {
		scheme = "ws"
	}
	u := url.URL{Scheme: scheme, Host: c.server.String(), Path: "/meta"}
	dialer := websocket.Dialer{
		TLSClientConfig:  c.tlsConfig,
		HandshakeTimeout: c.opTimeout,
	}
	var lastErr error
	for i := 0; i < c.maxConnectRetries; i++ {
		conn, _, err := dialer.Dial(u.String(), nil)
		if err == nil {
			c.conn = conn
			c.connGen++
			gen := c.connGen
			go c.readPump(conn, gen)
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("meta connect after %d attempts: %w", c.maxConnectRetries, lastErr)
}

func (c *MetaClient) readPump(conn *websocket.Conn, gen int) {
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
			if p, ok := c.pending[frame.Seq]; ok {
				delete(c.pending, frame.Seq)
				if p.timer != nil {
					p.timer.Stop()
				}
				p.op.ParseResponse(&frame.Response)
				p.owner.OpDone(p.op, false, nil)
			}
		})
	}
}

func (c *MetaClient) opTimedOut(seq int64) {
	p, ok := c.pending[seq]
	if !ok {
		return
	}
	delete(c.pending, seq)
	base := p.op.Base()
	base.Status = protocol.StatusIO
	base.StatusMsg = "meta op timed out"
	base.LastError = protocol.StatusIO
	p.owner.OpDone(p.op, false, nil)
}

func (c *MetaClient) handleConnError(err error) {
	c.logger.Debug().Err(err).Stringer("server", c.server).Msg("connection error")
	c.dropConnection()
	for seq, p := range c.pending {
		delete(c.pending, seq)
		if p.timer != nil {
			p.timer.Stop()
		}
		c.failMaxRetry(p, err)
	}
}

func (c *MetaClient) failMaxRetry(p *pendingOp, err error) {
	base := p.op.Base()
	base.Status = protocol.StatusMaxRetryReached
	base.StatusMsg = err.Error()
	base.LastError = protocol.StatusIO
	p.owner.OpDone(p.op, false, nil)
}

func (c *MetaClient) dropConnection() {
	if c.conn == nil {
		return
	}
	c.connGen++
	_ = c.conn.Close()
	c.conn = nil
}

var _ writer.MetaClient = (*MetaClient)(nil)
var _ writer.ChunkClient = (*ChunkClient)(nil)
