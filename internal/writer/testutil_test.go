package writer

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/chunkfs/chunkfs/internal/iobuf"
	"github.com/chunkfs/chunkfs/internal/protocol"
	"github.com/chunkfs/chunkfs/internal/runloop"
)

// fakeMeta is an in-process meta transport: it records enqueued ops and the
// test delivers completions synchronously.
type fakeMeta struct {
	pending   []*metaCall
	opTimeout time.Duration
}

type metaCall struct {
	op    protocol.Op
	owner OpOwner
	extra time.Duration
}

func (m *fakeMeta) Enqueue(op protocol.Op, owner OpOwner, extraTimeout time.Duration) bool {
	m.pending = append(m.pending, &metaCall{op: op, owner: owner, extra: extraTimeout})
	return true
}

func (m *fakeMeta) Cancel(op protocol.Op, owner OpOwner) {
	for i, c := range m.pending {
		if c.op == op && c.owner == owner {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			c.owner.OpDone(c.op, true, nil)
			return
		}
	}
}

func (m *fakeMeta) OpTimeout() time.Duration { return m.opTimeout }

func (m *fakeMeta) pop(kind protocol.Kind) *metaCall {
	for i, c := range m.pending {
		if c.op.Kind() == kind {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return c
		}
	}
	return nil
}

// fakeChunkClient records enqueued ops for test-driven completion.
type fakeChunkClient struct {
	initialSeq  int64
	server      protocol.ServerLocation
	pending     []*chunkCall
	stops       int
	keyID, key  []byte
	sslShutdown bool
	format      protocol.RPCFormat
	opTimeout   time.Duration
	connectOnly bool
	stats       ChunkClientStats
}

type chunkCall struct {
	op      protocol.Op
	owner   OpOwner
	payload *iobuf.Queue
	extra   time.Duration
}

func (c *fakeChunkClient) Enqueue(op protocol.Op, owner OpOwner, payload *iobuf.Queue, extraTimeout time.Duration) bool {
	c.stats.OpsEnqueued++
	c.pending = append(c.pending, &chunkCall{op: op, owner: owner, payload: payload, extra: extraTimeout})
	return true
}

func (c *fakeChunkClient) Cancel(op protocol.Op, owner OpOwner) {
	for i, call := range c.pending {
		if call.op == op && call.owner == owner {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.stats.OpsCanceled++
			call.owner.OpDone(call.op, true, call.payload)
			return
		}
	}
}

func (c *fakeChunkClient) Stop() {
	c.stops++
	pending := c.pending
	c.pending = nil
	for _, call := range pending {
		c.stats.OpsCanceled++
		call.owner.OpDone(call.op, true, call.payload)
	}
}

func (c *fakeChunkClient) SetServer(loc protocol.ServerLocation, cancelPending bool) error {
	if cancelPending {
		c.Stop()
		c.stops--
	}
	c.server = loc
	return nil
}

func (c *fakeChunkClient) SetKey(id, key []byte)             { c.keyID, c.key = id, key }
func (c *fakeChunkClient) SetShutdownSSL(on bool)            { c.sslShutdown = on }
func (c *fakeChunkClient) SetRPCFormat(f protocol.RPCFormat) { c.format = f }
func (c *fakeChunkClient) SetOpTimeout(d time.Duration)      { c.opTimeout = d }
func (c *fakeChunkClient) SetRetryConnectOnly(on bool)       { c.connectOnly = on }
func (c *fakeChunkClient) SessionKey() []byte                { return nil }
func (c *fakeChunkClient) Server() protocol.ServerLocation   { return c.server }
func (c *fakeChunkClient) Stats() ChunkClientStats           { return c.stats }

func (c *fakeChunkClient) pop(kind protocol.Kind) *chunkCall {
	for i, call := range c.pending {
		if call.op.Kind() == kind {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return call
		}
	}
	return nil
}

// completionRecorder captures every completion delivered to the app.
type completionRecorder struct {
	events []completionEvent
	final  bool
}

type completionEvent struct {
	status int
	offset int64
	size   int64
}

func (r *completionRecorder) Done(w *Writer, status int, offset, size int64) {
	r.events = append(r.events, completionEvent{status: status, offset: offset, size: size})
	if offset == 0 && size == 0 && !w.isOpenFile() {
		r.final = true
	}
}

func (r *completionRecorder) Unregistered(*Writer) {}

func (r *completionRecorder) ackedBytes() int64 {
	var n int64
	for _, e := range r.events {
		n += e.size
	}
	return n
}

// harness wires a writer to fakes and a manual clock.
type harness struct {
	t       *testing.T
	clock   *runloop.Manual
	meta    *fakeMeta
	clients []*fakeChunkClient
	sink    *completionRecorder
	w       *Writer

	nextChunkID int64
	servers     []protocol.ServerLocation
	objectStore bool
	leaseSecs   int64
	prepReply   bool

	// every write prepare observed, for the alignment/overlap laws
	sentWrites []sentWrite

	allocsServed       int
	widServed          int
	closesServed       int
	leaseUpdatesServed int
	truncatesServed    int
	truncatedTo        int64
}

type sentWrite struct {
	chunkID     int64
	chunkOffset int64
	size        int
	begin, end  int
}

func newHarness(t *testing.T, tweak func(*Config)) *harness {
	h := &harness{
		t:           t,
		clock:       runloop.NewManual(time.Unix(1700000000, 0)),
		meta:        &fakeMeta{opTimeout: 20 * time.Second},
		sink:        &completionRecorder{},
		nextChunkID: 100,
		servers: []protocol.ServerLocation{
			{Host: "cs1", Port: 7000},
			{Host: "cs2", Port: 7000},
			{Host: "cs3", Port: 7000},
		},
		leaseSecs: 3600,
		prepReply: true,
	}
	cfg := Config{
		Meta: h.meta,
		NewChunkClient: func(initialSeq int64) ChunkClient {
			c := &fakeChunkClient{initialSeq: initialSeq}
			h.clients = append(h.clients, c)
			return c
		},
		Scheduler:          h.clock,
		Completion:         h.sink,
		Logger:             zerolog.Nop(),
		CSClearTextAllowed: true,
		MaxWriteSize:       1 << 20,
		TimeBetweenRetries: 15 * time.Second,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h.w = New(cfg)
	return h
}

func (h *harness) replyMeta(c *metaCall, r *protocol.Response) {
	c.op.ParseResponse(r)
	c.owner.OpDone(c.op, false, nil)
}

func (h *harness) replyChunk(c *chunkCall, r *protocol.Response) {
	c.op.ParseResponse(r)
	c.owner.OpDone(c.op, false, c.payload)
}

// serveAllocate answers the next pending allocate.
func (h *harness) serveAllocate() bool {
	c := h.meta.pop(protocol.KindAllocate)
	if c == nil {
		return false
	}
	h.nextChunkID++
	version := int64(1)
	if h.objectStore {
		version = -1
	}
	h.allocsServed++
	h.replyMeta(c, &protocol.Response{
		ChunkID:       h.nextChunkID,
		ChunkVersion:  version,
		ChunkServers:  h.servers,
		LeaseDuration: h.leaseSecs,
	})
	return true
}

// serveChunkOps answers every op pending on every chunk client. Returns
// the number of ops served.
func (h *harness) serveChunkOps() int {
	served := 0
	for _, c := range h.clients {
		for {
			if call := c.pop(protocol.KindWriteIDAlloc); call != nil {
				op := call.op.(*protocol.WriteIDAllocOp)
				ids := make([]protocol.WriteInfo, len(op.Servers))
				for i, s := range op.Servers {
					ids[i] = protocol.WriteInfo{Server: s, WriteID: int64(1000 + i)}
				}
				h.widServed++
				h.replyChunk(call, &protocol.Response{
					WritePrepReplySupported: h.prepReply,
					WriteIDStr:              protocol.FormatWriteIDList(ids, protocol.RPCFormatLong),
				})
				served++
				continue
			}
			if call := c.pop(protocol.KindWrite); call != nil {
				h.recordWrite(call)
				h.replyChunk(call, &protocol.Response{})
				served++
				continue
			}
			if call := c.pop(protocol.KindWritePrepare); call != nil {
				h.leaseUpdatesServed++
				h.replyChunk(call, &protocol.Response{})
				served++
				continue
			}
			if call := c.pop(protocol.KindClose); call != nil {
				h.closesServed++
				h.replyChunk(call, &protocol.Response{})
				served++
				continue
			}
			break
		}
	}
	return served
}

func (h *harness) recordWrite(call *chunkCall) {
	op := call.op.(*writeOp)
	h.sentWrites = append(h.sentWrites, sentWrite{
		chunkID:     op.Prepare.ChunkID,
		chunkOffset: op.Prepare.Offset,
		size:        op.Prepare.NumBytes,
		begin:       int(op.Prepare.Offset / protocol.ChecksumBlockSize),
		end: int(op.Prepare.Offset/protocol.ChecksumBlockSize) +
			(op.Prepare.NumBytes+protocol.ChecksumBlockSize-1)/protocol.ChecksumBlockSize,
	})
}

// serveTruncate answers a pending truncate, returning its target offset.
func (h *harness) serveTruncate(status int) (int64, bool) {
	c := h.meta.pop(protocol.KindTruncate)
	if c == nil {
		return 0, false
	}
	off := c.op.(*protocol.TruncateOp).FileOffset
	h.truncatesServed++
	h.truncatedTo = off
	h.replyMeta(c, &protocol.Response{Status: status})
	return off, true
}

// pump serves everything until the pipeline goes quiet.
func (h *harness) pump() {
	for i := 0; i < 1000; i++ {
		n := 0
		for h.serveAllocate() {
			n++
		}
		n += h.serveChunkOps()
		if _, ok := h.serveTruncate(0); ok {
			n++
		}
		if n == 0 {
			return
		}
	}
	h.t.Fatal("pump did not converge")
}

func (h *harness) openReplicated(t *testing.T) {
	t.Helper()
	require.NoError(t, h.w.Open(1, "/a", 0, StriperNone, 0, 0, 0, 3))
}

// serveWriteIDAlloc answers exactly one pending write id allocation.
func (h *harness) serveWriteIDAlloc() bool {
	for _, c := range h.clients {
		call := c.pop(protocol.KindWriteIDAlloc)
		if call == nil {
			continue
		}
		op := call.op.(*protocol.WriteIDAllocOp)
		ids := make([]protocol.WriteInfo, len(op.Servers))
		for i, s := range op.Servers {
			ids[i] = protocol.WriteInfo{Server: s, WriteID: int64(1000 + i)}
		}
		h.widServed++
		h.replyChunk(call, &protocol.Response{
			WritePrepReplySupported: h.prepReply,
			WriteIDStr:              protocol.FormatWriteIDList(ids, protocol.RPCFormatLong),
		})
		return true
	}
	return false
}

// checkWriteLaws asserts the per-op alignment invariant over every write
// sent: the op starts on a checksum block boundary, or it is a leading
// partial bounded by the next boundary; it never crosses the chunk end.
func (h *harness) checkWriteLaws(t *testing.T) {
	t.Helper()
	for _, sw := range h.sentWrites {
		end := sw.chunkOffset + int64(sw.size)
		require.LessOrEqual(t, end, int64(protocol.ChunkSize))
		if sw.chunkOffset%protocol.ChecksumBlockSize != 0 {
			next := (sw.chunkOffset/protocol.ChecksumBlockSize + 1) * protocol.ChecksumBlockSize
			require.LessOrEqual(t, end, next,
				"leading partial op must not cross the next checksum boundary")
		}
	}
}
