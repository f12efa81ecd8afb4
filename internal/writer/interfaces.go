package writer

import (
	"time"

	"github.com/chunkfs/chunkfs/internal/iobuf"
	"github.com/chunkfs/chunkfs/internal/protocol"
)

// OpOwner receives exactly one completion per enqueued op. A completion
// delivered with canceled set means the owner already moved on; no state
// transition may follow.
type OpOwner interface {
	OpDone(op protocol.Op, canceled bool, payload *iobuf.Queue)
}

// MetaClient is the meta server RPC transport. Enqueue reports false only
// on immediate (non-retryable) enqueue failure; otherwise the op completes
// through the owner.
type MetaClient interface {
	Enqueue(op protocol.Op, owner OpOwner, extraTimeout time.Duration) bool
	Cancel(op protocol.Op, owner OpOwner)
	OpTimeout() time.Duration
}

// ChunkClient is a per-connection chunk server RPC transport. Each worker
// owns one; all retry policy lives in the worker, so the client itself never
// retries and an op timeout does not reset the connection.
type ChunkClient interface {
	Enqueue(op protocol.Op, owner OpOwner, payload *iobuf.Queue, extraTimeout time.Duration) bool
	Cancel(op protocol.Op, owner OpOwner)
	Stop()
	SetServer(loc protocol.ServerLocation, cancelPending bool) error
	SetKey(id, key []byte)
	SetShutdownSSL(on bool)
	SetRPCFormat(f protocol.RPCFormat)
	SetOpTimeout(d time.Duration)
	SetRetryConnectOnly(on bool)
	SessionKey() []byte
	Server() protocol.ServerLocation
	Stats() ChunkClientStats
}

// ChunkClientFactory creates the RPC client for a new chunk worker.
// initialSeq seeds the client's op sequence numbers so sequences are
// disjoint across workers.
type ChunkClientFactory func(initialSeq int64) ChunkClient

// ChunkClientStats are per-connection transport counters, aggregated into
// the writer's totals when a worker is torn down.
type ChunkClientStats struct {
	OpsEnqueued int64
	OpsDone     int64
	OpsCanceled int64
	OpsTimedOut int64
	BytesSent   int64
	Connects    int64
}

// Add folds other into s.
func (s *ChunkClientStats) Add(other ChunkClientStats) {
	s.OpsEnqueued += other.OpsEnqueued
	s.OpsDone += other.OpsDone
	s.OpsCanceled += other.OpsCanceled
	s.OpsTimedOut += other.OpsTimedOut
	s.BytesSent += other.BytesSent
	s.Connects += other.Connects
}

// Completion is the application-visible completion sink. Done is emitted on
// every successful RPC with the acknowledged file range, on striper
// invalidation with the invalidated range, and once with (0, 0) on final
// close. status is zero or the latched writer error.
type Completion interface {
	Done(w *Writer, status int, offset, size int64)
	// Unregistered is called when the sink is replaced via Register.
	Unregistered(w *Writer)
}

// Stats is a snapshot of writer counters, kept alongside the Prometheus
// metrics so callers can poll without scraping.
type Stats struct {
	MetaOpsQueued      int64
	MetaOpsCancelled   int64
	ChunkOpsQueued     int64
	SleepTimeSec       int64
	ChunkAllocCount    int64
	OpsWriteCount      int64
	OpsWriteByteCount  int64
	AllocRetriesCount  int64
	RetriesCount       int64
	WriteCount         int64
	WriteByteCount     int64
	BufferCompactions  int64
	InvalidationsCount int64
	TruncateRetries    int64
}

// Clear zeroes the snapshot.
func (s *Stats) Clear() { *s = Stats{} }
