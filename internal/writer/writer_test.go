package writer

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkfs/chunkfs/internal/protocol"
)

func TestOpenParameterChecks(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.w.Open(0, "/a", 0, StriperNone, 0, 0, 0, 3), ErrParameters)
	assert.ErrorIs(t, h.w.Open(1, "", 0, StriperNone, 0, 0, 0, 3), ErrParameters)
	// Object store files cannot be reopened with data to overwrite.
	assert.ErrorIs(t, h.w.Open(1, "/a", 100, StriperNone, 0, 0, 0, 0), ErrSeek)

	require.NoError(t, h.w.Open(1, "/a", 0, StriperNone, 0, 0, 0, 3))
	// Same identity is idempotent, a different one is rejected.
	assert.NoError(t, h.w.Open(1, "/a", 0, StriperNone, 0, 0, 0, 3))
	assert.ErrorIs(t, h.w.Open(2, "/b", 0, StriperNone, 0, 0, 0, 3), ErrParameters)
}

func TestSingleWriteReplicatedFile(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.w.Open(1, "/a", 0, StriperNone, 0, 0, 0, 3))

	data := bytes.Repeat([]byte{0xa5}, 100*1024)
	n, err := h.w.WriteBytes(data, 0, true)
	require.NoError(t, err)
	require.EqualValues(t, len(data), n)

	h.pump()
	assert.Equal(t, 1, h.allocsServed)
	assert.Equal(t, 1, h.widServed)
	var sent int
	for _, sw := range h.sentWrites {
		sent += sw.size
	}
	assert.Equal(t, len(data), sent)
	h.checkWriteLaws(t)
	assert.EqualValues(t, 0, h.w.PendingSize())
	assert.EqualValues(t, len(data), h.sink.ackedBytes())

	require.NoError(t, h.w.Close())
	h.pump()
	assert.Equal(t, 1, h.closesServed)
	assert.Equal(t, 1, h.truncatesServed)
	assert.EqualValues(t, len(data), h.truncatedTo)
	assert.True(t, h.sink.final, "final (0, 0) completion")
	assert.False(t, h.w.IsOpen())
	assert.False(t, h.w.IsActive())
	assert.EqualValues(t, 0, h.w.PendingSize())
}

func TestWriteIDsParsedPerServer(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.w.Open(1, "/a", 0, StriperNone, 0, 0, 0, 3))
	_, err := h.w.WriteBytes(make([]byte, 4096), 0, true)
	require.NoError(t, err)
	require.True(t, h.serveAllocate())

	require.Len(t, h.clients, 1)
	call := h.clients[0].pop(protocol.KindWriteIDAlloc)
	require.NotNil(t, call)
	op := call.op.(*protocol.WriteIDAllocOp)
	require.Len(t, op.Servers, 3)

	// A reply whose id count does not match the server count is a failure.
	h.replyChunk(call, &protocol.Response{
		WritePrepReplySupported: true,
		WriteIDStr: protocol.FormatWriteIDList([]protocol.WriteInfo{
			{Server: h.servers[0], WriteID: 1},
		}, protocol.RPCFormatLong),
	})
	cw := h.w.workers[0]
	assert.Empty(t, cw.writeIDs)
	assert.Equal(t, 1, cw.retryCount)
}

func TestSmallAppendsCoalesceIntoPendingOp(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.w.Open(1, "/a", 0, StriperNone, 0, 0, 0, 3))

	_, err := h.w.WriteBytes(make([]byte, 1024), 0, true)
	require.NoError(t, err)
	_, err = h.w.WriteBytes(make([]byte, 1024), 1024, true)
	require.NoError(t, err)

	// The allocate is still outstanding, so both writes must share one
	// pending op with its original block range.
	require.Len(t, h.w.workers, 1)
	cw := h.w.workers[0]
	require.Len(t, cw.pendingQueue, 1)
	op := cw.pendingQueue[0]
	assert.Equal(t, 2048, op.buf.BytesAvailable())
	assert.Equal(t, 0, op.beginBlock)
	assert.Equal(t, 1, op.endBlock)
	assert.False(t, op.checksumValid)
	assert.EqualValues(t, 2048, cw.pendingCount)
}

func TestPartialBufferCompaction(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.MaxPartialBuffers = 2
		cfg.WriteThreshold = 1 << 20
	})
	require.NoError(t, h.w.Open(1, "/a", 0, StriperNone, 0, 0, 0, 3))

	// Large enough to take the reference-move path.
	big := make([]byte, 32*1024)
	_, err := h.w.WriteBytes(big, 0, false)
	require.NoError(t, err)
	stats, _ := h.w.GetStats()
	assert.EqualValues(t, 0, stats.BufferCompactions)

	_, err = h.w.WriteBytes(big, int64(len(big)), false)
	require.NoError(t, err)
	stats, _ = h.w.GetStats()
	assert.EqualValues(t, 1, stats.BufferCompactions)
	h.w.Stop()
}

func TestChunkBoundarySplit(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.w.Open(1, "/a", 0, StriperNone, 0, 0, 0, 3))

	off := int64(protocol.ChunkSize - 4096)
	_, err := h.w.WriteBytes(make([]byte, 8192), off, true)
	require.NoError(t, err)

	require.Len(t, h.w.workers, 2)
	var first, second *chunkWorker
	for _, cw := range h.w.workers {
		switch cw.fileOffset() {
		case 0:
			first = cw
		case int64(protocol.ChunkSize):
			second = cw
		}
	}
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.EqualValues(t, 4096, first.pendingCount)
	assert.EqualValues(t, 4096, second.pendingCount)
	require.Len(t, first.pendingQueue, 1)
	assert.EqualValues(t, protocol.ChunkSize-4096, first.pendingQueue[0].Prepare.Offset)
	require.Len(t, second.pendingQueue, 1)
	assert.EqualValues(t, 0, second.pendingQueue[0].Prepare.Offset)
	h.w.Stop()
}

func TestRetryableChunkServerFailure(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.w.Open(1, "/a", 0, StriperNone, 0, 0, 0, 3))

	_, err := h.w.WriteBytes(make([]byte, 65536), 0, true)
	require.NoError(t, err)
	require.True(t, h.serveAllocate())
	require.True(t, h.serveWriteIDAlloc()) // the write is now in flight

	cw := h.w.workers[0]
	call := h.clients[0].pop(protocol.KindWrite)
	require.NotNil(t, call)
	h.replyChunk(call, &protocol.Response{Status: protocol.StatusIO})

	// The op is back on the pending queue, blocks clear, worker asleep.
	require.Len(t, cw.pendingQueue, 1)
	assert.Empty(t, cw.inFlightQueue)
	assert.False(t, cw.inFlightBlocks.test(0))
	assert.Equal(t, 1, cw.retryCount)
	assert.True(t, cw.sleeping)

	h.clock.Advance(15 * time.Second)
	// The worker restarted from allocation; serve everything.
	h.pump()
	assert.Equal(t, 2, h.allocsServed)
	assert.Equal(t, 0, cw.retryCount, "retry count resets on success")
	assert.EqualValues(t, 65536, h.sink.ackedBytes())
	assert.EqualValues(t, 0, h.w.PendingSize())
}

func TestLeaseExpiryForcesReallocation(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.w.Open(1, "/a", 0, StriperNone, 0, 0, 0, 3))

	_, err := h.w.WriteBytes(make([]byte, 65536), 0, true)
	require.NoError(t, err)
	require.True(t, h.serveAllocate())
	require.True(t, h.serveWriteIDAlloc()) // leave the write in flight

	cw := h.w.workers[0]
	require.NotEmpty(t, cw.writeIDs)

	// Past leaseExpire + renew/2 the next dispatch restarts from
	// allocation; the pending ops survive.
	h.clock.Advance(250 * time.Second)
	_, err = h.w.WriteBytes(make([]byte, 65536), 65536, true)
	require.NoError(t, err)

	assert.Empty(t, cw.writeIDs, "write ids cleared by reset")
	assert.EqualValues(t, 131072, cw.pendingCount)
	require.NotEmpty(t, h.meta.pending, "re-allocation issued")
	h.pump()
	assert.Equal(t, 2, h.allocsServed)
	assert.EqualValues(t, 131072, h.sink.ackedBytes())
}

func TestInFlightBlockExclusion(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.w.Open(1, "/a", 0, StriperNone, 0, 0, 0, 3))

	_, err := h.w.WriteBytes(make([]byte, 1024), 0, true)
	require.NoError(t, err)
	require.True(t, h.serveAllocate())
	require.True(t, h.serveWriteIDAlloc()) // first write in flight

	// A second write into the same checksum block must not be issued
	// while the first is in flight.
	_, err = h.w.WriteBytes(make([]byte, 1024), 1024, true)
	require.NoError(t, err)
	cw := h.w.workers[0]
	require.Len(t, cw.inFlightQueue, 1)
	require.Len(t, cw.pendingQueue, 1)
	first := h.clients[0].pop(protocol.KindWrite)
	require.NotNil(t, first, "first write still in flight")
	assert.Nil(t, h.clients[0].pop(protocol.KindWrite), "no overlapping write sent")

	// Once the first completes, the second goes out.
	h.recordWrite(first)
	h.replyChunk(first, &protocol.Response{})
	h.pump()
	assert.EqualValues(t, 2048, h.sink.ackedBytes())
	h.checkWriteLaws(t)
}

func TestObjectStoreSequentialOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.objectStore = true
	require.NoError(t, h.w.Open(1, "/obj", 0, StriperNone, 0, 0, 0, 0))

	_, err := h.w.WriteBytes(make([]byte, 4096), 0, false)
	require.NoError(t, err)
	// Non-sequential writes fail with no side effects.
	before := h.w.PendingSize()
	_, err = h.w.WriteBytes(make([]byte, 10), 99999, false)
	assert.ErrorIs(t, err, ErrSeek)
	assert.Equal(t, before, h.w.PendingSize())
}

func TestObjectStoreCloseCommitsWithoutTruncate(t *testing.T) {
	h := newHarness(t, nil)
	h.objectStore = true
	require.NoError(t, h.w.Open(1, "/obj", 0, StriperNone, 0, 0, 0, 0))

	_, err := h.w.WriteBytes(make([]byte, 65536), 0, true)
	require.NoError(t, err)
	h.pump()
	cw := h.w.workers[0]
	assert.True(t, cw.keepLease, "object store blocks keep the lease")

	require.NoError(t, h.w.Close())
	h.pump()
	assert.Equal(t, 1, h.closesServed)
	assert.Equal(t, 0, h.truncatesServed, "object store close does not truncate")
	assert.True(t, h.sink.final)
}

func TestObjectStoreLeaseRenewal(t *testing.T) {
	h := newHarness(t, nil)
	h.objectStore = true
	require.NoError(t, h.w.Open(1, "/obj", 0, StriperNone, 0, 0, 0, 0))

	_, err := h.w.WriteBytes(make([]byte, 4096), 0, true)
	require.NoError(t, err)
	h.pump()
	cw := h.w.workers[0]
	require.True(t, cw.keepLease)
	require.True(t, cw.sleeping, "renewal sleep armed")

	// At the expiration point the worker sends a zero-byte prepare
	// instead of re-allocating.
	h.clock.Advance(200 * time.Second)
	served := h.serveChunkOps()
	require.Equal(t, 1, served)
	assert.Equal(t, 1, h.leaseUpdatesServed)
	assert.Equal(t, 1, h.allocsServed, "no re-allocation for a live lease")
	assert.True(t, cw.sleeping, "next renewal armed")
}

func TestStriperInvalidationGivesUpOnStripe(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.MaxRetryCount = -1 // no retries
	})
	require.NoError(t, h.w.Open(1, "/rs", 0, StriperRS, 65536, 2, 1, 3))

	row := make([]byte, 2*65536)
	_, err := h.w.WriteBytes(row, 0, true)
	require.NoError(t, err)
	// One worker per column: 2 data + 1 recovery.
	require.Len(t, h.w.workers, 3)

	// Fail the first column's allocation; with no retry budget the
	// striper sacrifices the column instead.
	call := h.meta.pop(protocol.KindAllocate)
	require.NotNil(t, call)
	require.EqualValues(t, 0, call.op.(*protocol.AllocateOp).FileOffset)
	h.replyMeta(call, &protocol.Response{Status: protocol.StatusIO})

	// The worker re-allocates with invalidate_all set.
	call = nil
	for _, c := range h.meta.pending {
		if a, ok := c.op.(*protocol.AllocateOp); ok && a.InvalidateAll {
			call = c
			break
		}
	}
	require.NotNil(t, call, "invalidate allocate issued")
	h.nextChunkID++
	h.replyMeta(call, &protocol.Response{ChunkID: h.nextChunkID, ChunkVersion: 1, ChunkServers: h.servers, LeaseDuration: h.leaseSecs})

	// Completion reports the stripe's pending bytes with the failure
	// status surfaced through the writer error code.
	var inval *completionEvent
	for i := range h.sink.events {
		if h.sink.events[i].size == 65536 {
			inval = &h.sink.events[i]
		}
	}
	require.NotNil(t, inval)
	assert.Equal(t, protocol.StatusIO, inval.status)
	assert.EqualValues(t, 0, inval.offset)
	assert.Equal(t, protocol.StatusIO, h.w.ErrorCode())
	// The invalidated column's worker dropped all of its state.
	var col0 *chunkWorker
	for _, cw := range h.w.workers {
		if cw.fileOffset() == 0 {
			col0 = cw
		}
	}
	require.NotNil(t, col0)
	assert.EqualValues(t, 0, col0.pendingCount)
	assert.Empty(t, col0.pendingQueue)
	assert.Empty(t, col0.writeIDs)
	h.w.Stop()
}

func TestNonSequentialReplicatedWriteFlushesThenReseeks(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.WriteThreshold = 1 << 20
	})
	require.NoError(t, h.w.Open(1, "/a", 0, StriperNone, 0, 0, 0, 3))

	_, err := h.w.WriteBytes(make([]byte, 10240), 0, false)
	require.NoError(t, err)
	// Below threshold: still staged.
	assert.Empty(t, h.w.workers)

	// The reseek forces the staged bytes out first.
	_, err = h.w.WriteBytes(make([]byte, 4096), 500000, false)
	require.NoError(t, err)
	require.NotEmpty(t, h.w.workers)
	assert.EqualValues(t, 10240+4096, h.w.PendingSize())

	require.NoError(t, h.w.Flush())
	h.pump()
	require.NoError(t, h.w.Close())
	h.pump()
	assert.EqualValues(t, 504096, h.truncatedTo)
	assert.True(t, h.sink.final)
	h.checkWriteLaws(t)
}

func TestSetWriteThresholdLoweringStartsWrite(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.WriteThreshold = 1 << 20
	})
	require.NoError(t, h.w.Open(1, "/a", 0, StriperNone, 0, 0, 0, 3))

	_, err := h.w.WriteBytes(make([]byte, 10240), 0, false)
	require.NoError(t, err)
	assert.Empty(t, h.w.workers)

	require.NoError(t, h.w.SetWriteThreshold(1024))
	require.NotEmpty(t, h.w.workers)
	assert.EqualValues(t, 10240, h.w.workers[0].pendingCount)
	h.w.Stop()
}

func TestFatalErrorAfterRetriesExhausted(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.MaxRetryCount = -1
	})
	require.NoError(t, h.w.Open(1, "/a", 0, StriperNone, 0, 0, 0, 3))

	_, err := h.w.WriteBytes(make([]byte, 4096), 0, true)
	require.NoError(t, err)
	call := h.meta.pop(protocol.KindAllocate)
	require.NotNil(t, call)
	h.replyMeta(call, &protocol.Response{Status: protocol.StatusIO})

	assert.Equal(t, protocol.StatusIO, h.w.ErrorCode())
	_, err = h.w.WriteBytes(make([]byte, 10), 4096, false)
	assert.ErrorIs(t, err, ErrIO)
}

func TestAllocateNoEntryIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.w.Open(1, "/a", 0, StriperNone, 0, 0, 0, 3))

	_, err := h.w.WriteBytes(make([]byte, 4096), 0, true)
	require.NoError(t, err)
	call := h.meta.pop(protocol.KindAllocate)
	require.NotNil(t, call)
	h.replyMeta(call, &protocol.Response{Status: protocol.StatusNoEntry})

	assert.Equal(t, protocol.StatusNoEntry, h.w.ErrorCode())
	_, err = h.w.WriteBytes(make([]byte, 10), 4096, false)
	assert.ErrorIs(t, err, ErrNoEntry)
}

func TestTruncateRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.w.Open(1, "/a", 0, StriperNone, 0, 0, 0, 3))

	_, err := h.w.WriteBytes(make([]byte, 4096), 0, true)
	require.NoError(t, err)
	h.pump()
	require.NoError(t, h.w.Close())

	// Serve the chunk close, then fail the first truncate.
	h.serveChunkOps()
	_, ok := h.serveTruncate(protocol.StatusIO)
	require.True(t, ok)
	assert.True(t, h.w.sleeping)
	assert.False(t, h.sink.final)

	h.clock.Advance(15 * time.Second)
	_, ok = h.serveTruncate(0)
	require.True(t, ok)
	assert.True(t, h.sink.final)
	stats, _ := h.w.GetStats()
	assert.EqualValues(t, 1, stats.TruncateRetries)
}

func TestStopDiscardsEverythingSilently(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.w.Open(1, "/a", 0, StriperNone, 0, 0, 0, 3))

	_, err := h.w.WriteBytes(make([]byte, 65536), 0, true)
	require.NoError(t, err)
	require.True(t, h.serveAllocate())
	h.serveChunkOps()

	events := len(h.sink.events)
	h.w.Stop()
	assert.Empty(t, h.w.workers)
	assert.Equal(t, events, len(h.sink.events), "no completions for discarded ops")
	assert.False(t, h.w.IsActive())
}

func TestIdleWorkerClosedOutsideOpenChunkBlock(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.w.Open(1, "/a", 0, StriperNone, 0, 0, 0, 3))

	// Fill and fully ack the first chunk's range, then write into the
	// second chunk; the first worker is now outside the head's open
	// chunk block window and gets closed.
	_, err := h.w.WriteBytes(make([]byte, 4096), 0, true)
	require.NoError(t, err)
	h.pump()
	require.Len(t, h.w.workers, 1)

	_, err = h.w.WriteBytes(make([]byte, 4096), int64(protocol.ChunkSize), true)
	require.NoError(t, err)
	h.pump()
	require.Len(t, h.w.workers, 1, "idle out-of-window worker closed")
	assert.EqualValues(t, protocol.ChunkSize, h.w.workers[0].fileOffset())
	assert.Equal(t, 1, h.closesServed)
}
