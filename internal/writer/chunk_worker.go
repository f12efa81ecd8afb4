package writer

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/chunkfs/chunkfs/internal/iobuf"
	"github.com/chunkfs/chunkfs/internal/protocol"
	"github.com/chunkfs/chunkfs/internal/runloop"
)

// blockBitset tracks which checksum blocks of the chunk have an op in
// flight (or reserved by a partially claimed pending op). Never two
// in-flight ops cover the same block.
type blockBitset [protocol.ChecksumBlocksPerChunk / 64]uint64

func (b *blockBitset) test(i int) bool { return b[i/64]&(1<<uint(i%64)) != 0 }
func (b *blockBitset) set(i int)       { b[i/64] |= 1 << uint(i%64) }
func (b *blockBitset) clear(i int)     { b[i/64] &^= 1 << uint(i%64) }

// writeOp is one checksum-block-aligned (or leading-partial) write RPC with
// its staged payload. It is the unit moved between the pending and in-flight
// queues.
type writeOp struct {
	protocol.WriteOp
	buf           iobuf.Queue
	beginBlock    int
	endBlock      int
	opStart       time.Time
	checksumValid bool
}

func (o *writeOp) initBlockRange() {
	o.beginBlock = int(o.Prepare.Offset / protocol.ChecksumBlockSize)
	o.endBlock = o.beginBlock +
		(o.buf.BytesAvailable()+protocol.ChecksumBlockSize-1)/protocol.ChecksumBlockSize
}

// chunkWorker is the per-chunk write state machine. It runs the RPC
// sequence allocate -> write id alloc -> write -> (lease renew) -> close,
// owns its chunk server RPC client, and handles all retry policy.
type chunkWorker struct {
	outer  *Writer
	client ChunkClient
	logger zerolog.Logger

	errorCode    int
	retryCount   int
	pendingCount int64

	openChunkBlockFileOffset int64
	maxChunkPos              int64
	opStartTime              time.Time

	writeIDs       []protocol.WriteInfo
	allocOp        protocol.AllocateOp
	writeIDAllocOp protocol.WriteIDAllocOp
	closeOp        protocol.CloseOp
	updateLeaseOp  protocol.WritePrepareOp
	lastOp         protocol.Op

	sleeping           bool
	closing            bool
	removed            bool
	keepLease          bool
	leaseUpdatePending bool

	opDoneFlag *bool

	inFlightBlocks blockBitset
	lease          LeaseCredentials

	leaseEndTime    time.Time
	leaseExpireTime time.Time

	sleepTimer runloop.Timer

	pendingQueue  []*writeOp
	inFlightQueue []*writeOp
}

func newChunkWorker(w *Writer) *chunkWorker {
	w.chunkServerInitialSeq += 10000
	cw := &chunkWorker{
		outer:  w,
		client: w.cfg.NewChunkClient(w.chunkServerInitialSeq),
		logger: w.logger.With().Str("component", "chunk-worker").Logger(),
	}
	cw.client.SetRetryConnectOnly(true)
	cw.allocOp.FileOffset = -1
	cw.allocOp.InvalidateAll = false
	// The most recently used worker is at the head.
	w.workers = append([]*chunkWorker{cw}, w.workers...)
	w.metrics.OpenWorkers.Inc()
	return cw
}

// destroy tears the worker down and removes it from the writer's list.
func (cw *chunkWorker) destroy() {
	if cw.removed {
		return
	}
	cw.shutdown()
	cw.outer.chunkClientStats.Add(cw.client.Stats())
	cw.removed = true
	w := cw.outer
	for i, p := range w.workers {
		if p == cw {
			w.workers = append(w.workers[:i], w.workers[i+1:]...)
			break
		}
	}
	w.metrics.OpenWorkers.Dec()
}

func (cw *chunkWorker) now() time.Time { return cw.outer.cfg.Scheduler.Now() }

// cancelClose aborts a pending close so a fresh write can reuse the worker.
func (cw *chunkWorker) cancelClose() { cw.closing = false }

// queueWrite partitions [offset, offset+size) of buf into checksum-aligned
// write ops on the pending queue. It guarantees that no completion is
// invoked, so the caller can update its own state before startWrite.
func (cw *chunkWorker) queueWrite(buf *iobuf.Queue, size int, offset int64, writeThreshold int) int64 {
	sz := buf.BytesAvailable()
	if size < sz {
		sz = size
	}
	if sz <= 0 {
		return 0
	}
	chunkOffset := offset % protocol.ChunkSize
	if cw.allocOp.FileOffset < 0 {
		cw.allocOp.FileOffset = offset - chunkOffset
		cw.openChunkBlockFileOffset = cw.allocOp.FileOffset -
			cw.allocOp.FileOffset%cw.outer.openChunkBlockSize
	}
	if rem := int(protocol.ChunkSize - chunkOffset); sz > rem {
		sz = rem
	}
	cw.outer.stats.WriteCount++
	cw.outer.stats.WriteByteCount += int64(sz)
	cw.outer.metrics.WritesTotal.Inc()
	cw.outer.metrics.WriteBytesTotal.Add(float64(sz))

	pos := chunkOffset
	// Try to append to the last pending op.
	if n := len(cw.pendingQueue); n > 0 {
		op := cw.pendingQueue[n-1]
		opSize := op.buf.BytesAvailable()
		opPos := op.Prepare.Offset
		if opPos+int64(opSize) == pos {
			head := int(opPos % protocol.ChecksumBlockSize)
			limit := cw.outer.maxWriteSize
			if head != 0 {
				limit = protocol.ChecksumBlockSize - head
			}
			nwr := limit - opSize
			if nwr > sz {
				nwr = sz
			}
			if nwr > 0 && opSize+nwr > protocol.ChecksumBlockSize {
				nwr -= (opSize + nwr) % protocol.ChecksumBlockSize
			}
			if nwr > 0 {
				op.buf.Move(buf, nwr)
				// Force checksum recomputation.
				op.checksumValid = false
				op.Prepare.Checksums = nil
				curBegin := op.beginBlock
				op.initBlockRange()
				op.beginBlock = curBegin
				sz -= nwr
				pos += int64(nwr)
			}
		}
	}
	thresh := writeThreshold
	if thresh < 1 {
		thresh = 1
	}
	if pos+int64(sz) >= protocol.ChunkSize {
		thresh = 1 // force drain at chunk end
	}
	blockOff := int(pos % protocol.ChecksumBlockSize)
	if blockOff > 0 && (sz >= thresh || blockOff+sz >= protocol.ChecksumBlockSize) {
		op := &writeOp{}
		op.Prepare.Offset = pos
		want := protocol.ChecksumBlockSize - blockOff
		if want > sz {
			want = sz
		}
		n := op.buf.Move(buf, want)
		sz -= n
		pos += int64(n)
		op.initBlockRange()
		cw.pendingQueue = append(cw.pendingQueue, op)
	}
	for sz >= thresh {
		opSize := cw.outer.maxWriteSize
		if opSize > sz {
			opSize = sz
		}
		if opSize > protocol.ChecksumBlockSize {
			opSize -= opSize % protocol.ChecksumBlockSize
		}
		op := &writeOp{}
		op.Prepare.Offset = pos
		n := op.buf.Move(buf, opSize)
		sz -= n
		pos += int64(n)
		op.initBlockRange()
		cw.pendingQueue = append(cw.pendingQueue, op)
	}
	nwr := pos - chunkOffset
	// Must be updated before startWrite, which can invoke completion
	// immediately on failure.
	cw.pendingCount += nwr
	if pos > cw.maxChunkPos {
		cw.maxChunkPos = pos
	}
	return nwr
}

// startWrite is the dispatcher: it inspects the queues, the lease, and the
// close state, and issues the next RPC. It must be the last call in any
// method that invokes it, as the completion chain may delete the worker.
func (cw *chunkWorker) startWrite() {
	if cw.sleeping && !cw.cancelLeaseUpdate() {
		return
	}
	cw.leaseUpdatePending = false
	if cw.errorCode != 0 && !cw.allocOp.InvalidateAll {
		if cw.lastOp != nil {
			cw.reset()
		}
		cw.closing = false
		return
	}
	if cw.closing && !cw.canWrite() {
		if len(cw.inFlightQueue) > 0 {
			return
		}
		if cw.lastOp == protocol.Op(&cw.closeOp) {
			return
		}
		// Try to close the chunk even if the chunk server disconnected,
		// to release the write lease.
		if cw.allocOp.ChunkID > 0 {
			// Wait for write id allocation completion with an object
			// store block write.
			if cw.lastOp != protocol.Op(&cw.writeIDAllocOp) ||
				cw.closeOp.ChunkID < 0 || cw.closeOp.ChunkVersion >= 0 {
				cw.closeChunk()
			}
			return
		}
		if cw.keepLease {
			if cw.lastOp != protocol.Op(&cw.allocOp) &&
				cw.lastOp != protocol.Op(&cw.writeIDAllocOp) {
				// Re-allocate the object block to recreate the lease.
				cw.reset()
				cw.allocateChunk()
			}
			return
		}
		cw.client.Stop()
		if cw.lastOp == protocol.Op(&cw.allocOp) {
			cw.outer.cfg.Meta.Cancel(cw.lastOp, cw)
		}
		cw.closing = false
		cw.allocOp.FileOffset = -1
		cw.allocOp.ChunkID = -1
		cw.reportCompletion(0, 0)
		return
	}
	if !cw.canWrite() && !cw.scheduleLeaseUpdate() {
		return
	}
	if cw.allocOp.ChunkID > 0 {
		deadline := cw.leaseExpireTime.Add(protocol.LeaseRenewTime / 2 * time.Second)
		if end := cw.leaseEndTime.Add(-time.Second); end.Before(deadline) {
			deadline = end
		}
		if !deadline.After(cw.now()) {
			// When a chunk server disconnects it might clean up the write
			// lease. Start over from chunk allocation.
			cw.logger.Debug().
				Stringer("server", cw.client.Server()).
				Bool("pending_empty", len(cw.pendingQueue) == 0).
				Msg("write lease expired, starting from chunk allocation")
			cw.reset()
			if !cw.canWrite() && !cw.scheduleLeaseUpdate() {
				// Do not preallocate a chunk after inactivity or error
				// when no data is pending.
				return
			}
		}
	}
	// Return immediately after write or allocate: both can invoke
	// completion, which in turn can delete this worker.
	if cw.allocOp.ChunkID > 0 && len(cw.writeIDs) > 0 {
		if cw.canWrite() {
			cw.write()
		} else {
			cw.updateLease()
		}
	} else if cw.lastOp == nil { // a close can be in flight
		cw.reset()
		cw.allocateChunk()
	}
}

// close drains the worker and releases the chunk.
func (cw *chunkWorker) close() {
	if !cw.closing && cw.isOpen() {
		cw.closing = true
		cw.startWrite()
	}
}

func (cw *chunkWorker) shutdown() {
	cw.reset()
	cw.pendingQueue = nil
	cw.closing = false
	cw.errorCode = 0
	cw.pendingCount = 0
}

func (cw *chunkWorker) fileOffset() int64 {
	if cw.errorCode != 0 {
		return -1
	}
	return cw.allocOp.FileOffset
}

func (cw *chunkWorker) isIdle() bool {
	return len(cw.pendingQueue) == 0 && len(cw.inFlightQueue) == 0 && !cw.closing
}

func (cw *chunkWorker) isOpen() bool {
	return cw.errorCode == 0 && cw.allocOp.FileOffset >= 0 && !cw.closing
}

func (cw *chunkWorker) openChunkBlockOffset() int64 {
	if cw.allocOp.FileOffset >= 0 {
		return cw.openChunkBlockFileOffset
	}
	return -1
}

func (cw *chunkWorker) canWrite() bool {
	return len(cw.pendingQueue) > 0 || cw.allocOp.InvalidateAll
}

func (cw *chunkWorker) updateLeaseExpirationTime() {
	e := cw.now().Add((protocol.LeaseIntervalSecs - protocol.LeaseRenewTime) * time.Second)
	if cw.leaseEndTime.Before(e) {
		e = cw.leaseEndTime
	}
	cw.leaseExpireTime = e
}

func (cw *chunkWorker) allocateChunk() {
	w := cw.outer
	if w.replicaCount == 0 && len(cw.allocOp.ChunkServers) > 0 {
		cw.allocOp.MasterServer = cw.allocOp.ChunkServers[0]
	} else if w.replicaCount != 0 {
		cw.allocOp.MasterServer = protocol.ServerLocation{}
	}
	cw.allocOp.Reset()
	cw.allocOp.FileID = w.fileID
	cw.allocOp.Path = w.path
	cw.allocOp.ChunkID = -1
	cw.allocOp.ChunkVersion = -1
	cw.allocOp.ChunkServers = nil
	cw.allocOp.LeaseDuration = -1
	cw.allocOp.AllowCSClearText = false
	cw.allocOp.AllCSShortRPC = false
	cw.allocOp.ChunkAccess = nil
	cw.allocOp.CSAccessToken = nil
	cw.allocOp.CSAccessKey = nil
	cw.allocOp.CSAccessIssuedTime = 0
	cw.allocOp.CSAccessValidForTime = 0
	w.stats.ChunkAllocCount++
	w.metrics.ChunkAllocsTotal.Inc()
	// Extra budget for allocations that require a chunk version change.
	metaTimeout := w.cfg.Meta.OpTimeout()
	extra := 5 * metaTimeout
	if w.cfg.OpTimeout > extra {
		extra = w.cfg.OpTimeout
	}
	extra -= metaTimeout
	if extra < 0 {
		extra = 0
	}
	cw.enqueueMeta(&cw.allocOp, extra)
}

func (cw *chunkWorker) allocDone(op *protocol.AllocateOp, canceled bool) {
	if canceled {
		return
	}
	if op.Status != 0 || (len(op.ChunkServers) == 0 && !op.InvalidateAll) {
		cw.allocOp.ChunkID = 0
		cw.handleError(op)
		return
	}
	if op.InvalidateAll {
		// Report all queued writes completed; the completion does not
		// expect the offset to match the original write offset with a
		// striper installed.
		size := cw.pendingCount
		offset := int64(0)
		if size > 0 {
			offset = cw.allocOp.FileOffset
		}
		cw.logger.Info().
			Int64("chunk", op.ChunkID).
			Int64("offset", cw.allocOp.FileOffset).
			Int("status", cw.errorCode).
			Int64("pending", size).
			Msg("stripe invalidate done")
		cw.outer.stats.InvalidationsCount++
		cw.outer.metrics.InvalidationsTotal.Inc()
		op.InvalidateAll = false
		if cw.errorCode != 0 && cw.outer.errorCode == 0 {
			cw.outer.errorCode = cw.errorCode
		}
		cw.shutdown()
		cw.reportCompletion(offset, size)
		return
	}
	leaseSecs := int64(10 * 365 * 24 * 3600)
	if op.LeaseDuration >= 0 {
		leaseSecs = op.LeaseDuration - protocol.LeaseRenewTime
		if leaseSecs < 1 {
			leaseSecs = 1
		}
	}
	cw.leaseEndTime = cw.now().Add(time.Duration(leaseSecs) * time.Second)
	cw.updateLeaseExpirationTime()
	cw.keepLease = op.ChunkVersion < 0
	cw.allocateWriteID()
}

func (cw *chunkWorker) scheduleLeaseUpdate() bool {
	if !cw.keepLease {
		return false
	}
	now := cw.now()
	if now.Before(cw.leaseExpireTime) {
		cw.leaseUpdatePending = true
		cw.sleep(cw.leaseExpireTime.Sub(now))
		return false
	}
	return true
}

func (cw *chunkWorker) cancelLeaseUpdate() bool {
	if !cw.leaseUpdatePending {
		return false
	}
	if cw.sleeping {
		cw.sleepTimer.Stop()
		cw.sleeping = false
	}
	cw.leaseUpdatePending = false
	return true
}

func (cw *chunkWorker) allocateWriteID() {
	w := cw.outer
	now := cw.now()
	cw.writeIDAllocOp.Reset()
	cw.writeIDAllocOp.ResetAccess()
	cw.writeIDAllocOp.ChunkID = cw.allocOp.ChunkID
	cw.writeIDAllocOp.ChunkVersion = cw.allocOp.ChunkVersion
	cw.writeIDAllocOp.Servers = cw.allocOp.ChunkServers
	cw.writeIDAllocOp.WritePrepReplySupported = false
	cw.writeIDAllocOp.WriteIDStr = ""
	cw.lease.Reset()

	clearTextAllowed := w.cfg.CSClearTextAllowed
	cw.client.SetShutdownSSL(cw.allocOp.AllowCSClearText && clearTextAllowed)
	if cw.allocOp.AllCSShortRPC {
		cw.client.SetRPCFormat(protocol.RPCFormatShort)
	} else {
		cw.client.SetRPCFormat(protocol.RPCFormatLong)
	}
	if len(cw.allocOp.CSAccessToken) == 0 || len(cw.allocOp.ChunkAccess) == 0 {
		cw.client.SetKey(nil, nil)
		switch {
		case len(cw.allocOp.CSAccessToken) != 0:
			cw.writeIDAllocOp.Status = protocol.StatusParameters
			cw.writeIDAllocOp.StatusMsg = "no chunk access"
		case len(cw.allocOp.ChunkAccess) != 0:
			cw.writeIDAllocOp.Status = protocol.StatusParameters
			cw.writeIDAllocOp.StatusMsg = "no chunk server access"
		case !clearTextAllowed:
			cw.writeIDAllocOp.Status = protocol.StatusParameters
			cw.writeIDAllocOp.StatusMsg = "no clear text chunk server access"
		default:
			cw.lease.InitFromAllocate(&cw.allocOp, now)
		}
	} else {
		cw.client.SetKey(cw.allocOp.CSAccessToken, cw.allocOp.CSAccessKey)
		cw.lease.InitFromAllocate(&cw.allocOp, now)
		cw.writeIDAllocOp.Access = cw.allocOp.ChunkAccess
		// Always ask for a chunk access token here: the token lifetime
		// returned by allocate is short, while the one the chunk server
		// returns carries the write id subject.
		cw.writeIDAllocOp.CreateChunkAccess = true
		cw.writeIDAllocOp.CreateCSAccess = cw.lease.CSAccessExpired(now)
		cw.writeIDAllocOp.WantSessionKey = cw.allocOp.AllowCSClearText &&
			clearTextAllowed && cw.writeIDAllocOp.CreateCSAccess
	}
	if cw.writeIDAllocOp.Status == 0 {
		if err := cw.client.SetServer(cw.allocOp.ChunkServers[0], true); err == nil {
			cw.enqueue(&cw.writeIDAllocOp, nil)
			return
		}
		cw.writeIDAllocOp.Status = protocol.StatusFault
	}
	cw.handleError(&cw.writeIDAllocOp)
}

func (cw *chunkWorker) writeIDAllocDone(op *protocol.WriteIDAllocOp, canceled bool) {
	cw.writeIDs = nil
	if canceled {
		return
	}
	if op.Status >= 0 && op.ChunkVersion < 0 && !op.WritePrepReplySupported {
		// An object store capable chunk server must support write
		// prepare replies.
		op.Status = protocol.StatusParameters
		op.StatusMsg = "invalid write id alloc reply: write prepare reply is not supported"
	}
	if op.Status < 0 {
		cw.handleError(op)
		return
	}
	format := protocol.RPCFormatLong
	if cw.allocOp.AllCSShortRPC {
		format = protocol.RPCFormatShort
	}
	ids, err := protocol.ParseWriteIDList(op.WriteIDStr, len(op.Servers), format)
	if err != nil {
		cw.logger.Error().Err(err).
			Str("reply", op.WriteIDStr).
			Msg("write id alloc: invalid response")
		cw.handleError(op)
		return
	}
	cw.writeIDs = ids
	cw.lease.UpdateAccess(&op.AccessFields, cw.now(), cw.client)
	cw.updateLeaseExpirationTime()
	cw.startWrite()
}

// write issues pending ops in queue order and stops at the first one whose
// checksum blocks conflict with an in-flight write. It guards
// against re-entry via the op-done flag: if a completion fires while we are
// still dispatching, the worker may already be gone and we must unwind.
func (cw *chunkWorker) write() {
	if cw.opDoneFlag != nil {
		return
	}
	opDone := false
	cw.opDoneFlag = &opDone
	for i := 0; !cw.sleeping && cw.errorCode == 0 && cw.allocOp.ChunkID > 0; i++ {
		if i >= len(cw.pendingQueue) {
			break
		}
		op := cw.pendingQueue[i]
		if !cw.writeOne(op) {
			break // block conflict: later ops wait their turn
		}
		i-- // op left the pending queue
		if opDone {
			return // unwind; the worker might be deleted
		}
	}
	cw.opDoneFlag = nil
}

// writeOne claims the op's checksum blocks and sends it. Returns true if
// the op moved to the in-flight queue. A block conflict leaves the claimed
// prefix reserved; the op resumes once the conflicting write completes.
func (cw *chunkWorker) writeOne(op *writeOp) bool {
	for op.beginBlock < op.endBlock {
		if cw.inFlightBlocks.test(op.beginBlock) {
			return false // wait for the in-flight write to finish
		}
		cw.inFlightBlocks.set(op.beginBlock)
		op.beginBlock++
	}
	op.OpBase.Reset()
	op.Prepare.OpBase.Reset()
	op.Prepare.ResetAccess()
	op.Sync.OpBase.Reset()
	op.Sync.ResetAccess()
	numBytes := op.buf.BytesAvailable()
	op.Prepare.ChunkID = cw.allocOp.ChunkID
	op.Prepare.ChunkVersion = cw.allocOp.ChunkVersion
	op.Prepare.WriteInfo = cw.writeIDs
	op.Prepare.NumBytes = numBytes
	op.Prepare.ReplyRequested = cw.writeIDAllocOp.WritePrepReplySupported
	now := cw.now()
	cw.lease.SetAccess(&op.Prepare.AccessFields, op.Prepare.ReplyRequested, now,
		cw.writeIDs, cw.allocOp.AllowCSClearText && cw.outer.cfg.CSClearTextAllowed)
	// No need to recompute checksums on retry; the buffer is unchanged.
	if op.Prepare.ReplyRequested {
		if !op.checksumValid {
			op.Prepare.Checksum = protocol.ComputeBlockChecksum(&op.buf, numBytes)
			op.checksumValid = true
		}
		op.Prepare.Checksums = nil
	} else {
		if len(op.Prepare.Checksums) == 0 {
			sums, total := protocol.ComputeBlockChecksums(&op.buf, numBytes)
			op.Prepare.Checksums = sums
			op.Prepare.Checksum = total
			op.checksumValid = true
		}
		op.Sync.ChunkID = op.Prepare.ChunkID
		op.Sync.ChunkVersion = op.Prepare.ChunkVersion
		op.Sync.Offset = op.Prepare.Offset
		op.Sync.NumBytes = op.Prepare.NumBytes
		op.Sync.WriteInfo = op.Prepare.WriteInfo
		op.Sync.Checksums = op.Prepare.Checksums
		cw.lease.SetAccess(&op.Sync.AccessFields, true, now,
			cw.writeIDs, cw.allocOp.AllowCSClearText && cw.outer.cfg.CSClearTextAllowed)
	}
	op.opStart = now
	for i, p := range cw.pendingQueue {
		if p == op {
			cw.pendingQueue = append(cw.pendingQueue[:i], cw.pendingQueue[i+1:]...)
			break
		}
	}
	cw.inFlightQueue = append(cw.inFlightQueue, op)
	cw.outer.stats.OpsWriteCount++
	cw.outer.stats.OpsWriteByteCount += int64(numBytes)
	cw.outer.metrics.OpsWriteTotal.Inc()
	cw.outer.metrics.OpsWriteBytes.Add(float64(numBytes))
	cw.enqueue(op, &op.buf)
	return true
}

func (cw *chunkWorker) writeDone(op *writeOp, canceled bool, payload *iobuf.Queue) {
	op.initBlockRange()
	for i := op.beginBlock; i < op.endBlock; i++ {
		cw.inFlightBlocks.clear(i)
	}
	inFlight := false
	for i, p := range cw.inFlightQueue {
		if p == op {
			cw.inFlightQueue = append(cw.inFlightQueue[:i], cw.inFlightQueue[i+1:]...)
			inFlight = true
			break
		}
	}
	if !inFlight {
		cw.outer.internalError("write completion for unknown op")
		return
	}
	if canceled || op.Status < 0 {
		cw.pendingQueue = append(cw.pendingQueue, op)
		if !canceled {
			cw.opStartTime = op.opStart
			cw.handleError(op)
		}
		return
	}
	offset := op.Prepare.Offset
	done := int64(op.buf.BytesAvailable())
	cw.pendingCount -= done
	now := cw.now()
	if op.Prepare.ReplyRequested {
		cw.lease.UpdateAccess(&op.Prepare.AccessFields, now, cw.client)
	} else {
		cw.lease.UpdateAccess(&op.Sync.AccessFields, now, cw.client)
	}
	if !cw.reportCompletion(cw.allocOp.FileOffset+offset, done) {
		return
	}
	cw.updateLeaseExpirationTime()
	cw.startWrite()
}

// updateLease sends a zero-byte write prepare to refresh the lease of an
// idle object store block.
func (cw *chunkWorker) updateLease() {
	cw.updateLeaseOp.Reset()
	cw.updateLeaseOp.ResetAccess()
	cw.updateLeaseOp.ChunkID = cw.allocOp.ChunkID
	cw.updateLeaseOp.ChunkVersion = cw.allocOp.ChunkVersion
	cw.updateLeaseOp.WriteInfo = cw.writeIDs
	cw.updateLeaseOp.Offset = 0
	cw.updateLeaseOp.NumBytes = 0
	cw.updateLeaseOp.Checksum = protocol.NullChecksum
	cw.updateLeaseOp.Checksums = nil
	cw.updateLeaseOp.ReplyRequested = cw.writeIDAllocOp.WritePrepReplySupported
	cw.lease.SetAccess(&cw.updateLeaseOp.AccessFields, cw.updateLeaseOp.ReplyRequested,
		cw.now(), cw.writeIDs, cw.allocOp.AllowCSClearText && cw.outer.cfg.CSClearTextAllowed)
	cw.enqueue(&cw.updateLeaseOp, nil)
}

func (cw *chunkWorker) updateLeaseDone(op *protocol.WritePrepareOp, canceled bool) {
	cw.updateLeaseOp.ChunkID = -1
	if canceled {
		return
	}
	if op.Status != 0 {
		cw.handleError(op)
		return
	}
	if op.ReplyRequested {
		cw.lease.UpdateAccess(&op.AccessFields, cw.now(), cw.client)
	}
	cw.updateLeaseExpirationTime()
	cw.startWrite()
}

func (cw *chunkWorker) closeChunk() {
	cw.closeOp.Reset()
	cw.closeOp.ResetAccess()
	cw.closeOp.ChunkID = cw.allocOp.ChunkID
	cw.closeOp.ChunkVersion = cw.allocOp.ChunkVersion
	cw.closeOp.WriteInfo = cw.writeIDs
	if len(cw.closeOp.WriteInfo) == 0 {
		cw.closeOp.Servers = cw.allocOp.ChunkServers
	} else {
		cw.closeOp.Servers = nil
	}
	cw.lease.SetAccess(&cw.closeOp.AccessFields, true, cw.now(),
		cw.writeIDs, cw.allocOp.AllowCSClearText && cw.outer.cfg.CSClearTextAllowed)
	if cw.closeOp.ChunkVersion < 0 {
		// Extend the timeout to accommodate the object commit, possibly
		// a single atomic 64MB object write.
		w := cw.outer
		maxWrite := w.maxWriteSize
		if maxWrite < 1<<9 {
			maxWrite = 1 << 9
		}
		opTimeoutSec := int(w.cfg.OpTimeout / time.Second)
		writes := int((cw.maxChunkPos + int64(maxWrite) - 1) / int64(maxWrite))
		factor := w.cfg.MaxRetryCount / 3
		if writes > factor {
			factor = writes
		}
		timeoutSec := (opTimeoutSec + 3) / 4 * (1 + factor)
		if timeoutSec > protocol.LeaseIntervalSecs/2 {
			timeoutSec = protocol.LeaseIntervalSecs / 2
		}
		cw.logger.Debug().
			Int64("chunk", cw.closeOp.ChunkID).
			Int64("version", cw.closeOp.ChunkVersion).
			Int("timeout_sec", timeoutSec).
			Msg("object store chunk close")
		cw.client.SetOpTimeout(time.Duration(timeoutSec) * time.Second)
	}
	cw.writeIDs = nil
	cw.allocOp.ChunkID = -1
	cw.enqueue(&cw.closeOp, nil)
}

func (cw *chunkWorker) closeChunkDone(op *protocol.CloseOp, canceled bool) {
	if op.ChunkVersion < 0 {
		// Restore the timeout changed by closeChunk.
		cw.client.SetOpTimeout(cw.outer.cfg.OpTimeout)
	}
	if canceled {
		return
	}
	if op.Status != 0 {
		if op.ChunkVersion < 0 {
			cw.handleError(op)
			return
		}
		cw.logger.Debug().
			Int("status", op.Status).
			Msg("chunk close failure ignored")
	}
	cw.keepLease = false
	cw.closeOp.ChunkID = -1
	cw.reset()
	cw.startWrite()
}

// OpDone implements OpOwner; it dispatches RPC completions by op type.
func (cw *chunkWorker) OpDone(op protocol.Op, canceled bool, payload *iobuf.Queue) {
	if cw.opDoneFlag != nil {
		*cw.opDoneFlag = true
		cw.opDoneFlag = nil
	}
	base := op.Base()
	cw.logger.Debug().
		Stringer("op", op.Kind()).
		Bool("canceled", canceled).
		Int("status", base.Status).
		Str("msg", base.StatusMsg).
		Int64("seq", base.Seq).
		Msg("<-")
	if canceled && op == protocol.Op(&cw.allocOp) {
		cw.outer.stats.MetaOpsCancelled++
	}
	if cw.lastOp == op {
		cw.lastOp = nil
	}
	switch o := op.(type) {
	case *protocol.AllocateOp:
		cw.allocDone(o, canceled)
	case *protocol.WriteIDAllocOp:
		cw.writeIDAllocDone(o, canceled)
	case *protocol.WritePrepareOp:
		cw.updateLeaseDone(o, canceled)
	case *protocol.CloseOp:
		cw.closeChunkDone(o, canceled)
	case *writeOp:
		cw.writeDone(o, canceled, payload)
	default:
		cw.outer.internalError("unexpected operation completion")
	}
}

func (cw *chunkWorker) enqueue(op protocol.Op, payload *iobuf.Queue) {
	cw.lastOp = op
	cw.opStartTime = cw.now()
	cw.outer.stats.ChunkOpsQueued++
	cw.logger.Debug().Stringer("op", op.Kind()).Msg("+>")
	if !cw.client.Enqueue(op, cw, payload, 0) {
		cw.outer.internalError("chunk op enqueue failure")
		op.Base().Status = protocol.StatusFault
		cw.OpDone(op, false, payload)
	}
}

func (cw *chunkWorker) enqueueMeta(op protocol.Op, extraTimeout time.Duration) {
	cw.lastOp = op
	cw.opStartTime = cw.now()
	cw.outer.stats.MetaOpsQueued++
	cw.logger.Debug().Stringer("op", op.Kind()).Msg("meta +>")
	if !cw.outer.cfg.Meta.Enqueue(op, cw, extraTimeout) {
		cw.outer.internalError("meta op enqueue failure")
		op.Base().Status = protocol.StatusFault
		cw.OpDone(op, false, nil)
	}
}

// reset aborts whatever RPC is outstanding and drops the lease state.
// In-flight writes are canceled through the client's Stop and return to the
// pending queue.
func (cw *chunkWorker) reset() {
	if cw.lastOp == protocol.Op(&cw.allocOp) {
		cw.outer.cfg.Meta.Cancel(cw.lastOp, cw)
	}
	cw.allocOp.Reset()
	cw.writeIDs = nil
	cw.allocOp.ChunkID = 0
	cw.lastOp = nil
	cw.client.Stop()
	if cw.sleeping {
		cw.sleepTimer.Stop()
		cw.sleeping = false
	}
	cw.leaseUpdatePending = false
}

func (cw *chunkWorker) timeToNextRetry() time.Duration {
	var floor time.Duration
	if cw.retryCount >= 1 {
		floor = time.Second
	}
	d := cw.outer.cfg.TimeBetweenRetries - cw.now().Sub(cw.opStartTime)
	if d < floor {
		d = floor
	}
	return d
}

// handleError is the retry/invalidation policy for any failed RPC.
func (cw *chunkWorker) handleError(op protocol.Op) {
	base := op.Base()
	cw.logger.Error().
		Stringer("op", op.Kind()).
		Int64("seq", base.Seq).
		Int("status", base.Status).
		Str("msg", base.StatusMsg).
		Stringer("server", cw.client.Server()).
		Msg("operation failure")
	status := base.Status
	lastError := base.LastError
	w := cw.outer
	if op == protocol.Op(&cw.allocOp) {
		if status == protocol.StatusNoEntry {
			// File deleted and lease expired, or the meta server
			// restarted.
			cw.logger.Error().Msg("file does not exist, giving up")
			cw.errorCode = status
			cw.reset()
			w.fatalError(status)
			return
		}
		if status == protocol.StatusReadOnly && cw.closing &&
			cw.closeOp.ChunkID > 0 && cw.keepLease {
			// The object store block is already stable.
			cw.logger.Info().Msg("object store block is now stable")
			cw.keepLease = false
			cw.closeOp.ChunkID = -1
			cw.reset()
			cw.startWrite()
			return
		}
		if status == protocol.StatusMaxRetryReached && cw.retryCount < w.cfg.MaxRetryCount {
			// All of the meta transport's own connection attempts failed.
			cw.retryCount = w.cfg.MaxRetryCount
		}
	}
	if w.striper != nil && !cw.allocOp.InvalidateAll && cw.allocOp.FileOffset >= 0 &&
		!w.striper.IsWriteRetryNeeded(cw.allocOp.FileOffset, cw.retryCount, w.cfg.MaxRetryCount, status) {
		cw.logger.Info().
			Int64("chunk", cw.allocOp.ChunkID).
			Int64("offset", cw.allocOp.FileOffset).
			Int("status", status).
			Int64("pending", cw.pendingCount).
			Msg("giving up on stripe, invalidating")
		cw.errorCode = status
		cw.allocOp.InvalidateAll = true
		cw.retryCount = 0
		cw.reset()
		cw.startWrite()
		return
	}
	cw.retryCount++
	if cw.retryCount > w.cfg.MaxRetryCount {
		cw.logger.Error().
			Int("retries", cw.retryCount).
			Msg("max retry reached, giving up")
		if status >= 0 {
			status = protocol.StatusIO
		} else if status == protocol.StatusMaxRetryReached && lastError < 0 {
			status = lastError
		}
		cw.errorCode = status
		cw.reset()
		w.fatalError(status)
		return
	}
	// Treat an alloc failure the same as a chunk server failure.
	if op == protocol.Op(&cw.allocOp) {
		w.stats.AllocRetriesCount++
	}
	w.stats.RetriesCount++
	w.metrics.RetriesTotal.WithLabelValues(op.Kind().String()).Inc()
	retryIn := cw.timeToNextRetry()
	if cw.keepLease {
		// Do not sleep past the lease: a stable block close would fail.
		floor := time.Duration(0)
		if cw.retryCount > 1 {
			floor = time.Duration(protocol.LeaseIntervalSecs/
				(2*maxInt(1, w.cfg.MaxRetryCount))) * time.Second
			if floor < 2*time.Second {
				floor = 2 * time.Second
			}
		}
		if rem := cw.leaseExpireTime.Sub(cw.now()); rem > floor {
			floor = rem
		}
		if retryIn > floor {
			retryIn = floor
		}
	}
	cw.logger.Info().
		Int("retry", cw.retryCount).
		Int("max_retries", w.cfg.MaxRetryCount).
		Dur("in", retryIn).
		Stringer("op", op.Kind()).
		Msg("scheduling retry")
	cw.errorCode = 0
	cw.reset()
	cw.sleep(retryIn)
	if !cw.sleeping {
		cw.timeout()
	}
}

func (cw *chunkWorker) sleep(d time.Duration) bool {
	if d <= 0 || cw.sleeping {
		return false
	}
	cw.logger.Debug().Dur("sleep", d).Msg("sleeping")
	cw.sleeping = true
	cw.outer.stats.SleepTimeSec += int64(d / time.Second)
	cw.outer.metrics.SleepSecondsTotal.Add(d.Seconds())
	cw.sleepTimer = cw.outer.cfg.Scheduler.AfterFunc(d, cw.timeout)
	return true
}

func (cw *chunkWorker) timeout() {
	if cw.sleeping {
		cw.sleepTimer.Stop()
		cw.sleeping = false
	}
	cw.startWrite()
}

// reportCompletion forwards a completed range to the writer. It returns
// false when the worker (or the writer epoch) is gone and the caller must
// unwind without touching any state.
func (cw *chunkWorker) reportCompletion(offset, size int64) bool {
	if cw.errorCode == 0 {
		// Reset the retry count on successful completion.
		cw.retryCount = 0
	}
	return cw.outer.reportCompletion(cw, offset, size)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
