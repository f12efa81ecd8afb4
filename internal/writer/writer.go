// Package writer implements the client-side write pipeline: the file-level
// coordinator that accepts application bytes, batches them into
// checksum-aligned RPCs, and drives concurrent per-chunk workers through
// allocation, write id allocation, writes, lease renewal and close.
package writer

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chunkfs/chunkfs/internal/iobuf"
	"github.com/chunkfs/chunkfs/internal/protocol"
	"github.com/chunkfs/chunkfs/internal/runloop"
)

// Config carries the writer's collaborators and tunables. Zero values get
// reasonable defaults from New.
type Config struct {
	Meta           MetaClient
	NewChunkClient ChunkClientFactory
	Scheduler      runloop.Scheduler
	Completion     Completion
	Logger         zerolog.Logger

	MaxRetryCount      int           // retries per logical operation (default 6)
	WriteThreshold     int           // bytes buffered before writes start (default 0: writes start with the first buffered byte)
	MaxPartialBuffers  int           // reference moves before compaction; <0 never compacts (default 16, also used for 0)
	TimeBetweenRetries time.Duration // default 15s
	OpTimeout          time.Duration // chunk server op timeout (default 30s)
	IdleTimeout        time.Duration // chunk server idle disconnect (default 5m)
	MaxWriteSize       int           // per-RPC payload cap, rounded up to a checksum block (default 1MiB)

	ChunkServerInitialSeq int64
	CSClearTextAllowed    bool
}

// Writer is the write coordinator for one file. It owns the staging buffer,
// the chunk worker set, and the close/truncate state. All methods must be
// called from the run loop the Scheduler belongs to.
type Writer struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *Metrics

	path                string
	fileID              int64
	closing             bool
	sleeping            bool
	errorCode           int
	writeThreshold      int
	partialBuffersCount int
	pendingCount        int64
	maxWriteSize        int
	maxPendingThreshold int64
	replicaCount        int
	retryCount          int
	fileSize            int64
	offset              int64
	openChunkBlockSize  int64

	chunkServerInitialSeq int64

	completion       Completion
	buffer           iobuf.Queue
	stats            Stats
	chunkClientStats ChunkClientStats
	truncateOp       protocol.TruncateOp
	opStartTime      time.Time
	sleepTimer       runloop.Timer

	completionDepth     int
	striperProcessCount int
	striper             Striper
	workers             []*chunkWorker

	// generation is bumped by destructive transitions (stop, shutdown,
	// final close). Methods that may re-enter through completions compare
	// it before and after and unwind when it moved.
	generation uint64
}

// New creates a writer. The file is attached later with Open.
func New(cfg Config) *Writer {
	if cfg.MaxRetryCount == 0 {
		cfg.MaxRetryCount = 6
	} else if cfg.MaxRetryCount < 0 {
		cfg.MaxRetryCount = 0 // fail on the first error
	}
	if cfg.TimeBetweenRetries <= 0 {
		cfg.TimeBetweenRetries = 15 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.MaxWriteSize <= 0 {
		cfg.MaxWriteSize = 1 << 20
	}
	if cfg.MaxPartialBuffers == 0 {
		cfg.MaxPartialBuffers = 16
	}
	maxWrite := (cfg.MaxWriteSize + protocol.ChecksumBlockSize - 1) /
		protocol.ChecksumBlockSize * protocol.ChecksumBlockSize
	if maxWrite > protocol.ChunkSize {
		maxWrite = protocol.ChunkSize
	}
	if cfg.WriteThreshold < 0 {
		cfg.WriteThreshold = 0
	}
	w := &Writer{
		cfg:                   cfg,
		metrics:               InitMetrics(nil),
		fileID:                -1,
		writeThreshold:        cfg.WriteThreshold,
		maxWriteSize:          maxWrite,
		maxPendingThreshold:   int64(maxWrite),
		replicaCount:          -1,
		openChunkBlockSize:    protocol.ChunkSize,
		chunkServerInitialSeq: cfg.ChunkServerInitialSeq,
		completion:            cfg.Completion,
	}
	w.logger = cfg.Logger.With().
		Str("component", "writer").
		Str("writer_id", uuid.NewString()).
		Logger()
	w.truncateOp.FileID = -1
	return w
}

// Open attaches the writer to a file. Object store files (replicaCount 0)
// are append-only: a non-zero initial size cannot be overwritten.
func (w *Writer) Open(
	fileID int64,
	path string,
	fileSize int64,
	striperType StriperType,
	stripeSize, stripeCount, recoveryCount, replicaCount int,
) error {
	if fileID <= 0 || path == "" {
		return ErrParameters
	}
	if replicaCount == 0 && fileSize != 0 {
		// Overwrite and append are not supported with object store files.
		return ErrSeek
	}
	if w.fileID > 0 {
		if fileID == w.fileID && path == w.path {
			return StatusError(w.errorCode)
		}
		return ErrParameters
	}
	if w.closing || w.sleeping {
		return ErrTryAgain
	}
	w.striper = nil
	w.openChunkBlockSize = protocol.ChunkSize
	if striperType != StriperNone {
		s, blockSize, err := newStriper(
			striperType, stripeCount, recoveryCount, stripeSize, fileSize,
			w.logger, &striperAdapter{w: w},
		)
		if err != nil {
			w.logger.Error().Err(err).Msg("striper create")
			return ErrParameters
		}
		w.striper = s
		if blockSize > protocol.ChunkSize {
			w.openChunkBlockSize = blockSize
		}
	}
	w.buffer.Clear()
	w.stats.Clear()
	w.replicaCount = replicaCount
	w.fileSize = fileSize
	w.partialBuffersCount = 0
	w.path = path
	w.errorCode = 0
	w.fileID = fileID
	w.offset = 0
	w.retryCount = 0
	w.truncateOp.FileID = -1
	w.truncateOp.Path = ""
	w.truncateOp.FileOffset = fileSize
	w.maxPendingThreshold = int64(w.maxWriteSize)
	if w.striper != nil {
		w.maxPendingThreshold = int64(w.maxWriteSize) * int64(maxInt(1, stripeCount))
	}
	w.logger.Debug().
		Int64("file_id", fileID).
		Str("path", path).
		Int64("size", fileSize).
		Int("replicas", replicaCount).
		Msg("open")
	return StatusError(w.startWrite(false))
}

// Write accepts length bytes from buf at the given file offset. It returns
// the number of bytes accepted into the staging buffer. With flush set,
// writes start regardless of the write threshold. A non-negative
// writeThreshold replaces the current one.
func (w *Writer) Write(buf *iobuf.Queue, length int, offset int64, flush bool, writeThreshold int) (int64, error) {
	if offset < 0 {
		return 0, ErrParameters
	}
	if w.errorCode != 0 {
		return 0, StatusError(w.errorCode)
	}
	if w.closing || !w.isOpenFile() {
		return 0, ErrParameters
	}
	if length <= 0 {
		if w.reportCompletion(nil, offset, 0) && flush {
			return 0, StatusError(w.startWrite(true))
		}
		return 0, nil
	}
	if offset != w.offset+int64(w.buffer.BytesAvailable()) {
		if w.replicaCount == 0 {
			// Non-sequential writes are not supported with object store
			// files.
			return 0, ErrSeek
		}
		// Flush, then reseek; no attempt to optimize a buffer rewrite.
		gen := w.generation
		if err := w.Flush(); err != nil {
			return 0, err
		}
		if w.generation != gen {
			return 0, StatusError(w.errorCode)
		}
		w.offset = offset
	}
	if w.cfg.MaxPartialBuffers == 0 || length < iobuf.DefaultFragmentSize*2 {
		// Small writes are copied into the tail fragment to avoid
		// fragmentation.
		w.buffer.ReplaceKeepBuffersFull(buf, w.buffer.BytesAvailable(), length)
	} else {
		if w.buffer.IsEmpty() {
			w.partialBuffersCount = 0
		}
		w.buffer.Move(buf, length)
		w.partialBuffersCount++
		if w.cfg.MaxPartialBuffers >= 0 && w.partialBuffersCount >= w.cfg.MaxPartialBuffers {
			w.buffer.MakeBuffersFull()
			w.partialBuffersCount = 0
			w.stats.BufferCompactions++
			w.metrics.CompactionsTotal.Inc()
		}
	}
	if writeThreshold >= 0 {
		w.writeThreshold = writeThreshold
	}
	if st := w.startWrite(flush); st != 0 {
		return 0, StatusError(st)
	}
	return int64(length), nil
}

// WriteBytes is a copying convenience wrapper around Write.
func (w *Writer) WriteBytes(p []byte, offset int64, flush bool) (int64, error) {
	q := iobuf.NewWithBytes(p)
	return w.Write(q, len(p), offset, flush, -1)
}

// Flush starts writing all buffered bytes unconditionally.
func (w *Writer) Flush() error {
	return StatusError(w.startWrite(true))
}

// Close drains all buffered and pending bytes, closes every chunk, issues
// the final truncate when needed, and reports a final (0, 0) completion.
func (w *Writer) Close() error {
	if !w.isOpenFile() {
		return nil
	}
	if w.errorCode != 0 {
		return StatusError(w.errorCode)
	}
	if w.closing {
		return ErrTryAgain
	}
	w.closing = true
	return StatusError(w.startWrite(false))
}

// Stop discards all workers and queued ops without completions, and
// cancels an in-flight truncate.
func (w *Writer) Stop() {
	for len(w.workers) > 0 {
		w.workers[0].destroy()
	}
	if w.truncateOp.FileID >= 0 {
		w.cfg.Meta.Cancel(&w.truncateOp, w)
	}
	if w.sleeping {
		w.sleepTimer.Stop()
		w.sleeping = false
	}
	w.closing = false
	w.buffer.Clear()
	w.generation++
}

// Shutdown is Stop plus detaching from the file.
func (w *Writer) Shutdown() {
	w.Stop()
	w.fileID = -1
	w.errorCode = 0
}

// IsOpen reports whether a file is attached and not closing.
func (w *Writer) IsOpen() bool { return w.isOpenFile() && !w.closing }

// IsClosing reports whether a close is draining.
func (w *Writer) IsClosing() bool { return w.isOpenFile() && w.closing }

// IsActive reports whether any buffered data, worker, or close-out remains.
func (w *Writer) IsActive() bool {
	return w.isOpenFile() &&
		(!w.buffer.IsEmpty() || len(w.workers) > 0 || w.closing)
}

// PendingSize returns the bytes accepted but not yet acknowledged.
func (w *Writer) PendingSize() int64 {
	return w.pendingSizeSelf() + w.pendingCount
}

// ErrorCode returns the latched error status, zero when healthy.
func (w *Writer) ErrorCode() int { return w.errorCode }

// SetWriteThreshold sets the number of buffered bytes that triggers
// writing; lowering it starts a write immediately.
func (w *Writer) SetWriteThreshold(threshold int) error {
	t := maxInt(0, threshold)
	start := w.writeThreshold > t
	w.writeThreshold = t
	if start && w.isOpenFile() && w.errorCode == 0 {
		return StatusError(w.startWrite(false))
	}
	return StatusError(w.errorCode)
}

// Register replaces the completion sink.
func (w *Writer) Register(c Completion) {
	if c == w.completion {
		return
	}
	if w.completion != nil {
		w.completion.Unregistered(w)
	}
	w.completion = c
}

// Unregister detaches the given completion sink if it is the current one.
func (w *Writer) Unregister(c Completion) bool {
	if c != w.completion {
		return false
	}
	w.completion = nil
	return true
}

// DisableCompletion detaches whatever sink is registered.
func (w *Writer) DisableCompletion() { w.completion = nil }

// GetStats returns the writer counters and the chunk client totals folded
// in from destroyed workers.
func (w *Writer) GetStats() (Stats, ChunkClientStats) {
	return w.stats, w.chunkClientStats
}

func (w *Writer) isOpenFile() bool { return w.fileID > 0 }

func (w *Writer) now() time.Time { return w.cfg.Scheduler.Now() }

func (w *Writer) pendingSizeSelf() int64 {
	n := int64(w.buffer.BytesAvailable())
	if w.striper != nil {
		if p := w.striper.PendingSize(); p > 0 {
			n += p
		}
	}
	return n
}

// startWrite runs the batching loop and, when closing, the worker
// close-out sequence.
func (w *Writer) startWrite(flush bool) int {
	if w.sleeping {
		return w.errorCode
	}
	flushFlag := flush || w.closing
	thresh := int64(maxInt(1, w.writeThreshold))
	if flushFlag {
		thresh = 1
	}
	queueThresh := thresh
	if queueThresh > w.maxPendingThreshold {
		queueThresh = w.maxPendingThreshold
	}
	for w.errorCode == 0 &&
		(int64(w.buffer.BytesAvailable()) >= w.maxPendingThreshold ||
			w.pendingSizeSelf() >= thresh) {
		gen := w.generation
		w.queueWriteThreshold(queueThresh)
		if w.generation != gen {
			return w.errorCode // unwind
		}
		if w.buffer.IsEmpty() {
			break
		}
	}
	if !w.closing {
		return w.errorCode
	}
	if len(w.workers) == 0 {
		w.reportCompletion(nil, 0, 0)
		return w.errorCode
	}
	i := 0
	for i < len(w.workers) {
		cw := w.workers[i]
		if !cw.isOpen() {
			i++
			continue
		}
		gen := w.generation
		cw.close()
		if w.generation != gen {
			return w.errorCode // unwind
		}
		// Restart from the beginning: close can invoke completion and
		// remove or close more than one worker.
		i = 0
	}
	if len(w.workers) == 0 && w.closing {
		w.setFileSize()
	}
	return w.errorCode
}

func (w *Writer) queueWriteThreshold(threshold int64) {
	if w.striper != nil {
		w.striperProcessCount++
		err := w.striper.Process(&w.buffer, &w.offset, int(threshold))
		w.striperProcessCount--
		if err != nil && w.errorCode == 0 {
			w.errorCode = StatusOf(err)
		}
		return
	}
	n := w.queueWrite(&w.buffer, w.buffer.BytesAvailable(), w.offset, int(threshold))
	if n > 0 {
		w.offset += n
		w.startQueuedWrite(n)
	}
}

// queueWrite routes a byte range to the worker owning its chunk, creating
// the worker on first touch. Also the striper's re-entry point.
func (w *Writer) queueWrite(buf *iobuf.Queue, size int, offset int64, writeThreshold int) int64 {
	if size <= 0 || buf.BytesAvailable() <= 0 {
		return 0
	}
	fileOffset := offset - offset%protocol.ChunkSize
	var cw *chunkWorker
	for _, p := range w.workers {
		if p.fileOffset() == fileOffset {
			cw = p
			break
		}
	}
	if cw != nil {
		w.moveToFront(cw)
		cw.cancelClose()
	} else {
		cw = newChunkWorker(w)
	}
	return cw.queueWrite(buf, size, offset, writeThreshold)
}

func (w *Writer) startQueuedWrite(queued int64) {
	if queued <= 0 || len(w.workers) == 0 {
		return
	}
	w.pendingCount += queued
	w.metrics.PendingBytes.Set(float64(w.PendingSize()))
	w.workers[0].startWrite()
}

func (w *Writer) moveToFront(cw *chunkWorker) {
	for i, p := range w.workers {
		if p == cw {
			copy(w.workers[1:i+1], w.workers[:i])
			w.workers[0] = cw
			return
		}
	}
}

func (w *Writer) fatalError(status int) {
	if w.errorCode == 0 {
		w.errorCode = status
	}
	if w.errorCode == 0 {
		w.errorCode = protocol.StatusIO
	}
	w.closing = false
	w.reportCompletion(nil, 0, 0)
}

func (w *Writer) internalError(msg string) {
	w.logger.Error().Msg(msg)
	if w.errorCode == 0 {
		w.errorCode = protocol.StatusFault
	}
}

// canClose decides whether an idle worker may be torn down: always when
// closing, for non-head object store workers, and for workers whose chunk
// lies outside the head's open chunk block window.
func (w *Writer) canClose(cw *chunkWorker) bool {
	if !cw.isIdle() {
		return false
	}
	if !cw.isOpen() || w.closing {
		return true
	}
	if len(w.workers) == 0 {
		return true
	}
	head := w.workers[0]
	// The most recently used worker stays cached to absorb locality.
	if head == cw {
		return false
	}
	if w.replicaCount == 0 {
		// Close object store workers as soon as possible to minimize the
		// number of non-stable blocks and their buffers.
		return true
	}
	left := head.openChunkBlockOffset()
	if left < 0 {
		return false
	}
	right := left + w.openChunkBlockSize
	off := cw.fileOffset()
	return off < left || right <= off
}

// tryToCloseIdle walks the worker list from the least recently used end,
// closing and destroying every closable idle worker. It stops at the first
// idle worker that must stay. Returns false if inWriter was destroyed.
func (w *Writer) tryToCloseIdle(inWriter *chunkWorker) bool {
	if len(w.workers) == 0 {
		return inWriter == nil
	}
	ret := true
	for i := len(w.workers) - 1; i >= 0; i-- {
		if i >= len(w.workers) {
			continue
		}
		cw := w.workers[i]
		if w.canClose(cw) {
			wasOpen := cw.isOpen()
			if wasOpen {
				cw.close()
			}
			// Handle a synchronous close: completions call back into this
			// method only when the completion depth allows it.
			if !wasOpen || (!cw.isOpen() && w.canClose(cw)) {
				if cw == inWriter {
					ret = false
				}
				cw.destroy()
			}
		} else if cw.isIdle() && cw.isOpen() {
			// Stop at the first idle worker that cannot be closed.
			break
		}
	}
	return ret
}

// reportCompletion delivers a completion to the application and runs the
// idle-close and close-out logic when it is safe to do so. Returns false
// when the caller must unwind without touching shared state.
func (w *Writer) reportCompletion(cw *chunkWorker, offset, size int64) bool {
	gen := w.generation
	w.completionDepth++
	defer func() { w.completionDepth-- }()

	w.pendingCount -= size
	w.metrics.PendingBytes.Set(float64(w.PendingSize()))
	if cw != nil && w.errorCode == 0 {
		w.errorCode = cw.errorCode
	}
	if w.completion != nil {
		w.completion.Done(w, w.errorCode, offset, size)
	}
	ret := true
	if w.completionDepth <= 1 && w.striperProcessCount <= 0 {
		ret = w.tryToCloseIdle(cw)
		if w.closing && len(w.workers) == 0 && !w.sleeping {
			w.setFileSize()
			if w.truncateOp.FileID < 0 && !w.sleeping {
				w.closing = false
				w.fileID = -1
				w.striper = nil
				w.generation++
				ret = false
				if w.completion != nil {
					w.completion.Done(w, w.errorCode, 0, 0)
				}
				return ret
			}
		}
	}
	return ret && gen == w.generation
}

// setFileSize issues the close-out truncate for striped and replicated
// files when the written size extends the file.
func (w *Writer) setFileSize() {
	if (w.striper == nil && w.replicaCount == 0) ||
		w.errorCode != 0 || w.truncateOp.FileID >= 0 {
		return
	}
	size := w.offset + int64(w.buffer.BytesAvailable())
	if w.striper != nil {
		size = w.striper.FileSize()
	}
	if size < 0 || size <= w.truncateOp.FileOffset {
		return
	}
	w.opStartTime = w.now()
	w.truncateOp.Reset()
	w.truncateOp.Path = w.path
	w.truncateOp.FileID = w.fileID
	w.truncateOp.FileOffset = size
	w.stats.MetaOpsQueued++
	w.logger.Debug().Int64("size", size).Msg("meta +> truncate")
	if !w.cfg.Meta.Enqueue(&w.truncateOp, w, 0) {
		w.internalError("meta truncate enqueue failure")
		w.truncateOp.Status = protocol.StatusFault
		w.OpDone(&w.truncateOp, false, nil)
	}
}

// OpDone implements OpOwner for the writer's own meta ops (truncate).
func (w *Writer) OpDone(op protocol.Op, canceled bool, payload *iobuf.Queue) {
	if op != protocol.Op(&w.truncateOp) {
		return
	}
	w.logger.Debug().
		Bool("canceled", canceled).
		Int("status", w.truncateOp.Status).
		Msg("meta <- truncate")
	w.truncateOp.Path = ""
	w.truncateOp.FileID = -1
	if canceled {
		w.truncateOp.FileOffset = -1
		return
	}
	if w.truncateOp.Status != 0 {
		w.logger.Error().
			Int64("offset", w.truncateOp.FileOffset).
			Int("status", w.truncateOp.Status).
			Int("retry", w.retryCount).
			Int("max_retries", w.cfg.MaxRetryCount).
			Msg("set size failure")
		w.truncateOp.FileOffset = -1
		w.retryCount++
		if w.retryCount <= w.cfg.MaxRetryCount {
			w.stats.TruncateRetries++
			var floor time.Duration
			if w.retryCount >= 1 {
				floor = time.Second
			}
			d := w.cfg.TimeBetweenRetries - w.now().Sub(w.opStartTime)
			if d < floor {
				d = floor
			}
			w.sleep(d)
			if !w.sleeping {
				w.startWrite(false)
			}
		} else {
			status := w.truncateOp.Status
			if status == protocol.StatusMaxRetryReached && w.truncateOp.LastError < 0 {
				status = w.truncateOp.LastError
			}
			w.fatalError(status)
		}
		return
	}
	w.retryCount = 0
	w.reportCompletion(nil, 0, 0)
}

func (w *Writer) sleep(d time.Duration) bool {
	if d <= 0 || w.sleeping {
		return false
	}
	w.logger.Debug().Dur("sleep", d).Msg("sleeping")
	w.sleeping = true
	w.stats.SleepTimeSec += int64(d / time.Second)
	w.metrics.SleepSecondsTotal.Add(d.Seconds())
	w.sleepTimer = w.cfg.Scheduler.AfterFunc(d, w.timeout)
	return true
}

func (w *Writer) timeout() {
	if w.sleeping {
		w.sleepTimer.Stop()
		w.sleeping = false
	}
	w.startWrite(false)
}
