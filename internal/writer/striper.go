package writer

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chunkfs/chunkfs/internal/iobuf"
)

// StriperType selects the transform layered above the per-chunk path.
type StriperType int

const (
	// StriperNone writes chunks in place with no transform.
	StriperNone StriperType = 0
	// StriperRS stripes data across chunk columns with Reed-Solomon
	// recovery columns.
	StriperRS StriperType = 1
)

// Striper consumes application bytes and emits per-stripe sub-writes back
// through the coordinator. Offsets handed back to the coordinator are
// physical file offsets; completions for striped files carry those.
type Striper interface {
	// Process consumes buf (logical bytes starting at *offset), advances
	// *offset by the bytes consumed, and queues whatever sub-writes are
	// ready under the given write threshold.
	Process(buf *iobuf.Queue, offset *int64, writeThreshold int) error
	// FileSize returns the logical file size written so far, -1 if
	// unknown.
	FileSize() int64
	// PendingSize returns bytes buffered inside the striper, not yet
	// queued to any worker.
	PendingSize() int64
	// IsWriteRetryNeeded decides whether a failed write at the given
	// physical offset must be retried. Returning false makes the worker
	// invalidate the stripe and report the bytes completed with the
	// failure status.
	IsWriteRetryNeeded(fileOffset int64, retryCount, maxRetry, status int) bool
}

// striperAdapter is the glue between a striper and its coordinator: the
// striper queues sub-writes through it, and kicks the front worker once a
// batch is queued.
type striperAdapter struct {
	w           *Writer
	queued      int64
	writeQueued bool
}

func (a *striperAdapter) QueueWrite(buf *iobuf.Queue, size int, offset int64, writeThreshold int) int64 {
	n := a.w.queueWrite(buf, size, offset, writeThreshold)
	if n > 0 {
		a.writeQueued = true
		a.queued += n
	}
	return n
}

func (a *striperAdapter) StartQueuedWrite() {
	if !a.writeQueued {
		return
	}
	a.writeQueued = false
	n := a.queued
	a.queued = 0
	a.w.startQueuedWrite(n)
}

func (a *striperAdapter) closing() bool { return a.w.closing }

// newStriper instantiates the striper for Open. Returns the striper and
// the open-chunk-block size hint.
func newStriper(
	typ StriperType,
	stripeCount, recoveryCount, stripeSize int,
	fileSize int64,
	logger zerolog.Logger,
	adapter *striperAdapter,
) (Striper, int64, error) {
	switch typ {
	case StriperRS:
		return newRSStriper(stripeCount, recoveryCount, stripeSize, fileSize, logger, adapter)
	default:
		return nil, 0, fmt.Errorf("unsupported striper type %d", typ)
	}
}
