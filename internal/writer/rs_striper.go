package writer

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
	"github.com/rs/zerolog"

	"github.com/chunkfs/chunkfs/internal/iobuf"
	"github.com/chunkfs/chunkfs/internal/protocol"
)

// rsStriper lays a file out column-major across stripeCount data columns
// and recoveryCount Reed-Solomon parity columns. An open chunk block spans
// (stripeCount+recoveryCount) x ChunkSize of physical file space; column c
// owns physical chunk block*N + c. Logical bytes round-robin across the
// data columns in stripeSize units; parity is computed per stripe row and
// queued when a row completes, or zero-padded on close.
type rsStriper struct {
	adapter       *striperAdapter
	logger        zerolog.Logger
	stripeCount   int
	recoveryCount int
	stripeSize    int
	enc           reedsolomon.Encoder // nil when recoveryCount == 0

	pending       iobuf.Queue // buffered logical bytes, not yet a full row
	pendingOffset int64       // logical offset of the first pending byte
	fileSize      int64       // logical end of everything consumed

	// invalidColumns tracks columns given up on, per open chunk block.
	invalidColumns map[int64]map[int]bool
}

func newRSStriper(
	stripeCount, recoveryCount, stripeSize int,
	fileSize int64,
	logger zerolog.Logger,
	adapter *striperAdapter,
) (Striper, int64, error) {
	if stripeCount < 1 || recoveryCount < 0 {
		return nil, 0, fmt.Errorf("invalid stripe counts %d+%d", stripeCount, recoveryCount)
	}
	if stripeCount+recoveryCount > 256 {
		return nil, 0, fmt.Errorf("total stripes %d exceed 256", stripeCount+recoveryCount)
	}
	if stripeSize <= 0 || stripeSize > protocol.ChunkSize ||
		stripeSize%protocol.ChecksumBlockSize != 0 {
		return nil, 0, fmt.Errorf("invalid stripe size %d", stripeSize)
	}
	s := &rsStriper{
		adapter:        adapter,
		logger:         logger.With().Str("component", "rs-striper").Logger(),
		stripeCount:    stripeCount,
		recoveryCount:  recoveryCount,
		stripeSize:     stripeSize,
		fileSize:       fileSize,
		invalidColumns: make(map[int64]map[int]bool),
	}
	if recoveryCount > 0 {
		enc, err := reedsolomon.New(stripeCount, recoveryCount)
		if err != nil {
			return nil, 0, fmt.Errorf("create encoder: %w", err)
		}
		s.enc = enc
	}
	blockSize := int64(stripeCount+recoveryCount) * protocol.ChunkSize
	return s, blockSize, nil
}

func (s *rsStriper) columns() int { return s.stripeCount + s.recoveryCount }

func (s *rsStriper) rowSize() int { return s.stripeCount * s.stripeSize }

// physicalOffset maps (stripe row, column) to the physical file offset of
// the column's slice of that row.
func (s *rsStriper) physicalOffset(row int64, col int) int64 {
	colPos := row * int64(s.stripeSize)
	block := colPos / protocol.ChunkSize
	inChunk := colPos % protocol.ChunkSize
	return block*int64(s.columns())*protocol.ChunkSize +
		int64(col)*protocol.ChunkSize + inChunk
}

func (s *rsStriper) Process(buf *iobuf.Queue, offset *int64, writeThreshold int) error {
	if s.pending.IsEmpty() {
		s.pendingOffset = *offset
	} else if s.pendingOffset+int64(s.pending.BytesAvailable()) != *offset {
		return ErrSeek
	}
	consumed := buf.BytesAvailable()
	s.pending.Move(buf, consumed)
	*offset += int64(consumed)
	if end := s.pendingOffset + int64(s.pending.BytesAvailable()); end > s.fileSize {
		s.fileSize = end
	}
	rowSize := s.rowSize()
	for s.pending.BytesAvailable() >= rowSize {
		if err := s.emitRow(rowSize, writeThreshold); err != nil {
			return err
		}
	}
	// A short final row is emitted zero-padded only on close: completing
	// it earlier would require rewriting parity, and acknowledged bytes
	// are never rewritten.
	if s.adapter.closing() && s.pending.BytesAvailable() > 0 {
		if err := s.emitRow(s.pending.BytesAvailable(), writeThreshold); err != nil {
			return err
		}
	}
	s.adapter.StartQueuedWrite()
	return nil
}

// emitRow consumes dataLen bytes of one stripe row, computes parity over
// the zero-padded row, and queues every column's sub-write.
func (s *rsStriper) emitRow(dataLen, writeThreshold int) error {
	if s.pendingOffset%int64(s.rowSize()) != 0 {
		return ErrFault
	}
	row := s.pendingOffset / int64(s.rowSize())
	shards := make([][]byte, s.columns())
	rowBuf := make([]byte, s.rowSize())
	n := s.pending.ConsumeInto(rowBuf[:dataLen])
	if n != dataLen {
		return ErrFault
	}
	for c := 0; c < s.stripeCount; c++ {
		shards[c] = rowBuf[c*s.stripeSize : (c+1)*s.stripeSize]
	}
	for c := s.stripeCount; c < s.columns(); c++ {
		shards[c] = make([]byte, s.stripeSize)
	}
	if s.enc != nil {
		if err := s.enc.Encode(shards); err != nil {
			return fmt.Errorf("encode stripe row %d: %w", row, err)
		}
	}
	for c := 0; c < s.stripeCount; c++ {
		// Only the bytes actually written land in the data columns; the
		// padding exists for parity arithmetic only.
		begin := c * s.stripeSize
		if begin >= dataLen {
			break
		}
		end := begin + s.stripeSize
		if end > dataLen {
			end = dataLen
		}
		q := iobuf.NewWithBytes(shards[c][:end-begin])
		s.adapter.QueueWrite(q, end-begin, s.physicalOffset(row, c), writeThreshold)
		// Kick each column's worker while it is at the front.
		s.adapter.StartQueuedWrite()
	}
	for c := s.stripeCount; c < s.columns(); c++ {
		q := iobuf.NewWithBytes(shards[c])
		s.adapter.QueueWrite(q, s.stripeSize, s.physicalOffset(row, c), writeThreshold)
		s.adapter.StartQueuedWrite()
	}
	s.pendingOffset += int64(dataLen)
	return nil
}

func (s *rsStriper) FileSize() int64 { return s.fileSize }

func (s *rsStriper) PendingSize() int64 { return int64(s.pending.BytesAvailable()) }

// IsWriteRetryNeeded gives up on a column (returning false triggers stripe
// invalidation in the worker) once its retries are exhausted while the open
// chunk block still has unused recovery budget.
func (s *rsStriper) IsWriteRetryNeeded(fileOffset int64, retryCount, maxRetry, status int) bool {
	if retryCount < maxRetry {
		return true
	}
	if s.recoveryCount == 0 {
		return true
	}
	n := int64(s.columns())
	col := int((fileOffset / protocol.ChunkSize) % n)
	block := fileOffset / (n * protocol.ChunkSize)
	cols := s.invalidColumns[block]
	if cols[col] {
		return false // already given up on this column
	}
	if len(cols)+1 > s.recoveryCount {
		return true // no recovery budget left; keep retrying
	}
	if cols == nil {
		cols = make(map[int]bool)
		s.invalidColumns[block] = cols
	}
	cols[col] = true
	s.logger.Info().
		Int64("block", block).
		Int("column", col).
		Int("status", status).
		Int("invalid_columns", len(cols)).
		Msg("giving up on stripe column")
	return false
}
