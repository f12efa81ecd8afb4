package protocol

import (
	"hash/crc32"

	"github.com/chunkfs/chunkfs/internal/iobuf"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// NullChecksum is the checksum of the empty range.
var NullChecksum = crc32.Checksum(nil, castagnoli)

// ComputeBlockChecksum returns one aggregate CRC-32C over the first n bytes
// of q. Used when the prepare reply carries a single checksum.
func ComputeBlockChecksum(q *iobuf.Queue, n int) uint32 {
	sum := uint32(0)
	left := n
	q.Range(func(p []byte) bool {
		if len(p) > left {
			p = p[:left]
		}
		sum = crc32.Update(sum, castagnoli, p)
		left -= len(p)
		return left > 0
	})
	return sum
}

// ComputeBlockChecksums returns a CRC-32C per checksum block covering the
// first n bytes of q, plus the aggregate over the whole range. The payload
// begin on a block boundary and only the final block may be short.
func ComputeBlockChecksums(q *iobuf.Queue, n int) (sums []uint32, total uint32) {
	sums = make([]uint32, 0, (n+ChecksumBlockSize-1)/ChecksumBlockSize)
	var (
		blockSum  uint32
		blockLeft = ChecksumBlockSize
		left      = n
	)
	q.Range(func(p []byte) bool {
		if len(p) > left {
			p = p[:left]
		}
		for len(p) > 0 {
			m := len(p)
			if m > blockLeft {
				m = blockLeft
			}
			blockSum = crc32.Update(blockSum, castagnoli, p[:m])
			total = crc32.Update(total, castagnoli, p[:m])
			blockLeft -= m
			left -= m
			p = p[m:]
			if blockLeft == 0 {
				sums = append(sums, blockSum)
				blockSum = 0
				blockLeft = ChecksumBlockSize
			}
		}
		return left > 0
	})
	if blockLeft < ChecksumBlockSize {
		sums = append(sums, blockSum)
	}
	return sums, total
}
