// Package iobuf provides a zero-copy queue of byte-buffer fragments used to
// stage write data between the application, the striper, and the per-chunk
// write queues.
package iobuf

// DefaultFragmentSize is the allocation unit for new fragments.
const DefaultFragmentSize = 16 * 1024

// Queue is an ordered sequence of byte fragments. Moving data between
// queues transfers fragment references instead of copying whenever the move
// lands on a fragment boundary; a mid-fragment move splits the fragment by
// re-slicing, so both halves share the backing array. Callers must treat
// moved bytes as immutable.
type Queue struct {
	frags [][]byte
	avail int
	// tailCap tracks remaining capacity of the tail fragment for appends.
	tailCap int
}

// New returns an empty queue.
func New() *Queue { return &Queue{} }

// NewWithBytes returns a queue holding a copy of p.
func NewWithBytes(p []byte) *Queue {
	q := &Queue{}
	q.AppendBytes(p)
	return q
}

// BytesAvailable returns the number of queued bytes.
func (q *Queue) BytesAvailable() int { return q.avail }

// IsEmpty reports whether the queue holds no bytes.
func (q *Queue) IsEmpty() bool { return q.avail == 0 }

// FragmentCount returns the number of fragments currently held.
func (q *Queue) FragmentCount() int { return len(q.frags) }

// Clear drops all queued bytes.
func (q *Queue) Clear() {
	q.frags = nil
	q.avail = 0
	q.tailCap = 0
}

// AppendBytes copies p into the queue, filling the tail fragment before
// allocating new ones.
func (q *Queue) AppendBytes(p []byte) {
	for len(p) > 0 {
		if q.tailCap == 0 {
			f := make([]byte, 0, DefaultFragmentSize)
			q.frags = append(q.frags, f)
			q.tailCap = DefaultFragmentSize
		}
		i := len(q.frags) - 1
		n := len(p)
		if n > q.tailCap {
			n = q.tailCap
		}
		q.frags[i] = append(q.frags[i], p[:n]...)
		q.tailCap -= n
		q.avail += n
		p = p[n:]
	}
}

// Move transfers up to n bytes from the head of src to the tail of this
// queue without copying. It returns the number of bytes moved.
func (q *Queue) Move(src *Queue, n int) int {
	if n > src.avail {
		n = src.avail
	}
	if n <= 0 {
		return 0
	}
	moved := 0
	for moved < n {
		f := src.frags[0]
		rem := n - moved
		if len(f) <= rem {
			src.frags = src.frags[1:]
			q.frags = append(q.frags, f)
			moved += len(f)
		} else {
			// Split: both halves share the backing array.
			q.frags = append(q.frags, f[:rem:rem])
			src.frags[0] = f[rem:]
			moved += rem
		}
	}
	src.avail -= moved
	if len(src.frags) == 0 {
		src.tailCap = 0
	}
	q.avail += moved
	q.tailCap = 0 // the appended fragment is foreign; do not grow it
	return moved
}

// ReplaceKeepBuffersFull copies up to n bytes from the head of src into
// this queue starting at logical position at, keeping fragments full so
// small sequential appends do not fragment the queue. Only appending at the
// current end is supported; bytes are consumed from src. Returns the number
// of bytes written.
func (q *Queue) ReplaceKeepBuffersFull(src *Queue, at, n int) int {
	if at != q.avail {
		return 0
	}
	if n > src.avail {
		n = src.avail
	}
	if n <= 0 {
		return 0
	}
	buf := make([]byte, n)
	src.consumeInto(buf)
	q.AppendBytes(buf)
	return n
}

// MakeBuffersFull compacts the queue so that every fragment except the last
// is exactly DefaultFragmentSize. Called after too many reference moves left
// the queue fragmented.
func (q *Queue) MakeBuffersFull() {
	if len(q.frags) <= 1 {
		return
	}
	all := q.Bytes()
	q.Clear()
	q.AppendBytes(all)
}

// Consume drops up to n bytes from the head and returns the number dropped.
func (q *Queue) Consume(n int) int {
	if n > q.avail {
		n = q.avail
	}
	dropped := 0
	for dropped < n {
		f := q.frags[0]
		rem := n - dropped
		if len(f) <= rem {
			q.frags = q.frags[1:]
			dropped += len(f)
		} else {
			q.frags[0] = f[rem:]
			dropped += rem
		}
	}
	q.avail -= dropped
	if len(q.frags) == 0 {
		q.tailCap = 0
	}
	return dropped
}

func (q *Queue) consumeInto(p []byte) int {
	read := 0
	for read < len(p) && len(q.frags) > 0 {
		f := q.frags[0]
		n := copy(p[read:], f)
		read += n
		if n == len(f) {
			q.frags = q.frags[1:]
		} else {
			q.frags[0] = f[n:]
		}
	}
	q.avail -= read
	if len(q.frags) == 0 {
		q.tailCap = 0
	}
	return read
}

// ConsumeInto reads and consumes up to len(p) bytes from the head.
func (q *Queue) ConsumeInto(p []byte) int { return q.consumeInto(p) }

// CopyOut copies up to len(p) bytes from the head without consuming them.
func (q *Queue) CopyOut(p []byte) int {
	read := 0
	for _, f := range q.frags {
		if read >= len(p) {
			break
		}
		read += copy(p[read:], f)
	}
	return read
}

// Bytes returns a flat copy of the queued bytes.
func (q *Queue) Bytes() []byte {
	p := make([]byte, q.avail)
	q.CopyOut(p)
	return p
}

// Range calls fn for each fragment in order until fn returns false.
func (q *Queue) Range(fn func(p []byte) bool) {
	for _, f := range q.frags {
		if len(f) == 0 {
			continue
		}
		if !fn(f) {
			return
		}
	}
}
