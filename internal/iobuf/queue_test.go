package iobuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendFillsTailFragment(t *testing.T) {
	q := New()
	q.AppendBytes(make([]byte, 1000))
	q.AppendBytes(make([]byte, 1000))
	assert.Equal(t, 2000, q.BytesAvailable())
	assert.Equal(t, 1, q.FragmentCount(), "small appends share one fragment")

	q.AppendBytes(make([]byte, DefaultFragmentSize))
	assert.Equal(t, 2, q.FragmentCount())
}

func TestMoveTransfersFragmentsWithoutCopy(t *testing.T) {
	src := NewWithBytes(bytes.Repeat([]byte{1}, DefaultFragmentSize))
	src.AppendBytes(bytes.Repeat([]byte{2}, DefaultFragmentSize))
	dst := New()

	n := dst.Move(src, DefaultFragmentSize)
	assert.Equal(t, DefaultFragmentSize, n)
	assert.Equal(t, DefaultFragmentSize, dst.BytesAvailable())
	assert.Equal(t, DefaultFragmentSize, src.BytesAvailable())
	assert.Equal(t, []byte{1}, dst.Bytes()[:1])
	assert.Equal(t, []byte{2}, src.Bytes()[:1])
}

func TestMoveSplitsMidFragment(t *testing.T) {
	src := NewWithBytes([]byte("hello world"))
	dst := New()
	n := dst.Move(src, 5)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(dst.Bytes()))
	assert.Equal(t, " world", string(src.Bytes()))
}

func TestMoveMoreThanAvailable(t *testing.T) {
	src := NewWithBytes([]byte("abc"))
	dst := New()
	assert.Equal(t, 3, dst.Move(src, 10))
	assert.True(t, src.IsEmpty())
}

func TestReplaceKeepBuffersFullAppends(t *testing.T) {
	q := New()
	src := NewWithBytes([]byte("abcdef"))
	n := q.ReplaceKeepBuffersFull(src, 0, 3)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abc", string(q.Bytes()))
	assert.Equal(t, "def", string(src.Bytes()))

	// Only appending at the current end is supported.
	assert.Equal(t, 0, q.ReplaceKeepBuffersFull(src, 999, 3))

	n = q.ReplaceKeepBuffersFull(src, q.BytesAvailable(), 3)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abcdef", string(q.Bytes()))
	assert.Equal(t, 1, q.FragmentCount())
}

func TestMakeBuffersFullCompacts(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		src := NewWithBytes(make([]byte, 100))
		q.Move(src, 100)
	}
	require.Equal(t, 5, q.FragmentCount())
	q.MakeBuffersFull()
	assert.Equal(t, 1, q.FragmentCount())
	assert.Equal(t, 500, q.BytesAvailable())
}

func TestConsumeAndCopyOut(t *testing.T) {
	q := NewWithBytes([]byte("hello world"))
	peek := make([]byte, 5)
	assert.Equal(t, 5, q.CopyOut(peek))
	assert.Equal(t, "hello", string(peek))
	assert.Equal(t, 11, q.BytesAvailable(), "CopyOut does not consume")

	assert.Equal(t, 6, q.Consume(6))
	assert.Equal(t, "world", string(q.Bytes()))

	into := make([]byte, 3)
	assert.Equal(t, 3, q.ConsumeInto(into))
	assert.Equal(t, "wor", string(into))
	assert.Equal(t, 2, q.BytesAvailable())
}

func TestRangeVisitsFragmentsInOrder(t *testing.T) {
	q := New()
	a := NewWithBytes([]byte("aa"))
	b := NewWithBytes([]byte("bb"))
	q.Move(a, 2)
	q.Move(b, 2)
	var got []byte
	q.Range(func(p []byte) bool {
		got = append(got, p...)
		return true
	})
	assert.Equal(t, "aabb", string(got))
}
