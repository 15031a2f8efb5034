package mergetree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSegment(id uint64, text string) *Segment {
	return newSegment(id, []rune(text), UniversalSeq, "")
}

func testGroup(localSeq int64, trackProps bool) *SegmentGroup {
	g := &SegmentGroup{localSeq: localSeq}
	if trackProps {
		g.previousProps = []PropertySet{}
	}
	return g
}

func TestPendingOpQueue_DequeuePop(t *testing.T) {
	s := testSegment(1, "abc")
	g1, g2, g3 := testGroup(1, false), testGroup(2, false), testGroup(3, false)
	for _, g := range []*SegmentGroup{g1, g2, g3} {
		require.NoError(t, s.pending.Enqueue(g))
	}
	require.Equal(t, 3, s.QueueSize())
	assert.True(t, s.HasPendingEdits())

	assert.Same(t, g1, s.pending.Dequeue())
	assert.Equal(t, []*SegmentGroup{g2, g3}, s.pending.Groups())

	assert.Same(t, g3, s.pending.Pop())
	assert.Equal(t, []*SegmentGroup{g2}, s.pending.Groups())

	// segments 只增不减
	assert.Equal(t, []*Segment{s}, g1.segments)
	assert.Equal(t, []*Segment{s}, g3.segments)
}

func TestPendingOpQueue_FIFOAndLIFO(t *testing.T) {
	const n = 8
	fifo, lifo := testSegment(1, "a"), testSegment(2, "b")
	groups := make([]*SegmentGroup, n)
	for i := range groups {
		groups[i] = testGroup(int64(i+1), false)
		require.NoError(t, fifo.pending.Enqueue(groups[i]))
		require.NoError(t, lifo.pending.Enqueue(groups[i]))
	}
	for i := 0; i < n; i++ {
		assert.Same(t, groups[i], fifo.pending.Dequeue())
		assert.Same(t, groups[n-1-i], lifo.pending.Pop())
	}
	assert.Nil(t, fifo.pending.Dequeue())
	assert.Nil(t, lifo.pending.Pop())
	assert.True(t, fifo.pending.IsEmpty())
	assert.Equal(t, 0, lifo.QueueSize())
}

func TestPendingOpQueue_Remove(t *testing.T) {
	s := testSegment(1, "abc")
	g1, g2, g3 := testGroup(1, false), testGroup(2, false), testGroup(3, false)
	for _, g := range []*SegmentGroup{g1, g2, g3} {
		require.NoError(t, s.pending.Enqueue(g))
	}

	assert.True(t, s.pending.Remove(g2))
	after := s.pending.Groups()
	assert.Equal(t, []*SegmentGroup{g1, g3}, after)

	assert.False(t, s.pending.Remove(g2))
	assert.Equal(t, after, s.pending.Groups())

	assert.False(t, s.pending.Remove(testGroup(9, false)))
	assert.Equal(t, 2, s.QueueSize())
}

func TestPendingOpQueue_EnqueueRejectsMisalignedProps(t *testing.T) {
	s := testSegment(1, "abc")
	g := testGroup(1, true)

	err := s.pending.Enqueue(g)
	require.ErrorIs(t, err, ErrInconsistentGroup)
	assert.True(t, s.pending.IsEmpty())
	assert.Empty(t, g.segments)

	require.NoError(t, s.pending.EnqueueWithProps(g, PropertySet{"color": "red"}))
	assert.Len(t, g.segments, 1)
	assert.Len(t, g.previousProps, 1)

	// 调用方先追加快照再 Enqueue 也是合法的
	other := testSegment(2, "def")
	g.previousProps = append(g.previousProps, PropertySet{"color": "blue"})
	require.NoError(t, other.pending.Enqueue(g))
	assert.True(t, g.Aligned())

	plain := testGroup(2, false)
	assert.ErrorIs(t, s.pending.EnqueueWithProps(plain, PropertySet{}), ErrInconsistentGroup)
}

func TestPendingOpQueue_CopyToDuplicatesPreviousProps(t *testing.T) {
	src := testSegment(1, "abcdef")
	g1 := testGroup(1, true)
	require.NoError(t, src.pending.EnqueueWithProps(g1, PropertySet{"color": "red"}))

	dst := testSegment(2, "def")
	require.NoError(t, src.pending.CopyTo(dst.pending))

	assert.Equal(t, []*SegmentGroup{g1}, dst.pending.Groups())
	assert.Equal(t, []*Segment{src, dst}, g1.segments)
	prior, ok := g1.priorFor(dst)
	require.True(t, ok)
	assert.Equal(t, PropertySet{"color": "red"}, prior)
	assert.True(t, g1.Aligned())
}

func TestPendingOpQueue_CopyToPreservesOrderAndAlignment(t *testing.T) {
	src := testSegment(1, "abcdef")
	var groups []*SegmentGroup
	for i := 1; i <= 4; i++ {
		g := testGroup(int64(i), i%2 == 0)
		if g.HasPreviousProps() {
			require.NoError(t, src.pending.EnqueueWithProps(g, PropertySet{"n": i}))
		} else {
			require.NoError(t, src.pending.Enqueue(g))
		}
		groups = append(groups, g)
	}

	left, right := testSegment(2, "abc"), testSegment(3, "def")
	require.NoError(t, src.pending.CopyTo(left.pending))
	require.NoError(t, src.pending.CopyTo(right.pending))

	assert.Equal(t, groups, left.pending.Groups())
	assert.Equal(t, groups, right.pending.Groups())
	assert.Equal(t, 4, src.QueueSize())
	for i, g := range groups {
		assert.Len(t, g.segments, 3)
		if !g.HasPreviousProps() {
			continue
		}
		assert.True(t, g.Aligned())
		for _, s := range []*Segment{left, right} {
			prior, ok := g.priorFor(s)
			require.True(t, ok)
			assert.Equal(t, PropertySet{"n": i + 1}, prior)
		}
	}
}

func TestPendingOpQueue_CopyToRejectsBeforeMutating(t *testing.T) {
	src := testSegment(1, "abc")
	ok := testGroup(1, false)
	require.NoError(t, src.pending.Enqueue(ok))

	// 源 segment 不在 group 的 segments 里：无法定位要复制的快照
	broken := testGroup(2, true)
	src.pending.groups.PushBack(broken)

	dst := testSegment(2, "c")
	err := src.pending.CopyTo(dst.pending)
	require.ErrorIs(t, err, ErrInconsistentGroup)
	assert.True(t, dst.pending.IsEmpty())
	assert.Equal(t, []*Segment{src}, ok.segments)
}
