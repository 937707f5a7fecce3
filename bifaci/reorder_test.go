package bifaci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkWithSeq(seq uint64) *Frame {
	id := NewMessageIdFromUint(1)
	f := newFrame(FrameTypeChunk, id)
	f.Seq = seq
	idx := seq
	checksum := ComputeChecksum(nil)
	f.ChunkIndex = &idx
	f.Checksum = &checksum
	return f
}

func TestReorderBufferInOrderDeliversImmediately(t *testing.T) {
	rb := NewReorderBuffer(8)

	ready, err := rb.Push(chunkWithSeq(0))
	require.NoError(t, err)
	assert.Len(t, ready, 1)
	assert.EqualValues(t, 0, ready[0].Seq)
	assert.EqualValues(t, 1, rb.NextSeq())
}

func TestReorderBufferHoldsOutOfOrderThenReleasesRun(t *testing.T) {
	rb := NewReorderBuffer(8)

	ready, err := rb.Push(chunkWithSeq(2))
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.Equal(t, 1, rb.Pending())

	ready, err = rb.Push(chunkWithSeq(1))
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.Equal(t, 2, rb.Pending())

	ready, err = rb.Push(chunkWithSeq(0))
	require.NoError(t, err)
	require.Len(t, ready, 3)
	assert.EqualValues(t, 0, ready[0].Seq)
	assert.EqualValues(t, 1, ready[1].Seq)
	assert.EqualValues(t, 2, ready[2].Seq)
	assert.Equal(t, 0, rb.Pending())
	assert.EqualValues(t, 3, rb.NextSeq())
}

func TestReorderBufferRejectsStaleDuplicate(t *testing.T) {
	rb := NewReorderBuffer(8)
	_, err := rb.Push(chunkWithSeq(0))
	require.NoError(t, err)

	_, err = rb.Push(chunkWithSeq(0))
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestReorderBufferRejectsDuplicatePending(t *testing.T) {
	rb := NewReorderBuffer(8)
	_, err := rb.Push(chunkWithSeq(2))
	require.NoError(t, err)

	_, err = rb.Push(chunkWithSeq(2))
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestReorderBufferOverflowsAtCapacity(t *testing.T) {
	rb := NewReorderBuffer(2)

	_, err := rb.Push(chunkWithSeq(1))
	require.NoError(t, err)
	_, err = rb.Push(chunkWithSeq(2))
	require.NoError(t, err)

	_, err = rb.Push(chunkWithSeq(3))
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestReorderBufferNonFlowFramesBypassOrdering(t *testing.T) {
	rb := NewReorderBuffer(1)

	hb := NewHeartbeat(NewMessageIdFromUint(1))
	ready, err := rb.Push(hb)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Same(t, hb, ready[0])
	assert.Equal(t, 0, rb.Pending())
}
