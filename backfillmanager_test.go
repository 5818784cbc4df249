package dcpcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackfillManagerFeedsItemsInOrder(t *testing.T) {
	notifier := &fakeStreamNotifier{}
	stream := NewActiveStream(notifier, ActiveStreamParams{
		VbucketID:  7,
		StartSeqNo: 1,
		EndSeqNo:   100,
	}, nil)

	source := &fakeBackfillSource{items: []BackfillItem{
		{SeqNo: 1, Key: []byte("a")},
		{SeqNo: 2, Key: []byte("b")},
		{SeqNo: 3, Key: []byte("c")},
	}}

	// Start moves a stream to Backfilling before it schedules the scan.
	stream.state = ActiveStreamBackfilling
	mgr := NewBackfillManager(source, &fakeSeqnoSource{high: 3}, &syncScheduler{}, BackfillOptions{MaxConcurrentScans: 2}, nil)
	cancel := mgr.Schedule(stream, 1, 3)
	require.NotNil(t, cancel)

	ev, ok := stream.NextEvent()
	require.True(t, ok)
	assert.Equal(t, DcpEventSnapshotMarker, ev.Type)

	for i := uint64(1); i <= 3; i++ {
		ev, ok = stream.NextEvent()
		require.True(t, ok)
		assert.Equal(t, DcpEventMutation, ev.Type)
		assert.Equal(t, i, ev.Item.SeqNo)
	}

	assert.Equal(t, ActiveStreamInMemory, stream.State())
}

func TestBackfillManagerReturnsBudgetOnCompletion(t *testing.T) {
	notifier := &fakeStreamNotifier{}
	stream := NewActiveStream(notifier, ActiveStreamParams{VbucketID: 1, StartSeqNo: 1, EndSeqNo: 100}, nil)

	source := &fakeBackfillSource{items: []BackfillItem{
		{SeqNo: 1, Key: []byte("k"), Value: make([]byte, 50)},
	}}

	mgr := NewBackfillManager(source, &fakeSeqnoSource{high: 1}, &syncScheduler{},
		BackfillOptions{MaxConcurrentScans: 1, MaxOutstandingBytes: 1000}, nil)
	mgr.Schedule(stream, 1, 1)

	mgr.mu.Lock()
	outstanding := mgr.outstandingBytes
	mgr.mu.Unlock()
	assert.Zero(t, outstanding, "bytes must be returned to the budget once the scan finishes")
}

func TestBackfillManagerRunsEachScheduledScanWithOneSlot(t *testing.T) {
	streamA := NewActiveStream(&fakeStreamNotifier{}, ActiveStreamParams{VbucketID: 1, StartSeqNo: 1, EndSeqNo: 10}, nil)
	streamB := NewActiveStream(&fakeStreamNotifier{}, ActiveStreamParams{VbucketID: 2, StartSeqNo: 1, EndSeqNo: 10}, nil)
	// Start moves a stream to Backfilling before it schedules the scan.
	streamA.state = ActiveStreamBackfilling
	streamB.state = ActiveStreamBackfilling

	source := &fakeBackfillSource{}
	sched := &syncScheduler{}
	mgr := NewBackfillManager(source, &fakeSeqnoSource{high: 10}, sched, BackfillOptions{MaxConcurrentScans: 1}, nil)

	mgr.Schedule(streamA, 1, 10)
	mgr.Schedule(streamB, 1, 10)

	// both jobs run synchronously to completion under syncScheduler, so by
	// the time Schedule returns both streams have transitioned.
	assert.Equal(t, ActiveStreamInMemory, streamA.State())
	assert.Equal(t, ActiveStreamInMemory, streamB.State())
}
