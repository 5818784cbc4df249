package dcpcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchbaselabs/dcpcore/dcpwire"
)

func newTestProducer(t *testing.T, failover *FailoverTable, highSeqno uint64) *Producer {
	bufferLog := NewBufferLog(0)
	failoverSrc := &fakeFailoverSource{tables: map[uint16]*FailoverTable{0: failover}}
	seqnoSrc := &fakeSeqnoSource{high: highSeqno}
	ckptSrc := &fakeCheckpointSource{low: 0}
	mgr := NewBackfillManager(&fakeBackfillSource{}, seqnoSrc, &syncScheduler{}, BackfillOptions{}, nil)
	return NewProducer(ProducerOptions{}, bufferLog, failoverSrc, seqnoSrc, ckptSrc, mgr, nil, nil)
}

func TestProducerHandleStreamReqAdmitsFreshStream(t *testing.T) {
	table := NewFailoverTable(0xAAAA)
	p := newTestProducer(t, table, 100)

	resp, err := p.HandleStreamReq(ActiveStreamParams{
		Opaque: 1, VbucketID: 0, StartSeqNo: 0, EndSeqNo: 100, VbUUID: 0xAAAA,
	})
	require.NoError(t, err)
	assert.Equal(t, dcpwire.StatusSuccess, resp.Status)
}

func TestProducerHandleStreamReqRejectsDuplicate(t *testing.T) {
	table := NewFailoverTable(0xAAAA)
	p := newTestProducer(t, table, 100)

	_, err := p.HandleStreamReq(ActiveStreamParams{Opaque: 1, VbucketID: 0, VbUUID: 0xAAAA})
	require.NoError(t, err)

	_, err = p.HandleStreamReq(ActiveStreamParams{Opaque: 2, VbucketID: 0, VbUUID: 0xAAAA})
	assert.ErrorIs(t, err, ErrDuplicateStream)
}

func TestProducerHandleStreamReqRollsBackPastHighSeqno(t *testing.T) {
	table := NewFailoverTable(0xAAAA)
	p := newTestProducer(t, table, 10)

	resp, err := p.HandleStreamReq(ActiveStreamParams{
		Opaque: 1, VbucketID: 0, StartSeqNo: 50, VbUUID: 0xAAAA,
	})
	require.NoError(t, err)
	assert.Equal(t, dcpwire.StatusRollback, resp.Status)
}

func TestProducerStepEmitsStashedPacketFirst(t *testing.T) {
	table := NewFailoverTable(0xAAAA)
	p := newTestProducer(t, table, 100)

	stashed := &dcpwire.Packet{Opaque: 99}
	p.Stash(stashed)

	result, pak, err := p.Step(time.Now())
	require.NoError(t, err)
	assert.Equal(t, StepSuccess, result)
	assert.Same(t, stashed, pak)
}

func TestProducerStepEmitsControlBeforeData(t *testing.T) {
	table := NewFailoverTable(0xAAAA)
	p := newTestProducer(t, table, 100)
	p.SetControl("enable_noop", "true")

	result, pak, err := p.Step(time.Now())
	require.NoError(t, err)
	assert.Equal(t, StepSuccess, result)
	assert.Equal(t, dcpwire.OpCodeDcpControl, pak.OpCode)
}

func TestProducerStepPausesOnFullBufferLog(t *testing.T) {
	table := NewFailoverTable(0xAAAA)
	bufferLog := NewBufferLog(1)
	bufferLog.Insert(1)

	failoverSrc := &fakeFailoverSource{tables: map[uint16]*FailoverTable{0: table}}
	seqnoSrc := &fakeSeqnoSource{high: 100}
	mgr := NewBackfillManager(&fakeBackfillSource{}, seqnoSrc, &syncScheduler{}, BackfillOptions{}, nil)
	p := NewProducer(ProducerOptions{}, bufferLog, failoverSrc, seqnoSrc, &fakeCheckpointSource{}, mgr, nil, nil)

	result, pak, err := p.Step(time.Now())
	require.NoError(t, err)
	assert.Equal(t, StepPause, result)
	assert.Nil(t, pak)
}

func TestProducerStepEncodesExpirationEvent(t *testing.T) {
	table := NewFailoverTable(0xAAAA)
	p := newTestProducer(t, table, 0)

	_, err := p.HandleStreamReq(ActiveStreamParams{
		Opaque: 1, VbucketID: 0, StartSeqNo: 0, EndSeqNo: 10, VbUUID: 0xAAAA,
	})
	require.NoError(t, err)

	stream := p.streams[0]
	stream.QueueSnapshot([]BackfillItem{{SeqNo: 1, Key: []byte("k"), Expired: true}}, 1, 1, dcpwire.SnapshotFlagMemory)

	_, _, err = p.Step(time.Now()) // snapshot marker
	require.NoError(t, err)

	result, pak, err := p.Step(time.Now())
	require.NoError(t, err)
	assert.Equal(t, StepSuccess, result)
	assert.Equal(t, dcpwire.OpCodeDcpExpiration, pak.OpCode)
}

func TestProducerHandleSetVBucketStateAckByOpaqueResolvesStreamByOpaque(t *testing.T) {
	table := NewFailoverTable(0xAAAA)
	p := newTestProducer(t, table, 0)

	_, err := p.HandleStreamReq(ActiveStreamParams{
		Opaque: 77, VbucketID: 0, StartSeqNo: 0, EndSeqNo: 0, VbUUID: 0xAAAA,
		Flags: dcpwire.StreamReqFlagTakeover,
	})
	require.NoError(t, err)

	stream := p.streams[0]
	stream.MaybeTakeover(0) // queue already drained at seqno 0: InMemory -> TakeoverSend

	_, _, err = p.Step(time.Now()) // emits the SET_VBUCKET_STATE(dead) event
	require.NoError(t, err)

	// the ack carries only the opaque (the response has no vbucket field),
	// so it must resolve back to vbucket 0 via the stream's own opaque.
	p.HandleSetVBucketStateAckByOpaque(77)

	assert.Equal(t, ActiveStreamDead, stream.State())
}

func TestProducerHandleSetVBucketStateAckByOpaqueIgnoresUnknownOpaque(t *testing.T) {
	table := NewFailoverTable(0xAAAA)
	p := newTestProducer(t, table, 0)

	// no streams registered; this must not panic.
	p.HandleSetVBucketStateAckByOpaque(12345)
}

func TestProducerDisconnectIsIdempotentAndClosesStreams(t *testing.T) {
	table := NewFailoverTable(0xAAAA)
	p := newTestProducer(t, table, 100)

	_, err := p.HandleStreamReq(ActiveStreamParams{Opaque: 1, VbucketID: 0, VbUUID: 0xAAAA})
	require.NoError(t, err)

	p.Disconnect()
	p.Disconnect()

	_, _, err = p.Step(time.Now())
	assert.ErrorIs(t, err, ErrDisconnect)
}
