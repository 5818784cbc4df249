package dcpcore

import (
	"context"
	"errors"
	"sync"

	"github.com/couchbaselabs/dcpcore/dcpwire"
	"github.com/couchbaselabs/dcpcore/zaputils"
	"go.uber.org/zap"
)

// PassiveStreamState is one of the states in the consumer-side per-vbucket
// state machine of §4.3.
type PassiveStreamState uint8

const (
	PassiveStreamPending PassiveStreamState = iota
	PassiveStreamReading
	PassiveStreamDead
)

func (s PassiveStreamState) String() string {
	switch s {
	case PassiveStreamPending:
		return "pending"
	case PassiveStreamReading:
		return "reading"
	case PassiveStreamDead:
		return "dead"
	default:
		return "unknown"
	}
}

// PassiveStream is the consumer-side state machine for one (connection,
// vbucket) pair, per §4.3. Events arriving off the wire are buffered here,
// ordered, until a background Processor (owned by the Consumer) drains and
// applies them to storage.
type PassiveStream struct {
	logger      *zap.Logger
	vbID        uint16
	opaque      uint32
	vbUUID      uint64
	startSeq    uint64
	endSeq      uint64
	applySource ApplySource
	windowFn    func() uint64
	compression CompressionManager

	mu                sync.Mutex
	state             PassiveStreamState
	buffer            []DcpEvent
	bufferedBytes     uint64
	haveSnapshot      bool
	curSnapStart      uint64
	curSnapEnd        uint64
	pendingVBStateAck bool
}

// NewPassiveStream allocates a stream in Pending, created by the
// consumer's addStream per §3's lifecycle note. windowFn reads the owning
// Consumer's FlowControl window live, without giving PassiveStream
// ownership of it (§5: "BufferLog and FlowControl are exclusively owned by
// their endpoint").
func NewPassiveStream(vbID uint16, opaque uint32, vbUUID, startSeq, endSeq uint64, applySource ApplySource, windowFn func() uint64, compression CompressionManager, logger *zap.Logger) *PassiveStream {
	if compression == nil {
		compression = NewCompressionManager(32, 0.85)
	}
	s := &PassiveStream{
		logger:      loggerOrNop(logger),
		vbID:        vbID,
		opaque:      opaque,
		vbUUID:      vbUUID,
		startSeq:    startSeq,
		endSeq:      endSeq,
		applySource: applySource,
		windowFn:    windowFn,
		compression: compression,
		state:       PassiveStreamPending,
	}
	streamsOpened.Add(context.Background(), 1, metricAttr("role", "consumer"))
	return s
}

func (s *PassiveStream) VbucketID() uint16 { return s.vbID }
func (s *PassiveStream) Opaque() uint32    { return s.opaque }

func (s *PassiveStream) State() PassiveStreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStreamReqOK implements Pending -> Reading on a successful
// STREAM_REQ_RSP.
func (s *PassiveStream) OnStreamReqOK() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == PassiveStreamPending {
		s.state = PassiveStreamReading
	}
}

// Reopen resets a stream that just completed a rollback, re-issuing with
// the post-rollback start seqno, per §4.7. The stream stays in Pending
// until the reissued STREAM_REQ's response arrives.
func (s *PassiveStream) Reopen(opaque uint32, newStartSeq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opaque = opaque
	s.startSeq = newStartSeq
	s.state = PassiveStreamPending
	s.haveSnapshot = false
	s.buffer = nil
	s.bufferedBytes = 0
}

// PushEvent is the single ingest point for wire events the Consumer's
// dispatch has decoded for this vbucket. It implements the validation and
// buffering rules of §4.3: a zero bySeqno or an inverted/out-of-range
// marker or mutation is rejected with Invalid (fatal for the connection,
// per §7); everything else is buffered in seqno-arrival order.
func (s *PassiveStream) PushEvent(ev DcpEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == PassiveStreamDead {
		return nil
	}

	switch ev.Type {
	case DcpEventSnapshotMarker:
		if ev.SnapEnd < ev.SnapStart {
			return ErrInvalid
		}
		s.curSnapStart = ev.SnapStart
		s.curSnapEnd = ev.SnapEnd
		s.haveSnapshot = true
		return nil

	case DcpEventMutation, DcpEventDeletion, DcpEventExpiration:
		if ev.Item.SeqNo == 0 {
			s.logger.Debug("rejecting mutation with zero bySeqno",
				zaputils.StreamID("stream", s.vbID, s.opaque))
			return ErrInvalid
		}
		if !s.haveSnapshot || ev.Item.SeqNo < s.curSnapStart || ev.Item.SeqNo > s.curSnapEnd {
			s.logger.Debug("rejecting mutation outside current snapshot",
				zaputils.StreamID("stream", s.vbID, s.opaque),
				zaputils.SeqNo("bySeqNo", ev.Item.SeqNo),
				zaputils.Snapshot("snapshot", s.curSnapStart, s.curSnapEnd))
			return ErrInvalid
		}

		s.buffer = append(s.buffer, ev)
		s.bufferedBytes += ev.WireSize()

		window := s.windowFn()
		if window > 0 && s.bufferedBytes > window {
			return ErrTmpFail
		}
		return nil

	case DcpEventSetVBucketState:
		s.pendingVBStateAck = true
		return nil

	case DcpEventStreamEnd:
		s.state = PassiveStreamDead
		streamsClosed.Add(context.Background(), 1, metricAttr("reason", ev.EndReason.String()))
		return nil

	default:
		return ErrInvalid
	}
}

// PendingSetVBucketStateAck reports and clears whether a SET_VBUCKET_STATE
// response is owed to the producer.
func (s *PassiveStream) PendingSetVBucketStateAck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pendingVBStateAck
	s.pendingVBStateAck = false
	return pending
}

// HasBufferedWork reports whether the Processor has anything to drain for
// this stream.
func (s *PassiveStream) HasBufferedWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer) != 0
}

// DrainOne applies the head-of-buffer event to storage, in order, per the
// Processor task's contract (§5). It returns the number of bytes freed
// (for the caller's FlowControl.Free — PassiveStream does not own
// FlowControl) and whether an event was drained at all. A TmpFail from
// ApplySource leaves the event in the buffer so the caller reschedules
// without disconnecting, per §7's TmpFail policy; any other apply error is
// fatal and the stream is marked Dead.
func (s *PassiveStream) DrainOne(ctx context.Context) (freedBytes uint64, drained bool, fatalErr error) {
	s.mu.Lock()
	if len(s.buffer) == 0 || s.state == PassiveStreamDead {
		s.mu.Unlock()
		return 0, false, nil
	}
	ev := s.buffer[0]
	s.mu.Unlock()

	var applyErr error
	switch ev.Type {
	case DcpEventMutation, DcpEventDeletion, DcpEventExpiration:
		item := ev.Item
		if value, datatype, err := s.compression.Decompress(item.Datatype, item.Value); err != nil {
			applyErr = err
		} else {
			item.Value = value
			item.Datatype = datatype
			applyErr = s.applySource.Apply(ctx, s.vbID, item)
		}
	}

	cost := ev.WireSize()

	if errors.Is(applyErr, ErrTmpFail) {
		return 0, false, nil
	}

	s.mu.Lock()
	if len(s.buffer) > 0 {
		s.buffer = s.buffer[1:]
	}
	if cost > s.bufferedBytes {
		s.bufferedBytes = 0
	} else {
		s.bufferedBytes -= cost
	}
	s.mu.Unlock()

	if applyErr != nil {
		s.mu.Lock()
		s.state = PassiveStreamDead
		s.mu.Unlock()
		s.logger.Debug("passive stream apply failed, closing",
			zaputils.VbucketID("vbucket", s.vbID),
			zap.Error(applyErr),
		)
		return cost, true, applyErr
	}

	return cost, true, nil
}

// Close transitions the stream to Dead for closeStream or disconnect.
func (s *PassiveStream) Close() {
	s.mu.Lock()
	already := s.state == PassiveStreamDead
	s.state = PassiveStreamDead
	s.buffer = nil
	s.bufferedBytes = 0
	s.mu.Unlock()

	if !already {
		streamsClosed.Add(context.Background(), 1, metricAttr("reason", dcpwire.StreamEndClosed.String()))
	}
}
