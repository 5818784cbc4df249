package dcpcore

import (
	"context"
	"sync"

	"github.com/couchbaselabs/dcpcore/dcpwire"
	"github.com/couchbaselabs/dcpcore/zaputils"
	"go.uber.org/zap"
)

// ActiveStreamState is one of the states in the producer-side per-vbucket
// state machine of §4.2.
type ActiveStreamState uint8

const (
	ActiveStreamPending ActiveStreamState = iota
	ActiveStreamBackfilling
	ActiveStreamInMemory
	ActiveStreamTakeoverSend
	ActiveStreamTakeoverWait
	ActiveStreamDead
)

func (s ActiveStreamState) String() string {
	switch s {
	case ActiveStreamPending:
		return "pending"
	case ActiveStreamBackfilling:
		return "backfilling"
	case ActiveStreamInMemory:
		return "in_memory"
	case ActiveStreamTakeoverSend:
		return "takeover_send"
	case ActiveStreamTakeoverWait:
		return "takeover_wait"
	case ActiveStreamDead:
		return "dead"
	default:
		return "unknown"
	}
}

// activeStreamNotifier is the weak back-reference an ActiveStream uses to
// tell its owning Producer it has work to emit. It is never used for
// ownership — the Producer's stream table is the sole owner of the
// ActiveStream (design notes, "shared pointer cycles").
type activeStreamNotifier interface {
	notifyActiveStreamReady(vb uint16)
}

// ActiveStreamParams are the admission-time inputs taken from a STREAM_REQ,
// per §4.2.
type ActiveStreamParams struct {
	Opaque     uint32
	VbucketID  uint16
	Flags      dcpwire.StreamReqFlags
	StartSeqNo uint64
	EndSeqNo   uint64
	VbUUID     uint64
	SnapStart  uint64
	SnapEnd    uint64
}

// ActiveStream is the producer-side state machine for one (connection,
// vbucket) pair, per §4.2. It owns an outgoing event queue; events are
// moved out of it by Producer.step and billed to the Producer's BufferLog.
type ActiveStream struct {
	logger   *zap.Logger
	notifier activeStreamNotifier

	vbID      uint16
	opaque    uint32
	takeover  bool
	startSeq  uint64
	endSeq    uint64
	vbUUID    uint64

	mu             sync.Mutex
	state          ActiveStreamState
	queue          []DcpEvent
	lastQueuedSeq  uint64
	lastSentSeq    uint64
	curSnapStart   uint64
	curSnapEnd     uint64
	cancelBackfill func()
}

// NewActiveStream allocates a stream in Pending, as admission step 3
// of §4.2 directs. Admission (the rollback decision) happens before this
// constructor is called; see Producer.handleStreamReq.
func NewActiveStream(notifier activeStreamNotifier, params ActiveStreamParams, logger *zap.Logger) *ActiveStream {
	s := &ActiveStream{
		logger:   loggerOrNop(logger),
		notifier: notifier,
		vbID:     params.VbucketID,
		opaque:   params.Opaque,
		takeover: params.Flags.HasTakeover(),
		startSeq: params.StartSeqNo,
		endSeq:   params.EndSeqNo,
		vbUUID:   params.VbUUID,
		state:    ActiveStreamPending,
	}
	s.logger.Debug("active stream admitted",
		zaputils.StreamID("stream", s.vbID, s.opaque),
		zaputils.VbUUID("vbUuid", s.vbUUID),
		zaputils.Snapshot("requestedRange", s.startSeq, s.endSeq),
	)
	streamsOpened.Add(context.Background(), 1, metricAttr("role", "producer"))
	return s
}

func (s *ActiveStream) VbucketID() uint16 { return s.vbID }
func (s *ActiveStream) Opaque() uint32    { return s.opaque }

func (s *ActiveStream) State() ActiveStreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start decides whether this stream needs to backfill from disk, per the
// Pending -> Backfilling / Pending -> InMemory transitions of §4.2. It is
// called once, immediately after construction, by the Producer which owns
// the backfill manager and checkpoint collaborator.
func (s *ActiveStream) Start(ckpt CheckpointSource, backfillMgr *BackfillManager) {
	inMemoryLow := ckpt.InMemoryLowSeqno(s.vbID)

	s.mu.Lock()
	if s.state != ActiveStreamPending {
		s.mu.Unlock()
		return
	}

	if s.startSeq < inMemoryLow {
		s.state = ActiveStreamBackfilling
		backfillEnd := s.endSeq
		if inMemoryLow > 0 && inMemoryLow-1 < backfillEnd {
			backfillEnd = inMemoryLow - 1
		}
		s.mu.Unlock()

		cancel := backfillMgr.Schedule(s, s.startSeq, backfillEnd)

		s.mu.Lock()
		s.cancelBackfill = cancel
		s.mu.Unlock()
		return
	}

	s.state = ActiveStreamInMemory
	s.curSnapStart = s.startSeq
	s.curSnapEnd = s.startSeq
	s.mu.Unlock()
}

// onBackfillStart is invoked by the BackfillManager just before the scan
// begins emitting items; it queues the framing disk SNAPSHOT_MARKER.
func (s *ActiveStream) onBackfillStart(startSeqno, endSeqno uint64) {
	s.enqueueSnapshot(startSeqno, endSeqno, dcpwire.SnapshotFlagDisk, nil)
}

// onBackfillItem is invoked once per item a disk scan produces, in
// ascending seqno order.
func (s *ActiveStream) onBackfillItem(item BackfillItem) {
	s.enqueueItem(item)
}

// onBackfillDone is invoked when the scan for this stream's Backfilling
// phase completes (successfully or not). On success it transitions to
// InMemory and frames the gap between the backfill end and the current
// high seqno with a memory SNAPSHOT_MARKER, per §4.2.
func (s *ActiveStream) onBackfillDone(success bool, currentHighSeqno uint64) {
	s.mu.Lock()
	if s.state != ActiveStreamBackfilling {
		s.mu.Unlock()
		return
	}
	s.cancelBackfill = nil
	if !success {
		s.mu.Unlock()
		return
	}

	cursor := s.lastQueuedSeq + 1
	if cursor < s.startSeq {
		cursor = s.startSeq
	}
	s.state = ActiveStreamInMemory
	s.mu.Unlock()

	if currentHighSeqno >= cursor {
		s.enqueueSnapshot(cursor, currentHighSeqno, dcpwire.SnapshotFlagMemory, nil)
	}
}

// QueueSnapshot frames items with a SNAPSHOT_MARKER(snapStart, snapEnd,
// flags) and enqueues them in order, per the ordering guarantees of §4.2
// (P1-P3). It is the entry point the owning engine uses to push
// newly-written in-memory mutations into an InMemory-phase stream. Backfill
// batches are framed by enqueueSnapshot directly, not through this method.
func (s *ActiveStream) QueueSnapshot(items []BackfillItem, snapStart, snapEnd uint64, flags dcpwire.SnapshotFlags) {
	s.enqueueSnapshot(snapStart, snapEnd, flags, items)
}

func (s *ActiveStream) enqueueSnapshot(snapStart, snapEnd uint64, flags dcpwire.SnapshotFlags, items []BackfillItem) {
	s.mu.Lock()
	if s.state == ActiveStreamDead {
		s.mu.Unlock()
		return
	}
	if snapEnd < snapStart {
		s.mu.Unlock()
		return
	}

	wasEmpty := len(s.queue) == 0
	s.curSnapStart = snapStart
	s.curSnapEnd = snapEnd
	s.queue = append(s.queue, snapshotMarkerEvent(s.vbID, snapStart, snapEnd, flags))

	for _, item := range items {
		s.appendItemLocked(item)
	}

	s.mu.Unlock()

	if wasEmpty {
		s.notifier.notifyActiveStreamReady(s.vbID)
	}
}

func (s *ActiveStream) enqueueItem(item BackfillItem) {
	s.mu.Lock()
	if s.state == ActiveStreamDead {
		s.mu.Unlock()
		return
	}
	wasEmpty := len(s.queue) == 0
	s.appendItemLocked(item)
	s.mu.Unlock()

	if wasEmpty {
		s.notifier.notifyActiveStreamReady(s.vbID)
	}
}

// appendItemLocked enforces the end_seqno ceiling: an event past end_seqno
// is never emitted, and reaching end_seqno ends the stream, per §4.2.
// Callers must hold s.mu.
func (s *ActiveStream) appendItemLocked(item BackfillItem) {
	if item.SeqNo > s.endSeq {
		return
	}

	s.queue = append(s.queue, mutationEvent(s.vbID, item))
	s.lastQueuedSeq = item.SeqNo

	if item.SeqNo == s.endSeq {
		s.queue = append(s.queue, streamEndEvent(s.vbID, dcpwire.StreamEndOK))
		s.state = ActiveStreamDead
	}
}

// MaybeTakeover checks the InMemory -> TakeoverSend transition: it fires
// once the stream was opened with the takeover flag, its queue has fully
// drained, and the caller confirms the producer has drained up to the
// current high seqno.
func (s *ActiveStream) MaybeTakeover(currentHighSeqno uint64) {
	s.mu.Lock()
	if s.state != ActiveStreamInMemory || !s.takeover {
		s.mu.Unlock()
		return
	}
	if len(s.queue) != 0 || s.lastSentSeq < currentHighSeqno {
		s.mu.Unlock()
		return
	}

	s.state = ActiveStreamTakeoverSend
	s.queue = append(s.queue, setVBucketStateEvent(s.vbID, dcpwire.VbucketStateDead, s.opaque))
	s.mu.Unlock()

	s.notifier.notifyActiveStreamReady(s.vbID)
}

// OnSetVBucketStateAck handles the TakeoverWait -> Dead transition, firing
// when the consumer acknowledges the SET_VBUCKET_STATE(dead) handoff.
func (s *ActiveStream) OnSetVBucketStateAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == ActiveStreamTakeoverWait {
		s.state = ActiveStreamDead
	}
}

// NextEvent pops the next event ready to be emitted, or false if the queue
// is empty. Producer.step calls this while holding its own readyMutex;
// ActiveStream's internal lock is taken and released within this call,
// never held across a notify, per the lock-ordering invariant in §5.
func (s *ActiveStream) NextEvent() (DcpEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return DcpEvent{}, false
	}

	ev := s.queue[0]
	s.queue = s.queue[1:]

	switch ev.Type {
	case DcpEventMutation, DcpEventDeletion, DcpEventExpiration:
		s.lastSentSeq = ev.Item.SeqNo
	case DcpEventSetVBucketState:
		if s.state == ActiveStreamTakeoverSend {
			s.state = ActiveStreamTakeoverWait
		}
	}

	return ev, true
}

// HasWork reports whether the stream currently has a queued event, used by
// the Producer's ready-list bookkeeping.
func (s *ActiveStream) HasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) != 0
}

// Evict implements the cursor-dropping path: the checkpoint subsystem has
// dropped this stream's in-memory cursor under memory pressure. The stream
// records its resume point for tempDroppedStreams and ends with reason
// slow. Per the Open Question in §9, resume point is the original
// start_seqno if nothing had been sent yet, never 0.
func (s *ActiveStream) Evict() (resumeSeqno uint64) {
	s.mu.Lock()
	resumeSeqno = s.lastSentSeq
	if resumeSeqno == 0 {
		resumeSeqno = s.startSeq
	}
	alreadyDead := s.state == ActiveStreamDead
	s.state = ActiveStreamDead
	cancel := s.cancelBackfill
	s.cancelBackfill = nil
	if !alreadyDead {
		s.queue = append(s.queue, streamEndEvent(s.vbID, dcpwire.StreamEndSlow))
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !alreadyDead {
		s.notifier.notifyActiveStreamReady(s.vbID)
	}

	s.logger.Debug("active stream evicted",
		zaputils.StreamID("stream", s.vbID, s.opaque),
		zaputils.SeqNo("resumeSeqno", resumeSeqno),
		zaputils.VbUUID("vbUuid", s.vbUUID),
	)

	streamsClosed.Add(context.Background(), 1, metricAttr("reason", "slow"))
	return resumeSeqno
}

// Close transitions the stream to Dead for any other terminal reason
// (STREAM_END from the consumer, connection disconnect).
func (s *ActiveStream) Close(reason dcpwire.StreamEndReason) {
	s.mu.Lock()
	cancel := s.cancelBackfill
	s.cancelBackfill = nil
	s.state = ActiveStreamDead
	s.queue = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	streamsClosed.Add(context.Background(), 1, metricAttr("reason", reason.String()))
}
