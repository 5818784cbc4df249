package dcpcore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/couchbaselabs/dcpcore/dcpwire"
	"github.com/couchbaselabs/dcpcore/zaputils"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// FailoverSource hands the Producer the FailoverTable for a vbucket, used
// by STREAM_REQ admission (§4.1, §4.2).
type FailoverSource interface {
	FailoverTable(vb uint16) *FailoverTable
}

// StepResult is Producer.Step's outcome, per the multiplexer contract of
// §4.6.
type StepResult uint8

const (
	// StepSuccess: a message was written; the caller may call Step again
	// at its own discretion.
	StepSuccess StepResult = iota
	// StepWantMore: a message was written and more is immediately ready;
	// the caller should call Step again before yielding to other work.
	StepWantMore
	// StepPause: no message was written; the caller should suspend this
	// connection's write side until woken (new ready stream, buffer-ack,
	// noop interval).
	StepPause
	// StepDisconnect: the connection must be torn down; no further
	// messages are emitted or consumed.
	StepDisconnect
)

// Producer multiplexes a connection's ActiveStreams, owning the BufferLog
// and noop watchdog, per §4.6.
type Producer struct {
	logger      *zap.Logger
	opts        ProducerOptions
	bufferLog   *BufferLog
	failoverSrc FailoverSource
	seqnoSrc    SeqnoSource
	ckptSrc     CheckpointSource
	backfillMgr *BackfillManager
	compression CompressionManager

	// connID identifies this producer connection in logs, the same way the
	// teacher tags a client/agent with a short random id at construction.
	connID string

	disconnected       atomic.Bool
	compressionEnabled atomic.Bool

	mu                 sync.Mutex
	streams            map[uint16]*ActiveStream
	ready              []uint16
	inReady            map[uint16]bool
	pendingControls    []dcpwire.ControlMessage
	stashed            *dcpwire.Packet
	tempDroppedStreams map[uint16]uint64

	lastNoopSentAt time.Time
	noopPending    bool
	noopOpaque     uint32
	noopOpaqueCtr  uint32
}

var _ activeStreamNotifier = (*Producer)(nil)

// NewProducer constructs a Producer endpoint. bufferLog is owned by the
// caller's connection layer but exclusively manipulated by Producer from
// here on, per §5's ownership rule.
func NewProducer(opts ProducerOptions, bufferLog *BufferLog, failoverSrc FailoverSource, seqnoSrc SeqnoSource, ckptSrc CheckpointSource, backfillMgr *BackfillManager, compression CompressionManager, logger *zap.Logger) *Producer {
	if compression == nil {
		compression = NewCompressionManager(32, 0.85)
	}
	connID := uuid.NewString()[:8]
	return &Producer{
		logger:             loggerOrNop(logger).With(zaputils.ConnID(connID)),
		opts:               opts.withDefaults(),
		bufferLog:          bufferLog,
		failoverSrc:        failoverSrc,
		seqnoSrc:           seqnoSrc,
		ckptSrc:            ckptSrc,
		backfillMgr:        backfillMgr,
		compression:        compression,
		connID:             connID,
		streams:            make(map[uint16]*ActiveStream),
		inReady:            make(map[uint16]bool),
		tempDroppedStreams: make(map[uint16]uint64),
		noopOpaqueCtr:      1,
	}
}

// ConnID is a short identifier for this producer connection, used for log
// correlation.
func (p *Producer) ConnID() string { return p.connID }

// SetCompressionEnabled records whether the peer negotiated
// enable_value_compression, per §4.5. Compression is decided when Step
// encodes a mutation, so the setting applies to every mutation sent from
// then on, including ones already queued.
func (p *Producer) SetCompressionEnabled(enabled bool) {
	p.compressionEnabled.Store(enabled)
}

// HandleStreamReq runs the admission algorithm of §4.2 and, on success,
// allocates and starts an ActiveStream. It never itself writes to the
// wire; the caller encodes the returned StreamReqResponse.
func (p *Producer) HandleStreamReq(params ActiveStreamParams) (dcpwire.StreamReqResponse, error) {
	if p.disconnected.Load() {
		return dcpwire.StreamReqResponse{}, ErrDisconnect
	}

	p.mu.Lock()
	if _, exists := p.streams[params.VbucketID]; exists {
		p.mu.Unlock()
		return dcpwire.StreamReqResponse{}, duplicateStreamError{VbucketID: params.VbucketID}
	}
	p.mu.Unlock()

	table := p.failoverSrc.FailoverTable(params.VbucketID)
	if rollbackSeq, needsRollback := table.FindRollbackSeqno(params.VbUUID, params.StartSeqNo, params.SnapStart, params.SnapEnd); needsRollback {
		rollbacksIssued.Add(context.Background(), 1)
		return dcpwire.StreamReqResponse{
			Opaque:        params.Opaque,
			VbucketID:     params.VbucketID,
			Status:        dcpwire.StatusRollback,
			RollbackSeqNo: rollbackSeq,
		}, nil
	}

	persistedHigh := p.seqnoSrc.HighSeqno(params.VbucketID)
	if params.StartSeqNo > persistedHigh {
		rollbacksIssued.Add(context.Background(), 1)
		return dcpwire.StreamReqResponse{
			Opaque:        params.Opaque,
			VbucketID:     params.VbucketID,
			Status:        dcpwire.StatusRollback,
			RollbackSeqNo: 0,
		}, nil
	}

	stream := NewActiveStream(p, params, p.logger)

	p.mu.Lock()
	p.streams[params.VbucketID] = stream
	delete(p.tempDroppedStreams, params.VbucketID)
	p.mu.Unlock()

	stream.Start(p.ckptSrc, p.backfillMgr)

	latest := table.Latest()
	return dcpwire.StreamReqResponse{
		Opaque:      params.Opaque,
		VbucketID:   params.VbucketID,
		Status:      dcpwire.StatusSuccess,
		FailoverLog: []dcpwire.FailoverLogEntry{{VbUUID: latest.VbUUID, SeqNo: latest.StartSeqNo}},
	}, nil
}

// ResumeSeqno returns the last-durable resume point recorded for vb by a
// prior cursor-dropping eviction, for a reconnecting consumer, per §3's
// tempDroppedStreams note.
func (p *Producer) ResumeSeqno(vb uint16) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq, ok := p.tempDroppedStreams[vb]
	return seq, ok
}

// Evict drops vb's stream under memory pressure, per §4.2's eviction path.
func (p *Producer) Evict(vb uint16) {
	p.mu.Lock()
	stream, ok := p.streams[vb]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.streams, vb)
	p.mu.Unlock()

	resumeSeq := stream.Evict()

	p.mu.Lock()
	p.tempDroppedStreams[vb] = resumeSeq
	p.mu.Unlock()
}

// CloseStream tears down vb's ActiveStream for a STREAM_END or explicit
// close, per §3's lifecycle.
func (p *Producer) CloseStream(vb uint16, reason dcpwire.StreamEndReason) {
	p.mu.Lock()
	stream, ok := p.streams[vb]
	if ok {
		delete(p.streams, vb)
	}
	p.removeFromReadyLocked(vb)
	p.mu.Unlock()

	if ok {
		stream.Close(reason)
	}
}

// HandleSetVBucketStateAck implements TakeoverWait -> Dead.
func (p *Producer) HandleSetVBucketStateAck(vb uint16) {
	p.mu.Lock()
	stream, ok := p.streams[vb]
	p.mu.Unlock()
	if ok {
		stream.OnSetVBucketStateAck()
	}
}

// HandleSetVBucketStateAckByOpaque resolves the vbucket from the stream
// whose takeover handoff carries opaque, then applies the ack. Transport
// adapters decoding a SET_VBUCKET_STATE_RSP have only the opaque to go on:
// it's a response packet, and the wire union in that slot carries Status,
// not VbucketID.
func (p *Producer) HandleSetVBucketStateAckByOpaque(opaque uint32) {
	p.mu.Lock()
	var vb uint16
	found := false
	for id, stream := range p.streams {
		if stream.Opaque() == opaque {
			vb, found = id, true
			break
		}
	}
	p.mu.Unlock()
	if found {
		p.HandleSetVBucketStateAck(vb)
	}
}

// HandleBufferAck credits freed bytes back to the BufferLog, per §4.4.
func (p *Producer) HandleBufferAck(freedBytes uint32) {
	p.bufferLog.Free(uint64(freedBytes))
}

// HandleNoopResponse clears the outstanding noop watchdog.
func (p *Producer) HandleNoopResponse(opaque uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.noopPending && p.noopOpaque == opaque {
		noopRoundTrip.Record(context.Background(), time.Since(p.lastNoopSentAt).Seconds())
		p.noopPending = false
	}
}

// SetControl queues an outbound control negotiation to be emitted at
// priority 2 of Step, per §4.6.
func (p *Producer) SetControl(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingControls = append(p.pendingControls, dcpwire.ControlMessage{Key: key, Value: value})
}

// Stash retains a packet Step already produced but the caller's transport
// could not write (e.g. "wire too big"); it is retried before any new
// stream is polled, per the single-slot design note in §9.
func (p *Producer) Stash(pak *dcpwire.Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stashed = pak
}

// notifyActiveStreamReady implements activeStreamNotifier. ActiveStream
// calls this only after releasing its own lock, per §5's lock-ordering
// invariant.
func (p *Producer) notifyActiveStreamReady(vb uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inReady[vb] {
		p.inReady[vb] = true
		p.ready = append(p.ready, vb)
	}
}

func (p *Producer) removeFromReadyLocked(vb uint16) {
	if !p.inReady[vb] {
		return
	}
	delete(p.inReady, vb)
	if i := slices.Index(p.ready, vb); i >= 0 {
		p.ready = slices.Delete(p.ready, i, i+1)
	}
}

// Disconnect implements setDisconnect(true): idempotent, consulted at the
// top of every entry point. All streams transition to Dead(disconnected).
func (p *Producer) Disconnect() {
	if !p.disconnected.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	streams := p.streams
	p.streams = make(map[uint16]*ActiveStream)
	p.ready = nil
	p.inReady = make(map[uint16]bool)
	p.mu.Unlock()

	for _, s := range streams {
		s.Close(dcpwire.StreamEndDisconnected)
	}
}

// isTimeForNoop reports whether a new NOOP is due. The first call starts
// the interval clock, so the first NOOP is due one NoopInterval later.
// Must be called with p.mu held.
func (p *Producer) isTimeForNoopLocked(now time.Time) bool {
	if p.noopPending {
		return false
	}
	if p.lastNoopSentAt.IsZero() {
		p.lastNoopSentAt = now
		return false
	}
	return now.Sub(p.lastNoopSentAt) >= p.opts.NoopInterval
}

// Step drives one unit of the multiplexer, per §4.6's priority ladder.
func (p *Producer) Step(now time.Time) (StepResult, *dcpwire.Packet, error) {
	if p.disconnected.Load() {
		return StepDisconnect, nil, ErrDisconnect
	}

	p.mu.Lock()

	// 1. retry a stashed response.
	if p.stashed != nil {
		pak := p.stashed
		p.stashed = nil
		p.mu.Unlock()
		return StepSuccess, pak, nil
	}

	// 2. pending control negotiations.
	if len(p.pendingControls) > 0 {
		ctrl := p.pendingControls[0]
		p.pendingControls = p.pendingControls[1:]
		p.mu.Unlock()
		return StepSuccess, dcpwire.EncodeControl(ctrl), nil
	}

	// watchdog: disconnect if the peer has gone silent past 2x interval.
	if p.noopPending && now.Sub(p.lastNoopSentAt) > 2*p.opts.NoopInterval {
		p.mu.Unlock()
		p.Disconnect()
		return StepDisconnect, nil, ErrDisconnect
	}

	// 3. noop keepalive.
	if p.opts.NoopInterval > 0 && p.isTimeForNoopLocked(now) {
		p.noopOpaque = p.noopOpaqueCtr
		p.noopOpaqueCtr++
		p.noopPending = true
		p.lastNoopSentAt = now
		opaque := p.noopOpaque
		p.mu.Unlock()
		return StepSuccess, dcpwire.EncodeNoop(dcpwire.NoopMessage{Opaque: opaque}), nil
	}

	// 4. buffer-log backpressure: no data events while full.
	if p.bufferLog.IsFull() {
		p.mu.Unlock()
		return StepPause, nil, nil
	}

	// 5. round-robin the ready streams.
	for len(p.ready) > 0 {
		vb := p.ready[0]
		p.ready = p.ready[1:]
		stream, ok := p.streams[vb]
		if !ok {
			delete(p.inReady, vb)
			continue
		}

		ev, hasEvent := stream.NextEvent()
		if !hasEvent {
			delete(p.inReady, vb)
			continue
		}

		if stream.HasWork() {
			p.ready = append(p.ready, vb)
		} else {
			delete(p.inReady, vb)
		}

		more := len(p.ready) > 0
		p.mu.Unlock()

		pak := p.encodeEvent(ev)
		p.bufferLog.Insert(ev.WireSize())
		bufferLogBytesSent.Add(context.Background(), int64(ev.WireSize()))

		if more {
			return StepWantMore, pak, nil
		}
		return StepSuccess, pak, nil
	}

	p.mu.Unlock()

	// 6. nothing ready.
	return StepPause, nil, nil
}

func (p *Producer) encodeEvent(ev DcpEvent) *dcpwire.Packet {
	switch ev.Type {
	case DcpEventSnapshotMarker:
		return dcpwire.EncodeSnapshotMarker(dcpwire.SnapshotMarkerMessage{
			VbucketID:  ev.VbucketID,
			StartSeqNo: ev.SnapStart,
			EndSeqNo:   ev.SnapEnd,
			Flags:      ev.SnapFlags,
		})
	case DcpEventMutation:
		value, datatype, err := p.compression.Compress(p.compressionEnabled.Load(), ev.Item.Datatype, ev.Item.Value)
		if err != nil {
			p.logger.Debug("compression failed, sending uncompressed",
				zaputils.VbucketID("vbucket", ev.VbucketID), zap.Error(err))
			value, datatype = ev.Item.Value, ev.Item.Datatype
		}
		return dcpwire.EncodeMutation(dcpwire.MutationMessage{
			VbucketID: ev.VbucketID,
			Datatype:  datatype,
			BySeqNo:   ev.Item.SeqNo,
			RevSeqNo:  ev.Item.RevSeqNo,
			Cas:       ev.Item.Cas,
			Flags:     ev.Item.Flags,
			Expiry:    ev.Item.Expiry,
			Key:       ev.Item.Key,
			Value:     value,
		})
	case DcpEventDeletion:
		return dcpwire.EncodeDeletion(dcpwire.DeletionMessage{
			VbucketID: ev.VbucketID,
			BySeqNo:   ev.Item.SeqNo,
			RevSeqNo:  ev.Item.RevSeqNo,
			Cas:       ev.Item.Cas,
			Key:       ev.Item.Key,
		})
	case DcpEventExpiration:
		return dcpwire.EncodeExpiration(dcpwire.ExpirationMessage{
			VbucketID: ev.VbucketID,
			BySeqNo:   ev.Item.SeqNo,
			RevSeqNo:  ev.Item.RevSeqNo,
			Cas:       ev.Item.Cas,
			Key:       ev.Item.Key,
		})
	case DcpEventSetVBucketState:
		return dcpwire.EncodeSetVBucketState(dcpwire.SetVBucketStateMessage{
			Opaque:    ev.Opaque,
			VbucketID: ev.VbucketID,
			State:     ev.VbState,
		})
	case DcpEventStreamEnd:
		return dcpwire.EncodeStreamEnd(dcpwire.StreamEndMessage{
			VbucketID: ev.VbucketID,
			Reason:    ev.EndReason,
		})
	default:
		p.logger.DPanic("unexpected event type in producer queue",
			zaputils.VbucketID("vbucket", ev.VbucketID))
		return &dcpwire.Packet{}
	}
}
