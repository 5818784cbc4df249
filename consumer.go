package dcpcore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/couchbaselabs/dcpcore/dcpwire"
	"github.com/couchbaselabs/dcpcore/zaputils"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type consumerPendingKind uint8

const (
	pendingStreamReq consumerPendingKind = iota
	pendingSetVBucketStateAck
	pendingSnapshotMarkerAck
)

type consumerPending struct {
	kind      consumerPendingKind
	opaque    uint32
	streamReq dcpwire.StreamReqMessage
}

// Consumer multiplexes a connection's PassiveStreams, owning the
// FlowControl window and a background Processor task that drains buffered
// events into storage, per §4.7.
type Consumer struct {
	logger      *zap.Logger
	opts        ConsumerOptions
	flowControl *FlowControl
	rollbackSrc RollbackSource
	sched       Scheduler
	compression CompressionManager
	connID      string

	disconnected       atomic.Bool
	processorCancelled atomic.Bool

	lock              sync.Mutex
	streams           map[uint16]*PassiveStream
	opaqueToVb        map[uint32]uint16
	opaqueCtr         uint32
	pendingControls   []dcpwire.ControlMessage
	pendingBufferAcks []uint32
	pending           []consumerPending

	lastNoopRx             time.Time
	noopIntervalNegotiated time.Duration
}

// NewConsumer constructs a Consumer and queues the connection_buffer_size
// negotiation so it is sent before any stream is created, per §4.5.
func NewConsumer(opts ConsumerOptions, rollbackSrc RollbackSource, sched Scheduler, compression CompressionManager, logger *zap.Logger) *Consumer {
	opts = opts.withDefaults()
	if compression == nil {
		compression = NewCompressionManager(32, 0.85)
	}
	connID := uuid.NewString()[:8]
	c := &Consumer{
		logger:      loggerOrNop(logger).With(zaputils.ConnID(connID)),
		opts:        opts,
		flowControl: NewFlowControl(opts.FlowControlWindow, opts.AckThresholdFraction),
		rollbackSrc: rollbackSrc,
		sched:       sched,
		compression: compression,
		connID:      connID,
		streams:     make(map[uint16]*PassiveStream),
		opaqueToVb:  make(map[uint32]uint16),
		opaqueCtr:   1,
	}

	if opts.FlowControlWindow > 0 {
		c.pendingControls = append(c.pendingControls, dcpwire.ControlMessage{
			Key:   dcpwire.ControlKeyConnectionBufferSize,
			Value: fmt.Sprintf("%d", opts.FlowControlWindow),
		})
	}

	return c
}

// ConnID is a short identifier for this consumer connection, used for log
// correlation.
func (c *Consumer) ConnID() string { return c.connID }

func (c *Consumer) nextOpaque() uint32 {
	for {
		op := c.opaqueCtr
		c.opaqueCtr++
		if op == 0 {
			continue
		}
		if _, inFlight := c.opaqueToVb[op]; inFlight {
			continue
		}
		return op
	}
}

// AddStream creates a PassiveStream for vb and queues its STREAM_REQ,
// implementing the consumer's local addStream API of §3.
func (c *Consumer) AddStream(vb uint16, vbUUID, startSeq, endSeq uint64, flags dcpwire.StreamReqFlags, applySrc ApplySource) (*PassiveStream, error) {
	if c.disconnected.Load() {
		return nil, ErrDisconnect
	}

	c.lock.Lock()
	if _, exists := c.streams[vb]; exists {
		c.lock.Unlock()
		return nil, duplicateStreamError{VbucketID: vb}
	}

	opaque := c.nextOpaque()
	stream := NewPassiveStream(vb, opaque, vbUUID, startSeq, endSeq, applySrc, c.flowControl.Window, c.compression, c.logger)
	c.streams[vb] = stream
	c.opaqueToVb[opaque] = vb
	c.pending = append(c.pending, consumerPending{
		kind:   pendingStreamReq,
		opaque: opaque,
		streamReq: dcpwire.StreamReqMessage{
			Opaque:         opaque,
			VbucketID:      vb,
			Flags:          flags,
			StartSeqNo:     startSeq,
			EndSeqNo:       endSeq,
			VbUUID:         vbUUID,
			SnapStartSeqNo: startSeq,
			SnapEndSeqNo:   startSeq,
		},
	})
	c.lock.Unlock()

	return stream, nil
}

// CloseStream tears down vb's PassiveStream for an explicit closeStream
// call, per §3's lifecycle.
func (c *Consumer) CloseStream(vb uint16) {
	c.lock.Lock()
	stream, ok := c.streams[vb]
	if ok {
		delete(c.streams, vb)
	}
	c.lock.Unlock()

	if ok {
		stream.Close()
	}
}

func (c *Consumer) streamFor(vb uint16) (*PassiveStream, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	s, ok := c.streams[vb]
	return s, ok
}

// HandleSnapshotMarker forwards a wire SNAPSHOT_MARKER to the vbucket's
// stream and, if it was sent with the ack flag, queues the corresponding
// response.
func (c *Consumer) HandleSnapshotMarker(msg dcpwire.SnapshotMarkerMessage) error {
	stream, ok := c.streamFor(msg.VbucketID)
	if !ok {
		return streamNotFoundError{VbucketID: msg.VbucketID}
	}

	if err := stream.PushEvent(snapshotMarkerEvent(msg.VbucketID, msg.StartSeqNo, msg.EndSeqNo, msg.Flags)); err != nil {
		if errors.Is(err, ErrInvalid) {
			c.Disconnect()
		}
		return err
	}

	if msg.Flags&dcpwire.SnapshotFlagAck != 0 {
		c.lock.Lock()
		c.pending = append(c.pending, consumerPending{kind: pendingSnapshotMarkerAck, opaque: msg.Opaque})
		c.lock.Unlock()
	}

	return nil
}

// HandleMutation forwards a wire MUTATION/DELETION/EXPIRATION to the
// vbucket's stream, per §4.3's ingest rules.
func (c *Consumer) HandleMutation(vb uint16, ev DcpEvent) error {
	stream, ok := c.streamFor(vb)
	if !ok {
		return streamNotFoundError{VbucketID: vb}
	}

	err := stream.PushEvent(ev)
	if errors.Is(err, ErrInvalid) {
		c.Disconnect()
	}
	return err
}

// HandleSetVBucketState forwards a producer-initiated takeover handoff and
// queues the response, per the takeover protocol in §4.2/§4.3.
func (c *Consumer) HandleSetVBucketState(msg dcpwire.SetVBucketStateMessage) error {
	stream, ok := c.streamFor(msg.VbucketID)
	if !ok {
		return streamNotFoundError{VbucketID: msg.VbucketID}
	}

	if err := stream.PushEvent(setVBucketStateEvent(msg.VbucketID, msg.State, msg.Opaque)); err != nil {
		return err
	}

	c.lock.Lock()
	c.pending = append(c.pending, consumerPending{kind: pendingSetVBucketStateAck, opaque: msg.Opaque})
	c.lock.Unlock()

	return nil
}

// HandleStreamEnd forwards a producer-initiated STREAM_END, transitioning
// the stream to Dead.
func (c *Consumer) HandleStreamEnd(msg dcpwire.StreamEndMessage) {
	stream, ok := c.streamFor(msg.VbucketID)
	if !ok {
		return
	}
	_ = stream.PushEvent(streamEndEvent(msg.VbucketID, msg.Reason))
}

// HandleNoop acks an incoming NOOP keepalive and resets the watchdog
// clock, per §5's only timeout.
func (c *Consumer) HandleNoop(opaque uint32, now time.Time) *dcpwire.Packet {
	c.lock.Lock()
	c.lastNoopRx = now
	c.lock.Unlock()
	return dcpwire.EncodeNoopResponse(dcpwire.NoopResponse{Opaque: opaque})
}

// HandleControl acks a producer-initiated DCP_CONTROL negotiation,
// applying the setting locally when it's one the consumer acts on.
// connection_buffer_size flows the other way (the consumer is the one
// advertising its window in NewConsumer's queued control), so it's not
// handled here.
func (c *Consumer) HandleControl(msg dcpwire.ControlMessage) *dcpwire.Packet {
	if msg.Key == dcpwire.ControlKeySetNoopInterval {
		if secs, err := strconv.Atoi(msg.Value); err == nil {
			c.NegotiateNoopInterval(time.Duration(secs) * time.Second)
		}
	}
	return dcpwire.EncodeControlResponse(dcpwire.ControlResponse{Opaque: msg.Opaque, Status: dcpwire.StatusSuccess})
}

// NegotiateNoopInterval records the interval the consumer is using to
// watch for producer NOOPs; it is set from whatever value the connection
// layer negotiated via set_noop_interval.
func (c *Consumer) NegotiateNoopInterval(d time.Duration) {
	c.lock.Lock()
	c.noopIntervalNegotiated = d
	if c.lastNoopRx.IsZero() {
		c.lastNoopRx = time.Now()
	}
	c.lock.Unlock()
}

// HandleStreamReqResponse dispatches a STREAM_REQ_RSP to the stream that
// issued it, implementing Pending -> Reading on success and the rollback
// path of §4.7 on status=Rollback.
func (c *Consumer) HandleStreamReqResponse(resp dcpwire.StreamReqResponse) {
	c.lock.Lock()
	vb, ok := c.opaqueToVb[resp.Opaque]
	if ok {
		delete(c.opaqueToVb, resp.Opaque)
	}
	stream := c.streams[vb]
	c.lock.Unlock()

	if !ok || stream == nil {
		return
	}

	switch resp.Status {
	case dcpwire.StatusSuccess:
		stream.OnStreamReqOK()
	case dcpwire.StatusRollback:
		c.scheduleRollback(vb, stream, resp.RollbackSeqNo)
	default:
		c.CloseStream(vb)
	}
}

// scheduleRollback runs the RollbackTask of §4.7 on the injected
// Scheduler: it truncates local state via RollbackSource and re-issues
// STREAM_REQ from the post-rollback seqno.
func (c *Consumer) scheduleRollback(vb uint16, stream *PassiveStream, rollbackSeqno uint64) {
	c.sched.Submit(func() Snooze {
		err := c.rollbackSrc.Rollback(context.Background(), vb, rollbackSeqno)
		switch {
		case err == nil:
			c.lock.Lock()
			opaque := c.nextOpaque()
			c.opaqueToVb[opaque] = vb
			c.lock.Unlock()

			stream.Reopen(opaque, rollbackSeqno)

			c.lock.Lock()
			c.pending = append(c.pending, consumerPending{
				kind:   pendingStreamReq,
				opaque: opaque,
				streamReq: dcpwire.StreamReqMessage{
					Opaque:         opaque,
					VbucketID:      vb,
					StartSeqNo:     rollbackSeqno,
					SnapStartSeqNo: rollbackSeqno,
					SnapEndSeqNo:   rollbackSeqno,
				},
			})
			c.lock.Unlock()
			return SnoozeCancel

		case errors.Is(err, ErrTmpFail):
			return SnoozeThrottled

		case errors.Is(err, ErrNotMyVbucket):
			c.CloseStream(vb)
			return SnoozeCancel

		default:
			c.logger.Debug("rollback task failed",
				zaputils.StreamID("stream", vb, stream.Opaque()),
				zap.Error(err),
			)
			c.CloseStream(vb)
			return SnoozeCancel
		}
	}, c.opts.ProcessorThrottleDelay)
}

// StartProcessor submits the background Processor task that drains
// buffered events per vbucket, per §4.3/§5.
func (c *Consumer) StartProcessor() {
	c.sched.Submit(c.processorTick, c.opts.ProcessorThrottleDelay)
}

func (c *Consumer) processorTick() Snooze {
	if c.processorCancelled.Load() {
		return SnoozeCancel
	}

	c.lock.Lock()
	streams := make([]*PassiveStream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.lock.Unlock()

	hadWork := false
	for _, s := range streams {
		freed, drained, fatalErr := s.DrainOne(context.Background())
		if drained {
			hadWork = true
		}
		if freed > 0 {
			flowControlBytesFreed.Add(context.Background(), int64(freed))
			if delta, shouldAck := c.flowControl.Free(freed); shouldAck {
				c.lock.Lock()
				c.pendingBufferAcks = append(c.pendingBufferAcks, uint32(delta))
				c.lock.Unlock()
			}
		}
		if fatalErr != nil && (errors.Is(fatalErr, ErrInvalid) || errors.Is(fatalErr, ErrOutOfMemory)) {
			c.Disconnect()
			return SnoozeCancel
		}
	}

	c.lock.Lock()
	stillBuffered := false
	for _, s := range c.streams {
		if s.HasBufferedWork() {
			stillBuffered = true
			break
		}
	}
	c.lock.Unlock()

	if stillBuffered {
		return SnoozeMore
	}
	if hadWork {
		return SnoozeMore
	}
	return SnoozeThrottled
}

// Step drives one unit of the consumer's outbound multiplexer, per §4.7's
// priority ladder.
func (c *Consumer) Step(now time.Time) (StepResult, *dcpwire.Packet, error) {
	if c.disconnected.Load() {
		return StepDisconnect, nil, ErrDisconnect
	}

	c.lock.Lock()

	// 1. outstanding control negotiations (and buffer-acks, which share
	// this control-plane priority slot).
	if len(c.pendingControls) > 0 {
		ctrl := c.pendingControls[0]
		c.pendingControls = c.pendingControls[1:]
		c.lock.Unlock()
		return StepSuccess, dcpwire.EncodeControl(ctrl), nil
	}
	if len(c.pendingBufferAcks) > 0 {
		freed := c.pendingBufferAcks[0]
		c.pendingBufferAcks = c.pendingBufferAcks[1:]
		c.lock.Unlock()
		return StepSuccess, dcpwire.EncodeBufferAck(dcpwire.BufferAckMessage{FreedBytes: freed}), nil
	}

	// 2. noop watchdog.
	if c.noopIntervalNegotiated > 0 && !c.lastNoopRx.IsZero() &&
		now.Sub(c.lastNoopRx) > 2*c.noopIntervalNegotiated {
		c.lock.Unlock()
		c.Disconnect()
		return StepDisconnect, nil, ErrDisconnect
	}

	// 3. drain the ready response queue.
	if len(c.pending) > 0 {
		item := c.pending[0]
		c.pending = c.pending[1:]
		more := len(c.pending) > 0
		c.lock.Unlock()

		pak := c.encodePending(item)
		if more {
			return StepWantMore, pak, nil
		}
		return StepSuccess, pak, nil
	}

	c.lock.Unlock()
	return StepPause, nil, nil
}

func (c *Consumer) encodePending(item consumerPending) *dcpwire.Packet {
	switch item.kind {
	case pendingStreamReq:
		return dcpwire.EncodeStreamReq(item.streamReq)
	case pendingSetVBucketStateAck:
		return dcpwire.EncodeSetVBucketStateResponse(dcpwire.SetVBucketStateResponse{
			Opaque: item.opaque,
			Status: dcpwire.StatusSuccess,
		})
	case pendingSnapshotMarkerAck:
		return dcpwire.EncodeSnapshotMarkerResponse(dcpwire.SnapshotMarkerResponse{
			Opaque: item.opaque,
			Status: dcpwire.StatusSuccess,
		})
	default:
		c.logger.DPanic("unexpected pending response kind")
		return &dcpwire.Packet{}
	}
}

// Disconnect implements setDisconnect(true): idempotent, and cancels the
// Processor task via a single compare-and-swap, per §5.
func (c *Consumer) Disconnect() {
	if !c.disconnected.CompareAndSwap(false, true) {
		return
	}
	c.processorCancelled.CompareAndSwap(false, true)

	c.lock.Lock()
	streams := c.streams
	c.streams = make(map[uint16]*PassiveStream)
	c.opaqueToVb = make(map[uint32]uint16)
	c.pending = nil
	c.lock.Unlock()

	for _, s := range streams {
		s.Close()
	}
}
