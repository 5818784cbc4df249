package dcpcore

import (
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/couchbaselabs/dcpcore/dcpwire"
	"github.com/couchbaselabs/dcpcore/zaputils"
)

// ProducerConnection drives a Producer over a real net.Conn. It owns a
// dcpwire.Client for framing and the read loop, and a RunWriteLoop that
// pulls encoded packets off Producer.Step.
//
// Producer already does its own opaque correlation (per-stream for
// STREAM_REQ, a dedicated counter for NOOP), so nothing here is ever
// registered through Client.Dispatch: every inbound packet — request or
// response — arrives through UnsolicitedHandler/OrphanHandler and is
// routed by opcode in handleInbound.
type ProducerConnection struct {
	producer *Producer
	client   *dcpwire.Client
	logger   *zap.Logger
}

// NewProducerConnection wraps conn and starts the Client's read loop in
// the background. It does not start the write loop; call RunWriteLoop
// (typically in its own goroutine) to start draining Producer.Step.
func NewProducerConnection(conn net.Conn, producer *Producer, logger *zap.Logger) *ProducerConnection {
	logger = loggerOrNop(logger)
	pc := &ProducerConnection{producer: producer, logger: logger}
	pc.client = dcpwire.NewClient(dcpwire.NewConn(conn), &dcpwire.ClientOptions{
		UnsolicitedHandler: pc.handleInbound,
		OrphanHandler:      pc.handleInbound,
		CloseHandler:       func(error) { producer.Disconnect() },
		Logger:             logger,
	})
	return pc
}

func (pc *ProducerConnection) handleInbound(pak *dcpwire.Packet) {
	switch pak.OpCode {
	case dcpwire.OpCodeDcpStreamReq:
		msg, err := dcpwire.DecodeStreamReq(pak)
		if err != nil {
			pc.logger.Debug("dropping malformed stream req", zap.Error(err))
			return
		}
		resp, err := pc.producer.HandleStreamReq(ActiveStreamParams{
			Opaque:     msg.Opaque,
			VbucketID:  msg.VbucketID,
			Flags:      msg.Flags,
			StartSeqNo: msg.StartSeqNo,
			EndSeqNo:   msg.EndSeqNo,
			VbUUID:     msg.VbUUID,
			SnapStart:  msg.SnapStartSeqNo,
			SnapEnd:    msg.SnapEndSeqNo,
		})
		if err != nil {
			pc.logger.Debug("stream req rejected",
				zaputils.StreamID("stream", msg.VbucketID, msg.Opaque), zap.Error(err))
			return
		}
		if err := pc.client.WritePacket(dcpwire.EncodeStreamReqResponse(resp)); err != nil {
			pc.logger.Debug("failed to write stream req response", zap.Error(err))
		}
	case dcpwire.OpCodeDcpBufferAck:
		msg, err := dcpwire.DecodeBufferAck(pak)
		if err != nil {
			pc.logger.Debug("dropping malformed buffer ack", zap.Error(err))
			return
		}
		pc.producer.HandleBufferAck(msg.FreedBytes)
	case dcpwire.OpCodeDcpNoop:
		if pak.Magic.IsResponse() {
			resp := dcpwire.DecodeNoopResponse(pak)
			pc.producer.HandleNoopResponse(resp.Opaque)
		}
	case dcpwire.OpCodeDcpSetVbucketState:
		resp := dcpwire.DecodeSetVBucketStateResponse(pak)
		pc.producer.HandleSetVBucketStateAckByOpaque(resp.Opaque)
	case dcpwire.OpCodeDcpControl:
		// Acks of producer-initiated negotiations (enable_noop,
		// set_noop_interval, enable_value_compression, ...). There's no
		// opaque-to-key tracking on the producer side to apply these
		// against yet, so they're observed but not acted on.
		resp := dcpwire.DecodeControlResponse(pak)
		pc.logger.Debug("control negotiation acked", zaputils.Opaque("opaque", resp.Opaque))
	default:
		pc.logger.Debug("dropping unexpected packet on producer connection",
			zap.String("opcode", pak.OpCode.String()))
	}
}

// RunWriteLoop drains Producer.Step into the wire until the connection is
// torn down. It blocks; callers typically run it in its own goroutine
// alongside the Client's read loop.
func (pc *ProducerConnection) RunWriteLoop() error {
	for {
		result, pak, err := pc.producer.Step(time.Now())
		switch result {
		case StepDisconnect:
			return err
		case StepPause:
			time.Sleep(time.Millisecond)
			continue
		}

		if werr := pc.client.WritePacket(pak); werr != nil {
			pc.producer.Stash(pak)
			return werr
		}
	}
}

func (pc *ProducerConnection) Close() error {
	return pc.client.Close()
}

// ConsumerConnection drives a Consumer over a real net.Conn, mirroring
// ProducerConnection: inbound packets from the producer are decoded and
// routed to the matching Consumer.Handle* method, and RunWriteLoop drains
// Consumer.Step.
type ConsumerConnection struct {
	consumer *Consumer
	client   *dcpwire.Client
	logger   *zap.Logger
}

func NewConsumerConnection(conn net.Conn, consumer *Consumer, logger *zap.Logger) *ConsumerConnection {
	logger = loggerOrNop(logger)
	cc := &ConsumerConnection{consumer: consumer, logger: logger}
	cc.client = dcpwire.NewClient(dcpwire.NewConn(conn), &dcpwire.ClientOptions{
		UnsolicitedHandler: cc.handleInbound,
		OrphanHandler:      cc.handleInbound,
		CloseHandler:       func(error) { consumer.Disconnect() },
		Logger:             logger,
	})
	return cc
}

func (cc *ConsumerConnection) handleInbound(pak *dcpwire.Packet) {
	switch pak.OpCode {
	case dcpwire.OpCodeDcpStreamReq:
		resp, err := dcpwire.DecodeStreamReqResponse(pak)
		if err != nil {
			cc.logger.Debug("dropping malformed stream req response", zap.Error(err))
			return
		}
		cc.consumer.HandleStreamReqResponse(resp)
	case dcpwire.OpCodeDcpSnapshotMarker:
		msg, err := dcpwire.DecodeSnapshotMarker(pak)
		if err != nil {
			cc.logger.Debug("dropping malformed snapshot marker", zap.Error(err))
			return
		}
		if err := cc.consumer.HandleSnapshotMarker(msg); err != nil {
			cc.logger.Debug("snapshot marker rejected",
				zaputils.StreamID("stream", msg.VbucketID, msg.Opaque), zap.Error(err))
		}
	case dcpwire.OpCodeDcpMutation:
		msg, err := dcpwire.DecodeMutation(pak)
		if err != nil {
			cc.logger.Debug("dropping malformed mutation", zap.Error(err))
			return
		}
		cc.applyMutation(msg.VbucketID, mutationEvent(msg.VbucketID, BackfillItem{
			SeqNo:    msg.BySeqNo,
			Key:      msg.Key,
			Value:    msg.Value,
			Cas:      msg.Cas,
			Flags:    msg.Flags,
			Expiry:   msg.Expiry,
			RevSeqNo: msg.RevSeqNo,
			Datatype: msg.Datatype,
		}))
	case dcpwire.OpCodeDcpDeletion:
		msg, err := dcpwire.DecodeDeletion(pak)
		if err != nil {
			cc.logger.Debug("dropping malformed deletion", zap.Error(err))
			return
		}
		cc.applyMutation(msg.VbucketID, mutationEvent(msg.VbucketID, BackfillItem{
			SeqNo:    msg.BySeqNo,
			Key:      msg.Key,
			Cas:      msg.Cas,
			RevSeqNo: msg.RevSeqNo,
			Datatype: msg.Datatype,
			Deleted:  true,
		}))
	case dcpwire.OpCodeDcpExpiration:
		msg, err := dcpwire.DecodeExpiration(pak)
		if err != nil {
			cc.logger.Debug("dropping malformed expiration", zap.Error(err))
			return
		}
		cc.applyMutation(msg.VbucketID, mutationEvent(msg.VbucketID, BackfillItem{
			SeqNo:    msg.BySeqNo,
			Key:      msg.Key,
			Cas:      msg.Cas,
			RevSeqNo: msg.RevSeqNo,
			Expired:  true,
		}))
	case dcpwire.OpCodeDcpSetVbucketState:
		msg, err := dcpwire.DecodeSetVBucketState(pak)
		if err != nil {
			cc.logger.Debug("dropping malformed set vbucket state", zap.Error(err))
			return
		}
		if err := cc.consumer.HandleSetVBucketState(msg); err != nil {
			cc.logger.Debug("set vbucket state rejected",
				zaputils.StreamID("stream", msg.VbucketID, msg.Opaque), zap.Error(err))
		}
	case dcpwire.OpCodeDcpStreamEnd:
		msg, err := dcpwire.DecodeStreamEnd(pak)
		if err != nil {
			cc.logger.Debug("dropping malformed stream end", zap.Error(err))
			return
		}
		cc.consumer.HandleStreamEnd(msg)
	case dcpwire.OpCodeDcpNoop:
		if pak.Magic.IsRequest() {
			resp := cc.consumer.HandleNoop(pak.Opaque, time.Now())
			if err := cc.client.WritePacket(resp); err != nil {
				cc.logger.Debug("failed to write noop response", zap.Error(err))
			}
		}
	case dcpwire.OpCodeDcpControl:
		msg := dcpwire.DecodeControl(pak)
		resp := cc.consumer.HandleControl(msg)
		if err := cc.client.WritePacket(resp); err != nil {
			cc.logger.Debug("failed to write control response", zap.Error(err))
		}
	default:
		cc.logger.Debug("dropping unexpected packet on consumer connection",
			zap.String("opcode", pak.OpCode.String()))
	}
}

// applyMutation forwards ev to the vbucket's stream, disconnecting on a
// streamNotFoundError the same way an invalid in-snapshot mutation would:
// the producer is misbehaving and there's nothing local state can do
// about it.
func (cc *ConsumerConnection) applyMutation(vb uint16, ev DcpEvent) {
	if err := cc.consumer.HandleMutation(vb, ev); err != nil {
		cc.logger.Debug("mutation rejected", zaputils.StreamID("stream", vb, 0), zap.Error(err))
		if errors.Is(err, ErrStreamNotFound) {
			cc.consumer.Disconnect()
		}
	}
}

// RunWriteLoop drains Consumer.Step into the wire until the connection is
// torn down.
func (cc *ConsumerConnection) RunWriteLoop() error {
	for {
		result, pak, err := cc.consumer.Step(time.Now())
		switch result {
		case StepDisconnect:
			return err
		case StepPause:
			time.Sleep(time.Millisecond)
			continue
		}

		if werr := cc.client.WritePacket(pak); werr != nil {
			return werr
		}
	}
}

func (cc *ConsumerConnection) Close() error {
	return cc.client.Close()
}
