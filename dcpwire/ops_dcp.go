package dcpwire

import "encoding/binary"

// This file implements the wire encode/decode for every DCP message named
// in events.go. Each pair of functions is pure: given a message it
// produces a *Packet ready to hand to a PacketWriter, and given a *Packet
// it reconstructs the typed message. Dispatch, opaque correlation and
// retry belong to the caller (Producer/Consumer), not here.

func EncodeStreamReq(msg StreamReqMessage) *Packet {
	extras := make([]byte, 48)
	binary.BigEndian.PutUint32(extras[0:], uint32(msg.Flags))
	binary.BigEndian.PutUint32(extras[4:], 0)
	binary.BigEndian.PutUint64(extras[8:], msg.StartSeqNo)
	binary.BigEndian.PutUint64(extras[16:], msg.EndSeqNo)
	binary.BigEndian.PutUint64(extras[24:], msg.VbUUID)
	binary.BigEndian.PutUint64(extras[32:], msg.SnapStartSeqNo)
	binary.BigEndian.PutUint64(extras[40:], msg.SnapEndSeqNo)

	return &Packet{
		Magic:     MagicReq,
		OpCode:    OpCodeDcpStreamReq,
		Opaque:    msg.Opaque,
		VbucketID: msg.VbucketID,
		Extras:    extras,
	}
}

func DecodeStreamReq(pak *Packet) (StreamReqMessage, error) {
	if len(pak.Extras) != 48 {
		return StreamReqMessage{}, protocolError{"stream req with bad extras length"}
	}

	return StreamReqMessage{
		Opaque:         pak.Opaque,
		VbucketID:      pak.VbucketID,
		Flags:          StreamReqFlags(binary.BigEndian.Uint32(pak.Extras[0:])),
		StartSeqNo:     binary.BigEndian.Uint64(pak.Extras[8:]),
		EndSeqNo:       binary.BigEndian.Uint64(pak.Extras[16:]),
		VbUUID:         binary.BigEndian.Uint64(pak.Extras[24:]),
		SnapStartSeqNo: binary.BigEndian.Uint64(pak.Extras[32:]),
		SnapEndSeqNo:   binary.BigEndian.Uint64(pak.Extras[40:]),
	}, nil
}

func EncodeStreamReqResponse(msg StreamReqResponse) *Packet {
	pak := &Packet{
		Magic:     MagicRes,
		OpCode:    OpCodeDcpStreamReq,
		Opaque:    msg.Opaque,
		VbucketID: 0,
		Status:    msg.Status,
	}

	switch msg.Status {
	case StatusSuccess:
		value := make([]byte, len(msg.FailoverLog)*16)
		for i, entry := range msg.FailoverLog {
			binary.BigEndian.PutUint64(value[i*16:], entry.VbUUID)
			binary.BigEndian.PutUint64(value[i*16+8:], entry.SeqNo)
		}
		pak.Value = value
	case StatusRollback:
		value := make([]byte, 8)
		binary.BigEndian.PutUint64(value, msg.RollbackSeqNo)
		pak.Value = value
	}

	return pak
}

func DecodeStreamReqResponse(pak *Packet) (StreamReqResponse, error) {
	resp := StreamReqResponse{
		Opaque: pak.Opaque,
		Status: pak.Status,
	}

	switch pak.Status {
	case StatusSuccess:
		if len(pak.Value)%16 != 0 {
			return StreamReqResponse{}, protocolError{"stream req response with bad failover log length"}
		}
		numEntries := len(pak.Value) / 16
		entries := make([]FailoverLogEntry, numEntries)
		for i := 0; i < numEntries; i++ {
			entries[i] = FailoverLogEntry{
				VbUUID: binary.BigEndian.Uint64(pak.Value[i*16:]),
				SeqNo:  binary.BigEndian.Uint64(pak.Value[i*16+8:]),
			}
		}
		resp.FailoverLog = entries
	case StatusRollback:
		if len(pak.Value) != 8 {
			return StreamReqResponse{}, protocolError{"rollback response with bad value length"}
		}
		resp.RollbackSeqNo = binary.BigEndian.Uint64(pak.Value)
	}

	return resp, nil
}

func EncodeSnapshotMarker(msg SnapshotMarkerMessage) *Packet {
	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:], msg.StartSeqNo)
	binary.BigEndian.PutUint64(extras[8:], msg.EndSeqNo)
	binary.BigEndian.PutUint32(extras[16:], uint32(msg.Flags))

	return &Packet{
		Magic:     MagicReq,
		OpCode:    OpCodeDcpSnapshotMarker,
		Opaque:    msg.Opaque,
		VbucketID: msg.VbucketID,
		Extras:    extras,
	}
}

func DecodeSnapshotMarker(pak *Packet) (SnapshotMarkerMessage, error) {
	if len(pak.Extras) != 20 {
		return SnapshotMarkerMessage{}, protocolError{"snapshot marker with bad extras length"}
	}

	return SnapshotMarkerMessage{
		Opaque:     pak.Opaque,
		VbucketID:  pak.VbucketID,
		StartSeqNo: binary.BigEndian.Uint64(pak.Extras[0:]),
		EndSeqNo:   binary.BigEndian.Uint64(pak.Extras[8:]),
		Flags:      SnapshotFlags(binary.BigEndian.Uint32(pak.Extras[16:])),
	}, nil
}

func EncodeSnapshotMarkerResponse(msg SnapshotMarkerResponse) *Packet {
	return &Packet{
		Magic:  MagicRes,
		OpCode: OpCodeDcpSnapshotMarker,
		Opaque: msg.Opaque,
		Status: msg.Status,
	}
}

func DecodeSnapshotMarkerResponse(pak *Packet) SnapshotMarkerResponse {
	return SnapshotMarkerResponse{
		Opaque: pak.Opaque,
		Status: pak.Status,
	}
}

func EncodeMutation(msg MutationMessage) *Packet {
	extras := make([]byte, 31)
	binary.BigEndian.PutUint64(extras[0:], msg.BySeqNo)
	binary.BigEndian.PutUint64(extras[8:], msg.RevSeqNo)
	binary.BigEndian.PutUint32(extras[16:], msg.Flags)
	binary.BigEndian.PutUint32(extras[20:], msg.Expiry)
	binary.BigEndian.PutUint32(extras[24:], msg.LockTime)
	binary.BigEndian.PutUint16(extras[28:], uint16(len(msg.ExtMeta)))
	extras[30] = msg.Nru

	value := make([]byte, 0, len(msg.ExtMeta)+len(msg.Value))
	value = append(value, msg.ExtMeta...)
	value = append(value, msg.Value...)

	return &Packet{
		Magic:     MagicReq,
		OpCode:    OpCodeDcpMutation,
		Opaque:    msg.Opaque,
		VbucketID: msg.VbucketID,
		Datatype:  msg.Datatype,
		Cas:       msg.Cas,
		Extras:    extras,
		Key:       msg.Key,
		Value:     value,
	}
}

func DecodeMutation(pak *Packet) (MutationMessage, error) {
	if len(pak.Extras) != 31 {
		return MutationMessage{}, protocolError{"mutation with bad extras length"}
	}

	metaLen := int(binary.BigEndian.Uint16(pak.Extras[28:]))
	if metaLen > len(pak.Value) {
		return MutationMessage{}, protocolError{"mutation with bad ext-meta length"}
	}

	return MutationMessage{
		Opaque:    pak.Opaque,
		VbucketID: pak.VbucketID,
		Datatype:  pak.Datatype,
		Cas:       pak.Cas,
		BySeqNo:   binary.BigEndian.Uint64(pak.Extras[0:]),
		RevSeqNo:  binary.BigEndian.Uint64(pak.Extras[8:]),
		Flags:     binary.BigEndian.Uint32(pak.Extras[16:]),
		Expiry:    binary.BigEndian.Uint32(pak.Extras[20:]),
		LockTime:  binary.BigEndian.Uint32(pak.Extras[24:]),
		Nru:       pak.Extras[30],
		Key:       pak.Key,
		ExtMeta:   pak.Value[:metaLen],
		Value:     pak.Value[metaLen:],
	}, nil
}

func EncodeDeletion(msg DeletionMessage) *Packet {
	extras := make([]byte, 18)
	binary.BigEndian.PutUint64(extras[0:], msg.BySeqNo)
	binary.BigEndian.PutUint64(extras[8:], msg.RevSeqNo)
	binary.BigEndian.PutUint16(extras[16:], uint16(len(msg.ExtMeta)))

	return &Packet{
		Magic:     MagicReq,
		OpCode:    OpCodeDcpDeletion,
		Opaque:    msg.Opaque,
		VbucketID: msg.VbucketID,
		Datatype:  msg.Datatype,
		Cas:       msg.Cas,
		Extras:    extras,
		Key:       msg.Key,
		Value:     msg.ExtMeta,
	}
}

func DecodeDeletion(pak *Packet) (DeletionMessage, error) {
	if len(pak.Extras) != 18 {
		return DeletionMessage{}, protocolError{"deletion with bad extras length"}
	}

	metaLen := int(binary.BigEndian.Uint16(pak.Extras[16:]))
	if metaLen > len(pak.Value) {
		return DeletionMessage{}, protocolError{"deletion with bad ext-meta length"}
	}

	return DeletionMessage{
		Opaque:    pak.Opaque,
		VbucketID: pak.VbucketID,
		Datatype:  pak.Datatype,
		Cas:       pak.Cas,
		BySeqNo:   binary.BigEndian.Uint64(pak.Extras[0:]),
		RevSeqNo:  binary.BigEndian.Uint64(pak.Extras[8:]),
		Key:       pak.Key,
		ExtMeta:   pak.Value[:metaLen],
	}, nil
}

func EncodeExpiration(msg ExpirationMessage) *Packet {
	extras := make([]byte, 16)
	binary.BigEndian.PutUint64(extras[0:], msg.BySeqNo)
	binary.BigEndian.PutUint64(extras[8:], msg.RevSeqNo)

	return &Packet{
		Magic:     MagicReq,
		OpCode:    OpCodeDcpExpiration,
		Opaque:    msg.Opaque,
		VbucketID: msg.VbucketID,
		Cas:       msg.Cas,
		Extras:    extras,
		Key:       msg.Key,
	}
}

func DecodeExpiration(pak *Packet) (ExpirationMessage, error) {
	if len(pak.Extras) != 16 {
		return ExpirationMessage{}, protocolError{"expiration with bad extras length"}
	}

	return ExpirationMessage{
		Opaque:    pak.Opaque,
		VbucketID: pak.VbucketID,
		Cas:       pak.Cas,
		BySeqNo:   binary.BigEndian.Uint64(pak.Extras[0:]),
		RevSeqNo:  binary.BigEndian.Uint64(pak.Extras[8:]),
		Key:       pak.Key,
	}, nil
}

func EncodeSetVBucketState(msg SetVBucketStateMessage) *Packet {
	return &Packet{
		Magic:     MagicReq,
		OpCode:    OpCodeDcpSetVbucketState,
		Opaque:    msg.Opaque,
		VbucketID: msg.VbucketID,
		Extras:    []byte{uint8(msg.State)},
	}
}

func DecodeSetVBucketState(pak *Packet) (SetVBucketStateMessage, error) {
	if len(pak.Extras) != 1 {
		return SetVBucketStateMessage{}, protocolError{"set vbucket state with bad extras length"}
	}

	return SetVBucketStateMessage{
		Opaque:    pak.Opaque,
		VbucketID: pak.VbucketID,
		State:     VbucketState(pak.Extras[0]),
	}, nil
}

func EncodeSetVBucketStateResponse(msg SetVBucketStateResponse) *Packet {
	return &Packet{
		Magic:  MagicRes,
		OpCode: OpCodeDcpSetVbucketState,
		Opaque: msg.Opaque,
		Status: msg.Status,
	}
}

func DecodeSetVBucketStateResponse(pak *Packet) SetVBucketStateResponse {
	return SetVBucketStateResponse{
		Opaque: pak.Opaque,
		Status: pak.Status,
	}
}

func EncodeStreamEnd(msg StreamEndMessage) *Packet {
	value := make([]byte, 4)
	binary.BigEndian.PutUint32(value, uint32(msg.Reason))

	return &Packet{
		Magic:     MagicReq,
		OpCode:    OpCodeDcpStreamEnd,
		Opaque:    msg.Opaque,
		VbucketID: msg.VbucketID,
		Value:     value,
	}
}

func DecodeStreamEnd(pak *Packet) (StreamEndMessage, error) {
	if len(pak.Value) != 4 {
		return StreamEndMessage{}, protocolError{"stream end with bad value length"}
	}

	return StreamEndMessage{
		Opaque:    pak.Opaque,
		VbucketID: pak.VbucketID,
		Reason:    StreamEndReason(binary.BigEndian.Uint32(pak.Value)),
	}, nil
}

func EncodeNoop(msg NoopMessage) *Packet {
	return &Packet{
		Magic:  MagicReq,
		OpCode: OpCodeDcpNoop,
		Opaque: msg.Opaque,
	}
}

func DecodeNoop(pak *Packet) NoopMessage {
	return NoopMessage{Opaque: pak.Opaque}
}

func EncodeNoopResponse(msg NoopResponse) *Packet {
	return &Packet{
		Magic:  MagicRes,
		OpCode: OpCodeDcpNoop,
		Opaque: msg.Opaque,
		Status: StatusSuccess,
	}
}

func DecodeNoopResponse(pak *Packet) NoopResponse {
	return NoopResponse{Opaque: pak.Opaque}
}

func EncodeBufferAck(msg BufferAckMessage) *Packet {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, msg.FreedBytes)

	return &Packet{
		Magic:  MagicReq,
		OpCode: OpCodeDcpBufferAck,
		Opaque: msg.Opaque,
		Extras: extras,
	}
}

func DecodeBufferAck(pak *Packet) (BufferAckMessage, error) {
	if len(pak.Extras) != 4 {
		return BufferAckMessage{}, protocolError{"buffer ack with bad extras length"}
	}

	return BufferAckMessage{
		Opaque:     pak.Opaque,
		FreedBytes: binary.BigEndian.Uint32(pak.Extras),
	}, nil
}

func EncodeControl(msg ControlMessage) *Packet {
	return &Packet{
		Magic:  MagicReq,
		OpCode: OpCodeDcpControl,
		Opaque: msg.Opaque,
		Key:    []byte(msg.Key),
		Value:  []byte(msg.Value),
	}
}

func DecodeControl(pak *Packet) ControlMessage {
	return ControlMessage{
		Opaque: pak.Opaque,
		Key:    string(pak.Key),
		Value:  string(pak.Value),
	}
}

func EncodeControlResponse(msg ControlResponse) *Packet {
	return &Packet{
		Magic:  MagicRes,
		OpCode: OpCodeDcpControl,
		Opaque: msg.Opaque,
		Status: msg.Status,
	}
}

func DecodeControlResponse(pak *Packet) ControlResponse {
	return ControlResponse{
		Opaque: pak.Opaque,
		Status: pak.Status,
	}
}
