package dcpwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamReqRoundTrip(t *testing.T) {
	msg := StreamReqMessage{
		Opaque:         42,
		VbucketID:      7,
		Flags:          StreamReqFlagTakeover,
		StartSeqNo:     100,
		EndSeqNo:       200,
		VbUUID:         0xAABBCCDD,
		SnapStartSeqNo: 90,
		SnapEndSeqNo:   100,
	}

	pak := EncodeStreamReq(msg)
	assert.Equal(t, MagicReq, pak.Magic)
	assert.Equal(t, OpCodeDcpStreamReq, pak.OpCode)

	out, err := DecodeStreamReq(pak)
	require.NoError(t, err)
	assert.Equal(t, msg, out)
}

func TestDecodeStreamReqRejectsBadExtrasLength(t *testing.T) {
	pak := &Packet{Extras: []byte{0x01, 0x02}}
	_, err := DecodeStreamReq(pak)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestStreamReqResponseRoundTripSuccess(t *testing.T) {
	msg := StreamReqResponse{
		Opaque: 42,
		Status: StatusSuccess,
		FailoverLog: []FailoverLogEntry{
			{VbUUID: 1, SeqNo: 10},
			{VbUUID: 2, SeqNo: 20},
		},
	}

	pak := EncodeStreamReqResponse(msg)
	assert.Equal(t, MagicRes, pak.Magic)

	out, err := DecodeStreamReqResponse(pak)
	require.NoError(t, err)
	assert.Equal(t, msg, out)
}

func TestStreamReqResponseRoundTripRollback(t *testing.T) {
	msg := StreamReqResponse{
		Opaque:        42,
		Status:        StatusRollback,
		RollbackSeqNo: 55,
	}

	pak := EncodeStreamReqResponse(msg)
	out, err := DecodeStreamReqResponse(pak)
	require.NoError(t, err)
	assert.Equal(t, msg, out)
}

func TestDecodeStreamReqResponseRejectsBadFailoverLogLength(t *testing.T) {
	pak := &Packet{Status: StatusSuccess, Value: []byte{0x01, 0x02, 0x03}}
	_, err := DecodeStreamReqResponse(pak)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeStreamReqResponseRejectsBadRollbackValueLength(t *testing.T) {
	pak := &Packet{Status: StatusRollback, Value: []byte{0x01}}
	_, err := DecodeStreamReqResponse(pak)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestSnapshotMarkerRoundTrip(t *testing.T) {
	msg := SnapshotMarkerMessage{
		Opaque:     1,
		VbucketID:  3,
		StartSeqNo: 10,
		EndSeqNo:   20,
		Flags:      SnapshotFlagMemory | SnapshotFlagAck,
	}

	pak := EncodeSnapshotMarker(msg)
	out, err := DecodeSnapshotMarker(pak)
	require.NoError(t, err)
	assert.Equal(t, msg, out)
}

func TestDecodeSnapshotMarkerRejectsBadExtrasLength(t *testing.T) {
	_, err := DecodeSnapshotMarker(&Packet{Extras: []byte{0x00}})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestSnapshotMarkerResponseRoundTrip(t *testing.T) {
	msg := SnapshotMarkerResponse{Opaque: 9, Status: StatusSuccess}
	pak := EncodeSnapshotMarkerResponse(msg)
	assert.Equal(t, msg, DecodeSnapshotMarkerResponse(pak))
}

func TestMutationRoundTrip(t *testing.T) {
	msg := MutationMessage{
		Opaque:    5,
		VbucketID: 1,
		Datatype:  uint8(DatatypeFlagJSON),
		Cas:       0xDEADBEEF,
		BySeqNo:   100,
		RevSeqNo:  1,
		Flags:     0,
		Expiry:    0,
		LockTime:  0,
		Nru:       0,
		Key:       []byte("doc-1"),
		ExtMeta:   []byte{0x01, 0x02},
		Value:     []byte(`{"a":1}`),
	}

	pak := EncodeMutation(msg)
	assert.Equal(t, OpCodeDcpMutation, pak.OpCode)

	out, err := DecodeMutation(pak)
	require.NoError(t, err)
	assert.Equal(t, msg, out)
}

func TestMutationRoundTripNoExtMeta(t *testing.T) {
	msg := MutationMessage{
		Opaque:    5,
		VbucketID: 1,
		BySeqNo:   100,
		RevSeqNo:  1,
		Key:       []byte("doc-1"),
		ExtMeta:   []byte{},
		Value:     []byte("value"),
	}

	pak := EncodeMutation(msg)
	out, err := DecodeMutation(pak)
	require.NoError(t, err)
	assert.Equal(t, msg.Value, out.Value)
	assert.Empty(t, out.ExtMeta)
}

func TestDecodeMutationRejectsBadExtrasLength(t *testing.T) {
	_, err := DecodeMutation(&Packet{Extras: make([]byte, 10)})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeMutationRejectsExtMetaLongerThanValue(t *testing.T) {
	extras := make([]byte, 31)
	extras[28], extras[29] = 0x00, 0x10 // metaLen = 16
	pak := &Packet{Extras: extras, Value: []byte("short")}
	_, err := DecodeMutation(pak)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDeletionRoundTrip(t *testing.T) {
	msg := DeletionMessage{
		Opaque:    6,
		VbucketID: 2,
		Datatype:  0,
		BySeqNo:   101,
		RevSeqNo:  2,
		Cas:       123,
		Key:       []byte("doc-2"),
		ExtMeta:   []byte{0xAA},
	}

	pak := EncodeDeletion(msg)
	out, err := DecodeDeletion(pak)
	require.NoError(t, err)
	assert.Equal(t, msg, out)
}

func TestDecodeDeletionRejectsBadExtrasLength(t *testing.T) {
	_, err := DecodeDeletion(&Packet{Extras: make([]byte, 3)})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestExpirationRoundTrip(t *testing.T) {
	msg := ExpirationMessage{
		Opaque:    7,
		VbucketID: 3,
		BySeqNo:   102,
		RevSeqNo:  3,
		Cas:       456,
		Key:       []byte("doc-3"),
	}

	pak := EncodeExpiration(msg)
	out, err := DecodeExpiration(pak)
	require.NoError(t, err)
	assert.Equal(t, msg, out)
}

func TestDecodeExpirationRejectsBadExtrasLength(t *testing.T) {
	_, err := DecodeExpiration(&Packet{Extras: make([]byte, 1)})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestSetVBucketStateRoundTrip(t *testing.T) {
	msg := SetVBucketStateMessage{Opaque: 8, VbucketID: 4, State: VbucketStateDead}
	pak := EncodeSetVBucketState(msg)
	out, err := DecodeSetVBucketState(pak)
	require.NoError(t, err)
	assert.Equal(t, msg, out)
}

func TestDecodeSetVBucketStateRejectsBadExtrasLength(t *testing.T) {
	_, err := DecodeSetVBucketState(&Packet{Extras: []byte{}})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestSetVBucketStateResponseRoundTripDropsVbucketID(t *testing.T) {
	msg := SetVBucketStateResponse{Opaque: 8, VbucketID: 4, Status: StatusSuccess}
	pak := EncodeSetVBucketStateResponse(msg)

	out := DecodeSetVBucketStateResponse(pak)
	assert.Equal(t, msg.Opaque, out.Opaque)
	assert.Equal(t, msg.Status, out.Status)
	// The response carries no vbucket field on the wire: decoding never
	// recovers it, however it was set on the way in.
	assert.Equal(t, uint16(0), out.VbucketID)
}

func TestStreamEndRoundTrip(t *testing.T) {
	msg := StreamEndMessage{Opaque: 9, VbucketID: 5, Reason: StreamEndSlow}
	pak := EncodeStreamEnd(msg)
	out, err := DecodeStreamEnd(pak)
	require.NoError(t, err)
	assert.Equal(t, msg, out)
}

func TestDecodeStreamEndRejectsBadValueLength(t *testing.T) {
	_, err := DecodeStreamEnd(&Packet{Value: []byte{0x01}})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestNoopRoundTrip(t *testing.T) {
	msg := NoopMessage{Opaque: 10}
	pak := EncodeNoop(msg)
	assert.Equal(t, msg, DecodeNoop(pak))
}

func TestNoopResponseRoundTrip(t *testing.T) {
	msg := NoopResponse{Opaque: 11}
	pak := EncodeNoopResponse(msg)
	assert.Equal(t, StatusSuccess, pak.Status)
	assert.Equal(t, msg, DecodeNoopResponse(pak))
}

func TestBufferAckRoundTrip(t *testing.T) {
	msg := BufferAckMessage{Opaque: 12, FreedBytes: 4096}
	pak := EncodeBufferAck(msg)
	out, err := DecodeBufferAck(pak)
	require.NoError(t, err)
	assert.Equal(t, msg, out)
}

func TestDecodeBufferAckRejectsBadExtrasLength(t *testing.T) {
	_, err := DecodeBufferAck(&Packet{Extras: []byte{0x01, 0x02}})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestControlRoundTrip(t *testing.T) {
	msg := ControlMessage{Opaque: 13, Key: ControlKeyEnableValueCompression, Value: "true"}
	pak := EncodeControl(msg)
	assert.Equal(t, msg, DecodeControl(pak))
}

func TestControlResponseRoundTrip(t *testing.T) {
	msg := ControlResponse{Opaque: 14, Status: StatusSuccess}
	pak := EncodeControlResponse(msg)
	assert.Equal(t, msg, DecodeControlResponse(pak))
}
