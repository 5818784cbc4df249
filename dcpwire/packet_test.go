package dcpwire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketWriteReadRoundTripRequest(t *testing.T) {
	pak := &Packet{
		Magic:     MagicReq,
		OpCode:    OpCodeDcpMutation,
		Datatype:  uint8(DatatypeFlagJSON),
		VbucketID: 3,
		Opaque:    99,
		Cas:       0x1122334455667788,
		Extras:    []byte{0x01, 0x02, 0x03},
		Key:       []byte("the-key"),
		Value:     []byte(`{"x":1}`),
	}

	var buf bytes.Buffer
	var pw PacketWriter
	require.NoError(t, pw.WritePacket(&buf, pak))

	var pr PacketReader
	var out Packet
	require.NoError(t, pr.ReadPacket(&buf, &out))

	assert.Equal(t, pak.Magic, out.Magic)
	assert.Equal(t, pak.OpCode, out.OpCode)
	assert.Equal(t, pak.Datatype, out.Datatype)
	assert.Equal(t, pak.VbucketID, out.VbucketID)
	assert.Equal(t, Status(0), out.Status)
	assert.Equal(t, pak.Opaque, out.Opaque)
	assert.Equal(t, pak.Cas, out.Cas)
	assert.Equal(t, pak.Extras, out.Extras)
	assert.Equal(t, pak.Key, out.Key)
	assert.Equal(t, pak.Value, out.Value)
}

func TestPacketWriteReadRoundTripResponse(t *testing.T) {
	pak := &Packet{
		Magic:  MagicRes,
		OpCode: OpCodeDcpStreamReq,
		Status: StatusRollback,
		Opaque: 7,
		Cas:    0,
		Value:  []byte{0, 0, 0, 0, 0, 0, 0, 5},
	}

	var buf bytes.Buffer
	var pw PacketWriter
	require.NoError(t, pw.WritePacket(&buf, pak))

	var pr PacketReader
	var out Packet
	require.NoError(t, pr.ReadPacket(&buf, &out))

	assert.Equal(t, uint16(0), out.VbucketID)
	assert.Equal(t, pak.Status, out.Status)
	assert.Equal(t, pak.Value, out.Value)
}

func TestPacketWriterReusesScratchAcrossCalls(t *testing.T) {
	var buf bytes.Buffer
	var pw PacketWriter

	small := &Packet{Magic: MagicReq, OpCode: OpCodeDcpNoop, Opaque: 1}
	require.NoError(t, pw.WritePacket(&buf, small))

	large := &Packet{
		Magic:  MagicReq,
		OpCode: OpCodeDcpMutation,
		Opaque: 2,
		Key:    bytes.Repeat([]byte("k"), 1000),
		Value:  bytes.Repeat([]byte("v"), 1000),
	}
	require.NoError(t, pw.WritePacket(&buf, large))

	var pr PacketReader
	var out1, out2 Packet
	require.NoError(t, pr.ReadPacket(&buf, &out1))
	assert.Equal(t, OpCodeDcpNoop, out1.OpCode)
	require.NoError(t, pr.ReadPacket(&buf, &out2))
	assert.Equal(t, OpCodeDcpMutation, out2.OpCode)
	assert.Equal(t, large.Key, out2.Key)
	assert.Equal(t, large.Value, out2.Value)
}

func TestPacketWriterRejectsRequestWithStatus(t *testing.T) {
	pak := &Packet{Magic: MagicReq, OpCode: OpCodeDcpNoop, Status: StatusInvalidArgs}
	var pw PacketWriter
	err := pw.WritePacket(&bytes.Buffer{}, pak)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestPacketWriterRejectsResponseWithVbucketID(t *testing.T) {
	pak := &Packet{Magic: MagicRes, OpCode: OpCodeDcpNoop, VbucketID: 1}
	var pw PacketWriter
	err := pw.WritePacket(&bytes.Buffer{}, pak)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestPacketWriterRejectsInvalidMagic(t *testing.T) {
	pak := &Packet{Magic: Magic(0x00), OpCode: OpCodeDcpNoop}
	var pw PacketWriter
	err := pw.WritePacket(&bytes.Buffer{}, pak)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestPacketWriterRejectsOversizedKey(t *testing.T) {
	pak := &Packet{Magic: MagicReq, OpCode: OpCodeDcpMutation, Key: make([]byte, 65536)}
	var pw PacketWriter
	err := pw.WritePacket(&bytes.Buffer{}, pak)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestPacketWriterRejectsOversizedExtras(t *testing.T) {
	pak := &Packet{Magic: MagicReq, OpCode: OpCodeDcpMutation, Extras: make([]byte, 256)}
	var pw PacketWriter
	err := pw.WritePacket(&bytes.Buffer{}, pak)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestPacketReaderRejectsInvalidMagic(t *testing.T) {
	header := make([]byte, headerSize)
	header[0] = 0x00 // neither MagicReq nor MagicRes

	var pr PacketReader
	var out Packet
	err := pr.ReadPacket(bytes.NewReader(header), &out)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestPacketReaderRejectsBodyShorterThanExtrasPlusKey(t *testing.T) {
	header := make([]byte, headerSize)
	header[0] = byte(MagicReq)
	header[1] = byte(OpCodeDcpMutation)
	header[2], header[3] = 0x00, 0x0A // keyLen = 10
	header[4] = 0                    // extrasLen = 0
	// bodyLen (bytes 8-11) left at 0, shorter than keyLen alone.

	var pr PacketReader
	var out Packet
	err := pr.ReadPacket(bytes.NewReader(header), &out)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestPacketReaderPropagatesShortRead(t *testing.T) {
	var pr PacketReader
	var out Packet
	err := pr.ReadPacket(bytes.NewReader([]byte{0x80, 0x57}), &out)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
