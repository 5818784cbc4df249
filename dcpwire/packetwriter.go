package dcpwire

import (
	"encoding/binary"
	"io"
	"math"
)

// PacketWriter encodes packets onto a byte stream. A writer is reused
// across many WritePacket calls on the same connection, amortizing the
// scratch buffer's allocation.
type PacketWriter struct {
	scratch []byte
}

func (pw *PacketWriter) WritePacket(w io.Writer, pak *Packet) error {
	if !pak.Magic.IsRequest() && !pak.Magic.IsResponse() {
		return protocolError{"invalid magic for key length encoding"}
	}

	keyLen := len(pak.Key)
	if keyLen > math.MaxUint16 {
		return protocolError{"key too long to encode"}
	}

	extrasLen := len(pak.Extras)
	if extrasLen > math.MaxUint8 {
		return protocolError{"extras too long to encode"}
	}

	bodyLen := extrasLen + keyLen + len(pak.Value)
	if bodyLen > math.MaxUint32 {
		return protocolError{"packet too long to encode"}
	}

	var header [headerSize]byte
	header[0] = uint8(pak.Magic)
	header[1] = uint8(pak.OpCode)
	binary.BigEndian.PutUint16(header[2:], uint16(keyLen))
	header[4] = uint8(extrasLen)
	header[5] = pak.Datatype

	// see PacketReader.ReadPacket: the vbucket-id/status field is a union
	// keyed on request-vs-response.
	if pak.Magic.IsRequest() {
		if pak.Status != 0 {
			return protocolError{"cannot specify status in a request packet"}
		}
		binary.BigEndian.PutUint16(header[6:], pak.VbucketID)
	} else {
		if pak.VbucketID != 0 {
			return protocolError{"cannot specify vbucket in a response packet"}
		}
		binary.BigEndian.PutUint16(header[6:], uint16(pak.Status))
	}

	binary.BigEndian.PutUint32(header[8:], uint32(bodyLen))
	binary.BigEndian.PutUint32(header[12:], pak.Opaque)
	binary.BigEndian.PutUint64(header[16:], pak.Cas)

	totalLen := headerSize + bodyLen
	if cap(pw.scratch) < totalLen {
		pw.scratch = make([]byte, totalLen)
	}
	pw.scratch = pw.scratch[:0]
	pw.scratch = append(pw.scratch, header[:]...)
	pw.scratch = append(pw.scratch, pak.Extras...)
	pw.scratch = append(pw.scratch, pak.Key...)
	pw.scratch = append(pw.scratch, pak.Value...)

	// Write guarantees a non-nil error whenever n < len(scratch), so the
	// byte count itself doesn't need inspecting.
	_, err := w.Write(pw.scratch)
	return err
}
