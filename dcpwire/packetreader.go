package dcpwire

import (
	"encoding/binary"
	"io"
)

// headerSize is the fixed memcached-style frame header every packet on
// this channel carries. Unlike the general memcached binary protocol this
// package never negotiates the flexible-framing alt-layout (no
// FramingExtras, no extended magic values) — DCP only ever uses the plain
// MagicReq/MagicRes pair, so the key-length field is always the 2-byte
// form at a fixed offset.
const headerSize = 24

// PacketReader decodes packets off a byte stream. A reader is reused
// across many ReadPacket calls on the same connection so its header
// scratch buffer is allocated once; the decoded extras/key/value always
// point into a fresh buffer per call since they escape through the
// returned Packet.
type PacketReader struct {
	headerScratch []byte
}

func (pr *PacketReader) ReadPacket(r io.Reader, pak *Packet) error {
	if len(pr.headerScratch) != headerSize {
		pr.headerScratch = make([]byte, headerSize)
	}
	header := pr.headerScratch

	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}

	pak.Magic = Magic(header[0])
	if !pak.Magic.IsRequest() && !pak.Magic.IsResponse() {
		return protocolError{"invalid magic for key length decoding"}
	}

	pak.OpCode = OpCode(header[1])
	pak.Datatype = header[5]

	keyLen := int(binary.BigEndian.Uint16(header[2:]))
	extrasLen := int(header[4])
	bodyLen := int(binary.BigEndian.Uint32(header[8:]))

	pak.Opaque = binary.BigEndian.Uint32(header[12:])
	pak.Cas = binary.BigEndian.Uint64(header[16:])

	// the header's vbucket-id/status field is a union: requests carry the
	// vbucket, responses carry the status code.
	if pak.Magic.IsRequest() {
		pak.VbucketID = binary.BigEndian.Uint16(header[6:])
		pak.Status = 0
	} else {
		pak.VbucketID = 0
		pak.Status = Status(binary.BigEndian.Uint16(header[6:]))
	}

	valueLen := bodyLen - extrasLen - keyLen
	if valueLen < 0 {
		return protocolError{"body shorter than extras+key length"}
	}

	// the body is always allocated fresh: it escapes into the Packet's
	// Extras/Key/Value slices, which alias into this one buffer.
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}

	pak.Extras, body = body[:extrasLen], body[extrasLen:]
	pak.Key, body = body[:keyLen], body[keyLen:]
	pak.Value = body[:valueLen]

	return nil
}
