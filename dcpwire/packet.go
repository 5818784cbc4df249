package dcpwire

// Packet is a single framed message on the replication channel. It is the
// unit both endpoints exchange: a Producer writes Packets carrying
// MUTATION/DELETION/SNAPSHOT_MARKER/etc, a Consumer writes Packets carrying
// STREAM_REQ/BUFFER_ACK/CONTROL/etc, and vice versa for their responses.
type Packet struct {
	Magic     Magic
	OpCode    OpCode
	Datatype  uint8
	VbucketID uint16 // Only valid for Req-type packets
	Status    Status // Only valid for Res-type packets
	Opaque    uint32
	Cas       uint64
	Extras    []byte
	Key       []byte
	Value     []byte
}
