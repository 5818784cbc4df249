package dcpwire

// OpCode identifies the specific DCP message a packet carries. Values match
// the wire assignments used by the memcached binary protocol's DCP opcode
// range so that a capture can be cross-referenced against any other DCP
// implementation.
type OpCode uint8

const (
	OpCodeDcpStreamReq       = OpCode(0x53)
	OpCodeDcpStreamEnd       = OpCode(0x55)
	OpCodeDcpSnapshotMarker  = OpCode(0x56)
	OpCodeDcpMutation        = OpCode(0x57)
	OpCodeDcpDeletion        = OpCode(0x58)
	OpCodeDcpExpiration      = OpCode(0x59)
	OpCodeDcpSetVbucketState = OpCode(0x5b)
	OpCodeDcpNoop            = OpCode(0x5c)
	OpCodeDcpBufferAck       = OpCode(0x5d)
	OpCodeDcpControl         = OpCode(0x5e)
)

func (c OpCode) String() string {
	switch c {
	case OpCodeDcpStreamReq:
		return "DCP_STREAM_REQ"
	case OpCodeDcpStreamEnd:
		return "DCP_STREAM_END"
	case OpCodeDcpSnapshotMarker:
		return "DCP_SNAPSHOT_MARKER"
	case OpCodeDcpMutation:
		return "DCP_MUTATION"
	case OpCodeDcpDeletion:
		return "DCP_DELETION"
	case OpCodeDcpExpiration:
		return "DCP_EXPIRATION"
	case OpCodeDcpSetVbucketState:
		return "DCP_SET_VBUCKET_STATE"
	case OpCodeDcpNoop:
		return "DCP_NOOP"
	case OpCodeDcpBufferAck:
		return "DCP_BUFFER_ACK"
	case OpCodeDcpControl:
		return "DCP_CONTROL"
	default:
		return "DCP_UNKNOWN"
	}
}
