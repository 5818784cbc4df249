package dcpwire

// StreamReqFlags are the bits carried in a STREAM_REQ's 4-byte flags field.
type StreamReqFlags uint32

const (
	// StreamReqFlagTakeover requests that, once the stream has drained up
	// to the current high seqno, the producer hand vbucket ownership to
	// the consumer via SET_VBUCKET_STATE(dead).
	StreamReqFlagTakeover = StreamReqFlags(1 << 0)
)

func (f StreamReqFlags) HasTakeover() bool {
	return f&StreamReqFlagTakeover != 0
}

// SnapshotFlags are the bits carried in a SNAPSHOT_MARKER's flags field,
// describing where the events it brackets were sourced from.
type SnapshotFlags uint32

const (
	SnapshotFlagMemory     = SnapshotFlags(1 << 0)
	SnapshotFlagDisk       = SnapshotFlags(1 << 1)
	SnapshotFlagCheckpoint = SnapshotFlags(1 << 2)
	SnapshotFlagAck        = SnapshotFlags(1 << 3)
)

// VbucketState mirrors the 1-byte state codes carried by SET_VBUCKET_STATE.
type VbucketState uint8

const (
	VbucketStateActive  = VbucketState(0x01)
	VbucketStateReplica = VbucketState(0x02)
	VbucketStatePending = VbucketState(0x03)
	VbucketStateDead    = VbucketState(0x04)
)

func (s VbucketState) String() string {
	switch s {
	case VbucketStateActive:
		return "active"
	case VbucketStateReplica:
		return "replica"
	case VbucketStatePending:
		return "pending"
	case VbucketStateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// StreamEndReason is the 4-byte code carried in a STREAM_END message body.
type StreamEndReason uint32

const (
	StreamEndOK           = StreamEndReason(0)
	StreamEndClosed       = StreamEndReason(1)
	StreamEndStateChanged = StreamEndReason(2)
	StreamEndDisconnected = StreamEndReason(3)
	StreamEndSlow         = StreamEndReason(4)
)

func (r StreamEndReason) String() string {
	switch r {
	case StreamEndOK:
		return "ok"
	case StreamEndClosed:
		return "closed"
	case StreamEndStateChanged:
		return "state_changed"
	case StreamEndDisconnected:
		return "disconnected"
	case StreamEndSlow:
		return "slow"
	default:
		return "unknown"
	}
}
