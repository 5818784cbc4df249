package dcpwire

// FailoverLogEntry is a single (vb_uuid, seqno) branch point as carried on
// the wire inside a STREAM_REQ response body.
type FailoverLogEntry struct {
	VbUUID uint64
	SeqNo  uint64
}

// StreamReqMessage is the consumer->producer request opening a stream.
type StreamReqMessage struct {
	Opaque         uint32
	VbucketID      uint16
	Flags          StreamReqFlags
	StartSeqNo     uint64
	EndSeqNo       uint64
	VbUUID         uint64
	SnapStartSeqNo uint64
	SnapEndSeqNo   uint64
}

// StreamReqResponse is the producer's reply to a StreamReqMessage: either a
// failover log (success) or a rollback seqno.
type StreamReqResponse struct {
	Opaque      uint32
	VbucketID   uint16
	Status      Status
	FailoverLog []FailoverLogEntry
	// RollbackSeqNo is only meaningful when Status == StatusRollback.
	RollbackSeqNo uint64
}

// SnapshotMarkerMessage brackets a contiguous, seqno-ascending run of
// mutation/deletion/expiration events the consumer must apply atomically.
type SnapshotMarkerMessage struct {
	Opaque     uint32
	VbucketID  uint16
	StartSeqNo uint64
	EndSeqNo   uint64
	Flags      SnapshotFlags
}

// SnapshotMarkerResponse acknowledges a marker sent with SnapshotFlagAck
// set.
type SnapshotMarkerResponse struct {
	Opaque    uint32
	VbucketID uint16
	Status    Status
}

// MutationMessage carries a single set/add/replace mutation.
type MutationMessage struct {
	Opaque    uint32
	VbucketID uint16
	Datatype  uint8
	BySeqNo   uint64
	RevSeqNo  uint64
	Cas       uint64
	Flags     uint32
	Expiry    uint32
	LockTime  uint32
	Nru       uint8
	Key       []byte
	Value     []byte
	ExtMeta   []byte
}

// DeletionMessage carries a single delete mutation.
type DeletionMessage struct {
	Opaque    uint32
	VbucketID uint16
	Datatype  uint8
	BySeqNo   uint64
	RevSeqNo  uint64
	Cas       uint64
	Key       []byte
	ExtMeta   []byte
}

// ExpirationMessage carries a single TTL-expiry mutation.
type ExpirationMessage struct {
	Opaque    uint32
	VbucketID uint16
	BySeqNo   uint64
	RevSeqNo  uint64
	Cas       uint64
	Key       []byte
}

// SetVBucketStateMessage is sent producer->consumer to signal a vbucket
// state transition, most importantly the takeover handoff to "dead".
type SetVBucketStateMessage struct {
	Opaque    uint32
	VbucketID uint16
	State     VbucketState
}

// SetVBucketStateResponse acknowledges a SetVBucketStateMessage.
type SetVBucketStateResponse struct {
	Opaque    uint32
	VbucketID uint16
	Status    Status
}

// StreamEndMessage terminates a stream in either direction.
type StreamEndMessage struct {
	Opaque    uint32
	VbucketID uint16
	Reason    StreamEndReason
}

// NoopMessage is an application-level keepalive; either side can send one
// and the other must answer with a NoopResponse carrying the same opaque.
type NoopMessage struct {
	Opaque uint32
}

type NoopResponse struct {
	Opaque uint32
}

// BufferAckMessage is sent consumer->producer to credit back bytes freed
// from the flow-control window.
type BufferAckMessage struct {
	Opaque     uint32
	FreedBytes uint32
}

// ControlMessage negotiates a single key/value setting; both endpoints can
// initiate one.
type ControlMessage struct {
	Opaque uint32
	Key    string
	Value  string
}

type ControlResponse struct {
	Opaque uint32
	Status Status
}
