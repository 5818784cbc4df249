package dcpcore

import "context"

// BackfillItem is a single ordered record produced by a disk scan, fed to
// an ActiveStream inside one snapshot.
type BackfillItem struct {
	SeqNo    uint64
	Key      []byte
	Value    []byte
	Cas      uint64
	Flags    uint32
	Expiry   uint32
	RevSeqNo uint64
	Deleted  bool
	// Expired marks an item removed by TTL rather than an explicit delete;
	// it is mutually exclusive with Deleted and maps to DcpEventExpiration.
	Expired bool

	// Datatype carries the dcpwire.DatatypeFlag bits describing how Value
	// is encoded (JSON, snappy-compressed, xattrs present). ApplySource
	// implementations that care about compression should decompress before
	// persisting; PassiveStream does this for them when a
	// CompressionManager is configured on the owning Consumer.
	Datatype uint8
}

// SeqnoSource answers point queries about a vbucket's sequence space.
type SeqnoSource interface {
	HighSeqno(vb uint16) uint64
}

// CheckpointSource exposes the in-memory ordering cursor boundary: seqnos
// below it must come from a backfill, at or above it can be served from the
// in-memory cursor.
type CheckpointSource interface {
	InMemoryLowSeqno(vb uint16) uint64
}

// BackfillSource performs an ordered disk scan over [startSeqno, endSeqno]
// for a vbucket, invoking emit for each item in ascending seqno order.
// Returning a non-nil error aborts the scan; ctx cancellation must stop the
// scan promptly and return ctx.Err().
type BackfillSource interface {
	Scan(ctx context.Context, vb uint16, startSeqno, endSeqno uint64, emit func(BackfillItem) error) error
}

// RollbackSource truncates a vbucket's persisted and in-memory state back
// to seqno, as directed by a STREAM_REQ_RSP carrying status=Rollback.
type RollbackSource interface {
	Rollback(ctx context.Context, vb uint16, seqno uint64) error
}

// ApplySource persists an applied event. PassiveStream's Processor calls
// this once per drained event, in seqno order within a vbucket.
type ApplySource interface {
	Apply(ctx context.Context, vb uint16, item BackfillItem) error
}
