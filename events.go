package dcpcore

import "github.com/couchbaselabs/dcpcore/dcpwire"

// DcpEventType tags the variant held by a DcpEvent. It is the in-process
// representation an ActiveStream enqueues and a PassiveStream buffers;
// wire encoding/decoding to dcpwire's per-message structs happens at the
// Producer/Consumer boundary, not here.
type DcpEventType uint8

const (
	DcpEventSnapshotMarker DcpEventType = iota
	DcpEventMutation
	DcpEventDeletion
	DcpEventExpiration
	DcpEventSetVBucketState
	DcpEventStreamEnd
)

func (t DcpEventType) String() string {
	switch t {
	case DcpEventSnapshotMarker:
		return "snapshot_marker"
	case DcpEventMutation:
		return "mutation"
	case DcpEventDeletion:
		return "deletion"
	case DcpEventExpiration:
		return "expiration"
	case DcpEventSetVBucketState:
		return "set_vbucket_state"
	case DcpEventStreamEnd:
		return "stream_end"
	default:
		return "unknown"
	}
}

// DcpEvent is a single item queued between an ActiveStream and Producer, or
// buffered inside a PassiveStream awaiting apply. Only the fields relevant
// to Type are populated.
type DcpEvent struct {
	Type      DcpEventType
	VbucketID uint16

	// Populated for DcpEventSnapshotMarker.
	SnapStart uint64
	SnapEnd   uint64
	SnapFlags dcpwire.SnapshotFlags

	// Populated for DcpEventMutation/Deletion/Expiration.
	Item BackfillItem

	// Populated for DcpEventSetVBucketState: the wire opaque that
	// correlates the eventual SET_VBUCKET_STATE_RSP, since that response
	// is a Res-type packet carrying no vbucket field of its own.
	VbState dcpwire.VbucketState
	Opaque  uint32

	// Populated for DcpEventStreamEnd.
	EndReason dcpwire.StreamEndReason
}

// BySeqNo returns the event's sequence number for ordering purposes. Marker
// and control events that don't carry a single seqno return 0.
func (e DcpEvent) BySeqNo() uint64 {
	switch e.Type {
	case DcpEventMutation, DcpEventDeletion, DcpEventExpiration:
		return e.Item.SeqNo
	default:
		return 0
	}
}

// WireSize estimates the number of bytes this event will cost on the wire,
// for BufferLog/FlowControl accounting. Only data events (mutation,
// deletion, expiration) are billed; control/marker events are cheap enough
// that the flow-control design does not account for them (§4.4).
func (e DcpEvent) WireSize() uint64 {
	switch e.Type {
	case DcpEventMutation, DcpEventDeletion, DcpEventExpiration:
		return uint64(24 + len(e.Item.Key) + len(e.Item.Value))
	default:
		return 0
	}
}

func snapshotMarkerEvent(vb uint16, start, end uint64, flags dcpwire.SnapshotFlags) DcpEvent {
	return DcpEvent{
		Type:      DcpEventSnapshotMarker,
		VbucketID: vb,
		SnapStart: start,
		SnapEnd:   end,
		SnapFlags: flags,
	}
}

func mutationEvent(vb uint16, item BackfillItem) DcpEvent {
	typ := DcpEventMutation
	switch {
	case item.Expired:
		typ = DcpEventExpiration
	case item.Deleted:
		typ = DcpEventDeletion
	}
	return DcpEvent{
		Type:      typ,
		VbucketID: vb,
		Item:      item,
	}
}

func setVBucketStateEvent(vb uint16, state dcpwire.VbucketState, opaque uint32) DcpEvent {
	return DcpEvent{
		Type:      DcpEventSetVBucketState,
		VbucketID: vb,
		VbState:   state,
		Opaque:    opaque,
	}
}

func streamEndEvent(vb uint16, reason dcpwire.StreamEndReason) DcpEvent {
	return DcpEvent{
		Type:      DcpEventStreamEnd,
		VbucketID: vb,
		EndReason: reason,
	}
}
