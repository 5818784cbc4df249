package dcpcore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/couchbaselabs/dcpcore/dcpwire"
)

func TestDcpEventWireSizeBillsDataEventsOnly(t *testing.T) {
	mut := mutationEvent(1, BackfillItem{SeqNo: 1, Key: []byte("key"), Value: []byte("value")})
	assert.Equal(t, uint64(24+3+5), mut.WireSize())

	marker := snapshotMarkerEvent(1, 1, 10, dcpwire.SnapshotFlagMemory)
	assert.Zero(t, marker.WireSize())

	end := streamEndEvent(1, dcpwire.StreamEndOK)
	assert.Zero(t, end.WireSize())
}

func TestDcpEventBySeqNo(t *testing.T) {
	mut := mutationEvent(1, BackfillItem{SeqNo: 42})
	assert.Equal(t, uint64(42), mut.BySeqNo())

	marker := snapshotMarkerEvent(1, 1, 10, dcpwire.SnapshotFlagMemory)
	assert.Zero(t, marker.BySeqNo())
}

func TestMutationEventMapsDeletedToDeletionType(t *testing.T) {
	del := mutationEvent(1, BackfillItem{SeqNo: 1, Deleted: true})
	assert.Equal(t, DcpEventDeletion, del.Type)

	mut := mutationEvent(1, BackfillItem{SeqNo: 1, Deleted: false})
	assert.Equal(t, DcpEventMutation, mut.Type)
}

func TestMutationEventMapsExpiredToExpirationType(t *testing.T) {
	exp := mutationEvent(1, BackfillItem{SeqNo: 1, Expired: true})
	assert.Equal(t, DcpEventExpiration, exp.Type)

	// Expired takes priority over Deleted if both are somehow set.
	both := mutationEvent(1, BackfillItem{SeqNo: 1, Expired: true, Deleted: true})
	assert.Equal(t, DcpEventExpiration, both.Type)
}
