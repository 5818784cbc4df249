package dcpcore

import "sync"

// FailoverEntry is a single (vb_uuid, seqno) branch point.
type FailoverEntry struct {
	VbUUID     uint64
	StartSeqNo uint64
}

// FailoverTable is the ordered log of branch points for one vbucket,
// ordered by recency with the current branch first. It is the collaborator
// contract ActiveStream admission consults to decide whether a client's
// claimed history is consistent with the server's, per §4.1.
type FailoverTable struct {
	mu      sync.Mutex
	entries []FailoverEntry
}

// NewFailoverTable builds a table seeded with a single root entry, as a
// freshly created vbucket would have.
func NewFailoverTable(vbUUID uint64) *FailoverTable {
	return &FailoverTable{
		entries: []FailoverEntry{{VbUUID: vbUUID, StartSeqNo: 0}},
	}
}

// AddEntry records a new failover branch point as the current branch.
func (t *FailoverTable) AddEntry(entry FailoverEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append([]FailoverEntry{entry}, t.entries...)
}

// Latest returns the current branch's entry.
func (t *FailoverTable) Latest() FailoverEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[0]
}

// Prune bounds table depth, dropping the oldest entries beyond maxEntries.
// Not called by the core itself — storage's owner invokes it out of band,
// per the supplemented original behavior of bounding failover history.
func (t *FailoverTable) Prune(maxEntries int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if maxEntries > 0 && len(t.entries) > maxEntries {
		t.entries = t.entries[:maxEntries]
	}
}

// FindRollbackSeqno implements §4.1's history check: it returns
// (rollbackSeqno, true) if the client's claimed (uuid, seqno, snapshot)
// state diverges from the server's log, or (0, false) if the client's
// history is consistent and no rollback is required.
func (t *FailoverTable) FindRollbackSeqno(requestedUUID, requestedSeqno, snapStart, snapEnd uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if requestedSeqno == 0 {
		return 0, false
	}

	for i, e := range t.entries {
		if e.VbUUID != requestedUUID {
			continue
		}

		// The requested branch is known. It is a valid resume point unless
		// a more recent branch started before the end of the client's
		// snapshot, in which case what the client has seen from the branch
		// point on is on a dead branch.
		if i > 0 {
			newer := t.entries[i-1]
			if newer.StartSeqNo <= snapStart || newer.StartSeqNo < snapEnd {
				return newer.StartSeqNo, true
			}
		}

		if requestedSeqno < snapStart || requestedSeqno > snapEnd {
			return snapStart, true
		}

		return 0, false
	}

	// Unknown vb_uuid: the client's branch never existed on this server.
	return 0, true
}
