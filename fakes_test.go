package dcpcore

import (
	"context"
	"time"
)

// syncScheduler runs a submitted task to completion immediately, looping
// while it returns SnoozeMore, and ignores delays entirely. It makes
// BackfillManager/Consumer tests deterministic without a real goroutine
// pool or clock.
type syncScheduler struct {
	closed bool
}

func (s *syncScheduler) Submit(fn TaskFunc, _ time.Duration) {
	for {
		snooze := fn()
		if snooze != SnoozeMore {
			return
		}
	}
}

func (s *syncScheduler) Close() { s.closed = true }

type fakeSeqnoSource struct {
	high     uint64
	highByVb map[uint16]uint64
}

func (f *fakeSeqnoSource) HighSeqno(vb uint16) uint64 {
	if f.highByVb != nil {
		return f.highByVb[vb]
	}
	return f.high
}

type fakeCheckpointSource struct {
	low uint64
}

func (f *fakeCheckpointSource) InMemoryLowSeqno(vb uint16) uint64 {
	return f.low
}

type fakeBackfillSource struct {
	items   []BackfillItem
	scanErr error
}

func (f *fakeBackfillSource) Scan(ctx context.Context, vb uint16, start, end uint64, emit func(BackfillItem) error) error {
	for _, item := range f.items {
		if item.SeqNo < start || item.SeqNo > end {
			continue
		}
		if err := emit(item); err != nil {
			return err
		}
	}
	return f.scanErr
}

type fakeApplySource struct {
	applied []BackfillItem
	err     error
}

func (f *fakeApplySource) Apply(ctx context.Context, vb uint16, item BackfillItem) error {
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, item)
	return nil
}

type fakeRollbackSource struct {
	err error
}

func (f *fakeRollbackSource) Rollback(ctx context.Context, vb uint16, seqno uint64) error {
	return f.err
}

type fakeFailoverSource struct {
	tables map[uint16]*FailoverTable
}

func (f *fakeFailoverSource) FailoverTable(vb uint16) *FailoverTable {
	if t, ok := f.tables[vb]; ok {
		return t
	}
	return NewFailoverTable(0)
}
