package dcpcore

import (
	"context"
	"sync"

	"github.com/couchbaselabs/dcpcore/zaputils"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// backfillJob is one outstanding disk scan request, per §4.8.
type backfillJob struct {
	vb         uint16
	startSeqno uint64
	endSeqno   uint64
	stream     *ActiveStream
	ctx        context.Context
	cancel     context.CancelFunc
}

// BackfillManager coordinates disk scans feeding ActiveStreams, enforcing a
// global budget of concurrent scans and outstanding bytes, per §4.8. A
// scan is scheduled round-robin: Schedule appends to a FIFO queue and
// dispatch admits from the front as concurrency slots free up.
type BackfillManager struct {
	logger *zap.Logger
	source BackfillSource
	sched  Scheduler
	opts   BackfillOptions
	seqno  SeqnoSource

	slots *semaphore.Weighted

	mu               sync.Mutex
	queue            []*backfillJob
	outstandingBytes uint64
}

// NewBackfillManager constructs a manager bound to source for scans and
// sched for running them. seqno is consulted after a scan completes to
// frame the InMemory-phase marker that follows backfill. Concurrency is
// bounded by a weighted semaphore, the same pattern used elsewhere in the
// ecosystem to cap concurrent work against a global limit.
func NewBackfillManager(source BackfillSource, seqno SeqnoSource, sched Scheduler, opts BackfillOptions, logger *zap.Logger) *BackfillManager {
	opts = opts.withDefaults()
	return &BackfillManager{
		logger: loggerOrNop(logger),
		source: source,
		sched:  sched,
		opts:   opts,
		seqno:  seqno,
		slots:  semaphore.NewWeighted(int64(opts.MaxConcurrentScans)),
	}
}

// Schedule enqueues a backfill of [startSeqno, endSeqno] for stream. It
// returns a cancel function the stream must call if it dies before the
// scan completes; per §4.8, the scan is then cancelled and its reserved
// bytes returned to the budget.
func (m *BackfillManager) Schedule(stream *ActiveStream, startSeqno, endSeqno uint64) func() {
	ctx, cancel := context.WithCancel(context.Background())
	job := &backfillJob{
		vb:         stream.VbucketID(),
		startSeqno: startSeqno,
		endSeqno:   endSeqno,
		stream:     stream,
		ctx:        ctx,
		cancel:     cancel,
	}

	m.mu.Lock()
	m.queue = append(m.queue, job)
	m.mu.Unlock()

	m.dispatch()

	return cancel
}

// dispatch admits queued jobs as weighted semaphore slots free up.
func (m *BackfillManager) dispatch() {
	for {
		if !m.slots.TryAcquire(1) {
			return
		}

		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			m.slots.Release(1)
			return
		}
		job := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		backfillScansActive.Add(context.Background(), 1)
		m.sched.Submit(m.runJob(job), 0)
	}
}

func (m *BackfillManager) runJob(job *backfillJob) TaskFunc {
	return func() Snooze {
		var jobBytes uint64

		defer func() {
			m.mu.Lock()
			if jobBytes > m.outstandingBytes {
				m.outstandingBytes = 0
			} else {
				m.outstandingBytes -= jobBytes
			}
			m.mu.Unlock()

			m.slots.Release(1)
			backfillScansActive.Add(context.Background(), -1)
			m.dispatch()
		}()

		if job.ctx.Err() != nil {
			return SnoozeCancel
		}

		job.stream.onBackfillStart(job.startSeqno, job.endSeqno)

		err := m.source.Scan(job.ctx, job.vb, job.startSeqno, job.endSeqno, func(item BackfillItem) error {
			cost := uint64(len(item.Key) + len(item.Value))
			if !m.reserve(cost, &jobBytes) {
				return ErrOutOfMemory
			}
			job.stream.onBackfillItem(item)
			return nil
		})

		success := err == nil && job.ctx.Err() == nil
		if err != nil {
			m.logger.Debug("backfill scan ended with error",
				zaputils.VbucketID("vbucket", job.vb),
				zap.Error(err),
			)
		}

		var highSeqno uint64
		if m.seqno != nil {
			highSeqno = m.seqno.HighSeqno(job.vb)
		}
		job.stream.onBackfillDone(success, highSeqno)

		return SnoozeCancel
	}
}

func (m *BackfillManager) reserve(n uint64, jobBytes *uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opts.MaxOutstandingBytes > 0 && m.outstandingBytes+n > m.opts.MaxOutstandingBytes {
		return false
	}
	m.outstandingBytes += n
	*jobBytes += n
	return true
}
