package worker

import (
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	jobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ixy_ci_jobs_submitted_total",
		Help: "Jobs accepted into the queue.",
	})
	jobsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ixy_ci_jobs_dropped_total",
		Help: "Jobs dropped because the queue was full.",
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ixy_ci_job_queue_depth",
		Help: "Jobs currently waiting in the queue.",
	})
)

// QueuedJob pairs a job with the ID it was assigned on admission. The ID ties
// webhook, worker and publisher log lines of one job together.
type QueuedJob struct {
	ID  uuid.UUID
	Job Job
}

// JobQueue is the bounded inbound queue. Admission never blocks: when the
// queue is full the job is dropped and the caller told so. A closed queue
// means the consuming worker is gone, at which point submitting panics and
// takes the process down, there is nothing useful left to do.
type JobQueue struct {
	jobs chan QueuedJob
}

func NewJobQueue(size int) *JobQueue {
	return &JobQueue{jobs: make(chan QueuedJob, size)}
}

// TrySubmit offers a job to the queue. It reports whether the job was
// admitted along with the ID assigned to it.
func (q *JobQueue) TrySubmit(job Job) (uuid.UUID, bool) {
	qj := QueuedJob{ID: uuid.New(), Job: job}
	select {
	case q.jobs <- qj:
		jobsSubmitted.Inc()
		queueDepth.Set(float64(len(q.jobs)))
		return qj.ID, true
	default:
		jobsDropped.Inc()
		log.WithField("repository", job.Repository().String()).Warning("job queue full, dropping job")
		return uuid.Nil, false
	}
}

// Jobs exposes the receive side for the worker loop.
func (q *JobQueue) Jobs() <-chan QueuedJob { return q.jobs }

// Close ends admission. Only the producer side may call this.
func (q *JobQueue) Close() { close(q.jobs) }

// ReportStream is the unbounded outbound stream. Publishing never blocks the
// worker no matter how slow the consumer drains, order is preserved.
type ReportStream struct {
	in  chan Report
	out chan Report
}

func NewReportStream() *ReportStream {
	s := &ReportStream{
		in:  make(chan Report),
		out: make(chan Report),
	}
	go s.pump()
	return s
}

func (s *ReportStream) pump() {
	var backlog []Report
	in := s.in
	for in != nil || len(backlog) > 0 {
		var out chan Report
		var next Report
		if len(backlog) > 0 {
			out = s.out
			next = backlog[0]
		}
		select {
		case r, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			backlog = append(backlog, r)
		case out <- next:
			backlog = backlog[1:]
		}
	}
	close(s.out)
}

// Publish hands a report to the stream. Like the job queue, publishing after
// Close is a programming error and panics.
func (s *ReportStream) Publish(r Report) { s.in <- r }

// Reports exposes the consumer side. The channel closes once Close was
// called and the backlog is drained.
func (s *ReportStream) Reports() <-chan Report { return s.out }

func (s *ReportStream) Close() { close(s.in) }
