// Package worker schedules provider calls on a bounded pool, round-robin across users so one
// caller with many uploads cannot starve the others.
package worker

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voxscribe/internal/transcription"
)

const defaultQueueSize = 64

type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type userQueue struct {
	jobs     []Job
	enqueued bool
}

type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job
	quit     chan struct{}
	once     sync.Once
	log      zerolog.Logger

	mu        sync.Mutex
	queues    map[string]*userQueue    // job queue for each user
	ready     *list.List               // round-robin queue of user IDs
	positions map[string]*list.Element // user ID -> element in ready
}

func NewDispatcher(cfg Config, log zerolog.Logger) *Dispatcher {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout),
		jobQueue:  make(chan Job, queueSize),
		quit:      make(chan struct{}),
		log:       log,
		queues:    make(map[string]*userQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
	}
	go d.run()
	return d
}

// Submit queues a job without blocking. It returns transcription.ErrBusy when the intake queue
// is full or the dispatcher is closed.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.quit:
		return transcription.ErrBusy
	default:
	}
	select {
	case d.jobQueue <- job:
		return nil
	default:
		d.log.Warn().Str("user_id", job.UserID).Int("queued", len(d.jobQueue)).Msg("dispatcher queue full")
		return transcription.ErrBusy
	}
}

// Close stops dispatching and retires idle workers. Callers must stop submitting first.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.quit)
		d.pool.close()
	})
}

func (d *Dispatcher) run() {
	for {
		if !d.drain() {
			return
		}
		if d.dispatchOne() {
			continue
		}
		// nothing pending, wait for work
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			return
		}
	}
}

// drain moves every submitted job into its user's queue so the round-robin order sees all of
// them. It reports false once the dispatcher is closed.
func (d *Dispatcher) drain() bool {
	for {
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			return false
		default:
			return true
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.UserID]
	if q == nil {
		q = &userQueue{}
		d.queues[job.UserID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.UserID] = d.ready.PushBack(job.UserID)
}

// dispatchOne hands the next job of the front user to a worker, blocking until one is free.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(string)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		// get to the back of queue
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	workerChan <- job
	return true
}
