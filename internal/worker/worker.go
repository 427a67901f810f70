package worker

// Job is one unit of provider work scheduled on behalf of a user.
type Job struct {
	UserID string
	Run    func()

	stop bool
}

type Worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
}

func newWorker(pool *jobChannelPool) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

// Start runs jobs until the worker receives a stop job. After each job the worker goes back
// to the idle list.
func (w *Worker) Start() {
	go func() {
		for {
			job := <-w.jobChannel
			if job.stop {
				return
			}
			if job.Run != nil {
				job.Run()
			}
			w.pool.Release(w.jobChannel)
		}
	}()
}
