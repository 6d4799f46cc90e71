package worker

// JobType names the deferred units of work the dispatcher schedules.
type JobType string

const (
	Generate JobType = "generate"
	Title    JobType = "title"
	Stop     JobType = "stop"
)

// Job is one deferred unit of work, keyed by the thread it belongs to.
type Job struct {
	Type            JobType
	ThreadID        int64
	PromptMessageID int64
	Prompt          string
}

type Worker struct {
	manager    *Manager
	pool       *workerPool
	jobChannel chan Job
	quit       chan struct{}
}

func NewWorker(pool *workerPool, manager *Manager) *Worker {
	return &Worker{
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
		quit:       make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			w.pool.park(w.jobChannel)
			select {
			case job := <-w.jobChannel:
				switch job.Type {
				case Generate:
					w.manager.handleGenerate(job)
					w.manager.jobDone(job.ThreadID)
				case Title:
					w.manager.handleTitle(job)
					w.manager.jobDone(job.ThreadID)
				case Stop:
					w.pool.retire(w.jobChannel)
					return
				}
			case <-w.quit:
				w.pool.retire(w.jobChannel)
				return
			}
		}
	}()
}

func (w *Worker) StopNow() {
	close(w.quit)
}
