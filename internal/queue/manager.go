package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/devrev/snapback/internal/errors"
	"github.com/devrev/snapback/internal/metrics"
	"github.com/devrev/snapback/internal/model"
	"github.com/devrev/snapback/internal/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxBackoff     = 10 * time.Minute
	maxDeadLetters = 1000
	idleWait       = time.Hour
)

// Processor executes the payload of one job
type Processor func(ctx context.Context, payload model.JobPayload) (model.JobResult, error)

// Options control how a job is scheduled
type Options struct {
	// Priority orders ready jobs, higher first
	Priority int
	// Delay postpones the first attempt
	Delay time.Duration
	// Repeat re-enqueues the job this long after each final completion
	Repeat time.Duration
	// MaxAttempts is the attempt budget before the job is dead-lettered
	MaxAttempts int
	// Backoff is the base of the exponential retry delay
	Backoff time.Duration
	// JobID deduplicates: enqueueing an ID that is already queued or running is a no-op
	JobID string
}

// JobHandle identifies an enqueued job
type JobHandle struct {
	ID        string
	Queue     model.QueueName
	Duplicate bool
}

// Job is a scheduled unit of work
type Job struct {
	ID         string
	Queue      model.QueueName
	Payload    model.JobPayload
	Options    Options
	Attempts   int
	EnqueuedAt time.Time
	RunAt      time.Time
	LastError  string

	seq   uint64
	index int
}

// JobCompletion is emitted once per job when it succeeds or exhausts its attempts
type JobCompletion struct {
	JobID    string
	Queue    model.QueueName
	Payload  model.JobPayload
	Result   model.JobResult
	Err      error
	Attempts int
	Duration time.Duration
}

// Config holds queue manager configuration
type Config struct {
	Workers     int
	Capacity    int
	MaxAttempts int
	Backoff     time.Duration
}

// Manager is an in-process job substrate with priorities, delays,
// repeating jobs, retries and dead-lettering
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	pool    *workerpool.Pool
	now     func() time.Time

	mu          sync.Mutex
	processors  map[model.QueueName]Processor
	listeners   map[model.QueueName][]func(JobCompletion)
	ready       *jobHeap
	delayed     *jobHeap
	active      map[string]*Job
	waiting     map[model.QueueName]int
	running     int
	deadLetters map[model.QueueName][]Job
	seq         uint64
	started     bool
	stopped     bool

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

// NewManager creates a new queue manager. m may be nil.
func NewManager(cfg Config, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}

	return &Manager{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		pool: workerpool.New(workerpool.Config{
			Name:      "jobs",
			Workers:   cfg.Workers,
			QueueSize: cfg.Workers,
			Logger:    logger,
		}),
		now:         time.Now,
		processors:  make(map[model.QueueName]Processor),
		listeners:   make(map[model.QueueName][]func(JobCompletion)),
		ready:       newJobHeap(byPriority),
		delayed:     newJobHeap(byRunAt),
		active:      make(map[string]*Job),
		waiting:     make(map[model.QueueName]int),
		deadLetters: make(map[model.QueueName][]Job),
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Register sets the processor of a queue
func (m *Manager) Register(queue model.QueueName, processor Processor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processors[queue] = processor
}

// OnComplete adds a listener for final completions of a queue's jobs.
// Listeners run on the worker goroutine that finished the job.
func (m *Manager) OnComplete(queue model.QueueName, listener func(JobCompletion)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[queue] = append(m.listeners[queue], listener)
}

// Enqueue schedules payload on queue
func (m *Manager) Enqueue(ctx context.Context, queue model.QueueName, payload model.JobPayload, opts Options) (JobHandle, error) {
	if err := ctx.Err(); err != nil {
		return JobHandle{}, err
	}
	if payload == nil || payload.Queue() != queue {
		return JobHandle{}, apperrors.InvalidArgument(fmt.Sprintf("payload %T does not belong to queue %s", payload, queue), nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return JobHandle{}, apperrors.Internal("queue manager is stopped", nil)
	}
	if _, ok := m.processors[queue]; !ok {
		return JobHandle{}, apperrors.InvalidArgument(fmt.Sprintf("no processor registered for queue %s", queue), nil)
	}
	if opts.JobID != "" {
		if _, ok := m.active[opts.JobID]; ok {
			return JobHandle{ID: opts.JobID, Queue: queue, Duplicate: true}, nil
		}
	}
	if len(m.active) >= m.cfg.Capacity {
		return JobHandle{}, apperrors.QueueFull(string(queue))
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	now := m.now()
	job := &Job{
		ID:         id,
		Queue:      queue,
		Payload:    payload,
		Options:    opts,
		EnqueuedAt: now,
		RunAt:      now.Add(opts.Delay),
	}
	m.active[id] = job
	m.schedule(job)

	return JobHandle{ID: id, Queue: queue}, nil
}

// DeadLetters returns the jobs of a queue that exhausted their attempts
func (m *Manager) DeadLetters(queue model.QueueName) []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, len(m.deadLetters[queue]))
	copy(out, m.deadLetters[queue])
	return out
}

// Summary is a point-in-time view of the substrate for readiness reports
type Summary struct {
	Pending           int            `json:"pending"`
	DeadLetters       map[string]int `json:"dead_letters,omitempty"`
	ActiveWorkers     int            `json:"active_workers"`
	Workers           int            `json:"workers"`
	WorkerUtilization float64        `json:"worker_utilization_percent"`
	RejectedTasks     uint64         `json:"rejected_tasks"`
}

// Summary reports pending jobs, dead letters per registered queue and
// worker pool usage
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	queues := make([]model.QueueName, 0, len(m.processors))
	for name := range m.processors {
		queues = append(queues, name)
	}
	pending := len(m.active)
	m.mu.Unlock()

	summary := Summary{Pending: pending}
	for _, name := range queues {
		if n := len(m.DeadLetters(name)); n > 0 {
			if summary.DeadLetters == nil {
				summary.DeadLetters = make(map[string]int)
			}
			summary.DeadLetters[string(name)] = n
		}
	}

	stats := m.pool.Stats()
	summary.ActiveWorkers = stats.Active
	summary.Workers = stats.Workers
	summary.WorkerUtilization = stats.Utilization()
	summary.RejectedTasks = stats.Rejected
	return summary
}

// Pending returns the number of queued, delayed and running jobs
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Start begins dispatching jobs
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run()
	m.logger.Info("Queue manager started", zap.Int("workers", m.cfg.Workers))
}

// Stop stops dispatching, cancels running jobs and drops queued ones
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	started := m.started
	dropped := m.ready.Len() + m.delayed.Len()
	m.mu.Unlock()

	close(m.stopCh)
	if started {
		<-m.done
	}
	err := m.pool.Stop(timeout)

	m.logger.Info("Queue manager stopped", zap.Int("dropped_jobs", dropped))
	return err
}

// schedule places job in the ready or delayed heap. Caller holds mu.
func (m *Manager) schedule(job *Job) {
	m.seq++
	job.seq = m.seq
	if job.RunAt.After(m.now()) {
		heap.Push(m.delayed, job)
	} else {
		heap.Push(m.ready, job)
	}
	m.waiting[job.Queue]++
	m.observeDepth(job.Queue)
	m.signal()
}

// signal wakes the dispatch loop without blocking. Caller holds mu.
func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer close(m.done)

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		wait := m.dispatch()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-m.stopCh:
			return
		case <-m.wake:
		case <-timer.C:
		}
	}
}

// dispatch promotes due jobs and hands ready jobs to free workers.
// It returns how long to wait for the next delayed job.
func (m *Manager) dispatch() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for m.delayed.Len() > 0 && !m.delayed.peek().RunAt.After(now) {
		heap.Push(m.ready, heap.Pop(m.delayed))
	}

	for m.ready.Len() > 0 && m.running < m.cfg.Workers {
		job := heap.Pop(m.ready).(*Job)
		job.Attempts++
		if !m.pool.TrySubmit(m.task(job, m.processors[job.Queue])) {
			job.Attempts--
			heap.Push(m.ready, job)
			break
		}
		m.running++
		m.waiting[job.Queue]--
		m.observeDepth(job.Queue)
	}

	if next := m.delayed.peek(); next != nil {
		if d := next.RunAt.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return idleWait
}

func (m *Manager) task(job *Job, processor Processor) workerpool.Task {
	var (
		result model.JobResult
		start  time.Time
	)
	return workerpool.Task{
		ID:    job.ID,
		Queue: string(job.Queue),
		Fn: func(ctx context.Context) error {
			start = time.Now()
			var err error
			result, err = processor(ctx, job.Payload)
			return err
		},
		Done: func(err error) {
			m.finish(job, result, err, time.Since(start))
		},
	}
}

// finish retries, dead-letters or completes a job after an attempt
func (m *Manager) finish(job *Job, result model.JobResult, err error, duration time.Duration) {
	queue := string(job.Queue)
	if m.metrics != nil {
		m.metrics.JobDuration.WithLabelValues(queue).Observe(duration.Seconds())
	}

	m.mu.Lock()
	m.running--

	if err != nil {
		job.LastError = err.Error()
		if m.metrics != nil {
			m.metrics.JobsFailed.WithLabelValues(queue).Inc()
		}

		if job.Attempts < m.maxAttempts(job) && !m.stopped {
			delay := m.backoff(job)
			job.RunAt = m.now().Add(delay)
			m.schedule(job)
			m.mu.Unlock()

			m.logger.Warn("Job failed, retrying",
				zap.String("queue", queue),
				zap.String("job_id", job.ID),
				zap.Int("attempt", job.Attempts),
				zap.Duration("backoff", delay),
				zap.Error(err))
			return
		}

		dl := append(m.deadLetters[job.Queue], *job)
		if len(dl) > maxDeadLetters {
			dl = dl[len(dl)-maxDeadLetters:]
		}
		m.deadLetters[job.Queue] = dl
		if m.metrics != nil {
			m.metrics.JobsDeadLettered.WithLabelValues(queue).Inc()
		}
		m.logger.Error("Job dead-lettered",
			zap.String("queue", queue),
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Error(err))
	} else if m.metrics != nil {
		m.metrics.JobsCompleted.WithLabelValues(queue).Inc()
	}

	delete(m.active, job.ID)

	if job.Options.Repeat > 0 && !m.stopped {
		next := &Job{
			ID:         job.ID,
			Queue:      job.Queue,
			Payload:    job.Payload,
			Options:    job.Options,
			EnqueuedAt: m.now(),
			RunAt:      m.now().Add(job.Options.Repeat),
		}
		if job.Options.JobID == "" {
			next.ID = uuid.NewString()
		}
		m.active[next.ID] = next
		m.schedule(next)
	}

	listeners := append([]func(JobCompletion){}, m.listeners[job.Queue]...)
	m.signal()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.WorkerUtilization.Set(m.pool.Stats().Utilization())
	}

	completion := JobCompletion{
		JobID:    job.ID,
		Queue:    job.Queue,
		Payload:  job.Payload,
		Result:   result,
		Err:      err,
		Attempts: job.Attempts,
		Duration: duration,
	}
	for _, listener := range listeners {
		listener(completion)
	}
}

func (m *Manager) maxAttempts(job *Job) int {
	if job.Options.MaxAttempts > 0 {
		return job.Options.MaxAttempts
	}
	return m.cfg.MaxAttempts
}

// backoff doubles the base delay per failed attempt
func (m *Manager) backoff(job *Job) time.Duration {
	base := job.Options.Backoff
	if base <= 0 {
		base = m.cfg.Backoff
	}
	delay := base
	for i := 1; i < job.Attempts; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

func (m *Manager) observeDepth(queue model.QueueName) {
	if m.metrics != nil {
		m.metrics.QueueDepth.WithLabelValues(string(queue)).Set(float64(m.waiting[queue]))
	}
}
