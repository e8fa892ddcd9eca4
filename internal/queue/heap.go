package queue

import "container/heap"

// jobHeap is a binary heap of jobs ordered by less
type jobHeap struct {
	jobs []*Job
	less func(a, b *Job) bool
}

var _ heap.Interface = (*jobHeap)(nil)

// byPriority orders ready jobs: higher priority first, FIFO among equals
func byPriority(a, b *Job) bool {
	if a.Options.Priority != b.Options.Priority {
		return a.Options.Priority > b.Options.Priority
	}
	return a.seq < b.seq
}

// byRunAt orders delayed jobs by due time
func byRunAt(a, b *Job) bool {
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return a.seq < b.seq
}

func newJobHeap(less func(a, b *Job) bool) *jobHeap {
	return &jobHeap{less: less}
}

func (h *jobHeap) Len() int           { return len(h.jobs) }
func (h *jobHeap) Less(i, j int) bool { return h.less(h.jobs[i], h.jobs[j]) }

func (h *jobHeap) Swap(i, j int) {
	h.jobs[i], h.jobs[j] = h.jobs[j], h.jobs[i]
	h.jobs[i].index = i
	h.jobs[j].index = j
}

func (h *jobHeap) Push(x any) {
	job := x.(*Job)
	job.index = len(h.jobs)
	h.jobs = append(h.jobs, job)
}

func (h *jobHeap) Pop() any {
	old := h.jobs
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	h.jobs = old[:n-1]
	return job
}

func (h *jobHeap) peek() *Job {
	if len(h.jobs) == 0 {
		return nil
	}
	return h.jobs[0]
}
