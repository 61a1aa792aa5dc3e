// Package pipeline 实现与请求路径解耦的后台任务队列：
// 内容审核、消息加密、webhook 投递都在这里执行，互不阻塞。
package pipeline

import (
	"sync"
	"time"

	"messenger/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Status 是任务单次执行的结果，worker 据此决定完成、重试还是放弃。
type Status int

const (
	StatusDone Status = iota
	StatusRetry
	StatusFailed
)

type Result struct {
	Status Status
	Delay  time.Duration
	Err    error
}

func Done() Result                                 { return Result{Status: StatusDone} }
func RetryAfter(d time.Duration, err error) Result { return Result{Status: StatusRetry, Delay: d, Err: err} }
func Fail(err error) Result                        { return Result{Status: StatusFailed, Err: err} }

// Job 后台任务。Run 返回显式结果而不是靠 panic/error 驱动重试。
type Job interface {
	Name() string
	Run() Result
}

type queued struct {
	job     Job
	attempt int
}

// Queue 固定 worker 数量的任务队列。Enqueue 永不阻塞调用方：
// 队列满时丢弃并记日志，同步写路径绝不等待后台任务。
type Queue struct {
	jobs        chan queued
	maxAttempts int

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func NewQueue(workers, size, maxAttempts int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	q := &Queue{
		jobs:        make(chan queued, size),
		maxAttempts: maxAttempts,
		stop:        make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue 尝试提交任务，队列满返回 false。
func (q *Queue) Enqueue(job Job) bool {
	return q.submit(queued{job: job, attempt: 0})
}

func (q *Queue) submit(item queued) bool {
	select {
	case <-q.stop:
		return false
	default:
	}
	select {
	case q.jobs <- item:
		return true
	default:
		metrics.PipelineDropsTotal.Inc()
		log.Warn().Str("job", item.job.Name()).Msg("pipeline queue full, job dropped")
		return false
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case item := <-q.jobs:
			q.execute(item)
		}
	}
}

func (q *Queue) execute(item queued) {
	r := item.job.Run()
	switch r.Status {
	case StatusDone:
		metrics.PipelineJobsTotal.WithLabelValues(item.job.Name(), "done").Inc()
	case StatusRetry:
		next := item
		next.attempt++
		if next.attempt >= q.maxAttempts {
			// 重试耗尽落为终态失败，绝不向上抛给原调用方。
			metrics.PipelineJobsTotal.WithLabelValues(item.job.Name(), "failed").Inc()
			log.Error().Err(r.Err).Str("job", item.job.Name()).
				Int("attempts", next.attempt).Msg("pipeline job exhausted retries")
			return
		}
		metrics.PipelineJobsTotal.WithLabelValues(item.job.Name(), "retry").Inc()
		log.Warn().Err(r.Err).Str("job", item.job.Name()).
			Int("attempt", next.attempt).Dur("delay", r.Delay).Msg("pipeline job retry scheduled")
		time.AfterFunc(r.Delay, func() { q.submit(next) })
	case StatusFailed:
		metrics.PipelineJobsTotal.WithLabelValues(item.job.Name(), "failed").Inc()
		log.Error().Err(r.Err).Str("job", item.job.Name()).Msg("pipeline job failed")
	}
}

// Stop 停止 worker，已在延迟重试中的任务不再入队。
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
}
