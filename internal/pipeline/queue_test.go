package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedJob 按预设脚本依次返回结果，记录执行次数。
type scriptedJob struct {
	mu   sync.Mutex
	plan []Result
	runs int
}

func (j *scriptedJob) Name() string { return "scripted" }

func (j *scriptedJob) Run() Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := j.plan[j.runs%len(j.plan)]
	j.runs++
	return r
}

func (j *scriptedJob) runCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}

func waitForRuns(t *testing.T, j *scriptedJob, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if j.runCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job ran %d times, want %d", j.runCount(), want)
}

func TestQueue_RunsJobOnce(t *testing.T) {
	q := NewQueue(2, 16, 3)
	defer q.Stop()

	j := &scriptedJob{plan: []Result{Done()}}
	if !q.Enqueue(j) {
		t.Fatal("Enqueue() = false, want true")
	}

	waitForRuns(t, j, 1)
	time.Sleep(20 * time.Millisecond)
	if got := j.runCount(); got != 1 {
		t.Errorf("job ran %d times, want exactly 1", got)
	}
}

func TestQueue_RetryThenDone(t *testing.T) {
	q := NewQueue(1, 16, 3)
	defer q.Stop()

	j := &scriptedJob{plan: []Result{
		RetryAfter(time.Millisecond, errors.New("transient")),
		Done(),
	}}
	q.Enqueue(j)

	waitForRuns(t, j, 2)
	time.Sleep(20 * time.Millisecond)
	if got := j.runCount(); got != 2 {
		t.Errorf("job ran %d times, want exactly 2", got)
	}
}

func TestQueue_RetriesBounded(t *testing.T) {
	q := NewQueue(1, 16, 3)
	defer q.Stop()

	j := &scriptedJob{plan: []Result{RetryAfter(time.Millisecond, errors.New("always"))}}
	q.Enqueue(j)

	waitForRuns(t, j, 3)
	// Attempts exhausted: no further runs even after the retry delay.
	time.Sleep(50 * time.Millisecond)
	if got := j.runCount(); got != 3 {
		t.Errorf("job ran %d times, want exactly 3 (max attempts)", got)
	}
}

func TestQueue_FailedIsTerminal(t *testing.T) {
	q := NewQueue(1, 16, 3)
	defer q.Stop()

	j := &scriptedJob{plan: []Result{Fail(errors.New("permanent"))}}
	q.Enqueue(j)

	waitForRuns(t, j, 1)
	time.Sleep(20 * time.Millisecond)
	if got := j.runCount(); got != 1 {
		t.Errorf("job ran %d times, want exactly 1 for a failed job", got)
	}
}

// blockingJob 占住 worker，直到测试放行。
type blockingJob struct {
	release chan struct{}
}

func (j *blockingJob) Name() string { return "blocking" }

func (j *blockingJob) Run() Result {
	<-j.release
	return Done()
}

func TestQueue_FullQueueDropsWithoutBlocking(t *testing.T) {
	release := make(chan struct{})
	q := NewQueue(1, 1, 3)
	defer q.Stop()
	defer close(release)

	// First job occupies the single worker, second fills the buffer.
	q.Enqueue(&blockingJob{release: release})
	time.Sleep(20 * time.Millisecond)
	if !q.Enqueue(&blockingJob{release: release}) {
		t.Fatal("Enqueue() into free buffer = false, want true")
	}

	done := make(chan bool, 1)
	go func() { done <- q.Enqueue(&scriptedJob{plan: []Result{Done()}}) }()
	select {
	case ok := <-done:
		if ok {
			t.Error("Enqueue() on full queue = true, want false")
		}
	case <-time.After(time.Second):
		t.Error("Enqueue() on full queue blocked the caller")
	}
}

func TestQueue_EnqueueAfterStop(t *testing.T) {
	q := NewQueue(1, 16, 3)
	q.Stop()

	if q.Enqueue(&scriptedJob{plan: []Result{Done()}}) {
		t.Error("Enqueue() after Stop() = true, want false")
	}
}
