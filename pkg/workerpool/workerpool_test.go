package workerpool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsJobsAcrossWorkers(t *testing.T) {
	p := New(4, 16)
	p.Start()
	defer p.Stop()

	var count int64
	done := make(chan struct{}, 20)
	for i := 0; i < 20; i++ {
		p.Submit(func() {
			atomic.AddInt64(&count, 1)
			done <- struct{}{}
		})
	}

	for i := 0; i < 20; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("job did not complete")
		}
	}
	assert.Equal(t, int64(20), atomic.LoadInt64(&count))
}

func TestStopDrainsQueuedJobs(t *testing.T) {
	p := New(1, 8)
	p.Start()

	var ran int64
	for i := 0; i < 5; i++ {
		p.Submit(func() {
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&ran, 1)
		})
	}
	p.Stop()

	assert.Equal(t, int64(5), atomic.LoadInt64(&ran))
}

func TestExecuteRecoversFromPanic(t *testing.T) {
	p := New(1, 4)
	p.Start()
	defer p.Stop()

	panicked := make(chan struct{})
	p.Submit(func() {
		defer close(panicked)
		panic("boom")
	})

	select {
	case <-panicked:
	case <-time.After(time.Second):
		t.Fatal("panicking job never ran")
	}

	ranAfter := make(chan struct{})
	p.Submit(func() { close(ranAfter) })
	select {
	case <-ranAfter:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a job panic")
	}
}

func TestSubmitAfterStopDoesNotBlockForever(t *testing.T) {
	p := New(1, 1)
	p.Start()
	p.Stop()

	submitted := make(chan struct{})
	go func() {
		p.Submit(func() {})
		close(submitted)
	}()

	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked forever after Stop")
	}
}

func TestNewSizesQueueAndWorkerCount(t *testing.T) {
	p := New(3, 10)
	require.Equal(t, 3, p.size)
	require.Equal(t, 10, cap(p.queue))
}
