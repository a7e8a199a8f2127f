package workerpool

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func Test_RunJobs(t *testing.T) {
	pool := New(5)

	var jobs []Job
	var completed int32
	for i := 0; i < 15; i++ {
		jobs = append(jobs, func() error {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&completed, 1)
			return nil
		})
	}

	pool.Add(jobs)
	require.NoError(t, pool.Wait())
	require.EqualValues(t, len(jobs), completed, "expected all jobs to be completed")
}

func Test_Bounded(t *testing.T) {
	pool := New(2)

	var running, peak int32
	var jobs []Job
	for i := 0; i < 8; i++ {
		jobs = append(jobs, func() error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
	}

	pool.Add(jobs)
	require.NoError(t, pool.Wait())
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func Test_Errors(t *testing.T) {
	pool := New(3)

	errA := errors.New("a")
	errB := errors.New("b")

	pool.Add([]Job{
		func() error { return errA },
		func() error { return nil },
		func() error { return errB },
	})

	err := pool.Wait()
	require.Error(t, err)
	require.Len(t, multierr.Errors(err), 2)
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
}

func Test_StopWait(t *testing.T) {
	pool := New(1)

	var started int32
	var jobs []Job
	for i := 0; i < 15; i++ {
		jobs = append(jobs, func() error {
			atomic.AddInt32(&started, 1)
			time.Sleep(20 * time.Millisecond)
			return nil
		})
	}

	pool.Add(jobs)
	<-time.After(30 * time.Millisecond)
	pool.Stop()
	require.NoError(t, pool.Wait())
	require.Less(t, atomic.LoadInt32(&started), int32(len(jobs)))
}
