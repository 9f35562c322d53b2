package capping

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

type workerMock struct {
	mock.Mock
	board string
	opts  *CappingOpts
	state *PowerManagerState
}

func (w *workerMock) UpdateOpts(opts *CappingOpts) {
	w.Called(opts)
	w.opts = opts
}

func (w *workerMock) Stop() {
	w.Called()
}

func (w *workerMock) State() *PowerManagerState {
	return w.state
}

func CreateMockWorker(state *PowerManagerState, opts *CappingOpts) *workerMock {
	w := &workerMock{
		board: opts.Board,
		opts:  opts,
		state: state,
	}
	return w
}

func TestCappingWorker_UpdateOpts(t *testing.T) {
	expectedOpts := &CappingOpts{
		SamplePeriod: 10 * time.Millisecond,
	}
	wrk := &cappingWorkerImpl{}

	wrk.UpdateOpts(expectedOpts)
	assert.Equal(t, expectedOpts, wrk.opts.Load())
}

func TestCappingWorker_Stop(t *testing.T) {
	cancelFuncCalled := false
	wrk := &cappingWorkerImpl{
		waitGroup:  sync.WaitGroup{},
		cancelFunc: func() { cancelFuncCalled = true },
	}
	wrk.waitGroup.Add(1)
	doneCh := make(chan struct{})

	go func() {
		wrk.Stop()
		close(doneCh)
	}()

	// give goroutine time to start up
	time.Sleep(50 * time.Millisecond)

	select {
	case <-doneCh:
		t.Fatal("Function returned early - expected to be blocking")
	default:
	}

	wrk.waitGroup.Done()

	select {
	case <-doneCh:
		// function unblocked properly
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Function did not unblock properly after context was canceled.")
	}

	assert.True(t, cancelFuncCalled)
}

func TestCappingWorker_runLoop(t *testing.T) {
	fakeClock := clocktesting.NewFakeClock(testEpoch)
	wrk := &cappingWorkerImpl{
		waitGroup: sync.WaitGroup{},
		clock:     fakeClock,
	}
	opts := &CappingOpts{
		SamplePeriod: 10 * time.Millisecond,
	}
	wrk.opts.Store(opts)
	updated := make(chan struct{}, 1)
	upd := &updaterMock{}
	upd.On("Update", opts).Return().Run(func(mock.Arguments) {
		select {
		case updated <- struct{}{}:
		default:
		}
	})
	wrk.updater = upd

	wrk.waitGroup.Add(1)
	ctx, cancel := context.WithCancel(context.TODO())
	doneCh := make(chan struct{})

	go func() {
		wrk.runLoop(ctx)
		close(doneCh)
	}()

	// no cycle runs before a full sample period has passed
	require.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
	fakeClock.Step(5 * time.Millisecond)
	select {
	case <-updated:
		t.Fatal("cycle ran before the sample period elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	fakeClock.Step(5 * time.Millisecond)
	select {
	case <-updated:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("cycle did not run after the sample period elapsed")
	}

	cancel()

	select {
	case <-doneCh:
		// function unblocked properly
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Function did not unblock properly after context was canceled.")
	}

	upd.AssertCalled(t, "Update", opts)
}

func TestCappingWorker_testHookStopLoop(t *testing.T) {
	t.Cleanup(func() { testHookStopLoop = nil })
	testHookStopLoop = func() bool { return true }

	wrk := &cappingWorkerImpl{clock: clocktesting.NewFakeClock(testEpoch)}
	wrk.opts.Store(&CappingOpts{SamplePeriod: time.Second})
	wrk.waitGroup.Add(1)

	// returns without waiting on the clock
	wrk.runLoop(context.TODO())
}
