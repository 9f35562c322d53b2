package capping

import (
	"context"
	"sync"
	"sync/atomic"

	"k8s.io/utils/clock"
)

var (
	testHookStopLoop func() bool
)

type CappingWorker interface {
	UpdateOpts(opts *CappingOpts)
	Stop()
	State() *PowerManagerState
}

type cappingWorkerImpl struct {
	board      string
	opts       atomic.Pointer[CappingOpts]
	cancelFunc func()
	waitGroup  sync.WaitGroup
	updater    CappingUpdater
	state      *PowerManagerState
	clock      clock.Clock
}

func NewCappingWorker(
	state *PowerManagerState,
	clk clock.Clock,
	opts *CappingOpts,
) CappingWorker {
	ctx, cancelFunc := context.WithCancel(context.Background())

	worker := &cappingWorkerImpl{
		board:      opts.Board,
		cancelFunc: cancelFunc,
		waitGroup:  sync.WaitGroup{},
		state:      state,
		clock:      clk,
	}

	worker.opts.Store(opts)
	worker.updater = NewCappingUpdater(state)
	worker.waitGroup.Add(1)

	go worker.runLoop(ctx)

	return worker
}

func (w *cappingWorkerImpl) UpdateOpts(opts *CappingOpts) {
	w.opts.Store(opts)
}

func (w *cappingWorkerImpl) Stop() {
	w.cancelFunc()
	w.waitGroup.Wait()
}

func (w *cappingWorkerImpl) State() *PowerManagerState {
	return w.state
}

func (w *cappingWorkerImpl) runLoop(ctx context.Context) {
	defer w.waitGroup.Done()

	for {
		if testHookStopLoop != nil {
			if testHookStopLoop() {
				return
			}
		}

		opts := w.opts.Load()
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(opts.SamplePeriod):
			w.updater.Update(opts)
		}
	}
}
