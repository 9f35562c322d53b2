package capping

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/nvmexp/lw-firmware-sub145/internal/status"
)

// Func definitions for unit testing
var (
	newCappingWorkerFunc = NewCappingWorker
)

// StateFactory builds the capping state of a newly managed board.
type StateFactory func(opts CappingOpts) (*PowerManagerState, error)

type CappingManager interface {
	manager.Runnable
	UpdateConfig(optsList []CappingOpts) error
	Snapshots() []status.Snapshot
	State(board string) (*PowerManagerState, bool)
}

type cappingManagerImpl struct {
	factory StateFactory
	clock   clock.Clock
	workers sync.Map
	logger  logr.Logger
}

func NewCappingManager(factory StateFactory, clk clock.Clock) CappingManager {
	nodeName := os.Getenv("NODE_NAME")

	mgr := &cappingManagerImpl{
		factory: factory,
		clock:   clk,
		logger:  ctrl.Log.WithName("CappingManager").WithName(nodeName),
	}

	return mgr
}

func (s *cappingManagerImpl) Start(ctx context.Context) error {
	<-ctx.Done()
	s.stop()
	return nil
}

func (s *cappingManagerImpl) stop() {
	s.logger.V(5).Info("stopping all workers")

	for _, board := range s.getManagedBoards() {
		worker, found := s.workers.LoadAndDelete(board)
		if found {
			worker := worker.(CappingWorker)
			worker.Stop()
			s.logger.V(5).Info("worker stopped successfully", "board", board)
		}
	}

	s.logger.V(5).Info("successfully stopped all")
}

// UpdateConfig starts workers for new boards, updates the sample period of
// existing ones and stops workers of boards no longer listed. Boards whose
// state cannot be built are skipped and reported.
func (s *cappingManagerImpl) UpdateConfig(optsList []CappingOpts) error {
	var errs []error
	incomingBoards := map[string]struct{}{}
	currentBoards := s.getManagedBoards()

	// create or update workers as per new config
	for _, opts := range optsList {
		incomingBoards[opts.Board] = struct{}{}

		worker, found := s.getCappingWorker(opts.Board)
		if found {
			worker.UpdateOpts(&opts)
			continue
		}

		s.logger.V(5).Info("creating worker", "board", opts.Board)
		state, err := s.factory(opts)
		if err == nil {
			err = state.Load()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("board %s: %w", opts.Board, err))
			continue
		}
		s.workers.Store(opts.Board, newCappingWorkerFunc(state, s.clock, &opts))
	}

	// stop workers on boards that are no longer managed
	for _, board := range currentBoards {
		if _, contains := incomingBoards[board]; !contains {
			s.logger.V(5).Info("stopping worker", "board", board)

			worker, found := s.workers.LoadAndDelete(board)
			if !found {
				s.logger.V(5).Info("worker already stopped", "board", board)
			} else {
				worker := worker.(CappingWorker)
				worker.Stop()
				s.logger.V(5).Info("worker stopped successfully", "board", board)
			}
		}
	}

	return errors.Join(errs...)
}

// Snapshots returns the latest snapshot of every board, ordered by board.
func (s *cappingManagerImpl) Snapshots() []status.Snapshot {
	boards := s.getManagedBoards()
	slices.Sort(boards)

	snapshots := make([]status.Snapshot, 0, len(boards))
	for _, board := range boards {
		if worker, found := s.getCappingWorker(board); found {
			snapshots = append(snapshots, *worker.State().Snapshot())
		}
	}
	return snapshots
}

func (s *cappingManagerImpl) State(board string) (*PowerManagerState, bool) {
	worker, found := s.getCappingWorker(board)
	if !found {
		return nil, false
	}
	return worker.State(), true
}

func (s *cappingManagerImpl) getManagedBoards() []string {
	boards := make([]string, 0)
	s.workers.Range(func(key, value any) bool {
		boards = append(boards, key.(string))
		return true
	})

	return boards
}

func (s *cappingManagerImpl) getCappingWorker(board string) (CappingWorker, bool) {
	if value, found := s.workers.Load(board); found {
		return value.(CappingWorker), true
	}

	return nil, false
}
