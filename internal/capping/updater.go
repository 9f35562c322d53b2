package capping

import (
	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"
)

type CappingUpdater interface {
	Update(opts *CappingOpts)
}

type cappingUpdaterImpl struct {
	state  *PowerManagerState
	logger logr.Logger
}

func NewCappingUpdater(state *PowerManagerState) CappingUpdater {
	updater := &cappingUpdaterImpl{
		state:  state,
		logger: ctrl.Log.WithName("CappingUpdater").WithName(state.Board()),
	}

	return updater
}

func (u *cappingUpdaterImpl) Update(opts *CappingOpts) {
	if _, err := u.state.RunCycle(); err != nil {
		u.logger.Error(err, "limits not applied", "samplePeriod", opts.SamplePeriod)
	}
}
