/*


Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	powerv1 "github.com/nvmexp/lw-firmware-sub145/api/v1"
	"github.com/nvmexp/lw-firmware-sub145/internal/capping"
	"github.com/nvmexp/lw-firmware-sub145/internal/config"
	"github.com/nvmexp/lw-firmware-sub145/internal/metrics"
	"github.com/nvmexp/lw-firmware-sub145/internal/model"
	"github.com/nvmexp/lw-firmware-sub145/internal/monitoring"
	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/internal/server"
	"github.com/nvmexp/lw-firmware-sub145/internal/sim"
)

var (
	setupLog = ctrl.Log.WithName("setup")
)

// simulatedBoards connects every configured board to a simulator and keeps
// them for shutdown.
type simulatedBoards struct {
	mu     sync.Mutex
	boards []*sim.Board
}

func (s *simulatedBoards) connect(spec powerv1.BoardSpec, table *perf.Table, pm model.PowerModel) (metrics.Source, capping.LimitSink, error) {
	simCfg, err := config.SimulatorConfig(spec.Simulator)
	if err != nil {
		return nil, nil, err
	}
	board, err := sim.NewBoard(ctrl.Log.WithName("sim").WithName(spec.Name), table, pm, nil, simCfg)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.boards = append(s.boards, board)
	return board, board, nil
}

func (s *simulatedBoards) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.boards {
		b.Close()
	}
	s.boards = nil
}

func main() {
	var configPath string
	var bindAddr string
	flag.StringVar(&configPath, "config", "/etc/powercapd/powercapd.yaml", "Path to the power capping configuration file.")
	flag.StringVar(&bindAddr, "bind-address", ":10001", "The address the metrics, status and control endpoints bind to.")
	logOpts := zap.Options{}
	logOpts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(
		zap.UseDevMode(true),
		func(o *zap.Options) {
			o.TimeEncoder = zapcore.ISO8601TimeEncoder
		},
		zap.UseFlagOptions(&logOpts),
	),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		setupLog.Error(err, "unable to load configuration", "path", configPath)
		os.Exit(1)
	}

	ctx := ctrl.SetupSignalHandler()
	boards := &simulatedBoards{}
	defer boards.close()

	clk := clock.RealClock{}
	cappingManager := capping.NewCappingManager(
		config.NewStateFactory(cfg, boards.connect, clk, ctrl.Log.WithName("policies")),
		clk,
	)
	if err := cappingManager.UpdateConfig(config.CappingOpts(cfg)); err != nil {
		setupLog.Error(err, "unable to start capping of every board")
		boards.close()
		os.Exit(1)
	}
	monitoring.RegisterCappingCollectors(cappingManager, ctrl.Log.WithName(monitoring.LogTopName))

	httpServer := &http.Server{
		Addr:              bindAddr,
		Handler:           server.NewHandler(cappingManager, ctrl.Log.WithName("server")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		setupLog.Info("serving", "address", bindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			setupLog.Error(err, "problem running server")
		}
	}()

	setupLog.Info("starting capping manager")
	if err := cappingManager.Start(ctx); err != nil {
		setupLog.Error(err, "problem running capping manager")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		setupLog.Error(err, "problem shutting down server")
	}
}
