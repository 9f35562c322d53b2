package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/nvmexp/lw-firmware-sub145/pkg/fxp"
	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

// CounterReader reads an engine's elapsed and sleep time counters from
// hardware. Implementations are only called from the client's worker
// goroutine.
type CounterReader interface {
	ReadCounters() (CounterPair, error)
}

type counterResult struct {
	pair CounterPair
	err  error
}

// CounterClient samples residency counters from a worker goroutine per
// engine (the asynchronous context) and hands complete pairs to the
// evaluation cycle. A pair is always published and read inside the same
// critical section, so readers never observe a torn timestamp.
type CounterClient struct {
	readers map[Engine]CounterReader
	log     logr.Logger

	workersCancel    context.CancelFunc
	workersWaitGroup sync.WaitGroup

	mu      sync.Mutex
	results [EngineCount]counterResult
}

var _ ResidencyCounters = &CounterClient{}

// NewCounterClient starts one sampling worker per engine with a reader.
// Engines without a reader report ErrMetricMissing for the process lifetime.
// The client must be closed once no longer in use.
func NewCounterClient(log logr.Logger, readers map[Engine]CounterReader, interval time.Duration) *CounterClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &CounterClient{
		readers:       readers,
		log:           log,
		workersCancel: cancel,
	}

	for engine := Engine(0); engine < EngineCount; engine++ {
		logger := c.log.WithValues(engineLogKey, engine.String())

		reader, ok := readers[engine]
		if !ok || reader == nil {
			logger.V(4).Info("no counter reader, residency will not be available")
			c.results[engine] = counterResult{err: ErrMetricMissing}
			continue
		}

		c.results[engine] = counterResult{err: fmt.Errorf("%s counters not yet sampled: %w", engine, util.ErrNotReady)}
		c.workersWaitGroup.Add(1)
		go c.counterWorker(ctx, engine, reader, interval)
		logger.V(5).Info("Started residency counter worker goroutine")
	}
	c.log.V(4).Info("New CounterClient created")

	return c
}

// Close stops all sampling workers.
func (c *CounterClient) Close() {
	c.log.V(4).Info("Closing all residency counter worker goroutines")
	c.workersCancel()
	c.workersWaitGroup.Wait()
}

// ResidencyCounters returns the latest complete counter pair of engine.
func (c *CounterClient) ResidencyCounters(engine Engine) (CounterPair, error) {
	if engine >= EngineCount {
		return CounterPair{}, fmt.Errorf("engine %d: %w", engine, util.ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.results[engine]

	return r.pair, r.err
}

// Publish stores a pair read outside the client's own workers, e.g. from an
// interrupt handler that already holds both counter values.
func (c *CounterClient) Publish(engine Engine, pair CounterPair) {
	c.store(engine, counterResult{pair: pair})
}

func (c *CounterClient) store(engine Engine, r counterResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[engine] = r
}

func (c *CounterClient) counterWorker(ctx context.Context, engine Engine, reader CounterReader, interval time.Duration) {
	defer c.workersWaitGroup.Done()
	logger := c.log.WithValues(engineLogKey, engine.String(), "worker", "residency counters")

	for {
		select {
		case <-ctx.Done():
			logger.V(5).Info("cancellation signal received, exiting work")
			return
		case <-time.After(interval):
			pair, err := reader.ReadCounters()
			if err != nil {
				logger.V(5).Info(fmt.Sprintf("error reading counters, continuing to next iteration, err: %v", err))
				c.store(engine, counterResult{err: err})
				continue
			}
			c.store(engine, counterResult{pair: pair})
		}
	}
}

// Residency returns the fraction of the elapsed time between prev and cur
// spent asleep, saturated at 1.0. ok is false when the elapsed counter did
// not advance or either counter went backwards (reset), in which case no
// residency can be computed for the interval.
func Residency(prev, cur CounterPair) (res fxp.UFXP4x12, ok bool) {
	if cur.EvalNs <= prev.EvalNs || cur.SleepNs < prev.SleepNs {
		return 0, false
	}

	return fxp.Ratio4x12(cur.SleepNs-prev.SleepNs, cur.EvalNs-prev.EvalNs).Saturate(), true
}
