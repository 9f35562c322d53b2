package monitoring

import (
	"strconv"

	"golang.org/x/exp/constraints"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/nvmexp/lw-firmware-sub145/internal/status"
)

// Helper constants for prom Collectors
const (
	promNamespace string = "power"

	LogTopName       string = "monitoring"
	policySubsystem  string = "policy"
	arbiterSubsystem string = "arbiter"
	cappingSubsystem string = "capping"

	logNameKey string = "name"
)

// SnapshotSource provides the latest snapshot of every managed board.
type SnapshotSource interface {
	Snapshots() []status.Snapshot
}

type collectorImpl struct {
	collectFunc  func(ch chan<- prom.Metric)
	describeFunc func(ch chan<- *prom.Desc)
}

func (c collectorImpl) Collect(ch chan<- prom.Metric) {
	c.collectFunc(ch)
}

func (c collectorImpl) Describe(ch chan<- *prom.Desc) {
	c.describeFunc(ch)
}

type number interface {
	constraints.Integer | constraints.Float
}

func boolToNumber(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// newSnapshotCollector is generic factory of prometheus Collectors that read
// the latest board snapshots on every scrape.
// labels are the variable label names of the metric.
// visit is called once per snapshot and emits every value found in it through
// emit, together with label values matching labels.
// log is Logger that should have all Names, KeysValues and other... already attached.
// return prometheus Collector that is ready for registration
func newSnapshotCollector[T number](metricName, metricDesc string, metricType prom.ValueType, labels []string,
	source SnapshotSource, visit func(snap status.Snapshot, emit func(val T, labelValues ...string)), log logr.Logger,
) prom.Collector {
	desc := prom.NewDesc(metricName, metricDesc, labels, nil)
	log.V(4).Info("New snapshot prometheus Collector created")

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- desc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			for _, snap := range source.Snapshots() {
				log.V(5).Info("Collecting metrics for prometheus", "board", snap.Board)
				visit(snap, func(val T, labelValues ...string) {
					ch <- prom.MustNewConstMetric(desc, metricType, float64(val), labelValues...)
				})
			}
		},
	}
}

// newPerBoardCollector is generic factory of prometheus Collectors for values
// of a whole board. readFunc returns false when the value is not available.
func newPerBoardCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	source SnapshotSource, readFunc func(status.Snapshot) (T, bool), log logr.Logger,
) prom.Collector {
	return newSnapshotCollector(metricName, metricDesc, metricType, []string{"board"}, source,
		func(snap status.Snapshot, emit func(T, ...string)) {
			if val, ok := readFunc(snap); ok {
				emit(val, snap.Board)
			}
		}, log)
}

// newPerPolicyCollector is generic factory of prometheus Collectors for
// values reported by each policy. readFunc returns false when the policy
// does not report the value.
func newPerPolicyCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	source SnapshotSource, readFunc func(status.Policy) (T, bool), log logr.Logger,
) prom.Collector {
	return newSnapshotCollector(metricName, metricDesc, metricType, []string{"board", "policy", "kind"}, source,
		func(snap status.Snapshot, emit func(T, ...string)) {
			for _, p := range snap.Policies {
				if val, ok := readFunc(p); ok {
					emit(val, snap.Board, p.Name, p.Kind)
				}
			}
		}, log)
}

// newPerRailCollector is generic factory of prometheus Collectors for
// values the workload policies report per voltage rail.
func newPerRailCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	source SnapshotSource, readFunc func(status.Rail) T, log logr.Logger,
) prom.Collector {
	return newSnapshotCollector(metricName, metricDesc, metricType, []string{"board", "policy", "rail"}, source,
		func(snap status.Snapshot, emit func(T, ...string)) {
			for _, p := range snap.Policies {
				for i, r := range p.Rails {
					emit(readFunc(r), snap.Board, p.Name, strconv.Itoa(i))
				}
			}
		}, log)
}

// newPerCeilingCollector is generic factory of prometheus Collectors for the
// active ceiling requests of each client.
func newPerCeilingCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	source SnapshotSource, readFunc func(status.Ceiling) (T, bool), log logr.Logger,
) prom.Collector {
	return newSnapshotCollector(metricName, metricDesc, metricType, []string{"board", "client"}, source,
		func(snap status.Snapshot, emit func(T, ...string)) {
			for _, c := range snap.Arbiter.Ceilings {
				if val, ok := readFunc(c); ok {
					emit(val, snap.Board, c.Client)
				}
			}
		}, log)
}
