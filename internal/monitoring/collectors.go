// Package monitoring exposes coordinator state as prometheus metrics:
// per-CPU frequency gauges read on scrape and transition counters fed
// from the notifier chain.
package monitoring

import (
	"strconv"

	"golang.org/x/exp/constraints"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/AMDEPYC/go-cpufreq/pkg/cpufreq"
)

// Helper constants for prom Collectors
const (
	promNamespace string = "cpufreq"

	LogTopName      string = "monitoring"
	policySubsystem string = "policy"
)

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

// newPerCPUCollector is a generic factory of prometheus Collectors for
// values that are CPU bound. The online CPU list is re-read on every
// scrape so hotplugged CPUs appear and removed ones disappear.
// log is a Logger that should have all Names, KeysValues and other... already attached.
func newPerCPUCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	coord *cpufreq.Coordinator, readFunc func(cpu uint) (T, error), log logr.Logger,
) prom.Collector {
	desc := prom.NewDesc(
		metricName,
		metricDesc,
		[]string{"cpu"},
		nil,
	)

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- desc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			for _, cpu := range coord.OnlineCPUs() {
				log.V(5).Info("Collecting metrics for prometheus", "cpu", cpu)
				val, err := readFunc(cpu)
				if err != nil {
					log.V(5).Info("error reading metric value", "cpu", cpu, "error", err.Error())
					continue
				}
				ch <- prom.MustNewConstMetric(
					desc,
					metricType,
					float64(val),
					strconv.Itoa(int(cpu)),
				)
			}
		},
	}
}

// RegisterCollectors wires the per-CPU policy gauges into the registry.
func RegisterCollectors(reg prom.Registerer, coord *cpufreq.Coordinator, log logr.Logger) error {
	log = log.WithName(LogTopName)

	collectors := []prom.Collector{
		newPerCPUCollector(
			prom.BuildFQName(promNamespace, policySubsystem, "current_khz"),
			"Last known frequency of the CPU in kHz.",
			prom.GaugeValue,
			coord,
			func(cpu uint) (uint, error) { return coord.QuickGet(cpu), nil },
			log,
		),
		newPerCPUCollector(
			prom.BuildFQName(promNamespace, policySubsystem, "min_khz"),
			"Effective minimum frequency of the CPU's policy in kHz.",
			prom.GaugeValue,
			coord,
			func(cpu uint) (uint, error) {
				policy, err := coord.GetPolicy(cpu)
				return policy.Min, err
			},
			log,
		),
		newPerCPUCollector(
			prom.BuildFQName(promNamespace, policySubsystem, "max_khz"),
			"Effective maximum frequency of the CPU's policy in kHz.",
			prom.GaugeValue,
			coord,
			func(cpu uint) (uint, error) {
				policy, err := coord.GetPolicy(cpu)
				return policy.Max, err
			},
			log,
		),
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	log.V(4).Info("New perCPU prometheus Collectors registered")
	return nil
}
