package monitoring

import (
	"strconv"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/AMDEPYC/go-cpufreq/pkg/cpufreq"
)

// TransitionCounter counts completed frequency transitions per CPU by
// listening on the coordinator's transition notifier chain.
type TransitionCounter struct {
	log         logr.Logger
	coord       *cpufreq.Coordinator
	transitions *prom.CounterVec
	token       cpufreq.Token
}

// NewTransitionCounter builds the counter and subscribes it. Call Close
// to detach it from the chain again.
func NewTransitionCounter(reg prom.Registerer, coord *cpufreq.Coordinator, log logr.Logger) (*TransitionCounter, error) {
	t := &TransitionCounter{
		log:   log.WithName(LogTopName),
		coord: coord,
		transitions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: promNamespace,
			Subsystem: policySubsystem,
			Name:      "transitions_total",
			Help:      "Completed frequency transitions per CPU.",
		}, []string{"cpu"}),
	}
	if err := reg.Register(t.transitions); err != nil {
		return nil, err
	}

	t.token = coord.SubscribeTransition(func(phase cpufreq.Phase, freqs *cpufreq.Freqs) {
		if phase != cpufreq.Postchange {
			return
		}
		t.log.V(5).Info("counting transition", "cpu", freqs.CPU, "newKHz", freqs.New)
		t.transitions.WithLabelValues(strconv.Itoa(int(freqs.CPU))).Inc()
	})
	return t, nil
}

// Close detaches the counter from the notifier chain.
func (t *TransitionCounter) Close() {
	t.coord.Unsubscribe(t.token)
}
