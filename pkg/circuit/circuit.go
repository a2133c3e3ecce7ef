// Package circuit short-circuits topics whose failures look systemic. Each
// topic gets its own breaker; while a breaker is open, the pipeline routes the
// topic's records straight to the dead-letter topic instead of processing
// them.
package circuit

import (
	"errors"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/deltaforge/deltaforge/pkg/failure"
)

// ErrOpen is returned by Do while the topic's breaker rejects work.
var ErrOpen = errors.New("circuit open")

var metricState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "deltaforge",
	Subsystem: "circuit",
	Name:      "state",
	Help:      "Breaker state per topic: 0 closed, 1 half-open, 2 open.",
}, []string{"topic"})

type Config struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	SuccessThreshold uint32        `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.FailureThreshold = 5
	cfg.SuccessThreshold = 3
	cfg.OpenTimeout = 60 * time.Second
}

// Registry holds one breaker per topic, created lazily.
type Registry struct {
	cfg    Config
	logger log.Logger

	mtx      sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewRegistry(cfg Config, logger log.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

// Do runs fn under the topic's breaker. While the breaker is open, fn is not
// run and ErrOpen is returned. Only circuit-tripping failure kinds count
// against the breaker; other errors pass through without touching its
// counters.
func (r *Registry) Do(topic string, fn func() error) error {
	_, err := r.breaker(topic).Execute(func() (any, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return ErrOpen
	}
	return err
}

// State returns the topic's breaker state.
func (r *Registry) State(topic string) gobreaker.State {
	return r.breaker(topic).State()
}

// Open reports whether the topic's breaker currently rejects work.
func (r *Registry) Open(topic string) bool {
	return r.State(topic) == gobreaker.StateOpen
}

func (r *Registry) breaker(topic string) *gobreaker.CircuitBreaker {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if cb, ok := r.breakers[topic]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: topic,
		// MaxRequests doubles as the consecutive successes required to close
		// again from half-open.
		MaxRequests: r.cfg.SuccessThreshold,
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !failure.KindOf(err).TripsCircuit()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level.Warn(r.logger).Log("msg", "circuit state change", "topic", name,
				"from", from.String(), "to", to.String())
			metricState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	r.breakers[topic] = cb
	metricState.WithLabelValues(topic).Set(stateValue(cb.State()))
	return cb
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
