package daemon

import (
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"dmorch/pkg/log"
	"dmorch/pkg/metrics"
)

// CycleFunc performs one pass over pending work. An error is logged and
// the loop continues to the next tick; a cycle function that wants to
// fail individual requests does so itself, via the manager.
type CycleFunc func() error

// Loop runs CycleFunc on a fixed interval plus jitter until Stop is
// called, recording a cycle-duration histogram and a completed-cycles
// counter per tick. This is the skeleton every daemon (lockd, packd,
// transferd, monitord, verifyd) is built from.
type Loop struct {
	Name     string
	Interval time.Duration
	Jitter   time.Duration
	Cycle    CycleFunc
	Duration prometheus.Histogram

	logger zerolog.Logger
	stopCh chan struct{}
	once   sync.Once
}

// New builds a Loop for the named daemon. duration is typically one of
// metrics.LockCycleDuration, metrics.PackCycleDuration, etc.
func New(name string, interval, jitter time.Duration, duration prometheus.Histogram, cycle CycleFunc) *Loop {
	return &Loop{
		Name:     name,
		Interval: interval,
		Jitter:   jitter,
		Cycle:    cycle,
		Duration: duration,
		logger:   log.WithComponent(name),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the loop in a background goroutine.
func (l *Loop) Start() {
	go l.run()
}

// Stop stops the loop. Safe to call more than once.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

func (l *Loop) run() {
	l.logger.Info().Dur("interval", l.Interval).Msg("daemon started")
	for {
		select {
		case <-l.stopCh:
			l.logger.Info().Msg("daemon stopped")
			return
		case <-time.After(l.sleepDuration()):
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	timer := metrics.NewTimer()
	defer func() {
		if l.Duration != nil {
			timer.ObserveDuration(l.Duration)
		}
		metrics.CyclesCompletedTotal.WithLabelValues(l.Name).Inc()
	}()

	if err := l.Cycle(); err != nil {
		l.logger.Error().Err(err).Msg("cycle failed")
	}
}

func (l *Loop) sleepDuration() time.Duration {
	if l.Jitter <= 0 {
		return l.Interval
	}
	return l.Interval + time.Duration(rand.Int63n(int64(l.Jitter)))
}
