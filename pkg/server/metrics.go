package server

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/crystal-mush/clanwar/pkg/clanwar"
	"github.com/crystal-mush/clanwar/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus metric descriptors for the war engine. It is a
// global bus subscriber; Receive only touches counters so it never calls back
// into a war.
type Metrics struct {
	startTime time.Time
	gatherer  prometheus.Gatherer
	closed    atomic.Bool

	activeWars       prometheus.GaugeFunc
	warsStarted      prometheus.Counter
	warsEnded        *prometheus.CounterVec
	roundsOpened     prometheus.Counter
	matchupsResolved *prometheus.CounterVec
	participants     *prometheus.CounterVec
	uptimeSeconds    prometheus.GaugeFunc
	goroutines       prometheus.GaugeFunc
}

// NewMetrics creates the war metrics and registers them with reg. The active
// wars gauge is read from the registry at scrape time.
func NewMetrics(wars *clanwar.Registry, reg *prometheus.Registry, startTime time.Time) *Metrics {
	m := &Metrics{
		startTime: startTime,
		gatherer:  reg,
		activeWars: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "clanwar_active_wars",
			Help: "Number of wars currently registering or in progress.",
		}, func() float64 { return float64(wars.Count()) }),
		warsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clanwar_wars_started_total",
			Help: "Total wars started since server start.",
		}),
		warsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clanwar_wars_ended_total",
			Help: "Total wars ended by outcome.",
		}, []string{"outcome"}),
		roundsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clanwar_rounds_opened_total",
			Help: "Total bracket rounds generated.",
		}),
		matchupsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clanwar_matchups_resolved_total",
			Help: "Total matchups resolved by kind.",
		}, []string{"kind"}),
		participants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clanwar_roster_changes_total",
			Help: "Total roster changes by kind.",
		}, []string{"kind"}),
		uptimeSeconds: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "clanwar_uptime_seconds",
			Help: "Server uptime in seconds.",
		}, func() float64 { return time.Since(startTime).Seconds() }),
		goroutines: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "clanwar_goroutines",
			Help: "Number of active goroutines.",
		}, func() float64 { return float64(runtime.NumGoroutine()) }),
	}

	reg.MustRegister(
		m.activeWars,
		m.warsStarted,
		m.warsEnded,
		m.roundsOpened,
		m.matchupsResolved,
		m.participants,
		m.uptimeSeconds,
		m.goroutines,
	)
	return m
}

// Receive implements events.Subscriber.
func (m *Metrics) Receive(ev events.Event) {
	switch ev.Type {
	case events.EvWarStarted:
		m.warsStarted.Inc()
	case events.EvWarEnded:
		if sum, ok := ev.Data.(clanwar.Summary); ok {
			m.warsEnded.WithLabelValues(sum.Outcome.String()).Inc()
		}
	case events.EvRoundOpened:
		m.roundsOpened.Inc()
	case events.EvMatchupResolved:
		kind := "reported"
		if mc, ok := ev.Data.(clanwar.MatchupChanged); ok && mc.Matchup.Disqualified {
			kind = "disqualified"
		}
		m.matchupsResolved.WithLabelValues(kind).Inc()
	case events.EvMatchupInvalidated:
		m.matchupsResolved.WithLabelValues("invalidated").Inc()
	case events.EvParticipantJoined:
		m.participants.WithLabelValues("joined").Inc()
	case events.EvParticipantLeft:
		m.participants.WithLabelValues("left").Inc()
	case events.EvParticipantReplaced:
		m.participants.WithLabelValues("replaced").Inc()
	}
}

// Closed implements events.Subscriber.
func (m *Metrics) Closed() bool { return m.closed.Load() }

// Stop detaches the metrics from the bus on its next cleanup.
func (m *Metrics) Stop() { m.closed.Store(true) }

var _ events.Subscriber = (*Metrics)(nil)

// Handler returns an http.Handler serving the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
