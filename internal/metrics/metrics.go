// Package metrics exposes the live counters original_source/gui.py
// used to feed its Tkinter connection/message display (spec §6.4). The
// Go repository drops the GUI (out of scope) but keeps the data behind
// it, as Prometheus collectors served from the same mux as /healthz.
package metrics

import (
	"github.com/MaxHTu/tcp-proxy/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the counters bumped at the same call sites that
// already log BLOCK/DELAY/INSERT/REPLAY/MITM lines.
type Metrics struct {
	Connections  prometheus.Counter
	Messages     *prometheus.CounterVec
	RuleActions  *prometheus.CounterVec
	MitmInjected prometheus.Counter
}

// New registers and returns the proxy's collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_connections_total",
			Help: "Total TCP connections accepted by the proxy.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_messages_total",
			Help: "Total decoded application messages observed, by direction.",
		}, []string{"direction"}),
		RuleActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_rule_actions_total",
			Help: "Total rule actions applied, by kind (block/delay/insert/replay).",
		}, []string{"kind"}),
		MitmInjected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_mitm_injections_total",
			Help: "Total forged payloads injected by the MITM state machine.",
		}),
	}
	reg.MustRegister(m.Connections, m.Messages, m.RuleActions, m.MitmInjected)
	return m
}

// LoggingMiddleware wraps a logging.Logger so every structured log
// call also bumps the matching counter, without changing the call
// sites in evaluate/mitm that already produce BLOCK/DELAY/INSERT/
// REPLAY/MITM lines.
type LoggingMiddleware struct {
	logging.Logger
	m *Metrics
}

// Wrap returns a Logger that forwards to next and records metrics.
func Wrap(next logging.Logger, m *Metrics) *LoggingMiddleware {
	return &LoggingMiddleware{Logger: next, m: m}
}

func (l *LoggingMiddleware) Block(action, direction string) {
	l.m.RuleActions.WithLabelValues("block").Inc()
	l.Logger.Block(action, direction)
}

func (l *LoggingMiddleware) Delay(action string, ms int, direction string) {
	l.m.RuleActions.WithLabelValues("delay").Inc()
	l.Logger.Delay(action, ms, direction)
}

func (l *LoggingMiddleware) Insert(action, position string, n int) {
	l.m.RuleActions.WithLabelValues("insert").Inc()
	l.Logger.Insert(action, position, n)
}

func (l *LoggingMiddleware) Replay(action string, count int) {
	l.m.RuleActions.WithLabelValues("replay").Inc()
	l.Logger.Replay(action, count)
}

func (l *LoggingMiddleware) Mitm(phase, event string) {
	if event == "payload_injected" {
		l.m.MitmInjected.Inc()
	}
	l.Logger.Mitm(phase, event)
}
