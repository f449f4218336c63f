package logx

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var warnErrorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "xpilot_log_events_total",
	Help: "Count of warn and error level log events.",
}, []string{"level"})

// levelCounterHook surfaces warn/error volume on /metrics so trouble is
// visible without tailing logs.
type levelCounterHook struct{}

func (levelCounterHook) Run(_ *zerolog.Event, level zerolog.Level, _ string) {
	if level >= zerolog.WarnLevel && level < zerolog.NoLevel {
		warnErrorEvents.WithLabelValues(level.String()).Inc()
	}
}
