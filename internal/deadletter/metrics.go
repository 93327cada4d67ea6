package deadletter

import "github.com/prometheus/client_golang/prometheus"

var metrics = struct {
	Written *prometheus.CounterVec
	Expired *prometheus.CounterVec
}{
	Written: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mongoriver_dead_letters_written_total",
		Help: "The total number of rejected items written to the journal",
	}, []string{"river"}),
	Expired: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mongoriver_dead_letters_expired_total",
		Help: "The total number of journal entries removed by retention",
	}, []string{"river"}),
}

func init() {
	prometheus.MustRegister(metrics.Written)
	prometheus.MustRegister(metrics.Expired)
}
