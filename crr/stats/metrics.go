package stats

import (
	"fmt"
	"net/http"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "crr"

var (
	Gather = prometheus.NewRegistry()

	ReplicationOpsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "replication",
			Name:      "ops_total",
			Help:      "Counter of replication operations by site and boundary type.",
		}, []string{"site", "type"})

	ReplicationBytesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "replication",
			Name:      "bytes_total",
			Help:      "Counter of replicated bytes by site and boundary type.",
		}, []string{"site", "type"})

	ReplicationOpsPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "replication",
			Name:      "ops_pending",
			Help:      "Entries currently in flight per site.",
		}, []string{"site"})

	ReplicationErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "replication",
			Name:      "errors_total",
			Help:      "Counter of terminal replication errors by site.",
		}, []string{"site"})

	MirrorWriteCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "mirror",
			Name:      "writes_total",
			Help:      "Counter of metadata mirror writes by entry kind.",
		}, []string{"kind"})
)

func init() {
	Gather.MustRegister(ReplicationOpsCounter)
	Gather.MustRegister(ReplicationBytesCounter)
	Gather.MustRegister(ReplicationOpsPending)
	Gather.MustRegister(ReplicationErrorCounter)
	Gather.MustRegister(MirrorWriteCounter)
	Gather.MustRegister(collectors.NewGoCollector())
	Gather.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// StartMetricsServer exposes the registry on /metrics. Port 0 disables it.
func StartMetricsServer(port int) {
	if port == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Gather, promhttp.HandlerOpts{}))
	go func() {
		addr := fmt.Sprintf(":%d", port)
		glog.V(0).Infof("metrics on %s/metrics", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			glog.Errorf("metrics server: %v", err)
		}
	}()
}
