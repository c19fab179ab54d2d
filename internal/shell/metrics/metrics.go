// Package metrics records pipeline, command and RPC measurements in a
// Prometheus registry and exports them as a textfile for node_exporter.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/artpar/hotswap/internal/core/command"
	"github.com/artpar/hotswap/internal/core/domain"
	"github.com/artpar/hotswap/internal/core/protocol"
)

const namespace = "hotswap"

var (
	stageBuckets   = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600}
	commandBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600, 3600}
	rpcBuckets     = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30}
)

// Recorder owns a private registry. Its methods satisfy the observer
// interfaces of the runner, the RPC client and the build monitor.
type Recorder struct {
	registry *prometheus.Registry

	stageDuration   *prometheus.HistogramVec
	runs            *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	rpcCalls        *prometheus.CounterVec
	rpcDuration     *prometheus.HistogramVec
	monitorWarnings *prometheus.CounterVec
}

// New creates a recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Wall time of each pipeline stage",
		Buckets:   stageBuckets,
	}, []string{"stage", "outcome"})

	r.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Pipeline runs by terminal status and failed stage",
	}, []string{"status", "failed_stage"})

	r.commandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "command_duration_seconds",
		Help:      "Wall time of external commands by kind",
		Buckets:   commandBuckets,
	}, []string{"kind", "outcome"})

	r.rpcCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_calls_total",
		Help:      "JSON-RPC calls by method and result",
	}, []string{"method", "result"})

	r.rpcDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rpc_duration_seconds",
		Help:      "JSON-RPC round trip time",
		Buckets:   rpcBuckets,
	}, []string{"method"})

	r.monitorWarnings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "build_monitor_warnings_total",
		Help:      "Advisory warnings raised while building",
	}, []string{"kind"})

	r.registry.MustRegister(
		r.stageDuration,
		r.runs,
		r.commandDuration,
		r.rpcCalls,
		r.rpcDuration,
		r.monitorWarnings,
	)
	return r
}

// Registry exposes the underlying registry as a gatherer.
func (r *Recorder) Registry() prometheus.Gatherer {
	return r.registry
}

// ObserveStage records one finished stage.
func (r *Recorder) ObserveStage(rec domain.StageRecord) {
	outcome := "ok"
	switch {
	case rec.Skipped:
		outcome = "skipped"
	case rec.Error != "":
		outcome = "error"
	}
	r.stageDuration.WithLabelValues(string(rec.Stage), outcome).Observe(rec.Duration().Seconds())
}

// ObserveRun records a terminal pipeline result.
func (r *Recorder) ObserveRun(res *domain.PipelineResult) {
	r.runs.WithLabelValues(string(res.Stage), string(res.FailedStage)).Inc()
}

// ObserveCommand implements runner.Observer.
func (r *Recorder) ObserveCommand(kind command.Kind, res command.Result) {
	outcome := "ok"
	switch {
	case res.TimedOut:
		outcome = "timeout"
	case !res.Success:
		outcome = "error"
	}
	r.commandDuration.WithLabelValues(string(kind), outcome).Observe(res.Elapsed.Seconds())
}

// ObserveRPC implements rpcclient.Observer.
func (r *Recorder) ObserveRPC(method string, elapsed time.Duration, err error) {
	r.rpcCalls.WithLabelValues(method, rpcResult(err)).Inc()
	r.rpcDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveMonitorWarning implements workers.WarningObserver.
func (r *Recorder) ObserveMonitorWarning(kind string) {
	r.monitorWarnings.WithLabelValues(kind).Inc()
}

// WriteTextfile atomically writes the registry in the text exposition
// format. A no-op for an empty path.
func (r *Recorder) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}

func rpcResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, protocol.ErrConnectionRefused):
		return "refused"
	case errors.Is(err, protocol.ErrTimeout):
		return "timeout"
	case errors.Is(err, protocol.ErrRemote):
		return "remote_error"
	case errors.Is(err, protocol.ErrProtocol):
		return "protocol_error"
	default:
		return "error"
	}
}
