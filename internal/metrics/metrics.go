// Package metrics exposes rebuild progress as prometheus collectors.
//
// Every Metrics value owns its own registry so several coordinators and
// targets can live in one process, as they do in simulation. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/rebuildd/internal/rebuild"
)

const Namespace = "rebuildd"

// Metrics holds the collectors of one process.
type Metrics struct {
	Registry *prometheus.Registry

	TasksFinished    *prometheus.CounterVec
	TaskPhase        *prometheus.GaugeVec
	ObjectsScanned   *prometheus.CounterVec
	WorkItems        *prometheus.CounterVec
	ObjectsPulled    *prometheus.CounterVec
	RecordsPulled    *prometheus.CounterVec
	BytesPulled      *prometheus.CounterVec
	ObjectErrors     *prometheus.CounterVec
	SpacePauses      *prometheus.CounterVec
	BroadcastRetries *prometheus.CounterVec
	Incarnation      prometheus.Gauge
	IsLeader         prometheus.Gauge
}

// New creates and registers the collectors. withRuntime adds the go and
// process collectors, which only binaries want.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		TasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "coordinator",
				Name:      "tasks_finished_total",
				Help:      "Rebuild tasks that reached a terminal phase.",
			}, []string{"pool", "phase"}),

		TaskPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "coordinator",
				Name:      "task_phase",
				Help:      "Phase of the pool's current rebuild task: 0 idle, 1 scanning, 2 pulling, 3 done, 4 aborted.",
			}, []string{"pool"}),

		ObjectsScanned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "target",
				Name:      "objects_scanned_total",
				Help:      "Objects visited by rebuild scans.",
			}, []string{"pool"}),

		WorkItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "target",
				Name:      "work_items_total",
				Help:      "Work items shipped to destinations.",
			}, []string{"pool"}),

		ObjectsPulled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "target",
				Name:      "objects_pulled_total",
				Help:      "Objects rebuilt into this target.",
			}, []string{"pool"}),

		RecordsPulled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "target",
				Name:      "records_pulled_total",
				Help:      "Entries applied by rebuild pulls.",
			}, []string{"pool"}),

		BytesPulled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "target",
				Name:      "bytes_pulled_total",
				Help:      "Bytes applied by rebuild pulls.",
			}, []string{"pool"}),

		ObjectErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "target",
				Name:      "object_errors_total",
				Help:      "Objects that failed to scan or pull.",
			}, []string{"pool", "stage"}),

		SpacePauses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "target",
				Name:      "space_pauses_total",
				Help:      "Times a pull paused for lack of space.",
			}, []string{"pool"}),

		BroadcastRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "coordinator",
				Name:      "broadcast_retries_total",
				Help:      "Control messages resent to targets that had not acknowledged.",
			}, []string{"message"}),

		Incarnation: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "coordinator",
				Name:      "incarnation",
				Help:      "Leader incarnation this coordinator runs under, zero when not leading.",
			}),

		IsLeader: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "coordinator",
				Name:      "is_leader",
				Help:      "is leader",
			}),
	}

	m.Registry.MustRegister(m.TasksFinished)
	m.Registry.MustRegister(m.TaskPhase)
	m.Registry.MustRegister(m.ObjectsScanned)
	m.Registry.MustRegister(m.WorkItems)
	m.Registry.MustRegister(m.ObjectsPulled)
	m.Registry.MustRegister(m.RecordsPulled)
	m.Registry.MustRegister(m.BytesPulled)
	m.Registry.MustRegister(m.ObjectErrors)
	m.Registry.MustRegister(m.SpacePauses)
	m.Registry.MustRegister(m.BroadcastRetries)
	m.Registry.MustRegister(m.Incarnation)
	m.Registry.MustRegister(m.IsLeader)
	if withRuntime {
		m.Registry.MustRegister(collectors.NewGoCollector())
		m.Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func phaseValue(p rebuild.Phase) float64 {
	switch p {
	case rebuild.PhaseScanning:
		return 1
	case rebuild.PhasePulling:
		return 2
	case rebuild.PhaseDone:
		return 3
	case rebuild.PhaseAborted:
		return 4
	}
	return 0
}

// SetPhase records the phase of a pool's task.
func (m *Metrics) SetPhase(pool string, p rebuild.Phase) {
	if m == nil {
		return
	}
	m.TaskPhase.WithLabelValues(pool).Set(phaseValue(p))
}

// TaskFinished counts a terminal task and records its phase.
func (m *Metrics) TaskFinished(pool string, p rebuild.Phase) {
	if m == nil {
		return
	}
	m.TasksFinished.WithLabelValues(pool, string(p)).Inc()
	m.SetPhase(pool, p)
}

// ScanFinished adds one target's scan counters.
func (m *Metrics) ScanFinished(pool string, c rebuild.Counters) {
	if m == nil {
		return
	}
	m.ObjectsScanned.WithLabelValues(pool).Add(float64(c.ObjectsScanned))
	m.WorkItems.WithLabelValues(pool).Add(float64(c.WorkItems))
	m.ObjectErrors.WithLabelValues(pool, "scan").Add(float64(c.Errors))
}

// PullFinished adds one target's object and error counts. Records and
// bytes are counted as they are applied by Pulled.
func (m *Metrics) PullFinished(pool string, c rebuild.Counters) {
	if m == nil {
		return
	}
	m.ObjectsPulled.WithLabelValues(pool).Add(float64(c.ObjectsPulled))
	m.ObjectErrors.WithLabelValues(pool, "pull").Add(float64(c.Errors))
}

// Pulled counts applied records.
func (m *Metrics) Pulled(pool string, records int, bytes uint64) {
	if m == nil {
		return
	}
	m.RecordsPulled.WithLabelValues(pool).Add(float64(records))
	m.BytesPulled.WithLabelValues(pool).Add(float64(bytes))
}

// Paused counts an out-of-space pause.
func (m *Metrics) Paused(pool string) {
	if m == nil {
		return
	}
	m.SpacePauses.WithLabelValues(pool).Inc()
}

// Retried counts a resent control message.
func (m *Metrics) Retried(message string) {
	if m == nil {
		return
	}
	m.BroadcastRetries.WithLabelValues(message).Inc()
}

// Leading records whether this coordinator leads and under which
// incarnation.
func (m *Metrics) Leading(leading bool, incarnation uint64) {
	if m == nil {
		return
	}
	if leading {
		m.IsLeader.Set(1)
		m.Incarnation.Set(float64(incarnation))
		return
	}
	m.IsLeader.Set(0)
	m.Incarnation.Set(0)
}
