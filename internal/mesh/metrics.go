package mesh

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	directDevices  prometheus.Gauge
	meshEntries    prometheus.Gauge
	meshEvictions  prometheus.Counter
	dispatches     prometheus.Counter
	duplicates     prometheus.Counter
	sendSuccess    prometheus.Counter
	sendFailure    prometheus.Counter
	sosBroadcasts  prometheus.Counter
	sessionsMerged prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		directDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "resqlink_direct_devices",
			Help: "Devices currently connected over a direct link.",
		}),
		meshEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "resqlink_mesh_entries",
			Help: "Devices currently reachable through relays.",
		}),
		meshEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resqlink_mesh_evictions_total",
			Help: "Mesh entries evicted after their TTL lapsed.",
		}),
		dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resqlink_messages_dispatched_total",
			Help: "Inbound messages dispatched to listeners.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resqlink_messages_duplicate_total",
			Help: "Inbound messages suppressed as duplicates.",
		}),
		sendSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resqlink_send_success_total",
			Help: "Messages handed to the transport successfully.",
		}),
		sendFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resqlink_send_failure_total",
			Help: "Messages that failed to send.",
		}),
		sosBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resqlink_sos_broadcasts_total",
			Help: "SOS messages broadcast, including re-broadcasts.",
		}),
		sessionsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resqlink_sessions_merged_total",
			Help: "Duplicate chat sessions merged during consolidation.",
		}),
	}

	reg.MustRegister(
		m.directDevices,
		m.meshEntries,
		m.meshEvictions,
		m.dispatches,
		m.duplicates,
		m.sendSuccess,
		m.sendFailure,
		m.sosBroadcasts,
		m.sessionsMerged,
	)
	return m
}

func (m *Metrics) SetDirectDevices(n int) {
	if m == nil {
		return
	}
	m.directDevices.Set(float64(n))
}

func (m *Metrics) SetMeshEntries(n int) {
	if m == nil {
		return
	}
	m.meshEntries.Set(float64(n))
}

func (m *Metrics) RecordMeshEviction() {
	if m == nil {
		return
	}
	m.meshEvictions.Inc()
}

func (m *Metrics) RecordDispatch() {
	if m == nil {
		return
	}
	m.dispatches.Inc()
}

func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) RecordSendSuccess() {
	if m == nil {
		return
	}
	m.sendSuccess.Inc()
}

func (m *Metrics) RecordSendFailure() {
	if m == nil {
		return
	}
	m.sendFailure.Inc()
}

func (m *Metrics) RecordSOSBroadcast() {
	if m == nil {
		return
	}
	m.sosBroadcasts.Inc()
}

func (m *Metrics) RecordSessionsMerged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsMerged.Add(float64(n))
}
