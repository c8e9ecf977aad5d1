package transport

import "github.com/prometheus/client_golang/prometheus"

// Byte counters for the socket transports, labeled by transport type and
// registered on the default registerer.
var (
	inBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spell_transport_bytes_incoming_total",
			Help: "Total bytes received, by transport.",
		},
		[]string{"transport"},
	)
	outBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spell_transport_bytes_outgoing_total",
			Help: "Total bytes sent, by transport.",
		},
		[]string{"transport"},
	)
)

func init() {
	prometheus.MustRegister(inBytes, outBytes)
}

// transportMetrics counts bytes through one transport instance.
type transportMetrics struct {
	in  prometheus.Counter
	out prometheus.Counter
}

func newTransportMetrics(transport string) *transportMetrics {
	return &transportMetrics{
		in:  inBytes.WithLabelValues(transport),
		out: outBytes.WithLabelValues(transport),
	}
}

func (m *transportMetrics) countIncoming(n int) { m.in.Add(float64(n)) }
func (m *transportMetrics) countOutgoing(n int) { m.out.Add(float64(n)) }
