package status

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/notnil/canctl"
)

const namespace = "canctl"

// Collector exports a Source's status at scrape time.
type Collector struct {
	src Source

	state       *prometheus.Desc
	queued      *prometheus.Desc
	transmitted *prometheus.Desc
	received    *prometheus.Desc
	txFailed    *prometheus.Desc
	rxMissed    *prometheus.Desc
	filtered    *prometheus.Desc
	txErrors    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for src.
func NewCollector(src Source) *Collector {
	counter := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &Collector{
		src:         src,
		state:       prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "state"), "Lifecycle state, 1 for the current one.", []string{"state"}, nil),
		queued:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "queued_frames"), "Frames waiting in a queue.", []string{"queue"}, nil),
		transmitted: counter("transmitted_frames_total", "Frames put on the bus."),
		received:    counter("received_frames_total", "Frames accepted into the receive queue."),
		txFailed:    counter("transmit_failures_total", "Frames dropped without being transmitted."),
		rxMissed:    counter("receive_overruns_total", "Accepted frames lost to a full receive queue."),
		filtered:    counter("filtered_frames_total", "Frames rejected by the acceptance filter."),
		txErrors:    counter("transmit_errors_total", "Transmission attempts that were not acknowledged."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.state, c.queued, c.transmitted, c.received, c.txFailed, c.rxMissed, c.filtered, c.txErrors} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Status()
	for _, s := range []canctl.State{canctl.StateUninstalled, canctl.StateStopped, canctl.StateRunning} {
		v := 0.0
		if s == st.State {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, s.String())
	}
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(st.MsgsToTx), "tx")
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(st.MsgsToRx), "rx")
	for _, m := range []struct {
		desc *prometheus.Desc
		v    uint64
	}{
		{c.transmitted, st.Transmitted},
		{c.received, st.Received},
		{c.txFailed, st.TxFailed},
		{c.rxMissed, st.RxMissed},
		{c.filtered, st.Filtered},
		{c.txErrors, st.TxErrors},
	} {
		ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, float64(m.v))
	}
}
