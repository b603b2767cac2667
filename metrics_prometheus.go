package blelink

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the service metrics to Prometheus. Values are read from a
// fresh snapshot on every scrape.
type Collector struct {
	service *Service

	connected     *prometheus.Desc
	healthScore   *prometheus.Desc
	connects      *prometheus.Desc
	disconnects   *prometheus.Desc
	bytes         *prometheus.Desc
	dropped       *prometheus.Desc
	notifications *prometheus.Desc
	errors        *prometheus.Desc
	commands      *prometheus.Desc
	heartbeats    *prometheus.Desc
	uptime        *prometheus.Desc
	attempts      *prometheus.Desc
	recording     *prometheus.Desc
	poolGets      *prometheus.Desc
	poolCreates   *prometheus.Desc
}

func NewCollector(s *Service) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("blelink_"+name, help, labels, nil)
	}
	return &Collector{
		service:       s,
		connected:     desc("connected", "Whether the BLE peripheral link is up."),
		healthScore:   desc("health_score", "Link health score from 0 to 100."),
		connects:      desc("connects_total", "Successful BLE connections."),
		disconnects:   desc("disconnects_total", "BLE disconnections."),
		bytes:         desc("bytes_total", "Bytes moved over the link, by direction.", "direction"),
		dropped:       desc("downlink_dropped_bytes_total", "Notified bytes dropped because the downlink fifo was full."),
		notifications: desc("notifications_total", "Data notifications received."),
		errors:        desc("errors_total", "Uplink and serial endpoint errors."),
		commands:      desc("commands_total", "Commands written to the command characteristic."),
		heartbeats:    desc("heartbeats_total", "Heartbeat notifications received."),
		uptime:        desc("uptime_seconds", "Seconds the current link has been up."),
		attempts:      desc("connection_attempts_total", "Scan and connect attempts."),
		recording:     desc("metrics_enabled", "Whether counters are being recorded."),
		poolGets:      desc("buffer_pool_gets_total", "Buffers taken from a pool, by buffer size.", "size"),
		poolCreates:   desc("buffer_pool_creates_total", "Buffers allocated by a pool, by buffer size.", "size"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.connected, c.healthScore, c.connects, c.disconnects, c.bytes, c.dropped,
		c.notifications, c.errors, c.commands, c.heartbeats, c.uptime,
		c.attempts, c.recording, c.poolGets, c.poolCreates,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.service.GetMetricsSnapshot()

	connected := 0.0
	if s.IsConnected {
		connected = 1
	}
	ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, connected)
	ch <- prometheus.MustNewConstMetric(c.healthScore, prometheus.GaugeValue, s.HealthScore)
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, s.UptimeSeconds)
	ch <- prometheus.MustNewConstMetric(c.connects, prometheus.CounterValue, float64(s.TotalConnects))
	ch <- prometheus.MustNewConstMetric(c.disconnects, prometheus.CounterValue, float64(s.TotalDisconnects))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.UplinkBytes), "uplink")
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.DownlinkBytes), "downlink")
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.DownlinkDropped))
	ch <- prometheus.MustNewConstMetric(c.notifications, prometheus.CounterValue, float64(s.Notifications))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.TotalErrors))
	ch <- prometheus.MustNewConstMetric(c.commands, prometheus.CounterValue, float64(s.CommandsSent))
	ch <- prometheus.MustNewConstMetric(c.heartbeats, prometheus.CounterValue, float64(s.Heartbeats))

	enabled := 0.0
	if c.service.IsMetricsEnabled() {
		enabled = 1
	}
	ch <- prometheus.MustNewConstMetric(c.recording, prometheus.GaugeValue, enabled)
	ch <- prometheus.MustNewConstMetric(c.attempts, prometheus.CounterValue, float64(c.service.GetMetrics().ConnectionAttempts.Load()))

	for _, ps := range c.service.BufferPoolStats() {
		size := strconv.Itoa(ps.Size)
		ch <- prometheus.MustNewConstMetric(c.poolGets, prometheus.CounterValue, float64(ps.Gets), size)
		ch <- prometheus.MustNewConstMetric(c.poolCreates, prometheus.CounterValue, float64(ps.Creates), size)
	}
}
