package blelink

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Metrics tracks link health statistics. Uplink is serial to BLE, downlink is
// BLE to serial.
type Metrics struct {
	// Connection Statistics
	ConnectionAttempts  atomic.Int64 // Total scan+connect attempts
	SuccessfulConnects  atomic.Int64 // Successful connections
	ConnectionFailures  atomic.Int64 // Failed connections
	Disconnections      atomic.Int64 // Total disconnects
	CurrentConnections  atomic.Int64 // Currently active connections
	LastConnectTime     atomic.Int64 // Unix timestamp of last connect
	LastDisconnectTime  atomic.Int64 // Unix timestamp of last disconnect
	TotalUptime         atomic.Int64 // Total connected time in nanoseconds
	ConnectionStartTime atomic.Int64 // When current connection started

	// Uplink
	UplinkFrames   atomic.Int64 // Frames taken from the uplink fifo
	UplinkWrites   atomic.Int64 // BLE write commands issued
	UplinkBytes    atomic.Int64 // Bytes written to the peripheral
	UplinkErrors   atomic.Int64 // Failed BLE writes
	TotalWriteTime atomic.Int64 // Total time spent in BLE writes (ns)
	MaxWriteTime   atomic.Int64 // Slowest BLE write (ns)

	// Downlink
	Notifications   atomic.Int64 // Data notifications received
	DownlinkBytes   atomic.Int64 // Bytes queued for the serial endpoint
	DownlinkDropped atomic.Int64 // Bytes dropped because the downlink fifo was full

	// Serial endpoint
	SerialBytesRead    atomic.Int64
	SerialBytesWritten atomic.Int64
	SerialReadErrors   atomic.Int64
	SerialWriteErrors  atomic.Int64

	// Control channels
	CommandsSent  atomic.Int64
	StatusUpdates atomic.Int64
	Heartbeats    atomic.Int64

	// Buffer Pool Metrics
	BufferPoolHits   atomic.Int64 // Buffer pool cache hits
	BufferPoolMisses atomic.Int64 // Buffer pool cache misses

	// Error Categories
	InitializationErrors atomic.Int64 // Service init failures
	ConfigurationErrors  atomic.Int64 // Config-related errors
	ScanTimeouts         atomic.Int64 // Scans that found no peripheral
	TimeoutErrors        atomic.Int64 // All timeout errors
	HardwareErrors       atomic.Int64 // Adapter/driver errors

	// Health Indicators
	ConsecutiveFailures atomic.Int64 // Consecutive operation failures
	LastErrorTime       atomic.Int64 // Timestamp of last error
	ErrorRate           atomic.Int64 // Errors per thousand operations
}

// MetricsSnapshot is a point-in-time view of the link metrics.
type MetricsSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	IsConnected bool      `json:"is_connected"`

	ConnectionSuccess   float64       `json:"connection_success"`
	WriteSuccessRate    float64       `json:"write_success_rate"`
	AverageWriteLatency time.Duration `json:"average_write_latency"`
	MaxWriteLatency     time.Duration `json:"max_write_latency"`
	BytesPerSecond      float64       `json:"bytes_per_second"`
	DropRate            float64       `json:"drop_rate"`
	ErrorRate           float64       `json:"error_rate"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
	BufferPoolHitRatio  float64       `json:"buffer_pool_hit_ratio"`
	UptimeSeconds       float64       `json:"uptime_seconds"`

	TotalConnects      int64 `json:"total_connects"`
	TotalDisconnects   int64 `json:"total_disconnects"`
	UplinkBytes        int64 `json:"uplink_bytes"`
	UplinkFrames       int64 `json:"uplink_frames"`
	DownlinkBytes      int64 `json:"downlink_bytes"`
	DownlinkDropped    int64 `json:"downlink_dropped"`
	Notifications      int64 `json:"notifications"`
	SerialBytesRead    int64 `json:"serial_bytes_read"`
	SerialBytesWritten int64 `json:"serial_bytes_written"`
	TotalErrors        int64 `json:"total_errors"`
	CommandsSent       int64 `json:"commands_sent"`
	StatusUpdates      int64 `json:"status_updates"`
	Heartbeats         int64 `json:"heartbeats"`

	HealthStatus string  `json:"health_status"`
	HealthScore  float64 `json:"health_score"`
}

// HealthStatus represents the overall health of the link
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDown      HealthStatus = "down"
)

// MetricsBroadcaster handles channel-based metrics broadcasting
type MetricsBroadcaster struct {
	metricsChannel   chan MetricsSnapshot
	broadcastTicker  *time.Ticker
	enabled          atomic.Bool
	stopCh           chan struct{}
	doneCh           chan struct{}
	emissionInterval time.Duration
	stopOnce         sync.Once // Prevent double-close race
}

// NewMetricsBroadcaster creates a new metrics broadcaster with channel-based distribution
func NewMetricsBroadcaster(channelSize int, interval time.Duration) *MetricsBroadcaster {
	return &MetricsBroadcaster{
		metricsChannel:   make(chan MetricsSnapshot, channelSize),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
		emissionInterval: interval,
	}
}

// Start begins broadcasting metrics to the channel
func (mb *MetricsBroadcaster) Start(service *Service) {
	if !mb.enabled.CompareAndSwap(false, true) {
		return // Already running
	}

	mb.broadcastTicker = time.NewTicker(mb.emissionInterval)

	go func() {
		defer close(mb.doneCh)
		defer mb.broadcastTicker.Stop()

		for {
			select {
			case <-mb.stopCh:
				return
			case <-mb.broadcastTicker.C:
				mb.broadcastMetrics(service)
			}
		}
	}()
}

// Stop stops broadcasting and closes the channel once the ticker goroutine is gone.
func (mb *MetricsBroadcaster) Stop() {
	if mb.enabled.CompareAndSwap(true, false) {
		mb.stopOnce.Do(func() {
			close(mb.stopCh)
			<-mb.doneCh
			close(mb.metricsChannel)
		})
	}
}

// BroadcastImmediate sends metrics immediately (for connect/disconnect events)
func (mb *MetricsBroadcaster) BroadcastImmediate(service *Service) {
	mb.broadcastMetrics(service)
}

// GetMetricsChannel returns the read-only metrics channel for consumers
func (mb *MetricsBroadcaster) GetMetricsChannel() <-chan MetricsSnapshot {
	return mb.metricsChannel
}

func (mb *MetricsBroadcaster) broadcastMetrics(service *Service) {
	if !mb.enabled.Load() {
		return
	}

	snapshot := service.GetMetricsSnapshot()

	// Non-blocking send: a slow consumer loses snapshots, not the link.
	select {
	case mb.metricsChannel <- *snapshot:
	default:
	}
}

// Metrics calculation methods
func (m *Metrics) calculateConnectionSuccessRate() float64 {
	attempts := m.ConnectionAttempts.Load()
	if attempts == 0 {
		return 100.0
	}
	successes := m.SuccessfulConnects.Load()
	return float64(successes) / float64(attempts) * 100
}

func (m *Metrics) calculateWriteSuccessRate() float64 {
	writes := m.UplinkWrites.Load()
	if writes == 0 {
		return 100.0
	}
	failures := m.UplinkErrors.Load()
	return float64(writes-failures) / float64(writes) * 100
}

func (m *Metrics) calculateAverageWriteLatency() time.Duration {
	writes := m.UplinkWrites.Load()
	if writes == 0 {
		return 0
	}
	return time.Duration(m.TotalWriteTime.Load() / writes)
}

func (m *Metrics) calculateThroughput(isConnected bool, connectionStartTime int64) float64 {
	seconds := m.calculateUptime(isConnected, connectionStartTime)
	if seconds <= 0 {
		return 0.0
	}
	totalBytes := m.UplinkBytes.Load() + m.DownlinkBytes.Load()
	return float64(totalBytes) / seconds
}

// calculateDropRate is the percentage of notified bytes that never reached
// the serial endpoint.
func (m *Metrics) calculateDropRate() float64 {
	dropped := m.DownlinkDropped.Load()
	total := m.DownlinkBytes.Load() + dropped
	if total == 0 {
		return 0.0
	}
	return float64(dropped) / float64(total) * 100
}

func (m *Metrics) calculateBufferPoolHitRatio() float64 {
	total := m.BufferPoolHits.Load() + m.BufferPoolMisses.Load()
	if total == 0 {
		return 100.0
	}
	return float64(m.BufferPoolHits.Load()) / float64(total) * 100
}

func (m *Metrics) calculateUptime(isConnected bool, connectionStartTime int64) float64 {
	if !isConnected || connectionStartTime == 0 {
		return 0.0
	}

	duration := time.Now().UnixNano() - connectionStartTime
	if duration <= 0 {
		return 0.0
	}

	return float64(duration) / float64(time.Second)
}

func (m *Metrics) totalErrors() int64 {
	return m.UplinkErrors.Load() + m.SerialReadErrors.Load() + m.SerialWriteErrors.Load()
}

func (m *Metrics) assessHealthStatus(snapshot *MetricsSnapshot) HealthStatus {
	if !snapshot.IsConnected {
		return HealthStatusDown
	}

	// Check for critical issues
	if snapshot.ErrorRate > 50.0 || snapshot.ConsecutiveFailures > 5 {
		return HealthStatusUnhealthy
	}

	// Check for performance degradation
	if snapshot.ErrorRate > 10.0 || snapshot.DropRate > 1.0 || snapshot.ConsecutiveFailures > 3 {
		return HealthStatusDegraded
	}

	return HealthStatusHealthy
}

func (m *Metrics) calculateHealthScore(snapshot *MetricsSnapshot) float64 {
	if !snapshot.IsConnected {
		return 0.0
	}

	score := 100.0
	score -= snapshot.ErrorRate * 2
	score -= snapshot.DropRate
	// Consecutive failures weigh most.
	score -= float64(snapshot.ConsecutiveFailures) * 10

	if score < 0 {
		score = 0
	}
	return score
}
