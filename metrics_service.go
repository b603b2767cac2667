package blelink

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Metrics accessor and management methods for Service

// GetMetrics returns the current metrics instance
func (p *Service) GetMetrics() *Metrics {
	if p.metrics == nil {
		return &Metrics{} // Return empty metrics if not initialized
	}
	return p.metrics
}

// GetMetricsSnapshot creates a snapshot for status endpoints and logs.
func (p *Service) GetMetricsSnapshot() *MetricsSnapshot {
	if p.metrics == nil {
		return &MetricsSnapshot{
			Timestamp:    time.Now(),
			HealthStatus: string(HealthStatusDown),
		}
	}

	m := p.metrics
	isConnected := p.Connected()
	connectionStartTime := m.ConnectionStartTime.Load()

	snapshot := &MetricsSnapshot{
		Timestamp:   time.Now(),
		IsConnected: isConnected,
	}

	snapshot.ConnectionSuccess = m.calculateConnectionSuccessRate()
	snapshot.WriteSuccessRate = m.calculateWriteSuccessRate()
	snapshot.AverageWriteLatency = m.calculateAverageWriteLatency()
	snapshot.MaxWriteLatency = time.Duration(m.MaxWriteTime.Load())
	snapshot.BytesPerSecond = m.calculateThroughput(isConnected, connectionStartTime)
	snapshot.DropRate = m.calculateDropRate()
	snapshot.ErrorRate = float64(m.ErrorRate.Load()) / 10.0 // Convert from per-1000 to percentage
	snapshot.ConsecutiveFailures = m.ConsecutiveFailures.Load()
	snapshot.BufferPoolHitRatio = m.calculateBufferPoolHitRatio()
	snapshot.UptimeSeconds = m.calculateUptime(isConnected, connectionStartTime)

	snapshot.TotalConnects = m.SuccessfulConnects.Load()
	snapshot.TotalDisconnects = m.Disconnections.Load()
	snapshot.UplinkBytes = m.UplinkBytes.Load()
	snapshot.UplinkFrames = m.UplinkFrames.Load()
	snapshot.DownlinkBytes = m.DownlinkBytes.Load()
	snapshot.DownlinkDropped = m.DownlinkDropped.Load()
	snapshot.Notifications = m.Notifications.Load()
	snapshot.SerialBytesRead = m.SerialBytesRead.Load()
	snapshot.SerialBytesWritten = m.SerialBytesWritten.Load()
	snapshot.TotalErrors = m.totalErrors()
	snapshot.CommandsSent = m.CommandsSent.Load()
	snapshot.StatusUpdates = m.StatusUpdates.Load()
	snapshot.Heartbeats = m.Heartbeats.Load()

	snapshot.HealthStatus = string(m.assessHealthStatus(snapshot))
	snapshot.HealthScore = m.calculateHealthScore(snapshot)

	return snapshot
}

// EnableMetrics turns on metrics collection
func (p *Service) EnableMetrics() {
	p.metricsEnabled.Store(true)
}

// DisableMetrics turns off metrics collection
func (p *Service) DisableMetrics() {
	p.metricsEnabled.Store(false)
}

// IsMetricsEnabled returns whether metrics collection is enabled
func (p *Service) IsMetricsEnabled() bool {
	return p.metricsEnabled.Load()
}

// StartMetricsBroadcasting begins broadcasting metrics to the channel
func (p *Service) StartMetricsBroadcasting(interval time.Duration) error {
	if !p.initialized.Load() {
		return ErrNotInitialized
	}
	if interval <= 0 {
		return fmt.Errorf("metrics interval must be positive: %v", interval)
	}

	p.StopMetricsBroadcasting()

	channelSize := p.Config.Metrics.ChannelSize
	if channelSize <= 0 {
		channelSize = 50
	}

	b := NewMetricsBroadcaster(channelSize, interval)
	b.Start(p)

	p.broadcasterMu.Lock()
	p.metricsBroadcaster = b
	p.broadcasterMu.Unlock()
	return nil
}

// StopMetricsBroadcasting stops broadcasting metrics
func (p *Service) StopMetricsBroadcasting() {
	p.broadcasterMu.Lock()
	defer p.broadcasterMu.Unlock()
	if p.metricsBroadcaster != nil {
		p.metricsBroadcaster.Stop()
		p.metricsBroadcaster = nil
	}
}

// BroadcastMetricsImmediate sends current metrics to channel immediately
func (p *Service) BroadcastMetricsImmediate() {
	// Held across the send so Stop cannot close the channel underneath it.
	p.broadcasterMu.Lock()
	defer p.broadcasterMu.Unlock()
	if p.metricsBroadcaster != nil {
		p.metricsBroadcaster.BroadcastImmediate(p)
	}
}

// MetricsChannel returns the read-only metrics channel for consumers
func (p *Service) MetricsChannel() (<-chan MetricsSnapshot, error) {
	if !p.initialized.Load() {
		return nil, ErrNotInitialized
	}
	p.broadcasterMu.Lock()
	defer p.broadcasterMu.Unlock()
	if p.metricsBroadcaster == nil {
		return nil, errors.New("metrics broadcasting not started")
	}
	return p.metricsBroadcaster.GetMetricsChannel(), nil
}

// Internal metrics recording methods

func (p *Service) recording() bool {
	return p.metrics != nil && p.metricsEnabled.Load()
}

func (p *Service) recordWriteMetrics(bytesWritten int, err error, duration time.Duration) {
	if !p.recording() {
		return
	}
	m := p.metrics

	m.UplinkWrites.Add(1)
	m.TotalWriteTime.Add(duration.Nanoseconds())

	for {
		current := m.MaxWriteTime.Load()
		if duration.Nanoseconds() <= current {
			break
		}
		if m.MaxWriteTime.CompareAndSwap(current, duration.Nanoseconds()) {
			break
		}
	}

	if err != nil {
		m.UplinkErrors.Add(1)
		p.incrementConsecutiveFailures()
		p.recordErrorMetrics(err)
	} else {
		m.UplinkBytes.Add(int64(bytesWritten))
		p.resetConsecutiveFailures()
	}
}

func (p *Service) recordSerialRead(n int, err error) {
	if !p.recording() {
		return
	}
	if err != nil {
		p.metrics.SerialReadErrors.Add(1)
		p.incrementConsecutiveFailures()
		p.recordErrorMetrics(err)
		return
	}
	p.metrics.SerialBytesRead.Add(int64(n))
}

func (p *Service) recordSerialWrite(n int, err error) {
	if !p.recording() {
		return
	}
	p.metrics.SerialBytesWritten.Add(int64(n))
	if err != nil {
		p.metrics.SerialWriteErrors.Add(1)
		p.incrementConsecutiveFailures()
		p.recordErrorMetrics(err)
	}
}

func (p *Service) recordConnect() {
	if !p.recording() {
		return
	}
	now := time.Now()
	p.metrics.SuccessfulConnects.Add(1)
	p.metrics.CurrentConnections.Store(1)
	p.metrics.LastConnectTime.Store(now.Unix())
	p.metrics.ConnectionStartTime.Store(now.UnixNano())
	p.resetConsecutiveFailures()
}

func (p *Service) recordConnectFailure(err error) {
	if !p.recording() {
		return
	}
	p.metrics.ConnectionFailures.Add(1)
	if errors.Is(err, ErrDeviceNotFound) {
		p.metrics.ScanTimeouts.Add(1)
	}
	p.incrementConsecutiveFailures()
	p.recordErrorMetrics(err)
}

func (p *Service) recordDisconnect() {
	if !p.recording() {
		return
	}
	if start := p.metrics.ConnectionStartTime.Swap(0); start > 0 {
		p.metrics.TotalUptime.Add(time.Now().UnixNano() - start)
	}
	p.metrics.Disconnections.Add(1)
	p.metrics.LastDisconnectTime.Store(time.Now().Unix())
	p.metrics.CurrentConnections.Store(0)
}

func (p *Service) recordErrorMetrics(err error) {
	m := p.metrics
	m.LastErrorTime.Store(time.Now().Unix())

	switch {
	case errors.Is(err, ErrWriteTimeout) || errors.Is(err, context.DeadlineExceeded):
		m.TimeoutErrors.Add(1)
	case errors.Is(err, context.Canceled):
		// Context cancellation is not necessarily an error
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, ErrNotConnected):
	default:
		m.HardwareErrors.Add(1)
	}

	// Update error rate (errors per 1000 operations)
	totalOps := m.UplinkWrites.Load() + m.ConnectionAttempts.Load()
	if totalOps > 0 {
		errs := m.totalErrors() + m.ConnectionFailures.Load()
		m.ErrorRate.Store((errs * 1000) / totalOps)
	}
}

func (p *Service) incrementConsecutiveFailures() {
	if p.metrics != nil {
		p.metrics.ConsecutiveFailures.Add(1)
	}
}

func (p *Service) resetConsecutiveFailures() {
	if p.metrics != nil {
		p.metrics.ConsecutiveFailures.Store(0)
	}
}
