package blelink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// allow tests to override external dependencies
var openEndpoint = OpenEndpoint

const (
	// writeQueueSize bounds BLE writes waiting for the link.
	writeQueueSize = 50

	// maxWriteRetries caps partial writes to the serial endpoint.
	maxWriteRetries = 3
)

// writeOperation represents a queued BLE write
type writeOperation struct {
	ch       Channel
	data     []byte
	ctx      context.Context
	resultCh chan writeResult

	// release returns data to its buffer pool once the write is done.
	release func()
}

func (op *writeOperation) finish(res writeResult) {
	if op.release != nil {
		op.release()
	}
	op.resultCh <- res
}

// writeResult holds the result of a write operation
type writeResult struct {
	n   int
	err error
}

// Service bridges a serial endpoint (virtual COM port or physical port) to a
// BLE SPP peripheral. Bytes written by local applications are queued on the
// uplink fifo and sent as write commands; data notifications are queued on the
// downlink fifo and written to the endpoint.
type Service struct {
	Config  *Config
	Logger  *zerolog.Logger
	Central Central

	log     zerolog.Logger
	profile *Profile
	target  Target

	initialized atomic.Bool
	isOpen      atomic.Bool
	port        SerialPort
	mu          sync.RWMutex

	uplink   *Fifo
	downlink *Fifo

	connMu sync.RWMutex
	conn   Conn

	writeQueue chan *writeOperation
	closeCh    chan struct{}
	closeOnce  sync.Once

	statusMu   sync.RWMutex
	lastStatus []byte

	// Instance-specific buffer pool manager
	bufferPoolManager *BufferPoolManager

	// Metrics
	metrics            *Metrics
	metricsEnabled     atomic.Bool
	metricsBroadcaster *MetricsBroadcaster
	broadcasterMu      sync.Mutex

	// Initialization synchronization - ensures Initialize() is called only once
	initOnce sync.Once
	initErr  error
}

func (p *Service) Initialize() error {
	p.initOnce.Do(func() {
		p.initErr = p.doInitialize()
	})
	return p.initErr
}

func (p *Service) doInitialize() (err error) {
	p.metrics = &Metrics{}
	p.EnableMetrics()
	p.bufferPoolManager = NewBufferPoolManager(p.metrics)

	defer func() {
		if err != nil {
			p.metrics.InitializationErrors.Add(1)
			return
		}
		p.initialized.Store(true)
	}()

	if p.Logger != nil {
		p.log = p.Logger.With().Str("component", "bridge").Logger()
	} else {
		p.log = zerolog.Nop()
	}

	if p.Config == nil {
		return errors.New("bridge config has not been set")
	}
	if p.Central == nil {
		return errors.New("BLE central has not been set")
	}

	if err = ValidateConfig(p.Config); err != nil {
		p.metrics.ConfigurationErrors.Add(1)
		return fmt.Errorf("invalid bridge configuration: %w", err)
	}

	if p.profile, err = ResolveProfile(&p.Config.Device); err != nil {
		p.metrics.ConfigurationErrors.Add(1)
		return fmt.Errorf("resolving profile: %w", err)
	}
	if p.Config.Metrics.Disabled {
		p.DisableMetrics()
	}
	p.target = Target{Address: p.Config.Device.Address, Name: p.Config.Device.Name}

	p.uplink = NewFifo(p.Config.Link.uplinkSize())
	p.downlink = NewFifo(p.Config.Link.downlinkSize())
	p.writeQueue = make(chan *writeOperation, writeQueueSize)
	p.closeCh = make(chan struct{})

	return nil
}

// Profile returns the resolved GATT profile.
func (p *Service) Profile() *Profile {
	return p.profile
}

// Open opens the serial endpoint. It is a no-op if the endpoint is already open.
func (p *Service) Open() error {
	if !p.initialized.Load() {
		return ErrNotInitialized
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isOpen.Load() && p.port != nil {
		return nil
	}
	select {
	case <-p.closeCh:
		return ErrClosed
	default:
	}

	port, err := openEndpoint(&p.Config.Port)
	if err != nil {
		p.incrementConsecutiveFailures()
		return fmt.Errorf("opening serial endpoint: %w", err)
	}
	p.port = port
	p.isOpen.Store(true)

	p.log.Info().
		Str("mode", string(p.Config.Port.Mode)).
		Str("port", endpointName(port, &p.Config.Port)).
		Msg("serial endpoint ready")
	return nil
}

// EndpointName is the device path applications should open.
func (p *Service) EndpointName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.port == nil {
		return ""
	}
	return endpointName(p.port, &p.Config.Port)
}

// Run bridges until ctx is cancelled or the serial endpoint fails. The peripheral
// is reconnected with exponential backoff whenever the link drops. The endpoint
// is closed when Run returns.
func (p *Service) Run(ctx context.Context) error {
	if !p.initialized.Load() {
		return ErrNotInitialized
	}
	if err := p.Open(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readPort(gctx) })
	g.Go(func() error { return p.writePort(gctx) })
	g.Go(func() error { return p.processWrites(gctx) })
	g.Go(func() error { return p.supervise(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			// Closing the endpoint is the only way to unblock a pending read.
			return p.Close()
		case <-p.closeCh:
			// Closed from outside; cancel the other workers.
			return ErrClosed
		}
	})

	err := g.Wait()
	_ = p.Close()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		return nil
	}
	return err
}

// readPort moves bytes from the serial endpoint into the uplink fifo. It keeps
// running while the peripheral is away, so applications see backpressure
// instead of loss.
func (p *Service) readPort(ctx context.Context) error {
	p.mu.RLock()
	port := p.port
	p.mu.RUnlock()
	if port == nil {
		return ErrPortNotOpen
	}

	buf, release := p.bufferPoolManager.GetPooledBuffer(readBufferSize)
	defer release()

	for {
		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil || !p.isOpen.Load() {
				return nil
			}
			p.recordSerialRead(0, err)
			return fmt.Errorf("reading serial endpoint: %w", err)
		}
		if n == 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		p.recordSerialRead(n, nil)

		if _, err = p.uplink.PutWait(ctx, buf[:n]); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrFifoClosed) {
				return nil
			}
			return err
		}
	}
}

// writePort drains the downlink fifo into the serial endpoint.
func (p *Service) writePort(ctx context.Context) error {
	for {
		data, err := p.downlink.ReadFrame(ctx, readBufferSize, false)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrFifoClosed) {
				return nil
			}
			return err
		}

		n, err := p.writeEndpoint(data)
		p.recordSerialWrite(n, err)
		if errors.Is(err, ErrWriteTimeout) {
			// Nobody is draining the endpoint; drop the rest of the frame.
			if p.recording() {
				p.metrics.DownlinkDropped.Add(int64(len(data) - n))
			}
			p.log.Warn().Int("dropped", len(data)-n).Msg("serial endpoint write timed out")
			continue
		}
		if err != nil {
			if ctx.Err() != nil || !p.isOpen.Load() {
				return nil
			}
			return fmt.Errorf("writing serial endpoint: %w", err)
		}
	}
}

// writeEndpoint writes b completely, retrying short writes.
func (p *Service) writeEndpoint(b []byte) (int, error) {
	p.mu.RLock()
	port := p.port
	p.mu.RUnlock()
	if port == nil {
		return 0, ErrPortNotOpen
	}

	total := 0
	for retries := 0; total < len(b) && retries < maxWriteRetries; retries++ {
		n, err := port.Write(b[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			// Prevent infinite loop if Write returns 0
			break
		}
	}
	if total < len(b) {
		return total, errors.New("partial write: not all bytes written")
	}
	return total, nil
}

// supervise keeps a session with the peripheral alive.
func (p *Service) supervise(ctx context.Context) error {
	minDelay, maxDelay := p.Config.Link.ReconnectMin, p.Config.Link.ReconnectMax
	if minDelay <= 0 {
		minDelay = DefaultReconnectMin
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	delay := minDelay

	for {
		established, err := p.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			delay = minDelay
		}
		p.log.Warn().Err(err).Dur("retry_in", delay).Msg("link down")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if !established {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
}

// session connects once and pumps the uplink until the link drops. It reports
// whether a connection was established.
func (p *Service) session(ctx context.Context) (bool, error) {
	if p.recording() {
		p.metrics.ConnectionAttempts.Add(1)
	}

	cctx := ctx
	if t := p.Config.Device.ScanTimeout + p.Config.Device.ConnectTimeout; t > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	p.log.Info().Str("target", p.target.String()).Str("profile", p.profile.Name).Msg("scanning")
	conn, err := p.Central.Connect(cctx, p.target, p.profile, p.handleNotify)
	if err != nil {
		p.recordConnectFailure(err)
		return false, err
	}

	p.setConn(conn)
	p.recordConnect()
	p.BroadcastMetricsImmediate()
	p.log.Info().Int("payload", conn.MaxPayload()).Msg("link up")

	defer func() {
		p.setConn(nil)
		if cerr := conn.Close(); cerr != nil {
			p.log.Debug().Err(cerr).Msg("closing connection")
		}
		p.recordDisconnect()
		p.BroadcastMetricsImmediate()
	}()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- p.sendUplink(sctx, conn) }()

	select {
	case <-conn.Done():
		cancel()
		<-errCh
		return true, ErrNotConnected
	case err = <-errCh:
		return true, err
	case <-ctx.Done():
		<-errCh
		return true, ctx.Err()
	}
}

// sendUplink takes frames from the uplink fifo and writes them to the peripheral.
func (p *Service) sendUplink(ctx context.Context, conn Conn) error {
	for {
		frame, err := p.uplink.ReadFrame(ctx, conn.MaxPayload(), p.Config.Link.LineMode)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if p.recording() {
			p.metrics.UplinkFrames.Add(1)
		}
		if _, err = p.enqueueWrite(ctx, ChannelData, frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("uplink write: %w", err)
		}
	}
}

// enqueueWrite splits data into link sized chunks and waits for each to be written.
func (p *Service) enqueueWrite(ctx context.Context, ch Channel, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, ErrInvalidBuffer
	}
	if len(data) > MaxBufferSize {
		return 0, ErrBufferTooLarge
	}
	conn := p.currentConn()
	if conn == nil {
		return 0, ErrNotConnected
	}

	total := 0
	for _, chunk := range splitChunks(data, conn.MaxPayload()) {
		n, err := p.submit(ctx, &writeOperation{ch: ch, data: chunk, ctx: ctx})
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// submit queues op for the writer goroutine and waits for its result.
func (p *Service) submit(ctx context.Context, op *writeOperation) (int, error) {
	op.resultCh = make(chan writeResult, 1)
	select {
	case p.writeQueue <- op:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.closeCh:
		return 0, ErrClosed
	}

	select {
	case res := <-op.resultCh:
		return res.n, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.closeCh:
		return 0, ErrClosed
	}
}

// processWrites handles all BLE writes in a single goroutine so chunks of one
// frame are never interleaved with another.
func (p *Service) processWrites(ctx context.Context) error {
	for {
		select {
		case op := <-p.writeQueue:
			p.executeWrite(op)
		case <-ctx.Done():
			p.drainPendingOperations()
			return nil
		}
	}
}

// drainPendingOperations fails every queued write.
func (p *Service) drainPendingOperations() {
	for {
		select {
		case op := <-p.writeQueue:
			op.finish(writeResult{0, ErrClosed})
		default:
			return
		}
	}
}

func (p *Service) executeWrite(op *writeOperation) {
	if err := op.ctx.Err(); err != nil {
		op.finish(writeResult{0, err})
		return
	}

	conn := p.currentConn()
	if conn == nil {
		op.finish(writeResult{0, ErrNotConnected})
		return
	}

	start := time.Now()
	n, err := conn.Write(op.ch, op.data)
	if op.ch == ChannelData {
		p.recordWriteMetrics(n, err, time.Since(start))
	}
	op.finish(writeResult{n, err})
}

// handleNotify runs on the BLE stack's goroutine and must not block.
func (p *Service) handleNotify(ch Channel, data []byte) {
	switch ch {
	case ChannelData:
		n, err := p.downlink.Put(data)
		if p.recording() {
			p.metrics.Notifications.Add(1)
			p.metrics.DownlinkBytes.Add(int64(n))
			if n < len(data) {
				p.metrics.DownlinkDropped.Add(int64(len(data) - n))
			}
		}
		if err != nil {
			p.log.Debug().Err(err).Int("dropped", len(data)-n).Msg("downlink overflow")
		}

	case ChannelStatus:
		p.statusMu.Lock()
		p.lastStatus = data
		p.statusMu.Unlock()
		if p.recording() {
			p.metrics.StatusUpdates.Add(1)
		}
		p.log.Info().Str("status", string(data)).Msg("peripheral status")

	case ChannelHeartbeat:
		if p.recording() {
			p.metrics.Heartbeats.Add(1)
		}
		if !p.Config.Link.Heartbeat {
			return
		}
		// Echo the heartbeat; the result is not awaited.
		buf, release := p.bufferPoolManager.GetPooledBuffer(len(data))
		copy(buf, data)
		op := &writeOperation{
			ch:       ChannelHeartbeat,
			data:     buf,
			ctx:      context.Background(),
			resultCh: make(chan writeResult, 1),
			release:  release,
		}
		select {
		case p.writeQueue <- op:
		default:
			release()
			p.log.Debug().Msg("write queue full, heartbeat skipped")
		}
	}
}

// SendCommand writes cmd to the peripheral's command characteristic as a
// single write. Commands longer than the profile's command limit or the link
// payload are rejected, never split.
func (p *Service) SendCommand(ctx context.Context, cmd []byte) error {
	if !p.initialized.Load() {
		return ErrNotInitialized
	}
	if !p.profile.HasChannel(ChannelCommand) {
		return fmt.Errorf("%w: %s", ErrNoChannel, ChannelCommand)
	}
	if len(cmd) == 0 {
		return ErrInvalidBuffer
	}
	if limit := p.profile.CommandLimit(); len(cmd) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrCommandTooLarge, len(cmd), limit)
	}
	conn := p.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	if limit := conn.MaxPayload(); len(cmd) > limit {
		return fmt.Errorf("%w: %d bytes, link payload %d", ErrCommandTooLarge, len(cmd), limit)
	}

	buf, release := p.bufferPoolManager.GetPooledBuffer(len(cmd))
	copy(buf, cmd)
	op := &writeOperation{ch: ChannelCommand, data: buf, ctx: ctx, release: release}
	if _, err := p.submit(ctx, op); err != nil {
		return err
	}
	if p.recording() {
		p.metrics.CommandsSent.Add(1)
	}
	return nil
}

// BufferPoolStats reports usage of the service's buffer pools.
func (p *Service) BufferPoolStats() []PoolStats {
	if p.bufferPoolManager == nil {
		return nil
	}
	return p.bufferPoolManager.GetAllPoolStats()
}

// LastStatus returns the most recent status notification, or nil.
func (p *Service) LastStatus() []byte {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	if p.lastStatus == nil {
		return nil
	}
	out := make([]byte, len(p.lastStatus))
	copy(out, p.lastStatus)
	return out
}

// Connected reports whether a peripheral link is up.
func (p *Service) Connected() bool {
	return p.currentConn() != nil
}

func (p *Service) currentConn() Conn {
	p.connMu.RLock()
	defer p.connMu.RUnlock()
	return p.conn
}

func (p *Service) setConn(c Conn) {
	p.connMu.Lock()
	p.conn = c
	p.connMu.Unlock()
}

// Close stops the bridge and releases the endpoint. It is safe to call more
// than once.
func (p *Service) Close() error {
	if !p.initialized.Load() {
		return ErrNotInitialized
	}

	var closeErr error
	p.closeOnce.Do(func() {
		close(p.closeCh)
		p.isOpen.Store(false)
		p.uplink.Close()
		p.downlink.Close()
		p.StopMetricsBroadcasting()

		if c := p.currentConn(); c != nil {
			closeErr = c.Close()
		}

		p.mu.Lock()
		port := p.port
		p.port = nil
		p.mu.Unlock()
		if port != nil {
			closeErr = errors.Join(closeErr, port.Close())
		}
		p.log.Info().Msg("bridge closed")
	})
	return closeErr
}
