package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/wifiprov/internal/metrics"
	"github.com/chaz8081/wifiprov/internal/proto"
)

// SessionOptions configures connection and request behavior.
type SessionOptions struct {
	ConnectTimeout  time.Duration // per connection attempt
	ConnectRetries  int           // extra attempts after the first one fails
	ReconnectBase   time.Duration // first backoff delay
	ReconnectMax    time.Duration // backoff cap
	AutoReconnect   bool          // reconnect in the background after a drop
	ResponseTimeout time.Duration // wait for a control-point response
	Metrics         *metrics.Recorder
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ConnectTimeout:  15 * time.Second,
		ConnectRetries:  2,
		ReconnectBase:   time.Second,
		ReconnectMax:    30 * time.Second,
		ResponseTimeout: 10 * time.Second,
	}
}

// pendingRequest is the single request awaiting its control-point response.
// ch is closed if the link drops first.
type pendingRequest struct {
	op proto.OpCode
	ch chan *proto.Response
}

// Session manages one connection to a provisioning device.
type Session struct {
	adapter Adapter
	address string
	opts    SessionOptions

	// reqMu serializes requests: the control point takes one at a time.
	reqMu sync.Mutex

	mu        sync.Mutex
	conn      Connection
	control   Characteristic
	connected bool
	version   uint32
	pending   *pendingRequest
	watchers  map[int]chan proto.Result
	nextWatch int

	reconnecting atomic.Bool
	closed       chan struct{}
	closeOnce    sync.Once
}

// NewSession creates a session for the device at address. Nothing is sent
// until Connect.
func NewSession(adapter Adapter, address string, opts SessionOptions) *Session {
	def := DefaultSessionOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ConnectRetries < 0 {
		opts.ConnectRetries = 0
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = def.ReconnectBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = def.ResponseTimeout
	}
	return &Session{
		adapter:  adapter,
		address:  address,
		opts:     opts,
		watchers: make(map[int]chan proto.Result),
		closed:   make(chan struct{}),
	}
}

// Address returns the device address the session connects to.
func (s *Session) Address() string {
	return s.address
}

// Connected reports whether characteristic discovery has completed and the
// link is up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Version returns the protocol version read from the version characteristic.
func (s *Session) Version() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, ErrDeviceNotConnected
	}
	return s.version, nil
}

// backoffDelay returns the delay before retry n (0-based), doubling from base
// and capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// Connect enables the adapter, connects with retries and discovers the
// provisioning characteristics. It returns nil at once when the session is
// already connected.
func (s *Session) Connect(ctx context.Context) error {
	if s.Connected() {
		return nil
	}
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.opts.ConnectRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, s.opts.ReconnectBase, s.opts.ReconnectMax)
			slog.Info("[BLE] connect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("ble: connect to %s: %w", s.address, ctx.Err())
			}
		}

		err := s.connectOnce(ctx)
		if err == nil {
			version, _ := s.Version()
			slog.Info("[BLE] connected", "address", s.address, "version", version)
			return nil
		}
		lastErr = err
		slog.Warn("[BLE] connect failed", "error", err, "attempt", attempt+1)
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("ble: connect to %s: %w", s.address, lastErr)
}

// connectOnce runs one connection attempt. Connecting and discovery share
// the ConnectTimeout.
func (s *Session) connectOnce(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	conn, err := s.adapter.Connect(cctx, s.address)
	if err != nil {
		return err
	}

	// Discovery calls take no context. A late result is discarded; the
	// dropped link makes the stalled calls fail.
	done := make(chan discovered, 1)
	go func() { done <- s.discover(conn) }()

	var d discovered
	select {
	case d = <-done:
	case <-cctx.Done():
		_ = conn.Disconnect()
		return fmt.Errorf("ble: discover characteristics: %w", cctx.Err())
	}
	if d.err != nil {
		_ = conn.Disconnect()
		return d.err
	}

	s.mu.Lock()
	if s.connected {
		// A concurrent attempt won.
		s.mu.Unlock()
		_ = conn.Disconnect()
		return nil
	}
	s.conn = conn
	s.control = d.control
	s.version = d.version
	s.connected = true
	s.mu.Unlock()

	conn.OnDisconnect(func() { s.handleDisconnect(conn) })
	return nil
}

// discovered is the outcome of characteristic discovery on one connection.
type discovered struct {
	control Characteristic
	version uint32
	err     error
}

// discover finds the characteristics on conn, subscribes to notifications
// and reads the protocol version.
func (s *Session) discover(conn Connection) discovered {
	versionChar, err := conn.DiscoverCharacteristic(ServiceUUID, VersionCharUUID)
	if err != nil {
		return discovered{err: fmt.Errorf("ble: discover version characteristic: %w", err)}
	}
	control, err := conn.DiscoverCharacteristic(ServiceUUID, ControlPointUUID)
	if err != nil {
		return discovered{err: fmt.Errorf("ble: discover control point: %w", err)}
	}
	dataOut, err := conn.DiscoverCharacteristic(ServiceUUID, DataOutCharUUID)
	if err != nil {
		return discovered{err: fmt.Errorf("ble: discover data out characteristic: %w", err)}
	}

	if err := dataOut.Subscribe(s.handleDataOut); err != nil {
		return discovered{err: fmt.Errorf("ble: subscribe to data out: %w", err)}
	}
	if err := control.Subscribe(s.handleControl); err != nil {
		return discovered{err: fmt.Errorf("ble: subscribe to control point: %w", err)}
	}

	raw, err := versionChar.Read()
	if err != nil {
		return discovered{err: fmt.Errorf("ble: read version: %w", err)}
	}
	info, err := proto.UnmarshalInfo(raw)
	if err != nil {
		return discovered{err: fmt.Errorf("ble: decode version: %w", err)}
	}
	return discovered{control: control, version: info.Version}
}

// handleControl matches a control-point notification to the pending request.
func (s *Session) handleControl(data []byte) {
	resp, err := proto.UnmarshalResponse(data)
	if err != nil {
		slog.Warn("[BLE] malformed control point notification", "error", err)
		return
	}

	s.mu.Lock()
	p := s.pending
	if p == nil || p.op != resp.RequestOpCode {
		s.mu.Unlock()
		slog.Warn("[BLE] dropping unsolicited response", "op", resp.RequestOpCode, "status", resp.Status)
		return
	}
	s.pending = nil
	s.mu.Unlock()

	p.ch <- resp
}

// handleDataOut fans a result notification out to all watchers.
func (s *Session) handleDataOut(data []byte) {
	res, err := proto.UnmarshalResult(data)
	if err != nil {
		slog.Warn("[BLE] malformed data out notification", "error", err)
		return
	}
	if res.State != nil {
		s.opts.Metrics.DeviceState(uint32(*res.State))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.watchers {
		select {
		case ch <- *res:
		default:
			slog.Warn("[BLE] result watcher full, dropping notification", "watcher", id)
		}
	}
}

// handleDisconnect tears down the session state for conn. Callbacks from a
// connection that has already been replaced are ignored.
func (s *Session) handleDisconnect(conn Connection) {
	s.mu.Lock()
	if !s.connected || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.conn = nil
	s.control = nil
	p := s.pending
	s.pending = nil
	watchers := s.watchers
	s.watchers = make(map[int]chan proto.Result)
	s.mu.Unlock()

	if p != nil {
		close(p.ch)
	}
	for _, ch := range watchers {
		close(ch)
	}

	if s.isClosed() {
		return
	}
	slog.Warn("[BLE] disconnected", "address", s.address)
	if s.opts.AutoReconnect && s.reconnecting.CompareAndSwap(false, true) {
		go s.reconnectLoop()
	}
}

// reconnectLoop attempts to reconnect with exponential backoff until it
// succeeds or the session is closed.
func (s *Session) reconnectLoop() {
	defer s.reconnecting.Store(false)

	for attempt := 0; ; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, s.opts.ReconnectBase, s.opts.ReconnectMax)
			slog.Info("[BLE] reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-s.closed:
				return
			}
		}
		if s.isClosed() {
			return
		}

		if err := s.connectOnce(context.Background()); err != nil {
			slog.Warn("[BLE] reconnect failed", "error", err, "attempt", attempt+1)
			continue
		}
		if s.isClosed() {
			_ = s.Close()
			return
		}
		slog.Info("[BLE] reconnected", "address", s.address)
		return
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Watch subscribes to result notifications. The channel is closed when stop
// is called or the link drops. A watcher that falls more than buffer results
// behind loses notifications.
func (s *Session) Watch(buffer int) (<-chan proto.Result, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan proto.Result, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		close(ch)
		return ch, func() {}
	}
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
	}
}

// do writes one request and waits for its response.
func (s *Session) do(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	data, err := proto.MarshalRequest(req)
	if err != nil {
		return nil, fmt.Errorf("ble: encode %s: %w", req.OpCode, err)
	}

	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, ErrDeviceNotConnected
	}
	control := s.control
	p := &pendingRequest{op: req.OpCode, ch: make(chan *proto.Response, 1)}
	s.pending = p
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.pending == p {
			s.pending = nil
		}
		s.mu.Unlock()
	}()

	start := time.Now()
	if err := control.Write(data); err != nil {
		return nil, fmt.Errorf("ble: write %s: %w", req.OpCode, err)
	}

	timer := time.NewTimer(s.opts.ResponseTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-p.ch:
		if !ok {
			return nil, fmt.Errorf("ble: %s: %w", req.OpCode, ErrDisconnected)
		}
		s.opts.Metrics.ObserveRequest(req.OpCode.String(), resp.Status.String(), time.Since(start))
		if resp.Status != proto.StatusSuccess {
			return resp, &StatusError{Op: req.OpCode, Status: resp.Status}
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("ble: %s: %w", req.OpCode, ErrResponseTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: %s: %w", req.OpCode, ctx.Err())
	}
}

// GetStatus queries the device connection and provisioning state.
func (s *Session) GetStatus(ctx context.Context) (*proto.DeviceStatus, error) {
	resp, err := s.do(ctx, &proto.Request{OpCode: proto.OpGetStatus})
	if err != nil {
		return nil, err
	}
	if resp.DeviceStatus == nil {
		return &proto.DeviceStatus{}, nil
	}
	if resp.DeviceStatus.State != nil {
		s.opts.Metrics.DeviceState(uint32(*resp.DeviceStatus.State))
	}
	return resp.DeviceStatus, nil
}

// StartScan asks the device to scan for access points. Records arrive as
// results on data out; params may be nil.
func (s *Session) StartScan(ctx context.Context, params *proto.ScanParams) error {
	_, err := s.do(ctx, &proto.Request{OpCode: proto.OpStartScan, ScanParams: params})
	return err
}

// StopScan ends a running scan.
func (s *Session) StopScan(ctx context.Context) error {
	_, err := s.do(ctx, &proto.Request{OpCode: proto.OpStopScan})
	return err
}

// SetConfig sends Wi-Fi credentials. The device acknowledges the request and
// then reports its connection attempt as state results.
func (s *Session) SetConfig(ctx context.Context, cfg *proto.WifiConfig) error {
	if cfg == nil || cfg.Wifi == nil {
		return fmt.Errorf("ble: set_config: missing wifi info")
	}
	_, err := s.do(ctx, &proto.Request{OpCode: proto.OpSetConfig, Config: cfg})
	return err
}

// ForgetConfig erases the stored credentials on the device.
func (s *Session) ForgetConfig(ctx context.Context) error {
	_, err := s.do(ctx, &proto.Request{OpCode: proto.OpForgetConfig})
	return err
}

// Close disconnects and stops any reconnection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Disconnect()
	// Not every backend reports a local disconnect through the callback.
	s.handleDisconnect(conn)
	return err
}
