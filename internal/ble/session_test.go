package ble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/wifiprov/internal/proto"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

func fastOpts() SessionOptions {
	return SessionOptions{
		ConnectTimeout:  time.Second,
		ConnectRetries:  2,
		ReconnectBase:   time.Millisecond,
		ReconnectMax:    5 * time.Millisecond,
		ResponseTimeout: 200 * time.Millisecond,
	}
}

func connectedSession(t *testing.T, dev *fakeDevice, opts SessionOptions) (*Session, *mockAdapter) {
	t.Helper()
	adapter := newDeviceAdapter(dev)
	s := NewSession(adapter, testAddress, opts)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, adapter
}

func TestSessionConnectReadsVersion(t *testing.T) {
	s, _ := connectedSession(t, newFakeDevice(), fastOpts())

	if !s.Connected() {
		t.Fatal("Connected() = false after Connect()")
	}
	v, err := s.Version()
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if v != 1 {
		t.Errorf("Version() = %d, want 1", v)
	}
}

func TestSessionOperationsBeforeConnect(t *testing.T) {
	s := NewSession(newMockAdapter(nil), testAddress, fastOpts())
	ctx := context.Background()

	if _, err := s.GetStatus(ctx); !errors.Is(err, ErrDeviceNotConnected) {
		t.Errorf("GetStatus() error = %v, want ErrDeviceNotConnected", err)
	}
	if err := s.StartScan(ctx, nil); !errors.Is(err, ErrDeviceNotConnected) {
		t.Errorf("StartScan() error = %v, want ErrDeviceNotConnected", err)
	}
	if err := s.ForgetConfig(ctx); !errors.Is(err, ErrDeviceNotConnected) {
		t.Errorf("ForgetConfig() error = %v, want ErrDeviceNotConnected", err)
	}
	if _, err := s.Version(); !errors.Is(err, ErrDeviceNotConnected) {
		t.Errorf("Version() error = %v, want ErrDeviceNotConnected", err)
	}
	if s.Connected() {
		t.Error("Connected() = true before Connect()")
	}
}

func TestSessionConnectFailsOnMissingCharacteristic(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.setup = func(c *mockConnection) { c.missing = DataOutCharUUID }
	opts := fastOpts()
	opts.ConnectRetries = 0
	s := NewSession(adapter, testAddress, opts)

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("Connect() should fail when data out is missing")
	}
	if s.Connected() {
		t.Error("session must not be connected after failed discovery")
	}
	if !adapter.latestConnection().isDisconnected() {
		t.Error("failed attach should drop the link")
	}
	if _, err := s.GetStatus(context.Background()); !errors.Is(err, ErrDeviceNotConnected) {
		t.Errorf("GetStatus() error = %v, want ErrDeviceNotConnected", err)
	}
}

func TestSessionConnectRetries(t *testing.T) {
	adapter := newDeviceAdapter(newFakeDevice())
	adapter.failConnects = 2
	s := NewSession(adapter, testAddress, fastOpts())
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := adapter.connectCount(); got != 3 {
		t.Errorf("connect attempts = %d, want 3", got)
	}
}

func TestSessionConnectGivesUp(t *testing.T) {
	adapter := newDeviceAdapter(newFakeDevice())
	adapter.failConnects = 10
	s := NewSession(adapter, testAddress, fastOpts())

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("Connect() should fail after exhausting retries")
	}
	if got := adapter.connectCount(); got != 3 {
		t.Errorf("connect attempts = %d, want 3 (1 + 2 retries)", got)
	}
}

func TestSessionConnectTimesOutStalledDiscovery(t *testing.T) {
	stall := make(chan struct{})
	defer close(stall)
	adapter := newMockAdapter(nil)
	adapter.setup = func(c *mockConnection) { c.version.stall = stall }
	opts := fastOpts()
	opts.ConnectTimeout = 50 * time.Millisecond
	opts.ConnectRetries = 0
	s := NewSession(adapter, testAddress, opts)

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Connect() error = %v, want context.DeadlineExceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect() blocked on a stalled version read")
	}
	if s.Connected() {
		t.Error("session must not be connected after a discovery timeout")
	}
	if !adapter.latestConnection().isDisconnected() {
		t.Error("timed out discovery should drop the link")
	}
}

func TestSessionConnectWhenConnected(t *testing.T) {
	s, adapter := connectedSession(t, newFakeDevice(), fastOpts())
	first := adapter.latestConnection()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if got := adapter.connectCount(); got != 1 {
		t.Errorf("connect attempts = %d, want 1", got)
	}
	if first.isDisconnected() {
		t.Error("second Connect() dropped the existing link")
	}
	if _, err := s.GetStatus(context.Background()); err != nil {
		t.Errorf("GetStatus() error = %v", err)
	}
}

func TestSessionGetStatus(t *testing.T) {
	dev := newFakeDevice()
	dev.state = proto.StateConnected
	dev.provisioned = &proto.WifiInfo{SSID: []byte("home"), BSSID: make([]byte, 6), Channel: 1}
	s, _ := connectedSession(t, dev, fastOpts())

	st, err := s.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if st.State == nil || *st.State != proto.StateConnected {
		t.Errorf("State = %v, want connected", st.State)
	}
	if string(st.ProvisioningInfo.SSID) != "home" {
		t.Errorf("SSID = %q, want home", st.ProvisioningInfo.SSID)
	}
	if ip := st.ConnectionInfo.IP(); ip.String() != "192.168.1.50" {
		t.Errorf("IP = %v, want 192.168.1.50", ip)
	}
}

func TestSessionStatusError(t *testing.T) {
	dev := newFakeDevice()
	dev.status[proto.OpForgetConfig] = proto.StatusInternalError
	s, _ := connectedSession(t, dev, fastOpts())

	err := s.ForgetConfig(context.Background())
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("ForgetConfig() error = %v, want *StatusError", err)
	}
	if se.Op != proto.OpForgetConfig || se.Status != proto.StatusInternalError {
		t.Errorf("StatusError = %+v, want forget_config/internal_error", se)
	}
}

func TestSessionResponseTimeout(t *testing.T) {
	dev := newFakeDevice()
	dev.silent[proto.OpStopScan] = true
	s, _ := connectedSession(t, dev, fastOpts())

	start := time.Now()
	err := s.StopScan(context.Background())
	if !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("StopScan() error = %v, want ErrResponseTimeout", err)
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Error("StopScan() returned before the response timeout")
	}

	// The session stays usable after a timed out request.
	if _, err := s.GetStatus(context.Background()); err != nil {
		t.Errorf("GetStatus() after timeout error = %v", err)
	}
}

func TestSessionDropsUnsolicitedResponse(t *testing.T) {
	dev := newFakeDevice()
	dev.silent[proto.OpGetStatus] = true
	s, adapter := connectedSession(t, dev, fastOpts())
	conn := adapter.latestConnection()

	done := make(chan error, 1)
	go func() {
		_, err := s.GetStatus(context.Background())
		done <- err
	}()

	// Wait until the request is on the wire, then answer a different op.
	deadline := time.Now().Add(time.Second)
	for conn.control.writeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	wrong, _ := proto.MarshalResponse(&proto.Response{RequestOpCode: proto.OpStartScan})
	conn.control.SimulateNotification(wrong)

	if err := <-done; !errors.Is(err, ErrResponseTimeout) {
		t.Errorf("GetStatus() error = %v, want ErrResponseTimeout (mismatched op must be ignored)", err)
	}
}

func TestSessionSerializesRequests(t *testing.T) {
	dev := newFakeDevice()
	s, _ := connectedSession(t, dev, fastOpts())
	ctx := context.Background()

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := s.GetStatus(ctx)
			errs <- err
		}()
	}
	for i := 0; i < 10; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent GetStatus() error = %v", err)
		}
	}
	if got := len(dev.opCodes()); got != 10 {
		t.Errorf("device saw %d requests, want 10", got)
	}
}

func TestSessionDisconnectFailsPendingRequest(t *testing.T) {
	dev := newFakeDevice()
	dev.silent[proto.OpGetStatus] = true
	opts := fastOpts()
	opts.ResponseTimeout = 5 * time.Second
	s, adapter := connectedSession(t, dev, opts)
	conn := adapter.latestConnection()

	results, _ := s.Watch(4)
	done := make(chan error, 1)
	go func() {
		_, err := s.GetStatus(context.Background())
		done <- err
	}()
	deadline := time.Now().Add(time.Second)
	for conn.control.writeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	conn.SimulateDisconnect()

	select {
	case err := <-done:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("GetStatus() error = %v, want ErrDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request not released by disconnect")
	}
	if _, ok := <-results; ok {
		t.Error("watcher channel should be closed on disconnect")
	}
	if s.Connected() {
		t.Error("Connected() = true after disconnect")
	}
	if _, err := s.GetStatus(context.Background()); !errors.Is(err, ErrDeviceNotConnected) {
		t.Errorf("GetStatus() after disconnect error = %v, want ErrDeviceNotConnected", err)
	}
}

func TestSessionWatchFanOut(t *testing.T) {
	s, adapter := connectedSession(t, newFakeDevice(), fastOpts())
	conn := adapter.latestConnection()

	a, stopA := s.Watch(4)
	b, stopB := s.Watch(4)
	defer stopB()

	data, _ := proto.MarshalResult(&proto.Result{State: proto.Ptr(proto.StateAssociation)})
	conn.dataOut.SimulateNotification(data)

	for name, ch := range map[string]<-chan proto.Result{"a": a, "b": b} {
		select {
		case res := <-ch:
			if res.State == nil || *res.State != proto.StateAssociation {
				t.Errorf("watcher %s got %+v, want association", name, res)
			}
		case <-time.After(time.Second):
			t.Errorf("watcher %s got nothing", name)
		}
	}

	stopA()
	stopA() // idempotent
	if _, ok := <-a; ok {
		t.Error("stopped watcher should be closed")
	}
}

func TestSessionSlowWatcherDoesNotBlockOthers(t *testing.T) {
	s, adapter := connectedSession(t, newFakeDevice(), fastOpts())
	conn := adapter.latestConnection()

	slow, stopSlow := s.Watch(1)
	defer stopSlow()
	fast, stopFast := s.Watch(8)
	defer stopFast()

	states := []proto.ConnectionState{proto.StateAuthentication, proto.StateAssociation, proto.StateObtainingIP}
	for _, st := range states {
		data, _ := proto.MarshalResult(&proto.Result{State: proto.Ptr(st)})
		conn.dataOut.SimulateNotification(data)
	}

	for i, want := range states {
		select {
		case res := <-fast:
			if res.State == nil || *res.State != want {
				t.Errorf("fast watcher result %d = %+v, want %s", i, res, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("fast watcher got %d results, want %d", i, len(states))
		}
	}

	if res := <-slow; res.State == nil || *res.State != proto.StateAuthentication {
		t.Errorf("slow watcher got %+v, want authentication", res)
	}
	select {
	case res := <-slow:
		t.Errorf("slow watcher got extra result %+v, want drops", res)
	default:
	}
}

func TestSessionWatchBeforeConnect(t *testing.T) {
	s := NewSession(newMockAdapter(nil), testAddress, fastOpts())
	ch, stop := s.Watch(1)
	defer stop()
	if _, ok := <-ch; ok {
		t.Error("Watch() before Connect() should return a closed channel")
	}
}

func TestSessionIgnoresMalformedNotifications(t *testing.T) {
	s, adapter := connectedSession(t, newFakeDevice(), fastOpts())
	conn := adapter.latestConnection()

	conn.control.SimulateNotification([]byte{0xff})
	conn.dataOut.SimulateNotification([]byte{0x0a, 0x09})

	if _, err := s.GetStatus(context.Background()); err != nil {
		t.Errorf("GetStatus() after malformed notifications error = %v", err)
	}
}

func TestSessionCloseDisconnects(t *testing.T) {
	adapter := newDeviceAdapter(newFakeDevice())
	s := NewSession(adapter, testAddress, fastOpts())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !adapter.latestConnection().isDisconnected() {
		t.Error("Close() did not disconnect the link")
	}
	if s.Connected() {
		t.Error("Connected() = true after Close()")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSessionAutoReconnect(t *testing.T) {
	opts := fastOpts()
	opts.AutoReconnect = true
	s, adapter := connectedSession(t, newFakeDevice(), opts)
	first := adapter.latestConnection()

	adapter.mu.Lock()
	adapter.failConnects = 1
	adapter.mu.Unlock()
	first.SimulateDisconnect()

	waitFor(t, "reconnect", func() bool { return s.Connected() && adapter.connectCount() == 3 })
	if adapter.latestConnection() == first {
		t.Fatal("reconnect should use a new connection")
	}
	if _, err := s.GetStatus(context.Background()); err != nil {
		t.Errorf("GetStatus() after reconnect error = %v", err)
	}

	// A late callback from the dropped link must not tear down the new one.
	first.SimulateDisconnect()
	if !s.Connected() {
		t.Error("stale disconnect callback closed the reconnected session")
	}
}

func TestSessionCloseStopsReconnect(t *testing.T) {
	opts := fastOpts()
	opts.AutoReconnect = true
	opts.ReconnectBase = 20 * time.Millisecond
	opts.ReconnectMax = 20 * time.Millisecond
	s, adapter := connectedSession(t, newFakeDevice(), opts)

	adapter.mu.Lock()
	adapter.failConnects = 1000
	adapter.mu.Unlock()
	adapter.latestConnection().SimulateDisconnect()

	waitFor(t, "first reconnect attempt", func() bool { return adapter.connectCount() >= 2 })
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	waitFor(t, "reconnect loop exit", func() bool { return !s.reconnecting.Load() })

	n := adapter.connectCount()
	time.Sleep(60 * time.Millisecond)
	if got := adapter.connectCount(); got != n {
		t.Errorf("connect attempts after Close() = %d, want %d", got, n)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	max := 30 * time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{30, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.attempt, base, max); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
