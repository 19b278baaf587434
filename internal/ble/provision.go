package ble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/chaz8081/wifiprov/internal/metrics"
	"github.com/chaz8081/wifiprov/internal/proto"
	"github.com/chaz8081/wifiprov/internal/wifi"
)

// ScanNetworks runs a device-side Wi-Fi scan for d and returns the access
// points it reported. onFound, if set, is called once per new network.
// The scan is stopped on return, also when ctx ends early.
func ScanNetworks(ctx context.Context, s *Session, params *proto.ScanParams, d time.Duration, onFound func(*proto.ScanRecord)) (*wifi.AccessPointList, error) {
	results, stop := s.Watch(64)
	defer stop()

	list := wifi.NewAccessPointList()
	if err := s.StartScan(ctx, params); err != nil {
		return nil, err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), s.opts.ResponseTimeout)
		defer cancel()
		if err := s.StopScan(sctx); err != nil && !errors.Is(err, ErrDeviceNotConnected) {
			slog.Warn("[BLE] stop scan failed", "error", err)
		}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case res, ok := <-results:
			if !ok {
				return list, fmt.Errorf("ble: scan: %w", ErrDisconnected)
			}
			if res.ScanRecord == nil {
				continue
			}
			if list.Add(res.ScanRecord) {
				s.opts.Metrics.ScanRecord()
				if onFound != nil {
					onFound(res.ScanRecord)
				}
			}
		case <-timer.C:
			return list, nil
		case <-ctx.Done():
			return list, nil
		}
	}
}

// ProvisionOptions configures the wait for the device's connection attempt.
type ProvisionOptions struct {
	Timeout     time.Duration // wait for connected or connection_failed
	ReasonGrace time.Duration // wait for a failure reason sent after the state
}

// DefaultProvisionOptions returns sensible defaults.
func DefaultProvisionOptions() ProvisionOptions {
	return ProvisionOptions{
		Timeout:     60 * time.Second,
		ReasonGrace: 2 * time.Second,
	}
}

// ProvisionResult is the device state after a successful provisioning.
type ProvisionResult struct {
	State proto.ConnectionState
	Info  *proto.WifiInfo // network the device joined, if reported
	IP    net.IP          // nil if the device did not report it
}

// Provision sends cfg and follows the device through its connection attempt.
// Each state transition is passed to onState. It returns a
// *ConnectionFailedError when the device gives up, and ErrProvisionTimeout
// when no terminal state arrives in time.
func Provision(ctx context.Context, s *Session, cfg *proto.WifiConfig, opts ProvisionOptions, onState func(proto.ConnectionState)) (*ProvisionResult, error) {
	def := DefaultProvisionOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.ReasonGrace <= 0 {
		opts.ReasonGrace = def.ReasonGrace
	}

	rec := s.opts.Metrics
	rec.ProvisionStarted(metrics.TransportBLE)
	res, err := provision(ctx, s, cfg, opts, onState)
	rec.ProvisionFinished(metrics.TransportBLE, outcome(err))
	return res, err
}

func provision(ctx context.Context, s *Session, cfg *proto.WifiConfig, opts ProvisionOptions, onState func(proto.ConnectionState)) (*ProvisionResult, error) {
	results, stop := s.Watch(16)
	defer stop()

	if err := s.SetConfig(ctx, cfg); err != nil {
		return nil, err
	}
	slog.Info("[BLE] configuration accepted, waiting for wifi connection", "ssid", string(cfg.Wifi.SSID))

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	var (
		reason      *proto.FailureReason
		failed      bool
		reasonTimer <-chan time.Time
	)
	for {
		select {
		case res, ok := <-results:
			if !ok {
				return nil, fmt.Errorf("ble: provision: %w", ErrDisconnected)
			}
			if res.Reason != nil {
				reason = res.Reason
			}
			if res.State != nil {
				state := *res.State
				slog.Debug("[BLE] connection state", "state", state)
				if onState != nil {
					onState(state)
				}
				switch state {
				case proto.StateConnected:
					return connectedResult(ctx, s), nil
				case proto.StateConnectionFailed:
					failed = true
					reasonTimer = time.After(opts.ReasonGrace)
				case proto.StateAuthentication, proto.StateAssociation:
					// The device started another attempt.
					failed = false
					reason = nil
					reasonTimer = nil
				}
			}
			if failed && reason != nil {
				return nil, &ConnectionFailedError{Reason: *reason}
			}
		case <-reasonTimer:
			return nil, &ConnectionFailedError{Reason: proto.ReasonUnknown}
		case <-timer.C:
			// A state notification may have been lost; the device status
			// is authoritative.
			if res, ok := alreadyConnected(ctx, s, cfg); ok {
				return res, nil
			}
			return nil, ErrProvisionTimeout
		case <-ctx.Done():
			return nil, fmt.Errorf("ble: provision: %w", ctx.Err())
		}
	}
}

// connectedResult reads the device status for the joined network and its
// address. A failing status query does not undo a successful provisioning.
func connectedResult(ctx context.Context, s *Session) *ProvisionResult {
	res := &ProvisionResult{State: proto.StateConnected}
	st, err := s.GetStatus(ctx)
	if err != nil {
		slog.Warn("[BLE] connected, but status query failed", "error", err)
		return res
	}
	res.Info = st.ProvisioningInfo
	res.IP = st.ConnectionInfo.IP()
	return res
}

func alreadyConnected(ctx context.Context, s *Session, cfg *proto.WifiConfig) (*ProvisionResult, bool) {
	st, err := s.GetStatus(ctx)
	if err != nil || st.State == nil || *st.State != proto.StateConnected {
		return nil, false
	}
	if st.ProvisioningInfo == nil || !bytes.Equal(st.ProvisioningInfo.SSID, cfg.Wifi.SSID) {
		return nil, false
	}
	return &ProvisionResult{
		State: proto.StateConnected,
		Info:  st.ProvisioningInfo,
		IP:    st.ConnectionInfo.IP(),
	}, true
}

// outcome maps a provisioning error to a metrics label.
func outcome(err error) string {
	var failed *ConnectionFailedError
	var status *StatusError
	switch {
	case err == nil:
		return "connected"
	case errors.As(err, &failed):
		return failed.Reason.String()
	case errors.As(err, &status):
		return "rejected"
	case errors.Is(err, ErrProvisionTimeout):
		return "timeout"
	case errors.Is(err, ErrDisconnected), errors.Is(err, ErrDeviceNotConnected):
		return "disconnected"
	}
	return "error"
}
