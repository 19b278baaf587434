package ble

import (
	"errors"
	"fmt"

	"github.com/chaz8081/wifiprov/internal/proto"
)

var (
	// ErrDeviceNotConnected is returned for operations issued before the
	// provisioning characteristics have been discovered.
	ErrDeviceNotConnected = errors.New("ble: device not connected")
	// ErrDisconnected is returned when the link drops while waiting.
	ErrDisconnected = errors.New("ble: device disconnected")
	// ErrResponseTimeout is returned when the control point does not answer.
	ErrResponseTimeout = errors.New("ble: timed out waiting for response")
	// ErrProvisionTimeout is returned when the device never reaches a
	// terminal connection state.
	ErrProvisionTimeout = errors.New("ble: timed out waiting for wifi connection")
)

// StatusError is a request the device answered with a non-success status.
type StatusError struct {
	Op     proto.OpCode
	Status proto.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ble: %s rejected by device: %s", e.Op, e.Status)
}

// ConnectionFailedError reports that the device could not join the network.
type ConnectionFailedError struct {
	Reason proto.FailureReason
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("ble: device failed to connect to wifi: %s", e.Reason)
}
