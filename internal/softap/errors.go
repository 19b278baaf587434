package softap

import (
	"errors"
	"fmt"
)

// ErrDeviceNotFound is returned when mDNS discovery ends without a match.
var ErrDeviceNotFound = errors.New("softap: device not found via mdns")

// HTTPError is a non-2xx answer from the device.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("softap: %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("softap: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// StageError names the pipeline stage that failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("softap: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
