//go:build !linux

package ble

// charWriter needs no state where tinygo writes with response itself.
type charWriter struct{}

// Write sends a write request and waits for the device acknowledgement.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
