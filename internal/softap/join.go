package softap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
)

// Joiner moves the host onto the device access point and back.
type Joiner interface {
	Join(ctx context.Context, ssid string) error
	Leave(ctx context.Context) error
}

// ManualJoiner asks the user to switch networks.
type ManualJoiner struct {
	In  io.Reader
	Out io.Writer

	lines *bufio.Scanner
}

func (j *ManualJoiner) Join(ctx context.Context, ssid string) error {
	return j.prompt(ctx, fmt.Sprintf("Join the Wi-Fi network %q, then press Enter.", ssid))
}

func (j *ManualJoiner) Leave(ctx context.Context) error {
	return j.prompt(ctx, "Reconnect to your usual network, then press Enter.")
}

func (j *ManualJoiner) prompt(ctx context.Context, msg string) error {
	if j.lines == nil {
		j.lines = bufio.NewScanner(j.In)
	}
	fmt.Fprintln(j.Out, msg)

	done := make(chan error, 1)
	go func() {
		if j.lines.Scan() {
			done <- nil
			return
		}
		if err := j.lines.Err(); err != nil {
			done <- err
			return
		}
		done <- io.EOF
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

const (
	nmBus            = "org.freedesktop.NetworkManager"
	nmPath           = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmIface          = "org.freedesktop.NetworkManager"
	nmDeviceIface    = "org.freedesktop.NetworkManager.Device"
	nmActiveIface    = "org.freedesktop.NetworkManager.Connection.Active"
	nmConnIface      = "org.freedesktop.NetworkManager.Settings.Connection"
	nmDeviceTypeWifi = uint32(2)

	// NMActiveConnectionState values.
	nmActivated    = uint32(2)
	nmDeactivating = uint32(3)
	nmDeactivated  = uint32(4)

	nmConnectionID = "wifiprov-softap"
)

// ErrJoinFailed is returned when NetworkManager gives up on the SoftAP.
var ErrJoinFailed = errors.New("softap: networkmanager could not activate the connection")

// NMJoiner joins the open device access point with a temporary
// NetworkManager connection, removed again on Leave. Linux only.
type NMJoiner struct {
	Interface    string        // wireless interface, empty picks the first one
	PollInterval time.Duration // activation state polling, default 500ms

	conn     *dbus.Conn
	settings dbus.ObjectPath
	active   dbus.ObjectPath
}

// NewNMJoiner connects to NetworkManager on the system bus.
func NewNMJoiner(iface string) (*NMJoiner, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("softap: connect to system bus: %w", err)
	}
	var version string
	if err := conn.Object(nmBus, nmPath).StoreProperty(nmIface+".Version", &version); err != nil {
		conn.Close()
		return nil, fmt.Errorf("softap: networkmanager not reachable: %w", err)
	}
	slog.Debug("[SoftAP] networkmanager found", "version", version)
	return &NMJoiner{Interface: iface, conn: conn}, nil
}

// Close releases the bus connection.
func (j *NMJoiner) Close() {
	j.conn.Close()
}

func (j *NMJoiner) Join(ctx context.Context, ssid string) error {
	device, err := j.device()
	if err != nil {
		return err
	}

	nm := j.conn.Object(nmBus, nmPath)
	call := nm.CallWithContext(ctx, nmIface+".AddAndActivateConnection", 0, nmSettings(ssid), device, dbus.ObjectPath("/"))
	if err := call.Store(&j.settings, &j.active); err != nil {
		return fmt.Errorf("softap: activate %q: %w", ssid, err)
	}
	slog.Info("[SoftAP] joining access point", "ssid", ssid, "device", string(device))

	if err := j.waitActivated(ctx); err != nil {
		_ = j.Leave(context.Background())
		return err
	}
	return nil
}

// device resolves the wireless device object path.
func (j *NMJoiner) device() (dbus.ObjectPath, error) {
	nm := j.conn.Object(nmBus, nmPath)
	var path dbus.ObjectPath
	if j.Interface != "" {
		if err := nm.Call(nmIface+".GetDeviceByIpIface", 0, j.Interface).Store(&path); err != nil {
			return "", fmt.Errorf("softap: device %s: %w", j.Interface, err)
		}
		return path, nil
	}

	var devices []dbus.ObjectPath
	if err := nm.Call(nmIface+".GetDevices", 0).Store(&devices); err != nil {
		return "", fmt.Errorf("softap: list devices: %w", err)
	}
	for _, d := range devices {
		var typ uint32
		if err := j.conn.Object(nmBus, d).StoreProperty(nmDeviceIface+".DeviceType", &typ); err != nil {
			continue
		}
		if typ == nmDeviceTypeWifi {
			return d, nil
		}
	}
	return "", errors.New("softap: no wireless device found")
}

func (j *NMJoiner) waitActivated(ctx context.Context) error {
	interval := j.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var state uint32
		if err := j.conn.Object(nmBus, j.active).StoreProperty(nmActiveIface+".State", &state); err != nil {
			return fmt.Errorf("softap: read activation state: %w", err)
		}
		done, err := activationDone(state)
		if done {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("softap: join: %w", ctx.Err())
		}
	}
}

// activationDone interprets an NMActiveConnectionState.
func activationDone(state uint32) (bool, error) {
	switch state {
	case nmActivated:
		return true, nil
	case nmDeactivating, nmDeactivated:
		return true, ErrJoinFailed
	}
	return false, nil
}

// Leave deactivates and deletes the temporary connection. NetworkManager
// then falls back to the previously active network on its own.
func (j *NMJoiner) Leave(ctx context.Context) error {
	if j.settings == "" {
		return nil
	}
	var errs []error
	nm := j.conn.Object(nmBus, nmPath)
	if j.active != "" {
		if err := nm.CallWithContext(ctx, nmIface+".DeactivateConnection", 0, j.active).Err; err != nil {
			errs = append(errs, fmt.Errorf("deactivate: %w", err))
		}
	}
	if err := j.conn.Object(nmBus, j.settings).CallWithContext(ctx, nmConnIface+".Delete", 0).Err; err != nil {
		errs = append(errs, fmt.Errorf("delete connection: %w", err))
	}
	j.settings, j.active = "", ""
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("softap: leave: %w", err)
	}
	return nil
}

// nmSettings is the connection profile for an open access point.
func nmSettings(ssid string) map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		"connection": {
			"id":          dbus.MakeVariant(nmConnectionID),
			"type":        dbus.MakeVariant("802-11-wireless"),
			"autoconnect": dbus.MakeVariant(false),
		},
		"802-11-wireless": {
			"ssid": dbus.MakeVariant([]byte(ssid)),
			"mode": dbus.MakeVariant("infrastructure"),
		},
		"ipv4": {"method": dbus.MakeVariant("auto")},
		"ipv6": {"method": dbus.MakeVariant("ignore")},
	}
}
