package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/wifiprov/internal/ble"
	"github.com/chaz8081/wifiprov/internal/proto"
	"github.com/chaz8081/wifiprov/internal/wifi"
)

// deviceFlags selects the BLE device to talk to.
type deviceFlags struct {
	address string
}

func (f *deviceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.address, "device", "d", "", "device address (default: strongest advertising device)")
}

// wifiFlags override the wifi section of the config.
type wifiFlags struct {
	ssid       string
	bssid      string
	passphrase string
	volatile   bool
	derivePSK  bool
	timeout    time.Duration
}

func (f *wifiFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.ssid, "ssid", "s", "", "network to join")
	fs.StringVar(&f.bssid, "bssid", "", "access point to join (default: strongest for ssid)")
	fs.StringVarP(&f.passphrase, "passphrase", "p", "", "network passphrase (or set WIFIPROV_PASSPHRASE)")
	fs.BoolVar(&f.volatile, "volatile", false, "keep credentials in device RAM only")
	fs.BoolVar(&f.derivePSK, "derive-psk", false, "send the derived WPA2 key instead of the passphrase")
	fs.DurationVar(&f.timeout, "timeout", 0, "wait for the device to connect (default: wifi.connect_timeout)")
}

// target merges flags over the config file values.
func (a *app) target(cmd *cobra.Command, f *wifiFlags) wifi.Target {
	w := a.cfg.Wifi
	fs := cmd.Flags()
	if fs.Changed("ssid") {
		w.SSID = f.ssid
	}
	if fs.Changed("bssid") {
		w.BSSID = f.bssid
	}
	if fs.Changed("passphrase") {
		w.Passphrase = f.passphrase
	}
	if fs.Changed("volatile") {
		w.Volatile = f.volatile
	}
	if fs.Changed("derive-psk") {
		w.DerivePSK = f.derivePSK
	}
	return wifi.Target{
		SSID:       w.SSID,
		BSSID:      w.BSSID,
		Passphrase: w.Passphrase,
		Volatile:   w.Volatile,
		DerivePSK:  w.DerivePSK,
	}
}

// scanParams builds device scan parameters from the configured band.
func (a *app) scanParams(band string, passive bool) (*proto.ScanParams, error) {
	b, err := proto.ParseBand(band)
	if err != nil {
		return nil, err
	}
	params := &proto.ScanParams{}
	if b != proto.BandAny {
		params.Band = proto.Ptr(b)
	}
	if passive {
		params.Passive = proto.Ptr(true)
	}
	return params, nil
}

func (a *app) sessionOptions() ble.SessionOptions {
	c := a.cfg.BLE
	return ble.SessionOptions{
		ConnectTimeout:  c.ConnectTimeout,
		ConnectRetries:  c.ConnectRetries,
		ReconnectMax:    c.ReconnectMax,
		ResponseTimeout: c.ResponseTimeout,
		Metrics:         a.metrics,
	}
}

// adapter returns the host BLE adapter, running the BlueZ preflight first on
// Linux when configured.
func (a *app) adapter() (ble.Adapter, error) {
	if runtime.GOOS == "linux" && a.cfg.BLE.Preflight {
		if err := ble.Preflight(a.cfg.BLE.AdapterPath, true); err != nil {
			return nil, err
		}
	}
	return ble.NewTinyGoAdapter(), nil
}

// connect opens a session to the selected device, scanning for one when no
// address was given.
func (a *app) connect(ctx context.Context, f *deviceFlags) (*ble.Session, error) {
	adapter, err := a.adapter()
	if err != nil {
		return nil, err
	}
	address := f.address
	if address == "" {
		devices, err := ble.ScanForDevices(ctx, adapter, a.cfg.BLE.ScanTimeout)
		if err != nil {
			return nil, err
		}
		if len(devices) == 0 {
			return nil, errors.New("no provisioning device found, use --device or move closer")
		}
		address = devices[0].MAC
		slog.Info("[BLE] selected device", "name", devices[0].Name, "address", address, "rssi", devices[0].RSSI)
	}

	s := ble.NewSession(adapter, address, a.sessionOptions())
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (a *app) devicesCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List nearby devices advertising the provisioning service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("timeout") {
				timeout = a.cfg.BLE.ScanTimeout
			}
			adapter, err := a.adapter()
			if err != nil {
				return err
			}
			devices, err := ble.ScanForDevices(cmd.Context(), adapter, timeout)
			if err != nil {
				return err
			}
			printDevices(cmd.OutOrStdout(), devices)
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "scan duration (default: ble.scan_timeout)")
	return cmd
}

func printDevices(out io.Writer, devices []ble.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices found.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI\tPROVISIONED\tWIFI")
	for _, d := range devices {
		prov, wifiState := "?", "?"
		if st, ok := d.Status(); ok {
			prov = yesNo(st.Provisioned)
			wifiState = "disconnected"
			if st.WifiConnected {
				wifiState = fmt.Sprintf("connected (%d dBm)", st.WifiRSSI)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", d.MAC, d.Name, d.RSSI, prov, wifiState)
	}
	tw.Flush()
}

func (a *app) statusCommand() *cobra.Command {
	var df deviceFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the device connection and provisioning state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.connect(cmd.Context(), &df)
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := s.GetStatus(cmd.Context())
			if err != nil {
				return err
			}
			version, _ := s.Version()
			printStatus(cmd.OutOrStdout(), s.Address(), version, st)
			return nil
		},
	}
	df.register(cmd)
	return cmd
}

func printStatus(out io.Writer, address string, version uint32, st *proto.DeviceStatus) {
	fmt.Fprintf(out, "Device:       %s (protocol v%d)\n", address, version)
	state := "unknown"
	if st.State != nil {
		state = st.State.String()
	}
	fmt.Fprintf(out, "State:        %s\n", state)
	if info := st.ProvisioningInfo; info != nil {
		fmt.Fprintf(out, "Provisioned:  %q %s ch%d %s\n", info.SSID, wifi.FormatMAC(info.BSSID), info.Channel, info.AuthOrOpen())
	} else {
		fmt.Fprintln(out, "Provisioned:  no")
	}
	if ip := st.ConnectionInfo.IP(); ip != nil {
		fmt.Fprintf(out, "IP address:   %s\n", ip)
	}
}

func (a *app) networksCommand() *cobra.Command {
	var (
		df       deviceFlags
		duration time.Duration
		band     string
		passive  bool
	)
	cmd := &cobra.Command{
		Use:   "networks",
		Short: "Scan for Wi-Fi networks from the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("band") {
				band = a.cfg.Wifi.Band
			}
			params, err := a.scanParams(band, passive)
			if err != nil {
				return err
			}
			s, err := a.connect(cmd.Context(), &df)
			if err != nil {
				return err
			}
			defer s.Close()

			list, err := ble.ScanNetworks(cmd.Context(), s, params, duration, nil)
			if err != nil {
				return err
			}
			printNetworks(cmd.OutOrStdout(), list.Sorted())
			return nil
		},
	}
	df.register(cmd)
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "how long to collect scan results")
	cmd.Flags().StringVar(&band, "band", "", "restrict the scan to 2.4 or 5 GHz")
	cmd.Flags().BoolVar(&passive, "passive", false, "passive scan")
	return cmd
}

func printNetworks(out io.Writer, aps []wifi.AccessPoint) {
	if len(aps) == 0 {
		fmt.Fprintln(out, "No networks found.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SSID\tBSSID\tBAND\tCH\tRSSI\tSECURITY")
	for _, ap := range aps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", ap.SSID, ap.BSSID, ap.Band, ap.Channel, ap.RSSI, ap.Auth)
	}
	tw.Flush()
}

func (a *app) provisionCommand() *cobra.Command {
	var (
		df       deviceFlags
		wf       wifiFlags
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Send Wi-Fi credentials over BLE and wait for the device to connect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			target := a.target(cmd, &wf)
			timeout := a.cfg.Wifi.ConnectTimeout
			if cmd.Flags().Changed("timeout") {
				timeout = wf.timeout
			}
			params, err := a.scanParams(a.cfg.Wifi.Band, false)
			if err != nil {
				return err
			}

			s, err := a.connect(ctx, &df)
			if err != nil {
				return err
			}
			defer s.Close()

			// The device needs channel, band and BSSID, which only its own
			// scan provides.
			list, err := ble.ScanNetworks(ctx, s, params, duration, nil)
			if err != nil {
				return err
			}
			cfg, ap, err := target.Resolve(list)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Provisioning %q (%s, ch%d, %s)\n", ap.SSID, ap.BSSID, ap.Channel, ap.Auth)

			opts := ble.ProvisionOptions{Timeout: timeout}
			res, err := ble.Provision(ctx, s, cfg, opts, func(st proto.ConnectionState) {
				fmt.Fprintf(out, "  %s\n", st)
			})
			if err != nil {
				return err
			}
			if res.IP != nil {
				fmt.Fprintf(out, "Connected, device address %s\n", res.IP)
			} else {
				fmt.Fprintln(out, "Connected")
			}
			return nil
		},
	}
	df.register(cmd)
	wf.register(cmd)
	cmd.Flags().DurationVar(&duration, "scan", 5*time.Second, "device scan duration before provisioning")
	return cmd
}

func (a *app) forgetCommand() *cobra.Command {
	var (
		df          deviceFlags
		removeCache bool
	)
	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Erase the stored Wi-Fi credentials on the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.connect(cmd.Context(), &df)
			if err != nil {
				return err
			}
			err = s.ForgetConfig(cmd.Context())
			s.Close()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Credentials erased")

			if removeCache && runtime.GOOS == "linux" {
				b, err := ble.NewBlueZ(a.cfg.BLE.AdapterPath)
				if err != nil {
					return err
				}
				defer b.Close()
				if err := b.RemoveDevice(s.Address()); err != nil {
					return err
				}
				slog.Info("[BLE] removed cached device", "address", s.Address())
			}
			return nil
		},
	}
	df.register(cmd)
	cmd.Flags().BoolVar(&removeCache, "remove-cache", true, "drop the BlueZ device cache so fresh advertisements are seen (Linux)")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
