package main

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/chaz8081/wifiprov/internal/softap"
)

func (a *app) softAPCommand() *cobra.Command {
	var (
		wf       wifiFlags
		apSSID   string
		join     string
		iface    string
		certFile string
		insecure bool
		noVerify bool
	)
	cmd := &cobra.Command{
		Use:   "softap",
		Short: "Provision through the device access point and its HTTPS service",
		Long: `Joins the device access point, discovers its provisioning service over
mDNS, picks the target network from the device scan and posts the
credentials. Afterwards the host returns to its previous network and
waits for the device to show up there.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := a.cfg.SoftAP
			fs := cmd.Flags()
			if fs.Changed("ap-ssid") {
				c.SSID = apSSID
			}
			if fs.Changed("join") {
				c.Join = join
			}
			if fs.Changed("interface") {
				c.Interface = iface
			}
			if fs.Changed("cert") {
				c.CertFile = certFile
			}
			if fs.Changed("insecure") {
				c.Insecure = insecure
			}
			if fs.Changed("timeout") {
				c.VerifyTimeout = wf.timeout
			}
			if c.CertFile != "" && c.Insecure {
				return errors.New("--cert and --insecure are mutually exclusive")
			}

			target := a.target(cmd, &wf)
			if target.SSID == "" {
				return errors.New("no target network, set --ssid or wifi.ssid")
			}

			client := softap.ClientOptions{Host: c.Host, Insecure: c.Insecure, Timeout: c.RequestTimeout}
			if c.CertFile != "" {
				pem, err := softap.LoadCert(c.CertFile)
				if err != nil {
					return err
				}
				client.CertPEM = pem
			}

			joiner, closeJoiner, err := newJoiner(c.Join, c.Interface, cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer closeJoiner()

			out := cmd.OutOrStdout()
			p := softap.NewPipeline(joiner, &softap.ZeroconfBrowser{Interface: c.Interface}, softap.PipelineConfig{
				SoftAPSSID:       c.SSID,
				Query:            softap.Query{Service: c.Service, Domain: c.Domain, Instance: c.Instance},
				Client:           client,
				Target:           target,
				DiscoveryTimeout: c.DiscoveryTimeout,
				VerifyTimeout:    c.VerifyTimeout,
				SkipVerify:       noVerify,
				Metrics:          a.metrics,
				OnStage: func(ev softap.StageEvent) {
					printStage(out, ev)
				},
			})

			res, err := p.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Device configured for %q (%s)\n", res.Network.SSID, res.Network.BSSID)
			if res.Verified != nil {
				fmt.Fprintf(out, "Device reachable at %s\n", res.Verified.Addr())
			}
			return nil
		},
	}
	wf.register(cmd)
	fs := cmd.Flags()
	fs.StringVar(&apSSID, "ap-ssid", "", "device access point name (default: softap.ssid)")
	fs.StringVar(&join, "join", "", "how to join the access point: networkmanager or manual")
	fs.StringVarP(&iface, "interface", "i", "", "wireless interface for joining and mDNS")
	fs.StringVar(&certFile, "cert", "", "PEM certificate to pin the device service to")
	fs.BoolVar(&insecure, "insecure", false, "skip device certificate verification")
	fs.BoolVar(&noVerify, "no-verify", false, "do not wait for the device on the target network")
	return cmd
}

// newJoiner picks how the host moves onto the device access point.
func newJoiner(mode, iface string, in io.Reader, out io.Writer) (softap.Joiner, func(), error) {
	switch mode {
	case "manual":
		return &softap.ManualJoiner{In: in, Out: out}, func() {}, nil
	case "networkmanager", "":
		if runtime.GOOS != "linux" {
			return nil, nil, errors.New("join mode networkmanager needs Linux, use --join manual")
		}
		j, err := softap.NewNMJoiner(iface)
		if err != nil {
			return nil, nil, err
		}
		return j, j.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown join mode %q", mode)
}

func printStage(out io.Writer, ev softap.StageEvent) {
	switch ev.Status {
	case softap.StatusRunning:
		fmt.Fprintf(out, "  %-15s ...\n", ev.Stage)
	case softap.StatusFailed:
		fmt.Fprintf(out, "  %-15s failed: %v\n", ev.Stage, ev.Err)
	case softap.StatusDone, softap.StatusSkipped:
		fmt.Fprintf(out, "  %-15s %s\n", ev.Stage, ev.Status)
	}
}
