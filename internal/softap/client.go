package softap

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chaz8081/wifiprov/internal/proto"
	"github.com/chaz8081/wifiprov/internal/wifi"
)

const (
	networksPath  = "/prov/networks"
	configurePath = "/prov/configure"
	protobufType  = "application/x-protobuf"

	// maxBodySize bounds device responses. A full scan is a few KiB.
	maxBodySize = 1 << 20
)

// ClientOptions configures the device HTTPS client.
type ClientOptions struct {
	// Host is the name presented for SNI and certificate verification, and
	// sent as the Host header.
	Host string
	// CertPEM pins the device certificate. Only certificates chaining to it
	// are accepted.
	CertPEM []byte
	// Insecure disables certificate verification. Ignored when CertPEM is
	// set.
	Insecure bool
	Timeout  time.Duration
}

// LoadCert reads a PEM certificate file for ClientOptions.CertPEM.
func LoadCert(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("softap: read certificate: %w", err)
	}
	if !x509.NewCertPool().AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("softap: %s holds no PEM certificate", path)
	}
	return data, nil
}

// Client talks to the provisioning HTTP service of one device.
type Client struct {
	host   string
	client *http.Client
}

// NewClient returns a client that dials ep while presenting opts.Host.
func NewClient(ep Endpoint, opts ClientOptions) (*Client, error) {
	host := opts.Host
	if host == "" {
		host = ep.Host
	}
	if host == "" {
		return nil, errors.New("softap: no host name for tls verification")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: host,
	}
	switch {
	case len(opts.CertPEM) > 0:
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(opts.CertPEM) {
			return nil, errors.New("softap: pinned certificate is not valid PEM")
		}
		tlsCfg.RootCAs = pool
	case opts.Insecure:
		slog.Warn("[SoftAP] tls certificate verification disabled")
		tlsCfg.InsecureSkipVerify = true //nolint:gosec // explicit opt-in for devices without a known certificate
	}

	addr := ep.Addr()
	dialer := &net.Dialer{Timeout: opts.Timeout}
	transport := &http.Transport{
		TLSClientConfig: tlsCfg,
		// The URL carries the device host name, which may not resolve off
		// the SoftAP. Always dial the address found via mDNS.
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		DisableKeepAlives: true,
	}

	return &Client{
		host: host,
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
	}, nil
}

// Networks fetches the device's last scan.
func (c *Client) Networks(ctx context.Context) (*wifi.AccessPointList, error) {
	body, err := c.do(ctx, http.MethodGet, networksPath, nil)
	if err != nil {
		return nil, err
	}
	res, err := proto.UnmarshalScanResults(body)
	if err != nil {
		return nil, fmt.Errorf("softap: decode networks: %w", err)
	}

	list := wifi.NewAccessPointList()
	for i := range res.Results {
		list.Add(&res.Results[i])
	}
	return list, nil
}

// Configure posts credentials. The device leaves SoftAP mode once it has
// accepted them.
func (c *Client) Configure(ctx context.Context, cfg *proto.WifiConfig) error {
	if cfg == nil || cfg.Wifi == nil {
		return errors.New("softap: configure: missing wifi info")
	}
	data, err := proto.MarshalWifiConfig(cfg)
	if err != nil {
		return fmt.Errorf("softap: encode config: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, configurePath, data)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, "https://"+c.host+path, body)
	if err != nil {
		return nil, fmt.Errorf("softap: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", protobufType)
	}
	req.Header.Set("Accept", protobufType)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("softap: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("softap: %s %s: read body: %w", method, path, err)
	}
	slog.Debug("[SoftAP] request", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	return data, nil
}
