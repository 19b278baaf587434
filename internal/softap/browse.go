package softap

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// Query selects an mDNS service instance.
type Query struct {
	Service  string // e.g. _http._tcp
	Domain   string // e.g. local.
	Instance string
}

// Endpoint is a resolved device HTTP service.
type Endpoint struct {
	Instance string
	Host     string // host name from the SRV record, without trailing dot
	Addrs    []net.IP
	Port     int
}

// Addr returns host:port to dial, preferring IPv4.
func (e Endpoint) Addr() string {
	host := e.Host
	if len(e.Addrs) > 0 {
		host = e.Addrs[0].String()
	}
	for _, ip := range e.Addrs {
		if ip.To4() != nil {
			host = ip.String()
			break
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// Browser resolves a device service on the local link.
type Browser interface {
	// Browse blocks until the instance is resolved or ctx ends, in which
	// case it returns ErrDeviceNotFound.
	Browse(ctx context.Context, q Query) (Endpoint, error)
}

// ZeroconfBrowser resolves services with multicast DNS.
type ZeroconfBrowser struct {
	// Interface restricts queries to one network interface. Empty uses all
	// multicast-capable interfaces.
	Interface string
}

func (b *ZeroconfBrowser) Browse(ctx context.Context, q Query) (Endpoint, error) {
	var opts []zeroconf.ClientOption
	if b.Interface != "" {
		iface, err := net.InterfaceByName(b.Interface)
		if err != nil {
			return Endpoint{}, fmt.Errorf("softap: interface %s: %w", b.Interface, err)
		}
		opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
	}
	resolver, err := zeroconf.NewResolver(opts...)
	if err != nil {
		return Endpoint{}, fmt.Errorf("softap: mdns resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err := resolver.Lookup(ctx, q.Instance, q.Service, q.Domain, entries); err != nil {
		return Endpoint{}, fmt.Errorf("softap: mdns lookup: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return Endpoint{}, ErrDeviceNotFound
			}
			ep, ok := endpointFromEntry(entry, q)
			if !ok {
				continue
			}
			slog.Debug("[SoftAP] resolved", "instance", ep.Instance, "addr", ep.Addr())
			return ep, nil
		case <-ctx.Done():
			return Endpoint{}, ErrDeviceNotFound
		}
	}
}

// endpointFromEntry accepts entries for the queried instance that carry at
// least one address.
func endpointFromEntry(e *zeroconf.ServiceEntry, q Query) (Endpoint, bool) {
	if e == nil || !strings.EqualFold(e.Instance, q.Instance) {
		return Endpoint{}, false
	}
	addrs := append(append([]net.IP(nil), e.AddrIPv4...), e.AddrIPv6...)
	if len(addrs) == 0 || e.Port == 0 {
		return Endpoint{}, false
	}
	return Endpoint{
		Instance: e.Instance,
		Host:     strings.TrimSuffix(e.HostName, "."),
		Addrs:    addrs,
		Port:     e.Port,
	}, true
}
