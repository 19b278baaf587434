package softap

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestEndpointFromEntry(t *testing.T) {
	q := Query{Service: "_http._tcp", Domain: "local.", Instance: "wifiprov"}

	entry := zeroconf.NewServiceEntry("wifiprov", q.Service, q.Domain)
	entry.HostName = "wifiprov.local."
	entry.Port = 443
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.0.1")}
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	ep, ok := endpointFromEntry(entry, q)
	if !ok {
		t.Fatal("endpointFromEntry() rejected a complete entry")
	}
	if ep.Host != "wifiprov.local" {
		t.Errorf("Host = %q, want trailing dot trimmed", ep.Host)
	}
	if len(ep.Addrs) != 2 || ep.Addr() != "192.168.0.1:443" {
		t.Errorf("Endpoint = %+v, Addr() = %q", ep, ep.Addr())
	}

	other := zeroconf.NewServiceEntry("printer", q.Service, q.Domain)
	other.Port = 443
	other.AddrIPv4 = entry.AddrIPv4
	if _, ok := endpointFromEntry(other, q); ok {
		t.Error("endpointFromEntry() accepted another instance")
	}

	unresolved := zeroconf.NewServiceEntry("wifiprov", q.Service, q.Domain)
	unresolved.Port = 443
	if _, ok := endpointFromEntry(unresolved, q); ok {
		t.Error("endpointFromEntry() accepted an entry without addresses")
	}
	if _, ok := endpointFromEntry(nil, q); ok {
		t.Error("endpointFromEntry(nil) should be rejected")
	}
}
