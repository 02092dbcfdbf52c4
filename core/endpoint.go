package core

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	M "github.com/sagernet/sing/common/metadata"
	"gvisor.dev/gvisor/pkg/tcpip"
)

// Endpoint names one side of a UDP exchange. It is a value type and
// compares by address and port.
type Endpoint = M.Socksaddr

// ParseEndpoint parses the "address:port" form.
func ParseEndpoint(s string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: invalid port: %w", s, err)
	}
	return M.SocksaddrFrom(addr.Unmap(), uint16(p)), nil
}

// MustParseEndpoint is like ParseEndpoint but panics on error.
func MustParseEndpoint(s string) Endpoint {
	ep, err := ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return ep
}

// FormatEndpoint renders ep back into the "address:port" form.
func FormatEndpoint(ep Endpoint) string {
	if ep.IsIP() {
		return ep.AddrPort().String()
	}
	return ep.String()
}

func endpointFromFull(addr tcpip.FullAddress) Endpoint {
	return M.SocksaddrFrom(AddrFromAddress(addr.Addr), addr.Port)
}

func AddrFromAddress(address tcpip.Address) netip.Addr {
	switch address.Len() {
	case 16:
		return netip.AddrFrom16(address.As16()).Unmap()
	case 4:
		return netip.AddrFrom4(address.As4())
	default:
		return netip.Addr{}
	}
}

func AddressFromAddr(destination netip.Addr) tcpip.Address {
	if destination.Is6() {
		return tcpip.AddrFrom16(destination.As16())
	}
	return tcpip.AddrFrom4(destination.As4())
}
