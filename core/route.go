package core

import (
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// routeTable renders the registry into the stack's route table: one
// on-link route per registered interface, then the default route. The
// stack picks the first matching entry.
func (r *Runtime) routeTable() []tcpip.Route {
	rt := make([]tcpip.Route, 0, len(r.interfaces)+1)
	for _, iface := range r.interfaces {
		if !iface.registered {
			continue
		}
		rt = append(rt, tcpip.Route{
			Destination: MustSubnet(iface.Prefix()),
			NIC:         tcpip.NICID(iface.Device),
		})
	}

	if def := r.defaultRoute; def != nil {
		iface := r.interfaces[def.Interface-1]
		rt = append(rt, tcpip.Route{
			Destination: header.IPv4EmptySubnet,
			Gateway:     AddressFromAddr(def.Gateway),
			NIC:         tcpip.NICID(iface.Device),
		})
	}

	return rt
}

// Routes returns the route table the runtime installs, or has installed,
// in the stack.
func (r *Runtime) Routes() []tcpip.Route {
	switch r.State() {
	case StateRunning, StateInterrupted:
		return r.stack.GetRouteTable()
	default:
		return r.routeTable()
	}
}

func MustSubnet(prefix netip.Prefix) tcpip.Subnet {
	masked := prefix.Masked()
	mask := tcpip.MaskFromBytes(make([]byte, 4))
	if bits := prefix.Bits(); bits > 0 {
		m := ^uint32(0) << (32 - bits)
		mask = tcpip.MaskFromBytes([]byte{byte(m >> 24), byte(m >> 16), byte(m >> 8), byte(m)})
	}

	subnet, err := tcpip.NewSubnet(AddressFromAddr(masked.Addr()), mask)
	if err != nil {
		panic(fmt.Sprintf("Unable to MustSubnet(%s): %s", prefix, err))
	}
	return subnet
}
