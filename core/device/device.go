package device

import (
	"net"
	"net/netip"

	"github.com/DaniilSokolyuk/go-netecho/cfg"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// Kind is the class of attachment a driver provides.
type Kind string

const (
	KindLoopback Kind = "loopback"
	KindTapLink  Kind = "tap-link"
)

const defaultMTU = 1500

// Device is the interface that implemented by network layer devices (e.g. tap),
// and easy to use as stack.LinkEndpoint.
type Device interface {
	stack.LinkEndpoint

	// Name returns the current name of the device.
	Name() string

	// Type returns the driver type of the device.
	Type() string
}

// Driver describes a device before it is brought up. Open acquires the
// underlying resources and returns the link endpoint the runtime attaches
// as NIC nicID.
type Driver interface {
	Name() string
	Type() string
	Kind() Kind
	Open(nicID tcpip.NICID, stacker Stacker) (Device, error)
}

// Announcer is implemented by link-layer devices that can announce an
// address to their segment once it is assigned.
type Announcer interface {
	Announce(addr netip.Addr) error
}

// Stacker is the part of the stack a device feeds learned neighbors into.
type Stacker interface {
	AddStaticNeighbor(nicID tcpip.NICID, protocol tcpip.NetworkProtocolNumber, addr tcpip.Address, linkAddr tcpip.LinkAddress) tcpip.Error
}

// EtherConfig holds the parameters shared by ethernet-framed drivers.
type EtherConfig struct {
	Name    string
	MAC     net.HardwareAddr
	MTU     uint32
	Capture cfg.Capture
}

func (c EtherConfig) mtu() uint32 {
	if c.MTU == 0 {
		return defaultMTU
	}
	return c.MTU
}
