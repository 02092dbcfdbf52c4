package core

import (
	"fmt"
	"log/slog"
	"math/bits"
	"net/netip"

	"github.com/DaniilSokolyuk/go-netecho/core/device"
)

// DeviceID is the registry handle of a device. It doubles as the stack's
// NIC ID; the zero value never names a device.
type DeviceID uint32

// InterfaceID is the handle of an IP interface binding; the zero value
// never names an interface.
type InterfaceID uint32

// Device is a registered network attachment point.
type Device struct {
	ID   DeviceID
	Name string
	Kind device.Kind
	Type string

	driver device.Driver
	link   device.Device

	// iface is the interface registered on this device, zero if none.
	iface InterfaceID
}

// IPInterface binds an IPv4 address and netmask to a device. Device is a
// lookup handle into the registry, not an owning reference.
type IPInterface struct {
	ID      InterfaceID
	Address netip.Addr
	Netmask netip.Addr
	Device  DeviceID

	registered bool
}

// Prefix returns the interface address with the netmask's prefix length.
func (i IPInterface) Prefix() netip.Prefix {
	return netip.PrefixFrom(i.Address, maskBits(i.Netmask))
}

// Registered reports whether the interface is attached to the forwarding
// path.
func (i IPInterface) Registered() bool {
	return i.registered
}

// RouteEntry is the default route: every destination without a more
// specific route goes to Gateway through Interface.
type RouteEntry struct {
	Interface InterfaceID
	Gateway   netip.Addr
}

// RegisterDevice adds drv to the registry. The driver's resources are
// acquired by Start.
func (r *Runtime) RegisterDevice(drv device.Driver) (DeviceID, error) {
	if st := r.State(); st != StateInitialized {
		return 0, fmt.Errorf("%w: runtime is %s", ErrDevice, st)
	}
	if drv == nil {
		return 0, fmt.Errorf("%w: nil driver", ErrDevice)
	}
	name := drv.Name()
	if name == "" {
		return 0, fmt.Errorf("%w: device name is empty", ErrDevice)
	}
	for _, dev := range r.devices {
		if dev.Name == name {
			return 0, fmt.Errorf("%w: device %s already registered", ErrDevice, name)
		}
	}

	dev := &Device{
		ID:     DeviceID(len(r.devices) + 1),
		Name:   name,
		Kind:   drv.Kind(),
		Type:   drv.Type(),
		driver: drv,
	}
	r.devices = append(r.devices, dev)

	slog.Debug("Device registered", "id", dev.ID, "name", dev.Name, "kind", dev.Kind, "type", dev.Type)
	return dev.ID, nil
}

// BindInterface allocates an IP interface for a registered device. The
// interface takes part in routing only after RegisterInterface.
func (r *Runtime) BindInterface(dev DeviceID, address, netmask string) (InterfaceID, error) {
	if st := r.State(); st != StateInitialized {
		return 0, fmt.Errorf("%w: runtime is %s", ErrBind, st)
	}
	if _, ok := r.device(dev); !ok {
		return 0, fmt.Errorf("%w: device %d is not registered", ErrBind, dev)
	}

	addr, err := parseUnicast(address)
	if err != nil {
		return 0, fmt.Errorf("%w: address: %w", ErrBind, err)
	}
	mask, err := parseNetmask(netmask)
	if err != nil {
		return 0, fmt.Errorf("%w: netmask: %w", ErrBind, err)
	}

	iface := &IPInterface{
		ID:      InterfaceID(len(r.interfaces) + 1),
		Address: addr,
		Netmask: mask,
		Device:  dev,
	}
	r.interfaces = append(r.interfaces, iface)
	return iface.ID, nil
}

// RegisterInterface attaches a bound interface to dev. A device carries
// at most one interface and an address may be registered only once.
func (r *Runtime) RegisterInterface(dev DeviceID, id InterfaceID) error {
	if st := r.State(); st != StateInitialized {
		return fmt.Errorf("%w: runtime is %s", ErrRegistration, st)
	}
	d, ok := r.device(dev)
	if !ok {
		return fmt.Errorf("%w: device %d is not registered", ErrRegistration, dev)
	}
	iface, ok := r.iface(id)
	if !ok {
		return fmt.Errorf("%w: interface %d is not bound", ErrRegistration, id)
	}

	switch {
	case iface.Device != dev:
		return fmt.Errorf("%w: interface %s is bound to device %d, not %s", ErrRegistration, iface.Address, iface.Device, d.Name)
	case iface.registered:
		return fmt.Errorf("%w: interface %s already registered", ErrRegistration, iface.Address)
	case d.iface != 0:
		return fmt.Errorf("%w: device %s already has interface %s", ErrRegistration, d.Name, r.interfaces[d.iface-1].Address)
	}
	for _, other := range r.interfaces {
		if other.registered && other.Address == iface.Address {
			return fmt.Errorf("%w: address %s already registered", ErrRegistration, iface.Address)
		}
	}

	iface.registered = true
	d.iface = id

	slog.Debug("Interface attached", "device", d.Name, "address", iface.Address.String(), "netmask", iface.Netmask.String())
	return nil
}

// SetDefaultRoute installs the default route through a registered
// interface, replacing any previous one.
func (r *Runtime) SetDefaultRoute(id InterfaceID, gateway string) error {
	if st := r.State(); st != StateInitialized {
		return fmt.Errorf("%w: runtime is %s", ErrRoute, st)
	}
	iface, ok := r.iface(id)
	if !ok || !iface.registered {
		return fmt.Errorf("%w: interface %d is not registered", ErrRoute, id)
	}
	gw, err := parseUnicast(gateway)
	if err != nil {
		return fmt.Errorf("%w: gateway: %w", ErrRoute, err)
	}

	if prev := r.defaultRoute; prev != nil {
		slog.Debug("Replacing default route", "gateway", prev.Gateway.String())
	}
	r.defaultRoute = &RouteEntry{Interface: id, Gateway: gw}
	return nil
}

// Device returns a copy of a registered device.
func (r *Runtime) Device(id DeviceID) (Device, bool) {
	d, ok := r.device(id)
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Interface returns a copy of a bound interface.
func (r *Runtime) Interface(id InterfaceID) (IPInterface, bool) {
	i, ok := r.iface(id)
	if !ok {
		return IPInterface{}, false
	}
	return *i, true
}

// Interfaces returns the registered interfaces in registration order of
// their bindings.
func (r *Runtime) Interfaces() []IPInterface {
	out := make([]IPInterface, 0, len(r.interfaces))
	for _, i := range r.interfaces {
		if i.registered {
			out = append(out, *i)
		}
	}
	return out
}

// DefaultRoute returns the active default route.
func (r *Runtime) DefaultRoute() (RouteEntry, bool) {
	if r.defaultRoute == nil {
		return RouteEntry{}, false
	}
	return *r.defaultRoute, true
}

func (r *Runtime) device(id DeviceID) (*Device, bool) {
	if id == 0 || int(id) > len(r.devices) {
		return nil, false
	}
	return r.devices[id-1], true
}

func (r *Runtime) iface(id InterfaceID) (*IPInterface, bool) {
	if id == 0 || int(id) > len(r.interfaces) {
		return nil, false
	}
	return r.interfaces[id-1], true
}

func parseUnicast(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", s)
	}
	if addr.IsUnspecified() || addr.IsMulticast() || addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return netip.Addr{}, fmt.Errorf("%s is not a unicast address", s)
	}
	return addr, nil
}

func parseNetmask(s string) (netip.Addr, error) {
	mask, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	mask = mask.Unmap()
	if !mask.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 netmask", s)
	}
	m := maskUint32(mask)
	// Contiguous masks have all-ones below their lowest set bit once
	// inverted.
	if m == 0 || (^m)&(^m+1) != 0 {
		return netip.Addr{}, fmt.Errorf("%s is not a contiguous netmask", s)
	}
	return mask, nil
}

func maskUint32(mask netip.Addr) uint32 {
	b := mask.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func maskBits(mask netip.Addr) int {
	return bits.OnesCount32(maskUint32(mask))
}
