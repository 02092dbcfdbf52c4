package core

import (
	"net"
	"net/netip"
	"testing"

	"github.com/DaniilSokolyuk/go-netecho/core/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var testMAC = net.HardwareAddr{0x00, 0x00, 0x5e, 0x00, 0x53, 0x01}

func initialized(t *testing.T) *Runtime {
	t.Helper()
	rt := New()
	require.NoError(t, rt.Initialize())
	t.Cleanup(rt.Shutdown)
	return rt
}

func TestRegisterDevice(t *testing.T) {
	rt := initialized(t)

	lo, err := rt.RegisterDevice(device.NewLoopback("lo"))
	require.NoError(t, err)
	tap, err := rt.RegisterDevice(device.NewPipe(device.EtherConfig{Name: "tap0", MAC: testMAC}))
	require.NoError(t, err)
	assert.NotEqual(t, lo, tap)

	d, ok := rt.Device(tap)
	require.True(t, ok)
	assert.Equal(t, "tap0", d.Name)
	assert.Equal(t, device.KindTapLink, d.Kind)
	assert.Equal(t, "pipe", d.Type)

	_, err = rt.RegisterDevice(device.NewLoopback("lo"))
	assert.ErrorIs(t, err, ErrDevice)

	_, err = rt.RegisterDevice(nil)
	assert.ErrorIs(t, err, ErrDevice)

	_, ok = rt.Device(0)
	assert.False(t, ok)
}

func TestRegisterDeviceBeforeInitialize(t *testing.T) {
	rt := New()
	_, err := rt.RegisterDevice(device.NewLoopback("lo"))
	assert.ErrorIs(t, err, ErrDevice)
}

func TestBindInterface(t *testing.T) {
	rt := initialized(t)
	dev, err := rt.RegisterDevice(device.NewLoopback("lo"))
	require.NoError(t, err)

	id, err := rt.BindInterface(dev, "127.0.0.1", "255.0.0.0")
	require.NoError(t, err)

	iface, ok := rt.Interface(id)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), iface.Address)
	assert.Equal(t, netip.MustParsePrefix("127.0.0.1/8"), iface.Prefix())
	assert.Equal(t, dev, iface.Device)
	assert.False(t, iface.Registered())

	tests := []struct {
		name    string
		dev     DeviceID
		address string
		netmask string
	}{
		{"unregistered device", 9, "192.0.2.1", "255.255.255.0"},
		{"zero device", 0, "192.0.2.1", "255.255.255.0"},
		{"garbage address", dev, "not-an-ip", "255.255.255.0"},
		{"ipv6 address", dev, "2001:db8::1", "255.255.255.0"},
		{"unspecified address", dev, "0.0.0.0", "255.255.255.0"},
		{"multicast address", dev, "224.0.0.1", "255.255.255.0"},
		{"broadcast address", dev, "255.255.255.255", "255.255.255.0"},
		{"non contiguous mask", dev, "192.0.2.1", "255.0.255.0"},
		{"zero mask", dev, "192.0.2.1", "0.0.0.0"},
		{"garbage mask", dev, "192.0.2.1", "/24"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.BindInterface(tt.dev, tt.address, tt.netmask)
			assert.ErrorIs(t, err, ErrBind)
		})
	}
}

func TestRegisterInterface(t *testing.T) {
	rt := initialized(t)
	lo, err := rt.RegisterDevice(device.NewLoopback("lo"))
	require.NoError(t, err)
	tap, err := rt.RegisterDevice(device.NewPipe(device.EtherConfig{Name: "tap0", MAC: testMAC}))
	require.NoError(t, err)

	loIface, err := rt.BindInterface(lo, "127.0.0.1", "255.0.0.0")
	require.NoError(t, err)
	tapIface, err := rt.BindInterface(tap, "192.0.2.1", "255.255.255.0")
	require.NoError(t, err)

	// bound to another device
	assert.ErrorIs(t, rt.RegisterInterface(lo, tapIface), ErrRegistration)
	// unknown handles
	assert.ErrorIs(t, rt.RegisterInterface(7, loIface), ErrRegistration)
	assert.ErrorIs(t, rt.RegisterInterface(lo, 7), ErrRegistration)

	require.NoError(t, rt.RegisterInterface(lo, loIface))
	require.NoError(t, rt.RegisterInterface(tap, tapIface))

	// twice
	assert.ErrorIs(t, rt.RegisterInterface(lo, loIface), ErrRegistration)

	// a second interface on a device that has one
	extra, err := rt.BindInterface(lo, "127.0.0.2", "255.0.0.0")
	require.NoError(t, err)
	assert.ErrorIs(t, rt.RegisterInterface(lo, extra), ErrRegistration)

	ifaces := rt.Interfaces()
	require.Len(t, ifaces, 2)
	assert.True(t, ifaces[0].Registered())
	assert.Equal(t, "192.0.2.1", ifaces[1].Address.String())
}

func TestRegisterInterfaceDuplicateAddress(t *testing.T) {
	rt := initialized(t)
	a, err := rt.RegisterDevice(device.NewPipe(device.EtherConfig{Name: "tap0", MAC: testMAC}))
	require.NoError(t, err)
	b, err := rt.RegisterDevice(device.NewPipe(device.EtherConfig{Name: "tap1", MAC: testMAC}))
	require.NoError(t, err)

	ia, err := rt.BindInterface(a, "192.0.2.1", "255.255.255.0")
	require.NoError(t, err)
	ib, err := rt.BindInterface(b, "192.0.2.1", "255.255.255.0")
	require.NoError(t, err)

	require.NoError(t, rt.RegisterInterface(a, ia))
	assert.ErrorIs(t, rt.RegisterInterface(b, ib), ErrRegistration)
}

func TestUnregisteredDeviceDoesNotTouchRoutes(t *testing.T) {
	rt := initialized(t)
	dev, err := rt.RegisterDevice(device.NewPipe(device.EtherConfig{Name: "tap0", MAC: testMAC}))
	require.NoError(t, err)
	iface, err := rt.BindInterface(dev, "192.0.2.1", "255.255.255.0")
	require.NoError(t, err)
	require.NoError(t, rt.RegisterInterface(dev, iface))
	require.NoError(t, rt.SetDefaultRoute(iface, "192.0.2.254"))

	before := rt.Routes()
	defBefore, _ := rt.DefaultRoute()

	_, err = rt.BindInterface(42, "198.51.100.1", "255.255.255.0")
	assert.ErrorIs(t, err, ErrBind)
	assert.ErrorIs(t, rt.RegisterInterface(42, iface), ErrRegistration)

	assert.Equal(t, before, rt.Routes())
	defAfter, ok := rt.DefaultRoute()
	require.True(t, ok)
	assert.Equal(t, defBefore, defAfter)
}

func TestSetDefaultRoute(t *testing.T) {
	rt := initialized(t)
	lo, err := rt.RegisterDevice(device.NewLoopback("lo"))
	require.NoError(t, err)
	tap, err := rt.RegisterDevice(device.NewPipe(device.EtherConfig{Name: "tap0", MAC: testMAC}))
	require.NoError(t, err)

	loIface, err := rt.BindInterface(lo, "127.0.0.1", "255.0.0.0")
	require.NoError(t, err)
	require.NoError(t, rt.RegisterInterface(lo, loIface))
	tapIface, err := rt.BindInterface(tap, "192.0.2.1", "255.255.255.0")
	require.NoError(t, err)

	_, ok := rt.DefaultRoute()
	assert.False(t, ok)

	// bound but not registered
	assert.ErrorIs(t, rt.SetDefaultRoute(tapIface, "192.0.2.254"), ErrRoute)
	assert.ErrorIs(t, rt.SetDefaultRoute(99, "192.0.2.254"), ErrRoute)

	require.NoError(t, rt.RegisterInterface(tap, tapIface))
	assert.ErrorIs(t, rt.SetDefaultRoute(tapIface, "bogus"), ErrRoute)

	require.NoError(t, rt.SetDefaultRoute(loIface, "127.0.0.254"))
	require.NoError(t, rt.SetDefaultRoute(tapIface, "192.0.2.254"))

	def, ok := rt.DefaultRoute()
	require.True(t, ok)
	assert.Equal(t, tapIface, def.Interface)
	assert.Equal(t, netip.MustParseAddr("192.0.2.254"), def.Gateway)

	var defaults []tcpip.Route
	for _, r := range rt.Routes() {
		if r.Destination == header.IPv4EmptySubnet {
			defaults = append(defaults, r)
		}
	}
	require.Len(t, defaults, 1)
	assert.Equal(t, tcpip.AddrFrom4([4]byte{192, 0, 2, 254}), defaults[0].Gateway)
	assert.Equal(t, tcpip.NICID(tap), defaults[0].NIC)
}

func TestRouteTableOrder(t *testing.T) {
	rt := initialized(t)
	lo, err := rt.RegisterDevice(device.NewLoopback("lo"))
	require.NoError(t, err)
	iface, err := rt.BindInterface(lo, "127.0.0.1", "255.0.0.0")
	require.NoError(t, err)
	require.NoError(t, rt.RegisterInterface(lo, iface))
	require.NoError(t, rt.SetDefaultRoute(iface, "127.0.0.254"))

	routes := rt.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, MustSubnet(netip.MustParsePrefix("127.0.0.0/8")), routes[0].Destination)
	assert.Equal(t, header.IPv4EmptySubnet, routes[1].Destination)
}

func TestMustSubnet(t *testing.T) {
	subnet := MustSubnet(netip.MustParsePrefix("192.0.2.1/24"))
	assert.Equal(t, 24, subnet.Prefix())
	assert.True(t, subnet.Contains(tcpip.AddrFrom4([4]byte{192, 0, 2, 77})))
	assert.False(t, subnet.Contains(tcpip.AddrFrom4([4]byte{192, 0, 3, 1})))
}
