package core

import (
	"fmt"
	"log/slog"

	"github.com/DaniilSokolyuk/go-netecho/core/device"
	"github.com/DaniilSokolyuk/go-netecho/core/option"
	"go.uber.org/atomic"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// Runtime owns the packet-processing stack together with the device
// registry, the interface bindings and the routing table, and drives them
// through initialize, start, interrupt and shutdown.
//
// Topology is mutated by a single goroutine while the runtime is
// initialized; Interrupt is the only method safe to call concurrently with
// the others.
type Runtime struct {
	state atomic.Int32

	// done is closed exactly once, by the Interrupt call that moves the
	// runtime from running to interrupted.
	done chan struct{}

	options []option.Option
	stack   *stack.Stack

	devices      []*Device
	interfaces   []*IPInterface
	defaultRoute *RouteEntry
}

// New returns an uninitialized runtime. opts are applied to the stack by
// Initialize, after option.WithDefault.
func New(opts ...option.Option) *Runtime {
	return &Runtime{
		done:    make(chan struct{}),
		options: append([]option.Option{option.WithDefault()}, opts...),
	}
}

func (r *Runtime) State() State {
	return State(r.state.Load())
}

// Initialize creates the stack and empty topology containers.
func (r *Runtime) Initialize() error {
	if st := r.State(); st != StateUninitialized {
		return fmt.Errorf("%w: runtime is %s", ErrInitialization, st)
	}

	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{udp.NewProtocol, icmp.NewProtocol4},
		HandleLocal:        true,
	})

	for _, opt := range r.options {
		if err := opt(s); err != nil {
			s.Close()
			s.Wait()
			return fmt.Errorf("%w: %w", ErrInitialization, err)
		}
	}

	r.stack = s
	r.devices = nil
	r.interfaces = nil
	r.defaultRoute = nil
	r.state.Store(int32(StateInitialized))

	slog.Debug("Runtime initialized")
	return nil
}

// Start opens every registered device, attaches it to the stack, installs
// the registered addresses and routes and moves the runtime to running.
// It returns once all of that is in place and the devices' dispatch
// goroutines are running; it does not wait for peers on the links.
func (r *Runtime) Start() error {
	if st := r.State(); st != StateInitialized {
		return fmt.Errorf("%w: runtime is %s", ErrStart, st)
	}

	for _, dev := range r.devices {
		nicID := tcpip.NICID(dev.ID)

		link, err := dev.driver.Open(nicID, r.stack)
		if err != nil {
			return fmt.Errorf("%w: device %s failed to come up: %w", ErrStart, dev.Name, err)
		}
		dev.link = link

		if terr := r.stack.CreateNICWithOptions(nicID, link, stack.NICOptions{Name: dev.Name}); terr != nil {
			return fmt.Errorf("%w: create NIC %s: %s", ErrStart, dev.Name, terr)
		}
		slog.Debug("Device up", "id", dev.ID, "name", dev.Name, "type", link.Type())
	}

	for _, iface := range r.interfaces {
		if !iface.registered {
			continue
		}

		protocolAddress := tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   AddressFromAddr(iface.Address),
				PrefixLen: iface.Prefix().Bits(),
			},
		}
		if terr := r.stack.AddProtocolAddress(tcpip.NICID(iface.Device), protocolAddress, stack.AddressProperties{PEB: stack.CanBePrimaryEndpoint}); terr != nil {
			return fmt.Errorf("%w: add address %s: %s", ErrStart, iface.Address, terr)
		}
	}

	r.stack.SetRouteTable(r.routeTable())

	if !r.state.CompareAndSwap(int32(StateInitialized), int32(StateRunning)) {
		return fmt.Errorf("%w: runtime is %s", ErrStart, r.State())
	}

	r.announce()
	r.logTopology()
	return nil
}

// announce sends gratuitous ARP for interfaces on link-layer devices.
// Failures are not fatal: peers fall back to ARP resolution.
func (r *Runtime) announce() {
	for _, iface := range r.interfaces {
		if !iface.registered {
			continue
		}
		dev := r.devices[iface.Device-1]
		announcer, ok := dev.link.(device.Announcer)
		if !ok {
			continue
		}
		if err := announcer.Announce(iface.Address); err != nil {
			slog.Warn("Gratuitous ARP failed", "device", dev.Name, "address", iface.Address, "err", err)
		}
	}
}

func (r *Runtime) logTopology() {
	for _, iface := range r.interfaces {
		if !iface.registered {
			continue
		}
		slog.Info("Interface registered",
			"device", r.devices[iface.Device-1].Name,
			"address", iface.Address.String(),
			"netmask", iface.Netmask.String())
	}
	if rt := r.defaultRoute; rt != nil {
		iface := r.interfaces[rt.Interface-1]
		slog.Info("Default route", "gateway", rt.Gateway.String(), "device", r.devices[iface.Device-1].Name)
	}
	slog.Info("Runtime running", "devices", len(r.devices))
}

// Interrupt marks a running runtime as interrupted and wakes every blocked
// transport call. It is idempotent, a no-op unless the runtime is running,
// and safe to call from any goroutine. It allocates nothing and takes no
// locks.
func (r *Runtime) Interrupt() {
	if r.state.CompareAndSwap(int32(StateRunning), int32(StateInterrupted)) {
		close(r.done)
	}
}

// Interrupted reports whether Interrupt has taken effect. It stays true
// until shutdown.
func (r *Runtime) Interrupted() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Done is closed when the runtime is interrupted.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// Shutdown releases devices, interfaces and routes, stops background
// processing and moves the runtime to its terminal state. It is safe in
// every state, including after a partial setup; later calls are no-ops.
func (r *Runtime) Shutdown() {
	prev := State(r.state.Swap(int32(StateShutDown)))
	switch prev {
	case StateShutDown:
		return
	case StateUninitialized:
		slog.Debug("Runtime shut down before initialization")
		return
	}

	// Links stop first so their read loops return before the stack waits
	// on them.
	for _, dev := range r.devices {
		if dev.link != nil {
			dev.link.Close()
		}
	}

	if r.stack != nil {
		r.stack.Close()
		r.stack.Wait()
	}

	r.devices = nil
	r.interfaces = nil
	r.defaultRoute = nil

	slog.Info("Runtime shut down", "from", prev.String())
}
