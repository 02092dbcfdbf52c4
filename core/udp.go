package core

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	E "github.com/sagernet/sing/common/exceptions"
	"go.uber.org/atomic"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// UDPSocket is a datagram endpoint on the runtime's stack. Receives block
// until a datagram arrives or the runtime is interrupted.
type UDPSocket struct {
	rt *Runtime
	ep tcpip.Endpoint
	wq waiter.Queue

	bound     atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// OpenUDP acquires a UDP endpoint. The runtime must be running.
func (r *Runtime) OpenUDP() (*UDPSocket, error) {
	switch st := r.State(); st {
	case StateRunning, StateInterrupted:
	default:
		return nil, fmt.Errorf("%w: runtime is %s", ErrTransport, st)
	}

	s := &UDPSocket{rt: r}
	ep, terr := r.stack.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &s.wq)
	if terr != nil {
		return nil, E.Cause(ErrTransport, "new endpoint: ", terr.String())
	}
	s.ep = ep
	return s, nil
}

// Bind associates the socket with local. An unspecified address binds
// all local addresses.
func (s *UDPSocket) Bind(local Endpoint) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: socket is closed", ErrBind)
	}
	if !local.IsIP() || !local.Addr.Is4() {
		return fmt.Errorf("%w: invalid local endpoint %s", ErrBind, FormatEndpoint(local))
	}
	if !s.bound.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: socket already bound", ErrBind)
	}

	addr := tcpip.FullAddress{Port: local.Port}
	if !local.Addr.IsUnspecified() {
		addr.Addr = AddressFromAddr(local.Addr)
	}
	if terr := s.ep.Bind(addr); terr != nil {
		s.bound.Store(false)
		return E.Cause(ErrBind, "bind ", FormatEndpoint(local), ": ", terr.String())
	}

	slog.Debug("UDP socket bound", "local", FormatEndpoint(local))
	return nil
}

// RecvFrom reads one datagram into b and returns its length and sender.
// A datagram longer than b is truncated. Once the runtime is interrupted
// it returns ErrInterrupted without blocking.
func (s *UDPSocket) RecvFrom(b []byte) (int, Endpoint, error) {
	if s.closed.Load() {
		return 0, Endpoint{}, fmt.Errorf("%w: socket is closed", ErrTransport)
	}
	if s.rt.Interrupted() {
		return 0, Endpoint{}, ErrInterrupted
	}

	waitEntry, notifyCh := waiter.NewChannelEntry(waiter.ReadableEvents)
	s.wq.EventRegister(&waitEntry)
	defer s.wq.EventUnregister(&waitEntry)

	for {
		w := tcpip.SliceWriter(b)
		res, terr := s.ep.Read(&w, tcpip.ReadOptions{NeedRemoteAddr: true})
		if terr == nil {
			return res.Count, endpointFromFull(res.RemoteAddr), nil
		}
		if _, ok := terr.(*tcpip.ErrWouldBlock); !ok {
			return 0, Endpoint{}, E.Cause(ErrIO, "recv: ", terr.String())
		}

		select {
		case <-notifyCh:
		case <-s.rt.Done():
			return 0, Endpoint{}, ErrInterrupted
		}
	}
}

// SendTo sends b as one datagram to to.
func (s *UDPSocket) SendTo(b []byte, to Endpoint) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: socket is closed", ErrTransport)
	}
	if !to.IsIP() || !to.Addr.Is4() {
		return fmt.Errorf("%w: invalid destination %s", ErrIO, FormatEndpoint(to))
	}

	dst := tcpip.FullAddress{Addr: AddressFromAddr(to.Addr), Port: to.Port}
	n, terr := s.ep.Write(bytes.NewReader(b), tcpip.WriteOptions{To: &dst})
	if terr != nil {
		return E.Cause(ErrIO, "send to ", FormatEndpoint(to), ": ", terr.String())
	}
	if int(n) != len(b) {
		return fmt.Errorf("%w: short write to %s: %d of %d bytes", ErrIO, FormatEndpoint(to), n, len(b))
	}
	return nil
}

// Close releases the endpoint. Later calls are no-ops.
func (s *UDPSocket) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.ep.Close()
	})
	return nil
}
