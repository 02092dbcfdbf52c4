package device

import (
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/link/loopback"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

var _ Driver = (*LoopbackDriver)(nil)

// LoopbackDriver creates the virtual loopback device.
type LoopbackDriver struct {
	name string
}

func NewLoopback(name string) *LoopbackDriver {
	if name == "" {
		name = "lo"
	}
	return &LoopbackDriver{name: name}
}

func (d *LoopbackDriver) Name() string { return d.name }
func (d *LoopbackDriver) Type() string { return "loopback" }
func (d *LoopbackDriver) Kind() Kind   { return KindLoopback }

func (d *LoopbackDriver) Open(tcpip.NICID, Stacker) (Device, error) {
	return &Loopback{LinkEndpoint: loopback.New(), name: d.name}, nil
}

type Loopback struct {
	stack.LinkEndpoint

	name      string
	closeOnce sync.Once
}

func (l *Loopback) Name() string {
	return l.name
}

func (l *Loopback) Type() string {
	return "loopback"
}

func (l *Loopback) Close() {
	l.closeOnce.Do(l.LinkEndpoint.Close)
}
