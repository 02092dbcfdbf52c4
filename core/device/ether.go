package device

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/DaniilSokolyuk/go-netecho/arpr"
	"github.com/DaniilSokolyuk/go-netecho/core/device/iobased"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// frameIO moves whole ethernet frames in and out of a link.
type frameIO interface {
	ReadFrame() ([]byte, error)
	Write(p []byte) (int, error)
	Close() error
}

// Ether is a tap-style link: gVisor's ethernet endpoint stacked on an
// iobased endpoint that reads and writes raw frames through a frameIO.
type Ether struct {
	stack.LinkEndpoint

	name string
	typ  string
	mac  net.HardwareAddr

	rw      frameIO
	ep      *iobased.Endpoint
	sniffer *Sniffer

	nicID   tcpip.NICID
	stacker Stacker

	// neighbors is only touched by the dispatch goroutine.
	neighbors map[tcpip.Address]tcpip.LinkAddress

	closeOnce sync.Once
}

var _ Device = (*Ether)(nil)
var _ Announcer = (*Ether)(nil)

func openEther(conf EtherConfig, typ string, rw frameIO, nicID tcpip.NICID, stacker Stacker) (*Ether, error) {
	e := &Ether{
		name:      conf.Name,
		typ:       typ,
		mac:       conf.MAC,
		rw:        rw,
		nicID:     nicID,
		stacker:   stacker,
		neighbors: make(map[tcpip.Address]tcpip.LinkAddress),
	}

	ep, err := iobased.New(e, conf.mtu(), conf.MAC)
	if err != nil {
		_ = rw.Close()
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
	e.ep = ep

	// we are in L2 and using ethernet header
	e.LinkEndpoint = ethernet.New(ep)

	if conf.Capture.Enabled {
		sniffer, err := OpenCaptureFile(e.LinkEndpoint, conf.Capture.OutputFile, conf.Name)
		if err != nil {
			slog.Error("Failed to setup PCAP capture", "device", conf.Name, "error", err)
		} else {
			e.sniffer = sniffer
			e.LinkEndpoint = sniffer
		}
	}

	return e, nil
}

// ReadPacket implements iobased.ReadWriter.
func (e *Ether) ReadPacket() ([]byte, error) {
	for {
		data, err := e.rw.ReadFrame()
		if err != nil {
			return nil, err
		}
		if len(data) < header.EthernetMinimumSize {
			continue
		}

		eth := header.Ethernet(data)
		if eth.Type() == header.IPv4ProtocolNumber && len(data) >= header.EthernetMinimumSize+header.IPv4MinimumSize {
			ip := header.IPv4(data[header.EthernetMinimumSize:])
			e.learn(ip.SourceAddress(), eth.SourceAddress())
		}

		return data, nil
	}
}

func (e *Ether) Write(p []byte) (int, error) {
	return e.rw.Write(p)
}

// learn installs the sender of an inbound IPv4 frame as a static neighbor,
// so replies to it go out without an ARP round trip.
func (e *Ether) learn(addr tcpip.Address, linkAddr tcpip.LinkAddress) {
	if e.stacker == nil || addr.Unspecified() || addr == header.IPv4Broadcast {
		return
	}
	if len(linkAddr) != 6 || linkAddr[0]&0x01 != 0 || string(linkAddr) == string(e.mac) {
		return
	}
	if known, ok := e.neighbors[addr]; ok && known == linkAddr {
		return
	}

	if err := e.stacker.AddStaticNeighbor(e.nicID, header.IPv4ProtocolNumber, addr, linkAddr); err != nil {
		slog.Debug("add static neighbor error", "device", e.name, "addr", addr, "err", err)
		return
	}
	e.neighbors[addr] = linkAddr
	slog.Info(fmt.Sprintf("Host %s (%s) joined the network", addr, net.HardwareAddr(linkAddr)), "device", e.name)
}

// Announce sends a gratuitous ARP for addr.
func (e *Ether) Announce(addr netip.Addr) error {
	frame, err := arpr.GratuitousArp(net.IP(addr.AsSlice()), e.mac)
	if err != nil {
		return fmt.Errorf("build gratuitous arp: %w", err)
	}
	if _, err := e.rw.Write(frame); err != nil {
		return fmt.Errorf("write gratuitous arp: %w", err)
	}
	return nil
}

func (e *Ether) Name() string {
	return e.name
}

func (e *Ether) Type() string {
	return e.typ
}

// Close stops frame I/O first so the dispatch goroutine can return, then
// tears down the endpoints above it.
func (e *Ether) Close() {
	e.closeOnce.Do(func() {
		if err := e.rw.Close(); err != nil {
			slog.Debug("close link error", "device", e.name, "err", err)
		}
		if e.sniffer != nil {
			e.sniffer.Close()
		}
		e.ep.Close()
	})
}

func (e *Ether) Wait() {
	e.ep.Wait()
}
