package device

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/gopacket/gopacket/pcap"
	"github.com/jackpal/gateway"
	"gvisor.dev/gvisor/pkg/tcpip"
)

var _ Driver = (*PCAPDriver)(nil)

// PCAPDriver bridges a host NIC through libpcap, giving the stack a
// tap-style link on the host's segment without a TAP interface.
type PCAPDriver struct {
	conf EtherConfig

	// hostInterface names the host NIC; empty selects the NIC holding the
	// host's default route.
	hostInterface string
}

func NewPCAP(conf EtherConfig, hostInterface string) *PCAPDriver {
	return &PCAPDriver{conf: conf, hostInterface: hostInterface}
}

func (d *PCAPDriver) Name() string { return d.conf.Name }
func (d *PCAPDriver) Type() string { return "pcap" }
func (d *PCAPDriver) Kind() Kind   { return KindTapLink }

func (d *PCAPDriver) Open(nicID tcpip.NICID, stacker Stacker) (_ Device, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("open pcap: %v", r)
		}
	}()

	ifce, err := findInterface(d.hostInterface)
	if err != nil {
		return nil, err
	}

	conf := d.conf
	if len(conf.MAC) == 0 {
		conf.MAC = ifce.HardwareAddr
	}
	if conf.MTU == 0 {
		conf.MTU = uint32(ifce.MTU)
	}

	dev, err := findPcapDevice(ifce)
	if err != nil {
		return nil, err
	}

	inactive, err := createPcapHandle(dev, conf.mtu())
	if err != nil {
		return nil, err
	}
	defer inactive.CleanUp()

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("open live error: %w", err)
	}

	// Only frames addressed to our link address, plus broadcasts so ARP
	// requests for our addresses get answered by the stack.
	bpfFilter := fmt.Sprintf("ether dst %s or ether broadcast", conf.MAC.String())
	if err := handle.SetBPFFilter(bpfFilter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("set bpf filter error: %w", err)
	}

	e, err := openEther(conf, d.Type(), &pcapIO{handle: handle}, nicID, stacker)
	if err != nil {
		return nil, err
	}

	slog.Info("Using ethernet interface", "interface", ifce.Name, "mac", conf.MAC.String(), "pcap", dev.Name)
	return e, nil
}

func createPcapHandle(dev pcap.Interface, mtu uint32) (*pcap.InactiveHandle, error) {
	handle, err := pcap.NewInactiveHandle(dev.Name)
	if err != nil {
		return nil, fmt.Errorf("new inactive handle error: %w", err)
	}

	err = handle.SetPromisc(true)
	if err != nil {
		return nil, fmt.Errorf("set promisc error: %w", err)
	}

	err = handle.SetSnapLen(int(mtu) + 100)
	if err != nil {
		return nil, fmt.Errorf("set snap len error: %w", err)
	}

	err = handle.SetTimeout(pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("set timeout error: %w", err)
	}

	err = handle.SetImmediateMode(true)
	if err != nil {
		return nil, fmt.Errorf("set immediate mode error: %w", err)
	}

	err = handle.SetBufferSize(512 * 1024)
	if err != nil {
		return nil, fmt.Errorf("set buffer size error: %w", err)
	}

	return handle, nil
}

type pcapIO struct {
	handle *pcap.Handle
}

func (p *pcapIO) ReadFrame() ([]byte, error) {
	data, _, err := p.handle.ReadPacketData()
	return data, err
}

func (p *pcapIO) Write(b []byte) (int, error) {
	if err := p.handle.WritePacketData(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *pcapIO) Close() error {
	p.handle.Close()
	return nil
}

func findInterface(name string) (net.Interface, error) {
	if name != "" {
		ifce, err := net.InterfaceByName(name)
		if err != nil {
			return net.Interface{}, fmt.Errorf("find interface %s: %w", name, err)
		}
		return *ifce, nil
	}

	targetIP, err := gateway.DiscoverInterface()
	if err != nil {
		return net.Interface{}, fmt.Errorf("discover interface error: %w", err)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return net.Interface{}, err
	}

	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if ok && ipnet.IP.Equal(targetIP) {
				return iface, nil
			}
		}
	}

	return net.Interface{}, fmt.Errorf("interface with IP %s not found", targetIP)
}

func findPcapDevice(ifce net.Interface) (pcap.Interface, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return pcap.Interface{}, fmt.Errorf("find all devices error: %w", err)
	}

	for _, dev := range devices {
		if dev.Name == ifce.Name {
			return dev, nil
		}
	}

	addrs, err := ifce.Addrs()
	if err != nil {
		return pcap.Interface{}, fmt.Errorf("get interface addresses error: %w", err)
	}

	// Windows names pcap devices by GUID, so fall back to matching addresses.
	for _, dev := range devices {
		for _, devAddr := range dev.Addresses {
			for _, ifaceAddr := range addrs {
				if ipnet, ok := ifaceAddr.(*net.IPNet); ok && devAddr.IP.Equal(ipnet.IP) {
					return dev, nil
				}
			}
		}
	}

	return pcap.Interface{}, fmt.Errorf("pcap device not found for interface %s", ifce.Name)
}
