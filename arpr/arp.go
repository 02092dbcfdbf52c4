package arpr

import (
	"errors"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// GratuitousArp builds a broadcast ARP request announcing localIP at
// localMAC.
func GratuitousArp(localIP net.IP, localMAC net.HardwareAddr) ([]byte, error) {
	ip4 := localIP.To4()
	if ip4 == nil {
		return nil, errors.New("gratuitous arp needs an IPv4 address")
	}
	if len(localMAC) != 6 {
		return nil, errors.New("gratuitous arp needs an ethernet address")
	}

	ethernet := &layers.Ethernet{
		SrcMAC:       localMAC,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   localMAC,
		SourceProtAddress: ip4,
		DstHwAddress:      net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		DstProtAddress:    ip4,
	}

	sbuf := gopacket.NewSerializeBuffer()
	options := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}

	if err := gopacket.SerializeLayers(sbuf, options, ethernet, arp); err != nil {
		return nil, err
	}

	return sbuf.Bytes(), nil
}
