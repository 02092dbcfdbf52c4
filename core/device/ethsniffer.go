package device

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/link/nested"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

const snapLen = 65536

// capturedFrame represents a frame to be written to the PCAP output
type capturedFrame struct {
	info gopacket.CaptureInfo
	data []byte
}

// Sniffer wraps a LinkEndpoint and captures all frames to PCAP
type Sniffer struct {
	nested.Endpoint

	writer *pcapgo.Writer
	out    io.Closer

	mu     sync.RWMutex
	closed bool
	frames chan capturedFrame
	wg     sync.WaitGroup
}

var _ stack.LinkEndpoint = (*Sniffer)(nil)
var _ stack.NetworkDispatcher = (*Sniffer)(nil)

// NewSniffer creates a LinkEndpoint wrapper that writes every frame
// crossing lower to out in PCAP format.
func NewSniffer(lower stack.LinkEndpoint, out io.WriteCloser) (*Sniffer, error) {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write PCAP header: %w", err)
	}

	e := &Sniffer{
		writer: w,
		out:    out,
		frames: make(chan capturedFrame, 1000),
	}

	e.Endpoint.Init(lower, e)

	e.wg.Add(1)
	go e.frameWriter()

	return e, nil
}

// OpenCaptureFile creates a timestamped PCAP file for device and wraps
// lower with a Sniffer writing to it.
func OpenCaptureFile(lower stack.LinkEndpoint, outputFile, device string) (*Sniffer, error) {
	path := captureFileName(outputFile, device, time.Now())

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create PCAP file: %w", err)
	}

	s, err := NewSniffer(lower, f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	slog.Info("Ethernet PCAP capture enabled", "device", device, "outputFile", path)
	return s, nil
}

func captureFileName(outputFile, device string, now time.Time) string {
	stamp := now.Format("20060102_150405")
	if outputFile == "" {
		return fmt.Sprintf("capture_%s_%s.pcap", device, stamp)
	}

	ext := ".pcap"
	if idx := strings.LastIndex(outputFile, "."); idx != -1 {
		ext = outputFile[idx:]
		outputFile = outputFile[:idx]
	}
	return fmt.Sprintf("%s_%s_%s%s", outputFile, device, stamp, ext)
}

// DeliverNetworkPacket implements stack.NetworkDispatcher - captures incoming frames
func (e *Sniffer) DeliverNetworkPacket(protocol tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) {
	e.capture(pkt)
	e.Endpoint.DeliverNetworkPacket(protocol, pkt)
}

// WritePackets implements stack.LinkEndpoint - captures outgoing frames
func (e *Sniffer) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	for _, pkt := range pkts.AsSlice() {
		e.capture(pkt)
	}
	return e.Endpoint.WritePackets(pkts)
}

func (e *Sniffer) capture(pkt *stack.PacketBuffer) {
	view := pkt.ToView()
	defer view.Release()

	data := view.AsSlice()
	if len(data) == 0 {
		return
	}

	e.record(data, time.Now())
}

// record queues a copy of data; frames seen after Close are ignored.
func (e *Sniffer) record(data []byte, ts time.Time) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}

	select {
	case e.frames <- capturedFrame{info: ci, data: append([]byte(nil), data...)}:
	default:
		slog.Warn("PCAP capture channel full, dropping frame")
	}
}

func (e *Sniffer) frameWriter() {
	defer e.wg.Done()

	for f := range e.frames {
		if err := e.writer.WritePacket(f.info, f.data); err != nil {
			slog.Error("Failed to write frame to PCAP", "error", err)
		}
	}
}

// Close flushes queued frames and closes the output. The wrapped endpoint
// is left to its owner.
func (e *Sniffer) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.frames)
	e.mu.Unlock()

	e.wg.Wait()
	if err := e.out.Close(); err != nil {
		slog.Warn("PCAP capture close error", "error", err)
		return
	}
	slog.Info("PCAP capture closed")
}
