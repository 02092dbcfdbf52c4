// Package iobased provides the implementation of frame reader/writer
// based data-link layer endpoints.
package iobased

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

const (
	// Queue length for outbound packet, arriving for read. Overflow
	// causes packet drops.
	defaultOutQueueLen = 1 << 10
)

// ReadWriter moves whole frames between the endpoint and the underlying
// link. ReadPacket blocks until a frame arrives and returns an error once
// the link is closed.
type ReadWriter interface {
	io.Writer
	ReadPacket() ([]byte, error)
}

// Endpoint implements the interface of stack.LinkEndpoint from ReadWriter.
type Endpoint struct {
	*channel.Endpoint

	// rw is the ReadWriter for reading and writing frames.
	rw ReadWriter

	// mtu (maximum transmission unit) is the maximum size of a packet.
	mtu uint32

	// once is used to perform the init action once when attaching.
	once sync.Once

	// cancel stops the outbound loop.
	cancel context.CancelFunc

	closeOnce sync.Once

	// wg keeps track of running goroutines.
	wg sync.WaitGroup
}

// New returns stack.LinkEndpoint(.*Endpoint) and error.
func New(rw ReadWriter, mtu uint32, mac net.HardwareAddr) (*Endpoint, error) {
	if mtu == 0 {
		return nil, errors.New("MTU size is zero")
	}

	if rw == nil {
		return nil, errors.New("RW interface is nil")
	}

	linkAddr, err := tcpip.ParseMACAddress(mac.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse link address: %w", err)
	}

	return &Endpoint{
		Endpoint: channel.New(defaultOutQueueLen, mtu, linkAddr),
		rw:       rw,
		mtu:      mtu,
	}, nil
}

// Attach launches the goroutines that read frames from the ReadWriter and
// dispatch them via the provided dispatcher, and that drain outbound
// packets back to the ReadWriter.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.Endpoint.Attach(dispatcher)
	if dispatcher == nil {
		return
	}
	e.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.wg.Add(2)
		go func() {
			e.outboundLoop(ctx)
			e.wg.Done()
		}()
		go func() {
			e.dispatchLoop(cancel)
			e.wg.Done()
		}()
	})
}

// Close stops the outbound loop. The dispatch loop ends once the
// ReadWriter reports an error, which the owner of the ReadWriter
// arranges by closing it.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.Endpoint.Close()
	})
}

func (e *Endpoint) Wait() {
	e.wg.Wait()
}

// dispatchLoop dispatches packets to upper layer.
func (e *Endpoint) dispatchLoop(cancel context.CancelFunc) {
	// Call cancel() to ensure (*Endpoint).outboundLoop(context.Context) exits
	// gracefully after (*Endpoint).dispatchLoop(context.CancelFunc) returns.
	defer cancel()

	// Frames carry the ethernet header on top of the MTU.
	limit := int(e.mtu) + header.EthernetMinimumSize

	for {
		data, err := e.rw.ReadPacket()
		if err != nil {
			slog.Debug("link read loop stopped", slog.Any("err", err))
			return
		}
		if len(data) == 0 {
			continue
		}

		if len(data) > limit {
			slog.Debug("[MTU] Dropping frame larger than MTU", "frame_size", len(data), "mtu", e.mtu)
			continue
		}

		if !e.IsAttached() {
			continue /* unattached, drop packet */
		}

		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(data),
		})

		e.InjectInbound(header.EthernetProtocolAll, pkt)

		pkt.DecRef()
	}
}

// outboundLoop reads outbound packets from channel, and then it calls
// writePacket to send those packets back to lower layer.
func (e *Endpoint) outboundLoop(ctx context.Context) {
	for {
		pkt := e.ReadContext(ctx)
		if pkt == nil {
			break
		}
		e.writePacket(pkt)
	}
}

// writePacket writes outbound packets to the io.Writer.
func (e *Endpoint) writePacket(pkt *stack.PacketBuffer) tcpip.Error {
	defer pkt.DecRef()

	view := pkt.ToView()
	defer view.Release()
	_, err := view.WriteTo(e.rw)
	if err != nil {
		slog.Debug("link write error", slog.Any("err", err))
		return &tcpip.ErrInvalidEndpointState{}
	}
	return nil
}
