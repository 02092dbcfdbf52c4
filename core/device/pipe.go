package device

import (
	"errors"
	"log/slog"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
)

const pipeQueueLen = 256

var (
	ErrPipeClosed = errors.New("pipe closed")
	ErrPipeFull   = errors.New("pipe queue full")
)

var _ Driver = (*Pipe)(nil)

// Pipe is an in-memory tap-link device. Frames given to Inject arrive on
// the device as if received from the wire; frames the stack transmits are
// delivered on Frames.
type Pipe struct {
	conf EtherConfig

	inbound  chan []byte
	outbound chan []byte
	done     chan struct{}
	once     sync.Once
}

func NewPipe(conf EtherConfig) *Pipe {
	return &Pipe{
		conf:     conf,
		inbound:  make(chan []byte, pipeQueueLen),
		outbound: make(chan []byte, pipeQueueLen),
		done:     make(chan struct{}),
	}
}

func (p *Pipe) Name() string { return p.conf.Name }
func (p *Pipe) Type() string { return "pipe" }
func (p *Pipe) Kind() Kind   { return KindTapLink }

func (p *Pipe) Open(nicID tcpip.NICID, stacker Stacker) (Device, error) {
	select {
	case <-p.done:
		return nil, ErrPipeClosed
	default:
	}
	e, err := openEther(p.conf, p.Type(), p, nicID, stacker)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Inject queues frame for delivery to the stack.
func (p *Pipe) Inject(frame []byte) error {
	select {
	case <-p.done:
		return ErrPipeClosed
	default:
	}

	select {
	case p.inbound <- append([]byte(nil), frame...):
		return nil
	case <-p.done:
		return ErrPipeClosed
	default:
		return ErrPipeFull
	}
}

// Frames returns the frames transmitted by the stack.
func (p *Pipe) Frames() <-chan []byte {
	return p.outbound
}

func (p *Pipe) ReadFrame() ([]byte, error) {
	select {
	case frame := <-p.inbound:
		return frame, nil
	case <-p.done:
		return nil, ErrPipeClosed
	}
}

func (p *Pipe) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, ErrPipeClosed
	default:
	}

	select {
	case p.outbound <- append([]byte(nil), b...):
	default:
		slog.Debug("pipe outbound queue full, dropping frame", "device", p.conf.Name)
	}
	return len(b), nil
}

func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
