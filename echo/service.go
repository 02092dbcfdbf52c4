// Package echo implements the UDP echo service: every datagram received
// on the bound endpoint is sent back, unmodified, to its sender.
package echo

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/DaniilSokolyuk/go-netecho/core"
	"github.com/sagernet/sing/common/buf"
	"go.uber.org/atomic"
)

// DefaultPort is the well-known echo service port.
const DefaultPort = 7

const defaultBufferSize = 1024

// Socket is the datagram transport the service runs on.
type Socket interface {
	Bind(local core.Endpoint) error
	RecvFrom(b []byte) (int, core.Endpoint, error)
	SendTo(b []byte, to core.Endpoint) error
	Close() error
}

// OpenFunc acquires a fresh, unbound Socket.
type OpenFunc func() (Socket, error)

// RuntimeOpener opens sockets on rt.
func RuntimeOpener(rt *core.Runtime) OpenFunc {
	return func() (Socket, error) {
		sock, err := rt.OpenUDP()
		if err != nil {
			return nil, err
		}
		return sock, nil
	}
}

type Config struct {
	// Local is the endpoint the service binds.
	Local core.Endpoint

	// BufferSize bounds the datagram size; longer datagrams are truncated.
	BufferSize int

	// Dump receives a hexdump of every payload; nil disables it.
	Dump io.Writer
}

type Service struct {
	open OpenFunc
	conf Config
	log  *slog.Logger

	echoed atomic.Uint64
	ready  chan struct{}
	once   sync.Once
}

func New(open OpenFunc, conf Config) *Service {
	if conf.BufferSize <= 0 {
		conf.BufferSize = defaultBufferSize
	}
	return &Service{
		open:  open,
		conf:  conf,
		log:   slog.With("component", "echo"),
		ready: make(chan struct{}),
	}
}

// Ready is closed once the socket is bound.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Echoed returns the number of datagrams sent back so far.
func (s *Service) Echoed() uint64 {
	return s.echoed.Load()
}

// Run opens and binds the socket and echoes datagrams until the runtime is
// interrupted, a receive yields no data, or an I/O error occurs. The
// socket is closed exactly once on every path. Interruption and an empty
// receive return nil.
func (s *Service) Run() (err error) {
	sock, err := s.open()
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer func() {
		if cerr := sock.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close: %w", cerr)
		}
	}()

	if err := sock.Bind(s.conf.Local); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	s.once.Do(func() { close(s.ready) })

	buffer := buf.NewSize(s.conf.BufferSize)
	defer buffer.Release()
	b := buffer.FreeBytes()[:s.conf.BufferSize]

	s.log.Debug("waiting for data...", "local", core.FormatEndpoint(s.conf.Local))
	for {
		n, from, err := sock.RecvFrom(b)
		if errors.Is(err, core.ErrInterrupted) {
			s.log.Debug("interrupted", "echoed", s.echoed.Load())
			return nil
		}
		if err != nil {
			return fmt.Errorf("recv: %w", err)
		}
		if n <= 0 {
			return nil
		}

		payload := b[:n]
		s.log.Info(fmt.Sprintf("%d bytes data from %s", n, core.FormatEndpoint(from)))
		if s.conf.Dump != nil {
			_, _ = io.WriteString(s.conf.Dump, hex.Dump(payload))
		}

		if err := sock.SendTo(payload, from); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		s.echoed.Inc()
	}
}
