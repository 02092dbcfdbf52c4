package device

import (
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var _ Driver = (*TapDriver)(nil)

// TapDriver attaches to a host TAP interface.
type TapDriver struct {
	conf EtherConfig
}

func NewTap(conf EtherConfig) *TapDriver {
	return &TapDriver{conf: conf}
}

func (d *TapDriver) Name() string { return d.conf.Name }
func (d *TapDriver) Type() string { return "tap" }
func (d *TapDriver) Kind() Kind   { return KindTapLink }

func (d *TapDriver) Open(nicID tcpip.NICID, stacker Stacker) (Device, error) {
	f, err := openTap(d.conf.Name)
	if err != nil {
		return nil, fmt.Errorf("open tap %s: %w", d.conf.Name, err)
	}

	rw := &tapIO{file: f, buf: make([]byte, int(d.conf.mtu())+header.EthernetMinimumSize)}
	e, err := openEther(d.conf, d.Type(), rw, nicID, stacker)
	if err != nil {
		return nil, err
	}

	slog.Info("Tap device opened", "name", d.conf.Name, "mac", d.conf.MAC.String(), "mtu", d.conf.mtu())
	return e, nil
}

type tapFile interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

type tapIO struct {
	file tapFile
	buf  []byte
}

func (t *tapIO) ReadFrame() ([]byte, error) {
	n, err := t.file.Read(t.buf)
	if err != nil {
		return nil, err
	}
	return t.buf[:n], nil
}

func (t *tapIO) Write(p []byte) (int, error) {
	return t.file.Write(p)
}

func (t *tapIO) Close() error {
	return t.file.Close()
}
