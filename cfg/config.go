package cfg

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
)

func Load(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Decode(file)
}

// Parse decodes a config document held in memory.
func Parse(data []byte) (*Config, error) {
	return Decode(bytes.NewReader(data))
}

func Decode(r io.Reader) (*Config, error) {
	config := &Config{}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(config); err != nil {
		return nil, err
	}

	config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func Exists(filePath string) bool {
	_, err := os.Stat(filePath)
	return err == nil
}

type Config struct {
	Devices []Device `json:"devices"`
	Route   *Route   `json:"route,omitempty"`
	Echo    Echo     `json:"echo"`
	Capture Capture  `json:"capture"`
}

// Device describes one device together with the IP interface bound to it.
type Device struct {
	// Kind is one of "loopback", "tap" or "pcap".
	Kind string `json:"kind"`
	Name string `json:"name"`
	MAC  string `json:"mac,omitempty"`
	MTU  uint32 `json:"mtu,omitempty"`

	// HostInterface selects the host NIC of a pcap device; empty picks the
	// NIC holding the host's default route.
	HostInterface string `json:"hostInterface,omitempty"`

	Interface *Interface `json:"interface,omitempty"`

	HardwareAddr net.HardwareAddr `json:"-"`
}

type Interface struct {
	Address string `json:"address"`
	Netmask string `json:"netmask"`
}

// Route is the default route: Gateway reached through the interface of
// the device named Device.
type Route struct {
	Device  string `json:"device"`
	Gateway string `json:"gateway"`
}

type Echo struct {
	Listen     string `json:"listen"`
	BufferSize int    `json:"bufferSize"`
	Hexdump    bool   `json:"hexdump"`
}

type Capture struct {
	Enabled    bool   `json:"enabled"`
	OutputFile string `json:"outputFile"`
}

const (
	KindLoopback = "loopback"
	KindTap      = "tap"
	KindPCAP     = "pcap"

	defaultListen     = "0.0.0.0:7"
	defaultBufferSize = 1024
)

func (c *Config) Normalize() {
	for i := range c.Devices {
		c.Devices[i].Kind = strings.ToLower(strings.TrimSpace(c.Devices[i].Kind))
	}
	if c.Echo.Listen == "" {
		c.Echo.Listen = defaultListen
	}
	if c.Echo.BufferSize == 0 {
		c.Echo.BufferSize = defaultBufferSize
	}
}

func (c *Config) Validate() error {
	var errs []error
	names := make(map[string]struct{}, len(c.Devices))

	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: name is required", i))
		} else if _, dup := names[d.Name]; dup {
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate name %s", i, d.Name))
		}
		names[d.Name] = struct{}{}

		switch d.Kind {
		case KindLoopback:
		case KindTap, KindPCAP:
			if d.MAC != "" {
				mac, err := net.ParseMAC(d.MAC)
				if err != nil {
					errs = append(errs, fmt.Errorf("devices[%d]: parse mac error: %w", i, err))
				}
				d.HardwareAddr = mac
			} else if d.Kind == KindTap {
				errs = append(errs, fmt.Errorf("devices[%d]: tap device needs a mac", i))
			}
		default:
			errs = append(errs, fmt.Errorf("devices[%d]: unknown kind %q", i, d.Kind))
		}
	}

	if c.Route != nil {
		if _, ok := names[c.Route.Device]; !ok {
			errs = append(errs, fmt.Errorf("route: unknown device %q", c.Route.Device))
		}
	}
	if c.Echo.BufferSize < 0 || c.Echo.BufferSize > 65535 {
		errs = append(errs, fmt.Errorf("echo: buffer size %d out of range", c.Echo.BufferSize))
	}

	return errors.Join(errs...)
}
