package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `{
  "devices": [
    {"kind": "loopback", "name": "lo", "interface": {"address": "127.0.0.1", "netmask": "255.0.0.0"}},
    {"kind": "TAP", "name": "tap0", "mac": "00:00:5e:00:53:01", "interface": {"address": "192.0.2.2", "netmask": "255.255.255.0"}}
  ],
  "route": {"device": "tap0", "gateway": "192.0.2.1"},
  "echo": {"hexdump": true}
}`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	require.Len(t, c.Devices, 2)
	assert.Equal(t, KindLoopback, c.Devices[0].Kind)
	assert.Equal(t, KindTap, c.Devices[1].Kind)
	assert.Equal(t, "00:00:5e:00:53:01", c.Devices[1].HardwareAddr.String())
	require.NotNil(t, c.Devices[1].Interface)
	assert.Equal(t, "192.0.2.2", c.Devices[1].Interface.Address)

	require.NotNil(t, c.Route)
	assert.Equal(t, "192.0.2.1", c.Route.Gateway)

	assert.Equal(t, defaultListen, c.Echo.Listen)
	assert.Equal(t, defaultBufferSize, c.Echo.BufferSize)
	assert.True(t, c.Echo.Hexdump)
	assert.False(t, c.Capture.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown kind", `{"devices": [{"kind": "tun", "name": "x"}]}`},
		{"missing name", `{"devices": [{"kind": "loopback"}]}`},
		{"duplicate name", `{"devices": [{"kind": "loopback", "name": "lo"}, {"kind": "loopback", "name": "lo"}]}`},
		{"tap without mac", `{"devices": [{"kind": "tap", "name": "tap0"}]}`},
		{"bad mac", `{"devices": [{"kind": "tap", "name": "tap0", "mac": "zz"}]}`},
		{"route to unknown device", `{"devices": [], "route": {"device": "tap0", "gateway": "192.0.2.1"}}`},
		{"buffer too large", `{"echo": {"bufferSize": 70000}}`},
		{"unknown field", `{"bogus": true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadAndExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	assert.False(t, Exists(path))

	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	assert.True(t, Exists(path))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.Devices, 2)
}
