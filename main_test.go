package main

import (
	"bytes"
	"testing"

	"github.com/DaniilSokolyuk/go-netecho/cfg"
	"github.com/DaniilSokolyuk/go-netecho/core"
	"github.com/DaniilSokolyuk/go-netecho/core/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loopbackOnly = `{
  "devices": [
    {"kind": "loopback", "name": "lo", "interface": {"address": "127.0.0.1", "netmask": "255.0.0.0"}}
  ],
  "echo": {"listen": "0.0.0.0:7", "hexdump": true}
}`

func TestServeInterruptedBeforeStart(t *testing.T) {
	config, err := cfg.Parse([]byte(loopbackOnly))
	require.NoError(t, err)

	rt := core.New()
	defer rt.Shutdown()
	bridge := core.NewBridge(rt)
	bridge.Trigger()

	var dump bytes.Buffer
	assert.Equal(t, 0, serve(rt, bridge, config, &dump))
	assert.Equal(t, core.StateInterrupted, rt.State())
	assert.Empty(t, dump.String())
}

func TestServeSetupFailure(t *testing.T) {
	config, err := cfg.Parse([]byte(`{
  "devices": [
    {"kind": "loopback", "name": "lo", "interface": {"address": "127.0.0.1", "netmask": "255.0.255.0"}}
  ]
}`))
	require.NoError(t, err)

	rt := core.New()
	defer rt.Shutdown()
	assert.Equal(t, 1, serve(rt, core.NewBridge(rt), config, nil))
}

func TestSetupRouteWithoutInterface(t *testing.T) {
	config, err := cfg.Parse([]byte(`{
  "devices": [
    {"kind": "loopback", "name": "lo", "interface": {"address": "127.0.0.1", "netmask": "255.0.0.0"}},
    {"kind": "loopback", "name": "lo1"}
  ],
  "route": {"device": "lo1", "gateway": "127.0.0.254"}
}`))
	require.NoError(t, err)

	rt := core.New()
	defer rt.Shutdown()

	err = setup(rt, config)
	assert.ErrorIs(t, err, core.ErrRoute)
	assert.Equal(t, core.StateInitialized, rt.State())
}

func TestSetupBadGateway(t *testing.T) {
	config, err := cfg.Parse([]byte(`{
  "devices": [
    {"kind": "loopback", "name": "lo", "interface": {"address": "127.0.0.1", "netmask": "255.0.0.0"}}
  ],
  "route": {"device": "lo", "gateway": "255.255.255.255"}
}`))
	require.NoError(t, err)

	rt := core.New()
	defer rt.Shutdown()
	assert.ErrorIs(t, setup(rt, config), core.ErrRoute)
}

func TestSetupStarts(t *testing.T) {
	config, err := cfg.Parse([]byte(loopbackOnly))
	require.NoError(t, err)

	rt := core.New()
	defer rt.Shutdown()
	require.NoError(t, setup(rt, config))
	assert.Equal(t, core.StateRunning, rt.State())
	assert.Len(t, rt.Interfaces(), 1)
}

func TestNewDriver(t *testing.T) {
	config, err := cfg.Parse([]byte(configData))
	require.NoError(t, err)

	kinds := map[string]device.Kind{}
	for _, d := range config.Devices {
		drv, err := newDriver(d, config.Capture)
		require.NoError(t, err)
		assert.Equal(t, d.Name, drv.Name())
		kinds[d.Kind] = drv.Kind()
	}
	assert.Equal(t, device.KindLoopback, kinds[cfg.KindLoopback])
	assert.Equal(t, device.KindTapLink, kinds[cfg.KindTap])

	drv, err := newDriver(cfg.Device{Kind: cfg.KindPCAP, Name: "eth"}, cfg.Capture{})
	require.NoError(t, err)
	assert.Equal(t, "pcap", drv.Type())

	_, err = newDriver(cfg.Device{Kind: "tun", Name: "x"}, cfg.Capture{})
	assert.ErrorIs(t, err, core.ErrDevice)
}
